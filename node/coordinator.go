package node

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/TFMV/furyshare/common"
	"github.com/TFMV/furyshare/file"
	"github.com/TFMV/furyshare/metrics"
)

// outboundTransfer tracks the host's transfer to one peer
type outboundTransfer struct {
	seq       uint64
	sending   bool
	done      bool
	fellBack  bool
	failed    bool
	path      common.TransferPath
	progress  float64
	cancel    context.CancelFunc
	startedAt time.Time
}

// OutboundInfo is a read-only view of a host transfer
type OutboundInfo struct {
	PeerID   common.PeerID `json:"peer_id"`
	Seq      uint64        `json:"transfer_seq"`
	State    string        `json:"state"`
	Path     string        `json:"path,omitempty"`
	Progress float64       `json:"progress"`
}

// Status describes everything the coordinator is tracking
type Status struct {
	Mode     string                  `json:"mode"`
	UploadID string                  `json:"upload_id,omitempty"`
	File     *common.FileMetadata    `json:"file,omitempty"`
	Roster   []common.RosterEntry    `json:"roster"`
	Sessions []SessionInfo           `json:"sessions"`
	Outbound []OutboundInfo          `json:"outbound"`
	Inbound  []file.TransferSnapshot `json:"inbound"`
}

// Coordinator reacts to roster and relay messages, drives peer sessions,
// runs chunked transfers over open channels and falls back to the relay
// when the direct path fails. A coordinator with a shared file is a host;
// one without is a receiver.
type Coordinator struct {
	logger   *zap.Logger
	config   Config
	relay    Relay
	observer common.Observer
	shared   *SharedFile
	sink     file.Sink

	registry *PeerSessionRegistry
	router   *SignalingRouter
	sender   *file.Sender
	receiver *file.Receiver
	fallback *Fallback

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	closing   bool
	roster    map[common.PeerID]string
	transfers map[common.PeerID]*outboundTransfer
	seq       map[common.PeerID]uint64
	uploadID  string
	relayMeta *common.FileMetadata
	hostPeer  common.PeerID
}

// NewCoordinator creates a coordinator. shared is nil for receivers.
func NewCoordinator(logger *zap.Logger, config Config, transport DirectTransport, relay Relay, sink file.Sink, observer common.Observer, shared *SharedFile) (*Coordinator, error) {
	codec, err := file.NewCodec(config.Transfer.Codec)
	if err != nil {
		return nil, err
	}
	if observer == nil {
		observer = common.NopObserver{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		logger:    logger,
		config:    config,
		relay:     relay,
		observer:  observer,
		shared:    shared,
		sink:      sink,
		ctx:       ctx,
		cancel:    cancel,
		roster:    make(map[common.PeerID]string),
		transfers: make(map[common.PeerID]*outboundTransfer),
		seq:       make(map[common.PeerID]uint64),
	}

	c.registry = NewPeerSessionRegistry(logger, func(peer common.PeerID, role common.Role) (*PeerSession, error) {
		return NewPeerSession(logger, peer, role, transport, c.router, c)
	})
	c.router = NewSignalingRouter(logger, c.registry, relay, shared == nil)
	c.sender = file.NewSender(logger, codec, config.Transfer)
	c.receiver = file.NewReceiver(logger, config.Transfer, sink, observer)
	c.fallback = NewFallback(logger, relay, config.Fallback)

	return c, nil
}

// Registry returns the session registry
func (c *Coordinator) Registry() *PeerSessionRegistry {
	return c.registry
}

// Receiver returns the inbound transfer engine
func (c *Coordinator) Receiver() *file.Receiver {
	return c.receiver
}

// IsHost reports whether this coordinator shares a file
func (c *Coordinator) IsHost() bool {
	return c.shared != nil
}

// Run watches inbound transfers for stalls until ctx is cancelled
func (c *Coordinator) Run(ctx context.Context) {
	c.receiver.Run(ctx, c.onStall)
}

// Close tears down every session without falling back and waits for
// in-flight sends to stop.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	for _, t := range c.transfers {
		if t.cancel != nil {
			t.cancel()
		}
	}
	c.mu.Unlock()

	c.cancel()
	c.registry.CloseAll()
	c.wg.Wait()
	c.logger.Info("Coordinator stopped")
}

// HandleEnvelope processes one message from the relay
func (c *Coordinator) HandleEnvelope(env common.Envelope) error {
	if _, ok := SignalKindOf(env.Type); ok {
		return c.router.Dispatch(env)
	}

	switch env.Type {
	case TypeReceiversUpdate:
		var entries []common.RosterEntry
		if err := json.Unmarshal(env.Payload, &entries); err != nil {
			return fmt.Errorf("%w: malformed receivers_update: %v", common.ErrProtocolViolation, err)
		}
		c.UpdateRoster(entries)
		return nil

	case TypeUploadCreated:
		var payload struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return fmt.Errorf("%w: malformed upload_created: %v", common.ErrProtocolViolation, err)
		}
		c.mu.Lock()
		c.uploadID = payload.ID
		c.mu.Unlock()
		c.logger.Info("Upload created", zap.String("upload_id", payload.ID))
		return nil

	case TypeRequestFile:
		var payload signalPayload
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &payload); err != nil {
				return fmt.Errorf("%w: malformed request_file: %v", common.ErrProtocolViolation, err)
			}
		}
		return c.handleRequestFile(payload.peer())

	case TypeFileMetadata:
		var meta common.FileMetadata
		if err := json.Unmarshal(env.Payload, &meta); err != nil {
			return fmt.Errorf("%w: malformed file_metadata: %v", common.ErrProtocolViolation, err)
		}
		c.mu.Lock()
		c.relayMeta = &meta
		c.mu.Unlock()
		c.logger.Info("File metadata received over relay",
			zap.String("filename", meta.Filename),
			zap.Uint64("size_bytes", meta.SizeBytes))
		return nil

	case TypeFileData:
		return c.handleRelayFile(env.Payload)

	default:
		c.logger.Debug("Ignoring relay message", zap.String("type", env.Type))
		return nil
	}
}

// UpdateRoster applies a full roster. New peers get an Initiator session;
// peers that left are torn down without fallback.
func (c *Coordinator) UpdateRoster(entries []common.RosterEntry) {
	next := make(map[common.PeerID]string, len(entries))
	for _, e := range entries {
		if e.ID != "" {
			next[e.ID] = e.Name
		}
	}

	c.mu.Lock()
	c.roster = next
	c.mu.Unlock()

	c.logger.Info("Roster updated", zap.Int("receivers", len(next)))

	if c.shared == nil {
		return
	}

	for _, peer := range c.registry.PeerIDs() {
		if _, ok := next[peer]; !ok {
			c.removePeer(peer)
		}
	}

	added := make([]common.PeerID, 0, len(next))
	for peer := range next {
		if c.registry.Get(peer) == nil {
			added = append(added, peer)
		}
	}
	sort.Slice(added, func(i, j int) bool { return added[i] < added[j] })
	for _, peer := range added {
		c.connect(peer)
	}
}

func (c *Coordinator) connect(peer common.PeerID) {
	if c.config.Transfer.AutoSend {
		c.mu.Lock()
		c.queueLocked(peer)
		c.mu.Unlock()
	}

	s, created, err := c.registry.GetOrCreate(peer, common.RoleInitiator)
	if err != nil {
		c.logger.Error("Failed to create peer session", zap.String("peer_id", string(peer)), zap.Error(err))
		c.fallbackOnce(peer, err, false)
		return
	}
	if !created {
		return
	}
	if err := s.CreateLocalOffer(); err != nil {
		// The session is Failed and the listener has already applied fallback.
		c.logger.Debug("Offer not sent", zap.String("peer_id", string(peer)), zap.Error(err))
	}
}

// queueLocked records a pending transfer to peer unless one is live
func (c *Coordinator) queueLocked(peer common.PeerID) *outboundTransfer {
	if t, ok := c.transfers[peer]; ok && !t.done && !t.fellBack {
		return t
	}
	c.seq[peer]++
	t := &outboundTransfer{seq: c.seq[peer]}
	c.transfers[peer] = t
	return t
}

func (c *Coordinator) removePeer(peer common.PeerID) {
	c.mu.Lock()
	if t, ok := c.transfers[peer]; ok {
		if t.cancel != nil {
			t.cancel()
		}
		delete(c.transfers, peer)
	}
	c.mu.Unlock()

	c.receiver.Discard(peer)
	c.registry.Remove(peer)
	c.logger.Info("Peer left", zap.String("peer_id", string(peer)))
}

// SendTo queues a transfer to peer and starts it if the channel is open
func (c *Coordinator) SendTo(peer common.PeerID) error {
	if c.shared == nil {
		return common.ErrNoFile
	}
	s := c.registry.Get(peer)
	if s == nil {
		return fmt.Errorf("no session for peer %q", peer)
	}

	c.mu.Lock()
	c.queueLocked(peer)
	c.mu.Unlock()

	switch s.State() {
	case common.ConnectionStateConnected:
		c.startSend(peer, s.Channel())
	case common.ConnectionStateFailed, common.ConnectionStateClosed:
		c.fallbackOnce(peer, common.ErrChannelNotReady, false)
	}
	return nil
}

// OnSessionState implements SessionListener
func (c *Coordinator) OnSessionState(s *PeerSession, from, to common.ConnectionState, err error) {
	c.observer.OnConnectionState(common.ConnectionEvent{
		PeerID: s.PeerID(),
		Role:   s.Role(),
		From:   from,
		State:  to,
	})

	if s.Role() == common.RoleResponder && from == common.ConnectionStateNew {
		c.mu.Lock()
		c.hostPeer = s.PeerID()
		c.mu.Unlock()
	}

	if to != common.ConnectionStateFailed && to != common.ConnectionStateClosed {
		return
	}
	// A Failed session has released its transport but stays registered
	// until the peer leaves the roster. Late candidates from the peer are
	// then ignored rather than dropped as unknown-peer violations, and the
	// next roster update does not negotiate again while the relay fallback
	// delivers the file.
	c.receiver.Discard(s.PeerID())
	if err == nil {
		err = common.ErrSessionClosed
	}
	c.fallbackOnce(s.PeerID(), err, false)
}

// OnChannelOpen implements SessionListener
func (c *Coordinator) OnChannelOpen(s *PeerSession, ch file.Channel) {
	c.startSend(s.PeerID(), ch)
}

// OnChannelMessage implements SessionListener
func (c *Coordinator) OnChannelMessage(s *PeerSession, data []byte) {
	if err := c.receiver.HandleMessage(c.ctx, s.PeerID(), data); err != nil {
		c.logger.Debug("Frame not applied", zap.String("peer_id", string(s.PeerID())), zap.Error(err))
	}
}

func (c *Coordinator) startSend(peer common.PeerID, ch file.Channel) {
	c.mu.Lock()
	t := c.transfers[peer]
	if c.shared == nil || c.closing || t == nil || t.sending || t.done || t.fellBack {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	t.sending = true
	t.cancel = cancel
	t.startedAt = time.Now()
	seq := t.seq
	shared := c.shared
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer cancel()
		c.runSend(ctx, peer, seq, ch, shared)
	}()
}

func (c *Coordinator) runSend(ctx context.Context, peer common.PeerID, seq uint64, ch file.Channel, shared *SharedFile) {
	logger := c.logger.With(zap.String("peer_id", string(peer)), zap.Uint64("transfer_seq", seq))

	src, err := os.Open(shared.Path)
	if err != nil {
		logger.Error("Failed to open shared file", zap.Error(err))
		c.fallbackOnce(peer, err, false)
		return
	}
	defer src.Close()

	logger.Info("Starting direct transfer", zap.String("filename", shared.Metadata.Filename))
	err = c.sender.Send(ctx, ch, seq, shared.Metadata, src, func(p float64) {
		c.mu.Lock()
		if t := c.transfers[peer]; t != nil && t.seq == seq {
			t.progress = p
		}
		c.mu.Unlock()
		c.observer.OnProgress(common.ProgressEvent{PeerID: peer, Direction: common.DirectionSending, Progress: p})
	})

	if err == nil {
		c.mu.Lock()
		t := c.transfers[peer]
		current := t != nil && t.seq == seq && !t.fellBack
		var startedAt time.Time
		if current {
			t.done = true
			t.path = common.PathDirect
			startedAt = t.startedAt
		}
		c.mu.Unlock()
		if current {
			c.reportOutbound(peer, common.PathDirect, common.TransferStateCompleted, nil, startedAt)
		}
		return
	}

	if ctx.Err() != nil {
		logger.Debug("Direct transfer cancelled", zap.Error(err))
		return
	}
	logger.Warn("Direct transfer failed", zap.Error(err))
	c.fallbackOnce(peer, err, false)
}

// fallbackOnce sends the shared file to peer over the relay, at most once
// per transfer. requested forces a resend after a direct transfer that the
// receiver never finished.
func (c *Coordinator) fallbackOnce(peer common.PeerID, cause error, requested bool) {
	c.mu.Lock()
	if c.closing || c.shared == nil {
		c.mu.Unlock()
		return
	}
	t := c.transfers[peer]
	if requested && (t == nil || t.done) {
		t = c.queueLocked(peer)
	}
	if t == nil || t.fellBack || t.done {
		c.mu.Unlock()
		return
	}
	t.fellBack = true
	if t.cancel != nil {
		t.cancel()
	}
	startedAt := t.startedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	shared := c.shared
	c.mu.Unlock()

	c.logger.Warn("Falling back to relay",
		zap.String("peer_id", string(peer)),
		zap.Bool("requested", requested),
		zap.NamedError("cause", cause))

	err := c.fallback.Send(c.ctx, peer, shared)

	c.mu.Lock()
	t.done = true
	t.failed = err != nil
	t.path = common.PathRelay
	c.mu.Unlock()

	if err != nil {
		c.logger.Error("Relay fallback failed", zap.String("peer_id", string(peer)), zap.Error(err))
		c.reportOutbound(peer, common.PathRelay, common.TransferStateFailed, err, startedAt)
		return
	}
	c.observer.OnProgress(common.ProgressEvent{PeerID: peer, Direction: common.DirectionSending, Progress: 1})
	c.reportOutbound(peer, common.PathRelay, common.TransferStateCompleted, nil, startedAt)
}

func (c *Coordinator) reportOutbound(peer common.PeerID, path common.TransferPath, state common.TransferState, err error, startedAt time.Time) {
	metrics.TransfersFinished.WithLabelValues(common.DirectionSending.String(), string(path), state.String()).Inc()
	c.observer.OnTransfer(common.TransferEvent{
		PeerID:     peer,
		Direction:  common.DirectionSending,
		Path:       path,
		Metadata:   c.shared.Metadata,
		State:      state,
		Location:   c.shared.Path,
		Err:        err,
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
	})
}

func (c *Coordinator) handleRequestFile(peer common.PeerID) error {
	if c.shared == nil {
		c.logger.Debug("Ignoring request_file without a shared file")
		return nil
	}
	if peer == "" {
		metrics.ProtocolViolations.WithLabelValues(TypeRequestFile).Inc()
		c.logger.Warn("Dropping request_file without a peer identifier")
		return common.Violation("", TypeRequestFile, "missing peer identifier")
	}
	c.logger.Info("Receiver requested relay delivery", zap.String("peer_id", string(peer)))
	c.fallbackOnce(peer, common.ErrTransferStall, true)
	return nil
}

// onStall asks the host to resend a stalled transfer over the relay
func (c *Coordinator) onStall(peer common.PeerID, meta common.FileMetadata) {
	if !c.config.Fallback.Enabled {
		return
	}
	env, err := common.NewEnvelope(TypeRequestFile, signalPayload{PeerID: peer})
	if err != nil {
		c.logger.Error("Failed to build request_file", zap.Error(err))
		return
	}
	c.mu.Lock()
	c.relayMeta = &meta
	c.mu.Unlock()
	if err := c.relay.Send(env); err != nil {
		c.logger.Error("Failed to request relay delivery", zap.String("peer_id", string(peer)), zap.Error(err))
		return
	}
	c.logger.Info("Requested relay delivery", zap.String("peer_id", string(peer)), zap.String("filename", meta.Filename))
}

func (c *Coordinator) handleRelayFile(payload json.RawMessage) error {
	startedAt := time.Now()
	data, err := DecodeRelayFileData(payload)
	if err != nil {
		metrics.ProtocolViolations.WithLabelValues(TypeFileData).Inc()
		c.logger.Warn("Dropping file_data", zap.Error(err))
		return err
	}

	c.mu.Lock()
	meta := common.FileMetadata{Filename: file.DefaultFilename, MimeType: "application/octet-stream"}
	if c.relayMeta != nil {
		meta = *c.relayMeta
		if meta.Filename == "" {
			meta.Filename = file.DefaultFilename
		}
		if meta.MimeType == "" {
			meta.MimeType = "application/octet-stream"
		}
	}
	peer := c.hostPeer
	c.mu.Unlock()
	meta.SizeBytes = uint64(len(data))

	var location string
	if c.sink != nil {
		location, err = c.sink.Deliver(c.ctx, peer, meta, data)
	}
	state := common.TransferStateCompleted
	if err != nil {
		state = common.TransferStateFailed
		c.logger.Error("Failed to deliver relay file", zap.String("filename", meta.Filename), zap.Error(err))
	} else {
		c.logger.Info("File received over relay",
			zap.String("filename", meta.Filename),
			zap.Int("size", len(data)),
			zap.String("location", location))
	}

	metrics.TransfersFinished.WithLabelValues(common.DirectionReceiving.String(), string(common.PathRelay), state.String()).Inc()
	if err == nil {
		c.observer.OnProgress(common.ProgressEvent{PeerID: peer, Direction: common.DirectionReceiving, Progress: 1})
	}
	c.observer.OnTransfer(common.TransferEvent{
		PeerID:     peer,
		Direction:  common.DirectionReceiving,
		Path:       common.PathRelay,
		Metadata:   meta,
		State:      state,
		Location:   location,
		Err:        err,
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
	})
	return err
}

// Status returns a snapshot for the status API
func (c *Coordinator) Status() Status {
	st := Status{
		Mode:     "receiver",
		Sessions: c.registry.Snapshot(),
		Inbound:  c.receiver.Active(),
	}
	if c.shared != nil {
		st.Mode = "host"
		meta := c.shared.Metadata
		st.File = &meta
	}

	c.mu.Lock()
	st.UploadID = c.uploadID
	st.Roster = make([]common.RosterEntry, 0, len(c.roster))
	for id, name := range c.roster {
		st.Roster = append(st.Roster, common.RosterEntry{ID: id, Name: name})
	}
	st.Outbound = make([]OutboundInfo, 0, len(c.transfers))
	for peer, t := range c.transfers {
		st.Outbound = append(st.Outbound, OutboundInfo{
			PeerID:   peer,
			Seq:      t.seq,
			State:    t.state().String(),
			Path:     string(t.path),
			Progress: t.progress,
		})
	}
	c.mu.Unlock()

	sort.Slice(st.Roster, func(i, j int) bool { return st.Roster[i].ID < st.Roster[j].ID })
	sort.Slice(st.Outbound, func(i, j int) bool { return st.Outbound[i].PeerID < st.Outbound[j].PeerID })
	return st
}

func (t *outboundTransfer) state() common.TransferState {
	switch {
	case t.failed:
		return common.TransferStateFailed
	case t.done:
		return common.TransferStateCompleted
	default:
		return common.TransferStateActive
	}
}
