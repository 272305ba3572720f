package file

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/TFMV/furyshare/common"
	"github.com/TFMV/furyshare/metrics"
)

// TransferSession holds the chunks of one inbound transfer
type TransferSession struct {
	PeerID       common.PeerID
	Seq          uint64
	Metadata     common.FileMetadata
	TotalChunks  int
	StartedAt    time.Time
	LastActivity time.Time

	chunks       [][]byte
	received     int
	completeSeen bool
}

// ReceivedCount returns the number of distinct chunks stored
func (s *TransferSession) ReceivedCount() int {
	return s.received
}

// Progress returns ReceivedCount / TotalChunks
func (s *TransferSession) Progress() float64 {
	if s.TotalChunks == 0 {
		return 1
	}
	return float64(s.received) / float64(s.TotalChunks)
}

// TransferSnapshot is a read-only view of an active inbound transfer
type TransferSnapshot struct {
	PeerID       common.PeerID       `json:"peer_id"`
	Seq          uint64              `json:"transfer_seq,omitempty"`
	Metadata     common.FileMetadata `json:"metadata"`
	TotalChunks  int                 `json:"total_chunks"`
	Received     int                 `json:"received_chunks"`
	StartedAt    time.Time           `json:"started_at"`
	LastActivity time.Time           `json:"last_activity"`
}

// StallFunc is called for each transfer discarded by the stall sweep
type StallFunc func(peer common.PeerID, meta common.FileMetadata)

// Receiver reassembles inbound transfers, at most one per peer
type Receiver struct {
	logger   *zap.Logger
	config   common.TransferConfig
	sink     Sink
	observer common.Observer

	mu       sync.Mutex
	sessions map[common.PeerID]*TransferSession
	// highest non-zero transfer seq started per peer, kept after finalize
	lastSeq map[common.PeerID]uint64

	now func() time.Time
}

// NewReceiver creates a new Receiver delivering finished files to sink
func NewReceiver(logger *zap.Logger, config common.TransferConfig, sink Sink, observer common.Observer) *Receiver {
	defaults := common.DefaultTransferConfig()
	if config.StallTimeout <= 0 {
		config.StallTimeout = defaults.StallTimeout
	}
	if config.StallCheckInterval <= 0 {
		config.StallCheckInterval = defaults.StallCheckInterval
	}
	if config.MaxFileSize == 0 {
		config.MaxFileSize = defaults.MaxFileSize
	}
	if observer == nil {
		observer = common.NopObserver{}
	}
	return &Receiver{
		logger:   logger,
		config:   config,
		sink:     sink,
		observer: observer,
		sessions: make(map[common.PeerID]*TransferSession),
		lastSeq:  make(map[common.PeerID]uint64),
		now:      time.Now,
	}
}

// HandleMessage decodes a data channel message from peer and processes it
func (r *Receiver) HandleMessage(ctx context.Context, peer common.PeerID, data []byte) error {
	f, err := DecodeFrame(data)
	if err != nil {
		r.violation(peer, "decode", err.Error())
		return err
	}
	return r.OnFrame(ctx, peer, f)
}

// OnFrame processes one decoded frame from peer
func (r *Receiver) OnFrame(ctx context.Context, peer common.PeerID, f Frame) error {
	switch f.Type {
	case FrameStart:
		return r.handleStart(peer, f)
	case FrameChunk:
		return r.handleChunk(ctx, peer, f)
	case FrameComplete:
		return r.handleComplete(ctx, peer, f)
	default:
		return r.violation(peer, "frame", fmt.Sprintf("unknown frame type %d", f.Type))
	}
}

func (r *Receiver) handleStart(peer common.PeerID, f Frame) error {
	meta := f.Metadata
	if meta.SizeBytes > r.config.MaxFileSize {
		return r.violation(peer, frameStartName, fmt.Sprintf("file size %d exceeds limit %d", meta.SizeBytes, r.config.MaxFileSize))
	}
	if f.TotalChunks != TotalChunks(meta.SizeBytes) {
		return r.violation(peer, frameStartName, fmt.Sprintf("totalChunks %d does not match file size %d", f.TotalChunks, meta.SizeBytes))
	}

	now := r.now()
	session := &TransferSession{
		PeerID:       peer,
		Seq:          f.Seq,
		Metadata:     meta,
		TotalChunks:  f.TotalChunks,
		StartedAt:    now,
		LastActivity: now,
		chunks:       make([][]byte, f.TotalChunks),
	}

	r.mu.Lock()
	prev := r.sessions[peer]
	if f.Seq != 0 {
		if last := r.lastSeq[peer]; f.Seq <= last {
			r.mu.Unlock()
			return r.violation(peer, frameStartName, fmt.Sprintf("stale transfer %d, last started is %d", f.Seq, last))
		}
		r.lastSeq[peer] = f.Seq
	}
	r.sessions[peer] = session
	r.mu.Unlock()

	if prev != nil {
		r.logger.Warn("Discarding incomplete transfer",
			zap.String("peer_id", string(peer)),
			zap.String("filename", prev.Metadata.Filename),
			zap.Int("received_chunks", prev.received),
			zap.Int("total_chunks", prev.TotalChunks))
		r.finish(prev, common.TransferStateCancelled, "", nil)
	}

	r.logger.Info("Receiving file",
		zap.String("peer_id", string(peer)),
		zap.String("filename", meta.Filename),
		zap.Uint64("size_bytes", meta.SizeBytes),
		zap.Int("total_chunks", f.TotalChunks),
		zap.Uint64("transfer_seq", f.Seq))
	r.observer.OnProgress(common.ProgressEvent{PeerID: peer, Direction: common.DirectionReceiving})
	return nil
}

func (r *Receiver) handleChunk(ctx context.Context, peer common.PeerID, f Frame) error {
	r.mu.Lock()
	session := r.sessions[peer]
	if session == nil {
		r.mu.Unlock()
		return r.violation(peer, frameChunkName, "no active transfer")
	}
	if f.Seq != 0 && f.Seq != session.Seq {
		r.mu.Unlock()
		return r.violation(peer, frameChunkName, fmt.Sprintf("chunk for transfer %d, active is %d", f.Seq, session.Seq))
	}
	if f.ChunkIndex < 0 || f.ChunkIndex >= session.TotalChunks {
		r.mu.Unlock()
		return r.violation(peer, frameChunkName, fmt.Sprintf("chunk index %d out of range [0, %d)", f.ChunkIndex, session.TotalChunks))
	}
	start, end := ChunkBounds(f.ChunkIndex, session.Metadata.SizeBytes)
	if uint64(len(f.Data)) != end-start {
		r.mu.Unlock()
		return r.violation(peer, frameChunkName, fmt.Sprintf("chunk %d has %d bytes, want %d", f.ChunkIndex, len(f.Data), end-start))
	}

	session.LastActivity = r.now()
	if session.chunks[f.ChunkIndex] != nil {
		r.mu.Unlock()
		r.logger.Debug("Ignoring duplicate chunk",
			zap.String("peer_id", string(peer)),
			zap.Int("chunk_index", f.ChunkIndex))
		return nil
	}

	session.chunks[f.ChunkIndex] = f.Data
	session.received++
	progress := session.Progress()
	done := session.received == session.TotalChunks
	if done {
		delete(r.sessions, peer)
	}
	r.mu.Unlock()

	metrics.ChunksReceived.Inc()
	metrics.TransferBytes.WithLabelValues(common.DirectionReceiving.String()).Add(float64(len(f.Data)))
	r.logger.Debug("Received chunk",
		zap.String("peer_id", string(peer)),
		zap.Int("chunk_index", f.ChunkIndex),
		zap.Float64("progress", progress))
	r.observer.OnProgress(common.ProgressEvent{PeerID: peer, Direction: common.DirectionReceiving, Progress: progress})

	if done {
		return r.finalize(ctx, session)
	}
	return nil
}

func (r *Receiver) handleComplete(ctx context.Context, peer common.PeerID, f Frame) error {
	r.mu.Lock()
	session := r.sessions[peer]
	if session == nil {
		r.mu.Unlock()
		// Already finalized from chunk processing.
		r.logger.Debug("Ignoring file_complete with no active transfer", zap.String("peer_id", string(peer)))
		return nil
	}
	if f.Seq != 0 && f.Seq != session.Seq {
		r.mu.Unlock()
		return r.violation(peer, frameCompleteName, fmt.Sprintf("complete for transfer %d, active is %d", f.Seq, session.Seq))
	}
	session.LastActivity = r.now()
	if session.received < session.TotalChunks {
		session.completeSeen = true
		missing := session.TotalChunks - session.received
		r.mu.Unlock()
		r.logger.Debug("Waiting for outstanding chunks",
			zap.String("peer_id", string(peer)),
			zap.Int("missing_chunks", missing))
		return nil
	}
	delete(r.sessions, peer)
	r.mu.Unlock()

	return r.finalize(ctx, session)
}

// finalize reassembles a session that has already been removed from the map
func (r *Receiver) finalize(ctx context.Context, session *TransferSession) error {
	ctx, span := otel.Tracer("furyshare/transfer").Start(ctx, "Receiver.finalize")
	defer span.End()
	span.SetAttributes(
		attribute.String("peer_id", string(session.PeerID)),
		attribute.String("filename", session.Metadata.Filename),
		attribute.Int("total_chunks", session.TotalChunks),
	)

	data := make([]byte, session.Metadata.SizeBytes)
	for i, chunk := range session.chunks {
		start, _ := ChunkBounds(i, session.Metadata.SizeBytes)
		copy(data[start:], chunk)
		session.chunks[i] = nil
	}

	if r.sink == nil {
		r.finish(session, common.TransferStateCompleted, "", nil)
		return nil
	}
	location, err := r.sink.Deliver(ctx, session.PeerID, session.Metadata, data)
	if err != nil {
		span.RecordError(err)
		r.logger.Error("Failed to deliver received file",
			zap.String("peer_id", string(session.PeerID)),
			zap.String("filename", session.Metadata.Filename),
			zap.Error(err))
		r.finish(session, common.TransferStateFailed, "", err)
		return err
	}

	r.logger.Info("File received",
		zap.String("peer_id", string(session.PeerID)),
		zap.String("filename", session.Metadata.Filename),
		zap.Uint64("size_bytes", session.Metadata.SizeBytes),
		zap.String("location", location))
	r.finish(session, common.TransferStateCompleted, location, nil)
	return nil
}

func (r *Receiver) finish(session *TransferSession, state common.TransferState, location string, err error) {
	metrics.TransfersFinished.WithLabelValues(common.DirectionReceiving.String(), string(common.PathDirect), state.String()).Inc()
	r.observer.OnTransfer(common.TransferEvent{
		PeerID:     session.PeerID,
		Direction:  common.DirectionReceiving,
		Path:       common.PathDirect,
		Metadata:   session.Metadata,
		State:      state,
		Location:   location,
		Err:        err,
		StartedAt:  session.StartedAt,
		FinishedAt: r.now(),
	})
}

// Discard drops the active transfer for peer without delivering anything.
// It reports whether a transfer was dropped.
func (r *Receiver) Discard(peer common.PeerID) bool {
	r.mu.Lock()
	session := r.sessions[peer]
	delete(r.sessions, peer)
	r.mu.Unlock()

	if session == nil {
		return false
	}
	r.logger.Info("Discarded partial transfer",
		zap.String("peer_id", string(peer)),
		zap.String("filename", session.Metadata.Filename),
		zap.Int("received_chunks", session.received),
		zap.Int("total_chunks", session.TotalChunks))
	r.finish(session, common.TransferStateCancelled, "", nil)
	return true
}

// Session returns a snapshot of the active transfer for peer
func (r *Receiver) Session(peer common.PeerID) (TransferSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[peer]
	if !ok {
		return TransferSnapshot{}, false
	}
	return snapshot(session), true
}

// Active returns snapshots of all active inbound transfers
func (r *Receiver) Active() []TransferSnapshot {
	r.mu.Lock()
	out := make([]TransferSnapshot, 0, len(r.sessions))
	for _, session := range r.sessions {
		out = append(out, snapshot(session))
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

func snapshot(s *TransferSession) TransferSnapshot {
	return TransferSnapshot{
		PeerID:       s.PeerID,
		Seq:          s.Seq,
		Metadata:     s.Metadata,
		TotalChunks:  s.TotalChunks,
		Received:     s.received,
		StartedAt:    s.StartedAt,
		LastActivity: s.LastActivity,
	}
}

// SweepStalled discards every transfer idle for longer than the stall
// timeout and returns the affected sessions.
func (r *Receiver) SweepStalled() []TransferSnapshot {
	now := r.now()

	r.mu.Lock()
	var stalled []*TransferSession
	for peer, session := range r.sessions {
		if now.Sub(session.LastActivity) > r.config.StallTimeout {
			stalled = append(stalled, session)
			delete(r.sessions, peer)
		}
	}
	r.mu.Unlock()

	out := make([]TransferSnapshot, 0, len(stalled))
	for _, session := range stalled {
		r.logger.Warn("Transfer stalled",
			zap.String("peer_id", string(session.PeerID)),
			zap.String("filename", session.Metadata.Filename),
			zap.Int("received_chunks", session.received),
			zap.Int("total_chunks", session.TotalChunks),
			zap.Bool("complete_seen", session.completeSeen),
			zap.Duration("idle", now.Sub(session.LastActivity)))
		metrics.TransferStalls.Inc()
		r.finish(session, common.TransferStateStalled, "", common.ErrTransferStall)
		out = append(out, snapshot(session))
	}
	return out
}

// Run sweeps for stalled transfers until ctx is cancelled
func (r *Receiver) Run(ctx context.Context, onStall StallFunc) {
	ticker := time.NewTicker(r.config.StallCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range r.SweepStalled() {
				if onStall != nil {
					onStall(s.PeerID, s.Metadata)
				}
			}
		}
	}
}

func (r *Receiver) violation(peer common.PeerID, kind, reason string) error {
	metrics.ProtocolViolations.WithLabelValues(kind).Inc()
	r.logger.Warn("Dropping frame",
		zap.String("peer_id", string(peer)),
		zap.String("kind", kind),
		zap.String("reason", reason))
	return common.Violation(peer, kind, reason)
}
