package node

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/TFMV/furyshare/common"
	"github.com/TFMV/furyshare/file"
	"github.com/TFMV/furyshare/metrics"
)

// SignalKind is the type of a negotiation message
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

// Signaler forwards negotiation messages to a remote peer
type Signaler interface {
	Signal(peer common.PeerID, kind SignalKind, body json.RawMessage) error
}

// SessionListener observes a PeerSession. Calls are made without the
// session lock held and may come from transport goroutines.
type SessionListener interface {
	OnSessionState(s *PeerSession, from, to common.ConnectionState, err error)
	OnChannelOpen(s *PeerSession, ch file.Channel)
	OnChannelMessage(s *PeerSession, data []byte)
}

// PeerSession drives negotiation with one remote peer and owns its direct
// transport handle.
type PeerSession struct {
	logger   *zap.Logger
	peerID   common.PeerID
	role     common.Role
	signaler Signaler
	listener SessionListener

	mu        sync.Mutex
	state     common.ConnectionState
	transport DirectSession
	channel   file.Channel
	// channel opened before the session reached Connecting
	earlyChannel  file.Channel
	answerApplied bool
	// local candidates held until the offer or answer is on the relay
	localCandidates []json.RawMessage
	descriptionSent bool
}

// NewPeerSession creates a session in state New and its transport handle
func NewPeerSession(logger *zap.Logger, peer common.PeerID, role common.Role, transport DirectTransport, signaler Signaler, listener SessionListener) (*PeerSession, error) {
	s := &PeerSession{
		logger:   logger.With(zap.String("peer_id", string(peer)), zap.Stringer("role", role)),
		peerID:   peer,
		role:     role,
		signaler: signaler,
		listener: listener,
		state:    common.ConnectionStateNew,
	}

	ds, err := transport.NewSession(peer, role, SessionEvents{
		OnCandidate:      s.onLocalCandidate,
		OnChannelOpen:    s.onChannelOpen,
		OnChannelMessage: s.onChannelMessage,
		OnChannelClose:   s.onChannelClose,
		OnFailed:         s.onTransportFailed,
	})
	if err != nil {
		return nil, &common.NegotiationError{PeerID: peer, Op: "create session", Err: err}
	}
	s.transport = ds
	return s, nil
}

// PeerID returns the remote peer identifier
func (s *PeerSession) PeerID() common.PeerID {
	return s.peerID
}

// Role returns the negotiation role
func (s *PeerSession) Role() common.Role {
	return s.role
}

// State returns the current connection state
func (s *PeerSession) State() common.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Channel returns the open data channel, or nil if not Connected
func (s *PeerSession) Channel() file.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != common.ConnectionStateConnected {
		return nil
	}
	return s.channel
}

// CreateLocalOffer starts negotiation as Initiator and sends the offer
func (s *PeerSession) CreateLocalOffer() error {
	s.mu.Lock()
	if s.role != common.RoleInitiator {
		s.mu.Unlock()
		return common.Violation(s.peerID, string(SignalOffer), "responder cannot create an offer")
	}
	if s.state != common.ConnectionStateNew {
		state := s.state
		s.mu.Unlock()
		return common.Violation(s.peerID, string(SignalOffer), "offer already created, session is "+state.String())
	}
	s.state = common.ConnectionStateNegotiating
	s.mu.Unlock()
	s.notify(common.ConnectionStateNew, common.ConnectionStateNegotiating, nil)

	offer, err := s.transport.CreateOffer()
	if err != nil {
		return s.negotiationFailed("create offer", err)
	}
	if err := s.signaler.Signal(s.peerID, SignalOffer, offer); err != nil {
		return s.negotiationFailed("send offer", err)
	}
	s.logger.Info("Sent WebRTC offer")
	s.flushLocalCandidates()
	return nil
}

// AcceptRemoteOffer answers an offer as Responder
func (s *PeerSession) AcceptRemoteOffer(offer json.RawMessage) error {
	s.mu.Lock()
	if s.role != common.RoleResponder {
		s.mu.Unlock()
		return common.Violation(s.peerID, string(SignalOffer), "initiator received an offer")
	}
	if s.state != common.ConnectionStateNew {
		state := s.state
		s.mu.Unlock()
		return common.Violation(s.peerID, string(SignalOffer), "unexpected offer, session is "+state.String())
	}
	s.state = common.ConnectionStateNegotiating
	s.mu.Unlock()
	s.notify(common.ConnectionStateNew, common.ConnectionStateNegotiating, nil)

	answer, err := s.transport.AcceptOffer(offer)
	if err != nil {
		return s.negotiationFailed("accept offer", err)
	}
	if err := s.signaler.Signal(s.peerID, SignalAnswer, answer); err != nil {
		return s.negotiationFailed("send answer", err)
	}
	s.logger.Info("Sent WebRTC answer")
	s.flushLocalCandidates()
	s.descriptionsSet()
	return nil
}

// ApplyRemoteAnswer completes an Initiator's offer/answer exchange
func (s *PeerSession) ApplyRemoteAnswer(answer json.RawMessage) error {
	s.mu.Lock()
	if s.role != common.RoleInitiator {
		s.mu.Unlock()
		return common.Violation(s.peerID, string(SignalAnswer), "responder received an answer")
	}
	if s.state != common.ConnectionStateNegotiating || s.answerApplied {
		state := s.state
		s.mu.Unlock()
		return common.Violation(s.peerID, string(SignalAnswer), "unexpected answer, session is "+state.String())
	}
	s.answerApplied = true
	s.mu.Unlock()

	if err := s.transport.SetRemoteAnswer(answer); err != nil {
		return s.negotiationFailed("apply answer", err)
	}
	s.logger.Info("Applied WebRTC answer")
	s.descriptionsSet()
	return nil
}

// AddRemoteCandidate applies a candidate from the peer. It is a no-op once
// the session is Closed, or Failed with its transport released.
func (s *PeerSession) AddRemoteCandidate(candidate json.RawMessage) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == common.ConnectionStateClosed || state == common.ConnectionStateFailed {
		s.logger.Debug("Ignoring ICE candidate", zap.Stringer("state", state))
		return nil
	}

	if err := s.transport.AddCandidate(candidate); err != nil {
		return s.negotiationFailed("add candidate", err)
	}
	return nil
}

// Close tears the session down. It is idempotent.
func (s *PeerSession) Close() error {
	s.mu.Lock()
	if s.state == common.ConnectionStateClosed {
		s.mu.Unlock()
		return nil
	}
	from := s.state
	s.state = common.ConnectionStateClosed
	s.channel = nil
	s.earlyChannel = nil
	s.localCandidates = nil
	s.mu.Unlock()

	err := s.transport.Close()
	s.notify(from, common.ConnectionStateClosed, nil)
	if err != nil {
		return fmt.Errorf("failed to close transport: %w", err)
	}
	return nil
}

// descriptionsSet moves Negotiating to Connecting, and straight on to
// Connected if the channel already reported open.
func (s *PeerSession) descriptionsSet() {
	s.mu.Lock()
	if s.state != common.ConnectionStateNegotiating {
		s.mu.Unlock()
		return
	}
	s.state = common.ConnectionStateConnecting
	early := s.earlyChannel
	s.earlyChannel = nil
	s.mu.Unlock()
	s.notify(common.ConnectionStateNegotiating, common.ConnectionStateConnecting, nil)

	if early != nil {
		s.onChannelOpen(early)
	}
}

func (s *PeerSession) notify(from, to common.ConnectionState, err error) {
	metrics.SessionTransitions.WithLabelValues(to.String()).Inc()
	if err != nil {
		s.logger.Warn("Peer session state changed",
			zap.Stringer("from", from),
			zap.Stringer("to", to),
			zap.Error(err))
	} else {
		s.logger.Info("Peer session state changed",
			zap.Stringer("from", from),
			zap.Stringer("to", to))
	}
	if s.listener != nil {
		s.listener.OnSessionState(s, from, to, err)
	}
}

// fail moves the session to Failed unless it is already terminal and
// releases the transport.
func (s *PeerSession) fail(err error) {
	s.mu.Lock()
	from := s.state
	if from == common.ConnectionStateFailed || from == common.ConnectionStateClosed {
		s.mu.Unlock()
		return
	}
	s.state = common.ConnectionStateFailed
	s.channel = nil
	s.earlyChannel = nil
	s.localCandidates = nil
	s.mu.Unlock()

	if cerr := s.transport.Close(); cerr != nil {
		s.logger.Debug("Failed to close transport", zap.Error(cerr))
	}
	s.notify(from, common.ConnectionStateFailed, err)
}

func (s *PeerSession) negotiationFailed(op string, err error) error {
	nerr := &common.NegotiationError{PeerID: s.peerID, Op: op, Err: err}
	s.logger.Error("WebRTC negotiation failed", zap.String("op", op), zap.Error(err))
	s.fail(nerr)
	return nerr
}

// onLocalCandidate forwards a gathered candidate. Gathering starts when the
// local description is set, which is before the offer or answer has been
// signaled, and the remote side drops candidates for a peer it has no
// session for yet. Candidates are queued until flushLocalCandidates runs.
func (s *PeerSession) onLocalCandidate(candidate json.RawMessage) {
	s.mu.Lock()
	if s.state == common.ConnectionStateClosed || s.state == common.ConnectionStateFailed {
		s.mu.Unlock()
		return
	}
	if !s.descriptionSent {
		s.localCandidates = append(s.localCandidates, candidate)
		s.mu.Unlock()
		s.logger.Debug("Queued ICE candidate until description is sent")
		return
	}
	s.mu.Unlock()
	s.sendCandidate(candidate)
}

// flushLocalCandidates sends queued candidates in gathering order. Candidates
// gathered while flushing join the queue and go out in the next batch.
func (s *PeerSession) flushLocalCandidates() {
	for {
		s.mu.Lock()
		if s.state == common.ConnectionStateClosed || s.state == common.ConnectionStateFailed {
			s.mu.Unlock()
			return
		}
		batch := s.localCandidates
		s.localCandidates = nil
		if len(batch) == 0 {
			s.descriptionSent = true
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		for _, candidate := range batch {
			s.sendCandidate(candidate)
		}
	}
}

func (s *PeerSession) sendCandidate(candidate json.RawMessage) {
	if err := s.signaler.Signal(s.peerID, SignalCandidate, candidate); err != nil {
		s.logger.Warn("Failed to send ICE candidate", zap.Error(err))
	}
}

func (s *PeerSession) onChannelOpen(ch file.Channel) {
	s.mu.Lock()
	switch s.state {
	case common.ConnectionStateNegotiating:
		s.earlyChannel = ch
		s.mu.Unlock()
		return
	case common.ConnectionStateConnecting:
	default:
		state := s.state
		s.mu.Unlock()
		s.logger.Debug("Ignoring data channel open", zap.Stringer("state", state))
		return
	}
	s.state = common.ConnectionStateConnected
	s.channel = ch
	s.mu.Unlock()

	s.notify(common.ConnectionStateConnecting, common.ConnectionStateConnected, nil)
	if s.listener != nil {
		s.listener.OnChannelOpen(s, ch)
	}
}

func (s *PeerSession) onChannelMessage(data []byte) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == common.ConnectionStateClosed || state == common.ConnectionStateFailed {
		return
	}
	if s.listener != nil {
		s.listener.OnChannelMessage(s, data)
	}
}

func (s *PeerSession) onChannelClose() {
	s.fail(fmt.Errorf("%w: data channel closed", common.ErrChannelNotReady))
}

func (s *PeerSession) onTransportFailed(err error) {
	s.fail(err)
}
