package node

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/TFMV/furyshare/common"
	"github.com/TFMV/furyshare/metrics"
)

// Relay sends envelopes over the signaling relay
type Relay interface {
	Send(env common.Envelope) error
}

// Envelope types exchanged with the relay
const (
	TypeOffer           = "offer"
	TypeAnswer          = "answer"
	TypeCandidate       = "candidate"
	TypeReceiversUpdate = "receivers_update"
	TypeFileMetadata    = "file_metadata"
	TypeFileData        = "file_data"
	TypeSendFile        = "send_file"
	TypeRequestFile     = "request_file"
	TypeUploadCreated   = "upload_created"
	TypeJoinRequest     = "join_request"
)

// Older clients prefix negotiation messages
var signalAliases = map[string]SignalKind{
	TypeOffer:              SignalOffer,
	TypeAnswer:             SignalAnswer,
	TypeCandidate:          SignalCandidate,
	"webrtc_offer":         SignalOffer,
	"webrtc_answer":        SignalAnswer,
	"webrtc_ice_candidate": SignalCandidate,
}

// SignalKindOf reports whether an envelope type is a negotiation message
func SignalKindOf(envType string) (SignalKind, bool) {
	kind, ok := signalAliases[envType]
	return kind, ok
}

// signalPayload covers every field name clients use for the peer and body
type signalPayload struct {
	PeerID     common.PeerID   `json:"peer_id,omitempty"`
	SenderID   common.PeerID   `json:"sender_id,omitempty"`
	ReceiverID common.PeerID   `json:"receiver_id,omitempty"`
	Offer      json.RawMessage `json:"offer,omitempty"`
	Answer     json.RawMessage `json:"answer,omitempty"`
	Candidate  json.RawMessage `json:"candidate,omitempty"`
}

func (p signalPayload) peer() common.PeerID {
	for _, id := range []common.PeerID{p.PeerID, p.SenderID, p.ReceiverID} {
		if id != "" {
			return id
		}
	}
	return ""
}

func (p signalPayload) body(kind SignalKind) json.RawMessage {
	switch kind {
	case SignalOffer:
		return p.Offer
	case SignalAnswer:
		return p.Answer
	default:
		return p.Candidate
	}
}

// SignalingRouter delivers negotiation envelopes to PeerSessions and sends
// their outbound messages to the relay.
type SignalingRouter struct {
	logger   *zap.Logger
	registry *PeerSessionRegistry
	relay    Relay
	// responderEligible allows an offer from an unknown peer to create a
	// Responder session
	responderEligible bool
}

// NewSignalingRouter creates a new SignalingRouter
func NewSignalingRouter(logger *zap.Logger, registry *PeerSessionRegistry, relay Relay, responderEligible bool) *SignalingRouter {
	return &SignalingRouter{
		logger:            logger,
		registry:          registry,
		relay:             relay,
		responderEligible: responderEligible,
	}
}

// Dispatch routes an inbound offer, answer or candidate envelope
func (r *SignalingRouter) Dispatch(env common.Envelope) error {
	kind, ok := SignalKindOf(env.Type)
	if !ok {
		return fmt.Errorf("not a signaling envelope: %q", env.Type)
	}

	var payload signalPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return r.drop(common.Violation("", string(kind), "malformed payload: "+err.Error()))
	}
	peer := payload.peer()
	if peer == "" {
		return r.drop(common.Violation("", string(kind), "missing peer identifier"))
	}
	body := payload.body(kind)
	if len(body) == 0 || string(body) == "null" {
		return r.drop(common.Violation(peer, string(kind), "missing "+string(kind)))
	}

	session := r.registry.Get(peer)
	if session == nil {
		if kind != SignalOffer || !r.responderEligible {
			return r.drop(common.Violation(peer, string(kind), "no session for peer"))
		}
		var err error
		session, _, err = r.registry.GetOrCreate(peer, common.RoleResponder)
		if err != nil {
			r.logger.Error("Failed to create responder session", zap.String("peer_id", string(peer)), zap.Error(err))
			return err
		}
	}

	var err error
	switch kind {
	case SignalOffer:
		err = session.AcceptRemoteOffer(body)
	case SignalAnswer:
		err = session.ApplyRemoteAnswer(body)
	case SignalCandidate:
		err = session.AddRemoteCandidate(body)
	}
	if errors.Is(err, common.ErrProtocolViolation) {
		return r.drop(err)
	}
	return err
}

func (r *SignalingRouter) drop(err error) error {
	kind := "signal"
	var pv *common.ProtocolViolationError
	if errors.As(err, &pv) {
		kind = pv.Kind
	}
	metrics.ProtocolViolations.WithLabelValues(kind).Inc()
	r.logger.Warn("Dropping signaling envelope", zap.Error(err))
	return err
}

// Signal implements Signaler. Offers name the receiver, answers the sender
// and candidates the peer, as browser clients expect.
func (r *SignalingRouter) Signal(peer common.PeerID, kind SignalKind, body json.RawMessage) error {
	var payload signalPayload
	switch kind {
	case SignalOffer:
		payload = signalPayload{ReceiverID: peer, Offer: body}
	case SignalAnswer:
		payload = signalPayload{SenderID: peer, Answer: body}
	case SignalCandidate:
		payload = signalPayload{PeerID: peer, Candidate: body}
	default:
		return fmt.Errorf("unknown signal kind %q", kind)
	}

	env, err := common.NewEnvelope(string(kind), payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", kind, err)
	}
	if err := r.relay.Send(env); err != nil {
		return fmt.Errorf("failed to send %s: %w", kind, err)
	}
	r.logger.Debug("Sent signaling message", zap.String("peer_id", string(peer)), zap.String("type", string(kind)))
	return nil
}
