package common

import (
	"errors"
	"fmt"
)

var (
	// ErrChannelNotReady is returned when a send is attempted on a channel
	// that is not open
	ErrChannelNotReady = errors.New("channel not ready")
	// ErrProtocolViolation marks envelopes or frames that break the protocol
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrNegotiationFailure marks a description or candidate rejected by the transport
	ErrNegotiationFailure = errors.New("negotiation failure")
	// ErrTransferStall is reported when a receive stops making progress
	ErrTransferStall = errors.New("transfer stalled")
	// ErrSessionClosed is returned by operations on a closed peer session
	ErrSessionClosed = errors.New("session closed")
	// ErrFallbackTooLarge is returned when a file exceeds the relay fallback limit
	ErrFallbackTooLarge = errors.New("file too large for relay fallback")
	// ErrNoFile is returned when a host has no file to offer
	ErrNoFile = errors.New("no file to send")
)

// ProtocolViolationError describes a dropped envelope or frame
type ProtocolViolationError struct {
	PeerID PeerID
	Kind   string
	Reason string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("protocol violation from peer %q on %s: %s", e.PeerID, e.Kind, e.Reason)
}

func (e *ProtocolViolationError) Unwrap() error { return ErrProtocolViolation }

// Violation builds a ProtocolViolationError
func Violation(peer PeerID, kind, reason string) error {
	return &ProtocolViolationError{PeerID: peer, Kind: kind, Reason: reason}
}

// NegotiationError wraps a transport error raised while negotiating
type NegotiationError struct {
	PeerID PeerID
	Op     string
	Err    error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation with peer %q failed during %s: %v", e.PeerID, e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() []error { return []error{ErrNegotiationFailure, e.Err} }
