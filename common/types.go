package common

import (
	"encoding/json"
	"time"
)

// PeerID identifies a remote peer. Values come from the relay roster.
type PeerID string

// ConnectionState represents the state of a peer session
type ConnectionState int

const (
	// ConnectionStateNew indicates the session has not started negotiating
	ConnectionStateNew ConnectionState = iota
	// ConnectionStateNegotiating indicates offer/answer exchange is in progress
	ConnectionStateNegotiating
	// ConnectionStateConnecting indicates both descriptions are set
	ConnectionStateConnecting
	// ConnectionStateConnected indicates the data channel is open
	ConnectionStateConnected
	// ConnectionStateFailed indicates a terminal connectivity failure
	ConnectionStateFailed
	// ConnectionStateClosed indicates the session was torn down
	ConnectionStateClosed
)

// String returns a string representation of the connection state
func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateNew:
		return "new"
	case ConnectionStateNegotiating:
		return "negotiating"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateFailed:
		return "failed"
	case ConnectionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Role is the negotiation role of a peer session
type Role int

const (
	// RoleInitiator creates the offer and the outbound channel
	RoleInitiator Role = iota
	// RoleResponder answers and accepts the inbound channel
	RoleResponder
)

// String returns a string representation of the role
func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "unknown"
	}
}

// TransferDirection indicates whether a transfer is outbound or inbound
type TransferDirection int

const (
	// DirectionSending is an outbound transfer
	DirectionSending TransferDirection = iota
	// DirectionReceiving is an inbound transfer
	DirectionReceiving
)

// String returns a string representation of the direction
func (d TransferDirection) String() string {
	if d == DirectionReceiving {
		return "receiving"
	}
	return "sending"
}

// TransferState represents the state of a file transfer
type TransferState int

const (
	// TransferStateActive indicates the transfer is in flight
	TransferStateActive TransferState = iota
	// TransferStateCompleted indicates the transfer is completed
	TransferStateCompleted
	// TransferStateFailed indicates the transfer failed
	TransferStateFailed
	// TransferStateCancelled indicates the transfer was discarded by teardown
	TransferStateCancelled
	// TransferStateStalled indicates no frames arrived within the stall timeout
	TransferStateStalled
)

// String returns a string representation of the transfer state
func (s TransferState) String() string {
	switch s {
	case TransferStateActive:
		return "active"
	case TransferStateCompleted:
		return "completed"
	case TransferStateFailed:
		return "failed"
	case TransferStateCancelled:
		return "cancelled"
	case TransferStateStalled:
		return "stalled"
	default:
		return "unknown"
	}
}

// TransferPath is the route a file took to the receiver
type TransferPath string

const (
	// PathDirect is the peer-to-peer data channel
	PathDirect TransferPath = "direct"
	// PathRelay is the whole-file relay fallback
	PathRelay TransferPath = "relay"
)

// FileMetadata describes the file being transferred. The JSON names match
// the browser client.
type FileMetadata struct {
	Filename  string `json:"filename"`
	MimeType  string `json:"filetype"`
	SizeBytes uint64 `json:"filesize"`
}

// Envelope is a message carried over the relay transport
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope of the given type
func NewEnvelope(msgType string, payload interface{}) (Envelope, error) {
	env := Envelope{Type: msgType}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return env, err
	}
	env.Payload = raw
	return env, nil
}

// RosterEntry is one receiver in a receivers_update
type RosterEntry struct {
	ID   PeerID `json:"id"`
	Name string `json:"name"`
}

// ConnectionEvent reports a peer session state change
type ConnectionEvent struct {
	PeerID PeerID
	Role   Role
	From   ConnectionState
	State  ConnectionState
}

// ProgressEvent reports transfer progress in [0, 1]
type ProgressEvent struct {
	PeerID    PeerID
	Direction TransferDirection
	Progress  float64
}

// TransferEvent reports a terminal transfer outcome
type TransferEvent struct {
	PeerID     PeerID
	Direction  TransferDirection
	Path       TransferPath
	Metadata   FileMetadata
	State      TransferState
	Location   string
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}
