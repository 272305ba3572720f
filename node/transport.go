package node

import (
	"encoding/json"

	"github.com/TFMV/furyshare/common"
	"github.com/TFMV/furyshare/file"
)

// DirectTransport opens direct sessions to peers. Descriptions and
// candidates are opaque JSON objects forwarded verbatim over the relay.
type DirectTransport interface {
	NewSession(peer common.PeerID, role common.Role, events SessionEvents) (DirectSession, error)
}

// DirectSession is one negotiated connection to a peer
type DirectSession interface {
	// CreateOffer opens the outbound channel and returns the local offer
	CreateOffer() (json.RawMessage, error)
	// AcceptOffer applies a remote offer and returns the local answer
	AcceptOffer(offer json.RawMessage) (json.RawMessage, error)
	// SetRemoteAnswer applies the remote answer to a local offer
	SetRemoteAnswer(answer json.RawMessage) error
	// AddCandidate applies a remote ICE candidate
	AddCandidate(candidate json.RawMessage) error
	// Close releases the connection and its channel
	Close() error
}

// SessionEvents are the callbacks a DirectSession reports through. Any of
// them may be nil. They can be invoked from transport goroutines.
type SessionEvents struct {
	OnCandidate      func(candidate json.RawMessage)
	OnChannelOpen    func(ch file.Channel)
	OnChannelMessage func(data []byte)
	OnChannelClose   func()
	OnFailed         func(err error)
}

func (e SessionEvents) candidate(c json.RawMessage) {
	if e.OnCandidate != nil {
		e.OnCandidate(c)
	}
}

func (e SessionEvents) channelOpen(ch file.Channel) {
	if e.OnChannelOpen != nil {
		e.OnChannelOpen(ch)
	}
}

func (e SessionEvents) channelMessage(data []byte) {
	if e.OnChannelMessage != nil {
		e.OnChannelMessage(data)
	}
}

func (e SessionEvents) channelClose() {
	if e.OnChannelClose != nil {
		e.OnChannelClose()
	}
}

func (e SessionEvents) failed(err error) {
	if e.OnFailed != nil {
		e.OnFailed(err)
	}
}
