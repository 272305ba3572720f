package node

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TFMV/furyshare/common"
	"github.com/TFMV/furyshare/file"
)

type transition struct {
	from, to common.ConnectionState
	err      error
}

type recordingListener struct {
	mu          sync.Mutex
	transitions []transition
	opened      []file.Channel
	messages    [][]byte
}

func (l *recordingListener) OnSessionState(_ *PeerSession, from, to common.ConnectionState, err error) {
	l.mu.Lock()
	l.transitions = append(l.transitions, transition{from: from, to: to, err: err})
	l.mu.Unlock()
}

func (l *recordingListener) OnChannelOpen(_ *PeerSession, ch file.Channel) {
	l.mu.Lock()
	l.opened = append(l.opened, ch)
	l.mu.Unlock()
}

func (l *recordingListener) OnChannelMessage(_ *PeerSession, data []byte) {
	l.mu.Lock()
	l.messages = append(l.messages, data)
	l.mu.Unlock()
}

func (l *recordingListener) states() []common.ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]common.ConnectionState, len(l.transitions))
	for i, tr := range l.transitions {
		out[i] = tr.to
	}
	return out
}

// signalRecorder is a Signaler that keeps every outbound message
type signalRecorder struct {
	mu      sync.Mutex
	kinds   []SignalKind
	bodies  []json.RawMessage
	sendErr error
}

func (r *signalRecorder) Signal(_ common.PeerID, kind SignalKind, body json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendErr != nil {
		return r.sendErr
	}
	r.kinds = append(r.kinds, kind)
	r.bodies = append(r.bodies, body)
	return nil
}

func newTestSession(t *testing.T, role common.Role, transport *fakeTransport) (*PeerSession, *signalRecorder, *recordingListener) {
	t.Helper()
	signaler := &signalRecorder{}
	listener := &recordingListener{}
	s, err := NewPeerSession(zap.NewNop(), "peer-1", role, transport, signaler, listener)
	require.NoError(t, err)
	return s, signaler, listener
}

func TestPeerSessionInitiator(t *testing.T) {
	transport := newFakeTransport()
	s, signaler, listener := newTestSession(t, common.RoleInitiator, transport)
	assert.Equal(t, common.ConnectionStateNew, s.State())

	require.NoError(t, s.CreateLocalOffer())
	assert.Equal(t, common.ConnectionStateNegotiating, s.State())
	assert.Equal(t, []SignalKind{SignalOffer}, signaler.kinds)
	assert.JSONEq(t, `{"type":"offer","sdp":"offer-to-peer-1"}`, string(signaler.bodies[0]))

	require.NoError(t, s.ApplyRemoteAnswer(json.RawMessage(`{"type":"answer","sdp":"a"}`)))
	assert.Equal(t, common.ConnectionStateConnecting, s.State())
	assert.Nil(t, s.Channel())

	ch := newFakeChannel()
	transport.session("peer-1").events.OnChannelOpen(ch)
	assert.Equal(t, common.ConnectionStateConnected, s.State())
	assert.Same(t, ch, s.Channel())
	assert.Len(t, listener.opened, 1)

	transport.session("peer-1").events.OnChannelMessage([]byte("hello"))
	assert.Equal(t, [][]byte{[]byte("hello")}, listener.messages)

	assert.Equal(t, []common.ConnectionState{
		common.ConnectionStateNegotiating,
		common.ConnectionStateConnecting,
		common.ConnectionStateConnected,
	}, listener.states())
}

func TestPeerSessionResponder(t *testing.T) {
	transport := newFakeTransport()
	s, signaler, _ := newTestSession(t, common.RoleResponder, transport)

	require.NoError(t, s.AcceptRemoteOffer(json.RawMessage(`{"type":"offer","sdp":"o"}`)))
	assert.Equal(t, common.ConnectionStateConnecting, s.State())
	assert.Equal(t, []SignalKind{SignalAnswer}, signaler.kinds)

	err := s.AcceptRemoteOffer(json.RawMessage(`{"type":"offer","sdp":"o"}`))
	assert.ErrorIs(t, err, common.ErrProtocolViolation)
	assert.Equal(t, common.ConnectionStateConnecting, s.State())
}

func TestPeerSessionRoleMismatch(t *testing.T) {
	t.Run("Responder cannot offer", func(t *testing.T) {
		s, signaler, listener := newTestSession(t, common.RoleResponder, newFakeTransport())
		err := s.CreateLocalOffer()
		assert.ErrorIs(t, err, common.ErrProtocolViolation)
		assert.Equal(t, common.ConnectionStateNew, s.State())
		assert.Empty(t, signaler.kinds)
		assert.Empty(t, listener.states())
	})

	t.Run("Initiator rejects offer", func(t *testing.T) {
		s, _, _ := newTestSession(t, common.RoleInitiator, newFakeTransport())
		require.NoError(t, s.CreateLocalOffer())
		err := s.AcceptRemoteOffer(json.RawMessage(`{"sdp":"x"}`))
		assert.ErrorIs(t, err, common.ErrProtocolViolation)
		assert.Equal(t, common.ConnectionStateNegotiating, s.State())
	})

	t.Run("Responder rejects answer", func(t *testing.T) {
		s, _, _ := newTestSession(t, common.RoleResponder, newFakeTransport())
		err := s.ApplyRemoteAnswer(json.RawMessage(`{"sdp":"x"}`))
		assert.ErrorIs(t, err, common.ErrProtocolViolation)
		assert.Equal(t, common.ConnectionStateNew, s.State())
	})

	t.Run("Duplicate answer", func(t *testing.T) {
		transport := newFakeTransport()
		s, _, _ := newTestSession(t, common.RoleInitiator, transport)
		require.NoError(t, s.CreateLocalOffer())
		require.NoError(t, s.ApplyRemoteAnswer(json.RawMessage(`{"sdp":"a"}`)))
		err := s.ApplyRemoteAnswer(json.RawMessage(`{"sdp":"b"}`))
		assert.ErrorIs(t, err, common.ErrProtocolViolation)
		assert.Equal(t, common.ConnectionStateConnecting, s.State())
		assert.Len(t, transport.session("peer-1").answers, 1)
	})

	t.Run("Answer before offer", func(t *testing.T) {
		s, _, _ := newTestSession(t, common.RoleInitiator, newFakeTransport())
		err := s.ApplyRemoteAnswer(json.RawMessage(`{"sdp":"a"}`))
		assert.ErrorIs(t, err, common.ErrProtocolViolation)
		assert.Equal(t, common.ConnectionStateNew, s.State())
	})
}

func TestPeerSessionEarlyChannelOpen(t *testing.T) {
	transport := newFakeTransport()
	s, _, listener := newTestSession(t, common.RoleInitiator, transport)
	require.NoError(t, s.CreateLocalOffer())

	ch := newFakeChannel()
	transport.session("peer-1").events.OnChannelOpen(ch)
	assert.Equal(t, common.ConnectionStateNegotiating, s.State())
	assert.Empty(t, listener.opened)

	require.NoError(t, s.ApplyRemoteAnswer(json.RawMessage(`{"sdp":"a"}`)))
	assert.Equal(t, common.ConnectionStateConnected, s.State())
	assert.Len(t, listener.opened, 1)
}

func TestPeerSessionNegotiationFailure(t *testing.T) {
	transport := newFakeTransport()
	transport.offerErr = errors.New("no codecs")
	s, _, listener := newTestSession(t, common.RoleInitiator, transport)

	err := s.CreateLocalOffer()
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrNegotiationFailure)

	var nerr *common.NegotiationError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, "create offer", nerr.Op)

	assert.Equal(t, common.ConnectionStateFailed, s.State())
	assert.Equal(t, 1, transport.session("peer-1").closeCount())
	assert.Equal(t, []common.ConnectionState{
		common.ConnectionStateNegotiating,
		common.ConnectionStateFailed,
	}, listener.states())
}

func TestPeerSessionSignalFailure(t *testing.T) {
	transport := newFakeTransport()
	s, signaler, _ := newTestSession(t, common.RoleInitiator, transport)
	signaler.sendErr = errors.New("relay down")

	err := s.CreateLocalOffer()
	assert.ErrorIs(t, err, common.ErrNegotiationFailure)
	assert.Equal(t, common.ConnectionStateFailed, s.State())
}

func TestPeerSessionFailures(t *testing.T) {
	t.Run("Channel close", func(t *testing.T) {
		transport := newFakeTransport()
		s, _, listener := newTestSession(t, common.RoleInitiator, transport)
		require.NoError(t, s.CreateLocalOffer())
		require.NoError(t, s.ApplyRemoteAnswer(json.RawMessage(`{"sdp":"a"}`)))
		transport.session("peer-1").events.OnChannelOpen(newFakeChannel())

		transport.session("peer-1").events.OnChannelClose()
		assert.Equal(t, common.ConnectionStateFailed, s.State())
		assert.Nil(t, s.Channel())

		last := listener.transitions[len(listener.transitions)-1]
		assert.ErrorIs(t, last.err, common.ErrChannelNotReady)

		transport.session("peer-1").events.OnChannelMessage([]byte("late"))
		assert.Empty(t, listener.messages)
	})

	t.Run("Transport failure is terminal", func(t *testing.T) {
		transport := newFakeTransport()
		s, _, listener := newTestSession(t, common.RoleInitiator, transport)
		require.NoError(t, s.CreateLocalOffer())

		transport.session("peer-1").events.OnFailed(ErrICETimeout)
		transport.session("peer-1").events.OnFailed(ErrICETimeout)
		assert.Equal(t, common.ConnectionStateFailed, s.State())
		assert.Equal(t, []common.ConnectionState{
			common.ConnectionStateNegotiating,
			common.ConnectionStateFailed,
		}, listener.states())
	})
}

func TestPeerSessionClose(t *testing.T) {
	transport := newFakeTransport()
	s, signaler, listener := newTestSession(t, common.RoleInitiator, transport)
	require.NoError(t, s.CreateLocalOffer())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, common.ConnectionStateClosed, s.State())
	assert.Equal(t, 1, transport.session("peer-1").closeCount())
	assert.Equal(t, []common.ConnectionState{
		common.ConnectionStateNegotiating,
		common.ConnectionStateClosed,
	}, listener.states())

	t.Run("Candidates are ignored", func(t *testing.T) {
		require.NoError(t, s.AddRemoteCandidate(json.RawMessage(`{"candidate":"c"}`)))
		assert.Equal(t, 0, transport.session("peer-1").candidateCount())
	})

	t.Run("Local candidates are not sent", func(t *testing.T) {
		transport.session("peer-1").events.OnCandidate(json.RawMessage(`{"candidate":"c"}`))
		assert.Equal(t, []SignalKind{SignalOffer}, signaler.kinds)
	})

	t.Run("Failure after close is ignored", func(t *testing.T) {
		transport.session("peer-1").events.OnFailed(errors.New("late"))
		assert.Equal(t, common.ConnectionStateClosed, s.State())
	})
}

func TestPeerSessionCandidates(t *testing.T) {
	transport := newFakeTransport()
	s, signaler, _ := newTestSession(t, common.RoleInitiator, transport)
	require.NoError(t, s.CreateLocalOffer())

	require.NoError(t, s.AddRemoteCandidate(json.RawMessage(`{"candidate":"remote"}`)))
	assert.Equal(t, 1, transport.session("peer-1").candidateCount())

	transport.session("peer-1").events.OnCandidate(json.RawMessage(`{"candidate":"local"}`))
	assert.Equal(t, []SignalKind{SignalOffer, SignalCandidate}, signaler.kinds)
}

func TestPeerSessionCandidatesFollowDescription(t *testing.T) {
	gathered := []json.RawMessage{
		json.RawMessage(`{"candidate":"first"}`),
		json.RawMessage(`{"candidate":"second"}`),
	}

	t.Run("Initiator", func(t *testing.T) {
		transport := newFakeTransport()
		transport.gather = gathered
		s, signaler, _ := newTestSession(t, common.RoleInitiator, transport)

		require.NoError(t, s.CreateLocalOffer())
		assert.Equal(t, []SignalKind{SignalOffer, SignalCandidate, SignalCandidate}, signaler.kinds)
		assert.Equal(t, gathered, signaler.bodies[1:])

		transport.session("peer-1").events.OnCandidate(json.RawMessage(`{"candidate":"third"}`))
		assert.Len(t, signaler.kinds, 4)
	})

	t.Run("Responder", func(t *testing.T) {
		transport := newFakeTransport()
		transport.gather = gathered
		s, signaler, _ := newTestSession(t, common.RoleResponder, transport)

		require.NoError(t, s.AcceptRemoteOffer(json.RawMessage(`{"type":"offer","sdp":"o"}`)))
		assert.Equal(t, []SignalKind{SignalAnswer, SignalCandidate, SignalCandidate}, signaler.kinds)
		assert.Equal(t, gathered, signaler.bodies[1:])
	})

	t.Run("Queued candidates are dropped when the offer fails", func(t *testing.T) {
		transport := newFakeTransport()
		transport.gather = gathered
		s, err := NewPeerSession(zap.NewNop(), "peer-1", common.RoleInitiator, transport, &signalRecorder{sendErr: errors.New("relay down")}, nil)
		require.NoError(t, err)

		assert.ErrorIs(t, s.CreateLocalOffer(), common.ErrNegotiationFailure)
		assert.Equal(t, common.ConnectionStateFailed, s.State())
		s.mu.Lock()
		assert.Empty(t, s.localCandidates)
		s.mu.Unlock()
	})
}

func TestNewPeerSessionTransportError(t *testing.T) {
	transport := newFakeTransport()
	transport.newErr = errors.New("no interfaces")

	_, err := NewPeerSession(zap.NewNop(), "peer-1", common.RoleInitiator, transport, &signalRecorder{}, nil)
	assert.ErrorIs(t, err, common.ErrNegotiationFailure)
}
