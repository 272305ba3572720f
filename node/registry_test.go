package node

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TFMV/furyshare/common"
)

func newTestRegistry(transport *fakeTransport) *PeerSessionRegistry {
	logger := zap.NewNop()
	return NewPeerSessionRegistry(logger, func(peer common.PeerID, role common.Role) (*PeerSession, error) {
		return NewPeerSession(logger, peer, role, transport, &signalRecorder{}, nil)
	})
}

func TestRegistryGetOrCreate(t *testing.T) {
	transport := newFakeTransport()
	r := newTestRegistry(transport)

	s, created, err := r.GetOrCreate("b", common.RoleInitiator)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, common.RoleInitiator, s.Role())

	again, created, err := r.GetOrCreate("b", common.RoleResponder)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, s, again)
	assert.Equal(t, common.RoleInitiator, again.Role())
	assert.Equal(t, 1, transport.count())

	_, _, err = r.GetOrCreate("a", common.RoleResponder)
	require.NoError(t, err)

	assert.Equal(t, 2, r.Len())
	assert.Equal(t, []common.PeerID{"a", "b"}, r.PeerIDs())
	assert.Equal(t, []SessionInfo{
		{PeerID: "a", Role: "responder", State: "new"},
		{PeerID: "b", Role: "initiator", State: "new"},
	}, r.Snapshot())
}

func TestRegistryFactoryError(t *testing.T) {
	transport := newFakeTransport()
	transport.newErr = errors.New("boom")
	r := newTestRegistry(transport)

	s, created, err := r.GetOrCreate("a", common.RoleInitiator)
	assert.Error(t, err)
	assert.Nil(t, s)
	assert.False(t, created)
	assert.Equal(t, 0, r.Len())
}

func TestRegistryRemove(t *testing.T) {
	transport := newFakeTransport()
	r := newTestRegistry(transport)

	s, _, err := r.GetOrCreate("a", common.RoleInitiator)
	require.NoError(t, err)

	assert.True(t, r.Remove("a"))
	assert.False(t, r.Remove("a"))
	assert.Nil(t, r.Get("a"))
	assert.Equal(t, common.ConnectionStateClosed, s.State())
	assert.Equal(t, 1, transport.session("a").closeCount())
}

func TestRegistryCloseAll(t *testing.T) {
	transport := newFakeTransport()
	r := newTestRegistry(transport)

	for _, peer := range []common.PeerID{"a", "b", "c"} {
		_, _, err := r.GetOrCreate(peer, common.RoleInitiator)
		require.NoError(t, err)
	}

	r.CloseAll()
	assert.Equal(t, 0, r.Len())
	for _, peer := range []common.PeerID{"a", "b", "c"} {
		assert.Equal(t, 1, transport.session(peer).closeCount(), string(peer))
	}
}
