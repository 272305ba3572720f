package node

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/TFMV/furyshare/common"
	"github.com/TFMV/furyshare/metrics"
)

// SessionFactory builds a PeerSession for a peer and role
type SessionFactory func(peer common.PeerID, role common.Role) (*PeerSession, error)

// SessionInfo is a read-only view of a registered session
type SessionInfo struct {
	PeerID common.PeerID `json:"peer_id"`
	Role   string        `json:"role"`
	State  string        `json:"state"`
}

// PeerSessionRegistry owns every PeerSession, keyed by peer
type PeerSessionRegistry struct {
	logger     *zap.Logger
	newSession SessionFactory

	mu       sync.Mutex
	sessions map[common.PeerID]*PeerSession
}

// NewPeerSessionRegistry creates an empty registry
func NewPeerSessionRegistry(logger *zap.Logger, factory SessionFactory) *PeerSessionRegistry {
	return &PeerSessionRegistry{
		logger:     logger,
		newSession: factory,
		sessions:   make(map[common.PeerID]*PeerSession),
	}
}

// GetOrCreate returns the session for peer, creating one with role if none
// exists. created reports whether a new session was made.
func (r *PeerSessionRegistry) GetOrCreate(peer common.PeerID, role common.Role) (s *PeerSession, created bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[peer]; ok {
		return existing, false, nil
	}

	s, err = r.newSession(peer, role)
	if err != nil {
		return nil, false, err
	}
	r.sessions[peer] = s
	metrics.ActiveSessions.Set(float64(len(r.sessions)))

	r.logger.Info("Created peer session",
		zap.String("peer_id", string(peer)),
		zap.Stringer("role", role))
	return s, true, nil
}

// Get returns the session for peer, or nil
func (r *PeerSessionRegistry) Get(peer common.PeerID) *PeerSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[peer]
}

// Remove drops the session for peer and closes it. It reports whether a
// session existed.
func (r *PeerSessionRegistry) Remove(peer common.PeerID) bool {
	r.mu.Lock()
	s, ok := r.sessions[peer]
	delete(r.sessions, peer)
	metrics.ActiveSessions.Set(float64(len(r.sessions)))
	r.mu.Unlock()

	if !ok {
		return false
	}
	if err := s.Close(); err != nil {
		r.logger.Warn("Failed to close peer session", zap.String("peer_id", string(peer)), zap.Error(err))
	}
	r.logger.Info("Removed peer session", zap.String("peer_id", string(peer)))
	return true
}

// CloseAll closes and drops every session
func (r *PeerSessionRegistry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[common.PeerID]*PeerSession)
	metrics.ActiveSessions.Set(0)
	r.mu.Unlock()

	for peer, s := range sessions {
		if err := s.Close(); err != nil {
			r.logger.Warn("Failed to close peer session", zap.String("peer_id", string(peer)), zap.Error(err))
		}
	}
	if len(sessions) > 0 {
		r.logger.Info("Closed all peer sessions", zap.Int("count", len(sessions)))
	}
}

// PeerIDs returns the registered peers in sorted order
func (r *PeerSessionRegistry) PeerIDs() []common.PeerID {
	r.mu.Lock()
	ids := make([]common.PeerID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of registered sessions
func (r *PeerSessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot describes every registered session, sorted by peer
func (r *PeerSessionRegistry) Snapshot() []SessionInfo {
	r.mu.Lock()
	sessions := make([]*PeerSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionInfo{
			PeerID: s.PeerID(),
			Role:   s.Role().String(),
			State:  s.State().String(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}
