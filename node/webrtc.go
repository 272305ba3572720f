package node

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/TFMV/furyshare/common"
	"github.com/TFMV/furyshare/file"
)

// ErrICETimeout is reported when ICE checking does not finish in time
var ErrICETimeout = errors.New("ICE connection timed out")

// WebRTCConfig contains configuration for WebRTC connections
type WebRTCConfig struct {
	STUNServers  []string `json:"stun_servers"`
	TURNServers  []string `json:"turn_servers"`
	Username     string   `json:"username"`
	Credential   string   `json:"credential"`
	ICETimeout   int      `json:"ice_timeout"` // in seconds
	ChannelLabel string   `json:"channel_label"`
}

// DefaultWebRTCConfig returns a default WebRTC configuration
func DefaultWebRTCConfig() WebRTCConfig {
	return WebRTCConfig{
		STUNServers:  []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"},
		TURNServers:  []string{},
		ICETimeout:   30,
		ChannelLabel: "fileTransfer",
	}
}

// PionTransport implements DirectTransport with pion/webrtc
type PionTransport struct {
	logger *zap.Logger
	config WebRTCConfig
}

// NewPionTransport creates a new PionTransport
func NewPionTransport(logger *zap.Logger, config WebRTCConfig) *PionTransport {
	if config.ICETimeout <= 0 {
		config.ICETimeout = DefaultWebRTCConfig().ICETimeout
	}
	if config.ChannelLabel == "" {
		config.ChannelLabel = DefaultWebRTCConfig().ChannelLabel
	}
	return &PionTransport{
		logger: logger,
		config: config,
	}
}

func (t *PionTransport) configuration() webrtc.Configuration {
	iceServers := []webrtc.ICEServer{}

	if len(t.config.STUNServers) > 0 {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs: t.config.STUNServers,
		})
	}

	// TURN needs credentials
	if len(t.config.TURNServers) > 0 && t.config.Username != "" && t.config.Credential != "" {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       t.config.TURNServers,
			Username:   t.config.Username,
			Credential: t.config.Credential,
		})
	}

	return webrtc.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
		BundlePolicy:       webrtc.BundlePolicyBalanced,
		RTCPMuxPolicy:      webrtc.RTCPMuxPolicyRequire,
	}
}

// NewSession implements DirectTransport
func (t *PionTransport) NewSession(peer common.PeerID, role common.Role, events SessionEvents) (DirectSession, error) {
	pc, err := webrtc.NewPeerConnection(t.configuration())
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	s := &pionSession{
		logger:  t.logger.With(zap.String("peer_id", string(peer))),
		pc:      pc,
		label:   t.config.ChannelLabel,
		timeout: time.Duration(t.config.ICETimeout) * time.Second,
		events:  events,
		done:    make(chan struct{}),
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		raw, err := json.Marshal(candidate.ToJSON())
		if err != nil {
			s.logger.Error("Failed to marshal ICE candidate", zap.Error(err))
			return
		}
		s.logger.Debug("ICE candidate generated", zap.String("candidate", candidate.String()))
		s.events.candidate(raw)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Info("Peer connection state changed", zap.String("state", state.String()))
		if state == webrtc.PeerConnectionStateFailed {
			s.fail(errors.New("peer connection failed"))
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		s.logger.Debug("ICE connection state changed", zap.String("state", state.String()))
		if state == webrtc.ICEConnectionStateChecking {
			go s.watchICE()
		}
	})

	if role == common.RoleResponder {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			s.logger.Info("Data channel received", zap.String("label", dc.Label()))
			s.attach(dc)
		})
	}

	return s, nil
}

type pionSession struct {
	logger  *zap.Logger
	pc      *webrtc.PeerConnection
	label   string
	timeout time.Duration
	events  SessionEvents

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	closed    bool
	failed    bool
	done      chan struct{}
}

// watchICE reports a failure if ICE is still checking after the timeout
func (s *pionSession) watchICE() {
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case <-timer.C:
		if s.pc.ICEConnectionState() == webrtc.ICEConnectionStateChecking {
			s.logger.Warn("ICE connection timed out", zap.Duration("timeout", s.timeout))
			s.fail(ErrICETimeout)
		}
	case <-s.done:
	}
}

func (s *pionSession) fail(err error) {
	s.mu.Lock()
	if s.closed || s.failed {
		s.mu.Unlock()
		return
	}
	s.failed = true
	s.mu.Unlock()
	s.events.failed(err)
}

func (s *pionSession) attach(dc *webrtc.DataChannel) {
	ch := &pionChannel{dc: dc}

	dc.OnOpen(func() {
		s.logger.Info("Data channel opened", zap.String("label", dc.Label()))
		s.events.channelOpen(ch)
	})
	dc.OnClose(func() {
		s.logger.Info("Data channel closed", zap.String("label", dc.Label()))
		s.events.channelClose()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		s.events.channelMessage(msg.Data)
	})
}

func (s *pionSession) CreateOffer() (json.RawMessage, error) {
	ordered := true
	dc, err := s.pc.CreateDataChannel(s.label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}
	s.attach(dc)

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	return json.Marshal(offer)
}

func (s *pionSession) AcceptOffer(raw json.RawMessage) (json.RawMessage, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &offer); err != nil {
		return nil, fmt.Errorf("failed to parse offer: %w", err)
	}
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}
	if err := s.flushCandidates(); err != nil {
		return nil, err
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	return json.Marshal(answer)
}

func (s *pionSession) SetRemoteAnswer(raw json.RawMessage) error {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &answer); err != nil {
		return fmt.Errorf("failed to parse answer: %w", err)
	}
	if err := s.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return s.flushCandidates()
}

// AddCandidate buffers candidates that arrive before the remote description
func (s *pionSession) AddCandidate(raw json.RawMessage) error {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &candidate); err != nil {
		return fmt.Errorf("failed to parse ICE candidate: %w", err)
	}

	s.mu.Lock()
	if !s.remoteSet {
		s.pending = append(s.pending, candidate)
		s.mu.Unlock()
		s.logger.Debug("Buffered ICE candidate until remote description is set")
		return nil
	}
	s.mu.Unlock()

	if err := s.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	return nil
}

func (s *pionSession) flushCandidates() error {
	s.mu.Lock()
	s.remoteSet = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, candidate := range pending {
		if err := s.pc.AddICECandidate(candidate); err != nil {
			return fmt.Errorf("failed to add buffered ICE candidate: %w", err)
		}
	}
	return nil
}

func (s *pionSession) pendingCandidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *pionSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	return s.pc.Close()
}

// pionChannel adapts a pion data channel to file.Channel
type pionChannel struct {
	dc *webrtc.DataChannel
}

var _ file.BufferedChannel = (*pionChannel)(nil)

func (c *pionChannel) IsOpen() bool {
	return c.dc.ReadyState() == webrtc.DataChannelStateOpen
}

func (c *pionChannel) Send(data []byte) error {
	return c.dc.Send(data)
}

func (c *pionChannel) SendText(text string) error {
	return c.dc.SendText(text)
}

func (c *pionChannel) BufferedAmount() uint64 {
	return c.dc.BufferedAmount()
}
