package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/TFMV/furyshare/common"
	"github.com/TFMV/furyshare/file"
)

// fakeTransport hands out scripted direct sessions and remembers them by peer
type fakeTransport struct {
	mu        sync.Mutex
	sessions  map[common.PeerID]*fakeDirect
	newErr    error
	offerErr  error
	answerErr error
	// gather is reported through OnCandidate while the local description
	// is being set, before CreateOffer or AcceptOffer returns
	gather []json.RawMessage
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sessions: make(map[common.PeerID]*fakeDirect)}
}

func (t *fakeTransport) NewSession(peer common.PeerID, role common.Role, events SessionEvents) (DirectSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.newErr != nil {
		return nil, t.newErr
	}
	d := &fakeDirect{
		peer:      peer,
		role:      role,
		events:    events,
		offerErr:  t.offerErr,
		answerErr: t.answerErr,
		gather:    t.gather,
	}
	t.sessions[peer] = d
	return d, nil
}

func (t *fakeTransport) session(peer common.PeerID) *fakeDirect {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[peer]
}

func (t *fakeTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

type fakeDirect struct {
	peer      common.PeerID
	role      common.Role
	events    SessionEvents
	offerErr  error
	answerErr error
	gather    []json.RawMessage

	mu         sync.Mutex
	candidates []json.RawMessage
	answers    []json.RawMessage
	closes     int
}

func (d *fakeDirect) CreateOffer() (json.RawMessage, error) {
	if d.offerErr != nil {
		return nil, d.offerErr
	}
	for _, c := range d.gather {
		d.events.candidate(c)
	}
	return json.RawMessage(fmt.Sprintf(`{"type":"offer","sdp":"offer-to-%s"}`, d.peer)), nil
}

func (d *fakeDirect) AcceptOffer(offer json.RawMessage) (json.RawMessage, error) {
	if d.answerErr != nil {
		return nil, d.answerErr
	}
	for _, c := range d.gather {
		d.events.candidate(c)
	}
	return json.RawMessage(fmt.Sprintf(`{"type":"answer","sdp":"answer-to-%s"}`, d.peer)), nil
}

func (d *fakeDirect) SetRemoteAnswer(answer json.RawMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.answers = append(d.answers, answer)
	return nil
}

func (d *fakeDirect) AddCandidate(candidate json.RawMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.candidates = append(d.candidates, candidate)
	return nil
}

func (d *fakeDirect) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	return nil
}

func (d *fakeDirect) closeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes
}

func (d *fakeDirect) candidateCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.candidates)
}

// fakeRelay records every envelope sent to the relay
type fakeRelay struct {
	mu   sync.Mutex
	envs []common.Envelope
	err  error
}

func (r *fakeRelay) Send(env common.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.envs = append(r.envs, env)
	return nil
}

func (r *fakeRelay) ofType(typ string) []common.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []common.Envelope
	for _, env := range r.envs {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

// fakeChannel records frames. With block set, every frame after the first
// waits for block to close and then fails.
type fakeChannel struct {
	mu      sync.Mutex
	frames  [][]byte
	started chan struct{}
	block   chan struct{}
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{started: make(chan struct{})}
}

func (c *fakeChannel) IsOpen() bool { return true }

func (c *fakeChannel) SendText(text string) error {
	return c.Send([]byte(text))
}

func (c *fakeChannel) Send(data []byte) error {
	c.mu.Lock()
	c.frames = append(c.frames, append([]byte(nil), data...))
	n := len(c.frames)
	c.mu.Unlock()

	if n == 1 {
		close(c.started)
	}
	if n > 1 && c.block != nil {
		<-c.block
		return errors.New("data channel closed")
	}
	return nil
}

func (c *fakeChannel) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

// pipeChannel hands every frame straight to the remote side
type pipeChannel struct {
	deliver func(data []byte)
}

func (c *pipeChannel) IsOpen() bool { return true }

func (c *pipeChannel) Send(data []byte) error {
	c.deliver(append([]byte(nil), data...))
	return nil
}

func (c *pipeChannel) SendText(text string) error {
	c.deliver([]byte(text))
	return nil
}

type recordingObserver struct {
	common.NopObserver
	mu        sync.Mutex
	states    []common.ConnectionEvent
	transfers []common.TransferEvent
}

func (o *recordingObserver) OnConnectionState(ev common.ConnectionEvent) {
	o.mu.Lock()
	o.states = append(o.states, ev)
	o.mu.Unlock()
}

func (o *recordingObserver) OnTransfer(ev common.TransferEvent) {
	o.mu.Lock()
	o.transfers = append(o.transfers, ev)
	o.mu.Unlock()
}

func (o *recordingObserver) transferEvents() []common.TransferEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]common.TransferEvent(nil), o.transfers...)
}

type delivered struct {
	peer common.PeerID
	meta common.FileMetadata
	data []byte
}

type captureSink struct {
	mu    sync.Mutex
	files []delivered
}

func (s *captureSink) Deliver(_ context.Context, peer common.PeerID, meta common.FileMetadata, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = append(s.files, delivered{peer: peer, meta: meta, data: data})
	return "mem://" + meta.Filename, nil
}

func (s *captureSink) delivered() []delivered {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]delivered(nil), s.files...)
}

var _ file.Sink = (*captureSink)(nil)

func writeSharedFile(t *testing.T, size int) (*SharedFile, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 7)
	}
	path := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(path, data, 0644))

	shared, err := OpenSharedFile(path, 0)
	require.NoError(t, err)
	return shared, data
}

func envelope(t *testing.T, typ string, payload interface{}) common.Envelope {
	t.Helper()
	env, err := common.NewEnvelope(typ, payload)
	require.NoError(t, err)
	return env
}

func decodePayload(t *testing.T, env common.Envelope) map[string]json.RawMessage {
	t.Helper()
	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(env.Payload, &out))
	return out
}
