package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TFMV/furyshare/common"
	"github.com/TFMV/furyshare/history"
	"github.com/TFMV/furyshare/metrics"
	"github.com/TFMV/furyshare/node"
)

type fakeBackend struct {
	status node.Status
	sent   []common.PeerID
	err    error
}

func (f *fakeBackend) Status() node.Status { return f.status }

func (f *fakeBackend) SendTo(peer common.PeerID) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, peer)
	return nil
}

type fakeHistory struct {
	records []history.TransferRecord
}

func (f *fakeHistory) List(_ context.Context, limit int) ([]history.TransferRecord, error) {
	if limit > 0 && limit < len(f.records) {
		return f.records[:limit], nil
	}
	return f.records, nil
}

func newTestServer(backend Backend, hist HistoryLister) *APIServer {
	return NewAPIServer(zap.NewNop(), 0, backend, hist)
}

func getJSON(t *testing.T, s *APIServer, method, path string) (int, map[string]json.RawMessage) {
	t.Helper()
	resp, err := s.App().Test(httptest.NewRequest(method, path, nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestStatusEndpoints(t *testing.T) {
	backend := &fakeBackend{status: node.Status{
		Mode:     "host",
		UploadID: "u-1",
		File:     &common.FileMetadata{Filename: "a.bin", SizeBytes: 10},
		Roster:   []common.RosterEntry{{ID: "A", Name: "Alice"}},
		Sessions: []node.SessionInfo{{PeerID: "A", Role: "initiator", State: "connected"}},
		Outbound: []node.OutboundInfo{{PeerID: "A", Seq: 1, State: "active", Progress: 0.5}},
	}}
	hist := &fakeHistory{records: []history.TransferRecord{{ID: "1", PeerID: "A"}, {ID: "2", PeerID: "B"}}}
	s := newTestServer(backend, hist)

	t.Run("Status", func(t *testing.T) {
		code, body := getJSON(t, s, "GET", "/status")
		assert.Equal(t, 200, code)
		assert.JSONEq(t, `"running"`, string(body["status"]))
		assert.JSONEq(t, `"host"`, string(body["mode"]))
		assert.JSONEq(t, `"u-1"`, string(body["upload_id"]))
		assert.JSONEq(t, `1`, string(body["peers"]))
	})

	t.Run("Peers", func(t *testing.T) {
		code, body := getJSON(t, s, "GET", "/peers")
		assert.Equal(t, 200, code)
		assert.JSONEq(t, `[{"id":"A","name":"Alice"}]`, string(body["roster"]))
		assert.JSONEq(t, `[{"peer_id":"A","role":"initiator","state":"connected"}]`, string(body["sessions"]))
	})

	t.Run("Transfers", func(t *testing.T) {
		code, body := getJSON(t, s, "GET", "/transfers?limit=1")
		assert.Equal(t, 200, code)
		assert.JSONEq(t, `[{"peer_id":"A","transfer_seq":1,"state":"active","progress":0.5}]`, string(body["outbound"]))

		var records []history.TransferRecord
		require.NoError(t, json.Unmarshal(body["history"], &records))
		assert.Len(t, records, 1)
	})

	t.Run("Send", func(t *testing.T) {
		code, _ := getJSON(t, s, "POST", "/peers/A/send")
		assert.Equal(t, 202, code)
		assert.Equal(t, []common.PeerID{"A"}, backend.sent)
	})
}

func TestSendErrors(t *testing.T) {
	s := newTestServer(&fakeBackend{err: common.ErrNoFile}, nil)
	code, body := getJSON(t, s, "POST", "/peers/A/send")
	assert.Equal(t, 409, code)
	assert.Contains(t, string(body["error"]), "no file")

	s = newTestServer(&fakeBackend{err: errors.New("no session for peer")}, nil)
	code, _ = getJSON(t, s, "POST", "/peers/Z/send")
	assert.Equal(t, 404, code)
}

func TestTransfersWithoutHistory(t *testing.T) {
	s := newTestServer(&fakeBackend{}, nil)
	code, body := getJSON(t, s, "GET", "/transfers")
	assert.Equal(t, 200, code)
	_, ok := body["history"]
	assert.False(t, ok)
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.Register()
	metrics.ChunksSent.Add(3)

	s := newTestServer(&fakeBackend{}, nil)
	resp, err := s.App().Test(httptest.NewRequest("GET", "/metrics", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.True(t, strings.Contains(string(data), "furyshare_chunks_sent_total"))
}
