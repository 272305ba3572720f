package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "furyshare_active_peer_sessions",
		Help: "Number of peer sessions held by the registry",
	})

	SessionTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "furyshare_peer_session_transitions_total",
		Help: "Peer session state transitions by target state",
	}, []string{"state"})

	ChunksSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "furyshare_chunks_sent_total",
		Help: "Number of file_chunk frames written to data channels",
	})

	ChunksReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "furyshare_chunks_received_total",
		Help: "Number of distinct file_chunk frames stored by receivers",
	})

	TransferBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "furyshare_transfer_bytes_total",
		Help: "File bytes moved over the direct channel",
	}, []string{"direction"})

	TransfersFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "furyshare_transfers_finished_total",
		Help: "Finished transfers by direction, path and outcome",
	}, []string{"direction", "path", "state"})

	Fallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "furyshare_relay_fallbacks_total",
		Help: "Relay fallback attempts by result",
	}, []string{"result"})

	ProtocolViolations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "furyshare_protocol_violations_total",
		Help: "Dropped envelopes and frames by kind",
	}, []string{"kind"})

	TransferStalls = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "furyshare_transfer_stalls_total",
		Help: "Receives discarded after the stall timeout",
	})
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Safe to call more
// than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			ActiveSessions,
			SessionTransitions,
			ChunksSent,
			ChunksReceived,
			TransferBytes,
			TransfersFinished,
			Fallbacks,
			ProtocolViolations,
			TransferStalls,
		)
	})
}
