package common

import "time"

// ChunkSize is the fixed payload size of a file_chunk frame. The last chunk
// of a file may be shorter.
const ChunkSize = 16384

// TransferConfig contains configuration for chunked transfers
type TransferConfig struct {
	Codec              string        `json:"codec"`
	YieldEvery         int           `json:"yield_every"`
	YieldPause         time.Duration `json:"yield_pause"`
	MaxBufferedAmount  uint64        `json:"max_buffered_amount"`
	StallTimeout       time.Duration `json:"stall_timeout"`
	StallCheckInterval time.Duration `json:"stall_check_interval"`
	AutoSend           bool          `json:"auto_send"`
	MaxFileSize        uint64        `json:"max_file_size"`
}

// DefaultTransferConfig returns a default transfer configuration
func DefaultTransferConfig() TransferConfig {
	return TransferConfig{
		Codec:              "json",
		YieldEvery:         10,
		YieldPause:         time.Millisecond,
		MaxBufferedAmount:  1024 * 1024, // 1MB
		StallTimeout:       30 * time.Second,
		StallCheckInterval: 5 * time.Second,
		AutoSend:           true,
		MaxFileSize:        2 * 1024 * 1024 * 1024, // 2GB
	}
}

// FallbackConfig contains configuration for whole-file relay delivery
type FallbackConfig struct {
	Enabled  bool  `json:"enabled"`
	MaxBytes int64 `json:"max_bytes"`
}

// DefaultFallbackConfig returns a default fallback configuration
func DefaultFallbackConfig() FallbackConfig {
	return FallbackConfig{
		Enabled:  true,
		MaxBytes: 64 * 1024 * 1024, // 64MB
	}
}
