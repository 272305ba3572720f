package node

import (
	"github.com/spf13/viper"

	"github.com/TFMV/furyshare/common"
)

// DefaultRelayURL is the relay used when relay.url is unset
const DefaultRelayURL = "ws://localhost:8080"

// Config gathers every setting a node needs
type Config struct {
	RelayURL    string
	WebRTC      WebRTCConfig
	Transfer    common.TransferConfig
	Fallback    common.FallbackConfig
	DownloadDir string
	IdentityDir string
	History     HistoryConfig
	API         APIConfig
}

// HistoryConfig controls the transfer history store
type HistoryConfig struct {
	Enabled bool
	Path    string
}

// APIConfig controls the status API server
type APIConfig struct {
	Enabled bool
	Port    int
}

// LoadConfig reads the node configuration from viper, filling in defaults
// for anything unset.
func LoadConfig() Config {
	cfg := Config{
		RelayURL:    viper.GetString("relay.url"),
		DownloadDir: viper.GetString("storage.download_dir"),
	}
	if cfg.RelayURL == "" {
		cfg.RelayURL = DefaultRelayURL
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = "./downloads"
	}
	cfg.IdentityDir = viper.GetString("identity.dir")
	if cfg.IdentityDir == "" {
		cfg.IdentityDir = ".furyshare/keys"
	}

	// WebRTC
	cfg.WebRTC = DefaultWebRTCConfig()
	if servers := viper.GetStringSlice("webrtc.stun_servers"); len(servers) > 0 {
		cfg.WebRTC.STUNServers = servers
	}
	if servers := viper.GetStringSlice("webrtc.turn_servers"); len(servers) > 0 {
		cfg.WebRTC.TURNServers = servers
	}
	cfg.WebRTC.Username = viper.GetString("webrtc.username")
	cfg.WebRTC.Credential = viper.GetString("webrtc.credential")
	if timeout := viper.GetInt("webrtc.ice_timeout"); timeout > 0 {
		cfg.WebRTC.ICETimeout = timeout
	}
	if label := viper.GetString("webrtc.channel_label"); label != "" {
		cfg.WebRTC.ChannelLabel = label
	}

	// Transfer
	cfg.Transfer = common.DefaultTransferConfig()
	if codec := viper.GetString("transfer.codec"); codec != "" {
		cfg.Transfer.Codec = codec
	}
	if n := viper.GetInt("transfer.yield_every"); n > 0 {
		cfg.Transfer.YieldEvery = n
	}
	if d := viper.GetDuration("transfer.yield_pause"); d > 0 {
		cfg.Transfer.YieldPause = d
	}
	if viper.IsSet("transfer.max_buffered_amount") {
		cfg.Transfer.MaxBufferedAmount = viper.GetUint64("transfer.max_buffered_amount")
	}
	if d := viper.GetDuration("transfer.stall_timeout"); d > 0 {
		cfg.Transfer.StallTimeout = d
	}
	if d := viper.GetDuration("transfer.stall_check_interval"); d > 0 {
		cfg.Transfer.StallCheckInterval = d
	}
	if viper.IsSet("transfer.auto_send") {
		cfg.Transfer.AutoSend = viper.GetBool("transfer.auto_send")
	}
	if n := viper.GetUint64("transfer.max_file_size"); n > 0 {
		cfg.Transfer.MaxFileSize = n
	}

	// Fallback
	cfg.Fallback = common.DefaultFallbackConfig()
	if viper.IsSet("fallback.enabled") {
		cfg.Fallback.Enabled = viper.GetBool("fallback.enabled")
	}
	if n := viper.GetInt64("fallback.max_bytes"); n > 0 {
		cfg.Fallback.MaxBytes = n
	}

	// History
	cfg.History = HistoryConfig{
		Enabled: true,
		Path:    viper.GetString("history.path"),
	}
	if viper.IsSet("history.enabled") {
		cfg.History.Enabled = viper.GetBool("history.enabled")
	}
	if cfg.History.Path == "" {
		cfg.History.Path = ".furyshare/history.db"
	}

	// API
	cfg.API = APIConfig{
		Enabled: viper.GetBool("api.enabled"),
		Port:    viper.GetInt("api.port"),
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = 8080
	}

	return cfg
}
