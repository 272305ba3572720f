package node

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/TFMV/furyshare/common"
	"github.com/TFMV/furyshare/metrics"
)

var errFallbackDisabled = errors.New("relay fallback disabled")

// sendFilePayload is the host's whole-file message to the relay
type sendFilePayload struct {
	ReceiverID common.PeerID        `json:"receiver_id"`
	FileData   string               `json:"file_data"`
	Metadata   *common.FileMetadata `json:"metadata,omitempty"`
}

// Fallback delivers a whole file over the relay when the direct channel
// cannot be used. It never retries.
type Fallback struct {
	logger *zap.Logger
	relay  Relay
	config common.FallbackConfig
}

// NewFallback creates a new Fallback
func NewFallback(logger *zap.Logger, relay Relay, config common.FallbackConfig) *Fallback {
	if config.MaxBytes <= 0 {
		config.MaxBytes = common.DefaultFallbackConfig().MaxBytes
	}
	return &Fallback{
		logger: logger,
		relay:  relay,
		config: config,
	}
}

// Send reads shared and sends it to peer as a single send_file envelope
func (f *Fallback) Send(ctx context.Context, peer common.PeerID, shared *SharedFile) error {
	_, span := otel.Tracer("furyshare/transfer").Start(ctx, "Fallback.Send")
	defer span.End()
	span.SetAttributes(
		attribute.String("peer_id", string(peer)),
		attribute.Int64("size_bytes", int64(shared.Metadata.SizeBytes)),
	)

	err := f.send(peer, shared)
	switch {
	case err == nil:
		metrics.Fallbacks.WithLabelValues("sent").Inc()
	case errors.Is(err, errFallbackDisabled):
		metrics.Fallbacks.WithLabelValues("disabled").Inc()
	case errors.Is(err, common.ErrFallbackTooLarge):
		metrics.Fallbacks.WithLabelValues("too_large").Inc()
	default:
		metrics.Fallbacks.WithLabelValues("failed").Inc()
	}
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (f *Fallback) send(peer common.PeerID, shared *SharedFile) error {
	if !f.config.Enabled {
		return errFallbackDisabled
	}
	if shared.Metadata.SizeBytes > uint64(f.config.MaxBytes) {
		return fmt.Errorf("%w: %d bytes, limit %d", common.ErrFallbackTooLarge, shared.Metadata.SizeBytes, f.config.MaxBytes)
	}

	data, err := os.ReadFile(shared.Path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", shared.Path, err)
	}

	meta := shared.Metadata
	env, err := common.NewEnvelope(TypeSendFile, sendFilePayload{
		ReceiverID: peer,
		FileData:   EncodeDataURL(meta.MimeType, data),
		Metadata:   &meta,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal send_file: %w", err)
	}
	if err := f.relay.Send(env); err != nil {
		return fmt.Errorf("failed to send file over relay: %w", err)
	}

	f.logger.Info("Sent file over relay",
		zap.String("peer_id", string(peer)),
		zap.String("filename", meta.Filename),
		zap.Int("size", len(data)))
	return nil
}

// EncodeDataURL returns data as a base64 data: URL
func EncodeDataURL(mimeType string, data []byte) string {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// DecodeRelayFileData decodes a file_data payload. Browsers send a data:
// URL, plain text, or an array of byte values.
func DecodeRelayFileData(payload json.RawMessage) ([]byte, error) {
	var s string
	if err := json.Unmarshal(payload, &s); err == nil {
		if strings.HasPrefix(s, "data:") {
			return decodeDataURL(s)
		}
		return []byte(s), nil
	}

	var values []int
	if err := json.Unmarshal(payload, &values); err != nil {
		return nil, fmt.Errorf("%w: unsupported file_data payload", common.ErrProtocolViolation)
	}
	data := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("%w: byte value %d out of range", common.ErrProtocolViolation, v)
		}
		data[i] = byte(v)
	}
	return data, nil
}

func decodeDataURL(s string) ([]byte, error) {
	header, body, ok := strings.Cut(strings.TrimPrefix(s, "data:"), ",")
	if !ok {
		return nil, fmt.Errorf("%w: malformed data URL", common.ErrProtocolViolation)
	}
	if strings.HasSuffix(header, ";base64") {
		data, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return nil, fmt.Errorf("%w: bad base64 in data URL: %v", common.ErrProtocolViolation, err)
		}
		return data, nil
	}
	text, err := url.PathUnescape(body)
	if err != nil {
		return nil, fmt.Errorf("%w: bad escape in data URL: %v", common.ErrProtocolViolation, err)
	}
	return []byte(text), nil
}
