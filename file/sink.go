package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/TFMV/furyshare/common"
)

// DefaultFilename is used when a sender supplies no usable name
const DefaultFilename = "received-file"

// Sink takes ownership of a reassembled file. It returns where the file ended
// up, or an empty string if that has no meaning for the sink.
type Sink interface {
	Deliver(ctx context.Context, peer common.PeerID, meta common.FileMetadata, data []byte) (string, error)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, peer common.PeerID, meta common.FileMetadata, data []byte) (string, error)

// Deliver implements Sink
func (f SinkFunc) Deliver(ctx context.Context, peer common.PeerID, meta common.FileMetadata, data []byte) (string, error) {
	return f(ctx, peer, meta, data)
}

// DiskSink writes received files into a download directory
type DiskSink struct {
	logger *zap.Logger
	dir    string
	mu     sync.Mutex
}

// NewDiskSink creates a DiskSink rooted at dir, creating it if needed
func NewDiskSink(logger *zap.Logger, dir string) (*DiskSink, error) {
	if dir == "" {
		dir = "./downloads"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}
	return &DiskSink{logger: logger, dir: dir}, nil
}

// Dir returns the download directory
func (d *DiskSink) Dir() string {
	return d.dir
}

// Deliver implements Sink. Existing files are never overwritten; a
// " (n)" suffix is added instead.
func (d *DiskSink) Deliver(_ context.Context, peer common.PeerID, meta common.FileMetadata, data []byte) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	name := SanitizeFilename(meta.Filename)
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	for n := 0; ; n++ {
		candidate := name
		if n > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", base, n, ext)
		}
		path := filepath.Join(d.dir, candidate)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to create %s: %w", path, err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(path)
			return "", fmt.Errorf("failed to write %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("failed to close %s: %w", path, err)
		}

		d.logger.Info("Saved received file",
			zap.String("peer_id", string(peer)),
			zap.String("path", path),
			zap.Int("size", len(data)))
		return path, nil
	}
}

// SanitizeFilename strips directory components from a peer-supplied name
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	switch name {
	case "", ".", "..", "/":
		return DefaultFilename
	}
	return name
}
