package node

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/TFMV/furyshare/common"
)

// SharedFile is the file a host offers to its receivers
type SharedFile struct {
	Path     string
	Metadata common.FileMetadata
}

// OpenSharedFile stats path and derives the metadata sent to receivers
func OpenSharedFile(path string, maxSize uint64) (*SharedFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", common.ErrNoFile, path)
	}
	if maxSize > 0 && uint64(info.Size()) > maxSize {
		return nil, fmt.Errorf("%s is %d bytes, limit is %d", path, info.Size(), maxSize)
	}

	mimeType := "application/octet-stream"
	if byExt := mime.TypeByExtension(filepath.Ext(path)); byExt != "" {
		if mediaType, _, err := mime.ParseMediaType(byExt); err == nil {
			mimeType = mediaType
		}
	}

	return &SharedFile{
		Path: path,
		Metadata: common.FileMetadata{
			Filename:  filepath.Base(path),
			MimeType:  mimeType,
			SizeBytes: uint64(info.Size()),
		},
	}, nil
}
