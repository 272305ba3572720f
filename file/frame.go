package file

import (
	"github.com/TFMV/furyshare/common"
)

// FrameType identifies a chunk protocol frame
type FrameType byte

const (
	// FrameStart announces a transfer and carries its metadata
	FrameStart FrameType = iota + 1
	// FrameChunk carries one chunk of file data
	FrameChunk
	// FrameComplete marks the end of the chunk stream
	FrameComplete
)

// Wire names used by the JSON encoding
const (
	frameStartName    = "file_start"
	frameChunkName    = "file_chunk"
	frameCompleteName = "file_complete"
)

// String returns the wire name of the frame type
func (t FrameType) String() string {
	switch t {
	case FrameStart:
		return frameStartName
	case FrameChunk:
		return frameChunkName
	case FrameComplete:
		return frameCompleteName
	default:
		return "unknown"
	}
}

func parseFrameType(s string) FrameType {
	switch s {
	case frameStartName:
		return FrameStart
	case frameChunkName:
		return FrameChunk
	case frameCompleteName:
		return FrameComplete
	default:
		return 0
	}
}

// Frame is one message of the chunk protocol. Seq is the per-peer transfer
// sequence number; zero means the sender does not number its transfers.
type Frame struct {
	Type        FrameType
	Seq         uint64
	Metadata    common.FileMetadata
	TotalChunks int
	ChunkIndex  int
	Data        []byte
}

// TotalChunks returns ceil(size / ChunkSize)
func TotalChunks(size uint64) int {
	return int((size + common.ChunkSize - 1) / common.ChunkSize)
}

// ChunkBounds returns the byte range [start, end) of chunk index for a file
// of the given size
func ChunkBounds(index int, size uint64) (start, end uint64) {
	start = uint64(index) * common.ChunkSize
	end = start + common.ChunkSize
	if end > size {
		end = size
	}
	return start, end
}

// StartFrame builds a file_start frame for meta
func StartFrame(seq uint64, meta common.FileMetadata) Frame {
	return Frame{
		Type:        FrameStart,
		Seq:         seq,
		Metadata:    meta,
		TotalChunks: TotalChunks(meta.SizeBytes),
	}
}

// ChunkFrame builds a file_chunk frame
func ChunkFrame(seq uint64, index int, data []byte) Frame {
	return Frame{Type: FrameChunk, Seq: seq, ChunkIndex: index, Data: data}
}

// CompleteFrame builds a file_complete frame
func CompleteFrame(seq uint64) Frame {
	return Frame{Type: FrameComplete, Seq: seq}
}
