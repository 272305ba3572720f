package file

import (
	"encoding/json"
	"fmt"
	"sync"

	flatbuffers "github.com/google/flatbuffers/go"

	"github.com/TFMV/furyshare/common"
)

// Codec encodes chunk protocol frames for the data channel
type Codec interface {
	// Name returns the codec name used in configuration
	Name() string
	// Binary reports whether encoded frames go out as binary messages
	// rather than text
	Binary() bool
	// Encode serializes a frame
	Encode(f Frame) ([]byte, error)
}

// NewCodec returns the codec registered under name. An empty name selects JSON.
func NewCodec(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "flatbuffers", "fb":
		return NewFlatBuffersCodec(), nil
	default:
		return nil, fmt.Errorf("unknown frame codec %q", name)
	}
}

// DecodeFrame parses a frame in either encoding. FlatBuffers frames are
// recognized by their file identifier; anything else is treated as JSON.
func DecodeFrame(data []byte) (Frame, error) {
	if IsFlatBuffersFrame(data) {
		return decodeFlatBuffersFrame(data)
	}
	return decodeJSONFrame(data)
}

// IsFlatBuffersFrame reports whether data carries the FlatBuffers frame identifier
func IsFlatBuffersFrame(data []byte) bool {
	return len(data) >= 8 && flatbuffers.BufferHasIdentifier(data, frameFileIdentifier)
}

// JSONCodec encodes frames the way the browser client does: JSON text with
// base64 chunk data.
type JSONCodec struct{}

type jsonFrame struct {
	Type        string               `json:"type"`
	Seq         uint64               `json:"transferSeq,omitempty"`
	Metadata    *common.FileMetadata `json:"metadata,omitempty"`
	TotalChunks *int                 `json:"totalChunks,omitempty"`
	ChunkIndex  *int                 `json:"chunkIndex,omitempty"`
	Data        []byte               `json:"data,omitempty"`
}

// Name implements Codec
func (JSONCodec) Name() string { return "json" }

// Binary implements Codec
func (JSONCodec) Binary() bool { return false }

// Encode implements Codec
func (JSONCodec) Encode(f Frame) ([]byte, error) {
	jf := jsonFrame{Type: f.Type.String(), Seq: f.Seq}
	switch f.Type {
	case FrameStart:
		meta := f.Metadata
		total := f.TotalChunks
		jf.Metadata = &meta
		jf.TotalChunks = &total
	case FrameChunk:
		index := f.ChunkIndex
		jf.ChunkIndex = &index
		jf.Data = f.Data
	case FrameComplete:
	default:
		return nil, fmt.Errorf("cannot encode frame type %d", f.Type)
	}
	return json.Marshal(jf)
}

func decodeJSONFrame(data []byte) (Frame, error) {
	var jf jsonFrame
	if err := json.Unmarshal(data, &jf); err != nil {
		return Frame{}, fmt.Errorf("%w: malformed frame: %v", common.ErrProtocolViolation, err)
	}
	f := Frame{Type: parseFrameType(jf.Type), Seq: jf.Seq, Data: jf.Data}
	switch f.Type {
	case FrameStart:
		if jf.Metadata == nil || jf.TotalChunks == nil {
			return Frame{}, fmt.Errorf("%w: file_start without metadata", common.ErrProtocolViolation)
		}
		f.Metadata = *jf.Metadata
		f.TotalChunks = *jf.TotalChunks
	case FrameChunk:
		if jf.ChunkIndex == nil {
			return Frame{}, fmt.Errorf("%w: file_chunk without chunkIndex", common.ErrProtocolViolation)
		}
		f.ChunkIndex = *jf.ChunkIndex
	case FrameComplete:
	default:
		return Frame{}, fmt.Errorf("%w: unknown frame type %q", common.ErrProtocolViolation, jf.Type)
	}
	return f, nil
}

// FlatBuffersCodec encodes frames as FlatBuffers tables with raw chunk bytes
type FlatBuffersCodec struct {
	builderPool sync.Pool
}

// NewFlatBuffersCodec creates a new FlatBuffers codec
func NewFlatBuffersCodec() *FlatBuffersCodec {
	c := &FlatBuffersCodec{}
	c.builderPool.New = func() interface{} {
		return flatbuffers.NewBuilder(common.ChunkSize + 256)
	}
	return c
}

// Name implements Codec
func (c *FlatBuffersCodec) Name() string { return "flatbuffers" }

// Binary implements Codec
func (c *FlatBuffersCodec) Binary() bool { return true }

// Encode implements Codec
func (c *FlatBuffersCodec) Encode(f Frame) ([]byte, error) {
	if f.Type < FrameStart || f.Type > FrameComplete {
		return nil, fmt.Errorf("cannot encode frame type %d", f.Type)
	}

	builder := c.builderPool.Get().(*flatbuffers.Builder)
	defer func() {
		builder.Reset()
		c.builderPool.Put(builder)
	}()

	var nameOff, typeOff, dataOff flatbuffers.UOffsetT
	if f.Type == FrameStart {
		nameOff = builder.CreateString(f.Metadata.Filename)
		typeOff = builder.CreateString(f.Metadata.MimeType)
	}
	if f.Type == FrameChunk {
		dataOff = builder.CreateByteVector(f.Data)
	}

	fbFrameStart(builder)
	fbFrameAddType(builder, byte(f.Type))
	fbFrameAddTransferSeq(builder, f.Seq)
	switch f.Type {
	case FrameStart:
		fbFrameAddFilename(builder, nameOff)
		fbFrameAddFiletype(builder, typeOff)
		fbFrameAddFilesize(builder, f.Metadata.SizeBytes)
		fbFrameAddTotalChunks(builder, uint32(f.TotalChunks))
	case FrameChunk:
		fbFrameAddChunkIndex(builder, uint32(f.ChunkIndex))
		fbFrameAddData(builder, dataOff)
	}
	root := fbFrameEnd(builder)
	builder.FinishWithFileIdentifier(root, []byte(frameFileIdentifier))

	// The builder's buffer is reused once it goes back to the pool.
	finished := builder.FinishedBytes()
	out := make([]byte, len(finished))
	copy(out, finished)
	return out, nil
}

func decodeFlatBuffersFrame(data []byte) (f Frame, err error) {
	// Accessors index straight into the buffer and panic on truncated input.
	defer func() {
		if r := recover(); r != nil {
			f = Frame{}
			err = fmt.Errorf("%w: malformed binary frame: %v", common.ErrProtocolViolation, r)
		}
	}()

	fb := getRootAsFbFrame(data, 0)
	f = Frame{Type: FrameType(fb.Type()), Seq: fb.TransferSeq()}
	switch f.Type {
	case FrameStart:
		f.Metadata = common.FileMetadata{
			Filename:  string(fb.Filename()),
			MimeType:  string(fb.Filetype()),
			SizeBytes: fb.Filesize(),
		}
		f.TotalChunks = int(fb.TotalChunks())
	case FrameChunk:
		f.ChunkIndex = int(fb.ChunkIndex())
		if d := fb.Data(); d != nil {
			f.Data = append([]byte(nil), d...)
		}
	case FrameComplete:
	default:
		return Frame{}, fmt.Errorf("%w: unknown binary frame type %d", common.ErrProtocolViolation, f.Type)
	}
	return f, nil
}
