package file

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TFMV/furyshare/common"
)

// memChannel records everything written to it
type memChannel struct {
	mu       sync.Mutex
	open     bool
	messages [][]byte
	binary   []bool
	buffered []uint64
	sendErr  error
}

func (c *memChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *memChannel) Send(data []byte) error {
	return c.record(data, true)
}

func (c *memChannel) SendText(text string) error {
	return c.record([]byte(text), false)
}

func (c *memChannel) record(data []byte, binary bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.messages = append(c.messages, append([]byte(nil), data...))
	c.binary = append(c.binary, binary)
	return nil
}

// BufferedAmount pops queued values, then reports an empty queue
func (c *memChannel) BufferedAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buffered) == 0 {
		return 0
	}
	v := c.buffered[0]
	c.buffered = c.buffered[1:]
	return v
}

func (c *memChannel) frames(t *testing.T) []Frame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Frame, 0, len(c.messages))
	for _, m := range c.messages {
		f, err := DecodeFrame(m)
		require.NoError(t, err)
		out = append(out, f)
	}
	return out
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	_, err := rand.Read(data)
	require.NoError(t, err)
	return data
}

func testTransferConfig() common.TransferConfig {
	cfg := common.DefaultTransferConfig()
	cfg.YieldPause = time.Microsecond
	return cfg
}

func TestSenderSend(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	source := randomBytes(t, 40000)
	meta := common.FileMetadata{Filename: "report.pdf", MimeType: "application/pdf", SizeBytes: 40000}

	t.Run("EmitsStartChunksComplete", func(t *testing.T) {
		ch := &memChannel{open: true}
		sender := NewSender(logger, JSONCodec{}, testTransferConfig())

		var progress []float64
		err := sender.Send(context.Background(), ch, 0, meta, bytes.NewReader(source), func(p float64) {
			progress = append(progress, p)
		})
		require.NoError(t, err)

		frames := ch.frames(t)
		require.Len(t, frames, 5)
		assert.Equal(t, FrameStart, frames[0].Type)
		assert.Equal(t, meta, frames[0].Metadata)
		assert.Equal(t, 3, frames[0].TotalChunks)

		sizes := []int{16384, 16384, 7232}
		var joined []byte
		for i, size := range sizes {
			f := frames[i+1]
			assert.Equal(t, FrameChunk, f.Type)
			assert.Equal(t, i, f.ChunkIndex)
			assert.Len(t, f.Data, size)
			joined = append(joined, f.Data...)
		}
		assert.Equal(t, source, joined)
		assert.Equal(t, FrameComplete, frames[4].Type)

		assert.InDeltaSlice(t, []float64{1.0 / 3, 2.0 / 3, 1}, progress, 1e-9)
		for _, binary := range ch.binary {
			assert.False(t, binary, "json frames go out as text")
		}
	})

	t.Run("ChannelNotReady", func(t *testing.T) {
		ch := &memChannel{open: false}
		sender := NewSender(logger, nil, testTransferConfig())

		err := sender.Send(context.Background(), ch, 0, meta, bytes.NewReader(source), nil)
		assert.ErrorIs(t, err, common.ErrChannelNotReady)
		assert.Empty(t, ch.messages)
	})

	t.Run("NilChannel", func(t *testing.T) {
		sender := NewSender(logger, nil, testTransferConfig())
		err := sender.Send(context.Background(), nil, 0, meta, bytes.NewReader(source), nil)
		assert.ErrorIs(t, err, common.ErrChannelNotReady)
	})

	t.Run("FlatBuffersSendsBinary", func(t *testing.T) {
		ch := &memChannel{open: true}
		sender := NewSender(logger, NewFlatBuffersCodec(), testTransferConfig())

		require.NoError(t, sender.Send(context.Background(), ch, 7, meta, bytes.NewReader(source), nil))
		for _, binary := range ch.binary {
			assert.True(t, binary)
		}
		frames := ch.frames(t)
		require.Len(t, frames, 5)
		for _, f := range frames {
			assert.Equal(t, uint64(7), f.Seq)
		}
	})

	t.Run("SendErrorStops", func(t *testing.T) {
		ch := &memChannel{open: true, sendErr: errors.New("sctp closed")}
		sender := NewSender(logger, nil, testTransferConfig())

		err := sender.Send(context.Background(), ch, 0, meta, bytes.NewReader(source), nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "file_start")
	})

	t.Run("ShortSourceFails", func(t *testing.T) {
		ch := &memChannel{open: true}
		sender := NewSender(logger, nil, testTransferConfig())

		err := sender.Send(context.Background(), ch, 0, meta, bytes.NewReader(source[:20000]), nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "chunk 1")
	})

	t.Run("ZeroByteFile", func(t *testing.T) {
		ch := &memChannel{open: true}
		sender := NewSender(logger, nil, testTransferConfig())

		var progress []float64
		empty := common.FileMetadata{Filename: "empty.txt", MimeType: "text/plain"}
		require.NoError(t, sender.Send(context.Background(), ch, 0, empty, bytes.NewReader(nil), func(p float64) {
			progress = append(progress, p)
		}))

		frames := ch.frames(t)
		require.Len(t, frames, 2)
		assert.Equal(t, FrameStart, frames[0].Type)
		assert.Equal(t, 0, frames[0].TotalChunks)
		assert.Equal(t, FrameComplete, frames[1].Type)
		assert.Equal(t, []float64{1}, progress)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		ch := &memChannel{open: true}
		sender := NewSender(logger, nil, testTransferConfig())

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := sender.Send(ctx, ch, 0, meta, bytes.NewReader(source), nil)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestSenderYieldWaitsForBufferedAmount(t *testing.T) {
	logger := zap.NewNop()
	cfg := testTransferConfig()
	cfg.MaxBufferedAmount = 100

	// 11 chunks, one yield after chunk 10
	size := 10*common.ChunkSize + 5
	source := randomBytes(t, size)
	ch := &memChannel{open: true, buffered: []uint64{500, 400, 300}}

	sender := NewSender(logger, nil, cfg)
	meta := common.FileMetadata{Filename: "big.bin", SizeBytes: uint64(size)}
	require.NoError(t, sender.Send(context.Background(), ch, 0, meta, bytes.NewReader(source), nil))

	assert.Empty(t, ch.buffered, "sender should poll until the queue drains")
	assert.Len(t, ch.frames(t), 13)
}
