package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/TFMV/furyshare/common"
	"github.com/TFMV/furyshare/metrics"
)

// ProgressFunc receives send progress in (0, 1]
type ProgressFunc func(progress float64)

// Sender streams a file over a channel as start, chunk and complete frames
type Sender struct {
	logger *zap.Logger
	codec  Codec
	config common.TransferConfig
}

// NewSender creates a new Sender. A nil codec selects JSON.
func NewSender(logger *zap.Logger, codec Codec, config common.TransferConfig) *Sender {
	if codec == nil {
		codec = JSONCodec{}
	}
	if config.YieldEvery <= 0 {
		config.YieldEvery = common.DefaultTransferConfig().YieldEvery
	}
	if config.YieldPause <= 0 {
		config.YieldPause = common.DefaultTransferConfig().YieldPause
	}
	return &Sender{
		logger: logger,
		codec:  codec,
		config: config,
	}
}

// Codec returns the frame codec
func (s *Sender) Codec() Codec {
	return s.codec
}

// Send emits meta and the contents of src over ch. Chunks are read from src
// one at a time. It fails with common.ErrChannelNotReady without writing
// anything if ch is not open.
func (s *Sender) Send(ctx context.Context, ch Channel, seq uint64, meta common.FileMetadata, src io.ReaderAt, progress ProgressFunc) (err error) {
	if ch == nil || !ch.IsOpen() {
		return common.ErrChannelNotReady
	}

	ctx, span := otel.Tracer("furyshare/transfer").Start(ctx, "Sender.Send")
	defer span.End()
	totalChunks := TotalChunks(meta.SizeBytes)
	span.SetAttributes(
		attribute.String("filename", meta.Filename),
		attribute.Int64("size_bytes", int64(meta.SizeBytes)),
		attribute.Int("total_chunks", totalChunks),
		attribute.Int64("transfer_seq", int64(seq)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	startTime := time.Now()
	if err := s.emit(ch, StartFrame(seq, meta)); err != nil {
		return fmt.Errorf("failed to send file_start: %w", err)
	}

	buf := make([]byte, common.ChunkSize)
	for i := 0; i < totalChunks; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		start, end := ChunkBounds(i, meta.SizeBytes)
		chunk := buf[:end-start]
		n, err := src.ReadAt(chunk, int64(start))
		if err != nil && !(errors.Is(err, io.EOF) && n == len(chunk)) {
			return fmt.Errorf("failed to read chunk %d: %w", i, err)
		}

		if err := s.emit(ch, ChunkFrame(seq, i, chunk)); err != nil {
			return fmt.Errorf("failed to send chunk %d: %w", i, err)
		}
		metrics.ChunksSent.Inc()
		metrics.TransferBytes.WithLabelValues(common.DirectionSending.String()).Add(float64(len(chunk)))

		s.logger.Debug("Sent chunk",
			zap.Int("chunk_index", i),
			zap.Int("total_chunks", totalChunks),
			zap.Int("size", len(chunk)))

		if progress != nil {
			progress(float64(i+1) / float64(totalChunks))
		}

		if (i+1)%s.config.YieldEvery == 0 {
			if err := s.yield(ctx, ch); err != nil {
				return err
			}
		}
	}

	if err := s.emit(ch, CompleteFrame(seq)); err != nil {
		return fmt.Errorf("failed to send file_complete: %w", err)
	}
	if totalChunks == 0 && progress != nil {
		progress(1)
	}

	s.logger.Info("File sent",
		zap.String("filename", meta.Filename),
		zap.Uint64("size_bytes", meta.SizeBytes),
		zap.Int("total_chunks", totalChunks),
		zap.Duration("elapsed", time.Since(startTime)))
	return nil
}

func (s *Sender) emit(ch Channel, f Frame) error {
	data, err := s.codec.Encode(f)
	if err != nil {
		return err
	}
	if s.codec.Binary() {
		return ch.Send(data)
	}
	return ch.SendText(string(data))
}

// yield pauses briefly and then waits for the channel's send queue to drain
// below the configured limit.
func (s *Sender) yield(ctx context.Context, ch Channel) error {
	if err := sleepCtx(ctx, s.config.YieldPause); err != nil {
		return err
	}

	bc, ok := ch.(BufferedChannel)
	if !ok || s.config.MaxBufferedAmount == 0 {
		return nil
	}
	for bc.BufferedAmount() > s.config.MaxBufferedAmount {
		if !bc.IsOpen() {
			return common.ErrChannelNotReady
		}
		if err := sleepCtx(ctx, s.config.YieldPause); err != nil {
			return err
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
