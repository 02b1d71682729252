// Package chunkio reads files in bounded chunks so that large command output
// (log windows, file downloads) can be streamed across many frames.
package chunkio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"sync/atomic"
)

// Chunk size bounds. Requests outside them are clamped.
const (
	MinChunkSize     = 4 * 1024
	MaxChunkSize     = 4 * 1024 * 1024
	DefaultChunkSize = 64 * 1024
)

var (
	// ErrInvalidRange indicates a negative start or an end before the start.
	ErrInvalidRange = errors.New("invalid byte range")
	// ErrIsDirectory indicates the path names a directory.
	ErrIsDirectory = errors.New("path is a directory")
	// ErrStreamConsumed is yielded when a ChunkStream is iterated twice.
	ErrStreamConsumed = errors.New("chunk stream already consumed")
)

// ProgressFunc is called after every chunk with the bytes produced so far
// and the total the stream will produce.
type ProgressFunc func(bytesRead, totalBytes int64)

// Options controls a chunked read. A nil StartOffset means 0; a nil
// EndOffsetInclusive means end of file.
type Options struct {
	ChunkSize          int
	StartOffset        *int64
	EndOffsetInclusive *int64
	Progress           ProgressFunc
}

// ChunkStream is a single-use sequence of chunks over an open file.
type ChunkStream struct {
	ctx       context.Context
	f         *os.File
	chunkSize int
	start     int64
	total     int64
	fileSize  int64
	progress  ProgressFunc
	used      atomic.Bool
}

// ClampChunkSize bounds n to [MinChunkSize, MaxChunkSize]; zero or negative
// means DefaultChunkSize.
func ClampChunkSize(n int) int {
	switch {
	case n <= 0:
		return DefaultChunkSize
	case n < MinChunkSize:
		return MinChunkSize
	case n > MaxChunkSize:
		return MaxChunkSize
	}
	return n
}

// ReadChunks opens path and prepares a chunked read of the requested range.
// Errors opening the file (including fs.ErrNotExist) are returned here,
// before any chunk is produced. An end offset past EOF is clamped to the
// last byte; a start at or past EOF produces an empty stream.
func ReadChunks(ctx context.Context, path string, opts Options) (*ChunkStream, error) {
	var start int64
	if opts.StartOffset != nil {
		start = *opts.StartOffset
	}
	if start < 0 {
		return nil, fmt.Errorf("%w: start %d", ErrInvalidRange, start)
	}
	if opts.EndOffsetInclusive != nil && *opts.EndOffsetInclusive < start {
		return nil, fmt.Errorf("%w: end %d before start %d", ErrInvalidRange, *opts.EndOffsetInclusive, start)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s", ErrIsDirectory, path)
	}

	size := info.Size()
	end := size - 1
	if opts.EndOffsetInclusive != nil && *opts.EndOffsetInclusive < end {
		end = *opts.EndOffsetInclusive
	}
	total := end - start + 1
	if start >= size || total < 0 {
		total = 0
	}

	if total > 0 {
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("seek %s: %w", path, err)
		}
	}

	return &ChunkStream{
		ctx:       ctx,
		f:         f,
		chunkSize: ClampChunkSize(opts.ChunkSize),
		start:     start,
		total:     total,
		fileSize:  size,
		progress:  opts.Progress,
	}, nil
}

// Total is the number of bytes the stream will produce.
func (s *ChunkStream) Total() int64 { return s.total }

// Start is the effective first offset.
func (s *ChunkStream) Start() int64 { return s.start }

// FileSize is the size of the file when the stream was opened.
func (s *ChunkStream) FileSize() int64 { return s.fileSize }

// Close releases the file if the stream is never iterated. Iterating closes
// it automatically.
func (s *ChunkStream) Close() error {
	if s.used.CompareAndSwap(false, true) {
		return s.f.Close()
	}
	return nil
}

// All yields the chunks in order. Each chunk is a fresh slice the caller may
// keep. If the context is cancelled the in-flight chunk completes, then the
// context error is yielded and iteration stops.
func (s *ChunkStream) All() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		if !s.used.CompareAndSwap(false, true) {
			yield(nil, ErrStreamConsumed)
			return
		}
		defer s.f.Close()

		var read int64
		for read < s.total {
			if err := s.ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			n := min(int64(s.chunkSize), s.total-read)
			buf := make([]byte, n)
			if _, err := io.ReadFull(s.f, buf); err != nil {
				yield(nil, fmt.Errorf("read chunk at offset %d: %w", s.start+read, err))
				return
			}
			read += n

			if s.progress != nil {
				s.progress(read, s.total)
			}
			if !yield(buf, nil) {
				return
			}
		}
	}
}

// ReadRange collects a whole range into memory. Intended for bounded
// windows (log reads) where the caller already capped the size.
func ReadRange(ctx context.Context, path string, opts Options) ([]byte, *ChunkStream, error) {
	stream, err := ReadChunks(ctx, path, opts)
	if err != nil {
		return nil, nil, err
	}
	out := make([]byte, 0, stream.Total())
	for chunk, err := range stream.All() {
		if err != nil {
			return nil, stream, err
		}
		out = append(out, chunk...)
	}
	return out, stream, nil
}
