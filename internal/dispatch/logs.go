package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
	"unicode/utf8"

	"github.com/markus-barta/fleetplane/internal/chunkio"
	"github.com/markus-barta/fleetplane/internal/output"
)

const (
	tailDefaultDuration = 30 * time.Second
	tailDefaultPoll     = time.Second
	tailDefaultChunk    = 64 * 1024
)

type logReadPayload struct {
	Path        string `json:"path"`
	OffsetBytes *int64 `json:"offsetBytes"`
	MaxBytes    *int64 `json:"maxBytes"`
}

type logTailPayload struct {
	Path            string `json:"path"`
	DurationSeconds int    `json:"durationSeconds"`
	PollMs          int    `json:"pollMs"`
	ChunkBytes      int64  `json:"chunkBytes"`
}

// readWindow computes the byte window log.read returns. Without an offset
// it is the last limit bytes. An offset is clamped to [0, size]; at or past
// EOF the window is empty.
func readWindow(size int64, offset *int64, limit int64) (start, end int64, empty bool) {
	if offset == nil {
		start = max(0, size-limit)
	} else {
		start = min(max(*offset, 0), size)
	}
	if start >= size {
		return start, start, true
	}
	end = min(start+limit, size) - 1
	return start, end, false
}

func (d *Dispatcher) logRead(ctx context.Context, req *request) (result, error) {
	var p logReadPayload
	if err := req.decode(&p); err != nil {
		return result{}, err
	}
	path, err := resolvePath(p.Path, d.caps.AllowedLogPaths)
	if err != nil {
		return result{}, err
	}

	limit := d.caps.LogMaxBytes
	if p.MaxBytes != nil && *p.MaxBytes < limit {
		limit = *p.MaxBytes
	}

	info, err := os.Stat(path)
	if err != nil {
		return result{}, err
	}
	if info.IsDir() {
		return result{}, chunkio.ErrIsDirectory
	}

	start, end, empty := readWindow(info.Size(), p.OffsetBytes, limit)
	if empty {
		return result{}, nil
	}
	data, _, err := chunkio.ReadRange(ctx, path, chunkio.Options{
		StartOffset:        &start,
		EndOffsetInclusive: &end,
	})
	if err != nil {
		return result{}, err
	}
	// Drop partial runes at the window edges; a window from an explicit
	// offset keeps its start so callers can page through the file.
	if p.OffsetBytes == nil {
		for i := 0; i < utf8.UTFMax-1 && len(data) > 0 && !utf8.RuneStart(data[0]); i++ {
			data = data[1:]
		}
	}
	data = data[:output.CompleteRunes(data)]
	return result{logs: string(data)}, nil
}

// logTail follows a file from its current end, reporting appended bytes as
// they appear. A truncated file is followed again from offset zero.
func (d *Dispatcher) logTail(ctx context.Context, req *request) (result, error) {
	var p logTailPayload
	if err := req.decode(&p); err != nil {
		return result{}, err
	}
	path, err := resolvePath(p.Path, d.caps.AllowedLogPaths)
	if err != nil {
		return result{}, err
	}

	duration := tailDefaultDuration
	if p.DurationSeconds > 0 {
		duration = time.Duration(p.DurationSeconds) * time.Second
	}
	poll := tailDefaultPoll
	if p.PollMs > 0 {
		poll = time.Duration(p.PollMs) * time.Millisecond
	}
	chunk := int64(tailDefaultChunk)
	if p.ChunkBytes > 0 {
		chunk = p.ChunkBytes
	}
	chunk = max(min(chunk, d.caps.LogMaxBytes), utf8.UTFMax)

	info, err := os.Stat(path)
	if err != nil {
		return result{}, err
	}
	if info.IsDir() {
		return result{}, chunkio.ErrIsDirectory
	}
	offset := info.Size()

	tailCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-tailCtx.Done():
			if err := ctx.Err(); err != nil {
				return result{}, err
			}
			return result{}, nil
		case <-ticker.C:
		}

		info, err := os.Stat(path)
		if err != nil {
			return result{}, fmt.Errorf("log file disappeared: %w", err)
		}
		size := info.Size()
		if size < offset {
			offset = 0
		}
		for offset < size {
			end := min(offset+chunk, size) - 1
			data, _, err := chunkio.ReadRange(tailCtx, path, chunkio.Options{
				StartOffset:        &offset,
				EndOffsetInclusive: &end,
			})
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
					return result{}, nil
				}
				return result{}, err
			}
			// A rune still being written is sent with the next poll.
			data = data[:output.CompleteRunes(data)]
			if len(data) == 0 {
				break
			}
			req.progress(string(data))
			offset += int64(len(data))
		}
	}
}
