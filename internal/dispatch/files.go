package dispatch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/markus-barta/fleetplane/internal/chunkio"
)

// maxListEntries bounds one file.list response.
const maxListEntries = 10000

// zstdEncoder is built on first use and shared; EncodeAll is safe for
// concurrent use.
var zstdEncoder = sync.OnceValues(func() (*zstd.Encoder, error) {
	return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
})

type filePathPayload struct {
	Path string `json:"path"`
}

type fileListPayload struct {
	Path       string `json:"path"`
	ShowHidden bool   `json:"showHidden"`
}

type fileDownloadPayload struct {
	Path               string `json:"path"`
	ChunkSize          int    `json:"chunkSize"`
	OffsetBytes        *int64 `json:"offsetBytes"`
	EndOffsetInclusive *int64 `json:"endOffsetInclusive"`
	Compress           bool   `json:"compress"`
}

// FileEntry is one row of file.list output.
type FileEntry struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	IsDir    bool      `json:"isDir"`
	Mode     string    `json:"mode"`
	Modified time.Time `json:"modified"`
}

// FileListing is the structured result of file.list.
type FileListing struct {
	Path      string      `json:"path"`
	Entries   []FileEntry `json:"entries"`
	Truncated bool        `json:"truncated,omitempty"`
}

// FileInfo is the structured result of file.metadata.
type FileInfo struct {
	chunkio.FileMetadata
	ETag string `json:"etag,omitempty"`
}

// DownloadChunk is one InProgress frame of file.download.
type DownloadChunk struct {
	Offset   int64  `json:"offset"`
	Length   int    `json:"length"`
	Encoding string `json:"encoding"` // base64 or zstd+base64
	Data     string `json:"data"`
}

// DownloadSummary is the terminal frame of file.download.
type DownloadSummary struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Bytes  int64  `json:"bytes"`
	Chunks int    `json:"chunks"`
	ETag   string `json:"etag"`
}

func (d *Dispatcher) fileList(ctx context.Context, req *request) (result, error) {
	var p fileListPayload
	if err := req.decode(&p); err != nil {
		return result{}, err
	}
	dir, err := resolvePath(p.Path, d.caps.AllowedFileRoots)
	if err != nil {
		return result{}, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return result{}, err
	}
	listing := FileListing{Path: dir, Entries: make([]FileEntry, 0, min(len(entries), maxListEntries))}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return result{}, err
		}
		if !p.ShowHidden && strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if len(listing.Entries) == maxListEntries {
			listing.Truncated = true
			break
		}
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		listing.Entries = append(listing.Entries, FileEntry{
			Name:     e.Name(),
			Path:     filepath.Join(dir, e.Name()),
			Size:     info.Size(),
			IsDir:    e.IsDir(),
			Mode:     info.Mode().String(),
			Modified: info.ModTime().UTC(),
		})
	}
	sort.Slice(listing.Entries, func(i, j int) bool {
		a, b := listing.Entries[i], listing.Entries[j]
		if a.IsDir != b.IsDir {
			return a.IsDir
		}
		return a.Name < b.Name
	})
	return result{doc: listing}, nil
}

func (d *Dispatcher) fileMetadata(_ context.Context, req *request) (result, error) {
	var p filePathPayload
	if err := req.decode(&p); err != nil {
		return result{}, err
	}
	path, err := resolvePath(p.Path, d.caps.AllowedFileRoots)
	if err != nil {
		return result{}, err
	}
	md, err := chunkio.GetFileMetadata(path)
	if err != nil {
		return result{}, err
	}
	info := FileInfo{FileMetadata: *md}
	if !md.IsDir {
		if info.ETag, err = chunkio.ComputeETag(path); err != nil {
			return result{}, err
		}
	}
	return result{doc: info}, nil
}

// fileDownload streams a file, or a byte range of it, as base64 chunks.
func (d *Dispatcher) fileDownload(ctx context.Context, req *request) (result, error) {
	var p fileDownloadPayload
	if err := req.decode(&p); err != nil {
		return result{}, err
	}
	path, err := resolvePath(p.Path, d.caps.AllowedFileRoots)
	if err != nil {
		return result{}, err
	}

	stream, err := chunkio.ReadChunks(ctx, path, chunkio.Options{
		ChunkSize:          p.ChunkSize,
		StartOffset:        p.OffsetBytes,
		EndOffsetInclusive: p.EndOffsetInclusive,
	})
	if err != nil {
		return result{}, err
	}
	if stream.Total() > d.caps.FileDownloadMaxBytes {
		_ = stream.Close()
		return result{}, fmt.Errorf("file exceeds download limit (%d > %d bytes)", stream.Total(), d.caps.FileDownloadMaxBytes)
	}
	etag, err := chunkio.ComputeETag(path)
	if err != nil {
		_ = stream.Close()
		return result{}, err
	}

	encoding := "base64"
	var enc *zstd.Encoder
	if p.Compress {
		encoding = "zstd+base64"
		if enc, err = zstdEncoder(); err != nil {
			_ = stream.Close()
			return result{}, fmt.Errorf("zstd encoder: %w", err)
		}
	}
	offset := stream.Start()
	chunks := 0
	for chunk, err := range stream.All() {
		if err != nil {
			return result{}, err
		}
		data := chunk
		if enc != nil {
			data = enc.EncodeAll(chunk, nil)
		}
		frame, err := json.Marshal(DownloadChunk{
			Offset:   offset,
			Length:   len(chunk),
			Encoding: encoding,
			Data:     base64.StdEncoding.EncodeToString(data),
		})
		if err != nil {
			return result{}, err
		}
		req.progress(string(frame))
		offset += int64(len(chunk))
		chunks++
	}

	summary, err := json.Marshal(DownloadSummary{
		Path:   path,
		Size:   stream.FileSize(),
		Bytes:  stream.Total(),
		Chunks: chunks,
		ETag:   etag,
	})
	if err != nil {
		return result{}, err
	}
	return result{logs: string(summary)}, nil
}
