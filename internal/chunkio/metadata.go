package chunkio

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/zeebo/blake3"
)

// FileMetadata describes a file for download and browsing commands.
type FileMetadata struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	CreatedAt    time.Time `json:"created_at"`
	IsDir        bool      `json:"is_dir"`
}

// GetFileMetadata stats path. CreatedAt is the birth time where the
// platform exposes one, otherwise the modification time.
func GetFileMetadata(path string) (*FileMetadata, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return &FileMetadata{
		Path:         path,
		Size:         info.Size(),
		LastModified: info.ModTime().UTC(),
		CreatedAt:    birthTime(path, info).UTC(),
		IsDir:        info.IsDir(),
	}, nil
}

// etagBytes is how much of the BLAKE3 digest goes into an ETag.
const etagBytes = 16

// ComputeETag hashes the file content and returns it as a quoted strong
// ETag. Identical content always yields the same tag.
func ComputeETag(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	sum := h.Sum(nil)
	return `"` + hex.EncodeToString(sum[:etagBytes]) + `"`, nil
}
