package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileName is the metadata record inside a session directory.
const FileName = "meta.json"

var (
	ErrNotFound = errors.New("metadata not found")
	ErrExists   = errors.New("metadata already exists")
)

// FileMetadata describes the file being relayed through a session. It is
// written once, alongside chunk 0, and never changed.
type FileMetadata struct {
	FileName    string `json:"file_name"`
	TotalChunks int    `json:"total_chunks"`
	ChunkSize   int64  `json:"chunk_size"`
	Compressed  bool   `json:"compressed,omitempty"`
	CreatedAt   int64  `json:"created_at"` // Unix timestamp
}

func NewFileMetadata(fileName string, totalChunks int, chunkSize int64, compressed bool) FileMetadata {
	return FileMetadata{
		FileName:    fileName,
		TotalChunks: totalChunks,
		ChunkSize:   chunkSize,
		Compressed:  compressed,
		CreatedAt:   time.Now().Unix(),
	}
}

// Create writes meta into dir. The record is written to a temp file and
// then hard-linked into place, so readers see either nothing or the whole
// record. It fails with ErrExists if a record is already there, so
// concurrent first writers cannot both win.
func Create(dir string, meta FileMetadata) error {
	val, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".meta-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create metadata: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(val); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	if err := os.Link(tmp.Name(), filepath.Join(dir, FileName)); err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrExists
		}
		return fmt.Errorf("failed to publish metadata: %w", err)
	}
	return nil
}

// Read loads the record from dir.
func Read(dir string) (FileMetadata, error) {
	var meta FileMetadata
	val, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return meta, ErrNotFound
		}
		return meta, fmt.Errorf("failed to read metadata: %w", err)
	}
	if err := json.Unmarshal(val, &meta); err != nil {
		return meta, fmt.Errorf("corrupt metadata: %w", err)
	}
	return meta, nil
}
