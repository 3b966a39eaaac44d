package storage

import (
	"errors"
	"fmt"
	"io"

	"github.com/jaywantadh/chunkrelay/internal/metadata"
	"github.com/jaywantadh/chunkrelay/internal/session"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidChunk    = errors.New("invalid chunk index or total")
	ErrIndexOutOfRange = errors.New("chunk index out of range")
	ErrTotalMismatch   = errors.New("total chunks does not match session metadata")
	ErrChunkTooLarge   = errors.New("chunk exceeds configured chunk size")
	ErrDrained         = errors.New("session already drained")

	// ErrSessionGone means the session directory was removed, typically by
	// the janitor, while a request was using it. It matches ErrNotFound.
	ErrSessionGone = fmt.Errorf("session directory removed: %w", ErrNotFound)
)

// Reason is the machine readable cause of a rejected admission.
type Reason string

const (
	ReasonQuotaExceeded Reason = "tmp_full"
	ReasonDiskLow       Reason = "disk_full"
)

// Admission is the outcome of a point-in-time capacity check. It is
// advisory; nothing is reserved.
type Admission struct {
	OK     bool
	Reason Reason
	Used   int64
	Free   int64
}

// AdmissionError is returned by writes that fail admission.
type AdmissionError struct {
	Admission Admission
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("chunk rejected: %s (used %d bytes, free %d bytes)", e.Admission.Reason, e.Admission.Used, e.Admission.Free)
}

// ChunkWrite is one uploaded chunk together with the file description the
// sender attaches to every upload.
type ChunkWrite struct {
	Index       int
	TotalChunks int
	FileName    string
	Data        []byte
}

// Stats summarises a session directory.
type Stats struct {
	State        session.State
	UsedBytes    int64
	Chunks       int
	LastModified int64 // Unix timestamp of the newest entry
}

// Storage defines chunk storage for relay sessions.
type Storage interface {
	// CheckAdmission reports whether one more chunk may be accepted.
	CheckAdmission(loc session.Location) (Admission, error)
	// WriteChunk stores a chunk, creating metadata with index 0.
	WriteChunk(loc session.Location, w ChunkWrite) error
	// OpenChunk returns a reader over the chunk bytes and their length.
	OpenChunk(loc session.Location, index int) (io.ReadCloser, int64, error)
	// DeleteChunk removes a chunk; a missing chunk is ErrNotFound.
	DeleteChunk(loc session.Location, index int) error
	// ReadMetadata returns the session's file description.
	ReadMetadata(loc session.Location) (metadata.FileMetadata, error)
	// Stat derives state and usage from the session directory.
	Stat(loc session.Location) (Stats, error)
}
