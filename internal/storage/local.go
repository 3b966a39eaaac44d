package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/chunkrelay/config"
	"github.com/jaywantadh/chunkrelay/internal/compressor"
	"github.com/jaywantadh/chunkrelay/internal/metadata"
	"github.com/jaywantadh/chunkrelay/internal/session"
)

const (
	rawExt        = ".chunk"
	lz4Ext        = ".chunk.lz4"
	tmpPrefix     = ".tmp-"
	drainedMarker = "drained"
)

// LocalStorage implements the Storage interface on the local filesystem.
// Each session is a directory holding meta.json and one file per chunk
// index; there is no other state.
type LocalStorage struct {
	cfg       config.AppConfig
	log       logrus.FieldLogger
	freeSpace func(path string) (int64, error)
}

type Option func(*LocalStorage)

// WithFreeSpaceFunc replaces the filesystem free-space lookup.
func WithFreeSpaceFunc(fn func(path string) (int64, error)) Option {
	return func(s *LocalStorage) {
		s.freeSpace = fn
	}
}

// NewLocalStorage creates a LocalStorage enforcing the limits in cfg.
func NewLocalStorage(cfg config.AppConfig, log logrus.FieldLogger, opts ...Option) *LocalStorage {
	s := &LocalStorage{
		cfg:       cfg,
		log:       log,
		freeSpace: FreeBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func chunkBase(index int) string {
	return fmt.Sprintf("%08d", index)
}

func (s *LocalStorage) rawPath(loc session.Location, index int) string {
	return filepath.Join(loc.Dir, chunkBase(index)+rawExt)
}

func (s *LocalStorage) lz4Path(loc session.Location, index int) string {
	return filepath.Join(loc.Dir, chunkBase(index)+lz4Ext)
}

// CheckAdmission asks whether a full chunk would still fit the session
// quota and whether the filesystem keeps its free-space floor.
func (s *LocalStorage) CheckAdmission(loc session.Location) (Admission, error) {
	return s.admit(loc, s.cfg.ChunkSize)
}

func (s *LocalStorage) admit(loc session.Location, incoming int64) (Admission, error) {
	sc, err := scan(loc.Dir)
	if err != nil {
		return Admission{}, err
	}
	free, err := s.freeSpace(loc.Dir)
	if err != nil {
		return Admission{}, fmt.Errorf("failed to read free space: %w", err)
	}

	a := Admission{Used: sc.used, Free: free}
	switch {
	case sc.used+incoming > s.cfg.SessionQuota:
		a.Reason = ReasonQuotaExceeded
	case free < s.cfg.MinFreeSpace:
		a.Reason = ReasonDiskLow
	default:
		a.OK = true
	}
	return a, nil
}

// WriteChunk persists w.Data at the path for w.Index, replacing any earlier
// write of the same index. Index 0 also creates the session metadata.
func (s *LocalStorage) WriteChunk(loc session.Location, w ChunkWrite) error {
	if w.Index < 0 || w.TotalChunks < 1 {
		return ErrInvalidChunk
	}
	if w.Index >= w.TotalChunks {
		return ErrIndexOutOfRange
	}
	if int64(len(w.Data)) > s.cfg.ChunkSize {
		return ErrChunkTooLarge
	}
	if s.isDrained(loc) {
		return ErrDrained
	}

	meta, err := metadata.Read(loc.Dir)
	haveMeta := err == nil
	switch {
	case haveMeta:
		if meta.TotalChunks != w.TotalChunks {
			return ErrTotalMismatch
		}
	case errors.Is(err, metadata.ErrNotFound):
	default:
		return err
	}

	compress := s.cfg.CompressChunks && !compressor.ShouldSkipCompression(w.FileName)
	payload := w.Data
	if compress {
		if payload, err = compressor.CompressChunk(w.Data); err != nil {
			return err
		}
	}

	if s.cfg.EnforceQuotaOnUpload {
		a, err := s.admit(loc, int64(len(payload))-s.storedSize(loc, w.Index))
		if err != nil {
			return err
		}
		if !a.OK {
			return &AdmissionError{Admission: a}
		}
	}

	// Index 0 publishes the metadata before its bytes land, so a writer
	// that loses the race on a different total never touches the chunk.
	if w.Index == 0 && !haveMeta {
		err := metadata.Create(loc.Dir, metadata.NewFileMetadata(w.FileName, w.TotalChunks, s.cfg.ChunkSize, compress))
		switch {
		case err == nil:
		case errors.Is(err, metadata.ErrExists):
			if meta, err = metadata.Read(loc.Dir); err != nil {
				return err
			}
			if meta.TotalChunks != w.TotalChunks {
				return ErrTotalMismatch
			}
		default:
			return s.gone(loc, err)
		}
	}

	target, stale := s.rawPath(loc, w.Index), s.lz4Path(loc, w.Index)
	if compress {
		target, stale = stale, target
	}
	if err := writeAtomic(loc.Dir, target, payload); err != nil {
		return s.gone(loc, err)
	}
	if err := os.Remove(stale); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale chunk: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"session_id": loc.ID,
		"index":      w.Index,
		"bytes":      len(payload),
	}).Debug("chunk stored")
	return nil
}

// OpenChunk returns the chunk bytes for index. Compressed chunks are
// decoded in memory so the returned length is the original size.
func (s *LocalStorage) OpenChunk(loc session.Location, index int) (io.ReadCloser, int64, error) {
	if index < 0 {
		return nil, 0, ErrNotFound
	}

	f, err := os.Open(s.rawPath(loc, index))
	if err == nil {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, 0, fmt.Errorf("failed to stat chunk: %w", err)
		}
		return f, info.Size(), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, 0, fmt.Errorf("failed to open chunk file: %w", err)
	}

	packed, err := os.ReadFile(s.lz4Path(loc, index))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("failed to open chunk file: %w", err)
	}
	data, err := compressor.DecompressData(packed)
	if err != nil {
		return nil, 0, err
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

// DeleteChunk removes the chunk at index. Confirming the last index with no
// chunks left behind marks the session drained.
func (s *LocalStorage) DeleteChunk(loc session.Location, index int) error {
	if index < 0 {
		return ErrNotFound
	}

	err := os.Remove(s.rawPath(loc, index))
	if errors.Is(err, os.ErrNotExist) {
		err = os.Remove(s.lz4Path(loc, index))
	}
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s.gone(loc, ErrNotFound)
		}
		return fmt.Errorf("failed to delete chunk: %w", err)
	}

	meta, err := metadata.Read(loc.Dir)
	if err != nil || index != meta.TotalChunks-1 {
		return nil
	}
	sc, err := scan(loc.Dir)
	if err != nil {
		return err
	}
	if sc.chunks == 0 {
		if err := os.WriteFile(filepath.Join(loc.Dir, drainedMarker), nil, 0o600); err != nil {
			return fmt.Errorf("failed to mark session drained: %w", err)
		}
		s.log.WithField("session_id", loc.ID).Info("✅ session drained")
	}
	return nil
}

func (s *LocalStorage) ReadMetadata(loc session.Location) (metadata.FileMetadata, error) {
	meta, err := metadata.Read(loc.Dir)
	if errors.Is(err, metadata.ErrNotFound) {
		return meta, s.gone(loc, ErrNotFound)
	}
	return meta, err
}

// Stat derives the session state from its directory contents: a drained
// marker wins, then metadata, else the session is freshly created.
func (s *LocalStorage) Stat(loc session.Location) (Stats, error) {
	sc, err := scan(loc.Dir)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{
		State:        session.StateCreated,
		UsedBytes:    sc.used,
		Chunks:       sc.chunks,
		LastModified: sc.newest,
	}
	switch {
	case sc.drained:
		st.State = session.StateDrained
	case sc.meta:
		st.State = session.StateTransferring
	}
	return st, nil
}

// gone returns ErrSessionGone when the session directory no longer exists,
// otherwise err.
func (s *LocalStorage) gone(loc session.Location, err error) error {
	if _, statErr := os.Stat(loc.Dir); errors.Is(statErr, os.ErrNotExist) {
		return ErrSessionGone
	}
	return err
}

func (s *LocalStorage) isDrained(loc session.Location) bool {
	_, err := os.Stat(filepath.Join(loc.Dir, drainedMarker))
	return err == nil
}

// storedSize is the on-disk size of whatever currently occupies index.
func (s *LocalStorage) storedSize(loc session.Location, index int) int64 {
	for _, p := range []string{s.rawPath(loc, index), s.lz4Path(loc, index)} {
		if info, err := os.Stat(p); err == nil {
			return info.Size()
		}
	}
	return 0
}

type scanResult struct {
	used    int64
	chunks  int
	newest  int64
	meta    bool
	drained bool
}

func scan(dir string) (scanResult, error) {
	var sc scanResult
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return sc, ErrSessionGone
		}
		return sc, fmt.Errorf("failed to stat session dir: %w", err)
	}
	sc.newest = info.ModTime().Unix()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return sc, fmt.Errorf("failed to list session dir: %w", err)
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		if mt := fi.ModTime().Unix(); mt > sc.newest {
			sc.newest = mt
		}
		name := e.Name()
		switch {
		case name == metadata.FileName:
			sc.meta = true
		case name == drainedMarker:
			sc.drained = true
		case strings.HasSuffix(name, rawExt), strings.HasSuffix(name, lz4Ext):
			sc.chunks++
			sc.used += fi.Size()
		}
	}
	return sc, nil
}

// writeAtomic writes data to a temp file in dir and renames it onto target
// so readers never see a partial chunk.
func writeAtomic(dir, target string, data []byte) error {
	tmp := filepath.Join(dir, tmpPrefix+uuid.NewString())
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write chunk to file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move chunk into place: %w", err)
	}
	return nil
}
