package transfer

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// TransferProgress tracks one driver's progress through a session.
type TransferProgress struct {
	SessionID   string
	FileName    string
	TotalChunks int
	TotalBytes  int64 // zero when unknown, as on the receiving side

	mu        sync.RWMutex
	chunks    int
	bytes     int64
	startTime time.Time
	log       logrus.FieldLogger
}

// ProgressSnapshot is a consistent copy of the counters.
type ProgressSnapshot struct {
	Chunks        int
	Bytes         int64
	Speed         float64 // bytes per second
	EstimatedTime time.Duration
}

// NewTransferProgress starts tracking; log may be nil.
func NewTransferProgress(sessionID, fileName string, totalChunks int, totalBytes int64, log logrus.FieldLogger) *TransferProgress {
	return &TransferProgress{
		SessionID:   sessionID,
		FileName:    fileName,
		TotalChunks: totalChunks,
		TotalBytes:  totalBytes,
		startTime:   time.Now(),
		log:         log,
	}
}

// ChunkDone records a finished chunk of n bytes and logs a progress line.
func (p *TransferProgress) ChunkDone(n int) {
	p.mu.Lock()
	p.chunks++
	p.bytes += int64(n)
	p.mu.Unlock()

	if p.log == nil {
		return
	}
	snap := p.Snapshot()
	fields := logrus.Fields{
		"session_id": p.SessionID,
		"chunk":      snap.Chunks,
		"of":         p.TotalChunks,
		"bytes":      humanize.IBytes(uint64(snap.Bytes)),
	}
	if snap.Speed > 0 {
		fields["speed"] = humanize.IBytes(uint64(snap.Speed)) + "/s"
	}
	if snap.EstimatedTime > 0 {
		fields["eta"] = snap.EstimatedTime.Round(time.Second).String()
	}
	p.log.WithFields(fields).Info("📦 chunk transferred")
}

func (p *TransferProgress) Snapshot() ProgressSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	snap := ProgressSnapshot{Chunks: p.chunks, Bytes: p.bytes}
	if elapsed := time.Since(p.startTime).Seconds(); elapsed > 0 {
		snap.Speed = float64(p.bytes) / elapsed
	}
	if snap.Speed > 0 {
		var remaining float64
		switch {
		case p.TotalBytes > p.bytes:
			remaining = float64(p.TotalBytes - p.bytes)
		case p.TotalBytes == 0 && p.chunks > 0 && p.TotalChunks > p.chunks:
			remaining = float64(p.bytes) / float64(p.chunks) * float64(p.TotalChunks-p.chunks)
		}
		snap.EstimatedTime = time.Duration(remaining / snap.Speed * float64(time.Second))
	}
	return snap
}
