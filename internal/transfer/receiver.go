package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/chunkrelay/internal/chunker"
	"github.com/jaywantadh/chunkrelay/internal/retry"
)

// ErrSenderIdle means no progress was possible for longer than the idle
// timeout, which usually means the sender gave up mid-transfer.
var ErrSenderIdle = errors.New("no chunk arrived within the idle timeout")

// Receiver drains a session: it fetches every chunk in order, appends it to
// the output and confirms it so the relay deletes it.
type Receiver struct {
	client      *Client
	policy      retry.Policy
	idleTimeout time.Duration
	log         logrus.FieldLogger
}

// NewReceiver builds a receiver. idleTimeout bounds the wait for any single
// chunk (or the metadata); zero waits forever.
func NewReceiver(client *Client, policy retry.Policy, idleTimeout time.Duration, log logrus.FieldLogger) *Receiver {
	return &Receiver{
		client:      client,
		policy:      policy,
		idleTimeout: idleTimeout,
		log:         log,
	}
}

// Receive writes the relayed file into outDir and returns its path.
func (r *Receiver) Receive(ctx context.Context, sessionID, outDir string) (string, error) {
	var meta Meta
	err := r.wait(ctx, func(ctx context.Context) error {
		m, err := r.client.GetMeta(ctx, sessionID)
		if IsCode(err, CodeNotFound) {
			return retry.Retryable(err)
		}
		meta = m
		return Transient(ctx, err)
	})
	if err != nil {
		return "", fmt.Errorf("waiting for metadata: %w", err)
	}
	if meta.TotalChunks < 1 {
		return "", fmt.Errorf("relay reported %d chunks", meta.TotalChunks)
	}

	asm, err := chunker.NewAssembler(outDir, meta.FileName)
	if err != nil {
		return "", err
	}
	r.log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"file":       meta.FileName,
		"chunks":     meta.TotalChunks,
	}).Info("📥 receiving")
	progress := NewTransferProgress(sessionID, meta.FileName, meta.TotalChunks, 0, r.log)

	for index := 0; index < meta.TotalChunks; index++ {
		var data []byte
		err := r.wait(ctx, func(ctx context.Context) error {
			d, err := r.client.GetChunk(ctx, sessionID, index)
			if errors.Is(err, ErrChunkNotReady) {
				return retry.Retryable(err)
			}
			data = d
			return Transient(ctx, err)
		})
		if err == nil {
			err = asm.Append(data)
		}
		if err == nil {
			// Deletion is irreversible, so only confirm once the bytes are
			// in the output file.
			err = r.confirm(ctx, sessionID, index)
		}
		if err != nil {
			return "", r.fail(asm, index, err)
		}
		progress.ChunkDone(len(data))
	}

	if err := asm.Commit(); err != nil {
		return "", err
	}
	r.log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"path":       asm.Path(),
		"sha256":     asm.Sum(),
	}).Info("✅ download complete")
	return asm.Path(), nil
}

// confirm deletes the chunk on the relay, retrying transient failures. If
// an earlier attempt went through but its reply was lost, the retry sees
// not_found, which means the chunk is already gone.
func (r *Receiver) confirm(ctx context.Context, sessionID string, index int) error {
	attempted := false
	return r.wait(ctx, func(ctx context.Context) error {
		err := r.client.ConfirmChunk(ctx, sessionID, index)
		if attempted && IsCode(err, CodeNotFound) {
			return nil
		}
		attempted = true
		return Transient(ctx, err)
	})
}

// wait polls fn under the retry policy, bounded by the idle timeout.
func (r *Receiver) wait(ctx context.Context, fn func(ctx context.Context) error) error {
	waitCtx := ctx
	if r.idleTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, r.idleTimeout)
		defer cancel()
	}
	err := r.policy.Do(waitCtx, fn)
	if err != nil && errors.Is(waitCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w (%s)", ErrSenderIdle, r.idleTimeout)
	}
	return err
}

// fail handles an aborted download. Once any chunk has been confirmed the
// relay no longer has it, so the partial output is kept.
func (r *Receiver) fail(asm *chunker.Assembler, index int, err error) error {
	if index == 0 {
		asm.Abort()
		return fmt.Errorf("chunk 0: %w", err)
	}
	partial := asm.Keep()
	r.log.WithField("partial", partial).Warn("⚠️ download interrupted, partial output kept")
	return fmt.Errorf("chunk %d: %w (partial output kept at %s)", index, err, partial)
}
