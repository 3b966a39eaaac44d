package transfer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/chunkrelay/internal/chunker"
	"github.com/jaywantadh/chunkrelay/internal/retry"
)

// Sender pushes a file through the relay chunk by chunk, probing ready
// before every upload and backing off while the relay is full.
type Sender struct {
	client    *Client
	chunkSize int64
	policy    retry.Policy
	log       logrus.FieldLogger

	// OnSession, if set, is called with the new session id before the
	// first chunk is uploaded so it can be handed to the receiver.
	OnSession func(sessionID string)
}

func NewSender(client *Client, chunkSize int64, policy retry.Policy, log logrus.FieldLogger) *Sender {
	if policy.OnRetry == nil {
		policy.OnRetry = func(attempt int, err error) {
			log.WithField("attempt", attempt).WithError(err).Info("⏳ relay busy or unreachable, retrying")
		}
	}
	return &Sender{
		client:    client,
		chunkSize: chunkSize,
		policy:    policy,
		log:       log,
	}
}

// Send creates a session and uploads filePath into it.
func (s *Sender) Send(ctx context.Context, filePath string) (string, error) {
	if _, err := os.Stat(filePath); err != nil {
		return "", fmt.Errorf("failed to stat file: %w", err)
	}
	var sessionID string
	err := s.policy.Do(ctx, func(ctx context.Context) error {
		id, err := s.client.CreateSession(ctx)
		sessionID = id
		return Transient(ctx, err)
	})
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	s.log.WithField("session_id", sessionID).Info("🚀 session created")
	if s.OnSession != nil {
		s.OnSession(sessionID)
	}
	return sessionID, s.SendTo(ctx, sessionID, filePath)
}

// SendTo uploads filePath into an existing session.
func (s *Sender) SendTo(ctx context.Context, sessionID, filePath string) error {
	info, err := os.Stat(filePath)
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}
	fileName := filepath.Base(filePath)
	progress := NewTransferProgress(sessionID, fileName, chunker.Count(info.Size(), s.chunkSize), info.Size(), s.log)

	err = chunker.Split(filePath, s.chunkSize, func(c chunker.Chunk) error {
		if err := s.policy.Do(ctx, func(ctx context.Context) error {
			return Transient(ctx, s.ready(ctx, sessionID))
		}); err != nil {
			return fmt.Errorf("chunk %d: waiting for capacity: %w", c.Index, err)
		}
		if err := s.policy.Do(ctx, func(ctx context.Context) error {
			return Transient(ctx, s.client.UploadChunk(ctx, sessionID, c.Index, c.Total, fileName, c.Data))
		}); err != nil {
			return fmt.Errorf("chunk %d: upload failed: %w", c.Index, err)
		}
		progress.ChunkDone(len(c.Data))
		return nil
	})
	if err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"file":       fileName,
		"chunks":     progress.TotalChunks,
	}).Info("✅ upload complete")
	return nil
}

// ready turns a capacity rejection into an error so the retry policy can
// wait it out.
func (s *Sender) ready(ctx context.Context, sessionID string) error {
	ok, reason, err := s.client.Ready(ctx, sessionID)
	if err != nil {
		return err
	}
	if !ok {
		return &RelayError{Code: reason}
	}
	return nil
}
