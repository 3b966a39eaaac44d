package janitor

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/chunkrelay/internal/session"
	"github.com/jaywantadh/chunkrelay/internal/storage"
)

// Sessions is the part of the session registry the janitor needs.
type Sessions interface {
	List() ([]session.Location, error)
	Remove(loc session.Location) error
}

// Stater reports the derived state of a session.
type Stater interface {
	Stat(loc session.Location) (storage.Stats, error)
}

// Janitor removes drained sessions and sessions that have been idle longer
// than the TTL. The relay itself never deletes a session directory.
type Janitor struct {
	sessions Sessions
	store    Stater
	ttl      time.Duration
	interval time.Duration
	log      logrus.FieldLogger
	now      func() time.Time
}

func New(sessions Sessions, store Stater, ttl, interval time.Duration, log logrus.FieldLogger) *Janitor {
	return &Janitor{
		sessions: sessions,
		store:    store,
		ttl:      ttl,
		interval: interval,
		log:      log,
		now:      time.Now,
	}
}

// Run sweeps every interval until ctx is done. A zero TTL disables the
// janitor and Run returns immediately.
func (j *Janitor) Run(ctx context.Context) error {
	if j.ttl <= 0 || j.interval <= 0 {
		j.log.Info("session janitor disabled")
		return nil
	}
	j.log.WithFields(logrus.Fields{
		"ttl":      j.ttl.String(),
		"interval": j.interval.String(),
	}).Info("🧹 session janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := j.Sweep(); err != nil {
				j.log.WithError(err).Warn("session sweep failed")
			}
		}
	}
}

// Sweep runs one pass and returns how many sessions were removed.
func (j *Janitor) Sweep() (int, error) {
	locs, err := j.sessions.List()
	if err != nil {
		return 0, err
	}

	cutoff := j.now().Add(-j.ttl).Unix()
	removed := 0
	for _, loc := range locs {
		st, err := j.store.Stat(loc)
		if err != nil {
			// raced with another removal
			if !errors.Is(err, storage.ErrNotFound) {
				j.log.WithError(err).WithField("session_id", loc.ID).Warn("failed to stat session")
			}
			continue
		}

		var why string
		switch {
		case st.State == session.StateDrained:
			why = "drained"
		case st.LastModified < cutoff:
			why = "expired"
		default:
			continue
		}

		if err := j.sessions.Remove(loc); err != nil {
			j.log.WithError(err).WithField("session_id", loc.ID).Warn("failed to remove session")
			continue
		}
		removed++
		j.log.WithFields(logrus.Fields{
			"session_id": loc.ID,
			"state":      st.State.String(),
			"why":        why,
		}).Info("🗑️ session removed")
	}
	return removed, nil
}
