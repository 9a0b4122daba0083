// Package sweeper deletes jobs nobody has touched for longer than a TTL,
// together with everything they own.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"voice-notes-go/internal/events"
	"voice-notes-go/internal/logger"
	"voice-notes-go/internal/store"
	"voice-notes-go/internal/types"
)

type Sweeper struct {
	jobs     store.Jobs
	tracker  *events.Tracker
	schedule string
	ttl      time.Duration
	runner   *cron.Cron
	now      func() time.Time
	log      *logrus.Entry
}

// New builds a sweeper. schedule is a robfig cron expression such as
// "@every 10m" or "0 */2 * * *". tracker may be nil.
func New(jobs store.Jobs, tracker *events.Tracker, schedule string, ttl time.Duration) *Sweeper {
	return &Sweeper{
		jobs:     jobs,
		tracker:  tracker,
		schedule: schedule,
		ttl:      ttl,
		runner:   cron.New(),
		now:      time.Now,
		log:      logger.New().WithField("component", "sweeper"),
	}
}

// Start schedules Sweep and stops the scheduler when ctx is done.
func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.runner.AddFunc(s.schedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.log.WithError(err).Warn("sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweeper schedule %q: %w", s.schedule, err)
	}
	s.runner.Start()
	s.log.WithFields(logrus.Fields{"schedule": s.schedule, "ttl": s.ttl.String()}).Info("sweeper started")

	go func() {
		<-ctx.Done()
		<-s.runner.Stop().Done()
		s.log.Info("sweeper stopped")
	}()
	return nil
}

// Sweep deletes every job last updated before now-ttl, unless a chunk
// upload for it was seen more recently. It returns how many were deleted.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.ttl)
	stale, err := s.jobs.StaleJobs(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale jobs: %w", err)
	}

	deleted := 0
	for _, j := range stale {
		uploads := 0
		if s.tracker != nil {
			if s.tracker.LastUpload(j.ID).After(cutoff) {
				s.log.WithFields(logrus.Fields{"job_id": j.ID, "uploads": s.tracker.Uploads(j.ID)}).Debug("job still receiving chunks, kept")
				continue
			}
			uploads = s.tracker.Uploads(j.ID)
		}
		if err := s.jobs.DeleteJob(ctx, j.ID); err != nil {
			if errors.Is(err, types.ErrJobNotFound) {
				continue
			}
			return deleted, fmt.Errorf("delete job %s: %w", j.ID, err)
		}
		if s.tracker != nil {
			s.tracker.Forget(j.ID)
		}
		deleted++
		s.log.WithFields(logrus.Fields{
			"job_id":     j.ID,
			"stage":      j.Stage,
			"updated_at": j.UpdatedAt.Format(time.RFC3339),
			"uploads":    uploads,
		}).Info("stale job deleted")
	}
	return deleted, nil
}
