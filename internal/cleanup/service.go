package cleanup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const DefaultSchedule = "@weekly"

// Service runs the Job on a cron schedule. Start and Stop are safe to call
// more than once.
type Service struct {
	Job      *Job
	Schedule string
	Log      *zap.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

func (s *Service) log() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}
	if err := s.Job.Recover(ctx); err != nil {
		return fmt.Errorf("recover cleanup: %w", err)
	}
	schedule := s.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(schedule, func() { s.runScheduled(ctx) }); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", schedule, err)
	}
	c.Start()
	s.cron = c
	s.log().Info("cleanup scheduled", zap.String("schedule", schedule))
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}

// Running reports whether the schedule is active.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cron != nil
}

// NextRun returns when the scheduled job fires next.
func (s *Service) NextRun() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return time.Time{}, false
	}
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}, false
	}
	return entries[0].Next, true
}

func (s *Service) RunNow(ctx context.Context) (Report, error) {
	return s.Job.Run(ctx)
}

func (s *Service) runScheduled(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	report, err := s.Job.Run(ctx)
	if err != nil {
		s.log().Error("scheduled cleanup failed", zap.Error(err))
		return
	}
	s.log().Info("scheduled cleanup done", zap.Int("deleted", report.DeletedFileCount), zap.Int("users", len(report.AffectedUsernames)))
}
