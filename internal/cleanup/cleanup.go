// Package cleanup periodically removes expired request workspaces.
package cleanup

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/example/style-transfer/internal/storage"
)

// Pruner is the subset of storage.Storage the scheduler needs.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

var _ Pruner = storage.Storage(nil)

// Scheduler runs Prune on a cron schedule.
type Scheduler struct {
	cron      *cron.Cron
	pruner    Pruner
	retention time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewScheduler registers the prune job; schedule accepts standard cron
// expressions and descriptors such as "@every 10m".
func NewScheduler(pruner Pruner, schedule string, retention time.Duration, logger *zap.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:      cron.New(),
		pruner:    pruner,
		retention: retention,
		logger:    logger.Named("cleanup"),
		now:       time.Now,
	}
	if _, err := s.cron.AddFunc(schedule, func() { s.RunOnce(context.Background()) }); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins running the schedule in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("workspace cleanup scheduled", zap.Duration("retention", s.retention))
}

// Stop halts the schedule and waits for a running prune to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// RunOnce prunes workspaces older than the retention period.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	cutoff := s.now().Add(-s.retention)
	removed, err := s.pruner.Prune(ctx, cutoff)
	if err != nil {
		s.logger.Error("workspace cleanup failed", zap.Error(err), zap.Int("removed", removed))
		return removed
	}
	if removed > 0 {
		s.logger.Info("removed expired workspaces", zap.Int("removed", removed), zap.Time("cutoff", cutoff))
	}
	return removed
}
