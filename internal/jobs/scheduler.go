package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultReaperSchedule sweeps expired linking codes every ten minutes
const DefaultReaperSchedule = "@every 10m"

// Sweeper deletes expired linking codes
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// Pruner forgets idle per-client state such as rate limiters
type Pruner interface {
	Prune(idle time.Duration) int
}

// Scheduler manages background jobs
type Scheduler struct {
	cron     *cron.Cron
	sweeper  Sweeper
	schedule string
	pruners  []Pruner
	logger   *zap.Logger
}

// NewScheduler creates a new job scheduler
func NewScheduler(schedule string, sweeper Sweeper, logger *zap.Logger) *Scheduler {
	if schedule == "" {
		schedule = DefaultReaperSchedule
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cron:     cron.New(),
		sweeper:  sweeper,
		schedule: schedule,
		logger:   logger,
	}
}

// AddPruner registers state to be pruned hourly
func (s *Scheduler) AddPruner(p Pruner) {
	s.pruners = append(s.pruners, p)
}

// Start registers the jobs and starts the scheduler
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, func() {
		s.RunOnce(context.Background())
	}); err != nil {
		return fmt.Errorf("invalid reaper schedule %q: %w", s.schedule, err)
	}

	if len(s.pruners) > 0 {
		s.cron.AddFunc("@hourly", func() {
			for _, p := range s.pruners {
				if removed := p.Prune(time.Hour); removed > 0 {
					s.logger.Debug("pruned idle rate limiters", zap.Int("removed", removed))
				}
			}
		})
	}

	s.cron.Start()
	s.logger.Info("job scheduler started", zap.String("reaper_schedule", s.schedule))
	return nil
}

// Stop stops the scheduler and waits for running jobs
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("job scheduler stopped")
}

// RunOnce sweeps expired codes immediately
func (s *Scheduler) RunOnce(ctx context.Context) (int64, error) {
	removed, err := s.sweeper.Sweep(ctx)
	if err != nil {
		s.logger.Error("failed to sweep expired linking codes", zap.Error(err))
		return 0, err
	}
	if removed > 0 {
		s.logger.Info("swept expired linking codes", zap.Int64("removed", removed))
	}
	return removed, nil
}
