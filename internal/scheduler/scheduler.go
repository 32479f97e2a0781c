package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/sirupsen/logrus"

	"tableside/internal/config"
	"tableside/internal/logging"
	"tableside/internal/metrics"
)

// Result describes one sweep run.
type Result struct {
	Sweep    string        `json:"sweep"`
	Affected int64         `json:"affected"`
	Skipped  bool          `json:"skipped"`
	Took     time.Duration `json:"took"`
}

// Scheduler runs sweeps under a distributed lock, on demand or on their configured
// schedule.
type Scheduler struct {
	Sweeper Sweeper
	Locker  Locker
	Config  config.SchedulerConfig
	Metrics *metrics.Metrics
	Log     logrus.FieldLogger

	cron *gocron.Scheduler
}

func (s *Scheduler) log() logrus.FieldLogger {
	if s.Log != nil {
		return s.Log
	}
	return logging.Discard()
}

func (s *Scheduler) leaseTTL() time.Duration {
	if s.Config.LeaseTTL > 0 {
		return s.Config.LeaseTTL
	}
	return 10 * time.Minute
}

// Run executes one sweep. A run that cannot take the lock is skipped, not failed.
func (s *Scheduler) Run(ctx context.Context, name string) (Result, error) {
	res := Result{Sweep: name}
	if _, ok := s.Config.JobByName(name); !ok {
		return res, fmt.Errorf("%w: %s", ErrUnknownSweep, name)
	}
	l := s.log().WithField("sweep", name)
	if s.Locker != nil {
		token, err := s.Locker.Lock(ctx, name, s.leaseTTL())
		if errors.Is(err, ErrLockHeld) {
			res.Skipped = true
			s.Metrics.Sweep(name, 0, 0, true, nil)
			l.Info("sweep skipped, lock held elsewhere")
			return res, nil
		}
		if err != nil {
			s.Metrics.Sweep(name, 0, 0, false, err)
			return res, fmt.Errorf("lock %s: %w", name, err)
		}
		defer func() {
			if err := s.Locker.Unlock(context.WithoutCancel(ctx), name, token); err != nil {
				l.WithError(err).Warn("sweep unlock failed")
			}
		}()
	}
	start := time.Now()
	n, err := s.Sweeper.Run(ctx, name)
	res.Affected = n
	res.Took = time.Since(start)
	s.Metrics.Sweep(name, n, res.Took, false, err)
	l = l.WithFields(logrus.Fields{"affected": n, "took": res.Took})
	if err != nil {
		l.WithError(err).Error("sweep failed")
		return res, err
	}
	l.Info("sweep finished")
	return res, nil
}

// Start schedules every configured sweep. Runs of the same sweep never overlap
// within this process.
func (s *Scheduler) Start(ctx context.Context) error {
	loc := time.UTC
	if s.Config.Timezone != "" {
		var err error
		if loc, err = time.LoadLocation(s.Config.Timezone); err != nil {
			return fmt.Errorf("scheduler timezone: %w", err)
		}
	}
	cron := gocron.NewScheduler(loc)
	cron.SingletonModeAll()
	cron.WaitForScheduleAll()
	for _, name := range Names {
		job, _ := s.Config.JobByName(name)
		name := name
		run := func() {
			runCtx, cancel := context.WithTimeout(ctx, s.leaseTTL())
			defer cancel()
			_, _ = s.Run(runCtx, name)
		}
		var err error
		switch {
		case job.Cron != "":
			_, err = cron.Cron(job.Cron).Tag(name).Do(run)
		case job.Every > 0:
			_, err = cron.Every(job.Every).Tag(name).Do(run)
		default:
			s.log().WithField("sweep", name).Warn("sweep has no schedule")
			continue
		}
		if err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
	}
	cron.StartAsync()
	s.cron = cron
	return nil
}

// Stop halts scheduling and waits for running sweeps to return.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}
