/**
 * @description
 * Cron scheduler driving the payout sweeper.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/quattrex/settlement-service/internal/payout"
	"github.com/robfig/cron/v3"
)

// Sweeper runs one pass over persisted payout state.
type Sweeper interface {
	Tick(ctx context.Context, now time.Time) payout.SweepReport
}

// Jobs contains the scheduled task bodies.
type Jobs struct {
	sweeper Sweeper
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

func NewJobs(sweeper Sweeper, timeout time.Duration, logger *slog.Logger) *Jobs {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Jobs{sweeper: sweeper, timeout: timeout, logger: logger, now: time.Now}
}

// SweepPayouts runs one sweeper tick with a bounded context.
func (j *Jobs) SweepPayouts() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	report := j.sweeper.Tick(ctx, j.now().UTC())
	attrs := []any{
		"reclaimed", report.Reclaimed,
		"expired", report.Expired,
		"pushes_sent", report.PushesSent,
		"redistributed", report.Redistributed,
		"still_pooled", report.StillPooled,
		"item_failures", report.ItemFailures,
	}
	if len(report.PassErrors) > 0 {
		j.logger.Error("payout sweep finished with failed passes", append(attrs, "pass_errors", report.PassErrors)...)
		return
	}
	if report.Reclaimed+report.Expired+report.PushesSent+report.Redistributed+report.ItemFailures > 0 {
		j.logger.Info("payout sweep finished", attrs...)
		return
	}
	j.logger.Debug("payout sweep finished", attrs...)
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron     *cron.Cron
	jobs     *Jobs
	schedule string
	logger   *slog.Logger
}

// NewScheduler creates a scheduler; overlapping sweeps are skipped rather than queued.
func NewScheduler(jobs *Jobs, schedule string, logger *slog.Logger) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{cron: c, jobs: jobs, schedule: schedule, logger: logger}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.jobs.SweepPayouts); err != nil {
		s.logger.Error("failed to schedule payout sweep job", "error", err)
		return err
	}
	s.logger.Info("scheduled payout sweep job", "schedule", s.schedule)
	s.cron.Start()
	return nil
}

// Stop stops the scheduler; the returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
