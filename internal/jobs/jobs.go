// Package jobs schedules the periodic billing maintenance tasks.
package jobs

import (
	"context"
	"fmt"
	"time"

	"llmready/internal/logging"
	"llmready/internal/metrics"
	"llmready/internal/services"

	"github.com/robfig/cron/v3"
)

const (
	QuotaResetJob = "quota_reset"
	StripeSyncJob = "stripe_sync"
)

type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// UsageMaintainer is the part of services.Service the jobs drive.
type UsageMaintainer interface {
	ResetMonthlyUsage(ctx context.Context) (int64, error)
	SyncStripeSubscriptions(ctx context.Context) (services.SyncResult, error)
}

// QuotaReset zeroes generation counters, by default on the 1st of each month.
func QuotaReset(svc UsageMaintainer, schedule string) Job {
	return Job{
		Name:     QuotaResetJob,
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			n, err := svc.ResetMonthlyUsage(ctx)
			if err != nil {
				return err
			}
			logging.FromContext(ctx).Info().Int64("subscriptions", n).Msg("Monthly generation usage reset")
			return nil
		},
	}
}

// StripeSync backfills subscription state that missed webhooks left behind.
func StripeSync(svc UsageMaintainer, schedule string) Job {
	return Job{
		Name:     StripeSyncJob,
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			res, err := svc.SyncStripeSubscriptions(ctx)
			if err != nil {
				return err
			}
			logging.FromContext(ctx).Info().
				Int("checked", res.Checked).
				Int("updated", res.Updated).
				Int("failed", res.Failed).
				Msg("Stripe subscription sync finished")
			if res.Failed > 0 {
				return fmt.Errorf("%d of %d subscriptions failed to sync", res.Failed, res.Checked)
			}
			return nil
		},
	}
}

type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler registers jobs on a UTC cron. Jobs with an empty schedule
// are skipped.
func NewScheduler(jobs ...Job) (*Scheduler, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:   cron.New(cron.WithLocation(time.UTC)),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, job := range jobs {
		if job.Schedule == "" {
			continue
		}
		if _, err := s.cron.AddFunc(job.Schedule, func() { _ = Run(s.ctx, job) }); err != nil {
			cancel()
			return nil, fmt.Errorf("schedule %s %q: %w", job.Name, job.Schedule, err)
		}
		logging.FromContext(ctx).Info().Str("job", job.Name).Str("schedule", job.Schedule).Msg("Job scheduled")
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Run executes job once, recording its outcome.
func Run(ctx context.Context, job Job) error {
	ctx, _ = logging.WithRequestID(ctx, "")
	logger := logging.FromContext(ctx).With().Str("job", job.Name).Logger()
	start := time.Now()

	err := job.Run(ctx)
	elapsed := time.Since(start)
	if err != nil {
		metrics.JobRuns.WithLabelValues(job.Name, "error").Inc()
		logger.Error().Err(err).Dur("elapsed", elapsed).Msg("Job failed")
		return err
	}
	metrics.JobRuns.WithLabelValues(job.Name, "success").Inc()
	logger.Info().Dur("elapsed", elapsed).Msg("Job completed")
	return nil
}
