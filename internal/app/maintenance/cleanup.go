package maintenance

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/bucketcast/internal/delivery"
	"github.com/charlesng35/bucketcast/internal/monitoring"
	"github.com/charlesng35/bucketcast/internal/relay"
	"github.com/charlesng35/bucketcast/pkg/logger"
)

const (
	JobDeliverySweep    = "delivery_sweep"
	JobQuotaReset       = "relay_quota_reset"
	JobCachePurge       = "cache_purge"
	JobEphemeralCleanup = "ephemeral_cleanup"
)

// Task is one unit of maintenance work. It returns the number of rows it touched.
type Task func(ctx context.Context) (int64, error)

// Job binds a task to its cron schedule.
type Job struct {
	Name     string
	Schedule string
	Run      Task
}

// Cleaner coordinates background maintenance such as retrying failed
// deliveries, resetting relay quotas and purging expired rows.
type Cleaner struct {
	jobs    []Job
	tracker *monitoring.JobTracker
	cron    *cron.Cron
	now     func() time.Time
	log     *zap.Logger
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithNow overrides the clock used to time job runs.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithTracker records every run in tracker.
func WithTracker(tracker *monitoring.JobTracker) Option {
	return func(cleaner *Cleaner) {
		cleaner.tracker = tracker
	}
}

// WithJob adds a job. Jobs with an empty schedule or nil task are skipped.
func WithJob(name, schedule string, run Task) Option {
	return func(cleaner *Cleaner) {
		schedule = strings.TrimSpace(schedule)
		if schedule == "" || run == nil {
			return
		}
		cleaner.jobs = append(cleaner.jobs, Job{Name: name, Schedule: schedule, Run: run})
	}
}

// NewCleaner constructs a Cleaner from the supplied jobs.
func NewCleaner(opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		now: time.Now,
		log: logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return cleaner
}

// Jobs returns the registered jobs.
func (c *Cleaner) Jobs() []Job {
	return append([]Job(nil), c.jobs...)
}

// Start registers jobs with the cron scheduler and launches it if at least one job exists.
func (c *Cleaner) Start() error {
	if len(c.jobs) == 0 {
		return nil
	}

	for _, job := range c.jobs {
		job := job
		if _, err := c.cron.AddFunc(job.Schedule, func() {
			_ = c.run(context.Background(), job)
		}); err != nil {
			return err
		}
	}

	c.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes every job sequentially and returns the combined errors.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error
	for _, job := range c.jobs {
		errs = multierr.Append(errs, c.run(ctx, job))
	}
	return errs
}

func (c *Cleaner) run(ctx context.Context, job Job) error {
	started := c.now()
	affected, err := job.Run(ctx)
	elapsed := c.now().Sub(started)
	c.tracker.Record(job.Name, err, elapsed)

	if err != nil {
		c.log.Warn("maintenance job failed", zap.String("job", job.Name), zap.Error(err))
		return err
	}
	if affected > 0 {
		c.log.Debug("maintenance job finished",
			zap.String("job", job.Name),
			zap.Int64("affected", affected),
			zap.Duration("duration", elapsed),
		)
	}
	return nil
}

// SweepTask retries due deliveries, resumes stranded ones and releases
// messages still waiting for fan-out.
func SweepTask(sweeper *delivery.Sweeper) Task {
	if sweeper == nil {
		return nil
	}
	return func(ctx context.Context) (int64, error) {
		res, err := sweeper.RunOnce(ctx)
		return int64(res.Released + res.Retried + res.Resumed), err
	}
}

// QuotaResetTask restores relay token quotas whose window has rolled over.
func QuotaResetTask(db *gorm.DB, now func() time.Time) Task {
	if db == nil {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) (int64, error) {
		return relay.ResetWindows(ctx, db, now())
	}
}

// Purger removes expired cache entries.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// CachePurgeTask drops expired rate limit and quota counters.
func CachePurgeTask(p Purger) Task {
	if p == nil {
		return nil
	}
	return p.PurgeExpired
}

// EphemeralCleaner deletes ephemeral messages once every recipient has read them.
type EphemeralCleaner interface {
	CleanupEphemeral(ctx context.Context) (int64, error)
}

// EphemeralCleanupTask removes fully read ephemeral messages.
func EphemeralCleanupTask(cleaner EphemeralCleaner) Task {
	if cleaner == nil {
		return nil
	}
	return cleaner.CleanupEphemeral
}

// ErrUnknownJob is returned by RunJob when the name is unknown.
var ErrUnknownJob = errors.New("maintenance: job not registered")

// RunJob executes a single registered job by name.
func (c *Cleaner) RunJob(ctx context.Context, name string) error {
	for _, job := range c.jobs {
		if job.Name == name {
			return c.run(ctx, job)
		}
	}
	return ErrUnknownJob
}
