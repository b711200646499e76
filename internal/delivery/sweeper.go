package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/bucketcast/internal/models"
	"github.com/charlesng35/bucketcast/pkg/logger"
)

const (
	defaultSweepBatch = 200
	defaultStaleAfter = 2 * time.Minute
)

// Releaser fans out a message that is due but has not been fanned out.
type Releaser func(ctx context.Context, msg *models.Message) error

// SweepResult counts what one sweep did.
type SweepResult struct {
	Released int
	Retried  int
	Resumed  int
}

// Sweeper retries failed deliveries whose backoff has elapsed, resends rows
// stranded in PENDING and releases messages whose fan-out is due. A message
// or row only counts as stranded once it is older than the stale window, so
// fan-outs still in flight are left alone.
type Sweeper struct {
	db         *gorm.DB
	router     *Router
	release    Releaser
	batch      int
	staleAfter time.Duration
	now        func() time.Time
	log        *zap.Logger
}

type SweeperOption func(*Sweeper)

func WithReleaser(fn Releaser) SweeperOption {
	return func(s *Sweeper) { s.release = fn }
}

func WithBatchSize(n int) SweeperOption {
	return func(s *Sweeper) {
		if n > 0 {
			s.batch = n
		}
	}
}

// WithStaleAfter sets how long an unfinished fan-out or PENDING row is left
// alone before the sweeper takes it over.
func WithStaleAfter(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

func WithSweepClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

func NewSweeper(db *gorm.DB, router *Router, opts ...SweeperOption) (*Sweeper, error) {
	if db == nil || router == nil {
		return nil, errors.New("delivery sweeper: db and router are required")
	}
	s := &Sweeper{
		db:         db,
		router:     router,
		batch:      defaultSweepBatch,
		staleAfter: defaultStaleAfter,
		now:        time.Now,
		log:        logger.WithModule("sweeper"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RunOnce performs one sweep. Individual failures are collected and do not
// stop the sweep.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	var (
		result SweepResult
		errs   error
	)
	now := s.now().UTC()
	stale := now.Add(-s.staleAfter)

	if s.release != nil {
		var due []models.Message
		err := s.db.WithContext(ctx).
			Where("fanned_out_at IS NULL").
			Where("(scheduled_send_at IS NULL AND created_at <= ?) OR scheduled_send_at <= ?", stale, now).
			Order("sequence ASC").
			Limit(s.batch).
			Find(&due).Error
		if err != nil {
			return result, fmt.Errorf("sweeper: load unreleased messages: %w", err)
		}
		for i := range due {
			if err := s.release(ctx, &due[i]); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("release %s: %w", due[i].ID, err))
				continue
			}
			result.Released++
		}
	}

	var failed []models.Notification
	err := s.db.WithContext(ctx).
		Where("delivery_state = ? AND next_attempt_at IS NOT NULL AND next_attempt_at <= ? AND attempts < ?",
			models.StateFailed, now, s.router.MaxAttempts()).
		Order("next_attempt_at ASC").
		Limit(s.batch).
		Find(&failed).Error
	if err != nil {
		return result, multierr.Append(errs, fmt.Errorf("sweeper: load failed notifications: %w", err))
	}
	for i := range failed {
		out, err := s.router.Retry(ctx, &failed[i])
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("retry %s: %w", failed[i].ID, err))
			continue
		}
		if out.Sent {
			result.Retried++
		}
	}

	var pending []models.Notification
	err = s.db.WithContext(ctx).
		Where("delivery_state = ? AND created_at <= ?", models.StatePending, stale).
		Order("sequence ASC, created_at ASC").
		Limit(s.batch).
		Find(&pending).Error
	if err != nil {
		return result, multierr.Append(errs, fmt.Errorf("sweeper: load pending notifications: %w", err))
	}
	for i := range pending {
		out, err := s.router.Resume(ctx, &pending[i])
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("resume %s: %w", pending[i].ID, err))
			continue
		}
		if out.Sent {
			result.Resumed++
		}
	}

	if result.Released > 0 || result.Retried > 0 || result.Resumed > 0 {
		s.log.Info("sweep finished",
			zap.Int("released", result.Released),
			zap.Int("retried", result.Retried),
			zap.Int("resumed", result.Resumed))
	}
	return result, errs
}
