package ratelimit

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/charlesng35/bucketcast/pkg/logger"
	"github.com/charlesng35/bucketcast/pkg/metrics"
)

// Rule is a fixed-window quota. A zero Limit disables limiting.
type Rule struct {
	Limit  int
	Window time.Duration
}

func (r Rule) enabled() bool {
	return r.Limit > 0 && r.Window > 0
}

// Config holds the default rule and per-endpoint overrides.
type Config struct {
	Enabled   bool
	Default   Rule
	Endpoints map[string]Rule
}

// Decision is the outcome of one admission attempt.
type Decision struct {
	Allowed           bool
	Limit             int
	Remaining         int
	RetryAfterSeconds int
	ResetAt           time.Time
}

type Option func(*Limiter)

// WithClock overrides the time source used to compute ResetAt.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// Limiter performs fixed-window admission control keyed by (principal, endpoint).
// Windows reset lazily: nothing runs in the background, the next Admit after
// expiry simply opens a new window.
type Limiter struct {
	store Store
	cfg   Config
	now   func() time.Time
	log   *zap.Logger
}

func NewLimiter(store Store, cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		store: store,
		cfg:   cfg,
		now:   time.Now,
		log:   logger.WithModule("ratelimit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Rule returns the rule applied to endpoint.
func (l *Limiter) Rule(endpoint string) Rule {
	if l == nil {
		return Rule{}
	}
	if rule, ok := l.cfg.Endpoints[endpoint]; ok {
		return rule
	}
	return l.cfg.Default
}

// Admit counts one attempt by principal against endpoint. Store failures
// admit the request and are returned alongside the decision so the caller
// can log them; the limiter never blocks traffic on its own outage.
func (l *Limiter) Admit(ctx context.Context, principal, endpoint string) (Decision, error) {
	if l == nil || !l.cfg.Enabled || l.store == nil {
		return Decision{Allowed: true}, nil
	}
	rule := l.Rule(endpoint)
	if !rule.enabled() {
		return Decision{Allowed: true}, nil
	}
	if strings.TrimSpace(principal) == "" {
		return Decision{}, errors.New("ratelimit: principal is required")
	}

	now := l.now()
	count, ttl, err := l.store.Increment(ctx, endpoint+":"+principal, rule.Window)
	if err != nil {
		metrics.RateLimitDecisions.WithLabelValues(endpoint, "error").Inc()
		l.log.Warn("rate limit store unavailable, admitting request",
			zap.String("endpoint", endpoint), zap.Error(err))
		return Decision{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit}, err
	}
	if ttl <= 0 || ttl > rule.Window {
		ttl = rule.Window
	}

	decision := Decision{
		Allowed:   count <= int64(rule.Limit),
		Limit:     rule.Limit,
		Remaining: max(0, rule.Limit-int(count)),
		ResetAt:   now.Add(ttl),
	}
	if !decision.Allowed {
		decision.RetryAfterSeconds = RetryAfter(ttl)
		metrics.RateLimitDecisions.WithLabelValues(endpoint, "rejected").Inc()
		return decision, nil
	}
	metrics.RateLimitDecisions.WithLabelValues(endpoint, "allowed").Inc()
	return decision, nil
}

// RetryAfter converts the time left in a window to whole seconds, rounding
// up and never returning less than one.
func RetryAfter(left time.Duration) int {
	secs := int(math.Ceil(left.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
