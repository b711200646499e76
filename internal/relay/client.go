package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/charlesng35/bucketcast/internal/cache"
	"github.com/charlesng35/bucketcast/pkg/crypto"
	"github.com/charlesng35/bucketcast/pkg/logger"
	"github.com/charlesng35/bucketcast/pkg/metrics"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultQuotaWindow = 30 * 24 * time.Hour
	maxErrorBody       = 4 << 10
)

// Client forwards push payloads to a passthrough relay server. Usage reported
// by the server is cached per token so an exhausted or rejected token fails
// without touching the network.
type Client struct {
	http        *http.Client
	store       cache.Store
	timeout     time.Duration
	quotaWindow time.Duration
	now         func() time.Time
	tracer      trace.Tracer
	log         *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout bounds each relay call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithQuotaWindow sets how long a usage snapshot lives when the server sends
// no reset time.
func WithQuotaWindow(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.quotaWindow = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

func NewClient(store cache.Store, opts ...Option) *Client {
	c := &Client{
		http:        &http.Client{},
		store:       store,
		timeout:     defaultTimeout,
		quotaWindow: defaultQuotaWindow,
		now:         time.Now,
		tracer:      otel.Tracer("relay.client"),
		log:         logger.WithModule("relay"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Relay posts payload to targetURL authenticated with token.
func (c *Client) Relay(ctx context.Context, payload Payload, targetURL, token string) (Result, error) {
	ctx, span := c.tracer.Start(ctx, "relay.call", trace.WithAttributes(
		attribute.String("relay.platform", payload.Platform),
		attribute.String("relay.url", targetURL),
	))
	defer span.End()

	result, err := c.relay(ctx, payload, targetURL, token)
	metrics.RelayCalls.WithLabelValues(string(result.Outcome)).Inc()
	span.SetAttributes(attribute.String("relay.outcome", string(result.Outcome)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(result.Outcome))
		result.Error = err.Error()
	}
	return result, err
}

func (c *Client) relay(ctx context.Context, payload Payload, targetURL, token string) (Result, error) {
	if token == "" {
		return Result{Outcome: OutcomeUnauthorized}, fmt.Errorf("%w: no token configured", ErrRelayTokenRejected)
	}
	fp := crypto.Fingerprint(token)

	if c.rejected(ctx, fp) {
		return Result{Outcome: OutcomeUnauthorized}, ErrRelayTokenRejected
	}

	release, usage, err := c.reserve(ctx, fp)
	if err != nil {
		return Result{Outcome: OutcomeQuotaExhausted, Usage: usage}, err
	}
	defer release()

	body, err := json.Marshal(payload)
	if err != nil {
		return Result{Outcome: OutcomeRemoteError}, fmt.Errorf("relay: encode payload: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		return Result{Outcome: OutcomeUnreachable}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("relay unreachable", zap.String("url", targetURL), zap.Error(err))
		return Result{Outcome: OutcomeUnreachable}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	result := Result{StatusCode: resp.StatusCode}
	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	if remote, ok := ParseUsageHeaders(resp.Header); ok {
		result.Usage = &remote
		c.storeUsage(ctx, fp, remote)
	} else if usage != nil {
		result.Usage = c.countLocally(ctx, fp, *usage, success)
	}

	switch {
	case success:
		result.Success = true
		result.Outcome = OutcomeOK
		return result, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.markRejected(ctx, fp)
		result.Outcome = OutcomeUnauthorized
		c.log.Warn("relay token rejected", zap.String("token", fp), zap.Int("status", resp.StatusCode))
		return result, ErrRelayTokenRejected
	case resp.StatusCode == http.StatusTooManyRequests:
		if result.Usage == nil {
			exhausted := Usage{MaxCalls: 1, TotalCalls: 1}
			if usage != nil {
				exhausted = *usage
				exhausted.TotalCalls = max(exhausted.TotalCalls, exhausted.MaxCalls)
			}
			exhausted.Remaining = 0
			result.Usage = &exhausted
			c.storeUsage(ctx, fp, exhausted)
		}
		result.Outcome = OutcomeQuotaExhausted
		return result, ErrQuotaExhausted
	case resp.StatusCode == http.StatusGone:
		result.TokenInvalid = true
		result.Outcome = OutcomeRemoteError
		return result, fmt.Errorf("%w: device token no longer valid", ErrRemote)
	default:
		result.Outcome = OutcomeRemoteError
		return result, fmt.Errorf("%w: status %d: %s", ErrRemote, resp.StatusCode, bytes.TrimSpace(raw))
	}
}

// Forget drops cached state for token so a replaced or re-enabled token is
// tried again.
func (c *Client) Forget(ctx context.Context, token string) error {
	fp := crypto.Fingerprint(token)
	return c.store.Delete(ctx, rejectedKey(fp), usageKey(fp), inflightKey(fp), localKey(fp), localFailedKey(fp))
}

// Usage returns the cached usage for token, including calls counted locally
// since the server last reported.
func (c *Client) Usage(ctx context.Context, token string) (Usage, bool) {
	u, ok := c.current(ctx, crypto.Fingerprint(token))
	if !ok {
		return Usage{}, false
	}
	return *u, true
}

// reserve takes one unit of the cached quota. Calls in flight are counted
// separately from the last reported usage until the server accounts for
// them. Store failures fail open.
func (c *Client) reserve(ctx context.Context, fp string) (func(), *Usage, error) {
	usage, ok := c.current(ctx, fp)
	if !ok || usage.MaxCalls <= 0 {
		return func() {}, usage, nil
	}
	if usage.Exhausted() {
		return nil, usage, ErrQuotaExhausted
	}

	inflight, _, err := c.store.IncrementWithTTL(ctx, inflightKey(fp), c.windowFor(*usage))
	if err != nil {
		c.log.Warn("relay quota reservation failed", zap.String("token", fp), zap.Error(err))
		return func() {}, usage, nil
	}
	release := func() {
		if _, err := c.store.Decrement(context.WithoutCancel(ctx), inflightKey(fp)); err != nil {
			c.log.Warn("relay quota release failed", zap.String("token", fp), zap.Error(err))
		}
	}
	if usage.TotalCalls+inflight > usage.MaxCalls {
		release()
		return nil, usage, ErrQuotaExhausted
	}
	return release, usage, nil
}

func (c *Client) snapshot(ctx context.Context, fp string) (*Usage, bool) {
	raw, ok, err := c.store.Get(ctx, usageKey(fp))
	if err != nil || !ok {
		return nil, false
	}
	var u Usage
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, false
	}
	return &u, true
}

// current is the last reported snapshot advanced by the calls counted
// locally since then.
func (c *Client) current(ctx context.Context, fp string) (*Usage, bool) {
	usage, ok := c.snapshot(ctx, fp)
	if !ok {
		return nil, false
	}
	calls := c.counter(ctx, localKey(fp))
	usage.TotalCalls += calls
	if usage.Remaining >= 0 {
		usage.Remaining = max(usage.Remaining-calls, 0)
	}
	usage.FailedCalls += c.counter(ctx, localFailedKey(fp))
	return usage, true
}

// countLocally records a call whose response carried no usage headers so
// the cached quota still runs down.
func (c *Client) countLocally(ctx context.Context, fp string, usage Usage, success bool) *Usage {
	key := localFailedKey(fp)
	if success {
		key = localKey(fp)
	}
	if _, _, err := c.store.IncrementWithTTL(ctx, key, c.windowFor(usage)); err != nil {
		c.log.Warn("relay local usage not counted", zap.String("token", fp), zap.Error(err))
		return &usage
	}
	if updated, ok := c.current(ctx, fp); ok {
		return updated
	}
	return &usage
}

func (c *Client) counter(ctx context.Context, key string) int64 {
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil || !ok {
		return 0
	}
	n, _ := strconv.ParseInt(string(raw), 10, 64)
	return n
}

// storeUsage replaces the snapshot with what the server reported and drops
// the local counts it now includes.
func (c *Client) storeUsage(ctx context.Context, fp string, u Usage) {
	raw, err := json.Marshal(u)
	if err != nil {
		return
	}
	if err := c.store.Set(ctx, usageKey(fp), raw, c.windowFor(u)); err != nil {
		c.log.Warn("relay usage snapshot not stored", zap.String("token", fp), zap.Error(err))
		return
	}
	if err := c.store.Delete(ctx, localKey(fp), localFailedKey(fp)); err != nil {
		c.log.Warn("relay local usage not reset", zap.String("token", fp), zap.Error(err))
	}
}

func (c *Client) windowFor(u Usage) time.Duration {
	if u.ResetAt != nil {
		if d := u.ResetAt.Sub(c.now()); d > 0 {
			return d
		}
	}
	return c.quotaWindow
}

func (c *Client) rejected(ctx context.Context, fp string) bool {
	_, ok, err := c.store.Get(ctx, rejectedKey(fp))
	return err == nil && ok
}

func (c *Client) markRejected(ctx context.Context, fp string) {
	if err := c.store.Set(ctx, rejectedKey(fp), []byte("1"), 0); err != nil {
		c.log.Warn("relay rejection not cached", zap.String("token", fp), zap.Error(err))
	}
}

func rejectedKey(fp string) string    { return "relay:rejected:" + fp }
func usageKey(fp string) string       { return "relay:usage:" + fp }
func inflightKey(fp string) string    { return "relay:inflight:" + fp }
func localKey(fp string) string       { return "relay:local:" + fp }
func localFailedKey(fp string) string { return "relay:local-failed:" + fp }
