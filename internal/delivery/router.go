package delivery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/bucketcast/internal/models"
	"github.com/charlesng35/bucketcast/internal/realtime"
	"github.com/charlesng35/bucketcast/pkg/logger"
	"github.com/charlesng35/bucketcast/pkg/metrics"
)

const (
	defaultMaxAttempts    = 5
	defaultEnqueueTimeout = 5 * time.Second
)

// EventPublisher receives live events for created notifications.
type EventPublisher interface {
	Publish(ctx context.Context, p realtime.Publication) (realtime.Event, error)
}

// Outcome reports what one dispatch did. Err is the per-device failure
// recorded on the notification; it never aborts a fan-out.
type Outcome struct {
	Notification *models.Notification
	Created      bool
	Sent         bool
	Err          error
}

// Router owns the per (message, device) delivery state machine.
type Router struct {
	db          *gorm.DB
	transports  map[models.Transport]Transport
	pacers      map[models.Transport]*rate.Limiter
	events      EventPublisher
	dispatcher  *Dispatcher
	enqueueWait time.Duration
	backoff     Backoff
	maxAttempts int
	now         func() time.Time
	tracer      trace.Tracer
	log         *zap.Logger
}

type RouterOption func(*Router)

// WithTransport registers t under its Name.
func WithTransport(t Transport) RouterOption {
	return func(r *Router) {
		if t != nil {
			r.transports[t.Name()] = t
		}
	}
}

// WithPacing caps sends per second on one transport.
func WithPacing(transport models.Transport, perSecond float64, burst int) RouterOption {
	return func(r *Router) {
		if perSecond > 0 {
			r.pacers[transport] = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
		}
	}
}

func WithEvents(p EventPublisher) RouterOption {
	return func(r *Router) { r.events = p }
}

// WithDispatcher makes Fanout enqueue device sends instead of running them
// inline.
func WithDispatcher(d *Dispatcher) RouterOption {
	return func(r *Router) { r.dispatcher = d }
}

// WithEnqueueTimeout bounds how long Fanout waits on a full dispatch queue
// before leaving the row to the sweeper.
func WithEnqueueTimeout(d time.Duration) RouterOption {
	return func(r *Router) {
		if d > 0 {
			r.enqueueWait = d
		}
	}
}

func WithBackoff(b Backoff) RouterOption {
	return func(r *Router) {
		if b != nil {
			r.backoff = b
		}
	}
}

func WithMaxAttempts(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

func WithClock(now func() time.Time) RouterOption {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRouter(db *gorm.DB, opts ...RouterOption) (*Router, error) {
	if db == nil {
		return nil, errors.New("delivery router: db is required")
	}
	r := &Router{
		db:          db,
		transports:  map[models.Transport]Transport{models.TransportLocal: LocalTransport{}},
		pacers:      map[models.Transport]*rate.Limiter{},
		backoff:     ExpoJitter{Base: 30 * time.Second, Max: time.Hour, Jitter: 0.2},
		maxAttempts: defaultMaxAttempts,
		enqueueWait: defaultEnqueueTimeout,
		now:         time.Now,
		tracer:      otel.Tracer("delivery.router"),
		log:         logger.WithModule("delivery"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// MaxAttempts is the number of sends after which a failure is final.
func (r *Router) MaxAttempts() int { return r.maxAttempts }

// TransportFor selects how msg reaches device. A nil device means the
// recipient has no registered devices.
func (r *Router) TransportFor(msg *models.Message, device *models.UserDevice) models.Transport {
	if device == nil || msg.DeliveryType == models.DeliveryNoPush {
		return models.TransportLocal
	}
	var candidates []models.Transport
	switch device.Platform {
	case models.PlatformWeb:
		candidates = []models.Transport{models.TransportWebPush}
	case models.PlatformIOS, models.PlatformAndroid:
		candidates = []models.Transport{models.TransportPassthrough, models.TransportPush}
	}
	for _, name := range candidates {
		if _, ok := r.transports[name]; ok {
			return name
		}
	}
	return models.TransportLocal
}

// FanoutResult summarises a fan-out. Deferred counts rows left PENDING
// because the dispatcher refused the job; the sweeper resends them.
type FanoutResult struct {
	Recipients    int
	Notifications int
	Queued        int
	Deferred      int
}

// Fanout creates notifications for every recipient of msg. Recipients with
// devices get one row per device; the rest get a single inbox row. Every row
// exists before any send is queued, so a send lost with the dispatcher is
// recoverable from its PENDING row. Device sends go through the dispatcher
// when one is configured, so per-device order follows call order.
func (r *Router) Fanout(ctx context.Context, msg *models.Message, recipients []string, devices []models.UserDevice) (FanoutResult, error) {
	ctx, span := r.tracer.Start(ctx, "delivery.fanout", trace.WithAttributes(
		attribute.String("message.id", msg.ID),
		attribute.Int("recipients", len(recipients)),
	))
	defer span.End()

	byUser := make(map[string][]models.UserDevice, len(recipients))
	for _, d := range devices {
		byUser[d.UserID] = append(byUser[d.UserID], d)
	}
	users := append([]string(nil), recipients...)
	sort.Strings(users)
	// Queued jobs read their own copy; msg itself is stamped below.
	snapshot := *msg

	result := FanoutResult{Recipients: len(users)}
	for _, userID := range users {
		userDevices := byUser[userID]
		if len(userDevices) == 0 {
			if _, err := r.Inbox(ctx, &snapshot, userID); err != nil {
				span.RecordError(err)
				return result, err
			}
			result.Notifications++
			continue
		}
		for i := range userDevices {
			device := userDevices[i]
			n, created, err := r.ensure(ctx, &snapshot, userID, &device, r.TransportFor(&snapshot, &device))
			if err != nil {
				span.RecordError(err)
				return result, err
			}
			result.Notifications++
			if created {
				r.publishCreated(ctx, &snapshot, n)
			}
			if n.DeliveryState != models.StatePending {
				continue
			}
			if r.dispatcher == nil {
				if _, err := r.send(ctx, n, &snapshot, &device); err != nil {
					span.RecordError(err)
					return result, err
				}
				continue
			}
			enqueueCtx, cancel := context.WithTimeout(ctx, r.enqueueWait)
			err = r.dispatcher.Enqueue(enqueueCtx, device.ID, func(jobCtx context.Context) {
				if _, err := r.Dispatch(jobCtx, &snapshot, &device); err != nil {
					r.log.Error("dispatch failed",
						zap.String("message_id", msg.ID),
						zap.String("device_id", device.ID),
						zap.Error(err))
				}
			})
			cancel()
			if err != nil {
				r.log.Warn("dispatch deferred to sweeper",
					zap.String("message_id", msg.ID),
					zap.String("notification_id", n.ID),
					zap.Error(err))
				result.Deferred++
				continue
			}
			result.Queued++
		}
	}

	now := r.now().UTC()
	if err := r.db.WithContext(context.WithoutCancel(ctx)).Model(&models.Message{}).
		Where("id = ?", msg.ID).Update("fanned_out_at", now).Error; err != nil {
		return result, fmt.Errorf("delivery: stamp fan-out: %w", err)
	}
	msg.FannedOutAt = &now
	return result, nil
}

// Inbox records a device-less notification for userID.
func (r *Router) Inbox(ctx context.Context, msg *models.Message, userID string) (Outcome, error) {
	n, created, err := r.ensure(ctx, msg, userID, nil, models.TransportLocal)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Notification: n, Created: created}
	if created {
		r.publishCreated(ctx, msg, n)
	}
	if n.DeliveryState == models.StatePending {
		if err := r.record(ctx, n, nil, nil); err != nil {
			return out, err
		}
	}
	return out, nil
}

// Dispatch delivers msg to device. The notification row is created on the
// first call; repeated calls for the same target do not resend once the row
// has left PENDING.
func (r *Router) Dispatch(ctx context.Context, msg *models.Message, device *models.UserDevice) (Outcome, error) {
	transport := r.TransportFor(msg, device)
	n, created, err := r.ensure(ctx, msg, device.UserID, device, transport)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Notification: n, Created: created}
	if created {
		r.publishCreated(ctx, msg, n)
	}
	if n.DeliveryState != models.StatePending {
		return out, nil
	}
	out.Sent = true
	out.Err, err = r.send(ctx, n, msg, device)
	return out, err
}

// Retry sends a FAILED notification again.
func (r *Router) Retry(ctx context.Context, n *models.Notification) (Outcome, error) {
	if n.DeliveryState != models.StateFailed {
		return Outcome{Notification: n}, nil
	}
	return r.resend(ctx, n)
}

// Resume sends a notification that was created but never sent, for example
// because its dispatch job was lost.
func (r *Router) Resume(ctx context.Context, n *models.Notification) (Outcome, error) {
	if n.DeliveryState != models.StatePending {
		return Outcome{Notification: n}, nil
	}
	return r.resend(ctx, n)
}

func (r *Router) resend(ctx context.Context, n *models.Notification) (Outcome, error) {
	out := Outcome{Notification: n}
	var msg models.Message
	if err := r.db.WithContext(ctx).Take(&msg, "id = ?", n.MessageID).Error; err != nil {
		return out, fmt.Errorf("delivery: load message: %w", err)
	}

	var device *models.UserDevice
	if n.UserDeviceID != nil {
		var d models.UserDevice
		err := r.db.WithContext(ctx).Take(&d, "id = ?", *n.UserDeviceID).Error
		switch {
		case err == nil:
			device = &d
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return out, fmt.Errorf("delivery: load device: %w", err)
		}
	}
	if device == nil && n.Transport != models.TransportLocal {
		out.Err = fmt.Errorf("%w: device unregistered", ErrUndeliverable)
		return out, r.record(ctx, n, nil, out.Err)
	}

	out.Sent = true
	var err error
	out.Err, err = r.send(ctx, n, &msg, device)
	return out, err
}

// Forward sends a payload received from a relay client straight to a device
// that is not registered locally. Only direct transports are used so a
// relayed push never loops back through another relay.
func (r *Router) Forward(ctx context.Context, device *models.UserDevice, payload Payload) (models.Transport, error) {
	var name models.Transport
	switch device.Platform {
	case models.PlatformWeb:
		name = models.TransportWebPush
	case models.PlatformIOS, models.PlatformAndroid:
		name = models.TransportPush
	}
	transport, ok := r.transports[name]
	if !ok {
		return name, fmt.Errorf("%w: %s", ErrNoTransport, name)
	}

	ctx, span := r.tracer.Start(ctx, "delivery.forward", trace.WithAttributes(
		attribute.String("transport", string(name)),
		attribute.String("platform", string(device.Platform)),
	))
	defer span.End()

	if pacer := r.pacers[name]; pacer != nil {
		if err := pacer.Wait(ctx); err != nil {
			return name, err
		}
	}
	start := time.Now()
	err := transport.Send(ctx, device, payload)
	metrics.DeliveryLatency.WithLabelValues(string(name)).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "forward failed")
	}
	return name, err
}

// send runs the transport and records the result. failure is the delivery
// error stored on the row; err is a storage error.
func (r *Router) send(ctx context.Context, n *models.Notification, msg *models.Message, device *models.UserDevice) (failure, err error) {
	transport, ok := r.transports[n.Transport]
	if !ok {
		failure = fmt.Errorf("%w: %s", ErrNoTransport, n.Transport)
		return failure, r.record(ctx, n, device, failure)
	}

	ctx, span := r.tracer.Start(ctx, "delivery.send", trace.WithAttributes(
		attribute.String("notification.id", n.ID),
		attribute.String("transport", string(n.Transport)),
		attribute.Int("attempt", n.Attempts+1),
	))
	defer span.End()

	if pacer := r.pacers[n.Transport]; pacer != nil {
		if failure = pacer.Wait(ctx); failure != nil {
			return failure, r.record(context.WithoutCancel(ctx), n, device, failure)
		}
	}

	var arn string
	if device != nil {
		arn = device.SNSEndpointARN
	}
	var report map[string]any
	start := time.Now()
	if reporter, ok := transport.(Reporter); ok {
		report, failure = reporter.SendReport(ctx, device, PayloadFor(msg, n.ID))
	} else {
		failure = transport.Send(ctx, device, PayloadFor(msg, n.ID))
	}
	metrics.DeliveryLatency.WithLabelValues(string(n.Transport)).Observe(time.Since(start).Seconds())
	if failure != nil {
		span.RecordError(failure)
		span.SetStatus(codes.Error, "send failed")
	}

	if report != nil {
		key := strings.ToLower(string(n.Transport))
		if _, err := MergeResponse(context.WithoutCancel(ctx), r.db, msg.ID, key, n.ID, report); err != nil {
			r.log.Warn("transport report not stored", zap.String("notification_id", n.ID), zap.Error(err))
		}
	}

	if device != nil && device.SNSEndpointARN != arn && device.SNSEndpointARN != "" {
		if cacheErr := r.db.WithContext(ctx).Model(&models.UserDevice{}).Where("id = ?", device.ID).
			Update("sns_endpoint_arn", device.SNSEndpointARN).Error; cacheErr != nil {
			r.log.Warn("endpoint arn not cached", zap.String("device_id", device.ID), zap.Error(cacheErr))
		}
	}
	return failure, r.record(ctx, n, device, failure)
}

// record applies a send result to n.
func (r *Router) record(ctx context.Context, n *models.Notification, device *models.UserDevice, failure error) error {
	now := r.now().UTC()
	attempts := n.Attempts
	if n.Transport != models.TransportLocal || failure != nil {
		attempts++
	}
	updates := map[string]any{"attempts": attempts}

	switch {
	case failure == nil:
		updates["delivery_state"] = models.StateDispatched
		updates["dispatched_at"] = now
		updates["next_attempt_at"] = nil
		updates["last_error"] = ""
	case errors.Is(failure, ErrTokenInvalid), errors.Is(failure, ErrUndeliverable),
		errors.Is(failure, ErrNoTransport), attempts >= r.maxAttempts:
		updates["delivery_state"] = models.StateFailed
		updates["next_attempt_at"] = nil
		updates["last_error"] = failure.Error()
	default:
		next := now.Add(r.backoff.Next(attempts - 1))
		updates["delivery_state"] = models.StateFailed
		updates["next_attempt_at"] = next
		updates["last_error"] = failure.Error()
	}

	res := r.db.WithContext(ctx).Model(&models.Notification{}).
		Where("id = ? AND delivery_state <> ?", n.ID, models.StateAcknowledged).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("delivery: record outcome: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		applyUpdates(n, updates)
	}
	metrics.DeliveryAttempts.WithLabelValues(string(n.Transport), string(n.DeliveryState)).Inc()

	if failure == nil {
		if device != nil {
			_ = r.db.WithContext(ctx).Model(&models.UserDevice{}).Where("id = ?", device.ID).
				Update("last_used_at", now).Error
		}
		return nil
	}

	r.log.Warn("delivery failed",
		zap.String("notification_id", n.ID),
		zap.String("transport", string(n.Transport)),
		zap.Int("attempts", attempts),
		zap.Error(failure))

	if errors.Is(failure, ErrTokenInvalid) && device != nil {
		if err := r.db.WithContext(ctx).Delete(&models.UserDevice{}, "id = ?", device.ID).Error; err != nil {
			return fmt.Errorf("delivery: unregister device: %w", err)
		}
		r.log.Info("unregistered invalid device", zap.String("device_id", device.ID), zap.String("user_id", device.UserID))
	}
	return nil
}

func applyUpdates(n *models.Notification, updates map[string]any) {
	n.Attempts = updates["attempts"].(int)
	n.DeliveryState = updates["delivery_state"].(models.DeliveryState)
	n.LastError = updates["last_error"].(string)
	n.NextAttemptAt = nil
	if next, ok := updates["next_attempt_at"].(time.Time); ok {
		n.NextAttemptAt = &next
	}
	if at, ok := updates["dispatched_at"].(time.Time); ok {
		n.DispatchedAt = &at
	}
}

// ensure inserts the notification for the target or loads the existing row.
func (r *Router) ensure(ctx context.Context, msg *models.Message, userID string, device *models.UserDevice, transport models.Transport) (*models.Notification, bool, error) {
	n := &models.Notification{
		MessageID:     msg.ID,
		UserID:        userID,
		DeliveryState: models.StatePending,
		Transport:     transport,
		Sequence:      msg.Sequence,
	}
	if device != nil {
		id := device.ID
		n.UserDeviceID = &id
	}

	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(n)
	if res.Error != nil {
		return nil, false, fmt.Errorf("delivery: upsert notification: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return n, true, nil
	}

	var existing models.Notification
	err := r.db.WithContext(ctx).
		Where(&models.Notification{MessageID: msg.ID, UserID: userID, DeviceKey: n.DeviceKey}).
		Take(&existing).Error
	if err != nil {
		return nil, false, fmt.Errorf("delivery: load notification: %w", err)
	}
	return &existing, false, nil
}

func (r *Router) publishCreated(ctx context.Context, msg *models.Message, n *models.Notification) {
	if r.events == nil {
		return
	}
	view := *n
	view.Message = msg
	if _, err := r.events.Publish(ctx, realtime.Publication{
		Type:     realtime.NotificationCreated,
		BucketID: msg.BucketID,
		Data:     &view,
		UserIDs:  []string{n.UserID},
	}); err != nil {
		r.log.Warn("notification event not published", zap.String("notification_id", n.ID), zap.Error(err))
	}
}
