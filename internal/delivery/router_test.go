package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/bucketcast/internal/database/testutil"
	"github.com/charlesng35/bucketcast/internal/models"
	"github.com/charlesng35/bucketcast/internal/realtime"
)

type fakeTransport struct {
	name models.Transport

	mu    sync.Mutex
	sent  []Payload
	errs  []error
	order []string
}

func (f *fakeTransport) Name() models.Transport { return f.name }

func (f *fakeTransport) Send(_ context.Context, device *models.UserDevice, p Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, p)
	f.order = append(f.order, device.ID+":"+p.MessageID)
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []realtime.Publication
}

func (p *recordingPublisher) Publish(_ context.Context, pub realtime.Publication) (realtime.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, pub)
	return realtime.Event{Seq: int64(len(p.events))}, nil
}

type fixture struct {
	db      *gorm.DB
	owner   models.User
	reader  models.User
	bucket  models.Bucket
	message models.Message
	clock   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.MustOpenTestDB(t, testutil.WithSeedData())
	f := &fixture{db: db, clock: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	f.owner = models.User{Username: "owner", Email: "owner@example.com", Role: models.RoleUser, IsActive: true}
	f.reader = models.User{Username: "reader", Email: "reader@example.com", Role: models.RoleUser, IsActive: true}
	require.NoError(t, db.Create(&f.owner).Error)
	require.NoError(t, db.Create(&f.reader).Error)

	f.bucket = models.Bucket{OwnerID: f.owner.ID, Name: "alerts", Visibility: models.VisibilityPrivate}
	require.NoError(t, db.Create(&f.bucket).Error)

	f.message = f.newMessage(t, 1, models.DeliveryNormal)
	return f
}

func (f *fixture) newMessage(t *testing.T, seq int64, kind models.DeliveryType) models.Message {
	t.Helper()
	msg := models.Message{BucketID: f.bucket.ID, SenderID: f.owner.ID, Title: "Disk", Body: "90% used", DeliveryType: kind, Sequence: seq}
	require.NoError(t, f.db.Create(&msg).Error)
	return msg
}

func (f *fixture) newDevice(t *testing.T, user models.User, platform models.DevicePlatform, token string) models.UserDevice {
	t.Helper()
	d := models.UserDevice{UserID: user.ID, Platform: platform, DeviceToken: token}
	if platform == models.PlatformWeb {
		d.DeviceToken = ""
		d.Endpoint, d.P256dh, d.Auth = "https://push.example/"+token, "p256", "auth"
	}
	require.NoError(t, f.db.Create(&d).Error)
	return d
}

func (f *fixture) now() time.Time { return f.clock }

func (f *fixture) router(t *testing.T, opts ...RouterOption) *Router {
	t.Helper()
	base := []RouterOption{WithClock(f.now), WithBackoff(ExpoJitter{Base: time.Minute, Max: time.Hour})}
	r, err := NewRouter(f.db, append(base, opts...)...)
	require.NoError(t, err)
	return r
}

func (f *fixture) notifications(t *testing.T) []models.Notification {
	t.Helper()
	var rows []models.Notification
	require.NoError(t, f.db.Order("user_id, device_key").Find(&rows).Error)
	return rows
}

func TestTransportFor(t *testing.T) {
	f := newFixture(t)
	push := &fakeTransport{name: models.TransportPush}
	web := &fakeTransport{name: models.TransportWebPush}
	relayT := &fakeTransport{name: models.TransportPassthrough}

	ios := &models.UserDevice{Platform: models.PlatformIOS}
	android := &models.UserDevice{Platform: models.PlatformAndroid}
	browser := &models.UserDevice{Platform: models.PlatformWeb}
	normal := &models.Message{DeliveryType: models.DeliveryNormal}
	noPush := &models.Message{DeliveryType: models.DeliveryNoPush}

	bare := f.router(t)
	require.Equal(t, models.TransportLocal, bare.TransportFor(normal, ios))
	require.Equal(t, models.TransportLocal, bare.TransportFor(normal, browser))

	direct := f.router(t, WithTransport(push), WithTransport(web))
	require.Equal(t, models.TransportPush, direct.TransportFor(normal, ios))
	require.Equal(t, models.TransportPush, direct.TransportFor(normal, android))
	require.Equal(t, models.TransportWebPush, direct.TransportFor(normal, browser))
	require.Equal(t, models.TransportLocal, direct.TransportFor(noPush, ios))
	require.Equal(t, models.TransportLocal, direct.TransportFor(normal, nil))

	relayed := f.router(t, WithTransport(push), WithTransport(relayT))
	require.Equal(t, models.TransportPassthrough, relayed.TransportFor(normal, ios))
}

func TestDispatchIsIdempotent(t *testing.T) {
	f := newFixture(t)
	push := &fakeTransport{name: models.TransportPush}
	events := &recordingPublisher{}
	r := f.router(t, WithTransport(push), WithEvents(events))
	device := f.newDevice(t, f.reader, models.PlatformIOS, "ios-token")
	ctx := context.Background()

	first, err := r.Dispatch(ctx, &f.message, &device)
	require.NoError(t, err)
	require.True(t, first.Created)
	require.True(t, first.Sent)
	require.NoError(t, first.Err)
	require.Equal(t, models.StateDispatched, first.Notification.DeliveryState)

	second, err := r.Dispatch(ctx, &f.message, &device)
	require.NoError(t, err)
	require.False(t, second.Created)
	require.False(t, second.Sent)
	require.Equal(t, first.Notification.ID, second.Notification.ID)

	require.Equal(t, 1, push.count())
	require.Len(t, f.notifications(t), 1)
	require.Len(t, events.events, 1)
	require.Equal(t, realtime.NotificationCreated, events.events[0].Type)
	require.Equal(t, []string{f.reader.ID}, events.events[0].UserIDs)
}

func TestDispatchFailureBacksOffAndRetries(t *testing.T) {
	f := newFixture(t)
	push := &fakeTransport{name: models.TransportPush, errs: []error{errors.New("sns throttled")}}
	r := f.router(t, WithTransport(push))
	device := f.newDevice(t, f.reader, models.PlatformAndroid, "fcm-token")
	ctx := context.Background()

	out, err := r.Dispatch(ctx, &f.message, &device)
	require.NoError(t, err)
	require.Error(t, out.Err)

	n := out.Notification
	require.Equal(t, models.StateFailed, n.DeliveryState)
	require.Equal(t, 1, n.Attempts)
	require.Contains(t, n.LastError, "throttled")
	require.NotNil(t, n.NextAttemptAt)
	require.Equal(t, f.clock.Add(time.Minute), *n.NextAttemptAt)

	retried, err := r.Retry(ctx, n)
	require.NoError(t, err)
	require.True(t, retried.Sent)
	require.NoError(t, retried.Err)

	var stored models.Notification
	require.NoError(t, f.db.First(&stored, "id = ?", n.ID).Error)
	require.Equal(t, models.StateDispatched, stored.DeliveryState)
	require.Equal(t, 2, stored.Attempts)
	require.Empty(t, stored.LastError)
	require.Nil(t, stored.NextAttemptAt)
	require.NotNil(t, stored.DispatchedAt)
}

func TestDispatchStopsAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("down")
	push := &fakeTransport{name: models.TransportPush, errs: []error{boom, boom}}
	r := f.router(t, WithTransport(push), WithMaxAttempts(2))
	device := f.newDevice(t, f.reader, models.PlatformAndroid, "fcm-token")
	ctx := context.Background()

	out, err := r.Dispatch(ctx, &f.message, &device)
	require.NoError(t, err)
	require.NotNil(t, out.Notification.NextAttemptAt)

	out, err = r.Retry(ctx, out.Notification)
	require.NoError(t, err)
	require.Equal(t, models.StateFailed, out.Notification.DeliveryState)
	require.Equal(t, 2, out.Notification.Attempts)
	require.Nil(t, out.Notification.NextAttemptAt)
}

func TestInvalidTokenUnregistersDevice(t *testing.T) {
	f := newFixture(t)
	web := &fakeTransport{name: models.TransportWebPush, errs: []error{ErrTokenInvalid}}
	r := f.router(t, WithTransport(web))
	device := f.newDevice(t, f.reader, models.PlatformWeb, "sub-1")

	out, err := r.Dispatch(context.Background(), &f.message, &device)
	require.NoError(t, err)
	require.ErrorIs(t, out.Err, ErrTokenInvalid)
	require.Equal(t, models.StateFailed, out.Notification.DeliveryState)
	require.Nil(t, out.Notification.NextAttemptAt)

	var count int64
	require.NoError(t, f.db.Model(&models.UserDevice{}).Where("id = ?", device.ID).Count(&count).Error)
	require.Zero(t, count)
}

func TestAcknowledgedRowIsNotOverwritten(t *testing.T) {
	f := newFixture(t)
	push := &fakeTransport{name: models.TransportPush, errs: []error{errors.New("late failure")}}
	r := f.router(t, WithTransport(push))
	device := f.newDevice(t, f.reader, models.PlatformIOS, "ios")
	ctx := context.Background()

	out, err := r.Dispatch(ctx, &f.message, &device)
	require.NoError(t, err)
	require.NoError(t, f.db.Model(&models.Notification{}).Where("id = ?", out.Notification.ID).
		Update("delivery_state", models.StateAcknowledged).Error)

	out.Notification.DeliveryState = models.StateFailed
	_, err = r.Retry(ctx, out.Notification)
	require.NoError(t, err)

	var stored models.Notification
	require.NoError(t, f.db.First(&stored, "id = ?", out.Notification.ID).Error)
	require.Equal(t, models.StateAcknowledged, stored.DeliveryState)
}

func TestFanoutCreatesDeviceAndInboxRows(t *testing.T) {
	f := newFixture(t)
	push := &fakeTransport{name: models.TransportPush}
	events := &recordingPublisher{}
	r := f.router(t, WithTransport(push), WithEvents(events))
	d1 := f.newDevice(t, f.reader, models.PlatformIOS, "ios-1")
	d2 := f.newDevice(t, f.reader, models.PlatformAndroid, "android-1")
	ctx := context.Background()

	recipients := []string{f.reader.ID, f.owner.ID}
	res, err := r.Fanout(ctx, &f.message, recipients, []models.UserDevice{d1, d2})
	require.NoError(t, err)
	require.Equal(t, FanoutResult{Recipients: 2, Notifications: 3}, res)
	require.NotNil(t, f.message.FannedOutAt)

	rows := f.notifications(t)
	require.Len(t, rows, 3)
	var inbox int
	for _, n := range rows {
		require.Equal(t, models.StateDispatched, n.DeliveryState)
		require.EqualValues(t, 1, n.Sequence)
		if n.UserDeviceID == nil {
			inbox++
			require.Equal(t, f.owner.ID, n.UserID)
			require.Equal(t, models.TransportLocal, n.Transport)
		}
	}
	require.Equal(t, 1, inbox)
	require.Equal(t, 2, push.count())
	require.Len(t, events.events, 3)

	// Fanning out again changes nothing.
	_, err = r.Fanout(ctx, &f.message, recipients, []models.UserDevice{d1, d2})
	require.NoError(t, err)
	require.Len(t, f.notifications(t), 3)
	require.Equal(t, 2, push.count())
	require.Len(t, events.events, 3)
}

func TestNoPushStaysLocal(t *testing.T) {
	f := newFixture(t)
	push := &fakeTransport{name: models.TransportPush}
	r := f.router(t, WithTransport(push))
	device := f.newDevice(t, f.reader, models.PlatformIOS, "ios")
	msg := f.newMessage(t, 2, models.DeliveryNoPush)

	out, err := r.Dispatch(context.Background(), &msg, &device)
	require.NoError(t, err)
	require.Equal(t, models.TransportLocal, out.Notification.Transport)
	require.Equal(t, models.StateDispatched, out.Notification.DeliveryState)
	require.Zero(t, push.count())
}

func TestFanoutThroughDispatcherKeepsDeviceOrder(t *testing.T) {
	f := newFixture(t)
	push := &fakeTransport{name: models.TransportPush}
	dispatcher := NewDispatcher(3, 16)
	dispatcher.Start(context.Background())
	r := f.router(t, WithTransport(push), WithDispatcher(dispatcher))

	d1 := f.newDevice(t, f.reader, models.PlatformIOS, "ios-1")
	d2 := f.newDevice(t, f.owner, models.PlatformIOS, "ios-2")
	ctx := context.Background()

	var ids []string
	for seq := int64(10); seq < 15; seq++ {
		msg := f.newMessage(t, seq, models.DeliveryNormal)
		ids = append(ids, msg.ID)
		res, err := r.Fanout(ctx, &msg, []string{f.owner.ID, f.reader.ID}, []models.UserDevice{d1, d2})
		require.NoError(t, err)
		require.Equal(t, 2, res.Queued)
	}
	dispatcher.Stop()

	perDevice := map[string][]string{}
	for _, entry := range push.order {
		device, message := entry[:36], entry[37:]
		perDevice[device] = append(perDevice[device], message)
	}
	require.Equal(t, ids, perDevice[d1.ID])
	require.Equal(t, ids, perDevice[d2.ID])

	require.ErrorIs(t, dispatcher.Enqueue(ctx, "x", func(context.Context) {}), ErrDispatcherStopped)
}

func TestSweeperRetriesAndReleases(t *testing.T) {
	f := newFixture(t)
	push := &fakeTransport{name: models.TransportPush, errs: []error{errors.New("flaky")}}
	r := f.router(t, WithTransport(push))
	device := f.newDevice(t, f.reader, models.PlatformIOS, "ios")
	ctx := context.Background()

	out, err := r.Dispatch(ctx, &f.message, &device)
	require.NoError(t, err)
	require.Error(t, out.Err)

	scheduledAt := f.clock.Add(30 * time.Second)
	scheduled := models.Message{BucketID: f.bucket.ID, SenderID: f.owner.ID, Title: "later", Sequence: 2, DeliveryType: models.DeliveryNormal, ScheduledSendAt: &scheduledAt}
	require.NoError(t, f.db.Create(&scheduled).Error)

	var released []string
	sweeper, err := NewSweeper(f.db, r, WithSweepClock(f.now), WithReleaser(func(ctx context.Context, msg *models.Message) error {
		released = append(released, msg.ID)
		_, err := r.Fanout(ctx, msg, []string{f.reader.ID}, []models.UserDevice{device})
		return err
	}))
	require.NoError(t, err)

	res, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, SweepResult{}, res, "nothing is due yet")

	f.clock = f.clock.Add(2 * time.Minute)
	res, err = sweeper.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, SweepResult{Released: 1, Retried: 1}, res)
	require.Equal(t, []string{scheduled.ID}, released)
	require.Equal(t, 3, push.count())

	res, err = sweeper.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, SweepResult{}, res)
}

func TestFanoutLeavesRecoverableRowsWhenQueueIsFull(t *testing.T) {
	f := newFixture(t)
	push := &fakeTransport{name: models.TransportPush}
	// Never started: one job fills the only queue.
	dispatcher := NewDispatcher(1, 1)
	r := f.router(t, WithTransport(push), WithDispatcher(dispatcher), WithEnqueueTimeout(20*time.Millisecond))
	d1 := f.newDevice(t, f.reader, models.PlatformIOS, "ios-1")
	d2 := f.newDevice(t, f.reader, models.PlatformAndroid, "android-1")
	ctx := context.Background()

	res, err := r.Fanout(ctx, &f.message, []string{f.reader.ID}, []models.UserDevice{d1, d2})
	require.NoError(t, err)
	require.Equal(t, FanoutResult{Recipients: 1, Notifications: 2, Queued: 1, Deferred: 1}, res)
	require.NotNil(t, f.message.FannedOutAt)

	rows := f.notifications(t)
	require.Len(t, rows, 2)
	for _, n := range rows {
		require.Equal(t, models.StatePending, n.DeliveryState)
	}
	require.Zero(t, push.count())

	later := time.Now().Add(time.Hour)
	sweeper, err := NewSweeper(f.db, r, WithSweepClock(func() time.Time { return later }))
	require.NoError(t, err)

	swept, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, SweepResult{Resumed: 2}, swept)
	require.Equal(t, 2, push.count())
	for _, n := range f.notifications(t) {
		require.Equal(t, models.StateDispatched, n.DeliveryState)
	}

	swept, err = sweeper.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, SweepResult{}, swept)
}

func TestFanoutWithCancelledContextIsReleasedLater(t *testing.T) {
	f := newFixture(t)
	r := f.router(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Fanout(ctx, &f.message, []string{f.owner.ID, f.reader.ID}, nil)
	require.Error(t, err)

	var stored models.Message
	require.NoError(t, f.db.Take(&stored, "id = ?", f.message.ID).Error)
	require.Nil(t, stored.FannedOutAt)

	clock := time.Now()
	var released []string
	sweeper, err := NewSweeper(f.db, r, WithSweepClock(func() time.Time { return clock }), WithReleaser(func(ctx context.Context, msg *models.Message) error {
		released = append(released, msg.ID)
		_, err := r.Fanout(ctx, msg, []string{f.owner.ID, f.reader.ID}, nil)
		return err
	}))
	require.NoError(t, err)

	res, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, SweepResult{}, res, "a fresh fan-out may still be running")

	clock = clock.Add(5 * time.Minute)
	res, err = sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, SweepResult{Released: 1}, res)
	require.Equal(t, []string{f.message.ID}, released)
	require.Len(t, f.notifications(t), 2)

	res, err = sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, SweepResult{}, res)
}

func TestExpoJitterBounds(t *testing.T) {
	b := ExpoJitter{Base: time.Second, Max: 10 * time.Second}
	require.Equal(t, time.Second, b.Next(0))
	require.Equal(t, 4*time.Second, b.Next(2))
	require.Equal(t, 10*time.Second, b.Next(10))

	jittered := ExpoJitter{Base: time.Second, Jitter: 0.5}
	for i := 0; i < 50; i++ {
		d := jittered.Next(1)
		require.GreaterOrEqual(t, d, time.Second)
		require.LessOrEqual(t, d, 3*time.Second)
	}
}

func TestForwardUsesDirectTransports(t *testing.T) {
	f := newFixture(t)
	push := &fakeTransport{name: models.TransportPush}
	passthrough := &fakeTransport{name: models.TransportPassthrough}
	r := f.router(t, WithTransport(push), WithTransport(passthrough))

	device := &models.UserDevice{Platform: models.PlatformIOS, DeviceToken: "remote-token"}
	name, err := r.Forward(context.Background(), device, Payload{Title: "relayed", DeliveryType: models.DeliveryNormal})
	require.NoError(t, err)
	require.Equal(t, models.TransportPush, name)
	require.Equal(t, 1, push.count())
	require.Zero(t, passthrough.count())

	_, err = r.Forward(context.Background(), &models.UserDevice{Platform: models.PlatformWeb}, Payload{})
	require.ErrorIs(t, err, ErrNoTransport)
}
