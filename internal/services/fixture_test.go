package services

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/charlesng35/bucketcast/internal/database/testutil"
	"github.com/charlesng35/bucketcast/internal/delivery"
	"github.com/charlesng35/bucketcast/internal/models"
	"github.com/charlesng35/bucketcast/internal/permissions"
	"github.com/charlesng35/bucketcast/internal/realtime"
)

type pushStub struct {
	mu   sync.Mutex
	sent []delivery.Payload
}

func (p *pushStub) Name() models.Transport { return models.TransportPush }

func (p *pushStub) Send(_ context.Context, _ *models.UserDevice, payload delivery.Payload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, payload)
	return nil
}

func (p *pushStub) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

type eventLog struct {
	mu     sync.Mutex
	events []realtime.Publication
}

func (l *eventLog) Publish(_ context.Context, p realtime.Publication) (realtime.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, p)
	return realtime.Event{Seq: int64(len(l.events)), Type: p.Type}, nil
}

func (l *eventLog) ofType(t realtime.EventType) []realtime.Publication {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []realtime.Publication
	for _, e := range l.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type env struct {
	db       *gorm.DB
	clock    time.Time
	events   *eventLog
	push     *pushStub
	resolver *AccessResolver
	devices  *DeviceService
	buckets  *BucketService
	shares   *ShareService
	messages *MessageService
	inbox    *NotificationService

	owner, reader, admin, outsider, inactive models.User
	private                                  models.Bucket
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := testutil.MustOpenTestDB(t, testutil.WithSeedData())
	e := &env{db: db, clock: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), events: &eventLog{}, push: &pushStub{}}
	now := func() time.Time { return e.clock }

	e.owner = e.user(t, "owner", models.RoleUser, true)
	e.reader = e.user(t, "reader", models.RoleUser, true)
	e.admin = e.user(t, "admin", models.RoleAdmin, true)
	e.outsider = e.user(t, "outsider", models.RoleUser, true)
	e.inactive = e.user(t, "inactive", models.RoleUser, false)

	var err error
	e.resolver, err = NewAccessResolver(db)
	require.NoError(t, err)
	e.resolver.now = now
	e.devices, err = NewDeviceService(db)
	require.NoError(t, err)
	e.devices.now = now
	e.buckets, err = NewBucketService(db, e.resolver, e.events)
	require.NoError(t, err)
	e.shares, err = NewShareService(db, e.resolver, e.events)
	require.NoError(t, err)
	e.inbox, err = NewNotificationService(db, e.events)
	require.NoError(t, err)
	e.inbox.now = now

	router, err := delivery.NewRouter(db, delivery.WithTransport(e.push), delivery.WithEvents(e.events), delivery.WithClock(now))
	require.NoError(t, err)
	e.messages, err = NewMessageService(db, e.resolver, e.devices, router, nil, e.events)
	require.NoError(t, err)
	e.messages.now = now

	e.private = e.bucket(t, e.owner, models.VisibilityPrivate)
	return e
}

func (e *env) user(t *testing.T, name string, role models.UserRole, active bool) models.User {
	t.Helper()
	u := models.User{Username: name, Email: name + "@example.com", Role: role, IsActive: true}
	require.NoError(t, e.db.Create(&u).Error)
	if !active {
		// is_active defaults to true, so the zero value needs an explicit update.
		require.NoError(t, e.db.Model(&u).Update("is_active", false).Error)
		u.IsActive = false
	}
	return u
}

func (e *env) bucket(t *testing.T, owner models.User, visibility models.BucketVisibility) models.Bucket {
	t.Helper()
	b := models.Bucket{OwnerID: owner.ID, Name: string(visibility) + "-bucket", Visibility: visibility}
	require.NoError(t, e.db.Create(&b).Error)
	return b
}

func (e *env) grant(t *testing.T, bucket models.Bucket, user models.User, levels ...string) {
	t.Helper()
	g := models.EntityPermission{
		ResourceType:  models.ResourceBucket,
		ResourceID:    bucket.ID,
		GranteeUserID: user.ID,
		Permissions:   datatypes.JSONSlice[string](levels),
	}
	require.NoError(t, e.db.Create(&g).Error)
}

func actorOf(u models.User) permissions.Actor {
	return permissions.ActorFor(&u)
}

func sortedIDs(users ...models.User) []string {
	ids := make([]string, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}
	sort.Strings(ids)
	return ids
}
