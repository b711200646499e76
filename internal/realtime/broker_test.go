package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type staticAudience map[string]struct {
	users     []string
	broadcast bool
}

func (s staticAudience) Audience(_ context.Context, bucketID string) ([]string, bool, error) {
	a := s[bucketID]
	return a.users, a.broadcast, nil
}

func testAudience() staticAudience {
	return staticAudience{
		"private": {users: []string{"owner", "reader"}},
		"public":  {broadcast: true},
	}
}

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func requireNoEvent(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %s #%d", ev.Type, ev.Seq)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishRoutesByAudience(t *testing.T) {
	b := NewBroker(testAudience())
	ctx := context.Background()

	owner := b.Subscribe("owner", Filter{})
	defer owner.Close()
	outsider := b.Subscribe("outsider", Filter{})
	defer outsider.Close()

	ev, err := b.Publish(ctx, Publication{Type: MessageCreated, BucketID: "private", Data: map[string]string{"title": "hi"}})
	require.NoError(t, err)
	require.EqualValues(t, 1, ev.Seq)

	got := receive(t, owner)
	require.Equal(t, MessageCreated, got.Type)
	require.JSONEq(t, `{"title":"hi"}`, string(got.Data))
	requireNoEvent(t, outsider)

	_, err = b.Publish(ctx, Publication{Type: MessageCreated, BucketID: "public", Data: "x"})
	require.NoError(t, err)
	require.EqualValues(t, 2, receive(t, outsider).Seq)
	require.EqualValues(t, 2, receive(t, owner).Seq)

	// Explicit audience bypasses the resolver.
	_, err = b.Publish(ctx, Publication{Type: NotificationCreated, BucketID: "private", UserIDs: []string{"outsider"}, Data: 1})
	require.NoError(t, err)
	require.Equal(t, NotificationCreated, receive(t, outsider).Type)
	requireNoEvent(t, owner)
}

func TestFilterByTypeAndBucket(t *testing.T) {
	b := NewBroker(testAudience())
	ctx := context.Background()

	sub := b.Subscribe("owner", Filter{Types: map[EventType]struct{}{MessageDeleted: {}}, BucketID: "private"})
	defer sub.Close()

	_, _ = b.Publish(ctx, Publication{Type: MessageCreated, BucketID: "private", Data: 1})
	_, _ = b.Publish(ctx, Publication{Type: MessageDeleted, BucketID: "public", Data: 2})
	_, _ = b.Publish(ctx, Publication{Type: MessageDeleted, BucketID: "private", Data: 3})

	ev := receive(t, sub)
	require.EqualValues(t, 3, ev.Seq)
	requireNoEvent(t, sub)
}

func TestReplayRingAndSince(t *testing.T) {
	b := NewBroker(testAudience(), WithReplaySize(3))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := b.Publish(ctx, Publication{Type: MessageCreated, BucketID: "private", Data: i})
		require.NoError(t, err)
	}
	require.EqualValues(t, 5, b.LastSeq())

	events := b.Since("owner", 0, Filter{})
	require.Len(t, events, 3)
	require.EqualValues(t, 3, events[0].Seq)
	require.EqualValues(t, 5, events[2].Seq)

	require.Len(t, b.Since("owner", 4, Filter{}), 1)
	require.Empty(t, b.Since("outsider", 0, Filter{}))

	sub, backlog := b.SubscribeFrom("owner", 3, Filter{})
	defer sub.Close()
	require.Len(t, backlog, 2)
	_, _ = b.Publish(ctx, Publication{Type: MessageCreated, BucketID: "private", Data: 6})
	require.EqualValues(t, 6, receive(t, sub).Seq)
}

func TestWaitSince(t *testing.T) {
	b := NewBroker(testAudience())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.Empty(t, b.WaitSince(ctx, "owner", 0, Filter{}))

	done := make(chan []Event, 1)
	go func() {
		waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- b.WaitSince(waitCtx, "owner", 0, MessageEvents())
	}()

	time.Sleep(20 * time.Millisecond)
	_, _ = b.Publish(context.Background(), Publication{Type: BucketUpdated, BucketID: "private", Data: 1})
	_, _ = b.Publish(context.Background(), Publication{Type: MessageCreated, BucketID: "private", Data: 2})

	select {
	case events := <-done:
		require.Len(t, events, 1)
		require.EqualValues(t, 2, events[0].Seq)
	case <-time.After(3 * time.Second):
		t.Fatal("WaitSince did not return")
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	b := NewBroker(testAudience())
	sub := b.Subscribe("owner", Filter{})

	for i := 0; i < subscriptionBuffer+1; i++ {
		_, err := b.Publish(context.Background(), Publication{Type: MessageCreated, BucketID: "private", Data: i})
		require.NoError(t, err)
	}
	require.Zero(t, b.Subscribers())

	count := 0
	for range sub.Events() {
		count++
	}
	require.Equal(t, subscriptionBuffer, count)
	sub.Close()
}

func TestRedisMirrorBetweenInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	a := NewBroker(testAudience(), WithMirror(NewRedisMirror(client, "test:events")))
	b := NewBroker(testAudience(), WithMirror(NewRedisMirror(client, "test:events")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.RunMirror(ctx) }()
	go func() { _ = b.RunMirror(ctx) }()

	subA := a.Subscribe("reader", Filter{})
	defer subA.Close()
	subB := b.Subscribe("reader", Filter{})
	defer subB.Close()

	require.Eventually(t, func() bool {
		n, _ := client.PubSubNumSub(ctx, "test:events").Result()
		return n["test:events"] == 2
	}, 2*time.Second, 10*time.Millisecond)

	_, err := a.Publish(ctx, Publication{Type: MessageCreated, BucketID: "private", Data: map[string]int{"n": 1}})
	require.NoError(t, err)

	local := receive(t, subA)
	remote := receive(t, subB)
	require.Equal(t, local.Type, remote.Type)
	require.JSONEq(t, string(local.Data), string(remote.Data))

	// No echo back into the origin instance.
	requireNoEvent(t, subA)
	require.EqualValues(t, 1, a.LastSeq())
}

func TestEventJSONShape(t *testing.T) {
	ev := Event{Seq: 7, Type: NotificationUpdated, Data: json.RawMessage(`{"id":"n1"}`), At: time.Unix(0, 0).UTC()}
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	require.JSONEq(t, `{"id":7,"event":"notificationUpdated","data":{"id":"n1"},"at":"1970-01-01T00:00:00Z"}`, string(raw))
}
