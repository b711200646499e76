package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/charlesng35/bucketcast/pkg/logger"
	"github.com/charlesng35/bucketcast/pkg/metrics"
)

const (
	defaultReplaySize  = 1024
	subscriptionBuffer = 64
)

// AudienceResolver maps a bucket to the users allowed to see its events.
// broadcast is true for public buckets.
type AudienceResolver interface {
	Audience(ctx context.Context, bucketID string) (userIDs []string, broadcast bool, err error)
}

// Mirror relays events between broker instances.
type Mirror interface {
	Publish(ctx context.Context, env Envelope) error
	Run(ctx context.Context, deliver func(Envelope)) error
}

// Broker assigns sequence numbers, keeps a bounded replay ring and fans
// events out to live subscriptions.
type Broker struct {
	mu       sync.RWMutex
	seq      int64
	ring     []Event
	next     int
	full     bool
	subs     map[*Subscription]struct{}
	changed  chan struct{}
	resolver AudienceResolver
	mirror   Mirror
	log      *zap.Logger
	now      func() time.Time
}

type BrokerOption func(*Broker)

func WithMirror(m Mirror) BrokerOption {
	return func(b *Broker) { b.mirror = m }
}

func WithReplaySize(n int) BrokerOption {
	return func(b *Broker) {
		if n > 0 {
			b.ring = make([]Event, n)
		}
	}
}

func NewBroker(resolver AudienceResolver, opts ...BrokerOption) *Broker {
	b := &Broker{
		ring:     make([]Event, defaultReplaySize),
		subs:     make(map[*Subscription]struct{}),
		changed:  make(chan struct{}),
		resolver: resolver,
		log:      logger.WithModule("realtime"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish resolves the audience and delivers the event locally and, when a
// mirror is configured, to peer instances.
func (b *Broker) Publish(ctx context.Context, p Publication) (Event, error) {
	if b == nil {
		return Event{}, nil
	}
	data, err := json.Marshal(p.Data)
	if err != nil {
		return Event{}, fmt.Errorf("realtime: encode %s: %w", p.Type, err)
	}

	env := Envelope{Type: p.Type, BucketID: p.BucketID, Data: data, UserIDs: p.UserIDs, At: b.now().UTC()}
	if len(env.UserIDs) == 0 && p.BucketID != "" && b.resolver != nil {
		env.UserIDs, env.Broadcast, err = b.resolver.Audience(ctx, p.BucketID)
		if err != nil {
			return Event{}, fmt.Errorf("realtime: audience for %s: %w", p.BucketID, err)
		}
	}

	ev := b.deliver(env)
	if b.mirror != nil {
		if err := b.mirror.Publish(ctx, env); err != nil {
			b.log.Warn("mirror publish failed", zap.String("event", string(p.Type)), zap.Error(err))
		}
	}
	return ev, nil
}

// Inject delivers an event received from a peer instance.
func (b *Broker) Inject(env Envelope) {
	b.deliver(env)
}

// RunMirror pumps peer events into the broker until ctx is cancelled.
func (b *Broker) RunMirror(ctx context.Context) error {
	if b.mirror == nil {
		return nil
	}
	return b.mirror.Run(ctx, b.Inject)
}

func (b *Broker) deliver(env Envelope) Event {
	ev := Event{
		Type:      env.Type,
		BucketID:  env.BucketID,
		Data:      env.Data,
		At:        env.At,
		broadcast: env.Broadcast,
		audience:  make(map[string]struct{}, len(env.UserIDs)),
	}
	for _, id := range env.UserIDs {
		ev.audience[id] = struct{}{}
	}

	b.mu.Lock()
	b.seq++
	ev.Seq = b.seq
	b.ring[b.next] = ev
	b.next = (b.next + 1) % len(b.ring)
	if b.next == 0 {
		b.full = true
	}
	var slow []*Subscription
	for sub := range b.subs {
		if !ev.VisibleTo(sub.UserID) || !sub.filter.Match(ev) {
			continue
		}
		select {
		case sub.events <- ev:
		default:
			slow = append(slow, sub)
		}
	}
	close(b.changed)
	b.changed = make(chan struct{})
	b.mu.Unlock()

	metrics.LiveEvents.WithLabelValues(string(ev.Type)).Inc()
	for _, sub := range slow {
		metrics.LiveEventsDropped.Inc()
		b.log.Warn("dropping slow subscriber", zap.String("user_id", sub.UserID), zap.Int64("seq", ev.Seq))
		sub.Close()
	}
	return ev
}

// LastSeq returns the most recently assigned sequence.
func (b *Broker) LastSeq() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq
}

// Since returns replayable events after seq that userID may see.
func (b *Broker) Since(userID string, seq int64, filter Filter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sinceLocked(userID, seq, filter)
}

func (b *Broker) sinceLocked(userID string, seq int64, filter Filter) []Event {
	var out []Event
	visit := func(ev Event) {
		if ev.Seq > seq && ev.VisibleTo(userID) && filter.Match(ev) {
			out = append(out, ev)
		}
	}
	if b.full {
		for _, ev := range b.ring[b.next:] {
			visit(ev)
		}
	}
	for _, ev := range b.ring[:b.next] {
		visit(ev)
	}
	return out
}

// WaitSince returns events after seq, waiting until at least one arrives or
// ctx is done. A cancelled wait returns an empty slice and no error.
func (b *Broker) WaitSince(ctx context.Context, userID string, seq int64, filter Filter) []Event {
	for {
		b.mu.RLock()
		events := b.sinceLocked(userID, seq, filter)
		changed := b.changed
		b.mu.RUnlock()
		if len(events) > 0 {
			return events
		}
		select {
		case <-ctx.Done():
			return []Event{}
		case <-changed:
		}
	}
}

// Subscribe registers a live subscription for userID. Callers must Close it;
// the events channel is closed when the subscription ends.
func (b *Broker) Subscribe(userID string, filter Filter) *Subscription {
	sub := &Subscription{
		UserID: userID,
		filter: filter,
		events: make(chan Event, subscriptionBuffer),
		broker: b,
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// SubscribeFrom registers a subscription and returns the replay backlog
// after seq atomically, so no event falls between the two.
func (b *Broker) SubscribeFrom(userID string, seq int64, filter Filter) (*Subscription, []Event) {
	sub := &Subscription{
		UserID: userID,
		filter: filter,
		events: make(chan Event, subscriptionBuffer),
		broker: b,
	}
	b.mu.Lock()
	backlog := b.sinceLocked(userID, seq, filter)
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub, backlog
}

func (b *Broker) remove(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// Subscribers returns the number of open subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Subscription is one consumer of the broker.
type Subscription struct {
	UserID string
	filter Filter
	events chan Event
	broker *Broker
	once   sync.Once
}

func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close unregisters the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.broker.remove(s)
		s.broker.mu.Lock()
		close(s.events)
		s.broker.mu.Unlock()
	})
}
