package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/charlesng35/bucketcast/pkg/logger"
)

// Envelope is an event before sequencing, in the form exchanged between
// instances.
type Envelope struct {
	Origin    string          `json:"origin,omitempty"`
	Type      EventType       `json:"type"`
	BucketID  string          `json:"bucket_id,omitempty"`
	Data      json.RawMessage `json:"data"`
	UserIDs   []string        `json:"user_ids,omitempty"`
	Broadcast bool            `json:"broadcast,omitempty"`
	At        time.Time       `json:"at"`
}

// RedisMirror shares events between instances over a Redis pub/sub channel.
// Each instance tags what it sends and ignores its own messages.
type RedisMirror struct {
	client  redis.UniversalClient
	channel string
	origin  string
	log     *zap.Logger
}

func NewRedisMirror(client redis.UniversalClient, channel string) *RedisMirror {
	if channel == "" {
		channel = "bucketcast:events"
	}
	return &RedisMirror{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		log:     logger.WithModule("realtime"),
	}
}

func (m *RedisMirror) Publish(ctx context.Context, env Envelope) error {
	env.Origin = m.origin
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return m.client.Publish(ctx, m.channel, payload).Err()
}

// Run subscribes to the channel and hands foreign envelopes to deliver until
// ctx is cancelled.
func (m *RedisMirror) Run(ctx context.Context, deliver func(Envelope)) error {
	pubsub := m.client.Subscribe(ctx, m.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("realtime: mirror channel closed")
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				m.log.Warn("discarding malformed mirror payload", zap.Error(err))
				continue
			}
			if env.Origin == m.origin {
				continue
			}
			deliver(env)
		}
	}
}
