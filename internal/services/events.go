package services

import (
	"context"

	"go.uber.org/zap"

	"github.com/charlesng35/bucketcast/internal/realtime"
	"github.com/charlesng35/bucketcast/pkg/logger"
)

// EventPublisher is the live event sink used by the services.
type EventPublisher interface {
	Publish(ctx context.Context, p realtime.Publication) (realtime.Event, error)
}

// publish sends an event and logs failures; live events never fail the
// operation that produced them.
func publish(ctx context.Context, events EventPublisher, p realtime.Publication) {
	if events == nil {
		return
	}
	if _, err := events.Publish(ctx, p); err != nil {
		logger.WithModule("services").Warn("live event not published",
			zap.String("event", string(p.Type)),
			zap.String("bucket_id", p.BucketID),
			zap.Error(err))
	}
}
