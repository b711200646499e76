package checks

import (
	"context"
	"fmt"

	"github.com/charlesng35/bucketcast/internal/monitoring"
)

// SubscriberCounter is implemented by the realtime broker.
type SubscriberCounter interface {
	Subscribers() int
	LastSeq() int64
}

// Realtime reports live subscription state. It is informational; the broker
// has no failure mode of its own beyond the Redis mirror.
func Realtime(broker SubscriberCounter) monitoring.Check {
	return monitoring.NewCheck("realtime", func(context.Context) monitoring.ProbeResult {
		if broker == nil {
			return monitoring.ProbeResult{Status: monitoring.StatusDegraded, Details: "broker unavailable"}
		}
		return monitoring.ProbeResult{
			Status:  monitoring.StatusUp,
			Details: fmt.Sprintf("%d subscribers, last sequence %d", broker.Subscribers(), broker.LastSeq()),
		}
	})
}
