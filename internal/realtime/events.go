package realtime

import (
	"encoding/json"
	"time"
)

// EventType names a live event. The names double as GraphQL subscription
// root fields on the socket transport.
type EventType string

const (
	NotificationCreated EventType = "notificationCreated"
	NotificationUpdated EventType = "notificationUpdated"
	NotificationDeleted EventType = "notificationDeleted"
	MessageCreated      EventType = "messageCreated"
	MessageDeleted      EventType = "messageDeleted"
	BucketCreated       EventType = "bucketCreated"
	BucketUpdated       EventType = "bucketUpdated"
	BucketDeleted       EventType = "bucketDeleted"
)

var knownEvents = map[EventType]struct{}{
	NotificationCreated: {}, NotificationUpdated: {}, NotificationDeleted: {},
	MessageCreated: {}, MessageDeleted: {},
	BucketCreated: {}, BucketUpdated: {}, BucketDeleted: {},
}

// ParseEventType reports whether name is a known event.
func ParseEventType(name string) (EventType, bool) {
	_, ok := knownEvents[EventType(name)]
	return EventType(name), ok
}

// Event is one entry of the live stream. Seq is assigned by the broker that
// delivers it and is strictly increasing per process.
type Event struct {
	Seq      int64           `json:"id"`
	Type     EventType       `json:"event"`
	BucketID string          `json:"bucket_id,omitempty"`
	Data     json.RawMessage `json:"data"`
	At       time.Time       `json:"at"`

	audience  map[string]struct{}
	broadcast bool
}

// VisibleTo reports whether userID is in the event's audience.
func (e Event) VisibleTo(userID string) bool {
	if e.broadcast {
		return true
	}
	_, ok := e.audience[userID]
	return ok
}

// Publication is what producers hand to the broker. When UserIDs is empty
// the audience is resolved from BucketID at publish time.
type Publication struct {
	Type     EventType
	BucketID string
	Data     any
	UserIDs  []string
}

// Filter narrows what a subscription receives.
type Filter struct {
	Types    map[EventType]struct{}
	BucketID string
}

func (f Filter) Match(e Event) bool {
	if len(f.Types) > 0 {
		if _, ok := f.Types[e.Type]; !ok {
			return false
		}
	}
	if f.BucketID != "" && e.BucketID != f.BucketID {
		return false
	}
	return true
}

// MessageEvents selects message stream events, used by /messages/stream and
// /messages/poll.
func MessageEvents() Filter {
	return Filter{Types: map[EventType]struct{}{MessageCreated: {}, MessageDeleted: {}}}
}
