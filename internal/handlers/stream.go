package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/bucketcast/internal/realtime"
	"github.com/charlesng35/bucketcast/pkg/errors"
	"github.com/charlesng35/bucketcast/pkg/metrics"
	"github.com/charlesng35/bucketcast/pkg/response"
)

const (
	defaultPollTimeout = 25 * time.Second
	defaultHeartbeat   = 15 * time.Second
)

// StreamConfig tunes the live transports.
type StreamConfig struct {
	PollTimeout time.Duration
	Heartbeat   time.Duration
}

// StreamHandler serves the live transports: SSE, long-poll and the
// subscription WebSocket. All three read from the same broker.
type StreamHandler struct {
	broker      *realtime.Broker
	hub         *realtime.Hub
	pollTimeout time.Duration
	heartbeat   time.Duration
}

func NewStreamHandler(broker *realtime.Broker, hub *realtime.Hub, cfg StreamConfig) *StreamHandler {
	h := &StreamHandler{broker: broker, hub: hub, pollTimeout: cfg.PollTimeout, heartbeat: cfg.Heartbeat}
	if h.pollTimeout <= 0 {
		h.pollTimeout = defaultPollTimeout
	}
	if h.heartbeat <= 0 {
		h.heartbeat = defaultHeartbeat
	}
	return h
}

// Events GET /api/stream
func (h *StreamHandler) Events(c *gin.Context) {
	h.serveSSE(c, eventFilter(c, realtime.Filter{}))
}

// MessageEvents GET /api/messages/stream
func (h *StreamHandler) MessageEvents(c *gin.Context) {
	h.serveSSE(c, eventFilter(c, realtime.MessageEvents()))
}

// Poll GET /api/poll?since=
func (h *StreamHandler) Poll(c *gin.Context) {
	h.poll(c, eventFilter(c, realtime.Filter{}))
}

// MessagePoll GET /api/messages/poll?since=
func (h *StreamHandler) MessagePoll(c *gin.Context) {
	h.poll(c, eventFilter(c, realtime.MessageEvents()))
}

// GraphQL GET /api/graphql upgrades to the subscription WebSocket. Clients
// that cannot send headers authenticate in connection_init.
func (h *StreamHandler) GraphQL(c *gin.Context) {
	if h.hub == nil {
		response.Error(c, errors.ErrNotFound)
		return
	}
	h.hub.Serve(c.Writer, c.Request, currentUserID(c))
}

func (h *StreamHandler) serveSSE(c *gin.Context, filter realtime.Filter) {
	userID := currentUserID(c)
	ctx := requestContext(c)

	var (
		sub     *realtime.Subscription
		backlog []realtime.Event
	)
	if last := lastEventID(c); last > 0 {
		sub, backlog = h.broker.SubscribeFrom(userID, last, filter)
	} else {
		sub = h.broker.Subscribe(userID, filter)
	}
	defer sub.Close()

	metrics.LiveSubscribers.WithLabelValues("sse").Inc()
	defer metrics.LiveSubscribers.WithLabelValues("sse").Dec()

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	c.Render(-1, sse.Event{Event: "open", Data: gin.H{"last_id": h.broker.LastSeq()}})
	for _, ev := range backlog {
		writeSSE(c, ev)
	}
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			writeSSE(c, ev)
			c.Writer.Flush()
		case <-ticker.C:
			if _, err := c.Writer.WriteString(": heartbeat\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}

func writeSSE(c *gin.Context, ev realtime.Event) {
	c.Render(-1, sse.Event{
		Id:    strconv.FormatInt(ev.Seq, 10),
		Event: "message",
		Data:  ev,
	})
}

func (h *StreamHandler) poll(c *gin.Context, filter realtime.Filter) {
	raw := strings.TrimSpace(c.Query("since"))
	since, err := strconv.ParseInt(raw, 10, 64)
	if raw == "" {
		since, err = 0, nil
	}
	if err != nil || since < 0 {
		response.Error(c, errors.NewBadRequest("since must be a non-negative sequence"))
		return
	}

	// A cursor ahead of the broker predates a restart. Hand back what the
	// broker holds now instead of waiting for the sequence to catch up.
	if last := h.broker.LastSeq(); since > last {
		events := h.broker.Since(currentUserID(c), 0, filter)
		if events == nil {
			events = []realtime.Event{}
		}
		response.SuccessWithMeta(c, http.StatusOK, gin.H{"events": events}, &response.Meta{NextSince: last, Reset: true})
		return
	}

	metrics.LiveSubscribers.WithLabelValues("poll").Inc()
	defer metrics.LiveSubscribers.WithLabelValues("poll").Dec()

	ctx, cancel := context.WithTimeout(requestContext(c), h.pollTimeout)
	defer cancel()
	events := h.broker.WaitSince(ctx, currentUserID(c), since, filter)

	next := since
	for _, ev := range events {
		next = max(next, ev.Seq)
	}
	response.SuccessWithMeta(c, http.StatusOK, gin.H{"events": events}, &response.Meta{NextSince: next})
}

// eventFilter narrows base with the optional bucket_id and events query
// parameters. Unknown event names are ignored.
func eventFilter(c *gin.Context, base realtime.Filter) realtime.Filter {
	filter := realtime.Filter{Types: base.Types, BucketID: strings.TrimSpace(c.Query("bucket_id"))}
	raw := strings.TrimSpace(c.Query("events"))
	if raw == "" {
		return filter
	}
	types := make(map[realtime.EventType]struct{})
	for _, name := range strings.Split(raw, ",") {
		kind, ok := realtime.ParseEventType(strings.TrimSpace(name))
		if !ok {
			continue
		}
		if len(base.Types) > 0 {
			if _, allowed := base.Types[kind]; !allowed {
				continue
			}
		}
		types[kind] = struct{}{}
	}
	if len(types) > 0 {
		filter.Types = types
	}
	return filter
}

func lastEventID(c *gin.Context) int64 {
	raw := strings.TrimSpace(c.GetHeader("Last-Event-ID"))
	if raw == "" {
		raw = strings.TrimSpace(c.Query("last_event_id"))
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq < 0 {
		return 0
	}
	return seq
}
