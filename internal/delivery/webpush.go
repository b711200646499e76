package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/charlesng35/bucketcast/internal/models"
)

// WebPushConfig carries the VAPID identity of this server.
type WebPushConfig struct {
	Subscriber      string
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	TTL             time.Duration
}

// WebPushTransport delivers to browser push subscriptions.
type WebPushTransport struct {
	cfg    WebPushConfig
	client webpush.HTTPClient
}

func NewWebPushTransport(cfg WebPushConfig, client *http.Client) *WebPushTransport {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	t := &WebPushTransport{cfg: cfg}
	if client != nil {
		t.client = client
	}
	return t
}

func (t *WebPushTransport) Name() models.Transport { return models.TransportWebPush }

func (t *WebPushTransport) Send(ctx context.Context, device *models.UserDevice, payload Payload) error {
	if device.Endpoint == "" || device.P256dh == "" || device.Auth == "" {
		return fmt.Errorf("%w: incomplete web push subscription", ErrTokenInvalid)
	}
	body, err := json.Marshal(map[string]any{
		"title":    payload.Title,
		"subtitle": payload.Subtitle,
		"body":     payload.Body,
		"data":     payload.Data(),
	})
	if err != nil {
		return err
	}

	resp, err := webpush.SendNotificationWithContext(ctx, body, &webpush.Subscription{
		Endpoint: device.Endpoint,
		Keys:     webpush.Keys{P256dh: device.P256dh, Auth: device.Auth},
	}, &webpush.Options{
		HTTPClient:      t.client,
		Subscriber:      t.cfg.Subscriber,
		VAPIDPublicKey:  t.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: t.cfg.VAPIDPrivateKey,
		TTL:             int(t.cfg.TTL.Seconds()),
		Urgency:         urgencyFor(payload),
	})
	if err != nil {
		return fmt.Errorf("delivery: web push: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: push service returned %d", ErrTokenInvalid, resp.StatusCode)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: push service returned %d", ErrUndeliverable, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("delivery: push service returned %d", resp.StatusCode)
	}
	return nil
}

func urgencyFor(p Payload) webpush.Urgency {
	switch {
	case p.Silent():
		return webpush.UrgencyVeryLow
	case p.Critical():
		return webpush.UrgencyHigh
	default:
		return webpush.UrgencyNormal
	}
}
