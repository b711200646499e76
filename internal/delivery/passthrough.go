package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/charlesng35/bucketcast/internal/models"
	"github.com/charlesng35/bucketcast/internal/relay"
)

// Relayer forwards a push to a passthrough server.
type Relayer interface {
	Relay(ctx context.Context, payload relay.Payload, targetURL, token string) (relay.Result, error)
}

// PassthroughTransport hands native pushes to a relay server that holds the
// APNs/FCM credentials.
type PassthroughTransport struct {
	relayer   Relayer
	serverURL string
	token     string
}

func NewPassthroughTransport(relayer Relayer, serverURL, token string) *PassthroughTransport {
	return &PassthroughTransport{relayer: relayer, serverURL: serverURL, token: token}
}

func (t *PassthroughTransport) Name() models.Transport { return models.TransportPassthrough }

func (t *PassthroughTransport) Send(ctx context.Context, device *models.UserDevice, payload Payload) error {
	_, err := t.SendReport(ctx, device, payload)
	return err
}

// SendReport relays payload and returns the relay result as a report.
func (t *PassthroughTransport) SendReport(ctx context.Context, device *models.UserDevice, payload Payload) (map[string]any, error) {
	res, err := t.relayer.Relay(ctx, relay.Payload{
		Platform:     string(device.Platform),
		DeviceToken:  device.DeviceToken,
		Title:        payload.Title,
		Subtitle:     payload.Subtitle,
		Body:         payload.Body,
		DeliveryType: string(payload.DeliveryType),
		Data:         payload.Data(),
	}, t.serverURL, t.token)
	report := relayReport(res, device)
	if err == nil {
		return report, nil
	}
	switch {
	case res.TokenInvalid:
		return report, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	case errors.Is(err, relay.ErrRelayTokenRejected):
		return report, fmt.Errorf("%w: %v", ErrUndeliverable, err)
	}
	return report, err
}

func relayReport(res relay.Result, device *models.UserDevice) map[string]any {
	report := map[string]any{
		"success":   res.Success,
		"outcome":   string(res.Outcome),
		"device_id": device.ID,
		"platform":  string(device.Platform),
	}
	if res.StatusCode != 0 {
		report["status_code"] = res.StatusCode
	}
	if res.TokenInvalid {
		report["token_invalid"] = true
	}
	if res.Error != "" {
		report["error"] = res.Error
	}
	if u := res.Usage; u != nil {
		report["usage"] = map[string]any{
			"total_calls":     u.TotalCalls,
			"max_calls":       u.MaxCalls,
			"remaining_calls": u.Remaining,
			"failed_calls":    u.FailedCalls,
		}
	}
	return report
}
