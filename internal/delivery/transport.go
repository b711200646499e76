package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/charlesng35/bucketcast/internal/models"
)

var (
	// ErrTokenInvalid means the push provider no longer accepts the device;
	// the device is unregistered and the row is not retried.
	ErrTokenInvalid = errors.New("delivery: device token invalid")
	// ErrUndeliverable marks failures that retrying cannot fix.
	ErrUndeliverable = errors.New("delivery: undeliverable")
	// ErrNoTransport is returned when a device needs a transport that is not
	// configured.
	ErrNoTransport = errors.New("delivery: transport not configured")
)

// Payload is what a transport sends to one device.
type Payload struct {
	NotificationID string
	MessageID      string
	BucketID       string
	Title          string
	Subtitle       string
	Body           string
	DeliveryType   models.DeliveryType
	Sequence       int64
}

// PayloadFor builds the payload for notificationID.
func PayloadFor(msg *models.Message, notificationID string) Payload {
	return Payload{
		NotificationID: notificationID,
		MessageID:      msg.ID,
		BucketID:       msg.BucketID,
		Title:          msg.Title,
		Subtitle:       msg.Subtitle,
		Body:           msg.Body,
		DeliveryType:   msg.DeliveryType,
		Sequence:       msg.Sequence,
	}
}

func (p Payload) Silent() bool   { return p.DeliveryType == models.DeliverySilent }
func (p Payload) Critical() bool { return p.DeliveryType == models.DeliveryCritical }

// Data is the key/value map attached to every push so clients can fetch the
// full notification.
func (p Payload) Data() map[string]string {
	return map[string]string{
		"notificationId": p.NotificationID,
		"messageId":      p.MessageID,
		"bucketId":       p.BucketID,
		"deliveryType":   string(p.DeliveryType),
		"sequence":       fmt.Sprint(p.Sequence),
	}
}

// Transport delivers a payload to a single device. Implementations may
// update provider bookkeeping on device (for example a cached endpoint ARN);
// the router persists such changes.
type Transport interface {
	Name() models.Transport
	Send(ctx context.Context, device *models.UserDevice, payload Payload) error
}

// Reporter is a Transport whose remote answers with a result worth keeping.
// The router stores the report on the message's external_system_response,
// keyed by transport and notification.
type Reporter interface {
	Transport
	SendReport(ctx context.Context, device *models.UserDevice, payload Payload) (map[string]any, error)
}

// LocalTransport records the notification without any push. Clients pick it
// up over the live transports.
type LocalTransport struct{}

func (LocalTransport) Name() models.Transport { return models.TransportLocal }

func (LocalTransport) Send(context.Context, *models.UserDevice, Payload) error { return nil }
