package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/charlesng35/bucketcast/internal/models"
)

// SNSAPI is the subset of the SNS client used for mobile push.
type SNSAPI interface {
	CreatePlatformEndpoint(ctx context.Context, in *sns.CreatePlatformEndpointInput, optFns ...func(*sns.Options)) (*sns.CreatePlatformEndpointOutput, error)
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSConfig names the platform applications registered in SNS.
type SNSConfig struct {
	Region        string
	IOSAppARN     string
	AndroidAppARN string
	APNSSandbox   bool
}

// NewSNSClient loads the default AWS credential chain for region.
func NewSNSClient(ctx context.Context, region string) (*sns.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("delivery: load aws config: %w", err)
	}
	return sns.NewFromConfig(cfg), nil
}

// SNSTransport sends native push through AWS SNS mobile push. Each device
// gets a platform endpoint on first use; its ARN is cached on the device.
type SNSTransport struct {
	client SNSAPI
	cfg    SNSConfig
}

func NewSNSTransport(client SNSAPI, cfg SNSConfig) *SNSTransport {
	return &SNSTransport{client: client, cfg: cfg}
}

func (t *SNSTransport) Name() models.Transport { return models.TransportPush }

func (t *SNSTransport) Send(ctx context.Context, device *models.UserDevice, payload Payload) error {
	if device.SNSEndpointARN == "" {
		if err := t.createEndpoint(ctx, device); err != nil {
			return err
		}
	}

	err := t.publish(ctx, device, payload)
	var notFound *types.NotFoundException
	if errors.As(err, &notFound) {
		// The endpoint was deleted on the SNS side; register it again once.
		device.SNSEndpointARN = ""
		if err := t.createEndpoint(ctx, device); err != nil {
			return err
		}
		err = t.publish(ctx, device, payload)
	}
	return err
}

func (t *SNSTransport) createEndpoint(ctx context.Context, device *models.UserDevice) error {
	appARN := t.cfg.AndroidAppARN
	if device.Platform == models.PlatformIOS {
		appARN = t.cfg.IOSAppARN
	}
	if appARN == "" {
		return fmt.Errorf("%w: no SNS platform application for %s", ErrNoTransport, device.Platform)
	}

	out, err := t.client.CreatePlatformEndpoint(ctx, &sns.CreatePlatformEndpointInput{
		PlatformApplicationArn: aws.String(appARN),
		Token:                  aws.String(device.DeviceToken),
		CustomUserData:         aws.String(device.UserID),
	})
	if err != nil {
		var invalid *types.InvalidParameterException
		if errors.As(err, &invalid) {
			return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
		}
		return fmt.Errorf("delivery: create sns endpoint: %w", err)
	}
	device.SNSEndpointARN = aws.ToString(out.EndpointArn)
	return nil
}

func (t *SNSTransport) publish(ctx context.Context, device *models.UserDevice, payload Payload) error {
	message, err := snsMessage(payload, t.cfg.APNSSandbox)
	if err != nil {
		return err
	}

	_, err = t.client.Publish(ctx, &sns.PublishInput{
		TargetArn:         aws.String(device.SNSEndpointARN),
		Message:           aws.String(message),
		MessageStructure:  aws.String("json"),
		MessageAttributes: snsAttributes(payload),
	})
	if err == nil {
		return nil
	}
	var disabled *types.EndpointDisabledException
	if errors.As(err, &disabled) {
		return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	return fmt.Errorf("delivery: sns publish: %w", err)
}

// snsMessage renders the per-platform JSON document SNS expects when
// MessageStructure is "json".
func snsMessage(p Payload, sandbox bool) (string, error) {
	aps := map[string]any{}
	if p.Silent() {
		aps["content-available"] = 1
	} else {
		alert := map[string]string{"title": p.Title, "body": p.Body}
		if p.Subtitle != "" {
			alert["subtitle"] = p.Subtitle
		}
		aps["alert"] = alert
		aps["sound"] = "default"
		aps["mutable-content"] = 1
	}
	if p.Critical() {
		aps["interruption-level"] = "critical"
		aps["sound"] = map[string]any{"critical": 1, "name": "default", "volume": 1.0}
	}
	apns := map[string]any{"aps": aps}
	for k, v := range p.Data() {
		apns[k] = v
	}

	gcm := map[string]any{"data": p.Data()}
	if p.Critical() {
		gcm["priority"] = "high"
	} else {
		gcm["priority"] = "normal"
	}
	if !p.Silent() {
		gcm["notification"] = map[string]string{"title": p.Title, "body": p.Body}
	}

	apnsJSON, err := json.Marshal(apns)
	if err != nil {
		return "", err
	}
	gcmJSON, err := json.Marshal(gcm)
	if err != nil {
		return "", err
	}

	apnsKey := "APNS"
	if sandbox {
		apnsKey = "APNS_SANDBOX"
	}
	doc, err := json.Marshal(map[string]string{
		"default": p.Title,
		apnsKey:   string(apnsJSON),
		"GCM":     string(gcmJSON),
	})
	if err != nil {
		return "", err
	}
	return string(doc), nil
}

func snsAttributes(p Payload) map[string]types.MessageAttributeValue {
	priority, pushType := "10", "alert"
	if p.Silent() {
		priority, pushType = "5", "background"
	}
	str := func(v string) types.MessageAttributeValue {
		return types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
	}
	return map[string]types.MessageAttributeValue{
		"AWS.SNS.MOBILE.APNS.PRIORITY":  str(priority),
		"AWS.SNS.MOBILE.APNS.PUSH_TYPE": str(pushType),
	}
}
