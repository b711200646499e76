package app

import (
	"strings"

	"github.com/charlesng35/bucketcast/internal/delivery"
	"github.com/charlesng35/bucketcast/internal/ratelimit"
)

const backoffJitter = 0.2

// LimiterConfig converts the rate limit section into limiter rules.
func (c RateLimitConfig) LimiterConfig() ratelimit.Config {
	endpoints := make(map[string]ratelimit.Rule, len(c.Endpoints))
	for name, rule := range c.Endpoints {
		endpoints[name] = ratelimit.Rule{Limit: rule.Limit, Window: rule.Window}
	}
	return ratelimit.Config{
		Enabled:   c.Enabled,
		Default:   ratelimit.Rule{Limit: c.Default.Limit, Window: c.Default.Window},
		Endpoints: endpoints,
	}
}

// Backoff returns the retry schedule for failed pushes.
func (c DeliveryConfig) Backoff() delivery.ExpoJitter {
	return delivery.ExpoJitter{
		Base:   c.BackoffBase,
		Max:    c.BackoffMax,
		Jitter: backoffJitter,
	}
}

// SNSConfig converts push settings for the SNS transport.
func (c PushConfig) SNSConfig() delivery.SNSConfig {
	return delivery.SNSConfig{
		Region:        strings.TrimSpace(c.SNS.Region),
		IOSAppARN:     strings.TrimSpace(c.SNS.IOSAppARN),
		AndroidAppARN: strings.TrimSpace(c.SNS.AndroidAppARN),
		APNSSandbox:   c.SNS.APNSSandbox,
	}
}

// WebPushConfig converts push settings for the web push transport.
func (c PushConfig) WebPushConfig() delivery.WebPushConfig {
	return delivery.WebPushConfig{
		Subscriber:      strings.TrimSpace(c.WebPush.Subscriber),
		VAPIDPublicKey:  strings.TrimSpace(c.WebPush.VAPIDPublicKey),
		VAPIDPrivateKey: strings.TrimSpace(c.WebPush.VAPIDPrivateKey),
		TTL:             c.WebPush.TTL,
	}
}

// Passthrough reports whether native pushes go through a relay server.
func (c RelayConfig) Passthrough() bool {
	return strings.TrimSpace(c.ServerURL) != ""
}
