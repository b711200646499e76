package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config represents the runtime configuration for the bucketcast server.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Auth        AuthConfig        `mapstructure:"auth"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
	Delivery    DeliveryConfig    `mapstructure:"delivery"`
	Push        PushConfig        `mapstructure:"push"`
	Relay       RelayConfig       `mapstructure:"relay"`
	Realtime    RealtimeConfig    `mapstructure:"realtime"`
	External    ExternalConfig    `mapstructure:"external"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	LogLevel       string   `mapstructure:"log_level"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver   string       `mapstructure:"driver"`
	Path     string       `mapstructure:"path"`
	DSN      string       `mapstructure:"dsn"`
	Postgres DBAuthConfig `mapstructure:"postgres"`
	MySQL    DBAuthConfig `mapstructure:"mysql"`
}

// DBAuthConfig represents host based database parameters.
type DBAuthConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// CacheConfig describes cache backends. Without Redis, counters and quotas
// live in the database.
type CacheConfig struct {
	Redis RedisCacheConfig `mapstructure:"redis"`
}

// RedisCacheConfig holds Redis connection options.
type RedisCacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Address  string        `mapstructure:"address"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TLS      bool          `mapstructure:"tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
	PoolSize int           `mapstructure:"pool_size"`
	Prefix   string        `mapstructure:"prefix"`
}

// AuthConfig captures authentication settings.
type AuthConfig struct {
	JWT JWTSettings `mapstructure:"jwt"`
}

// JWTSettings configures JWT access tokens.
type JWTSettings struct {
	Secret string        `mapstructure:"secret"`
	Issuer string        `mapstructure:"issuer"`
	TTL    time.Duration `mapstructure:"access_token_ttl"`
}

// RateLimitConfig holds the admission rules. Endpoint keys match the names
// used when the routes are registered (for example "messages-create").
type RateLimitConfig struct {
	Enabled   bool                `mapstructure:"enabled"`
	Default   RateRule            `mapstructure:"default"`
	Endpoints map[string]RateRule `mapstructure:"endpoints"`
}

// RateRule is a fixed window quota.
type RateRule struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

// DeliveryConfig tunes fan-out and retries.
type DeliveryConfig struct {
	Workers     int           `mapstructure:"workers"`
	QueueSize   int           `mapstructure:"queue_size"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
	SweepBatch  int           `mapstructure:"sweep_batch"`
	PushRate    float64       `mapstructure:"push_rate"`
	PushBurst   int           `mapstructure:"push_burst"`
}

// PushConfig enables the native and web push transports.
type PushConfig struct {
	SNS     SNSSettings     `mapstructure:"sns"`
	WebPush WebPushSettings `mapstructure:"webpush"`
}

// SNSSettings configures AWS SNS mobile push.
type SNSSettings struct {
	Enabled       bool   `mapstructure:"enabled"`
	Region        string `mapstructure:"region"`
	IOSAppARN     string `mapstructure:"ios_application_arn"`
	AndroidAppARN string `mapstructure:"android_application_arn"`
	APNSSandbox   bool   `mapstructure:"apns_sandbox"`
}

// WebPushSettings configures VAPID web push.
type WebPushSettings struct {
	Enabled         bool          `mapstructure:"enabled"`
	Subscriber      string        `mapstructure:"subscriber"`
	VAPIDPublicKey  string        `mapstructure:"vapid_public_key"`
	VAPIDPrivateKey string        `mapstructure:"vapid_private_key"`
	TTL             time.Duration `mapstructure:"ttl"`
}

// RelayConfig points native pushes at a passthrough relay server. When
// ServerURL is empty pushes go through SNS directly.
type RelayConfig struct {
	ServerURL   string        `mapstructure:"server_url"`
	Token       string        `mapstructure:"token"`
	Timeout     time.Duration `mapstructure:"timeout"`
	QuotaWindow time.Duration `mapstructure:"quota_window"`
}

// RealtimeConfig tunes the live transports.
type RealtimeConfig struct {
	ReplaySize   int           `mapstructure:"replay_size"`
	PollTimeout  time.Duration `mapstructure:"poll_timeout"`
	Heartbeat    time.Duration `mapstructure:"heartbeat"`
	RedisChannel string        `mapstructure:"redis_channel"`
}

// ExternalConfig covers forwarding to external notify systems.
type ExternalConfig struct {
	EncryptionKey string        `mapstructure:"encryption_key"`
	Salt          string        `mapstructure:"salt"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// TracingConfig exports spans over OTLP gRPC.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// MonitoringConfig enables health checks and metrics.
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Health     HealthConfig     `mapstructure:"health_check"`
}

// PrometheusConfig toggles metrics endpoints.
type PrometheusConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// HealthConfig toggles health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// MaintenanceConfig holds cron specs for background jobs. An empty spec
// disables the job.
type MaintenanceConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	SweepSchedule     string `mapstructure:"sweep_schedule"`
	QuotaSchedule     string `mapstructure:"quota_reset_schedule"`
	CacheSchedule     string `mapstructure:"cache_purge_schedule"`
	EphemeralSchedule string `mapstructure:"ephemeral_cleanup_schedule"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("BUCKETCAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/bucketcast.sqlite")

	v.SetDefault("cache.redis.enabled", false)
	v.SetDefault("cache.redis.address", "127.0.0.1:6379")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.tls", false)
	v.SetDefault("cache.redis.timeout", "5s")
	v.SetDefault("cache.redis.prefix", "bucketcast:")

	v.SetDefault("auth.jwt.issuer", "bucketcast")
	v.SetDefault("auth.jwt.access_token_ttl", "15m")

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.default.limit", 100)
	v.SetDefault("ratelimit.default.window", "1m")
	v.SetDefault("ratelimit.endpoints.messages-create.limit", 20)
	v.SetDefault("ratelimit.endpoints.messages-create.window", "1m")
	v.SetDefault("ratelimit.endpoints.messages-magic.limit", 20)
	v.SetDefault("ratelimit.endpoints.messages-magic.window", "1m")

	v.SetDefault("delivery.workers", 8)
	v.SetDefault("delivery.queue_size", 256)
	v.SetDefault("delivery.max_attempts", 5)
	v.SetDefault("delivery.backoff_base", "30s")
	v.SetDefault("delivery.backoff_max", "30m")
	v.SetDefault("delivery.sweep_batch", 200)
	v.SetDefault("delivery.push_rate", 50)
	v.SetDefault("delivery.push_burst", 20)

	v.SetDefault("push.sns.enabled", false)
	v.SetDefault("push.sns.region", "us-east-1")
	v.SetDefault("push.webpush.enabled", false)
	v.SetDefault("push.webpush.ttl", "24h")

	v.SetDefault("relay.timeout", "10s")
	v.SetDefault("relay.quota_window", "1h")

	v.SetDefault("realtime.replay_size", 1024)
	v.SetDefault("realtime.poll_timeout", "25s")
	v.SetDefault("realtime.heartbeat", "15s")
	v.SetDefault("realtime.redis_channel", "bucketcast:events")

	v.SetDefault("external.salt", "bucketcast.external")
	v.SetDefault("external.timeout", "10s")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "bucketcast")
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("monitoring.prometheus.enabled", true)
	v.SetDefault("monitoring.prometheus.endpoint", "/metrics")
	v.SetDefault("monitoring.health_check.enabled", true)

	v.SetDefault("maintenance.enabled", true)
	v.SetDefault("maintenance.sweep_schedule", "@every 30s")
	v.SetDefault("maintenance.quota_reset_schedule", "@monthly")
	v.SetDefault("maintenance.cache_purge_schedule", "@hourly")
	v.SetDefault("maintenance.ephemeral_cleanup_schedule", "@every 10m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
