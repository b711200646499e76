package api

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/charlesng35/bucketcast/internal/app"
	iauth "github.com/charlesng35/bucketcast/internal/auth"
	"github.com/charlesng35/bucketcast/internal/delivery"
	"github.com/charlesng35/bucketcast/internal/handlers"
	"github.com/charlesng35/bucketcast/internal/middleware"
	"github.com/charlesng35/bucketcast/internal/monitoring"
	"github.com/charlesng35/bucketcast/internal/ratelimit"
	"github.com/charlesng35/bucketcast/internal/realtime"
	"github.com/charlesng35/bucketcast/internal/relay"
	"github.com/charlesng35/bucketcast/internal/services"
)

// Rate limit endpoint names. They key the per-endpoint rules in the
// ratelimit config section.
const (
	EndpointMessagesCreate = "messages-create"
	EndpointMessagesMagic  = "messages-magic"
)

// Dependencies carries everything the HTTP layer needs. Health and Jobs are
// optional.
type Dependencies struct {
	Config   *app.Config
	JWT      *iauth.JWTService
	Services *services.Services
	Delivery *delivery.Router
	Limiter  *ratelimit.Limiter
	Inbound  *relay.Inbound
	Broker   *realtime.Broker
	Hub      *realtime.Hub
	Health   *monitoring.HealthManager
	Jobs     *monitoring.JobTracker
}

func (d Dependencies) validate() error {
	switch {
	case d.Config == nil:
		return fmt.Errorf("config must be provided")
	case d.JWT == nil:
		return fmt.Errorf("jwt service must be provided")
	case d.Services == nil:
		return fmt.Errorf("services must be provided")
	case d.Delivery == nil:
		return fmt.Errorf("delivery router must be provided")
	case d.Limiter == nil:
		return fmt.Errorf("rate limiter must be provided")
	case d.Inbound == nil:
		return fmt.Errorf("relay inbound must be provided")
	case d.Broker == nil:
		return fmt.Errorf("event broker must be provided")
	}
	return nil
}

// NewRouter builds the Gin engine, wires middleware and registers every route.
func NewRouter(deps Dependencies) (*gin.Engine, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	cfg := deps.Config

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORS())

	registerHealthRoutes(r, cfg, deps.Health)

	api := r.Group("/api")

	// Routes authenticated by something other than a user JWT.
	messageHandler := handlers.NewMessageHandler(deps.Services.Messages)
	api.POST("/messages/magic/:"+middleware.MagicCodeParam,
		middleware.RateLimit(deps.Limiter, EndpointMessagesMagic),
		messageHandler.CreateFromMagic,
	)

	relayHandler := handlers.NewRelayHandler(deps.Inbound, deps.Delivery)
	api.POST("/notifications/notify-external", middleware.SystemToken(deps.Inbound), relayHandler.NotifyExternal)

	streamHandler := handlers.NewStreamHandler(deps.Broker, deps.Hub, handlers.StreamConfig{
		PollTimeout: cfg.Realtime.PollTimeout,
		Heartbeat:   cfg.Realtime.Heartbeat,
	})
	api.GET("/graphql", middleware.OptionalAuth(deps.JWT), streamHandler.GraphQL)

	// Protected routes
	protected := api.Group("")
	protected.Use(middleware.Auth(deps.JWT))

	registerMessageRoutes(protected, messageHandler, streamHandler, deps.Limiter)
	registerStreamRoutes(protected, streamHandler)
	registerBucketRoutes(protected, handlers.NewBucketHandler(deps.Services.Buckets, deps.Services.Shares, deps.Services.Notifications))
	registerDeviceRoutes(protected, handlers.NewDeviceHandler(deps.Services.Devices))
	registerNotificationRoutes(protected, handlers.NewNotificationHandler(deps.Services.Notifications))
	registerAccessTokenRoutes(protected, handlers.NewAccessTokenHandler(deps.Services.AccessTokens))
	registerMonitoringRoutes(protected, deps.Jobs)

	// Metrics endpoint
	if cfg.Monitoring.Prometheus.Enabled {
		endpoint := strings.TrimSpace(cfg.Monitoring.Prometheus.Endpoint)
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	// NotFound fallback
	r.NoRoute(middleware.NotFoundHandler)

	return r, nil
}
