package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/bucketcast/internal/api"
	"github.com/charlesng35/bucketcast/internal/app"
	iauth "github.com/charlesng35/bucketcast/internal/auth"
	"github.com/charlesng35/bucketcast/internal/cache"
	sharedtestutil "github.com/charlesng35/bucketcast/internal/database/testutil"
	"github.com/charlesng35/bucketcast/internal/delivery"
	"github.com/charlesng35/bucketcast/internal/models"
	"github.com/charlesng35/bucketcast/internal/monitoring"
	"github.com/charlesng35/bucketcast/internal/monitoring/checks"
	"github.com/charlesng35/bucketcast/internal/ratelimit"
	"github.com/charlesng35/bucketcast/internal/realtime"
	"github.com/charlesng35/bucketcast/internal/relay"
	"github.com/charlesng35/bucketcast/internal/services"
	"github.com/charlesng35/bucketcast/pkg/response"
)

// MessageLimit is the per-window message quota configured for test environments.
const MessageLimit = 20

// Env encapsulates a fully-wired API instance backed by an in-memory database for handler tests.
type Env struct {
	T        *testing.T
	DB       *gorm.DB
	Router   *gin.Engine
	JWT      *iauth.JWTService
	Services *services.Services
	Broker   *realtime.Broker
	Delivery *delivery.Router

	mu  sync.Mutex
	now time.Time
}

// EnvOption customises the environment before the router is built.
type EnvOption func(*envOptions)

type envOptions struct {
	transports []delivery.Transport
	pollWait   time.Duration
}

// WithTransport registers a delivery transport, typically a fake.
func WithTransport(t delivery.Transport) EnvOption {
	return func(o *envOptions) { o.transports = append(o.transports, t) }
}

// WithPollTimeout shortens long-poll waits.
func WithPollTimeout(d time.Duration) EnvOption {
	return func(o *envOptions) { o.pollWait = d }
}

// NewEnv provisions a fresh handler test environment with migrations applied.
func NewEnv(t *testing.T, opts ...EnvOption) *Env {
	t.Helper()

	gin.SetMode(gin.TestMode)

	options := envOptions{pollWait: 200 * time.Millisecond}
	for _, opt := range opts {
		opt(&options)
	}

	db := sharedtestutil.MustOpenTestDB(t, sharedtestutil.WithAutoMigrate())

	jwtSecret := "test-suite-super-secret-key-32-bytes!!"
	cfg := &app.Config{
		Auth: app.AuthConfig{
			JWT: app.JWTSettings{
				Secret: jwtSecret,
				Issuer: "test-suite",
				TTL:    time.Hour,
			},
		},
		RateLimit: app.RateLimitConfig{
			Enabled: true,
			Default: app.RateRule{Limit: 1000, Window: time.Minute},
			Endpoints: map[string]app.RateRule{
				api.EndpointMessagesCreate: {Limit: MessageLimit, Window: time.Minute},
				api.EndpointMessagesMagic:  {Limit: MessageLimit, Window: time.Minute},
			},
		},
		Realtime: app.RealtimeConfig{
			ReplaySize:  128,
			PollTimeout: options.pollWait,
			Heartbeat:   time.Second,
		},
		Monitoring: app.MonitoringConfig{
			Prometheus: app.PrometheusConfig{Enabled: true, Endpoint: "/metrics"},
			Health:     app.HealthConfig{Enabled: true},
		},
	}

	jwtSvc, err := iauth.NewJWTService(cfg.Auth.JWTServiceConfig())
	require.NoError(t, err)

	env := &Env{T: t, DB: db, JWT: jwtSvc, now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}

	resolver, err := services.NewAccessResolver(db)
	require.NoError(t, err)
	env.Broker = realtime.NewBroker(resolver, realtime.WithReplaySize(cfg.Realtime.ReplaySize))

	routerOpts := []delivery.RouterOption{delivery.WithEvents(env.Broker)}
	for _, transport := range options.transports {
		routerOpts = append(routerOpts, delivery.WithTransport(transport))
	}
	env.Delivery, err = delivery.NewRouter(db, routerOpts...)
	require.NoError(t, err)

	env.Services, err = services.New(db, resolver, env.Delivery, nil, env.Broker)
	require.NoError(t, err)

	inbound, err := relay.NewInbound(db)
	require.NoError(t, err)

	limiter := ratelimit.NewLimiter(
		ratelimit.FromCache(cache.NewMemoryStore(env.Now)),
		cfg.RateLimit.LimiterConfig(),
		ratelimit.WithClock(env.Now),
	)

	health := monitoring.NewHealthManager()
	health.RegisterReadiness(checks.Database(db, time.Second))
	health.RegisterLiveness(checks.Realtime(env.Broker))

	env.Router, err = api.NewRouter(api.Dependencies{
		Config:   cfg,
		JWT:      jwtSvc,
		Services: env.Services,
		Delivery: env.Delivery,
		Limiter:  limiter,
		Inbound:  inbound,
		Broker:   env.Broker,
		Hub:      realtime.NewHub(env.Broker, jwtSvc.Authenticate, nil),
		Health:   health,
		Jobs:     monitoring.NewJobTracker(),
	})
	require.NoError(t, err)

	return env
}

// Now is the environment clock used by the rate limiter.
func (e *Env) Now() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

// Advance moves the environment clock forward.
func (e *Env) Advance(d time.Duration) {
	e.mu.Lock()
	e.now = e.now.Add(d)
	e.mu.Unlock()
}

// CreateUser inserts an active user with the given role and returns it with an access token.
func (e *Env) CreateUser(role models.UserRole) (*models.User, string) {
	e.T.Helper()

	username := string(role) + "-" + uuid.NewString()
	user := &models.User{
		Username: username,
		Email:    username + "@example.com",
		Role:     role,
		IsActive: true,
	}
	require.NoError(e.T, e.DB.Create(user).Error)

	token, err := e.JWT.GenerateAccessToken(iauth.AccessTokenInput{UserID: user.ID, Role: role})
	require.NoError(e.T, err)
	return user, token
}

// APIResponse represents the canonical API envelope returned by handlers.
type APIResponse struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *response.ErrorInfo `json:"error"`
	Meta    *response.Meta      `json:"meta"`
}

// DecodeResponse parses the standard API response object from a recorder.
func DecodeResponse(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

// DecodeInto unmarshals the data payload into the provided destination.
func DecodeInto[T any](t *testing.T, raw json.RawMessage, dest *T) {
	t.Helper()
	if dest == nil {
		t.Fatal("destination must not be nil")
	}
	require.NoError(t, json.Unmarshal(raw, dest))
}

// Request executes an HTTP request against the test router, applying JSON encoding and auth headers automatically.
func (e *Env) Request(method, path string, body any, token string) *httptest.ResponseRecorder {
	e.T.Helper()

	var buf *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(e.T, err)
		buf = bytes.NewBuffer(data)
	} else {
		buf = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, path, buf)
	require.NoError(e.T, err)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return e.Do(req, token)
}

// Do serves a prepared request, adding the bearer token when given.
func (e *Env) Do(req *http.Request, token string) *httptest.ResponseRecorder {
	e.T.Helper()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.Router.ServeHTTP(w, req)
	return w
}
