package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/bucketcast/internal/api"
	"github.com/charlesng35/bucketcast/internal/app"
	"github.com/charlesng35/bucketcast/internal/app/maintenance"
	iauth "github.com/charlesng35/bucketcast/internal/auth"
	"github.com/charlesng35/bucketcast/internal/cache"
	"github.com/charlesng35/bucketcast/internal/database"
	"github.com/charlesng35/bucketcast/internal/delivery"
	"github.com/charlesng35/bucketcast/internal/models"
	"github.com/charlesng35/bucketcast/internal/monitoring"
	"github.com/charlesng35/bucketcast/internal/monitoring/checks"
	"github.com/charlesng35/bucketcast/internal/ratelimit"
	"github.com/charlesng35/bucketcast/internal/realtime"
	"github.com/charlesng35/bucketcast/internal/relay"
	"github.com/charlesng35/bucketcast/internal/services"
	"github.com/charlesng35/bucketcast/pkg/crypto"
	"github.com/charlesng35/bucketcast/pkg/logger"
)

const (
	probeTimeout = 3 * time.Second
	// longest default schedule is the monthly quota reset
	maintenanceMaxAge   = 32 * 24 * time.Hour
	externalHTTPTimeout = 10 * time.Second
)

// runtimeStack bundles long-lived services used by the HTTP server.
type runtimeStack struct {
	DB         *gorm.DB
	Redis      *redis.Client
	Store      cache.Store
	Broker     *realtime.Broker
	Dispatcher *delivery.Dispatcher
	Delivery   *delivery.Router
	Services   *services.Services
	Cleaner    *maintenance.Cleaner
	Jobs       *monitoring.JobTracker
	Health     *monitoring.HealthManager
	Router     *gin.Engine

	cancel     context.CancelFunc
	background sync.WaitGroup
}

// bootstrapRuntime initialises databases, caches, services, and the HTTP router.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{}
	var err error
	success := false

	defer func() {
		if !success {
			_ = stack.Shutdown(context.Background(), log)
		}
	}()

	// enable gin debug mod
	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stack.cancel = cancel

	stack.DB, err = initialiseDatabase(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Cache.Redis.Enabled {
		if stack.Redis, err = cache.NewRedisClient(ctx, cfg.Cache.RedisClientConfig()); err != nil {
			log.Warn("redis unavailable; falling back to database-backed operations", zap.Error(err))
			stack.Redis = nil
		} else {
			log.Info("redis connected", zap.String("addr", cfg.Cache.Redis.Address))
		}
	}

	if stack.Redis != nil {
		stack.Store = cache.NewRedisStore(stack.Redis, cfg.Cache.Redis.Prefix)
	} else {
		stack.Store = cache.NewDatabaseStore(stack.DB, nil)
	}

	jwtSvc, err := iauth.NewJWTService(cfg.Auth.JWTServiceConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise jwt service: %w", err)
	}

	resolver, err := services.NewAccessResolver(stack.DB)
	if err != nil {
		return nil, fmt.Errorf("initialise access resolver: %w", err)
	}

	brokerOpts := []realtime.BrokerOption{realtime.WithReplaySize(cfg.Realtime.ReplaySize)}
	if stack.Redis != nil {
		brokerOpts = append(brokerOpts, realtime.WithMirror(realtime.NewRedisMirror(stack.Redis, cfg.Realtime.RedisChannel)))
	}
	stack.Broker = realtime.NewBroker(resolver, brokerOpts...)
	stack.background.Add(1)
	go func() {
		defer stack.background.Done()
		if err := stack.Broker.RunMirror(runCtx); err != nil && runCtx.Err() == nil {
			logger.WithModule("realtime").Warn("event mirror stopped", zap.Error(err))
		}
	}()

	transports, err := buildTransports(ctx, cfg, stack.Store, log)
	if err != nil {
		return nil, err
	}

	stack.Dispatcher = delivery.NewDispatcher(cfg.Delivery.Workers, cfg.Delivery.QueueSize)
	stack.Dispatcher.Start(runCtx)

	routerOpts := []delivery.RouterOption{
		delivery.WithPacing(models.TransportPush, cfg.Delivery.PushRate, cfg.Delivery.PushBurst),
		delivery.WithPacing(models.TransportPassthrough, cfg.Delivery.PushRate, cfg.Delivery.PushBurst),
		delivery.WithEvents(stack.Broker),
		delivery.WithDispatcher(stack.Dispatcher),
		delivery.WithBackoff(cfg.Delivery.Backoff()),
		delivery.WithMaxAttempts(cfg.Delivery.MaxAttempts),
	}
	for _, t := range transports {
		routerOpts = append(routerOpts, delivery.WithTransport(t))
	}
	stack.Delivery, err = delivery.NewRouter(stack.DB, routerOpts...)
	if err != nil {
		return nil, fmt.Errorf("initialise delivery router: %w", err)
	}

	var external services.ExternalPublisher
	if key := strings.TrimSpace(cfg.External.EncryptionKey); key != "" {
		sealer, err := crypto.NewSealer(key, cfg.External.Salt)
		if err != nil {
			return nil, fmt.Errorf("initialise credential sealer: %w", err)
		}
		timeout := cfg.External.Timeout
		if timeout <= 0 {
			timeout = externalHTTPTimeout
		}
		external = relay.NewExternalPublisher(stack.DB, sealer, &http.Client{Timeout: timeout})
	}

	stack.Services, err = services.New(stack.DB, resolver, stack.Delivery, external, stack.Broker)
	if err != nil {
		return nil, fmt.Errorf("initialise services: %w", err)
	}

	inbound, err := relay.NewInbound(stack.DB)
	if err != nil {
		return nil, fmt.Errorf("initialise relay inbound: %w", err)
	}

	limiter := ratelimit.NewLimiter(ratelimit.FromCache(stack.Store), cfg.RateLimit.LimiterConfig())

	sweeper, err := delivery.NewSweeper(stack.DB, stack.Delivery,
		delivery.WithReleaser(stack.Services.Messages.Release),
		delivery.WithBatchSize(cfg.Delivery.SweepBatch),
	)
	if err != nil {
		return nil, fmt.Errorf("initialise delivery sweeper: %w", err)
	}

	stack.Jobs = monitoring.NewJobTracker()
	if cfg.Maintenance.Enabled {
		var purger maintenance.Purger
		if p, ok := stack.Store.(maintenance.Purger); ok {
			purger = p
		}
		stack.Cleaner = maintenance.NewCleaner(
			maintenance.WithTracker(stack.Jobs),
			maintenance.WithJob(maintenance.JobDeliverySweep, cfg.Maintenance.SweepSchedule, maintenance.SweepTask(sweeper)),
			maintenance.WithJob(maintenance.JobQuotaReset, cfg.Maintenance.QuotaSchedule, maintenance.QuotaResetTask(stack.DB, nil)),
			maintenance.WithJob(maintenance.JobCachePurge, cfg.Maintenance.CacheSchedule, maintenance.CachePurgeTask(purger)),
			maintenance.WithJob(maintenance.JobEphemeralCleanup, cfg.Maintenance.EphemeralSchedule, maintenance.EphemeralCleanupTask(stack.Services.Messages)),
		)
		if err := stack.Cleaner.Start(); err != nil {
			return nil, fmt.Errorf("start maintenance jobs: %w", err)
		}
	}

	stack.Health = monitoring.NewHealthManager()
	stack.Health.RegisterLiveness(checks.Realtime(stack.Broker))
	stack.Health.RegisterReadiness(checks.Database(stack.DB, probeTimeout))
	if stack.Redis != nil {
		stack.Health.RegisterReadiness(checks.Redis(stack.Redis, probeTimeout))
	}
	if stack.Cleaner != nil {
		stack.Health.RegisterReadiness(checks.Maintenance(stack.Jobs, maintenanceMaxAge))
	}

	hub := realtime.NewHub(stack.Broker, jwtSvc.Authenticate, cfg.Server.AllowedOrigins)

	stack.Router, err = api.NewRouter(api.Dependencies{
		Config:   cfg,
		JWT:      jwtSvc,
		Services: stack.Services,
		Delivery: stack.Delivery,
		Limiter:  limiter,
		Inbound:  inbound,
		Broker:   stack.Broker,
		Hub:      hub,
		Health:   stack.Health,
		Jobs:     stack.Jobs,
	})
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	success = true
	return stack, nil
}

// buildTransports returns the push transports enabled by cfg. A configured
// relay takes precedence over direct SNS for mobile devices.
func buildTransports(ctx context.Context, cfg *app.Config, store cache.Store, log *zap.Logger) ([]delivery.Transport, error) {
	var out []delivery.Transport

	if cfg.Relay.Passthrough() {
		client := relay.NewClient(store,
			relay.WithTimeout(cfg.Relay.Timeout),
			relay.WithQuotaWindow(cfg.Relay.QuotaWindow),
		)
		// A restart is the operator's signal that the token may have been
		// replaced, so a previous rejection no longer applies.
		if err := client.Forget(ctx, cfg.Relay.Token); err != nil {
			log.Warn("reset relay token state", zap.Error(err))
		}
		out = append(out, delivery.NewPassthroughTransport(client, cfg.Relay.ServerURL, cfg.Relay.Token))
		log.Info("passthrough relay enabled", zap.String("server", cfg.Relay.ServerURL))
	}

	if cfg.Push.SNS.Enabled {
		client, err := delivery.NewSNSClient(ctx, cfg.Push.SNS.Region)
		if err != nil {
			return nil, fmt.Errorf("initialise sns client: %w", err)
		}
		out = append(out, delivery.NewSNSTransport(client, cfg.Push.SNSConfig()))
		log.Info("sns push enabled", zap.String("region", cfg.Push.SNS.Region))
	}

	if cfg.Push.WebPush.Enabled {
		out = append(out, delivery.NewWebPushTransport(cfg.Push.WebPushConfig(), &http.Client{Timeout: externalHTTPTimeout}))
		log.Info("web push enabled")
	}

	return out, nil
}

// Shutdown gracefully stops background jobs and releases resources.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) error {
	if s == nil {
		return nil
	}

	var errs error

	if s.Cleaner != nil {
		stopCtx := s.Cleaner.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
			errs = multierr.Append(errs, fmt.Errorf("maintenance jobs did not stop: %w", ctx.Err()))
		}
	}

	if s.Dispatcher != nil {
		s.Dispatcher.Stop()
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.background.Wait()

	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			log.Warn("redis shutdown", zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}

	if s.DB != nil {
		errs = multierr.Append(errs, closeDatabase(s.DB, log))
	}

	return errs
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := convertDatabaseConfig(cfg)
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrateAndSeed(db); err != nil {
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	log := logger.WithModule("database")
	log.Info("database connected", zap.String("driver", dbCfg.Driver))

	return db, nil
}

func convertDatabaseConfig(cfg *app.Config) database.Config {
	dbCfg := database.Config{
		Driver: strings.ToLower(strings.TrimSpace(cfg.Database.Driver)),
		Path:   strings.TrimSpace(cfg.Database.Path),
		DSN:    strings.TrimSpace(cfg.Database.DSN),
	}

	var auth app.DBAuthConfig
	switch dbCfg.Driver {
	case "", "sqlite":
		dbCfg.Driver = "sqlite"
		return dbCfg
	case "postgres", "postgresql":
		dbCfg.Driver = "postgres"
		auth = cfg.Database.Postgres
	case "mysql":
		auth = cfg.Database.MySQL
	default:
		// Leave driver as-is to surface unsupported driver error during open.
		return dbCfg
	}

	dbCfg.Host = strings.TrimSpace(auth.Host)
	dbCfg.Port = auth.Port
	dbCfg.Name = strings.TrimSpace(auth.Database)
	dbCfg.User = strings.TrimSpace(auth.Username)
	dbCfg.Password = strings.TrimSpace(auth.Password)
	return dbCfg
}

func closeDatabase(db *gorm.DB, log *zap.Logger) error {
	if db == nil {
		return nil
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("failed to obtain underlying sql DB for closing", zap.Error(err))
		return err
	}

	if err := sqlDB.Close(); err != nil {
		log.Warn("failed to close database", zap.Error(err))
		return err
	}
	return nil
}
