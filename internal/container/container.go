// Package container provides dependency injection.
package container

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/rentgrid/backend/internal/alerts"
	"github.com/rentgrid/backend/internal/archive"
	"github.com/rentgrid/backend/internal/auth"
	"github.com/rentgrid/backend/internal/booking"
	"github.com/rentgrid/backend/internal/catalog"
	"github.com/rentgrid/backend/internal/chain"
	"github.com/rentgrid/backend/internal/config"
	"github.com/rentgrid/backend/internal/escrow"
	"github.com/rentgrid/backend/internal/events"
	"github.com/rentgrid/backend/internal/jobs"
	"github.com/rentgrid/backend/internal/migrations"
	"github.com/rentgrid/backend/internal/monitoring"
	"github.com/rentgrid/backend/internal/notification"
	"github.com/rentgrid/backend/internal/provider/aws"
	"github.com/rentgrid/backend/internal/realtime"
	"github.com/rentgrid/backend/internal/reputation"
	"github.com/rentgrid/backend/internal/repository"
	"github.com/rentgrid/backend/internal/telemetry"
)

// Cache and buffer sizes.
const (
	catalogCacheSize = 4096
	catalogCacheTTL  = time.Minute
	hubBuffer        = 64
)

// Container holds all application dependencies.
type Container struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *sql.DB
	redis    *redis.Client
	registry *prometheus.Registry
	metrics  *telemetry.Metrics

	jwt       *auth.JWTManager
	chain     chain.EscrowClient
	relay     *chain.RelayClient
	amqp      *events.AMQPPublisher
	catalog   catalog.Catalog
	scheduler *jobs.Scheduler

	// Repositories
	bookingRepo repository.BookingRepository
	alertRepo   repository.AlertRepository
	metricsRepo repository.MetricsRepository

	// Services
	coordinator  *escrow.Coordinator
	bookings     *booking.Service
	alerts       *alerts.Manager
	monitor      *monitoring.Monitor
	hub          *realtime.Hub
	bridge       *realtime.RedisBridge
	gateway      *realtime.Gateway
	notifService *notification.Service

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new dependency container.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Container, error) {
	c := &Container{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	c.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	c.metrics = telemetry.New(c.registry)

	jwtMgr, err := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize JWT manager: %w", err)
	}
	c.jwt = jwtMgr

	if err := c.initStorage(ctx); err != nil {
		c.Close()
		return nil, err
	}

	var provider *aws.Provider
	if cfg.AWS.Enabled {
		provider, err = aws.NewProvider(ctx, cfg.AWS, logger)
		if err != nil {
			logger.Warn("failed to initialize AWS provider", "error", err)
		} else {
			logger.Info("AWS provider initialized", "region", provider.Region())
		}
	}

	if err := c.initChain(ctx, provider); err != nil {
		c.Close()
		return nil, err
	}

	// Resource catalog
	if cfg.Catalog.URL != "" {
		c.catalog = catalog.NewCached(catalog.NewHTTPCatalog(cfg.Catalog, cfg.Chain.CircuitBreaker), catalogCacheSize, catalogCacheTTL)
		logger.Info("resource catalog configured", "url", cfg.Catalog.URL)
	} else {
		c.catalog = catalog.NewStaticCatalog()
		logger.Warn("CATALOG_URL not set, no resources are bookable")
	}

	// Notification service
	c.notifService = notification.NewService(cfg.Notification, logger)
	logger.Info("notification service initialized", "enabled", c.notifService.Enabled())

	// Booking events
	var publisher events.Publisher = events.Noop{}
	if cfg.AMQP.URL != "" {
		c.amqp, err = events.NewAMQPPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to connect to broker: %w", err)
		}
		publisher = c.amqp
		logger.Info("booking events enabled", "exchange", cfg.AMQP.Exchange)
	}

	var rep reputation.Notifier = reputation.Noop{}
	if cfg.Reputation.URL != "" {
		rep = reputation.NewHTTPNotifier(cfg.Reputation)
	}

	// Realtime
	c.hub = realtime.NewHub(hubBuffer, c.metrics, logger)
	if cfg.Redis.Enabled {
		c.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := c.redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		c.bridge = realtime.NewRedisBridge(c.redis, cfg.Redis.Channel, c.hub, logger)
		logger.Info("realtime bridge enabled", "addr", cfg.Redis.Addr(), "channel", cfg.Redis.Channel)
	}

	// Alerts and monitoring
	thresholds, err := config.LoadThresholds(cfg.Monitoring.ThresholdsFile, cfg.Monitoring.SuppressionWindow)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to load alert thresholds: %w", err)
	}
	alertDeps := alerts.Deps{Catalog: c.catalog, Publisher: c.hub, Metrics: c.metrics}
	if c.notifService.Enabled() {
		alertDeps.Notifier = c.notifService
	}
	c.alerts = alerts.NewManager(c.alertRepo, alerts.Config{
		Thresholds:  thresholds,
		AutoResolve: cfg.Monitoring.AutoResolve,
	}, alertDeps, logger)

	c.monitor, err = monitoring.NewMonitor(c.metricsRepo, c.alerts, c.hub, cfg.Monitoring, logger)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize monitor: %w", err)
	}
	c.gateway = realtime.NewGateway(c.hub, c.jwt, c.monitor, cfg.Server.AllowedOrigins, logger)

	// Booking ledger
	bookingDeps := booking.Deps{Reputation: rep, Events: publisher, Metrics: c.metrics}
	if c.notifService.Enabled() {
		bookingDeps.Disputes = c.notifService
	}
	c.bookings = booking.NewService(c.bookingRepo, c.catalog, c.coordinator, bookingDeps, logger)

	// Background jobs
	var source monitoring.MetricsSource = monitoring.NewSyntheticSource(uint64(time.Now().UnixNano()))
	if provider != nil {
		source = monitoring.NewEC2AvailabilitySource(source, func(region string) monitoring.InstanceStatusAPI {
			return provider.EC2(region)
		})
	}
	c.scheduler = jobs.NewScheduler(cfg.Jobs.JobTimeout, c.metrics, logger)
	runner := jobs.NewRunner(c.bookings, c.catalog, source, c.monitor, cfg.Jobs.ExpiredAutoComplete, logger)
	if err := runner.Register(c.scheduler, cfg.Jobs.MetricsCollectSchedule, cfg.Jobs.ExpiredSweepSchedule); err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}

func (c *Container) initStorage(ctx context.Context) error {
	if c.cfg.Storage.Driver == "memory" {
		c.bookingRepo = repository.NewMemoryBookingRepository()
		c.alertRepo = repository.NewMemoryAlertRepository()
		c.metricsRepo = repository.NewMemoryMetricsRepository(c.cfg.Monitoring.SampleWindow * 10)
		c.logger.Warn("using in-memory storage, data is lost on restart")
		return nil
	}

	db, err := sql.Open("pgx", c.cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(c.cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(c.cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(c.cfg.Database.MaxLifetime)
	c.db = db

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	c.logger.Info("database connected", "host", c.cfg.Database.Host, "database", c.cfg.Database.Name)

	if c.cfg.Database.AutoMigrate {
		if err := migrations.New(db, c.logger).Up(ctx); err != nil {
			return err
		}
	}

	c.bookingRepo = repository.NewPostgresBookingRepository(db)
	c.alertRepo = repository.NewPostgresAlertRepository(db)
	c.metricsRepo = repository.NewPostgresMetricsRepository(db)
	return nil
}

func (c *Container) initChain(ctx context.Context, provider *aws.Provider) error {
	switch c.cfg.Chain.Mode {
	case "relay":
		relay, err := chain.NewRelayClient(ctx, c.cfg.Chain, c.logger)
		if err != nil {
			return err
		}
		c.relay = relay
		c.chain = relay
		c.logger.Info("escrow relayer connected", "url", c.cfg.Chain.RelayURL)
	default:
		c.chain = chain.NewMemoryContract()
		c.logger.Warn("using in-memory escrow contract")
	}

	var archiver archive.Archiver = archive.Noop{}
	if c.cfg.Archive.Bucket != "" {
		if provider == nil {
			c.logger.Warn("ARCHIVE_S3_BUCKET set but AWS is not enabled, receipts are not archived")
		} else {
			archiver = archive.NewS3Archiver(provider.S3(), c.cfg.Archive.Bucket, c.cfg.Archive.Prefix)
			c.logger.Info("escrow receipt archive enabled", "bucket", c.cfg.Archive.Bucket)
		}
	}
	c.coordinator = escrow.NewCoordinator(c.chain, c.cfg.Chain, archiver, c.metrics, c.logger)
	return nil
}

// Start starts the violation reporter, the realtime bridge and background jobs.
func (c *Container) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.coordinator.Start()
	if c.bridge != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.bridge.Run(ctx)
		}()
	}
	c.scheduler.Start()
}

// Stop stops background work and drains pending violation reports, then
// releases connections. ctx bounds the drain.
func (c *Container) Stop(ctx context.Context) error {
	c.logger.Info("stopping container components")

	if c.scheduler != nil {
		c.scheduler.Stop()
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	var err error
	if c.coordinator != nil {
		if derr := c.coordinator.Drain(ctx); derr != nil {
			c.logger.Warn("violation reports not drained", "error", derr)
			err = derr
		}
	}
	c.Close()
	return err
}

// Close releases connections without draining.
func (c *Container) Close() {
	if c.relay != nil {
		c.relay.Close()
	}
	if c.amqp != nil {
		if err := c.amqp.Close(); err != nil {
			c.logger.Warn("failed to close broker connection", "error", err)
		}
	}
	if c.redis != nil {
		c.redis.Close()
	}
	if c.db != nil {
		c.db.Close()
	}
}

// Health checks the backing stores and the escrow relayer.
func (c *Container) Health(ctx context.Context) map[string]string {
	status := map[string]string{"storage": c.cfg.Storage.Driver, "chain": c.cfg.Chain.Mode}
	if c.db != nil {
		status["database"] = health(c.db.PingContext(ctx))
	}
	if c.redis != nil {
		status["redis"] = health(c.redis.Ping(ctx).Err())
	}
	if c.relay != nil {
		status["relay_breaker"] = string(c.relay.BreakerState())
	}
	return status
}

// Healthy reports whether every check in status passed.
func Healthy(status map[string]string) bool {
	for k, v := range status {
		if (k == "database" || k == "redis") && v != "ok" {
			return false
		}
	}
	return true
}

func health(err error) string {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "timeout"
		}
		return "unavailable"
	}
	return "ok"
}

// Accessors

func (c *Container) Config() *config.Config              { return c.cfg }
func (c *Container) Logger() *slog.Logger                { return c.logger }
func (c *Container) Registry() *prometheus.Registry      { return c.registry }
func (c *Container) Metrics() *telemetry.Metrics         { return c.metrics }
func (c *Container) JWT() *auth.JWTManager               { return c.jwt }
func (c *Container) Bookings() *booking.Service          { return c.bookings }
func (c *Container) Alerts() *alerts.Manager             { return c.alerts }
func (c *Container) Monitor() *monitoring.Monitor        { return c.monitor }
func (c *Container) Gateway() *realtime.Gateway          { return c.gateway }
func (c *Container) Scheduler() *jobs.Scheduler          { return c.scheduler }
func (c *Container) Coordinator() *escrow.Coordinator    { return c.coordinator }
