package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"coopledger/crypto"
	"coopledger/observability/logging"
	telemetry "coopledger/observability/otel"
	"coopledger/services/ledgerd/broadcast"
	"coopledger/services/ledgerd/cache"
	"coopledger/services/ledgerd/chain"
	"coopledger/services/ledgerd/config"
	"coopledger/services/ledgerd/confirm"
	"coopledger/services/ledgerd/funding"
	"coopledger/services/ledgerd/ingest"
	"coopledger/services/ledgerd/models"
	"coopledger/services/ledgerd/notify"
	"coopledger/services/ledgerd/outcome"
	"coopledger/services/ledgerd/provision"
	"coopledger/services/ledgerd/queue"
	"coopledger/services/ledgerd/scanner"
	"coopledger/services/ledgerd/server"
	"coopledger/services/ledgerd/store"
	"coopledger/services/ledgerd/supervisor"
)

func main() {
	if err := run(); err != nil {
		slog.Error("ledgerd exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/ledgerd/config.yaml", "path to ledgerd configuration (.yaml or .toml)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, logCloser := logging.Setup(logging.Options{
		Service:    "ledgerd",
		Env:        cfg.Environment,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "ledgerd",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	if err := models.AutoMigrate(db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	logger.Info("database ready", slog.String("driver", cfg.Database.Driver), logging.MaskDSN("dsn", cfg.Database.DSN))

	platformKey, err := crypto.LoadPlatformKey(cfg.Chain.Keystore, cfg.Chain.Passphrase)
	if err != nil {
		return fmt.Errorf("load platform key: %w", err)
	}
	signer := chain.KeySigner{}
	adapter, err := chain.NewRPC(chain.RPCConfig{
		Endpoint:        cfg.Chain.Endpoint,
		BearerToken:     cfg.Chain.BearerToken,
		TLSClientCAFile: cfg.Chain.TLSClientCA,
		AllowInsecure:   cfg.Chain.AllowInsecure,
		Timeout:         cfg.Chain.RequestTimeout.Duration,
	})
	if err != nil {
		return fmt.Errorf("chain client: %w", err)
	}
	platformAddress := platformKey.Address().String()
	logger.Info("chain client ready", slog.String("endpoint", cfg.Chain.Endpoint), slog.String("platform", platformAddress))

	var queryCache *cache.Redis
	var invalidator cache.Invalidator = cache.Noop{}
	if cfg.Redis.Address != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Address, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		queryCache = cache.NewRedis(rdb, cfg.Redis.TTL.Duration)
		invalidator = queryCache
	}

	hub := notify.NewHub()
	sinks := notify.Multi{hub}
	if cfg.Notify.WebhookURL != "" {
		bus, err := notify.NewBus(cfg.Notify.WebhookURL, []byte(cfg.Notify.WebhookSecret), notify.WithBusLogger(logger))
		if err != nil {
			return fmt.Errorf("webhook bus: %w", err)
		}
		defer bus.Close()
		sinks = append(sinks, bus)
	}

	st := store.New(db, nil)
	policy := queue.Policy{MaxAttempts: cfg.Queues.MaxAttempts, Backoff: cfg.Queues.Backoff.Duration}
	jobs := queue.New(db,
		queue.WithPolicy(queue.Reprocess, policy),
		queue.WithPolicy(queue.Funding, policy),
		queue.WithLease(cfg.Queues.Lease.Duration),
	)
	pollOpts := chain.PollOptions{Blocks: cfg.Chain.PollBlocks, Interval: cfg.Chain.PollInterval.Duration}
	waiter := confirm.NewWaiter(adapter,
		confirm.WithAttempts(cfg.Chain.PollAttempts),
		confirm.WithInterval(cfg.Chain.PollInterval.Duration),
		confirm.WithPollBlocks(cfg.Chain.PollBlocks),
		confirm.WithWaiterLogger(logger),
	)
	submitter := confirm.NewSubmitter(adapter, cfg.Chain.SubmitAttempts, pollOpts, logger)
	platform, err := confirm.NewPlatform(adapter, submitter, signer, platformKey)
	if err != nil {
		return err
	}
	ingestor := ingest.New(st, sinks, ingest.WithCache(invalidator), ingest.WithLogger(logger))

	handler := outcome.New(adapter, waiter, st, ingestor, jobs, sinks,
		outcome.WithDepth(cfg.Chain.Confirmations),
		outcome.WithTopUp(chain.ToBase(cfg.Funding.Threshold), cfg.Funding.TopUp, append([]string{platformAddress}, cfg.Funding.Exempt...)...),
		outcome.WithCache(invalidator),
		outcome.WithLogger(logger),
	)
	engine := supervisor.New(adapter, submitter, signer, st, ingestor, handler, jobs, sinks,
		supervisor.Config{WelcomeAmount: cfg.Funding.Welcome, Cache: invalidator}, logger)
	handler.SetSupervisor(engine)
	fundingHandler := funding.NewHandler(platform, waiter, st, sinks, logger)
	fundingHandler.SetCache(invalidator)

	scan := scanner.New(st, handler, engine, jobs, scanner.Config{SupervisorGrace: cfg.Scanner.SupervisorGrace.Duration}, logger)
	provisioner := provision.New(adapter, submitter, signer, platform, waiter, st, ingestor, jobs, provision.Config{
		Attempts:        cfg.Provisioning.Attempts,
		DeployerFunding: cfg.Provisioning.Funding,
	}, logger)

	tenantAuth, err := server.NewTenantAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, logger)
	if err != nil {
		return err
	}
	adminAuth, err := server.NewAdminAuthenticator(cfg.Auth.AdminToken)
	if err != nil {
		return err
	}
	health := map[string]server.HealthChecker{
		"database": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		"chain": func(ctx context.Context) error {
			_, err := adapter.Height(ctx)
			return err
		},
	}
	srvCfg := server.Config{
		Records:     st,
		Broadcaster: broadcast.New(adapter, submitter, ingestor, jobs, logger),
		Scanner:     scan,
		Provisioner: provisionerWithDefaults{workflow: provisioner, coop: cfg.Provisioning.CoopArtifact, eur: cfg.Provisioning.EurArtifact},
		Queues:      jobs,
		Hub:         hub,
		TenantAuth:  tenantAuth,
		AdminAuth:   adminAuth,
		Limiter:     server.NewRateLimiter(cfg.Auth.RateLimit, cfg.Auth.RateBurst),
		Health:      health,
		Logger:      logger,

		AllowedOrigins: cfg.Auth.AllowedOrigins,
	}
	if queryCache != nil {
		srvCfg.Cache = queryCache
		health["redis"] = queryCache.HealthCheck
	}
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.New(srvCfg).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var wg sync.WaitGroup
	background := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	background(queue.NewPool(jobs, queue.Reprocess, handler.QueueHandler(), cfg.Queues.ReprocessWorkers, logger).Run)
	background(queue.NewPool(jobs, queue.Funding, fundingHandler.QueueHandler(), cfg.Queues.FundingWorkers, logger).Run)
	background(scanner.NewScheduler(scan, cfg.Scanner.Interval.Duration, logger).Start)
	background(func(ctx context.Context) { reportQueueDepth(ctx, jobs, logger) })

	errs := make(chan error, 1)
	go func() {
		logger.Info("ledgerd listening", slog.String("addr", cfg.ListenAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errs:
		stop()
		wg.Wait()
		return err
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		_ = httpServer.Close()
	}
	wg.Wait()
	logger.Info("ledgerd stopped")
	return nil
}

func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gcfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		dialector = postgres.Open(cfg.DSN)
	}
	db, err := gorm.Open(dialector, gcfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

func reportQueueDepth(ctx context.Context, jobs *queue.Queue, logger *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		if err := jobs.ReportDepth(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("queue depth report failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// provisionerWithDefaults fills configured contract artifacts into admin requests.
type provisionerWithDefaults struct {
	workflow *provision.Workflow
	coop     string
	eur      string
}

func (p provisionerWithDefaults) Provision(ctx context.Context, req provision.Request) (*models.Cooperative, error) {
	if req.CoopArtifact == "" {
		req.CoopArtifact = p.coop
	}
	if req.EurArtifact == "" {
		req.EurArtifact = p.eur
	}
	return p.workflow.Provision(ctx, req)
}
