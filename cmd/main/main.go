package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/config"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/healthcheck"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/httpapi"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/jetstream"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/provider"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/session"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/usecase"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/ws"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/pkg/utils"
)

const (
	version         = "1.0.0"
	shutdownTimeout = 30 * time.Second
)

func main() {
	// Set timezone to UTC
	time.Local = time.UTC

	// .env is a development convenience, real deployments use the environment
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.LoadConfig("")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := logger.Initialize(cfg.LogLevel, logger.FileOptions{
		Filename:   cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	metricsEnabled := cfg.Metrics.Enabled
	observer.InitMetrics(metricsEnabled)

	logger.Log.Info("Starting Daisi WA Connection Manager",
		zap.String("environment", cfg.Environment),
		zap.Int("api_port", cfg.Server.Port),
		zap.Bool("nats_enabled", cfg.NATS.Enabled),
	)

	// Instance store
	postgresRepo, err := initPostgresRepo(cfg)
	if err != nil {
		logger.Log.Fatal("Failed to initialize Postgres repository", zap.Error(err))
	}
	instanceRepo := storage.NewInstanceRepoAdapter(postgresRepo)

	// Optional status feed
	var (
		jsClient  *jetstream.Client
		publisher usecase.StatusPublisher = usecase.NoopStatusPublisher{}
	)
	if cfg.NATS.Enabled {
		jsClient, err = initJetStreamClient(cfg)
		if err != nil {
			logger.Log.Fatal("Failed to initialize JetStream client", zap.Error(err))
		}
		publisher = usecase.NewNATSStatusPublisher(jsClient, cfg.NATS.SubjectPrefix, logger.Log)
	}

	// Gateway client and the pool its pairing calls run on
	providerClient := provider.NewHTTPClient(provider.Options{
		RequestTimeout:  cfg.Provider.RequestTimeout,
		RetryMaxElapsed: cfg.Provider.RetryMaxElapsed,
		Integration:     cfg.Provider.Integration,
	}, logger.Log)
	credentials := usecase.NewCredentialResolver(cfg.Provider)
	if _, err := credentials.Global(); err != nil {
		// Not fatal: accounts with their own gateway still work.
		logger.Log.Warn("No global gateway credentials configured", zap.Error(err))
	}

	providerPool, err := usecase.NewProviderPool(cfg.WorkerPools.Provider, logger.Log)
	if err != nil {
		logger.Log.Fatal("Failed to initialize provider worker pool", zap.Error(err))
	}

	// Lifecycle core
	registry := session.NewRegistry(logger.Log)
	reconciler := usecase.NewReconciler(instanceRepo, registry, publisher, logger.Log)
	supervisor := usecase.NewPairingSupervisor(cfg.Pairing, providerClient, providerPool, reconciler, registry, logger.Log)
	reconciler.AttachObserver(supervisor)
	service := usecase.NewConnectionService(instanceRepo, providerClient, credentials, supervisor, reconciler, cfg.Pairing.QRRefreshInterval, logger.Log)

	var sweeper *usecase.StaleSweeper
	if cfg.Sweeper.Enabled {
		sweeper = usecase.NewStaleSweeper(instanceRepo, providerClient, credentials, reconciler, supervisor, usecase.SweeperOptions{
			Spec:        cfg.Sweeper.Spec,
			StaleAfter:  cfg.Sweeper.StaleAfter,
			CallTimeout: cfg.Pairing.CallTimeout,
		}, logger.Log)
		if err := sweeper.Start(); err != nil {
			logger.Log.Fatal("Failed to start stale sweeper", zap.Error(err))
		}
	}

	// Front door
	wsHandler := ws.NewHandler(registry, service.Snapshot, ws.Options{
		WriteTimeout: cfg.Websocket.WriteTimeout,
		PongWait:     cfg.Websocket.PongWait,
		PingPeriod:   cfg.Websocket.PingPeriod,
		SendBuffer:   cfg.Websocket.SendBuffer,
	}, strings.Split(cfg.Websocket.AllowedOrigins, ","), logger.Log)

	apiServer := httpapi.NewServer(httpapi.Options{
		Port:               cfg.Server.Port,
		RateLimitPerSecond: cfg.HTTP.RateLimitPerSecond,
		RateLimitBurst:     cfg.HTTP.RateLimitBurst,
		CORSAllowOrigins:   cfg.HTTP.CORSAllowOrigins,
	}, service, reconciler, wsHandler, logger.Log)

	// Health check server
	healthServer := healthcheck.NewServer(cfg.Health.Port, version, logger.Log)
	healthServer.RegisterChecker("postgres", postgresRepo.Ping)
	if jsClient != nil {
		healthServer.RegisterChecker("nats", func(context.Context) error {
			if !jsClient.IsConnected() {
				return fmt.Errorf("nats not connected")
			}
			return nil
		})
	}
	if metricsEnabled {
		healthServer.RegisterMetricsHandler(promhttp.Handler())
		logger.Log.Info("Metrics endpoint enabled", zap.String("path", "/metrics"), zap.Int("port", cfg.Health.Port))
	}

	healthServer.Start()
	apiServer.Start()

	logger.Log.Info("Endpoints available",
		zap.String("api", fmt.Sprintf("http://localhost:%d/instances", cfg.Server.Port)),
		zap.String("websocket", fmt.Sprintf("ws://localhost:%d/ws", cfg.Server.Port)),
		zap.String("health", fmt.Sprintf("http://localhost:%d/health", cfg.Health.Port)),
		zap.String("readiness", fmt.Sprintf("http://localhost:%d/ready", cfg.Health.Port)),
	)

	// Wait for termination signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Log.Info("Received termination signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	logger.Log.Info("Starting graceful shutdown", zap.Duration("timeout", shutdownTimeout))

	// Stop taking traffic first, then the background work, then the stores.
	var wg sync.WaitGroup
	stop := func(name string, fn func()) {
		wg.Add(1)
		utils.SafeGo(func() {
			defer wg.Done()
			logger.Log.Info("[shutdown] Stopping " + name)
			start := time.Now()
			fn()
			logger.Log.Info("[shutdown] Stopped "+name, zap.Duration("duration", time.Since(start)))
		}, func(r interface{}, stack []byte) {
			logger.Log.Error("[shutdown] Panic while stopping "+name,
				zap.Any("panic", r),
				zap.ByteString("stack", stack),
			)
		})
	}

	stop("API server", func() {
		if err := apiServer.Stop(shutdownCtx); err != nil {
			logger.Log.Error("[shutdown] Error stopping API server", zap.Error(err))
		}
		registry.CloseAll()
	})
	stop("health check server", func() {
		if err := healthServer.Stop(shutdownCtx); err != nil {
			logger.Log.Error("[shutdown] Error stopping health check server", zap.Error(err))
		}
	})
	if sweeper != nil {
		stop("stale sweeper", func() { sweeper.Stop(shutdownCtx) })
	}
	stop("pairing supervisor", func() {
		if err := supervisor.Shutdown(shutdownCtx); err != nil {
			logger.Log.Warn("[shutdown] Pairing loops still running", zap.Error(err))
		}
		providerPool.Release(5 * time.Second)
	})
	wg.Wait()

	// Stores go last so in-flight transitions can still be written.
	if err := postgresRepo.Close(shutdownCtx); err != nil {
		logger.Log.Error("[shutdown] Failed to close PostgreSQL connection", zap.Error(err))
	}
	if jsClient != nil {
		jsClient.Close()
		logger.Log.Info("[shutdown] JetStream connection closed")
	}

	logger.Log.Info("Daisi WA Connection Manager shutdown complete")
}

// initPostgresRepo connects to PostgreSQL and migrates the tables when enabled.
func initPostgresRepo(cfg *config.Config) (*storage.PostgresRepo, error) {
	if cfg.Database.PostgresDSN == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	repo, err := storage.NewPostgresRepo(storage.RepoOptions{
		DSN:                  cfg.Database.PostgresDSN,
		AutoMigrate:          cfg.Database.PostgresAutoMigrate,
		Schema:               cfg.Database.Schema,
		DefaultInstanceLimit: cfg.Limits.DefaultInstanceLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize postgres repository: %w", err)
	}

	logger.Log.Info("Initialized PostgreSQL repository", zap.String("schema", cfg.Database.Schema))
	return repo, nil
}

// initJetStreamClient connects to NATS and makes sure the status stream exists.
func initJetStreamClient(cfg *config.Config) (*jetstream.Client, error) {
	client, err := jetstream.NewClient(cfg.NATS.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	streamCfg := jetstream.StatusStreamConfig(cfg.NATS.Stream, cfg.NATS.SubjectPrefix, cfg.NATS.MaxAge)
	if err := client.SetupStream(ctx, streamCfg); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set up status stream: %w", err)
	}
	return client, nil
}
