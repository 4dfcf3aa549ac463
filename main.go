package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/wagnerlcg/iqoptiontraderbot/config"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/api"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/auth"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/autopilot"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/broker"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/cache"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/database"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/events"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/logging"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/vault"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON or YAML config file")
	flag.Parse()

	// .env is optional
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		Component:   "main",
	})
	logging.SetDefault(logger)
	logger.Info("Structured logging initialized", "broker_mode", cfg.BrokerConfig.Mode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Broker credentials
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		logger.Fatal("Failed to initialize vault client", "error", err)
	}
	if vaultClient.IsEnabled() {
		if err := vaultClient.Health(ctx); err != nil {
			logger.Warn("Vault health check failed, credentials will not be persisted", "error", err)
		} else {
			logger.Info("Vault connected", "address", cfg.VaultConfig.Address)
		}
	}

	brokers, err := broker.NewFactory(cfg.BrokerConfig, vaultClient)
	if err != nil {
		logger.Fatal("Failed to initialize broker", "error", err)
	}

	deps := api.Deps{Logger: logger}

	// Refresh sessions and status snapshots
	var store cache.Store
	var redisCache *cache.CacheService
	if cfg.RedisConfig.Enabled {
		redisCache, err = cache.NewCacheService(cfg.RedisConfig)
		if err != nil {
			logger.Fatal("Failed to initialize redis cache", "error", err)
		}
		store = redisCache
		deps.CacheStats = redisCache.GetStats
		logger.Info("Redis cache initialized", "address", cfg.RedisConfig.Address, "healthy", redisCache.IsHealthy())
	} else {
		mem := cache.NewMemoryStore()
		go sweepLoop(ctx, mem, time.Minute)
		store = mem
		logger.Info("Redis disabled, using in-memory cache")
	}

	// Trade journal
	regOpts := []autopilot.RegistryOption{autopilot.WithLogger(logger)}
	var db *database.DB
	if cfg.DatabaseConfig.Enabled {
		db, err = database.NewDB(ctx, database.ConfigFrom(cfg.DatabaseConfig))
		if err != nil {
			logger.Fatal("Failed to connect to database", "error", err)
		}
		if err := db.RunMigrations(ctx); err != nil {
			logger.Fatal("Failed to run migrations", "error", err)
		}
		journal := database.NewTradeJournal(db)
		regOpts = append(regOpts, autopilot.WithRecorder(journal))
		deps.Journal = journal
		deps.HealthCheck = db.HealthCheck
		logger.Info("Trade journal enabled", "host", cfg.DatabaseConfig.Host, "database", cfg.DatabaseConfig.Name)
	}

	// Initialize event bus
	eventBus := events.NewEventBus()
	eventBus.Subscribe(events.EventStopLossTriggered, func(e events.Event) {
		logger.Warn("Stop-loss triggered", "user_id", e.UserID, "data", e.Data)
	})
	eventBus.Subscribe(events.EventError, func(e events.Event) {
		logger.Error("Engine error", "user_id", e.UserID, "data", e.Data)
	})
	regOpts = append(regOpts, autopilot.WithEventBus(eventBus))

	registry, err := autopilot.NewRegistry(autopilot.RegistryConfig{
		Engine:          cfg.EngineConfig,
		SignalsDir:      cfg.SignalsConfig.Dir,
		IdleTimeout:     cfg.AuthConfig.SessionIdleTimeout,
		CleanupInterval: cfg.AuthConfig.SessionCleanupInterval,
	}, brokers, regOpts...)
	if err != nil {
		logger.Fatal("Failed to create session registry", "error", err)
	}

	deps.Sessions = registry
	deps.Auth = auth.NewService(auth.ConfigFrom(cfg.AuthConfig), registry, cache.NewRefreshStore(store))
	deps.Status = cache.NewStatusCache(store, cache.DefaultStatusTTL)

	server := api.NewServer(api.ServerConfigFrom(cfg.ServerConfig, cfg.MetricsConfig, os.Getenv("GIN_MODE") == "release"), deps)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down...")
	case err := <-serverErr:
		if err != nil {
			logger.Error("API server stopped", "error", err)
		}
	}

	// Graceful shutdown
	timeout := time.Duration(cfg.ServerConfig.ShutdownTimeout) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down web server", "error", err)
	}
	registry.Shutdown(timeout)
	if db != nil {
		db.Close()
	}
	if redisCache != nil {
		if err := redisCache.Close(); err != nil {
			logger.Warn("Error closing redis", "error", err)
		}
	}

	logger.Info("Shutdown complete")
}

// sweepLoop evicts expired in-memory cache entries until ctx ends
func sweepLoop(ctx context.Context, mem *cache.MemoryStore, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mem.Sweep()
		}
	}
}
