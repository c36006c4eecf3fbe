package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/eaglechat/eaglechat-server/internal/broker"
	"github.com/eaglechat/eaglechat-server/internal/chat"
	"github.com/eaglechat/eaglechat-server/internal/config"
	"github.com/eaglechat/eaglechat-server/internal/logging"
	"github.com/eaglechat/eaglechat-server/internal/pkg/safehttp"
	"github.com/eaglechat/eaglechat-server/internal/registration"
	"github.com/eaglechat/eaglechat-server/internal/server"
	"github.com/eaglechat/eaglechat-server/internal/storage/sqldb"
	"github.com/eaglechat/eaglechat-server/internal/telemetry"
	"github.com/eaglechat/eaglechat-server/internal/vault"
)

func main() {
	// Best effort; real environments set variables directly.
	_ = godotenv.Load()

	configPath := os.Getenv("EAGLECHAT_CONFIG")
	if configPath == "" {
		configPath = "config.json"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("failed to initialize logging: %v", err)
	}
	defer logCloser.Close()

	if cfg.API.DevelopmentMode {
		logger.Warn("development mode enabled: origin checks relaxed, not for production use")
	}

	shutdownTracer, err := telemetry.InitTracer("eaglechat-server", logger)
	if err != nil {
		log.Fatalf("failed to initialize tracing: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTracer(ctx)
	}()

	// The data-encryption key is derived exactly once, before serving begins.
	v, err := vault.New(cfg.MasterKey)
	if err != nil {
		log.Fatalf("failed to initialize vault: %v", err)
	}

	store, err := sqldb.New(sqldb.Config{DSN: cfg.StoreURL})
	if err != nil {
		log.Fatalf("failed to open tenant store: %v", err)
	}
	defer store.Close()

	callback := registration.NewCallbackClient(
		safehttp.NewTransport(cfg.API.DevelopmentMode),
		cfg.Callback.RetryAttempts,
		time.Duration(cfg.Callback.RetryDelaySeconds)*time.Second,
		logger,
	)
	coordinator := registration.NewCoordinator(store, v, callback, cfg.API.DevelopmentMode, logger)
	keyBroker := broker.New(store, v, logger)
	chatService := chat.NewService(store, keyBroker, logger)

	srv := server.New(server.Deps{
		Config:      cfg,
		Logger:      logger,
		Store:       store,
		Vault:       v,
		Coordinator: coordinator,
		Broker:      keyBroker,
		Chat:        chatService,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		logger.Error("server exited", "error", err.Error())
		os.Exit(1)
	}
	logger.Info("server stopped")
}
