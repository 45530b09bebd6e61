package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"meridian/observability/logging"
	telemetry "meridian/observability/otel"
	"meridian/services/settlement-indexer/config"
	"meridian/services/settlement-indexer/ingest"
	"meridian/services/settlement-indexer/models"
	"meridian/services/settlement-indexer/server"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("settlement-indexer: %v", err)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	env := os.Getenv("MRD_ENV")
	logger := logging.Setup(logging.Options{
		Service: "settlement-indexer",
		Env:     env,
	})

	telemetryCfg := telemetry.FromEnv()
	telemetryCfg.ServiceName = "settlement-indexer"
	telemetryCfg.Environment = env
	telemetryCfg.Metrics = true
	telemetryCfg.Traces = true
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetryCfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = shutdownTelemetry(context.Background())
	}()

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	if err := models.AutoMigrate(db); err != nil {
		return err
	}

	ingestor, err := ingest.New(ingest.Config{
		DB:        db,
		StreamURL: cfg.StreamURL,
		Consumer:  cfg.Consumer,
		Backoff:   cfg.RedialBackoff,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{DB: db, Logger: logger})
	if err != nil {
		return err
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		_ = ingestor.Run(stopCtx)
	}()

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(srv.Handler(), "settlement-indexer"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		log.Printf("settlement-indexer listening on %s", httpServer.Addr)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		return err
	}
}

func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	if cfg.DatabaseURL != "" {
		return gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	}
	if dir := filepath.Dir(cfg.SQLitePath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return gorm.Open(sqlite.Open(cfg.SQLitePath), &gorm.Config{})
}
