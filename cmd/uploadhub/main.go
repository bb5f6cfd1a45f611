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
	"path/filepath"
	"syscall"
	"time"

	"uploadhub/internal/config"
	"uploadhub/internal/core"
	"uploadhub/internal/metadata"
	"uploadhub/internal/objectstore"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func Run(ctx context.Context) error {

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	listen := flag.String("listen", cfg.ListenAddr, "HTTP listen address")
	flag.Parse()

	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           log.Level(cfg.LogLevel),
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    true,
	})

	logger := slog.New(handler)
	slog.SetDefault(logger)

	if cfg.Database.Driver == config.DriverSQLite {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	store, err := metadata.Open(ctx, cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("failed to open metadata database: %w", err)
	}
	defer store.Close()

	objects, err := objectstore.New(objectstore.Options{
		Endpoint:       cfg.Storage.Endpoint,
		PublicEndpoint: cfg.Storage.PublicEndpoint,
		AccessKey:      cfg.Storage.AccessKey,
		SecretKey:      cfg.Storage.SecretKey,
		Region:         cfg.Storage.Region,
		UseSSL:         cfg.Storage.UseSSL,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create object store client: %w", err)
	}

	if err := objects.EnsureBucket(ctx, cfg.Storage.Bucket); err != nil {
		return fmt.Errorf("failed to ensure bucket %q: %w", cfg.Storage.Bucket, err)
	}

	server, err := core.NewServer(core.NewConfig(
		core.WithBucket(cfg.Storage.Bucket),
		core.WithObjectStore(objects),
		core.WithMetadataStore(store),
		core.WithLogger(logger),
	))
	if err != nil {
		return fmt.Errorf("failed to create upload server: %w", err)
	}

	// Uploads stream whole files through the gateway, so there is no
	// overall read or write deadline.
	httpServer := &http.Server{
		Addr:              *listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 20 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		logger.Info("Starting upload gateway", "listen", *listen, "bucket", cfg.Storage.Bucket, "db_driver", cfg.Database.Driver)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	return eg.Wait()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx); err != nil {
		slog.Error("Upload gateway exited with error", "error", err)
		os.Exit(1)
	}
}
