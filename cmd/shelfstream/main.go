package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ottaviano/shelfstream/internal/catalog/remote"
	"github.com/ottaviano/shelfstream/internal/cleanup"
	"github.com/ottaviano/shelfstream/internal/config"
	"github.com/ottaviano/shelfstream/internal/download"
	"github.com/ottaviano/shelfstream/internal/http/rest"
	"github.com/ottaviano/shelfstream/internal/logctx"
	"github.com/ottaviano/shelfstream/internal/playback"
	"github.com/ottaviano/shelfstream/internal/storage/sqlite"
	"github.com/ottaviano/shelfstream/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

const localStreamPath = "/api/local-stream/"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("shelfstream starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	history := sqlite.NewHistoryRepository(database)

	// =========================================================================
	// Start Catalog Client
	catalogClient := remote.NewClient(cfg.CatalogAPIURL, cfg.StreamAPIURL)

	// =========================================================================
	// Start Download Manager
	downloads := download.NewManager(cfg.CacheDir, cfg.DownloadTimeout, catalogClient, history, tel)

	// =========================================================================
	// Start Playback Facade
	deviceID := cfg.DeviceID
	if deviceID == "" {
		deviceID = strings.ToUpper(uuid.NewString())
		logger.Info("generated device id", "device_id", deviceID)
	}

	checkpoints := playback.NewCoordinator(catalogClient, deviceID, cfg.CheckpointInterval, tel)
	facade := playback.NewFacade(catalogClient, catalogClient, catalogClient, downloads, checkpoints, localStreamPath)

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, facade, downloads, tel, cfg)

	logger.Info("serving audio cache",
		"cache_dir", cfg.CacheDir,
		"checkpoint_interval", cfg.CheckpointInterval.String(),
		"retention", cfg.KeepCachedFor.String(),
	)

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	group.Go(func() error {
		<-gctx.Done()

		logger.Info("start shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	if cfg.KeepCachedFor > 0 {
		group.Go(func() error {
			runCleanup(gctx, history, cfg)

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}

	return ctx.Err()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, facade *playback.Facade, downloads *download.Manager, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	apiHandler := rest.NewHandler(facade, downloads, tel)

	r := chi.NewRouter()
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
	r.Mount("/api", apiHandler.Routes())
	r.Method(http.MethodGet, "/metrics", tel.Handler())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

// runCleanup periodically deletes cached files past the retention window.
func runCleanup(ctx context.Context, history *sqlite.HistoryRepository, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down.")

			return
		case <-ticker.C:
			tracked, err := history.GetDownloads()
			if err != nil {
				logger.Error("failed to get tracked downloads for cleanup", "err", err)

				continue
			}

			if err := cleanup.DeleteExpiredFiles(ctx, tracked, cfg.KeepCachedFor, history); err != nil {
				logger.Error("failed to delete expired cached files", "err", err)
			}
		}
	}
}
