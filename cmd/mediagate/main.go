package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/voicesofjudah/mediagate/internal/config"
	"github.com/voicesofjudah/mediagate/internal/ledger"
	"github.com/voicesofjudah/mediagate/internal/replay"
	"github.com/voicesofjudah/mediagate/internal/tracing"
	"github.com/voicesofjudah/mediagate/pkg/auth"
	"github.com/voicesofjudah/mediagate/pkg/core"
	"github.com/voicesofjudah/mediagate/pkg/storage"
	"github.com/voicesofjudah/mediagate/pkg/token"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func Run(ctx context.Context) error {

	cfg, err := config.Load(os.Args[0], os.Args[1:], os.Getenv)
	if err != nil {
		return err
	}

	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           log.Level(cfg.LogLevel),
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    true,
	})

	slog.SetDefault(slog.New(handler))

	if cfg.UsingPlaceholderSecret() {
		slog.Warn("Upload tokens are signed with the built-in placeholder secret; set R2_UPLOAD_SECRET")
	}

	shutdownTracing, err := tracing.Init(ctx, "mediagate", version, cfg.OTelEndpoint, cfg.OTelInsecure)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			slog.Error("Shutdown tracing", "err", err)
		}
	}()

	if cfg.Storage.Driver == storage.DriverLocal {
		// Ensure data directory is absolute for easier debugging.
		absDataDir, err := filepath.Abs(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("failed to resolve data directory: %w", err)
		}
		cfg.Storage.DataDir = absDataDir
	}

	bucket, binding, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open bucket: %w", err)
	}
	if bucket != nil {
		slog.Info("Using bucket binding", "driver", cfg.Storage.Driver, "binding", binding)
	}

	tokens, err := token.NewService([]byte(cfg.UploadSecret))
	if err != nil {
		return fmt.Errorf("failed to create token service: %w", err)
	}

	engines := []auth.AuthEngine{auth.NewCookieSessionEngine([]byte(cfg.AdminJWTSecret))}
	if cfg.AdminUser != "" {
		engines = append(engines, auth.NewBasicAuthEngine(cfg.AdminUser, cfg.AdminPassword))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []core.ConfigOption{
		core.WithBucket(bucket),
		core.WithTokenService(tokens),
		core.WithAuthEngine(auth.NewCompoundAuthEngine(engines...)),
		core.WithPublicBase(cfg.PublicBase),
		core.WithDefaultMaxSize(cfg.DefaultMaxSize),
		core.WithMaxTokenTTL(cfg.MaxTokenTTL),
		core.WithPresignRateLimit(cfg.PresignRate, cfg.PresignBurst),
		core.WithRegistry(registry),
	}

	switch {
	case cfg.RedisAddr != "":
		guard, err := replay.NewRedisGuard(ctx, cfg.RedisAddr, cfg.RedisPassword, 0)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer guard.Close()
		opts = append(opts, core.WithReplayGuard(guard))
		slog.Info("Upload tokens are single use", "store", "redis", "addr", cfg.RedisAddr)

	case cfg.SingleUseTokens:
		opts = append(opts, core.WithReplayGuard(replay.NewMemoryGuard()))
		slog.Info("Upload tokens are single use", "store", "memory")
	}

	eg, ctx := errgroup.WithContext(ctx)

	if cfg.LedgerPath != "" {
		l, err := ledger.Open(ctx, cfg.LedgerPath)
		if err != nil {
			return fmt.Errorf("failed to open ledger: %w", err)
		}
		defer l.Close()
		opts = append(opts, core.WithLedger(l))

		if bucket != nil {
			reaper := &ledger.Reaper{Ledger: l, Bucket: bucket, MaxAge: cfg.StaleUploadAge}
			if _, err := reaper.Start(ctx, cfg.ReaperSchedule); err != nil {
				return fmt.Errorf("failed to start reaper: %w", err)
			}
		}
	}

	server, err := core.NewServer(ctx, core.NewConfig(opts...))
	if err != nil {
		return fmt.Errorf("failed to create mediagate server: %w", err)
	}

	router := server.Handler()

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		slog.Info("Starting mediagate HTTP server", "addr", cfg.Listen)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	if cfg.MetricsListen != "" {
		metricsServer := &http.Server{
			Addr:              cfg.MetricsListen,
			Handler:           server.MetricsHandler(),
			ReadHeaderTimeout: 20 * time.Second,
		}

		eg.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})

		eg.Go(func() error {
			slog.Info("Starting metrics server", "addr", cfg.MetricsListen)
			err := metricsServer.ListenAndServe()
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			return nil
		})
	}

	slog.Info("mediagate started", "version", version)
	return eg.Wait()

}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := Run(ctx)
	stop()

	if err != nil {
		slog.Error("mediagate exited with error", "error", err)
		os.Exit(1)
	}
}
