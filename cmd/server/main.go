package main

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/reconlab/pipeline/internal/config"
	"github.com/reconlab/pipeline/internal/core"
	"github.com/reconlab/pipeline/internal/logging"
	"github.com/reconlab/pipeline/internal/session"
	"github.com/reconlab/pipeline/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	// Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging based on config
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"upload_max_concurrent", cfg.Upload.MaxConcurrent,
		"session_transport", cfg.Session.Transport,
		"rate_limit_enabled", cfg.Rate.Enabled,
	)

	ctx := context.Background()

	// The database is optional: it backs the audit log and the postgres
	// session transport. Validation already guarantees a URL is present
	// when the postgres transport is selected.
	var pool *pgxpool.Pool
	if cfg.Database.URL != "" {
		poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
		if err != nil {
			slog.Error("failed to parse database URL", "error", err)
			os.Exit(1)
		}
		poolConfig.MaxConns = int32(cfg.Database.MaxConns)
		poolConfig.MinConns = int32(cfg.Database.MinConns)
		poolConfig.MaxConnLifetime = cfg.Database.MaxConnLifetime
		poolConfig.MaxConnIdleTime = cfg.Database.MaxConnIdleTime

		pool, err = pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			slog.Error("failed to ping database", "error", err)
			os.Exit(1)
		}

		if u, err := url.Parse(cfg.Database.URL); err == nil {
			slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
		} else {
			slog.Info("connected to database")
		}
	}

	transport, err := buildTransport(ctx, cfg, pool)
	if err != nil {
		slog.Error("failed to set up session transport", "error", err)
		os.Exit(1)
	}

	var audit *core.AuditLog
	if pool != nil {
		audit = core.NewAuditLog(pool)
		if err := audit.EnsureSchema(ctx); err != nil {
			slog.Error("failed to create audit schema", "error", err)
			os.Exit(1)
		}
	}

	service, err := core.NewService(core.ServiceConfig{
		MaxFileSize:          cfg.Upload.MaxFileSize,
		AllowedExtensions:    cfg.Upload.AllowedExtensions,
		MaxConcurrentUploads: cfg.Upload.MaxConcurrent,
		MaxWaitTime:          cfg.Upload.MaxWaitTime,
		UploadRetention:      cfg.Upload.Retention,
		ScriptTimeout:        cfg.Executor.ScriptTimeout,
		GraceWindow:          cfg.Executor.GraceWindow,
		MaxResultRows:        cfg.Executor.MaxResultRows,
		SessionTransport:     transport,
		SessionConfig: session.Config{
			BaseDelay:   cfg.Session.BaseDelay,
			MaxDelay:    cfg.Session.MaxDelay,
			Multiplier:  cfg.Session.Multiplier,
			MaxAttempts: cfg.Session.MaxAttempts,
		},
		Audit: audit,
	})
	if err != nil {
		slog.Error("failed to create service", "error", err)
		os.Exit(1)
	}

	server := web.NewServer(service, web.Config{
		MaxFileSize:    cfg.Upload.MaxFileSize,
		RateLimit:      cfg.Rate.RequestsPerMinute,
		TrustedProxies: cfg.Security.TrustedProxies,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
	})

	// Background eviction of expired uploads
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	go service.StartRetentionSweeper(jobCtx, cfg.Upload.SweepInterval)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		cancelJobs()
		service.CancelGeneration()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("server starting", "addr", cfg.Server.Addr())
	if err := server.Start(cfg.Server.Addr()); err != nil {
		slog.Info("server stopped", "error", err)
	}
}

// buildTransport selects the session transport from configuration.
func buildTransport(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) (session.Transport, error) {
	switch cfg.Session.Transport {
	case "http":
		return session.NewHTTPTransport(cfg.Session.GeneratorURL, nil), nil
	case "postgres":
		transport := session.NewPostgresTransport(pool)
		if err := transport.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return transport, nil
	default:
		return session.NewFileTransport(cfg.Session.SpoolDir)
	}
}
