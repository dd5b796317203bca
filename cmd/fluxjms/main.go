// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/absmach/fluxjms/broker"
	"github.com/absmach/fluxjms/broker/webhook"
	"github.com/absmach/fluxjms/config"
	"github.com/absmach/fluxjms/ratelimit"
	"github.com/absmach/fluxjms/server/health"
	"github.com/absmach/fluxjms/server/otel"
	"github.com/absmach/fluxjms/server/tcp"
	"github.com/absmach/fluxjms/server/websocket"
	"github.com/absmach/fluxjms/storage"
	"github.com/absmach/fluxjms/storage/badger"
	"github.com/absmach/fluxjms/storage/file"
	"github.com/absmach/fluxjms/storage/memory"
	"github.com/absmach/fluxjms/store"
	"github.com/absmach/fluxjms/transport"
	"github.com/absmach/fluxjms/watchdog"
	"github.com/google/uuid"
	oteltrace "go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

const version = "0.1.0"

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("Broker stopped with error", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

func newStorage(cfg config.StorageConfig, logger *slog.Logger) (storage.Provider, error) {
	durability, err := storage.ParseDurability(cfg.Durability)
	if err != nil {
		return nil, err
	}

	switch cfg.Type {
	case "memory":
		slog.Info("Using in-memory storage")
		return memory.NewProvider(), nil
	case "file", "":
		p, err := file.NewProvider(cfg.Dir, file.Options{
			BlockSize:  cfg.BlockSize,
			Durability: durability,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("Using block file storage", "dir", cfg.Dir, "durability", durability.String())
		return p, nil
	case "badger":
		p, err := badger.New(badger.Config{
			Dir:        cfg.Dir,
			Durability: durability,
			GCInterval: cfg.GCInterval,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("Using BadgerDB storage", "dir", cfg.Dir, "durability", durability.String())
		return p, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	instanceID := uuid.NewString()
	slog.Info("Starting JMS broker", "version", version, "name", cfg.Server.Name, "instance", instanceID)
	slog.Info("Configuration loaded",
		"tcp_listener", cfg.Server.TCP.Addr,
		"tcp_tls", cfg.Server.TCP.TLS.Enabled,
		"ws_enabled", cfg.Server.WebSocket.Enabled,
		"ws_listener", cfg.Server.WebSocket.Addr,
		"health_enabled", cfg.Health.Enabled,
		"storage", cfg.Storage.Type,
		"log_level", cfg.Log.Level)

	ordering, err := store.ParseOrdering(cfg.Destinations.Ordering)
	if err != nil {
		return err
	}
	provider, err := newStorage(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	var notifier broker.Notifier
	var webhooks *webhook.Notifier
	if cfg.Webhook.Enabled {
		wh, err := webhook.NewNotifier(cfg.Webhook, cfg.Server.Name, webhook.NewHTTPSender(), logger)
		if err != nil {
			provider.Close()
			return fmt.Errorf("failed to initialize webhooks: %w", err)
		}
		webhooks = wh
		notifier = wh
		slog.Info("Webhooks enabled",
			"endpoints", len(cfg.Webhook.Endpoints),
			"workers", cfg.Webhook.Workers,
			"queue_size", cfg.Webhook.QueueSize)
	} else {
		slog.Info("Webhooks disabled")
	}

	var otelShutdown func(context.Context) error
	bcfg := broker.Config{
		ServerName: cfg.Server.Name,
		Transport: transport.Config{
			MaxPayload:       cfg.Transport.MaxPayload,
			HandshakeTimeout: cfg.Transport.HandshakeTimeout,
			HighWatermark:    cfg.Transport.HighWatermark,
			LowWatermark:     cfg.Transport.LowWatermark,
			PingInterval:     cfg.Transport.PingInterval,
			IdleTimeout:      cfg.Transport.IdleTimeout,
			BlockOnThrottle:  cfg.Transport.BlockOnThrottle,
		},
		Session: broker.SessionConfig{
			BatchSize:     cfg.Dispatcher.BatchSize,
			FlushInterval: cfg.Dispatcher.FlushInterval,
			MaxBatch:      cfg.Dispatcher.MaxBatch,
			SendRate:      cfg.Session.SendRate,
			SendBurst:     cfg.Session.SendBurst,
		},
		Watchdog: watchdog.Config{
			PollInterval:    cfg.Watchdog.PollInterval,
			CallbackTimeout: cfg.Watchdog.CallbackTimeout,
			Shards:          cfg.Watchdog.Shards,
		},
		SyncInterval:      cfg.Storage.SyncInterval,
		CompressThreshold: cfg.Storage.CompressThreshold,
		Ordering:          ordering,
		Storage:           provider,
		Notifier:          notifier,
	}

	if cfg.Metrics.Enabled {
		shutdown, err := otel.InitProvider(context.Background(), cfg.Metrics, instanceID)
		if err != nil {
			provider.Close()
			return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
		}
		otelShutdown = shutdown
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Metrics.Endpoint)

		m, err := otel.NewMetrics()
		if err != nil {
			provider.Close()
			return fmt.Errorf("failed to create metrics: %w", err)
		}
		bcfg.Metrics = m

		if cfg.Metrics.TracesEnabled {
			bcfg.Tracer = oteltrace.Tracer("fluxjms")
			slog.Info("Distributed tracing enabled", "sample_rate", cfg.Metrics.TraceSampleRate)
		}
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := broker.New(bcfg, logger)
	b.Start(ctx)

	for _, d := range cfg.Destinations.All() {
		if _, err := b.Declare(ctx, d); err != nil {
			b.Close()
			return fmt.Errorf("failed to declare %s: %w", d.Ref(), err)
		}
		slog.Info("Destination declared", "destination", d.Ref().String(), "persistent", d.Persistent)
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		rl := ratelimit.NewIPRateLimiter(cfg.RateLimit.Rate, cfg.RateLimit.Burst, cfg.RateLimit.CleanupInterval)
		defer rl.Stop()
		limiter = rl
		slog.Info("Connection rate limiting enabled", "rate", cfg.RateLimit.Rate, "burst", cfg.RateLimit.Burst)
	}

	tlsCfg, err := tcp.LoadTLSConfig(cfg.Server.TCP.TLS)
	if err != nil {
		b.Close()
		return fmt.Errorf("failed to load TLS config: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	tcpServer := tcp.New(tcp.Config{
		Address:         cfg.Server.TCP.Addr,
		TLSConfig:       tlsCfg,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		MaxConnections:  cfg.Server.TCP.MaxConnections,
		Logger:          logger,
		RateLimiter:     limiter,
	}, b)
	g.Go(func() error {
		slog.Info("Starting TCP server", "address", cfg.Server.TCP.Addr, "security", tcp.SecurityStatus(tlsCfg))
		return tcpServer.Listen(gctx)
	})

	if cfg.Server.WebSocket.Enabled {
		wsServer := websocket.New(websocket.Config{
			Address:         cfg.Server.WebSocket.Addr,
			Path:            cfg.Server.WebSocket.Path,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			RateLimiter:     limiter,
		}, b, logger)
		g.Go(func() error {
			return wsServer.Listen(gctx)
		})
	}

	if cfg.Health.Enabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Health.Addr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, b, logger)
		g.Go(func() error {
			return healthServer.Listen(gctx)
		})
	}

	<-gctx.Done()
	if ctx.Err() != nil {
		slog.Info("Received shutdown signal")
	}
	serveErr := g.Wait()

	slog.Info("Shutting down broker")
	var errs []error
	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		errs = append(errs, serveErr)
	}
	// Closes the storage provider too.
	if err := b.Close(); err != nil {
		errs = append(errs, fmt.Errorf("broker close: %w", err))
	}
	if webhooks != nil {
		if err := webhooks.Close(); err != nil {
			errs = append(errs, fmt.Errorf("webhook close: %w", err))
		}
	}
	if otelShutdown != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("otel shutdown: %w", err))
		}
	}

	slog.Info("Broker stopped")
	return errors.Join(errs...)
}
