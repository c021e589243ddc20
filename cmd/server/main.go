// Sentinel - Home Security Monitoring Backend
// Copyright 2026 Sentinel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinel-sec/sentinel

package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sentinel-sec/sentinel/internal/api"
	"github.com/sentinel-sec/sentinel/internal/broadcast"
	"github.com/sentinel-sec/sentinel/internal/config"
	"github.com/sentinel-sec/sentinel/internal/eventbus"
	"github.com/sentinel-sec/sentinel/internal/healthevents"
	"github.com/sentinel-sec/sentinel/internal/logging"
	"github.com/sentinel-sec/sentinel/internal/pglistener"
	"github.com/sentinel-sec/sentinel/internal/supervisor"
	"github.com/sentinel-sec/sentinel/internal/transport/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.Format = cfg.Logging.Format
	logCfg.Caller = cfg.Logging.Caller
	logging.Init(logCfg)

	logging.Info().
		Str("backend", cfg.PubSub.Backend).
		Bool("pglistener", cfg.PgListener.Enabled).
		Int("port", cfg.Server.Port).
		Msg("Starting Sentinel event server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Shared pub/sub backend.
	bus, embedded, err := buildBus(cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize event bus")
	}
	defer func() {
		if err := bus.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing event bus")
		}
	}()
	if embedded != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := embedded.Shutdown(shutdownCtx); err != nil {
				logging.Error().Err(err).Msg("Error stopping embedded NATS server")
			}
		}()
	}

	bus.SetCircuitBreaker(eventbus.BreakerConfig{
		FailureThreshold: cfg.PubSub.BreakerFailureThreshold,
		Timeout:          cfg.PubSub.BreakerTimeout,
	})

	// Broadcaster with its trackers and batcher.
	hub := broadcast.NewBroadcaster(
		broadcast.Config{
			Topic:          cfg.PubSub.Channel,
			ReplayCapacity: cfg.Broadcaster.ReplayCapacity,
			AckPolicy: broadcast.AckPolicy{
				RiskScore:  cfg.Broadcaster.AckRiskScore,
				RiskLevels: cfg.Broadcaster.AckRiskLevels,
			},
			ReconnectBase:     cfg.Broadcaster.ReconnectBase,
			ReconnectMax:      cfg.Broadcaster.ReconnectMax,
			ReconnectAttempts: cfg.Broadcaster.ReconnectAttempts,
		},
		broadcast.BatcherConfig{
			Channels:      cfg.Batcher.Channels,
			FlushInterval: cfg.Batcher.FlushInterval,
			MaxBatchSize:  cfg.Batcher.MaxBatchSize,
		},
		bus,
		broadcast.HealthConfig{
			FailureWeight:        cfg.Health.FailureWeight,
			LatencyThreshold:     cfg.Health.LatencyThreshold,
			LatencyPenaltyPer100: cfg.Health.LatencyPenaltyPer100,
			HealthyThreshold:     cfg.Health.HealthyThreshold,
			DegradedThreshold:    cfg.Health.DegradedThreshold,
			UnhealthyThreshold:   cfg.Health.UnhealthyThreshold,
		},
	)

	// Health event emitter; the broadcaster and database feed are the
	// components whose failure makes the whole system unhealthy.
	health := healthevents.New(hub, "broadcaster", "pglistener")

	// Worker supervisor publishing lifecycle events through the hub.
	workers := supervisor.NewWorkerSupervisor(supervisor.WorkerSupervisorConfig{
		MonitorInterval:  cfg.Supervisor.MonitorInterval,
		MaxRestarts:      cfg.Supervisor.MaxRestarts,
		BackoffBase:      cfg.Supervisor.BackoffBase,
		BackoffMax:       cfg.Supervisor.BackoffMax,
		HeartbeatTimeout: cfg.Supervisor.HeartbeatTimeout,
		HistorySize:      cfg.Supervisor.HistorySize,
	}, hub, func(worker string, cause error) {
		if cause == nil {
			cause = errors.New("restart budget exhausted")
		}
		if err := health.EmitSystemError(context.Background(), worker, cause); err != nil {
			logging.Error().Err(err).Str("worker", worker).Msg("failed to emit worker failure event")
		}
	})

	registerWorkers(workers, hub, health, bus)

	// Supervisor tree: ingest, messaging, api layers.
	tree := supervisor.NewTree(supervisor.DefaultTreeConfig())
	tree.AddMessagingService(hub)
	tree.AddMessagingService(hub.Batcher())
	tree.AddMessagingService(workers)

	if cfg.PgListener.Enabled {
		listener, err := pglistener.New(pglistener.Config{
			DSN:           cfg.PgListener.DSN,
			Channels:      cfg.PgListener.Channels,
			ReconnectBase: cfg.PgListener.ReconnectBase,
			ReconnectMax:  cfg.PgListener.ReconnectMax,
			MaxAttempts:   cfg.PgListener.ReconnectAttempts,
		}, hub)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to initialize database listener")
		}
		tree.AddIngestService(listener)
	}

	// HTTP surface.
	wsHandler := ws.NewHandler(hub, ws.DefaultHandlerConfig())
	handler := api.NewHandler(hub, workers, health, bus, wsHandler)
	server := api.NewServer(api.ServerConfig{
		Addr:            fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, handler.Routes())
	tree.AddAPIService(server)

	workers.StartAll(ctx)

	logging.Info().Msg("Supervisor tree starting")
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor tree exited with error")
	}
	logging.Info().Msg("Sentinel stopped")
}

// buildBus constructs the configured pub/sub backend, starting an embedded
// NATS server first when requested.
func buildBus(cfg *config.Config) (*eventbus.Bus, *eventbus.EmbeddedServer, error) {
	switch cfg.PubSub.Backend {
	case "memory":
		return eventbus.NewGoChannelBus(), nil, nil

	case "nats":
		busURL := cfg.PubSub.URL
		var embedded *eventbus.EmbeddedServer
		if cfg.PubSub.EmbeddedServer {
			host, port, err := splitNATSURL(cfg.PubSub.URL)
			if err != nil {
				return nil, nil, err
			}
			embedded, err = eventbus.NewEmbeddedServer(eventbus.EmbeddedServerConfig{
				Host: host,
				Port: port,
			})
			if err != nil {
				return nil, nil, err
			}
			busURL = embedded.ClientURL()
			logging.Info().Str("url", busURL).Msg("Embedded NATS server started")
		}

		bus, err := eventbus.NewNATSBus(eventbus.NATSConfig{
			URL:             busURL,
			MaxReconnects:   cfg.PubSub.MaxReconnects,
			ReconnectWait:   cfg.PubSub.ReconnectWait,
			ReconnectBuffer: cfg.PubSub.ReconnectBuffer,
		})
		if err != nil {
			if embedded != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = embedded.Shutdown(shutdownCtx)
			}
			return nil, nil, err
		}
		return bus, embedded, nil

	default:
		return nil, nil, fmt.Errorf("unknown pubsub backend %q", cfg.PubSub.Backend)
	}
}

// splitNATSURL extracts host and port for the embedded server.
func splitNATSURL(raw string) (string, int, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", 0, fmt.Errorf("parse pubsub.url: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		host = "127.0.0.1"
	}
	port := 4222
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", 0, fmt.Errorf("parse pubsub.url port: %w", err)
		}
	}
	return host, port, nil
}

// registerWorkers wires the built-in background workers. Both run under
// the worker supervisor's restart budget rather than raw goroutines so
// operators can observe and control them.
func registerWorkers(workers *supervisor.WorkerSupervisor, hub *broadcast.Broadcaster, health *healthevents.Emitter, bus *eventbus.Bus) {
	// health-monitor reports broadcaster health transitions to clients.
	if err := workers.Register("health-monitor", func(ctx context.Context) error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				_ = workers.Heartbeat("health-monitor")

				status := healthevents.StatusHealthy
				stats := hub.GetStats()
				if !stats.Running {
					status = healthevents.StatusUnhealthy
				} else if bus.BreakerState() == "open" {
					status = healthevents.StatusDegraded
				}
				if _, err := health.CheckAndEmit(ctx, "broadcaster", status, map[string]interface{}{
					"connections": stats.Connections,
					"breaker":     bus.BreakerState(),
				}); err != nil {
					logging.Warn().Err(err).Msg("broadcaster health check emit failed")
				}
			}
		}
	}); err != nil {
		logging.Fatal().Err(err).Msg("Failed to register health-monitor worker")
	}

	// connection-sweeper disconnects clients whose health score collapsed,
	// freeing their buffers before they stall fan-out.
	if err := workers.Register("connection-sweeper", func(ctx context.Context) error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				_ = workers.Heartbeat("connection-sweeper")
				for _, id := range hub.Health().GetUnhealthyConnections(20) {
					logging.Warn().Str("conn_id", id).Msg("sweeping critically unhealthy connection")
					_ = hub.Disconnect(id)
				}
			}
		}
	}); err != nil {
		logging.Fatal().Err(err).Msg("Failed to register connection-sweeper worker")
	}
}
