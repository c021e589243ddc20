// Sentinel - Home Security Monitoring Backend
// Copyright 2026 Sentinel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinel-sec/sentinel

package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the Sentinel server.
// Values are layered: struct defaults, then an optional YAML file,
// then environment variables.
type Config struct {
	Logging     LoggingConfig     `koanf:"logging"`
	Server      ServerConfig      `koanf:"server"`
	PubSub      PubSubConfig      `koanf:"pubsub"`
	Broadcaster BroadcasterConfig `koanf:"broadcaster"`
	Batcher     BatcherConfig     `koanf:"batcher"`
	Health      HealthConfig      `koanf:"health"`
	Supervisor  SupervisorConfig  `koanf:"supervisor"`
	PgListener  PgListenerConfig  `koanf:"pglistener"`
}

// LoggingConfig controls the zerolog setup.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// ServerConfig controls the HTTP surface (WebSocket upgrade, metrics, health).
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// PubSubConfig selects and tunes the shared pub/sub backend.
type PubSubConfig struct {
	// Backend is "memory" (in-process gochannel) or "nats".
	Backend string `koanf:"backend"`
	// Channel is the bus topic carrying broadcaster events.
	Channel string `koanf:"channel"`

	// NATS settings, used when Backend is "nats".
	URL             string        `koanf:"url"`
	EmbeddedServer  bool          `koanf:"embedded_server"`
	StoreDir        string        `koanf:"store_dir"`
	MaxMemory       int64         `koanf:"max_memory"`
	MaxStore        int64         `koanf:"max_store"`
	MaxReconnects   int           `koanf:"max_reconnects"`
	ReconnectWait   time.Duration `koanf:"reconnect_wait"`
	ReconnectBuffer int           `koanf:"reconnect_buffer"`

	// Circuit breaker on the publish path.
	BreakerFailureThreshold uint32        `koanf:"breaker_failure_threshold"`
	BreakerTimeout          time.Duration `koanf:"breaker_timeout"`
}

// BroadcasterConfig tunes the event broadcaster.
type BroadcasterConfig struct {
	// ReplayCapacity is the size of the replay ring buffer.
	ReplayCapacity int `koanf:"replay_capacity"`

	// AckRiskScore is the payload risk score at or above which an event
	// requires client acknowledgment.
	AckRiskScore float64 `koanf:"ack_risk_score"`
	// AckRiskLevels lists payload risk levels that always require
	// acknowledgment regardless of score.
	AckRiskLevels []string `koanf:"ack_risk_levels"`

	// Listener reconnect policy.
	ReconnectBase     time.Duration `koanf:"reconnect_base"`
	ReconnectMax      time.Duration `koanf:"reconnect_max"`
	ReconnectAttempts int           `koanf:"reconnect_attempts"`
}

// BatcherConfig tunes high-frequency message coalescing.
type BatcherConfig struct {
	// Channels lists the channels that are batched; all others pass through.
	Channels      []string      `koanf:"channels"`
	FlushInterval time.Duration `koanf:"flush_interval"`
	MaxBatchSize  int           `koanf:"max_batch_size"`
}

// HealthConfig tunes connection health scoring.
type HealthConfig struct {
	FailureWeight        float64       `koanf:"failure_weight"`
	LatencyThreshold     time.Duration `koanf:"latency_threshold"`
	LatencyPenaltyPer100 float64       `koanf:"latency_penalty_per_100ms"`

	// Score tier boundaries.
	HealthyThreshold   float64 `koanf:"healthy_threshold"`
	DegradedThreshold  float64 `koanf:"degraded_threshold"`
	UnhealthyThreshold float64 `koanf:"unhealthy_threshold"`
}

// SupervisorConfig tunes background worker supervision.
type SupervisorConfig struct {
	MonitorInterval time.Duration `koanf:"monitor_interval"`

	// Per-worker defaults, overridable at registration.
	MaxRestarts      int           `koanf:"max_restarts"`
	BackoffBase      time.Duration `koanf:"backoff_base"`
	BackoffMax       time.Duration `koanf:"backoff_max"`
	HeartbeatTimeout time.Duration `koanf:"heartbeat_timeout"`

	// HistorySize bounds the restart audit history.
	HistorySize int `koanf:"history_size"`
}

// PgListenerConfig controls the database notification bridge.
type PgListenerConfig struct {
	Enabled  bool     `koanf:"enabled"`
	DSN      string   `koanf:"dsn"`
	Channels []string `koanf:"channels"`

	ReconnectBase     time.Duration `koanf:"reconnect_base"`
	ReconnectMax      time.Duration `koanf:"reconnect_max"`
	ReconnectAttempts int           `koanf:"reconnect_attempts"`
}

// defaultConfig returns a Config with all default values applied.
// These defaults are loaded first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8480,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		PubSub: PubSubConfig{
			Backend:                 "memory",
			Channel:                 "sentinel.events",
			URL:                     "nats://127.0.0.1:4222",
			EmbeddedServer:          false,
			StoreDir:                "/data/nats/jetstream",
			MaxMemory:               1 << 30,  // 1GB
			MaxStore:                10 << 30, // 10GB
			MaxReconnects:           -1,       // retry forever
			ReconnectWait:           2 * time.Second,
			ReconnectBuffer:         8 * 1024 * 1024,
			BreakerFailureThreshold: 5,
			BreakerTimeout:          30 * time.Second,
		},
		Broadcaster: BroadcasterConfig{
			ReplayCapacity:    100,
			AckRiskScore:      80,
			AckRiskLevels:     []string{"critical"},
			ReconnectBase:     time.Second,
			ReconnectMax:      30 * time.Second,
			ReconnectAttempts: 5,
		},
		Batcher: BatcherConfig{
			Channels:      []string{"detections", "camera_status"},
			FlushInterval: 100 * time.Millisecond,
			MaxBatchSize:  10,
		},
		Health: HealthConfig{
			FailureWeight:        1.0,
			LatencyThreshold:     500 * time.Millisecond,
			LatencyPenaltyPer100: 5,
			HealthyThreshold:     80,
			DegradedThreshold:    50,
			UnhealthyThreshold:   20,
		},
		Supervisor: SupervisorConfig{
			MonitorInterval:  5 * time.Second,
			MaxRestarts:      5,
			BackoffBase:      time.Second,
			BackoffMax:       60 * time.Second,
			HeartbeatTimeout: 90 * time.Second,
			HistorySize:      100,
		},
		PgListener: PgListenerConfig{
			Enabled:           false,
			DSN:               "",
			Channels:          []string{"alerts_changes", "cameras_changes", "scene_changes"},
			ReconnectBase:     time.Second,
			ReconnectMax:      60 * time.Second,
			ReconnectAttempts: 10,
		},
	}
}

// Validate checks the configuration for invalid or inconsistent values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1-65535, got %d", c.Server.Port)
	}
	if c.PubSub.Backend != "memory" && c.PubSub.Backend != "nats" {
		return fmt.Errorf("pubsub.backend must be \"memory\" or \"nats\", got %q", c.PubSub.Backend)
	}
	if c.PubSub.Channel == "" {
		return fmt.Errorf("pubsub.channel must not be empty")
	}
	if c.Broadcaster.ReplayCapacity <= 0 {
		return fmt.Errorf("broadcaster.replay_capacity must be positive, got %d", c.Broadcaster.ReplayCapacity)
	}
	if c.Broadcaster.ReconnectAttempts < 1 {
		return fmt.Errorf("broadcaster.reconnect_attempts must be at least 1, got %d", c.Broadcaster.ReconnectAttempts)
	}
	if c.Batcher.MaxBatchSize < 1 {
		return fmt.Errorf("batcher.max_batch_size must be at least 1, got %d", c.Batcher.MaxBatchSize)
	}
	if c.Batcher.FlushInterval <= 0 {
		return fmt.Errorf("batcher.flush_interval must be positive, got %v", c.Batcher.FlushInterval)
	}
	if !(c.Health.HealthyThreshold > c.Health.DegradedThreshold &&
		c.Health.DegradedThreshold > c.Health.UnhealthyThreshold) {
		return fmt.Errorf("health thresholds must be strictly ordered healthy > degraded > unhealthy")
	}
	if c.Supervisor.MonitorInterval <= 0 {
		return fmt.Errorf("supervisor.monitor_interval must be positive, got %v", c.Supervisor.MonitorInterval)
	}
	if c.Supervisor.HistorySize < 1 {
		return fmt.Errorf("supervisor.history_size must be at least 1, got %d", c.Supervisor.HistorySize)
	}
	if c.PgListener.Enabled {
		if c.PgListener.DSN == "" {
			return fmt.Errorf("pglistener.dsn is required when pglistener is enabled")
		}
		if len(c.PgListener.Channels) == 0 {
			return fmt.Errorf("pglistener.channels must not be empty when pglistener is enabled")
		}
	}
	return nil
}
