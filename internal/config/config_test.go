// Sentinel - Home Security Monitoring Backend
// Copyright 2026 Sentinel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinel-sec/sentinel

package config

import (
	"os"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := defaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got: %v", err)
	}
}

func TestDefaultValues(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Broadcaster.ReplayCapacity != 100 {
		t.Errorf("expected replay capacity 100, got %d", cfg.Broadcaster.ReplayCapacity)
	}
	if cfg.Broadcaster.AckRiskScore != 80 {
		t.Errorf("expected ack risk score 80, got %v", cfg.Broadcaster.AckRiskScore)
	}
	if cfg.Broadcaster.ReconnectMax != 30*time.Second {
		t.Errorf("expected 30s reconnect cap, got %v", cfg.Broadcaster.ReconnectMax)
	}
	if cfg.PubSub.Backend != "memory" {
		t.Errorf("expected memory backend default, got %q", cfg.PubSub.Backend)
	}
	if cfg.PgListener.ReconnectAttempts != 10 {
		t.Errorf("expected 10 pglistener reconnect attempts, got %d", cfg.PgListener.ReconnectAttempts)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"bad backend", func(c *Config) { c.PubSub.Backend = "redis" }},
		{"empty channel", func(c *Config) { c.PubSub.Channel = "" }},
		{"zero replay capacity", func(c *Config) { c.Broadcaster.ReplayCapacity = 0 }},
		{"zero batch size", func(c *Config) { c.Batcher.MaxBatchSize = 0 }},
		{"unordered health tiers", func(c *Config) { c.Health.DegradedThreshold = 90 }},
		{"zero monitor interval", func(c *Config) { c.Supervisor.MonitorInterval = 0 }},
		{"pglistener without dsn", func(c *Config) { c.PgListener.Enabled = true; c.PgListener.DSN = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestEnvTransformFunc(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"SENTINEL_SERVER__PORT", "server.port"},
		{"SENTINEL_PUBSUB__BACKEND", "pubsub.backend"},
		{"SENTINEL_BROADCASTER__REPLAY_CAPACITY", "broadcaster.replay_capacity"},
		{"SENTINEL_SUPERVISOR__HEARTBEAT_TIMEOUT", "supervisor.heartbeat_timeout"},
		{"SENTINEL_LOGGING__LEVEL", "logging.level"},
	}

	for _, tt := range tests {
		if got := envTransformFunc(tt.input); got != tt.expected {
			t.Errorf("envTransformFunc(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("SENTINEL_SERVER__PORT", "9000")
	t.Setenv("SENTINEL_LOGGING__LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("expected env override port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected env override level debug, got %q", cfg.Logging.Level)
	}
}

func TestFindConfigFileEnvOverride(t *testing.T) {
	tmp, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigPathEnvVar, tmp.Name())

	if got := findConfigFile(); got != tmp.Name() {
		t.Errorf("expected %q, got %q", tmp.Name(), got)
	}

	t.Setenv(ConfigPathEnvVar, "/nonexistent/config.yaml")
	if got := findConfigFile(); got != "" {
		t.Errorf("expected empty path for missing file, got %q", got)
	}
}
