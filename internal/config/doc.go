// Sentinel - Home Security Monitoring Backend
// Copyright 2026 Sentinel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinel-sec/sentinel

// Package config loads and validates Sentinel server configuration.
//
// Configuration is layered with Koanf v2: struct defaults, then an optional
// YAML file, then SENTINEL_-prefixed environment variables. Nesting levels
// in environment variable names are separated by double underscores, e.g.
// SENTINEL_BROADCASTER__REPLAY_CAPACITY maps to broadcaster.replay_capacity.
package config
