// Sentinel - Home Security Monitoring Backend
// Copyright 2026 Sentinel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinel-sec/sentinel

// Package logging provides centralized zerolog-based structured logging for Sentinel.
//
// The package exposes a configured global logger with package-level helpers,
// context-aware correlation ID propagation, and an slog adapter for libraries
// that require *slog.Logger (suture supervision via sutureslog).
//
// # Quick Start
//
//	import "github.com/sentinel-sec/sentinel/internal/logging"
//
//	// Initialize at application startup
//	logging.Init(logging.Config{
//	    Level:  "info",
//	    Format: "json",
//	})
//
//	// Log messages with structured fields
//	logging.Info().Str("component", "broadcaster").Msg("started")
//	logging.Error().Err(err).Msg("delivery failed")
//
//	// Context-aware logging with correlation IDs
//	logging.Ctx(ctx).Info().Msg("event published")
//
// # Best Practices
//
// Always terminate log chains with .Msg() or .Send():
//
//	logging.Info().Str("key", "value").Msg("message")  // Correct
//	logging.Info().Str("key", "value")                 // WRONG - log not emitted
//
// Use structured fields instead of string formatting.
//
// All exported functions are safe for concurrent use.
package logging
