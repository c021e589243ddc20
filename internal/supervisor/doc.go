// Sentinel - Home Security Monitoring Backend
// Copyright 2026 Sentinel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinel-sec/sentinel

// Package supervisor provides two levels of process supervision.
//
// Tree is a suture-based supervisor hierarchy for the coarse long-running
// services (database listener, broadcaster, HTTP server), giving crash
// isolation between layers with exponential-backoff restarts handled by
// suture itself.
//
// WorkerSupervisor manages fine-grained named workers below the tree. It
// adds what suture deliberately leaves out: per-worker restart budgets
// with circuit breakers, a bounded restart history, heartbeat staleness
// tracking, lifecycle events published to connected clients, and manual
// start/stop/restart/reset controls for operators.
//
// Typical wiring:
//
//	tree := supervisor.NewTree(supervisor.DefaultTreeConfig())
//	workers := supervisor.NewWorkerSupervisor(cfg, broadcaster, onFailure)
//	workers.Register("retention-sweeper", sweepFn)
//	tree.AddMessagingService(workers)
//	err := tree.Serve(ctx)
package supervisor
