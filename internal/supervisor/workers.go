// Sentinel - Home Security Monitoring Backend
// Copyright 2026 Sentinel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinel-sec/sentinel

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sentinel-sec/sentinel/internal/eventbus"
	"github.com/sentinel-sec/sentinel/internal/logging"
	"github.com/sentinel-sec/sentinel/internal/metrics"
)

// Errors for WorkerSupervisor.
var (
	ErrWorkerExists     = errors.New("worker already registered")
	ErrWorkerNotFound   = errors.New("worker not registered")
	ErrWorkerNotStopped = errors.New("worker is not stopped")
	ErrBreakerOpen      = errors.New("worker circuit breaker is open")
	ErrAlreadyRunning   = errors.New("monitor loop already running")
)

// WorkerState is a worker's lifecycle state.
type WorkerState string

const (
	WorkerStopped    WorkerState = "stopped"
	WorkerRunning    WorkerState = "running"
	WorkerRestarting WorkerState = "restarting"
	WorkerCrashed    WorkerState = "crashed"
	WorkerFailed     WorkerState = "failed"
)

// stateGauge maps states onto the worker status gauge values.
var stateGauge = map[WorkerState]float64{
	WorkerStopped:    0,
	WorkerRunning:    1,
	WorkerRestarting: 2,
	WorkerCrashed:    3,
	WorkerFailed:     4,
}

// WorkerFunc is a worker's long-running body. It should run until its
// context is canceled; returning a non-nil error (or panicking) counts as
// a crash, returning nil after cancellation counts as a clean stop.
type WorkerFunc func(ctx context.Context) error

// StatusPublisher receives worker lifecycle events. The broadcaster
// satisfies it, letting connected clients observe supervision in real time.
type StatusPublisher interface {
	Publish(ctx context.Context, event *eventbus.Event) error
}

// FailureFunc is invoked exactly once when a worker exhausts its restart
// budget. Fixed at construction.
type FailureFunc func(worker string, err error)

// RestartFunc is invoked on each automatic restart attempt, before the
// backoff delay. Fixed at registration.
type RestartFunc func(worker string, restartCount int)

// WorkerSupervisorConfig tunes crash detection and restart pacing.
type WorkerSupervisorConfig struct {
	// MonitorInterval is the crash/heartbeat sweep period.
	MonitorInterval time.Duration
	// MaxRestarts is the restart budget before a worker is declared failed
	// and its circuit breaker opens.
	MaxRestarts int
	// BackoffBase and BackoffMax bound the exponential restart delay:
	// min(base x 2^restarts, max).
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// HeartbeatTimeout is how stale a running worker's heartbeat may grow
	// before a miss is counted. Zero disables heartbeat tracking.
	HeartbeatTimeout time.Duration
	// HistorySize bounds the retained restart event log.
	HistorySize int
}

// DefaultWorkerSupervisorConfig returns production defaults.
func DefaultWorkerSupervisorConfig() WorkerSupervisorConfig {
	return WorkerSupervisorConfig{
		MonitorInterval:  5 * time.Second,
		MaxRestarts:      5,
		BackoffBase:      time.Second,
		BackoffMax:       60 * time.Second,
		HeartbeatTimeout: 90 * time.Second,
		HistorySize:      100,
	}
}

// WorkerOptions override the supervisor defaults for one worker. Zero
// values fall back to the supervisor configuration.
type WorkerOptions struct {
	MaxRestarts      int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	HeartbeatTimeout time.Duration

	// OnRestart is called on every automatic restart of this worker.
	OnRestart RestartFunc
}

// RestartEvent is one entry in the supervisor's restart history.
type RestartEvent struct {
	Worker       string    `json:"worker"`
	At           time.Time `json:"at"`
	RestartCount int       `json:"restart_count"`
	Reason       string    `json:"reason"`
}

// WorkerStatus is a point-in-time snapshot of one worker.
type WorkerStatus struct {
	Name             string      `json:"name"`
	State            WorkerState `json:"state"`
	RestartCount     int         `json:"restart_count"`
	BreakerOpen      bool        `json:"breaker_open"`
	MissedHeartbeats int         `json:"missed_heartbeats"`
	LastError        string      `json:"last_error,omitempty"`
	LastHeartbeat    *time.Time  `json:"last_heartbeat,omitempty"`
}

// worker holds one managed worker's state under its own lock. The run
// goroutine, monitor loop, and manual controls all touch it.
type worker struct {
	name string
	fn   WorkerFunc
	opts WorkerOptions

	mu               sync.Mutex
	state            WorkerState
	restartCount     int
	breakerOpen      bool
	missedHeartbeats int
	lastError        error
	lastHeartbeat    time.Time
	failureReported  bool
	cancel           context.CancelFunc
	done             chan struct{}
}

// WorkerSupervisor owns a set of named long-running workers, restarting
// crashed ones with exponential backoff up to a budget, after which the
// worker's circuit breaker opens and the failure callback fires. It is the
// in-process complement to the suture tree: the tree supervises coarse
// services, the WorkerSupervisor supervises fine-grained workers with
// per-worker policy, history, and manual controls.
type WorkerSupervisor struct {
	cfg       WorkerSupervisorConfig
	status    StatusPublisher
	onFailure FailureFunc

	// baseCtx parents every worker run context, so worker lifetime is
	// owned by the supervisor rather than by whichever caller happened to
	// start the worker. Individual workers are canceled through their own
	// cancel funcs on stop and shutdown.
	baseCtx context.Context

	running atomic.Bool

	mu      sync.RWMutex
	workers map[string]*worker

	histMu  sync.Mutex
	history []RestartEvent
}

// NewWorkerSupervisor creates a supervisor. status and onFailure may be nil;
// both are fixed for the supervisor's lifetime.
func NewWorkerSupervisor(cfg WorkerSupervisorConfig, status StatusPublisher, onFailure FailureFunc) *WorkerSupervisor {
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 5 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	return &WorkerSupervisor{
		cfg:     cfg,
		status:  status,
		baseCtx: context.Background(),
		workers: make(map[string]*worker),

		onFailure: onFailure,
	}
}

// Register adds a named worker in the stopped state. The worker does not
// run until StartWorker is called or the monitor loop starts it via
// StartAll. At most one WorkerOptions value overrides the supervisor
// defaults for this worker; options are fixed at registration.
func (s *WorkerSupervisor) Register(name string, fn WorkerFunc, opts ...WorkerOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workers[name]; ok {
		return fmt.Errorf("%w: %s", ErrWorkerExists, name)
	}
	w := &worker{name: name, fn: fn, state: WorkerStopped}
	if len(opts) > 0 {
		w.opts = opts[0]
	}
	s.workers[name] = w
	metrics.WorkerStatus.WithLabelValues(name).Set(stateGauge[WorkerStopped])
	return nil
}

// StartWorker launches a stopped worker. Starting a running worker is a
// no-op; starting a worker whose breaker is open returns ErrBreakerOpen.
// The worker outlives ctx: its run context is parented on the supervisor,
// so a start over HTTP survives the request ending. ctx only scopes the
// status event publish.
func (s *WorkerSupervisor) StartWorker(ctx context.Context, name string) error {
	w, err := s.get(name)
	if err != nil {
		return err
	}

	w.mu.Lock()
	if w.state == WorkerRunning || w.state == WorkerRestarting {
		w.mu.Unlock()
		return nil
	}
	if w.breakerOpen {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBreakerOpen, name)
	}
	s.launchLocked(w)
	w.mu.Unlock()

	s.emitStatus(ctx, name, WorkerRunning, "started")
	return nil
}

// StartAll launches every stopped worker whose breaker is closed.
func (s *WorkerSupervisor) StartAll(ctx context.Context) {
	for _, name := range s.names() {
		if err := s.StartWorker(ctx, name); err != nil && !errors.Is(err, ErrBreakerOpen) {
			logging.Warn().Err(err).Str("worker", name).Msg("worker start failed")
		}
	}
}

// StopWorker cancels a running worker and waits for it to exit. A stop is
// deliberate: the worker lands in stopped, not crashed, and keeps its
// restart count.
func (s *WorkerSupervisor) StopWorker(name string) error {
	w, err := s.get(name)
	if err != nil {
		return err
	}

	w.mu.Lock()
	if w.state != WorkerRunning {
		w.mu.Unlock()
		return nil
	}
	cancel, done := w.cancel, w.done
	w.state = WorkerStopped
	metrics.WorkerStatus.WithLabelValues(name).Set(stateGauge[WorkerStopped])
	w.mu.Unlock()

	cancel()
	<-done

	s.emitStatus(context.Background(), name, WorkerStopped, "stopped")
	return nil
}

// RestartWorker stops a worker if running and starts it again immediately,
// bypassing backoff. Manual restarts do not consume the restart budget.
func (s *WorkerSupervisor) RestartWorker(ctx context.Context, name string) error {
	if err := s.StopWorker(name); err != nil {
		return err
	}
	return s.StartWorker(ctx, name)
}

// ResetWorker clears a worker's restart count, error, and heartbeat-miss
// state. The worker must be stopped or failed.
func (s *WorkerSupervisor) ResetWorker(name string) error {
	w, err := s.get(name)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == WorkerRunning || w.state == WorkerRestarting {
		return fmt.Errorf("%w: %s", ErrWorkerNotStopped, name)
	}
	w.state = WorkerStopped
	w.restartCount = 0
	w.missedHeartbeats = 0
	w.lastError = nil
	w.failureReported = false
	metrics.WorkerStatus.WithLabelValues(name).Set(stateGauge[WorkerStopped])
	return nil
}

// ResetCircuitBreaker closes a worker's breaker so it may be started again.
// The restart count is left intact; pair with ResetWorker to fully clear.
func (s *WorkerSupervisor) ResetCircuitBreaker(name string) error {
	w, err := s.get(name)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.breakerOpen {
		w.breakerOpen = false
		metrics.CircuitBreakersOpen.Dec()
		if w.state == WorkerFailed {
			w.state = WorkerStopped
			metrics.WorkerStatus.WithLabelValues(name).Set(stateGauge[WorkerStopped])
		}
	}
	return nil
}

// Heartbeat records liveness for a running worker. Workers call this
// periodically from their own loops.
func (s *WorkerSupervisor) Heartbeat(name string) error {
	w, err := s.get(name)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastHeartbeat = time.Now()
	return nil
}

// Status returns a snapshot of one worker.
func (s *WorkerSupervisor) Status(name string) (WorkerStatus, error) {
	w, err := s.get(name)
	if err != nil {
		return WorkerStatus{}, err
	}
	return w.snapshot(), nil
}

// Statuses returns snapshots of every registered worker.
func (s *WorkerSupervisor) Statuses() []WorkerStatus {
	s.mu.RLock()
	workers := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.RUnlock()

	out := make([]WorkerStatus, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.snapshot())
	}
	return out
}

// History returns a copy of the restart event log, oldest first.
func (s *WorkerSupervisor) History() []RestartEvent {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	out := make([]RestartEvent, len(s.history))
	copy(out, s.history)
	return out
}

// Serve runs the monitor loop: a periodic sweep that restarts crashed
// workers with backoff, opens breakers for workers out of budget, and
// counts missed heartbeats. Implements suture.Service.
func (s *WorkerSupervisor) Serve(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	ticker := time.NewTicker(s.cfg.MonitorInterval)
	defer ticker.Stop()

	logging.Info().Dur("interval", s.cfg.MonitorInterval).Msg("worker monitor started")
	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep is one monitor pass over all workers.
func (s *WorkerSupervisor) sweep(ctx context.Context) {
	for _, name := range s.names() {
		w, err := s.get(name)
		if err != nil {
			continue
		}
		s.checkWorker(ctx, w)
	}
}

// checkWorker handles one worker: crash recovery and heartbeat staleness.
func (s *WorkerSupervisor) checkWorker(ctx context.Context, w *worker) {
	w.mu.Lock()

	switch w.state {
	case WorkerCrashed:
		if w.restartCount >= s.maxRestartsFor(w) {
			s.giveUpLocked(ctx, w)
			w.mu.Unlock()
			return
		}
		delay := s.backoffFor(w, w.restartCount)
		w.restartCount++
		w.state = WorkerRestarting
		metrics.WorkerStatus.WithLabelValues(w.name).Set(stateGauge[WorkerRestarting])
		metrics.WorkerRestarts.WithLabelValues(w.name, "success").Inc()
		count := w.restartCount
		w.mu.Unlock()

		s.recordHistory(RestartEvent{
			Worker:       w.name,
			At:           time.Now().UTC(),
			RestartCount: count,
			Reason:       "crash",
		})
		logging.Warn().
			Str("worker", w.name).
			Int("restart_count", count).
			Dur("backoff", delay).
			Msg("restarting crashed worker")
		s.emitStatus(ctx, w.name, WorkerRestarting, "crash")
		if w.opts.OnRestart != nil {
			go w.opts.OnRestart(w.name, count)
		}

		go s.restartAfter(ctx, w, delay)
		return

	case WorkerRunning:
		if timeout := s.heartbeatTimeoutFor(w); timeout > 0 && !w.lastHeartbeat.IsZero() &&
			time.Since(w.lastHeartbeat) > timeout {
			w.missedHeartbeats++
			w.lastHeartbeat = time.Now()
			missed := w.missedHeartbeats
			w.mu.Unlock()

			metrics.HeartbeatsMissed.WithLabelValues(w.name).Inc()
			logging.Warn().
				Str("worker", w.name).
				Int("missed", missed).
				Msg("worker heartbeat overdue")
			return
		}
	}
	w.mu.Unlock()
}

// giveUpLocked marks a worker failed and opens its breaker. Caller holds
// w.mu. The failure callback fires at most once per failure episode.
func (s *WorkerSupervisor) giveUpLocked(ctx context.Context, w *worker) {
	w.state = WorkerFailed
	metrics.WorkerStatus.WithLabelValues(w.name).Set(stateGauge[WorkerFailed])
	if !w.breakerOpen {
		w.breakerOpen = true
		metrics.CircuitBreakersOpen.Inc()
	}
	metrics.WorkerRestarts.WithLabelValues(w.name, "failure").Inc()

	fire := !w.failureReported
	w.failureReported = true
	lastErr := w.lastError

	logging.Error().
		Str("worker", w.name).
		Int("restart_count", w.restartCount).
		Err(lastErr).
		Msg("worker exhausted restart budget, circuit breaker open")
	s.emitStatus(ctx, w.name, WorkerFailed, "restart budget exhausted")

	if fire && s.onFailure != nil {
		go s.onFailure(w.name, lastErr)
	}
}

// restartAfter waits out the backoff delay then relaunches the worker,
// unless the context ended or the worker was manually reset meanwhile.
func (s *WorkerSupervisor) restartAfter(ctx context.Context, w *worker, delay time.Duration) {
	select {
	case <-ctx.Done():
		w.mu.Lock()
		if w.state == WorkerRestarting {
			w.state = WorkerStopped
			metrics.WorkerStatus.WithLabelValues(w.name).Set(stateGauge[WorkerStopped])
		}
		w.mu.Unlock()
		return
	case <-time.After(delay):
	}

	w.mu.Lock()
	if w.state != WorkerRestarting {
		w.mu.Unlock()
		return
	}
	s.launchLocked(w)
	w.mu.Unlock()

	s.emitStatus(ctx, w.name, WorkerRunning, "restarted")
}

// launchLocked starts the worker goroutine under the supervisor's base
// context. Caller holds w.mu.
func (s *WorkerSupervisor) launchLocked(w *worker) {
	runCtx, cancel := context.WithCancel(s.baseCtx)
	done := make(chan struct{})
	w.cancel = cancel
	w.done = done
	w.state = WorkerRunning
	w.lastHeartbeat = time.Now()
	metrics.WorkerStatus.WithLabelValues(w.name).Set(stateGauge[WorkerRunning])

	go s.run(runCtx, w, done)
}

// run executes the worker body and classifies its exit.
func (s *WorkerSupervisor) run(ctx context.Context, w *worker, done chan struct{}) {
	defer close(done)

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("worker panic: %v", r)
			}
		}()
		return w.fn(ctx)
	}()

	w.mu.Lock()
	defer w.mu.Unlock()

	// A deliberate stop already moved the state; leave it alone.
	if w.state != WorkerRunning {
		return
	}

	if err == nil || ctx.Err() != nil {
		w.state = WorkerStopped
		metrics.WorkerStatus.WithLabelValues(w.name).Set(stateGauge[WorkerStopped])
		return
	}

	w.state = WorkerCrashed
	w.lastError = err
	metrics.WorkerStatus.WithLabelValues(w.name).Set(stateGauge[WorkerCrashed])
	logging.Error().Err(err).Str("worker", w.name).Msg("worker crashed")
}

// stopAll cancels every running worker during monitor shutdown.
func (s *WorkerSupervisor) stopAll() {
	for _, name := range s.names() {
		if err := s.StopWorker(name); err != nil {
			logging.Debug().Err(err).Str("worker", name).Msg("stop during shutdown")
		}
	}
}

// backoffFor computes min(base x 2^restarts, max) using the worker's own
// backoff bounds when set.
func (s *WorkerSupervisor) backoffFor(w *worker, restarts int) time.Duration {
	base, max := s.cfg.BackoffBase, s.cfg.BackoffMax
	if w.opts.BackoffBase > 0 {
		base = w.opts.BackoffBase
	}
	if w.opts.BackoffMax > 0 {
		max = w.opts.BackoffMax
	}

	delay := base
	for i := 0; i < restarts; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// maxRestartsFor resolves the worker's restart budget.
func (s *WorkerSupervisor) maxRestartsFor(w *worker) int {
	if w.opts.MaxRestarts > 0 {
		return w.opts.MaxRestarts
	}
	return s.cfg.MaxRestarts
}

// heartbeatTimeoutFor resolves the worker's heartbeat staleness bound.
func (s *WorkerSupervisor) heartbeatTimeoutFor(w *worker) time.Duration {
	if w.opts.HeartbeatTimeout > 0 {
		return w.opts.HeartbeatTimeout
	}
	return s.cfg.HeartbeatTimeout
}

// emitStatus publishes a worker lifecycle event when a publisher is wired.
func (s *WorkerSupervisor) emitStatus(ctx context.Context, name string, state WorkerState, reason string) {
	if s.status == nil {
		return
	}
	ev := eventbus.NewEvent("service_status", map[string]interface{}{
		"worker": name,
		"state":  string(state),
		"reason": reason,
	})
	if err := s.status.Publish(ctx, ev); err != nil {
		logging.Debug().Err(err).Str("worker", name).Msg("status event publish failed")
	}
}

// recordHistory appends to the bounded restart log.
func (s *WorkerSupervisor) recordHistory(ev RestartEvent) {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	s.history = append(s.history, ev)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
}

func (s *WorkerSupervisor) get(name string) (*worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkerNotFound, name)
	}
	return w, nil
}

func (s *WorkerSupervisor) names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.workers))
	for name := range s.workers {
		out = append(out, name)
	}
	return out
}

func (w *worker) snapshot() WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	st := WorkerStatus{
		Name:             w.name,
		State:            w.state,
		RestartCount:     w.restartCount,
		BreakerOpen:      w.breakerOpen,
		MissedHeartbeats: w.missedHeartbeats,
	}
	if w.lastError != nil {
		st.LastError = w.lastError.Error()
	}
	if !w.lastHeartbeat.IsZero() {
		hb := w.lastHeartbeat
		st.LastHeartbeat = &hb
	}
	return st
}
