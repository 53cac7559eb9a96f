// Package supervisor watches worker health over the status funnel and drives
// bounded, exponentially backed-off restarts when a worker misses heartbeats
// or reports an error.
package supervisor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rxtech-lab/argo-orchestrator/internal/config"
	"github.com/rxtech-lab/argo-orchestrator/internal/logger"
	"github.com/rxtech-lab/argo-orchestrator/internal/metrics"
	"github.com/rxtech-lab/argo-orchestrator/internal/protocol"
	"github.com/rxtech-lab/argo-orchestrator/internal/types"
)

// Restarter performs the actual worker restart: tearing down the old process
// and bringing up a replacement with the same strategy binding.
type Restarter interface {
	Restart(ctx context.Context, workerID string) error
}

// Alert is emitted when a worker exhausts its restart budget and is parked in
// terminal ERROR.
type Alert struct {
	WorkerID     string
	RestartCount int
	Reason       string
}

type watchedWorker struct {
	record     *types.WorkerRecord
	restartDue time.Time
	restarting bool
	exhausted  bool
}

// Supervisor tracks registered workers, consumes their status stream, and
// schedules restarts under the configured policy.
type Supervisor struct {
	health  config.HealthCheckConfig
	policy  config.RestartPolicy
	restart Restarter
	log     *logger.Logger

	// now is swappable so health decisions can be tested at fixed instants.
	now func() time.Time

	mu      sync.Mutex
	workers map[string]*watchedWorker

	alerts chan Alert
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a supervisor. Call Run to start consuming statuses.
func New(health config.HealthCheckConfig, policy config.RestartPolicy, restarter Restarter, log *logger.Logger) *Supervisor {
	return &Supervisor{
		health:  health,
		policy:  policy,
		restart: restarter,
		log:     log.Named("supervisor"),
		now:     time.Now,
		workers: make(map[string]*watchedWorker),
		alerts:  make(chan Alert, 16),
		done:    make(chan struct{}),
	}
}

// SetClock overrides the time source. Intended for tests.
func (s *Supervisor) SetClock(now func() time.Time) {
	s.now = now
}

// Register starts watching a worker. The record's heartbeat is primed so the
// worker is not immediately declared dead before its first beat.
func (s *Supervisor) Register(record *types.WorkerRecord) {
	record.Heartbeat(s.now())

	s.mu.Lock()
	s.workers[record.ID] = &watchedWorker{record: record}
	s.mu.Unlock()
}

// Deregister stops watching a worker, typically on graceful stop.
func (s *Supervisor) Deregister(workerID string) {
	s.mu.Lock()
	delete(s.workers, workerID)
	s.mu.Unlock()
}

// Alerts exposes restart-exhaustion notifications.
func (s *Supervisor) Alerts() <-chan Alert {
	return s.alerts
}

// IsHealthy reports whether a worker has beaten within the timeout and is not
// in ERROR. Unknown workers are unhealthy.
func (s *Supervisor) IsHealthy(workerID string) bool {
	s.mu.Lock()
	worker, ok := s.workers[workerID]
	s.mu.Unlock()

	if !ok {
		return false
	}

	return s.healthyAt(worker.record, s.now())
}

func (s *Supervisor) healthyAt(record *types.WorkerRecord, now time.Time) bool {
	if record.State() == types.WorkerStateError {
		return false
	}

	return now.Sub(record.LastHeartbeat()) <= s.health.HeartbeatTimeout
}

// Run consumes the status funnel and periodically sweeps for missed
// heartbeats until the context is cancelled.
func (s *Supervisor) Run(ctx context.Context, statuses <-chan protocol.Envelope) {
	s.wg.Add(1)
	defer s.wg.Done()

	ticker := time.NewTicker(s.health.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case env, ok := <-statuses:
			if !ok {
				return
			}

			s.handleStatus(ctx, env)
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

func (s *Supervisor) handleStatus(ctx context.Context, env protocol.Envelope) {
	payload, err := protocol.DecodeStatus(env)
	if err != nil {
		s.log.Warn("discarding malformed status message", zap.Error(err))

		return
	}

	s.mu.Lock()
	worker, ok := s.workers[env.WorkerID]
	s.mu.Unlock()

	if !ok {
		// Status from a worker nobody registered, e.g. one mid-teardown.
		return
	}

	switch payload.Kind {
	case protocol.StatusHeartbeat:
		worker.record.Heartbeat(s.now())
		// A healthy beat from a running worker clears its restart history.
		if payload.State == types.WorkerStateRunning {
			s.clearRestart(env.WorkerID)
		}
	case protocol.StatusUpdate:
		worker.record.Heartbeat(s.now())
		worker.record.ForceState(payload.State)
		if payload.State == types.WorkerStateRunning {
			s.clearRestart(env.WorkerID)
		}
	case protocol.StatusError:
		s.log.Warn("worker reported error",
			zap.String("worker_id", env.WorkerID),
			zap.String("detail", payload.Detail))
		worker.record.ForceState(types.WorkerStateError)
		worker.record.AddHealthFlag(types.HealthFlagStrategyError)
		s.Sweep(ctx)
	}
}

func (s *Supervisor) clearRestart(workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if worker, ok := s.workers[workerID]; ok {
		worker.restarting = false
		worker.exhausted = false
		worker.restartDue = time.Time{}
		worker.record.ResetRestartCount()
	}
}

// Sweep runs one health pass: it flags missed heartbeats, schedules restarts
// with exponential backoff, and fires restarts whose delay has elapsed.
// Run calls it on every check interval; tests call it directly.
func (s *Supervisor) Sweep(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	due := make([]*watchedWorker, 0)
	for _, worker := range s.workers {
		state := worker.record.State()
		if types.IsTerminal(state) || state == types.WorkerStateStopping {
			continue
		}

		if !worker.restarting && !s.healthyAt(worker.record, now) {
			if state != types.WorkerStateError {
				s.log.Warn("worker missed heartbeats",
					zap.String("worker_id", worker.record.ID),
					zap.Time("last_heartbeat", worker.record.LastHeartbeat()))
				worker.record.AddHealthFlag(types.HealthFlagHeartbeatMissed)
			}

			s.scheduleRestartLocked(worker, now)
		}

		if worker.restarting && !worker.restartDue.IsZero() && !now.Before(worker.restartDue) {
			worker.restartDue = time.Time{}
			due = append(due, worker)
		}
	}
	s.mu.Unlock()

	for _, worker := range due {
		s.fireRestart(ctx, worker)
	}
}

func (s *Supervisor) scheduleRestartLocked(worker *watchedWorker, now time.Time) {
	if worker.exhausted {
		return
	}

	count := worker.record.RestartCount()
	if count >= s.policy.MaxRestarts {
		worker.record.ForceState(types.WorkerStateError)
		worker.restarting = false
		worker.exhausted = true

		metrics.RestartsExhausted.Inc()
		s.log.Error("restart budget exhausted, parking worker in error",
			zap.String("worker_id", worker.record.ID),
			zap.Int("restarts", count))

		select {
		case s.alerts <- Alert{
			WorkerID:     worker.record.ID,
			RestartCount: count,
			Reason:       "restart budget exhausted",
		}:
		default:
		}

		return
	}

	backoff := s.policy.BackoffBase << uint(count)
	if backoff > s.policy.BackoffCap || backoff <= 0 {
		backoff = s.policy.BackoffCap
	}

	// The worker stays in ERROR for the whole backoff window; it only leaves
	// ERROR when the restart actually fires.
	worker.record.IncrementRestartCount()
	worker.record.ForceState(types.WorkerStateError)
	worker.restarting = true
	worker.restartDue = now.Add(backoff)

	metrics.RestartsScheduled.Inc()
	s.log.Info("restart scheduled",
		zap.String("worker_id", worker.record.ID),
		zap.Int("attempt", count+1),
		zap.Duration("backoff", backoff))
}

func (s *Supervisor) fireRestart(ctx context.Context, worker *watchedWorker) {
	workerID := worker.record.ID

	// Leave ERROR only now that the restart begins. The restarter moves the
	// record through RESTARTING and on to RUNNING itself.
	worker.record.ForceState(types.WorkerStateRecovering)

	if err := s.restart.Restart(ctx, workerID); err != nil {
		s.log.Error("restart failed",
			zap.String("worker_id", workerID),
			zap.Error(err))

		// Back to ERROR so the next sweep reschedules against the
		// incremented count.
		s.mu.Lock()
		if w, ok := s.workers[workerID]; ok {
			w.restarting = false
			w.record.ForceState(types.WorkerStateError)
		}
		s.mu.Unlock()

		return
	}

	// Prime the heartbeat so the replacement gets a full timeout window to
	// come up before the next sweep can flag it again. The record's state is
	// whatever the restarter left it in.
	s.mu.Lock()
	if w, ok := s.workers[workerID]; ok {
		w.restarting = false
		w.record.Heartbeat(s.now())
	}
	s.mu.Unlock()
}

// Statuses returns a point-in-time health snapshot of every watched worker.
func (s *Supervisor) Statuses() []types.WorkerStatus {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]types.WorkerStatus, 0, len(s.workers))
	for _, worker := range s.workers {
		statuses = append(statuses, types.WorkerStatus{
			WorkerID:      worker.record.ID,
			State:         worker.record.State(),
			PID:           worker.record.PID(),
			Uptime:        worker.record.Uptime(),
			LastHeartbeat: worker.record.LastHeartbeat(),
			RestartCount:  worker.record.RestartCount(),
			IsHealthy:     s.healthyAt(worker.record, now),
		})
	}

	return statuses
}

// Close stops the run loop.
func (s *Supervisor) Close() {
	close(s.done)
	s.wg.Wait()
}
