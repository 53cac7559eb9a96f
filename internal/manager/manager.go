// Package manager is the coordinator-side API surface: starting strategies
// on pooled workers, routing market data, stopping workers gracefully, and
// restarting failed ones on behalf of the supervisor.
package manager

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/rxtech-lab/argo-orchestrator/internal/broker"
	"github.com/rxtech-lab/argo-orchestrator/internal/config"
	"github.com/rxtech-lab/argo-orchestrator/internal/journal"
	"github.com/rxtech-lab/argo-orchestrator/internal/logger"
	"github.com/rxtech-lab/argo-orchestrator/internal/pool"
	"github.com/rxtech-lab/argo-orchestrator/internal/protocol"
	"github.com/rxtech-lab/argo-orchestrator/internal/types"
	"github.com/rxtech-lab/argo-orchestrator/pkg/errors"
)

// Transport is the control-plane slice of the coordinator transport the
// manager uses directly.
type Transport interface {
	Request(ctx context.Context, workerID string, env protocol.Envelope) (protocol.Envelope, error)
	WaitForWorker(ctx context.Context, workerID string) error
	DisconnectWorker(workerID string)
}

// WorkerPool hands out and takes back pooled worker processes.
type WorkerPool interface {
	Acquire(ctx context.Context) (*types.WorkerRecord, error)
	Release(ctx context.Context, workerID string, healthy bool) error
	Remove(workerID string)
}

// HealthMonitor is the supervisor surface the manager registers workers with.
type HealthMonitor interface {
	Register(record *types.WorkerRecord)
	Deregister(workerID string)
	IsHealthy(workerID string) bool
	Statuses() []types.WorkerStatus
}

// StartRequest describes one strategy start.
type StartRequest struct {
	StrategyRef string
	Config      map[string]string
	Symbols     []string
	DataTypes   []types.DataType
}

// Manager coordinates the full worker lifecycle.
type Manager struct {
	cfg       config.TransportConfig
	transport Transport
	pool      WorkerPool
	monitor   HealthMonitor
	spawner   pool.Spawner
	broker    *broker.Broker
	journal   *journal.Journal
	log       *logger.Logger

	mu      sync.Mutex
	records map[string]*types.WorkerRecord
	// locks serializes operations per worker id, so a concurrent stop and
	// restart of the same worker cannot interleave.
	locks map[string]*sync.Mutex
}

// New creates a manager. The journal may be nil to disable persistence.
func New(
	cfg config.TransportConfig,
	transport Transport,
	workerPool WorkerPool,
	monitor HealthMonitor,
	spawner pool.Spawner,
	dataBroker *broker.Broker,
	eventJournal *journal.Journal,
	log *logger.Logger,
) *Manager {
	return &Manager{
		cfg:       cfg,
		transport: transport,
		pool:      workerPool,
		monitor:   monitor,
		spawner:   spawner,
		broker:    dataBroker,
		journal:   eventJournal,
		log:       log.Named("manager"),
		records:   make(map[string]*types.WorkerRecord),
		locks:     make(map[string]*sync.Mutex),
	}
}

func (m *Manager) workerLock(workerID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[workerID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[workerID] = lock
	}

	return lock
}

func (m *Manager) record(workerID string) (*types.WorkerRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[workerID]

	return record, ok
}

func (m *Manager) journalEvent(workerID string, kind journal.EventKind, state types.WorkerState, detail string) {
	if m.journal == nil {
		return
	}

	m.journal.Record(journal.Event{
		WorkerID: workerID,
		Kind:     kind,
		State:    state,
		Detail:   detail,
	})
}

// StartStrategy acquires a pooled worker, binds the strategy to it, and
// subscribes it to the requested market data. On a worker-reported startup
// failure the returned error is a StartupError carrying the worker's own
// payload, and the worker is torn down rather than returned to the pool.
func (m *Manager) StartStrategy(ctx context.Context, req StartRequest) (string, error) {
	if req.StrategyRef == "" {
		return "", errors.New(errors.ErrCodeInvalidConfiguration, "strategy reference is required")
	}

	record, err := m.pool.Acquire(ctx)
	if err != nil {
		return "", err
	}
	workerID := record.ID

	lock := m.workerLock(workerID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	m.records[workerID] = record
	m.mu.Unlock()

	record.Bind(req.StrategyRef, req.Config)
	m.monitor.Register(record)

	if err := m.sendStart(ctx, workerID, req.StrategyRef, req.Config); err != nil {
		m.monitor.Deregister(workerID)
		m.forget(workerID)
		_ = m.pool.Release(ctx, workerID, false)
		m.journalEvent(workerID, journal.EventErrored, types.WorkerStateError, err.Error())

		return "", err
	}

	record.ForceState(types.WorkerStateRunning)
	m.broker.Subscribe(workerID, req.Symbols, req.DataTypes)
	m.journalEvent(workerID, journal.EventStarted, types.WorkerStateRunning, req.StrategyRef)

	m.log.Info("strategy started",
		zap.String("worker_id", workerID),
		zap.String("strategy", req.StrategyRef),
		zap.Strings("symbols", req.Symbols))

	return workerID, nil
}

func (m *Manager) sendStart(ctx context.Context, workerID, strategyRef string, strategyConfig map[string]string) error {
	req, err := protocol.NewControlRequest(workerID, protocol.VerbStart, strategyRef, strategyConfig)
	if err != nil {
		return err
	}

	replyEnv, err := m.transport.Request(ctx, workerID, req)
	if err != nil {
		return err
	}

	reply, err := protocol.DecodeControlReply(replyEnv)
	if err != nil {
		return err
	}

	if !reply.OK {
		return errors.NewStartupError(workerID, string(reply.State), reply.Error)
	}

	return nil
}

// StopWorker stops a worker gracefully: STOP is sent, the worker winds down
// its strategy and exits. If the worker does not acknowledge within the grace
// period it is force-killed. Either way the worker ends up deregistered
// everywhere exactly once.
func (m *Manager) StopWorker(ctx context.Context, workerID string) error {
	lock := m.workerLock(workerID)
	lock.Lock()
	defer lock.Unlock()

	record, ok := m.record(workerID)
	if !ok {
		return errors.Newf(errors.ErrCodeUnknownWorker, "worker %s is not managed", workerID)
	}

	graceCtx, cancel := context.WithTimeout(ctx, m.cfg.GracePeriod)
	defer cancel()

	forced := false
	if err := m.sendStop(graceCtx, workerID); err != nil {
		m.log.Warn("graceful stop failed, force killing",
			zap.String("worker_id", workerID),
			zap.Error(err))
		record.AddHealthFlag(types.HealthFlagForceKilled)
		m.transport.DisconnectWorker(workerID)
		if killErr := m.spawner.Kill(record.PID()); killErr != nil {
			m.log.Warn("force kill failed", zap.String("worker_id", workerID), zap.Error(killErr))
		}
		forced = true
	}

	record.ForceState(types.WorkerStateStopped)
	m.broker.Unsubscribe(workerID)
	m.monitor.Deregister(workerID)
	m.pool.Remove(workerID)
	m.forget(workerID)

	detail := "graceful"
	if forced {
		detail = "force killed after grace period"
	}
	m.journalEvent(workerID, journal.EventStopped, types.WorkerStateStopped, detail)

	m.log.Info("worker stopped",
		zap.String("worker_id", workerID),
		zap.Bool("forced", forced))

	return nil
}

func (m *Manager) sendStop(ctx context.Context, workerID string) error {
	req, err := protocol.NewControlRequest(workerID, protocol.VerbStop, "", nil)
	if err != nil {
		return err
	}

	replyEnv, err := m.transport.Request(ctx, workerID, req)
	if err != nil {
		return err
	}

	reply, err := protocol.DecodeControlReply(replyEnv)
	if err != nil {
		return err
	}

	if !reply.OK {
		return errors.Newf(errors.ErrCodeStopTimeout, "worker %s refused stop: %s", workerID, reply.Error)
	}

	return nil
}

// PauseWorker suspends data processing on a worker without unloading its
// strategy.
func (m *Manager) PauseWorker(ctx context.Context, workerID string) error {
	return m.simpleControl(ctx, workerID, protocol.VerbPause, types.WorkerStatePaused, journal.EventPaused)
}

// ResumeWorker resumes a paused worker.
func (m *Manager) ResumeWorker(ctx context.Context, workerID string) error {
	return m.simpleControl(ctx, workerID, protocol.VerbResume, types.WorkerStateRunning, journal.EventResumed)
}

func (m *Manager) simpleControl(ctx context.Context, workerID string, verb protocol.ControlVerb, target types.WorkerState, event journal.EventKind) error {
	lock := m.workerLock(workerID)
	lock.Lock()
	defer lock.Unlock()

	record, ok := m.record(workerID)
	if !ok {
		return errors.Newf(errors.ErrCodeUnknownWorker, "worker %s is not managed", workerID)
	}

	req, err := protocol.NewControlRequest(workerID, verb, "", nil)
	if err != nil {
		return err
	}

	// Round-trip latency is observed once, inside the transport's Request.
	replyEnv, err := m.transport.Request(ctx, workerID, req)
	if err != nil {
		return err
	}

	reply, err := protocol.DecodeControlReply(replyEnv)
	if err != nil {
		return err
	}

	if !reply.OK {
		return errors.Newf(errors.ErrCodeInvalidTransition, "worker %s rejected %s: %s", workerID, verb, reply.Error)
	}

	record.ForceState(target)
	m.journalEvent(workerID, event, target, "")

	return nil
}

// ReloadStrategy hot-swaps the strategy unit on a running worker.
func (m *Manager) ReloadStrategy(ctx context.Context, workerID, strategyRef string, strategyConfig map[string]string) error {
	lock := m.workerLock(workerID)
	lock.Lock()
	defer lock.Unlock()

	record, ok := m.record(workerID)
	if !ok {
		return errors.Newf(errors.ErrCodeUnknownWorker, "worker %s is not managed", workerID)
	}

	req, err := protocol.NewControlRequest(workerID, protocol.VerbReload, strategyRef, strategyConfig)
	if err != nil {
		return err
	}

	replyEnv, err := m.transport.Request(ctx, workerID, req)
	if err != nil {
		return err
	}

	reply, err := protocol.DecodeControlReply(replyEnv)
	if err != nil {
		return err
	}

	if !reply.OK {
		return errors.Newf(errors.ErrCodeStrategyRuntime, "worker %s rejected reload: %s", workerID, reply.Error)
	}

	record.Bind(strategyRef, strategyConfig)
	m.journalEvent(workerID, journal.EventReloaded, types.WorkerStateRunning, strategyRef)

	return nil
}

// Restart replaces a failed worker's process while keeping its identity: the
// replacement reconnects under the same worker id, so the supervisor watch
// and broker subscription carry over. The strategy binding is replayed onto
// the fresh process. Called by the supervisor.
func (m *Manager) Restart(ctx context.Context, workerID string) error {
	lock := m.workerLock(workerID)
	lock.Lock()
	defer lock.Unlock()

	record, ok := m.record(workerID)
	if !ok {
		return errors.Newf(errors.ErrCodeUnknownWorker, "worker %s is not managed", workerID)
	}

	strategyRef, strategyConfig := record.Binding()
	if strategyRef == "" {
		return errors.Newf(errors.ErrCodeStrategyNotLoaded, "worker %s has no strategy binding to restart", workerID)
	}

	record.ForceState(types.WorkerStateRestarting)

	// Tear down whatever is left of the old process.
	m.transport.DisconnectWorker(workerID)
	if err := m.spawner.Kill(record.PID()); err != nil {
		m.log.Warn("failed to kill old process during restart",
			zap.String("worker_id", workerID),
			zap.Error(err))
	}

	pid, err := m.spawner.Spawn(ctx, workerID)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeSpawnFailed, err, "failed to respawn worker %s", workerID)
	}
	record.SetPID(pid)

	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()

	if err := m.transport.WaitForWorker(waitCtx, workerID); err != nil {
		return errors.Wrapf(errors.ErrCodeSpawnFailed, err, "respawned worker %s never connected", workerID)
	}

	if err := m.sendStart(ctx, workerID, strategyRef, strategyConfig); err != nil {
		return err
	}

	record.ForceState(types.WorkerStateRunning)
	m.journalEvent(workerID, journal.EventRestarted, types.WorkerStateRunning, strategyRef)

	m.log.Info("worker restarted",
		zap.String("worker_id", workerID),
		zap.Int("pid", pid),
		zap.String("strategy", strategyRef))

	return nil
}

// PublishMarketData routes one market event to every subscribed worker and
// returns how many were targeted.
func (m *Manager) PublishMarketData(data types.MarketData) (int, error) {
	return m.broker.Publish(data)
}

// Subscribe replaces a worker's market data subscription.
func (m *Manager) Subscribe(workerID string, symbols []string, dataTypes []types.DataType) error {
	if _, ok := m.record(workerID); !ok {
		return errors.Newf(errors.ErrCodeUnknownWorker, "worker %s is not managed", workerID)
	}

	m.broker.Subscribe(workerID, symbols, dataTypes)

	return nil
}

// Unsubscribe removes a worker's market data subscription.
func (m *Manager) Unsubscribe(workerID string) {
	m.broker.Unsubscribe(workerID)
}

// WorkerStatus reports the health snapshot of one worker.
func (m *Manager) WorkerStatus(workerID string) (types.WorkerStatus, error) {
	for _, status := range m.monitor.Statuses() {
		if status.WorkerID == workerID {
			return status, nil
		}
	}

	return types.WorkerStatus{}, errors.Newf(errors.ErrCodeUnknownWorker, "worker %s is not managed", workerID)
}

// ListWorkers reports the health snapshot of every managed worker.
func (m *Manager) ListWorkers() []types.WorkerStatus {
	return m.monitor.Statuses()
}

// ManagedWorkerIDs returns the ids of all workers with live strategy
// assignments.
func (m *Manager) ManagedWorkerIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}

	return ids
}

func (m *Manager) forget(workerID string) {
	m.mu.Lock()
	delete(m.records, workerID)
	delete(m.locks, workerID)
	m.mu.Unlock()
}

// Shutdown stops every managed worker gracefully.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, workerID := range m.ManagedWorkerIDs() {
		if err := m.StopWorker(ctx, workerID); err != nil {
			m.log.Warn("failed to stop worker during shutdown",
				zap.String("worker_id", workerID),
				zap.Error(err))
		}
	}
}
