// Package pool maintains a set of pre-warmed worker processes so that
// strategy starts do not pay process spawn latency. Warm workers sit in
// INITIALIZED with no strategy bound; acquiring one claims it atomically and
// releasing a healthy one resets it back into the warm set.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rxtech-lab/argo-orchestrator/internal/config"
	"github.com/rxtech-lab/argo-orchestrator/internal/logger"
	"github.com/rxtech-lab/argo-orchestrator/internal/metrics"
	"github.com/rxtech-lab/argo-orchestrator/internal/protocol"
	"github.com/rxtech-lab/argo-orchestrator/internal/types"
	"github.com/rxtech-lab/argo-orchestrator/pkg/errors"
)

// readyTimeout bounds how long a freshly spawned worker may take to connect
// its channels before the spawn is considered failed.
const readyTimeout = 10 * time.Second

// Transport is the slice of the coordinator transport the pool needs:
// readiness waits, control requests, and forced disconnects.
type Transport interface {
	WaitForWorker(ctx context.Context, workerID string) error
	Request(ctx context.Context, workerID string, env protocol.Envelope) (protocol.Envelope, error)
	DisconnectWorker(workerID string)
}

// Pool manages warm and assigned worker processes between MinSize and
// MaxSize.
type Pool struct {
	cfg       config.PoolConfig
	spawner   Spawner
	transport Transport
	log       *logger.Logger

	mu       sync.Mutex
	warm     []*types.WorkerRecord
	assigned map[string]*types.WorkerRecord
	closed   bool

	replenish chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewPool creates a pool. Call Start to spawn the initial warm set.
func NewPool(cfg config.PoolConfig, spawner Spawner, transport Transport, log *logger.Logger) *Pool {
	return &Pool{
		cfg:       cfg,
		spawner:   spawner,
		transport: transport,
		log:       log.Named("pool"),
		assigned:  make(map[string]*types.WorkerRecord),
		replenish: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Start fills the pool to MinSize and launches the replenish loop that keeps
// it there as workers are acquired or torn down.
func (p *Pool) Start(ctx context.Context) error {
	for i := 0; i < p.cfg.MinSize; i++ {
		record, err := p.spawnWorker(ctx)
		if err != nil {
			return err
		}

		p.addWarm(record)
	}

	p.wg.Add(1)
	go p.replenishLoop(ctx)

	return nil
}

func (p *Pool) replenishLoop(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-p.replenish:
		}

		for p.warmDeficit() > 0 {
			record, err := p.spawnWorker(ctx)
			if err != nil {
				p.log.Error("failed to replenish pool", zap.Error(err))

				break
			}

			p.addWarm(record)
		}
	}
}

func (p *Pool) warmDeficit() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0
	}

	deficit := p.cfg.MinSize - len(p.warm)
	if room := p.cfg.MaxSize - len(p.warm) - len(p.assigned); deficit > room {
		deficit = room
	}

	return deficit
}

func (p *Pool) triggerReplenish() {
	select {
	case p.replenish <- struct{}{}:
	default:
	}
}

// spawnWorker launches one process and waits for its channels to connect.
func (p *Pool) spawnWorker(ctx context.Context) (*types.WorkerRecord, error) {
	workerID := newWorkerID()

	pid, err := p.spawner.Spawn(ctx, workerID)
	if err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()

	if err := p.transport.WaitForWorker(waitCtx, workerID); err != nil {
		_ = p.spawner.Kill(pid)

		return nil, errors.Wrapf(errors.ErrCodeSpawnFailed, err, "worker %s never connected", workerID)
	}

	record := types.NewWorkerRecord(workerID, pid)
	record.TransitionTo(types.WorkerStateInitialized)

	p.log.Info("worker ready",
		zap.String("worker_id", workerID),
		zap.Int("pid", pid))

	return record, nil
}

func (p *Pool) addWarm(record *types.WorkerRecord) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		// Spawn raced with Close: the warm set is already gone, so this
		// process has no home and must not leak.
		p.teardown(record)

		return
	}
	p.warm = append(p.warm, record)
	warmCount := len(p.warm)
	p.mu.Unlock()

	metrics.PoolWarmSlots.Set(float64(warmCount))
}

// Acquire claims a warm worker, or cold-spawns one when the warm set is empty
// and MaxSize allows. Every acquire is atomic: a worker is handed to exactly
// one caller.
func (p *Pool) Acquire(ctx context.Context) (*types.WorkerRecord, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()

		return nil, errors.New(errors.ErrCodePoolClosed, "pool is closed")
	}

	if len(p.warm) > 0 {
		record := p.warm[0]
		p.warm = p.warm[1:]
		p.assigned[record.ID] = record
		warmCount, assignedCount := len(p.warm), len(p.assigned)
		p.mu.Unlock()

		metrics.PoolWarmSlots.Set(float64(warmCount))
		metrics.PoolAssignedWorkers.Set(float64(assignedCount))
		p.triggerReplenish()

		return record, nil
	}

	if len(p.assigned) >= p.cfg.MaxSize {
		p.mu.Unlock()

		return nil, errors.Newf(errors.ErrCodeSpawnFailed, "pool exhausted: %d workers assigned", p.cfg.MaxSize)
	}
	p.mu.Unlock()

	// Cold path: the caller pays the spawn latency.
	record, err := p.spawnWorker(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = p.spawner.Kill(record.PID())

		return nil, errors.New(errors.ErrCodePoolClosed, "pool is closed")
	}
	p.assigned[record.ID] = record
	assignedCount := len(p.assigned)
	p.mu.Unlock()

	metrics.PoolAssignedWorkers.Set(float64(assignedCount))

	return record, nil
}

// Release returns a worker to the pool. A healthy worker is reset (its
// strategy unbound) and rejoins the warm set; an unhealthy one is torn down
// and the replenish loop spawns a replacement.
func (p *Pool) Release(ctx context.Context, workerID string, healthy bool) error {
	p.mu.Lock()
	record, ok := p.assigned[workerID]
	if !ok {
		p.mu.Unlock()

		return errors.Newf(errors.ErrCodeUnknownWorker, "worker %s is not assigned", workerID)
	}
	delete(p.assigned, workerID)
	assignedCount := len(p.assigned)
	p.mu.Unlock()

	metrics.PoolAssignedWorkers.Set(float64(assignedCount))

	if healthy {
		if err := p.resetWorker(ctx, record); err != nil {
			p.log.Warn("failed to reset released worker, tearing it down",
				zap.String("worker_id", workerID),
				zap.Error(err))
			p.teardown(record)
			p.triggerReplenish()

			return nil
		}

		record.ClearBinding()
		p.addWarm(record)

		return nil
	}

	p.teardown(record)
	p.triggerReplenish()

	return nil
}

// resetWorker sends a RELOAD with an empty strategy reference, which unbinds
// the worker back to INITIALIZED.
func (p *Pool) resetWorker(ctx context.Context, record *types.WorkerRecord) error {
	req, err := protocol.NewControlRequest(record.ID, protocol.VerbReload, "", nil)
	if err != nil {
		return err
	}

	replyEnv, err := p.transport.Request(ctx, record.ID, req)
	if err != nil {
		return err
	}

	reply, err := protocol.DecodeControlReply(replyEnv)
	if err != nil {
		return err
	}

	if !reply.OK {
		return errors.Newf(errors.ErrCodeDelivery, "worker %s refused reset: %s", record.ID, reply.Error)
	}

	record.ForceState(types.WorkerStateInitialized)

	return nil
}

func (p *Pool) teardown(record *types.WorkerRecord) {
	p.transport.DisconnectWorker(record.ID)

	if err := p.spawner.Kill(record.PID()); err != nil {
		p.log.Warn("failed to kill worker process",
			zap.String("worker_id", record.ID),
			zap.Int("pid", record.PID()),
			zap.Error(err))
	}
}

// Remove drops an assigned worker from pool bookkeeping without touching the
// process, for callers that have already stopped it.
func (p *Pool) Remove(workerID string) {
	p.mu.Lock()
	delete(p.assigned, workerID)
	assignedCount := len(p.assigned)
	p.mu.Unlock()

	metrics.PoolAssignedWorkers.Set(float64(assignedCount))
}

// WarmCount reports the number of idle workers ready for assignment.
func (p *Pool) WarmCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.warm)
}

// AssignedCount reports the number of workers currently bound to strategies.
func (p *Pool) AssignedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.assigned)
}

// Close tears down every pooled process. Assigned workers are killed too; the
// manager is expected to have stopped them gracefully first.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()

		return
	}
	p.closed = true
	warm := p.warm
	p.warm = nil
	assigned := make([]*types.WorkerRecord, 0, len(p.assigned))
	for _, record := range p.assigned {
		assigned = append(assigned, record)
	}
	p.assigned = make(map[string]*types.WorkerRecord)
	p.mu.Unlock()

	close(p.done)

	for _, record := range warm {
		p.teardown(record)
	}
	for _, record := range assigned {
		p.teardown(record)
	}

	p.wg.Wait()

	metrics.PoolWarmSlots.Set(0)
	metrics.PoolAssignedWorkers.Set(0)
}

func newWorkerID() string {
	return fmt.Sprintf("worker-%s", uuid.NewString()[:8])
}
