package pool_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/rxtech-lab/argo-orchestrator/internal/config"
	"github.com/rxtech-lab/argo-orchestrator/internal/logger"
	"github.com/rxtech-lab/argo-orchestrator/internal/pool"
	"github.com/rxtech-lab/argo-orchestrator/internal/protocol"
	"github.com/rxtech-lab/argo-orchestrator/internal/types"
	"github.com/rxtech-lab/argo-orchestrator/pkg/errors"
)

type fakeSpawner struct {
	mu      sync.Mutex
	nextPID int
	spawned []string
	killed  []int
}

func (f *fakeSpawner) Spawn(ctx context.Context, workerID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPID++
	f.spawned = append(f.spawned, workerID)

	return f.nextPID, nil
}

func (f *fakeSpawner) Kill(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, pid)

	return nil
}

func (f *fakeSpawner) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.spawned)
}

func (f *fakeSpawner) killCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.killed)
}

type fakeTransport struct {
	mu           sync.Mutex
	resets       []string
	disconnected []string
	refuseReset  bool
}

func (f *fakeTransport) WaitForWorker(ctx context.Context, workerID string) error {
	return nil
}

func (f *fakeTransport) Request(ctx context.Context, workerID string, env protocol.Envelope) (protocol.Envelope, error) {
	f.mu.Lock()
	f.resets = append(f.resets, workerID)
	refuse := f.refuseReset
	f.mu.Unlock()

	if refuse {
		return protocol.NewControlReply(env, false, types.WorkerStateError, "reset refused")
	}

	return protocol.NewControlReply(env, true, types.WorkerStateInitialized, "")
}

func (f *fakeTransport) DisconnectWorker(workerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, workerID)
}

func (f *fakeTransport) resetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.resets)
}

type PoolTestSuite struct {
	suite.Suite

	spawner   *fakeSpawner
	transport *fakeTransport
	pool      *pool.Pool
	cancel    context.CancelFunc
}

func TestPoolSuite(t *testing.T) {
	suite.Run(t, new(PoolTestSuite))
}

func (s *PoolTestSuite) SetupTest() {
	s.spawner = &fakeSpawner{}
	s.transport = &fakeTransport{}
}

func (s *PoolTestSuite) TearDownTest() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *PoolTestSuite) startPool(minSize, maxSize int) {
	s.pool = pool.NewPool(
		config.PoolConfig{MinSize: minSize, MaxSize: maxSize},
		s.spawner, s.transport, logger.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.Require().NoError(s.pool.Start(ctx))
}

func (s *PoolTestSuite) TestStartFillsWarmSet() {
	s.startPool(3, 8)
	s.Equal(3, s.pool.WarmCount())
	s.Equal(3, s.spawner.spawnCount())
	s.Zero(s.pool.AssignedCount())
}

func (s *PoolTestSuite) TestAcquireClaimsWarmWorker() {
	s.startPool(2, 8)

	record, err := s.pool.Acquire(context.Background())
	s.Require().NoError(err)
	s.Equal(types.WorkerStateInitialized, record.State())
	s.Equal(1, s.pool.AssignedCount())

	// The replenish loop restores MinSize in the background.
	s.Eventually(func() bool { return s.pool.WarmCount() == 2 }, time.Second, 5*time.Millisecond)
}

func (s *PoolTestSuite) TestConcurrentAcquireNeverDoubleIssues() {
	s.startPool(3, 16)

	var wg sync.WaitGroup
	records := make(chan *types.WorkerRecord, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record, err := s.pool.Acquire(context.Background())
			if err == nil {
				records <- record
			}
		}()
	}
	wg.Wait()
	close(records)

	seen := make(map[string]bool)
	for record := range records {
		s.False(seen[record.ID], "worker %s was issued twice", record.ID)
		seen[record.ID] = true
	}
	s.Len(seen, 10)
	s.Equal(10, s.pool.AssignedCount())
}

func (s *PoolTestSuite) TestAcquireFailsWhenExhausted() {
	s.startPool(1, 2)

	_, err := s.pool.Acquire(context.Background())
	s.Require().NoError(err)
	_, err = s.pool.Acquire(context.Background())
	s.Require().NoError(err)

	_, err = s.pool.Acquire(context.Background())
	s.Require().Error(err)
	s.True(errors.HasCode(err, errors.ErrCodeSpawnFailed))
}

func (s *PoolTestSuite) TestReleaseHealthyResetsAndReturnsToWarmSet() {
	s.startPool(1, 4)

	record, err := s.pool.Acquire(context.Background())
	s.Require().NoError(err)

	s.Require().NoError(s.pool.Release(context.Background(), record.ID, true))
	s.Equal(1, s.transport.resetCount())
	s.Zero(s.pool.AssignedCount())
	s.GreaterOrEqual(s.pool.WarmCount(), 1)
	s.Equal(types.WorkerStateInitialized, record.State())
}

func (s *PoolTestSuite) TestReleaseUnhealthyTearsDownAndReplenishes() {
	s.startPool(1, 4)

	record, err := s.pool.Acquire(context.Background())
	s.Require().NoError(err)

	s.Require().NoError(s.pool.Release(context.Background(), record.ID, false))
	s.Eventually(func() bool { return s.spawner.killCount() == 1 }, time.Second, 5*time.Millisecond)
	s.Eventually(func() bool { return s.pool.WarmCount() == 1 }, time.Second, 5*time.Millisecond)
}

func (s *PoolTestSuite) TestReleaseTearsDownWhenResetRefused() {
	s.startPool(1, 4)
	s.transport.refuseReset = true

	record, err := s.pool.Acquire(context.Background())
	s.Require().NoError(err)

	s.Require().NoError(s.pool.Release(context.Background(), record.ID, true))
	s.Eventually(func() bool { return s.spawner.killCount() == 1 }, time.Second, 5*time.Millisecond)
}

func (s *PoolTestSuite) TestReleaseUnknownWorkerFails() {
	s.startPool(1, 4)

	err := s.pool.Release(context.Background(), "worker-nope", true)
	s.Require().Error(err)
	s.True(errors.HasCode(err, errors.ErrCodeUnknownWorker))
}

func (s *PoolTestSuite) TestCloseKillsEverythingAndRejectsAcquire() {
	s.startPool(2, 4)

	_, err := s.pool.Acquire(context.Background())
	s.Require().NoError(err)
	// Let the replenish settle so the kill count below is exact.
	s.Eventually(func() bool { return s.pool.WarmCount() == 2 }, time.Second, 5*time.Millisecond)

	s.pool.Close()
	s.Equal(3, s.spawner.killCount())

	_, err = s.pool.Acquire(context.Background())
	s.Require().Error(err)
	s.True(errors.HasCode(err, errors.ErrCodePoolClosed))
}

// gatedSpawner blocks every spawn after the first blockAfter ones until the
// gate opens, so a test can hold a replenish spawn in flight.
type gatedSpawner struct {
	fakeSpawner
	gate       chan struct{}
	blockAfter int
	blocked    bool
}

func (g *gatedSpawner) Spawn(ctx context.Context, workerID string) (int, error) {
	g.mu.Lock()
	block := len(g.spawned) >= g.blockAfter
	g.blocked = block
	g.mu.Unlock()

	if block {
		<-g.gate
	}

	return g.fakeSpawner.Spawn(ctx, workerID)
}

func (g *gatedSpawner) spawnInFlight() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.blocked
}

func (s *PoolTestSuite) TestCloseTearsDownSpawnInFlight() {
	spawner := &gatedSpawner{gate: make(chan struct{}), blockAfter: 1}
	p := pool.NewPool(
		config.PoolConfig{MinSize: 1, MaxSize: 4},
		spawner, s.transport, logger.NewTestLogger())
	s.pool = p

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.Require().NoError(p.Start(ctx))

	// Claiming the only warm worker triggers a replenish spawn, which the
	// gate holds in flight.
	_, err := p.Acquire(ctx)
	s.Require().NoError(err)
	s.Eventually(func() bool { return spawner.spawnInFlight() }, time.Second, 5*time.Millisecond)

	closed := make(chan struct{})
	go func() {
		p.Close()
		close(closed)
	}()

	// Close kills the assigned worker, then waits for the replenish loop.
	s.Eventually(func() bool { return spawner.killCount() == 1 }, time.Second, 5*time.Millisecond)

	// The spawn completes against an already-closed pool: the worker must be
	// torn down, not returned to the warm set.
	close(spawner.gate)
	<-closed

	s.Equal(2, spawner.killCount())
	s.Zero(p.WarmCount())
}
