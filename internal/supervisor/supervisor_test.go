package supervisor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/rxtech-lab/argo-orchestrator/internal/config"
	"github.com/rxtech-lab/argo-orchestrator/internal/logger"
	"github.com/rxtech-lab/argo-orchestrator/internal/protocol"
	"github.com/rxtech-lab/argo-orchestrator/internal/supervisor"
	"github.com/rxtech-lab/argo-orchestrator/internal/types"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeRestarter struct {
	mu       sync.Mutex
	restarts []string
	err      error
}

func (f *fakeRestarter) Restart(ctx context.Context, workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, workerID)

	return f.err
}

func (f *fakeRestarter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.restarts)
}

type SupervisorTestSuite struct {
	suite.Suite

	clock     *testClock
	restarter *fakeRestarter
	sup       *supervisor.Supervisor
	record    *types.WorkerRecord
}

func TestSupervisorSuite(t *testing.T) {
	suite.Run(t, new(SupervisorTestSuite))
}

func (s *SupervisorTestSuite) SetupTest() {
	s.clock = newTestClock()
	s.restarter = &fakeRestarter{}
	s.sup = supervisor.New(
		config.HealthCheckConfig{HeartbeatTimeout: 5 * time.Second, CheckInterval: time.Hour},
		config.RestartPolicy{MaxRestarts: 2, BackoffBase: 500 * time.Millisecond, BackoffCap: 30 * time.Second},
		s.restarter,
		logger.NewTestLogger())
	s.sup.SetClock(s.clock.Now)

	s.record = types.NewWorkerRecord("worker-1", 4242)
	s.record.ForceState(types.WorkerStateRunning)
	s.sup.Register(s.record)
}

func (s *SupervisorTestSuite) TestHealthyWorkerIsLeftAlone() {
	s.sup.Sweep(context.Background())

	s.True(s.sup.IsHealthy("worker-1"))
	s.Zero(s.restarter.count())
	s.Equal(types.WorkerStateRunning, s.record.State())
}

func (s *SupervisorTestSuite) TestUnknownWorkerIsUnhealthy() {
	s.False(s.sup.IsHealthy("worker-nope"))
}

func (s *SupervisorTestSuite) TestMissedHeartbeatSchedulesRestartWithBackoff() {
	s.clock.Advance(6 * time.Second)
	s.sup.Sweep(context.Background())

	s.Equal(types.WorkerStateError, s.record.State())
	s.Equal(1, s.record.RestartCount())
	s.Zero(s.restarter.count(), "restart must wait for the backoff delay")

	// Before the 500ms backoff elapses nothing fires, and the worker reads
	// unhealthy for the whole window.
	s.clock.Advance(200 * time.Millisecond)
	s.sup.Sweep(context.Background())
	s.Zero(s.restarter.count())
	s.Equal(types.WorkerStateError, s.record.State())
	s.False(s.sup.IsHealthy("worker-1"))

	s.clock.Advance(300 * time.Millisecond)
	s.sup.Sweep(context.Background())
	s.Equal(1, s.restarter.count())
	s.Equal(types.WorkerStateRecovering, s.record.State())
}

func (s *SupervisorTestSuite) TestBackoffDoubles() {
	// First failure: 500ms backoff.
	s.clock.Advance(6 * time.Second)
	s.sup.Sweep(context.Background())
	s.clock.Advance(500 * time.Millisecond)
	s.sup.Sweep(context.Background())
	s.Require().Equal(1, s.restarter.count())

	// The restarted worker never beats, so it fails again: 1s backoff now.
	s.record.ForceState(types.WorkerStateRunning)
	s.clock.Advance(6 * time.Second)
	s.sup.Sweep(context.Background())
	s.Equal(2, s.record.RestartCount())

	s.clock.Advance(500 * time.Millisecond)
	s.sup.Sweep(context.Background())
	s.Equal(1, s.restarter.count(), "second restart must wait the doubled delay")

	s.clock.Advance(500 * time.Millisecond)
	s.sup.Sweep(context.Background())
	s.Equal(2, s.restarter.count())
}

func (s *SupervisorTestSuite) TestRestartBudgetExhausted() {
	for i := 0; i < 2; i++ {
		s.clock.Advance(6 * time.Second)
		s.sup.Sweep(context.Background())
		s.clock.Advance(30 * time.Second)
		s.sup.Sweep(context.Background())
		s.record.ForceState(types.WorkerStateRunning)
	}
	s.Require().Equal(2, s.restarter.count())

	// Third failure exceeds MaxRestarts=2: park in ERROR and alert.
	s.clock.Advance(6 * time.Second)
	s.sup.Sweep(context.Background())

	s.Equal(types.WorkerStateError, s.record.State())
	s.Equal(2, s.restarter.count())

	select {
	case alert := <-s.sup.Alerts():
		s.Equal("worker-1", alert.WorkerID)
		s.Equal(2, alert.RestartCount)
	default:
		s.Fail("expected an exhaustion alert")
	}

	// Terminal ERROR stays terminal across further sweeps.
	s.clock.Advance(time.Minute)
	s.sup.Sweep(context.Background())
	s.Equal(2, s.restarter.count())
}

func (s *SupervisorTestSuite) TestErrorStatusTriggersRestart() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	statuses := make(chan protocol.Envelope, 8)
	go s.sup.Run(ctx, statuses)

	env, err := protocol.NewErrorStatus("worker-1", types.WorkerStateError, "strategy blew up")
	s.Require().NoError(err)
	statuses <- env

	s.Eventually(func() bool {
		return s.record.RestartCount() == 1
	}, time.Second, 5*time.Millisecond)
	s.Equal(types.WorkerStateError, s.record.State())
	s.False(s.sup.IsHealthy("worker-1"))
}

func (s *SupervisorTestSuite) TestRunningStatusClearsRestartHistory() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	statuses := make(chan protocol.Envelope, 8)
	go s.sup.Run(ctx, statuses)

	// One failed cycle.
	s.clock.Advance(6 * time.Second)
	s.sup.Sweep(ctx)
	s.clock.Advance(500 * time.Millisecond)
	s.sup.Sweep(ctx)
	s.Require().Equal(1, s.restarter.count())

	// The replacement comes up and reports RUNNING.
	env, err := protocol.NewStatusUpdate("worker-1", types.WorkerStateRunning, "started")
	s.Require().NoError(err)
	statuses <- env

	s.Eventually(func() bool { return s.record.RestartCount() == 0 }, time.Second, 5*time.Millisecond)
	s.True(s.sup.IsHealthy("worker-1"))
}

func (s *SupervisorTestSuite) TestHeartbeatKeepsWorkerHealthy() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	statuses := make(chan protocol.Envelope, 8)
	go s.sup.Run(ctx, statuses)

	s.clock.Advance(4 * time.Second)
	env, err := protocol.NewHeartbeat("worker-1", types.WorkerStateRunning)
	s.Require().NoError(err)
	statuses <- env

	s.Eventually(func() bool {
		return s.record.LastHeartbeat().Equal(s.clock.Now())
	}, time.Second, 5*time.Millisecond)

	s.clock.Advance(4 * time.Second)
	s.sup.Sweep(ctx)
	s.True(s.sup.IsHealthy("worker-1"))
	s.Zero(s.restarter.count())
}

func (s *SupervisorTestSuite) TestDeregisterStopsWatching() {
	s.sup.Deregister("worker-1")

	s.clock.Advance(time.Minute)
	s.sup.Sweep(context.Background())
	s.Zero(s.restarter.count())
	s.False(s.sup.IsHealthy("worker-1"))
}

func (s *SupervisorTestSuite) TestStatusesSnapshot() {
	statuses := s.sup.Statuses()
	s.Require().Len(statuses, 1)
	s.Equal("worker-1", statuses[0].WorkerID)
	s.Equal(4242, statuses[0].PID)
	s.True(statuses[0].IsHealthy)
}
