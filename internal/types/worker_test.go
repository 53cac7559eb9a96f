package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type WorkerStateTestSuite struct {
	suite.Suite
}

func TestWorkerStateSuite(t *testing.T) {
	suite.Run(t, new(WorkerStateTestSuite))
}

func (suite *WorkerStateTestSuite) TestHappyPathTransitions() {
	path := []WorkerState{
		WorkerStateInitializing,
		WorkerStateInitialized,
		WorkerStateStarting,
		WorkerStateRunning,
		WorkerStatePaused,
		WorkerStateRunning,
		WorkerStateStopping,
		WorkerStateStopped,
	}

	for i := 0; i < len(path)-1; i++ {
		suite.True(CanTransition(path[i], path[i+1]),
			"expected %s -> %s to be legal", path[i], path[i+1])
	}
}

func (suite *WorkerStateTestSuite) TestErrorReachableFromAnywhereButStopped() {
	for from := range validTransitions {
		suite.True(CanTransition(from, WorkerStateError), "expected %s -> ERROR", from)
	}

	suite.False(CanTransition(WorkerStateStopped, WorkerStateError))
}

func (suite *WorkerStateTestSuite) TestRecoveryPath() {
	suite.True(CanTransition(WorkerStateError, WorkerStateRecovering))
	suite.True(CanTransition(WorkerStateRecovering, WorkerStateRestarting))
	suite.True(CanTransition(WorkerStateRestarting, WorkerStateStarting))
	suite.True(CanTransition(WorkerStateError, WorkerStateStopped))
}

func (suite *WorkerStateTestSuite) TestReloadingIsTransientUnderRunning() {
	suite.True(CanTransition(WorkerStateRunning, WorkerStateReloading))
	suite.True(CanTransition(WorkerStateReloading, WorkerStateRunning))
	suite.False(CanTransition(WorkerStateReloading, WorkerStatePaused))
}

func (suite *WorkerStateTestSuite) TestIllegalTransitions() {
	suite.False(CanTransition(WorkerStateStopped, WorkerStateRunning))
	suite.False(CanTransition(WorkerStateInitializing, WorkerStateRunning))
	suite.False(CanTransition(WorkerStateStarting, WorkerStatePaused))
}

func (suite *WorkerStateTestSuite) TestIsTerminal() {
	suite.True(IsTerminal(WorkerStateStopped))
	suite.False(IsTerminal(WorkerStateError))
	suite.False(IsTerminal(WorkerStateRunning))
}

type WorkerRecordTestSuite struct {
	suite.Suite
}

func TestWorkerRecordSuite(t *testing.T) {
	suite.Run(t, new(WorkerRecordTestSuite))
}

func (suite *WorkerRecordTestSuite) TestNewRecordStartsInitializing() {
	record := NewWorkerRecord("w-1", 1234)
	suite.Equal(WorkerStateInitializing, record.State())
	suite.Equal(1234, record.PID())
	suite.Zero(record.RestartCount())
}

func (suite *WorkerRecordTestSuite) TestTransitionToRejectsIllegalEdge() {
	record := NewWorkerRecord("w-1", 1234)
	suite.False(record.TransitionTo(WorkerStateRunning))
	suite.Equal(WorkerStateInitializing, record.State())

	suite.True(record.TransitionTo(WorkerStateInitialized))
	suite.Equal(WorkerStateInitialized, record.State())
}

func (suite *WorkerRecordTestSuite) TestBindAndClear() {
	record := NewWorkerRecord("w-1", 1234)
	record.Bind("strategies/sma.wasm", map[string]string{"period": "20"})

	ref, config := record.Binding()
	suite.Equal("strategies/sma.wasm", ref)
	suite.Equal("20", config["period"])

	record.ClearBinding()
	ref, config = record.Binding()
	suite.Empty(ref)
	suite.Nil(config)
}

func (suite *WorkerRecordTestSuite) TestHeartbeatAndRestartCount() {
	record := NewWorkerRecord("w-1", 1234)
	at := time.Now()
	record.Heartbeat(at)
	suite.Equal(at, record.LastHeartbeat())

	suite.Equal(1, record.IncrementRestartCount())
	suite.Equal(2, record.IncrementRestartCount())
	record.ResetRestartCount()
	suite.Zero(record.RestartCount())
}

func (suite *WorkerRecordTestSuite) TestHealthFlagsCopied() {
	record := NewWorkerRecord("w-1", 1234)
	record.AddHealthFlag(HealthFlagHeartbeatMissed)

	flags := record.HealthFlags()
	suite.Len(flags, 1)

	flags[0] = HealthFlagForceKilled
	suite.Equal(HealthFlagHeartbeatMissed, record.HealthFlags()[0])
}
