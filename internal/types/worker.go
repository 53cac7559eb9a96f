package types

import (
	"sync"
	"time"
)

// WorkerState is the lifecycle state of a worker process.
type WorkerState string

const (
	WorkerStateInitializing WorkerState = "INITIALIZING"
	WorkerStateInitialized  WorkerState = "INITIALIZED"
	WorkerStateStarting     WorkerState = "STARTING"
	WorkerStateRunning      WorkerState = "RUNNING"
	WorkerStateReloading    WorkerState = "RELOADING"
	WorkerStatePaused       WorkerState = "PAUSED"
	WorkerStateStopping     WorkerState = "STOPPING"
	WorkerStateStopped      WorkerState = "STOPPED"
	WorkerStateError        WorkerState = "ERROR"
	WorkerStateRecovering   WorkerState = "RECOVERING"
	WorkerStateRestarting   WorkerState = "RESTARTING"
)

// validTransitions defines the allowed worker state machine edges.
// ERROR is reachable from any state, so it is handled separately in CanTransition.
var validTransitions = map[WorkerState][]WorkerState{
	WorkerStateInitializing: {WorkerStateInitialized},
	WorkerStateInitialized:  {WorkerStateStarting, WorkerStateStopping},
	WorkerStateStarting:     {WorkerStateRunning},
	WorkerStateRunning:      {WorkerStatePaused, WorkerStateReloading, WorkerStateStopping},
	WorkerStateReloading:    {WorkerStateRunning},
	WorkerStatePaused:       {WorkerStateRunning, WorkerStateStopping},
	WorkerStateStopping:     {WorkerStateStopped},
	WorkerStateError:        {WorkerStateRecovering, WorkerStateStopped},
	WorkerStateRecovering:   {WorkerStateRestarting, WorkerStateStopped},
	WorkerStateRestarting:   {WorkerStateStarting},
}

// CanTransition reports whether moving from one state to another is a legal
// state machine edge. Any state may transition to ERROR.
func CanTransition(from, to WorkerState) bool {
	if to == WorkerStateError {
		return from != WorkerStateStopped
	}

	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}

	for _, s := range allowed {
		if s == to {
			return true
		}
	}

	return false
}

// IsTerminal reports whether the state ends the worker lifecycle. ERROR is only
// terminal once the restart budget is exhausted, which the supervisor tracks.
func IsTerminal(s WorkerState) bool {
	return s == WorkerStateStopped
}

// HealthFlag marks a health-relevant condition observed on a worker.
type HealthFlag string

const (
	HealthFlagHeartbeatMissed HealthFlag = "HEARTBEAT_MISSED"
	HealthFlagStrategyError   HealthFlag = "STRATEGY_ERROR"
	HealthFlagForceKilled     HealthFlag = "FORCE_KILLED"
)

// WorkerRecord is the coordinator-side record of a worker process. The
// coordinator holds only this record and the process handle; all worker-local
// state lives inside the separate process and is reachable only via messages.
//
// A record is owned by exactly one of the pool (unassigned) or the manager
// (assigned) at any time.
type WorkerRecord struct {
	ID string

	mu            sync.Mutex
	pid           int
	state         WorkerState
	strategyRef   string
	config        map[string]string
	lastHeartbeat time.Time
	restartCount  int
	healthFlags   []HealthFlag
	startedAt     time.Time
}

// NewWorkerRecord creates a record for a freshly spawned, strategy-unbound worker.
func NewWorkerRecord(id string, pid int) *WorkerRecord {
	return &WorkerRecord{
		ID:        id,
		pid:       pid,
		state:     WorkerStateInitializing,
		startedAt: time.Now(),
	}
}

// State returns the current lifecycle state.
func (r *WorkerRecord) State() WorkerState {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.state
}

// TransitionTo moves the record to the given state if the edge is legal.
// It returns false and leaves the state untouched on an illegal transition.
func (r *WorkerRecord) TransitionTo(state WorkerState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !CanTransition(r.state, state) {
		return false
	}

	r.state = state

	return true
}

// ForceState sets the state without checking the transition table. Reserved
// for restart paths where the supervisor resets a replaced process.
func (r *WorkerRecord) ForceState(state WorkerState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.state = state
}

// PID returns the OS process id of the current worker process.
func (r *WorkerRecord) PID() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.pid
}

// SetPID records the process id after a spawn or restart.
func (r *WorkerRecord) SetPID(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pid = pid
	r.startedAt = time.Now()
}

// Binding returns the strategy reference and config currently assigned.
func (r *WorkerRecord) Binding() (string, map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.strategyRef, r.config
}

// Bind assigns a strategy reference and config to the worker.
func (r *WorkerRecord) Bind(strategyRef string, config map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.strategyRef = strategyRef
	r.config = config
}

// ClearBinding removes the strategy assignment when a worker returns to the pool.
func (r *WorkerRecord) ClearBinding() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.strategyRef = ""
	r.config = nil
}

// LastHeartbeat returns the time of the most recent heartbeat.
func (r *WorkerRecord) LastHeartbeat() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.lastHeartbeat
}

// Heartbeat records a heartbeat at the given time.
func (r *WorkerRecord) Heartbeat(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastHeartbeat = at
}

// RestartCount returns how many health-triggered restarts have been applied.
func (r *WorkerRecord) RestartCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.restartCount
}

// IncrementRestartCount bumps the restart counter and returns the new value.
func (r *WorkerRecord) IncrementRestartCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.restartCount++

	return r.restartCount
}

// ResetRestartCount clears the restart counter, used when a worker is
// released back to the pool.
func (r *WorkerRecord) ResetRestartCount() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.restartCount = 0
}

// AddHealthFlag appends a health flag to the record.
func (r *WorkerRecord) AddHealthFlag(flag HealthFlag) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.healthFlags = append(r.healthFlags, flag)
}

// HealthFlags returns a copy of the recorded health flags.
func (r *WorkerRecord) HealthFlags() []HealthFlag {
	r.mu.Lock()
	defer r.mu.Unlock()

	flags := make([]HealthFlag, len(r.healthFlags))
	copy(flags, r.healthFlags)

	return flags
}

// Uptime returns how long the current process incarnation has been running.
func (r *WorkerRecord) Uptime() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	return time.Since(r.startedAt)
}

// WorkerStatus is the externally visible status snapshot of a worker.
type WorkerStatus struct {
	WorkerID      string        `json:"worker_id"`
	State         WorkerState   `json:"state"`
	PID           int           `json:"pid"`
	Uptime        time.Duration `json:"uptime"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	RestartCount  int           `json:"restart_count"`
	IsHealthy     bool          `json:"is_healthy"`
}
