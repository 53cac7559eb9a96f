// Package worker implements the isolated execution unit: a separate OS
// process that loads one strategy, drives its callbacks from incoming data,
// and reports heartbeats and status over the funnel channel. A strategy
// failure is contained here and never reaches the coordinator except as a
// status message.
package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/rxtech-lab/argo-orchestrator/internal/logger"
	"github.com/rxtech-lab/argo-orchestrator/internal/protocol"
	"github.com/rxtech-lab/argo-orchestrator/internal/runtime"
	"github.com/rxtech-lab/argo-orchestrator/internal/runtime/gorun"
	"github.com/rxtech-lab/argo-orchestrator/internal/runtime/wasm"
	"github.com/rxtech-lab/argo-orchestrator/internal/types"
	"github.com/rxtech-lab/argo-orchestrator/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ChannelClient is the transport surface the worker consumes: incoming data
// and control streams, and outgoing reply/status sends.
type ChannelClient interface {
	Data() <-chan protocol.Envelope
	Control() <-chan protocol.Envelope
	SendReply(env protocol.Envelope) error
	SendStatus(env protocol.Envelope) error
	Close() error
}

// StrategyLoader resolves a strategy reference into a loaded runtime.
type StrategyLoader func(ctx context.Context, strategyRef string) (runtime.StrategyRuntime, error)

// DefaultLoader loads .wasm references as WebAssembly modules and anything
// else from the in-process Go strategy registry.
func DefaultLoader(ctx context.Context, strategyRef string) (runtime.StrategyRuntime, error) {
	if strings.HasSuffix(strategyRef, ".wasm") {
		return wasm.NewRuntime(ctx, strategyRef)
	}

	return gorun.New(strategyRef)
}

// Options configures a worker.
type Options struct {
	WorkerID          string
	HeartbeatInterval time.Duration
	Loader            StrategyLoader
	Logger            *logger.Logger
}

// Worker is one strategy execution loop.
type Worker struct {
	id     string
	client ChannelClient
	loader StrategyLoader
	log    *logger.Logger

	heartbeatInterval time.Duration

	mu       sync.Mutex
	state    types.WorkerState
	strategy runtime.StrategyRuntime
}

// New creates a worker around an already-connected channel client.
func New(client ChannelClient, opts Options) *Worker {
	loader := opts.Loader
	if loader == nil {
		loader = DefaultLoader
	}

	interval := opts.HeartbeatInterval
	if interval <= 0 {
		interval = time.Second
	}

	return &Worker{
		id:                opts.WorkerID,
		client:            client,
		loader:            loader,
		log:               opts.Logger.Named("worker"),
		heartbeatInterval: interval,
		state:             types.WorkerStateInitializing,
	}
}

// State returns the worker's current lifecycle state.
func (w *Worker) State() types.WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.state
}

func (w *Worker) setState(state types.WorkerState) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.state = state
}

// Run executes the worker event loop until STOP is received or the context is
// cancelled. It reports INITIALIZED once ready, then consumes data and control
// messages and emits a heartbeat on a fixed interval.
func (w *Worker) Run(ctx context.Context) error {
	w.setState(types.WorkerStateInitialized)
	w.sendStatusUpdate("ready")

	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker context cancelled", zap.String("worker_id", w.id))

			return ctx.Err()
		case <-ticker.C:
			w.sendHeartbeat()
		case env, ok := <-w.client.Data():
			if !ok {
				return errors.New(errors.ErrCodeConnClosed, "broadcast channel closed")
			}

			w.handleData(env)
		case env, ok := <-w.client.Control():
			if !ok {
				return errors.New(errors.ErrCodeConnClosed, "control channel closed")
			}

			if stop := w.handleControl(env); stop {
				return nil
			}
		}
	}
}

func (w *Worker) sendHeartbeat() {
	env, err := protocol.NewHeartbeat(w.id, w.State())
	if err != nil {
		return
	}

	if err := w.client.SendStatus(env); err != nil {
		w.log.Warn("failed to send heartbeat", zap.Error(err))
	}
}

func (w *Worker) sendStatusUpdate(detail string) {
	env, err := protocol.NewStatusUpdate(w.id, w.State(), detail)
	if err != nil {
		return
	}

	if err := w.client.SendStatus(env); err != nil {
		w.log.Warn("failed to send status update", zap.Error(err))
	}
}

func (w *Worker) sendErrorStatus(detail string) {
	env, err := protocol.NewErrorStatus(w.id, w.State(), detail)
	if err != nil {
		return
	}

	if err := w.client.SendStatus(env); err != nil {
		w.log.Warn("failed to send error status", zap.Error(err))
	}
}

// handleData dispatches a data message to the loaded strategy. A panic or
// error inside the strategy is contained: it is reported over the funnel and
// never escapes the worker loop.
func (w *Worker) handleData(env protocol.Envelope) {
	if w.State() != types.WorkerStateRunning {
		// Data during PAUSED or any non-running state is dropped, matching
		// the at-most-once broadcast contract.
		return
	}

	payload, err := protocol.DecodeMarketData(env)
	if err != nil {
		w.log.Warn("discarding malformed data message", zap.Error(err))

		return
	}

	w.mu.Lock()
	strategy := w.strategy
	w.mu.Unlock()

	if strategy == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			w.setState(types.WorkerStateError)
			w.sendErrorStatus(fmt.Sprintf("strategy panicked: %v", r))
			w.log.Error("strategy panicked", zap.Any("panic", r))
		}
	}()

	if err := runtime.Dispatch(strategy, payload.Data); err != nil {
		// A callback error is reported but does not kill the worker; the
		// supervisor decides whether it accumulates into a restart.
		w.sendErrorStatus(err.Error())
		w.log.Warn("strategy callback failed",
			zap.String("symbol", payload.Data.Symbol),
			zap.String("data_type", string(payload.Data.DataType)),
			zap.Error(err))
	}
}

// handleControl processes one control request and replies on the same
// channel. Returns true when the worker should exit.
func (w *Worker) handleControl(env protocol.Envelope) (stop bool) {
	payload, err := protocol.DecodeControl(env)
	if err != nil {
		w.log.Warn("discarding malformed control message", zap.Error(err))

		return false
	}

	w.log.Info("control received",
		zap.String("worker_id", w.id),
		zap.String("verb", string(payload.Verb)))

	switch payload.Verb {
	case protocol.VerbStart:
		w.handleStart(env, payload)
	case protocol.VerbStop:
		w.handleStop(env)

		return true
	case protocol.VerbPause:
		w.transitionAndReply(env, types.WorkerStatePaused)
	case protocol.VerbResume:
		w.transitionAndReply(env, types.WorkerStateRunning)
	case protocol.VerbReload:
		w.handleReload(env, payload)
	}

	// A status update follows every processed control command.
	w.sendStatusUpdate(string(payload.Verb))

	return false
}

func (w *Worker) handleStart(env protocol.Envelope, payload protocol.ControlPayload) {
	if state := w.State(); state != types.WorkerStateInitialized {
		w.reply(env, false, fmt.Sprintf("cannot start from state %s", state))

		return
	}

	w.setState(types.WorkerStateStarting)

	strategy, err := w.loadAndInitialize(payload.StrategyRef, payload.Config)
	if err != nil {
		w.setState(types.WorkerStateError)
		w.reply(env, false, err.Error())
		w.sendErrorStatus(err.Error())

		return
	}

	w.mu.Lock()
	w.strategy = strategy
	w.state = types.WorkerStateRunning
	w.mu.Unlock()

	w.log.Info("strategy started",
		zap.String("worker_id", w.id),
		zap.String("strategy", strategy.Name()))
	w.reply(env, true, "")
}

func (w *Worker) handleStop(env protocol.Envelope) {
	w.setState(types.WorkerStateStopping)

	w.mu.Lock()
	strategy := w.strategy
	w.strategy = nil
	w.mu.Unlock()

	if strategy != nil {
		if err := w.safeOnStop(strategy); err != nil {
			w.log.Warn("strategy on_stop failed", zap.Error(err))
		}
	}

	w.setState(types.WorkerStateStopped)
	w.reply(env, true, "")

	// Final status before exiting.
	w.sendStatusUpdate("stopped")
}

func (w *Worker) transitionAndReply(env protocol.Envelope, to types.WorkerState) {
	w.mu.Lock()
	ok := types.CanTransition(w.state, to)
	if ok {
		w.state = to
	}
	from := w.state
	w.mu.Unlock()

	if !ok {
		w.reply(env, false, fmt.Sprintf("illegal transition %s -> %s", from, to))

		return
	}

	w.reply(env, true, "")
}

// handleReload swaps the loaded strategy unit without a full restart. An
// empty strategy reference unbinds the worker back to INITIALIZED, which is
// how the pool resets a released worker.
func (w *Worker) handleReload(env protocol.Envelope, payload protocol.ControlPayload) {
	w.mu.Lock()
	previous := w.strategy
	fromState := w.state
	w.mu.Unlock()

	if payload.StrategyRef == "" {
		if previous != nil {
			if err := w.safeOnStop(previous); err != nil {
				w.log.Warn("strategy on_stop failed during unbind", zap.Error(err))
			}
		}

		w.mu.Lock()
		w.strategy = nil
		w.state = types.WorkerStateInitialized
		w.mu.Unlock()

		w.reply(env, true, "")

		return
	}

	if fromState != types.WorkerStateRunning {
		w.reply(env, false, fmt.Sprintf("cannot reload from state %s", fromState))

		return
	}

	w.setState(types.WorkerStateReloading)

	strategy, err := w.loadAndInitialize(payload.StrategyRef, payload.Config)
	if err != nil {
		// The previous strategy keeps running; the reload just failed.
		w.setState(types.WorkerStateRunning)
		w.reply(env, false, err.Error())

		return
	}

	w.mu.Lock()
	w.strategy = strategy
	w.state = types.WorkerStateRunning
	w.mu.Unlock()

	if previous != nil {
		if err := w.safeOnStop(previous); err != nil {
			w.log.Warn("previous strategy on_stop failed after reload", zap.Error(err))
		}
	}

	w.reply(env, true, "")
}

func (w *Worker) loadAndInitialize(strategyRef string, config map[string]string) (runtime.StrategyRuntime, error) {
	strategy, err := w.loader(context.Background(), strategyRef)
	if err != nil {
		return nil, err
	}

	configJSON, err := encodeConfig(config)
	if err != nil {
		return nil, err
	}

	if err := strategy.Initialize(configJSON); err != nil {
		return nil, errors.Wrapf(errors.ErrCodeStartup, err, "strategy %s failed to initialize", strategyRef)
	}

	return strategy, nil
}

func encodeConfig(config map[string]string) (string, error) {
	if len(config) == 0 {
		return "{}", nil
	}

	raw, err := json.MarshalToString(config)
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeBadPayload, "failed to encode strategy config", err)
	}

	return raw, nil
}

func (w *Worker) safeOnStop(strategy runtime.StrategyRuntime) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf(errors.ErrCodeStrategyRuntime, "strategy panicked in on_stop: %v", r)
		}
	}()

	return strategy.OnStop()
}

func (w *Worker) reply(request protocol.Envelope, ok bool, errDetail string) {
	reply, err := protocol.NewControlReply(request, ok, w.State(), errDetail)
	if err != nil {
		return
	}

	if err := w.client.SendReply(reply); err != nil {
		w.log.Warn("failed to send control reply", zap.Error(err))
	}
}
