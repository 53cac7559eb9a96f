// Package wasm runs a strategy compiled to WebAssembly inside the worker
// process, keeping untrusted strategy code out of the worker's own memory
// space beyond the module sandbox.
//
// The guest module exports:
//
//	alloc(size) -> ptr                      guest-side buffer allocation
//	initialize(ptr, len) -> code            JSON config
//	on_bar/on_tick/on_order/on_trade/
//	on_funding_rate(ptr, len) -> code       JSON market data
//	on_stop() -> code
//	name() -> (ptr << 32) | len             strategy name in guest memory
//
// A non-zero return code signals a strategy-level failure.
package wasm

import (
	"context"
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/tetratelabs/wazero"
	wazeroapi "github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/rxtech-lab/argo-orchestrator/internal/runtime"
	"github.com/rxtech-lab/argo-orchestrator/internal/types"
	"github.com/rxtech-lab/argo-orchestrator/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Runtime is a strategy loaded from a .wasm file.
type Runtime struct {
	ctx     context.Context
	wazero  wazero.Runtime
	module  wazeroapi.Module
	alloc   wazeroapi.Function
	exports map[string]wazeroapi.Function
}

var requiredExports = []string{
	"alloc",
	"initialize",
	"on_bar",
	"on_tick",
	"on_order",
	"on_trade",
	"on_funding_rate",
	"on_stop",
	"name",
}

// NewRuntime loads and instantiates the strategy module at wasmFilePath.
func NewRuntime(ctx context.Context, wasmFilePath string) (runtime.StrategyRuntime, error) {
	wasmBytes, err := os.ReadFile(wasmFilePath)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeStrategyNotLoaded, err, "failed to read strategy file %s", wasmFilePath)
	}

	r := wazero.NewRuntime(ctx)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	module, err := r.Instantiate(ctx, wasmBytes)
	if err != nil {
		_ = r.Close(ctx)

		return nil, errors.Wrapf(errors.ErrCodeStrategyNotLoaded, err, "failed to instantiate strategy module %s", wasmFilePath)
	}

	exports := make(map[string]wazeroapi.Function, len(requiredExports))

	for _, name := range requiredExports {
		fn := module.ExportedFunction(name)
		if fn == nil {
			_ = r.Close(ctx)

			return nil, errors.Newf(errors.ErrCodeUnsupportedStrategy, "strategy module missing export %q", name)
		}

		exports[name] = fn
	}

	return &Runtime{
		ctx:     ctx,
		wazero:  r,
		module:  module,
		alloc:   exports["alloc"],
		exports: exports,
	}, nil
}

// callWithPayload writes the payload into guest memory and invokes fn(ptr, len).
func (w *Runtime) callWithPayload(fnName string, payload []byte) error {
	results, err := w.alloc.Call(w.ctx, uint64(len(payload)))
	if err != nil {
		return errors.Wrapf(errors.ErrCodeStrategyRuntime, err, "guest alloc failed for %s", fnName)
	}

	ptr := results[0]
	if !w.module.Memory().Write(uint32(ptr), payload) {
		return errors.Newf(errors.ErrCodeStrategyRuntime, "guest memory write out of range for %s", fnName)
	}

	results, err = w.exports[fnName].Call(w.ctx, ptr, uint64(len(payload)))
	if err != nil {
		return errors.Wrapf(errors.ErrCodeStrategyRuntime, err, "strategy %s failed", fnName)
	}

	if len(results) > 0 && results[0] != 0 {
		return errors.Newf(errors.ErrCodeStrategyRuntime, "strategy %s returned code %d", fnName, results[0])
	}

	return nil
}

func (w *Runtime) callWithData(fnName string, data types.MarketData) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeBadPayload, err, "failed to encode market data for %s", fnName)
	}

	return w.callWithPayload(fnName, payload)
}

// Initialize implements StrategyRuntime.
func (w *Runtime) Initialize(config string) error {
	return w.callWithPayload("initialize", []byte(config))
}

// OnBar implements StrategyRuntime.
func (w *Runtime) OnBar(data types.MarketData) error {
	return w.callWithData("on_bar", data)
}

// OnTick implements StrategyRuntime.
func (w *Runtime) OnTick(data types.MarketData) error {
	return w.callWithData("on_tick", data)
}

// OnOrder implements StrategyRuntime.
func (w *Runtime) OnOrder(data types.MarketData) error {
	return w.callWithData("on_order", data)
}

// OnTrade implements StrategyRuntime.
func (w *Runtime) OnTrade(data types.MarketData) error {
	return w.callWithData("on_trade", data)
}

// OnFundingRate implements StrategyRuntime.
func (w *Runtime) OnFundingRate(data types.MarketData) error {
	return w.callWithData("on_funding_rate", data)
}

// OnStop implements StrategyRuntime. The module is closed afterwards.
func (w *Runtime) OnStop() error {
	results, err := w.exports["on_stop"].Call(w.ctx)
	if err != nil {
		_ = w.wazero.Close(w.ctx)

		return errors.Wrap(errors.ErrCodeStrategyRuntime, "strategy on_stop failed", err)
	}

	if len(results) > 0 && results[0] != 0 {
		_ = w.wazero.Close(w.ctx)

		return errors.Newf(errors.ErrCodeStrategyRuntime, "strategy on_stop returned code %d", results[0])
	}

	return w.wazero.Close(w.ctx)
}

// Name implements StrategyRuntime.
func (w *Runtime) Name() string {
	results, err := w.exports["name"].Call(w.ctx)
	if err != nil || len(results) == 0 {
		return ""
	}

	packed := results[0]
	ptr := uint32(packed >> 32)
	size := uint32(packed)

	raw, ok := w.module.Memory().Read(ptr, size)
	if !ok {
		return ""
	}

	return string(raw)
}

// String implements fmt.Stringer for log output.
func (w *Runtime) String() string {
	return fmt.Sprintf("wasm strategy %q", w.Name())
}
