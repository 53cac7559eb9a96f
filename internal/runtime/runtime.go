// Package runtime defines the loadable strategy unit a worker process drives.
// The worker only loads the unit and routes data and control into it; it does
// not interpret trading semantics.
package runtime

import (
	"github.com/rxtech-lab/argo-orchestrator/internal/types"
	"github.com/rxtech-lab/argo-orchestrator/pkg/errors"
)

// StrategyRuntime is a loaded strategy unit. Implementations run either in
// process (Go, for development and tests) or as a WebAssembly module (for
// production isolation of untrusted strategy code).
type StrategyRuntime interface {
	// Initialize passes the strategy its JSON-encoded config.
	Initialize(config string) error
	// OnBar handles a candlestick event.
	OnBar(data types.MarketData) error
	// OnTick handles a tick event.
	OnTick(data types.MarketData) error
	// OnOrder handles an order event.
	OnOrder(data types.MarketData) error
	// OnTrade handles a trade event.
	OnTrade(data types.MarketData) error
	// OnFundingRate handles a funding rate event.
	OnFundingRate(data types.MarketData) error
	// OnStop is called once before the strategy is unloaded.
	OnStop() error
	// Name returns the strategy's self-reported name.
	Name() string
}

// Dispatch routes a market event to the callback matching its data type.
func Dispatch(strategy StrategyRuntime, data types.MarketData) error {
	switch data.DataType {
	case types.DataTypeBar:
		return strategy.OnBar(data)
	case types.DataTypeTick:
		return strategy.OnTick(data)
	case types.DataTypeOrder:
		return strategy.OnOrder(data)
	case types.DataTypeTrade:
		return strategy.OnTrade(data)
	case types.DataTypeFundingRate:
		return strategy.OnFundingRate(data)
	default:
		return errors.Newf(errors.ErrCodeBadPayload, "unknown data type %q", data.DataType)
	}
}
