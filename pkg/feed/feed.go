// Package feed streams realtime market data from exchange providers into the
// orchestrator's MarketData format.
package feed

import (
	"context"
	"iter"

	"github.com/rxtech-lab/argo-orchestrator/internal/types"
	"github.com/rxtech-lab/argo-orchestrator/pkg/errors"
)

// ProviderType identifies a market data provider.
type ProviderType string

const (
	ProviderBinance ProviderType = "binance"
	ProviderPolygon ProviderType = "polygon"
)

// Provider streams realtime market data.
type Provider interface {
	// Stream returns an iterator that yields realtime market data.
	// The iterator yields MarketData and error pairs. Cancel the context to
	// stop streaming.
	Stream(ctx context.Context, symbols []string, interval string) iter.Seq2[types.MarketData, error]
}

// NewProvider creates a market data provider. The API key is only required
// for providers that authenticate (Polygon).
func NewProvider(providerType ProviderType, apiKey string) (Provider, error) {
	switch providerType {
	case ProviderBinance:
		return NewBinanceFeed(), nil
	case ProviderPolygon:
		return NewPolygonFeed(apiKey)
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidConfiguration, "unsupported market data provider: %s", providerType)
	}
}
