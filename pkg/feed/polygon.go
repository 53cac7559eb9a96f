package feed

import (
	"context"
	"iter"
	"strings"
	"time"

	polygonws "github.com/polygon-io/client-go/websocket"
	"github.com/polygon-io/client-go/websocket/models"
	"github.com/shopspring/decimal"

	"github.com/rxtech-lab/argo-orchestrator/internal/types"
	"github.com/rxtech-lab/argo-orchestrator/pkg/errors"
)

// PolygonWebSocketService abstracts the Polygon websocket client for testing.
type PolygonWebSocketService interface {
	Connect() error
	Subscribe(topic polygonws.Topic, tickers ...string) error
	Unsubscribe(topic polygonws.Topic, tickers ...string) error
	Output() <-chan any
	Error() <-chan error
	Close()
}

// PolygonFeed streams aggregates from the Polygon.io websocket API.
type PolygonFeed struct {
	ws PolygonWebSocketService
}

// NewPolygonFeed creates a feed backed by the real Polygon websocket.
func NewPolygonFeed(apiKey string) (*PolygonFeed, error) {
	if apiKey == "" {
		return nil, errors.New(errors.ErrCodeInvalidConfiguration, "polygon api key is required")
	}

	client, err := polygonws.New(polygonws.Config{
		APIKey: apiKey,
		Feed:   polygonws.RealTime,
		Market: polygonws.Stocks,
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeConnClosed, "failed to create polygon websocket client", err)
	}

	return &PolygonFeed{ws: client}, nil
}

// NewPolygonFeedWithService creates a feed with a custom websocket service.
// Used for testing with mocks.
func NewPolygonFeedWithService(ws PolygonWebSocketService) *PolygonFeed {
	return &PolygonFeed{ws: ws}
}

// topicForInterval maps a candle interval onto a Polygon aggregate topic:
// sub-minute intervals use second aggregates, everything else minute
// aggregates.
func topicForInterval(interval string) polygonws.Topic {
	if strings.HasSuffix(interval, "s") {
		return polygonws.StocksSecAggs
	}

	return polygonws.StocksMinAggs
}

// Stream subscribes to aggregate events for the given symbols and yields them
// as bars.
func (f *PolygonFeed) Stream(ctx context.Context, symbols []string, interval string) iter.Seq2[types.MarketData, error] {
	return func(yield func(types.MarketData, error) bool) {
		if err := f.ws.Connect(); err != nil {
			yield(types.MarketData{}, errors.Wrap(errors.ErrCodeConnClosed, "failed to connect to polygon", err))

			return
		}
		defer f.ws.Close()

		topic := topicForInterval(interval)
		if err := f.ws.Subscribe(topic, symbols...); err != nil {
			yield(types.MarketData{}, errors.Wrap(errors.ErrCodeConnClosed, "failed to subscribe to polygon aggregates", err))

			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case out, ok := <-f.ws.Output():
				if !ok {
					return
				}

				agg, isAgg := out.(models.EquityAgg)
				if !isAgg {
					continue
				}

				if !yield(convertEquityAggToMarketData(agg), nil) {
					return
				}
			case err, ok := <-f.ws.Error():
				if !ok {
					return
				}

				if !yield(types.MarketData{}, errors.Wrap(errors.ErrCodeConnClosed, "polygon websocket error", err)) {
					return
				}
			}
		}
	}
}

func convertEquityAggToMarketData(agg models.EquityAgg) types.MarketData {
	return types.MarketData{
		Symbol:   agg.Symbol,
		DataType: types.DataTypeBar,
		Open:     decimal.NewFromFloat(agg.Open),
		High:     decimal.NewFromFloat(agg.High),
		Low:      decimal.NewFromFloat(agg.Low),
		Close:    decimal.NewFromFloat(agg.Close),
		Volume:   decimal.NewFromFloat(agg.Volume),
		Time:     time.UnixMilli(agg.StartTimestamp),
	}
}

var _ Provider = (*PolygonFeed)(nil)
