package feed

import (
	"context"
	"iter"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"github.com/rxtech-lab/argo-orchestrator/internal/types"
	"github.com/rxtech-lab/argo-orchestrator/pkg/errors"
)

// Type aliases so tests can build events without importing go-binance.
type (
	BinanceWsKlineEvent = binance.WsKlineEvent
	BinanceWsKline      = binance.WsKline
	WsKlineHandler      = binance.WsKlineHandler
	WsErrorHandler      = binance.ErrHandler
)

// BinanceWebSocketService abstracts the Binance kline websocket for testing.
type BinanceWebSocketService interface {
	WsKlineServe(symbol string, interval string, handler WsKlineHandler, errHandler WsErrorHandler) (doneC chan struct{}, stopC chan struct{}, err error)
}

// realBinanceWebSocketService delegates to the go-binance package functions.
type realBinanceWebSocketService struct{}

func (realBinanceWebSocketService) WsKlineServe(symbol string, interval string, handler WsKlineHandler, errHandler WsErrorHandler) (chan struct{}, chan struct{}, error) {
	return binance.WsKlineServe(symbol, interval, handler, errHandler)
}

// BinanceFeed streams klines from the Binance websocket API.
type BinanceFeed struct {
	ws BinanceWebSocketService
}

// NewBinanceFeed creates a feed backed by the real Binance websocket.
func NewBinanceFeed() *BinanceFeed {
	return &BinanceFeed{ws: realBinanceWebSocketService{}}
}

// NewBinanceFeedWithService creates a feed with a custom websocket service.
// Used for testing with mocks.
func NewBinanceFeedWithService(ws BinanceWebSocketService) *BinanceFeed {
	return &BinanceFeed{ws: ws}
}

// Stream subscribes to one kline stream per symbol and yields only closed
// candles, so each bar is emitted exactly once.
func (f *BinanceFeed) Stream(ctx context.Context, symbols []string, interval string) iter.Seq2[types.MarketData, error] {
	return func(yield func(types.MarketData, error) bool) {
		dataCh := make(chan types.MarketData, 64)
		errCh := make(chan error, 8)

		stops := make([]chan struct{}, 0, len(symbols))
		for _, symbol := range symbols {
			handler := func(event *BinanceWsKlineEvent) {
				if event == nil || !event.Kline.IsFinal {
					return
				}

				select {
				case dataCh <- convertWsKlineToMarketData(event):
				case <-ctx.Done():
				}
			}
			errHandler := func(err error) {
				select {
				case errCh <- errors.Wrapf(errors.ErrCodeConnClosed, err, "binance stream error for %s", symbol):
				case <-ctx.Done():
				}
			}

			_, stopC, err := f.ws.WsKlineServe(symbol, interval, handler, errHandler)
			if err != nil {
				yield(types.MarketData{}, errors.Wrapf(errors.ErrCodeConnClosed, err, "failed to subscribe to %s klines", symbol))

				for _, stop := range stops {
					close(stop)
				}

				return
			}
			stops = append(stops, stopC)
		}

		defer func() {
			for _, stop := range stops {
				close(stop)
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case data := <-dataCh:
				if !yield(data, nil) {
					return
				}
			case err := <-errCh:
				if !yield(types.MarketData{}, err) {
					return
				}
			}
		}
	}
}

func convertWsKlineToMarketData(event *BinanceWsKlineEvent) types.MarketData {
	kline := event.Kline

	open, _ := decimal.NewFromString(kline.Open)
	high, _ := decimal.NewFromString(kline.High)
	low, _ := decimal.NewFromString(kline.Low)
	closePrice, _ := decimal.NewFromString(kline.Close)
	volume, _ := decimal.NewFromString(kline.Volume)

	return types.MarketData{
		Symbol:   event.Symbol,
		DataType: types.DataTypeBar,
		Open:     open,
		High:     high,
		Low:      low,
		Close:    closePrice,
		Volume:   volume,
		Time:     time.UnixMilli(kline.StartTime),
	}
}

var _ Provider = (*BinanceFeed)(nil)
