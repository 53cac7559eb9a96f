// Package broker tracks which worker wants which symbols and data types, and
// fans published market data out to the matching broadcast sockets.
package broker

import (
	"sync"

	"go.uber.org/zap"

	"github.com/rxtech-lab/argo-orchestrator/internal/logger"
	"github.com/rxtech-lab/argo-orchestrator/internal/metrics"
	"github.com/rxtech-lab/argo-orchestrator/internal/protocol"
	"github.com/rxtech-lab/argo-orchestrator/internal/types"
)

// Broadcaster is the downstream transport the broker publishes through. One
// send per distinct worker connection, at-most-once.
type Broadcaster interface {
	Broadcast(workerIDs []string, env protocol.Envelope) int
}

// Subscription is a worker's registered interest.
type Subscription struct {
	WorkerID  string
	Symbols   []string
	DataTypes []types.DataType
}

// subKey indexes subscriptions by symbol and data type so a publish is an
// O(1) amortized lookup instead of a scan over all subscribers.
type subKey struct {
	symbol   string
	dataType types.DataType
}

// Broker owns the subscription map. It is one of the two pieces of
// cross-request mutable state in the coordinator and is guarded by a single
// mutex.
type Broker struct {
	log         *logger.Logger
	broadcaster Broadcaster

	mu       sync.Mutex
	index    map[subKey]map[string]struct{}
	byWorker map[string]Subscription
}

// NewBroker creates a broker publishing through the given broadcaster.
func NewBroker(broadcaster Broadcaster, log *logger.Logger) *Broker {
	return &Broker{
		log:         log.Named("broker"),
		broadcaster: broadcaster,
		index:       make(map[subKey]map[string]struct{}),
		byWorker:    make(map[string]Subscription),
	}
}

// Subscribe registers interest for a worker, replacing any prior subscription
// for the same worker. Idempotent.
func (b *Broker) Subscribe(workerID string, symbols []string, dataTypes []types.DataType) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.removeLocked(workerID)

	sub := Subscription{
		WorkerID:  workerID,
		Symbols:   append([]string(nil), symbols...),
		DataTypes: append([]types.DataType(nil), dataTypes...),
	}
	b.byWorker[workerID] = sub

	for _, symbol := range sub.Symbols {
		for _, dataType := range sub.DataTypes {
			key := subKey{symbol: symbol, dataType: dataType}
			if b.index[key] == nil {
				b.index[key] = make(map[string]struct{})
			}

			b.index[key][workerID] = struct{}{}
		}
	}

	b.log.Debug("subscription replaced",
		zap.String("worker_id", workerID),
		zap.Strings("symbols", symbols),
		zap.Int("data_types", len(dataTypes)))
}

// Unsubscribe removes all interest for a worker. No-op if the worker is unknown.
func (b *Broker) Unsubscribe(workerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.removeLocked(workerID)
}

func (b *Broker) removeLocked(workerID string) {
	sub, ok := b.byWorker[workerID]
	if !ok {
		return
	}

	for _, symbol := range sub.Symbols {
		for _, dataType := range sub.DataTypes {
			key := subKey{symbol: symbol, dataType: dataType}
			if workers, ok := b.index[key]; ok {
				delete(workers, workerID)

				if len(workers) == 0 {
					delete(b.index, key)
				}
			}
		}
	}

	delete(b.byWorker, workerID)
}

// Subscribers returns the workers subscribed to the given symbol and data type.
func (b *Broker) Subscribers(symbol string, dataType types.DataType) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	workers := b.index[subKey{symbol: symbol, dataType: dataType}]
	ids := make([]string, 0, len(workers))

	for id := range workers {
		ids = append(ids, id)
	}

	return ids
}

// Subscription returns the current subscription of a worker, if any.
func (b *Broker) Subscription(workerID string) (Subscription, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.byWorker[workerID]

	return sub, ok
}

// Publish fans a market event out to every matching subscriber and returns
// the number of workers a delivery was attempted for. Data sent to a worker
// that is mid-restart is dropped by the transport, in line with at-most-once
// delivery.
func (b *Broker) Publish(data types.MarketData) (int, error) {
	ids := b.Subscribers(data.Symbol, data.DataType)

	metrics.MessagesPublished.WithLabelValues(data.Symbol, string(data.DataType)).Inc()

	if len(ids) == 0 {
		return 0, nil
	}

	env, err := protocol.NewDataMessage(data)
	if err != nil {
		return 0, err
	}

	b.broadcaster.Broadcast(ids, env)

	return len(ids), nil
}
