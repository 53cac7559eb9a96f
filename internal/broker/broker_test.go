package broker

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"github.com/rxtech-lab/argo-orchestrator/internal/logger"
	"github.com/rxtech-lab/argo-orchestrator/internal/protocol"
	"github.com/rxtech-lab/argo-orchestrator/internal/types"
)

// fakeBroadcaster records every broadcast call.
type fakeBroadcaster struct {
	mu    sync.Mutex
	calls [][]string
}

func (f *fakeBroadcaster) Broadcast(workerIDs []string, _ protocol.Envelope) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	ids := append([]string(nil), workerIDs...)
	f.calls = append(f.calls, ids)

	return len(ids)
}

func (f *fakeBroadcaster) deliveries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var all []string
	for _, call := range f.calls {
		all = append(all, call...)
	}

	return all
}

type BrokerTestSuite struct {
	suite.Suite

	broadcaster *fakeBroadcaster
	broker      *Broker
}

func TestBrokerSuite(t *testing.T) {
	suite.Run(t, new(BrokerTestSuite))
}

func (suite *BrokerTestSuite) SetupTest() {
	suite.broadcaster = &fakeBroadcaster{}
	suite.broker = NewBroker(suite.broadcaster, logger.NewTestLogger())
}

func (suite *BrokerTestSuite) bar(symbol string) types.MarketData {
	return types.MarketData{
		Symbol:   symbol,
		DataType: types.DataTypeBar,
		Close:    decimal.NewFromInt(100),
	}
}

func (suite *BrokerTestSuite) TestPublishReachesMatchingSubscribersOnly() {
	suite.broker.Subscribe("w-1", []string{"BTCUSDT"}, []types.DataType{types.DataTypeBar})
	suite.broker.Subscribe("w-2", []string{"BTCUSDT"}, []types.DataType{types.DataTypeBar})
	suite.broker.Subscribe("w-3", []string{"ETHUSDT"}, []types.DataType{types.DataTypeBar})
	suite.broker.Subscribe("w-4", []string{"BTCUSDT"}, []types.DataType{types.DataTypeTick})

	notified, err := suite.broker.Publish(suite.bar("BTCUSDT"))
	suite.Require().NoError(err)
	suite.Equal(2, notified)

	delivered := suite.broadcaster.deliveries()
	suite.ElementsMatch([]string{"w-1", "w-2"}, delivered)
}

func (suite *BrokerTestSuite) TestPublishWithNoSubscribersSendsNothing() {
	notified, err := suite.broker.Publish(suite.bar("BTCUSDT"))
	suite.Require().NoError(err)
	suite.Zero(notified)
	suite.Empty(suite.broadcaster.calls)
}

func (suite *BrokerTestSuite) TestSubscribeReplacesPriorSubscription() {
	suite.broker.Subscribe("w-1", []string{"BTCUSDT"}, []types.DataType{types.DataTypeBar})
	suite.broker.Subscribe("w-1", []string{"ETHUSDT"}, []types.DataType{types.DataTypeBar})

	suite.Empty(suite.broker.Subscribers("BTCUSDT", types.DataTypeBar))
	suite.Equal([]string{"w-1"}, suite.broker.Subscribers("ETHUSDT", types.DataTypeBar))
}

func (suite *BrokerTestSuite) TestUnsubscribeRemovesAllInterest() {
	suite.broker.Subscribe("w-1", []string{"BTCUSDT", "ETHUSDT"}, []types.DataType{types.DataTypeBar, types.DataTypeTick})
	suite.broker.Unsubscribe("w-1")

	suite.Empty(suite.broker.Subscribers("BTCUSDT", types.DataTypeBar))
	suite.Empty(suite.broker.Subscribers("ETHUSDT", types.DataTypeTick))

	_, ok := suite.broker.Subscription("w-1")
	suite.False(ok)
}

func (suite *BrokerTestSuite) TestUnsubscribeUnknownWorkerIsNoOp() {
	suite.NotPanics(func() {
		suite.broker.Unsubscribe("ghost")
	})
}

func (suite *BrokerTestSuite) TestOnePublishPerDistinctWorkerConnection() {
	// One worker subscribed to overlapping interest must still get exactly one send.
	suite.broker.Subscribe("w-1", []string{"BTCUSDT"}, []types.DataType{types.DataTypeBar, types.DataTypeTick})

	notified, err := suite.broker.Publish(suite.bar("BTCUSDT"))
	suite.Require().NoError(err)
	suite.Equal(1, notified)
	suite.Len(suite.broadcaster.deliveries(), 1)
}

func (suite *BrokerTestSuite) TestConcurrentSubscribePublish() {
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(2)

		workerID := string(rune('a' + i))

		go func(id string) {
			defer wg.Done()
			suite.broker.Subscribe(id, []string{"BTCUSDT"}, []types.DataType{types.DataTypeBar})
		}(workerID)

		go func() {
			defer wg.Done()
			_, _ = suite.broker.Publish(suite.bar("BTCUSDT"))
		}()
	}

	wg.Wait()

	suite.Len(suite.broker.Subscribers("BTCUSDT", types.DataTypeBar), 10)
}
