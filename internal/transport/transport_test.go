package transport

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"github.com/rxtech-lab/argo-orchestrator/internal/logger"
	"github.com/rxtech-lab/argo-orchestrator/internal/protocol"
	"github.com/rxtech-lab/argo-orchestrator/internal/types"
	"github.com/rxtech-lab/argo-orchestrator/pkg/errors"
)

type TransportTestSuite struct {
	suite.Suite

	server *Server
}

func TestTransportSuite(t *testing.T) {
	suite.Run(t, new(TransportTestSuite))
}

func (suite *TransportTestSuite) SetupTest() {
	suite.server = NewServer("127.0.0.1:0", 2*time.Second, logger.NewTestLogger())
	suite.Require().NoError(suite.server.Start())
}

func (suite *TransportTestSuite) TearDownTest() {
	_ = suite.server.Close()
}

func (suite *TransportTestSuite) dialWorker(workerID string) *Client {
	client := NewClient(workerID, suite.server.Addr(), logger.NewTestLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	suite.Require().NoError(client.Dial(ctx))

	suite.Require().NoError(suite.server.WaitForWorker(ctx, workerID))

	return client
}

func (suite *TransportTestSuite) sampleData(symbol string) types.MarketData {
	return types.MarketData{
		Symbol:   symbol,
		DataType: types.DataTypeBar,
		Close:    decimal.NewFromFloat(100.5),
		Time:     time.Now().UTC(),
	}
}

func (suite *TransportTestSuite) TestBroadcastReachesSubscribedWorker() {
	client := suite.dialWorker("w-1")
	defer client.Close()

	env, err := protocol.NewDataMessage(suite.sampleData("BTCUSDT"))
	suite.Require().NoError(err)

	delivered := suite.server.Broadcast([]string{"w-1"}, env)
	suite.Equal(1, delivered)

	select {
	case received := <-client.Data():
		payload, err := protocol.DecodeMarketData(received)
		suite.Require().NoError(err)
		suite.Equal("BTCUSDT", payload.Data.Symbol)
	case <-time.After(2 * time.Second):
		suite.Fail("data message never arrived")
	}
}

func (suite *TransportTestSuite) TestBroadcastSkipsDisconnectedWorker() {
	client := suite.dialWorker("w-1")
	client.Close()

	// Give the server a moment to notice the disconnect.
	suite.Eventually(func() bool {
		env, _ := protocol.NewDataMessage(suite.sampleData("ETHUSDT"))

		return suite.server.Broadcast([]string{"w-1"}, env) == 0
	}, 2*time.Second, 50*time.Millisecond)
}

func (suite *TransportTestSuite) TestRequestReply() {
	client := suite.dialWorker("w-1")
	defer client.Close()

	// Worker side: answer the first control request.
	go func() {
		request := <-client.Control()
		reply, err := protocol.NewControlReply(request, true, types.WorkerStateRunning, "")
		if err != nil {
			return
		}

		_ = client.SendReply(reply)
	}()

	request, err := protocol.NewControlRequest("w-1", protocol.VerbStart, "strategies/sma.wasm", nil)
	suite.Require().NoError(err)

	reply, err := suite.server.Request(context.Background(), "w-1", request)
	suite.Require().NoError(err)
	suite.Equal(request.CorrelationID, reply.CorrelationID)

	payload, err := protocol.DecodeControlReply(reply)
	suite.Require().NoError(err)
	suite.True(payload.OK)
	suite.Equal(types.WorkerStateRunning, payload.State)
}

func (suite *TransportTestSuite) TestRequestTimesOutWithoutReply() {
	client := suite.dialWorker("w-1")
	defer client.Close()

	request, err := protocol.NewControlRequest("w-1", protocol.VerbPause, "", nil)
	suite.Require().NoError(err)

	_, err = suite.server.Request(context.Background(), "w-1", request)
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeRequestTimeout))
}

func (suite *TransportTestSuite) TestRequestToUnknownWorker() {
	request, err := protocol.NewControlRequest("ghost", protocol.VerbStop, "", nil)
	suite.Require().NoError(err)

	_, err = suite.server.Request(context.Background(), "ghost", request)
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeNotConnected))
}

func (suite *TransportTestSuite) TestConcurrentRequestsToDifferentWorkers() {
	slow := suite.dialWorker("w-slow")
	defer slow.Close()

	fast := suite.dialWorker("w-fast")
	defer fast.Close()

	// The slow worker answers late; the fast worker answers immediately. The
	// fast reply must not wait behind the slow one.
	go func() {
		request := <-slow.Control()
		time.Sleep(500 * time.Millisecond)
		reply, _ := protocol.NewControlReply(request, true, types.WorkerStatePaused, "")
		_ = slow.SendReply(reply)
	}()

	go func() {
		request := <-fast.Control()
		reply, _ := protocol.NewControlReply(request, true, types.WorkerStateRunning, "")
		_ = fast.SendReply(reply)
	}()

	slowReq, err := protocol.NewControlRequest("w-slow", protocol.VerbPause, "", nil)
	suite.Require().NoError(err)

	fastReq, err := protocol.NewControlRequest("w-fast", protocol.VerbResume, "", nil)
	suite.Require().NoError(err)

	slowDone := make(chan struct{})

	go func() {
		_, _ = suite.server.Request(context.Background(), "w-slow", slowReq)
		close(slowDone)
	}()

	started := time.Now()
	_, err = suite.server.Request(context.Background(), "w-fast", fastReq)
	suite.Require().NoError(err)
	suite.Less(time.Since(started), 400*time.Millisecond, "fast request blocked behind slow worker")

	<-slowDone
}

func (suite *TransportTestSuite) TestStatusFunnelFIFOPerSender() {
	client := suite.dialWorker("w-1")
	defer client.Close()

	states := []types.WorkerState{
		types.WorkerStateStarting,
		types.WorkerStateRunning,
		types.WorkerStatePaused,
	}

	for _, state := range states {
		env, err := protocol.NewStatusUpdate("w-1", state, "")
		suite.Require().NoError(err)
		suite.Require().NoError(client.SendStatus(env))
	}

	for _, want := range states {
		select {
		case env := <-suite.server.Status():
			payload, err := protocol.DecodeStatus(env)
			suite.Require().NoError(err)
			suite.Equal(want, payload.State)
		case <-time.After(2 * time.Second):
			suite.Fail("status message never arrived")
		}
	}
}

func (suite *TransportTestSuite) TestMalformedStatusFrameIsDiscarded() {
	client := suite.dialWorker("w-1")
	defer client.Close()

	// Write garbage straight to the socket; the server loop must survive it.
	client.statusWriteMu.Lock()
	suite.Require().NoError(client.statusConn.WriteMessage(websocket.TextMessage, []byte("garbage")))
	client.statusWriteMu.Unlock()

	hb, err := protocol.NewHeartbeat("w-1", types.WorkerStateRunning)
	suite.Require().NoError(err)
	suite.Require().NoError(client.SendStatus(hb))

	select {
	case env := <-suite.server.Status():
		suite.Equal("w-1", env.WorkerID)
	case <-time.After(2 * time.Second):
		suite.Fail("heartbeat after garbage never arrived")
	}
}

func (suite *TransportTestSuite) TestIncompatibleVersionRejected() {
	client := NewClient("w-old", suite.server.Addr(), logger.NewTestLogger())
	// The dialer sends the build version, so simulate the rejection path by
	// dialing a raw endpoint with a bad version instead.
	conn, err := client.dialEndpointWithVersion(context.Background(), "/channels/status", "0.1.0")
	suite.Require().Error(err)
	suite.Nil(conn)
}

func (suite *TransportTestSuite) TestBindFailureFailsFast() {
	second := NewServer(suite.server.Addr(), time.Second, logger.NewTestLogger())
	err := second.Start()
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeBind))
}
