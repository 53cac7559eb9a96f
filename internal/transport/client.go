package transport

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rxtech-lab/argo-orchestrator/internal/logger"
	"github.com/rxtech-lab/argo-orchestrator/internal/protocol"
	"github.com/rxtech-lab/argo-orchestrator/internal/version"
	"github.com/rxtech-lab/argo-orchestrator/pkg/errors"
)

const (
	// sendMaxRetries bounds retries of a send on an established socket before
	// the failure surfaces as a delivery error.
	sendMaxRetries = 4

	sendBackoffInitial = 50 * time.Millisecond
)

// Client is the worker side of the three channels. It dials all endpoints on
// startup; any connect failure is fatal to the worker's init (fail fast).
type Client struct {
	workerID string
	addr     string
	log      *logger.Logger

	broadcastConn *websocket.Conn
	controlConn   *websocket.Conn
	statusConn    *websocket.Conn

	controlWriteMu sync.Mutex
	statusWriteMu  sync.Mutex

	data    chan protocol.Envelope
	control chan protocol.Envelope

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient creates a client for the coordinator at addr (host:port).
func NewClient(workerID, addr string, log *logger.Logger) *Client {
	return &Client{
		workerID: workerID,
		addr:     addr,
		log:      log.Named("transport"),
		data:     make(chan protocol.Envelope, 256),
		control:  make(chan protocol.Envelope, 16),
		closed:   make(chan struct{}),
	}
}

// Dial connects all three channels. The worker id and protocol version are
// carried on the upgrade request; an incompatible coordinator rejects the
// handshake and Dial fails.
func (c *Client) Dial(ctx context.Context) error {
	endpoints := []struct {
		path   string
		target **websocket.Conn
	}{
		{"/channels/broadcast", &c.broadcastConn},
		{"/channels/control", &c.controlConn},
		{"/channels/status", &c.statusConn},
	}

	for _, ep := range endpoints {
		conn, err := c.dialEndpoint(ctx, ep.path)
		if err != nil {
			c.closeConns()

			return err
		}

		*ep.target = conn
	}

	go c.readBroadcast()
	go c.readControl()

	c.log.Debug("all channels connected", zap.String("worker_id", c.workerID))

	return nil
}

func (c *Client) dialEndpoint(ctx context.Context, path string) (*websocket.Conn, error) {
	return c.dialEndpointWithVersion(ctx, path, version.GetVersion())
}

func (c *Client) dialEndpointWithVersion(ctx context.Context, path, protoVersion string) (*websocket.Conn, error) {
	u := url.URL{
		Scheme: "ws",
		Host:   c.addr,
		Path:   path,
	}

	q := u.Query()
	q.Set("worker_id", c.workerID)
	q.Set("version", protoVersion)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(errors.ErrCodeBind, err, "coordinator rejected %s handshake (%s)", path, resp.Status)
		}

		return nil, errors.Wrapf(errors.ErrCodeBind, err, "failed to connect %s", path)
	}

	return conn, nil
}

// readBroadcast feeds incoming data messages to the Data channel. Malformed
// frames are logged and discarded; the loop never dies on a bad message.
func (c *Client) readBroadcast() {
	for {
		_, raw, err := c.broadcastConn.ReadMessage()
		if err != nil {
			close(c.data)

			return
		}

		env, err := protocol.Unmarshal(raw)
		if err != nil {
			c.log.Warn("discarding malformed broadcast frame", zap.Error(err))

			continue
		}

		select {
		case c.data <- env:
		default:
			// Slow consumer: at-most-once semantics allow dropping.
			c.log.Warn("data buffer full, dropping frame")
		}
	}
}

func (c *Client) readControl() {
	for {
		_, raw, err := c.controlConn.ReadMessage()
		if err != nil {
			close(c.control)

			return
		}

		env, err := protocol.Unmarshal(raw)
		if err != nil {
			c.log.Warn("discarding malformed control frame", zap.Error(err))

			continue
		}

		c.control <- env
	}
}

// Data returns the channel of incoming broadcast data messages. The channel
// closes when the broadcast socket disconnects.
func (c *Client) Data() <-chan protocol.Envelope {
	return c.data
}

// Control returns the channel of incoming control requests. The channel
// closes when the control socket disconnects.
func (c *Client) Control() <-chan protocol.Envelope {
	return c.control
}

// SendReply sends a control reply on the control channel.
func (c *Client) SendReply(env protocol.Envelope) error {
	return c.send(c.controlConn, &c.controlWriteMu, env)
}

// SendStatus sends a status or heartbeat envelope on the funnel channel.
// Frames from one worker stay FIFO because they share one socket.
func (c *Client) SendStatus(env protocol.Envelope) error {
	return c.send(c.statusConn, &c.statusWriteMu, env)
}

// send writes with bounded exponential backoff; on budget exhaustion the
// failure surfaces as a delivery error.
func (c *Client) send(conn *websocket.Conn, mu *sync.Mutex, env protocol.Envelope) error {
	if conn == nil {
		return errors.New(errors.ErrCodeNotConnected, "channel not connected")
	}

	raw, err := protocol.Marshal(env)
	if err != nil {
		return err
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(sendBackoffInitial),
	), sendMaxRetries)

	op := func() error {
		mu.Lock()
		defer mu.Unlock()

		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))

		return conn.WriteMessage(websocket.TextMessage, raw)
	}

	if err := backoff.Retry(op, policy); err != nil {
		return errors.Wrap(errors.ErrCodeDelivery, "send failed after retries", err)
	}

	return nil
}

func (c *Client) closeConns() {
	for _, conn := range []*websocket.Conn{c.broadcastConn, c.controlConn, c.statusConn} {
		if conn != nil {
			_ = conn.Close()
		}
	}
}

// Close tears down all channel sockets.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.closeConns()
	})

	return nil
}
