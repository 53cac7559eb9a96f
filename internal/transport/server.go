// Package transport implements the three asynchronous channels connecting the
// coordinator with its worker processes: a one-to-many broadcast channel for
// market data, a one-to-one routed request/reply channel for control commands,
// and a many-to-one funnel channel for status and heartbeats.
//
// All three channels are WebSocket endpoints on a single coordinator-side HTTP
// server. Workers dial in and identify themselves with a worker id and
// protocol version on the upgrade request; incompatible versions are rejected
// before the socket is established.
package transport

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rxtech-lab/argo-orchestrator/internal/logger"
	"github.com/rxtech-lab/argo-orchestrator/internal/metrics"
	"github.com/rxtech-lab/argo-orchestrator/internal/protocol"
	"github.com/rxtech-lab/argo-orchestrator/internal/version"
	"github.com/rxtech-lab/argo-orchestrator/pkg/errors"
)

const (
	// broadcastBuffer is the per-subscriber outbound queue. A full queue means
	// the subscriber is too slow; the frame is dropped (at-most-once delivery).
	broadcastBuffer = 256

	// statusBuffer is the funnel queue feeding the supervisor.
	statusBuffer = 1024

	writeWait = 5 * time.Second
)

// Server is the coordinator side of all three channels.
type Server struct {
	log            *logger.Logger
	listenAddr     string
	requestTimeout time.Duration

	httpServer *http.Server
	listener   net.Listener
	upgrader   websocket.Upgrader

	mu        sync.Mutex
	broadcast map[string]*wsConn
	control   map[string]*wsConn
	pending   map[string]chan protocol.Envelope
	waiters   map[string][]chan struct{}
	closed    bool

	status chan protocol.Envelope
}

// wsConn wraps one worker socket with a single writer pump, so concurrent
// sends never interleave frames on the wire.
type wsConn struct {
	workerID string
	conn     *websocket.Conn
	outbound chan []byte
	done     chan struct{}
	once     sync.Once
}

func newWSConn(workerID string, conn *websocket.Conn, buffer int) *wsConn {
	c := &wsConn{
		workerID: workerID,
		conn:     conn,
		outbound: make(chan []byte, buffer),
		done:     make(chan struct{}),
	}

	go c.writePump()

	return c
}

func (c *wsConn) writePump() {
	for {
		select {
		case raw, ok := <-c.outbound:
			if !ok {
				return
			}

			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.close()

				return
			}
		case <-c.done:
			return
		}
	}
}

// enqueue queues a frame for delivery. Returns false if the connection is
// gone or the queue is full.
func (c *wsConn) enqueue(raw []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.outbound <- raw:
		return true
	default:
		return false
	}
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// NewServer creates a channel server bound to listenAddr once Start is called.
func NewServer(listenAddr string, requestTimeout time.Duration, log *logger.Logger) *Server {
	return &Server{
		log:            log.Named("transport"),
		listenAddr:     listenAddr,
		requestTimeout: requestTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		broadcast: make(map[string]*wsConn),
		control:   make(map[string]*wsConn),
		pending:   make(map[string]chan protocol.Envelope),
		waiters:   make(map[string][]chan struct{}),
		status:    make(chan protocol.Envelope, statusBuffer),
	}
}

// Start binds the listener and begins serving the channel endpoints. A bind
// failure (e.g. address already in use) is fatal and returned immediately.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeBind, err, "failed to bind channel server on %s", s.listenAddr)
	}

	s.listener = listener

	router := mux.NewRouter()
	router.HandleFunc("/channels/broadcast", s.handleBroadcast)
	router.HandleFunc("/channels/control", s.handleControl)
	router.HandleFunc("/channels/status", s.handleStatus)
	router.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{Handler: router}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("channel server stopped", zap.Error(err))
		}
	}()

	s.log.Info("channel server listening", zap.String("addr", listener.Addr().String()))

	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.listenAddr
	}

	return s.listener.Addr().String()
}

// upgrade validates the handshake query parameters and upgrades the request.
func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, string, bool) {
	workerID := r.URL.Query().Get("worker_id")
	if workerID == "" {
		http.Error(w, "missing worker_id", http.StatusBadRequest)

		return nil, "", false
	}

	workerVersion := r.URL.Query().Get("version")
	if err := version.CheckProtocolCompatibility(version.GetVersion(), workerVersion); err != nil {
		s.log.Warn("rejecting worker with incompatible protocol",
			zap.String("worker_id", workerID),
			zap.String("version", workerVersion),
			zap.Error(err))
		http.Error(w, err.Error(), http.StatusUpgradeRequired)

		return nil, "", false
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, "", false
	}

	return conn, workerID, true
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	conn, workerID, ok := s.upgrade(w, r)
	if !ok {
		return
	}

	wc := newWSConn(workerID, conn, broadcastBuffer)

	s.mu.Lock()
	if prev, exists := s.broadcast[workerID]; exists {
		prev.close()
	}
	s.broadcast[workerID] = wc
	s.mu.Unlock()

	s.log.Debug("broadcast channel connected", zap.String("worker_id", workerID))

	// Broadcast is one-way; drain reads only to detect disconnect.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}

		wc.close()
		s.removeConn(s.broadcast, workerID, wc)
	}()
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	conn, workerID, ok := s.upgrade(w, r)
	if !ok {
		return
	}

	wc := newWSConn(workerID, conn, 16)

	s.mu.Lock()
	if prev, exists := s.control[workerID]; exists {
		prev.close()
	}
	s.control[workerID] = wc

	// Wake anyone waiting for this worker to come online.
	for _, waiter := range s.waiters[workerID] {
		close(waiter)
	}
	delete(s.waiters, workerID)
	s.mu.Unlock()

	s.log.Debug("control channel connected", zap.String("worker_id", workerID))

	go s.readControlReplies(wc)
}

// readControlReplies pairs incoming replies with pending requests by
// correlation id. Malformed frames are logged and discarded.
func (s *Server) readControlReplies(wc *wsConn) {
	defer func() {
		wc.close()
		s.removeConn(s.control, wc.workerID, wc)
	}()

	for {
		_, raw, err := wc.conn.ReadMessage()
		if err != nil {
			return
		}

		env, err := protocol.Unmarshal(raw)
		if err != nil {
			metrics.ProtocolErrors.WithLabelValues("control").Inc()
			s.log.Warn("discarding malformed control frame",
				zap.String("worker_id", wc.workerID), zap.Error(err))

			continue
		}

		if env.Type != protocol.MessageTypeControlReply {
			metrics.ProtocolErrors.WithLabelValues("control").Inc()
			s.log.Warn("unexpected message type on control channel",
				zap.String("worker_id", wc.workerID), zap.String("type", string(env.Type)))

			continue
		}

		s.mu.Lock()
		replyCh, ok := s.pending[env.CorrelationID]
		if ok {
			delete(s.pending, env.CorrelationID)
		}
		s.mu.Unlock()

		if !ok {
			// Reply arrived after the request timed out. Drop it.
			s.log.Debug("dropping unmatched control reply",
				zap.String("worker_id", wc.workerID),
				zap.String("correlation_id", env.CorrelationID))

			continue
		}

		replyCh <- env
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	conn, workerID, ok := s.upgrade(w, r)
	if !ok {
		return
	}

	s.log.Debug("status channel connected", zap.String("worker_id", workerID))

	go func() {
		defer func() { _ = conn.Close() }()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}

			env, err := protocol.Unmarshal(raw)
			if err != nil {
				metrics.ProtocolErrors.WithLabelValues("status").Inc()
				s.log.Warn("discarding malformed status frame",
					zap.String("worker_id", workerID), zap.Error(err))

				continue
			}

			select {
			case s.status <- env:
			default:
				s.log.Warn("status funnel full, dropping frame",
					zap.String("worker_id", workerID))
			}
		}
	}()
}

func (s *Server) removeConn(conns map[string]*wsConn, workerID string, wc *wsConn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := conns[workerID]; ok && current == wc {
		delete(conns, workerID)
	}
}

// Broadcast queues the envelope to the broadcast sockets of the given workers.
// Delivery is at-most-once and best-effort: disconnected or slow workers are
// skipped, not retried. Returns the number of queue attempts that succeeded.
func (s *Server) Broadcast(workerIDs []string, env protocol.Envelope) int {
	raw, err := protocol.Marshal(env)
	if err != nil {
		s.log.Warn("failed to marshal broadcast envelope", zap.Error(err))

		return 0
	}

	s.mu.Lock()
	conns := make([]*wsConn, 0, len(workerIDs))

	for _, id := range workerIDs {
		if wc, ok := s.broadcast[id]; ok {
			conns = append(conns, wc)
		}
	}
	s.mu.Unlock()

	delivered := 0

	for _, wc := range conns {
		metrics.BroadcastDeliveries.Inc()

		if wc.enqueue(raw) {
			delivered++
		} else {
			metrics.BroadcastDropped.Inc()
		}
	}

	return delivered
}

// Request sends a control envelope to one worker and waits for the reply with
// the same correlation id. Requests to different workers proceed concurrently;
// the per-worker socket keeps request/reply pairs for one worker ordered.
func (s *Server) Request(ctx context.Context, workerID string, env protocol.Envelope) (protocol.Envelope, error) {
	raw, err := protocol.Marshal(env)
	if err != nil {
		return protocol.Envelope{}, err
	}

	s.mu.Lock()
	wc, connected := s.control[workerID]
	if !connected {
		s.mu.Unlock()

		return protocol.Envelope{}, errors.Newf(errors.ErrCodeNotConnected, "worker %s has no control channel", workerID)
	}

	replyCh := make(chan protocol.Envelope, 1)
	s.pending[env.CorrelationID] = replyCh
	s.mu.Unlock()

	cleanup := func() {
		s.mu.Lock()
		delete(s.pending, env.CorrelationID)
		s.mu.Unlock()
	}

	if !wc.enqueue(raw) {
		cleanup()

		return protocol.Envelope{}, errors.Newf(errors.ErrCodeDelivery, "failed to queue control request to worker %s", workerID)
	}

	timer := time.NewTimer(s.requestTimeout)
	defer timer.Stop()

	started := time.Now()

	select {
	case reply := <-replyCh:
		if payload, err := protocol.DecodeControl(env); err == nil {
			metrics.ControlRequestDuration.WithLabelValues(string(payload.Verb)).Observe(time.Since(started).Seconds())
		}

		return reply, nil
	case <-timer.C:
		cleanup()

		return protocol.Envelope{}, errors.Newf(errors.ErrCodeRequestTimeout, "control request to worker %s timed out", workerID)
	case <-ctx.Done():
		cleanup()

		return protocol.Envelope{}, errors.Wrap(errors.ErrCodeRequestTimeout, "control request cancelled", ctx.Err())
	}
}

// Status returns the funnel channel carrying worker status and heartbeats.
// Ordering is FIFO per worker; no ordering is guaranteed across workers.
func (s *Server) Status() <-chan protocol.Envelope {
	return s.status
}

// WaitForWorker blocks until the worker's control channel is connected.
func (s *Server) WaitForWorker(ctx context.Context, workerID string) error {
	s.mu.Lock()
	if _, ok := s.control[workerID]; ok {
		s.mu.Unlock()

		return nil
	}

	ready := make(chan struct{})
	s.waiters[workerID] = append(s.waiters[workerID], ready)
	s.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return errors.Wrapf(errors.ErrCodeNotConnected, ctx.Err(), "worker %s never connected", workerID)
	}
}

// IsConnected reports whether the worker currently has a control channel.
func (s *Server) IsConnected(workerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.control[workerID]

	return ok
}

// DisconnectWorker closes all channel sockets of one worker.
func (s *Server) DisconnectWorker(workerID string) {
	s.mu.Lock()
	bc := s.broadcast[workerID]
	cc := s.control[workerID]
	delete(s.broadcast, workerID)
	delete(s.control, workerID)
	s.mu.Unlock()

	if bc != nil {
		bc.close()
	}

	if cc != nil {
		cc.close()
	}
}

// Close shuts the server and all worker sockets down.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()

		return nil
	}

	s.closed = true
	conns := make([]*wsConn, 0, len(s.broadcast)+len(s.control))

	for _, wc := range s.broadcast {
		conns = append(conns, wc)
	}

	for _, wc := range s.control {
		conns = append(conns, wc)
	}

	s.broadcast = make(map[string]*wsConn)
	s.control = make(map[string]*wsConn)
	s.mu.Unlock()

	for _, wc := range conns {
		wc.close()
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		return s.httpServer.Shutdown(ctx)
	}

	return nil
}
