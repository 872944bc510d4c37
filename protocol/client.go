// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/phuetz/agentmesh/config"
)

// NotificationHandler is invoked for server-pushed notifications.
type NotificationHandler func(method string, params json.RawMessage)

// authParams is the payload of the auth.authenticate handshake.
type authParams struct {
	AgentID string `json:"agentId"`
	APIKey  string `json:"apiKey"`
}

// Client is a JSON-RPC 2.0 websocket client with a bounded connection pool.
type Client struct {
	cfg     config.ProtocolConfig
	url     string
	agentID string
	logger  *slog.Logger

	pool    *connPool
	pending *pendingStore

	onNotification NotificationHandler
	notifyMu       sync.RWMutex

	dialer *websocket.Dialer

	closed atomic.Bool
}

// clientConn is a single pooled websocket connection.
type clientConn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	connected atomic.Bool

	// reconnect attempts consumed by this logical connection slot
	attempts int
}

func (c *clientConn) isConnected() bool {
	return c.connected.Load()
}

// writeEnvelope serializes writes; gorilla connections allow one writer.
func (c *clientConn) writeEnvelope(env *Envelope, timeout time.Duration) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(timeout))
		defer c.ws.SetWriteDeadline(time.Time{})
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// NewClient creates a client for the given server URL. Connections are
// dialed lazily on first use.
func NewClient(cfg config.ProtocolConfig, url, agentID string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		url:     url,
		agentID: agentID,
		logger:  logger,
		pool:    newConnPool(cfg.PoolSize),
		pending: newPendingStore(),
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// OnNotification registers the handler for server-pushed notifications.
func (c *Client) OnNotification(h NotificationHandler) {
	c.notifyMu.Lock()
	c.onNotification = h
	c.notifyMu.Unlock()
}

// Connected reports whether at least one pooled connection is live.
func (c *Client) Connected() bool {
	for _, conn := range c.pool.all() {
		if conn.isConnected() {
			return true
		}
	}
	return false
}

// Request sends a request envelope and waits for the matching response or
// the request timeout, whichever comes first.
func (c *Client) Request(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}

	conn, err := c.getConn(ctx)
	if err != nil {
		return nil, err
	}

	id := c.pending.nextRequestID()
	env, err := NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	req := c.pending.add(id, c.cfg.RequestTimeout)

	if err := conn.writeEnvelope(env, c.cfg.WriteTimeout); err != nil {
		c.pending.complete(id, nil, err)
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	return req.wait()
}

// Notify sends a notification envelope; no reply is expected.
func (c *Client) Notify(ctx context.Context, method string, params interface{}) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	conn, err := c.getConn(ctx)
	if err != nil {
		return err
	}

	env, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	return conn.writeEnvelope(env, c.cfg.WriteTimeout)
}

// getConn returns a live connection: first connected pooled entry, else a
// fresh dial if the pool has room, else the pool evicts its LRU entry and
// the fresh connection takes its place.
func (c *Client) getConn(ctx context.Context) (*clientConn, error) {
	if conn := c.pool.acquire(); conn != nil {
		return conn, nil
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	if evicted := c.pool.put(conn); evicted != nil {
		evicted.connected.Store(false)
		evicted.ws.Close()
		c.logger.Debug("connection_evicted", slog.String("url", c.url))
	}
	return conn, nil
}

// dial opens a websocket connection, runs the authenticate handshake and
// starts its read loop.
func (c *Client) dial(ctx context.Context) (*clientConn, error) {
	ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	conn := &clientConn{ws: ws}
	conn.connected.Store(true)

	go c.readLoop(conn)

	if err := c.authenticate(conn); err != nil {
		conn.connected.Store(false)
		ws.Close()
		return nil, err
	}

	c.logger.Debug("connection_established",
		slog.String("url", c.url),
		slog.String("agent_id", c.agentID))
	return conn, nil
}

// authenticate runs the auth.authenticate handshake on a specific
// connection.
func (c *Client) authenticate(conn *clientConn) error {
	id := c.pending.nextRequestID()
	env, err := NewRequest(id, "auth.authenticate", authParams{
		AgentID: c.agentID,
		APIKey:  c.cfg.SharedSecret,
	})
	if err != nil {
		return err
	}

	req := c.pending.add(id, c.cfg.RequestTimeout)

	if err := conn.writeEnvelope(env, c.cfg.WriteTimeout); err != nil {
		c.pending.complete(id, nil, err)
		return fmt.Errorf("failed to send auth request: %w", err)
	}

	if _, err := req.wait(); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	return nil
}

// readLoop consumes envelopes from one connection until it closes.
func (c *Client) readLoop(conn *clientConn) {
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("malformed_envelope_received", slog.String("error", err.Error()))
			continue
		}

		switch {
		case env.IsResponse():
			var rpcErr error
			if env.Error != nil {
				rpcErr = env.Error
			}
			if !c.pending.complete(*env.ID, env.Result, rpcErr) {
				c.logger.Debug("unmatched_response_dropped", slog.Uint64("id", *env.ID))
			}

		case env.IsNotification():
			c.notifyMu.RLock()
			h := c.onNotification
			c.notifyMu.RUnlock()
			if h != nil {
				h(env.Method, env.Params)
			}
		}
	}
}

// handleDisconnect drops the connection from the pool and schedules a
// reconnect when the policy allows. Requests pending on the lost connection
// are left to hit their own timeouts.
func (c *Client) handleDisconnect(conn *clientConn) {
	if !conn.connected.CompareAndSwap(true, false) {
		return
	}
	conn.ws.Close()
	c.pool.remove(conn)

	c.logger.Warn("connection_lost",
		slog.String("url", c.url),
		slog.Int("pool_size", c.pool.len()))

	if c.closed.Load() || !c.cfg.ReconnectEnabled {
		return
	}
	c.scheduleReconnect(conn.attempts + 1)
}

// scheduleReconnect retries the dial after reconnectDelay * 2^(attempt-1).
func (c *Client) scheduleReconnect(attempt int) {
	if c.cfg.MaxReconnectAttempts > 0 && attempt > c.cfg.MaxReconnectAttempts {
		c.logger.Error("reconnect_attempts_exhausted",
			slog.String("url", c.url),
			slog.Int("attempts", attempt-1))
		return
	}

	delay := c.cfg.ReconnectDelay * time.Duration(1<<(attempt-1))

	c.logger.Info("reconnect_scheduled",
		slog.String("url", c.url),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay))

	time.AfterFunc(delay, func() {
		if c.closed.Load() {
			return
		}

		conn, err := c.dial(context.Background())
		if err != nil {
			c.scheduleReconnect(attempt + 1)
			return
		}
		conn.attempts = 0

		if evicted := c.pool.put(conn); evicted != nil {
			evicted.connected.Store(false)
			evicted.ws.Close()
		}

		c.logger.Info("reconnected",
			slog.String("url", c.url),
			slog.Int("attempts", attempt))
	})
}

// Close shuts down every pooled connection.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	for _, conn := range c.pool.all() {
		conn.connected.Store(false)
		conn.ws.Close()
		c.pool.remove(conn)
	}

	c.logger.Info("client_closed", slog.String("url", c.url))
	return nil
}

// PendingRequests returns the number of in-flight requests.
func (c *Client) PendingRequests() int {
	return c.pending.count()
}
