// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/phuetz/agentmesh/config"
	"github.com/phuetz/agentmesh/ratelimit"
)

// HandlerFunc serves a single RPC method. agentID is empty until the
// connection has authenticated.
type HandlerFunc func(ctx context.Context, agentID string, params json.RawMessage) (interface{}, error)

// Authenticator decides whether an agent's credentials are accepted.
type Authenticator func(agentID, apiKey string) bool

// ConnectionObserver is invoked with true when a connection is accepted and
// false when it closes.
type ConnectionObserver func(connected bool)

// Server accepts websocket connections and dispatches JSON-RPC requests to
// registered method handlers.
type Server struct {
	cfg     config.ProtocolConfig
	logger  *slog.Logger
	limiter *ratelimit.Manager

	handlers   map[string]HandlerFunc
	handlersMu sync.RWMutex

	auth Authenticator

	conns   map[*serverConn]struct{}
	byAgent map[string]*serverConn
	connsMu sync.RWMutex

	connObservers   []ConnectionObserver
	connObserversMu sync.RWMutex

	server   *http.Server
	upgrader websocket.Upgrader
}

// serverConn tracks per-connection state on the server side.
type serverConn struct {
	ws         *websocket.Conn
	remoteAddr string
	writeMu    sync.Mutex

	mu            sync.RWMutex
	authenticated bool
	agentID       string
}

func (c *serverConn) identity() (bool, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated, c.agentID
}

func (c *serverConn) bind(agentID string) {
	c.mu.Lock()
	c.authenticated = true
	c.agentID = agentID
	c.mu.Unlock()
}

func (c *serverConn) write(env *Envelope, timeout time.Duration) error {
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

// NewServer creates an RPC server. The authenticator backs the
// auth.authenticate handshake; a nil authenticator accepts any credentials.
func NewServer(cfg config.ProtocolConfig, auth Authenticator, limiter *ratelimit.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/rpc"
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		limiter:  limiter,
		handlers: make(map[string]HandlerFunc),
		auth:     auth,
		conns:    make(map[*serverConn]struct{}),
		byAgent:  make(map[string]*serverConn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleWebSocket)

	s.server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	return s
}

// OnConnection registers an observer notified on connection accept and
// close.
func (s *Server) OnConnection(obs ConnectionObserver) {
	s.connObserversMu.Lock()
	s.connObservers = append(s.connObservers, obs)
	s.connObserversMu.Unlock()
}

func (s *Server) notifyConnection(connected bool) {
	s.connObserversMu.RLock()
	observers := make([]ConnectionObserver, len(s.connObservers))
	copy(observers, s.connObservers)
	s.connObserversMu.RUnlock()

	for _, obs := range observers {
		obs(connected)
	}
}

// RegisterHandler binds a method name to a handler.
func (s *Server) RegisterHandler(method string, h HandlerFunc) error {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()

	if _, ok := s.handlers[method]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerExists, method)
	}
	s.handlers[method] = h
	return nil
}

// Listen serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("rpc_server_starting",
		slog.String("addr", s.cfg.ListenAddr),
		slog.String("path", s.cfg.Path))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("rpc_server_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("rpc_server_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("rpc_server_stopped")
		return nil
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil {
		addr := remoteAddr(r)
		if !s.limiter.AllowConnection(addr) {
			s.logger.Warn("connection_rate_limited", slog.String("remote_addr", r.RemoteAddr))
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket_upgrade_failed", slog.String("error", err.Error()))
		return
	}

	conn := &serverConn{ws: ws, remoteAddr: r.RemoteAddr}

	s.connsMu.Lock()
	s.conns[conn] = struct{}{}
	s.connsMu.Unlock()

	s.notifyConnection(true)
	s.logger.Debug("connection_accepted", slog.String("remote_addr", r.RemoteAddr))
	go s.readLoop(conn)
}

func (s *Server) readLoop(conn *serverConn) {
	defer s.dropConn(conn)

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.replyError(conn, 0, NewRPCError(CodeParseError, "parse error"))
			continue
		}
		if err := env.Validate(); err != nil {
			id := uint64(0)
			if env.ID != nil {
				id = *env.ID
			}
			s.replyError(conn, id, NewRPCError(CodeInvalidRequest, err.Error()))
			continue
		}

		switch {
		case env.IsRequest():
			s.handleRequest(conn, &env)
		case env.IsNotification():
			s.handleNotification(conn, &env)
		}
	}
}

func (s *Server) handleRequest(conn *serverConn, env *Envelope) {
	id := *env.ID

	if env.Method == "auth.authenticate" {
		s.handleAuth(conn, id, env.Params)
		return
	}

	authenticated, agentID := conn.identity()
	if !authenticated {
		s.replyError(conn, id, NewRPCError(CodeAuthFailed, "authentication required"))
		return
	}

	if s.limiter != nil && !s.limiter.AllowRequest(agentID) {
		s.replyError(conn, id, NewRPCError(CodeRateLimit, "rate limit exceeded"))
		return
	}

	s.handlersMu.RLock()
	h, ok := s.handlers[env.Method]
	s.handlersMu.RUnlock()
	if !ok {
		s.replyError(conn, id, NewRPCError(CodeMethodNotFound, fmt.Sprintf("method not found: %s", env.Method)))
		return
	}

	result, err := h(context.Background(), agentID, env.Params)
	if err != nil {
		if rpcErr, ok := err.(*RPCError); ok {
			s.replyError(conn, id, rpcErr)
		} else {
			s.replyError(conn, id, NewRPCError(CodeInternalError, err.Error()))
		}
		return
	}

	resp, err := NewResponse(id, result)
	if err != nil {
		s.replyError(conn, id, NewRPCError(CodeInternalError, err.Error()))
		return
	}
	if err := conn.write(resp, s.cfg.WriteTimeout); err != nil {
		s.logger.Warn("response_write_failed",
			slog.String("agent_id", agentID),
			slog.String("error", err.Error()))
	}
}

func (s *Server) handleNotification(conn *serverConn, env *Envelope) {
	authenticated, agentID := conn.identity()
	if !authenticated {
		return
	}
	if s.limiter != nil && !s.limiter.AllowRequest(agentID) {
		return
	}

	s.handlersMu.RLock()
	h, ok := s.handlers[env.Method]
	s.handlersMu.RUnlock()
	if !ok {
		return
	}

	if _, err := h(context.Background(), agentID, env.Params); err != nil {
		s.logger.Debug("notification_handler_error",
			slog.String("method", env.Method),
			slog.String("error", err.Error()))
	}
}

func (s *Server) handleAuth(conn *serverConn, id uint64, params json.RawMessage) {
	var creds authParams
	if err := json.Unmarshal(params, &creds); err != nil {
		s.replyError(conn, id, NewRPCError(CodeInvalidParams, "invalid auth params"))
		return
	}

	if creds.AgentID == "" || (s.auth != nil && !s.auth(creds.AgentID, creds.APIKey)) {
		s.logger.Warn("authentication_rejected",
			slog.String("agent_id", creds.AgentID),
			slog.String("remote_addr", conn.remoteAddr))
		s.replyError(conn, id, NewRPCError(CodeAuthFailed, "authentication failed"))
		return
	}

	conn.bind(creds.AgentID)

	s.connsMu.Lock()
	s.byAgent[creds.AgentID] = conn
	s.connsMu.Unlock()

	s.logger.Info("agent_authenticated",
		slog.String("agent_id", creds.AgentID),
		slog.String("remote_addr", conn.remoteAddr))

	resp, _ := NewResponse(id, map[string]bool{"authenticated": true})
	if err := conn.write(resp, s.cfg.WriteTimeout); err != nil {
		s.logger.Warn("auth_response_write_failed", slog.String("error", err.Error()))
	}
}

func (s *Server) replyError(conn *serverConn, id uint64, rpcErr *RPCError) {
	env := NewErrorResponse(id, rpcErr)
	if err := conn.write(env, s.cfg.WriteTimeout); err != nil {
		s.logger.Debug("error_response_write_failed", slog.String("error", err.Error()))
	}
}

func (s *Server) dropConn(conn *serverConn) {
	conn.ws.Close()

	_, agentID := conn.identity()

	s.connsMu.Lock()
	delete(s.conns, conn)
	if agentID != "" && s.byAgent[agentID] == conn {
		delete(s.byAgent, agentID)
	}
	s.connsMu.Unlock()

	if agentID != "" && s.limiter != nil {
		s.limiter.OnAgentDisconnect(agentID)
	}

	s.notifyConnection(false)
	s.logger.Debug("connection_closed",
		slog.String("remote_addr", conn.remoteAddr),
		slog.String("agent_id", agentID))
}

// Broadcast sends a notification to every authenticated connection and
// returns the number of connections reached.
func (s *Server) Broadcast(method string, params interface{}) (int, error) {
	env, err := NewNotification(method, params)
	if err != nil {
		return 0, err
	}

	s.connsMu.RLock()
	conns := make([]*serverConn, 0, len(s.conns))
	for conn := range s.conns {
		if authed, _ := conn.identity(); authed {
			conns = append(conns, conn)
		}
	}
	s.connsMu.RUnlock()

	sent := 0
	for _, conn := range conns {
		if err := conn.write(env, s.cfg.WriteTimeout); err == nil {
			sent++
		}
	}
	return sent, nil
}

// SendToAgent sends a notification to one authenticated agent.
func (s *Server) SendToAgent(agentID, method string, params interface{}) error {
	s.connsMu.RLock()
	conn, ok := s.byAgent[agentID]
	s.connsMu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotConnected, agentID)
	}

	env, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	return conn.write(env, s.cfg.WriteTimeout)
}

// ConnectedAgents returns the IDs of all authenticated agents.
func (s *Server) ConnectedAgents() []string {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()

	out := make([]string, 0, len(s.byAgent))
	for id := range s.byAgent {
		out = append(out, id)
	}
	return out
}

func remoteAddr(r *http.Request) net.Addr {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}
	return &net.TCPAddr{IP: ip}
}
