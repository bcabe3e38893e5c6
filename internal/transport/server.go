package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dreamware/forge/internal/protocol"
)

var (
	// ErrUnknownConnection is returned for operations on a connection id the
	// server does not hold.
	ErrUnknownConnection = errors.New("unknown connection")

	// ErrServerStopped is returned when starting a stopped server.
	ErrServerStopped = errors.New("server stopped")
)

// ServerConfig configures a Server.
type ServerConfig struct {
	// MaxConnections caps concurrent connections; 0 means unlimited.
	MaxConnections int
	// MaxMessageSize caps one inbound frame; 0 means unlimited.
	MaxMessageSize int64
	// SendQueueSize caps each connection's outbound queue; 0 means unlimited.
	SendQueueSize int
	WriteTimeout  time.Duration
	// IdleTimeout closes connections that send nothing (not even a pong) for
	// this long; 0 disables it.
	IdleTimeout  time.Duration
	PingInterval time.Duration
	// TLS enables wss:// when non-nil.
	TLS *tls.Config
}

// DefaultServerConfig returns the settings used when none are given.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxConnections: 256,
		MaxMessageSize: 16 << 20,
		SendQueueSize:  1024,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    90 * time.Second,
		PingInterval:   30 * time.Second,
	}
}

func (c ServerConfig) connOptions() connOptions {
	return connOptions{
		maxMessageSize: c.MaxMessageSize,
		sendQueueSize:  c.SendQueueSize,
		writeTimeout:   c.WriteTimeout,
		idleTimeout:    c.IdleTimeout,
		pingInterval:   c.PingInterval,
	}
}

// Server accepts websocket connections and dispatches their messages to a
// Handler. It implements http.Handler so it can be mounted on any mux or
// served by httptest.
type Server struct {
	cfg      ServerConfig
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	handler  Handler
	conns    map[string]*Conn
	reserved int
	stopped  bool

	httpSrv  *http.Server
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer creates a server. Call Start to listen, or mount it as an
// http.Handler.
func NewServer(cfg ServerConfig, handler Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		handler = HandlerFuncs{}
	}
	return &Server{
		cfg:     cfg,
		logger:  logger.Named("transport"),
		handler: handler,
		conns:   make(map[string]*Conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// SetHandler replaces the event handler for connections accepted afterwards.
func (s *Server) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// Start listens on addr and serves connections in the background.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrServerStopped
	}
	s.mu.Unlock()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	if s.cfg.TLS != nil {
		ln = tls.NewListener(ln, s.cfg.TLS)
	}

	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.mu.Lock()
	s.listener = ln
	s.httpSrv = srv
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("transport listening", zap.String("addr", ln.Addr().String()), zap.Bool("tls", s.cfg.TLS != nil))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("transport serve failed", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// ServeHTTP upgrades the request to a websocket and serves it until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		http.Error(w, "server stopped", http.StatusServiceUnavailable)
		return
	}
	if s.cfg.MaxConnections > 0 && len(s.conns)+s.reserved >= s.cfg.MaxConnections {
		s.mu.Unlock()
		s.logger.Warn("connection rejected: limit reached", zap.Int("max", s.cfg.MaxConnections), zap.String("remote", r.RemoteAddr))
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	s.reserved++
	handler := s.handler
	s.mu.Unlock()

	ws, err := s.upgrader.Upgrade(w, r, nil)

	s.mu.Lock()
	s.reserved--
	if err != nil {
		s.mu.Unlock()
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	conn := newConn(ws, s.cfg.connOptions(), s.logger)
	s.conns[conn.id] = conn
	s.mu.Unlock()

	conn.logger.Debug("connection accepted", zap.String("remote", conn.remote))
	handler.OnConnect(conn)

	go conn.writeLoop()
	readErr := conn.readLoop(handler)
	conn.close(readErr)

	s.mu.Lock()
	delete(s.conns, conn.id)
	s.mu.Unlock()

	if isNormalClose(readErr) {
		readErr = nil
	}
	conn.logger.Debug("connection closed", zap.Error(readErr))
	handler.OnDisconnect(conn, readErr)
}

// Send queues msg on one connection.
func (s *Server) Send(connID string, msg *protocol.Message) error {
	conn, ok := s.Conn(connID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	return conn.Send(msg)
}

// Broadcast queues msg on every connection and returns how many accepted it.
func (s *Server) Broadcast(msg *protocol.Message) int {
	s.mu.RLock()
	targets := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	n := 0
	for _, c := range targets {
		if err := c.Send(msg); err != nil {
			c.logger.Debug("broadcast send failed", zap.Error(err))
			continue
		}
		n++
	}
	return n
}

// Conn returns a connection by id.
func (s *Server) Conn(connID string) (*Conn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[connID]
	return c, ok
}

// ConnectionCount returns the number of open connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Close force-closes one connection. The disconnect callback fires once its
// reader notices.
func (s *Server) Close(connID string) error {
	conn, ok := s.Conn(connID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	conn.close(nil)
	return nil
}

// Stop closes every connection and the listener.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	srv := s.httpSrv
	s.mu.Unlock()

	for _, c := range conns {
		c.close(nil)
	}

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	s.wg.Wait()
	s.logger.Info("transport stopped")
	return err
}

func isNormalClose(err error) bool {
	if err == nil {
		return true
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}
