package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dreamware/forge/internal/protocol"
)

var (
	// ErrNotConnected is returned when sending while the client has no
	// connection.
	ErrNotConnected = errors.New("not connected")

	// ErrReconnectExhausted is reported through OnError when the client gives
	// up redialing. The client is stopped permanently afterwards.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// URL is the coordinator endpoint, ws://host:port or wss://host:port.
	URL string

	AutoReconnect        bool
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int

	DialTimeout    time.Duration
	MaxMessageSize int64
	SendQueueSize  int
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	PingInterval   time.Duration

	TLS    *tls.Config
	Header http.Header
}

// DefaultClientConfig returns a config for url with reconnection enabled.
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:                  url,
		AutoReconnect:        true,
		ReconnectDelay:       2 * time.Second,
		MaxReconnectAttempts: 10,
		DialTimeout:          10 * time.Second,
		MaxMessageSize:       16 << 20,
		SendQueueSize:        1024,
		WriteTimeout:         10 * time.Second,
		IdleTimeout:          90 * time.Second,
		PingInterval:         30 * time.Second,
	}
}

func (c ClientConfig) connOptions() connOptions {
	return connOptions{
		maxMessageSize: c.MaxMessageSize,
		sendQueueSize:  c.SendQueueSize,
		writeTimeout:   c.WriteTimeout,
		idleTimeout:    c.IdleTimeout,
		pingInterval:   c.PingInterval,
	}
}

// Client maintains one outbound connection. When AutoReconnect is set, a
// dropped connection is redialed after ReconnectDelay, up to
// MaxReconnectAttempts consecutive failures.
//
// Reconnecting does not resend messages that were queued on the lost
// connection.
type Client struct {
	cfg     ClientConfig
	handler Handler
	logger  *zap.Logger
	dialer  *websocket.Dialer

	mu      sync.RWMutex
	conn    *Conn
	stopped bool
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewClient creates a client; call Connect to dial.
func NewClient(cfg ClientConfig, handler Handler, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		handler = HandlerFuncs{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:     cfg,
		handler: handler,
		logger:  logger.Named("transport-client"),
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.DialTimeout,
			TLSClientConfig:  cfg.TLS,
			ReadBufferSize:   32 << 10,
			WriteBufferSize:  32 << 10,
		},
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Connect dials the server once. On success the client serves the connection
// in the background and, if configured, keeps it alive across drops.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return errors.New("client already connected")
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(conn)
	return nil
}

func (c *Client) dial(ctx context.Context) (*Conn, error) {
	if c.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancel()
	}
	ws, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", c.cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	conn := newConn(ws, c.cfg.connOptions(), c.logger)

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		conn.close(ErrClosed)
		return nil, ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	c.logger.Info("connected", zap.String("url", c.cfg.URL))
	return conn, nil
}

func (c *Client) run(conn *Conn) {
	defer c.wg.Done()
	defer close(c.done)

	for conn != nil {
		c.handler.OnConnect(conn)
		go conn.writeLoop()
		err := conn.readLoop(c.handler)
		conn.close(err)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		stopped := c.stopped
		c.mu.Unlock()

		if isNormalClose(err) {
			err = nil
		}
		c.handler.OnDisconnect(conn, err)

		if stopped {
			return
		}
		if !c.cfg.AutoReconnect {
			c.logger.Info("connection lost; reconnect disabled", zap.Error(err))
			c.markStopped()
			return
		}
		conn = c.reconnect()
	}
}

// reconnect redials until it succeeds, the client is closed, or the attempt
// budget is spent. It returns nil when giving up.
func (c *Client) reconnect() *Conn {
	for attempt := 1; c.cfg.MaxReconnectAttempts <= 0 || attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		select {
		case <-c.ctx.Done():
			return nil
		case <-time.After(c.cfg.ReconnectDelay):
		}

		conn, err := c.dial(c.ctx)
		if err == nil {
			c.logger.Info("reconnected", zap.Int("attempt", attempt))
			return conn
		}
		if errors.Is(err, ErrClosed) || c.ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("reconnect failed", zap.Int("attempt", attempt), zap.Int("max", c.cfg.MaxReconnectAttempts), zap.Error(err))
	}

	c.logger.Error("giving up reconnecting", zap.Int("attempts", c.cfg.MaxReconnectAttempts))
	c.markStopped()
	c.handler.OnError(nil, ErrReconnectExhausted)
	return nil
}

func (c *Client) markStopped() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	c.cancel()
}

// Send queues msg on the current connection.
func (c *Client) Send(msg *protocol.Message) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(msg)
}

// Connected reports whether a connection is currently established.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Stopped reports whether the client has stopped permanently.
func (c *Client) Stopped() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stopped
}

// Done is closed when the client's background loop exits.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close stops the client and closes its connection.
func (c *Client) Close() error {
	c.mu.Lock()
	c.stopped = true
	conn := c.conn
	started := c.started
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		conn.close(nil)
	}
	if started {
		c.wg.Wait()
	}
	return nil
}
