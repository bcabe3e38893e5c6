// Package transport delivers protocol messages over persistent websocket
// connections. A Server accepts many connections; a Client maintains one and
// redials it when it drops.
//
// Each connection owns a FIFO outbound queue drained by a single writer
// goroutine, and a reader goroutine that decodes envelopes and reassembles
// out-of-band binary payloads. Handler callbacks run on the reader goroutine
// and must not block.
package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dreamware/forge/internal/protocol"
)

var (
	// ErrClosed is returned when sending on a closed connection.
	ErrClosed = errors.New("connection closed")

	// ErrQueueFull is returned when a connection's outbound queue is at capacity.
	ErrQueueFull = errors.New("outbound queue full")

	// ErrMessageTooLarge is reported when an inbound frame exceeds the
	// configured maximum. The frame is discarded; the connection stays open.
	ErrMessageTooLarge = errors.New("message exceeds maximum size")

	// ErrUnexpectedFrame is reported when a binary frame arrives without an
	// envelope announcing it, or an envelope's binary payload never arrives.
	ErrUnexpectedFrame = errors.New("unexpected frame")
)

// Handler receives connection events. The same interface serves the server
// (many connections) and the client (one connection).
type Handler interface {
	OnConnect(c *Conn)
	OnMessage(c *Conn, msg *protocol.Message)
	OnDisconnect(c *Conn, err error)
	// OnError reports per-message protocol errors and client reconnect
	// failures. c is nil when no connection is established.
	OnError(c *Conn, err error)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are ignored.
type HandlerFuncs struct {
	Connect    func(c *Conn)
	Message    func(c *Conn, msg *protocol.Message)
	Disconnect func(c *Conn, err error)
	Error      func(c *Conn, err error)
}

func (h HandlerFuncs) OnConnect(c *Conn) {
	if h.Connect != nil {
		h.Connect(c)
	}
}

func (h HandlerFuncs) OnMessage(c *Conn, msg *protocol.Message) {
	if h.Message != nil {
		h.Message(c, msg)
	}
}

func (h HandlerFuncs) OnDisconnect(c *Conn, err error) {
	if h.Disconnect != nil {
		h.Disconnect(c, err)
	}
}

func (h HandlerFuncs) OnError(c *Conn, err error) {
	if h.Error != nil {
		h.Error(c, err)
	}
}

// connOptions are the per-connection settings shared by server and client.
type connOptions struct {
	maxMessageSize int64
	sendQueueSize  int
	writeTimeout   time.Duration
	idleTimeout    time.Duration
	pingInterval   time.Duration
}

type outbound struct {
	frame  []byte
	binary []byte
}

// Conn is one websocket connection carrying protocol messages.
type Conn struct {
	id     string
	remote string
	ws     *websocket.Conn
	opts   connOptions
	logger *zap.Logger

	mu     sync.Mutex
	queue  []outbound
	closed bool

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	sent     atomic.Uint64
	received atomic.Uint64
}

func newConn(ws *websocket.Conn, opts connOptions, logger *zap.Logger) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:     id,
		remote: ws.RemoteAddr().String(),
		ws:     ws,
		opts:   opts,
		logger: logger.With(zap.String("conn", id)),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// ID returns the connection's unique identifier.
func (c *Conn) ID() string { return c.id }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string { return c.remote }

// Stats returns the number of messages sent and received.
func (c *Conn) Stats() (sent, received uint64) {
	return c.sent.Load(), c.received.Load()
}

// Send serializes msg and appends it to the outbound queue. It never blocks on
// the network; the writer goroutine delivers queued messages in FIFO order.
func (c *Conn) Send(msg *protocol.Message) error {
	frame, err := protocol.Serialize(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.opts.sendQueueSize > 0 && len(c.queue) >= c.opts.sendQueueSize {
		c.mu.Unlock()
		return ErrQueueFull
	}
	c.queue = append(c.queue, outbound{frame: frame, binary: msg.Binary})
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// QueueLen returns the number of messages waiting to be written.
func (c *Conn) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// close shuts the connection down once. Only the transport that owns the
// connection calls it.
func (c *Conn) close(reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.closeErr = reason
		c.queue = nil
		c.mu.Unlock()
		close(c.done)

		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = c.ws.Close()
	})
}

func (c *Conn) pop() (outbound, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return outbound{}, false
	}
	next := c.queue[0]
	c.queue[0] = outbound{}
	c.queue = c.queue[1:]
	return next, true
}

// writeLoop is the connection's only writer. It drains the queue one message
// at a time and sends keepalive pings.
func (c *Conn) writeLoop() {
	var ping <-chan time.Time
	if c.opts.pingInterval > 0 {
		ticker := time.NewTicker(c.opts.pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-c.done:
			return
		case <-ping:
			c.setWriteDeadline()
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close(fmt.Errorf("ping: %w", err))
				return
			}
		case <-c.notify:
			for {
				next, ok := c.pop()
				if !ok {
					break
				}
				if err := c.write(next); err != nil {
					c.close(fmt.Errorf("write: %w", err))
					return
				}
			}
		}
	}
}

func (c *Conn) write(o outbound) error {
	c.setWriteDeadline()
	if err := c.ws.WriteMessage(websocket.TextMessage, o.frame); err != nil {
		return err
	}
	if len(o.binary) > 0 {
		c.setWriteDeadline()
		if err := c.ws.WriteMessage(websocket.BinaryMessage, o.binary); err != nil {
			return err
		}
	}
	c.sent.Add(1)
	return nil
}

func (c *Conn) setWriteDeadline() {
	if c.opts.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
	}
}

func (c *Conn) extendReadDeadline() {
	if c.opts.idleTimeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.idleTimeout))
	}
}

// readLoop decodes inbound frames until the connection fails. Protocol errors
// are reported through h.OnError and never end the loop.
func (c *Conn) readLoop(h Handler) error {
	c.ws.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})

	var (
		pending     *protocol.Message
		pendingSize int
	)

	for {
		c.extendReadDeadline()
		kind, r, err := c.ws.NextReader()
		if err != nil {
			return err
		}

		data, tooLarge, err := c.readFrame(r)
		if err != nil {
			return err
		}
		if tooLarge {
			if kind == websocket.BinaryMessage && pending != nil {
				pending = nil
			}
			h.OnError(c, fmt.Errorf("%w: limit %d bytes", ErrMessageTooLarge, c.opts.maxMessageSize))
			continue
		}

		switch kind {
		case websocket.BinaryMessage:
			if pending == nil {
				h.OnError(c, fmt.Errorf("%w: binary frame without envelope", ErrUnexpectedFrame))
				continue
			}
			if len(data) != pendingSize {
				h.OnError(c, fmt.Errorf("%w: binary payload of %s is %d bytes, announced %d",
					ErrUnexpectedFrame, pending.Type, len(data), pendingSize))
				pending = nil
				continue
			}
			pending.Binary = data
			msg := pending
			pending = nil
			c.received.Add(1)
			h.OnMessage(c, msg)

		case websocket.TextMessage:
			if pending != nil {
				h.OnError(c, fmt.Errorf("%w: binary payload of %s never arrived", ErrUnexpectedFrame, pending.Type))
				pending = nil
			}
			msg, size, err := protocol.DecodeEnvelope(data)
			if err != nil {
				h.OnError(c, err)
				continue
			}
			if size > 0 {
				pending, pendingSize = msg, size
				continue
			}
			c.received.Add(1)
			h.OnMessage(c, msg)
		}
	}
}

// readFrame reads one frame, discarding it when it exceeds the maximum size.
func (c *Conn) readFrame(r io.Reader) ([]byte, bool, error) {
	if c.opts.maxMessageSize <= 0 {
		data, err := io.ReadAll(r)
		return data, false, err
	}
	data, err := io.ReadAll(io.LimitReader(r, c.opts.maxMessageSize+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > c.opts.maxMessageSize {
		if _, err := io.Copy(io.Discard, r); err != nil {
			return nil, false, err
		}
		return nil, true, nil
	}
	return data, false, nil
}
