package transport

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/forge/internal/protocol"
)

// recorder is a Handler that records everything it sees.
type recorder struct {
	mu           sync.Mutex
	connected    []*Conn
	messages     []*protocol.Message
	errors       []error
	disconnected int
	gotMessage   chan struct{}
	gotError     chan struct{}
	gotConnect   chan struct{}
	gotDrop      chan struct{}
}

func newRecorder() *recorder {
	return &recorder{
		gotMessage: make(chan struct{}, 1024),
		gotError:   make(chan struct{}, 1024),
		gotConnect: make(chan struct{}, 64),
		gotDrop:    make(chan struct{}, 64),
	}
}

func (r *recorder) OnConnect(c *Conn) {
	r.mu.Lock()
	r.connected = append(r.connected, c)
	r.mu.Unlock()
	r.gotConnect <- struct{}{}
}

func (r *recorder) OnMessage(_ *Conn, msg *protocol.Message) {
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()
	r.gotMessage <- struct{}{}
}

func (r *recorder) OnDisconnect(*Conn, error) {
	r.mu.Lock()
	r.disconnected++
	r.mu.Unlock()
	r.gotDrop <- struct{}{}
}

func (r *recorder) OnError(_ *Conn, err error) {
	r.mu.Lock()
	r.errors = append(r.errors, err)
	r.mu.Unlock()
	r.gotError <- struct{}{}
}

func (r *recorder) snapshot() []*protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*protocol.Message(nil), r.messages...)
}

func wait(t *testing.T, ch <-chan struct{}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for event %d of %d", i+1, n)
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startServer(t *testing.T, cfg ServerConfig, h Handler) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(cfg, h, zaptest.NewLogger(t))
	hs := httptest.NewServer(s)
	t.Cleanup(func() {
		_ = s.Stop(context.Background())
		hs.Close()
	})
	return s, hs
}

func testClientConfig(url string) ClientConfig {
	cfg := DefaultClientConfig(url)
	cfg.AutoReconnect = false
	cfg.DialTimeout = 2 * time.Second
	return cfg
}

func mustMessage(t *testing.T, typ protocol.MessageType, payload any) *protocol.Message {
	t.Helper()
	msg, err := protocol.NewMessage(typ, "test", payload)
	require.NoError(t, err)
	return msg
}

// TestMessagesArriveInOrder verifies FIFO delivery from client to server.
func TestMessagesArriveInOrder(t *testing.T) {
	rec := newRecorder()
	_, hs := startServer(t, DefaultServerConfig(), rec)

	client := NewClient(testClientConfig(wsURL(hs)), nil, zaptest.NewLogger(t))
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, client.Send(mustMessage(t, protocol.MsgJobProgress, protocol.JobProgress{JobID: fmt.Sprint(i), Percent: float64(i)})))
	}
	wait(t, rec.gotMessage, n)

	msgs := rec.snapshot()
	require.Len(t, msgs, n)
	for i, msg := range msgs {
		var p protocol.JobProgress
		require.NoError(t, msg.Decode(&p))
		assert.Equal(t, fmt.Sprint(i), p.JobID)
		assert.Equal(t, float64(i), p.Percent)
	}
}

// TestBinaryPayloadReassembly verifies that an envelope and its binary frame
// are delivered as one message.
func TestBinaryPayloadReassembly(t *testing.T) {
	rec := newRecorder()
	_, hs := startServer(t, DefaultServerConfig(), rec)

	client := NewClient(testClientConfig(wsURL(hs)), nil, zaptest.NewLogger(t))
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	msg := mustMessage(t, protocol.MsgFileChunk, protocol.FileChunk{TransferID: "t1", Offset: 0})
	msg.Binary = []byte("object file bytes")
	require.NoError(t, client.Send(msg))
	wait(t, rec.gotMessage, 1)

	got := rec.snapshot()[0]
	assert.Equal(t, protocol.MsgFileChunk, got.Type)
	assert.Equal(t, []byte("object file bytes"), got.Binary)
}

// TestOversizeFrameKeepsConnection verifies that a too-large frame is reported
// and dropped without closing the connection.
func TestOversizeFrameKeepsConnection(t *testing.T) {
	rec := newRecorder()
	cfg := DefaultServerConfig()
	cfg.MaxMessageSize = 512
	_, hs := startServer(t, cfg, rec)

	client := NewClient(testClientConfig(wsURL(hs)), nil, zaptest.NewLogger(t))
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	big := mustMessage(t, protocol.MsgStatusUpdate, strings.Repeat("x", 4096))
	require.NoError(t, client.Send(big))
	wait(t, rec.gotError, 1)

	require.NoError(t, client.Send(mustMessage(t, protocol.MsgHeartbeat, protocol.Heartbeat{ActiveJobs: []string{"1"}})))
	wait(t, rec.gotMessage, 1)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.ErrorIs(t, rec.errors[0], ErrMessageTooLarge)
	assert.Equal(t, 0, rec.disconnected)
	assert.Equal(t, protocol.MsgHeartbeat, rec.messages[0].Type)
}

// TestMalformedFrameReported verifies that undecodable text frames surface as
// protocol errors.
func TestMalformedFrameReported(t *testing.T) {
	rec := newRecorder()
	_, hs := startServer(t, DefaultServerConfig(), rec)

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(hs), nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("garbage")))
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	wait(t, rec.gotError, 2)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.ErrorIs(t, rec.errors[0], protocol.ErrMalformedMessage)
	assert.ErrorIs(t, rec.errors[1], ErrUnexpectedFrame)
}

func TestServerMaxConnections(t *testing.T) {
	rec := newRecorder()
	cfg := DefaultServerConfig()
	cfg.MaxConnections = 1
	s, hs := startServer(t, cfg, rec)

	first := NewClient(testClientConfig(wsURL(hs)), nil, zaptest.NewLogger(t))
	require.NoError(t, first.Connect(context.Background()))
	defer first.Close()
	wait(t, rec.gotConnect, 1)

	second := NewClient(testClientConfig(wsURL(hs)), nil, zaptest.NewLogger(t))
	err := second.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Equal(t, 1, s.ConnectionCount())
}

// TestServerSendBroadcastClose exercises server-initiated traffic.
func TestServerSendBroadcastClose(t *testing.T) {
	serverRec := newRecorder()
	s, hs := startServer(t, DefaultServerConfig(), serverRec)

	var clients []*Client
	var recs []*recorder
	for i := 0; i < 2; i++ {
		rec := newRecorder()
		c := NewClient(testClientConfig(wsURL(hs)), rec, zaptest.NewLogger(t))
		require.NoError(t, c.Connect(context.Background()))
		defer c.Close()
		clients = append(clients, c)
		recs = append(recs, rec)
	}
	wait(t, serverRec.gotConnect, 2)

	assert.Equal(t, 2, s.Broadcast(mustMessage(t, protocol.MsgShutdown, protocol.Shutdown{Reason: "bye"})))
	for _, rec := range recs {
		wait(t, rec.gotMessage, 1)
		assert.Equal(t, protocol.MsgShutdown, rec.snapshot()[0].Type)
	}

	serverRec.mu.Lock()
	target := serverRec.connected[0]
	serverRec.mu.Unlock()

	require.NoError(t, s.Send(target.ID(), mustMessage(t, protocol.MsgHeartbeatAck, nil)))
	assert.ErrorIs(t, s.Send("missing", mustMessage(t, protocol.MsgHeartbeatAck, nil)), ErrUnknownConnection)

	require.NoError(t, s.Close(target.ID()))
	wait(t, serverRec.gotDrop, 1)
	assert.Eventually(t, func() bool { return s.ConnectionCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, target.Send(mustMessage(t, protocol.MsgHeartbeatAck, nil)), ErrClosed)
}

func TestSendQueueFull(t *testing.T) {
	rec := newRecorder()
	cfg := DefaultServerConfig()
	cfg.SendQueueSize = 2
	_, hs := startServer(t, cfg, rec)

	client := NewClient(testClientConfig(wsURL(hs)), nil, zaptest.NewLogger(t))
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()
	wait(t, rec.gotConnect, 1)

	rec.mu.Lock()
	conn := rec.connected[0]
	rec.mu.Unlock()

	// Fill the queue under the lock so the writer cannot drain it.
	conn.mu.Lock()
	conn.queue = append(conn.queue, outbound{frame: []byte("{}")}, outbound{frame: []byte("{}")})
	conn.mu.Unlock()

	assert.ErrorIs(t, conn.Send(mustMessage(t, protocol.MsgHeartbeatAck, nil)), ErrQueueFull)
}

// TestClientReconnects verifies that a client redials after the server drops it.
func TestClientReconnects(t *testing.T) {
	serverRec := newRecorder()
	s, hs := startServer(t, DefaultServerConfig(), serverRec)

	clientRec := newRecorder()
	cfg := DefaultClientConfig(wsURL(hs))
	cfg.ReconnectDelay = 20 * time.Millisecond
	cfg.MaxReconnectAttempts = 5
	client := NewClient(cfg, clientRec, zaptest.NewLogger(t))
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()
	wait(t, serverRec.gotConnect, 1)

	serverRec.mu.Lock()
	first := serverRec.connected[0]
	serverRec.mu.Unlock()
	require.NoError(t, s.Close(first.ID()))

	wait(t, clientRec.gotDrop, 1)
	wait(t, serverRec.gotConnect, 1)
	assert.Eventually(t, client.Connected, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, client.Send(mustMessage(t, protocol.MsgHeartbeat, protocol.Heartbeat{})))
	wait(t, serverRec.gotMessage, 1)
}

// TestClientReconnectExhausted verifies the client stops permanently after the
// attempt budget is spent.
func TestClientReconnectExhausted(t *testing.T) {
	serverRec := newRecorder()
	s := NewServer(DefaultServerConfig(), serverRec, zaptest.NewLogger(t))
	hs := httptest.NewServer(s)

	clientRec := newRecorder()
	cfg := DefaultClientConfig(wsURL(hs))
	cfg.ReconnectDelay = 10 * time.Millisecond
	cfg.MaxReconnectAttempts = 2
	cfg.DialTimeout = 200 * time.Millisecond
	client := NewClient(cfg, clientRec, zaptest.NewLogger(t))
	require.NoError(t, client.Connect(context.Background()))
	wait(t, serverRec.gotConnect, 1)

	// Stopping the server drops the connection and refuses redials.
	require.NoError(t, s.Stop(context.Background()))
	hs.Close()

	select {
	case <-client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client did not give up")
	}
	assert.True(t, client.Stopped())
	assert.False(t, client.Connected())
	assert.ErrorIs(t, client.Send(mustMessage(t, protocol.MsgHeartbeat, nil)), ErrNotConnected)

	clientRec.mu.Lock()
	defer clientRec.mu.Unlock()
	require.NotEmpty(t, clientRec.errors)
	assert.ErrorIs(t, clientRec.errors[len(clientRec.errors)-1], ErrReconnectExhausted)
	_ = s.Stop(context.Background())
}

func TestServerStartAndStop(t *testing.T) {
	rec := newRecorder()
	s := NewServer(DefaultServerConfig(), rec, zaptest.NewLogger(t))
	require.NoError(t, s.Start("127.0.0.1:0"))
	require.NotEmpty(t, s.Addr())

	client := NewClient(testClientConfig("ws://"+s.Addr()), nil, zaptest.NewLogger(t))
	require.NoError(t, client.Connect(context.Background()))
	wait(t, rec.gotConnect, 1)

	require.NoError(t, s.Stop(context.Background()))
	select {
	case <-client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client was not disconnected on stop")
	}
	assert.ErrorIs(t, s.Start("127.0.0.1:0"), ErrServerStopped)
}
