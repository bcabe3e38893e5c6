// Package agent implements the worker side of a forge build farm.
//
// An Agent keeps one websocket session to the coordinator. It introduces
// itself with HELLO, answers an authentication challenge when the
// coordinator asks for one, and then runs the jobs it is sent on an
// Executor. Outputs that carry a cache key are pushed back to the
// coordinator's artifact cache before the job is reported complete, either
// inline or as a chunked file transfer for large files.
//
// Connection loss cancels running jobs without reporting them: the
// coordinator requeues work owned by a worker it loses. The transport
// redials in the background and the agent registers again on every new
// connection.
package agent

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/forge/internal/auth"
	"github.com/dreamware/forge/internal/cache"
	"github.com/dreamware/forge/internal/protocol"
	"github.com/dreamware/forge/internal/transport"
)

// Version is reported to the coordinator in HELLO.
var Version = "dev"

var (
	// ErrAuthFailed is returned by Run when the coordinator refuses the
	// agent's credentials.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrDisconnected is returned by Run when the session ends without a
	// more specific cause.
	ErrDisconnected = errors.New("disconnected from coordinator")
)

const (
	defaultInlineLimit = 4 << 20
	defaultChunkSize   = 1 << 20

	// queueHighWater bounds the chunks queued on the connection at once.
	queueHighWater = 8

	cancelRequested = "cancel requested"
	cancelShutdown  = "agent shutting down"
	cancelLost      = "connection lost"
)

// Config configures an Agent.
type Config struct {
	CoordinatorURL string
	Name           string

	// Token is presented in HELLO. Secret answers HMAC challenges.
	Token  string
	Secret string

	MaxJobs int

	// Capabilities are detected from PATH when zero.
	Capabilities protocol.Capability

	// HeartbeatInterval is used until the coordinator's WELCOME says
	// otherwise.
	HeartbeatInterval time.Duration

	TLS                  *tls.Config
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

// DefaultConfig returns a config for url sized to the local machine.
func DefaultConfig(url string) Config {
	info := SystemInfo()
	return Config{
		CoordinatorURL:       url,
		Name:                 info.Hostname,
		MaxJobs:              max(1, info.CPUCores),
		HeartbeatInterval:    10 * time.Second,
		ReconnectDelay:       2 * time.Second,
		MaxReconnectAttempts: 10,
	}
}

type runningJob struct {
	cancel context.CancelFunc
	reason string
}

// Agent is a build worker connected to one coordinator.
type Agent struct {
	cfg    Config
	exec   Executor
	logger *zap.Logger
	client *transport.Client
	hello  protocol.Hello
	now    func() time.Time

	inlineLimit int64
	chunkSize   int

	mu         sync.Mutex
	conn       *transport.Conn
	registered bool
	workerID   string
	maxJobs    int
	interval   time.Duration
	jobs       map[string]*runningJob
	pings      map[string]time.Time
	latency    time.Duration
	closing    bool
	retimed    chan struct{}
	err        error
	stop       context.CancelFunc

	wg sync.WaitGroup
}

// New creates an agent. It does not connect until Run.
func New(cfg Config, exec Executor, logger *zap.Logger) (*Agent, error) {
	if cfg.CoordinatorURL == "" {
		return nil, errors.New("coordinator url is required")
	}
	if exec == nil {
		return nil, errors.New("executor is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	info := SystemInfo()
	if cfg.Name == "" {
		cfg.Name = info.Hostname
	}
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = max(1, info.CPUCores)
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.Capabilities == 0 {
		cfg.Capabilities = DetectCapabilities(nil)
	}

	a := &Agent{
		cfg:    cfg,
		exec:   exec,
		logger: logger.Named("agent"),
		hello: protocol.Hello{
			Name:         cfg.Name,
			Version:      Version,
			Token:        cfg.Token,
			System:       info,
			Capabilities: cfg.Capabilities,
			MaxJobs:      cfg.MaxJobs,
		},
		now:         time.Now,
		inlineLimit: defaultInlineLimit,
		chunkSize:   defaultChunkSize,
		maxJobs:     cfg.MaxJobs,
		interval:    cfg.HeartbeatInterval,
		jobs:        make(map[string]*runningJob),
		pings:       make(map[string]time.Time),
		retimed:     make(chan struct{}, 1),
	}

	ccfg := transport.DefaultClientConfig(cfg.CoordinatorURL)
	ccfg.TLS = cfg.TLS
	if cfg.ReconnectDelay > 0 {
		ccfg.ReconnectDelay = cfg.ReconnectDelay
	}
	ccfg.MaxReconnectAttempts = cfg.MaxReconnectAttempts
	a.client = transport.NewClient(ccfg, a, logger)
	return a, nil
}

// Run connects to the coordinator and serves jobs until ctx is cancelled,
// authentication fails, or reconnection gives up. A cancelled ctx is a
// clean shutdown and returns nil.
func (a *Agent) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.mu.Lock()
	a.stop = cancel
	a.mu.Unlock()

	if err := a.client.Connect(ctx); err != nil {
		return fmt.Errorf("connect coordinator: %w", err)
	}
	a.logger.Info("agent started",
		zap.String("name", a.cfg.Name),
		zap.String("coordinator", a.cfg.CoordinatorURL),
		zap.Int("max_jobs", a.cfg.MaxJobs),
		zap.Stringer("capabilities", a.cfg.Capabilities))

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		a.heartbeatLoop(gctx)
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-a.client.Done():
			a.fatal(ErrDisconnected)
		}
		return nil
	})
	_ = g.Wait()

	a.mu.Lock()
	a.closing = true
	a.mu.Unlock()
	a.cancelJobs(cancelShutdown)
	a.wg.Wait()
	if ctx.Err() != nil {
		a.sayGoodbye("shutdown")
	}
	_ = a.client.Close()

	a.mu.Lock()
	err := a.err
	a.mu.Unlock()
	if ctx.Err() != nil {
		a.logger.Info("agent stopped")
		return nil
	}
	return err
}

// WorkerID returns the id assigned by the coordinator, or "" before WELCOME.
func (a *Agent) WorkerID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.workerID
}

// ActiveJobs returns the ids of the jobs currently running.
func (a *Agent) ActiveJobs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeLocked()
}

func (a *Agent) activeLocked() []string {
	ids := make([]string, 0, len(a.jobs))
	for id := range a.jobs {
		ids = append(ids, id)
	}
	return ids
}

// fatal records the first terminal error and stops Run. It runs on transport
// callbacks, so it must not wait for the client.
func (a *Agent) fatal(err error) {
	a.mu.Lock()
	if a.err == nil {
		a.err = err
	}
	stop := a.stop
	a.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (a *Agent) sayGoodbye(reason string) {
	a.mu.Lock()
	conn, registered := a.conn, a.registered
	a.mu.Unlock()
	if conn == nil || !registered {
		return
	}
	if err := a.send(protocol.MsgGoodbye, "", protocol.Goodbye{Reason: reason}); err != nil {
		return
	}
	waitQueue(conn, 0, time.Second)
}

// waitQueue blocks until conn has at most n queued messages, it closes, or
// timeout passes.
func waitQueue(conn *transport.Conn, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for conn.QueueLen() > n {
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-conn.Done():
			return false
		case <-time.After(5 * time.Millisecond):
		}
	}
	return true
}

// send builds and queues a message. correlation is used as CorrelationID
// when non-empty.
func (a *Agent) send(t protocol.MessageType, correlation string, payload any) error {
	msg, err := protocol.NewMessage(t, a.sender(), payload)
	if err != nil {
		return err
	}
	msg.CorrelationID = correlation
	return a.sendMessage(msg)
}

func (a *Agent) sendMessage(msg *protocol.Message) error {
	if err := a.client.Send(msg); err != nil {
		a.logger.Debug("send failed", zap.Stringer("type", msg.Type), zap.Error(err))
		return err
	}
	return nil
}

func (a *Agent) sender() string {
	if id := a.WorkerID(); id != "" {
		return id
	}
	return a.cfg.Name
}

// transport.Handler

func (a *Agent) OnConnect(conn *transport.Conn) {
	a.mu.Lock()
	a.conn = conn
	a.registered = false
	a.workerID = ""
	clear(a.pings)
	a.mu.Unlock()

	msg, err := protocol.NewMessage(protocol.MsgHello, a.cfg.Name, a.hello)
	if err != nil {
		a.logger.Error("build HELLO", zap.Error(err))
		return
	}
	if err := conn.Send(msg); err != nil {
		a.logger.Warn("send HELLO", zap.Error(err))
	}
}

func (a *Agent) OnDisconnect(conn *transport.Conn, err error) {
	a.mu.Lock()
	if a.conn == conn {
		a.conn = nil
	}
	a.registered = false
	a.mu.Unlock()
	a.cancelJobs(cancelLost)
	a.logger.Warn("disconnected from coordinator", zap.Error(err))
}

func (a *Agent) OnError(conn *transport.Conn, err error) {
	if errors.Is(err, transport.ErrReconnectExhausted) {
		a.fatal(err)
		return
	}
	a.logger.Warn("transport error", zap.Error(err))
}

func (a *Agent) OnMessage(conn *transport.Conn, msg *protocol.Message) {
	switch msg.Type {
	case protocol.MsgWelcome:
		a.handleWelcome(msg)
	case protocol.MsgAuthChallenge:
		a.handleChallenge(conn, msg)
	case protocol.MsgAuthSuccess:
		a.logger.Debug("challenge accepted")
	case protocol.MsgAuthFailed:
		var p protocol.AuthResultPayload
		_ = msg.Decode(&p)
		a.logger.Error("coordinator rejected credentials", zap.String("result", p.Result), zap.String("reason", p.Reason))
		a.fatal(fmt.Errorf("%w: %s", ErrAuthFailed, p.Result))
	case protocol.MsgHeartbeatAck:
		a.handleHeartbeatAck(msg)
	case protocol.MsgJobRequest:
		a.handleJobRequest(msg)
	case protocol.MsgJobCancel:
		a.handleJobCancel(msg)
	case protocol.MsgArtifactAck:
		var p protocol.ArtifactAck
		if err := msg.Decode(&p); err == nil && !p.Stored {
			a.logger.Warn("artifact not stored", zap.String("cache_key", p.CacheKey), zap.String("error", p.Error))
		}
	case protocol.MsgFileTransferAck:
		var p protocol.FileTransferAck
		if err := msg.Decode(&p); err == nil && !p.OK && p.Error != "" {
			a.logger.Warn("file transfer failed", zap.String("transfer_id", p.TransferID), zap.String("error", p.Error))
		}
	case protocol.MsgShutdown:
		var p protocol.Shutdown
		_ = msg.Decode(&p)
		a.logger.Info("coordinator shutting down", zap.String("reason", p.Reason))
	case protocol.MsgError:
		var p protocol.ErrorPayload
		_ = msg.Decode(&p)
		a.logger.Warn("coordinator error",
			zap.String("code", p.Code),
			zap.String("message", p.Message),
			zap.String("correlation_id", msg.CorrelationID))
	default:
		a.logger.Debug("ignoring message", zap.Stringer("type", msg.Type))
	}
}

func (a *Agent) handleWelcome(msg *protocol.Message) {
	var w protocol.Welcome
	if err := msg.Decode(&w); err != nil {
		a.logger.Warn("bad WELCOME", zap.Error(err))
		return
	}
	a.mu.Lock()
	a.registered = true
	a.workerID = w.WorkerID
	if w.HeartbeatIntervalMs > 0 {
		a.interval = time.Duration(w.HeartbeatIntervalMs) * time.Millisecond
	}
	if w.MaxJobs > 0 {
		a.maxJobs = w.MaxJobs
	}
	a.mu.Unlock()
	select {
	case a.retimed <- struct{}{}:
	default:
	}
	a.logger.Info("registered",
		zap.String("worker_id", w.WorkerID),
		zap.String("coordinator_id", w.CoordinatorID))
}

func (a *Agent) handleChallenge(conn *transport.Conn, msg *protocol.Message) {
	var ch protocol.AuthChallengePayload
	if err := msg.Decode(&ch); err != nil {
		a.logger.Warn("bad AUTH_CHALLENGE", zap.Error(err))
		return
	}
	if a.cfg.Secret == "" {
		a.fatal(fmt.Errorf("%w: challenge received but no secret configured", ErrAuthFailed))
		return
	}
	data, err := hex.DecodeString(ch.Data)
	if err != nil {
		a.logger.Warn("bad challenge data", zap.Error(err))
		return
	}
	resp, err := protocol.NewResponse(msg, protocol.MsgAuthResponse, a.cfg.Name, protocol.AuthResponsePayload{
		ChallengeID: ch.ChallengeID,
		Response:    hex.EncodeToString(auth.ComputeResponse([]byte(a.cfg.Secret), data)),
	})
	if err != nil {
		return
	}
	if err := conn.Send(resp); err != nil {
		a.logger.Warn("send AUTH_RESPONSE", zap.Error(err))
	}
}

// heartbeatLoop sends HEARTBEAT on the interval most recently announced by
// the coordinator.
func (a *Agent) heartbeatLoop(ctx context.Context) {
	t := time.NewTimer(a.heartbeatInterval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.retimed:
			if !t.Stop() {
				<-t.C
			}
			t.Reset(a.heartbeatInterval())
		case <-t.C:
			a.sendHeartbeat()
			t.Reset(a.heartbeatInterval())
		}
	}
}

func (a *Agent) heartbeatInterval() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.interval
}

func (a *Agent) sendHeartbeat() {
	a.mu.Lock()
	if !a.registered {
		a.mu.Unlock()
		return
	}
	hb := protocol.Heartbeat{
		ActiveJobs: a.activeLocked(),
		CPUUsage:   float64(len(a.jobs)) / float64(max(1, a.maxJobs)),
		LatencyMs:  a.latency.Milliseconds(),
	}
	a.mu.Unlock()

	msg, err := protocol.NewMessage(protocol.MsgHeartbeat, a.sender(), hb)
	if err != nil {
		return
	}
	a.mu.Lock()
	a.pings[msg.ID] = a.now()
	a.mu.Unlock()
	if a.sendMessage(msg) != nil {
		a.mu.Lock()
		delete(a.pings, msg.ID)
		a.mu.Unlock()
	}
}

func (a *Agent) handleHeartbeatAck(msg *protocol.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sent, ok := a.pings[msg.CorrelationID]
	if !ok {
		return
	}
	delete(a.pings, msg.CorrelationID)
	a.latency = a.now().Sub(sent)
}

func (a *Agent) handleJobRequest(msg *protocol.Message) {
	var spec protocol.JobSpec
	if err := msg.Decode(&spec); err != nil {
		a.logger.Warn("bad JOB_REQUEST", zap.Error(err))
		return
	}
	if spec.JobID == "" {
		spec.JobID = msg.CorrelationID
	}

	a.mu.Lock()
	if _, dup := a.jobs[spec.JobID]; dup {
		a.mu.Unlock()
		return
	}
	reason := ""
	switch {
	case a.closing:
		reason = "shutting down"
	case !a.registered:
		reason = "not registered"
	case len(a.jobs) >= a.maxJobs:
		reason = "at capacity"
	}
	if reason != "" {
		a.mu.Unlock()
		a.logger.Info("rejecting job", zap.String("job_id", spec.JobID), zap.String("reason", reason))
		_ = a.send(protocol.MsgJobReject, spec.JobID, protocol.JobReject{JobID: spec.JobID, Reason: reason})
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	rj := &runningJob{cancel: cancel}
	a.jobs[spec.JobID] = rj
	a.wg.Add(1)
	a.mu.Unlock()

	_ = a.send(protocol.MsgJobAccept, spec.JobID, nil)
	go a.runJob(ctx, rj, &spec)
}

func (a *Agent) handleJobCancel(msg *protocol.Message) {
	var p protocol.JobCancel
	_ = msg.Decode(&p)
	id := p.JobID
	if id == "" {
		id = msg.CorrelationID
	}
	a.mu.Lock()
	rj, ok := a.jobs[id]
	if ok && rj.reason == "" {
		rj.reason = cancelRequested
		rj.cancel()
	}
	a.mu.Unlock()
	if ok {
		a.logger.Info("job cancelled", zap.String("job_id", id), zap.String("reason", p.Reason))
	}
}

// cancelJobs stops every running job. Jobs stopped this way are not reported.
func (a *Agent) cancelJobs(reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, rj := range a.jobs {
		if rj.reason == "" {
			rj.reason = reason
			rj.cancel()
		}
	}
}

func (a *Agent) runJob(ctx context.Context, rj *runningJob, spec *protocol.JobSpec) {
	defer a.wg.Done()
	defer rj.cancel()

	log := a.logger.With(zap.String("job_id", spec.JobID), zap.String("type", string(spec.Type)))
	log.Debug("job started")
	_ = a.send(protocol.MsgJobProgress, spec.JobID, protocol.JobProgress{JobID: spec.JobID, Stage: "started"})

	res := a.exec.Execute(ctx, spec)
	res.JobID = spec.JobID

	a.mu.Lock()
	delete(a.jobs, spec.JobID)
	reason := rj.reason
	a.mu.Unlock()

	switch {
	case reason == cancelRequested:
		_ = a.send(protocol.MsgJobCancelled, spec.JobID, protocol.JobCancel{JobID: spec.JobID, Reason: reason})
		return
	case reason != "":
		log.Info("job abandoned", zap.String("reason", reason))
		return
	}

	if !res.Success {
		log.Info("job failed", zap.Int("exit_code", res.ExitCode), zap.String("error", res.Error))
		_ = a.send(protocol.MsgJobFailed, spec.JobID, res)
		return
	}
	for _, ref := range res.Artifacts {
		if ref.CacheKey == "" {
			continue
		}
		if err := a.pushArtifact(spec.BuildID, ref); err != nil {
			log.Warn("artifact upload failed", zap.String("path", ref.Path), zap.Error(err))
		}
	}
	log.Info("job completed", zap.Int64("duration_ms", res.DurationMs))
	_ = a.send(protocol.MsgJobComplete, spec.JobID, res)
}

// pushArtifact uploads one output to the coordinator's cache. Files up to
// inlineLimit travel in a single ARTIFACT_PUSH; larger ones are chunked.
func (a *Agent) pushArtifact(buildID string, ref protocol.ArtifactRef) error {
	f, err := os.Open(ref.Path)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}

	if st.Size() <= a.inlineLimit {
		data, err := io.ReadAll(f)
		if err != nil {
			return err
		}
		msg, err := protocol.NewMessage(protocol.MsgArtifactPush, a.sender(), protocol.ArtifactMeta{
			CacheKey:     ref.CacheKey,
			ContentHash:  ref.Hash,
			Type:         string(cache.TypeFromPath(ref.Path)),
			Size:         int64(len(data)),
			ProducerHost: a.cfg.Name,
			BuildID:      buildID,
		})
		if err != nil {
			return err
		}
		msg.Binary = data
		return a.sendMessage(msg)
	}
	return a.transferFile(f, st.Size(), buildID, ref)
}

func (a *Agent) transferFile(r io.Reader, size int64, buildID string, ref protocol.ArtifactRef) error {
	id := uuid.NewString()
	err := a.send(protocol.MsgFileTransferStart, "", protocol.FileTransferStart{
		TransferID: id,
		Name:       ref.Path,
		Size:       size,
		SHA256:     ref.Hash,
		CacheKey:   ref.CacheKey,
		Type:       string(cache.TypeFromPath(ref.Path)),
		BuildID:    buildID,
	})
	if err != nil {
		return err
	}

	buf := make([]byte, a.chunkSize)
	var offset int64
	for {
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			msg, err := protocol.NewMessage(protocol.MsgFileChunk, a.sender(), protocol.FileChunk{TransferID: id, Offset: offset})
			if err != nil {
				return err
			}
			msg.Binary = append([]byte(nil), buf[:n]...)
			if err := a.sendChunk(msg); err != nil {
				return fmt.Errorf("chunk at %d: %w", offset, err)
			}
			offset += int64(n)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	return a.send(protocol.MsgFileTransferEnd, "", protocol.FileTransferEnd{TransferID: id})
}

// sendChunk queues a chunk once the connection's backlog has room.
func (a *Agent) sendChunk(msg *protocol.Message) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return transport.ErrNotConnected
	}
	if !waitQueue(conn, queueHighWater, 30*time.Second) {
		return transport.ErrQueueFull
	}
	return conn.Send(msg)
}
