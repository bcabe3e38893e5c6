package coordinator

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/forge/internal/auth"
	"github.com/dreamware/forge/internal/cache"
	"github.com/dreamware/forge/internal/config"
	"github.com/dreamware/forge/internal/protocol"
	"github.com/dreamware/forge/internal/registry"
	"github.com/dreamware/forge/internal/scheduler"
	"github.com/dreamware/forge/internal/transport"
)

func (c *Coordinator) onConnect(conn *transport.Conn) {
	c.mu.Lock()
	c.sessions[conn.ID()] = &session{remote: conn.RemoteAddr()}
	c.mu.Unlock()
	c.logger.Debug("worker connection opened", zap.String("conn_id", conn.ID()), zap.String("remote", conn.RemoteAddr()))
}

func (c *Coordinator) onDisconnect(conn *transport.Conn, err error) {
	c.mu.Lock()
	delete(c.sessions, conn.ID())
	c.mu.Unlock()
	c.transfers.dropConn(conn.ID())

	w, ok := c.registry.ByConnection(conn.ID())
	if !ok {
		c.logger.Debug("connection closed before registration", zap.String("conn_id", conn.ID()), zap.Error(err))
		return
	}
	reason := "disconnected"
	if err != nil {
		reason = "disconnected: " + err.Error()
	}
	c.disconnectWorker(w.ID, reason)
}

func (c *Coordinator) onProtocolError(conn *transport.Conn, err error) {
	fields := []zap.Field{zap.Error(err)}
	if conn != nil {
		fields = append(fields, zap.String("conn_id", conn.ID()))
	}
	c.logger.Warn("protocol error", fields...)
}

func (c *Coordinator) session(connID string) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[connID]
	if !ok {
		s = &session{}
		c.sessions[connID] = s
	}
	return s
}

// dispatch routes one worker message. Messages other than the handshake are
// only accepted from registered workers.
func (c *Coordinator) dispatch(conn *transport.Conn, msg *protocol.Message) {
	switch msg.Type {
	case protocol.MsgHello:
		c.handleHello(conn, msg)
		return
	case protocol.MsgAuthResponse:
		c.handleAuthResponse(conn, msg)
		return
	case protocol.MsgError:
		var p protocol.ErrorPayload
		_ = msg.Decode(&p)
		c.logger.Warn("worker reported error",
			zap.String("conn_id", conn.ID()),
			zap.String("code", p.Code),
			zap.String("message", p.Message))
		return
	}

	w, ok := c.registry.ByConnection(conn.ID())
	if !ok {
		if msg.Type != protocol.MsgGoodbye {
			c.reply(conn, protocol.NewErrorMessage(msg, c.id, protocol.ErrCodeNotRegistered, "send HELLO first"))
		}
		return
	}

	switch msg.Type {
	case protocol.MsgHeartbeat:
		c.handleHeartbeat(conn, w, msg)
	case protocol.MsgStatusUpdate:
		c.handleStatusUpdate(w, msg)
	case protocol.MsgJobAccept:
		c.handleJobAccept(conn, w, msg)
	case protocol.MsgJobProgress:
		c.handleJobProgress(conn, w, msg)
	case protocol.MsgJobComplete, protocol.MsgJobFailed:
		c.handleJobResult(conn, w, msg)
	case protocol.MsgJobReject:
		c.handleJobReject(conn, w, msg)
	case protocol.MsgJobCancelled:
		c.handleJobCancelled(w, msg)
	case protocol.MsgArtifactPush:
		c.handleArtifactPush(conn, w, msg)
	case protocol.MsgArtifactRequest:
		c.handleArtifactRequest(conn, msg)
	case protocol.MsgFileTransferStart:
		c.handleTransferStart(conn, msg)
	case protocol.MsgFileChunk:
		c.handleFileChunk(conn, msg)
	case protocol.MsgFileTransferEnd:
		c.handleTransferEnd(conn, w, msg)
	case protocol.MsgGoodbye:
		var p protocol.Goodbye
		_ = msg.Decode(&p)
		reason := "goodbye"
		if p.Reason != "" {
			reason = "goodbye: " + p.Reason
		}
		c.disconnectWorker(w.ID, reason)
		_ = c.server.Close(conn.ID())
	default:
		c.logger.Debug("unexpected message", zap.String("type", msg.Type.String()), zap.String("worker_id", w.ID))
		c.reply(conn, protocol.NewErrorMessage(msg, c.id, protocol.ErrCodeProtocol, "unexpected "+msg.Type.String()))
	}
}

func (c *Coordinator) reply(conn *transport.Conn, msg *protocol.Message) {
	if err := conn.Send(msg); err != nil {
		c.logger.Debug("reply failed",
			zap.String("conn_id", conn.ID()),
			zap.String("type", msg.Type.String()),
			zap.Error(err))
	}
}

func (c *Coordinator) respond(conn *transport.Conn, req *protocol.Message, t protocol.MessageType, payload any) {
	msg, err := protocol.NewResponse(req, t, c.id, payload)
	if err != nil {
		c.logger.Error("encode response", zap.String("type", t.String()), zap.Error(err))
		return
	}
	c.reply(conn, msg)
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func (c *Coordinator) handleHello(conn *transport.Conn, msg *protocol.Message) {
	if _, ok := c.registry.ByConnection(conn.ID()); ok {
		c.reply(conn, protocol.NewErrorMessage(msg, c.id, protocol.ErrCodeProtocol, "already registered"))
		return
	}
	var hello protocol.Hello
	if err := msg.Decode(&hello); err != nil {
		c.reply(conn, protocol.NewErrorMessage(msg, c.id, protocol.ErrCodeProtocol, err.Error()))
		return
	}

	switch c.cfg.Auth.Method {
	case config.AuthToken:
		_, res := c.auth.Authorize(hello.Token, hostOf(conn.RemoteAddr()), auth.PermRegister)
		if !res.OK() {
			c.rejectAuth(conn, msg, res, "token "+res.String())
			return
		}
	case config.AuthChallenge:
		ch, err := c.auth.CreateChallenge()
		if err != nil {
			c.logger.Error("create challenge", zap.Error(err))
			c.reply(conn, protocol.NewErrorMessage(msg, c.id, protocol.ErrCodeInternal, "challenge unavailable"))
			return
		}
		s := c.session(conn.ID())
		c.mu.Lock()
		s.hello = msg
		s.challengeID = ch.ID
		c.mu.Unlock()
		c.respond(conn, msg, protocol.MsgAuthChallenge, protocol.AuthChallengePayload{
			ChallengeID: ch.ID,
			Data:        hex.EncodeToString(ch.Data),
			ExpiresAtMs: ch.ExpiresAt.UnixMilli(),
		})
		return
	}
	// none, and mtls where the TLS handshake already verified the peer.
	c.register(conn, msg, hello)
}

func (c *Coordinator) handleAuthResponse(conn *transport.Conn, msg *protocol.Message) {
	s := c.session(conn.ID())
	c.mu.Lock()
	hello, challengeID := s.hello, s.challengeID
	s.hello, s.challengeID = nil, ""
	c.mu.Unlock()

	if hello == nil {
		c.reply(conn, protocol.NewErrorMessage(msg, c.id, protocol.ErrCodeProtocol, "no challenge outstanding"))
		return
	}

	var p protocol.AuthResponsePayload
	if err := msg.Decode(&p); err != nil {
		c.rejectAuth(conn, msg, auth.ResultInvalid, err.Error())
		return
	}
	if p.ChallengeID != challengeID {
		c.rejectAuth(conn, msg, auth.ResultInvalid, "challenge id mismatch")
		return
	}
	resp, err := hex.DecodeString(p.Response)
	if err != nil {
		c.rejectAuth(conn, msg, auth.ResultInvalid, "response is not hex")
		return
	}
	if res := c.auth.VerifyChallenge(p.ChallengeID, resp); !res.OK() {
		c.rejectAuth(conn, msg, res, "challenge "+res.String())
		return
	}

	c.respond(conn, msg, protocol.MsgAuthSuccess, protocol.AuthResultPayload{Result: auth.ResultSuccess.String()})

	var h protocol.Hello
	if err := hello.Decode(&h); err != nil {
		c.reply(conn, protocol.NewErrorMessage(hello, c.id, protocol.ErrCodeProtocol, err.Error()))
		return
	}
	c.register(conn, hello, h)
}

// rejectAuth answers AUTH_FAILED and closes the connection. The auth manager
// only reports the outcome; closing is this policy.
func (c *Coordinator) rejectAuth(conn *transport.Conn, req *protocol.Message, res auth.Result, reason string) {
	c.logger.Warn("worker authentication failed",
		zap.String("conn_id", conn.ID()),
		zap.String("remote", conn.RemoteAddr()),
		zap.String("result", res.String()),
		zap.String("reason", reason))
	c.respond(conn, req, protocol.MsgAuthFailed, protocol.AuthResultPayload{Result: res.String(), Reason: reason})
	go func() {
		// Give the write loop a moment to flush AUTH_FAILED.
		select {
		case <-conn.Done():
		case <-time.After(100 * time.Millisecond):
		}
		_ = c.server.Close(conn.ID())
	}()
}

func (c *Coordinator) register(conn *transport.Conn, hello *protocol.Message, h protocol.Hello) {
	w, err := c.registry.Register(h, conn)
	if err != nil {
		code := protocol.ErrCodeInternal
		if errors.Is(err, registry.ErrCapacityExceeded) {
			code = protocol.ErrCodeCapacity
		} else if errors.Is(err, registry.ErrAlreadyRegistered) {
			code = protocol.ErrCodeProtocol
		}
		c.logger.Warn("worker registration refused", zap.String("name", h.Name), zap.Error(err))
		c.reply(conn, protocol.NewErrorMessage(hello, c.id, code, err.Error()))
		return
	}

	s := c.session(conn.ID())
	c.mu.Lock()
	s.workerID = w.ID
	c.mu.Unlock()

	c.respond(conn, hello, protocol.MsgWelcome, protocol.Welcome{
		WorkerID:            w.ID,
		CoordinatorID:       c.id,
		HeartbeatIntervalMs: c.cfg.Heartbeat.Interval.Milliseconds(),
		MaxJobs:             w.MaxJobs,
	})
	c.processQueue()
}

func (c *Coordinator) handleHeartbeat(conn *transport.Conn, w *registry.Worker, msg *protocol.Message) {
	var hb protocol.Heartbeat
	if len(msg.Payload) > 0 {
		if err := msg.Decode(&hb); err != nil {
			c.reply(conn, protocol.NewErrorMessage(msg, c.id, protocol.ErrCodeProtocol, err.Error()))
			return
		}
	}
	if !c.registry.Heartbeat(w.ID, &hb) {
		return
	}
	c.respond(conn, msg, protocol.MsgHeartbeatAck, nil)
}

func (c *Coordinator) handleStatusUpdate(w *registry.Worker, msg *protocol.Message) {
	var st protocol.StatusUpdate
	if err := msg.Decode(&st); err != nil {
		c.logger.Debug("bad STATUS_UPDATE", zap.String("worker_id", w.ID), zap.Error(err))
		return
	}
	if c.registry.UpdateHealth(w.ID, st) {
		c.processQueue()
	}
}

// ownedJob checks that jobID is currently assigned to w. Reports about jobs
// that were taken away from a worker (timeout, disconnect, cancel) are stale
// and must not affect the job's new attempt.
func (c *Coordinator) ownedJob(conn *transport.Conn, w *registry.Worker, msg *protocol.Message, jobID string) (*scheduler.Job, bool) {
	job, ok := c.scheduler.GetJob(jobID)
	if !ok {
		c.reply(conn, protocol.NewErrorMessage(msg, c.id, protocol.ErrCodeUnknownJob, "unknown job "+jobID))
		return nil, false
	}
	if job.WorkerID != w.ID || (job.State != scheduler.JobAssigned && job.State != scheduler.JobRunning) {
		c.logger.Debug("stale job report",
			zap.String("type", msg.Type.String()),
			zap.String("job_id", jobID),
			zap.String("worker_id", w.ID),
			zap.String("state", string(job.State)))
		return nil, false
	}
	return job, true
}

// jobIDOf returns the job a lifecycle message refers to: its correlation id,
// falling back to the payload's job_id.
func jobIDOf(msg *protocol.Message, payloadID string) string {
	if msg.CorrelationID != "" {
		return msg.CorrelationID
	}
	return payloadID
}

func (c *Coordinator) handleJobAccept(conn *transport.Conn, w *registry.Worker, msg *protocol.Message) {
	id := jobIDOf(msg, "")
	if _, ok := c.ownedJob(conn, w, msg, id); !ok {
		return
	}
	if err := c.scheduler.MarkJobStarted(id); err != nil {
		c.logger.Debug("mark job started", zap.String("job_id", id), zap.Error(err))
	}
}

func (c *Coordinator) handleJobProgress(conn *transport.Conn, w *registry.Worker, msg *protocol.Message) {
	var p protocol.JobProgress
	if err := msg.Decode(&p); err != nil {
		c.reply(conn, protocol.NewErrorMessage(msg, c.id, protocol.ErrCodeProtocol, err.Error()))
		return
	}
	id := jobIDOf(msg, p.JobID)
	if _, ok := c.ownedJob(conn, w, msg, id); !ok {
		return
	}
	_ = c.scheduler.UpdateProgress(id, p.Percent)
}

func (c *Coordinator) handleJobResult(conn *transport.Conn, w *registry.Worker, msg *protocol.Message) {
	var res protocol.JobResult
	if len(msg.Payload) > 0 {
		if err := msg.Decode(&res); err != nil {
			c.reply(conn, protocol.NewErrorMessage(msg, c.id, protocol.ErrCodeProtocol, err.Error()))
			return
		}
	}
	id := jobIDOf(msg, res.JobID)
	if _, ok := c.ownedJob(conn, w, msg, id); !ok {
		return
	}

	if msg.Type == protocol.MsgJobFailed {
		res.Success = false
		if res.Error == "" {
			res.Error = "job failed on " + w.Name
		}
	} else {
		res.Success = true
	}
	if err := c.scheduler.ReportJobResult(id, res); err != nil {
		c.logger.Debug("report job result", zap.String("job_id", id), zap.Error(err))
	}
	c.processQueue()
}

func (c *Coordinator) handleJobReject(conn *transport.Conn, w *registry.Worker, msg *protocol.Message) {
	var p protocol.JobReject
	_ = msg.Decode(&p)
	id := jobIDOf(msg, p.JobID)
	if _, ok := c.ownedJob(conn, w, msg, id); !ok {
		return
	}
	reason := "rejected by " + w.Name
	if p.Reason != "" {
		reason += ": " + p.Reason
	}
	if err := c.scheduler.ReportJobFailure(id, reason); err != nil {
		c.logger.Debug("report job rejection", zap.String("job_id", id), zap.Error(err))
	}
	c.processQueue()
}

// handleJobCancelled releases the worker's slot for a job it stopped on
// request.
func (c *Coordinator) handleJobCancelled(w *registry.Worker, msg *protocol.Message) {
	var p protocol.JobCancel
	_ = msg.Decode(&p)
	id := jobIDOf(msg, p.JobID)
	job, ok := c.scheduler.GetJob(id)
	if !ok || job.WorkerID != w.ID || job.State.Terminal() {
		return
	}
	if _, err := c.scheduler.CancelJob(id); err != nil {
		c.logger.Debug("cancel job", zap.String("job_id", id), zap.Error(err))
		return
	}
	c.processQueue()
}

func (c *Coordinator) handleArtifactPush(conn *transport.Conn, w *registry.Worker, msg *protocol.Message) {
	var meta protocol.ArtifactMeta
	if err := msg.Decode(&meta); err != nil {
		c.reply(conn, protocol.NewErrorMessage(msg, c.id, protocol.ErrCodeProtocol, err.Error()))
		return
	}
	ack := protocol.ArtifactAck{CacheKey: meta.CacheKey}
	if err := c.storeArtifact(meta, msg.Binary, w.Hostname); err != nil {
		ack.Error = err.Error()
		c.logger.Warn("artifact push rejected",
			zap.String("worker_id", w.ID),
			zap.String("key", meta.CacheKey),
			zap.Error(err))
	} else {
		ack.Stored = true
	}
	c.respond(conn, msg, protocol.MsgArtifactAck, ack)
}

func (c *Coordinator) storeArtifact(meta protocol.ArtifactMeta, data []byte, producer string) error {
	if c.cache == nil {
		return ErrCacheDisabled
	}
	if meta.Size > 0 && int64(len(data)) != meta.Size {
		return fmt.Errorf("size mismatch: announced %d, received %d", meta.Size, len(data))
	}
	if meta.ContentHash != "" && meta.ContentHash != sha256Hex(data) {
		return fmt.Errorf("%w: %s", cache.ErrCorrupt, meta.CacheKey)
	}
	typ := cache.ArtifactType(meta.Type)
	if typ == "" {
		typ = cache.TypeOther
	}
	if meta.ProducerHost != "" {
		producer = meta.ProducerHost
	}
	_, err := c.cache.StoreBytes(meta.CacheKey, data, cache.Meta{
		Type:         typ,
		ProducerHost: producer,
		BuildID:      meta.BuildID,
	})
	return err
}

func (c *Coordinator) handleArtifactRequest(conn *transport.Conn, msg *protocol.Message) {
	var req protocol.ArtifactRequest
	if err := msg.Decode(&req); err != nil {
		c.reply(conn, protocol.NewErrorMessage(msg, c.id, protocol.ErrCodeProtocol, err.Error()))
		return
	}
	if c.cache == nil {
		c.respond(conn, msg, protocol.MsgArtifactResponse, protocol.ArtifactResponse{})
		return
	}
	data, entry, err := c.cache.RetrieveBytes(req.CacheKey)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			c.logger.Warn("artifact retrieve failed", zap.String("key", req.CacheKey), zap.Error(err))
		}
		c.respond(conn, msg, protocol.MsgArtifactResponse, protocol.ArtifactResponse{})
		return
	}
	resp, err := protocol.NewResponse(msg, protocol.MsgArtifactResponse, c.id, protocol.ArtifactResponse{
		Found: true,
		Meta: &protocol.ArtifactMeta{
			CacheKey:     entry.Key,
			ContentHash:  entry.ContentHash,
			Type:         string(entry.Type),
			Size:         entry.Size,
			ProducerHost: entry.ProducerHost,
			BuildID:      entry.BuildID,
		},
	})
	if err != nil {
		return
	}
	resp.Binary = data
	c.reply(conn, resp)
}

// Scheduler events.

func (c *Coordinator) onJobAssigned(job *scheduler.Job, w *registry.Worker) {
	spec := job.Spec
	spec.JobID = job.ID
	spec.BuildID = job.BuildID
	spec.Priority = job.Priority
	if spec.TimeoutMs == 0 {
		spec.TimeoutMs = job.Deadline.Sub(job.AssignedAt).Milliseconds()
	}

	err := c.sendJob(w, &spec)
	if err != nil {
		c.logger.Warn("job dispatch failed",
			zap.String("job_id", job.ID),
			zap.String("worker_id", w.ID),
			zap.Error(err))
		if ferr := c.scheduler.ReportJobFailure(job.ID, "dispatch failed: "+err.Error()); ferr != nil {
			c.logger.Debug("report dispatch failure", zap.String("job_id", job.ID), zap.Error(ferr))
		}
		return
	}

	if c.cache != nil && spec.CacheKey != "" {
		c.cache.MarkPending(spec.CacheKey)
	}
	c.logger.Debug("job dispatched",
		zap.String("job_id", job.ID),
		zap.String("build_id", job.BuildID),
		zap.String("worker_id", w.ID),
		zap.Int("attempt", job.RetryCount+1))
}

func (c *Coordinator) sendJob(w *registry.Worker, spec *protocol.JobSpec) error {
	if w.Conn == nil {
		return errors.New("worker has no connection")
	}
	msg, err := protocol.NewMessage(protocol.MsgJobRequest, c.id, spec)
	if err != nil {
		return err
	}
	msg.CorrelationID = spec.JobID
	return w.Conn.Send(msg)
}

func (c *Coordinator) onJobCompleted(job *scheduler.Job) {
	if c.cache != nil && job.Spec.CacheKey != "" && !c.cache.Contains(job.Spec.CacheKey) {
		c.cache.ClearPending(job.Spec.CacheKey)
	}
}

func (c *Coordinator) onJobFailed(job *scheduler.Job) {
	if c.cache != nil && job.Spec.CacheKey != "" {
		c.cache.ClearPending(job.Spec.CacheKey)
	}
}

func (c *Coordinator) onBuildCompleted(b *scheduler.Build) {
	c.logger.Info("build completed",
		zap.String("build_id", b.ID),
		zap.String("project", b.ProjectName),
		zap.Bool("success", b.Success),
		zap.Int("jobs", b.Total),
		zap.Int("failed", b.Failed),
		zap.Int("cached", b.Cached))
}

// Registry events. These can fire while the scheduler holds its lock, so they
// must not call into the scheduler.

func (c *Coordinator) onWorkerRegistered(w *registry.Worker) {
	c.logger.Info("worker registered",
		zap.String("worker_id", w.ID),
		zap.String("name", w.Name),
		zap.String("arch", w.System.Arch),
		zap.String("os", w.System.OS),
		zap.Int("max_jobs", w.MaxJobs),
		zap.Strings("capabilities", w.Capabilities.Names()))
}

func (c *Coordinator) onWorkerUnregistered(w *registry.Worker, reason string) {
	c.logger.Info("worker unregistered",
		zap.String("worker_id", w.ID),
		zap.String("name", w.Name),
		zap.String("reason", reason),
		zap.Uint64("jobs_completed", w.JobsCompleted),
		zap.Uint64("jobs_failed", w.JobsFailed))
}

func (c *Coordinator) onWorkerHealthChanged(w *registry.Worker, from float64) {
	c.logger.Debug("worker health changed",
		zap.String("worker_id", w.ID),
		zap.Float64("from", from),
		zap.Float64("to", w.HealthScore))
}
