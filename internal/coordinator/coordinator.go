package coordinator

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/forge/internal/auth"
	"github.com/dreamware/forge/internal/cache"
	"github.com/dreamware/forge/internal/config"
	"github.com/dreamware/forge/internal/protocol"
	"github.com/dreamware/forge/internal/registry"
	"github.com/dreamware/forge/internal/scheduler"
	"github.com/dreamware/forge/internal/storage"
	"github.com/dreamware/forge/internal/transport"
)

// Version is reported in WELCOME and /health.
var Version = "dev"

// ErrCacheDisabled is returned by cache operations when the coordinator runs
// without an artifact cache.
var ErrCacheDisabled = errors.New("artifact cache disabled")

// buildPollInterval is how often WaitBuild re-checks a build.
const buildPollInterval = 100 * time.Millisecond

// shutdownGrace bounds how long Run waits for listeners to drain.
const shutdownGrace = 5 * time.Second

// remoteFetchTimeout bounds one remote cache lookup plus download during
// submission.
const remoteFetchTimeout = 30 * time.Second

// Coordinator owns one registry, scheduler, auth manager, artifact cache and
// transport server, and binds them together.
//
// Worker messages arrive through the transport handler and are dispatched to
// the components; scheduler decisions flow back out as JOB_REQUEST messages.
// A maintenance loop drives heartbeats, timeouts and queue processing.
//
// Example:
//
//	cfg, _ := config.Load("forge.yaml")
//	c, err := coordinator.New(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return c.Run(ctx)
type Coordinator struct {
	id     string
	cfg    *config.Config
	logger *zap.Logger
	now    func() time.Time

	auth      *auth.Manager
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	cache     *cache.Cache // nil when disabled
	server    *transport.Server
	transfers *transfers
	maint     *maintenance
	engine    *gin.Engine

	serverTLS *tls.Config
	started   time.Time

	mu       sync.Mutex
	sessions map[string]*session // by connection id

	ready    chan struct{}
	apiAddr  net.Addr
	stopOnce sync.Once
}

// session is the per-connection handshake state.
type session struct {
	remote   string
	workerID string

	// Set while a challenge is outstanding.
	hello       *protocol.Message
	challengeID string
}

// New builds a coordinator from cfg. Nothing listens until Run.
func New(cfg *config.Config, logger *zap.Logger) (*Coordinator, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	id := cfg.ID
	if id == "" {
		id = "coordinator-" + uuid.NewString()[:8]
	}

	c := &Coordinator{
		id:       id,
		cfg:      cfg,
		logger:   logger.Named("coordinator").With(zap.String("coordinator_id", id)),
		now:      time.Now,
		sessions: make(map[string]*session),
		ready:    make(chan struct{}),
		started:  time.Now(),
	}

	if err := c.initAuth(logger); err != nil {
		return nil, err
	}

	c.registry = registry.New(registry.Config{
		MaxWorkers:            cfg.Limits.MaxWorkers,
		HeartbeatTimeout:      cfg.Heartbeat.Timeout,
		MaxMissedHeartbeats:   cfg.Heartbeat.MaxMissed,
		HealthChangeThreshold: registry.DefaultHealthChangeThreshold,
	}, registry.EventFuncs{
		Registered:    c.onWorkerRegistered,
		Unregistered:  c.onWorkerUnregistered,
		HealthChanged: c.onWorkerHealthChanged,
	}, logger)

	strategy, err := scheduler.ParseStrategy(cfg.Scheduler.Strategy)
	if err != nil {
		return nil, err
	}
	algorithm, err := scheduler.ParseAlgorithm(cfg.Scheduler.Algorithm)
	if err != nil {
		return nil, err
	}
	c.scheduler = scheduler.New(scheduler.Config{
		Algorithm:       algorithm,
		DefaultStrategy: strategy,
		MaxRetries:      cfg.Scheduler.MaxRetries,
		JobTimeout:      cfg.Scheduler.JobTimeout,
		MaxBuilds:       cfg.Scheduler.MaxBuilds,
		MaxPendingJobs:  cfg.Scheduler.MaxPendingJobs,
	}, c.registry, scheduler.EventFuncs{
		Assigned:  c.onJobAssigned,
		Completed: c.onJobCompleted,
		Failed:    c.onJobFailed,
		BuildDone: c.onBuildCompleted,
	}, logger)

	if cfg.Cache.Enabled {
		if err := c.initCache(logger); err != nil {
			return nil, err
		}
	}

	srvCfg := transport.DefaultServerConfig()
	srvCfg.MaxConnections = cfg.Limits.MaxConnections
	if cfg.Limits.MaxMessageSize > 0 {
		srvCfg.MaxMessageSize = cfg.Limits.MaxMessageSize
	}
	if cfg.ConnectionTimeout > 0 {
		srvCfg.IdleTimeout = cfg.ConnectionTimeout
	}
	if cfg.TLS.Enabled {
		verify := cfg.TLS.VerifyPeer || cfg.Auth.Method == config.AuthMTLS
		tlsCfg, err := transport.LoadServerTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.CAFile, verify)
		if err != nil {
			return nil, err
		}
		srvCfg.TLS = tlsCfg
		c.serverTLS = tlsCfg
	}
	c.server = transport.NewServer(srvCfg, transport.HandlerFuncs{
		Connect:    c.onConnect,
		Message:    c.dispatch,
		Disconnect: c.onDisconnect,
		Error:      c.onProtocolError,
	}, logger)

	c.transfers = newTransfers(maxTransferSize)
	c.maint = newMaintenance(c, cfg.MaintenanceInterval)
	c.engine = c.newAPI()
	return c, nil
}

func (c *Coordinator) initAuth(logger *zap.Logger) error {
	acfg := auth.DefaultConfig()
	acfg.Issuer = c.id
	acfg.Secret = []byte(c.cfg.Auth.Secret)
	acfg.AllowRefresh = c.cfg.Auth.AllowRefresh
	if c.cfg.Auth.DefaultTTL != 0 {
		acfg.DefaultTTL = c.cfg.Auth.DefaultTTL
	}
	acfg.TokenFile = c.cfg.Auth.TokenFile
	c.auth = auth.New(acfg, logger)

	if c.cfg.Auth.TokenFile != "" {
		if _, err := c.auth.LoadTokens(c.cfg.Auth.TokenFile); err != nil {
			return err
		}
	}
	if c.cfg.Auth.Token != "" {
		if _, err := c.auth.AddStatic(c.cfg.Auth.Token, auth.TokenWorker, "preshared"); err != nil {
			return fmt.Errorf("register pre-shared token: %w", err)
		}
	}
	return nil
}

func (c *Coordinator) initCache(logger *zap.Logger) error {
	store, err := storage.NewDiskStore(c.cfg.Cache.Dir)
	if err != nil {
		return fmt.Errorf("open cache dir: %w", err)
	}
	ccfg := cache.DefaultConfig()
	ccfg.MaxBytes = c.cfg.Cache.MaxBytes
	ccfg.MaxEntries = c.cfg.Cache.MaxEntries
	ccfg.MaxAge = c.cfg.Cache.MaxAge
	ccfg.Compress = c.cfg.Cache.Compress
	ccfg.IndexPath = filepath.Join(c.cfg.Cache.Dir, "index.yaml")

	c.cache, err = cache.New(ccfg, store, logger)
	if err != nil {
		return err
	}
	if c.cfg.Cache.RemoteURL != "" {
		remote, err := cache.NewRemoteClient(cache.RemoteConfig{
			URL:      c.cfg.Cache.RemoteURL,
			ReadOnly: c.cfg.Cache.RemoteReadOnly,
			Token:    c.cfg.Cache.RemoteToken,
		})
		if err != nil {
			return err
		}
		c.cache.SetRemote(remote)
	}
	return nil
}

// ID returns the coordinator id sent to workers.
func (c *Coordinator) ID() string { return c.id }

// Auth returns the credential manager.
func (c *Coordinator) Auth() *auth.Manager { return c.auth }

// Registry returns the worker registry.
func (c *Coordinator) Registry() *registry.Registry { return c.registry }

// Scheduler returns the job scheduler.
func (c *Coordinator) Scheduler() *scheduler.Scheduler { return c.scheduler }

// Cache returns the artifact cache, or nil when it is disabled.
func (c *Coordinator) Cache() *cache.Cache { return c.cache }

// WorkerHandler is the websocket endpoint workers connect to. Run serves it
// on the listen address; tests can mount it on an httptest server.
func (c *Coordinator) WorkerHandler() http.Handler { return c.server }

// APIHandler is the admin and build-submission HTTP API.
func (c *Coordinator) APIHandler() http.Handler { return c.engine }

// Ready is closed once Run has bound its listeners.
func (c *Coordinator) Ready() <-chan struct{} { return c.ready }

// TransportAddr returns the worker listen address once Run has started.
func (c *Coordinator) TransportAddr() string { return c.server.Addr() }

// APIAddr returns the API listen address once Run has started.
func (c *Coordinator) APIAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.apiAddr == nil {
		return ""
	}
	return c.apiAddr.String()
}

// Run serves workers and the API and runs the maintenance loop until ctx is
// cancelled or a listener fails. On return every connection is closed and
// workers have been sent SHUTDOWN.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.server.Start(c.cfg.Listen); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}

	var apiSrv *http.Server
	var apiLn net.Listener
	if c.cfg.API != "" {
		ln, err := net.Listen("tcp", c.cfg.API)
		if err != nil {
			_ = c.server.Stop(context.Background())
			return fmt.Errorf("listen api: %w", err)
		}
		if c.serverTLS != nil {
			ln = tls.NewListener(ln, c.serverTLS)
		}
		apiLn = ln
		apiSrv = &http.Server{Handler: c.engine, ReadHeaderTimeout: 10 * time.Second}
		c.mu.Lock()
		c.apiAddr = ln.Addr()
		c.mu.Unlock()
	}

	c.logger.Info("coordinator started",
		zap.String("listen", c.server.Addr()),
		zap.String("api", c.APIAddr()),
		zap.String("auth", c.cfg.Auth.Method),
		zap.String("algorithm", string(c.scheduler.Algorithm())),
		zap.Bool("cache", c.cache != nil))
	close(c.ready)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.maint.run(gctx)
		return nil
	})
	if apiSrv != nil {
		g.Go(func() error {
			if err := apiSrv.Serve(apiLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("api server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		c.shutdown(sctx, "coordinator stopping")
		if apiSrv != nil {
			_ = apiSrv.Shutdown(sctx)
		}
		return nil
	})
	return g.Wait()
}

// shutdown tells every worker the coordinator is leaving and closes the
// transport.
func (c *Coordinator) shutdown(ctx context.Context, reason string) {
	c.stopOnce.Do(func() {
		if msg, err := protocol.NewMessage(protocol.MsgShutdown, c.id, protocol.Shutdown{Reason: reason}); err == nil {
			n := c.server.Broadcast(msg)
			c.logger.Info("shutdown broadcast", zap.Int("workers", n))
		}
		// Let write loops flush the SHUTDOWN frames.
		time.Sleep(50 * time.Millisecond)
		if err := c.server.Stop(ctx); err != nil {
			c.logger.Warn("transport stop", zap.Error(err))
		}
		c.logger.Info("coordinator stopped")
	})
}

// BuildRequest is a build submission: a project, an optional strategy and its
// jobs.
type BuildRequest struct {
	Project  string             `json:"project" binding:"required"`
	Strategy string             `json:"strategy,omitempty"`
	Jobs     []protocol.JobSpec `json:"jobs"`
}

// SubmitBuild opens a build, submits its jobs, completes those whose outputs
// are already cached, starts the build and dispatches what it can.
//
// Behavior:
//   - Compile jobs without a CacheKey get one from cache.KeyForJob
//   - A compile job whose key is cached locally, or on the remote cache, is
//     completed without being dispatched
//   - If any job is rejected the build is cancelled and freed, and the
//     error is returned
//
// Returns:
//   - A copy of the build after the first dispatch pass
//
// Example:
//
//	b, err := c.SubmitBuild(BuildRequest{
//		Project: "app",
//		Jobs: []protocol.JobSpec{
//			{JobID: "main", Type: protocol.JobCompile, SourceFile: "main.c", OutputFile: "main.o", SourceHash: sum},
//		},
//	})
func (c *Coordinator) SubmitBuild(req BuildRequest) (*scheduler.Build, error) {
	var strategy scheduler.Strategy
	if req.Strategy != "" {
		s, err := scheduler.ParseStrategy(req.Strategy)
		if err != nil {
			return nil, err
		}
		strategy = s
	}

	build, err := c.scheduler.CreateBuild(req.Project, strategy)
	if err != nil {
		return nil, err
	}

	var cached []*scheduler.Job
	for i := range req.Jobs {
		spec := req.Jobs[i]
		if spec.Type == "" {
			spec.Type = protocol.JobCompile
		}
		if spec.CacheKey == "" {
			spec.CacheKey = cache.KeyForJob(&spec)
		}
		job, err := c.scheduler.SubmitJob(build.ID, spec)
		if err != nil {
			c.abandonBuild(build.ID)
			return nil, fmt.Errorf("job %d: %w", i, err)
		}
		if c.cachedOutput(job) {
			cached = append(cached, job)
		}
	}

	for _, job := range cached {
		c.completeFromCache(job)
	}

	if err := c.scheduler.StartBuild(build.ID); err != nil {
		return nil, err
	}
	c.logger.Info("build submitted",
		zap.String("build_id", build.ID),
		zap.String("project", req.Project),
		zap.Int("jobs", len(req.Jobs)),
		zap.Int("cached", len(cached)))

	c.processQueue()
	b, _ := c.scheduler.GetBuild(build.ID)
	return b, nil
}

func (c *Coordinator) abandonBuild(id string) {
	if _, err := c.scheduler.CancelBuild(id); err != nil {
		c.logger.Debug("cancel abandoned build", zap.String("build_id", id), zap.Error(err))
	}
	_ = c.scheduler.FreeBuild(id)
}

// cachedOutput reports whether job's output is in the local cache, pulling it
// from the remote cache first when only the remote has it.
func (c *Coordinator) cachedOutput(job *scheduler.Job) bool {
	if c.cache == nil || job.Spec.CacheKey == "" || job.Spec.Type != protocol.JobCompile {
		return false
	}
	key := job.Spec.CacheKey
	if c.cache.Contains(key) {
		return true
	}
	if c.cache.Remote() == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), remoteFetchTimeout)
	defer cancel()
	switch c.cache.Lookup(ctx, key) {
	case cache.HitLocal:
		return true
	case cache.HitRemote:
		if _, err := c.cache.Fetch(ctx, key); err != nil {
			c.logger.Warn("remote cache fetch failed",
				zap.String("job_id", job.ID), zap.String("key", key), zap.Error(err))
			return false
		}
		c.logger.Debug("artifact fetched from remote cache", zap.String("job_id", job.ID), zap.String("key", key))
		return true
	}
	return false
}

func (c *Coordinator) completeFromCache(job *scheduler.Job) {
	entry, ok := c.cache.Get(job.Spec.CacheKey)
	if !ok {
		return
	}
	result := protocol.JobResult{
		Artifacts: []protocol.ArtifactRef{{
			Path:     job.Spec.OutputFile,
			Hash:     entry.ContentHash,
			CacheKey: entry.Key,
			Size:     entry.Size,
		}},
	}
	if err := c.scheduler.CompleteCached(job.ID, result); err != nil {
		c.logger.Debug("complete from cache", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// CancelBuild cancels a build and tells the workers still running its jobs to
// stop.
func (c *Coordinator) CancelBuild(id string) error {
	running, err := c.scheduler.CancelBuild(id)
	if err != nil {
		return err
	}
	for _, job := range running {
		c.sendCancel(job.WorkerID, job.ID, "build cancelled")
	}
	return nil
}

// WaitBuild polls until the build reaches a terminal state, ctx ends, or
// timeout elapses. A zero timeout waits for ctx only.
func (c *Coordinator) WaitBuild(ctx context.Context, id string, timeout time.Duration) (*scheduler.Build, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(buildPollInterval)
	defer ticker.Stop()
	for {
		b, ok := c.scheduler.GetBuild(id)
		if !ok {
			return nil, fmt.Errorf("%w: %s", scheduler.ErrBuildNotFound, id)
		}
		if b.State.Terminal() {
			return b, nil
		}
		select {
		case <-ctx.Done():
			return b, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stats is a point-in-time view of the whole coordinator.
type Stats struct {
	CoordinatorID string          `json:"coordinator_id"`
	Uptime        time.Duration   `json:"uptime"`
	Connections   int             `json:"connections"`
	Workers       registry.Stats  `json:"workers"`
	Scheduler     scheduler.Stats `json:"scheduler"`
	Cache         *cache.Stats    `json:"cache,omitempty"`
}

// Stats collects statistics from every component.
func (c *Coordinator) Stats() Stats {
	st := Stats{
		CoordinatorID: c.id,
		Uptime:        c.now().Sub(c.started),
		Connections:   c.server.ConnectionCount(),
		Workers:       c.registry.Stats(),
		Scheduler:     c.scheduler.Stats(),
	}
	if c.cache != nil {
		cs := c.cache.Stats()
		st.Cache = &cs
	}
	return st
}

// processQueue dispatches as many pending jobs as workers can take.
func (c *Coordinator) processQueue() {
	if n := c.scheduler.ProcessQueue(); n > 0 {
		c.logger.Debug("jobs dispatched", zap.Int("count", n))
	}
}

// sendCancel asks a worker to stop a job. Unknown workers are ignored.
func (c *Coordinator) sendCancel(workerID, jobID, reason string) {
	w, ok := c.registry.Get(workerID)
	if !ok || w.Conn == nil {
		return
	}
	msg, err := protocol.NewMessage(protocol.MsgJobCancel, c.id, protocol.JobCancel{JobID: jobID, Reason: reason})
	if err != nil {
		return
	}
	msg.CorrelationID = jobID
	if err := w.Conn.Send(msg); err != nil {
		c.logger.Debug("send JOB_CANCEL", zap.String("worker_id", workerID), zap.String("job_id", jobID), zap.Error(err))
	}
}

// disconnectWorker reschedules the worker's jobs and then removes it. The
// order matters: the scheduler still needs the worker's id while it
// reschedules.
func (c *Coordinator) disconnectWorker(workerID, reason string) {
	lost := c.releaseWorker(workerID)
	if _, ok := c.registry.Unregister(workerID, reason); !ok {
		return
	}
	c.logger.Info("worker removed",
		zap.String("worker_id", workerID),
		zap.String("reason", reason),
		zap.Int("rescheduled_jobs", len(lost)))
	c.processQueue()
}

// releaseWorker stops new placements on workerID and requeues its running
// jobs. The worker stays registered; a dispatch pass that runs before it is
// unregistered sees it draining and skips it.
func (c *Coordinator) releaseWorker(workerID string) []string {
	c.registry.Drain(workerID)
	return c.scheduler.HandleWorkerDisconnect(workerID)
}
