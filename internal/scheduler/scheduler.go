// Package scheduler turns submitted jobs into worker assignments.
//
// Jobs belong to build sessions. A build collects its jobs until it is
// started; from then on its jobs wait in one priority queue shared by all
// builds. ProcessQueue assigns the queue head to a worker chosen by the
// configured load-balancing algorithm until the head is blocked on an
// unfinished dependency or no worker can take it. Failures, timeouts and
// worker disconnects all feed the same retry-then-fail path, bounded by each
// job's retry budget.
package scheduler

import (
	"container/heap"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/forge/internal/protocol"
	"github.com/dreamware/forge/internal/registry"
)

var (
	// ErrJobNotFound is returned for operations on an unknown job id.
	ErrJobNotFound = errors.New("job not found")

	// ErrBuildNotFound is returned for operations on an unknown build id.
	ErrBuildNotFound = errors.New("build not found")

	// ErrQueueFull is returned when MaxPendingJobs jobs are already waiting.
	ErrQueueFull = errors.New("pending job queue full")

	// ErrCapacityExceeded is returned when MaxBuilds builds are active.
	ErrCapacityExceeded = errors.New("build capacity exceeded")

	// ErrDuplicateJob is returned when a job id is already in use.
	ErrDuplicateJob = errors.New("duplicate job id")

	// ErrUnknownDependency is returned when a job depends on an unknown job.
	ErrUnknownDependency = errors.New("unknown job dependency")

	// ErrBuildFinished is returned when modifying a build that has ended.
	ErrBuildFinished = errors.New("build already finished")

	// ErrJobNotRunning is returned when reporting on a job that is not
	// assigned to a worker.
	ErrJobNotRunning = errors.New("job not running")

	// ErrInvalidState is returned for operations not allowed in a job's or
	// build's current state.
	ErrInvalidState = errors.New("invalid state for operation")
)

// WorkerPool is the part of the worker registry the scheduler uses.
// *registry.Registry implements it.
type WorkerPool interface {
	SelectWorker(c registry.Criteria) (*registry.Worker, bool)
	Eligible(c registry.Criteria) []*registry.Worker
	AcquireSlot(id string) error
	ReleaseSlot(id string) bool
	RecordJobResult(id string, success bool, d time.Duration) bool
}

// Config configures a Scheduler.
type Config struct {
	Algorithm       Algorithm
	DefaultStrategy Strategy
	// MaxRetries is the retry budget given to each job.
	MaxRetries int
	// JobTimeout applies to jobs whose spec carries no timeout.
	JobTimeout time.Duration
	// MaxBuilds caps builds that have not finished; 0 means unlimited.
	MaxBuilds int
	// MaxPendingJobs caps jobs waiting for a worker; 0 means unlimited.
	MaxPendingJobs int
}

// DefaultConfig returns the settings used when none are given.
func DefaultConfig() Config {
	return Config{
		Algorithm:       Weighted,
		DefaultStrategy: StrategyPerUnit,
		MaxRetries:      3,
		JobTimeout:      10 * time.Minute,
		MaxBuilds:       64,
		MaxPendingJobs:  100000,
	}
}

// Stats are cumulative scheduler counters.
type Stats struct {
	PendingJobs int `json:"pending_jobs"`
	RunningJobs int `json:"running_jobs"`

	JobsSubmitted uint64 `json:"jobs_submitted"`
	JobsCompleted uint64 `json:"jobs_completed"`
	JobsFailed    uint64 `json:"jobs_failed"`
	JobsRetried   uint64 `json:"jobs_retried"`
	JobsTimedOut  uint64 `json:"jobs_timed_out"`
	JobsCancelled uint64 `json:"jobs_cancelled"`
	JobsCached    uint64 `json:"jobs_cached"`

	BuildsActive    int    `json:"builds_active"`
	BuildsCompleted uint64 `json:"builds_completed"`
	BuildsFailed    uint64 `json:"builds_failed"`
	BuildsCancelled uint64 `json:"builds_cancelled"`

	AvgWaitTime time.Duration `json:"avg_wait_time"`
	AvgRunTime  time.Duration `json:"avg_run_time"`
}

// Scheduler owns the pending queue, the running set and all build sessions.
//
// All state is guarded by one mutex. The scheduler calls into its
// WorkerPool while holding it; events are delivered after it is released.
type Scheduler struct {
	cfg    Config
	pool   WorkerPool
	logger *zap.Logger
	now    func() time.Time
	rng    *rand.Rand

	mu      sync.Mutex
	events  Events
	queue   jobQueue
	held    int // jobs of builds not yet started
	running map[string]*Job
	jobs    map[string]*Job
	builds  map[string]*Build
	seq     uint64
	rr      int
	stats   Stats
	waitN   uint64
	runN    uint64
}

// New creates a scheduler placing jobs on workers from pool.
func New(cfg Config, pool WorkerPool, events Events, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if events == nil {
		events = EventFuncs{}
	}
	def := DefaultConfig()
	if cfg.Algorithm == "" {
		cfg.Algorithm = def.Algorithm
	}
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = def.DefaultStrategy
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}
	return &Scheduler{
		cfg:     cfg,
		pool:    pool,
		events:  events,
		logger:  logger.Named("scheduler"),
		now:     time.Now,
		rng:     rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
		running: make(map[string]*Job),
		jobs:    make(map[string]*Job),
		builds:  make(map[string]*Build),
	}
}

// SetEvents replaces the event sink.
func (s *Scheduler) SetEvents(events Events) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if events == nil {
		events = EventFuncs{}
	}
	s.events = events
}

// Algorithm returns the load-balancing algorithm in use.
func (s *Scheduler) Algorithm() Algorithm { return s.cfg.Algorithm }

type pending []func(Events)

func (s *Scheduler) unlock(p pending) {
	events := s.events
	s.mu.Unlock()
	for _, fire := range p {
		fire(events)
	}
}

// CreateBuild opens a build session in the PENDING state. Jobs submitted to
// it are held until StartBuild.
//
// Parameters:
//   - project: Display name recorded on the build
//   - strategy: Decomposition strategy; empty uses the configured default
//
// Returns:
//   - A copy of the new build
//   - ErrCapacityExceeded when MaxBuilds builds are already open
func (s *Scheduler) CreateBuild(project string, strategy Strategy) (*Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.MaxBuilds > 0 && s.activeBuildsLocked() >= s.cfg.MaxBuilds {
		return nil, fmt.Errorf("%w: limit %d", ErrCapacityExceeded, s.cfg.MaxBuilds)
	}
	if strategy == "" {
		strategy = s.cfg.DefaultStrategy
	}
	b := &Build{
		ID:          uuid.NewString(),
		ProjectName: project,
		Strategy:    strategy,
		State:       BuildPending,
		CreatedAt:   s.now(),
	}
	s.builds[b.ID] = b
	s.logger.Info("build created",
		zap.String("build_id", b.ID),
		zap.String("project", project),
		zap.String("strategy", string(strategy)))
	return b.clone(), nil
}

func (s *Scheduler) activeBuildsLocked() int {
	n := 0
	for _, b := range s.builds {
		if !b.State.Terminal() {
			n++
		}
	}
	return n
}

// SubmitJob adds a job to a build. Jobs of a build that has not been started
// are held until StartBuild; jobs added to a running build are queued
// immediately. An empty spec.JobID is filled with a fresh id.
//
// Dependencies must already be submitted to the same build. A dependency
// with a lower priority than the new job inherits the job's priority, along
// with its own dependencies.
//
// Parameters:
//   - buildID: Build that owns the job; it must not have finished
//   - spec: Job description, validated with JobSpec.Validate
//
// Returns:
//   - A copy of the queued or held job
//   - ErrBuildNotFound, ErrBuildFinished, ErrQueueFull, ErrDuplicateJob or
//     ErrUnknownDependency, wrapped with the offending id
//
// Example:
//
//	b, _ := s.CreateBuild("app", StrategyPerUnit)
//	s.SubmitJob(b.ID, protocol.JobSpec{JobID: "main", Type: protocol.JobCompile, SourceFile: "main.c", OutputFile: "main.o"})
//	s.SubmitJob(b.ID, protocol.JobSpec{JobID: "app", Type: protocol.JobLink, OutputFile: "app", Dependencies: []string{"main"}})
//	s.StartBuild(b.ID)
func (s *Scheduler) SubmitJob(buildID string, spec protocol.JobSpec) (*Job, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.builds[buildID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBuildNotFound, buildID)
	}
	if b.State.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrBuildFinished, buildID, b.State)
	}
	if s.cfg.MaxPendingJobs > 0 && s.queue.Len()+s.held >= s.cfg.MaxPendingJobs {
		return nil, fmt.Errorf("%w: limit %d", ErrQueueFull, s.cfg.MaxPendingJobs)
	}
	if spec.JobID == "" {
		spec.JobID = uuid.NewString()
	}
	if _, dup := s.jobs[spec.JobID]; dup {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, spec.JobID)
	}
	spec.BuildID = buildID

	if err := s.checkDepsLocked(spec); err != nil {
		return nil, err
	}
	s.inheritPriorityLocked(spec.Dependencies, spec.Priority)
	started := b.State == BuildRunning || b.State == BuildCompleting

	job := &Job{
		ID:           spec.JobID,
		BuildID:      buildID,
		Spec:         spec,
		Priority:     spec.Priority,
		State:        JobPending,
		MaxRetries:   s.cfg.MaxRetries,
		Dependencies: append([]string(nil), spec.Dependencies...),
		QueuedAt:     s.now(),
		index:        -1,
	}
	s.jobs[job.ID] = job
	b.JobIDs = append(b.JobIDs, job.ID)
	b.Total++
	b.Pending++
	b.updateProgress()
	s.stats.JobsSubmitted++

	if started {
		s.enqueueLocked(job)
		s.updateBuildStateLocked(b)
	} else {
		s.held++
		b.State = BuildDecomposing
	}

	s.logger.Debug("job submitted",
		zap.String("job_id", job.ID),
		zap.String("build_id", buildID),
		zap.String("type", string(spec.Type)),
		zap.Stringer("priority", spec.Priority))
	return job.clone(), nil
}

// checkDepsLocked requires dependencies to belong to the same build and to be
// submitted before their dependents.
func (s *Scheduler) checkDepsLocked(spec protocol.JobSpec) error {
	for _, d := range spec.Dependencies {
		dep, ok := s.jobs[d]
		if !ok || dep.BuildID != spec.BuildID {
			return fmt.Errorf("%w: %s", ErrUnknownDependency, d)
		}
	}
	return nil
}

// inheritPriorityLocked raises unfinished dependencies, and theirs in turn,
// to prio. A dependent queued ahead of its dependency would block the queue
// head forever, so a dependency never runs (or is retried) at a lower
// priority than any job waiting on it. Spec.Priority keeps the submitted
// value.
func (s *Scheduler) inheritPriorityLocked(deps []string, prio protocol.Priority) {
	for _, d := range deps {
		dep, ok := s.jobs[d]
		if !ok || dep.State.Terminal() || dep.Priority >= prio {
			continue
		}
		s.logger.Debug("dependency priority raised",
			zap.String("job_id", dep.ID),
			zap.Stringer("from", dep.Priority),
			zap.Stringer("to", prio))
		dep.Priority = prio
		if dep.index >= 0 {
			heap.Fix(&s.queue, dep.index)
		}
		s.inheritPriorityLocked(dep.Dependencies, prio)
	}
}

// enqueueLocked queues a job. A retried job keeps its original position
// among equal priorities, which keeps it ahead of its dependents.
func (s *Scheduler) enqueueLocked(job *Job) {
	if job.seq == 0 {
		s.seq++
		job.seq = s.seq
	}
	job.QueuedAt = s.now()
	heap.Push(&s.queue, job)
}

// StartBuild releases a build's held jobs into the queue in submission order
// and moves the build to RUNNING. A build whose jobs were all satisfied from
// cache, or that has no jobs, completes immediately and fires
// BuildCompleted.
//
// Returns ErrBuildNotFound, or ErrInvalidState when the build was already
// started or has finished.
func (s *Scheduler) StartBuild(buildID string) error {
	s.mu.Lock()
	var ev pending
	defer func() { s.unlock(ev) }()

	b, ok := s.builds[buildID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBuildNotFound, buildID)
	}
	if b.State != BuildPending && b.State != BuildDecomposing {
		return fmt.Errorf("%w: build %s is %s", ErrInvalidState, buildID, b.State)
	}

	var toQueue []*Job
	for _, id := range b.JobIDs {
		job := s.jobs[id]
		if job.State != JobPending || job.index >= 0 {
			continue
		}
		toQueue = append(toQueue, job)
	}

	b.State = BuildRunning
	b.StartedAt = s.now()
	for _, job := range toQueue {
		s.held--
		s.enqueueLocked(job)
	}
	s.logger.Info("build started",
		zap.String("build_id", buildID),
		zap.Int("jobs", b.Total),
		zap.Int("cached", b.Cached))

	s.updateBuildStateLocked(b)
	s.maybeFinalizeLocked(b, &ev)
	return nil
}

// ProcessQueue assigns queued jobs to workers, highest priority first.
//
// Behavior:
//   - Fails a head job whose dependency failed or was cancelled
//   - Stops at the first job whose dependencies have not completed; later
//     jobs are never reordered past it
//   - Stops when no worker can take the head job
//   - Picks the worker with the configured Algorithm and reserves a slot on
//     it before firing JobAssigned
//
// Returns:
//   - Number of jobs assigned in this pass
//
// Safe to call from any goroutine; callers typically run it after every
// event that frees capacity or adds work.
func (s *Scheduler) ProcessQueue() int {
	s.mu.Lock()
	var ev pending
	defer func() { s.unlock(ev) }()

	assigned := 0
	for {
		job := s.queue.peek()
		if job == nil {
			break
		}

		ready, failedDep := s.depsLocked(job)
		if failedDep != "" {
			heap.Pop(&s.queue)
			s.terminateLocked(job, JobFailed, fmt.Sprintf("dependency %s did not complete", failedDep), &ev)
			continue
		}
		if !ready {
			break
		}

		crit := registry.Criteria{Required: job.Spec.RequiredCapabilities()}
		w, ok := s.pickLocked(crit)
		if !ok {
			break
		}
		if err := s.pool.AcquireSlot(w.ID); err != nil {
			s.logger.Debug("slot acquisition failed", zap.String("worker_id", w.ID), zap.Error(err))
			break
		}
		heap.Pop(&s.queue)

		now := s.now()
		job.State = JobAssigned
		job.WorkerID = w.ID
		job.AssignedAt = now
		job.Deadline = now.Add(s.timeoutFor(job))
		s.running[job.ID] = job
		s.recordWaitLocked(now.Sub(job.QueuedAt))

		b := s.builds[job.BuildID]
		b.Pending--
		b.Running++
		s.updateBuildStateLocked(b)
		assigned++

		s.logger.Debug("job assigned",
			zap.String("job_id", job.ID),
			zap.String("worker_id", w.ID),
			zap.Stringer("priority", job.Priority))

		jc := job.clone()
		ev = append(ev, func(e Events) { e.JobAssigned(jc, w) })
	}
	return assigned
}

func (s *Scheduler) timeoutFor(job *Job) time.Duration {
	if job.Spec.TimeoutMs > 0 {
		return time.Duration(job.Spec.TimeoutMs) * time.Millisecond
	}
	return s.cfg.JobTimeout
}

// depsLocked reports whether all dependencies completed, or names one that
// never will.
func (s *Scheduler) depsLocked(job *Job) (ready bool, failed string) {
	ready = true
	for _, id := range job.Dependencies {
		dep, ok := s.jobs[id]
		if !ok {
			return false, id
		}
		switch dep.State {
		case JobCompleted:
		case JobFailed, JobCancelled:
			return false, id
		default:
			ready = false
		}
	}
	return ready, ""
}

// MarkJobStarted records a worker's JOB_ACCEPT.
func (s *Scheduler) MarkJobStarted(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.running[jobID]
	if !ok {
		return s.notRunningLocked(jobID)
	}
	if job.State == JobAssigned {
		job.State = JobRunning
		job.StartedAt = s.now()
	}
	return nil
}

// UpdateProgress records a JOB_PROGRESS report.
func (s *Scheduler) UpdateProgress(jobID string, percent float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.running[jobID]
	if !ok {
		return s.notRunningLocked(jobID)
	}
	if job.State == JobAssigned {
		job.State = JobRunning
		job.StartedAt = s.now()
	}
	job.Progress = percent
	return nil
}

func (s *Scheduler) notRunningLocked(jobID string) error {
	if _, ok := s.jobs[jobID]; !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return fmt.Errorf("%w: %s", ErrJobNotRunning, jobID)
}

// ReportJobResult records the outcome of a running job.
//
// A successful result completes the job, releases its worker slot, adds its
// artifacts to the build and may complete the build. An unsuccessful result
// is handled like ReportJobFailure with the result's error or exit code as
// the reason, so it is retried while the budget lasts.
//
// Returns ErrJobNotFound for an unknown job and ErrJobNotRunning for a job
// that is queued or already finished.
func (s *Scheduler) ReportJobResult(jobID string, result protocol.JobResult) error {
	if !result.Success {
		reason := result.Error
		if reason == "" {
			reason = fmt.Sprintf("exit code %d", result.ExitCode)
		}
		return s.reportFailure(jobID, reason, &result)
	}

	s.mu.Lock()
	var ev pending
	defer func() { s.unlock(ev) }()

	job, ok := s.running[jobID]
	if !ok {
		return s.notRunningLocked(jobID)
	}

	now := s.now()
	delete(s.running, jobID)
	start := job.StartedAt
	if start.IsZero() {
		start = job.AssignedAt
	}
	run := now.Sub(start)
	s.pool.ReleaseSlot(job.WorkerID)
	s.pool.RecordJobResult(job.WorkerID, true, run)
	s.recordRunLocked(run)

	job.Result = &result
	job.Result.JobID = jobID
	job.Progress = 100
	b := s.builds[job.BuildID]
	b.Running--

	if b.State == BuildCancelled {
		job.State = JobCancelled
		job.CompletedAt = now
		b.Cancelled++
		b.updateProgress()
		s.stats.JobsCancelled++
		return nil
	}

	job.State = JobCompleted
	job.CompletedAt = now
	b.Completed++
	b.updateProgress()
	s.stats.JobsCompleted++

	s.logger.Debug("job completed",
		zap.String("job_id", jobID),
		zap.String("worker_id", job.WorkerID),
		zap.Duration("duration", run))

	jc := job.clone()
	ev = append(ev, func(e Events) { e.JobCompleted(jc) })
	s.maybeFinalizeLocked(b, &ev)
	return nil
}

// ReportJobFailure records a failed attempt. The job is re-queued while its
// retry budget lasts and fails terminally after that.
func (s *Scheduler) ReportJobFailure(jobID, reason string) error {
	return s.reportFailure(jobID, reason, nil)
}

func (s *Scheduler) reportFailure(jobID, reason string, result *protocol.JobResult) error {
	s.mu.Lock()
	var ev pending
	defer func() { s.unlock(ev) }()

	job, ok := s.running[jobID]
	if !ok {
		return s.notRunningLocked(jobID)
	}
	if result != nil {
		r := *result
		r.JobID = jobID
		job.Result = &r
	}
	s.failLocked(job, JobFailed, reason, &ev)
	return nil
}

// failLocked routes a running job through the retry-then-fail path. state is
// JobFailed or JobTimeout.
func (s *Scheduler) failLocked(job *Job, state JobState, reason string, ev *pending) {
	now := s.now()
	worker := job.WorkerID
	if worker != "" {
		start := job.StartedAt
		if start.IsZero() {
			start = job.AssignedAt
		}
		s.pool.ReleaseSlot(worker)
		s.pool.RecordJobResult(worker, false, now.Sub(start))
	}
	delete(s.running, job.ID)

	b := s.builds[job.BuildID]
	b.Running--
	b.Pending++
	job.State = state
	job.LastError = reason

	if b.State == BuildCancelled {
		b.Pending--
		job.State = JobCancelled
		job.CompletedAt = now
		b.Cancelled++
		b.updateProgress()
		s.stats.JobsCancelled++
		return
	}

	if job.RetryCount < job.MaxRetries {
		job.RetryCount++
		job.State = JobRetry
		s.stats.JobsRetried++
		s.logger.Info("job retried",
			zap.String("job_id", job.ID),
			zap.String("worker_id", worker),
			zap.String("reason", reason),
			zap.Int("retry", job.RetryCount),
			zap.Int("max_retries", job.MaxRetries))

		job.State = JobPending
		job.WorkerID = ""
		job.AssignedAt = time.Time{}
		job.StartedAt = time.Time{}
		job.Deadline = time.Time{}
		job.Progress = 0
		s.enqueueLocked(job)
		s.updateBuildStateLocked(b)
		return
	}

	s.terminateLocked(job, JobFailed, reason, ev)
}

// terminateLocked ends a job that is not running: it must already have left
// the queue and be counted as pending in its build.
func (s *Scheduler) terminateLocked(job *Job, state JobState, reason string, ev *pending) {
	b := s.builds[job.BuildID]
	b.Pending--
	job.State = state
	job.LastError = reason
	job.CompletedAt = s.now()

	switch state {
	case JobCancelled:
		b.Cancelled++
		s.stats.JobsCancelled++
	default:
		b.Failed++
		s.stats.JobsFailed++
		s.logger.Warn("job failed",
			zap.String("job_id", job.ID),
			zap.String("build_id", job.BuildID),
			zap.String("reason", reason),
			zap.Int("retries", job.RetryCount))
		jc := job.clone()
		*ev = append(*ev, func(e Events) { e.JobFailed(jc) })
	}
	b.updateProgress()
	s.updateBuildStateLocked(b)
	s.maybeFinalizeLocked(b, ev)
}

// CheckTimeouts fails every running job past its deadline. It returns
// snapshots of the timed-out jobs, taken before rescheduling, so the caller
// can tell their workers to stop.
func (s *Scheduler) CheckTimeouts() []*Job {
	s.mu.Lock()
	var ev pending
	defer func() { s.unlock(ev) }()

	now := s.now()
	var expired []*Job
	for _, job := range s.running {
		if !job.Deadline.IsZero() && now.After(job.Deadline) {
			expired = append(expired, job)
		}
	}
	slices.SortFunc(expired, func(a, b *Job) int { return a.Deadline.Compare(b.Deadline) })

	out := make([]*Job, 0, len(expired))
	for _, job := range expired {
		job.State = JobTimeout
		out = append(out, job.clone())
		s.stats.JobsTimedOut++
		s.logger.Warn("job timed out",
			zap.String("job_id", job.ID),
			zap.String("worker_id", job.WorkerID),
			zap.Time("deadline", job.Deadline))
		s.failLocked(job, JobTimeout, "timed out", &ev)
	}
	return out
}

// HandleWorkerDisconnect treats every job running on workerID as failed and
// reschedules it. It must run before the worker is unregistered. It returns
// the affected job ids.
func (s *Scheduler) HandleWorkerDisconnect(workerID string) []string {
	s.mu.Lock()
	var ev pending
	defer func() { s.unlock(ev) }()

	var lost []*Job
	for _, job := range s.running {
		if job.WorkerID == workerID {
			lost = append(lost, job)
		}
	}
	slices.SortFunc(lost, func(a, b *Job) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})

	ids := make([]string, 0, len(lost))
	for _, job := range lost {
		ids = append(ids, job.ID)
		s.failLocked(job, JobFailed, "worker disconnected", &ev)
	}
	if len(ids) > 0 {
		s.logger.Info("rescheduling jobs of disconnected worker",
			zap.String("worker_id", workerID),
			zap.Strings("jobs", ids))
	}
	return ids
}

// CompleteCached completes a job that has not been assigned yet with a
// result served from the artifact cache.
func (s *Scheduler) CompleteCached(jobID string, result protocol.JobResult) error {
	s.mu.Lock()
	var ev pending
	defer func() { s.unlock(ev) }()

	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if job.State != JobPending {
		return fmt.Errorf("%w: job %s is %s", ErrInvalidState, jobID, job.State)
	}
	if job.index >= 0 {
		s.queue.remove(job)
	} else {
		s.held--
	}

	result.JobID = jobID
	result.Success = true
	result.FromCache = true
	job.Result = &result
	job.State = JobCompleted
	job.Progress = 100
	job.CompletedAt = s.now()

	b := s.builds[job.BuildID]
	b.Pending--
	b.Completed++
	b.Cached++
	b.updateProgress()
	s.stats.JobsCompleted++
	s.stats.JobsCached++

	jc := job.clone()
	ev = append(ev, func(e Events) { e.JobCompleted(jc) })
	s.updateBuildStateLocked(b)
	s.maybeFinalizeLocked(b, &ev)
	return nil
}

// CancelBuild cancels a build: its waiting jobs are dropped and the build
// ends CANCELLED. Running jobs are not stopped here; they are returned so the
// caller can send JOB_CANCEL to their workers.
func (s *Scheduler) CancelBuild(buildID string) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.builds[buildID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBuildNotFound, buildID)
	}
	if b.State.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrBuildFinished, buildID, b.State)
	}

	now := s.now()
	var running []*Job
	for _, id := range b.JobIDs {
		job := s.jobs[id]
		switch {
		case job.State == JobPending:
			if job.index >= 0 {
				s.queue.remove(job)
			} else {
				s.held--
			}
			job.State = JobCancelled
			job.CompletedAt = now
			b.Pending--
			b.Cancelled++
			s.stats.JobsCancelled++
		case job.State == JobAssigned || job.State == JobRunning:
			running = append(running, job.clone())
		}
	}
	b.State = BuildCancelled
	b.CompletedAt = now
	b.updateProgress()
	s.stats.BuildsCancelled++

	s.logger.Info("build cancelled",
		zap.String("build_id", buildID),
		zap.Int("running_jobs", len(running)))
	return running, nil
}

// CancelJob cancels one job. A running job is released from its worker and
// returned so the caller can send JOB_CANCEL.
func (s *Scheduler) CancelJob(jobID string) (*Job, error) {
	s.mu.Lock()
	var ev pending
	defer func() { s.unlock(ev) }()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	switch job.State {
	case JobPending:
		if job.index >= 0 {
			s.queue.remove(job)
		} else {
			s.held--
		}
	case JobAssigned, JobRunning:
		delete(s.running, jobID)
		s.pool.ReleaseSlot(job.WorkerID)
		b := s.builds[job.BuildID]
		b.Running--
		b.Pending++
	default:
		return nil, fmt.Errorf("%w: job %s is %s", ErrInvalidState, jobID, job.State)
	}
	snapshot := job.clone()
	s.terminateLocked(job, JobCancelled, "cancelled", &ev)
	return snapshot, nil
}

func (s *Scheduler) updateBuildStateLocked(b *Build) {
	if b.State != BuildRunning && b.State != BuildCompleting {
		return
	}
	if b.Pending == 0 && b.Running > 0 {
		b.State = BuildCompleting
	} else if b.Pending > 0 {
		b.State = BuildRunning
	}
}

// maybeFinalizeLocked ends a started build once every job is resolved. The
// build succeeds only if no job failed or was cancelled.
func (s *Scheduler) maybeFinalizeLocked(b *Build, ev *pending) {
	if b.State != BuildRunning && b.State != BuildCompleting {
		return
	}
	if b.resolved() < b.Total {
		return
	}

	b.State = BuildCompleting
	b.Artifacts = b.Artifacts[:0]
	for _, id := range b.JobIDs {
		if job := s.jobs[id]; job.Result != nil && job.State == JobCompleted {
			b.Artifacts = append(b.Artifacts, job.Result.Artifacts...)
		}
	}
	b.Success = b.Failed == 0 && b.Cancelled == 0
	b.CompletedAt = s.now()
	b.Progress = 100
	if b.Success {
		b.State = BuildCompleted
		s.stats.BuildsCompleted++
	} else {
		b.State = BuildFailed
		s.stats.BuildsFailed++
	}

	s.logger.Info("build finished",
		zap.String("build_id", b.ID),
		zap.String("project", b.ProjectName),
		zap.String("state", string(b.State)),
		zap.Int("completed", b.Completed),
		zap.Int("failed", b.Failed),
		zap.Int("cached", b.Cached),
		zap.Duration("elapsed", b.CompletedAt.Sub(b.CreatedAt)))

	bc := b.clone()
	*ev = append(*ev, func(e Events) { e.BuildCompleted(bc) })
}

func (s *Scheduler) recordWaitLocked(d time.Duration) {
	s.waitN++
	s.stats.AvgWaitTime += (d - s.stats.AvgWaitTime) / time.Duration(s.waitN)
}

func (s *Scheduler) recordRunLocked(d time.Duration) {
	s.runN++
	s.stats.AvgRunTime += (d - s.stats.AvgRunTime) / time.Duration(s.runN)
}

// GetJob returns a copy of a job.
func (s *Scheduler) GetJob(id string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	return job.clone(), true
}

// GetBuild returns a copy of a build.
func (s *Scheduler) GetBuild(id string) (*Build, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.builds[id]
	if !ok {
		return nil, false
	}
	return b.clone(), true
}

// BuildJobs returns copies of a build's jobs in submission order.
func (s *Scheduler) BuildJobs(id string) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.builds[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBuildNotFound, id)
	}
	out := make([]*Job, 0, len(b.JobIDs))
	for _, jid := range b.JobIDs {
		out = append(out, s.jobs[jid].clone())
	}
	return out, nil
}

// ListBuilds returns copies of all builds, oldest first.
func (s *Scheduler) ListBuilds() []*Build {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Build, 0, len(s.builds))
	for _, b := range s.builds {
		out = append(out, b.clone())
	}
	slices.SortFunc(out, func(a, b *Build) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// RunningJobs returns copies of the jobs assigned to workerID, or of all
// running jobs when workerID is empty.
func (s *Scheduler) RunningJobs(workerID string) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Job
	for _, job := range s.running {
		if workerID == "" || job.WorkerID == workerID {
			out = append(out, job.clone())
		}
	}
	slices.SortFunc(out, func(a, b *Job) int { return a.AssignedAt.Compare(b.AssignedAt) })
	return out
}

// FreeBuild forgets a finished build and its jobs.
func (s *Scheduler) FreeBuild(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freeLocked(id)
}

func (s *Scheduler) freeLocked(id string) error {
	b, ok := s.builds[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBuildNotFound, id)
	}
	if !b.State.Terminal() || b.Running > 0 {
		return fmt.Errorf("%w: build %s is %s with %d running jobs", ErrInvalidState, id, b.State, b.Running)
	}
	for _, jid := range b.JobIDs {
		delete(s.jobs, jid)
	}
	delete(s.builds, id)
	return nil
}

// PruneBuilds frees finished builds that ended more than retention ago. It
// returns the number freed.
func (s *Scheduler) PruneBuilds(retention time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-retention)
	n := 0
	for id, b := range s.builds {
		if b.State.Terminal() && b.CompletedAt.Before(cutoff) {
			if s.freeLocked(id) == nil {
				n++
			}
		}
	}
	if n > 0 {
		s.logger.Debug("pruned builds", zap.Int("count", n))
	}
	return n
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.PendingJobs = s.queue.Len() + s.held
	st.RunningJobs = len(s.running)
	st.BuildsActive = s.activeBuildsLocked()
	return st
}
