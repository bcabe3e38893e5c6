package registry

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/forge/internal/protocol"
)

var (
	// ErrWorkerNotFound is returned for operations on an unknown worker id.
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrCapacityExceeded is returned when registering beyond MaxWorkers.
	ErrCapacityExceeded = errors.New("worker capacity exceeded")

	// ErrAlreadyRegistered is returned when a connection registers twice.
	ErrAlreadyRegistered = errors.New("connection already registered")

	// ErrNoSlots is returned by AcquireSlot when the worker is saturated.
	ErrNoSlots = errors.New("worker has no free job slots")

	// ErrNotSelectable is returned by AcquireSlot for workers that may not
	// receive jobs in their current state.
	ErrNotSelectable = errors.New("worker not accepting jobs")
)

// Config configures a Registry.
type Config struct {
	// MaxWorkers caps registrations; 0 means unlimited.
	MaxWorkers int
	// HeartbeatTimeout is how long a worker may stay silent before a
	// heartbeat counts as missed.
	HeartbeatTimeout time.Duration
	// MaxMissedHeartbeats is the missed count at which a worker goes offline.
	MaxMissedHeartbeats int
	// HealthChangeThreshold is the score movement that fires
	// WorkerHealthChanged.
	HealthChangeThreshold float64
}

// DefaultConfig returns the settings used when none are given.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:            256,
		HeartbeatTimeout:      30 * time.Second,
		MaxMissedHeartbeats:   3,
		HealthChangeThreshold: DefaultHealthChangeThreshold,
	}
}

// Registry tracks connected workers and selects workers for jobs.
//
// Every worker enters through Register after a successful handshake and
// leaves through Unregister. In between, heartbeats and status updates keep
// its liveness and health current, CheckHeartbeats demotes silent workers to
// OFFLINE, and AcquireSlot/ReleaseSlot move it between ONLINE and BUSY as
// jobs are assigned and finish.
//
// Concurrency Model:
//   - One mutex guards all worker state
//   - Returned workers are copies
//   - Events fire after the lock is released, in the order they occurred
//
// Operations on an unknown worker id never panic: they return false or
// ErrWorkerNotFound.
//
// Example:
//
//	reg := registry.New(registry.DefaultConfig(), events, logger)
//	w, err := reg.Register(hello, conn)
//	if err != nil {
//	    // reply with ERROR
//	}
//	best, ok := reg.SelectWorker(registry.Criteria{Required: protocol.CapGCC})
type Registry struct {
	cfg    Config
	events Events
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	workers map[string]*Worker
	byConn  map[string]string // connection id -> worker id
	nextSeq uint64
}

// New creates a registry. events may be nil.
func New(cfg Config, events Events, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if events == nil {
		events = EventFuncs{}
	}
	if cfg.MaxMissedHeartbeats <= 0 {
		cfg.MaxMissedHeartbeats = 3
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultConfig().HeartbeatTimeout
	}
	if cfg.HealthChangeThreshold <= 0 {
		cfg.HealthChangeThreshold = DefaultHealthChangeThreshold
	}
	return &Registry{
		cfg:     cfg,
		events:  events,
		logger:  logger.Named("registry"),
		now:     time.Now,
		workers: make(map[string]*Worker),
		byConn:  make(map[string]string),
	}
}

// SetEvents replaces the event sink.
func (r *Registry) SetEvents(events Events) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if events == nil {
		events = EventFuncs{}
	}
	r.events = events
}

// pending collects events raised under the lock so they can be delivered
// after it is released.
type pending []func(Events)

func (p *pending) registered(w *Worker) {
	c := w.clone()
	*p = append(*p, func(e Events) { e.WorkerRegistered(c) })
}

func (p *pending) unregistered(w *Worker, reason string) {
	c := w.clone()
	*p = append(*p, func(e Events) { e.WorkerUnregistered(c, reason) })
}

func (p *pending) stateChanged(w *Worker, from State) {
	c := w.clone()
	*p = append(*p, func(e Events) { e.WorkerStateChanged(c, from) })
}

func (p *pending) healthChanged(w *Worker, from float64) {
	c := w.clone()
	*p = append(*p, func(e Events) { e.WorkerHealthChanged(c, from) })
}

// unlock releases the lock and delivers collected events.
func (r *Registry) unlock(p pending) {
	events := r.events
	r.mu.Unlock()
	for _, fire := range p {
		fire(events)
	}
}

// Register creates a worker from its HELLO and fires Registered.
//
// Parameters:
//   - hello: The worker's HELLO payload; MaxJobs defaults to the reported
//     CPU core count, and at least one
//   - conn: The worker's connection, or nil for workers added without one
//
// Returns:
//   - A copy of the ONLINE worker with a fresh id and full health
//   - ErrCapacityExceeded at MaxWorkers, ErrAlreadyRegistered when conn
//     already belongs to a worker
func (r *Registry) Register(hello protocol.Hello, conn Connection) (*Worker, error) {
	r.mu.Lock()
	var ev pending
	defer func() { r.unlock(ev) }()

	if r.cfg.MaxWorkers > 0 && len(r.workers) >= r.cfg.MaxWorkers {
		return nil, fmt.Errorf("%w: limit %d", ErrCapacityExceeded, r.cfg.MaxWorkers)
	}
	if conn != nil {
		if id, ok := r.byConn[conn.ID()]; ok {
			return nil, fmt.Errorf("%w: worker %s", ErrAlreadyRegistered, id)
		}
	}

	maxJobs := hello.MaxJobs
	if maxJobs <= 0 {
		maxJobs = hello.System.CPUCores
	}
	if maxJobs <= 0 {
		maxJobs = 1
	}
	name := hello.Name
	if name == "" {
		name = hello.System.Hostname
	}

	now := r.now()
	r.nextSeq++
	w := &Worker{
		ID:            uuid.NewString(),
		Name:          name,
		Hostname:      hello.System.Hostname,
		Version:       hello.Version,
		State:         StateConnecting,
		Capabilities:  hello.Capabilities,
		System:        hello.System,
		MaxJobs:       maxJobs,
		RegisteredAt:  now,
		LastHeartbeat: now,
		Conn:          conn,
		seq:           r.nextSeq,
	}
	w.HealthScore = computeHealth(w, now)
	w.reportedHealth = w.HealthScore

	r.workers[w.ID] = w
	if conn != nil {
		r.byConn[conn.ID()] = w.ID
	}
	r.setStateLocked(w, StateOnline, &ev)
	ev.registered(w)

	r.logger.Info("worker registered",
		zap.String("worker_id", w.ID),
		zap.String("name", w.Name),
		zap.String("hostname", w.Hostname),
		zap.Stringer("capabilities", w.Capabilities),
		zap.Int("max_jobs", w.MaxJobs))
	return w.clone(), nil
}

// Unregister removes a worker. It returns the removed worker, or false if the
// id is unknown. The worker's connection is left untouched.
func (r *Registry) Unregister(id, reason string) (*Worker, bool) {
	r.mu.Lock()
	var ev pending
	defer func() { r.unlock(ev) }()

	w, ok := r.workers[id]
	if !ok {
		return nil, false
	}
	delete(r.workers, id)
	if w.Conn != nil {
		delete(r.byConn, w.Conn.ID())
	}
	from := w.State
	w.State = StateOffline
	if from != StateOffline {
		ev.stateChanged(w, from)
	}
	ev.unregistered(w, reason)

	r.logger.Info("worker unregistered",
		zap.String("worker_id", id),
		zap.String("name", w.Name),
		zap.String("reason", reason),
		zap.Int("active_jobs", w.ActiveJobs))
	return w.clone(), true
}

// Heartbeat records liveness and, when hb is non-nil, fresh load metrics.
func (r *Registry) Heartbeat(id string, hb *protocol.Heartbeat) bool {
	r.mu.Lock()
	var ev pending
	defer func() { r.unlock(ev) }()

	w, ok := r.workers[id]
	if !ok {
		return false
	}
	now := r.now()
	w.LastHeartbeat = now
	w.MissedHeartbeats = 0
	if hb != nil {
		w.CPUUsage = hb.CPUUsage
		w.MemoryUsage = hb.MemoryUsage
		if hb.LatencyMs > 0 {
			w.LatencyMs = float64(hb.LatencyMs)
		}
	}
	if w.State == StateOffline {
		r.setStateLocked(w, r.loadState(w), &ev)
	}
	r.refreshHealthLocked(w, now, &ev)
	return true
}

// UpdateHealth applies a STATUS_UPDATE. It also counts as a heartbeat.
func (r *Registry) UpdateHealth(id string, status protocol.StatusUpdate) bool {
	r.mu.Lock()
	var ev pending
	defer func() { r.unlock(ev) }()

	w, ok := r.workers[id]
	if !ok {
		return false
	}
	now := r.now()
	w.LastHeartbeat = now
	w.MissedHeartbeats = 0
	w.CPUUsage = status.CPUUsage
	w.MemoryUsage = status.MemoryUsage
	if status.LatencyMs > 0 {
		w.LatencyMs = float64(status.LatencyMs)
	}
	if status.MaxJobs > 0 {
		w.MaxJobs = status.MaxJobs
	}

	switch {
	case status.Draining && w.State != StateDraining:
		r.setStateLocked(w, StateDraining, &ev)
	case !status.Draining && (w.State == StateDraining || w.State == StateOffline):
		r.setStateLocked(w, r.loadState(w), &ev)
	case w.State.Selectable():
		r.setStateLocked(w, r.loadState(w), &ev)
	}
	r.refreshHealthLocked(w, now, &ev)
	return true
}

// SetState forces a worker's state.
func (r *Registry) SetState(id string, state State) bool {
	r.mu.Lock()
	var ev pending
	defer func() { r.unlock(ev) }()

	w, ok := r.workers[id]
	if !ok {
		return false
	}
	r.setStateLocked(w, state, &ev)
	return true
}

// Drain stops a worker from receiving new jobs. Running jobs continue.
func (r *Registry) Drain(id string) bool {
	return r.SetState(id, StateDraining)
}

// Undrain returns a drained worker to service.
func (r *Registry) Undrain(id string) bool {
	r.mu.Lock()
	var ev pending
	defer func() { r.unlock(ev) }()

	w, ok := r.workers[id]
	if !ok {
		return false
	}
	if w.State == StateDraining {
		r.setStateLocked(w, r.loadState(w), &ev)
	}
	return true
}

// loadState is ONLINE or BUSY depending on free slots.
func (r *Registry) loadState(w *Worker) State {
	if w.ActiveJobs >= w.MaxJobs {
		return StateBusy
	}
	return StateOnline
}

func (r *Registry) setStateLocked(w *Worker, to State, ev *pending) {
	if w.State == to {
		return
	}
	from := w.State
	w.State = to
	ev.stateChanged(w, from)

	level := zap.DebugLevel
	if to == StateOffline || to == StateError || to == StateDraining || from == StateDraining {
		level = zap.InfoLevel
	}
	if ce := r.logger.Check(level, "worker state changed"); ce != nil {
		ce.Write(zap.String("worker_id", w.ID), zap.Stringer("from", from), zap.Stringer("to", to))
	}
}

func (r *Registry) refreshHealthLocked(w *Worker, now time.Time, ev *pending) {
	w.HealthScore = computeHealth(w, now)
	if math.Abs(w.HealthScore-w.reportedHealth) > r.cfg.HealthChangeThreshold {
		from := w.reportedHealth
		w.reportedHealth = w.HealthScore
		ev.healthChanged(w, from)
	}
}

// CheckHeartbeats counts a missed heartbeat for every live worker silent for
// longer than HeartbeatTimeout. Workers reaching MaxMissedHeartbeats go
// OFFLINE; their ids are returned so the caller can reschedule their jobs and
// unregister them.
func (r *Registry) CheckHeartbeats() []string {
	r.mu.Lock()
	var ev pending
	defer func() { r.unlock(ev) }()

	now := r.now()
	var offline []string
	for _, w := range r.sortedLocked() {
		if !w.State.Selectable() && w.State != StateDraining {
			continue
		}
		if now.Sub(w.LastHeartbeat) <= r.cfg.HeartbeatTimeout {
			continue
		}
		w.MissedHeartbeats++
		r.logger.Debug("heartbeat missed",
			zap.String("worker_id", w.ID),
			zap.Int("missed", w.MissedHeartbeats),
			zap.Duration("silent_for", now.Sub(w.LastHeartbeat)))
		if w.MissedHeartbeats >= r.cfg.MaxMissedHeartbeats {
			r.logger.Warn("worker heartbeat timeout",
				zap.String("worker_id", w.ID),
				zap.String("name", w.Name),
				zap.Int("missed", w.MissedHeartbeats))
			r.setStateLocked(w, StateOffline, &ev)
			offline = append(offline, w.ID)
		}
		r.refreshHealthLocked(w, now, &ev)
	}
	return offline
}

// AcquireSlot reserves one job slot, moving the worker to BUSY when it
// becomes saturated.
func (r *Registry) AcquireSlot(id string) error {
	r.mu.Lock()
	var ev pending
	defer func() { r.unlock(ev) }()

	w, ok := r.workers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	if !w.State.Selectable() {
		return fmt.Errorf("%w: %s is %s", ErrNotSelectable, id, w.State)
	}
	if w.ActiveJobs >= w.MaxJobs {
		return fmt.Errorf("%w: %s", ErrNoSlots, id)
	}
	w.ActiveJobs++
	r.setStateLocked(w, r.loadState(w), &ev)
	return nil
}

// ReleaseSlot frees one job slot, returning a BUSY worker to ONLINE.
func (r *Registry) ReleaseSlot(id string) bool {
	r.mu.Lock()
	var ev pending
	defer func() { r.unlock(ev) }()

	w, ok := r.workers[id]
	if !ok {
		return false
	}
	if w.ActiveJobs > 0 {
		w.ActiveJobs--
	}
	if w.State.Selectable() {
		r.setStateLocked(w, r.loadState(w), &ev)
	}
	return true
}

// RecordJobResult updates a worker's job counters and rolling average
// duration.
func (r *Registry) RecordJobResult(id string, success bool, d time.Duration) bool {
	r.mu.Lock()
	var ev pending
	defer func() { r.unlock(ev) }()

	w, ok := r.workers[id]
	if !ok {
		return false
	}
	if success {
		w.JobsCompleted++
		n := time.Duration(w.JobsCompleted)
		w.AvgJobDuration += (d - w.AvgJobDuration) / n
	} else {
		w.JobsFailed++
	}
	r.refreshHealthLocked(w, r.now(), &ev)
	return true
}

// Get returns a copy of a worker.
func (r *Registry) Get(id string) (*Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return nil, false
	}
	return w.clone(), true
}

// ByConnection returns the worker registered on a connection.
func (r *Registry) ByConnection(connID string) (*Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byConn[connID]
	if !ok {
		return nil, false
	}
	return r.workers[id].clone(), true
}

// List returns copies of all workers in registration order.
func (r *Registry) List() []*Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	sorted := r.sortedLocked()
	out := make([]*Worker, len(sorted))
	for i, w := range sorted {
		out[i] = w.clone()
	}
	return out
}

// Count returns the number of registered workers.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// Stats summarizes the registry.
type Stats struct {
	Workers    int           `json:"workers"`
	ByState    map[State]int `json:"by_state"`
	TotalSlots int           `json:"total_slots"`
	ActiveJobs int           `json:"active_jobs"`
	AvgHealth  float64       `json:"avg_health"`
}

// Stats returns worker counts and aggregate load.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{Workers: len(r.workers), ByState: make(map[State]int)}
	for _, w := range r.workers {
		s.ByState[w.State]++
		s.TotalSlots += w.MaxJobs
		s.ActiveJobs += w.ActiveJobs
		s.AvgHealth += w.HealthScore
	}
	if s.Workers > 0 {
		s.AvgHealth /= float64(s.Workers)
	}
	return s
}

// sortedLocked returns the live worker pointers in registration order.
func (r *Registry) sortedLocked() []*Worker {
	out := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	slices.SortFunc(out, func(a, b *Worker) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	return out
}
