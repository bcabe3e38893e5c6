// Package registry is the authoritative set of remote workers known to the
// coordinator: their liveness, capabilities, load and health, and the
// selection of a worker for each job.
package registry

import (
	"fmt"
	"time"

	"github.com/dreamware/forge/internal/protocol"
)

// State is a worker's lifecycle state.
//
//	OFFLINE → CONNECTING → ONLINE ⇄ BUSY
//	                         │
//	                         ├→ DRAINING (administrative)
//	                         ├→ ERROR
//	                         └→ OFFLINE (heartbeat timeout, unregister)
//
// Only ONLINE and BUSY workers are selectable.
type State int

const (
	StateOffline State = iota
	StateConnecting
	StateOnline
	StateBusy
	StateDraining
	StateError
)

var stateNames = map[State]string{
	StateOffline:    "offline",
	StateConnecting: "connecting",
	StateOnline:     "online",
	StateBusy:       "busy",
	StateDraining:   "draining",
	StateError:      "error",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText encodes the state by name for JSON and YAML.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Selectable reports whether a worker in this state may receive jobs.
func (s State) Selectable() bool { return s == StateOnline || s == StateBusy }

// Connection is the registry's view of a worker's transport connection.
//
// The transport layer owns the connection. The registry only holds a
// reference and never closes it.
type Connection interface {
	ID() string
	RemoteAddr() string
	Send(msg *protocol.Message) error
}

// Worker is one registered compute node.
//
// Values returned by the Registry are snapshots; mutating them does not
// affect the registry.
type Worker struct {
	// Identity
	ID       string `json:"id"`
	Name     string `json:"name"`
	Hostname string `json:"hostname"`
	Version  string `json:"version,omitempty"`

	State        State               `json:"state"`
	Capabilities protocol.Capability `json:"capabilities"`
	System       protocol.SystemInfo `json:"system"`

	// Job accounting
	ActiveJobs     int           `json:"active_jobs"`
	MaxJobs        int           `json:"max_jobs"`
	JobsCompleted  uint64        `json:"jobs_completed"`
	JobsFailed     uint64        `json:"jobs_failed"`
	AvgJobDuration time.Duration `json:"avg_job_duration"`

	// Health metrics. CPU and memory usage are fractions in [0,1].
	HealthScore float64 `json:"health_score"`
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsage float64 `json:"memory_usage"`
	LatencyMs   float64 `json:"latency_ms"`

	// Heartbeat bookkeeping
	RegisteredAt     time.Time `json:"registered_at"`
	LastHeartbeat    time.Time `json:"last_heartbeat"`
	MissedHeartbeats int       `json:"missed_heartbeats"`

	// Conn is a non-owning reference to the worker's connection.
	Conn Connection `json:"-"`

	seq            uint64
	reportedHealth float64
}

// AvailableSlots returns how many more jobs the worker can take.
func (w *Worker) AvailableSlots() int {
	if n := w.MaxJobs - w.ActiveJobs; n > 0 {
		return n
	}
	return 0
}

// Load returns ActiveJobs/MaxJobs.
func (w *Worker) Load() float64 {
	if w.MaxJobs <= 0 {
		return 1
	}
	return float64(w.ActiveJobs) / float64(w.MaxJobs)
}

func (w *Worker) clone() *Worker {
	c := *w
	return &c
}

// Events receives registry notifications. Callbacks run after the registry
// lock is released, so they may call back into the registry.
type Events interface {
	WorkerRegistered(w *Worker)
	WorkerUnregistered(w *Worker, reason string)
	WorkerStateChanged(w *Worker, from State)
	WorkerHealthChanged(w *Worker, from float64)
}

// EventFuncs adapts functions to Events. Nil fields are ignored.
type EventFuncs struct {
	Registered    func(w *Worker)
	Unregistered  func(w *Worker, reason string)
	StateChanged  func(w *Worker, from State)
	HealthChanged func(w *Worker, from float64)
}

func (f EventFuncs) WorkerRegistered(w *Worker) {
	if f.Registered != nil {
		f.Registered(w)
	}
}

func (f EventFuncs) WorkerUnregistered(w *Worker, reason string) {
	if f.Unregistered != nil {
		f.Unregistered(w, reason)
	}
}

func (f EventFuncs) WorkerStateChanged(w *Worker, from State) {
	if f.StateChanged != nil {
		f.StateChanged(w, from)
	}
}

func (f EventFuncs) WorkerHealthChanged(w *Worker, from float64) {
	if f.HealthChanged != nil {
		f.HealthChanged(w, from)
	}
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	for st, name := range stateNames {
		if name == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown worker state %q", text)
}
