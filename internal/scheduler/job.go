package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/dreamware/forge/internal/protocol"
	"github.com/dreamware/forge/internal/registry"
)

// JobState is a job's lifecycle state.
//
//	PENDING → ASSIGNED → RUNNING → {COMPLETED | FAILED | TIMEOUT}
//	FAILED/TIMEOUT → RETRY → PENDING   (while retry_count < max_retries)
//	any non-terminal state → CANCELLED
type JobState string

const (
	JobPending   JobState = "pending"
	JobAssigned  JobState = "assigned"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobTimeout   JobState = "timeout"
	JobRetry     JobState = "retry"
	JobCancelled JobState = "cancelled"
)

// Terminal reports whether the job will never run again.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// BuildState is a build session's lifecycle state.
//
//	PENDING → DECOMPOSING → RUNNING ⇄ COMPLETING → {COMPLETED | FAILED}
//	any non-terminal state → CANCELLED
//
// A build is COMPLETING once none of its jobs are waiting for a worker; a
// retried job moves it back to RUNNING.
type BuildState string

const (
	BuildPending     BuildState = "pending"
	BuildDecomposing BuildState = "decomposing"
	BuildRunning     BuildState = "running"
	BuildCompleting  BuildState = "completing"
	BuildCompleted   BuildState = "completed"
	BuildFailed      BuildState = "failed"
	BuildCancelled   BuildState = "cancelled"
)

// Terminal reports whether the build has finished.
func (s BuildState) Terminal() bool {
	return s == BuildCompleted || s == BuildFailed || s == BuildCancelled
}

// ErrUnknownName is returned when parsing an unrecognized strategy or
// algorithm name.
var ErrUnknownName = errors.New("unknown name")

// Strategy describes how a build's sources were decomposed into jobs.
type Strategy string

const (
	StrategyPerUnit      Strategy = "per-unit"
	StrategyPerTarget    Strategy = "per-target"
	StrategyWholeProject Strategy = "whole-project"
	StrategyHybrid       Strategy = "hybrid"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyPerUnit, StrategyPerTarget, StrategyWholeProject, StrategyHybrid:
		return st, nil
	}
	return "", fmt.Errorf("%w: distribution strategy %q", ErrUnknownName, s)
}

// Algorithm is the load-balancing policy used to pick a worker.
type Algorithm string

const (
	RoundRobin   Algorithm = "round-robin"
	LeastLoaded  Algorithm = "least-loaded"
	Weighted     Algorithm = "weighted"
	LeastLatency Algorithm = "least-latency"
	Random       Algorithm = "random"
)

// ParseAlgorithm validates an algorithm name.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch a := Algorithm(s); a {
	case RoundRobin, LeastLoaded, Weighted, LeastLatency, Random:
		return a, nil
	}
	return "", fmt.Errorf("%w: load-balancing algorithm %q", ErrUnknownName, s)
}

// Job is one schedulable unit of work.
type Job struct {
	ID       string            `json:"job_id"`
	BuildID  string            `json:"build_id"`
	Spec     protocol.JobSpec  `json:"spec"`
	Priority protocol.Priority `json:"priority"`
	State    JobState          `json:"state"`
	WorkerID string            `json:"assigned_worker_id,omitempty"`

	QueuedAt    time.Time `json:"queued_at"`
	AssignedAt  time.Time `json:"assigned_at,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	Deadline    time.Time `json:"deadline,omitempty"`

	RetryCount   int                 `json:"retry_count"`
	MaxRetries   int                 `json:"max_retries"`
	LastError    string              `json:"last_error,omitempty"`
	Progress     float64             `json:"progress"`
	Dependencies []string            `json:"dependencies,omitempty"`
	Result       *protocol.JobResult `json:"result,omitempty"`

	seq   uint64 // queue order among equal priorities
	index int    // heap position, -1 when not queued
}

func (j *Job) clone() *Job {
	c := *j
	c.Dependencies = append([]string(nil), j.Dependencies...)
	if j.Result != nil {
		r := *j.Result
		r.Artifacts = append([]protocol.ArtifactRef(nil), j.Result.Artifacts...)
		c.Result = &r
	}
	return &c
}

// Build is one logical build request and its job counters.
type Build struct {
	ID          string     `json:"build_id"`
	ProjectName string     `json:"project_name"`
	Strategy    Strategy   `json:"strategy"`
	State       BuildState `json:"state"`

	Total     int `json:"total_jobs"`
	Pending   int `json:"pending_jobs"`
	Running   int `json:"running_jobs"`
	Completed int `json:"completed_jobs"`
	Failed    int `json:"failed_jobs"`
	Cancelled int `json:"cancelled_jobs"`
	Cached    int `json:"cached_jobs"`

	Progress  float64                `json:"progress_percent"`
	Success   bool                   `json:"success"`
	Artifacts []protocol.ArtifactRef `json:"artifacts,omitempty"`
	JobIDs    []string               `json:"job_ids"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

func (b *Build) clone() *Build {
	c := *b
	c.JobIDs = append([]string(nil), b.JobIDs...)
	c.Artifacts = append([]protocol.ArtifactRef(nil), b.Artifacts...)
	return &c
}

func (b *Build) resolved() int {
	return b.Completed + b.Failed + b.Cancelled
}

func (b *Build) updateProgress() {
	if b.Total == 0 {
		b.Progress = 0
		return
	}
	b.Progress = 100 * float64(b.resolved()) / float64(b.Total)
}

// Events receives scheduler notifications. Callbacks run after the scheduler
// lock is released and may call back into the scheduler.
type Events interface {
	// JobAssigned must transmit the JOB_REQUEST to the worker. If that
	// fails, the receiver reports the job as failed.
	JobAssigned(job *Job, worker *registry.Worker)
	JobCompleted(job *Job)
	JobFailed(job *Job)
	BuildCompleted(build *Build)
}

// EventFuncs adapts functions to Events. Nil fields are ignored.
type EventFuncs struct {
	Assigned  func(job *Job, worker *registry.Worker)
	Completed func(job *Job)
	Failed    func(job *Job)
	BuildDone func(build *Build)
}

var _ Events = EventFuncs{}

func (f EventFuncs) JobAssigned(job *Job, worker *registry.Worker) {
	if f.Assigned != nil {
		f.Assigned(job, worker)
	}
}

func (f EventFuncs) JobCompleted(job *Job) {
	if f.Completed != nil {
		f.Completed(job)
	}
}

func (f EventFuncs) JobFailed(job *Job) {
	if f.Failed != nil {
		f.Failed(job)
	}
}

func (f EventFuncs) BuildCompleted(build *Build) {
	if f.BuildDone != nil {
		f.BuildDone(build)
	}
}
