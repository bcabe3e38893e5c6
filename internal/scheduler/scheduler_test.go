package scheduler

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/forge/internal/protocol"
	"github.com/dreamware/forge/internal/registry"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// harness wires a scheduler to a real registry and records events.
type harness struct {
	t     *testing.T
	reg   *registry.Registry
	s     *Scheduler
	clock *fakeClock

	mu        sync.Mutex
	assigned  []*Job
	assignees []string
	completed []*Job
	failed    []*Job
	finished  []*Build
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		reg:   registry.New(registry.DefaultConfig(), nil, zaptest.NewLogger(t)),
		clock: &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	h.s = New(cfg, h.reg, EventFuncs{
		Assigned: func(job *Job, w *registry.Worker) {
			h.mu.Lock()
			h.assigned = append(h.assigned, job)
			h.assignees = append(h.assignees, w.ID)
			h.mu.Unlock()
		},
		Completed: func(job *Job) {
			h.mu.Lock()
			h.completed = append(h.completed, job)
			h.mu.Unlock()
		},
		Failed: func(job *Job) {
			h.mu.Lock()
			h.failed = append(h.failed, job)
			h.mu.Unlock()
		},
		BuildDone: func(b *Build) {
			h.mu.Lock()
			h.finished = append(h.finished, b)
			h.mu.Unlock()
		},
	}, zaptest.NewLogger(t))
	h.s.now = h.clock.Now
	return h
}

func (h *harness) worker(name string, caps protocol.Capability, maxJobs int) string {
	h.t.Helper()
	w, err := h.reg.Register(protocol.Hello{
		Name:         name,
		System:       protocol.SystemInfo{Hostname: name, Arch: "amd64", OS: "linux", CPUCores: 4},
		Capabilities: caps,
		MaxJobs:      maxJobs,
	}, nil)
	require.NoError(h.t, err)
	return w.ID
}

func (h *harness) build(jobs ...protocol.JobSpec) *Build {
	h.t.Helper()
	b, err := h.s.CreateBuild("demo", StrategyWholeProject)
	require.NoError(h.t, err)
	for _, spec := range jobs {
		_, err := h.s.SubmitJob(b.ID, spec)
		require.NoError(h.t, err)
	}
	return b
}

func (h *harness) assignedIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, len(h.assigned))
	for i, j := range h.assigned {
		ids[i] = j.ID
	}
	return ids
}

func (h *harness) job(id string) *Job {
	h.t.Helper()
	j, ok := h.s.GetJob(id)
	require.True(h.t, ok, id)
	return j
}

func compile(id string, prio protocol.Priority, deps ...string) protocol.JobSpec {
	return protocol.JobSpec{
		JobID:        id,
		Type:         protocol.JobCompile,
		SourceFile:   id + ".c",
		OutputFile:   id + ".o",
		Compiler:     "gcc",
		Priority:     prio,
		Dependencies: deps,
	}
}

func success(id string) protocol.JobResult {
	return protocol.JobResult{
		JobID:     id,
		Success:   true,
		Artifacts: []protocol.ArtifactRef{{Path: id + ".o", Hash: "h-" + id}},
	}
}

func TestEventFuncsSkipsNilFields(t *testing.T) {
	var done []string
	var ev Events = EventFuncs{BuildDone: func(b *Build) { done = append(done, b.ID) }}

	ev.JobAssigned(&Job{ID: "a"}, nil)
	ev.JobCompleted(&Job{ID: "a"})
	ev.JobFailed(&Job{ID: "a"})
	ev.BuildCompleted(&Build{ID: "b1"})
	assert.Equal(t, []string{"b1"}, done)
}

// TestPriorityOrder submits LOW, HIGH and NORMAL jobs and checks that a
// single worker receives them HIGH, NORMAL, LOW.
func TestPriorityOrder(t *testing.T) {
	for _, slots := range []int{1, 3} {
		t.Run(fmt.Sprintf("max_jobs=%d", slots), func(t *testing.T) {
			h := newHarness(t, DefaultConfig())
			h.worker("w1", protocol.CapGCC, slots)
			b := h.build(
				compile("low", protocol.PriorityLow),
				compile("high", protocol.PriorityHigh),
				compile("normal", protocol.PriorityNormal),
			)
			require.NoError(t, h.s.StartBuild(b.ID))

			for len(h.assignedIDs()) < 3 {
				require.Positive(t, h.s.ProcessQueue())
				for _, id := range h.assignedIDs() {
					if h.job(id).State == JobAssigned {
						require.NoError(t, h.s.ReportJobResult(id, success(id)))
					}
				}
			}
			assert.Equal(t, []string{"high", "normal", "low"}, h.assignedIDs())

			got, _ := h.s.GetBuild(b.ID)
			assert.Equal(t, BuildCompleted, got.State)
			assert.True(t, got.Success)
			assert.Len(t, got.Artifacts, 3)
		})
	}
}

func TestRetryBound(t *testing.T) {
	const maxRetries = 2
	tests := []struct {
		name      string
		failures  int
		wantState JobState
	}{
		{"no failures", 0, JobCompleted},
		{"fails within budget then succeeds", maxRetries, JobCompleted},
		{"fails max_retries+1 times", maxRetries + 1, JobFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.MaxRetries = maxRetries
			h := newHarness(t, cfg)
			h.worker("w", protocol.CapGCC, 1)
			b := h.build(compile("j", protocol.PriorityNormal))
			require.NoError(t, h.s.StartBuild(b.ID))

			for i := 0; i < tt.failures; i++ {
				require.Equal(t, 1, h.s.ProcessQueue(), "attempt %d", i+1)
				if i%2 == 0 {
					require.NoError(t, h.s.ReportJobFailure("j", "compiler crashed"))
				} else {
					require.NoError(t, h.s.ReportJobResult("j", protocol.JobResult{ExitCode: 1, Stderr: "error"}))
				}
			}
			if tt.wantState == JobCompleted {
				require.Equal(t, 1, h.s.ProcessQueue())
				require.NoError(t, h.s.ReportJobResult("j", success("j")))
			}

			j := h.job("j")
			assert.Equal(t, tt.wantState, j.State)
			assert.Equal(t, min(tt.failures, maxRetries), j.RetryCount)
			assert.Zero(t, h.s.ProcessQueue(), "a finished job never re-enters the queue")
			assert.Zero(t, h.s.Stats().PendingJobs)

			got, _ := h.s.GetBuild(b.ID)
			assert.Equal(t, tt.wantState == JobCompleted, got.Success)
		})
	}
}

// TestBuildCompletion runs five jobs with zero to two forced terminal
// failures and checks the final build outcome.
func TestBuildCompletion(t *testing.T) {
	for failures := 0; failures <= 2; failures++ {
		t.Run(fmt.Sprintf("%d failures", failures), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.MaxRetries = 0
			h := newHarness(t, cfg)
			h.worker("w", protocol.CapGCC, 5)

			var specs []protocol.JobSpec
			for i := 0; i < 5; i++ {
				specs = append(specs, compile(fmt.Sprintf("j%d", i), protocol.PriorityNormal))
			}
			b := h.build(specs...)
			require.NoError(t, h.s.StartBuild(b.ID))
			require.Equal(t, 5, h.s.ProcessQueue())

			for i := 0; i < 5; i++ {
				id := fmt.Sprintf("j%d", i)
				if i < failures {
					require.NoError(t, h.s.ReportJobResult(id, protocol.JobResult{ExitCode: 2, Error: "boom"}))
				} else {
					require.NoError(t, h.s.ReportJobResult(id, success(id)))
				}
				if i < 4 {
					assert.Empty(t, h.finished, "build must not finish before every job resolves")
				}
			}

			require.Len(t, h.finished, 1)
			final := h.finished[0]
			assert.Equal(t, failures == 0, final.Success)
			assert.Equal(t, 5-failures, final.Completed)
			assert.Equal(t, failures, final.Failed)
			if failures == 0 {
				assert.Equal(t, BuildCompleted, final.State)
			} else {
				assert.Equal(t, BuildFailed, final.State)
			}
			assert.Equal(t, 100.0, final.Progress)
			assert.Len(t, h.failed, failures)
		})
	}
}

func TestWorkerDisconnectReschedules(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	wid := h.worker("w", protocol.CapGCC, 2)
	b := h.build(compile("j", protocol.PriorityNormal))
	require.NoError(t, h.s.StartBuild(b.ID))
	require.Equal(t, 1, h.s.ProcessQueue())
	require.NoError(t, h.s.MarkJobStarted("j"))

	before := h.job("j")
	assert.Equal(t, JobRunning, before.State)
	assert.Equal(t, wid, before.WorkerID)

	assert.Equal(t, []string{"j"}, h.s.HandleWorkerDisconnect(wid))
	after := h.job("j")
	assert.Equal(t, JobPending, after.State)
	assert.Equal(t, before.RetryCount+1, after.RetryCount)
	assert.Empty(t, after.WorkerID)
	assert.Equal(t, "worker disconnected", after.LastError)
	assert.Equal(t, 1, h.s.Stats().PendingJobs)

	w, ok := h.reg.Get(wid)
	require.True(t, ok)
	assert.Zero(t, w.ActiveJobs)

	h.reg.Unregister(wid, "disconnected")
	assert.Zero(t, h.s.ProcessQueue(), "no worker left to take the job")

	got, _ := h.s.GetBuild(b.ID)
	assert.Equal(t, BuildRunning, got.State)
	assert.Equal(t, 1, got.Pending)
	assert.Zero(t, got.Running)
}

func TestCheckTimeouts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.JobTimeout = time.Minute
	h := newHarness(t, cfg)
	wid := h.worker("w", protocol.CapGCC, 2)

	slow := compile("slow", protocol.PriorityNormal)
	quick := compile("quick", protocol.PriorityNormal)
	quick.TimeoutMs = 5000
	b := h.build(slow, quick)
	require.NoError(t, h.s.StartBuild(b.ID))
	require.Equal(t, 2, h.s.ProcessQueue())

	h.clock.Advance(10 * time.Second)
	expired := h.s.CheckTimeouts()
	require.Len(t, expired, 1)
	assert.Equal(t, "quick", expired[0].ID)
	assert.Equal(t, wid, expired[0].WorkerID)
	assert.Equal(t, JobTimeout, expired[0].State)

	q := h.job("quick")
	assert.Equal(t, JobPending, q.State)
	assert.Equal(t, 1, q.RetryCount)
	assert.Equal(t, JobAssigned, h.job("slow").State)

	h.clock.Advance(2 * time.Minute)
	assert.Len(t, h.s.CheckTimeouts(), 1)
	assert.Equal(t, uint64(2), h.s.Stats().JobsTimedOut)
}

func TestDependencies(t *testing.T) {
	t.Run("dependent waits at the head", func(t *testing.T) {
		h := newHarness(t, DefaultConfig())
		h.worker("w", protocol.CapGCC, 4)
		b := h.build(
			compile("a", protocol.PriorityNormal),
			compile("b", protocol.PriorityNormal, "a"),
			compile("c", protocol.PriorityNormal),
		)
		require.NoError(t, h.s.StartBuild(b.ID))

		assert.Equal(t, 1, h.s.ProcessQueue())
		assert.Equal(t, []string{"a"}, h.assignedIDs(), "c must not be reordered past the blocked b")

		require.NoError(t, h.s.ReportJobResult("a", success("a")))
		assert.Equal(t, 2, h.s.ProcessQueue())
		assert.Equal(t, []string{"a", "b", "c"}, h.assignedIDs())
	})

	t.Run("retried dependency stays ahead of its dependent", func(t *testing.T) {
		h := newHarness(t, DefaultConfig())
		h.worker("w", protocol.CapGCC, 4)
		b := h.build(compile("a", protocol.PriorityNormal), compile("b", protocol.PriorityNormal, "a"))
		require.NoError(t, h.s.StartBuild(b.ID))

		require.Equal(t, 1, h.s.ProcessQueue())
		require.NoError(t, h.s.ReportJobFailure("a", "flaky"))
		require.Equal(t, 1, h.s.ProcessQueue())
		assert.Equal(t, []string{"a", "a"}, h.assignedIDs())
	})

	t.Run("dependencies inherit a dependent's higher priority", func(t *testing.T) {
		h := newHarness(t, DefaultConfig())
		h.worker("w", protocol.CapGCC, 1)
		b := h.build(
			compile("gen", protocol.PriorityLow),
			compile("lib", protocol.PriorityLow, "gen"),
			compile("other", protocol.PriorityNormal),
			compile("app", protocol.PriorityHigh, "lib"),
		)
		assert.Equal(t, protocol.PriorityHigh, h.job("gen").Priority)
		assert.Equal(t, protocol.PriorityHigh, h.job("lib").Priority)
		assert.Equal(t, protocol.PriorityLow, h.job("lib").Spec.Priority, "submitted priority is kept")
		assert.Equal(t, protocol.PriorityNormal, h.job("other").Priority)
		require.NoError(t, h.s.StartBuild(b.ID))

		for len(h.assignedIDs()) < 4 {
			require.Equal(t, 1, h.s.ProcessQueue())
			ids := h.assignedIDs()
			last := ids[len(ids)-1]
			require.NoError(t, h.s.ReportJobResult(last, success(last)))
		}
		assert.Equal(t, []string{"gen", "lib", "app", "other"}, h.assignedIDs())
	})

	t.Run("queued dependency moves up when lifted", func(t *testing.T) {
		h := newHarness(t, DefaultConfig())
		h.worker("w", protocol.CapGCC, 1)
		b := h.build(compile("low", protocol.PriorityLow), compile("normal", protocol.PriorityNormal))
		require.NoError(t, h.s.StartBuild(b.ID))

		_, err := h.s.SubmitJob(b.ID, compile("urgent", protocol.PriorityCritical, "low"))
		require.NoError(t, err)
		assert.Equal(t, 1, h.s.ProcessQueue())
		assert.Equal(t, []string{"low"}, h.assignedIDs())
	})

	t.Run("failed dependency fails the dependent", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MaxRetries = 0
		h := newHarness(t, cfg)
		h.worker("w", protocol.CapGCC, 4)
		b := h.build(compile("a", protocol.PriorityNormal), compile("b", protocol.PriorityNormal, "a"))
		require.NoError(t, h.s.StartBuild(b.ID))

		require.Equal(t, 1, h.s.ProcessQueue())
		require.NoError(t, h.s.ReportJobFailure("a", "syntax error"))
		assert.Zero(t, h.s.ProcessQueue())

		dep := h.job("b")
		assert.Equal(t, JobFailed, dep.State)
		assert.Contains(t, dep.LastError, "a")
		assert.Zero(t, dep.RetryCount)

		got, _ := h.s.GetBuild(b.ID)
		assert.Equal(t, BuildFailed, got.State)
		assert.Equal(t, 2, got.Failed)
	})

	t.Run("validation", func(t *testing.T) {
		h := newHarness(t, DefaultConfig())
		b := h.build(compile("a", protocol.PriorityLow))
		other := h.build(compile("x", protocol.PriorityNormal))

		_, err := h.s.SubmitJob(b.ID, compile("b", protocol.PriorityNormal, "missing"))
		assert.ErrorIs(t, err, ErrUnknownDependency)
		_, err = h.s.SubmitJob(b.ID, compile("c", protocol.PriorityNormal, "x"))
		assert.ErrorIs(t, err, ErrUnknownDependency, "dependencies stay within one build")
		_, err = h.s.SubmitJob(b.ID, compile("d", protocol.PriorityHigh, "a"))
		assert.NoError(t, err, "a dependent may outrank its dependency")
		_, err = h.s.SubmitJob(other.ID, compile("y", protocol.PriorityLow, "x"))
		assert.NoError(t, err)
	})
}

func TestCancelBuild(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	wid := h.worker("w", protocol.CapGCC, 1)
	b := h.build(
		compile("a", protocol.PriorityNormal),
		compile("b", protocol.PriorityNormal),
		compile("c", protocol.PriorityNormal),
	)
	require.NoError(t, h.s.StartBuild(b.ID))
	require.Equal(t, 1, h.s.ProcessQueue())

	running, err := h.s.CancelBuild(b.ID)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "a", running[0].ID)
	assert.Equal(t, wid, running[0].WorkerID)

	got, _ := h.s.GetBuild(b.ID)
	assert.Equal(t, BuildCancelled, got.State)
	assert.Equal(t, 2, got.Cancelled)
	assert.Zero(t, h.s.Stats().PendingJobs)
	assert.Zero(t, h.s.ProcessQueue())

	// The worker finishes anyway; the job counts as cancelled.
	require.NoError(t, h.s.ReportJobResult("a", success("a")))
	assert.Equal(t, JobCancelled, h.job("a").State)
	got, _ = h.s.GetBuild(b.ID)
	assert.Equal(t, 3, got.Cancelled)
	assert.Empty(t, h.finished)

	w, _ := h.reg.Get(wid)
	assert.Zero(t, w.ActiveJobs)

	_, err = h.s.CancelBuild(b.ID)
	assert.ErrorIs(t, err, ErrBuildFinished)
	_, err = h.s.SubmitJob(b.ID, compile("late", protocol.PriorityNormal))
	assert.ErrorIs(t, err, ErrBuildFinished)
	require.NoError(t, h.s.FreeBuild(b.ID))
	_, ok := h.s.GetJob("a")
	assert.False(t, ok)
}

func TestCancelJob(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	wid := h.worker("w", protocol.CapGCC, 1)
	b := h.build(compile("a", protocol.PriorityNormal), compile("b", protocol.PriorityNormal))
	require.NoError(t, h.s.StartBuild(b.ID))
	require.Equal(t, 1, h.s.ProcessQueue())

	snap, err := h.s.CancelJob("a")
	require.NoError(t, err)
	assert.Equal(t, wid, snap.WorkerID)
	assert.Equal(t, JobCancelled, h.job("a").State)

	require.Equal(t, 1, h.s.ProcessQueue(), "the freed slot is reused")
	require.NoError(t, h.s.ReportJobResult("b", success("b")))

	got, _ := h.s.GetBuild(b.ID)
	assert.Equal(t, BuildFailed, got.State, "a build with a cancelled job does not succeed")
	assert.ErrorIs(t, h.s.ReportJobResult("a", success("a")), ErrJobNotRunning)
	_, err = h.s.CancelJob("a")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestCompleteCached(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	b := h.build(compile("a", protocol.PriorityNormal), compile("b", protocol.PriorityNormal))

	for _, id := range []string{"a", "b"} {
		require.NoError(t, h.s.CompleteCached(id, protocol.JobResult{
			Artifacts: []protocol.ArtifactRef{{Path: id + ".o", Hash: "h", CacheKey: "k-" + id}},
		}))
	}
	require.NoError(t, h.s.StartBuild(b.ID))

	require.Len(t, h.finished, 1)
	assert.Equal(t, BuildCompleted, h.finished[0].State)
	assert.Equal(t, 2, h.finished[0].Cached)
	assert.Len(t, h.finished[0].Artifacts, 2)
	assert.True(t, h.job("a").Result.FromCache)
	assert.Equal(t, uint64(2), h.s.Stats().JobsCached)

	assert.ErrorIs(t, h.s.CompleteCached("a", protocol.JobResult{}), ErrInvalidState)
	assert.ErrorIs(t, h.s.CompleteCached("zz", protocol.JobResult{}), ErrJobNotFound)
}

func TestNoEligibleWorker(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	b := h.build(compile("a", protocol.PriorityNormal))
	require.NoError(t, h.s.StartBuild(b.ID))
	assert.Zero(t, h.s.ProcessQueue())

	h.worker("clang-only", protocol.CapClang, 4)
	assert.Zero(t, h.s.ProcessQueue())

	h.worker("gcc", protocol.CapGCC, 4)
	assert.Equal(t, 1, h.s.ProcessQueue())
}

func TestAlgorithms(t *testing.T) {
	specs := func(n int) []protocol.JobSpec {
		var out []protocol.JobSpec
		for i := 0; i < n; i++ {
			out = append(out, compile(fmt.Sprintf("j%d", i), protocol.PriorityNormal))
		}
		return out
	}

	t.Run("round robin", func(t *testing.T) {
		h := newHarness(t, Config{Algorithm: RoundRobin})
		w1 := h.worker("w1", protocol.CapGCC, 10)
		w2 := h.worker("w2", protocol.CapGCC, 10)
		w3 := h.worker("w3", protocol.CapGCC, 10)
		b := h.build(specs(6)...)
		require.NoError(t, h.s.StartBuild(b.ID))
		require.Equal(t, 6, h.s.ProcessQueue())
		assert.Equal(t, []string{w1, w2, w3, w1, w2, w3}, h.assignees)
	})

	t.Run("least loaded", func(t *testing.T) {
		h := newHarness(t, Config{Algorithm: LeastLoaded})
		w1 := h.worker("w1", protocol.CapGCC, 4)
		w2 := h.worker("w2", protocol.CapGCC, 4)
		require.NoError(t, h.reg.AcquireSlot(w1))
		require.NoError(t, h.reg.AcquireSlot(w1))
		b := h.build(specs(3)...)
		require.NoError(t, h.s.StartBuild(b.ID))
		require.Equal(t, 3, h.s.ProcessQueue())
		assert.Equal(t, []string{w2, w2, w1}, h.assignees)
	})

	t.Run("least latency", func(t *testing.T) {
		h := newHarness(t, Config{Algorithm: LeastLatency})
		w1 := h.worker("w1", protocol.CapGCC, 4)
		w2 := h.worker("w2", protocol.CapGCC, 4)
		h.reg.Heartbeat(w1, &protocol.Heartbeat{LatencyMs: 80})
		h.reg.Heartbeat(w2, &protocol.Heartbeat{LatencyMs: 5})
		b := h.build(specs(2)...)
		require.NoError(t, h.s.StartBuild(b.ID))
		require.Equal(t, 2, h.s.ProcessQueue())
		assert.Equal(t, []string{w2, w2}, h.assignees)
	})

	t.Run("random stays eligible", func(t *testing.T) {
		h := newHarness(t, Config{Algorithm: Random})
		w1 := h.worker("w1", protocol.CapGCC, 2)
		w2 := h.worker("w2", protocol.CapGCC, 2)
		h.worker("other", protocol.CapRustc, 8)
		b := h.build(specs(5)...)
		require.NoError(t, h.s.StartBuild(b.ID))
		require.Equal(t, 4, h.s.ProcessQueue())
		for _, id := range h.assignees {
			assert.Contains(t, []string{w1, w2}, id)
		}
	})

	t.Run("parse", func(t *testing.T) {
		for _, name := range []string{"round-robin", "least-loaded", "weighted", "least-latency", "random"} {
			a, err := ParseAlgorithm(name)
			require.NoError(t, err)
			assert.Equal(t, Algorithm(name), a)
		}
		_, err := ParseAlgorithm("fastest")
		assert.Error(t, err)
		_, err = ParseStrategy("per-target")
		assert.NoError(t, err)
		_, err = ParseStrategy("everything")
		assert.Error(t, err)
	})
}

func TestLimits(t *testing.T) {
	h := newHarness(t, Config{MaxBuilds: 1, MaxPendingJobs: 2})
	b := h.build(compile("a", protocol.PriorityNormal), compile("b", protocol.PriorityNormal))

	_, err := h.s.SubmitJob(b.ID, compile("c", protocol.PriorityNormal))
	assert.ErrorIs(t, err, ErrQueueFull)
	_, err = h.s.CreateBuild("second", "")
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	_, err = h.s.SubmitJob(b.ID, compile("a", protocol.PriorityNormal))
	assert.ErrorIs(t, err, ErrQueueFull)

	_, err = h.s.CancelBuild(b.ID)
	require.NoError(t, err)
	b2, err := h.s.CreateBuild("second", "")
	require.NoError(t, err)
	assert.Equal(t, StrategyPerUnit, b2.Strategy)

	_, err = h.s.SubmitJob(b2.ID, compile("a", protocol.PriorityNormal))
	assert.ErrorIs(t, err, ErrDuplicateJob)
	_, err = h.s.SubmitJob(b2.ID, protocol.JobSpec{Type: protocol.JobCompile})
	assert.ErrorIs(t, err, protocol.ErrInvalidJobSpec)
	_, err = h.s.SubmitJob("nope", compile("z", protocol.PriorityNormal))
	assert.ErrorIs(t, err, ErrBuildNotFound)

	job, err := h.s.SubmitJob(b2.ID, protocol.JobSpec{Type: protocol.JobMake, BuildCommand: "make all"})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, b2.ID, job.Spec.BuildID)
}

func TestBuildStates(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.worker("w", protocol.CapGCC, 1)

	b, err := h.s.CreateBuild("p", StrategyHybrid)
	require.NoError(t, err)
	assert.Equal(t, BuildPending, b.State)

	_, err = h.s.SubmitJob(b.ID, compile("a", protocol.PriorityNormal))
	require.NoError(t, err)
	_, err = h.s.SubmitJob(b.ID, compile("b", protocol.PriorityNormal))
	require.NoError(t, err)
	got, _ := h.s.GetBuild(b.ID)
	assert.Equal(t, BuildDecomposing, got.State)
	assert.Zero(t, h.s.ProcessQueue(), "held jobs are not dispatched")

	require.NoError(t, h.s.StartBuild(b.ID))
	assert.ErrorIs(t, h.s.StartBuild(b.ID), ErrInvalidState)
	require.Equal(t, 1, h.s.ProcessQueue())
	got, _ = h.s.GetBuild(b.ID)
	assert.Equal(t, BuildRunning, got.State)
	assert.Equal(t, 1, got.Running)
	assert.Equal(t, 1, got.Pending)

	require.NoError(t, h.s.ReportJobResult("a", success("a")))
	require.Equal(t, 1, h.s.ProcessQueue())
	got, _ = h.s.GetBuild(b.ID)
	assert.Equal(t, BuildCompleting, got.State)
	assert.Equal(t, 50.0, got.Progress)

	// A job added while completing puts the build back to running.
	_, err = h.s.SubmitJob(b.ID, compile("c", protocol.PriorityNormal))
	require.NoError(t, err)
	got, _ = h.s.GetBuild(b.ID)
	assert.Equal(t, BuildRunning, got.State)

	require.NoError(t, h.s.UpdateProgress("b", 40))
	assert.Equal(t, JobRunning, h.job("b").State)
	require.NoError(t, h.s.ReportJobResult("b", success("b")))
	require.Equal(t, 1, h.s.ProcessQueue())
	require.NoError(t, h.s.ReportJobResult("c", success("c")))

	got, _ = h.s.GetBuild(b.ID)
	assert.Equal(t, BuildCompleted, got.State)
	assert.Equal(t, []string{"a", "b", "c"}, got.JobIDs)

	jobs, err := h.s.BuildJobs(b.ID)
	require.NoError(t, err)
	assert.Len(t, jobs, 3)
}

func TestPruneBuilds(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	done := h.build()
	require.NoError(t, h.s.StartBuild(done.ID))
	active := h.build(compile("a", protocol.PriorityNormal))

	assert.ErrorIs(t, h.s.FreeBuild(active.ID), ErrInvalidState)

	h.clock.Advance(time.Hour)
	assert.Equal(t, 1, h.s.PruneBuilds(30*time.Minute))
	_, ok := h.s.GetBuild(done.ID)
	assert.False(t, ok)
	assert.Len(t, h.s.ListBuilds(), 1)
}

func TestUnknownJobReports(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	assert.ErrorIs(t, h.s.ReportJobResult("nope", success("nope")), ErrJobNotFound)
	assert.ErrorIs(t, h.s.ReportJobFailure("nope", "x"), ErrJobNotFound)
	assert.ErrorIs(t, h.s.MarkJobStarted("nope"), ErrJobNotFound)
	assert.Empty(t, h.s.HandleWorkerDisconnect("nope"))

	b := h.build(compile("a", protocol.PriorityNormal))
	require.NoError(t, h.s.StartBuild(b.ID))
	assert.ErrorIs(t, h.s.MarkJobStarted("a"), ErrJobNotRunning)
}
