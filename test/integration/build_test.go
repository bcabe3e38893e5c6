// Package integration runs a coordinator and real worker agents in one
// process and drives builds through the HTTP API over real sockets.
package integration

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/forge/internal/agent"
	"github.com/dreamware/forge/internal/auth"
	"github.com/dreamware/forge/internal/client"
	"github.com/dreamware/forge/internal/config"
	"github.com/dreamware/forge/internal/coordinator"
	"github.com/dreamware/forge/internal/protocol"
	"github.com/dreamware/forge/internal/scheduler"
)

const sharedSecret = "integration-secret"

// farm is a running coordinator with its workers.
type farm struct {
	t       *testing.T
	coord   *coordinator.Coordinator
	agents  []*agent.Agent
	workDir string
	api     *client.Client
}

func startFarm(t *testing.T, workers int) *farm {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("jobs use a POSIX shell")
	}

	cfg := config.Default()
	cfg.ID = "coord-it"
	cfg.Listen = "127.0.0.1:0"
	cfg.API = "127.0.0.1:0"
	cfg.Cache.Dir = t.TempDir()
	cfg.Auth.Method = config.AuthChallenge
	cfg.Auth.Secret = sharedSecret
	cfg.Heartbeat.Interval = 200 * time.Millisecond
	cfg.Heartbeat.Timeout = 2 * time.Second
	cfg.MaintenanceInterval = 50 * time.Millisecond

	c, err := coordinator.New(cfg, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	coordDone := make(chan error, 1)
	go func() { coordDone <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-coordDone:
		case <-time.After(10 * time.Second):
			t.Error("coordinator did not stop")
		}
	})
	select {
	case <-c.Ready():
	case err := <-coordDone:
		t.Fatalf("coordinator exited: %v", err)
	}

	admin, err := c.Auth().Generate(auth.TokenAdmin, "integration", time.Hour)
	require.NoError(t, err)

	api, err := client.New("http://"+c.APIAddr(), admin.Value)
	require.NoError(t, err)

	f := &farm{
		t:       t,
		coord:   c,
		workDir: t.TempDir(),
		api:     api,
	}
	for i := 0; i < workers; i++ {
		f.startAgent(t, "builder-"+string(rune('a'+i)))
	}
	require.Eventually(t, func() bool { return c.Registry().Count() == workers },
		10*time.Second, 10*time.Millisecond, "workers did not register")
	return f
}

func (f *farm) startAgent(t *testing.T, name string) *agent.Agent {
	t.Helper()
	a, err := agent.New(agent.Config{
		CoordinatorURL:    "ws://" + f.coord.TransportAddr(),
		Name:              name,
		Secret:            sharedSecret,
		MaxJobs:           2,
		Capabilities:      protocol.CapGCC | protocol.CapLinker | protocol.CapArchiver,
		HeartbeatInterval: 200 * time.Millisecond,
		ReconnectDelay:    50 * time.Millisecond,
	}, &agent.ExecExecutor{WorkDir: f.workDir}, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Errorf("agent %s did not stop", name)
		}
	})
	f.agents = append(f.agents, a)
	return a
}

func (f *farm) submit(req coordinator.BuildRequest) *scheduler.Build {
	f.t.Helper()
	b, err := f.api.SubmitBuild(context.Background(), req)
	require.NoError(f.t, err)
	return b
}

func (f *farm) wait(id string) *scheduler.Build {
	f.t.Helper()
	b, err := f.coord.WaitBuild(context.Background(), id, 20*time.Second)
	require.NoError(f.t, err)
	return b
}

func objectJob(name string) protocol.JobSpec {
	return protocol.JobSpec{
		JobID:        name,
		Type:         protocol.JobCompile,
		Compiler:     "cc",
		SourceFile:   name + ".c",
		OutputFile:   name + ".o",
		BuildCommand: "printf 'obj-" + name + "' > " + name + ".o",
		CacheKey:     "key-" + name,
	}
}

// TestBuildRunsAcrossWorkers compiles two objects on whichever workers are
// free, links them once both exist, and checks that the outputs landed in the
// coordinator's cache.
func TestBuildRunsAcrossWorkers(t *testing.T) {
	f := startFarm(t, 2)

	link := protocol.JobSpec{
		JobID:        "app",
		Type:         protocol.JobLink,
		BuildCommand: "cat main.o util.o > app",
		OutputFile:   "app",
		Dependencies: []string{"main", "util"},
	}
	b := f.submit(coordinator.BuildRequest{
		Project: "hello",
		Jobs:    []protocol.JobSpec{objectJob("main"), objectJob("util"), link},
	})
	assert.Equal(t, 3, b.Total)

	done := f.wait(b.ID)
	require.Equal(t, scheduler.BuildCompleted, done.State, "build %+v", done)
	assert.True(t, done.Success)
	assert.Equal(t, 3, done.Completed)
	assert.Zero(t, done.Failed)

	out, err := os.ReadFile(filepath.Join(f.workDir, "app"))
	require.NoError(t, err)
	assert.Equal(t, "obj-mainobj-util", string(out))

	for _, key := range []string{"key-main", "key-util"} {
		assert.True(t, f.coord.Cache().Contains(key), "artifact %s not cached", key)
	}

	detail, err := f.api.Build(context.Background(), b.ID)
	require.NoError(t, err)
	require.Len(t, detail.Jobs, 3)
	for _, j := range detail.Jobs {
		assert.Equal(t, scheduler.JobCompleted, j.State, j.ID)
		assert.NotEmpty(t, j.WorkerID, j.ID)
	}
}

// TestRebuildCompletesFromCache submits the same objects twice; the second
// build is satisfied by the cache without dispatching work.
func TestRebuildCompletesFromCache(t *testing.T) {
	f := startFarm(t, 1)

	first := f.submit(coordinator.BuildRequest{Project: "lib", Jobs: []protocol.JobSpec{objectJob("a"), objectJob("b")}})
	require.Equal(t, scheduler.BuildCompleted, f.wait(first.ID).State)

	again := []protocol.JobSpec{objectJob("a"), objectJob("b")}
	again[0].JobID, again[1].JobID = "a2", "b2"
	second := f.submit(coordinator.BuildRequest{Project: "lib", Jobs: again})

	done := f.wait(second.ID)
	assert.Equal(t, scheduler.BuildCompleted, done.State)
	assert.Equal(t, 2, done.Cached)

	job, err := f.api.Job(context.Background(), "a2")
	require.NoError(t, err)
	require.NotNil(t, job.Result)
	assert.True(t, job.Result.FromCache)
	assert.Empty(t, job.WorkerID)

	st := f.coord.Scheduler().Stats()
	assert.Equal(t, uint64(2), st.JobsCached)
	assert.Equal(t, uint64(4), st.JobsCompleted, "cached jobs count as completed")
}

// TestCancelStopsRunningJob cancels a build through the API while its job is
// executing and waits for the worker to free the slot.
func TestCancelStopsRunningJob(t *testing.T) {
	f := startFarm(t, 1)

	b := f.submit(coordinator.BuildRequest{Project: "slow", Jobs: []protocol.JobSpec{{
		JobID:        "sleeper",
		Type:         protocol.JobCustom,
		BuildCommand: "sleep 30",
	}}})
	require.Eventually(t, func() bool { return len(f.agents[0].ActiveJobs()) == 1 },
		10*time.Second, 10*time.Millisecond, "job never started")

	cancelled, err := f.api.CancelBuild(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.BuildCancelled, cancelled.State)

	require.Eventually(t, func() bool { return len(f.agents[0].ActiveJobs()) == 0 },
		10*time.Second, 10*time.Millisecond, "job kept running after cancel")
	assert.Eventually(t, func() bool {
		w, ok := f.coord.Registry().Get(f.agents[0].WorkerID())
		return ok && w.ActiveJobs == 0
	}, 5*time.Second, 10*time.Millisecond)

	job, ok := f.coord.Scheduler().GetJob("sleeper")
	require.True(t, ok)
	assert.Equal(t, scheduler.JobCancelled, job.State)
}

// TestFailedJobFailsBuild runs a job that exits non-zero until its retry
// budget is spent.
func TestFailedJobFailsBuild(t *testing.T) {
	f := startFarm(t, 2)

	b := f.submit(coordinator.BuildRequest{Project: "broken", Jobs: []protocol.JobSpec{{
		JobID:        "bad",
		Type:         protocol.JobCustom,
		BuildCommand: "echo 'error: boom' >&2; exit 1",
	}}})
	done := f.wait(b.ID)
	assert.Equal(t, scheduler.BuildFailed, done.State)
	assert.False(t, done.Success)

	job, ok := f.coord.Scheduler().GetJob("bad")
	require.True(t, ok)
	assert.Equal(t, scheduler.JobFailed, job.State)
	require.NotNil(t, job.Result)
	assert.Equal(t, 1, job.Result.ExitCode)
	assert.Contains(t, job.Result.Stderr, "boom")
}
