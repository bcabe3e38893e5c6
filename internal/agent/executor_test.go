package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/forge/internal/protocol"
)

func shellOnly(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func TestExecExecutor(t *testing.T) {
	shellOnly(t)

	tests := []struct {
		name       string
		spec       protocol.JobSpec
		success    bool
		exitCode   int
		stdout     string
		errorMatch string
	}{
		{
			name:    "success",
			spec:    protocol.JobSpec{JobID: "a", Type: protocol.JobCustom, BuildCommand: "echo hello"},
			success: true,
			stdout:  "hello\n",
		},
		{
			name:       "non-zero exit",
			spec:       protocol.JobSpec{JobID: "b", Type: protocol.JobMake, BuildCommand: "echo oops >&2; exit 3"},
			exitCode:   3,
			errorMatch: "exited with code 3",
		},
		{
			name:    "job environment",
			spec:    protocol.JobSpec{JobID: "c", Type: protocol.JobCustom, BuildCommand: `printf "%s" "$FORGE_MODE"`, Env: []protocol.EnvVar{{Name: "FORGE_MODE", Value: "release"}}},
			success: true,
			stdout:  "release",
		},
		{
			name:       "missing command",
			spec:       protocol.JobSpec{JobID: "d", Type: protocol.JobLink},
			exitCode:   -1,
			errorMatch: "no build_command",
		},
		{
			name:       "missing output",
			spec:       protocol.JobSpec{JobID: "e", Type: protocol.JobCustom, BuildCommand: "true", OutputFile: "absent.o"},
			errorMatch: "read output",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &ExecExecutor{WorkDir: t.TempDir()}
			res := e.Execute(context.Background(), &tt.spec)
			assert.Equal(t, tt.spec.JobID, res.JobID)
			assert.Equal(t, tt.success, res.Success, res.Error)
			assert.Equal(t, tt.exitCode, res.ExitCode)
			if tt.stdout != "" {
				assert.Equal(t, tt.stdout, res.Stdout)
			}
			if tt.errorMatch != "" {
				assert.Contains(t, res.Error, tt.errorMatch)
			}
		})
	}
}

func TestExecExecutorReportsOutput(t *testing.T) {
	shellOnly(t)
	dir := t.TempDir()
	e := &ExecExecutor{WorkDir: dir}

	res := e.Execute(context.Background(), &protocol.JobSpec{
		JobID:        "obj",
		Type:         protocol.JobCustom,
		BuildCommand: "mkdir -p out && printf abc > out/main.o",
		OutputFile:   "out/main.o",
		CacheKey:     "objkey01",
	})
	require.True(t, res.Success, res.Error)
	require.Len(t, res.Artifacts, 1)

	sum := sha256.Sum256([]byte("abc"))
	ref := res.Artifacts[0]
	assert.Equal(t, filepath.Join(dir, "out/main.o"), ref.Path)
	assert.Equal(t, hex.EncodeToString(sum[:]), ref.Hash)
	assert.Equal(t, "objkey01", ref.CacheKey)
	assert.Equal(t, int64(3), ref.Size)
}

func TestExecExecutorWorkingDir(t *testing.T) {
	shellOnly(t)
	dir := t.TempDir()
	e := &ExecExecutor{WorkDir: dir}

	res := e.Execute(context.Background(), &protocol.JobSpec{
		JobID:        "wd",
		Type:         protocol.JobCustom,
		BuildCommand: "mkdir -p sub && cd sub && pwd",
	})
	require.True(t, res.Success, res.Error)

	res = e.Execute(context.Background(), &protocol.JobSpec{
		JobID:        "wd2",
		Type:         protocol.JobCustom,
		WorkingDir:   "sub",
		BuildCommand: "pwd",
	})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "sub", filepath.Base(strings.TrimSpace(res.Stdout)))
}

func TestExecExecutorTimeout(t *testing.T) {
	shellOnly(t)
	e := &ExecExecutor{WorkDir: t.TempDir()}

	start := time.Now()
	res := e.Execute(context.Background(), &protocol.JobSpec{
		JobID:        "slow",
		Type:         protocol.JobCustom,
		BuildCommand: "sleep 5",
		TimeoutMs:    50,
	})
	assert.False(t, res.Success)
	assert.Equal(t, -1, res.ExitCode)
	assert.Contains(t, res.Error, "deadline exceeded")
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestExecExecutorCancel(t *testing.T) {
	shellOnly(t)
	e := &ExecExecutor{WorkDir: t.TempDir()}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	res := e.Execute(ctx, &protocol.JobSpec{JobID: "c", Type: protocol.JobCustom, BuildCommand: "sleep 5"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "canceled")
}

func TestCommandLine(t *testing.T) {
	name, args, err := commandLine(&protocol.JobSpec{
		Type:         protocol.JobCompile,
		Compiler:     "gcc",
		CompilerArgs: []string{"-O2", "-Wall"},
		IncludePaths: []string{"include", "/opt/inc"},
		Defines:      []string{"NDEBUG", "VERSION=3"},
		TargetTriple: "aarch64-linux-gnu",
		SourceFile:   "src/main.c",
		OutputFile:   "main.o",
	})
	require.NoError(t, err)
	assert.Equal(t, "gcc", name)
	assert.Equal(t, []string{
		"-O2", "-Wall",
		"-Iinclude", "-I/opt/inc",
		"-DNDEBUG", "-DVERSION=3",
		"--target=aarch64-linux-gnu",
		"-c", "src/main.c",
		"-o", "main.o",
	}, args)

	_, _, err = commandLine(&protocol.JobSpec{Type: protocol.JobCompile, Compiler: "clang"})
	assert.ErrorIs(t, err, protocol.ErrInvalidJobSpec)

	if runtime.GOOS != "windows" {
		name, args, err = commandLine(&protocol.JobSpec{Type: protocol.JobCompile, BuildCommand: "make main.o"})
		require.NoError(t, err)
		assert.Equal(t, "sh", name)
		assert.Equal(t, []string{"-c", "make main.o"}, args)
	}
}

func TestLimitedBuffer(t *testing.T) {
	b := limitedBuffer{limit: 5}
	n, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = b.Write([]byte("defgh"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	_, _ = b.Write([]byte("ijk"))
	assert.Equal(t, "abcde", b.String())
}
