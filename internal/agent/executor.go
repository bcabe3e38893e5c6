package agent

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/dreamware/forge/internal/protocol"
)

// maxOutput bounds the stdout and stderr kept per job.
const maxOutput = 256 << 10

// Executor runs one job. It must return when ctx is cancelled.
type Executor interface {
	Execute(ctx context.Context, spec *protocol.JobSpec) protocol.JobResult
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, spec *protocol.JobSpec) protocol.JobResult

func (f ExecutorFunc) Execute(ctx context.Context, spec *protocol.JobSpec) protocol.JobResult {
	return f(ctx, spec)
}

// ExecExecutor runs jobs as local processes.
//
// Compile jobs invoke the compiler directly:
//
//	<compiler> <args> -I<include>... -D<define>... -c <source> -o <output>
//
// Every other job type runs BuildCommand through the shell. Relative working
// directories and output paths resolve against WorkDir.
type ExecExecutor struct {
	WorkDir string
}

// Execute runs spec and reports its outcome. A successful job with an
// output file reports it as an artifact carrying the job's cache key.
// A missing output file fails the job.
func (e *ExecExecutor) Execute(ctx context.Context, spec *protocol.JobSpec) protocol.JobResult {
	res := protocol.JobResult{JobID: spec.JobID}
	if spec.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(spec.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	name, args, err := commandLine(spec)
	if err != nil {
		res.ExitCode = -1
		res.Error = err.Error()
		return res
	}

	dir := e.resolve(spec.WorkingDir)
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	// Children of the shell may hold the output pipes after it is killed.
	cmd.WaitDelay = time.Second
	cmd.Env = os.Environ()
	for _, v := range spec.Env {
		cmd.Env = append(cmd.Env, v.Name+"="+v.Value)
	}
	var stdout, stderr limitedBuffer
	stdout.limit, stderr.limit = maxOutput, maxOutput
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	res.DurationMs = time.Since(start).Milliseconds()
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.Success = true
	case ctx.Err() != nil:
		res.ExitCode = -1
		res.Error = ctx.Err().Error()
		return res
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		res.Error = fmt.Sprintf("%s exited with code %d", name, res.ExitCode)
		return res
	default:
		res.ExitCode = -1
		res.Error = err.Error()
		return res
	}

	if spec.OutputFile != "" {
		ref, err := artifactRef(resolveIn(dir, spec.OutputFile), spec.CacheKey)
		if err != nil {
			res.Success = false
			res.Error = fmt.Sprintf("read output: %v", err)
			return res
		}
		res.Artifacts = append(res.Artifacts, ref)
	}
	return res
}

func (e *ExecExecutor) resolve(dir string) string {
	if dir == "" {
		return e.WorkDir
	}
	return resolveIn(e.WorkDir, dir)
}

func resolveIn(base, p string) string {
	if filepath.IsAbs(p) || base == "" {
		return p
	}
	return filepath.Join(base, p)
}

// commandLine builds the argv for spec.
func commandLine(spec *protocol.JobSpec) (string, []string, error) {
	if spec.Type == protocol.JobCompile && spec.BuildCommand == "" {
		if spec.Compiler == "" || spec.SourceFile == "" {
			return "", nil, fmt.Errorf("%w: compile job needs compiler and source_file", protocol.ErrInvalidJobSpec)
		}
		args := append([]string(nil), spec.CompilerArgs...)
		for _, inc := range spec.IncludePaths {
			args = append(args, "-I"+inc)
		}
		for _, d := range spec.Defines {
			args = append(args, "-D"+d)
		}
		if spec.TargetTriple != "" {
			args = append(args, "--target="+spec.TargetTriple)
		}
		args = append(args, "-c", spec.SourceFile)
		if spec.OutputFile != "" {
			args = append(args, "-o", spec.OutputFile)
		}
		return spec.Compiler, args, nil
	}
	if spec.BuildCommand == "" {
		return "", nil, fmt.Errorf("%w: %s job has no build_command", protocol.ErrInvalidJobSpec, spec.Type)
	}
	if runtime.GOOS == "windows" {
		return "cmd", []string{"/C", spec.BuildCommand}, nil
	}
	return "sh", []string{"-c", spec.BuildCommand}, nil
}

// artifactRef hashes the file at path. Path is reported as found on this
// host so the agent can upload it.
func artifactRef(path, cacheKey string) (protocol.ArtifactRef, error) {
	f, err := os.Open(path)
	if err != nil {
		return protocol.ArtifactRef{}, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return protocol.ArtifactRef{}, err
	}
	return protocol.ArtifactRef{
		Path:     path,
		Hash:     hex.EncodeToString(h.Sum(nil)),
		CacheKey: cacheKey,
		Size:     n,
	}, nil
}

// limitedBuffer keeps the first limit bytes written and discards the rest.
type limitedBuffer struct {
	bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.Len(); room > 0 {
		if len(p) > room {
			b.Buffer.Write(p[:room])
		} else {
			b.Buffer.Write(p)
		}
	}
	return len(p), nil
}
