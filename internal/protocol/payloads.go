package protocol

import (
	"errors"
	"fmt"
	"math/bits"
	"strings"
)

// Capability is a bitset of worker features: toolchains, build systems and
// execution environment flags.
type Capability uint32

const (
	CapGCC Capability = 1 << iota
	CapClang
	CapMSVC
	CapRustc
	CapGo
	CapMake
	CapCMake
	CapNinja
	CapCargo
	CapArchiver
	CapLinker
	CapCrossCompile
	CapGPU
	CapSandbox
)

var capabilityNames = []struct {
	cap  Capability
	name string
}{
	{CapGCC, "gcc"},
	{CapClang, "clang"},
	{CapMSVC, "msvc"},
	{CapRustc, "rustc"},
	{CapGo, "go"},
	{CapMake, "make"},
	{CapCMake, "cmake"},
	{CapNinja, "ninja"},
	{CapCargo, "cargo"},
	{CapArchiver, "ar"},
	{CapLinker, "ld"},
	{CapCrossCompile, "cross"},
	{CapGPU, "gpu"},
	{CapSandbox, "sandbox"},
}

// Has reports whether every bit of want is present in c.
func (c Capability) Has(want Capability) bool {
	return c&want == want
}

// Count returns the number of set capability bits.
func (c Capability) Count() int {
	return bits.OnesCount32(uint32(c))
}

// Names lists the names of the set bits in declaration order.
func (c Capability) Names() []string {
	var out []string
	for _, cn := range capabilityNames {
		if c&cn.cap != 0 {
			out = append(out, cn.name)
		}
	}
	return out
}

func (c Capability) String() string {
	if c == 0 {
		return "none"
	}
	return strings.Join(c.Names(), "|")
}

// ParseCapabilities builds a bitset from capability names; unknown names are
// reported as an error.
func ParseCapabilities(names []string) (Capability, error) {
	var c Capability
	for _, n := range names {
		found := false
		for _, cn := range capabilityNames {
			if cn.name == strings.ToLower(strings.TrimSpace(n)) {
				c |= cn.cap
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown capability %q", n)
		}
	}
	return c, nil
}

// CompilerCapability maps a compiler executable name to its capability bit.
func CompilerCapability(compiler string) Capability {
	base := compiler
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	base = strings.TrimSuffix(strings.ToLower(base), ".exe")
	switch {
	case base == "":
		return 0
	case strings.Contains(base, "clang"):
		return CapClang
	case strings.Contains(base, "gcc"), strings.Contains(base, "g++"), base == "cc", base == "c++":
		return CapGCC
	case base == "cl":
		return CapMSVC
	case base == "rustc":
		return CapRustc
	case base == "go":
		return CapGo
	default:
		return 0
	}
}

// Priority orders pending jobs; higher values are dequeued first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// JobType is the kind of work a job performs. It determines the capabilities a
// worker needs to run it.
type JobType string

const (
	JobCompile        JobType = "compile"
	JobLink           JobType = "link"
	JobArchive        JobType = "archive"
	JobCMakeConfigure JobType = "cmake-configure"
	JobCMakeBuild     JobType = "cmake-build"
	JobMake           JobType = "make"
	JobNinja          JobType = "ninja"
	JobCargo          JobType = "cargo"
	JobCustom         JobType = "custom"
)

// SystemInfo describes a worker host.
type SystemInfo struct {
	Hostname string `json:"hostname"`
	Arch     string `json:"arch"`
	OS       string `json:"os"`
	CPUCores int    `json:"cpu_cores"`
	MemoryMB int64  `json:"memory_mb"`
}

// EnvVar is one environment variable passed to a job.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// JobSpec is the description of one distributable unit of work, sent to a
// worker as the JOB_REQUEST payload.
type JobSpec struct {
	JobID        string   `json:"job_id"`
	BuildID      string   `json:"build_id,omitempty"`
	Type         JobType  `json:"type"`
	Priority     Priority `json:"priority"`
	SourceFile   string   `json:"source_file,omitempty"`
	// SourceHash is the hex SHA-256 of the source file's content, supplied by
	// the submitter. Compile jobs without it get no derived cache key.
	SourceHash   string   `json:"source_hash,omitempty"`
	OutputFile   string   `json:"output_file,omitempty"`
	Compiler     string   `json:"compiler,omitempty"`
	CompilerArgs []string `json:"compiler_args,omitempty"`
	IncludePaths []string `json:"include_paths,omitempty"`
	Defines      []string `json:"defines,omitempty"`
	Env          []EnvVar `json:"env,omitempty"`
	WorkingDir   string   `json:"working_dir,omitempty"`
	BuildCommand string   `json:"build_command,omitempty"`
	TargetTriple string   `json:"target_triple,omitempty"`
	TimeoutMs    int64    `json:"timeout_ms,omitempty"`
	CacheKey     string   `json:"cache_key,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// ErrInvalidJobSpec is returned by Validate for incomplete job specifications.
var ErrInvalidJobSpec = errors.New("invalid job spec")

// Validate checks that the spec carries enough information to execute.
func (s *JobSpec) Validate() error {
	if s.Type == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidJobSpec)
	}
	switch s.Type {
	case JobCompile:
		if s.SourceFile == "" || s.Compiler == "" {
			return fmt.Errorf("%w: compile job needs source_file and compiler", ErrInvalidJobSpec)
		}
	default:
		if s.BuildCommand == "" && s.Compiler == "" {
			return fmt.Errorf("%w: %s job needs build_command", ErrInvalidJobSpec, s.Type)
		}
	}
	return nil
}

// RequiredCapabilities derives the capability bits a worker must have to run
// the job from its declared type and compiler.
func (s *JobSpec) RequiredCapabilities() Capability {
	var c Capability
	switch s.Type {
	case JobCompile:
		c |= CompilerCapability(s.Compiler)
	case JobLink:
		c |= CapLinker
	case JobArchive:
		c |= CapArchiver
	case JobCMakeConfigure, JobCMakeBuild:
		c |= CapCMake
	case JobMake:
		c |= CapMake
	case JobNinja:
		c |= CapNinja
	case JobCargo:
		c |= CapCargo
	}
	if s.TargetTriple != "" {
		c |= CapCrossCompile
	}
	return c
}

// ArtifactRef names one output produced by a job.
type ArtifactRef struct {
	Path     string `json:"path"`
	Hash     string `json:"hash"`
	CacheKey string `json:"cache_key,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// JobResult is the outcome of a job, carried by JOB_COMPLETE and JOB_FAILED.
type JobResult struct {
	JobID      string        `json:"job_id"`
	Success    bool          `json:"success"`
	ExitCode   int           `json:"exit_code"`
	Stdout     string        `json:"stdout,omitempty"`
	Stderr     string        `json:"stderr,omitempty"`
	Error      string        `json:"error,omitempty"`
	DurationMs int64         `json:"duration_ms"`
	Artifacts  []ArtifactRef `json:"artifacts,omitempty"`
	FromCache  bool          `json:"from_cache,omitempty"`
}

// Hello is sent by a worker to open a session.
type Hello struct {
	Name         string     `json:"name"`
	Version      string     `json:"version,omitempty"`
	Token        string     `json:"token,omitempty"`
	System       SystemInfo `json:"system"`
	Capabilities Capability `json:"capabilities"`
	MaxJobs      int        `json:"max_jobs,omitempty"`
}

// Welcome acknowledges a successful registration.
type Welcome struct {
	WorkerID            string `json:"worker_id"`
	CoordinatorID       string `json:"coordinator_id"`
	HeartbeatIntervalMs int64  `json:"heartbeat_interval_ms"`
	MaxJobs             int    `json:"max_jobs"`
}

// AuthChallengePayload carries challenge data to a worker.
type AuthChallengePayload struct {
	ChallengeID string `json:"challenge_id"`
	Data        string `json:"data"` // hex
	ExpiresAtMs int64  `json:"expires_at_ms"`
}

// AuthResponsePayload answers an AUTH_CHALLENGE.
type AuthResponsePayload struct {
	ChallengeID string `json:"challenge_id"`
	Response    string `json:"response"` // hex
}

// AuthResultPayload is carried by AUTH_SUCCESS and AUTH_FAILED.
type AuthResultPayload struct {
	Result string `json:"result"`
	Reason string `json:"reason,omitempty"`
}

// Heartbeat reports liveness and current load.
type Heartbeat struct {
	ActiveJobs  []string `json:"active_jobs,omitempty"`
	CPUUsage    float64  `json:"cpu_usage"`    // 0..1
	MemoryUsage float64  `json:"memory_usage"` // 0..1
	LatencyMs   int64    `json:"latency_ms,omitempty"`
}

// StatusUpdate reports a change in worker health or capacity.
type StatusUpdate struct {
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsage float64 `json:"memory_usage"`
	LatencyMs   int64   `json:"latency_ms,omitempty"`
	MaxJobs     int     `json:"max_jobs,omitempty"`
	Draining    bool    `json:"draining,omitempty"`
}

// JobProgress reports intermediate progress of a running job.
type JobProgress struct {
	JobID   string  `json:"job_id"`
	Percent float64 `json:"percent"`
	Stage   string  `json:"stage,omitempty"`
}

// JobReject explains why a worker refused a job.
type JobReject struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason"`
}

// JobCancel asks a worker to stop a job.
type JobCancel struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason,omitempty"`
}

// ArtifactMeta describes an artifact carried by ARTIFACT_PUSH or
// ARTIFACT_RESPONSE; the content travels as the binary payload.
type ArtifactMeta struct {
	CacheKey     string `json:"cache_key"`
	ContentHash  string `json:"content_hash,omitempty"`
	Type         string `json:"type,omitempty"`
	Size         int64  `json:"size"`
	ProducerHost string `json:"producer_host,omitempty"`
	BuildID      string `json:"build_id,omitempty"`
}

// ArtifactRequest asks for a cached artifact.
type ArtifactRequest struct {
	CacheKey string `json:"cache_key"`
}

// ArtifactResponse answers an ARTIFACT_REQUEST.
type ArtifactResponse struct {
	Found bool          `json:"found"`
	Meta  *ArtifactMeta `json:"meta,omitempty"`
}

// ArtifactAck acknowledges an ARTIFACT_PUSH.
type ArtifactAck struct {
	CacheKey string `json:"cache_key"`
	Stored   bool   `json:"stored"`
	Error    string `json:"error,omitempty"`
}

// FileTransferStart opens a chunked file transfer.
type FileTransferStart struct {
	TransferID string `json:"transfer_id"`
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	SHA256     string `json:"sha256"`
	CacheKey   string `json:"cache_key,omitempty"`
	Type       string `json:"type,omitempty"`
	BuildID    string `json:"build_id,omitempty"`
}

// FileChunk carries one chunk; the bytes are the binary payload.
type FileChunk struct {
	TransferID string `json:"transfer_id"`
	Offset     int64  `json:"offset"`
}

// FileTransferEnd closes a transfer.
type FileTransferEnd struct {
	TransferID string `json:"transfer_id"`
}

// FileTransferAck reports the outcome of a transfer.
type FileTransferAck struct {
	TransferID string `json:"transfer_id"`
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
}

// ErrorPayload is carried by ERROR messages.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Goodbye announces a graceful disconnect.
type Goodbye struct {
	Reason string `json:"reason,omitempty"`
}

// Shutdown tells workers the coordinator is going away.
type Shutdown struct {
	Reason string `json:"reason,omitempty"`
}

// Error codes used in ErrorPayload.
const (
	ErrCodeProtocol      = "protocol_error"
	ErrCodeNotRegistered = "not_registered"
	ErrCodeCapacity      = "capacity_exceeded"
	ErrCodeAuth          = "auth_failed"
	ErrCodeUnknownJob    = "unknown_job"
	ErrCodeInternal      = "internal_error"
)
