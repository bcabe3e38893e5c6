// Package config loads the coordinator configuration.
//
// Settings come from three layers, each overriding the previous one: the
// built-in defaults, an optional YAML file, and FORGE_* environment
// variables. Command-line flags are applied by the caller on top.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Auth methods.
const (
	AuthNone      = "none"
	AuthToken     = "token"
	AuthChallenge = "challenge"
	AuthMTLS      = "mtls"
)

// TLS configures wss:// for the worker endpoint and https for the API.
type TLS struct {
	Enabled    bool   `yaml:"enabled"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	CAFile     string `yaml:"ca_file"`
	VerifyPeer bool   `yaml:"verify_peer"`
}

// Auth configures worker and client authentication.
type Auth struct {
	Method string `yaml:"method"`
	// Token is a pre-shared token accepted from workers.
	Token string `yaml:"token"`
	// Secret is the HMAC key for challenge-response.
	Secret       string        `yaml:"secret"`
	TokenFile    string        `yaml:"token_file"`
	DefaultTTL   time.Duration `yaml:"default_ttl"`
	AllowRefresh bool          `yaml:"allow_refresh"`
}

// Scheduler configures job placement.
type Scheduler struct {
	Strategy       string        `yaml:"strategy"`
	Algorithm      string        `yaml:"algorithm"`
	MaxRetries     int           `yaml:"max_retries"`
	JobTimeout     time.Duration `yaml:"job_timeout"`
	MaxBuilds      int           `yaml:"max_builds"`
	MaxPendingJobs int           `yaml:"max_pending_jobs"`
	BuildRetention time.Duration `yaml:"build_retention"`
}

// Limits caps worker-facing resources.
type Limits struct {
	MaxWorkers     int   `yaml:"max_workers"`
	MaxConnections int   `yaml:"max_connections"`
	MaxMessageSize int64 `yaml:"max_message_size"`
}

// Heartbeat configures worker liveness tracking.
type Heartbeat struct {
	Interval  time.Duration `yaml:"interval"`
	Timeout   time.Duration `yaml:"timeout"`
	MaxMissed int           `yaml:"max_missed"`
}

// Cache configures the artifact cache.
type Cache struct {
	Enabled    bool          `yaml:"enabled"`
	Dir        string        `yaml:"dir"`
	MaxBytes   int64         `yaml:"max_bytes"`
	MaxEntries int           `yaml:"max_entries"`
	MaxAge     time.Duration `yaml:"max_age"`
	Compress   bool          `yaml:"compress"`

	RemoteURL      string `yaml:"remote_url"`
	RemoteReadOnly bool   `yaml:"remote_read_only"`
	RemoteToken    string `yaml:"remote_token"`
}

// Log configures the process logger.
type Log struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Config is the complete coordinator configuration.
type Config struct {
	ID     string `yaml:"id"`
	Listen string `yaml:"listen"`
	API    string `yaml:"api"`

	TLS       TLS       `yaml:"tls"`
	Auth      Auth      `yaml:"auth"`
	Scheduler Scheduler `yaml:"scheduler"`
	Limits    Limits    `yaml:"limits"`
	Heartbeat Heartbeat `yaml:"heartbeat"`
	Cache     Cache     `yaml:"cache"`
	Log       Log       `yaml:"log"`

	// ConnectionTimeout closes worker connections idle for this long.
	ConnectionTimeout   time.Duration `yaml:"connection_timeout"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen: ":7878",
		API:    ":7879",
		Auth: Auth{
			Method:       AuthNone,
			DefaultTTL:   24 * time.Hour,
			AllowRefresh: true,
		},
		Scheduler: Scheduler{
			Strategy:       "per-unit",
			Algorithm:      "weighted",
			MaxRetries:     3,
			JobTimeout:     10 * time.Minute,
			MaxBuilds:      64,
			MaxPendingJobs: 100000,
			BuildRetention: time.Hour,
		},
		Limits: Limits{
			MaxWorkers:     256,
			MaxConnections: 512,
			MaxMessageSize: 64 << 20,
		},
		Heartbeat: Heartbeat{
			Interval:  10 * time.Second,
			Timeout:   30 * time.Second,
			MaxMissed: 3,
		},
		Cache: Cache{
			Enabled:  true,
			Dir:      "forge-cache",
			MaxBytes: 10 << 30,
			MaxAge:   30 * 24 * time.Hour,
			Compress: true,
		},
		Log:                 Log{Level: "info"},
		ConnectionTimeout:   2 * time.Minute,
		MaintenanceInterval: time.Second,
	}
}

// Load reads path (if non-empty) over the defaults, then applies environment
// overrides and validates the result. A missing file is an error; an empty
// path is not.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found", path)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from FORGE_* variables looked up with getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	e := envReader{getenv: getenv}

	e.str("FORGE_ID", &c.ID)
	e.str("FORGE_LISTEN", &c.Listen)
	e.str("FORGE_API", &c.API)

	e.boolean("FORGE_TLS", &c.TLS.Enabled)
	e.str("FORGE_TLS_CERT", &c.TLS.CertFile)
	e.str("FORGE_TLS_KEY", &c.TLS.KeyFile)
	e.str("FORGE_TLS_CA", &c.TLS.CAFile)
	e.boolean("FORGE_TLS_VERIFY_PEER", &c.TLS.VerifyPeer)

	e.str("FORGE_AUTH_METHOD", &c.Auth.Method)
	e.str("FORGE_AUTH_TOKEN", &c.Auth.Token)
	e.str("FORGE_AUTH_SECRET", &c.Auth.Secret)
	e.str("FORGE_TOKEN_FILE", &c.Auth.TokenFile)

	e.str("FORGE_STRATEGY", &c.Scheduler.Strategy)
	e.str("FORGE_ALGORITHM", &c.Scheduler.Algorithm)
	e.integer("FORGE_MAX_RETRIES", &c.Scheduler.MaxRetries)
	e.duration("FORGE_JOB_TIMEOUT", &c.Scheduler.JobTimeout)
	e.integer("FORGE_MAX_BUILDS", &c.Scheduler.MaxBuilds)
	e.integer("FORGE_MAX_PENDING_JOBS", &c.Scheduler.MaxPendingJobs)

	e.integer("FORGE_MAX_WORKERS", &c.Limits.MaxWorkers)
	e.integer("FORGE_MAX_CONNECTIONS", &c.Limits.MaxConnections)

	e.duration("FORGE_HEARTBEAT_INTERVAL", &c.Heartbeat.Interval)
	e.duration("FORGE_HEARTBEAT_TIMEOUT", &c.Heartbeat.Timeout)

	e.boolean("FORGE_CACHE", &c.Cache.Enabled)
	e.str("FORGE_CACHE_DIR", &c.Cache.Dir)
	e.int64("FORGE_CACHE_MAX_BYTES", &c.Cache.MaxBytes)
	e.str("FORGE_REMOTE_CACHE", &c.Cache.RemoteURL)
	e.boolean("FORGE_REMOTE_CACHE_READ_ONLY", &c.Cache.RemoteReadOnly)

	e.str("FORGE_LOG_LEVEL", &c.Log.Level)
	e.str("FORGE_LOG_FILE", &c.Log.File)

	return errors.Join(e.errs...)
}

type envReader struct {
	getenv func(string) string
	errs   []error
}

func (e *envReader) str(k string, dst *string) {
	if v := e.getenv(k); v != "" {
		*dst = v
	}
}

func (e *envReader) boolean(k string, dst *bool) {
	v := e.getenv(k)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", k, err))
		return
	}
	*dst = b
}

func (e *envReader) integer(k string, dst *int) {
	v := e.getenv(k)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", k, err))
		return
	}
	*dst = n
}

func (e *envReader) int64(k string, dst *int64) {
	v := e.getenv(k)
	if v == "" {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", k, err))
		return
	}
	*dst = n
}

func (e *envReader) duration(k string, dst *time.Duration) {
	v := e.getenv(k)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", k, err))
		return
	}
	*dst = d
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Listen == "" {
		add("listen address is required")
	}

	switch c.Auth.Method {
	case AuthNone, AuthToken, AuthChallenge, AuthMTLS:
	default:
		add("unknown auth method %q", c.Auth.Method)
	}
	if c.Auth.Method == AuthChallenge && c.Auth.Secret == "" {
		add("auth method challenge requires auth.secret")
	}
	if c.Auth.Method == AuthMTLS && (!c.TLS.Enabled || c.TLS.CAFile == "") {
		add("auth method mtls requires tls.enabled and tls.ca_file")
	}
	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		add("tls requires cert_file and key_file")
	}

	switch c.Scheduler.Strategy {
	case "per-unit", "per-target", "whole-project", "hybrid":
	default:
		add("unknown distribution strategy %q", c.Scheduler.Strategy)
	}
	switch c.Scheduler.Algorithm {
	case "round-robin", "least-loaded", "weighted", "least-latency", "random":
	default:
		add("unknown load-balancing algorithm %q", c.Scheduler.Algorithm)
	}
	if c.Scheduler.MaxRetries < 0 {
		add("scheduler.max_retries must not be negative")
	}
	if c.Scheduler.JobTimeout <= 0 {
		add("scheduler.job_timeout must be positive")
	}

	if c.Heartbeat.Interval <= 0 || c.Heartbeat.Timeout <= 0 {
		add("heartbeat interval and timeout must be positive")
	} else if c.Heartbeat.Timeout < c.Heartbeat.Interval {
		add("heartbeat.timeout (%s) is shorter than heartbeat.interval (%s)", c.Heartbeat.Timeout, c.Heartbeat.Interval)
	}
	if c.MaintenanceInterval <= 0 {
		add("maintenance_interval must be positive")
	}

	if c.Cache.Enabled && c.Cache.Dir == "" {
		add("cache.dir is required when the cache is enabled")
	}
	if c.Cache.RemoteURL != "" && !strings.HasPrefix(c.Cache.RemoteURL, "http://") && !strings.HasPrefix(c.Cache.RemoteURL, "https://") {
		add("cache.remote_url must be an http(s) URL")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("unknown log level %q", c.Log.Level)
	}
	return errors.Join(errs...)
}
