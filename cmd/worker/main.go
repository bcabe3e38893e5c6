// Package main implements the forge build worker, which connects to a
// coordinator and runs the compile and build jobs it is assigned.
//
// The worker is a thin process around internal/agent:
//   - Probes PATH for toolchains to advertise as capabilities
//   - Registers with the coordinator over ws:// or wss://
//   - Executes jobs as local processes under FORGE_WORK_DIR
//   - Uploads cacheable outputs to the coordinator's artifact cache
//
// Configuration:
//   - FORGE_COORDINATOR_URL: Coordinator worker endpoint (required)
//   - FORGE_WORKER_NAME: Name reported in HELLO (default: hostname)
//   - FORGE_TOKEN: Token presented at registration
//   - FORGE_SECRET: Shared secret for challenge authentication
//   - FORGE_MAX_JOBS: Concurrent job slots (default: CPU count)
//   - FORGE_WORK_DIR: Directory jobs run in (default: current directory)
//   - FORGE_CAPABILITIES: Comma-separated capability names (default: detected)
//   - FORGE_TLS_CA, FORGE_TLS_CERT, FORGE_TLS_KEY: TLS material for wss://
//   - FORGE_TLS_INSECURE: Skip server certificate verification
//   - FORGE_RECONNECT_DELAY, FORGE_MAX_RECONNECTS: Reconnect policy
//   - FORGE_LOG_LEVEL, FORGE_LOG_FILE: Logging
//
// Example usage:
//
//	FORGE_COORDINATOR_URL=ws://build-coord:7878 \
//	FORGE_TOKEN=$(coordinator token generate --subject $(hostname) | awk '/token:/ {print $2}') \
//	FORGE_WORK_DIR=/var/lib/forge \
//	./worker
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/forge/internal/agent"
	"github.com/dreamware/forge/internal/logging"
	"github.com/dreamware/forge/internal/protocol"
	"github.com/dreamware/forge/internal/transport"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, workDir, err := loadConfig()
	if err != nil {
		logFatal("worker config: %v", err)
	}
	logger, err := logging.New(getenv("FORGE_LOG_LEVEL", "info"), os.Getenv("FORGE_LOG_FILE"))
	if err != nil {
		logFatal("worker logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	agent.Version = version
	a, err := agent.New(cfg, &agent.ExecExecutor{WorkDir: workDir}, logger)
	if err != nil {
		logger.Fatal("create agent", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := a.Run(ctx); err != nil {
		logger.Error("worker stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

// loadConfig builds the agent configuration from FORGE_* environment
// variables and returns it with the job working directory.
//
// Returns an error for malformed numeric, duration or capability values, or
// unreadable TLS material. A missing coordinator URL is fatal.
func loadConfig() (agent.Config, string, error) {
	cfg := agent.DefaultConfig(mustGetenv("FORGE_COORDINATOR_URL"))
	cfg.Name = getenv("FORGE_WORKER_NAME", cfg.Name)
	cfg.Token = os.Getenv("FORGE_TOKEN")
	cfg.Secret = os.Getenv("FORGE_SECRET")

	var err error
	if cfg.MaxJobs, err = getenvInt("FORGE_MAX_JOBS", cfg.MaxJobs); err != nil {
		return cfg, "", err
	}
	if cfg.MaxReconnectAttempts, err = getenvInt("FORGE_MAX_RECONNECTS", cfg.MaxReconnectAttempts); err != nil {
		return cfg, "", err
	}
	if cfg.ReconnectDelay, err = getenvDuration("FORGE_RECONNECT_DELAY", cfg.ReconnectDelay); err != nil {
		return cfg, "", err
	}
	if names := os.Getenv("FORGE_CAPABILITIES"); names != "" {
		if cfg.Capabilities, err = protocol.ParseCapabilities(strings.Split(names, ",")); err != nil {
			return cfg, "", fmt.Errorf("FORGE_CAPABILITIES: %w", err)
		}
	}

	if strings.HasPrefix(cfg.CoordinatorURL, "wss://") {
		insecure, _ := strconv.ParseBool(os.Getenv("FORGE_TLS_INSECURE"))
		cfg.TLS, err = transport.LoadClientTLS(
			os.Getenv("FORGE_TLS_CERT"), os.Getenv("FORGE_TLS_KEY"), os.Getenv("FORGE_TLS_CA"), insecure)
		if err != nil {
			return cfg, "", fmt.Errorf("tls: %w", err)
		}
	}

	workDir := getenv("FORGE_WORK_DIR", ".")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return cfg, "", fmt.Errorf("work dir: %w", err)
	}
	return cfg, workDir, nil
}

// getenv retrieves an environment variable with a default fallback value.
//
// Example:
//
//	name := getenv("FORGE_WORKER_NAME", hostname)
//	// Returns $FORGE_WORKER_NAME if set, otherwise hostname
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// mustGetenv retrieves a required environment variable, terminating the
// program if it's not set.
func mustGetenv(k string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	logFatal("missing env %s", k)
	return ""
}

func getenvInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", k, err)
	}
	return n, nil
}

func getenvDuration(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", k, err)
	}
	return d, nil
}
