// Command coordinator runs the forge build coordinator, manages its access
// tokens, and drives a running coordinator through its HTTP API.
//
//	coordinator serve --config forge.yaml
//	coordinator token generate --type worker --subject builder-1
//	coordinator token list
//	coordinator token revoke <id>
//	coordinator build submit -f app.yaml --wait
//	coordinator build status <id>
//	coordinator workers drain <id>
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dreamware/forge/internal/config"
	"github.com/dreamware/forge/internal/coordinator"
	"github.com/dreamware/forge/internal/logging"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "coordinator: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "coordinator",
		Short:         "Distributed build coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newTokenCmd(), newBuildCmd(), newWorkersCmd(), newVersionCmd())
	return root
}

type serveOptions struct {
	configPath string
	listen     string
	api        string
	logLevel   string
}

func newServeCmd() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept workers and schedule builds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file")
	f.StringVar(&opts.listen, "listen", "", "worker endpoint address (overrides config)")
	f.StringVar(&opts.api, "api", "", "HTTP API address (overrides config)")
	f.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	return cmd
}

// loadConfig reads the config file and environment, then applies the flags
// the user set explicitly.
func loadConfig(cmd *cobra.Command, opts serveOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Listen = opts.listen
	}
	if flags.Changed("api") {
		cfg.API = opts.api
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	c, err := coordinator.New(cfg, logger)
	if err != nil {
		logger.Error("coordinator init failed", zap.Error(err))
		return err
	}
	logger.Info("starting coordinator", zap.String("version", version), zap.String("id", c.ID()))
	if err := c.Run(ctx); err != nil {
		logger.Error("coordinator stopped with error", zap.Error(err))
		return err
	}
	logger.Info("coordinator stopped")
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "forge coordinator %s\n", version)
}
