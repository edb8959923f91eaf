package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/threadsync"
	"github.com/aixgo-dev/threadsync/internal/observability"
	"github.com/aixgo-dev/threadsync/pkg/config"
	"github.com/aixgo-dev/threadsync/pkg/thread"
)

var (
	configFile string
	logLevel   string
	version    = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "threadsync",
	Short: "Reconcile paginated thread history with live streams",
	Long: `threadsync keeps one ordered, deduplicated view of a message thread
built from its paginated history and the delta streams of messages that are
still being generated.

  threadsync seed <thread>     # write demo history and a live stream
  threadsync watch <thread>    # follow the reconciled thread
  threadsync serve             # expose /health and /metrics`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", os.Getenv("THREADSYNC_CONFIG"), "config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
}

// env is what every subcommand needs.
type env struct {
	cfg     *config.Config
	log     *logrus.Logger
	backend threadsync.Backend
}

// threadArg accepts exactly one valid thread ID.
func threadArg(cmd *cobra.Command, args []string) error {
	if err := cobra.ExactArgs(1)(cmd, args); err != nil {
		return err
	}
	return thread.ValidateID(args[0])
}

func setup() (*env, error) {
	cfg, err := threadsync.NewConfigLoader(&threadsync.OSFileReader{}).LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	log := threadsync.NewLogger(cfg)

	if err := threadsync.InitObservability(cfg, log); err != nil {
		log.WithError(err).Warn("observability disabled")
	}

	b, err := threadsync.OpenBackend(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Backend == config.BackendMemory {
		log.Warn("memory backend: data is local to this process")
	}
	return &env{cfg: cfg, log: log, backend: b}, nil
}

func (e *env) Close() {
	if err := e.backend.Close(); err != nil {
		e.log.WithError(err).Warn("close backend")
	}
	if err := observability.Shutdown(context.Background()); err != nil {
		e.log.WithError(err).Warn("flush traces")
	}
}
