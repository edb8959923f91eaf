// Package threadsync reconciles a thread's paginated history with its live
// streams. Open wires a configured backend into a reconcile.Thread.
package threadsync

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/aixgo-dev/threadsync/internal/logging"
	"github.com/aixgo-dev/threadsync/internal/observability"
	"github.com/aixgo-dev/threadsync/pkg/config"
	"github.com/aixgo-dev/threadsync/pkg/delta"
	metrics "github.com/aixgo-dev/threadsync/pkg/observability"
	"github.com/aixgo-dev/threadsync/pkg/query"
	"github.com/aixgo-dev/threadsync/pkg/query/memory"
	"github.com/aixgo-dev/threadsync/pkg/query/redisstore"
	"github.com/aixgo-dev/threadsync/pkg/reactive"
	"github.com/aixgo-dev/threadsync/pkg/reconcile"
	"github.com/aixgo-dev/threadsync/pkg/thread"
)

// FileReader interface for reading files (testable)
type FileReader interface {
	ReadFile(path string) ([]byte, error)
}

// OSFileReader implements FileReader using os.ReadFile
type OSFileReader struct{}

func (r *OSFileReader) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path) // #nosec G304 - path is from trusted config file input
}

// ConfigLoader loads configuration from a file
type ConfigLoader struct {
	fileReader FileReader
}

// NewConfigLoader creates a new config loader
func NewConfigLoader(fr FileReader) *ConfigLoader {
	return &ConfigLoader{fileReader: fr}
}

// LoadConfig reads, parses and validates a config file. An empty path
// yields the defaults with environment overrides.
func (cl *ConfigLoader) LoadConfig(configPath string) (*config.Config, error) {
	var data []byte
	if configPath != "" {
		var err error
		data, err = cl.fileReader.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg, err := config.Parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Backend is a transport that can also be written to.
type Backend interface {
	query.Client
	query.Writer
	Ping(ctx context.Context) error
	Close() error
}

// OpenBackend connects the backend cfg names.
func OpenBackend(cfg *config.Config) (Backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.New(), nil
	case config.BackendRedis:
		b, err := redisstore.New(redisstore.Config{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Prefix:    cfg.Redis.Prefix,
			PoolSize:  cfg.Redis.PoolSize,
			WatchRate: cfg.Redis.WatchRate,
		})
		if err != nil {
			return nil, fmt.Errorf("open redis backend: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// GapPolicy maps a config name to a delta.GapPolicy.
func GapPolicy(name string) delta.GapPolicy {
	if name == "stream" {
		return delta.GapAbortStream
	}
	return delta.GapAbortSession
}

// NewLogger builds the logger cfg describes.
func NewLogger(cfg *config.Config) *logrus.Logger {
	return logging.Stderr(cfg.Log.Level, cfg.Log.Format)
}

// InitObservability registers metrics and starts tracing.
func InitObservability(cfg *config.Config, log logrus.FieldLogger) error {
	metrics.InitMetrics()
	if err := observability.Init(observability.Config{
		Enabled:      cfg.Observability.Exporter != "none",
		ExporterType: cfg.Observability.Exporter,
		Logger:       log,
	}); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	return nil
}

// Open starts a reconciled view of the thread args selects.
func Open(ctx context.Context, cfg *config.Config, client query.Client, args reactive.Value[thread.Args], log logrus.FieldLogger) (*reconcile.Thread, error) {
	th := reconcile.New(client, args, reconcile.Options{
		Stream:          cfg.Thread.Stream,
		InitialNumItems: cfg.Thread.InitialNumItems,
		GapPolicy:       GapPolicy(cfg.Thread.GapPolicy),
		Logger:          log,
	})
	if err := th.Start(ctx); err != nil {
		return nil, err
	}
	return th, nil
}
