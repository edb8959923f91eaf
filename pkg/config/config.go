package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Backend names.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config represents the threadsync configuration
type Config struct {
	// Backend selects the query transport: memory or redis.
	Backend string `yaml:"backend"`

	Redis         RedisConfig         `yaml:"redis"`
	Thread        ThreadConfig        `yaml:"thread"`
	Log           LogConfig           `yaml:"log"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr      string  `yaml:"addr"`
	Password  string  `yaml:"password,omitempty"`
	DB        int     `yaml:"db"`
	Prefix    string  `yaml:"prefix"`
	PoolSize  int     `yaml:"pool_size"`
	WatchRate float64 `yaml:"watch_rate"` // re-evaluations per second per feed
}

// ThreadConfig holds reconciliation settings
type ThreadConfig struct {
	InitialNumItems int    `yaml:"initial_num_items"`
	PageSize        int    `yaml:"page_size"`
	Stream          bool   `yaml:"stream"`
	GapPolicy       string `yaml:"gap_policy"` // session or stream
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// ObservabilityConfig holds metrics and tracing settings
type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	Exporter    string `yaml:"exporter"` // none, otlp, stdout
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{Thread: ThreadConfig{Stream: true}}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path is operator supplied
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, then applies defaults and environment overrides.
func Parse(data []byte) (*Config, error) {
	cfg := Config{Thread: ThreadConfig{Stream: true}}
	if err := NewSafeParser(DefaultLimits()).Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Backend == "" {
		c.Backend = BackendMemory
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "threadsync:"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 10
	}
	if c.Redis.WatchRate == 0 {
		c.Redis.WatchRate = 20
	}
	if c.Thread.InitialNumItems == 0 {
		c.Thread.InitialNumItems = 20
	}
	if c.Thread.PageSize == 0 {
		c.Thread.PageSize = 20
	}
	if c.Thread.GapPolicy == "" {
		c.Thread.GapPolicy = "session"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Observability.MetricsAddr == "" {
		c.Observability.MetricsAddr = ":9090"
	}
	if c.Observability.Exporter == "" {
		c.Observability.Exporter = "none"
	}
}

// applyEnv lets the environment override the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("THREADSYNC_BACKEND"); v != "" {
		c.Backend = v
	}
	if v := os.Getenv("THREADSYNC_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("THREADSYNC_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("THREADSYNC_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}
	if v := os.Getenv("THREADSYNC_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}

	if c.Thread.InitialNumItems < 0 || c.Thread.PageSize < 0 {
		return fmt.Errorf("thread page sizes must not be negative")
	}

	switch c.Thread.GapPolicy {
	case "session", "stream":
	default:
		return fmt.Errorf("unknown gap_policy %q", c.Thread.GapPolicy)
	}

	if c.Redis.WatchRate < 0 {
		return fmt.Errorf("redis.watch_rate must not be negative")
	}

	return nil
}
