package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvAddress  = "PAGEBEACON_ADDRESS"
	EnvEndpoint = "PAGEBEACON_ENDPOINT"

	// IngestPath is the fixed analytics ingestion route.
	IngestPath = "/api/analytics"
)

type Config struct {
	Endpoint       string        `yaml:"endpoint"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
	FlushThreshold int           `yaml:"flush_threshold"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	BeaconMaxBytes int           `yaml:"beacon_max_bytes"`

	Identity IdentityConfig `yaml:"identity"`
	Sink     SinkConfig     `yaml:"sink"`
	Logging  LoggingConfig  `yaml:"logging"`

	// Source is "<defaults>" or the file the config was read from.
	Source string `yaml:"-"`
}

// IdentityConfig selects where the persistent user id lives.
type IdentityConfig struct {
	Backend   string `yaml:"backend"` // memory | sqlite | redis
	Path      string `yaml:"path"`
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
}

type SinkConfig struct {
	Address      string `yaml:"address"`
	DatabasePath string `yaml:"database_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		Endpoint:       "http://127.0.0.1:8123" + IngestPath,
		FlushInterval:  30 * time.Second,
		FlushThreshold: 10,
		RequestTimeout: 10 * time.Second,
		BeaconMaxBytes: 64 * 1024,
		Identity: IdentityConfig{
			Backend: "sqlite",
		},
		Sink: SinkConfig{
			Address: "127.0.0.1:8123",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Source: "<defaults>",
	}
}

// Load layers the YAML file at path (if any) over the defaults, then applies
// environment overrides. An empty path means defaults only.
func Load(path string) (Config, error) {
	cfg := Default()

	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %q: %w", path, err)
		}
		cfg.Source = path
	}

	if address := os.Getenv(EnvAddress); address != "" {
		cfg.Sink.Address = address
	}
	if endpoint := os.Getenv(EnvEndpoint); endpoint != "" {
		cfg.Endpoint = endpoint
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Endpoint == "" {
		errs = append(errs, errors.New("endpoint must not be empty"))
	}
	if c.FlushInterval <= 0 {
		errs = append(errs, fmt.Errorf("flush_interval must be positive, got %s", c.FlushInterval))
	}
	if c.FlushThreshold <= 0 {
		errs = append(errs, fmt.Errorf("flush_threshold must be positive, got %d", c.FlushThreshold))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("request_timeout must be positive, got %s", c.RequestTimeout))
	}
	if c.BeaconMaxBytes <= 0 {
		errs = append(errs, fmt.Errorf("beacon_max_bytes must be positive, got %d", c.BeaconMaxBytes))
	}
	switch c.Identity.Backend {
	case "memory", "sqlite":
	case "redis":
		if c.Identity.RedisAddr == "" {
			errs = append(errs, errors.New("identity.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown identity backend %q", c.Identity.Backend))
	}
	if _, err := NormalizeLogLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// NormalizeLogLevel lowercases level and checks it is one slog understands.
func NormalizeLogLevel(level string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(level))
	switch normalized {
	case "":
		return "info", nil
	case "debug", "info", "warn", "error":
		return normalized, nil
	case "warning":
		return "warn", nil
	}
	return "", fmt.Errorf("unsupported log level %q", level)
}
