// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	lzmux "github.com/eugener/lzmux/internal"
	"github.com/eugener/lzmux/internal/codec"
	"github.com/eugener/lzmux/internal/proxy"
	"github.com/eugener/lzmux/internal/router"
)

// Config is the top-level dispatcher configuration.
type Config struct {
	Server     ServerConfig    `yaml:"server"`
	Worker     WorkerConfig    `yaml:"worker"`
	Router     RouterConfig    `yaml:"router"`
	JobTimeout time.Duration   `yaml:"job_timeout"` // 0 = jobs never expire
	Database   DatabaseConfig  `yaml:"database"`
	Cache      CacheConfig     `yaml:"cache"`
	Breaker    BreakerConfig   `yaml:"breaker"`
	RateLimits RateLimitConfig `yaml:"rate_limits"`
	Recorder   RecorderConfig  `yaml:"recorder"`
	Telemetry  TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// WorkerConfig describes the worker process and its pipe protocol.
type WorkerConfig struct {
	Path         string        `yaml:"path"`
	Args         []string      `yaml:"args"`
	Env          []string      `yaml:"env"` // KEY=VALUE, appended to the dispatcher's environment
	Dir          string        `yaml:"dir"`
	Codec        string        `yaml:"codec"` // json, msgpack, cbor
	QueueSize    int           `yaml:"queue_size"`
	MaxFrameSize int           `yaml:"max_frame_size"`
	StopTimeout  time.Duration `yaml:"stop_timeout"`
}

// RouterConfig tunes request id generation and fault attribution.
type RouterConfig struct {
	IDRange     uint32 `yaml:"id_range"`
	MaxDraws    int    `yaml:"max_draws"`
	MaxPending  int    `yaml:"max_pending"`
	Attribution string `yaml:"attribution"` // newest-pending, last-issued
}

// DatabaseConfig holds SQLite settings. An empty DSN disables job history.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// CacheConfig holds result cache settings.
type CacheConfig struct {
	Enabled  bool          `yaml:"enabled"`
	MaxBytes int64         `yaml:"max_bytes"`
	TTL      time.Duration `yaml:"ttl"`
}

// BreakerConfig holds worker circuit breaker settings.
type BreakerConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ErrorThreshold float64       `yaml:"error_threshold"`
	MinSamples     int           `yaml:"min_samples"`
	WindowSeconds  int           `yaml:"window_seconds"`
	OpenTimeout    time.Duration `yaml:"open_timeout"`
}

// RateLimitConfig holds per-client rate limits.
type RateLimitConfig struct {
	JobsPerMinute  int64 `yaml:"jobs_per_minute"`  // 0 = unlimited
	BytesPerMinute int64 `yaml:"bytes_per_minute"` // 0 = unlimited
}

// RecorderConfig tunes the job history writer.
type RecorderConfig struct {
	BufferSize    int           `yaml:"buffer_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	LogLevel string        `yaml:"log_level"` // debug, info, warn, error
	Metrics  MetricsConfig `yaml:"metrics"`
	Tracing  TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// Level parses LogLevel.
func (t TelemetryConfig) Level() (slog.Level, error) {
	var l slog.Level
	if t.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(t.LogLevel)); err != nil {
		return 0, fmt.Errorf("telemetry.log_level: %w", err)
	}
	return l, nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
// Unset variables are left as is.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Default returns the configuration used for fields a file leaves unset.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    64 << 20,
		},
		Worker: WorkerConfig{
			Path:         proxy.DefaultPath,
			Codec:        codec.NameJSON,
			QueueSize:    proxy.DefaultQueueSize,
			MaxFrameSize: codec.DefaultMaxFrameSize,
			StopTimeout:  proxy.DefaultStopTimeout,
		},
		Router: RouterConfig{
			IDRange:     router.DefaultIDRange,
			MaxDraws:    router.DefaultMaxDraws,
			MaxPending:  router.DefaultMaxPending,
			Attribution: router.AttributeNewestPending.String(),
		},
		Database: DatabaseConfig{
			DSN: "lzmux.db",
		},
		Cache: CacheConfig{
			Enabled:  true,
			MaxBytes: 64 << 20,
			TTL:      10 * time.Minute,
		},
		Breaker: BreakerConfig{
			Enabled:        true,
			ErrorThreshold: 0.5,
			MinSamples:     5,
			WindowSeconds:  30,
			OpenTimeout:    10 * time.Second,
		},
		RateLimits: RateLimitConfig{
			JobsPerMinute:  600,
			BytesPerMinute: 256 << 20,
		},
		Recorder: RecorderConfig{
			BufferSize:    1000,
			BatchSize:     100,
			FlushInterval: 5 * time.Second,
		},
		Telemetry: TelemetryConfig{
			LogLevel: "info",
			Tracing:  TracingConfig{SampleRate: 1},
		},
	}
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late, at worker start or
// on the first job.
func (c *Config) Validate() error {
	var errs []error
	if c.Worker.Path == "" {
		errs = append(errs, errors.New("worker.path is required"))
	}
	if _, err := codec.Get(c.Worker.Codec); err != nil {
		errs = append(errs, fmt.Errorf("worker.codec: %w", err))
	}
	if _, err := router.ParseAttribution(c.Router.Attribution); err != nil {
		errs = append(errs, fmt.Errorf("router.attribution: %w", err))
	}
	if c.JobTimeout < 0 {
		errs = append(errs, errors.New("job_timeout must not be negative"))
	}
	if c.Breaker.ErrorThreshold < 0 || c.Breaker.ErrorThreshold > 1 {
		errs = append(errs, fmt.Errorf("breaker.error_threshold %v out of range [0, 1]", c.Breaker.ErrorThreshold))
	}
	if r := c.Telemetry.Tracing.SampleRate; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.tracing.sample_rate %v out of range [0, 1]", r))
	}
	if _, err := c.Telemetry.Level(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", lzmux.ErrBadRequest, err)
	}
	return nil
}
