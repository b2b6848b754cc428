// Package config provides configuration structures and loading logic for the
// sentinel observability core.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the global configuration for the service.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Trace       TraceConfig       `yaml:"trace"`
	DecisionLog DecisionLogConfig `yaml:"decision_log"`
	Retry       RetryConfig       `yaml:"retry"`
	Policy      PolicyConfig      `yaml:"policy"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	Address string `yaml:"address"`
}

// TraceConfig holds configuration for the trace export pipeline.
type TraceConfig struct {
	// Enabled toggles export to the external backend. When false, spans are
	// still registered locally but never shipped.
	Enabled bool `yaml:"enabled"`
	// Endpoint is the OTLP/gRPC collector endpoint, e.g. "localhost:4317".
	Endpoint string `yaml:"endpoint"`
	// Insecure disables TLS on the collector connection.
	Insecure bool `yaml:"insecure"`
	// ServiceName is reported as the OTLP resource service name.
	ServiceName string `yaml:"service_name"`
	// QueueCapacity bounds the fallback export queue. Enqueue on a full queue
	// drops the span rather than blocking the producer.
	QueueCapacity int `yaml:"queue_capacity"`
	// QueueUnhealthyThreshold is the queue depth at which the backend is
	// considered unable to keep up.
	QueueUnhealthyThreshold int `yaml:"queue_unhealthy_threshold"`
	// HealthInterval rate-limits the worker's backend health re-checks.
	HealthInterval time.Duration `yaml:"health_interval"`
	// HandleRetention bounds how long closed backend handles are kept for
	// late-arriving children before eviction.
	HandleRetention time.Duration `yaml:"handle_retention"`
	// RecentSpans is the size of the recently-completed span ring.
	RecentSpans int `yaml:"recent_spans"`
}

// DecisionLogConfig holds configuration for the policy-decision audit log.
type DecisionLogConfig struct {
	// FilePath is the append-only NDJSON sink. Empty disables the file sink.
	FilePath string `yaml:"file_path"`
	// SQLitePath is the database sink. Empty disables the database sink.
	SQLitePath string `yaml:"sqlite_path"`
	// BatchSize triggers a flush once this many decisions are buffered.
	BatchSize int `yaml:"batch_size"`
	// FlushInterval triggers a periodic flush regardless of batch size.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// RetryConfig holds defaults for the generic retry executor.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	Jitter            bool          `yaml:"jitter"`
}

// PolicyConfig holds configuration for the guardrail policy engine.
type PolicyConfig struct {
	// ModulePath points at a rego module overriding the embedded default.
	ModulePath string `yaml:"module_path"`
	// Entrypoint is the decision document path, e.g. "sentinel/guardrail".
	Entrypoint string `yaml:"entrypoint"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the built-in configuration defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Address: ":8098"},
		Trace: TraceConfig{
			Enabled:                 false,
			Insecure:                true,
			ServiceName:             "sentinel",
			QueueCapacity:           1024,
			QueueUnhealthyThreshold: 768,
			HealthInterval:          30 * time.Second,
			HandleRetention:         5 * time.Minute,
			RecentSpans:             256,
		},
		DecisionLog: DecisionLogConfig{
			FilePath:      "decisions.ndjson",
			BatchSize:     50,
			FlushInterval: 10 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    100 * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		Policy:  PolicyConfig{Entrypoint: "sentinel/guardrail"},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads configuration from a file and applies environment variable
// overrides. A missing path loads defaults plus environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("SENTINEL_LISTEN_ADDR"); val != "" {
		cfg.Server.Address = val
	}

	if val := os.Getenv("SENTINEL_TRACE_ENABLED"); val != "" {
		cfg.Trace.Enabled = val == "true" || val == "1"
	}
	if val := os.Getenv("SENTINEL_TRACE_ENDPOINT"); val != "" {
		cfg.Trace.Endpoint = val
	}
	if val := os.Getenv("SENTINEL_TRACE_INSECURE"); val == "true" {
		cfg.Trace.Insecure = true
	}
	if val := os.Getenv("SENTINEL_SERVICE_NAME"); val != "" {
		cfg.Trace.ServiceName = val
	}
	if val := os.Getenv("SENTINEL_EXPORT_QUEUE_CAPACITY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Trace.QueueCapacity = n
		}
	}

	if val := os.Getenv("SENTINEL_DECISION_LOG_PATH"); val != "" {
		cfg.DecisionLog.FilePath = val
	}
	if val := os.Getenv("SENTINEL_DECISION_LOG_SQLITE"); val != "" {
		cfg.DecisionLog.SQLitePath = val
	}
	if val := os.Getenv("SENTINEL_DECISION_BATCH_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.DecisionLog.BatchSize = n
		}
	}
	if val := os.Getenv("SENTINEL_DECISION_FLUSH_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.DecisionLog.FlushInterval = d
		}
	}

	if val := os.Getenv("SENTINEL_RETRY_MAX_ATTEMPTS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Retry.MaxAttempts = n
		}
	}
	if val := os.Getenv("SENTINEL_RETRY_INITIAL_BACKOFF"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Retry.InitialBackoff = d
		}
	}

	if val := os.Getenv("SENTINEL_POLICY_MODULE"); val != "" {
		cfg.Policy.ModulePath = val
	}

	if val := os.Getenv("SENTINEL_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
}

// Validate performs comprehensive validation of the entire configuration.
// Validation failures are fatal at startup; the process must not proceed in a
// half-configured state.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.Trace.Validate(); err != nil {
		return fmt.Errorf("trace configuration: %w", err)
	}
	if err := c.DecisionLog.Validate(); err != nil {
		return fmt.Errorf("decision log configuration: %w", err)
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	return nil
}

// Validate performs validation of server configuration.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		c.Address = ":8098"
	}
	return nil
}

// Validate performs validation of trace configuration.
func (c *TraceConfig) Validate() error {
	if c.Enabled && strings.TrimSpace(c.Endpoint) == "" {
		return fmt.Errorf("endpoint is required when trace export is enabled")
	}
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("service_name must not be empty")
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queue_capacity must be positive, got %d", c.QueueCapacity)
	}
	if c.QueueUnhealthyThreshold <= 0 || c.QueueUnhealthyThreshold > c.QueueCapacity {
		c.QueueUnhealthyThreshold = c.QueueCapacity * 3 / 4
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.HandleRetention <= 0 {
		c.HandleRetention = 5 * time.Minute
	}
	if c.RecentSpans <= 0 {
		c.RecentSpans = 256
	}
	return nil
}

// Validate performs validation of decision log configuration.
func (c *DecisionLogConfig) Validate() error {
	if strings.TrimSpace(c.FilePath) == "" && strings.TrimSpace(c.SQLitePath) == "" {
		return fmt.Errorf("at least one of file_path or sqlite_path is required")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush_interval must be positive, got %s", c.FlushInterval)
	}
	return nil
}

// Validate performs validation of retry configuration.
func (c *RetryConfig) Validate() error {
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive, got %d", c.MaxAttempts)
	}
	if c.InitialBackoff <= 0 {
		return fmt.Errorf("initial_backoff must be positive")
	}
	if c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("max_backoff must be at least initial_backoff")
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be >= 1, got %v", c.BackoffMultiplier)
	}
	return nil
}

// Validate performs validation of logging configuration.
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}
