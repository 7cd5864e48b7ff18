// Package config handles application configuration loading and validation
// from environment variables, providing a type-safe configuration structure.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration values for the event bus and task queue
// core, loaded from environment variables with an optional YAML overlay for
// per-stream settings.
type Config struct {
	// Redis backend
	RedisAddr     string // Redis server address (host:port)
	RedisPassword string // Redis password (empty for none)
	RedisDB       int    // Redis database number
	RedisPoolSize int    // Connection pool size (0 = driver default)

	// Stream settings
	MaxRetries   int              // Delivery budget per (entry, group) before dead-letter
	RetryDelay   time.Duration    // Base delay for consumer-loop error pacing
	MaxLength    int64            // Approximate MAXLEN trim bound per stream
	StreamMaxLen map[string]int64 // Per-stream overrides of MaxLength (YAML overlay)

	// Consumer settings
	GroupPrefix   string        // Namespace prefix for consumer groups
	BlockTime     time.Duration // XREADGROUP block timeout
	ClaimIdleTime time.Duration // Idle threshold and period for claiming stale entries
	BatchSize     int64         // Entries per backend read

	// Task queue
	MaxConcurrentTasks  int           // Bound on simultaneously-running task handlers
	MaxQueueDepth       int           // Backpressure threshold for event intake
	TaskMaxAttempts     int           // Default final attempt number
	TaskRetryStrategy   string        // exponential, linear, or fixed
	TaskBaseDelay       time.Duration // Default base backoff delay
	TaskMaxDelay        time.Duration // Default backoff cap
	TaskJitter          bool          // Randomize backoff by [0.5, 1.5)
	TaskTimeout         time.Duration // Default per-invocation handler timeout
	HealthCheckInterval time.Duration // Heartbeat period
	DeadLetterRetention time.Duration // In-memory retention for dead tasks
	HoldingStream       string        // Stream receiving residual tasks on Stop

	// Admin surface
	AdminListenAddr string // Bind address for the admin HTTP server

	// Lifecycle
	ShutdownGrace time.Duration // Drain budget on Stop
	StartupWait   time.Duration // How long to wait for the backend at startup

	// Logging
	LogLevel  string // debug, info, warn, error
	LogFormat string // json or console
	LogFile   string // Path to log file (empty for stdout)
}

// New creates a configuration from environment variables, applying defaults
// where variables are unset, then layering the optional YAML overlay named
// by EVENTCORE_CONFIG_FILE.
func New() (*Config, error) {
	cfg := &Config{
		RedisAddr:     getEnvString("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnvString("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisPoolSize: getEnvInt("REDIS_POOL_SIZE", 0),

		MaxRetries: getEnvInt("STREAM_MAX_RETRIES", 3),
		RetryDelay: getEnvDuration("STREAM_RETRY_DELAY", time.Second),
		MaxLength:  getEnvInt64("STREAM_MAX_LENGTH", 10000),

		GroupPrefix:   getEnvString("CONSUMER_GROUP_PREFIX", "eventcore"),
		BlockTime:     getEnvDuration("CONSUMER_BLOCK_TIME", 5*time.Second),
		ClaimIdleTime: getEnvDuration("CONSUMER_CLAIM_IDLE_TIME", 30*time.Second),
		BatchSize:     getEnvInt64("CONSUMER_BATCH_SIZE", 100),

		MaxConcurrentTasks:  getEnvInt("TASK_MAX_CONCURRENT", 10),
		MaxQueueDepth:       getEnvInt("TASK_MAX_QUEUE_DEPTH", 1000),
		TaskMaxAttempts:     getEnvInt("TASK_MAX_ATTEMPTS", 3),
		TaskRetryStrategy:   getEnvString("TASK_RETRY_STRATEGY", "exponential"),
		TaskBaseDelay:       getEnvDuration("TASK_BASE_DELAY", time.Second),
		TaskMaxDelay:        getEnvDuration("TASK_MAX_DELAY", 30*time.Second),
		TaskJitter:          getEnvBool("TASK_JITTER", true),
		TaskTimeout:         getEnvDuration("TASK_TIMEOUT", 30*time.Second),
		HealthCheckInterval: getEnvDuration("HEALTH_CHECK_INTERVAL", 30*time.Second),
		DeadLetterRetention: getEnvDuration("DEAD_LETTER_RETENTION", 24*time.Hour),
		HoldingStream:       getEnvString("TASK_HOLDING_STREAM", "tasks.holding"),

		AdminListenAddr: getEnvString("ADMIN_LISTEN_ADDR", ":8081"),

		ShutdownGrace: getEnvDuration("SHUTDOWN_GRACE", 30*time.Second),
		StartupWait:   getEnvDuration("STARTUP_WAIT", 30*time.Second),

		LogLevel:  getEnvString("LOG_LEVEL", "info"),
		LogFormat: getEnvString("LOG_FORMAT", "json"),
		LogFile:   getEnvString("LOG_FILE", ""),
	}

	if path := getEnvString("EVENTCORE_CONFIG_FILE", ""); path != "" {
		if err := cfg.applyOverlay(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail at an awkward moment.
func (c *Config) Validate() error {
	if c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("STREAM_MAX_RETRIES must be at least 1")
	}
	if c.MaxConcurrentTasks < 1 {
		return fmt.Errorf("TASK_MAX_CONCURRENT must be at least 1")
	}
	switch c.TaskRetryStrategy {
	case "exponential", "linear", "fixed":
	default:
		return fmt.Errorf("TASK_RETRY_STRATEGY must be exponential, linear, or fixed")
	}
	return nil
}

// overlay is the YAML overlay file shape. Only per-stream settings live
// here; scalar settings stay in the environment.
type overlay struct {
	StreamsOverrides map[string]struct {
		MaxLength int64 `yaml:"max_length"`
	} `yaml:"streams_overrides"`
}

// applyOverlay layers per-stream overrides from a YAML file so heavy
// streams can carry a larger trim bound than the global default.
func (c *Config) applyOverlay(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config overlay %s: %w", path, err)
	}
	var o overlay
	if err := yaml.Unmarshal(raw, &o); err != nil {
		return fmt.Errorf("parse config overlay %s: %w", path, err)
	}
	if len(o.StreamsOverrides) > 0 {
		c.StreamMaxLen = make(map[string]int64, len(o.StreamsOverrides))
		for stream, s := range o.StreamsOverrides {
			if s.MaxLength > 0 {
				c.StreamMaxLen[stream] = s.MaxLength
			}
		}
	}
	return nil
}

// getEnvString retrieves a string value from an environment variable,
// falling back to the provided default value if the variable is not set.
func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvBool retrieves a boolean value from an environment variable,
// falling back to the provided default value if the variable is not set
// or cannot be parsed as a boolean.
func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := strconv.ParseBool(value)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}

// getEnvInt retrieves an integer value from an environment variable,
// falling back to the provided default value if the variable is not set
// or cannot be parsed as an integer.
func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := strconv.Atoi(value)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}

// getEnvInt64 retrieves a 64-bit integer value from an environment variable,
// falling back to the provided default value if the variable is not set
// or cannot be parsed as a 64-bit integer.
func getEnvInt64(key string, defaultValue int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := strconv.ParseInt(value, 10, 64)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration value from an environment variable,
// falling back to the provided default value if the variable is not set
// or cannot be parsed as a duration.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := time.ParseDuration(value)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}
