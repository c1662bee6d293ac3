package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the flowpool binaries. The server uses
// the pool/discovery/trace fields, the worker uses the runner fields; both
// share the logging block.
type Config struct {
	Port     int    // service API port
	LogLevel string // zap level: debug, info, warn, error
	LogMode  string // "production" or "development"

	// Pool
	PoolSize        int // number of worker slots
	WorkTimeoutMs   int // per-execution cap, milliseconds
	ProbeIntervalMs int // health re-probe interval
	ProbeTimeoutMs  int // single probe request cap

	// Worker discovery. Explicit addrs win over pattern mode; a redis URL
	// switches discovery to the registered-worker set.
	WorkerAddrs    []string // explicit base URLs, e.g. "http://10.0.0.5:9001"
	WorkerHost     string   // pattern mode host
	WorkerBasePort int      // pattern mode first port (slot i uses base+i-1)
	RedisURL       string

	// Trace events. When set, the server publishes one event per completed
	// execution.
	NATSURL string

	// Runner (worker binary)
	WorkerID      string // defaults to a generated id when empty
	WorkerPort    int
	ExecTimeoutMs int    // runner-side guard when the request carries none
	AdvertiseURL  string // address announced via redis heartbeat
	MetricsAddr   string // runner metrics listener, empty disables
}

// Load reads configuration in two layers: an optional YAML file named by
// FLOWPOOL_CONFIG, then FLOWPOOL_* environment variables on top (env vars
// take precedence, so local overrides always win).
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		LogMode:  "production",

		PoolSize:        3,
		WorkTimeoutMs:   30000,
		ProbeIntervalMs: 10000,
		ProbeTimeoutMs:  2000,

		WorkerHost:     "localhost",
		WorkerBasePort: 9001,

		WorkerPort:    9001,
		ExecTimeoutMs: 30000,
		MetricsAddr:   ":9091",
	}

	if path := os.Getenv("FLOWPOOL_CONFIG"); path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	cfg.LogLevel = envOrDefault("FLOWPOOL_LOG_LEVEL", cfg.LogLevel)
	cfg.LogMode = envOrDefault("FLOWPOOL_LOG_MODE", cfg.LogMode)

	cfg.PoolSize = envOrDefaultInt("FLOWPOOL_POOL_SIZE", cfg.PoolSize)
	cfg.WorkTimeoutMs = envOrDefaultInt("FLOWPOOL_WORK_TIMEOUT_MS", cfg.WorkTimeoutMs)
	cfg.ProbeIntervalMs = envOrDefaultInt("FLOWPOOL_PROBE_INTERVAL_MS", cfg.ProbeIntervalMs)
	cfg.ProbeTimeoutMs = envOrDefaultInt("FLOWPOOL_PROBE_TIMEOUT_MS", cfg.ProbeTimeoutMs)

	if addrs := os.Getenv("FLOWPOOL_WORKER_ADDRS"); addrs != "" {
		cfg.WorkerAddrs = splitAddrs(addrs)
	}
	cfg.WorkerHost = envOrDefault("FLOWPOOL_WORKER_HOST", cfg.WorkerHost)
	cfg.WorkerBasePort = envOrDefaultInt("FLOWPOOL_WORKER_BASE_PORT", cfg.WorkerBasePort)
	cfg.RedisURL = envOrDefault("FLOWPOOL_REDIS_URL", cfg.RedisURL)
	cfg.NATSURL = envOrDefault("FLOWPOOL_NATS_URL", cfg.NATSURL)

	cfg.WorkerID = envOrDefault("FLOWPOOL_WORKER_ID", cfg.WorkerID)
	cfg.ExecTimeoutMs = envOrDefaultInt("FLOWPOOL_EXEC_TIMEOUT_MS", cfg.ExecTimeoutMs)
	cfg.AdvertiseURL = envOrDefault("FLOWPOOL_ADVERTISE_URL", cfg.AdvertiseURL)
	cfg.MetricsAddr = envOrDefault("FLOWPOOL_METRICS_ADDR", cfg.MetricsAddr)

	if portStr := os.Getenv("FLOWPOOL_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid FLOWPOOL_PORT %q: %w", portStr, err)
		}
		cfg.Port = port
	}
	if portStr := os.Getenv("FLOWPOOL_WORKER_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid FLOWPOOL_WORKER_PORT %q: %w", portStr, err)
		}
		cfg.WorkerPort = port
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the pool cannot run with.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.WorkerPort < 1 || c.WorkerPort > 65535 {
		return fmt.Errorf("worker port %d out of range", c.WorkerPort)
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("pool size must be positive, got %d", c.PoolSize)
	}
	if c.WorkTimeoutMs < 1 {
		return fmt.Errorf("work timeout must be positive, got %dms", c.WorkTimeoutMs)
	}
	if c.ProbeIntervalMs < 1 {
		return fmt.Errorf("probe interval must be positive, got %dms", c.ProbeIntervalMs)
	}
	if c.ProbeTimeoutMs < 1 {
		return fmt.Errorf("probe timeout must be positive, got %dms", c.ProbeTimeoutMs)
	}
	return nil
}

// WorkTimeout returns the per-execution cap as a duration.
func (c *Config) WorkTimeout() time.Duration {
	return time.Duration(c.WorkTimeoutMs) * time.Millisecond
}

// ProbeInterval returns the health re-probe interval as a duration.
func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalMs) * time.Millisecond
}

// ProbeTimeout returns the single-probe cap as a duration.
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutMs) * time.Millisecond
}

// ExecTimeout returns the runner-side execution guard as a duration.
func (c *Config) ExecTimeout() time.Duration {
	return time.Duration(c.ExecTimeoutMs) * time.Millisecond
}

// fileConfig is the YAML shape of Config. Pointer fields distinguish
// "absent" from zero so the file only overrides what it names.
type fileConfig struct {
	Port     *int    `yaml:"port"`
	LogLevel *string `yaml:"log_level"`
	LogMode  *string `yaml:"log_mode"`

	PoolSize        *int `yaml:"pool_size"`
	WorkTimeoutMs   *int `yaml:"work_timeout_ms"`
	ProbeIntervalMs *int `yaml:"probe_interval_ms"`
	ProbeTimeoutMs  *int `yaml:"probe_timeout_ms"`

	WorkerAddrs    []string `yaml:"worker_addrs"`
	WorkerHost     *string  `yaml:"worker_host"`
	WorkerBasePort *int     `yaml:"worker_base_port"`
	RedisURL       *string  `yaml:"redis_url"`
	NATSURL        *string  `yaml:"nats_url"`

	WorkerID      *string `yaml:"worker_id"`
	WorkerPort    *int    `yaml:"worker_port"`
	ExecTimeoutMs *int    `yaml:"exec_timeout_ms"`
	AdvertiseURL  *string `yaml:"advertise_url"`
	MetricsAddr   *string `yaml:"metrics_addr"`
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse YAML: %w", err)
	}

	setInt(&cfg.Port, fc.Port)
	setString(&cfg.LogLevel, fc.LogLevel)
	setString(&cfg.LogMode, fc.LogMode)
	setInt(&cfg.PoolSize, fc.PoolSize)
	setInt(&cfg.WorkTimeoutMs, fc.WorkTimeoutMs)
	setInt(&cfg.ProbeIntervalMs, fc.ProbeIntervalMs)
	setInt(&cfg.ProbeTimeoutMs, fc.ProbeTimeoutMs)
	if len(fc.WorkerAddrs) > 0 {
		cfg.WorkerAddrs = fc.WorkerAddrs
	}
	setString(&cfg.WorkerHost, fc.WorkerHost)
	setInt(&cfg.WorkerBasePort, fc.WorkerBasePort)
	setString(&cfg.RedisURL, fc.RedisURL)
	setString(&cfg.NATSURL, fc.NATSURL)
	setString(&cfg.WorkerID, fc.WorkerID)
	setInt(&cfg.WorkerPort, fc.WorkerPort)
	setInt(&cfg.ExecTimeoutMs, fc.ExecTimeoutMs)
	setString(&cfg.AdvertiseURL, fc.AdvertiseURL)
	setString(&cfg.MetricsAddr, fc.MetricsAddr)
	return nil
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func splitAddrs(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if addr := strings.TrimSpace(part); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}
