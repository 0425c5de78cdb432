// Package config loads connmgr settings from defaults, environment variables
// and an optional JSON or YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const envPrefix = "CONNMGR_"

type Config struct {
	Manager   *ManagerConfig   `json:"manager" yaml:"manager"`
	HTTP      *HTTPConfig      `json:"http" yaml:"http"`
	WebSocket *WebSocketConfig `json:"websocket" yaml:"websocket"`
	Database  *DatabaseConfig  `json:"database" yaml:"database"`
	Log       *LogConfig       `json:"log" yaml:"log"`
	Metrics   *MetricsConfig   `json:"metrics" yaml:"metrics"`
}

// ManagerConfig tunes the connection manager and its event loop.
// IdleGrace is how long connections get between the pending-shutdown notice
// and the close request; zero closes idle connections right away.
// DrainTimeout bounds the whole graceful drain before remaining connections
// are dropped.
type ManagerConfig struct {
	DefaultTimeout         time.Duration `json:"default_timeout" yaml:"default_timeout"`
	IdleEarlyDropThreshold time.Duration `json:"idle_early_drop_threshold" yaml:"idle_early_drop_threshold"`
	IdleGrace              time.Duration `json:"idle_grace" yaml:"idle_grace"`
	DrainTimeout           time.Duration `json:"drain_timeout" yaml:"drain_timeout"`
	TimerInterval          time.Duration `json:"timer_interval" yaml:"timer_interval"`
	LoopQueueSize          int           `json:"loop_queue_size" yaml:"loop_queue_size"`
	HistorySize            int           `json:"history_size" yaml:"history_size"`
}

type HTTPConfig struct {
	Host         string        `json:"host" yaml:"host"`
	Port         int           `json:"port" yaml:"port"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// Addr returns the listen address
func (h *HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// WebSocketConfig tunes managed websocket connections. ReadTimeout is how
// long a peer may stay silent, pongs included.
type WebSocketConfig struct {
	PingInterval time.Duration `json:"ping_interval" yaml:"ping_interval"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	BufferSize   int           `json:"buffer_size" yaml:"buffer_size"`
	ReadLimit    int64         `json:"read_limit" yaml:"read_limit"`
}

type DatabaseConfig struct {
	Enabled        bool          `json:"enabled" yaml:"enabled"`
	Path           string        `json:"path" yaml:"path"`
	Timeout        time.Duration `json:"timeout" yaml:"timeout"`
	WriteQueueSize int           `json:"write_queue_size" yaml:"write_queue_size"`
	// Retention is how long stored events are kept; zero keeps them forever.
	Retention      time.Duration `json:"retention" yaml:"retention"`
	PruneInterval  time.Duration `json:"prune_interval" yaml:"prune_interval"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

func DefaultConfig() *Config {
	return &Config{
		Manager: &ManagerConfig{
			DefaultTimeout:         60 * time.Second,
			IdleEarlyDropThreshold: 30 * time.Second,
			IdleGrace:              5 * time.Second,
			DrainTimeout:           30 * time.Second,
			TimerInterval:          10 * time.Millisecond,
			LoopQueueSize:          1024,
			HistorySize:            256,
		},
		HTTP: &HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 5 * time.Second,
			BufferSize:   100,
			ReadLimit:    64 * 1024,
		},
		Database: &DatabaseConfig{
			Enabled:        true,
			Path:           "./data/connmgr.db",
			Timeout:        30 * time.Second,
			WriteQueueSize: 1000,
			Retention:      7 * 24 * time.Hour,
			PruneInterval:  time.Hour,
		},
		Log: &LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: &MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

func (c *Config) Validate() error {
	if c.Manager == nil {
		return fmt.Errorf("manager configuration is required")
	}
	if c.Manager.DefaultTimeout <= 0 {
		return fmt.Errorf("manager default timeout must be positive")
	}
	if c.Manager.IdleEarlyDropThreshold < 0 {
		return fmt.Errorf("manager idle early drop threshold cannot be negative")
	}
	if c.Manager.IdleGrace < 0 {
		return fmt.Errorf("manager idle grace cannot be negative")
	}
	if c.Manager.DrainTimeout <= 0 {
		return fmt.Errorf("manager drain timeout must be positive")
	}
	if c.Manager.TimerInterval <= 0 {
		return fmt.Errorf("manager timer interval must be positive")
	}
	if c.Manager.LoopQueueSize <= 0 {
		return fmt.Errorf("manager loop queue size must be positive")
	}
	if c.Manager.HistorySize <= 0 {
		return fmt.Errorf("manager history size must be positive")
	}

	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 {
		return fmt.Errorf("HTTP read timeout must be positive")
	}
	if c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP write timeout must be positive")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}
	if c.WebSocket.ReadLimit <= 0 {
		return fmt.Errorf("WebSocket read limit must be positive")
	}

	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Enabled {
		if c.Database.Path == "" {
			return fmt.Errorf("database path cannot be empty")
		}
		if c.Database.Timeout <= 0 {
			return fmt.Errorf("database timeout must be positive")
		}
		if c.Database.WriteQueueSize <= 0 {
			return fmt.Errorf("database write queue size must be positive")
		}
		if c.Database.Retention < 0 {
			return fmt.Errorf("database retention cannot be negative")
		}
		if c.Database.Retention > 0 && c.Database.PruneInterval <= 0 {
			return fmt.Errorf("database prune interval must be positive when retention is set")
		}
	}

	if c.Log == nil {
		return fmt.Errorf("log configuration is required")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be one of debug, info, warn, error")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log format must be text or json")
	}

	if c.Metrics == nil {
		return fmt.Errorf("metrics configuration is required")
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics path must start with /")
	}
	return nil
}

// LoadFromEnv returns the defaults overridden by CONNMGR_* variables.
// Unparseable values are ignored.
func LoadFromEnv() *Config {
	config := DefaultConfig()
	applyEnv(config)
	return config
}

func applyEnv(c *Config) {
	envDuration("MANAGER_DEFAULT_TIMEOUT", &c.Manager.DefaultTimeout)
	envDuration("MANAGER_IDLE_EARLY_DROP_THRESHOLD", &c.Manager.IdleEarlyDropThreshold)
	envDuration("MANAGER_IDLE_GRACE", &c.Manager.IdleGrace)
	envDuration("MANAGER_DRAIN_TIMEOUT", &c.Manager.DrainTimeout)
	envDuration("MANAGER_TIMER_INTERVAL", &c.Manager.TimerInterval)
	envInt("MANAGER_LOOP_QUEUE_SIZE", &c.Manager.LoopQueueSize)
	envInt("MANAGER_HISTORY_SIZE", &c.Manager.HistorySize)

	envString("HTTP_HOST", &c.HTTP.Host)
	envInt("HTTP_PORT", &c.HTTP.Port)
	envDuration("HTTP_READ_TIMEOUT", &c.HTTP.ReadTimeout)
	envDuration("HTTP_WRITE_TIMEOUT", &c.HTTP.WriteTimeout)

	envDuration("WEBSOCKET_PING_INTERVAL", &c.WebSocket.PingInterval)
	envDuration("WEBSOCKET_READ_TIMEOUT", &c.WebSocket.ReadTimeout)
	envDuration("WEBSOCKET_WRITE_TIMEOUT", &c.WebSocket.WriteTimeout)
	envInt("WEBSOCKET_BUFFER_SIZE", &c.WebSocket.BufferSize)
	if v, ok := lookup("WEBSOCKET_READ_LIMIT"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.WebSocket.ReadLimit = n
		}
	}

	envBool("DATABASE_ENABLED", &c.Database.Enabled)
	envString("DATABASE_PATH", &c.Database.Path)
	envDuration("DATABASE_TIMEOUT", &c.Database.Timeout)
	envInt("DATABASE_WRITE_QUEUE_SIZE", &c.Database.WriteQueueSize)
	envDuration("DATABASE_RETENTION", &c.Database.Retention)
	envDuration("DATABASE_PRUNE_INTERVAL", &c.Database.PruneInterval)

	envString("LOG_LEVEL", &c.Log.Level)
	envString("LOG_FORMAT", &c.Log.Format)

	envBool("METRICS_ENABLED", &c.Metrics.Enabled)
	envString("METRICS_PATH", &c.Metrics.Path)
}

func lookup(name string) (string, bool) {
	v := os.Getenv(envPrefix + name)
	return v, v != ""
}

func envString(name string, dst *string) {
	if v, ok := lookup(name); ok {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v, ok := lookup(name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if v, ok := lookup(name); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if v, ok := lookup(name); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
