package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFile is the on-disk layout. Durations are strings such as "30s";
// unset fields keep their previous value.
type ConfigFile struct {
	Manager   *ManagerConfigFile   `json:"manager" yaml:"manager"`
	HTTP      *HTTPConfigFile      `json:"http" yaml:"http"`
	WebSocket *WebSocketConfigFile `json:"websocket" yaml:"websocket"`
	Database  *DatabaseConfigFile  `json:"database" yaml:"database"`
	Log       *LogConfig           `json:"log" yaml:"log"`
	Metrics   *MetricsConfigFile   `json:"metrics" yaml:"metrics"`
}

type ManagerConfigFile struct {
	DefaultTimeout         string `json:"default_timeout" yaml:"default_timeout"`
	IdleEarlyDropThreshold string `json:"idle_early_drop_threshold" yaml:"idle_early_drop_threshold"`
	IdleGrace              string `json:"idle_grace" yaml:"idle_grace"`
	DrainTimeout           string `json:"drain_timeout" yaml:"drain_timeout"`
	TimerInterval          string `json:"timer_interval" yaml:"timer_interval"`
	LoopQueueSize          int    `json:"loop_queue_size" yaml:"loop_queue_size"`
	HistorySize            int    `json:"history_size" yaml:"history_size"`
}

type HTTPConfigFile struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	ReadTimeout  string `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout string `json:"write_timeout" yaml:"write_timeout"`
}

type WebSocketConfigFile struct {
	PingInterval string `json:"ping_interval" yaml:"ping_interval"`
	ReadTimeout  string `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout string `json:"write_timeout" yaml:"write_timeout"`
	BufferSize   int    `json:"buffer_size" yaml:"buffer_size"`
	ReadLimit    int64  `json:"read_limit" yaml:"read_limit"`
}

type DatabaseConfigFile struct {
	Enabled        *bool  `json:"enabled" yaml:"enabled"`
	Path           string `json:"path" yaml:"path"`
	Timeout        string `json:"timeout" yaml:"timeout"`
	WriteQueueSize int    `json:"write_queue_size" yaml:"write_queue_size"`
	Retention      string `json:"retention" yaml:"retention"`
	PruneInterval  string `json:"prune_interval" yaml:"prune_interval"`
}

type MetricsConfigFile struct {
	Enabled *bool  `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// LoadFromFile reads a JSON file, or YAML when the extension is .yaml or
// .yml, on top of the defaults and validates the result
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, path); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

// Load layers defaults, then environment, then the file when path is set
func Load(path string) (*Config, error) {
	config := LoadFromEnv()
	if path != "" {
		if err := applyFile(config, path); err != nil {
			return nil, err
		}
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// LoadConfigWithPrecedence is Load that falls back to environment and
// defaults when the file cannot be used
func LoadConfigWithPrecedence(path string) *Config {
	config, err := Load(path)
	if err != nil {
		return LoadFromEnv()
	}
	return config
}

func applyFile(c *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file ConfigFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &file)
	default:
		err = json.Unmarshal(data, &file)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := file.apply(c); err != nil {
		return fmt.Errorf("invalid value in config file %s: %w", path, err)
	}
	return nil
}

func (f *ConfigFile) apply(c *Config) error {
	if m := f.Manager; m != nil {
		if err := parseDurations(map[string]durationField{
			"manager.default_timeout":           {m.DefaultTimeout, &c.Manager.DefaultTimeout},
			"manager.idle_early_drop_threshold": {m.IdleEarlyDropThreshold, &c.Manager.IdleEarlyDropThreshold},
			"manager.idle_grace":                {m.IdleGrace, &c.Manager.IdleGrace},
			"manager.drain_timeout":             {m.DrainTimeout, &c.Manager.DrainTimeout},
			"manager.timer_interval":            {m.TimerInterval, &c.Manager.TimerInterval},
		}); err != nil {
			return err
		}
		setInt(m.LoopQueueSize, &c.Manager.LoopQueueSize)
		setInt(m.HistorySize, &c.Manager.HistorySize)
	}

	if h := f.HTTP; h != nil {
		if err := parseDurations(map[string]durationField{
			"http.read_timeout":  {h.ReadTimeout, &c.HTTP.ReadTimeout},
			"http.write_timeout": {h.WriteTimeout, &c.HTTP.WriteTimeout},
		}); err != nil {
			return err
		}
		setString(h.Host, &c.HTTP.Host)
		setInt(h.Port, &c.HTTP.Port)
	}

	if w := f.WebSocket; w != nil {
		if err := parseDurations(map[string]durationField{
			"websocket.ping_interval": {w.PingInterval, &c.WebSocket.PingInterval},
			"websocket.read_timeout":  {w.ReadTimeout, &c.WebSocket.ReadTimeout},
			"websocket.write_timeout": {w.WriteTimeout, &c.WebSocket.WriteTimeout},
		}); err != nil {
			return err
		}
		setInt(w.BufferSize, &c.WebSocket.BufferSize)
		if w.ReadLimit > 0 {
			c.WebSocket.ReadLimit = w.ReadLimit
		}
	}

	if d := f.Database; d != nil {
		if err := parseDurations(map[string]durationField{
			"database.timeout":        {d.Timeout, &c.Database.Timeout},
			"database.retention":      {d.Retention, &c.Database.Retention},
			"database.prune_interval": {d.PruneInterval, &c.Database.PruneInterval},
		}); err != nil {
			return err
		}
		if d.Enabled != nil {
			c.Database.Enabled = *d.Enabled
		}
		setString(d.Path, &c.Database.Path)
		setInt(d.WriteQueueSize, &c.Database.WriteQueueSize)
	}

	if l := f.Log; l != nil {
		setString(l.Level, &c.Log.Level)
		setString(l.Format, &c.Log.Format)
	}

	if m := f.Metrics; m != nil {
		if m.Enabled != nil {
			c.Metrics.Enabled = *m.Enabled
		}
		setString(m.Path, &c.Metrics.Path)
	}
	return nil
}

type durationField struct {
	raw string
	dst *time.Duration
}

func parseDurations(fields map[string]durationField) error {
	for name, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*f.dst = d
	}
	return nil
}

func setString(v string, dst *string) {
	if v != "" {
		*dst = v
	}
}

func setInt(v int, dst *int) {
	if v > 0 {
		*dst = v
	}
}
