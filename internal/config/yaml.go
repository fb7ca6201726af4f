package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/szibis/metrics-relay/internal/router"
)

// YAMLConfig represents the YAML configuration file structure. Relay
// settings and the route table share one file; only clusters and rules are
// picked up by a reload.
type YAMLConfig struct {
	Listener  ListenerYAMLConfig  `yaml:"listener"`
	Server    ServerYAMLConfig    `yaml:"server"`
	Collector CollectorYAMLConfig `yaml:"collector"`
	Stats     StatsYAMLConfig     `yaml:"stats"`
	LogLevel  string              `yaml:"log_level"`

	Routes router.Config `yaml:",inline"`
}

// ListenerYAMLConfig holds the client-facing socket settings.
type ListenerYAMLConfig struct {
	Address       string `yaml:"address"`
	ReusePort     bool   `yaml:"reuse_port"`
	ReceiveBuffer int    `yaml:"receive_buffer"`
	Assign        string `yaml:"assign"`
	Workers       int    `yaml:"workers"`
	MaxLineLength int    `yaml:"max_line_length"`
}

// ServerYAMLConfig holds the settings shared by every backend connection.
type ServerYAMLConfig struct {
	QueueSize      int      `yaml:"queue_size"`
	BatchSize      int      `yaml:"batch_size"`
	IOTimeout      Duration `yaml:"io_timeout"`
	DrainTimeout   Duration `yaml:"drain_timeout"`
	BackoffInitial Duration `yaml:"backoff_initial"`
	BackoffMax     Duration `yaml:"backoff_max"`
}

// CollectorYAMLConfig holds the self-metrics settings. A nil Interval
// means the default; an explicit "0s" disables the collector.
type CollectorYAMLConfig struct {
	Interval *Duration `yaml:"interval"`
	Prefix   string    `yaml:"prefix"`
}

// StatsYAMLConfig holds the HTTP stats endpoint settings.
type StatsYAMLConfig struct {
	Address *string `yaml:"address"`
}

// Duration is a wrapper for time.Duration that supports YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	duration, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// LoadYAML loads configuration from a YAML file.
func LoadYAML(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseYAML(data)
}

// ParseYAML parses YAML configuration from bytes. Unknown keys are errors,
// so a misspelt option never silently falls back to its default.
func ParseYAML(data []byte) (*YAMLConfig, error) {
	cfg := &YAMLConfig{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// LoadRoutes reads only the routing part of a config file. Reloads use it.
func LoadRoutes(path string) (router.Config, error) {
	y, err := LoadYAML(path)
	if err != nil {
		return router.Config{}, err
	}
	return y.Routes, nil
}

// ApplyDefaults sets default values for unspecified fields.
func (y *YAMLConfig) ApplyDefaults() {
	def := DefaultConfig()

	if y.Listener.Address == "" {
		y.Listener.Address = def.ListenAddr
	}
	if y.Listener.Assign == "" {
		y.Listener.Assign = def.Assign
	}
	if y.Listener.Workers == 0 {
		y.Listener.Workers = def.Workers
	}
	if y.Listener.MaxLineLength == 0 {
		y.Listener.MaxLineLength = def.MaxLineLength
	}

	if y.Server.QueueSize == 0 {
		y.Server.QueueSize = def.QueueSize
	}
	if y.Server.BatchSize == 0 {
		y.Server.BatchSize = def.BatchSize
	}
	if y.Server.IOTimeout == 0 {
		y.Server.IOTimeout = Duration(def.IOTimeout)
	}
	if y.Server.DrainTimeout == 0 {
		y.Server.DrainTimeout = Duration(def.DrainTimeout)
	}
	if y.Server.BackoffInitial == 0 {
		y.Server.BackoffInitial = Duration(def.BackoffInitial)
	}
	if y.Server.BackoffMax == 0 {
		y.Server.BackoffMax = Duration(def.BackoffMax)
	}

	if y.Collector.Interval == nil {
		d := Duration(def.CollectorInterval)
		y.Collector.Interval = &d
	}
	if y.Stats.Address == nil {
		addr := def.StatsAddr
		y.Stats.Address = &addr
	}
	if y.LogLevel == "" {
		y.LogLevel = def.LogLevel
	}
}

// ToConfig converts YAMLConfig to the flat Config structure.
func (y *YAMLConfig) ToConfig() *Config {
	cfg := DefaultConfig()

	cfg.ListenAddr = y.Listener.Address
	cfg.ReusePort = y.Listener.ReusePort
	cfg.ReceiveBuffer = y.Listener.ReceiveBuffer
	cfg.Assign = y.Listener.Assign
	cfg.Workers = y.Listener.Workers
	cfg.MaxLineLength = y.Listener.MaxLineLength

	cfg.QueueSize = y.Server.QueueSize
	cfg.BatchSize = y.Server.BatchSize
	cfg.IOTimeout = time.Duration(y.Server.IOTimeout)
	cfg.DrainTimeout = time.Duration(y.Server.DrainTimeout)
	cfg.BackoffInitial = time.Duration(y.Server.BackoffInitial)
	cfg.BackoffMax = time.Duration(y.Server.BackoffMax)

	if y.Collector.Interval != nil {
		cfg.CollectorInterval = time.Duration(*y.Collector.Interval)
	}
	cfg.CollectorPrefix = y.Collector.Prefix
	if y.Stats.Address != nil {
		cfg.StatsAddr = *y.Stats.Address
	}
	cfg.LogLevel = y.LogLevel

	cfg.Routes = y.Routes
	return cfg
}
