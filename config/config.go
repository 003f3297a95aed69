package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Kestrel KestrelConfig `yaml:"kestrel"`
}

// KestrelConfig is the project configuration.
type KestrelConfig struct {
	Engine  EngineConfig  `yaml:"engine"`
	Rules   RulesConfig   `yaml:"rules"`
	Runtime RuntimeConfig `yaml:"runtime"`
	Alerts  AlertsConfig  `yaml:"alerts"`
	Input   InputConfig   `yaml:"input"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// EngineConfig sizes the detection core.
type EngineConfig struct {
	Partitions    int           `yaml:"partitions"`
	QueueSize     int           `yaml:"queue_size"`
	QueuePolicy   string        `yaml:"queue_policy"` // block|drop_oldest
	BlockTimeout  time.Duration `yaml:"block_timeout"`
	OverlapCap    int           `yaml:"overlap_cap"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// RulesConfig points at the rules directory.
type RulesConfig struct {
	Dir string `yaml:"dir"`
}

// RuntimeConfig controls the rule-execution backends.
type RuntimeConfig struct {
	EvalTimeout time.Duration      `yaml:"eval_timeout"`
	CEL         CELRuntimeConfig   `yaml:"cel"`
	Lua         LuaRuntimeConfig   `yaml:"lua"`
	Sigma       SigmaRuntimeConfig `yaml:"sigma"`
}

// CELRuntimeConfig controls the compiled-expression backend.
type CELRuntimeConfig struct {
	Enabled  bool `yaml:"enabled"`
	PoolSize int  `yaml:"pool_size"`
	FailFast bool `yaml:"fail_fast"`
}

// LuaRuntimeConfig controls the scripting backend.
type LuaRuntimeConfig struct {
	Enabled  bool `yaml:"enabled"`
	PoolSize int  `yaml:"pool_size"`
}

// SigmaRuntimeConfig controls the declarative backend.
type SigmaRuntimeConfig struct {
	Enabled bool `yaml:"enabled"`
}

// AlertsConfig controls the emitter and its sinks.
type AlertsConfig struct {
	BufferSize int          `yaml:"buffer_size"`
	Sinks      []SinkConfig `yaml:"sinks"`
}

// SinkConfig configures one alert destination.
type SinkConfig struct {
	Type    string            `yaml:"type"` // stdout|file|webhook
	Path    string            `yaml:"path"`
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// InputConfig controls the event input.
type InputConfig struct {
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig controls Redis list input.
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Key          string        `yaml:"key"`
	BlockTimeout time.Duration `yaml:"block_timeout"`
}

// MetricsConfig controls the scrape endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	Console bool   `yaml:"console"`
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
