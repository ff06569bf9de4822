package config

import (
	"encoding/json"
	"time"
)

// Config represents the main Taskmill configuration
type Config struct {
	// Tool servers launched and supervised by the registry
	Servers []ServerConfig `json:"servers" mapstructure:"servers"`

	// Engine settings
	Engine EngineConfig `json:"engine" mapstructure:"engine"`

	// Routing settings
	Routing RoutingConfig `json:"routing" mapstructure:"routing"`

	// Health monitoring
	Health HealthConfig `json:"health" mapstructure:"health"`

	// LLM provider settings
	LLM LLMConfig `json:"llm" mapstructure:"llm"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig describes one tool server subprocess
type ServerConfig struct {
	Name    string            `json:"name" mapstructure:"name"`
	Command string            `json:"command" mapstructure:"command"`
	Args    []string          `json:"args" mapstructure:"args"`
	Env     map[string]string `json:"env" mapstructure:"env"`
}

// EngineConfig bounds task execution and recovery
type EngineConfig struct {
	MaxDepth            int           `json:"max_depth" mapstructure:"max_depth"`
	MaxRetries          int           `json:"max_retries" mapstructure:"max_retries"`
	MaxReportedFailures int           `json:"max_reported_failures" mapstructure:"max_reported_failures"`
	BackoffBase         time.Duration `json:"backoff_base" mapstructure:"backoff_base"`
	BackoffCap          time.Duration `json:"backoff_cap" mapstructure:"backoff_cap"`
	HandshakeTimeout    time.Duration `json:"handshake_timeout" mapstructure:"handshake_timeout"`
	CallTimeout         time.Duration `json:"call_timeout" mapstructure:"call_timeout"`
	StopGrace           time.Duration `json:"stop_grace" mapstructure:"stop_grace"`
}

// RoutingConfig tunes tool name resolution
type RoutingConfig struct {
	// Static maps tool names to server names ahead of discovery
	Static           map[string]string `json:"static" mapstructure:"static"`
	ProbeMinInterval time.Duration     `json:"probe_min_interval" mapstructure:"probe_min_interval"`
}

// HealthConfig controls the periodic server health check
type HealthConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
	// Schedule is a cron expression
	Schedule string `json:"schedule" mapstructure:"schedule"`
}

// LLMConfig holds LLM provider configuration
type LLMConfig struct {
	Provider    string  `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey      string  `json:"api_key" mapstructure:"api_key"`
	Model       string  `json:"model" mapstructure:"model"`
	Temperature float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens   int     `json:"max_tokens" mapstructure:"max_tokens"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level"`
	File   string `json:"file" mapstructure:"file"`
	Pretty bool   `json:"pretty" mapstructure:"pretty"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Servers: []ServerConfig{},
		Engine: EngineConfig{
			MaxDepth:            3,
			MaxRetries:          2,
			MaxReportedFailures: 5,
			BackoffBase:         2 * time.Second,
			BackoffCap:          2 * time.Minute,
			HandshakeTimeout:    10 * time.Second,
			CallTimeout:         30 * time.Second,
			StopGrace:           5 * time.Second,
		},
		Routing: RoutingConfig{
			ProbeMinInterval: 30 * time.Second,
		},
		Health: HealthConfig{
			Enabled:  true,
			Schedule: "@every 30s",
		},
		LLM: LLMConfig{
			Provider:  "anthropic",
			Model:     "claude-sonnet-4",
			MaxTokens: 4096,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
