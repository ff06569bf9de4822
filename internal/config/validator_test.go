package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Servers = []ServerConfig{
			{Name: "filesystem", Command: "fs-server"},
			{Name: "search", Command: "search-server", Args: []string{"--quiet"}},
		}
		cfg.LLM.APIKey = "sk-ant-test123"
		return cfg
	}

	t.Run("valid config", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("server without name", func(t *testing.T) {
		cfg := valid()
		cfg.Servers = append(cfg.Servers, ServerConfig{Command: "x"})
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "name is required")
	})

	t.Run("server without command", func(t *testing.T) {
		cfg := valid()
		cfg.Servers = append(cfg.Servers, ServerConfig{Name: "broken"})
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "command is required")
	})

	t.Run("duplicate server name", func(t *testing.T) {
		cfg := valid()
		cfg.Servers = append(cfg.Servers, ServerConfig{Name: "filesystem", Command: "other"})
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate")
	})

	t.Run("static route to unknown server", func(t *testing.T) {
		cfg := valid()
		cfg.Routing.Static = map[string]string{"read_file": "nope"}
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unknown server")
	})

	t.Run("static route to known server", func(t *testing.T) {
		cfg := valid()
		cfg.Routing.Static = map[string]string{"read_file": "filesystem"}
		assert.NoError(t, cfg.Validate())
	})

	t.Run("invalid backoff", func(t *testing.T) {
		cfg := valid()
		cfg.Engine.BackoffCap = cfg.Engine.BackoffBase / 2
		assert.Error(t, cfg.Validate())
	})

	t.Run("invalid depth", func(t *testing.T) {
		cfg := valid()
		cfg.Engine.MaxDepth = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("invalid cron schedule", func(t *testing.T) {
		cfg := valid()
		cfg.Health.Schedule = "whenever"
		assert.Error(t, cfg.Validate())
	})

	t.Run("disabled health skips schedule", func(t *testing.T) {
		cfg := valid()
		cfg.Health.Enabled = false
		cfg.Health.Schedule = "whenever"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("unknown llm provider", func(t *testing.T) {
		cfg := valid()
		cfg.LLM.Provider = "gemini"
		assert.Error(t, cfg.Validate())
	})

	t.Run("empty llm provider is offline mode", func(t *testing.T) {
		cfg := valid()
		cfg.LLM = LLMConfig{}
		assert.NoError(t, cfg.Validate())
	})

	t.Run("bad anthropic key format", func(t *testing.T) {
		cfg := valid()
		cfg.LLM.APIKey = "sk-plainopenai"
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "sk-ant-")
	})

	t.Run("invalid logging level", func(t *testing.T) {
		cfg := valid()
		cfg.Logging.Level = "loud"
		assert.Error(t, cfg.Validate())
	})
}
