package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	seen := map[string]bool{}
	for i, srv := range c.Servers {
		if srv.Name == "" {
			return fmt.Errorf("server %d: name is required", i)
		}
		if srv.Command == "" {
			return fmt.Errorf("server %s: command is required", srv.Name)
		}
		if seen[srv.Name] {
			return fmt.Errorf("server %s: duplicate name", srv.Name)
		}
		seen[srv.Name] = true
	}

	if c.Engine.MaxDepth < 1 {
		return fmt.Errorf("engine.max_depth must be at least 1")
	}
	if c.Engine.MaxRetries < 0 {
		return fmt.Errorf("engine.max_retries cannot be negative")
	}
	if c.Engine.MaxReportedFailures < 1 {
		return fmt.Errorf("engine.max_reported_failures must be at least 1")
	}
	if c.Engine.BackoffBase <= 0 || c.Engine.BackoffCap < c.Engine.BackoffBase {
		return fmt.Errorf("engine backoff: base must be positive and cap must be at least base")
	}

	for tool, server := range c.Routing.Static {
		if tool == "" || server == "" {
			return fmt.Errorf("routing.static: tool and server names cannot be empty")
		}
		if len(c.Servers) > 0 && !seen[server] {
			return fmt.Errorf("routing.static: tool %s maps to unknown server %s", tool, server)
		}
	}

	if c.Health.Enabled {
		if _, err := cron.ParseStandard(c.Health.Schedule); err != nil {
			return fmt.Errorf("health.schedule: %w", err)
		}
	}

	if err := c.validateLLM(); err != nil {
		return err
	}

	switch c.Logging.Level {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	return nil
}

func (c *Config) validateLLM() error {
	// An empty provider means the deterministic fallbacks run every
	// decision; valid for offline use.
	if c.LLM.Provider == "" {
		return nil
	}

	switch c.LLM.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("llm.provider must be anthropic or openai, got %s", c.LLM.Provider)
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required when a provider is set")
	}
	if c.LLM.APIKey != "" {
		return validateAPIKey(c.LLM.APIKey, c.LLM.Provider)
	}
	return nil
}

func validateAPIKey(key, provider string) error {
	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}
	return nil
}
