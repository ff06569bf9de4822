package config

import (
	"fmt"
	"os"
)

// Init writes a starter config file so a first run has something
// concrete to edit. It refuses to overwrite an existing file.
func Init(configPath string) (string, error) {
	loader := NewLoader(configPath)
	path := loader.GetConfigPath()
	if path == "" {
		return "", fmt.Errorf("failed to determine config path")
	}

	if _, err := os.Stat(path); err == nil {
		return path, fmt.Errorf("config file already exists: %s", path)
	}

	cfg := DefaultConfig()
	cfg.Servers = []ServerConfig{
		{
			Name:    "filesystem",
			Command: "taskmill",
			Args:    []string{"serve-fs", "--root", "."},
		},
	}
	if err := loader.Save(cfg); err != nil {
		return "", err
	}
	return path, nil
}
