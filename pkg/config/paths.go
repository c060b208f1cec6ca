package config

import (
	"os"
	"path/filepath"
	"strings"
)

// GetConfigDir returns the vaultnet configuration directory
func GetConfigDir() string {
	if dir := os.Getenv("VAULTNET_CONFIG_DIR"); dir != "" {
		return dir
	}

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "vaultnet")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ".vaultnet"
	}
	return filepath.Join(home, ".vaultnet")
}

// GetConfigPath returns the path to the main config file
func GetConfigPath() string {
	return filepath.Join(GetConfigDir(), "config.json")
}

// Load reads path when it exists and falls back to the environment
// otherwise. An empty path means GetConfigPath.
func Load(path string) (*Config, error) {
	if path == "" {
		path = GetConfigPath()
	}
	path = ExpandPath(path)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return LoadFromEnv(), nil
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	cfg.Vault.DataDir = ExpandPath(cfg.Vault.DataDir)
	cfg.Vault.BootstrapFile = ExpandPath(cfg.Vault.BootstrapFile)
	cfg.Client.DataDir = ExpandPath(cfg.Client.DataDir)
	cfg.Client.BootstrapFile = ExpandPath(cfg.Client.BootstrapFile)
	return cfg, nil
}

// ExpandPath expands ~ and environment variables in paths
func ExpandPath(path string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	}

	return os.ExpandEnv(path)
}
