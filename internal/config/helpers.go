package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// ListenAddress returns the HTTP server bind address.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.HTTPPort)
}

// AdvertisedHostname returns the hostname this node registers under.
// Falls back to the OS hostname, then localhost.
func (c *Config) AdvertisedHostname() string {
	if c.Node.Hostname != "" {
		return c.Node.Hostname
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "localhost"
	}
	return host
}

// AdvertisedPort returns the port this node registers under. Defaults to the
// HTTP port when node.port is unset.
func (c *Config) AdvertisedPort() int {
	if c.Node.Port > 0 {
		return c.Node.Port
	}
	return c.Server.HTTPPort
}

// EnsureDirectories ensures directories for generated files exist
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Migration.SigningKeyPath),
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Logging.Level == "debug" && c.Logging.Format == "console"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Logging.Level == "info" && c.Logging.Format == "json"
}
