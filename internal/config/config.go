// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	// Shell is the command used for interactive terminal sessions on the host.
	Shell string
	// ContextWindowTokens bounds the context percentage derivation.
	ContextWindowTokens int64
	// SynopsisEnabled toggles the best-effort tab-naming task.
	SynopsisEnabled bool

	Sandbox SandboxConfig
}

// SandboxConfig controls containerized terminal sessions.
type SandboxConfig struct {
	Enabled bool
	Image   string
	// Runtime: "" = default (runc), "runsc" = gVisor.
	Runtime string
	// TTL is how long an inactive sandbox container survives before the
	// reaper removes it.
	TTL time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		FrontendURL:         getEnv("FRONTEND_URL", ""),
		DBPath:              getEnv("DB_PATH", "./data/crewdeck.db"),
		Shell:               getEnv("CREWDECK_SHELL", "/bin/bash"),
		ContextWindowTokens: int64(getEnvInt("CONTEXT_WINDOW_TOKENS", 200000)),
		SynopsisEnabled:     getEnvBool("SYNOPSIS_ENABLED", true),
		Sandbox: SandboxConfig{
			Enabled: getEnvBool("SANDBOX_ENABLED", false),
			Image:   getEnv("SANDBOX_IMAGE", "crewdeck-shell:latest"),
			Runtime: getEnv("SANDBOX_RUNTIME", ""),
			TTL:     getEnvDuration("SANDBOX_TTL", 60*time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Shell == "" {
		return fmt.Errorf("CREWDECK_SHELL cannot be empty")
	}
	if c.ContextWindowTokens <= 0 {
		return fmt.Errorf("CONTEXT_WINDOW_TOKENS must be > 0")
	}
	if c.Sandbox.Enabled && c.Sandbox.Image == "" {
		return fmt.Errorf("SANDBOX_IMAGE cannot be empty when SANDBOX_ENABLED is set")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
