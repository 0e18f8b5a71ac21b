package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Local socket
	SocketPath        string
	MaxClients        int
	SocketReadTimeout time.Duration

	// Accounts API
	APIRoot                string
	ComputeAccountsVersion string
	ComputeVersion         string
	RequestTimeout         time.Duration

	// Metadata server
	MetadataRoot string

	// Cache refresh
	RefreshInterval time.Duration

	// Debug endpoints (disabled when empty)
	DebugAddr string

	// Logging
	LogLevel string
}

func Load() *Config {
	return &Config{
		SocketPath:        envOr("SOCKET_PATH", "/var/run/compute_accounts/sock"),
		MaxClients:        envInt("MAX_CLIENTS", 64),
		SocketReadTimeout: envDuration("SOCKET_READ_TIMEOUT", time.Second),

		APIRoot:                envOr("API_ROOT", "https://www.googleapis.com/"),
		ComputeAccountsVersion: envOr("COMPUTEACCOUNTS_API_VERSION", "alpha"),
		ComputeVersion:         envOr("COMPUTE_API_VERSION", "v1"),
		RequestTimeout:         envDuration("REQUEST_TIMEOUT", 30*time.Second),

		MetadataRoot: envOr("METADATA_ROOT", "http://metadata.google.internal/computeMetadata/v1/"),

		RefreshInterval: envDuration("REFRESH_INTERVAL", 30*time.Minute),

		DebugAddr: envOr("DEBUG_ADDR", ""),

		LogLevel: envOr("LOG_LEVEL", "info"),
	}
}

func (c *Config) Validate() error {
	if c.SocketPath == "" {
		return errInvalid("SOCKET_PATH must not be empty")
	}
	if c.MaxClients < 1 {
		return errInvalid("MAX_CLIENTS must be at least 1")
	}
	if c.SocketReadTimeout <= 0 {
		return errInvalid("SOCKET_READ_TIMEOUT must be positive")
	}
	if c.APIRoot == "" {
		return errInvalid("API_ROOT must not be empty")
	}
	if c.RefreshInterval <= 0 {
		return errInvalid("REFRESH_INTERVAL must be positive")
	}
	return nil
}

type configError struct{ msg string }

func (e *configError) Error() string { return "invalid config: " + e.msg }
func errInvalid(msg string) error    { return &configError{msg: msg} }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}
