// Package config loads and validates application configuration from
// environment variables.
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
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Store settings. "memory" keeps runs in-process; "sqlite" persists
	// them to SQLitePath.
	StoreBackend string
	SQLitePath   string

	// Device driver settings. "mock" logs commands without hardware;
	// "controlbyweb" drives real relay controllers.
	Driver            string
	CBWBaseURL        string // management API (auth, device access tokens)
	CBWDATBaseURL     string // direct device endpoint base
	CBWUsername       string
	CBWPassword       string
	CBWConnectTimeout time.Duration
	CBWRequestTimeout time.Duration
	BindingsPath      string // YAML installation → (account, device) table
	RelayUniverse     []string // empty = the driver's built-in relay set

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible
// defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:              envInt("FIRELINE_PORT", 8080),
		ReadTimeout:       envDuration("FIRELINE_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:      envDuration("FIRELINE_WRITE_TIMEOUT", 30*time.Second),
		StoreBackend:      envStr("FIRELINE_STORE", "memory"),
		SQLitePath:        envStr("FIRELINE_SQLITE_PATH", "fireline.db"),
		Driver:            envStr("FIRELINE_DRIVER", "mock"),
		CBWBaseURL:        envStr("FIRELINE_CBW_BASE_URL", ""),
		CBWDATBaseURL:     envStr("FIRELINE_CBW_DAT_BASE_URL", ""),
		CBWUsername:       envStr("FIRELINE_CBW_USERNAME", ""),
		CBWPassword:       envStr("FIRELINE_CBW_PASSWORD", ""),
		CBWConnectTimeout: envDuration("FIRELINE_CBW_CONNECT_TIMEOUT", 5*time.Second),
		CBWRequestTimeout: envDuration("FIRELINE_CBW_REQUEST_TIMEOUT", 8*time.Second),
		BindingsPath:      envStr("FIRELINE_BINDINGS_PATH", ""),
		RelayUniverse:     envList("FIRELINE_RELAY_UNIVERSE"),
		OTELEndpoint:      envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:       envStr("OTEL_SERVICE_NAME", "fireline"),
		LogLevel:          envStr("FIRELINE_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and coherent.
func (c Config) Validate() error {
	switch c.StoreBackend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("config: FIRELINE_STORE must be memory or sqlite, got %q", c.StoreBackend)
	}
	if c.StoreBackend == "sqlite" && c.SQLitePath == "" {
		return fmt.Errorf("config: FIRELINE_SQLITE_PATH is required with the sqlite store")
	}
	switch c.Driver {
	case "mock":
	case "controlbyweb":
		if c.CBWBaseURL == "" || c.CBWUsername == "" || c.CBWPassword == "" {
			return fmt.Errorf("config: FIRELINE_CBW_BASE_URL, FIRELINE_CBW_USERNAME and FIRELINE_CBW_PASSWORD are required with the controlbyweb driver")
		}
	default:
		return fmt.Errorf("config: FIRELINE_DRIVER must be mock or controlbyweb, got %q", c.Driver)
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
