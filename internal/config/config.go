// Package config loads the worker's environment-variable configuration.
// There is no file-based configuration; every recognised setting is an
// environment variable with a documented default.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Config holds the fully-resolved worker configuration.
type Config struct {
	APIBaseURL    string
	WorkerID      string
	WorkerToken   string
	FleetSecret   string
	FleetSlug     string
	FleetStage    string
	DisplayName   string

	ComfyUIBaseURL string

	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	MaxConcurrency    int

	Capabilities json.RawMessage

	ASGName   string
	AWSRegion string

	MetricsAddr string
	LogLevel    string
}

// Load reads the environment and returns a validated Config, or a
// configuration error if a required combination is missing.
func Load() (*Config, error) {
	c := &Config{
		APIBaseURL:     getString("API_BASE_URL", "http://localhost"),
		WorkerID:       getString("WORKER_ID", defaultWorkerID()),
		WorkerToken:    getString("WORKER_TOKEN", ""),
		FleetSecret:    getString("FLEET_SECRET", ""),
		FleetSlug:      getString("FLEET_SLUG", ""),
		FleetStage:     getString("FLEET_STAGE", ""),
		ComfyUIBaseURL: getString("COMFYUI_BASE_URL", "http://localhost:8188"),
		ASGName:        getString("ASG_NAME", ""),
		AWSRegion:      getString("AWS_REGION", ""),
		MetricsAddr:    getString("METRICS_ADDR", ":9108"),
		LogLevel:       getString("LOG_LEVEL", "info"),
	}
	c.DisplayName = getString("DISPLAY_NAME", c.WorkerID)

	pollSeconds, err := getInt("POLL_INTERVAL_SECONDS", 3)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	c.PollInterval = time.Duration(pollSeconds) * time.Second

	heartbeatSeconds, err := getInt("HEARTBEAT_INTERVAL_SECONDS", 30)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	c.HeartbeatInterval = time.Duration(heartbeatSeconds) * time.Second

	maxConcurrency, err := getInt("MAX_CONCURRENCY", 1)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	c.MaxConcurrency = maxConcurrency

	c.Capabilities = parseCapabilities(getString("CAPABILITIES", ""))

	if c.FleetSecret != "" && c.FleetSlug == "" {
		return nil, fmt.Errorf("config: FLEET_SLUG is required when FLEET_SECRET is set")
	}

	return c, nil
}

// ShouldRegister reports whether the Lifecycle Manager must perform fleet
// registration: a fleet secret is configured and no pre-issued token is
// present.
func (c *Config) ShouldRegister() bool {
	return c.FleetSecret != "" && c.WorkerToken == ""
}

// MonitorEnabled reports whether the Termination Monitor should run.
func (c *Config) MonitorEnabled() bool {
	return c.ASGName != ""
}

func defaultWorkerID() string {
	return "worker-" + uuid.New().String()
}

func getString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return n, nil
}

// parseCapabilities parses the CAPABILITIES env var as JSON; on parse
// failure it wraps the raw string under a single-key envelope, per spec.
func parseCapabilities(raw string) json.RawMessage {
	if raw == "" {
		return nil
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	wrapped, err := json.Marshal(map[string]string{"raw": raw})
	if err != nil {
		return nil
	}
	return wrapped
}
