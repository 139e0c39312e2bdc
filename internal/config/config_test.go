package config

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"API_BASE_URL", "WORKER_ID", "WORKER_TOKEN", "FLEET_SECRET", "FLEET_SLUG",
		"FLEET_STAGE", "DISPLAY_NAME", "COMFYUI_BASE_URL", "POLL_INTERVAL_SECONDS",
		"HEARTBEAT_INTERVAL_SECONDS", "MAX_CONCURRENCY", "CAPABILITIES", "ASG_NAME",
		"AWS_REGION", "METRICS_ADDR", "LOG_LEVEL",
	} {
		os.Unsetenv(key)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.APIBaseURL != "http://localhost" {
		t.Errorf("APIBaseURL = %q", c.APIBaseURL)
	}
	if c.ComfyUIBaseURL != "http://localhost:8188" {
		t.Errorf("ComfyUIBaseURL = %q", c.ComfyUIBaseURL)
	}
	if c.PollInterval != 3*time.Second {
		t.Errorf("PollInterval = %v", c.PollInterval)
	}
	if c.HeartbeatInterval != 30*time.Second {
		t.Errorf("HeartbeatInterval = %v", c.HeartbeatInterval)
	}
	if c.MaxConcurrency != 1 {
		t.Errorf("MaxConcurrency = %d", c.MaxConcurrency)
	}
	if c.WorkerID == "" {
		t.Error("expected a generated WorkerID")
	}
	if c.DisplayName != c.WorkerID {
		t.Errorf("DisplayName = %q; want %q", c.DisplayName, c.WorkerID)
	}
	if c.MonitorEnabled() {
		t.Error("MonitorEnabled should be false without ASG_NAME")
	}
	if c.ShouldRegister() {
		t.Error("ShouldRegister should be false without FLEET_SECRET")
	}
}

func TestLoadFleetSecretRequiresSlug(t *testing.T) {
	clearEnv(t)
	os.Setenv("FLEET_SECRET", "shh")
	defer os.Unsetenv("FLEET_SECRET")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when FLEET_SECRET is set without FLEET_SLUG")
	}
}

func TestLoadShouldRegister(t *testing.T) {
	clearEnv(t)
	os.Setenv("FLEET_SECRET", "shh")
	os.Setenv("FLEET_SLUG", "prod")
	defer clearEnv(t)

	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !c.ShouldRegister() {
		t.Error("expected ShouldRegister true")
	}

	os.Setenv("WORKER_TOKEN", "preissued")
	c2, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c2.ShouldRegister() {
		t.Error("expected ShouldRegister false when WORKER_TOKEN is preissued")
	}
}

func TestParseCapabilitiesValidJSON(t *testing.T) {
	got := parseCapabilities(`{"gpu":"a100"}`)
	if string(got) != `{"gpu":"a100"}` {
		t.Errorf("got %s", got)
	}
}

func TestParseCapabilitiesInvalidJSONWrapped(t *testing.T) {
	got := parseCapabilities("not json")
	if string(got) != `{"raw":"not json"}` {
		t.Errorf("got %s", got)
	}
}

func TestParseCapabilitiesEmpty(t *testing.T) {
	if got := parseCapabilities(""); got != nil {
		t.Errorf("got %s; want nil", got)
	}
}

func TestInvalidIntEnv(t *testing.T) {
	clearEnv(t)
	os.Setenv("MAX_CONCURRENCY", "not-a-number")
	defer clearEnv(t)

	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid MAX_CONCURRENCY")
	}
}
