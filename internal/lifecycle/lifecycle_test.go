package lifecycle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"syscall"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comfyfleet/render-worker/internal/config"
	"github.com/comfyfleet/render-worker/internal/dispatch"
	"github.com/comfyfleet/render-worker/internal/logging"
	"github.com/comfyfleet/render-worker/internal/shutdown"
)

func fakeIMDSForInstance(t *testing.T, lifecycle, instanceType string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/latest/api/token", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("test-token"))
	})
	mux.HandleFunc("/latest/meta-data/instance-life-cycle", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(lifecycle))
	})
	mux.HandleFunc("/latest/meta-data/instance-type", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(instanceType))
	})
	return httptest.NewServer(mux)
}

func TestRegisterNoOpWhenNotConfigured(t *testing.T) {
	cfg := &config.Config{WorkerToken: "already-have-one", FleetSecret: "s", FleetSlug: "slug"}
	m := New(nil, cfg, logging.NewDiscard(), shutdown.New())
	require.NoError(t, m.Register(context.Background()))
}

func TestRegisterSuccessUpdatesConfigAndToken(t *testing.T) {
	var gotReq map[string]interface{}
	dispatchServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/worker/register", r.URL.Path)
		require.Equal(t, "fleet-secret-xyz", r.Header.Get("X-Fleet-Secret"))
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"worker_id":"w-1","token":"issued-token"}}`))
	}))
	defer dispatchServer.Close()

	imdsServer := fakeIMDSForInstance(t, "spot", "g5.xlarge")
	defer imdsServer.Close()

	cfg := &config.Config{
		WorkerID:       "w-requested",
		DisplayName:    "worker display",
		FleetSecret:    "fleet-secret-xyz",
		FleetSlug:      "render-fleet",
		MaxConcurrency: 2,
	}
	d := dispatch.New(dispatchServer.URL, "", logging.NewDiscard())
	m := New(d, cfg, logging.NewDiscard(), shutdown.New())
	m.IMDS = imds.New(imds.Options{Endpoint: imdsServer.URL})

	require.NoError(t, m.Register(context.Background()))

	assert.Equal(t, "w-1", cfg.WorkerID)
	assert.Equal(t, "issued-token", cfg.WorkerToken)
	assert.Equal(t, "spot", gotReq["capacity_type"])
	assert.Equal(t, "g5.xlarge", gotReq["instance_type"])
}

func TestRegisterOffCloudLeavesCapacityFieldsEmpty(t *testing.T) {
	var gotReq map[string]interface{}
	dispatchServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"worker_id":"w-2","token":"tok"}}`))
	}))
	defer dispatchServer.Close()

	unreachable := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	unreachable.Close() // force connection refused, simulating no IMDS present

	cfg := &config.Config{FleetSecret: "s", FleetSlug: "slug"}
	d := dispatch.New(dispatchServer.URL, "", logging.NewDiscard())
	m := New(d, cfg, logging.NewDiscard(), shutdown.New())
	m.IMDS = imds.New(imds.Options{Endpoint: unreachable.URL})

	require.NoError(t, m.Register(context.Background()))
	assert.NotContains(t, gotReq, "capacity_type")
	assert.NotContains(t, gotReq, "instance_type")
}

func TestDeregisterSkippedWithoutCredentials(t *testing.T) {
	called := false
	dispatchServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer dispatchServer.Close()

	cfg := &config.Config{}
	d := dispatch.New(dispatchServer.URL, "", logging.NewDiscard())
	m := New(d, cfg, logging.NewDiscard(), shutdown.New())
	m.Deregister(context.Background(), "shutdown")
	assert.False(t, called)
}

func TestDeregisterCallsDispatchWhenRegistered(t *testing.T) {
	var gotReason string
	dispatchServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotReason = body["reason"]
		w.WriteHeader(http.StatusOK)
	}))
	defer dispatchServer.Close()

	cfg := &config.Config{WorkerToken: "tok"}
	d := dispatch.New(dispatchServer.URL, "tok", logging.NewDiscard())
	m := New(d, cfg, logging.NewDiscard(), shutdown.New())
	m.Deregister(context.Background(), "sigterm")
	assert.Equal(t, "sigterm", gotReason)
}

func TestWatchSignalsArmsLatchOnSIGTERM(t *testing.T) {
	cfg := &config.Config{}
	latch := shutdown.New()
	m := New(nil, cfg, logging.NewDiscard(), latch)
	stop := m.WatchSignals()
	defer stop()

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))

	select {
	case <-latch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("latch was not armed after SIGTERM")
	}
	armed, reason := latch.Armed()
	assert.True(t, armed)
	assert.Equal(t, shutdown.ReasonSIGTERM, reason)
}
