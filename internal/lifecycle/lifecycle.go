// Package lifecycle owns the worker process's entry and exit with the
// dispatch service: fleet registration, OS signal handling and
// deregistration.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"

	"github.com/comfyfleet/render-worker/internal/config"
	"github.com/comfyfleet/render-worker/internal/dispatch"
	"github.com/comfyfleet/render-worker/internal/logging"
	"github.com/comfyfleet/render-worker/internal/metrics"
	"github.com/comfyfleet/render-worker/internal/shutdown"
)

const imdsDescribeTimeout = time.Second

// Manager handles fleet registration, signal-triggered shutdown and
// deregistration for one worker process.
type Manager struct {
	Dispatch *dispatch.Client
	Cfg      *config.Config
	Log      *logging.Logger
	Latch    *shutdown.Latch

	// IMDS is resolved lazily from the default AWS config on first use when
	// nil; tests inject a fake client pointed at an httptest server.
	IMDS *imds.Client
}

// New builds a Manager.
func New(d *dispatch.Client, cfg *config.Config, log *logging.Logger, latch *shutdown.Latch) *Manager {
	return &Manager{Dispatch: d, Cfg: cfg, Log: log, Latch: latch}
}

// Register performs fleet registration when the configuration calls for it
// (a fleet secret is set and no pre-issued token was supplied), updating
// Cfg.WorkerID/WorkerToken and the dispatch client's bearer token in place.
func (m *Manager) Register(ctx context.Context) error {
	if !m.Cfg.ShouldRegister() {
		return nil
	}

	capacityType, instanceType := m.describeInstance(ctx)

	workerID, token, err := m.Dispatch.Register(ctx, m.Cfg.FleetSecret, dispatch.RegisterRequest{
		WorkerID:       m.Cfg.WorkerID,
		DisplayName:    m.Cfg.DisplayName,
		Capabilities:   rawOrNil(m.Cfg.Capabilities),
		MaxConcurrency: m.Cfg.MaxConcurrency,
		FleetSlug:      m.Cfg.FleetSlug,
		Stage:          m.Cfg.FleetStage,
		CapacityType:   capacityType,
		InstanceType:   instanceType,
	})
	if err != nil {
		return fmt.Errorf("lifecycle: register: %w", err)
	}
	m.Cfg.WorkerID = workerID
	m.Cfg.WorkerToken = token
	m.Dispatch.SetToken(token)
	return nil
}

// describeInstance best-effort resolves the EC2 capacity type and instance
// type via IMDS. Running off-cloud, or any IMDS failure, yields empty
// strings rather than blocking registration.
func (m *Manager) describeInstance(ctx context.Context) (capacityType, instanceType string) {
	client := m.IMDS
	if client == nil {
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return "", ""
		}
		client = imds.NewFromConfig(cfg)
	}

	probeCtx, cancel := context.WithTimeout(ctx, imdsDescribeTimeout)
	defer cancel()

	capacityType = fetchMetadata(probeCtx, client, "instance-life-cycle")
	instanceType = fetchMetadata(probeCtx, client, "instance-type")
	return capacityType, instanceType
}

func fetchMetadata(ctx context.Context, client *imds.Client, path string) string {
	out, err := client.GetMetadata(ctx, &imds.GetMetadataInput{Path: path})
	if err != nil {
		return ""
	}
	defer out.Content.Close()
	body, err := io.ReadAll(out.Content)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(body))
}

// rawOrNil returns a true nil interface for an empty payload so the
// request's omitempty tag actually omits the field, rather than marshaling
// a typed-nil json.RawMessage as a literal "null".
func rawOrNil(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

// WatchSignals arms the shutdown latch on SIGTERM/SIGINT. The returned
// function releases the signal subscription and must be called once the
// caller no longer needs to react to them.
func (m *Manager) WatchSignals() (stop func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	done := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			m.Log.Infof("lifecycle: received shutdown signal")
			if m.Latch.Set(shutdown.ReasonSIGTERM) {
				metrics.ShutdownReason.WithLabelValues(string(shutdown.ReasonSIGTERM)).Set(1)
			}
		case <-done:
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

// Deregister notifies the dispatch service this worker is leaving the
// fleet, best effort. A worker that was never registered has nothing to
// deregister.
func (m *Manager) Deregister(ctx context.Context, reason string) {
	if m.Cfg.WorkerToken == "" && m.Cfg.FleetSecret == "" {
		return
	}
	if err := m.Dispatch.Deregister(ctx, reason); err != nil {
		m.Log.Warnf("lifecycle: deregister: %v", err)
	}
}
