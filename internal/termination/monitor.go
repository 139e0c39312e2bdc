// Package termination watches EC2 instance metadata for the three signals
// that precede a spot reclaim or ASG-initiated scale-in, arming the
// process-wide shutdown latch the moment any of them appears.
package termination

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"

	"github.com/comfyfleet/render-worker/internal/logging"
	"github.com/comfyfleet/render-worker/internal/metrics"
	"github.com/comfyfleet/render-worker/internal/shutdown"
)

const (
	probeInterval = 5 * time.Second
	probeTimeout  = time.Second
)

// Monitor polls instance metadata for spot-instance-action, spot rebalance
// recommendation and autoscaling target lifecycle state.
type Monitor struct {
	client *imds.Client
	latch  *shutdown.Latch
	log    *logging.Logger
}

// New builds a Monitor. region overrides the SDK's default region
// resolution when non-empty; IMDS itself needs no credentials or region,
// but LoadDefaultConfig is the idiomatic entry point for every other AWS
// client the worker builds.
func New(ctx context.Context, region string, latch *shutdown.Latch, log *logging.Logger) (*Monitor, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &Monitor{client: imds.NewFromConfig(cfg), latch: latch, log: log}, nil
}

// Run probes every probeInterval until ctx is cancelled or the latch arms,
// whether from this monitor or from SIGTERM handling elsewhere.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.latch.Done():
			return
		case <-ticker.C:
			m.probeOnce(ctx)
		}
	}
}

func (m *Monitor) probeOnce(ctx context.Context) {
	if armed, _ := m.latch.Armed(); armed {
		return
	}
	if m.probePresence(ctx, "spot/instance-action") {
		m.log.Warnf("termination monitor: spot interruption notice observed")
		m.arm(shutdown.ReasonSpotInterruption)
		return
	}
	if m.probePresence(ctx, "events/recommendations/rebalance") {
		m.log.Warnf("termination monitor: spot rebalance recommendation observed")
		m.arm(shutdown.ReasonSpotRebalance)
		return
	}
	if state, ok := m.probeValue(ctx, "autoscaling/target-lifecycle-state"); ok && state != "" && !strings.EqualFold(state, "InService") {
		m.log.Warnf("termination monitor: autoscaling target lifecycle state is %q", state)
		m.arm(shutdown.ReasonASGTermination)
		return
	}
}

func (m *Monitor) arm(reason shutdown.Reason) {
	if m.latch.Set(reason) {
		metrics.ShutdownReason.WithLabelValues(string(reason)).Set(1)
	}
}

// probePresence reports whether path resolves at all; IMDS 404s the spot
// notice and rebalance recommendation paths when no event is pending, so
// presence alone is the signal.
func (m *Monitor) probePresence(ctx context.Context, path string) bool {
	_, ok := m.probeValue(ctx, path)
	return ok
}

// probeValue fetches one metadata path with a short best-effort timeout. Any
// error, including the expected 404-when-absent case, is reported as
// absent rather than propagated: a single flaky probe must never be
// mistaken for a termination signal.
func (m *Monitor) probeValue(ctx context.Context, path string) (string, bool) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	out, err := m.client.GetMetadata(probeCtx, &imds.GetMetadataInput{Path: path})
	if err != nil {
		return "", false
	}
	defer out.Content.Close()
	body, err := io.ReadAll(out.Content)
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(body)), true
}
