// Package executor drives a single job end to end: asset materialization,
// workflow preparation, prompt submission, completion polling, output
// transfer and terminal reporting. It is grounded on the reference worker's
// process_job / prepare_workflow / run_comfyui functions, generalised to the
// dispatch service's lease/report protocol.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/comfyfleet/render-worker/internal/comfy"
	"github.com/comfyfleet/render-worker/internal/dispatch"
	"github.com/comfyfleet/render-worker/internal/logging"
	"github.com/comfyfleet/render-worker/internal/metrics"
	"github.com/comfyfleet/render-worker/internal/model"
	"github.com/comfyfleet/render-worker/internal/shutdown"
	"github.com/comfyfleet/render-worker/internal/telemetry"
	"github.com/comfyfleet/render-worker/internal/transfer"
)

const (
	assetDownloadTimeout = 300 * time.Second
	outputUploadTimeout  = 300 * time.Second
)

// ScaleInProtector toggles the cloud scale-in protection flag around job
// processing (§4.4). A nil Executor.Protector makes Protect/Unprotect no-ops.
type ScaleInProtector interface {
	Protect(ctx context.Context) error
	Unprotect(ctx context.Context) error
}

// Executor runs jobs against one render engine instance.
type Executor struct {
	Dispatch  *dispatch.Client
	Engine    *comfy.Client
	Log       *logging.Logger
	Assets    *AssetCache
	Shutdown  *shutdown.Latch
	Protector ScaleInProtector
	WorkerID  string

	// HTTP is used for all transfers that do not target the render engine
	// itself: asset downloads, job input downloads and output uploads all
	// go against presigned URLs on arbitrary hosts.
	HTTP    *resty.Client
	TempDir string

	HeartbeatInterval         time.Duration
	PollInterval              time.Duration
	SubmitToCompletionTimeout time.Duration
}

// New builds an Executor with the reference poll cadence and render ceiling
// from the comfy package; tests may override PollInterval and
// SubmitToCompletionTimeout to avoid real-time waits.
func New(d *dispatch.Client, e *comfy.Client, log *logging.Logger, assets *AssetCache, latch *shutdown.Latch, workerID string, heartbeatInterval time.Duration) *Executor {
	return &Executor{
		Dispatch:                  d,
		Engine:                    e,
		Log:                       log,
		Assets:                    assets,
		Shutdown:                  latch,
		WorkerID:                  workerID,
		HTTP:                      resty.New(),
		TempDir:                   os.TempDir(),
		HeartbeatInterval:         heartbeatInterval,
		PollInterval:              comfy.PollInterval,
		SubmitToCompletionTimeout: comfy.SubmitToCompletionTimeout,
	}
}

// ExecuteJob runs one job to a terminal outcome and reports it to the
// dispatch service itself; callers only need to remove the job from their
// own in-flight accounting once this returns.
func (e *Executor) ExecuteJob(ctx context.Context, job *model.Job) {
	start := time.Now()
	outcome := "fail"
	defer func() {
		metrics.JobsTotal.WithLabelValues(outcome).Inc()
		metrics.JobDuration.Observe(time.Since(start).Seconds())
	}()

	if e.Protector != nil {
		if err := e.Protector.Protect(ctx); err != nil {
			e.Log.Warnf("job %d: scale-in protect: %v", job.DispatchID, err)
		}
		defer func() {
			if err := e.Protector.Unprotect(ctx); err != nil {
				e.Log.Warnf("job %d: scale-in unprotect: %v", job.DispatchID, err)
			}
		}()
	}

	heartbeatDone := e.startHeartbeat(job)
	defer close(heartbeatDone)

	var tempFiles []string
	defer func() {
		for _, f := range tempFiles {
			os.Remove(f)
		}
	}()

	report, promptID, err := e.runJob(ctx, job, &tempFiles)
	if err != nil {
		if armed, reason := e.Shutdown.Armed(); armed && reason.IsPreemption() {
			outcome = "requeue"
			e.Log.Warnf("job %d: requeuing after %s: %v", job.DispatchID, reason, err)
			if rqErr := e.Dispatch.Requeue(ctx, job.DispatchID, job.LeaseToken, string(reason)); rqErr != nil {
				e.Log.Errorf("job %d: report requeue: %v", job.DispatchID, rqErr)
			}
			return
		}
		outcome = "fail"
		e.Log.Errorf("job %d: %v", job.DispatchID, err)
		if failErr := e.Dispatch.Fail(ctx, job.DispatchID, job.LeaseToken, e.WorkerID, err.Error()); failErr != nil {
			e.Log.Errorf("job %d: report failure: %v", job.DispatchID, failErr)
		}
		return
	}

	outcome = "complete"
	if cErr := e.Dispatch.Complete(ctx, job.DispatchID, job.LeaseToken, e.WorkerID, promptID, *report); cErr != nil {
		e.Log.Errorf("job %d: report completion: %v", job.DispatchID, cErr)
	}
}

// runJob performs the materialize/prepare/submit/poll/download/upload
// pipeline and returns the artifact report to attach to the terminal
// report. Every local file it creates is appended to tempFiles so the
// caller can clean up regardless of outcome.
func (e *Executor) runJob(ctx context.Context, job *model.Job, tempFiles *[]string) (*model.OutputReport, string, error) {
	if job.DispatchID == 0 || job.LeaseToken == "" {
		return nil, "", fmt.Errorf("executor: job missing dispatch_id or lease_token")
	}
	if job.OutputURL == "" {
		return nil, "", fmt.Errorf("executor: job missing output_url")
	}
	workflowRaw := job.InputPayload.WorkflowJSON()
	if len(workflowRaw) == 0 {
		return nil, "", fmt.Errorf("executor: job carries no workflow")
	}

	assetFilenames, err := e.materializeAssets(ctx, job.InputPayload.Assets, tempFiles)
	if err != nil {
		return nil, "", fmt.Errorf("executor: %w", err)
	}

	var inputReference string
	if job.InputURL != "" {
		localPath, err := transfer.DownloadToTemp(ctx, e.HTTP, job.InputURL, e.TempDir,
			fmt.Sprintf("job-%d-input", job.DispatchID), assetDownloadTimeout)
		if err != nil {
			return nil, "", fmt.Errorf("executor: download input: %w", err)
		}
		*tempFiles = append(*tempFiles, localPath)
		// The render engine runs co-located with this worker (COMFYUI_BASE_URL
		// defaults to localhost:8188), so the downloaded file is referenced by
		// its local path directly rather than re-uploaded to the engine; this
		// mirrors the reference worker's direct/local path, which never
		// uploads the main input and lets the absent-prefix policy's
		// local-file branch pick it up.
		inputReference = localPath
	}

	graph, err := PrepareWorkflow(workflowRaw, assetFilenames, inputReference, job.InputPayload)
	if err != nil {
		return nil, "", fmt.Errorf("executor: prepare workflow: %w", err)
	}
	preparedJSON, err := json.Marshal(graph)
	if err != nil {
		return nil, "", fmt.Errorf("executor: marshal prepared workflow: %w", err)
	}

	promptID, err := e.Engine.SubmitPrompt(ctx, preparedJSON, e.WorkerID, job.InputPayload.ExtraData)
	if err != nil {
		return nil, "", fmt.Errorf("executor: submit prompt: %w", err)
	}

	entry, err := e.pollUntilDone(ctx, promptID)
	if err != nil {
		return nil, promptID, err
	}
	if entry.Status.StatusStr != "" && entry.Status.StatusStr != "success" {
		return nil, promptID, fmt.Errorf("executor: render engine reported error: %s", entry.Status.Message)
	}

	_, artifact, err := comfy.SelectOutput(entry, job.InputPayload.OutputNodeID)
	if err != nil {
		return nil, promptID, fmt.Errorf("executor: %w", err)
	}

	viewURL := e.Engine.ViewURL(artifact.Filename, artifact.Subfolder, artifact.Type)
	outputPath, err := transfer.DownloadToTemp(ctx, e.Engine.RestyClient(), viewURL, e.TempDir,
		fmt.Sprintf("job-%d-output", job.DispatchID), e.Engine.DownloadTimeout())
	if err != nil {
		return nil, promptID, fmt.Errorf("executor: download output: %w", err)
	}
	*tempFiles = append(*tempFiles, outputPath)

	info, err := os.Stat(outputPath)
	if err != nil {
		return nil, promptID, fmt.Errorf("executor: stat output: %w", err)
	}

	events := telemetry.Extract(graph, entry)
	var metadata map[string]interface{}
	if len(events) > 0 {
		metadata = map[string]interface{}{"partner_usage_events": events}
	}

	report := &model.OutputReport{
		Size:     info.Size(),
		MimeType: mimeTypeForFile(artifact.Filename),
		Metadata: metadata,
	}

	if err := transfer.UploadFile(ctx, e.HTTP, job.OutputURL, map[string]string(job.OutputHeaders), outputPath, outputUploadTimeout); err != nil {
		return nil, promptID, fmt.Errorf("executor: upload output: %w", err)
	}

	return report, promptID, nil
}

// materializeAssets resolves every workflow asset placeholder to an
// engine-assigned filename, reusing the process cache when a prior job
// already uploaded the same content to the same engine endpoint.
func (e *Executor) materializeAssets(ctx context.Context, assets []model.Asset, tempFiles *[]string) (map[string]string, error) {
	filenames := make(map[string]string, len(assets))
	for _, asset := range assets {
		// The primary input is never cached (§3): it is job-specific content,
		// not a shared reusable asset, even when a content_hash is present.
		cacheable := asset.ContentHash != "" && !asset.IsPrimaryInput

		if cacheable {
			if cached, ok := e.Assets.Lookup(e.Engine.Endpoint(), asset.ContentHash); ok {
				metrics.AssetCacheTotal.WithLabelValues("hit").Inc()
				filenames[asset.Placeholder] = cached
				continue
			}
		}
		metrics.AssetCacheTotal.WithLabelValues("miss").Inc()

		localPath, err := transfer.DownloadToTemp(ctx, e.HTTP, asset.DownloadURL, e.TempDir, "asset", assetDownloadTimeout)
		if err != nil {
			return nil, fmt.Errorf("download asset %s: %w", asset.Placeholder, err)
		}
		*tempFiles = append(*tempFiles, localPath)

		filename, err := e.Engine.UploadInput(ctx, localPath)
		if err != nil {
			return nil, fmt.Errorf("upload asset %s: %w", asset.Placeholder, err)
		}
		if cacheable {
			e.Assets.Store(e.Engine.Endpoint(), asset.ContentHash, filename)
		}
		filenames[asset.Placeholder] = filename
	}
	return filenames, nil
}

// pollUntilDone polls /history until an entry appears that either reports
// an error status or carries non-empty outputs, the shutdown latch arms,
// the context is cancelled, or the render ceiling elapses.
func (e *Executor) pollUntilDone(ctx context.Context, promptID string) (*model.HistoryEntry, error) {
	interval := e.PollInterval
	if interval <= 0 {
		interval = comfy.PollInterval
	}
	ceiling := e.SubmitToCompletionTimeout
	if ceiling <= 0 {
		ceiling = comfy.SubmitToCompletionTimeout
	}
	deadline := time.Now().Add(ceiling)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("executor: poll history %s: %w", promptID, ctx.Err())
		case <-e.Shutdown.Done():
			return nil, fmt.Errorf("executor: poll history %s: shutdown requested", promptID)
		case <-ticker.C:
			if time.Now().After(deadline) {
				return nil, fmt.Errorf("executor: poll history %s: exceeded %s", promptID, ceiling)
			}
			entry, err := e.Engine.PollHistory(ctx, promptID)
			if err != nil {
				return nil, fmt.Errorf("executor: poll history %s: %w", promptID, err)
			}
			if entry != nil && (entry.Status.StatusStr == "error" || len(entry.Outputs) > 0) {
				return entry, nil
			}
		}
	}
}

// startHeartbeat runs a dedicated goroutine sending heartbeats at a fixed
// cadence for the lifetime of one job, per the resolved open question in
// §9: heartbeating never waits on the poll loop. Closing the returned
// channel stops it.
func (e *Executor) startHeartbeat(job *model.Job) chan struct{} {
	done := make(chan struct{})
	interval := e.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				hbCtx, cancel := context.WithTimeout(context.Background(), interval)
				err := e.Dispatch.Heartbeat(hbCtx, job.DispatchID, job.LeaseToken, e.WorkerID)
				cancel()
				if err != nil {
					metrics.HeartbeatsTotal.WithLabelValues("error").Inc()
					e.Log.Warnf("job %d: heartbeat: %v", job.DispatchID, err)
					continue
				}
				metrics.HeartbeatsTotal.WithLabelValues("ok").Inc()
			}
		}
	}()
	return done
}

func mimeTypeForFile(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "video/mp4"
}
