// Command worker runs one render-worker process: it registers with the
// dispatch service, polls for jobs, drives a render engine to execute
// them, and reacts to cloud termination signals for the lifetime of the
// process.
package main

import (
	"context"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/comfyfleet/render-worker/internal/comfy"
	"github.com/comfyfleet/render-worker/internal/config"
	"github.com/comfyfleet/render-worker/internal/dispatch"
	"github.com/comfyfleet/render-worker/internal/executor"
	"github.com/comfyfleet/render-worker/internal/lifecycle"
	"github.com/comfyfleet/render-worker/internal/logging"
	"github.com/comfyfleet/render-worker/internal/metrics"
	"github.com/comfyfleet/render-worker/internal/model"
	"github.com/comfyfleet/render-worker/internal/scalein"
	"github.com/comfyfleet/render-worker/internal/shutdown"
	"github.com/comfyfleet/render-worker/internal/termination"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info").Errorf("config: %v", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel)
	defer log.Sync()

	latch := shutdown.New()
	dispatchClient := dispatch.New(cfg.APIBaseURL, cfg.WorkerToken, log)
	engineClient := comfy.New(cfg.ComfyUIBaseURL, log)

	lifecycleMgr := lifecycle.New(dispatchClient, cfg, log, latch)
	stopSignals := lifecycleMgr.WatchSignals()
	defer stopSignals()

	registerCtx, cancelRegister := context.WithTimeout(context.Background(), 30*time.Second)
	err = lifecycleMgr.Register(registerCtx)
	cancelRegister()
	if err != nil {
		log.Errorf("registration failed: %v", err)
		os.Exit(1)
	}

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics server: %v", err)
		}
	}()
	defer metricsServer.Close()

	exec := executor.New(dispatchClient, engineClient, log, executor.NewAssetCache(), latch, cfg.WorkerID, cfg.HeartbeatInterval)

	if cfg.MonitorEnabled() {
		monitorCtx, cancelMonitor := context.WithCancel(context.Background())
		defer cancelMonitor()

		if monitor, err := termination.New(monitorCtx, cfg.AWSRegion, latch, log); err != nil {
			log.Warnf("termination monitor disabled: %v", err)
		} else {
			go monitor.Run(monitorCtx)
		}

		if protector, err := scalein.New(monitorCtx, cfg.AWSRegion, cfg.ASGName, log); err != nil {
			log.Warnf("scale-in protection disabled: %v", err)
		} else {
			exec.Protector = protector
		}
	}

	log.Infof("worker %s ready, polling %s every %s", cfg.WorkerID, cfg.APIBaseURL, cfg.PollInterval)
	runLoop(cfg, log, dispatchClient, exec, latch)

	reason := "shutdown"
	if armed, r := latch.Armed(); armed {
		reason = string(r)
	}
	deregisterCtx, cancelDeregister := context.WithTimeout(context.Background(), 10*time.Second)
	lifecycleMgr.Deregister(deregisterCtx, reason)
	cancelDeregister()
}

// runLoop drives the poll/acquire/execute cycle with a MAX_CONCURRENCY-sized
// semaphore and an atomic current_load counter reported on every poll, per
// §9's resolved open question. It returns once the shutdown latch arms and
// every job already in flight has finished reporting its outcome.
func runLoop(cfg *config.Config, log *logging.Logger, d *dispatch.Client, exec *executor.Executor, latch *shutdown.Latch) {
	slots := make(chan struct{}, cfg.MaxConcurrency)
	var currentLoad int32
	var inFlight sync.WaitGroup

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-latch.Done():
			inFlight.Wait()
			return
		case <-ticker.C:
			if armed, _ := latch.Armed(); armed {
				continue
			}
			select {
			case slots <- struct{}{}:
			default:
				continue // at MAX_CONCURRENCY; try again next tick
			}

			pollCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			job, err := d.Poll(pollCtx, cfg.WorkerID, int(atomic.LoadInt32(&currentLoad)), cfg.MaxConcurrency, cfg.Capabilities)
			cancel()

			if err != nil {
				<-slots
				metrics.PollTotal.WithLabelValues("error").Inc()
				log.Warnf("poll: %v", err)
				continue
			}
			if job == nil {
				<-slots
				metrics.PollTotal.WithLabelValues("empty").Inc()
				continue
			}
			metrics.PollTotal.WithLabelValues("job").Inc()

			atomic.AddInt32(&currentLoad, 1)
			inFlight.Add(1)
			go func(j *model.Job) {
				defer func() {
					<-slots
					atomic.AddInt32(&currentLoad, -1)
					inFlight.Done()
				}()
				jobCtx, cancel := context.WithTimeout(context.Background(), cfg.HeartbeatInterval+comfy.SubmitToCompletionTimeout+time.Minute)
				defer cancel()
				exec.ExecuteJob(jobCtx, j)
			}(job)
		}
	}
}
