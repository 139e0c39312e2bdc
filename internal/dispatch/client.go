// Package dispatch implements the HTTP client for the dispatch service: job
// polling, heartbeating, terminal reporting, and fleet
// registration/deregistration.
package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/comfyfleet/render-worker/internal/logging"
	"github.com/comfyfleet/render-worker/internal/model"
)

const (
	standardTimeout = 30 * time.Second
	shortTimeout    = 10 * time.Second
)

// Client wraps calls to the dispatch service's worker API.
type Client struct {
	rc    *resty.Client
	log   *logging.Logger
	token string
}

// New builds a Client pointed at baseURL. token may be empty before
// registration completes; SetToken updates it once issued.
func New(baseURL, token string, log *logging.Logger) *Client {
	rc := resty.New().SetBaseURL(baseURL)
	return &Client{rc: rc, log: log, token: token}
}

// SetToken updates the bearer token attached to subsequent requests.
func (c *Client) SetToken(token string) {
	c.token = token
}

func (c *Client) authedRequest(ctx context.Context, timeout time.Duration) *resty.Request {
	req := c.rc.R().SetContext(ctx)
	if c.token != "" {
		req.SetHeader("Authorization", "Bearer "+c.token)
	}
	c.rc.SetTimeout(timeout)
	return req
}

// RegisterRequest is the body of POST /api/worker/register.
type RegisterRequest struct {
	WorkerID       string          `json:"worker_id"`
	DisplayName    string          `json:"display_name"`
	Capabilities   interface{}     `json:"capabilities,omitempty"`
	MaxConcurrency int             `json:"max_concurrency"`
	FleetSlug      string          `json:"fleet_slug"`
	Stage          string          `json:"stage,omitempty"`
	CapacityType   string          `json:"capacity_type,omitempty"`
	InstanceType   string          `json:"instance_type,omitempty"`
}

type registerResponse struct {
	Data struct {
		WorkerID string `json:"worker_id"`
		Token    string `json:"token"`
	} `json:"data"`
}

// Register performs fleet registration, returning the issued worker id and
// token.
func (c *Client) Register(ctx context.Context, fleetSecret string, req RegisterRequest) (workerID, token string, err error) {
	var out registerResponse
	resp, err := c.authedRequest(ctx, standardTimeout).
		SetHeader("X-Fleet-Secret", fleetSecret).
		SetBody(req).
		SetResult(&out).
		Post("/api/worker/register")
	if err != nil {
		return "", "", fmt.Errorf("dispatch: register: %w", err)
	}
	if resp.IsError() {
		return "", "", fmt.Errorf("dispatch: register: status %d: %s", resp.StatusCode(), resp.String())
	}
	c.log.Infof("registered worker %s with dispatch service", out.Data.WorkerID)
	return out.Data.WorkerID, out.Data.Token, nil
}

// Deregister notifies the dispatch service that this worker is leaving the
// fleet. Best-effort: callers should log and ignore the returned error.
func (c *Client) Deregister(ctx context.Context, reason string) error {
	resp, err := c.authedRequest(ctx, shortTimeout).
		SetBody(map[string]string{"reason": reason}).
		Post("/api/worker/deregister")
	if err != nil {
		return fmt.Errorf("dispatch: deregister: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("dispatch: deregister: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

type pollRequest struct {
	WorkerID       string      `json:"worker_id"`
	CurrentLoad    int         `json:"current_load"`
	MaxConcurrency int         `json:"max_concurrency"`
	Capabilities   interface{} `json:"capabilities,omitempty"`
}

type pollResponse struct {
	Data struct {
		Job *model.Job `json:"job"`
	} `json:"data"`
}

// Poll asks the dispatch service for a job. A nil *model.Job with a nil
// error means there is currently no work.
func (c *Client) Poll(ctx context.Context, workerID string, currentLoad, maxConcurrency int, capabilities interface{}) (*model.Job, error) {
	var out pollResponse
	resp, err := c.authedRequest(ctx, standardTimeout).
		SetBody(pollRequest{
			WorkerID:       workerID,
			CurrentLoad:    currentLoad,
			MaxConcurrency: maxConcurrency,
			Capabilities:   capabilities,
		}).
		SetResult(&out).
		Post("/api/worker/poll")
	if err != nil {
		return nil, fmt.Errorf("dispatch: poll: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("dispatch: poll: status %d: %s", resp.StatusCode(), resp.String())
	}
	return out.Data.Job, nil
}

type heartbeatRequest struct {
	DispatchID int64  `json:"dispatch_id"`
	LeaseToken string `json:"lease_token"`
	WorkerID   string `json:"worker_id"`
}

// Heartbeat tells the dispatch service this worker still owns the job.
func (c *Client) Heartbeat(ctx context.Context, dispatchID int64, leaseToken, workerID string) error {
	resp, err := c.authedRequest(ctx, standardTimeout).
		SetBody(heartbeatRequest{DispatchID: dispatchID, LeaseToken: leaseToken, WorkerID: workerID}).
		Post("/api/worker/heartbeat")
	if err != nil {
		return fmt.Errorf("dispatch: heartbeat: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("dispatch: heartbeat: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

type completeRequest struct {
	DispatchID    int64               `json:"dispatch_id"`
	LeaseToken    string              `json:"lease_token"`
	WorkerID      string              `json:"worker_id"`
	ProviderJobID string              `json:"provider_job_id"`
	Output        model.OutputReport  `json:"output"`
}

// Complete reports a successful job outcome.
func (c *Client) Complete(ctx context.Context, dispatchID int64, leaseToken, workerID, providerJobID string, output model.OutputReport) error {
	resp, err := c.authedRequest(ctx, standardTimeout).
		SetBody(completeRequest{
			DispatchID:    dispatchID,
			LeaseToken:    leaseToken,
			WorkerID:      workerID,
			ProviderJobID: providerJobID,
			Output:        output,
		}).
		Post("/api/worker/complete")
	if err != nil {
		return fmt.Errorf("dispatch: complete: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("dispatch: complete: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

type failRequest struct {
	DispatchID   int64  `json:"dispatch_id"`
	LeaseToken   string `json:"lease_token"`
	WorkerID     string `json:"worker_id"`
	ErrorMessage string `json:"error_message"`
}

// Fail reports a terminal job failure.
func (c *Client) Fail(ctx context.Context, dispatchID int64, leaseToken, workerID, errorMessage string) error {
	resp, err := c.authedRequest(ctx, standardTimeout).
		SetBody(failRequest{
			DispatchID:   dispatchID,
			LeaseToken:   leaseToken,
			WorkerID:     workerID,
			ErrorMessage: errorMessage,
		}).
		Post("/api/worker/fail")
	if err != nil {
		return fmt.Errorf("dispatch: fail: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("dispatch: fail: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

type requeueRequest struct {
	DispatchID int64  `json:"dispatch_id"`
	LeaseToken string `json:"lease_token"`
	Reason     string `json:"reason"`
}

// Requeue hands the job back to the dispatch service because of a
// preemption signal.
func (c *Client) Requeue(ctx context.Context, dispatchID int64, leaseToken, reason string) error {
	resp, err := c.authedRequest(ctx, shortTimeout).
		SetBody(requeueRequest{DispatchID: dispatchID, LeaseToken: leaseToken, Reason: reason}).
		Post("/api/worker/requeue")
	if err != nil {
		return fmt.Errorf("dispatch: requeue: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("dispatch: requeue: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// IsRetryableStatus reports whether an HTTP status observed from the
// dispatch service represents a transient condition worth retrying after
// the outer poll interval, rather than a permanent rejection.
func IsRetryableStatus(status int) bool {
	return status == 0 || status >= http.StatusInternalServerError || status == http.StatusTooManyRequests
}
