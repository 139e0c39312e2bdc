// Package comfy implements the render engine's HTTP protocol: prompt
// submission, history polling, input upload and output download.
package comfy

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/comfyfleet/render-worker/internal/logging"
	"github.com/comfyfleet/render-worker/internal/model"
)

const (
	uploadTimeout  = 120 * time.Second
	submitTimeout  = 30 * time.Second
	pollTimeout    = 30 * time.Second
	downloadTimeout = 300 * time.Second

	// PollInterval is the delay between /history polls.
	PollInterval = 2 * time.Second
	// SubmitToCompletionTimeout is the hard wall-clock ceiling on a render.
	SubmitToCompletionTimeout = 3600 * time.Second
)

// Client talks to one render engine instance.
type Client struct {
	baseURL string
	rc      *resty.Client
	log     *logging.Logger
}

// New builds a Client against baseURL (e.g. "http://localhost:8188").
func New(baseURL string, log *logging.Logger) *Client {
	return &Client{baseURL: baseURL, rc: resty.New().SetBaseURL(baseURL), log: log}
}

// Endpoint returns the base URL this client talks to, used as half of the
// asset cache key.
func (c *Client) Endpoint() string {
	return c.baseURL
}

type submitRequest struct {
	Prompt    json.RawMessage `json:"prompt"`
	ClientID  string          `json:"client_id"`
	ExtraData json.RawMessage `json:"extra_data,omitempty"`
}

type submitResponse struct {
	PromptID string `json:"prompt_id"`
}

// SubmitPrompt POSTs a workflow graph to /prompt and returns the assigned
// prompt id.
func (c *Client) SubmitPrompt(ctx context.Context, workflow json.RawMessage, clientID string, extraData json.RawMessage) (string, error) {
	c.rc.SetTimeout(submitTimeout)
	var out submitResponse
	resp, err := c.rc.R().
		SetContext(ctx).
		SetBody(submitRequest{Prompt: workflow, ClientID: clientID, ExtraData: extraData}).
		SetResult(&out).
		Post("/prompt")
	if err != nil {
		return "", fmt.Errorf("comfy: submit prompt: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("comfy: submit prompt: status %d: %s", resp.StatusCode(), resp.String())
	}
	if out.PromptID == "" {
		return "", fmt.Errorf("comfy: submit prompt: response carried no prompt_id")
	}
	return out.PromptID, nil
}

// PollHistory fetches /history/<promptID> once. It returns (nil, nil) when
// the entry is not yet present (the render has not completed).
func (c *Client) PollHistory(ctx context.Context, promptID string) (*model.HistoryEntry, error) {
	c.rc.SetTimeout(pollTimeout)
	var raw map[string]model.HistoryEntry
	resp, err := c.rc.R().
		SetContext(ctx).
		SetResult(&raw).
		Get("/history/" + promptID)
	if err != nil {
		return nil, fmt.Errorf("comfy: poll history %s: %w", promptID, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("comfy: poll history %s: status %d: %s", promptID, resp.StatusCode(), resp.String())
	}
	if entry, ok := raw[promptID]; ok {
		return &entry, nil
	}
	// The engine may key the response by the numeric form of the prompt id
	// if it was submitted as one; accept that alternate form too.
	if n, convErr := strconv.ParseInt(promptID, 10, 64); convErr == nil {
		if entry, ok := raw[strconv.FormatInt(n, 10)]; ok {
			return &entry, nil
		}
	}
	return nil, nil
}

type uploadResponse struct {
	Name string `json:"name"`
}

// UploadInput streams a local file to /upload/image as a workflow input
// asset, returning the engine-assigned filename.
func (c *Client) UploadInput(ctx context.Context, filePath string) (string, error) {
	c.rc.SetTimeout(uploadTimeout)
	var out uploadResponse
	resp, err := c.rc.R().
		SetContext(ctx).
		SetFile("image", filePath).
		SetFormData(map[string]string{
			"type":      "input",
			"overwrite": "true",
		}).
		SetResult(&out).
		Post("/upload/image")
	if err != nil {
		return "", fmt.Errorf("comfy: upload input %s: %w", filepath.Base(filePath), err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("comfy: upload input %s: status %d: %s", filepath.Base(filePath), resp.StatusCode(), resp.String())
	}
	if out.Name == "" {
		return "", fmt.Errorf("comfy: upload input %s: response carried no filename", filepath.Base(filePath))
	}
	return out.Name, nil
}

// ViewURL builds the absolute URL for downloading a produced artifact.
func (c *Client) ViewURL(filename, subfolder, kind string) string {
	return fmt.Sprintf("%s/view?filename=%s&subfolder=%s&type=%s", c.baseURL, filename, subfolder, kind)
}

// DownloadTimeout is the budget applied to output-artifact downloads.
func (c *Client) DownloadTimeout() time.Duration {
	return downloadTimeout
}

// RestyClient exposes the underlying resty client for components (transfer)
// that need to stream large bodies outside this package's typed helpers.
func (c *Client) RestyClient() *resty.Client {
	return c.rc
}

// SelectOutput picks the artifact record to download from a history entry,
// per the priority rules in §4.4: prefer the requested output node id when
// present and non-empty, otherwise scan nodes in wire order; within a node,
// prefer videos > gifs > images > files > video.
func SelectOutput(entry *model.HistoryEntry, preferredNodeID string) (nodeID string, record model.ArtifactRecord, err error) {
	if preferredNodeID != "" {
		if raw, ok := entry.Outputs[preferredNodeID]; ok {
			if rec, ok := firstArtifact(raw); ok {
				return preferredNodeID, rec, nil
			}
		}
	}
	order := entry.OutputOrder
	if len(order) == 0 {
		for id := range entry.Outputs {
			order = append(order, id)
		}
	}
	for _, id := range order {
		raw, ok := entry.Outputs[id]
		if !ok {
			continue
		}
		if rec, ok := firstArtifact(raw); ok {
			return id, rec, nil
		}
	}
	return "", model.ArtifactRecord{}, fmt.Errorf("comfy: no usable output artifact found")
}

func firstArtifact(raw json.RawMessage) (model.ArtifactRecord, bool) {
	var node map[string]json.RawMessage
	if err := json.Unmarshal(raw, &node); err != nil {
		return model.ArtifactRecord{}, false
	}
	for _, kind := range model.ArtifactKinds {
		list, ok := node[kind]
		if !ok {
			continue
		}
		var records []model.ArtifactRecord
		if err := json.Unmarshal(list, &records); err != nil || len(records) == 0 {
			continue
		}
		return records[0], true
	}
	return model.ArtifactRecord{}, false
}
