// Package model holds the wire-level data shapes shared between the dispatch
// client, the render engine client and the job executor.
package model

import (
	"encoding/json"
	"io"
)

// Job is a lease handed off by the dispatch service. It is owned by exactly
// one worker until a terminal report (complete/fail) or requeue is
// acknowledged.
type Job struct {
	DispatchID    int64         `json:"dispatch_id"`
	LeaseToken    string        `json:"lease_token"`
	InputURL      string        `json:"input_url,omitempty"`
	OutputURL     string        `json:"output_url"`
	OutputHeaders HeaderMap     `json:"output_headers,omitempty"`
	InputPayload  InputPayload  `json:"input_payload"`
	Provider      string        `json:"provider,omitempty"`
}

// HeaderMap mirrors the dispatch service's header representation, where a
// value may be a single string or a list of strings. Decode always collapses
// to the first element of a list.
type HeaderMap map[string]string

// UnmarshalJSON accepts either scalar string values or single-element-first
// list values per spec: "arrays are collapsed to the first element".
func (h *HeaderMap) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(HeaderMap, len(raw))
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			out[k] = s
			continue
		}
		var list []string
		if err := json.Unmarshal(v, &list); err == nil {
			if len(list) > 0 {
				out[k] = list[0]
			}
			continue
		}
	}
	*h = out
	return nil
}

// InputPayload is the job-scoped configuration describing how to materialise
// a render-engine workflow.
type InputPayload struct {
	Workflow              json.RawMessage `json:"workflow,omitempty"`
	ComfyUIWorkflow       json.RawMessage `json:"comfyui_workflow,omitempty"`
	InputPathPlaceholder  string          `json:"input_path_placeholder,omitempty"`
	InputReferencePrefix  *string         `json:"input_reference_prefix,omitempty"`
	InputNodeID           string          `json:"input_node_id,omitempty"`
	InputField            string          `json:"input_field,omitempty"`
	OutputNodeID          string          `json:"output_node_id,omitempty"`
	ExtraData             json.RawMessage `json:"extra_data,omitempty"`
	Assets                []Asset         `json:"assets,omitempty"`
}

// WorkflowJSON returns whichever of Workflow/ComfyUIWorkflow is set,
// preferring Workflow.
func (p InputPayload) WorkflowJSON() json.RawMessage {
	if len(p.Workflow) > 0 {
		return p.Workflow
	}
	return p.ComfyUIWorkflow
}

// Asset describes an auxiliary input file referenced by a workflow via a
// placeholder token.
type Asset struct {
	Placeholder    string `json:"placeholder"`
	DownloadURL    string `json:"download_url"`
	ContentHash    string `json:"content_hash,omitempty"`
	IsPrimaryInput bool   `json:"is_primary_input,omitempty"`
}

// WorkflowNode is a single node record in a workflow graph.
type WorkflowNode struct {
	ClassType string                 `json:"class_type"`
	Inputs    map[string]interface{} `json:"inputs"`
	Meta      *WorkflowNodeMeta      `json:"_meta,omitempty"`
}

// WorkflowNodeMeta carries the optional display title of a node.
type WorkflowNodeMeta struct {
	Title string `json:"title,omitempty"`
}

// WorkflowGraph is a mapping from string node id to node record.
type WorkflowGraph map[string]WorkflowNode

// HistoryStatus is the status block of an engine history entry.
type HistoryStatus struct {
	StatusStr string `json:"status_str,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ArtifactRecord is one entry in an artifact-kind list (e.g. "videos").
type ArtifactRecord struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// HistoryEntry is the render engine's record for one submitted prompt.
// OutputOrder preserves the node-id order as it appeared on the wire, since
// output selection (§4.4) falls back to "first non-empty artifact in
// iteration order" when no output_node_id is requested, and a plain Go map
// would lose that order.
type HistoryEntry struct {
	Status      HistoryStatus              `json:"status"`
	Outputs     map[string]json.RawMessage `json:"outputs"`
	OutputOrder []string                   `json:"-"`
}

// UnmarshalJSON decodes a HistoryEntry while recording the wire order of the
// outputs object's keys into OutputOrder.
func (h *HistoryEntry) UnmarshalJSON(data []byte) error {
	var shallow struct {
		Status  HistoryStatus   `json:"status"`
		Outputs json.RawMessage `json:"outputs"`
	}
	if err := json.Unmarshal(data, &shallow); err != nil {
		return err
	}
	h.Status = shallow.Status
	if len(shallow.Outputs) == 0 {
		return nil
	}
	outputs := map[string]json.RawMessage{}
	if err := json.Unmarshal(shallow.Outputs, &outputs); err != nil {
		return err
	}
	h.Outputs = outputs
	h.OutputOrder = objectKeyOrder(shallow.Outputs)
	return nil
}

// objectKeyOrder returns the top-level key order of a JSON object, by
// walking it with a Decoder: each Token() call returns exactly one key, and
// each paired Decode() call consumes exactly one value, however deeply
// nested, without needing manual depth bookkeeping.
func objectKeyOrder(raw json.RawMessage) []string {
	dec := json.NewDecoder(bytesReaderOf(raw))
	if tok, err := dec.Token(); err != nil {
		return nil
	} else if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil
	}
	var order []string
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return order
		}
		key, ok := keyTok.(string)
		if !ok {
			return order
		}
		order = append(order, key)
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return order
		}
	}
	return order
}

type bytesReader struct {
	b   []byte
	off int
}

func bytesReaderOf(b []byte) *bytesReader { return &bytesReader{b: b} }

func (r *bytesReader) Read(p []byte) (int, error) {
	if r.off >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.off:])
	r.off += n
	return n, nil
}

// ArtifactKinds lists artifact keys in output-selection priority order.
var ArtifactKinds = []string{"videos", "gifs", "images", "files", "video"}

// UsageEvent is a derived per-node third-party usage/cost observation.
type UsageEvent struct {
	NodeID            string                 `json:"node_id"`
	NodeClassType     string                 `json:"node_class_type"`
	NodeDisplayName   string                 `json:"node_display_name,omitempty"`
	Provider          string                 `json:"provider"`
	Model             string                 `json:"model,omitempty"`
	InputTokens       *int64                 `json:"input_tokens,omitempty"`
	OutputTokens      *int64                 `json:"output_tokens,omitempty"`
	TotalTokens       *int64                 `json:"total_tokens,omitempty"`
	Credits           *float64               `json:"credits,omitempty"`
	CostUSDReported   *float64               `json:"cost_usd_reported,omitempty"`
	UsageJSON         map[string]interface{} `json:"usage_json,omitempty"`
	UIJSON            map[string]interface{} `json:"ui_json,omitempty"`
}

// OutputReport is the artifact summary attached to a complete call.
type OutputReport struct {
	Size     int64                  `json:"size"`
	MimeType string                 `json:"mime_type"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}
