package model

import (
	"encoding/json"
	"testing"
)

func TestHeaderMapCollapsesListToFirstElement(t *testing.T) {
	var h HeaderMap
	if err := json.Unmarshal([]byte(`{"X-A":"v1","X-B":["v2","v3"]}`), &h); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if h["X-A"] != "v1" {
		t.Errorf("X-A = %q; want v1", h["X-A"])
	}
	if h["X-B"] != "v2" {
		t.Errorf("X-B = %q; want v2 (first element)", h["X-B"])
	}
}

func TestHistoryEntryPreservesOutputOrder(t *testing.T) {
	var e HistoryEntry
	raw := []byte(`{"status":{"status_str":"success"},"outputs":{"9":{},"3":{},"1":{}}}`)
	if err := json.Unmarshal(raw, &e); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	want := []string{"9", "3", "1"}
	if len(e.OutputOrder) != len(want) {
		t.Fatalf("OutputOrder = %v; want %v", e.OutputOrder, want)
	}
	for i, k := range want {
		if e.OutputOrder[i] != k {
			t.Errorf("OutputOrder[%d] = %q; want %q", i, e.OutputOrder[i], k)
		}
	}
}

func TestHistoryEntryNoOutputs(t *testing.T) {
	var e HistoryEntry
	if err := json.Unmarshal([]byte(`{"status":{"status_str":"error","message":"boom"}}`), &e); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if e.Status.Message != "boom" {
		t.Errorf("Message = %q", e.Status.Message)
	}
	if len(e.OutputOrder) != 0 {
		t.Errorf("OutputOrder = %v; want empty", e.OutputOrder)
	}
}
