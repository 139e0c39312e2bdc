package executor

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comfyfleet/render-worker/internal/model"
)

func strptr(s string) *string { return &s }

func TestPrepareWorkflowNoPlaceholdersIsIdempotent(t *testing.T) {
	raw := json.RawMessage(`{"1":{"class_type":"SaveImage","inputs":{"filename_prefix":"out"}}}`)
	graph, err := PrepareWorkflow(raw, nil, "", model.InputPayload{})
	require.NoError(t, err)

	var want model.WorkflowGraph
	require.NoError(t, json.Unmarshal(raw, &want))
	assert.Equal(t, want, graph)
}

func TestPrepareWorkflowAssetPlaceholderSubstitution(t *testing.T) {
	raw := json.RawMessage(`{"1":{"class_type":"LoadImage","inputs":{"image":"__ASSET_LOGO__"}}}`)
	graph, err := PrepareWorkflow(raw, map[string]string{"__ASSET_LOGO__": "logo_ab12.png"}, "", model.InputPayload{})
	require.NoError(t, err)
	assert.Equal(t, "logo_ab12.png", graph["1"].Inputs["image"])
}

func TestPrepareWorkflowExplicitPrefixPolicy(t *testing.T) {
	raw := json.RawMessage(`{"1":{"class_type":"LoadImage","inputs":{"image":"s3://bucket/__INPUT_PATH__"}}}`)
	payload := model.InputPayload{InputReferencePrefix: strptr("s3://bucket/")}
	graph, err := PrepareWorkflow(raw, nil, "uploaded-file-123.png", payload)
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/uploaded-file-123.png", graph["1"].Inputs["image"])
}

func TestPrepareWorkflowExplicitPrefixBarePlaceholder(t *testing.T) {
	raw := json.RawMessage(`{"1":{"class_type":"LoadImage","inputs":{"image":"__INPUT_PATH__"}}}`)
	payload := model.InputPayload{InputReferencePrefix: strptr("s3://bucket/")}
	graph, err := PrepareWorkflow(raw, nil, "uploaded-file-123.png", payload)
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/uploaded-file-123.png", graph["1"].Inputs["image"])
}

func TestPrepareWorkflowEmptyPrefixPolicy(t *testing.T) {
	raw := json.RawMessage(`{"1":{"class_type":"LoadImage","inputs":{"image":"asset://__INPUT_PATH__"}}}`)
	payload := model.InputPayload{InputReferencePrefix: strptr("")}
	graph, err := PrepareWorkflow(raw, nil, "resolved-asset-id", payload)
	require.NoError(t, err)
	assert.Equal(t, "resolved-asset-id", graph["1"].Inputs["image"])
}

func TestPrepareWorkflowAbsentPrefixLocalFile(t *testing.T) {
	tmp, err := os.CreateTemp(t.TempDir(), "input-*.png")
	require.NoError(t, err)
	tmp.Close()

	raw := json.RawMessage(`{"1":{"class_type":"LoadImage","inputs":{"image":"__INPUT_PATH__"}}}`)
	graph, err := PrepareWorkflow(raw, nil, tmp.Name(), model.InputPayload{})
	require.NoError(t, err)
	assert.Equal(t, tmp.Name(), graph["1"].Inputs["image"])
}

func TestPrepareWorkflowAbsentPrefixRemoteAssetID(t *testing.T) {
	raw := json.RawMessage(`{"1":{"class_type":"LoadImage","inputs":{"image":"asset://__INPUT_PATH__"}}}`)
	graph, err := PrepareWorkflow(raw, nil, "not-a-real-path-on-disk", model.InputPayload{})
	require.NoError(t, err)
	assert.Equal(t, "asset://not-a-real-path-on-disk", graph["1"].Inputs["image"])
}

func TestPrepareWorkflowDirectFieldWrite(t *testing.T) {
	raw := json.RawMessage(`{"5":{"class_type":"LoadImage","inputs":{}}}`)
	payload := model.InputPayload{InputNodeID: "5", InputField: "image"}
	graph, err := PrepareWorkflow(raw, nil, "uploaded.png", payload)
	require.NoError(t, err)
	assert.Equal(t, "asset://uploaded.png", graph["5"].Inputs["image"])
}

func TestPrepareWorkflowDirectFieldWriteUnknownNode(t *testing.T) {
	raw := json.RawMessage(`{"5":{"class_type":"LoadImage","inputs":{}}}`)
	payload := model.InputPayload{InputNodeID: "99", InputField: "image"}
	_, err := PrepareWorkflow(raw, nil, "uploaded.png", payload)
	assert.Error(t, err)
}

func TestPrepareWorkflowInvalidJSONAfterSubstitution(t *testing.T) {
	raw := json.RawMessage(`{"1":{"class_type":"X","inputs":{"v":"__PLACEHOLDER__"}}}`)
	_, err := PrepareWorkflow(raw, map[string]string{"__PLACEHOLDER__": `"unterminated`}, "", model.InputPayload{})
	assert.Error(t, err)
}
