package executor

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/comfyfleet/render-worker/internal/model"
)

// PrepareWorkflow implements the serialize-replace-parse pipeline of §4.4
// step 4: asset placeholders are substituted textually, then (if an input
// reference was produced by the download step) one of three mutually
// exclusive input_reference_prefix policies rewrites the input placeholder,
// and finally a direct input_node_id/input_field write is applied to the
// parsed graph under the same policy.
//
// assetFilenames maps asset placeholder -> engine-assigned filename.
// inputReference is the local path of a downloaded job input, or "" if the
// job carried no input_url.
func PrepareWorkflow(
	workflowJSON json.RawMessage,
	assetFilenames map[string]string,
	inputReference string,
	payload model.InputPayload,
) (model.WorkflowGraph, error) {
	text := string(workflowJSON)

	for placeholder, filename := range assetFilenames {
		text = strings.ReplaceAll(text, placeholder, filename)
	}

	placeholder := payload.InputPathPlaceholder
	if placeholder == "" {
		placeholder = "__INPUT_PATH__"
	}

	if inputReference != "" {
		for _, repl := range inputPlaceholderReplacements(placeholder, inputReference, payload.InputReferencePrefix) {
			text = strings.ReplaceAll(text, repl.from, repl.to)
		}
	}

	var graph model.WorkflowGraph
	if err := json.Unmarshal([]byte(text), &graph); err != nil {
		return nil, fmt.Errorf("executor: re-parse prepared workflow: %w", err)
	}

	if inputReference != "" && payload.InputNodeID != "" && payload.InputField != "" {
		node, ok := graph[payload.InputNodeID]
		if !ok {
			return nil, fmt.Errorf("executor: input_node_id %q not present in workflow", payload.InputNodeID)
		}
		if node.Inputs == nil {
			node.Inputs = map[string]interface{}{}
		}
		node.Inputs[payload.InputField] = resolvedInputValue(inputReference, payload.InputReferencePrefix)
		graph[payload.InputNodeID] = node
	}

	return graph, nil
}

type textReplacement struct{ from, to string }

// inputPlaceholderReplacements builds the textual find/replace pairs for one
// of the three input_reference_prefix policies (§4.4). Order matters: the
// prefixed form must be replaced before the bare form so that an
// already-prefixed occurrence is not double-substituted.
func inputPlaceholderReplacements(placeholder, reference string, prefix *string) []textReplacement {
	switch {
	case prefix != nil && *prefix != "":
		p := *prefix
		return []textReplacement{
			{p + placeholder, p + reference},
			{placeholder, p + reference},
		}
	case prefix != nil && *prefix == "":
		return []textReplacement{
			{"asset://" + placeholder, reference},
			{placeholder, reference},
		}
	default: // prefix absent
		if referenceIsLocalFile(reference) {
			return []textReplacement{
				{placeholder, reference},
			}
		}
		return []textReplacement{
			{"asset://" + placeholder, "asset://" + reference},
			{placeholder, "asset://" + reference},
		}
	}
}

// resolvedInputValue computes the value written directly into
// workflow[input_node_id].inputs[input_field], under the same policy as
// inputPlaceholderReplacements.
func resolvedInputValue(reference string, prefix *string) string {
	switch {
	case prefix != nil && *prefix != "":
		return *prefix + reference
	case prefix != nil && *prefix == "":
		return reference
	default:
		if referenceIsLocalFile(reference) {
			return reference
		}
		return "asset://" + reference
	}
}

func referenceIsLocalFile(reference string) bool {
	_, err := os.Stat(reference)
	return err == nil
}
