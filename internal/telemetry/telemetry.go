// Package telemetry heuristically recovers per-node third-party usage and
// cost signals that the render engine embeds, in no fixed schema, inside its
// history output records.
package telemetry

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/comfyfleet/render-worker/internal/jsonvalue"
	"github.com/comfyfleet/render-worker/internal/model"
)

const (
	maxWalkDepth       = 5
	maxWalkBreadth     = 30
	maxSanitizeDepth   = 4
	maxSanitizeEntries = 30
	maxSanitizeList    = 30
	maxStringLen       = 800
	maxKeyLen          = 80
	maxFallbackLen     = 200

	truncationSentinel = "…(truncated)"
)

var usagePayloadKeys = []string{"usage", "token_usage", "usage_data", "usage_metadata", "billing", "cost_breakdown"}

var hintKeys = map[string]bool{}

func init() {
	for _, set := range []([]string){inputTokenKeys, outputTokenKeys, totalTokenKeys, creditKeys, costKeys, modelKeys} {
		for _, k := range set {
			hintKeys[k] = true
		}
	}
}

var (
	inputTokenKeys  = []string{"prompt_tokens", "input_tokens", "tokens_in", "prompt_token_count", "input_token_count"}
	outputTokenKeys = []string{"completion_tokens", "output_tokens", "tokens_out", "completion_token_count", "output_token_count"}
	totalTokenKeys  = []string{"total_tokens", "token_count", "total_token_count"}
	creditKeys      = []string{"credits", "credit", "credits_used", "token_cost", "partner_tokens"}
	costKeys        = []string{"cost", "usd_cost", "cost_usd", "price_usd", "cost_in_usd"}
	modelKeys       = []string{"model", "model_name", "model_id", "engine", "provider_model", "llm_model", "chat_model"}
)

// providerDictionary maps a case-insensitive substring to a canonical
// provider id. Entries are tried in order and the first whose substring
// occurs in the haystack wins.
var providerDictionary = []struct {
	substr   string
	provider string
}{
	{"openai", "openai"},
	{"gemini", "google"},
	{"google", "google"},
	{"anthropic", "anthropic"},
	{"claude", "anthropic"},
	{"kling", "kling"},
	{"runway", "runway"},
	{"stability", "stability"},
	{"vidu", "vidu"},
	{"tripo", "tripo"},
	{"luma", "luma"},
	{"minimax", "minimax"},
	{"ideogram", "ideogram"},
	{"pixverse", "pixverse"},
	{"recraft", "recraft"},
}

var (
	reInputTokens  = regexp.MustCompile(`(?i)(?:input|prompt)\s*tokens?\D+([0-9][0-9,]*)`)
	reOutputTokens = regexp.MustCompile(`(?i)(?:output|completion)\s*tokens?\D+([0-9][0-9,]*)`)
	reTotalTokens  = regexp.MustCompile(`(?i)total\s*tokens?\D+([0-9][0-9,]*)`)
	reCredits      = regexp.MustCompile(`(?i)credits?\D+([0-9]+(?:\.[0-9]+)?)`)
	reCost         = regexp.MustCompile(`(?i)(?:cost|price)\D+\$?\s*([0-9]+(?:\.[0-9]+)?)`)

	reNonAlnum = regexp.MustCompile(`[^a-z0-9]+`)
)

// Extract recovers usage events from a completed job's history entry
// outputs, using the workflow graph for node metadata. It never panics or
// returns an error to the caller: any internal failure yields an empty
// slice.
func Extract(workflow model.WorkflowGraph, entry *model.HistoryEntry) (events []model.UsageEvent) {
	defer func() {
		if r := recover(); r != nil {
			events = nil
		}
	}()
	if entry == nil {
		return nil
	}
	order := entry.OutputOrder
	if len(order) == 0 {
		for id := range entry.Outputs {
			order = append(order, id)
		}
	}
	for _, nodeID := range order {
		raw, ok := entry.Outputs[nodeID]
		if !ok {
			continue
		}
		nodeOutput, err := jsonvalue.Parse(raw)
		if err != nil || !nodeOutput.IsMap() {
			continue
		}
		node, hasNode := workflow[nodeID]
		classType := "unknown"
		displayName := ""
		var nodeInputs jsonvalue.Value
		if hasNode {
			if node.ClassType != "" {
				classType = node.ClassType
			}
			if node.Meta != nil {
				displayName = node.Meta.Title
			}
			nodeInputs = jsonvalue.From(toInterfaceMap(node.Inputs))
		}
		event := extractNode(nodeID, classType, displayName, nodeInputs, nodeOutput)
		if event != nil {
			events = append(events, *event)
		}
	}
	return events
}

func toInterfaceMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

func extractNode(nodeID, classType, displayName string, nodeInputs, nodeOutput jsonvalue.Value) *model.UsageEvent {
	usagePayload, hasUsagePayload := findUsagePayload(nodeOutput)

	var inputTokens, outputTokens, totalTokens *int64
	var credits, cost *float64

	searchSpace := nodeOutput
	if hasUsagePayload {
		searchSpace = usagePayload
	}
	inputTokens = findInt(searchSpace, inputTokenKeys, 0)
	outputTokens = findInt(searchSpace, outputTokenKeys, 0)
	totalTokens = findInt(searchSpace, totalTokenKeys, 0)
	credits = findFloat(searchSpace, creditKeys, 0)
	cost = findFloat(searchSpace, costKeys, 0)

	model_ := ""
	if m := findString(nodeInputs, modelKeys, 0); m != "" {
		model_ = m
	} else if m := findString(searchSpace, modelKeys, 0); m != "" {
		model_ = m
	}

	uiValue, hasUI := nodeOutput.Get("ui")

	if inputTokens == nil && outputTokens == nil && totalTokens == nil && credits == nil && cost == nil && hasUI {
		scraped := scrapeUI(uiValue)
		if scraped.input != nil {
			inputTokens = scraped.input
		}
		if scraped.output != nil {
			outputTokens = scraped.output
		}
		if scraped.total != nil {
			totalTokens = scraped.total
		}
		if scraped.credits != nil {
			credits = scraped.credits
		}
		if scraped.cost != nil {
			cost = scraped.cost
		}
	}

	if totalTokens == nil && inputTokens != nil && outputTokens != nil {
		sum := *inputTokens + *outputTokens
		totalTokens = &sum
	}

	if credits != nil {
		rounded := roundTo(*credits, 6)
		credits = &rounded
	}
	if cost != nil {
		rounded := roundTo(*cost, 8)
		cost = &rounded
	}

	haystack := strings.ToLower(classType + " " + findProviderHint(nodeInputs))
	provider := detectProvider(haystack)

	hasAnyMetric := inputTokens != nil || outputTokens != nil || totalTokens != nil || credits != nil || cost != nil
	if !hasAnyMetric && !hasUsagePayload && !hasUI {
		return nil
	}

	event := &model.UsageEvent{
		NodeID:          nodeID,
		NodeClassType:   classType,
		NodeDisplayName: displayName,
		Provider:        provider,
		Model:           model_,
		InputTokens:     inputTokens,
		OutputTokens:    outputTokens,
		TotalTokens:     totalTokens,
		Credits:         credits,
		CostUSDReported: cost,
	}
	if hasUsagePayload {
		event.UsageJSON = sanitize(usagePayload, 0).(map[string]interface{})
	}
	if hasUI {
		if m, ok := sanitize(uiValue, 0).(map[string]interface{}); ok {
			event.UIJSON = m
		} else {
			event.UIJSON = map[string]interface{}{"value": sanitize(uiValue, 0)}
		}
	}
	return event
}

func findProviderHint(inputs jsonvalue.Value) string {
	if !inputs.IsMap() {
		return ""
	}
	for _, key := range []string{"provider", "vendor", "service"} {
		if v, ok := inputs.Get(key); ok {
			if s, ok := v.String(); ok {
				return s
			}
		}
	}
	return ""
}

func detectProvider(haystack string) string {
	for _, entry := range providerDictionary {
		if strings.Contains(haystack, entry.substr) {
			return entry.provider
		}
	}
	if strings.Contains(haystack, "api") {
		return "comfy_partner"
	}
	return "unknown"
}

// findUsagePayload locates the usage payload per §4.5 step 2: the first of
// the well-known keys whose value is a mapping, else the first descendant
// mapping (breadth-limited) containing any hint key.
func findUsagePayload(node jsonvalue.Value) (jsonvalue.Value, bool) {
	if !node.IsMap() {
		return jsonvalue.Value{}, false
	}
	for _, key := range usagePayloadKeys {
		if v, ok := node.Get(key); ok && v.IsMap() {
			return v, true
		}
	}
	visited := 0
	var walk func(v jsonvalue.Value, depth int) (jsonvalue.Value, bool)
	walk = func(v jsonvalue.Value, depth int) (jsonvalue.Value, bool) {
		if depth > maxWalkDepth || visited >= maxWalkBreadth || !v.IsMap() {
			return jsonvalue.Value{}, false
		}
		for _, k := range v.Keys() {
			visited++
			if visited > maxWalkBreadth {
				return jsonvalue.Value{}, false
			}
			child, _ := v.Get(k)
			if hintKeys[normalizeKey(k)] {
				return v, true
			}
			if child.IsMap() {
				if found, ok := walk(child, depth+1); ok {
					return found, true
				}
			}
		}
		return jsonvalue.Value{}, false
	}
	return walk(node, 0)
}

func normalizeKey(k string) string {
	lower := strings.ToLower(k)
	return strings.Trim(reNonAlnum.ReplaceAllString(lower, "_"), "_")
}

func findInt(v jsonvalue.Value, keys []string, depth int) *int64 {
	f := findNumeric(v, keys, depth)
	if f == nil {
		return nil
	}
	n := int64(math.Round(*f))
	if n < 0 {
		n = 0
	}
	return &n
}

func findFloat(v jsonvalue.Value, keys []string, depth int) *float64 {
	return findNumeric(v, keys, depth)
}

func findNumeric(v jsonvalue.Value, keys []string, depth int) *float64 {
	if depth > maxWalkDepth || !v.IsMap() {
		return nil
	}
	want := map[string]bool{}
	for _, k := range keys {
		want[k] = true
	}
	count := 0
	for _, k := range v.Keys() {
		count++
		if count > maxWalkBreadth {
			break
		}
		child, _ := v.Get(k)
		if want[normalizeKey(k)] {
			if n, ok := child.Number(); ok {
				return &n
			}
			if s, ok := child.String(); ok {
				if n, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64); err == nil && !math.IsInf(n, 0) && !math.IsNaN(n) {
					return &n
				}
			}
		}
	}
	for _, k := range v.Keys() {
		child, _ := v.Get(k)
		if child.IsMap() {
			if found := findNumeric(child, keys, depth+1); found != nil {
				return found
			}
		}
	}
	return nil
}

func findString(v jsonvalue.Value, keys []string, depth int) string {
	if depth > maxWalkDepth || !v.IsMap() {
		return ""
	}
	want := map[string]bool{}
	for _, k := range keys {
		want[k] = true
	}
	for _, k := range v.Keys() {
		child, _ := v.Get(k)
		if want[normalizeKey(k)] {
			if s, ok := child.String(); ok && s != "" {
				return s
			}
		}
	}
	for _, k := range v.Keys() {
		child, _ := v.Get(k)
		if child.IsMap() {
			if s := findString(child, keys, depth+1); s != "" {
				return s
			}
		}
	}
	return ""
}

type scrapedMetrics struct {
	input, output, total *int64
	credits, cost        *float64
}

// scrapeUI regex-scans up to 25 string leaves of a ui payload, joined with
// newlines and capped at 4000 characters, per §4.5.
func scrapeUI(ui jsonvalue.Value) scrapedMetrics {
	leaves := collectStringLeaves(ui, 25)
	text := strings.Join(leaves, "\n")
	if len(text) > 4000 {
		text = text[:4000]
	}

	var out scrapedMetrics
	if m := reInputTokens.FindStringSubmatch(text); m != nil {
		out.input = parseIntLeaf(m[1])
	}
	if m := reOutputTokens.FindStringSubmatch(text); m != nil {
		out.output = parseIntLeaf(m[1])
	}
	if m := reTotalTokens.FindStringSubmatch(text); m != nil {
		out.total = parseIntLeaf(m[1])
	}
	if m := reCredits.FindStringSubmatch(text); m != nil {
		out.credits = parseFloatLeaf(m[1])
	}
	if m := reCost.FindStringSubmatch(text); m != nil {
		out.cost = parseFloatLeaf(m[1])
	}
	return out
}

func parseIntLeaf(s string) *int64 {
	n, err := strconv.ParseInt(strings.ReplaceAll(s, ",", ""), 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

func parseFloatLeaf(s string) *float64 {
	n, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil || math.IsInf(n, 0) || math.IsNaN(n) {
		return nil
	}
	return &n
}

func collectStringLeaves(v jsonvalue.Value, limit int) []string {
	var out []string
	var walk func(v jsonvalue.Value)
	walk = func(v jsonvalue.Value) {
		if len(out) >= limit {
			return
		}
		switch v.Kind() {
		case jsonvalue.KindString:
			if s, ok := v.String(); ok {
				out = append(out, s)
			}
		case jsonvalue.KindList:
			for _, e := range v.List() {
				if len(out) >= limit {
					return
				}
				walk(e)
			}
		case jsonvalue.KindMap:
			for _, k := range v.Keys() {
				if len(out) >= limit {
					return
				}
				child, _ := v.Get(k)
				walk(child)
			}
		}
	}
	walk(v)
	return out
}

func roundTo(v float64, places int) float64 {
	mult := math.Pow(10, float64(places))
	return math.Round(v*mult) / mult
}

// sanitize produces a depth/breadth/length-limited copy of v suitable for
// embedding in a report payload, per §4.5's truncation rules.
func sanitize(v jsonvalue.Value, depth int) interface{} {
	switch v.Kind() {
	case jsonvalue.KindNull:
		return nil
	case jsonvalue.KindBool:
		b, _ := v.Bool()
		return b
	case jsonvalue.KindNumber:
		n, _ := v.Number()
		return n
	case jsonvalue.KindString:
		s, _ := v.String()
		return truncateString(s, maxStringLen)
	case jsonvalue.KindList:
		if depth >= maxSanitizeDepth {
			return truncationSentinel
		}
		list := v.List()
		out := make([]interface{}, 0, minInt(len(list), maxSanitizeList))
		for i, e := range list {
			if i >= maxSanitizeList {
				out = append(out, truncationSentinel)
				break
			}
			out = append(out, sanitize(e, depth+1))
		}
		return out
	case jsonvalue.KindMap:
		if depth >= maxSanitizeDepth {
			return truncationSentinel
		}
		out := map[string]interface{}{}
		keys := v.Keys()
		for i, k := range keys {
			if i >= maxSanitizeEntries {
				out["__truncated__"] = truncationSentinel
				break
			}
			out[truncateString(k, maxKeyLen)] = sanitize(mustGet(v, k), depth+1)
		}
		return out
	default:
		return truncateString("", maxFallbackLen)
	}
}

func mustGet(v jsonvalue.Value, key string) jsonvalue.Value {
	val, _ := v.Get(key)
	return val
}

func truncateString(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + truncationSentinel
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
