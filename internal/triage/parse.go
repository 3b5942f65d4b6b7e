package triage

import (
	"encoding/json"
	"strings"

	"github.com/mikey/mailwatch/internal/core"
	"github.com/mikey/mailwatch/internal/utils"
)

const (
	maxLabels    = 5
	maxActionLen = 200
)

// rawTriageResult is the loosely-typed shape parsed from the model's
// response before sanitization.
type rawTriageResult struct {
	Priority string        `json:"priority"`
	Labels   []interface{} `json:"labels"`
	Flag     interface{}   `json:"flag"`
	Action   string        `json:"action"`
}

// ParseTriageResponse turns arbitrary model output into exactly
// expectedCount results. It strips code-fence wrapping, accepts a single
// object as a one-element array, pads short lists with empty results, and
// truncates long ones. It never fails: garbage input yields all-empty
// results so downstream processing stays uniform.
func ParseTriageResponse(text string, expectedCount int) []core.TriageResult {
	results := make([]core.TriageResult, expectedCount)

	raws := parseRaw(stripCodeFence(text))
	for i := 0; i < expectedCount && i < len(raws); i++ {
		results[i] = sanitizeResult(raws[i])
	}
	return results
}

// parseRaw attempts the structured parse. A single JSON object is treated
// as a one-element array; anything unparsable yields nil.
func parseRaw(text string) []rawTriageResult {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var list []rawTriageResult
	if err := json.Unmarshal([]byte(text), &list); err == nil {
		return list
	}

	var single rawTriageResult
	if err := json.Unmarshal([]byte(text), &single); err == nil {
		return []rawTriageResult{single}
	}

	return nil
}

// stripCodeFence removes a ``` or ```json wrapper if the model added one.
func stripCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}

	trimmed = strings.TrimPrefix(trimmed, "```")
	// Drop a language tag like "json" on the opening fence.
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		firstLine := strings.TrimSpace(trimmed[:idx])
		if firstLine != "" && !strings.ContainsAny(firstLine, "[{") {
			trimmed = trimmed[idx+1:]
		}
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

// sanitizeResult restricts a raw result to the values downstream code is
// prepared to act on: a known priority or none, at most maxLabels string
// labels, a real boolean flag, and a bounded action string.
func sanitizeResult(raw rawTriageResult) core.TriageResult {
	var out core.TriageResult

	if p, ok := core.ParsePriority(strings.ToLower(strings.TrimSpace(raw.Priority))); ok {
		out.Priority = p
	}

	for _, l := range raw.Labels {
		s, ok := l.(string)
		if !ok || strings.TrimSpace(s) == "" {
			continue
		}
		out.Labels = append(out.Labels, s)
		if len(out.Labels) == maxLabels {
			break
		}
	}

	switch f := raw.Flag.(type) {
	case bool:
		out.Flag = f
	case string:
		out.Flag = strings.EqualFold(strings.TrimSpace(f), "true")
	}

	out.Action = utils.Clip(raw.Action, maxActionLen)

	return out
}
