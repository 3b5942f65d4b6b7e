package triage

import (
	"strings"
	"testing"

	"github.com/mikey/mailwatch/internal/core"
)

// TestParseTriageResponse_Totality feeds every shape of input and checks
// the result count is always exactly what was asked for.
func TestParseTriageResponse_Totality(t *testing.T) {
	tests := []struct {
		name  string
		input string
		count int
	}{
		{"valid array", `[{"priority":"high"},{"priority":"low"}]`, 2},
		{"single object", `{"priority":"urgent"}`, 1},
		{"code-fenced array", "```json\n[{\"priority\":\"normal\"}]\n```", 1},
		{"bare code fence", "```\n[{\"priority\":\"normal\"}]\n```", 1},
		{"garbage text", "I think these emails look important!", 3},
		{"empty string", "", 2},
		{"short list padded", `[{"priority":"high"}]`, 4},
		{"long list truncated", `[{},{},{},{}]`, 2},
		{"malformed json", `[{"priority": "high",]`, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := ParseTriageResponse(tt.input, tt.count)
			if len(results) != tt.count {
				t.Fatalf("got %d results, want %d", len(results), tt.count)
			}
		})
	}
}

func TestParseTriageResponse_ValidArray(t *testing.T) {
	results := ParseTriageResponse(
		`[{"priority":"urgent","labels":["finance","invoice"],"flag":true,"action":"pay today"},{"priority":"low"}]`, 2)

	if results[0].Priority != core.PriorityUrgent {
		t.Errorf("priority = %q, want urgent", results[0].Priority)
	}
	if len(results[0].Labels) != 2 || results[0].Labels[0] != "finance" {
		t.Errorf("labels = %v, want [finance invoice]", results[0].Labels)
	}
	if !results[0].Flag {
		t.Error("flag = false, want true")
	}
	if results[0].Action != "pay today" {
		t.Errorf("action = %q, want %q", results[0].Action, "pay today")
	}
	if results[1].Priority != core.PriorityLow {
		t.Errorf("second priority = %q, want low", results[1].Priority)
	}
}

func TestParseTriageResponse_SingleObjectBecomesOneElementArray(t *testing.T) {
	results := ParseTriageResponse(`{"priority":"high","flag":true}`, 1)
	if results[0].Priority != core.PriorityHigh || !results[0].Flag {
		t.Errorf("got %+v, want high/flagged", results[0])
	}
}

func TestParseTriageResponse_PaddedResultsAreEmpty(t *testing.T) {
	results := ParseTriageResponse(`[{"priority":"high"}]`, 3)
	for i := 1; i < 3; i++ {
		if results[i].Priority != "" || results[i].Flag || len(results[i].Labels) != 0 {
			t.Errorf("padded result %d is not empty: %+v", i, results[i])
		}
	}
}

// TestSanitizeResult_Bounds covers the per-field sanitization rules.
func TestSanitizeResult_Bounds(t *testing.T) {
	t.Run("unknown priority dropped", func(t *testing.T) {
		got := sanitizeResult(rawTriageResult{Priority: "critical"})
		if got.Priority != "" {
			t.Errorf("priority = %q, want empty", got.Priority)
		}
	})

	t.Run("priority case-insensitive", func(t *testing.T) {
		got := sanitizeResult(rawTriageResult{Priority: " Urgent "})
		if got.Priority != core.PriorityUrgent {
			t.Errorf("priority = %q, want urgent", got.Priority)
		}
	})

	t.Run("labels capped at five strings", func(t *testing.T) {
		got := sanitizeResult(rawTriageResult{
			Labels: []interface{}{"a", 42, "b", "c", nil, "d", "e", "f", "g"},
		})
		if len(got.Labels) != 5 {
			t.Fatalf("labels = %v, want 5 entries", got.Labels)
		}
		for _, l := range got.Labels {
			if l == "" {
				t.Error("empty label survived sanitization")
			}
		}
	})

	t.Run("flag coerced from string", func(t *testing.T) {
		if !sanitizeResult(rawTriageResult{Flag: "true"}).Flag {
			t.Error(`flag "true" not coerced to true`)
		}
		if sanitizeResult(rawTriageResult{Flag: "yes"}).Flag {
			t.Error(`flag "yes" coerced to true, want false`)
		}
		if sanitizeResult(rawTriageResult{Flag: 1.0}).Flag {
			t.Error("numeric flag coerced to true, want dropped")
		}
	})

	t.Run("action truncated to 200", func(t *testing.T) {
		got := sanitizeResult(rawTriageResult{Action: strings.Repeat("x", 500)})
		if len(got.Action) != 200 {
			t.Errorf("action length = %d, want 200", len(got.Action))
		}
	})

	t.Run("sanitization is idempotent", func(t *testing.T) {
		first := sanitizeResult(rawTriageResult{
			Priority: "high",
			Labels:   []interface{}{"a", "b"},
			Flag:     true,
			Action:   strings.Repeat("y", 300),
		})
		second := sanitizeResult(rawTriageResult{
			Priority: string(first.Priority),
			Labels:   []interface{}{"a", "b"},
			Flag:     first.Flag,
			Action:   first.Action,
		})
		if second.Priority != first.Priority || second.Flag != first.Flag ||
			second.Action != first.Action || len(second.Labels) != len(first.Labels) {
			t.Errorf("second pass changed the result: %+v vs %+v", first, second)
		}
	})
}
