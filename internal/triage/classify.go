package triage

import (
	"context"

	"github.com/mikey/mailwatch/internal/core"
)

// Classify runs a single classification call over the given messages and
// returns one sanitized result per message, in order. Used by the one-shot
// CLI; the daemon path batches through the engine instead.
func Classify(ctx context.Context, llm core.LLMClient, msgs []core.MessageSummary) ([]core.TriageResult, error) {
	items := make([]batchItem, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, batchItem{msg: m})
	}

	response, err := llm.Complete(ctx, []core.ChatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: buildPrompt(items)},
	}, 0)
	if err != nil {
		return nil, err
	}

	return ParseTriageResponse(response, len(msgs)), nil
}
