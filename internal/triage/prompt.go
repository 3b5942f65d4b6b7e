package triage

import (
	"fmt"
	"strings"

	"github.com/mikey/mailwatch/internal/core"
)

const systemPrompt = `You are an email triage assistant. You classify newly arrived emails by urgency and suggest labels. Respond only with JSON.`

const promptHeader = `Classify the following newly arrived emails. Respond with a strict JSON array containing one object per email, in the same order. Each object may contain:
- priority: one of "urgent", "high", "normal", "low"
- labels: up to 5 short label strings
- flag: boolean, true if the email needs follow-up
- action: a short suggested action (max 200 characters)

Omit any field you have no opinion on. Respond only with the JSON array and nothing else.

Emails:
`

// buildPrompt enumerates the batched messages with sender, subject, date,
// and state glyphs in positional order.
func buildPrompt(items []batchItem) string {
	var sb strings.Builder
	sb.WriteString(promptHeader)

	for i, item := range items {
		m := item.msg
		sender := m.From.Address
		if m.From.Name != "" {
			sender = fmt.Sprintf("%s <%s>", m.From.Name, m.From.Address)
		}
		fmt.Fprintf(&sb, "%d. From: %s | Subject: %s | Date: %s",
			i+1, sender, m.Subject, m.Date.Format("2006-01-02 15:04"))
		if glyphs := stateGlyphs(m); glyphs != "" {
			fmt.Fprintf(&sb, " | %s", glyphs)
		}
		sb.WriteByte('\n')
	}

	return sb.String()
}

// stateGlyphs renders the message flags the same way the notification
// summaries do.
func stateGlyphs(m core.MessageSummary) string {
	var glyphs []string
	if !m.Seen {
		glyphs = append(glyphs, "●")
	}
	if m.Flagged {
		glyphs = append(glyphs, "⚑")
	}
	if m.Answered {
		glyphs = append(glyphs, "↩")
	}
	if m.HasAttachments {
		glyphs = append(glyphs, "📎")
	}
	return strings.Join(glyphs, " ")
}
