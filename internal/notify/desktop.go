package notify

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"unicode"

	"github.com/mikey/mailwatch/internal/core"
	"go.uber.org/zap"
)

// sendDesktop shows a platform notification for the payload, with a sound
// cue for urgent alerts when sound is enabled. Failures degrade to
// log-only.
func (n *Notifier) sendDesktop(p core.AlertPayload, sound bool) {
	title := sanitizeField(fmt.Sprintf("[%s] %s", p.Account, p.From))
	body := sanitizeField(p.Subject)

	ctx, cancel := context.WithTimeout(context.Background(), desktopCmdTimeout)
	defer cancel()

	var err error
	switch runtime.GOOS {
	case "darwin":
		script := fmt.Sprintf("display notification %q with title %q", body, title)
		err = n.run(ctx, "osascript", "-e", script)
	default:
		urgency := "normal"
		if p.Priority == core.PriorityUrgent {
			urgency = "critical"
		}
		err = n.run(ctx, "notify-send", "--urgency="+urgency, "--app-name=mailwatch", title, body)
	}
	if err != nil {
		n.logger.Warn("Desktop notification failed", zap.Error(err))
		return
	}

	if sound && p.Priority == core.PriorityUrgent {
		n.playSound()
	}
}

// playSound plays the platform alert sound. Best-effort.
func (n *Notifier) playSound() {
	ctx, cancel := context.WithTimeout(context.Background(), desktopCmdTimeout)
	defer cancel()

	var err error
	switch runtime.GOOS {
	case "darwin":
		err = n.run(ctx, "afplay", "/System/Library/Sounds/Glass.aiff")
	default:
		err = n.run(ctx, "paplay", "/usr/share/sounds/freedesktop/stereo/message.oga")
	}
	if err != nil {
		n.logger.Debug("Sound cue failed", zap.Error(err))
	}
}

// sanitizeField strips control characters and shell metacharacters from
// text interpolated into platform commands.
func sanitizeField(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		switch r {
		case '`', '$', '\\', '"', '\'', ';', '|', '&', '<', '>':
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
