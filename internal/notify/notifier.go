package notify

import (
	"context"
	"os/exec"
	"sync"
	"time"

	"github.com/mikey/mailwatch/internal/config"
	"github.com/mikey/mailwatch/internal/core"
	"go.uber.org/zap"
)

// desktopCmdTimeout bounds the platform notification command.
const desktopCmdTimeout = 5 * time.Second

// desktopWindow is the reset interval for the desktop send counter.
const desktopWindow = time.Minute

// CommandRunner executes a platform command. Injected in tests.
type CommandRunner func(ctx context.Context, name string, args ...string) error

// Notifier fans alert payloads out to the protocol log, desktop, sound,
// webhook, and optional SMTP-forward channels. Each channel is gated and
// rate-limited independently; no channel failure ever reaches the caller.
type Notifier struct {
	logger *zap.Logger
	run    CommandRunner

	mu          sync.Mutex
	cfg         config.NotifyConfig
	desktopSent int
	windowStart time.Time

	webhook *webhookClient
	smtp    *smtpForwarder
}

// New creates a notifier.
func New(cfg config.NotifyConfig, logger *zap.Logger) *Notifier {
	n := &Notifier{
		logger:  logger,
		cfg:     cfg,
		webhook: newWebhookClient(cfg.Webhook.Timeout, logger),
		smtp:    newSMTPForwarder(logger),
		run: func(ctx context.Context, name string, args ...string) error {
			return exec.CommandContext(ctx, name, args...).Run()
		},
	}
	return n
}

// ConfigUpdate is a partial notifier reconfiguration; nil fields are left
// unchanged.
type ConfigUpdate struct {
	DesktopEnabled   *bool
	DesktopThreshold *core.Priority
	SoundEnabled     *bool
	WebhookURL       *string
	WebhookEvents    []core.Priority
}

// UpdateConfig applies a partial configuration change at runtime.
func (n *Notifier) UpdateConfig(u ConfigUpdate) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if u.DesktopEnabled != nil {
		n.cfg.Desktop.Enabled = *u.DesktopEnabled
	}
	if u.DesktopThreshold != nil {
		n.cfg.Desktop.Threshold = *u.DesktopThreshold
	}
	if u.SoundEnabled != nil {
		n.cfg.SoundEnabled = *u.SoundEnabled
	}
	if u.WebhookURL != nil {
		n.cfg.Webhook.URL = *u.WebhookURL
	}
	if u.WebhookEvents != nil {
		n.cfg.Webhook.Events = u.WebhookEvents
	}
}

// Config returns the current channel configuration for introspection.
func (n *Notifier) Config() config.NotifyConfig {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cfg
}

// Alert dispatches one payload across all channels. The protocol log has
// no threshold and cannot be disabled; the other channels gate on their
// own configuration.
func (n *Notifier) Alert(payload core.AlertPayload, forceDesktop bool) {
	n.logAlert(payload)

	n.mu.Lock()
	cfg := n.cfg
	n.mu.Unlock()

	if cfg.Desktop.Enabled && (payload.Priority.Meets(cfg.Desktop.Threshold) || forceDesktop) {
		if n.allowDesktop(cfg.Desktop.MaxPerMinute) {
			n.sendDesktop(payload, cfg.SoundEnabled)
		} else {
			n.logger.Debug("Desktop notification suppressed by rate limit",
				zap.String("subject", payload.Subject))
		}
	}

	if cfg.Webhook.URL != "" && priorityIn(payload.Priority, cfg.Webhook.Events) {
		n.webhook.send(cfg.Webhook.URL, payload)
	}

	if cfg.SMTP.Enabled && payload.Priority.Meets(cfg.SMTP.Threshold) {
		n.smtp.send(cfg.SMTP, payload)
	}
}

// logAlert escalates to the protocol log at a severity derived from
// priority.
func (n *Notifier) logAlert(p core.AlertPayload) {
	fields := []zap.Field{
		zap.String("account", p.Account),
		zap.String("from", p.From),
		zap.String("subject", p.Subject),
		zap.String("priority", string(p.Priority)),
	}
	if len(p.Labels) > 0 {
		fields = append(fields, zap.Strings("labels", p.Labels))
	}
	if p.RuleName != "" {
		fields = append(fields, zap.String("rule", p.RuleName))
	}

	switch p.Priority {
	case core.PriorityUrgent:
		n.logger.Error("Mail alert", fields...)
	case core.PriorityHigh:
		n.logger.Warn("Mail alert", fields...)
	case core.PriorityLow:
		n.logger.Debug("Mail alert", fields...)
	default:
		n.logger.Info("Mail alert", fields...)
	}
}

// allowDesktop consumes one slot of the per-minute desktop budget.
func (n *Notifier) allowDesktop(maxPerMinute int) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := time.Now()
	if now.Sub(n.windowStart) >= desktopWindow {
		n.windowStart = now
		n.desktopSent = 0
	}
	if n.desktopSent >= maxPerMinute {
		return false
	}
	n.desktopSent++
	return true
}

func priorityIn(p core.Priority, set []core.Priority) bool {
	for _, s := range set {
		if s == p {
			return true
		}
	}
	return false
}
