package notify

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/mikey/mailwatch/internal/core"
	"go.uber.org/zap"
)

// webhookPayload is the JSON body posted to the configured webhook.
type webhookPayload struct {
	Account   string   `json:"account"`
	From      string   `json:"from"`
	Subject   string   `json:"subject"`
	Priority  string   `json:"priority"`
	Labels    []string `json:"labels,omitempty"`
	Rule      string   `json:"rule,omitempty"`
	Timestamp string   `json:"timestamp"`
}

// webhookClient posts alerts to an HTTP endpoint, fire-and-forget.
type webhookClient struct {
	client *http.Client
	logger *zap.Logger
}

func newWebhookClient(timeout time.Duration, logger *zap.Logger) *webhookClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &webhookClient{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// send dispatches the alert asynchronously. Non-2xx responses and
// transport failures are logged at low severity and never raised.
func (w *webhookClient) send(url string, p core.AlertPayload) {
	body, err := json.Marshal(webhookPayload{
		Account:   p.Account,
		From:      p.From,
		Subject:   p.Subject,
		Priority:  string(p.Priority),
		Labels:    p.Labels,
		Rule:      p.RuleName,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		w.logger.Debug("Failed to encode webhook payload", zap.Error(err))
		return
	}

	go func() {
		resp, err := w.client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			w.logger.Debug("Webhook dispatch failed", zap.Error(err))
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			w.logger.Debug("Webhook returned non-2xx status",
				zap.Int("status", resp.StatusCode))
		}
	}()
}
