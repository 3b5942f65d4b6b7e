package notify

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/mikey/mailwatch/internal/config"
	"github.com/mikey/mailwatch/internal/core"
	"go.uber.org/zap"
)

// smtpForwarder forwards qualifying alerts as short emails through an
// SMTP submission endpoint. Best-effort and asynchronous.
type smtpForwarder struct {
	logger *zap.Logger
}

func newSMTPForwarder(logger *zap.Logger) *smtpForwarder {
	return &smtpForwarder{logger: logger}
}

// send forwards one alert. Failures are logged and never raised.
func (f *smtpForwarder) send(cfg config.SMTPForwardConfig, p core.AlertPayload) {
	if cfg.From == "" || cfg.To == "" {
		return
	}
	go func() {
		if err := f.deliver(cfg, p); err != nil {
			f.logger.Warn("Alert forward failed",
				zap.String("to", cfg.To),
				zap.Error(err))
		}
	}()
}

func (f *smtpForwarder) deliver(cfg config.SMTPForwardConfig, p core.AlertPayload) error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	conn, err := net.DialTimeout("tcp", cfg.Addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP host: %w", err)
	}
	if err := conn.SetDeadline(time.Now().Add(30 * time.Second)); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set connection deadline: %w", err)
	}

	c := smtp.NewClient(conn)
	defer c.Close()

	if err := c.Hello(hostname); err != nil {
		return fmt.Errorf("EHLO failed: %w", err)
	}
	if err := c.Mail(cfg.From, nil); err != nil {
		return fmt.Errorf("MAIL FROM failed: %w", err)
	}
	if err := c.Rcpt(cfg.To, nil); err != nil {
		return fmt.Errorf("RCPT TO failed: %w", err)
	}

	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA command failed: %w", err)
	}
	if _, err := wc.Write([]byte(buildForwardMessage(cfg, p))); err != nil {
		wc.Close()
		return fmt.Errorf("failed to send message data: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}

	if err := c.Quit(); err != nil {
		f.logger.Debug("QUIT command failed", zap.Error(err))
		// The message was already accepted.
	}
	return nil
}

// buildForwardMessage renders the alert as a minimal RFC 822 message.
func buildForwardMessage(cfg config.SMTPForwardConfig, p core.AlertPayload) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "From: %s\r\n", cfg.From)
	fmt.Fprintf(&sb, "To: %s\r\n", cfg.To)
	fmt.Fprintf(&sb, "Subject: [mailwatch %s] %s\r\n", p.Priority, p.Subject)
	fmt.Fprintf(&sb, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	sb.WriteString("\r\n")
	fmt.Fprintf(&sb, "Account: %s\r\n", p.Account)
	fmt.Fprintf(&sb, "From: %s\r\n", p.From)
	fmt.Fprintf(&sb, "Priority: %s\r\n", p.Priority)
	if len(p.Labels) > 0 {
		fmt.Fprintf(&sb, "Labels: %s\r\n", strings.Join(p.Labels, ", "))
	}
	if p.RuleName != "" {
		fmt.Fprintf(&sb, "Rule: %s\r\n", p.RuleName)
	}
	return sb.String()
}
