package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/mail"
	"os"
	"strings"
	"time"

	"github.com/mikey/mailwatch/internal/core"
	"github.com/mikey/mailwatch/internal/di"
	"github.com/mikey/mailwatch/internal/triage"
	"go.uber.org/zap"
)

func main() {
	flags := di.ParseFlags()

	container, err := di.BuildCLIContainer(flags)
	if err != nil {
		fmt.Printf("Failed to build dependency container: %v\n", err)
		os.Exit(1)
	}

	if err := container.Invoke(run); err != nil {
		fmt.Printf("Application error: %v\n", err)
		os.Exit(1)
	}
}

// run classifies a single email read from a file or stdin and prints the
// result.
func run(flags *di.CLIFlags, logger *zap.Logger, llmClient core.LLMClient) error {
	defer logger.Sync()

	if llmClient == nil {
		return fmt.Errorf("no LLM client available for provider %q", flags.Provider)
	}

	// Read email from file or stdin
	var emailReader io.Reader
	if flags.InputFile != "" {
		file, err := os.Open(flags.InputFile)
		if err != nil {
			logger.Fatal("Failed to open input file", zap.Error(err), zap.String("file", flags.InputFile))
		}
		defer file.Close()
		emailReader = file
		logger.Info("Reading email from file", zap.String("file", flags.InputFile))
	} else {
		emailReader = os.Stdin
		logger.Info("Reading email from stdin")
	}

	msg, err := mail.ReadMessage(bufio.NewReader(emailReader))
	if err != nil {
		logger.Fatal("Failed to parse email", zap.Error(err))
	}

	summary := summarize(msg)

	fmt.Printf("\n=== Email Summary ===\n")
	fmt.Printf("From: %s\n", formatAddress(summary.From))
	fmt.Printf("Subject: %s\n", summary.Subject)
	if !summary.Date.IsZero() {
		fmt.Printf("Date: %s\n", summary.Date.Format(time.RFC1123Z))
	}
	fmt.Printf("\n")

	startTime := time.Now()

	results, err := triage.Classify(context.Background(), llmClient, []core.MessageSummary{summary})
	if err != nil {
		logger.Fatal("Failed to classify email", zap.Error(err))
	}
	duration := time.Since(startTime)

	result := results[0]
	priority := result.Priority
	if priority == "" {
		priority = core.PriorityNormal
	}

	fmt.Printf("=== Results ===\n")
	fmt.Printf("Priority: %s\n", priority)
	if len(result.Labels) > 0 {
		fmt.Printf("Labels: %s\n", strings.Join(result.Labels, ", "))
	}
	fmt.Printf("Flag for follow-up: %t\n", result.Flag)
	if result.Action != "" {
		fmt.Printf("Suggested action: %s\n", result.Action)
	}
	fmt.Printf("Processing time: %v\n", duration)

	// Close any resources that need closing
	if closer, ok := llmClient.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Error("Failed to close LLM client", zap.Error(err))
		}
	}

	return nil
}

// summarize maps the parsed message headers onto an envelope summary.
func summarize(msg *mail.Message) core.MessageSummary {
	summary := core.MessageSummary{
		Subject: msg.Header.Get("Subject"),
	}

	if addr, err := mail.ParseAddress(msg.Header.Get("From")); err == nil {
		summary.From = core.Address{Name: addr.Name, Address: addr.Address}
	} else {
		summary.From = core.Address{Address: msg.Header.Get("From")}
	}

	for _, to := range strings.Split(msg.Header.Get("To"), ",") {
		to = strings.TrimSpace(to)
		if to == "" {
			continue
		}
		if addr, err := mail.ParseAddress(to); err == nil {
			summary.To = append(summary.To, core.Address{Name: addr.Name, Address: addr.Address})
		} else {
			summary.To = append(summary.To, core.Address{Address: to})
		}
	}

	if date, err := msg.Header.Date(); err == nil {
		summary.Date = date
	}

	return summary
}

func formatAddress(a core.Address) string {
	if a.Name != "" {
		return fmt.Sprintf("%s <%s>", a.Name, a.Address)
	}
	return a.Address
}
