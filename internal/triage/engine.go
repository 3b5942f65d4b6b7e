package triage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mikey/mailwatch/internal/bus"
	"github.com/mikey/mailwatch/internal/config"
	"github.com/mikey/mailwatch/internal/core"
	"github.com/mikey/mailwatch/internal/whitelist"
	"go.uber.org/zap"
)

// llmCallTimeout bounds one classification call.
const llmCallTimeout = 60 * time.Second

// ConnProvider hands out the live connection for a watched target so the
// engine can apply label/flag mutations. The watcher implements it.
type ConnProvider interface {
	Conn(account, folder string) (core.MailConnection, bool)
}

// Alerter receives classified alerts. The notifier implements it.
type Alerter interface {
	Alert(payload core.AlertPayload, forceDesktop bool)
}

// batchItem is one arrived message tagged with its origin.
type batchItem struct {
	account string
	folder  string
	msg     core.MessageSummary
}

// Engine subscribes to new-message events, coalesces bursts into
// time-windowed batches, and either classifies them through the LLM or
// falls back to plain notification. Every failure path degrades; nothing
// escapes to the caller.
type Engine struct {
	bus       *bus.Bus
	cfg       config.TriageConfig
	llm       core.LLMClient
	conns     ConnProvider
	notifier  Alerter
	resources core.ResourceNotifier
	cache     core.CacheRepository
	trusted   *whitelist.Checker
	logger    *zap.Logger

	mu         sync.Mutex
	started    bool
	stopped    bool
	sampling   bool
	pending    []batchItem
	flushTimer *time.Timer
	aiCalls    int
	resetStop  chan struct{}
}

// New creates a triage engine. llm, resources, and cache may be nil; the
// engine degrades to plain notification without them.
func New(
	eventBus *bus.Bus,
	cfg config.TriageConfig,
	llm core.LLMClient,
	conns ConnProvider,
	notifier Alerter,
	resources core.ResourceNotifier,
	cache core.CacheRepository,
	trusted *whitelist.Checker,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		bus:       eventBus,
		cfg:       cfg,
		llm:       llm,
		conns:     conns,
		notifier:  notifier,
		resources: resources,
		cache:     cache,
		trusted:   trusted,
		logger:    logger,
	}
}

// Config returns the engine configuration for introspection tools.
func (e *Engine) Config() config.TriageConfig {
	return e.cfg
}

// Notifier returns the alert sink for introspection tools.
func (e *Engine) Notifier() Alerter {
	return e.notifier
}

// Start records the negotiated capabilities and subscribes to arrival
// events. With mode "disabled" no subscription is made. Never fails.
func (e *Engine) Start(caps core.Capabilities) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.sampling = caps.Sampling

	if e.cfg.Mode == config.TriageDisabled {
		e.logger.Info("Triage disabled, not subscribing to mail events")
		return
	}

	e.started = true
	e.stopped = false
	e.aiCalls = 0
	e.resetStop = make(chan struct{})
	go e.resetLoop(e.resetStop)

	e.bus.SubscribeArrived(e.onArrived)

	e.logger.Info("Triage engine started",
		zap.String("mode", string(e.cfg.Mode)),
		zap.Bool("sampling", e.sampling),
		zap.Duration("batch_window", e.cfg.BatchWindow))
}

// Stop cancels the pending flush, discards the batch, stops the rate-limit
// reset loop, and unsubscribes. Idempotent; arrivals racing with shutdown
// schedule no new work.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	e.stopped = true
	if e.flushTimer != nil {
		e.flushTimer.Stop()
		e.flushTimer = nil
	}
	e.pending = nil
	resetStop := e.resetStop
	e.resetStop = nil
	e.mu.Unlock()

	if resetStop != nil {
		close(resetStop)
	}
	e.bus.RemoveAllSubscribers()

	e.logger.Info("Triage engine stopped")
}

// resetLoop clears the AI-call counter at the start of every rate window.
func (e *Engine) resetLoop(stop chan struct{}) {
	// A zero or negative window would make NewTicker panic.
	interval := e.cfg.AICallReset
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.mu.Lock()
			e.aiCalls = 0
			e.mu.Unlock()
		case <-stop:
			return
		}
	}
}

// onArrived appends messages to the pending batch and schedules a flush
// after the batch window if none is pending. A second arrival inside the
// window does not postpone the flush, so sustained load cannot delay it
// indefinitely.
func (e *Engine) onArrived(ev core.EmailArrivedEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped || !e.started {
		return
	}
	for _, m := range ev.Messages {
		e.pending = append(e.pending, batchItem{
			account: ev.Account,
			folder:  ev.Folder,
			msg:     m,
		})
	}
	if e.flushTimer == nil {
		e.flushTimer = time.AfterFunc(e.cfg.BatchWindow, e.flush)
	}
}

// flush swaps out the pending batch before any asynchronous work begins;
// messages arriving during the LLM call land in a fresh batch.
func (e *Engine) flush() {
	e.mu.Lock()
	batch := e.pending
	e.pending = nil
	e.flushTimer = nil
	stopped := e.stopped
	e.mu.Unlock()

	if stopped || len(batch) == 0 {
		return
	}

	e.notifyResources(batch)

	if e.cfg.Mode == config.TriageAI && e.sampling && e.llm != nil {
		e.triageBatch(batch)
		return
	}
	e.plainNotify(batch)
}

// notifyResources tells the tool layer that unread/mailbox state changed
// for every distinct account in the batch. Best-effort.
func (e *Engine) notifyResources(batch []batchItem) {
	if e.resources == nil {
		return
	}
	seen := make(map[string]bool)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, item := range batch {
		if seen[item.account] {
			continue
		}
		seen[item.account] = true
		for _, uri := range []string{
			fmt.Sprintf("mail://%s/unread", item.account),
			fmt.Sprintf("mail://%s/mailboxes", item.account),
		} {
			if err := e.resources.ResourceUpdated(ctx, uri); err != nil {
				e.logger.Debug("Resource notification failed",
					zap.String("uri", uri),
					zap.Error(err))
			}
		}
	}
}

// triageBatch runs the AI classification path for one batch. Trusted and
// cached senders are peeled off first; the remainder goes to the LLM under
// the rate limit. Any failure falls back to plain notification.
func (e *Engine) triageBatch(batch []batchItem) {
	var llmItems []batchItem
	for _, item := range batch {
		if e.trusted != nil && e.trusted.IsTrusted(item.msg.From.Address) {
			e.logger.Info("New message from trusted sender",
				zap.String("account", item.account),
				zap.String("from", item.msg.From.Address),
				zap.String("subject", item.msg.Subject))
			e.notifyItem(item, core.PriorityNormal, nil, "trusted-domain")
			continue
		}
		if entry := e.cachedSender(item.msg.From.Address); entry != nil {
			e.logger.Info("New message from recently triaged sender",
				zap.String("account", item.account),
				zap.String("from", item.msg.From.Address),
				zap.String("subject", item.msg.Subject),
				zap.String("priority", string(entry.Priority)))
			e.notifyItem(item, entry.Priority, nil, "sender-cache")
			continue
		}
		llmItems = append(llmItems, item)
	}
	if len(llmItems) == 0 {
		return
	}

	e.mu.Lock()
	exhausted := e.aiCalls >= e.cfg.MaxAICalls
	if !exhausted {
		e.aiCalls++
	}
	e.mu.Unlock()

	if exhausted {
		e.logger.Warn("AI call rate limit exhausted, falling back to plain notification",
			zap.Int("batch_size", len(llmItems)))
		e.plainNotify(llmItems)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), llmCallTimeout)
	defer cancel()

	response, err := e.llm.Complete(ctx, []core.ChatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: buildPrompt(llmItems)},
	}, 0)
	if err != nil {
		e.logger.Error("Triage call failed, falling back to plain notification",
			zap.Int("batch_size", len(llmItems)),
			zap.Error(err))
		e.plainNotify(llmItems)
		return
	}

	results := ParseTriageResponse(response, len(llmItems))
	for i, item := range llmItems {
		e.applyResult(item, results[i])
	}
}

// cachedSender looks up a prior classification for the sender. Returns nil
// when caching is off, the cache is missing, or there is no live entry.
func (e *Engine) cachedSender(sender string) *core.CacheEntry {
	if !e.cfg.CacheSenders || e.cache == nil || sender == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	entry, err := e.cache.Get(ctx, sender)
	if err != nil {
		return nil
	}
	if entry.ExpiresAt.Before(time.Now()) {
		return nil
	}
	return entry
}

// applyResult applies one sanitized classification to its message: labels
// and flag through the live connection (each isolated), then the summary
// log line and the alert. Mutation failures never block the rest.
func (e *Engine) applyResult(item batchItem, res core.TriageResult) {
	priority := res.Priority
	if priority == "" {
		priority = core.PriorityNormal
	}

	conn, connected := e.conns.Conn(item.account, item.folder)

	if e.cfg.AutoLabel && len(res.Labels) > 0 {
		for _, label := range res.Labels {
			if !connected {
				e.logger.Warn("Cannot add label, target disconnected",
					zap.String("account", item.account),
					zap.String("label", label))
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := conn.AddLabel(ctx, item.msg.ID, label); err != nil {
				e.logger.Error("Failed to add label",
					zap.String("account", item.account),
					zap.Uint32("id", item.msg.ID),
					zap.String("label", label),
					zap.Error(err))
			}
			cancel()
		}
	}

	if e.cfg.AutoFlag && res.Flag {
		if connected {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := conn.SetFlag(ctx, item.msg.ID, true); err != nil {
				e.logger.Error("Failed to set flag",
					zap.String("account", item.account),
					zap.Uint32("id", item.msg.ID),
					zap.Error(err))
			}
			cancel()
		} else {
			e.logger.Warn("Cannot set flag, target disconnected",
				zap.String("account", item.account))
		}
	}

	e.logger.Info("Triaged message",
		zap.String("account", item.account),
		zap.String("folder", item.folder),
		zap.String("from", item.msg.From.Address),
		zap.String("subject", item.msg.Subject),
		zap.String("priority", string(priority)),
		zap.Strings("labels", res.Labels),
		zap.Bool("flag", res.Flag),
		zap.String("action", res.Action))

	e.notifyItem(item, priority, res.Labels, "")

	e.rememberSender(item.msg.From.Address, priority)
}

// rememberSender records the resolved priority for the sender when sender
// caching is enabled. Failures are logged and ignored.
func (e *Engine) rememberSender(sender string, priority core.Priority) {
	if !e.cfg.CacheSenders || e.cache == nil || sender == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	now := time.Now()
	if err := e.cache.Set(ctx, &core.CacheEntry{
		Sender:   sender,
		Priority: priority,
		LastSeen: now,
		// TTL is owned by the cache adapter's cleanup; a day here mirrors
		// the default.
		ExpiresAt: now.Add(24 * time.Hour),
	}); err != nil {
		e.logger.Debug("Failed to cache sender classification", zap.Error(err))
	}
}

// plainNotify emits one summary line and one normal-priority alert per
// item, with no mutations.
func (e *Engine) plainNotify(items []batchItem) {
	for _, item := range items {
		e.logger.Info("New message",
			zap.String("account", item.account),
			zap.String("folder", item.folder),
			zap.String("from", item.msg.From.Address),
			zap.String("subject", item.msg.Subject))
		e.notifyItem(item, core.PriorityNormal, nil, "")
	}
}

// notifyItem forwards one alert payload to the dispatcher.
func (e *Engine) notifyItem(item batchItem, priority core.Priority, labels []string, rule string) {
	if e.notifier == nil {
		return
	}
	from := item.msg.From.Address
	if item.msg.From.Name != "" {
		from = item.msg.From.Name
	}
	e.notifier.Alert(core.AlertPayload{
		Account:  item.account,
		From:     from,
		Subject:  item.msg.Subject,
		Priority: priority,
		Labels:   labels,
		RuleName: rule,
	}, false)
}
