package triage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mikey/mailwatch/internal/bus"
	"github.com/mikey/mailwatch/internal/config"
	"github.com/mikey/mailwatch/internal/core"
	"github.com/mikey/mailwatch/internal/whitelist"
	"go.uber.org/zap"
)

// fakeLLM scripts one response for every Complete call and can block until
// released to model slow classification calls.
type fakeLLM struct {
	mu       sync.Mutex
	response string
	err      error
	prompts  []string
	gate     chan struct{}
}

func (f *fakeLLM) Complete(_ context.Context, messages []core.ChatMessage, _ int) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, messages[len(messages)-1].Content)
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return f.response, f.err
}

func (f *fakeLLM) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

// fakeMutConn records label/flag mutations.
type fakeMutConn struct {
	mu     sync.Mutex
	labels map[uint32][]string
	flags  map[uint32]bool
	err    error
}

func newFakeMutConn() *fakeMutConn {
	return &fakeMutConn{labels: make(map[uint32][]string), flags: make(map[uint32]bool)}
}

func (c *fakeMutConn) Select(context.Context, string) (uint32, error) { return 0, nil }
func (c *fakeMutConn) Subscribe(context.Context) (<-chan core.StoreSignal, error) {
	return nil, nil
}
func (c *fakeMutConn) FetchSince(context.Context, uint32) ([]core.MessageSummary, error) {
	return nil, nil
}
func (c *fakeMutConn) Close() error { return nil }

func (c *fakeMutConn) AddLabel(_ context.Context, id uint32, label string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.labels[id] = append(c.labels[id], label)
	return nil
}

func (c *fakeMutConn) SetFlag(_ context.Context, id uint32, flagged bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.flags[id] = flagged
	return nil
}

// fakeConns serves the same connection for every target.
type fakeConns struct {
	conn *fakeMutConn
}

func (f *fakeConns) Conn(_, _ string) (core.MailConnection, bool) {
	if f.conn == nil {
		return nil, false
	}
	return f.conn, true
}

// fakeAlerter records dispatched payloads.
type fakeAlerter struct {
	mu       sync.Mutex
	payloads []core.AlertPayload
}

func (f *fakeAlerter) Alert(p core.AlertPayload, _ bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, p)
}

func (f *fakeAlerter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

// memCache is a minimal in-test cache.
type memCache struct {
	mu      sync.Mutex
	entries map[string]*core.CacheEntry
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]*core.CacheEntry)}
}

func (m *memCache) Get(_ context.Context, sender string) (*core.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sender]
	if !ok {
		return nil, errors.New("not found")
	}
	return e, nil
}

func (m *memCache) Set(_ context.Context, e *core.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.Sender] = e
	return nil
}

func (m *memCache) Delete(_ context.Context, sender string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, sender)
	return nil
}

func (m *memCache) Cleanup(context.Context) error { return nil }

func triageConfig(mode config.TriageMode) config.TriageConfig {
	return config.TriageConfig{
		Mode:        mode,
		BatchWindow: 50 * time.Millisecond,
		MaxAICalls:  10,
		AICallReset: time.Minute,
		AutoLabel:   true,
		AutoFlag:    true,
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func msg(id uint32, from, subject string) core.MessageSummary {
	return core.MessageSummary{
		ID:      id,
		Subject: subject,
		From:    core.Address{Address: from},
		Date:    time.Now(),
	}
}

func emit(b *bus.Bus, msgs ...core.MessageSummary) {
	b.EmitArrived(core.EmailArrivedEvent{Account: "work", Folder: "INBOX", Messages: msgs})
}

// TestEngine_DebouncedBatchFlushesOnce verifies three quick arrivals
// produce a single flush (and a single LLM call) containing all three.
func TestEngine_DebouncedBatchFlushesOnce(t *testing.T) {
	b := bus.New(zap.NewNop())
	llm := &fakeLLM{response: `[]`}
	alerts := &fakeAlerter{}
	e := New(b, triageConfig(config.TriageAI), llm, &fakeConns{conn: newFakeMutConn()}, alerts, nil, nil, nil, zap.NewNop())
	e.Start(core.Capabilities{Sampling: true})
	defer e.Stop()

	emit(b, msg(1, "a@x.org", "one"))
	emit(b, msg(2, "b@x.org", "two"))
	emit(b, msg(3, "c@x.org", "three"))

	waitFor(t, func() bool { return alerts.count() == 3 }, "alerts never dispatched")

	if llm.calls() != 1 {
		t.Fatalf("LLM calls = %d, want 1", llm.calls())
	}
	llm.mu.Lock()
	prompt := llm.prompts[0]
	llm.mu.Unlock()
	for _, want := range []string{"1. From: a@x.org", "2. From: b@x.org", "3. From: c@x.org"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

// TestEngine_RateLimitFallsBackToPlainNotification covers the exhausted
// rate limit: plain notifications, zero mutations, zero LLM calls.
func TestEngine_RateLimitFallsBackToPlainNotification(t *testing.T) {
	b := bus.New(zap.NewNop())
	llm := &fakeLLM{response: `[{"priority":"urgent","flag":true}]`}
	conn := newFakeMutConn()
	alerts := &fakeAlerter{}
	cfg := triageConfig(config.TriageAI)
	cfg.MaxAICalls = 0
	e := New(b, cfg, llm, &fakeConns{conn: conn}, alerts, nil, nil, nil, zap.NewNop())
	e.Start(core.Capabilities{Sampling: true})
	defer e.Stop()

	emit(b, msg(1, "a@x.org", "s1"), msg(2, "b@x.org", "s2"), msg(3, "c@x.org", "s3"), msg(4, "d@x.org", "s4"))

	waitFor(t, func() bool { return alerts.count() == 4 }, "plain notifications never dispatched")

	if llm.calls() != 0 {
		t.Errorf("LLM calls = %d, want 0", llm.calls())
	}
	conn.mu.Lock()
	if len(conn.labels) != 0 || len(conn.flags) != 0 {
		t.Errorf("mutations happened: labels=%v flags=%v", conn.labels, conn.flags)
	}
	conn.mu.Unlock()
	alerts.mu.Lock()
	for _, p := range alerts.payloads {
		if p.Priority != core.PriorityNormal {
			t.Errorf("fallback alert priority = %q, want normal", p.Priority)
		}
	}
	alerts.mu.Unlock()
}

// TestEngine_UrgentResultFlagsAndAlerts covers a classified urgent message
// with a requested flag.
func TestEngine_UrgentResultFlagsAndAlerts(t *testing.T) {
	b := bus.New(zap.NewNop())
	llm := &fakeLLM{response: `[{"priority":"urgent","flag":true}]`}
	conn := newFakeMutConn()
	alerts := &fakeAlerter{}
	e := New(b, triageConfig(config.TriageAI), llm, &fakeConns{conn: conn}, alerts, nil, nil, nil, zap.NewNop())
	e.Start(core.Capabilities{Sampling: true})
	defer e.Stop()

	emit(b, msg(7, "boss@x.org", "deadline"))

	waitFor(t, func() bool { return alerts.count() == 1 }, "alert never dispatched")

	conn.mu.Lock()
	if !conn.flags[7] {
		t.Error("message 7 was not flagged")
	}
	conn.mu.Unlock()

	alerts.mu.Lock()
	p := alerts.payloads[0]
	alerts.mu.Unlock()
	if p.Priority != core.PriorityUrgent {
		t.Errorf("alert priority = %q, want urgent", p.Priority)
	}
	if p.Subject != "deadline" {
		t.Errorf("alert subject = %q, want deadline", p.Subject)
	}
}

// TestEngine_AppliesLabels verifies auto-labeling through the live
// connection.
func TestEngine_AppliesLabels(t *testing.T) {
	b := bus.New(zap.NewNop())
	llm := &fakeLLM{response: `[{"priority":"high","labels":["billing","todo"]}]`}
	conn := newFakeMutConn()
	e := New(b, triageConfig(config.TriageAI), llm, &fakeConns{conn: conn}, &fakeAlerter{}, nil, nil, nil, zap.NewNop())
	e.Start(core.Capabilities{Sampling: true})
	defer e.Stop()

	emit(b, msg(9, "acct@x.org", "invoice"))

	waitFor(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.labels[9]) == 2
	}, "labels never applied")

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.labels[9][0] != "billing" || conn.labels[9][1] != "todo" {
		t.Errorf("labels = %v, want [billing todo]", conn.labels[9])
	}
}

// TestEngine_LLMFailureFallsBack verifies transport errors degrade to
// plain notification without surfacing.
func TestEngine_LLMFailureFallsBack(t *testing.T) {
	b := bus.New(zap.NewNop())
	llm := &fakeLLM{err: errors.New("model unavailable")}
	conn := newFakeMutConn()
	alerts := &fakeAlerter{}
	e := New(b, triageConfig(config.TriageAI), llm, &fakeConns{conn: conn}, alerts, nil, nil, nil, zap.NewNop())
	e.Start(core.Capabilities{Sampling: true})
	defer e.Stop()

	emit(b, msg(1, "a@x.org", "s"), msg(2, "b@x.org", "t"))

	waitFor(t, func() bool { return alerts.count() == 2 }, "fallback alerts never dispatched")

	conn.mu.Lock()
	if len(conn.flags) != 0 || len(conn.labels) != 0 {
		t.Error("mutations applied despite LLM failure")
	}
	conn.mu.Unlock()
}

// TestEngine_NoSamplingCapabilityMeansPlainNotify verifies negotiated
// capability gates the AI path even in triage mode.
func TestEngine_NoSamplingCapabilityMeansPlainNotify(t *testing.T) {
	b := bus.New(zap.NewNop())
	llm := &fakeLLM{response: `[{"priority":"urgent"}]`}
	alerts := &fakeAlerter{}
	e := New(b, triageConfig(config.TriageAI), llm, &fakeConns{}, alerts, nil, nil, nil, zap.NewNop())
	e.Start(core.Capabilities{Sampling: false})
	defer e.Stop()

	emit(b, msg(1, "a@x.org", "s"))

	waitFor(t, func() bool { return alerts.count() == 1 }, "plain alert never dispatched")
	if llm.calls() != 0 {
		t.Errorf("LLM called without sampling capability")
	}
}

// TestEngine_DisabledModeSubscribesNothing verifies mode "disabled" makes
// no subscription at all.
func TestEngine_DisabledModeSubscribesNothing(t *testing.T) {
	b := bus.New(zap.NewNop())
	alerts := &fakeAlerter{}
	e := New(b, triageConfig(config.TriageDisabled), nil, &fakeConns{}, alerts, nil, nil, nil, zap.NewNop())
	e.Start(core.Capabilities{Sampling: true})
	defer e.Stop()

	emit(b, msg(1, "a@x.org", "s"))
	time.Sleep(120 * time.Millisecond)

	if alerts.count() != 0 {
		t.Errorf("disabled engine dispatched %d alerts", alerts.count())
	}
}

// TestEngine_ArrivalDuringFlushLandsInNextBatch verifies the atomic batch
// swap: a message arriving while the LLM call is in flight is neither lost
// nor double-counted; it flushes with the next batch.
func TestEngine_ArrivalDuringFlushLandsInNextBatch(t *testing.T) {
	b := bus.New(zap.NewNop())
	gate := make(chan struct{})
	llm := &fakeLLM{response: `[]`, gate: gate}
	alerts := &fakeAlerter{}
	e := New(b, triageConfig(config.TriageAI), llm, &fakeConns{conn: newFakeMutConn()}, alerts, nil, nil, nil, zap.NewNop())
	e.Start(core.Capabilities{Sampling: true})
	defer e.Stop()

	emit(b, msg(1, "a@x.org", "first"))
	waitFor(t, func() bool { return llm.calls() == 1 }, "first flush never reached the LLM")

	// The first call is blocked on the gate. This arrival must start a
	// fresh batch.
	emit(b, msg(2, "b@x.org", "second"))
	close(gate)

	waitFor(t, func() bool { return llm.calls() == 2 }, "second flush never happened")

	llm.mu.Lock()
	first, second := llm.prompts[0], llm.prompts[1]
	llm.mu.Unlock()
	if !strings.Contains(first, "first") || strings.Contains(first, "second") {
		t.Errorf("first prompt wrong:\n%s", first)
	}
	if !strings.Contains(second, "second") || strings.Contains(second, "first") {
		t.Errorf("second prompt wrong:\n%s", second)
	}
}

// TestEngine_StopDiscardsPendingWork verifies post-stop arrivals schedule
// nothing and a pending flush is cancelled.
func TestEngine_StopDiscardsPendingWork(t *testing.T) {
	b := bus.New(zap.NewNop())
	llm := &fakeLLM{response: `[]`}
	alerts := &fakeAlerter{}
	e := New(b, triageConfig(config.TriageAI), llm, &fakeConns{}, alerts, nil, nil, nil, zap.NewNop())
	e.Start(core.Capabilities{Sampling: true})

	emit(b, msg(1, "a@x.org", "s"))
	e.Stop()

	// Race during shutdown: handler may still be registered elsewhere.
	e.onArrived(core.EmailArrivedEvent{Account: "work", Folder: "INBOX",
		Messages: []core.MessageSummary{msg(2, "b@x.org", "t")}})

	time.Sleep(120 * time.Millisecond)
	if alerts.count() != 0 {
		t.Errorf("stopped engine dispatched %d alerts", alerts.count())
	}
	if llm.calls() != 0 {
		t.Errorf("stopped engine made %d LLM calls", llm.calls())
	}
	e.Stop() // idempotent
}

// TestEngine_TrustedDomainBypassesLLM verifies trusted senders are peeled
// off before the classification call.
func TestEngine_TrustedDomainBypassesLLM(t *testing.T) {
	b := bus.New(zap.NewNop())
	llm := &fakeLLM{response: `[]`}
	alerts := &fakeAlerter{}
	trusted := whitelist.NewChecker([]string{"corp.example"}, zap.NewNop())
	e := New(b, triageConfig(config.TriageAI), llm, &fakeConns{}, alerts, nil, nil, trusted, zap.NewNop())
	e.Start(core.Capabilities{Sampling: true})
	defer e.Stop()

	emit(b, msg(1, "ceo@corp.example", "hello"))

	waitFor(t, func() bool { return alerts.count() == 1 }, "trusted alert never dispatched")
	if llm.calls() != 0 {
		t.Errorf("LLM called for trusted sender")
	}
	alerts.mu.Lock()
	defer alerts.mu.Unlock()
	if alerts.payloads[0].RuleName != "trusted-domain" {
		t.Errorf("rule = %q, want trusted-domain", alerts.payloads[0].RuleName)
	}
}

// TestEngine_SenderCacheSkipsLLM verifies a cached sender classification
// is applied without spending an LLM call.
func TestEngine_SenderCacheSkipsLLM(t *testing.T) {
	b := bus.New(zap.NewNop())
	llm := &fakeLLM{response: `[]`}
	alerts := &fakeAlerter{}
	cache := newMemCache()
	_ = cache.Set(context.Background(), &core.CacheEntry{
		Sender:    "known@x.org",
		Priority:  core.PriorityHigh,
		LastSeen:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	})
	cfg := triageConfig(config.TriageAI)
	cfg.CacheSenders = true
	e := New(b, cfg, llm, &fakeConns{}, alerts, nil, cache, nil, zap.NewNop())
	e.Start(core.Capabilities{Sampling: true})
	defer e.Stop()

	emit(b, msg(1, "known@x.org", "again"))

	waitFor(t, func() bool { return alerts.count() == 1 }, "cached alert never dispatched")
	if llm.calls() != 0 {
		t.Errorf("LLM called for cached sender")
	}
	alerts.mu.Lock()
	defer alerts.mu.Unlock()
	if alerts.payloads[0].Priority != core.PriorityHigh {
		t.Errorf("cached priority = %q, want high", alerts.payloads[0].Priority)
	}
	if alerts.payloads[0].RuleName != "sender-cache" {
		t.Errorf("rule = %q, want sender-cache", alerts.payloads[0].RuleName)
	}
}

// fakeResources records resource-update URIs.
type fakeResources struct {
	mu   sync.Mutex
	uris []string
	err  error
}

func (f *fakeResources) ResourceUpdated(_ context.Context, uri string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uris = append(f.uris, uri)
	return f.err
}

// TestEngine_ResourceNotificationsPerAccount verifies the two URIs are
// pushed once per distinct account, and that failures are swallowed.
func TestEngine_ResourceNotificationsPerAccount(t *testing.T) {
	b := bus.New(zap.NewNop())
	alerts := &fakeAlerter{}
	res := &fakeResources{err: errors.New("transport down")}
	e := New(b, triageConfig(config.TriageNotify), nil, &fakeConns{}, alerts, res, nil, nil, zap.NewNop())
	e.Start(core.Capabilities{})
	defer e.Stop()

	b.EmitArrived(core.EmailArrivedEvent{Account: "work", Folder: "INBOX",
		Messages: []core.MessageSummary{msg(1, "a@x.org", "s")}})
	b.EmitArrived(core.EmailArrivedEvent{Account: "work", Folder: "Archive",
		Messages: []core.MessageSummary{msg(2, "b@x.org", "t")}})

	waitFor(t, func() bool { return alerts.count() == 2 }, "alerts never dispatched despite notifier errors")

	res.mu.Lock()
	defer res.mu.Unlock()
	if len(res.uris) != 2 {
		t.Fatalf("resource notifications = %v, want exactly two for one account", res.uris)
	}
	if res.uris[0] != "mail://work/unread" || res.uris[1] != "mail://work/mailboxes" {
		t.Errorf("uris = %v", res.uris)
	}
}

// A config with "ai_call_reset: 0s" must not crash the engine; the reset
// loop falls back to a sane window.
func TestEngine_ZeroCallResetWindow(t *testing.T) {
	b := bus.New(zap.NewNop())
	cfg := triageConfig(config.TriageAI)
	cfg.AICallReset = 0

	e := New(b, cfg, &fakeLLM{response: "[]"}, &fakeConns{}, &fakeAlerter{}, nil, nil, nil, zap.NewNop())
	e.Start(core.Capabilities{Sampling: true})
	e.Stop()
}
