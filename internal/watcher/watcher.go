package watcher

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mikey/mailwatch/internal/bus"
	"github.com/mikey/mailwatch/internal/config"
	"github.com/mikey/mailwatch/internal/core"
	"go.uber.org/zap"
)

// targetKey identifies one watched (account, folder) pair.
type targetKey struct {
	Account string
	Folder  string
}

// target holds the mutable state of one watched pair. It is owned by its
// run loop; other goroutines only read it under the mutex (Status) or
// borrow the connection for mutations (Conn).
type target struct {
	account core.Account
	folder  string

	mu       sync.Mutex
	phase    Phase
	conn     core.MailConnection
	lastSeen uint32
	backoff  time.Duration
	retries  int
}

func (t *target) setPhase(p Phase) {
	t.mu.Lock()
	t.phase = p
	t.mu.Unlock()
}

// advanceLastSeen moves the high-water mark forward, never backward.
func (t *target) advanceLastSeen(id uint32) {
	t.mu.Lock()
	if id > t.lastSeen {
		t.lastSeen = id
	}
	t.mu.Unlock()
}

// Watcher runs one independent connection loop per configured
// (account, folder) pair and publishes arrivals to the event bus.
type Watcher struct {
	store    core.MailStore
	bus      *bus.Bus
	logger   *zap.Logger
	cfg      config.WatcherConfig
	accounts []core.Account

	mu      sync.Mutex
	targets map[targetKey]*target
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a watcher for the given accounts. Nothing connects until
// Start is called.
func New(
	store core.MailStore,
	eventBus *bus.Bus,
	logger *zap.Logger,
	cfg config.WatcherConfig,
	accounts []core.Account,
) *Watcher {
	return &Watcher{
		store:    store,
		bus:      eventBus,
		logger:   logger,
		cfg:      cfg,
		accounts: accounts,
		targets:  make(map[targetKey]*target),
	}
}

// Start launches a run loop for every configured (account, folder) pair.
// A pair that fails to connect keeps retrying on its own backoff without
// blocking the others. Start itself never fails.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	for _, account := range w.accounts {
		for _, folder := range account.Folders {
			key := targetKey{Account: account.Name, Folder: folder}
			t := &target{
				account: account,
				folder:  folder,
				phase:   PhaseConnecting,
				backoff: w.cfg.BackoffInitial,
			}
			w.targets[key] = t

			w.wg.Add(1)
			go func(t *target) {
				defer w.wg.Done()
				w.runTarget(runCtx, t)
			}(t)
		}
	}

	w.logger.Info("Watcher started", zap.Int("targets", len(w.targets)))
}

// Stop terminates all target loops, closes their connections best-effort,
// and clears the target table. Safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.wg.Wait()

	w.mu.Lock()
	w.targets = make(map[targetKey]*target)
	w.mu.Unlock()

	w.logger.Info("Watcher stopped")
}

// Status returns a snapshot of every configured target, sorted by account
// then folder. Read-only, no side effects.
func (w *Watcher) Status() []core.TargetStatus {
	w.mu.Lock()
	targets := make([]*target, 0, len(w.targets))
	for _, t := range w.targets {
		targets = append(targets, t)
	}
	w.mu.Unlock()

	statuses := make([]core.TargetStatus, 0, len(targets))
	for _, t := range targets {
		t.mu.Lock()
		statuses = append(statuses, core.TargetStatus{
			Account:   t.account.Name,
			Folder:    t.folder,
			Connected: t.phase == PhaseIdleSubscribed || t.phase == PhaseNotifying,
			LastSeen:  t.lastSeen,
		})
		t.mu.Unlock()
	}
	sort.Slice(statuses, func(i, j int) bool {
		if statuses[i].Account != statuses[j].Account {
			return statuses[i].Account < statuses[j].Account
		}
		return statuses[i].Folder < statuses[j].Folder
	})
	return statuses
}

// Conn returns the live connection for a target so the triage engine can
// apply label/flag mutations. The second return is false while the target
// is disconnected.
func (w *Watcher) Conn(account, folder string) (core.MailConnection, bool) {
	w.mu.Lock()
	t, ok := w.targets[targetKey{Account: account, Folder: folder}]
	w.mu.Unlock()
	if !ok {
		return nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil || (t.phase != PhaseIdleSubscribed && t.phase != PhaseNotifying) {
		return nil, false
	}
	return t.conn, true
}

// runTarget is the per-target loop: connect, consume push signals, and
// reconnect with backoff until the context is cancelled.
func (w *Watcher) runTarget(ctx context.Context, t *target) {
	log := w.logger.With(
		zap.String("account", t.account.Name),
		zap.String("folder", t.folder))

	for {
		if ctx.Err() != nil {
			w.teardown(t)
			return
		}

		t.setPhase(PhaseConnecting)
		signals, err := w.connect(ctx, t)
		if err != nil {
			t.setPhase(Next(PhaseConnecting, EventConnectFailed))
			if !w.waitBackoff(ctx, t, log, err) {
				w.teardown(t)
				return
			}
			continue
		}

		t.mu.Lock()
		t.phase = Next(PhaseConnecting, EventConnected)
		t.backoff = w.cfg.BackoffInitial
		t.retries = 0
		lastSeen := t.lastSeen
		t.mu.Unlock()
		log.Info("Connected and subscribed", zap.Uint32("last_seen", lastSeen))

		if !w.consumeSignals(ctx, t, signals, log) {
			w.teardown(t)
			return
		}
		// Connection lost: release it and loop back around to reconnect.
		t.mu.Lock()
		conn := t.conn
		t.conn = nil
		t.phase = PhaseReconnecting
		t.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		if !w.waitBackoff(ctx, t, log, nil) {
			w.teardown(t)
			return
		}
	}
}

// connect opens the connection, authenticates, selects the folder, derives
// the lastSeen baseline from the store's next id, and subscribes for push
// signals.
func (w *Watcher) connect(ctx context.Context, t *target) (<-chan core.StoreSignal, error) {
	conn, err := w.store.Connect(ctx, t.account)
	if err != nil {
		return nil, err
	}

	nextID, err := conn.Select(ctx, t.folder)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	signals, err := conn.Subscribe(ctx)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	t.mu.Lock()
	t.conn = conn
	// Re-derive the baseline from the store's current next id. Messages
	// that arrived while disconnected and were already announced stay
	// behind the old mark; genuinely new ones are past it either way.
	if nextID > 0 && nextID-1 > t.lastSeen {
		t.lastSeen = nextID - 1
	}
	t.mu.Unlock()

	return signals, nil
}

// consumeSignals processes push signals until the connection closes or the
// context is cancelled. Returns false when the watcher is shutting down.
func (w *Watcher) consumeSignals(ctx context.Context, t *target, signals <-chan core.StoreSignal, log *zap.Logger) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case sig, ok := <-signals:
			if !ok || sig.Kind == core.SignalClosed {
				log.Warn("Connection closed by store")
				return true
			}
			switch sig.Kind {
			case core.SignalExists:
				t.setPhase(Next(PhaseIdleSubscribed, EventNewItems))
				w.fetchNew(ctx, t, log)
				t.setPhase(Next(PhaseNotifying, EventFetchDone))
			case core.SignalExpunge:
				w.bus.EmitExpunged(core.MessagesExpungedEvent{
					Account: t.account.Name,
					Folder:  t.folder,
				})
			}
		}
	}
}

// fetchNew fetches all messages above the lastSeen mark and publishes one
// arrival event for the batch. Fetch failures are logged and swallowed:
// lastSeen is untouched so the same range is retried on the next signal.
func (w *Watcher) fetchNew(ctx context.Context, t *target, log *zap.Logger) {
	t.mu.Lock()
	conn := t.conn
	since := t.lastSeen
	t.mu.Unlock()
	if conn == nil {
		return
	}

	summaries, err := conn.FetchSince(ctx, since)
	if err != nil {
		log.Error("Failed to fetch new messages",
			zap.Uint32("since", since),
			zap.Error(err))
		return
	}
	if len(summaries) == 0 {
		return
	}

	for _, s := range summaries {
		t.advanceLastSeen(s.ID)
	}

	log.Info("New messages", zap.Int("count", len(summaries)))
	w.bus.EmitArrived(core.EmailArrivedEvent{
		Account:  t.account.Name,
		Folder:   t.folder,
		Messages: summaries,
	})
}

// waitBackoff sleeps for the target's current backoff, doubling it for the
// next failure. Returns false when the context was cancelled, or when the
// target has exhausted its configured retries.
func (w *Watcher) waitBackoff(ctx context.Context, t *target, log *zap.Logger, cause error) bool {
	t.mu.Lock()
	delay := t.backoff
	t.backoff = NextBackoff(t.backoff, w.cfg.BackoffInitial, w.cfg.BackoffMax)
	t.retries++
	retries := t.retries
	t.mu.Unlock()

	if w.cfg.MaxRetries > 0 && retries > w.cfg.MaxRetries {
		log.Error("Retries exhausted, parking target",
			zap.Int("retries", retries-1),
			zap.Error(cause))
		return false
	}

	log.Warn("Reconnecting after delay",
		zap.Duration("delay", delay),
		zap.Int("attempt", retries),
		zap.Error(cause))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// teardown marks the target stopped and releases its connection
// best-effort.
func (w *Watcher) teardown(t *target) {
	t.mu.Lock()
	t.phase = PhaseStopped
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}
