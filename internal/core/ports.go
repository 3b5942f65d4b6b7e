package core

import (
	"context"
)

// ChatMessage is one role-tagged message in an LLM completion request.
type ChatMessage struct {
	Role    string
	Content string
}

// LLMClient defines the interface for the external classification call.
// Implementations return the raw text content of the model's response;
// parsing and sanitization happen in the triage engine.
type LLMClient interface {
	Complete(ctx context.Context, messages []ChatMessage, maxTokens int) (string, error)
}

// SignalKind distinguishes the push events a watched folder can emit.
type SignalKind int

const (
	// SignalExists means the folder's message count increased.
	SignalExists SignalKind = iota
	// SignalExpunge means messages were removed from the folder.
	SignalExpunge
	// SignalClosed means the connection was lost; no further signals follow.
	SignalClosed
)

// StoreSignal is one push event from a subscribed folder.
type StoreSignal struct {
	Kind SignalKind
}

// MailStore opens authenticated connections to a mailbox endpoint.
type MailStore interface {
	Connect(ctx context.Context, account Account) (MailConnection, error)
}

// MailConnection is a live connection holding at most one selected folder.
type MailConnection interface {
	// Select acquires the folder and returns the store's next sequence id.
	Select(ctx context.Context, folder string) (nextID uint32, err error)

	// Subscribe registers for push notifications on the selected folder.
	// The returned channel is closed after a SignalClosed is delivered.
	Subscribe(ctx context.Context) (<-chan StoreSignal, error)

	// FetchSince returns summaries for all messages with id > sinceID.
	FetchSince(ctx context.Context, sinceID uint32) ([]MessageSummary, error)

	// AddLabel adds a non-system label (keyword) to a message.
	AddLabel(ctx context.Context, id uint32, label string) error

	// SetFlag sets or clears the flagged marker on a message.
	SetFlag(ctx context.Context, id uint32, flagged bool) error

	Close() error
}

// CacheRepository caches per-sender triage outcomes so repeat senders can
// bypass the LLM call inside the cache TTL.
type CacheRepository interface {
	// Get retrieves a cached entry for a sender
	Get(ctx context.Context, sender string) (*CacheEntry, error)

	// Set stores a cache entry
	Set(ctx context.Context, entry *CacheEntry) error

	// Delete removes a cache entry
	Delete(ctx context.Context, sender string) error

	// Cleanup removes expired entries
	Cleanup(ctx context.Context) error
}

// ResourceNotifier pushes resource-update notifications to the surrounding
// tool layer. Implementations are external; delivery is best-effort.
type ResourceNotifier interface {
	ResourceUpdated(ctx context.Context, uri string) error
}
