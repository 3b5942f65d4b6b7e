package core

import (
	"time"
)

// Priority is the triage urgency assigned to a message or alert.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank returns the position of the priority in the total order
// low < normal < high < urgent. Unknown priorities rank below low.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityNormal:
		return 2
	case PriorityHigh:
		return 3
	case PriorityUrgent:
		return 4
	default:
		return 0
	}
}

// Meets reports whether p satisfies the given minimum threshold.
func (p Priority) Meets(threshold Priority) bool {
	return p.Rank() >= threshold.Rank()
}

// ParsePriority validates a priority string against the four known levels.
func ParsePriority(s string) (Priority, bool) {
	switch Priority(s) {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return Priority(s), true
	default:
		return "", false
	}
}

// Address is a single sender or recipient.
type Address struct {
	Name    string
	Address string
}

// MessageSummary is the envelope-level view of one message in a folder,
// identified by its store-assigned sequence id (monotonically increasing).
type MessageSummary struct {
	ID             uint32
	Subject        string
	From           Address
	To             []Address
	Date           time.Time
	Seen           bool
	Flagged        bool
	Answered       bool
	HasAttachments bool
	Labels         []string
}

// EmailArrivedEvent is published once per fetch of newly arrived messages
// for a single (account, folder) target. Immutable after publication.
type EmailArrivedEvent struct {
	Account  string
	Folder   string
	Messages []MessageSummary
}

// MessagesExpungedEvent is published when the store signals that messages
// were removed from a watched folder.
type MessagesExpungedEvent struct {
	Account string
	Folder  string
}

// TriageResult is the per-message classification returned by the LLM.
// Empty fields mean "no opinion", not "negative".
type TriageResult struct {
	Priority Priority `json:"priority,omitempty"`
	Labels   []string `json:"labels,omitempty"`
	Flag     bool     `json:"flag,omitempty"`
	Action   string   `json:"action,omitempty"`
}

// AlertPayload describes one alert handed to the notifier. Stateless,
// constructed fresh per dispatch.
type AlertPayload struct {
	Account  string
	From     string
	Subject  string
	Priority Priority
	Labels   []string
	RuleName string
}

// Capabilities records what was negotiated with the calling agent at
// startup. Sampling is true when an LLM classification call is available.
type Capabilities struct {
	Sampling bool
}

// TargetStatus is a read-only snapshot of one watched (account, folder) pair.
type TargetStatus struct {
	Account   string
	Folder    string
	Connected bool
	LastSeen  uint32
}

// AuthMethod selects how an account authenticates against its mail store.
type AuthMethod string

const (
	AuthPassword AuthMethod = "password"
	AuthBearer   AuthMethod = "bearer"
)

// Account is the connection identity for one mailbox endpoint.
type Account struct {
	Name     string
	Host     string
	Port     int
	TLS      bool
	Username string
	Password string
	Token    string
	Auth     AuthMethod
	Folders  []string
}

// CacheEntry is a cached sender classification used to skip repeat LLM
// calls for senders triaged recently.
type CacheEntry struct {
	Sender    string
	Priority  Priority
	LastSeen  time.Time
	ExpiresAt time.Time
}
