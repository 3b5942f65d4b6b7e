package watcher

import (
	"time"
)

// Phase is the tagged connection state of one watched target.
type Phase int

const (
	PhaseConnecting Phase = iota
	PhaseIdleSubscribed
	PhaseNotifying
	PhaseReconnecting
	PhaseStopped
)

// String returns the phase name for logs and status output.
func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseIdleSubscribed:
		return "idle-subscribed"
	case PhaseNotifying:
		return "notifying"
	case PhaseReconnecting:
		return "reconnecting"
	case PhaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Event is an input to the per-target state machine.
type Event int

const (
	EventConnected Event = iota
	EventConnectFailed
	EventNewItems
	EventFetchDone
	EventClosed
	EventStop
)

// Next is the total transition function for a target. Inputs that make no
// sense in the current phase leave it unchanged, except EventStop which is
// terminal from everywhere.
func Next(p Phase, e Event) Phase {
	if e == EventStop {
		return PhaseStopped
	}
	if p == PhaseStopped {
		return PhaseStopped
	}

	switch p {
	case PhaseConnecting:
		switch e {
		case EventConnected:
			return PhaseIdleSubscribed
		case EventConnectFailed, EventClosed:
			return PhaseReconnecting
		}
	case PhaseIdleSubscribed:
		switch e {
		case EventNewItems:
			return PhaseNotifying
		case EventClosed:
			return PhaseReconnecting
		}
	case PhaseNotifying:
		switch e {
		case EventFetchDone:
			return PhaseIdleSubscribed
		case EventClosed:
			return PhaseReconnecting
		}
	case PhaseReconnecting:
		if e == EventConnectFailed || e == EventClosed {
			return PhaseReconnecting
		}
		// The reconnect timer firing re-enters Connecting.
		if e == EventConnected {
			return PhaseIdleSubscribed
		}
	}
	return p
}

// NextBackoff doubles the current reconnect delay, starting from initial
// and never exceeding max.
func NextBackoff(current, initial, max time.Duration) time.Duration {
	if current <= 0 {
		return initial
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}
