package model

import "strings"

// Status is the canonical connection status, decoupled from provider vocabulary.
type Status string

const (
	StatusPending      Status = "pending"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// ActiveStatuses count against an account's instance limit.
var ActiveStatuses = []Status{StatusConnecting, StatusConnected}

// Valid reports whether s is a known canonical status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConnecting, StatusConnected, StatusDisconnected, StatusError:
		return true
	}
	return false
}

// IsActive reports whether s counts against the plan limit.
func (s Status) IsActive() bool {
	return s == StatusConnecting || s == StatusConnected
}

// ParseStatus parses a canonical status string.
func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	return st, st.Valid()
}

// Provider connection states as reported by connection.update and connectionState.
const (
	ProviderStateOpen       = "open"
	ProviderStateClose      = "close"
	ProviderStateConnecting = "connecting"
)

// CanonicalStatusFromState maps a provider connection state to a canonical status.
// Unrecognized states map to no transition.
func CanonicalStatusFromState(state string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case ProviderStateOpen:
		return StatusConnected, true
	case ProviderStateClose:
		return StatusDisconnected, true
	case ProviderStateConnecting:
		return StatusConnecting, true
	default:
		return "", false
	}
}

// CanonicalStatusFromProvider maps a provider event and state to a canonical status.
// Only connection updates carry a transition.
func CanonicalStatusFromProvider(event, state string) (Status, bool) {
	evt, ok := MapToProviderEventType(event)
	if !ok || evt != ProviderConnectionUpdate {
		return "", false
	}
	return CanonicalStatusFromState(state)
}

// PushStatusPairing is emitted with fresh pairing material. It is a push-channel
// label only and never persisted.
const PushStatusPairing = "pairing"

// StatusMessage returns the client-visible message for a canonical status.
func StatusMessage(s Status) string {
	switch s {
	case StatusPending:
		return "instance created, waiting for pairing"
	case StatusConnecting:
		return "waiting for QR code scan"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusError:
		return "connection failed"
	default:
		return string(s)
	}
}
