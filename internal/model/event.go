package model

import (
	"strings"
)

// ProviderEventType represents the webhook event names sent by the gateway
type ProviderEventType string

// Known provider event types, normalized to lower dotted form
const (
	ProviderConnectionUpdate ProviderEventType = "connection.update"
	ProviderQRCodeUpdated    ProviderEventType = "qrcode.updated"
	ProviderMessagesUpsert   ProviderEventType = "messages.upsert"
	ProviderMessagesUpdate   ProviderEventType = "messages.update"
	ProviderApplicationStart ProviderEventType = "application.startup"
	ProviderLogoutInstance   ProviderEventType = "logout.instance"
	ProviderRemoveInstance   ProviderEventType = "remove.instance"
)

// V1ConnectionUpdate is the base subject for published status transitions.
// The instance name is appended as the last token.
const V1ConnectionUpdate = "v1.connection.update"

// MapToProviderEventType normalizes a raw event name to a known ProviderEventType.
// Gateways send either "connection.update" or "CONNECTION_UPDATE" depending on
// webhook mode, so both spellings are accepted.
func MapToProviderEventType(input string) (ProviderEventType, bool) {
	normalized := strings.ToLower(strings.TrimSpace(input))
	normalized = strings.ReplaceAll(normalized, "_", ".")

	switch ProviderEventType(normalized) {
	case ProviderConnectionUpdate, ProviderQRCodeUpdated, ProviderMessagesUpsert, ProviderMessagesUpdate,
		ProviderApplicationStart, ProviderLogoutInstance, ProviderRemoveInstance:
		return ProviderEventType(normalized), true
	}
	return "", false
}

// StatusSubject returns the subject used to publish a transition for instanceName.
func StatusSubject(prefix, instanceName string) string {
	if prefix == "" {
		prefix = V1ConnectionUpdate
	}
	// NATS tokens cannot contain dots or wildcards
	token := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(instanceName)
	return prefix + "." + token
}
