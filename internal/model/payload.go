package model

import (
	"encoding/json"
	"strings"
	"time"
)

// --- Provisioning API payloads --- //

// StartInstanceRequest starts a new connection attempt for an account.
type StartInstanceRequest struct {
	AccountID string `json:"accountId" validate:"required"`
	UserID    string `json:"userId" validate:"required"`
	PhoneHint string `json:"phone,omitempty" validate:"omitempty,wa_phone"`
}

// StartInstanceResponse is returned by a successful start.
type StartInstanceResponse struct {
	SessionID       string          `json:"sessionId"`
	ProviderPayload json.RawMessage `json:"providerPayload,omitempty"`
}

// PatchInstanceRequest is the internal status patch body.
type PatchInstanceRequest struct {
	Status          string     `json:"status" validate:"required,oneof=pending connecting connected disconnected error"`
	Phone           *string    `json:"phone,omitempty" validate:"omitempty,wa_phone"`
	LastConnectedAt *time.Time `json:"lastConnectedAt,omitempty"`
}

// ToUpdate converts the request into a store update.
func (p PatchInstanceRequest) ToUpdate() InstanceUpdate {
	st := Status(p.Status)
	return InstanceUpdate{Status: &st, PhoneNumber: p.Phone, LastConnectedAt: p.LastConnectedAt}
}

// QRResponse carries the current pairing material.
type QRResponse struct {
	SessionID     string `json:"sessionId"`
	QRImageBase64 string `json:"qrImageBase64"`
	PairingCode   string `json:"pairingCode,omitempty"`
}

// PairingMaterial is the ephemeral QR image and numeric code pair. Never persisted.
type PairingMaterial struct {
	QRImageBase64 string    `json:"qrImageBase64"`
	PairingCode   string    `json:"pairingCode,omitempty"`
	FetchedAt     time.Time `json:"fetchedAt"`
}

// --- Webhook payloads --- //

// WebhookEvent is the provider's asynchronous callback body.
type WebhookEvent struct {
	Event    string      `json:"event" validate:"required"`
	Instance string      `json:"instance" validate:"required"`
	Data     WebhookData `json:"data"`
}

// WebhookData holds the provider-specific state fields of a webhook.
type WebhookData struct {
	State        string          `json:"state,omitempty"`
	StatusReason json.RawMessage `json:"statusReason,omitempty"`
	Wuid         string          `json:"wuid,omitempty"`
}

// Phone derives the bare phone number from the WhatsApp user id, if present.
// "5511999999999:12@s.whatsapp.net" yields "5511999999999".
func (d WebhookData) Phone() string {
	return PhoneFromJID(d.Wuid)
}

// PhoneFromJID strips the server and device suffixes from a WhatsApp JID.
func PhoneFromJID(jid string) string {
	if jid == "" {
		return ""
	}
	user := jid
	if at := strings.IndexByte(user, '@'); at >= 0 {
		user = user[:at]
	}
	if colon := strings.IndexByte(user, ':'); colon >= 0 {
		user = user[:colon]
	}
	return user
}

// --- Push channel payloads --- //

// PushEventStatusUpdate is the only event name sent over the push channel.
const PushEventStatusUpdate = "status_update"

// PushEvent is the envelope written to a push-channel connection.
type PushEvent struct {
	Event     string        `json:"event"`
	SessionID string        `json:"sessionId"`
	Data      StatusPayload `json:"data"`
	Timestamp time.Time     `json:"timestamp"`
}

// StatusPayload is the body of a status_update event. QR fields are only set
// on pairing refreshes.
type StatusPayload struct {
	Status        string `json:"status"`
	Message       string `json:"message"`
	QRImageBase64 string `json:"qrImageBase64,omitempty"`
	PairingCode   string `json:"pairingCode,omitempty"`
}

// --- Published events --- //

// StatusEvent is published on every canonical status transition.
type StatusEvent struct {
	InstanceName   string    `json:"instanceName"`
	AccountID      string    `json:"accountId"`
	PreviousStatus Status    `json:"previousStatus,omitempty"`
	Status         Status    `json:"status"`
	PhoneNumber    string    `json:"phoneNumber,omitempty"`
	Source         string    `json:"source"`
	OccurredAt     time.Time `json:"occurredAt"`
}

// Transition sources
const (
	SourceWebhook   = "webhook"
	SourcePoll      = "poll"
	SourceProvision = "provision"
	SourcePairing   = "pairing"
	SourcePatch     = "patch"
	SourceSweeper   = "sweeper"
)
