package model

import (
	"encoding/json"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"gorm.io/datatypes"

	"gitlab.com/timkado/api/daisi-wa-connection-manager/pkg/utils"
)

// RandomProviderPayload generates a create-instance descriptor for testing.
func RandomProviderPayload(instanceName string) datatypes.JSON {
	payload := map[string]interface{}{
		"instance": map[string]interface{}{
			"instanceName": instanceName,
			"instanceId":   gofakeit.UUID(),
			"status":       "created",
		},
		"hash": gofakeit.LetterN(32),
	}
	bytes, _ := json.Marshal(payload)
	return datatypes.JSON(bytes)
}

// init ensures gofakeit is seeded.
func init() {
	gofakeit.Seed(time.Now().UnixNano())
}

// NewInstance creates a new Instance with default fake data.
func NewInstance(overrideDefaults ...*Instance) *Instance {
	accountID := "acc_" + gofakeit.LetterN(8)
	createdAt := utils.Now().Add(-time.Duration(gofakeit.Number(1, 100)) * time.Hour)
	name := NewInstanceName(accountID, createdAt)
	base := &Instance{
		AccountID:       accountID,
		UserID:          gofakeit.UUID(),
		InstanceName:    name,
		Status:          Status(gofakeit.RandomString([]string{"pending", "connecting", "connected", "disconnected"})),
		ProviderURL:     "https://" + gofakeit.DomainName(),
		APIKey:          gofakeit.LetterN(24),
		ProviderPayload: RandomProviderPayload(name),
		CreatedAt:       createdAt,
		UpdatedAt:       utils.Now(),
	}

	if len(overrideDefaults) > 0 && overrideDefaults[0] != nil {
		ovr := overrideDefaults[0]
		// Credentials are overridden by direct assignment so tests can build
		// accounts without a dedicated gateway.
		base.ProviderURL = ovr.ProviderURL
		base.APIKey = ovr.APIKey
		base.PhoneNumber = ovr.PhoneNumber
		base.LastConnectedAt = ovr.LastConnectedAt

		if ovr.AccountID != "" {
			base.AccountID = ovr.AccountID
		}
		if ovr.UserID != "" {
			base.UserID = ovr.UserID
		}
		if ovr.InstanceName != "" {
			base.InstanceName = ovr.InstanceName
		}
		if ovr.Status != "" {
			base.Status = ovr.Status
		}
		if ovr.ID != 0 {
			base.ID = ovr.ID
		}
		if ovr.ProviderPayload != nil {
			base.ProviderPayload = ovr.ProviderPayload
		}
		if !ovr.CreatedAt.IsZero() {
			base.CreatedAt = ovr.CreatedAt
		}
		if !ovr.UpdatedAt.IsZero() {
			base.UpdatedAt = ovr.UpdatedAt
		}
	}
	return base
}

// NewConnectionUpdateEvent creates a connection.update webhook for instanceName.
func NewConnectionUpdateEvent(instanceName, state string) WebhookEvent {
	return WebhookEvent{
		Event:    string(ProviderConnectionUpdate),
		Instance: instanceName,
		Data: WebhookData{
			State: state,
			Wuid:  gofakeit.Numerify("55119########") + "@s.whatsapp.net",
		},
	}
}
