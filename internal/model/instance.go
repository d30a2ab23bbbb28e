package model

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm/schema"
)

// Instance represents the instances table structure. One row per account; the
// instance name is rotated on every new provisioning attempt.
type Instance struct {
	// ID is the internal database primary key.
	ID int64 `json:"-" gorm:"primaryKey;autoIncrement"`
	// AccountID identifies the owning account. At most one row per account.
	AccountID string `json:"accountId" gorm:"column:account_id;uniqueIndex" validate:"required"`
	// UserID is the user who last started provisioning for the account.
	UserID string `json:"userId,omitempty" gorm:"column:user_id"`
	// InstanceName is the provider-facing name, used as the session identifier end-to-end.
	InstanceName string `json:"instanceName" gorm:"column:instance_name;uniqueIndex" validate:"required,instance_name"`
	// Status is the canonical connection status.
	Status Status `json:"status" gorm:"column:status;index"`
	// ProviderURL is the account's dedicated gateway base URL, if any.
	ProviderURL string `json:"-" gorm:"column:provider_url"`
	// APIKey is the account's dedicated gateway key, if any.
	APIKey string `json:"-" gorm:"column:api_key"`
	// PhoneNumber is populated once the instance is connected.
	PhoneNumber string `json:"phoneNumber,omitempty" gorm:"column:phone_number"`
	// LastConnectedAt is set on every transition into connected.
	LastConnectedAt *time.Time `json:"lastConnectedAt,omitempty" gorm:"column:last_connected_at"`
	// ProviderPayload is the last create-instance descriptor returned by the gateway.
	ProviderPayload datatypes.JSON `json:"providerPayload,omitempty" gorm:"type:jsonb;column:provider_payload"`
	CreatedAt       time.Time      `json:"createdAt" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time      `json:"updatedAt" gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (Instance) TableName(namer schema.Namer) string {
	return namer.TableName("instances")
}

// HasCredentials reports whether the account carries its own gateway key.
func (i *Instance) HasCredentials() bool {
	return strings.TrimSpace(i.APIKey) != ""
}

// InstanceUpdate is a partial update. Nil fields are left untouched.
type InstanceUpdate struct {
	InstanceName    *string        `json:"-"`
	UserID          *string        `json:"-"`
	Status          *Status        `json:"status,omitempty" validate:"omitempty"`
	PhoneNumber     *string        `json:"phone,omitempty" validate:"omitempty,wa_phone"`
	LastConnectedAt *time.Time     `json:"lastConnectedAt,omitempty"`
	ProviderPayload datatypes.JSON `json:"-"`
	// Touch writes updated_at even when no other field is set.
	Touch bool `json:"-"`
}

// IsEmpty reports whether the update would write nothing.
func (u InstanceUpdate) IsEmpty() bool {
	return !u.Touch && u.InstanceName == nil && u.UserID == nil && u.Status == nil &&
		u.PhoneNumber == nil && u.LastConnectedAt == nil && u.ProviderPayload == nil
}

// Columns returns the column map applied by the store. updated_at is always set.
func (u InstanceUpdate) Columns(now time.Time) map[string]interface{} {
	cols := map[string]interface{}{"updated_at": now}
	if u.InstanceName != nil {
		cols["instance_name"] = *u.InstanceName
	}
	if u.UserID != nil {
		cols["user_id"] = *u.UserID
	}
	if u.Status != nil {
		cols["status"] = string(*u.Status)
	}
	if u.PhoneNumber != nil {
		cols["phone_number"] = *u.PhoneNumber
	}
	if u.LastConnectedAt != nil {
		cols["last_connected_at"] = *u.LastConnectedAt
	}
	if u.ProviderPayload != nil {
		cols["provider_payload"] = u.ProviderPayload
	}
	return cols
}

// Apply copies the set fields onto inst.
func (u InstanceUpdate) Apply(inst *Instance, now time.Time) {
	if u.InstanceName != nil {
		inst.InstanceName = *u.InstanceName
	}
	if u.UserID != nil {
		inst.UserID = *u.UserID
	}
	if u.Status != nil {
		inst.Status = *u.Status
	}
	if u.PhoneNumber != nil {
		inst.PhoneNumber = *u.PhoneNumber
	}
	if u.LastConnectedAt != nil {
		t := *u.LastConnectedAt
		inst.LastConnectedAt = &t
	}
	if u.ProviderPayload != nil {
		inst.ProviderPayload = u.ProviderPayload
	}
	inst.UpdatedAt = now
}

// StatusUpdate builds an InstanceUpdate that only sets the status.
func StatusUpdate(s Status) InstanceUpdate {
	return InstanceUpdate{Status: &s}
}

// NewInstanceName mints a timestamp-suffixed instance name for an account,
// e.g. loja_acc42_1718000000000.
func NewInstanceName(accountID string, now time.Time) string {
	return fmt.Sprintf("loja_%s_%d", sanitizeNamePart(accountID), now.UnixMilli())
}

func sanitizeNamePart(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

// Credentials are the gateway coordinates used for a single provider call.
type Credentials struct {
	BaseURL string
	APIKey  string
}

// Usable reports whether both coordinates are present.
func (c Credentials) Usable() bool {
	return strings.TrimSpace(c.BaseURL) != "" && strings.TrimSpace(c.APIKey) != ""
}
