package model

import (
	"time"

	"gorm.io/gorm/schema"
)

// AccountPlan holds the per-account instance limit. Accounts without a row use
// the configured default.
type AccountPlan struct {
	AccountID     string    `json:"accountId" gorm:"column:account_id;primaryKey"`
	PlanName      string    `json:"planName,omitempty" gorm:"column:plan_name"`
	InstanceLimit int       `json:"instanceLimit" gorm:"column:instance_limit"` // <= 0 means unlimited
	CreatedAt     time.Time `json:"createdAt" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time `json:"updatedAt" gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (AccountPlan) TableName(namer schema.Namer) string {
	return namer.TableName("account_plans")
}
