package storage

import (
	"context"
	"time"

	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/model"
)

// Mutator computes the update applied to a locked instance row. Returning an
// empty update leaves the row untouched.
type Mutator func(current model.Instance) model.InstanceUpdate

// InstanceChange describes the outcome of an update.
type InstanceChange struct {
	Previous model.Instance
	Current  model.Instance
	Written  bool
}

// StatusChanged reports whether the canonical status moved.
func (c InstanceChange) StatusChanged() bool {
	return c.Written && c.Previous.Status != c.Current.Status
}

// InstanceRepo defines instance storage operations
type InstanceRepo interface {
	FindByAccount(ctx context.Context, accountID string) (*model.Instance, error)
	FindByInstanceName(ctx context.Context, name string) (*model.Instance, error)
	Create(ctx context.Context, instance *model.Instance) error
	Update(ctx context.Context, name string, update model.InstanceUpdate) (*InstanceChange, error)
	Mutate(ctx context.Context, name string, fn Mutator) (*InstanceChange, error)
	Rename(ctx context.Context, accountID, newName, userID string) (*InstanceChange, error)
	CountActiveForAccount(ctx context.Context, accountID string) (int64, error)
	InstanceLimitForAccount(ctx context.Context, accountID string) (int, error)
	FindStaleConnecting(ctx context.Context, olderThan time.Time, limit int) ([]model.Instance, error)
}

// Pinger is implemented by stores that can report liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}
