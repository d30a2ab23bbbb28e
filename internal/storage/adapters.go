package storage

import (
	"context"
	"time"

	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/model"
)

// InstanceRepoAdapter adapts the PostgresRepo to the InstanceRepo interface
type InstanceRepoAdapter struct {
	postgres *PostgresRepo
}

// NewInstanceRepoAdapter creates a new instance repository adapter
func NewInstanceRepoAdapter(postgres *PostgresRepo) InstanceRepo {
	return &InstanceRepoAdapter{postgres: postgres}
}

// FindByAccount finds the instance owned by an account
func (a *InstanceRepoAdapter) FindByAccount(ctx context.Context, accountID string) (*model.Instance, error) {
	return a.postgres.FindInstanceByAccount(ctx, accountID)
}

// FindByInstanceName finds an instance by its current name
func (a *InstanceRepoAdapter) FindByInstanceName(ctx context.Context, name string) (*model.Instance, error) {
	return a.postgres.FindInstanceByName(ctx, name)
}

// Create inserts an instance
func (a *InstanceRepoAdapter) Create(ctx context.Context, instance *model.Instance) error {
	return a.postgres.CreateInstance(ctx, instance)
}

// Update applies a partial update
func (a *InstanceRepoAdapter) Update(ctx context.Context, name string, update model.InstanceUpdate) (*InstanceChange, error) {
	return a.postgres.UpdateInstance(ctx, name, update)
}

// Mutate applies an update computed from the locked row
func (a *InstanceRepoAdapter) Mutate(ctx context.Context, name string, fn Mutator) (*InstanceChange, error) {
	return a.postgres.MutateInstance(ctx, name, fn)
}

// Rename rebinds the account's row to a new instance name
func (a *InstanceRepoAdapter) Rename(ctx context.Context, accountID, newName, userID string) (*InstanceChange, error) {
	return a.postgres.RenameInstance(ctx, accountID, newName, userID)
}

// CountActiveForAccount counts connecting or connected instances
func (a *InstanceRepoAdapter) CountActiveForAccount(ctx context.Context, accountID string) (int64, error) {
	return a.postgres.CountActiveInstances(ctx, accountID)
}

// InstanceLimitForAccount returns the plan limit
func (a *InstanceRepoAdapter) InstanceLimitForAccount(ctx context.Context, accountID string) (int, error) {
	return a.postgres.InstanceLimitForAccount(ctx, accountID)
}

// FindStaleConnecting lists instances stuck in connecting
func (a *InstanceRepoAdapter) FindStaleConnecting(ctx context.Context, olderThan time.Time, limit int) ([]model.Instance, error) {
	return a.postgres.FindStaleConnecting(ctx, olderThan, limit)
}

// Ensure adapters implement the interfaces
var _ InstanceRepo = (*InstanceRepoAdapter)(nil)
var _ Pinger = (*PostgresRepo)(nil)
