package storage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/model"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/pkg/utils"
)

const instanceEntity = "instance"

// --- Instance Repository Methods ---

// FindInstanceByAccount returns the instance row owned by accountID.
func (r *PostgresRepo) FindInstanceByAccount(ctx context.Context, accountID string) (*model.Instance, error) {
	return r.findInstance(ctx, "FindInstanceByAccount", "account_id = ?", accountID)
}

// FindInstanceByName returns the instance currently bound to name.
func (r *PostgresRepo) FindInstanceByName(ctx context.Context, name string) (*model.Instance, error) {
	return r.findInstance(ctx, "FindInstanceByName", "instance_name = ?", name)
}

func (r *PostgresRepo) findInstance(ctx context.Context, opName, query, arg string) (*model.Instance, error) {
	var inst model.Instance
	operation := func() error {
		return r.db.WithContext(ctx).Where(query, arg).First(&inst).Error
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), opName, operation)
	observer.ObserveDbOperationDuration("find", instanceEntity, tenant.AccountIDOr(ctx, ""), time.Since(startTime), err)
	if err != nil {
		return nil, checkConstraintViolation(err)
	}
	return &inst, nil
}

// CreateInstance inserts a new instance row. The row's ID is populated on success.
func (r *PostgresRepo) CreateInstance(ctx context.Context, inst *model.Instance) error {
	if inst.Status == "" {
		inst.Status = model.StatusPending
	}
	operation := func() error {
		if err := r.db.WithContext(ctx).Create(inst).Error; err != nil {
			return checkConstraintViolation(err)
		}
		return nil
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "CreateInstance", operation)
	observer.ObserveDbOperationDuration("create", instanceEntity, inst.AccountID, time.Since(startTime), err)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to create instance",
			zap.String("instance_name", inst.InstanceName),
			zap.Error(err))
		return err
	}
	return nil
}

// UpdateInstance applies a partial update to the row bound to name.
func (r *PostgresRepo) UpdateInstance(ctx context.Context, name string, update model.InstanceUpdate) (*InstanceChange, error) {
	return r.MutateInstance(ctx, name, func(model.Instance) model.InstanceUpdate { return update })
}

// MutateInstance locks the row bound to name, lets fn compute the update from
// the current values and writes it in the same transaction.
func (r *PostgresRepo) MutateInstance(ctx context.Context, name string, fn Mutator) (*InstanceChange, error) {
	return r.lockAndUpdate(ctx, "MutateInstance", "instance_name = ?", name, fn)
}

// RenameInstance binds a fresh instance name to the account's row and resets it to pending.
func (r *PostgresRepo) RenameInstance(ctx context.Context, accountID, newName, userID string) (*InstanceChange, error) {
	return r.lockAndUpdate(ctx, "RenameInstance", "account_id = ?", accountID, func(current model.Instance) model.InstanceUpdate {
		pending := model.StatusPending
		upd := model.InstanceUpdate{Status: &pending, InstanceName: &newName}
		if userID != "" {
			upd.UserID = &userID
		}
		return upd
	})
}

func (r *PostgresRepo) lockAndUpdate(ctx context.Context, opName, query, arg string, fn Mutator) (*InstanceChange, error) {
	var change *InstanceChange

	operation := func() error {
		change = nil
		return r.inTx(ctx, func(tx *gorm.DB) error {
			var existing model.Instance
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where(query, arg).
				First(&existing).Error
			if err != nil {
				return checkConstraintViolation(err)
			}

			update := fn(existing)
			result := InstanceChange{Previous: existing, Current: existing}
			if update.IsEmpty() {
				change = &result
				return nil
			}

			now := utils.Now()
			if err := tx.Model(&existing).Updates(update.Columns(now)).Error; err != nil {
				return checkConstraintViolation(err)
			}
			update.Apply(&result.Current, now)
			result.Written = true
			change = &result
			return nil
		})
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), opName, operation)
	observer.ObserveDbOperationDuration("update", instanceEntity, tenant.AccountIDOr(ctx, ""), time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return change, nil
}

// CountActiveInstances counts the account's instances that hold a live or pending gateway session.
func (r *PostgresRepo) CountActiveInstances(ctx context.Context, accountID string) (int64, error) {
	active := make([]string, 0, len(model.ActiveStatuses))
	for _, s := range model.ActiveStatuses {
		active = append(active, string(s))
	}

	var count int64
	operation := func() error {
		return r.db.WithContext(ctx).Model(&model.Instance{}).
			Where("account_id = ? AND status IN ?", accountID, active).
			Count(&count).Error
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "CountActiveInstances", operation)
	observer.ObserveDbOperationDuration("count", instanceEntity, accountID, time.Since(startTime), err)
	if err != nil {
		return 0, checkConstraintViolation(err)
	}
	return count, nil
}

// FindStaleConnecting returns instances stuck in connecting since before olderThan.
func (r *PostgresRepo) FindStaleConnecting(ctx context.Context, olderThan time.Time, limit int) ([]model.Instance, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", apperrors.ErrBadRequest)
	}
	var instances []model.Instance
	operation := func() error {
		return r.db.WithContext(ctx).
			Where("status = ? AND updated_at < ?", string(model.StatusConnecting), olderThan).
			Order("updated_at").
			Limit(limit).
			Find(&instances).Error
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "FindStaleConnecting", operation)
	observer.ObserveDbOperationDuration("find_stale", instanceEntity, "", time.Since(startTime), err)
	if err != nil {
		return nil, checkConstraintViolation(err)
	}
	return instances, nil
}
