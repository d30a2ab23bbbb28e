package storage

import (
	"context"
	"errors"
	"time"

	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/model"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/pkg/utils"
)

// InstanceLimitForAccount returns the account's plan limit, or the configured
// default when the account has no plan row. A result <= 0 means unlimited.
func (r *PostgresRepo) InstanceLimitForAccount(ctx context.Context, accountID string) (int, error) {
	var plan model.AccountPlan
	operation := func() error {
		return r.db.WithContext(ctx).Where("account_id = ?", accountID).First(&plan).Error
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "InstanceLimitForAccount", operation)
	observer.ObserveDbOperationDuration("find", "account_plan", accountID, time.Since(startTime), err)
	if err != nil {
		mapped := checkConstraintViolation(err)
		if errors.Is(mapped, apperrors.ErrNotFound) {
			return r.defaultInstanceLimit, nil
		}
		return 0, mapped
	}
	return plan.InstanceLimit, nil
}
