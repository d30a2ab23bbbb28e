package mock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/model"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/storage"
)

// InstanceRepoMock mocks the InstanceRepo interface
type InstanceRepoMock struct {
	mock.Mock
}

// FindByAccount mocks the FindByAccount method
func (m *InstanceRepoMock) FindByAccount(ctx context.Context, accountID string) (*model.Instance, error) {
	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Instance), args.Error(1)
}

// FindByInstanceName mocks the FindByInstanceName method
func (m *InstanceRepoMock) FindByInstanceName(ctx context.Context, name string) (*model.Instance, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Instance), args.Error(1)
}

// Create mocks the Create method
func (m *InstanceRepoMock) Create(ctx context.Context, instance *model.Instance) error {
	args := m.Called(ctx, instance)
	return args.Error(0)
}

// Update mocks the Update method
func (m *InstanceRepoMock) Update(ctx context.Context, name string, update model.InstanceUpdate) (*storage.InstanceChange, error) {
	args := m.Called(ctx, name, update)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*storage.InstanceChange), args.Error(1)
}

// Mutate mocks the Mutate method. Expectations should match fn with mock.Anything.
func (m *InstanceRepoMock) Mutate(ctx context.Context, name string, fn storage.Mutator) (*storage.InstanceChange, error) {
	args := m.Called(ctx, name, fn)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*storage.InstanceChange), args.Error(1)
}

// Rename mocks the Rename method
func (m *InstanceRepoMock) Rename(ctx context.Context, accountID, newName, userID string) (*storage.InstanceChange, error) {
	args := m.Called(ctx, accountID, newName, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*storage.InstanceChange), args.Error(1)
}

// CountActiveForAccount mocks the CountActiveForAccount method
func (m *InstanceRepoMock) CountActiveForAccount(ctx context.Context, accountID string) (int64, error) {
	args := m.Called(ctx, accountID)
	return args.Get(0).(int64), args.Error(1)
}

// InstanceLimitForAccount mocks the InstanceLimitForAccount method
func (m *InstanceRepoMock) InstanceLimitForAccount(ctx context.Context, accountID string) (int, error) {
	args := m.Called(ctx, accountID)
	return args.Int(0), args.Error(1)
}

// FindStaleConnecting mocks the FindStaleConnecting method
func (m *InstanceRepoMock) FindStaleConnecting(ctx context.Context, olderThan time.Time, limit int) ([]model.Instance, error) {
	args := m.Called(ctx, olderThan, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Instance), args.Error(1)
}

var _ storage.InstanceRepo = (*InstanceRepoMock)(nil)
