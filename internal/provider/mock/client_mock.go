package mock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/model"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/provider"
)

// ClientMock mocks the provider.Client interface
type ClientMock struct {
	mock.Mock
}

// CreateInstance mocks the CreateInstance method
func (m *ClientMock) CreateInstance(ctx context.Context, creds model.Credentials, name, phoneHint string, wantQR bool) (*provider.InstanceDescriptor, error) {
	args := m.Called(ctx, creds, name, phoneHint, wantQR)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.InstanceDescriptor), args.Error(1)
}

// RequestConnect mocks the RequestConnect method
func (m *ClientMock) RequestConnect(ctx context.Context, creds model.Credentials, name, phoneHint string) (*model.PairingMaterial, error) {
	args := m.Called(ctx, creds, name, phoneHint)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PairingMaterial), args.Error(1)
}

// QueryStatus mocks the QueryStatus method
func (m *ClientMock) QueryStatus(ctx context.Context, creds model.Credentials, name string) (provider.State, error) {
	args := m.Called(ctx, creds, name)
	return args.Get(0).(provider.State), args.Error(1)
}

var _ provider.Client = (*ClientMock)(nil)
