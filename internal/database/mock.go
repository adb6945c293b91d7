package database

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockDirectory struct {
	mock.Mock
}

func (m *MockDirectory) DisplayName(ctx context.Context, userId string) (string, error) {
	args := m.Called(ctx, userId)
	return args.String(0), args.Error(1)
}
func (m *MockDirectory) ChannelWorkspace(ctx context.Context, channelId string) (string, error) {
	args := m.Called(ctx, channelId)
	return args.String(0), args.Error(1)
}
func (m *MockDirectory) IsChannelMember(ctx context.Context, channelId, userId string) (bool, error) {
	args := m.Called(ctx, channelId, userId)
	return args.Bool(0), args.Error(1)
}
func (m *MockDirectory) IsWorkspaceMember(ctx context.Context, workspaceId, userId string) (bool, error) {
	args := m.Called(ctx, workspaceId, userId)
	return args.Bool(0), args.Error(1)
}
func (m *MockDirectory) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
