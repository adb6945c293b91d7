package search

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/npezzotti/go-teamchat/internal/types"
)

type MockIndex struct {
	mock.Mock
}

func (m *MockIndex) Index(ctx context.Context, msg types.Message, workspaceId string) error {
	args := m.Called(ctx, msg, workspaceId)
	return args.Error(0)
}
func (m *MockIndex) Update(ctx context.Context, msg types.Message, workspaceId string) error {
	args := m.Called(ctx, msg, workspaceId)
	return args.Error(0)
}
func (m *MockIndex) Delete(ctx context.Context, messageId string) error {
	args := m.Called(ctx, messageId)
	return args.Error(0)
}
func (m *MockIndex) Search(ctx context.Context, q types.SearchQuery) (types.SearchResult, error) {
	args := m.Called(ctx, q)
	return args.Get(0).(types.SearchResult), args.Error(1)
}
func (m *MockIndex) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
