package msglog

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/npezzotti/go-teamchat/internal/types"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) Append(ctx context.Context, msg types.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}
func (m *MockStore) Recent(ctx context.Context, channelId string, before time.Time, limit int) ([]types.Message, error) {
	args := m.Called(ctx, channelId, before, limit)
	if msgs, ok := args.Get(0).([]types.Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockStore) Lookup(ctx context.Context, channelId, messageId string) (types.Message, error) {
	args := m.Called(ctx, channelId, messageId)
	return args.Get(0).(types.Message), args.Error(1)
}
func (m *MockStore) Update(ctx context.Context, msg types.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}
func (m *MockStore) Delete(ctx context.Context, msg types.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}
func (m *MockStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
