package msglog

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/npezzotti/go-teamchat/internal/types"
)

// MemoryStore keeps the log in process memory. It backs local development
// and tests; contents are lost on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	channels map[string][]types.Message
	fault    error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		channels: make(map[string][]types.Message),
	}
}

// SetFault makes every subsequent call fail with err until SetFault(nil).
func (m *MemoryStore) SetFault(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = err
}

func (m *MemoryStore) Append(ctx context.Context, msg types.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx); err != nil {
		return err
	}

	msgs := m.channels[msg.ChannelId]
	i := slices.IndexFunc(msgs, func(existing types.Message) bool {
		return newer(msg, existing)
	})
	if i < 0 {
		i = len(msgs)
	}
	m.channels[msg.ChannelId] = slices.Insert(msgs, i, msg)

	return nil
}

func (m *MemoryStore) Recent(ctx context.Context, channelId string, before time.Time, limit int) ([]types.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check(ctx); err != nil {
		return nil, err
	}

	out := make([]types.Message, 0, limit)
	for _, msg := range m.channels[channelId] {
		if len(out) == limit {
			break
		}
		if !before.IsZero() && !msg.CreatedAt.Before(before) {
			continue
		}
		out = append(out, copyMessage(msg))
	}

	return out, nil
}

func (m *MemoryStore) Lookup(ctx context.Context, channelId, messageId string) (types.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check(ctx); err != nil {
		return types.Message{}, err
	}

	i := m.find(channelId, messageId)
	if i < 0 {
		return types.Message{}, ErrNotFound
	}

	return copyMessage(m.channels[channelId][i]), nil
}

func (m *MemoryStore) Update(ctx context.Context, msg types.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx); err != nil {
		return err
	}

	i := m.find(msg.ChannelId, msg.Id)
	if i < 0 || !m.channels[msg.ChannelId][i].CreatedAt.Equal(msg.CreatedAt) {
		return ErrNotFound
	}

	row := &m.channels[msg.ChannelId][i]
	row.Text = msg.Text
	row.Edited = msg.Edited
	row.EditedAt = msg.EditedAt

	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, msg types.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx); err != nil {
		return err
	}

	i := m.find(msg.ChannelId, msg.Id)
	if i < 0 || !m.channels[msg.ChannelId][i].CreatedAt.Equal(msg.CreatedAt) {
		return ErrNotFound
	}

	m.channels[msg.ChannelId] = slices.Delete(m.channels[msg.ChannelId], i, i+1)

	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.check(ctx)
}

func (m *MemoryStore) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.fault != nil {
		return fmt.Errorf("memory log: %w", m.fault)
	}
	return nil
}

func (m *MemoryStore) find(channelId, messageId string) int {
	return slices.IndexFunc(m.channels[channelId], func(msg types.Message) bool {
		return msg.Id == messageId
	})
}

func copyMessage(msg types.Message) types.Message {
	if msg.EditedAt != nil {
		t := *msg.EditedAt
		msg.EditedAt = &t
	}
	return msg
}
