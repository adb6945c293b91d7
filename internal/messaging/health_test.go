package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/npezzotti/go-teamchat/internal/msglog"
	"github.com/npezzotti/go-teamchat/internal/testutil"
)

func TestHealthMonitor_Check(t *testing.T) {
	store := &msglog.MockStore{}
	boom := errors.New("no hosts available")
	store.On("Ping", mock.Anything).Return(boom).Twice()
	store.On("Ping", mock.Anything).Return(nil).Once()

	h := NewHealthMonitor(store, time.Hour, time.Second, testutil.TestLogger(t))
	assert.True(t, h.Healthy(), "expected monitor to start healthy")

	assert.True(t, h.Check(context.Background()), "expected a single failure to be tolerated")
	assert.False(t, h.Check(context.Background()))
	_, _, lastErr := h.Status()
	assert.ErrorIs(t, lastErr, boom)

	assert.True(t, h.Check(context.Background()), "expected one success to restore health")
	healthy, lastCheck, lastErr := h.Status()
	assert.True(t, healthy)
	assert.NoError(t, lastErr)
	assert.False(t, lastCheck.IsZero())

	store.AssertExpectations(t)
}

func TestHealthMonitor_MarkUnhealthy(t *testing.T) {
	store := &msglog.MockStore{}
	store.On("Ping", mock.Anything).Return(nil)

	h := NewHealthMonitor(store, time.Hour, time.Second, testutil.TestLogger(t))
	h.MarkUnhealthy(errors.New("startup probe failed"))
	assert.False(t, h.Healthy())

	h.Check(context.Background())
	assert.True(t, h.Healthy())
}

func TestHealthMonitor_Run(t *testing.T) {
	store := msglog.NewMemoryStore()
	store.SetFault(errors.New("down"))

	h := NewHealthMonitor(store, 5*time.Millisecond, time.Second, testutil.TestLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	assert.Eventually(t, func() bool { return !h.Healthy() }, time.Second, 5*time.Millisecond)

	store.SetFault(nil)
	assert.Eventually(t, h.Healthy, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestHealthMonitor_Prime(t *testing.T) {
	tcases := []struct {
		name    string
		pingErr error
		healthy bool
	}{
		{name: "reachable", healthy: true},
		{name: "unreachable", pingErr: errors.New("no hosts available"), healthy: false},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			store := &msglog.MockStore{}
			store.On("Ping", mock.Anything).Return(tc.pingErr).Once()

			h := NewHealthMonitor(store, time.Hour, time.Second, testutil.TestLogger(t))
			err := h.Prime(context.Background())

			assert.ErrorIs(t, err, tc.pingErr)
			assert.Equal(t, tc.healthy, h.Healthy(), "expected one startup probe to decide health")
			_, lastCheck, lastErr := h.Status()
			assert.False(t, lastCheck.IsZero())
			assert.ErrorIs(t, lastErr, tc.pingErr)
			store.AssertExpectations(t)
		})
	}
}

func TestHealthMonitor_PrimeThenRecover(t *testing.T) {
	store := msglog.NewMemoryStore()
	store.SetFault(errors.New("down"))

	h := NewHealthMonitor(store, time.Hour, time.Second, testutil.TestLogger(t))
	assert.Error(t, h.Prime(context.Background()))
	assert.False(t, h.Healthy())

	store.SetFault(nil)
	assert.True(t, h.Check(context.Background()))
}
