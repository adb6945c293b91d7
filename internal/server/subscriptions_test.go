package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubscriptions_Subscribe(t *testing.T) {
	tcases := []struct {
		name        string
		authorized  bool
		expectedErr error
		subscribed  bool
	}{
		{name: "authorized", authorized: true, subscribed: true},
		{name: "not authorized", authorized: false, expectedErr: ErrNotAuthorized},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewSubscriptions()

			err := s.Subscribe("c1", "u1", tc.authorized)
			assert.ErrorIs(t, err, tc.expectedErr)
			assert.Equal(t, tc.subscribed, s.IsSubscribed("c1", "u1"))
		})
	}
}

func TestSubscriptions_Unsubscribe(t *testing.T) {
	s := NewSubscriptions()
	s.Subscribe("c1", "u1", true)
	s.Subscribe("c1", "u2", true)

	assert.True(t, s.Unsubscribe("c1", "u1"))
	assert.False(t, s.Unsubscribe("c1", "u1"))
	assert.False(t, s.Unsubscribe("c9", "u1"))
	assert.Equal(t, []string{"u2"}, s.SubscribersOf("c1"))
	assert.False(t, s.IsSubscribed("c1", "u1"))
}

func TestSubscriptions_RemoveUserEverywhere(t *testing.T) {
	s := NewSubscriptions()
	s.Subscribe("c1", "u1", true)
	s.Subscribe("c2", "u1", true)
	s.Subscribe("c2", "u2", true)

	removed := s.RemoveUserEverywhere("u1")
	assert.ElementsMatch(t, []string{"c1", "c2"}, removed)
	assert.Empty(t, s.SubscribersOf("c1"))
	assert.Equal(t, []string{"u2"}, s.SubscribersOf("c2"))
	assert.False(t, s.IsSubscribed("c2", "u1"))

	assert.Empty(t, s.RemoveUserEverywhere("u1"))
}

func TestSubscriptions_EmptyChannel(t *testing.T) {
	s := NewSubscriptions()
	assert.NotNil(t, s.SubscribersOf("nobody-here"))
	assert.Empty(t, s.SubscribersOf("nobody-here"))
}
