package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/npezzotti/go-teamchat/internal/types"
)

func TestTypingTracker_StartStop(t *testing.T) {
	f := newBroadcastFixture(t)
	alice := f.connect("u1", "c1")
	bob := f.connect("u2", "c1")
	tracker := NewTypingTracker(f.bc, time.Minute)

	tracker.Start("c1", types.User{Id: "u1", Name: "alice"})
	tracker.Start("c1", types.User{Id: "u1", Name: "alice"})
	assert.True(t, tracker.IsTyping("c1", "u1"))

	tracker.Stop("c1", "u1")
	tracker.Stop("c1", "u1")
	assert.False(t, tracker.IsTyping("c1", "u1"))

	assert.Equal(t, []string{TypeUserTyping, TypeUserStoppedTyping}, bob.receivedTypes(), "expected one start and one stop per run")
	assert.Empty(t, alice.received())

	frames := bob.received()
	assert.Equal(t, "alice", frames[0].UserName)
	assert.Equal(t, "c1", frames[1].ChannelId)
}

func TestTypingTracker_Expiry(t *testing.T) {
	f := newBroadcastFixture(t)
	bob := f.connect("u2", "c1")

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	tracker := NewTypingTracker(f.bc, 5*time.Second)
	tracker.now = func() time.Time { return now }

	tracker.Start("c1", types.User{Id: "u1", Name: "alice"})

	now = now.Add(4 * time.Second)
	assert.Equal(t, 0, tracker.Sweep())

	// refreshed before expiry
	tracker.Start("c1", types.User{Id: "u1", Name: "alice"})
	now = now.Add(4 * time.Second)
	assert.Equal(t, 0, tracker.Sweep())

	now = now.Add(2 * time.Second)
	assert.Equal(t, 1, tracker.Sweep())
	assert.False(t, tracker.IsTyping("c1", "u1"))

	assert.Equal(t, []string{TypeUserTyping, TypeUserStoppedTyping}, bob.receivedTypes())
}

func TestTypingTracker_ClearUser(t *testing.T) {
	f := newBroadcastFixture(t)
	bob := f.connect("u2", "c1", "c2")
	tracker := NewTypingTracker(f.bc, time.Minute)

	alice := types.User{Id: "u1", Name: "alice"}
	tracker.Start("c1", alice)
	tracker.Start("c2", alice)
	tracker.Start("c1", types.User{Id: "u3", Name: "carol"})

	tracker.ClearUser("u1")

	assert.False(t, tracker.IsTyping("c1", "u1"))
	assert.False(t, tracker.IsTyping("c2", "u1"))
	assert.True(t, tracker.IsTyping("c1", "u3"))

	stopped := 0
	for _, m := range bob.received() {
		if m.Type == TypeUserStoppedTyping {
			stopped++
		}
	}
	assert.Equal(t, 2, stopped)
}
