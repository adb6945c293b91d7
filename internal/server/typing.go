package server

import (
	"context"
	"sync"
	"time"

	"github.com/npezzotti/go-teamchat/internal/types"
)

type typingKey struct {
	channelId string
	userId    string
}

// TypingTracker holds "user is typing" indicators as soft state. An
// indicator that is not refreshed within the ttl expires on its own and
// subscribers are told the user stopped typing.
type TypingTracker struct {
	bc  *Broadcaster
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[typingKey]time.Time
}

func NewTypingTracker(bc *Broadcaster, ttl time.Duration) *TypingTracker {
	return &TypingTracker{
		bc:      bc,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[typingKey]time.Time),
	}
}

// Start marks user as typing in channelId. Only the first start of a run is
// broadcast; later ones extend the expiry.
func (t *TypingTracker) Start(channelId string, user types.User) {
	key := typingKey{channelId, user.Id}

	t.mu.Lock()
	_, typing := t.entries[key]
	t.entries[key] = t.now().Add(t.ttl)
	t.mu.Unlock()

	if !typing {
		t.bc.BroadcastExcluding(channelId, UserTyping(channelId, user), user.Id)
	}
}

func (t *TypingTracker) Stop(channelId, userId string) {
	key := typingKey{channelId, userId}

	t.mu.Lock()
	_, typing := t.entries[key]
	delete(t.entries, key)
	t.mu.Unlock()

	if typing {
		t.bc.BroadcastExcluding(channelId, UserStoppedTyping(channelId, userId), userId)
	}
}

// ClearUser stops every indicator userId holds.
func (t *TypingTracker) ClearUser(userId string) {
	var stopped []string

	t.mu.Lock()
	for key := range t.entries {
		if key.userId == userId {
			stopped = append(stopped, key.channelId)
			delete(t.entries, key)
		}
	}
	t.mu.Unlock()

	for _, channelId := range stopped {
		t.bc.BroadcastExcluding(channelId, UserStoppedTyping(channelId, userId), userId)
	}
}

func (t *TypingTracker) IsTyping(channelId, userId string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[typingKey{channelId, userId}]
	return ok
}

// Sweep expires stale indicators and returns how many it removed.
func (t *TypingTracker) Sweep() int {
	now := t.now()
	var expired []typingKey

	t.mu.Lock()
	for key, deadline := range t.entries {
		if !now.Before(deadline) {
			expired = append(expired, key)
			delete(t.entries, key)
		}
	}
	t.mu.Unlock()

	for _, key := range expired {
		t.bc.BroadcastExcluding(key.channelId, UserStoppedTyping(key.channelId, key.userId), key.userId)
	}

	return len(expired)
}

// Run sweeps at half the ttl until ctx is canceled.
func (t *TypingTracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Sweep()
		case <-ctx.Done():
			return nil
		}
	}
}
