package server

import (
	"errors"
	"sync"
)

var ErrNotAuthorized = errors.New("not authorized for channel")

// Subscriptions records which users want live events for which channels.
// It is in-memory only and separate from durable channel membership.
type Subscriptions struct {
	mu       sync.RWMutex
	channels map[string]map[string]struct{}
	// reverse index so a departing user is swept in O(their channels)
	users map[string]map[string]struct{}
}

func NewSubscriptions() *Subscriptions {
	return &Subscriptions{
		channels: make(map[string]map[string]struct{}),
		users:    make(map[string]map[string]struct{}),
	}
}

// Subscribe adds userId to channelId. authorized is the result of the
// membership check the caller already made.
func (s *Subscriptions) Subscribe(channelId, userId string, authorized bool) error {
	if !authorized {
		return ErrNotAuthorized
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.channels[channelId]; !ok {
		s.channels[channelId] = make(map[string]struct{})
	}
	s.channels[channelId][userId] = struct{}{}

	if _, ok := s.users[userId]; !ok {
		s.users[userId] = make(map[string]struct{})
	}
	s.users[userId][channelId] = struct{}{}

	return nil
}

// Unsubscribe removes userId from channelId and reports whether it was
// subscribed.
func (s *Subscriptions) Unsubscribe(channelId, userId string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.remove(channelId, userId)
}

func (s *Subscriptions) remove(channelId, userId string) bool {
	subs, ok := s.channels[channelId]
	if !ok {
		return false
	}
	if _, ok := subs[userId]; !ok {
		return false
	}

	delete(subs, userId)
	if len(subs) == 0 {
		delete(s.channels, channelId)
	}

	if chans, ok := s.users[userId]; ok {
		delete(chans, channelId)
		if len(chans) == 0 {
			delete(s.users, userId)
		}
	}

	return true
}

func (s *Subscriptions) IsSubscribed(channelId, userId string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.channels[channelId][userId]
	return ok
}

// SubscribersOf returns a snapshot of the channel's subscribers.
func (s *Subscriptions) SubscribersOf(channelId string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subs := s.channels[channelId]
	ids := make([]string, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}

	return ids
}

// RemoveUserEverywhere drops every subscription held by userId and returns
// the channels it was removed from.
func (s *Subscriptions) RemoveUserEverywhere(userId string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	chans := s.users[userId]
	removed := make([]string, 0, len(chans))
	for channelId := range chans {
		removed = append(removed, channelId)
	}
	for _, channelId := range removed {
		s.remove(channelId, userId)
	}

	return removed
}
