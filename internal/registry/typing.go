package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/minicoursera/realtime/internal/types"
)

// TypingTracker holds ephemeral typing state with a hard expiry so a
// crashed client that never sends typing_stop cannot leave a stale
// "is typing" indicator. Entries are removed by Stop or by a
// periodic Sweep.
type TypingTracker struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]map[int]time.Time
	now     func() time.Time
}

func NewTypingTracker(ttl time.Duration) *TypingTracker {
	return &TypingTracker{
		ttl:     ttl,
		entries: make(map[string]map[int]time.Time),
		now:     time.Now,
	}
}

// Start upserts the typing entry for the user, extending the expiry.
func (t *TypingTracker) Start(room string, userId int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	users, ok := t.entries[room]
	if !ok {
		users = make(map[int]time.Time)
		t.entries[room] = users
	}
	users[userId] = t.now().Add(t.ttl)
}

// Stop removes the entry immediately and reports whether the user
// was marked as typing.
func (t *TypingTracker) Stop(room string, userId int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	users, ok := t.entries[room]
	if !ok {
		return false
	}

	if _, ok := users[userId]; !ok {
		return false
	}

	delete(users, userId)
	if len(users) == 0 {
		delete(t.entries, room)
	}
	return true
}

// Sweep removes expired entries and returns them so the caller can
// emit a synthetic "stopped typing" to each room.
func (t *TypingTracker) Sweep() []types.TypingState {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var expired []types.TypingState
	for room, users := range t.entries {
		for userId, expiresAt := range users {
			if !expiresAt.After(now) {
				expired = append(expired, types.TypingState{
					Room:      room,
					UserId:    userId,
					ExpiresAt: expiresAt,
				})
				delete(users, userId)
			}
		}
		if len(users) == 0 {
			delete(t.entries, room)
		}
	}

	sort.Slice(expired, func(i, j int) bool {
		if expired[i].Room != expired[j].Room {
			return expired[i].Room < expired[j].Room
		}
		return expired[i].UserId < expired[j].UserId
	})
	return expired
}

// Typing returns the users currently marked as typing in the room.
func (t *TypingTracker) Typing(room string) []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var userIds []int
	for userId, expiresAt := range t.entries[room] {
		if expiresAt.After(now) {
			userIds = append(userIds, userId)
		}
	}
	sort.Ints(userIds)
	return userIds
}
