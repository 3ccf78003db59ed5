package registry

import (
	"testing"
	"time"

	"github.com/minicoursera/realtime/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestTypingTracker(t *testing.T) {
	t.Run("start and stop", func(t *testing.T) {
		tracker := NewTypingTracker(5 * time.Second)

		tracker.Start(CourseRoom(10), 1)
		tracker.Start(CourseRoom(10), 2)
		assert.Equal(t, []int{1, 2}, tracker.Typing(CourseRoom(10)))

		assert.True(t, tracker.Stop(CourseRoom(10), 1))
		assert.Equal(t, []int{2}, tracker.Typing(CourseRoom(10)))

		assert.False(t, tracker.Stop(CourseRoom(10), 1), "stop for a user not typing is a no-op")
		assert.False(t, tracker.Stop("course:999", 1))
	})

	t.Run("start extends expiry", func(t *testing.T) {
		tracker := NewTypingTracker(5 * time.Second)
		now := time.Now()
		tracker.now = func() time.Time { return now }

		tracker.Start(CourseRoom(10), 1)
		now = now.Add(3 * time.Second)
		tracker.Start(CourseRoom(10), 1)
		now = now.Add(3 * time.Second)

		// six seconds after the first start, but only three after
		// the upsert
		assert.Equal(t, []int{1}, tracker.Typing(CourseRoom(10)))
		assert.Empty(t, tracker.Sweep())
	})

	t.Run("sweep removes expired entries", func(t *testing.T) {
		tracker := NewTypingTracker(5 * time.Second)
		now := time.Now()
		tracker.now = func() time.Time { return now }

		tracker.Start(CourseRoom(10), 1)
		tracker.Start(ConversationRoom(3), 2)
		now = now.Add(2 * time.Second)
		tracker.Start(CourseRoom(10), 3)

		now = now.Add(4 * time.Second)
		expired := tracker.Sweep()
		assert.Equal(t, []types.TypingState{
			{Room: ConversationRoom(3), UserId: 2, ExpiresAt: expired[0].ExpiresAt},
			{Room: CourseRoom(10), UserId: 1, ExpiresAt: expired[1].ExpiresAt},
		}, expired)
		assert.Equal(t, []int{3}, tracker.Typing(CourseRoom(10)))
		assert.Empty(t, tracker.Typing(ConversationRoom(3)))

		// already swept entries are not reported twice
		assert.Empty(t, tracker.Sweep())
	})
}
