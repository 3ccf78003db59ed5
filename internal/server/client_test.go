package server

import (
	"testing"

	"github.com/minicoursera/realtime/internal/store"
	"github.com/stretchr/testify/assert"
)

func TestQueueEvent(t *testing.T) {
	s := newTestServer(t, &store.MockConversationStore{})
	c := addTestClient(t, s, "a", learner(1))

	assert.True(t, c.queueEvent(&ServerEvent{Event: EventCourseStats}))

	evts := drainEvents(c)
	assert.Len(t, evts, 1)
	assert.Equal(t, EventCourseStats, evts[0].Event)
}

func TestQueueEventFullQueueDrops(t *testing.T) {
	s := newTestServer(t, &store.MockConversationStore{})
	c := addTestClient(t, s, "a", learner(1))

	for i := 0; i < cap(c.send); i++ {
		assert.True(t, c.queueEvent(&ServerEvent{Event: EventCourseStats}))
	}

	assert.False(t, c.queueEvent(&ServerEvent{Event: EventCourseStats}),
		"a full queue drops rather than blocks")
	assert.Len(t, drainEvents(c), cap(c.send))
}

func TestStopClientIdempotent(t *testing.T) {
	s := newTestServer(t, &store.MockConversationStore{})
	c := addTestClient(t, s, "a", learner(1))

	c.stopClient()
	assert.NotPanics(t, c.stopClient)

	select {
	case <-c.stop:
	default:
		t.Fatal("stop channel not closed")
	}
}

func TestClientAccessors(t *testing.T) {
	s := newTestServer(t, &store.MockConversationStore{})
	c := addTestClient(t, s, "a", learner(1))

	assert.Equal(t, "a", c.Id())
	assert.Equal(t, learner(1), c.Identity())
}
