package server

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/minicoursera/realtime/internal/registry"
	"github.com/minicoursera/realtime/internal/store"
	"github.com/minicoursera/realtime/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestRoomId(t *testing.T) {
	assert.Equal(t, 10, roomId("course:10"))
	assert.Equal(t, 3, roomId("conversation:3"))
	assert.Zero(t, roomId("course"))
	assert.Zero(t, roomId("course:abc"))
}

func TestHandleJoinCourse(t *testing.T) {
	t.Run("joiner and members receive stats, members receive join event", func(t *testing.T) {
		s := newTestServer(t, &store.MockConversationStore{})
		a := addTestClient(t, s, "a", learner(1))
		b := addTestClient(t, s, "b", learner(2))

		require.NoError(t, s.handleJoinCourse(a, json.RawMessage(`{"courseId":10}`)))
		drainEvents(a)

		require.NoError(t, s.handleJoinCourse(b, json.RawMessage(`{"courseId":10}`)))

		aEvents := drainEvents(a)
		joined := eventsNamed(aEvents, EventUserJoinedCourse)
		require.Len(t, joined, 1)
		assert.Equal(t, 2, joined[0].Data.(CourseMembershipPayload).UserId)

		aStats := eventsNamed(aEvents, EventCourseStats)
		require.Len(t, aStats, 1)
		assert.Equal(t, 2, aStats[0].Data.(CourseStatsPayload).ActiveUsers)

		bEvents := drainEvents(b)
		assert.Empty(t, eventsNamed(bEvents, EventUserJoinedCourse), "joiner does not see its own join")
		bStats := eventsNamed(bEvents, EventCourseStats)
		require.Len(t, bStats, 1)
		assert.Equal(t, 2, bStats[0].Data.(CourseStatsPayload).ActiveUsers)
	})

	t.Run("duplicate join yields identical membership and no join event", func(t *testing.T) {
		s := newTestServer(t, &store.MockConversationStore{})
		a := addTestClient(t, s, "a", learner(1))
		b := addTestClient(t, s, "b", learner(2))
		require.NoError(t, s.handleJoinCourse(a, json.RawMessage(`{"courseId":10}`)))
		require.NoError(t, s.handleJoinCourse(b, json.RawMessage(`{"courseId":10}`)))
		drainEvents(a)

		require.NoError(t, s.handleJoinCourse(b, json.RawMessage(`{"courseId":10}`)))

		assert.Equal(t, 2, s.registry.CountInRoom(registry.CourseRoom(10)))
		assert.Empty(t, eventsNamed(drainEvents(a), EventUserJoinedCourse))
	})

	t.Run("missing courseId is a validation error", func(t *testing.T) {
		s := newTestServer(t, &store.MockConversationStore{})
		a := addTestClient(t, s, "a", learner(1))

		err := s.handleJoinCourse(a, json.RawMessage(`{}`))
		var vErr *ValidationError
		assert.ErrorAs(t, err, &vErr)
		assert.Zero(t, s.registry.CountInRoom(registry.CourseRoom(0)))
	})
}

func TestHandleLeaveCourse(t *testing.T) {
	t.Run("last connection of user notifies remaining members", func(t *testing.T) {
		s := newTestServer(t, &store.MockConversationStore{})
		a := addTestClient(t, s, "a", learner(1))
		b := addTestClient(t, s, "b", learner(2))
		require.NoError(t, s.handleJoinCourse(a, json.RawMessage(`{"courseId":10}`)))
		require.NoError(t, s.handleJoinCourse(b, json.RawMessage(`{"courseId":10}`)))
		drainEvents(a)

		require.NoError(t, s.handleLeaveCourse(b, json.RawMessage(`{"courseId":10}`)))

		left := eventsNamed(drainEvents(a), EventUserLeftCourse)
		require.Len(t, left, 1)
		assert.Equal(t, 2, left[0].Data.(CourseMembershipPayload).UserId)
		assert.Equal(t, 1, s.registry.CountInRoom(registry.CourseRoom(10)))
	})

	t.Run("leave for a room never joined is a no-op", func(t *testing.T) {
		s := newTestServer(t, &store.MockConversationStore{})
		a := addTestClient(t, s, "a", learner(1))
		b := addTestClient(t, s, "b", learner(2))
		require.NoError(t, s.handleJoinCourse(a, json.RawMessage(`{"courseId":10}`)))
		drainEvents(a)

		require.NoError(t, s.handleLeaveCourse(b, json.RawMessage(`{"courseId":10}`)))
		assert.Empty(t, drainEvents(a))
	})
}

func TestHandleJoinConversation(t *testing.T) {
	s := newTestServer(t, &store.MockConversationStore{})
	a := addTestClient(t, s, "a", learner(1))
	b := addTestClient(t, s, "b", learner(2))

	require.NoError(t, s.handleJoinConversation(a, json.RawMessage(`{"conversationId":3}`)))

	// the update doubles as the join acknowledgement for the joiner
	updated := eventsNamed(drainEvents(a), EventConversationUpdated)
	require.Len(t, updated, 1)
	assert.Equal(t, 3, updated[0].Data.(ConversationUpdatedPayload).ConversationId)
	assert.Equal(t, 1, updated[0].Data.(ConversationUpdatedPayload).ActiveUsers)

	require.NoError(t, s.handleJoinConversation(b, json.RawMessage(`{"conversationId":3}`)))
	updated = eventsNamed(drainEvents(a), EventConversationUpdated)
	require.Len(t, updated, 1)
	assert.Equal(t, 2, updated[0].Data.(ConversationUpdatedPayload).ActiveUsers)

	err := s.handleJoinConversation(a, json.RawMessage(`{}`))
	var vErr *ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestHandleChatMessage(t *testing.T) {
	t.Run("course chat delivers exactly once with echo to sender", func(t *testing.T) {
		cs := &store.MockConversationStore{}
		defer cs.AssertExpectations(t)
		cs.On("CreateMessage", mock.MatchedBy(func(p store.CreateMessageParams) bool {
			return p.CourseId == 10 && p.Text == "hi" && p.SenderId == 1 && p.Type == "text"
		})).Return(types.Message{Id: 101, CourseId: 10, SenderId: 1, Text: "hi", Type: "text"}, nil).Once()

		s := newTestServer(t, cs)
		a := addTestClient(t, s, "a", learner(1))
		b := addTestClient(t, s, "b", learner(2))
		require.NoError(t, s.handleJoinCourse(a, json.RawMessage(`{"courseId":10}`)))
		require.NoError(t, s.handleJoinCourse(b, json.RawMessage(`{"courseId":10}`)))
		drainEvents(a)
		drainEvents(b)

		require.NoError(t, s.handleChatMessage(a, json.RawMessage(`{"room":"course:10","text":"hi"}`)))

		bMsgs := eventsNamed(drainEvents(b), EventNewMessage)
		require.Len(t, bMsgs, 1, "recipient receives exactly one new_message")
		assert.Equal(t, "hi", bMsgs[0].Data.(types.Message).Text)
		assert.Equal(t, 101, bMsgs[0].Data.(types.Message).Id)

		aMsgs := eventsNamed(drainEvents(a), EventNewMessage)
		require.Len(t, aMsgs, 1, "sender receives the echo for course rooms")
	})

	t.Run("offline conversation participant receives a notification", func(t *testing.T) {
		cs := &store.MockConversationStore{}
		defer cs.AssertExpectations(t)
		cs.On("CreateMessage", mock.Anything).
			Return(types.Message{Id: 7, ConversationId: 3, SenderId: 1, Text: "hello"}, nil).Once()
		cs.On("ConversationParticipants", 3).Return([]int{1, 2, 5}, nil).Once()

		s := newTestServer(t, cs)
		a := addTestClient(t, s, "a", learner(1))
		b := addTestClient(t, s, "b", learner(2))
		offline := addTestClient(t, s, "c", learner(5))
		require.NoError(t, s.handleJoinConversation(a, json.RawMessage(`{"conversationId":3}`)))
		require.NoError(t, s.handleJoinConversation(b, json.RawMessage(`{"conversationId":3}`)))
		drainEvents(a)
		drainEvents(b)

		require.NoError(t, s.handleChatMessage(a, json.RawMessage(`{"room":"conversation:3","text":"hello"}`)))

		assert.Len(t, eventsNamed(drainEvents(b), EventNewMessage), 1)
		notifications := eventsNamed(drainEvents(offline), EventNotification)
		require.Len(t, notifications, 1)
		payload := notifications[0].Data.(NotificationPayload)
		assert.Equal(t, 5, payload.Notification.UserId)
		assert.Equal(t, "new_message", payload.Notification.Type)
	})

	t.Run("store failure surfaces an error to the sender", func(t *testing.T) {
		cs := &store.MockConversationStore{}
		cs.On("CreateMessage", mock.Anything).Return(types.Message{}, errors.New("db down")).Once()

		s := newTestServer(t, cs)
		a := addTestClient(t, s, "a", learner(1))
		b := addTestClient(t, s, "b", learner(2))
		require.NoError(t, s.handleJoinConversation(a, json.RawMessage(`{"conversationId":3}`)))
		require.NoError(t, s.handleJoinConversation(b, json.RawMessage(`{"conversationId":3}`)))
		drainEvents(a)
		drainEvents(b)

		err := s.handleChatMessage(a, json.RawMessage(`{"room":"conversation:3","text":"hello"}`))
		assert.Error(t, err, "a failed send is never silently swallowed")
		assert.Empty(t, eventsNamed(drainEvents(b), EventNewMessage), "no delivery on failed persist")
	})

	t.Run("payload validation", func(t *testing.T) {
		s := newTestServer(t, &store.MockConversationStore{})
		a := addTestClient(t, s, "a", learner(1))

		var vErr *ValidationError
		assert.ErrorAs(t, s.handleChatMessage(a, json.RawMessage(`{"text":"hi"}`)), &vErr)
		assert.ErrorAs(t, s.handleChatMessage(a, json.RawMessage(`{"room":"course:10"}`)), &vErr)
		assert.ErrorAs(t, s.handleChatMessage(a, json.RawMessage(`{"room":"user:2","text":"hi"}`)), &vErr)
	})
}

func TestHandleTyping(t *testing.T) {
	s := newTestServer(t, &store.MockConversationStore{})
	a := addTestClient(t, s, "a", learner(1))
	b := addTestClient(t, s, "b", learner(2))
	require.NoError(t, s.handleJoinCourse(a, json.RawMessage(`{"courseId":10}`)))
	require.NoError(t, s.handleJoinCourse(b, json.RawMessage(`{"courseId":10}`)))
	drainEvents(a)
	drainEvents(b)

	require.NoError(t, s.handleTypingStart(a, json.RawMessage(`{"room":"course:10"}`)))

	assert.Empty(t, drainEvents(a), "typing indicator is not echoed to the typist")
	typing := eventsNamed(drainEvents(b), EventUserTyping)
	require.Len(t, typing, 1)
	assert.True(t, typing[0].Data.(UserTypingPayload).Typing)
	assert.Equal(t, []int{1}, s.typing.Typing(registry.CourseRoom(10)))

	require.NoError(t, s.handleTypingStop(a, json.RawMessage(`{"room":"course:10"}`)))
	typing = eventsNamed(drainEvents(b), EventUserTyping)
	require.Len(t, typing, 1)
	assert.False(t, typing[0].Data.(UserTypingPayload).Typing)

	// stop without start is a no-op
	require.NoError(t, s.handleTypingStop(a, json.RawMessage(`{"room":"course:10"}`)))
	assert.Empty(t, drainEvents(b))
}

func TestHandleProgressUpdate(t *testing.T) {
	s := newTestServer(t, &store.MockConversationStore{})
	a := addTestClient(t, s, "a", learner(1))
	b := addTestClient(t, s, "b", learner(2))
	require.NoError(t, s.handleJoinCourse(a, json.RawMessage(`{"courseId":10}`)))
	require.NoError(t, s.handleJoinCourse(b, json.RawMessage(`{"courseId":10}`)))
	drainEvents(a)
	drainEvents(b)

	require.NoError(t, s.handleProgressUpdate(a, json.RawMessage(
		`{"courseId":10,"lessonId":4,"progress":100,"completed":true}`)))

	updated := eventsNamed(drainEvents(b), EventProgressUpdated)
	require.Len(t, updated, 1)
	assert.Equal(t, 4, updated[0].Data.(ProgressUpdatedPayload).LessonId)
	assert.True(t, updated[0].Data.(ProgressUpdatedPayload).Completed)

	aEvents := drainEvents(a)
	assert.Empty(t, eventsNamed(aEvents, EventProgressUpdated), "progress is not echoed to the actor")
	completed := eventsNamed(aEvents, EventLessonCompleted)
	require.Len(t, completed, 1, "completion congratulates the acting connection only")
	assert.Equal(t, 4, completed[0].Data.(LessonCompletedPayload).LessonId)
}

func TestHandleStudySession(t *testing.T) {
	s := newTestServer(t, &store.MockConversationStore{})
	a := addTestClient(t, s, "a", learner(1))
	b := addTestClient(t, s, "b", learner(2))

	require.NoError(t, s.handleJoinStudySession(a, json.RawMessage(`{"sessionId":5,"courseId":10}`)))
	require.NoError(t, s.handleJoinStudySession(b, json.RawMessage(`{"sessionId":5,"courseId":10}`)))

	joined := eventsNamed(drainEvents(a), EventUserJoinedSession)
	require.Len(t, joined, 1)
	assert.Equal(t, 2, joined[0].Data.(SessionMembershipPayload).UserId)

	require.NoError(t, s.handleStudySessionAction(b, json.RawMessage(
		`{"sessionId":5,"action":"page_turn","payload":{"page":12}}`)))

	actions := eventsNamed(drainEvents(a), EventSessionAction)
	require.Len(t, actions, 1)
	assert.Equal(t, "page_turn", actions[0].Data.(SessionActionPayload).Action)
	assert.Empty(t, eventsNamed(drainEvents(b), EventSessionAction), "study actions exclude the sender")
}

func TestHandleAdminBroadcast(t *testing.T) {
	admin := types.Identity{UserId: 100, Role: types.RoleAdmin, Email: "admin@example.com"}

	t.Run("learner is rejected with zero deliveries", func(t *testing.T) {
		s := newTestServer(t, &store.MockConversationStore{})
		a := addTestClient(t, s, "a", learner(1))
		b := addTestClient(t, s, "b", learner(2))
		require.NoError(t, s.handleJoinCourse(b, json.RawMessage(`{"courseId":10}`)))
		drainEvents(b)

		err := s.handleAdminBroadcast(a, json.RawMessage(`{"message":"hello","targetType":"all"}`))
		var authzErr *AuthorizationError
		assert.ErrorAs(t, err, &authzErr)
		assert.Empty(t, eventsNamed(drainEvents(b), EventAdminNotification))
	})

	t.Run("broadcast to all", func(t *testing.T) {
		s := newTestServer(t, &store.MockConversationStore{})
		adm := addTestClient(t, s, "adm", admin)
		b := addTestClient(t, s, "b", learner(2))

		require.NoError(t, s.handleAdminBroadcast(adm, json.RawMessage(`{"message":"maintenance","targetType":"all"}`)))

		notifications := eventsNamed(drainEvents(b), EventAdminNotification)
		require.Len(t, notifications, 1)
		payload := notifications[0].Data.(AdminNotificationPayload)
		assert.Equal(t, "maintenance", payload.Message)
		assert.Equal(t, admin.Email, payload.From)
	})

	t.Run("broadcast to course room", func(t *testing.T) {
		s := newTestServer(t, &store.MockConversationStore{})
		adm := addTestClient(t, s, "adm", admin)
		b := addTestClient(t, s, "b", learner(2))
		outside := addTestClient(t, s, "c", learner(3))
		require.NoError(t, s.handleJoinCourse(b, json.RawMessage(`{"courseId":10}`)))
		drainEvents(b)

		require.NoError(t, s.handleAdminBroadcast(adm, json.RawMessage(
			`{"message":"new lesson","targetType":"course","targetId":10}`)))

		assert.Len(t, eventsNamed(drainEvents(b), EventAdminNotification), 1)
		assert.Empty(t, eventsNamed(drainEvents(outside), EventAdminNotification))
	})

	t.Run("broadcast to user room reaches all the user's connections", func(t *testing.T) {
		s := newTestServer(t, &store.MockConversationStore{})
		adm := addTestClient(t, s, "adm", admin)
		b1 := addTestClient(t, s, "b1", learner(2))
		b2 := addTestClient(t, s, "b2", learner(2))

		require.NoError(t, s.handleAdminBroadcast(adm, json.RawMessage(
			`{"message":"account notice","targetType":"user","targetId":2}`)))

		assert.Len(t, eventsNamed(drainEvents(b1), EventAdminNotification), 1)
		assert.Len(t, eventsNamed(drainEvents(b2), EventAdminNotification), 1)
	})

	t.Run("unknown target type", func(t *testing.T) {
		s := newTestServer(t, &store.MockConversationStore{})
		adm := addTestClient(t, s, "adm", admin)

		err := s.handleAdminBroadcast(adm, json.RawMessage(`{"message":"x","targetType":"galaxy"}`))
		var vErr *ValidationError
		assert.ErrorAs(t, err, &vErr)
	})
}

func TestConversationLifecycle(t *testing.T) {
	cs := &store.MockConversationStore{}
	defer cs.AssertExpectations(t)
	cs.On("ArchiveConversation", 3).Return(nil).Once()
	cs.On("RestoreConversation", 3).Return(nil).Once()
	cs.On("DeleteConversation", 3).Return(nil).Once()

	s := newTestServer(t, cs)
	a := addTestClient(t, s, "a", learner(1))
	require.NoError(t, s.handleJoinConversation(a, json.RawMessage(`{"conversationId":3}`)))
	drainEvents(a)

	require.NoError(t, s.ArchiveConversation(3))
	require.NoError(t, s.RestoreConversation(3))
	require.NoError(t, s.DeleteConversation(3))

	events := drainEvents(a)
	assert.Len(t, eventsNamed(events, EventConversationArchived), 1)
	assert.Len(t, eventsNamed(events, EventConversationRestored), 1)
	assert.Len(t, eventsNamed(events, EventConversationDeleted), 1)

	cs.On("ArchiveConversation", 99).Return(store.ErrNotFound).Once()
	assert.ErrorIs(t, s.ArchiveConversation(99), store.ErrNotFound)
}

func TestNotifyUserAndCourse(t *testing.T) {
	s := newTestServer(t, &store.MockConversationStore{})
	a := addTestClient(t, s, "a", learner(1))
	b := addTestClient(t, s, "b", learner(2))
	require.NoError(t, s.handleJoinCourse(b, json.RawMessage(`{"courseId":10}`)))
	drainEvents(a)
	drainEvents(b)

	s.NotifyUser(1, types.Notification{Type: "enrollment_approved"})
	notifications := eventsNamed(drainEvents(a), EventNotification)
	require.Len(t, notifications, 1)
	assert.Equal(t, 1, notifications[0].Data.(NotificationPayload).Notification.UserId)

	// at-most-once: no live connection, nothing delivered, no error
	s.NotifyUser(999, types.Notification{Type: "enrollment_approved"})

	s.NotifyCourse(10, types.Notification{Type: "course_updated"})
	courseNotes := eventsNamed(drainEvents(b), EventCourseNotification)
	require.Len(t, courseNotes, 1)
	assert.Equal(t, 10, courseNotes[0].Data.(CourseNotificationPayload).CourseId)
	assert.Empty(t, eventsNamed(drainEvents(a), EventCourseNotification))
}
