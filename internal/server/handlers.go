package server

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/minicoursera/realtime/internal/registry"
	"github.com/minicoursera/realtime/internal/store"
	"github.com/minicoursera/realtime/internal/types"
)

// roomId extracts the numeric id from a room name such as
// "course:10". Zero when the name carries no id.
func roomId(room string) int {
	_, rest, ok := strings.Cut(room, ":")
	if !ok {
		return 0
	}

	id, err := strconv.Atoi(rest)
	if err != nil {
		return 0
	}
	return id
}

func (s *Server) handleJoinCourse(c *Client, data json.RawMessage) error {
	var payload JoinCoursePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.CourseId == 0 {
		return errMissingField("courseId")
	}

	room := registry.CourseRoom(payload.CourseId)
	res, err := s.joinRoom(c.id, room)
	if err != nil {
		return err
	}

	if !res.Already && res.FirstForUser {
		s.Broadcast(room, &ServerEvent{
			Event: EventUserJoinedCourse,
			Data: CourseMembershipPayload{
				UserId:    c.identity.UserId,
				UserEmail: c.identity.Email,
				CourseId:  payload.CourseId,
				Timestamp: Now(),
			},
		}, c)
	}

	// current stats go to the whole room, joiner included
	s.Broadcast(room, &ServerEvent{
		Event: EventCourseStats,
		Data: CourseStatsPayload{
			CourseId:    payload.CourseId,
			ActiveUsers: res.Users,
			Timestamp:   Now(),
		},
	}, nil)

	return nil
}

func (s *Server) handleLeaveCourse(c *Client, data json.RawMessage) error {
	var payload JoinCoursePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.CourseId == 0 {
		return errMissingField("courseId")
	}

	res, err := s.registry.Leave(c.id, registry.CourseRoom(payload.CourseId))
	if err != nil {
		return err
	}

	// duplicate leave is a no-op, not an error
	s.emitLeave(c, res)
	return nil
}

func (s *Server) handleJoinConversation(c *Client, data json.RawMessage) error {
	var payload JoinConversationPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.ConversationId == 0 {
		return errMissingField("conversationId")
	}

	room := registry.ConversationRoom(payload.ConversationId)
	res, err := s.joinRoom(c.id, room)
	if err != nil {
		return err
	}

	// the whole room sees the change; for the joiner this doubles as
	// the join acknowledgement
	s.Broadcast(room, &ServerEvent{
		Event: EventConversationUpdated,
		Data: ConversationUpdatedPayload{
			ConversationId: payload.ConversationId,
			ActiveUsers:    res.Users,
			Timestamp:      Now(),
		},
	}, nil)

	return nil
}

func (s *Server) handleLeaveConversation(c *Client, data json.RawMessage) error {
	var payload JoinConversationPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.ConversationId == 0 {
		return errMissingField("conversationId")
	}

	res, err := s.registry.Leave(c.id, registry.ConversationRoom(payload.ConversationId))
	if err != nil {
		return err
	}

	s.emitLeave(c, res)
	return nil
}

func (s *Server) handleChatMessage(c *Client, data json.RawMessage) error {
	var payload ChatMessagePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.Room == "" {
		return errMissingField("room")
	}
	if payload.Text == "" {
		return errMissingField("text")
	}

	kind := registry.RoomKind(payload.Room)
	if kind != registry.KindCourse && kind != registry.KindConversation {
		return &ValidationError{Reason: "room does not accept chat messages"}
	}

	msgType := payload.Type
	if msgType == "" {
		msgType = "text"
	}

	params := store.CreateMessageParams{
		SenderId:    c.identity.UserId,
		SenderEmail: c.identity.Email,
		Text:        payload.Text,
		Type:        msgType,
	}
	switch kind {
	case registry.KindConversation:
		params.ConversationId = roomId(payload.Room)
	case registry.KindCourse:
		params.CourseId = roomId(payload.Room)
	}

	// the message must be durably saved before any fan-out; a send
	// that fails is surfaced to the sender, never silently dropped
	msg, err := s.store.CreateMessage(params)
	if err != nil {
		s.log.Printf("create message: %v", err)
		return &ValidationError{Reason: "failed to send message"}
	}

	var skip *Client
	if !s.includeSender[kind] {
		skip = c
	}
	s.Broadcast(payload.Room, &ServerEvent{
		Event: EventNewMessage,
		Data:  msg,
	}, skip)

	if kind == registry.KindConversation {
		s.notifyOfflineParticipants(c, payload.Room, msg)
	}

	return nil
}

// notifyOfflineParticipants sends a notification to each participant
// of the conversation without a live connection in its room, so
// their unread counters advance without the full message fan-out.
func (s *Server) notifyOfflineParticipants(c *Client, room string, msg types.Message) {
	participants, err := s.store.ConversationParticipants(msg.ConversationId)
	if err != nil {
		s.log.Printf("conversation participants for %d: %v", msg.ConversationId, err)
		return
	}

	present := make(map[int]struct{})
	for _, conn := range s.registry.Snapshot(room) {
		present[conn.Identity.UserId] = struct{}{}
	}

	for _, userId := range participants {
		if userId == c.identity.UserId {
			continue
		}
		if _, ok := present[userId]; ok {
			continue
		}

		s.Broadcast(registry.PersonalRoom(userId), &ServerEvent{
			Event: EventNotification,
			Data: NotificationPayload{
				Notification: types.Notification{
					UserId:    userId,
					Type:      "new_message",
					Payload:   msg,
					CreatedAt: msg.CreatedAt,
				},
				Timestamp: Now(),
			},
		}, nil)
	}
}

func (s *Server) handleTypingStart(c *Client, data json.RawMessage) error {
	var payload TypingPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.Room == "" {
		return errMissingField("room")
	}

	s.typing.Start(payload.Room, c.identity.UserId)
	s.Broadcast(payload.Room, &ServerEvent{
		Event: EventUserTyping,
		Data: UserTypingPayload{
			Room:   payload.Room,
			UserId: c.identity.UserId,
			Typing: true,
		},
	}, c)

	return nil
}

func (s *Server) handleTypingStop(c *Client, data json.RawMessage) error {
	var payload TypingPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.Room == "" {
		return errMissingField("room")
	}

	// stop without a preceding start is a no-op
	if !s.typing.Stop(payload.Room, c.identity.UserId) {
		return nil
	}

	s.Broadcast(payload.Room, &ServerEvent{
		Event: EventUserTyping,
		Data: UserTypingPayload{
			Room:   payload.Room,
			UserId: c.identity.UserId,
			Typing: false,
		},
	}, c)

	return nil
}

func (s *Server) handleProgressUpdate(c *Client, data json.RawMessage) error {
	var payload ProgressUpdatePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.CourseId == 0 {
		return errMissingField("courseId")
	}

	s.Broadcast(registry.CourseRoom(payload.CourseId), &ServerEvent{
		Event: EventProgressUpdated,
		Data: ProgressUpdatedPayload{
			UserId:    c.identity.UserId,
			CourseId:  payload.CourseId,
			LessonId:  payload.LessonId,
			Progress:  payload.Progress,
			Completed: payload.Completed,
			Timestamp: Now(),
		},
	}, c)

	if payload.Completed {
		c.queueEvent(&ServerEvent{
			Event: EventLessonCompleted,
			Data: LessonCompletedPayload{
				Message:   "Congratulations! Lesson completed!",
				LessonId:  payload.LessonId,
				CourseId:  payload.CourseId,
				Timestamp: Now(),
			},
		})
	}

	return nil
}

func (s *Server) handleJoinStudySession(c *Client, data json.RawMessage) error {
	var payload JoinStudySessionPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.SessionId == 0 {
		return errMissingField("sessionId")
	}

	room := registry.StudyRoom(payload.SessionId)
	res, err := s.joinRoom(c.id, room)
	if err != nil {
		return err
	}

	if !res.Already && res.FirstForUser {
		s.Broadcast(room, &ServerEvent{
			Event: EventUserJoinedSession,
			Data: SessionMembershipPayload{
				UserId:    c.identity.UserId,
				UserEmail: c.identity.Email,
				SessionId: payload.SessionId,
				CourseId:  payload.CourseId,
				Timestamp: Now(),
			},
		}, c)
	}

	c.queueEvent(&ServerEvent{
		Event: EventCourseStats,
		Data: CourseStatsPayload{
			CourseId:    payload.SessionId,
			ActiveUsers: res.Users,
			Timestamp:   Now(),
		},
	})

	return nil
}

func (s *Server) handleStudySessionAction(c *Client, data json.RawMessage) error {
	var payload StudySessionActionPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.SessionId == 0 {
		return errMissingField("sessionId")
	}
	if payload.Action == "" {
		return errMissingField("action")
	}

	s.Broadcast(registry.StudyRoom(payload.SessionId), &ServerEvent{
		Event: EventSessionAction,
		Data: SessionActionPayload{
			UserId:    c.identity.UserId,
			SessionId: payload.SessionId,
			Action:    payload.Action,
			Payload:   payload.Payload,
			Timestamp: Now(),
		},
	}, c)

	return nil
}

func (s *Server) handleAdminBroadcast(c *Client, data json.RawMessage) error {
	if c.identity.Role != types.RoleAdmin {
		return &AuthorizationError{Reason: "admin access required"}
	}

	var payload AdminBroadcastPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.Message == "" {
		return errMissingField("message")
	}

	evt := &ServerEvent{
		Event: EventAdminNotification,
		Data: AdminNotificationPayload{
			Type:      "admin_broadcast",
			Message:   payload.Message,
			From:      c.identity.Email,
			Timestamp: Now(),
		},
	}

	switch payload.TargetType {
	case "", "all":
		s.broadcastAll(evt)
	case "course":
		if payload.TargetId == 0 {
			return errMissingField("targetId")
		}
		s.Broadcast(registry.CourseRoom(payload.TargetId), evt, nil)
	case "user":
		if payload.TargetId == 0 {
			return errMissingField("targetId")
		}
		s.Broadcast(registry.PersonalRoom(payload.TargetId), evt, nil)
	default:
		return &ValidationError{Reason: "unknown targetType"}
	}

	return nil
}

// NotifyUser delivers a notification to the user's personal room.
// At-most-once: a user with no live connection receives nothing.
func (s *Server) NotifyUser(userId int, n types.Notification) {
	n.UserId = userId
	s.Broadcast(registry.PersonalRoom(userId), &ServerEvent{
		Event: EventNotification,
		Data: NotificationPayload{
			Notification: n,
			Timestamp:    Now(),
		},
	}, nil)
}

// NotifyCourse delivers a notification to everyone in the course room.
func (s *Server) NotifyCourse(courseId int, n types.Notification) {
	s.Broadcast(registry.CourseRoom(courseId), &ServerEvent{
		Event: EventCourseNotification,
		Data: CourseNotificationPayload{
			CourseId:     courseId,
			Notification: n,
			Timestamp:    Now(),
		},
	}, nil)
}

// ArchiveConversation archives the conversation through the store
// and notifies its room.
func (s *Server) ArchiveConversation(conversationId int) error {
	if err := s.store.ArchiveConversation(conversationId); err != nil {
		return err
	}

	s.broadcastConversationLifecycle(EventConversationArchived, conversationId)
	return nil
}

// RestoreConversation restores an archived conversation and notifies
// its room.
func (s *Server) RestoreConversation(conversationId int) error {
	if err := s.store.RestoreConversation(conversationId); err != nil {
		return err
	}

	s.broadcastConversationLifecycle(EventConversationRestored, conversationId)
	return nil
}

// DeleteConversation deletes the conversation and notifies its room.
func (s *Server) DeleteConversation(conversationId int) error {
	if err := s.store.DeleteConversation(conversationId); err != nil {
		return err
	}

	s.broadcastConversationLifecycle(EventConversationDeleted, conversationId)
	return nil
}

func (s *Server) broadcastConversationLifecycle(event string, conversationId int) {
	s.Broadcast(registry.ConversationRoom(conversationId), &ServerEvent{
		Event: event,
		Data: ConversationLifecyclePayload{
			ConversationId: conversationId,
			Timestamp:      Now(),
		},
	}, nil)
}
