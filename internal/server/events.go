package server

import (
	"encoding/json"
	"time"

	"github.com/minicoursera/realtime/internal/types"
)

// Inbound event names.
const (
	EventJoinCourse         = "join_course"
	EventLeaveCourse        = "leave_course"
	EventJoinConversation   = "join_conversation"
	EventLeaveConversation  = "leave_conversation"
	EventChatMessage        = "chat_message"
	EventTypingStart        = "typing_start"
	EventTypingStop         = "typing_stop"
	EventProgressUpdate     = "progress_update"
	EventJoinStudySession   = "join_study_session"
	EventStudySessionAction = "study_session_action"
	EventAdminBroadcast     = "admin_broadcast"
)

// Outbound event names.
const (
	EventConnected            = "connected"
	EventCourseStats          = "course_stats"
	EventUserJoinedCourse     = "user_joined_course"
	EventUserLeftCourse       = "user_left_course"
	EventNewMessage           = "new_message"
	EventUserTyping           = "user_typing"
	EventProgressUpdated      = "progress_updated"
	EventLessonCompleted      = "lesson_completed"
	EventNotification         = "notification"
	EventCourseNotification   = "course_notification"
	EventAdminNotification    = "admin_notification"
	EventUserJoinedSession    = "user_joined_session"
	EventSessionAction        = "session_action"
	EventConversationUpdated  = "conversation_updated"
	EventConversationArchived = "conversation_archived"
	EventConversationRestored = "conversation_restored"
	EventConversationDeleted  = "conversation_deleted"
	EventError                = "error"
)

// ClientEvent is the envelope of every inbound frame. Payload
// decoding is deferred to the matched handler.
type ClientEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ServerEvent is the envelope of every outbound frame.
type ServerEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type JoinCoursePayload struct {
	CourseId int `json:"courseId"`
}

type JoinConversationPayload struct {
	ConversationId int `json:"conversationId"`
}

type ChatMessagePayload struct {
	Room string `json:"room"`
	Text string `json:"text"`
	Type string `json:"type,omitempty"`
}

type TypingPayload struct {
	Room string `json:"room"`
}

type ProgressUpdatePayload struct {
	CourseId  int     `json:"courseId"`
	LessonId  int     `json:"lessonId"`
	Progress  float64 `json:"progress"`
	Completed bool    `json:"completed"`
}

type JoinStudySessionPayload struct {
	SessionId int `json:"sessionId"`
	CourseId  int `json:"courseId"`
}

type StudySessionActionPayload struct {
	SessionId int             `json:"sessionId"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type AdminBroadcastPayload struct {
	Message    string `json:"message"`
	TargetType string `json:"targetType"`
	TargetId   int    `json:"targetId,omitempty"`
}

type ConnectedPayload struct {
	UserId    int       `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

type CourseStatsPayload struct {
	CourseId    int       `json:"courseId"`
	ActiveUsers int       `json:"activeUsers"`
	Timestamp   time.Time `json:"timestamp"`
}

type CourseMembershipPayload struct {
	UserId    int       `json:"userId"`
	UserEmail string    `json:"userEmail,omitempty"`
	CourseId  int       `json:"courseId"`
	Timestamp time.Time `json:"timestamp"`
}

type UserTypingPayload struct {
	Room   string `json:"room"`
	UserId int    `json:"userId"`
	Typing bool   `json:"typing"`
}

type ProgressUpdatedPayload struct {
	UserId    int       `json:"userId"`
	CourseId  int       `json:"courseId"`
	LessonId  int       `json:"lessonId"`
	Progress  float64   `json:"progress"`
	Completed bool      `json:"completed"`
	Timestamp time.Time `json:"timestamp"`
}

type LessonCompletedPayload struct {
	Message   string    `json:"message"`
	LessonId  int       `json:"lessonId"`
	CourseId  int       `json:"courseId"`
	Timestamp time.Time `json:"timestamp"`
}

type SessionMembershipPayload struct {
	UserId    int       `json:"userId"`
	UserEmail string    `json:"userEmail,omitempty"`
	SessionId int       `json:"sessionId"`
	CourseId  int       `json:"courseId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type SessionActionPayload struct {
	UserId    int             `json:"userId"`
	SessionId int             `json:"sessionId"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type AdminNotificationPayload struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	From      string    `json:"from"`
	Timestamp time.Time `json:"timestamp"`
}

type ConversationUpdatedPayload struct {
	ConversationId int       `json:"conversationId"`
	ActiveUsers    int       `json:"activeUsers"`
	Timestamp      time.Time `json:"timestamp"`
}

type ConversationLifecyclePayload struct {
	ConversationId int       `json:"conversationId"`
	Timestamp      time.Time `json:"timestamp"`
}

type NotificationPayload struct {
	Notification types.Notification `json:"notification"`
	Timestamp    time.Time          `json:"timestamp"`
}

type CourseNotificationPayload struct {
	CourseId     int                `json:"courseId"`
	Notification types.Notification `json:"notification"`
	Timestamp    time.Time          `json:"timestamp"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

func ErrorEvent(message string) *ServerEvent {
	return &ServerEvent{
		Event: EventError,
		Data:  ErrorPayload{Message: message},
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
