package types

import (
	"time"
)

const (
	RoleLearner    = "learner"
	RoleInstructor = "instructor"
	RoleAdmin      = "admin"
)

// Identity is the result of verifying a handshake token.
type Identity struct {
	UserId int    `json:"user_id"`
	Role   string `json:"role"`
	Email  string `json:"email"`
}

type Message struct {
	Id             int       `json:"message_id"`
	ConversationId int       `json:"conversation_id,omitempty"`
	CourseId       int       `json:"course_id,omitempty"`
	SenderId       int       `json:"sender_id"`
	SenderEmail    string    `json:"sender_email,omitempty"`
	Text           string    `json:"text"`
	Type           string    `json:"type"`
	CreatedAt      time.Time `json:"created_at"`
	Read           bool      `json:"read"`
}

type Notification struct {
	Id        int       `json:"id"`
	UserId    int       `json:"user_id"`
	Type      string    `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type TypingState struct {
	Room      string    `json:"room"`
	UserId    int       `json:"user_id"`
	ExpiresAt time.Time `json:"-"`
}
