package store

import (
	"errors"

	"github.com/minicoursera/realtime/internal/types"
)

// ErrNotFound is returned when the referenced conversation or
// message does not exist.
var ErrNotFound = errors.New("not found")

type CreateMessageParams struct {
	ConversationId int
	CourseId       int
	SenderId       int
	SenderEmail    string
	Text           string
	Type           string
}

// ConversationStore is the contract of the external persistence
// collaborator. The realtime core assumes a message is durably saved
// through this interface before it is broadcast; the core itself
// never replays or re-persists anything.
type ConversationStore interface {
	Ping() error
	// ListMessages returns up to limit messages with id < beforeId
	// (beforeId 0 means newest), ordered by ascending id.
	ListMessages(conversationId, beforeId, limit int) ([]types.Message, error)
	// CreateMessage persists the message and returns it with the
	// server-assigned id.
	CreateMessage(params CreateMessageParams) (types.Message, error)
	// MarkConversationRead is idempotent: it transitions unread
	// messages addressed to the user to read, never backward.
	MarkConversationRead(conversationId, userId int) error
	ArchiveConversation(conversationId int) error
	RestoreConversation(conversationId int) error
	DeleteConversation(conversationId int) error
	// ConversationParticipants returns the user ids party to the
	// conversation, used to notify offline participants.
	ConversationParticipants(conversationId int) ([]int, error)
}
