package store

import (
	"github.com/minicoursera/realtime/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockConversationStore struct {
	mock.Mock
}

func (m *MockConversationStore) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockConversationStore) ListMessages(conversationId, beforeId, limit int) ([]types.Message, error) {
	args := m.Called(conversationId, beforeId, limit)
	if msgs, ok := args.Get(0).([]types.Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockConversationStore) CreateMessage(params CreateMessageParams) (types.Message, error) {
	args := m.Called(params)
	return args.Get(0).(types.Message), args.Error(1)
}
func (m *MockConversationStore) MarkConversationRead(conversationId, userId int) error {
	args := m.Called(conversationId, userId)
	return args.Error(0)
}
func (m *MockConversationStore) ArchiveConversation(conversationId int) error {
	args := m.Called(conversationId)
	return args.Error(0)
}
func (m *MockConversationStore) RestoreConversation(conversationId int) error {
	args := m.Called(conversationId)
	return args.Error(0)
}
func (m *MockConversationStore) DeleteConversation(conversationId int) error {
	args := m.Called(conversationId)
	return args.Error(0)
}
func (m *MockConversationStore) ConversationParticipants(conversationId int) ([]int, error) {
	args := m.Called(conversationId)
	if ids, ok := args.Get(0).([]int); ok {
		return ids, args.Error(1)
	}
	return nil, args.Error(1)
}
