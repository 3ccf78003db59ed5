package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/minicoursera/realtime/internal/types"
)

const defaultPageSize = 50

func (db *PgConversationStore) ListMessages(conversationId, beforeId, limit int) ([]types.Message, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if beforeId <= 0 {
		beforeId = int(^uint(0) >> 1)
	}

	rows, err := db.conn.Query(
		"SELECT id, conversation_id, COALESCE(course_id, 0), sender_id, sender_email, content, message_type, created_at, is_read "+
			"FROM chat_messages WHERE conversation_id = $1 AND id < $2 "+
			"ORDER BY id DESC LIMIT $3",
		conversationId,
		beforeId,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []types.Message
	for rows.Next() {
		var m types.Message
		if err := rows.Scan(
			&m.Id,
			&m.ConversationId,
			&m.CourseId,
			&m.SenderId,
			&m.SenderEmail,
			&m.Text,
			&m.Type,
			&m.CreatedAt,
			&m.Read,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// query is newest-first for the LIMIT; callers get ascending id
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func (db *PgConversationStore) CreateMessage(params CreateMessageParams) (types.Message, error) {
	res := db.conn.QueryRow(
		"INSERT INTO chat_messages (conversation_id, course_id, sender_id, sender_email, content, message_type, created_at, is_read) "+
			"VALUES ($1, NULLIF($2, 0), $3, $4, $5, $6, $7, FALSE) RETURNING id, created_at",
		params.ConversationId,
		params.CourseId,
		params.SenderId,
		params.SenderEmail,
		params.Text,
		params.Type,
		time.Now().UTC(),
	)

	msg := types.Message{
		ConversationId: params.ConversationId,
		CourseId:       params.CourseId,
		SenderId:       params.SenderId,
		SenderEmail:    params.SenderEmail,
		Text:           params.Text,
		Type:           params.Type,
	}
	if err := res.Scan(&msg.Id, &msg.CreatedAt); err != nil {
		return types.Message{}, fmt.Errorf("create message: %w", err)
	}

	return msg, nil
}

func (db *PgConversationStore) MarkConversationRead(conversationId, userId int) error {
	// read state only transitions unread -> read, never backward
	_, err := db.conn.Exec(
		"UPDATE chat_messages SET is_read = TRUE "+
			"WHERE conversation_id = $1 AND sender_id <> $2 AND is_read = FALSE",
		conversationId,
		userId,
	)
	if err != nil {
		return fmt.Errorf("mark conversation read: %w", err)
	}

	return nil
}

func (db *PgConversationStore) ArchiveConversation(conversationId int) error {
	return db.setConversationStatus(conversationId, "archived")
}

func (db *PgConversationStore) RestoreConversation(conversationId int) error {
	return db.setConversationStatus(conversationId, "active")
}

func (db *PgConversationStore) setConversationStatus(conversationId int, status string) error {
	res, err := db.conn.Exec(
		"UPDATE chat_conversations SET status = $2, updated_at = $3 WHERE id = $1",
		conversationId,
		status,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set conversation status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

func (db *PgConversationStore) DeleteConversation(conversationId int) error {
	res, err := db.conn.Exec(
		"DELETE FROM chat_conversations WHERE id = $1",
		conversationId,
	)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

func (db *PgConversationStore) ConversationParticipants(conversationId int) ([]int, error) {
	rows, err := db.conn.Query(
		"SELECT user_id FROM chat_participants WHERE conversation_id = $1",
		conversationId,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("conversation participants: %w", err)
	}
	defer rows.Close()

	var userIds []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		userIds = append(userIds, id)
	}

	return userIds, rows.Err()
}
