package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pigeon-im/pigeon/internal/chat"
)

// UpsertConversation inserts or updates a conversation record. The JSON
// columns mirror the remote document shape so a re-sync converges on the
// same rows.
func (db *DB) UpsertConversation(c *chat.Conversation) error {
	participants, err := json.Marshal(c.Participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	info, err := json.Marshal(c.ParticipantsInfo)
	if err != nil {
		return fmt.Errorf("encode participants info: %w", err)
	}
	unread, err := json.Marshal(c.UnreadCount)
	if err != nil {
		return fmt.Errorf("encode unread counts: %w", err)
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO conversations (id, participants, participants_info, last_message, last_message_type, last_message_sender_id, last_message_at, created_at, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			participants = excluded.participants,
			participants_info = excluded.participants_info,
			last_message = excluded.last_message,
			last_message_type = excluded.last_message_type,
			last_message_sender_id = excluded.last_message_sender_id,
			last_message_at = excluded.last_message_at,
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`,
		c.ID, participants, info, c.LastMessage, string(c.LastMessageType), c.LastMessageSenderID, c.LastMessageAt, c.CreatedAt, unread, now)
	return err
}

// ListConversations returns conversations sorted by last message timestamp
// descending, most recently active first.
func (db *DB) ListConversations(limit, offset int) ([]chat.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, participants, participants_info, last_message, last_message_type, last_message_sender_id, last_message_at, created_at, unread_count
		FROM conversations
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []chat.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single conversation by id, or nil when absent.
func (db *DB) GetConversation(id string) (*chat.Conversation, error) {
	row := db.QueryRow(`
		SELECT id, participants, participants_info, last_message, last_message_type, last_message_sender_id, last_message_at, created_at, unread_count
		FROM conversations
		WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ConversationCount returns the total number of cached conversations.
func (db *DB) ConversationCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&count)
	return count, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*chat.Conversation, error) {
	var c chat.Conversation
	var participants, info, unread []byte
	var msgType string
	if err := row.Scan(&c.ID, &participants, &info, &c.LastMessage, &msgType, &c.LastMessageSenderID, &c.LastMessageAt, &c.CreatedAt, &unread); err != nil {
		return nil, err
	}
	c.LastMessageType = chat.MessageType(msgType)
	if err := json.Unmarshal(participants, &c.Participants); err != nil {
		return nil, fmt.Errorf("decode participants: %w", err)
	}
	if err := json.Unmarshal(info, &c.ParticipantsInfo); err != nil {
		return nil, fmt.Errorf("decode participants info: %w", err)
	}
	if err := json.Unmarshal(unread, &c.UnreadCount); err != nil {
		return nil, fmt.Errorf("decode unread counts: %w", err)
	}
	return &c, nil
}
