package store

import (
	"fmt"
	"time"

	"github.com/pigeon-im/pigeon/internal/chat"
)

// UpsertMessage inserts or updates a message (idempotent on
// conversation_id + msg_id). Content and status may be rewritten by a later
// sync; the identity columns never change.
func (db *DB) UpsertMessage(m *chat.Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, sender_id, sender_name, content, message_type, image_ref, status, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			sender_name = excluded.sender_name,
			content = excluded.content,
			image_ref = excluded.image_ref,
			status = excluded.status`,
		m.ConversationID, m.ID, m.SenderID, m.SenderName, m.Content, string(m.Type), m.ImageRef, string(m.Status), m.Timestamp, now)
	return err
}

// BulkUpsertMessages applies a batch of message upserts in one transaction.
func (db *DB) BulkUpsertMessages(msgs []chat.Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, m := range msgs {
		if _, err := tx.Exec(`
			INSERT INTO messages (conversation_id, msg_id, sender_id, sender_name, content, message_type, image_ref, status, timestamp, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
				sender_name = excluded.sender_name,
				content = excluded.content,
				image_ref = excluded.image_ref,
				status = excluded.status`,
			m.ConversationID, m.ID, m.SenderID, m.SenderName, m.Content, string(m.Type), m.ImageRef, string(m.Status), m.Timestamp, now); err != nil {
			return fmt.Errorf("upsert message %q: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// UpdateMessageStatus rewrites the delivery status of one message.
func (db *DB) UpdateMessageStatus(convID, msgID string, status chat.MessageStatus) error {
	_, err := db.Exec(`UPDATE messages SET status = ? WHERE conversation_id = ? AND msg_id = ?`,
		string(status), convID, msgID)
	return err
}

// ListMessages returns messages for a conversation in ascending timestamp
// order, ties broken by msg_id so the order is total.
func (db *DB) ListMessages(convID string, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.Query(`
		SELECT conversation_id, msg_id, sender_id, sender_name, content, message_type, image_ref, status, timestamp
		FROM messages
		WHERE conversation_id = ?
		ORDER BY timestamp ASC, msg_id ASC
		LIMIT ?`, convID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []chat.Message
	for rows.Next() {
		var m chat.Message
		var msgType, status string
		if err := rows.Scan(&m.ConversationID, &m.ID, &m.SenderID, &m.SenderName, &m.Content, &msgType, &m.ImageRef, &status, &m.Timestamp); err != nil {
			return nil, err
		}
		m.Type = chat.MessageType(msgType)
		m.Status = chat.MessageStatus(status)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MessageCount returns the total number of cached messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}
