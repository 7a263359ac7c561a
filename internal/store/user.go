package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/pigeon-im/pigeon/internal/chat"
)

// UpsertUser inserts or updates a directory record.
func (db *DB) UpsertUser(u *chat.User) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO users (id, email, display_name, avatar_url, online, last_seen, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE users.display_name END,
			avatar_url = CASE WHEN excluded.avatar_url != '' THEN excluded.avatar_url ELSE users.avatar_url END,
			online = excluded.online,
			last_seen = excluded.last_seen,
			updated_at = excluded.updated_at`,
		u.ID, u.Email, u.DisplayName, u.AvatarURL, u.Online, u.LastSeen, u.CreatedAt, now)
	return err
}

// BulkUpsertUsers applies a batch of directory records in one transaction.
func (db *DB) BulkUpsertUsers(users []chat.User) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, u := range users {
		if _, err := tx.Exec(`
			INSERT INTO users (id, email, display_name, avatar_url, online, last_seen, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				email = excluded.email,
				display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE users.display_name END,
				avatar_url = CASE WHEN excluded.avatar_url != '' THEN excluded.avatar_url ELSE users.avatar_url END,
				online = excluded.online,
				last_seen = excluded.last_seen,
				updated_at = excluded.updated_at`,
			u.ID, u.Email, u.DisplayName, u.AvatarURL, u.Online, u.LastSeen, u.CreatedAt, now); err != nil {
			return fmt.Errorf("upsert user %q: %w", u.ID, err)
		}
	}
	return tx.Commit()
}

// GetUser returns a directory record by id, or nil when absent.
func (db *DB) GetUser(id string) (*chat.User, error) {
	var u chat.User
	err := db.QueryRow(`SELECT id, email, display_name, avatar_url, online, last_seen, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Email, &u.DisplayName, &u.AvatarURL, &u.Online, &u.LastSeen, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ListUsers returns all cached directory records sorted by display name.
func (db *DB) ListUsers() ([]chat.User, error) {
	rows, err := db.Query(`SELECT id, email, display_name, avatar_url, online, last_seen, created_at FROM users ORDER BY display_name ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []chat.User
	for rows.Next() {
		var u chat.User
		if err := rows.Scan(&u.ID, &u.Email, &u.DisplayName, &u.AvatarURL, &u.Online, &u.LastSeen, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
