package store

import (
	"database/sql"
	"errors"
	"time"
)

// ListChats returns chats sorted by last message timestamp descending.
func (db *DB) ListChats(limit, offset int) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT chat_id, last_message_preview, last_message_at, unread_count
		FROM chats
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ChatID, &c.LastMessagePreview, &c.LastMessageAt, &c.UnreadCount); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// GetChat returns a single chat by id, or nil if unknown.
func (db *DB) GetChat(chatID string) (*Chat, error) {
	var c Chat
	err := db.QueryRow(`
		SELECT chat_id, last_message_preview, last_message_at, unread_count
		FROM chats WHERE chat_id = ?`, chatID).
		Scan(&c.ChatID, &c.LastMessagePreview, &c.LastMessageAt, &c.UnreadCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// BumpUnread increments a chat's unread counter.
func (db *DB) BumpUnread(chatID string) error {
	_, err := db.Exec(`UPDATE chats SET unread_count = unread_count + 1, updated_at = ? WHERE chat_id = ?`,
		time.Now().UnixMilli(), chatID)
	return err
}

// MarkChatRead resets a chat's unread counter.
func (db *DB) MarkChatRead(chatID string) error {
	_, err := db.Exec(`UPDATE chats SET unread_count = 0, updated_at = ? WHERE chat_id = ?`,
		time.Now().UnixMilli(), chatID)
	return err
}

// ClearChat removes every cached message for a chat and resets its
// projection.
func (db *DB) ClearChat(chatID string) error {
	return db.deleteWhere(chatID, `chat_id = ?`, chatID)
}

// refreshChatProjection recomputes the chat's preview and timestamp from the
// latest visible message. The unread counter is maintained separately so a
// projection rebuild does not clobber it.
func refreshChatProjection(ex execer, chatID string) error {
	var preview string
	var lastAt int64
	err := ex.QueryRow(`
		SELECT body, CASE WHEN synced = 1 THEN sort_ts ELSE created_at END
		FROM messages WHERE chat_id = ?`+lastVisibleOrder+` LIMIT 1`, chatID).
		Scan(&preview, &lastAt)
	if errors.Is(err, sql.ErrNoRows) {
		preview, lastAt = "", 0
	} else if err != nil {
		return err
	}

	_, err = ex.Exec(`
		INSERT INTO chats (chat_id, last_message_preview, last_message_at, unread_count, updated_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			last_message_preview = excluded.last_message_preview,
			last_message_at = excluded.last_message_at,
			updated_at = excluded.updated_at`,
		chatID, truncate(preview, 100), lastAt, time.Now().UnixMilli())
	return err
}

// lastVisibleOrder is visibleOrder reversed: the newest entry first.
const lastVisibleOrder = ` ORDER BY synced ASC,
	CASE WHEN synced = 1 THEN sort_ts ELSE created_at END DESC, id DESC`

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
