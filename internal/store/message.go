package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tmarotta/quill/internal/delivery"
)

const messageColumns = `id, chat_id, local_id, server_id, sender_id, body, kind, media_ref,
	duration_secs, delivery_state, synced, sort_ts, created_at, send_attempts`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (*Message, error) {
	var m Message
	err := r.Scan(&m.ID, &m.ChatID, &m.LocalID, &m.ServerID, &m.SenderID, &m.Body, &m.Kind,
		&m.MediaRef, &m.DurationSecs, (*string)(&m.DeliveryState), &m.Synced, &m.SortTs, &m.CreatedAt,
		&m.SendAttempts)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// visibleOrder sorts synced messages by server timestamp and appends pending
// messages after them in local insertion order. Once a message acquires a
// server timestamp it never reorders relative to other synced messages.
const visibleOrder = ` ORDER BY synced DESC,
	CASE WHEN synced = 1 THEN sort_ts ELSE created_at END ASC, id ASC`

// GetMessages returns the full cached set for a chat in visible order. The
// set is bounded per conversation, so it is read eagerly.
func (db *DB) GetMessages(chatID string) ([]Message, error) {
	rows, err := db.Query(`SELECT `+messageColumns+` FROM messages WHERE chat_id = ?`+visibleOrder, chatID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// GetMessageByServerID returns the message with the given canonical id, or
// nil if it is not cached.
func (db *DB) GetMessageByServerID(serverID string) (*Message, error) {
	return getMessageByServerID(db.DB, serverID)
}

func getMessageByServerID(ex execer, serverID string) (*Message, error) {
	m, err := scanMessage(ex.QueryRow(
		`SELECT `+messageColumns+` FROM messages WHERE server_id = ?`, serverID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// GetMessageByLocalID returns the message with the given client id, or nil.
func (db *DB) GetMessageByLocalID(chatID, localID string) (*Message, error) {
	return getMessageByLocalID(db.DB, chatID, localID)
}

func getMessageByLocalID(ex execer, chatID, localID string) (*Message, error) {
	m, err := scanMessage(ex.QueryRow(
		`SELECT `+messageColumns+` FROM messages WHERE chat_id = ? AND local_id = ?`, chatID, localID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// UpsertMessage inserts or updates a message, keyed by server id when the
// incoming copy has one and by (chat id, local id) otherwise. Merging is
// idempotent and never moves the delivery state backward; synced is sticky
// once true. A pending row matched by local id is reconciled in place, so
// exactly one visible entry exists per logical message.
func (db *DB) UpsertMessage(m *Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertMessage(tx, m); err != nil {
		return err
	}
	if err := refreshChatProjection(tx, m.ChatID); err != nil {
		return fmt.Errorf("refresh chat projection: %w", err)
	}
	return tx.Commit()
}

// UpsertMessages bulk-upserts a batch in one transaction. Used by the sync
// coordinator when merging a canonical fetch.
func (db *DB) UpsertMessages(msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	chats := make(map[string]struct{})
	for _, m := range msgs {
		if err := upsertMessage(tx, m); err != nil {
			return fmt.Errorf("upsert message %s: %w", m.Key(), err)
		}
		chats[m.ChatID] = struct{}{}
	}
	for chatID := range chats {
		if err := refreshChatProjection(tx, chatID); err != nil {
			return fmt.Errorf("refresh chat projection %s: %w", chatID, err)
		}
	}
	return tx.Commit()
}

func upsertMessage(ex execer, m *Message) error {
	existing, err := findExisting(ex, m)
	if err != nil {
		return err
	}

	if existing == nil {
		localID := m.LocalID
		if localID == "" {
			localID = m.ServerID
		}
		createdAt := m.CreatedAt
		if createdAt == 0 {
			createdAt = time.Now().UnixMilli()
		}
		_, err := ex.Exec(`
			INSERT INTO messages (chat_id, local_id, server_id, sender_id, body, kind, media_ref,
				duration_secs, delivery_state, synced, sort_ts, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ChatID, localID, m.ServerID, m.SenderID, m.Body, m.Kind, m.MediaRef,
			m.DurationSecs, string(m.DeliveryState), m.Synced, m.SortTs, createdAt)
		return err
	}

	serverID := existing.ServerID
	if serverID == "" {
		serverID = m.ServerID
	}
	state := delivery.Merge(existing.DeliveryState, m.DeliveryState)
	synced := existing.Synced || m.Synced
	sortTs := existing.SortTs
	if m.Synced {
		// Server timestamp wins over the provisional client one.
		sortTs = m.SortTs
	}

	_, err = ex.Exec(`
		UPDATE messages SET server_id = ?, sender_id = ?, body = ?, kind = ?, media_ref = ?,
			duration_secs = ?, delivery_state = ?, synced = ?, sort_ts = ?
		WHERE id = ?`,
		serverID, m.SenderID, m.Body, m.Kind, m.MediaRef,
		m.DurationSecs, string(state), synced, sortTs, existing.ID)
	return err
}

func findExisting(ex execer, m *Message) (*Message, error) {
	if m.ServerID != "" {
		existing, err := getMessageByServerID(ex, m.ServerID)
		if err != nil || existing != nil {
			return existing, err
		}
	}
	if m.LocalID != "" {
		return getMessageByLocalID(ex, m.ChatID, m.LocalID)
	}
	return nil, nil
}

// DeleteMessageByServerID removes a message by canonical id.
func (db *DB) DeleteMessageByServerID(chatID, serverID string) error {
	return db.deleteWhere(chatID, `server_id = ?`, serverID)
}

// DeleteMessageByLocalID removes a message by client id.
func (db *DB) DeleteMessageByLocalID(chatID, localID string) error {
	return db.deleteWhere(chatID, `chat_id = ? AND local_id = ?`, chatID, localID)
}

func (db *DB) deleteWhere(chatID, cond string, args ...any) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE `+cond, args...); err != nil {
		return err
	}
	if err := refreshChatProjection(tx, chatID); err != nil {
		return fmt.Errorf("refresh chat projection: %w", err)
	}
	return tx.Commit()
}

// MarkSendAttempt increments the send attempt counter of a pending row and
// returns the new count. The counter feeds the media-blob retention rule:
// after one full retry cycle a failed media message stops referencing its
// local blob.
func (db *DB) MarkSendAttempt(chatID, localID string) (int, error) {
	if _, err := db.Exec(`
		UPDATE messages SET send_attempts = send_attempts + 1
		WHERE chat_id = ? AND local_id = ?`, chatID, localID); err != nil {
		return 0, err
	}
	var attempts int
	err := db.QueryRow(`SELECT send_attempts FROM messages WHERE chat_id = ? AND local_id = ?`,
		chatID, localID).Scan(&attempts)
	return attempts, err
}

// SetMediaRef replaces a message's media reference (e.g. once a staged blob
// has been uploaded and has a public URL).
func (db *DB) SetMediaRef(chatID, localID, ref string) error {
	_, err := db.Exec(`UPDATE messages SET media_ref = ? WHERE chat_id = ? AND local_id = ?`,
		ref, chatID, localID)
	return err
}

// FindPendingEcho looks for a locally pending own message matching an
// incoming canonical insert by content and timestamp proximity. This is the
// heuristic fallback used when the realtime channel does not echo the
// originating client id; it can misfire for rapid duplicate-content sends.
func (db *DB) FindPendingEcho(chatID, senderID, body string, ts, windowMs int64) (*Message, error) {
	m, err := scanMessage(db.QueryRow(`
		SELECT `+messageColumns+` FROM messages
		WHERE chat_id = ? AND sender_id = ? AND body = ? AND synced = 0
			AND ABS(created_at - ?) <= ?
		ORDER BY created_at ASC LIMIT 1`,
		chatID, senderID, body, ts, windowMs))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}
