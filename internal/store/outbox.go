package store

// The outbox is a view over message rows with synced = 0: a locally created
// message stays in it until the canonical copy from the remote store has
// been merged (which flips synced) or the entry is deleted. It needs no
// durability beyond the messages table's own.

// OutboxMessages returns every unacknowledged local message in insertion
// order, across all chats.
func (db *DB) OutboxMessages() ([]Message, error) {
	return db.outboxQuery(`SELECT ` + messageColumns + ` FROM messages WHERE synced = 0 ORDER BY created_at ASC, id ASC`)
}

// OutboxForChat returns the unacknowledged local messages of one chat in
// insertion order.
func (db *DB) OutboxForChat(chatID string) ([]Message, error) {
	return db.outboxQuery(`SELECT `+messageColumns+` FROM messages WHERE synced = 0 AND chat_id = ? ORDER BY created_at ASC, id ASC`, chatID)
}

func (db *DB) outboxQuery(query string, args ...any) ([]Message, error) {
	rows, err := db.Query(query, args...)
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
