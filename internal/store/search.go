package store

// SearchMessages performs a full-text search on message bodies.
func (db *DB) SearchMessages(query string, chatID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT m.id, m.chat_id, m.local_id, m.server_id, m.sender_id, m.body, m.kind,
		       m.media_ref, m.duration_secs, m.delivery_state, m.synced, m.sort_ts, m.created_at,
		       m.send_attempts,
		       snippet(messages_fts, 0, '<<', '>>', '...', 32)
		FROM messages_fts f
		JOIN messages m ON m.id = f.rowid
		WHERE messages_fts MATCH ?`

	args := []any{query}
	if chatID != "" {
		q += " AND m.chat_id = ?"
		args = append(args, chatID)
	}
	q += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		m := &r.Message
		if err := rows.Scan(
			&m.ID, &m.ChatID, &m.LocalID, &m.ServerID, &m.SenderID, &m.Body, &m.Kind,
			&m.MediaRef, &m.DurationSecs, (*string)(&m.DeliveryState), &m.Synced,
			&m.SortTs, &m.CreatedAt, &m.SendAttempts, &r.Snippet,
		); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
