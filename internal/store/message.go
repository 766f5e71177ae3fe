package store

import "time"

// InsertMessage appends a message row.
func (db *DB) InsertMessage(m *MessageRecord) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (id, workspace_id, direction, counterparty, body, message_type, status, provider_msg_id, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.WorkspaceID, m.Direction, m.Counterparty, m.Body, m.MessageType, m.Status, m.ProviderMsgID, m.Timestamp, now)
	return err
}

// UpdateMessageStatus sets the status of the message matching a provider
// message id. Returns false when no row matched, which the relay treats
// as a delivery race (logged, dropped). Re-applying the same status is a
// no-op at the row level, keeping updates idempotent.
func (db *DB) UpdateMessageStatus(workspaceID, providerMsgID, status string) (bool, error) {
	res, err := db.Exec(`
		UPDATE messages SET status = ?
		WHERE workspace_id = ? AND provider_msg_id = ?`,
		status, workspaceID, providerMsgID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetMessageByProviderID returns the message matching a provider message
// id, or nil if none.
func (db *DB) GetMessageByProviderID(workspaceID, providerMsgID string) (*MessageRecord, error) {
	rows, err := db.Query(`
		SELECT id, workspace_id, direction, counterparty, body, message_type, status, provider_msg_id, timestamp
		FROM messages WHERE workspace_id = ? AND provider_msg_id = ? LIMIT 1`,
		workspaceID, providerMsgID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var m MessageRecord
	if err := rows.Scan(&m.ID, &m.WorkspaceID, &m.Direction, &m.Counterparty, &m.Body, &m.MessageType, &m.Status, &m.ProviderMsgID, &m.Timestamp); err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns a workspace's messages using keyset pagination by
// timestamp, newest first.
func (db *DB) ListMessages(workspaceID string, beforeTs int64, limit int) ([]MessageRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, workspace_id, direction, counterparty, body, message_type, status, provider_msg_id, timestamp
		FROM messages
		WHERE workspace_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, workspaceID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []MessageRecord
	for rows.Next() {
		var m MessageRecord
		if err := rows.Scan(&m.ID, &m.WorkspaceID, &m.Direction, &m.Counterparty, &m.Body, &m.MessageType, &m.Status, &m.ProviderMsgID, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MessageCount returns the number of messages stored for a workspace.
func (db *DB) MessageCount(workspaceID string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE workspace_id = ?`, workspaceID).Scan(&n)
	return n, err
}
