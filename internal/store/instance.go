package store

import (
	"database/sql"
	"time"
)

// UpsertInstance writes the durable mirror of a workspace's state
// (idempotent on workspace_id).
func (db *DB) UpsertInstance(rec *InstanceRecord) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO instances (workspace_id, status, identity, last_seen, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(workspace_id) DO UPDATE SET
			status = excluded.status,
			identity = excluded.identity,
			last_seen = excluded.last_seen,
			updated_at = excluded.updated_at`,
		rec.WorkspaceID, rec.Status, rec.Identity, rec.LastSeen, now)
	return err
}

// GetInstance returns the persisted record for a workspace, or nil if none.
func (db *DB) GetInstance(workspaceID string) (*InstanceRecord, error) {
	row := db.QueryRow(`
		SELECT workspace_id, status, identity, last_seen, updated_at
		FROM instances WHERE workspace_id = ?`, workspaceID)

	var rec InstanceRecord
	err := row.Scan(&rec.WorkspaceID, &rec.Status, &rec.Identity, &rec.LastSeen, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListInstancesByStatus returns all persisted records with the given status.
func (db *DB) ListInstancesByStatus(status string) ([]InstanceRecord, error) {
	rows, err := db.Query(`
		SELECT workspace_id, status, identity, last_seen, updated_at
		FROM instances WHERE status = ? ORDER BY workspace_id`, status)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var recs []InstanceRecord
	for rows.Next() {
		var rec InstanceRecord
		if err := rows.Scan(&rec.WorkspaceID, &rec.Status, &rec.Identity, &rec.LastSeen, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// DeleteInstance removes the persisted record for a workspace.
func (db *DB) DeleteInstance(workspaceID string) error {
	_, err := db.Exec(`DELETE FROM instances WHERE workspace_id = ?`, workspaceID)
	return err
}
