package store

import (
	"database/sql"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/tallybook/tally/internal/offline/schema"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// HeldRecord is a server version of a record that arrived while local
// mutations to it were still pending. It becomes the record's state if the
// pending mutations end without an authoritative echo.
type HeldRecord struct {
	EntityType schema.EntityType
	EntityID   string
	// Deleted marks a server tombstone; Record is nil then.
	Deleted    bool
	Record     *schema.Record
	ReceivedAt time.Time
}

// Hold stores h, replacing any older held version of the same record.
func (tx *Tx) Hold(h *HeldRecord) error {
	var body sql.NullString
	if h.Record != nil {
		b, err := json.Marshal(h.Record)
		if err != nil {
			return fmt.Errorf("failed to encode held record: %w", err)
		}
		body = sql.NullString{String: string(b), Valid: true}
	}
	if h.ReceivedAt.IsZero() {
		h.ReceivedAt = tx.Now()
	}
	_, err := tx.tx.ExecContext(tx.ctx, `
	INSERT INTO held_records (entity_type, entity_id, deleted, record, received_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(entity_type, entity_id) DO UPDATE SET
		deleted = excluded.deleted,
		record = excluded.record,
		received_at = excluded.received_at
	`, string(h.EntityType), h.EntityID, h.Deleted, body, micros(h.ReceivedAt))
	if err != nil {
		return fmt.Errorf("failed to hold %s %s: %w", h.EntityType, h.EntityID, err)
	}
	return nil
}

// Held returns the held version of a record, or nil when there is none.
func (tx *Tx) Held(et schema.EntityType, id string) (*HeldRecord, error) {
	row := tx.tx.QueryRowContext(tx.ctx, `
	SELECT entity_type, entity_id, deleted, record, received_at
	FROM held_records WHERE entity_type = ? AND entity_id = ?
	`, string(et), id)
	h, err := scanHeld(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read held %s %s: %w", et, id, err)
	}
	return h, nil
}

func scanHeld(row interface{ Scan(...any) error }) (*HeldRecord, error) {
	var (
		h        HeldRecord
		body     sql.NullString
		received int64
	)
	if err := row.Scan(&h.EntityType, &h.EntityID, &h.Deleted, &body, &received); err != nil {
		return nil, err
	}
	h.ReceivedAt = fromMicros(received)
	if body.Valid {
		var rec schema.Record
		if err := json.Unmarshal([]byte(body.String), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode held record: %w", err)
		}
		h.Record = &rec
	}
	return &h, nil
}

// ListHeld returns every held record.
func (tx *Tx) ListHeld() ([]*HeldRecord, error) {
	rows, err := tx.tx.QueryContext(tx.ctx, `
	SELECT entity_type, entity_id, deleted, record, received_at
	FROM held_records ORDER BY received_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list held records: %w", err)
	}
	defer rows.Close()

	var out []*HeldRecord
	for rows.Next() {
		h, err := scanHeld(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// DropHeld discards the held version of a record.
func (tx *Tx) DropHeld(et schema.EntityType, id string) error {
	_, err := tx.tx.ExecContext(tx.ctx,
		`DELETE FROM held_records WHERE entity_type = ? AND entity_id = ?`, string(et), id)
	if err != nil {
		return fmt.Errorf("failed to drop held %s %s: %w", et, id, err)
	}
	return nil
}

// ClearHeld discards every held record.
func (tx *Tx) ClearHeld() error {
	if _, err := tx.tx.ExecContext(tx.ctx, `DELETE FROM held_records`); err != nil {
		return fmt.Errorf("failed to clear held records: %w", err)
	}
	return nil
}
