package store

import (
	"database/sql"
	"fmt"
	"time"
)

// SyncMeta is the per-tenant sync bookkeeping row.
type SyncMeta struct {
	BusinessID string
	// Watermark is the opaque server cursor of the last fully applied delta
	// page. Empty means no sync has completed.
	Watermark     string
	LastStatus    string
	LastMode      string
	LastAttemptAt *time.Time
	LastSuccessAt *time.Time
	LastError     string
	// NeedsFullSync is set after a schema rebuild or when the server
	// rejected the watermark; the next pass must be a full sync.
	NeedsFullSync bool
}

// SyncMeta returns the tenant's row, or a zero row when none is stored yet.
func (tx *Tx) SyncMeta() (*SyncMeta, error) {
	m := &SyncMeta{BusinessID: tx.store.tenant, LastStatus: "idle"}
	var attempt, success sql.NullInt64
	err := tx.tx.QueryRowContext(tx.ctx, `
	SELECT watermark, last_status, last_mode, last_attempt_at, last_success_at, last_error, needs_full_sync
	FROM sync_meta WHERE business_id = ?
	`, tx.store.tenant).Scan(&m.Watermark, &m.LastStatus, &m.LastMode, &attempt, &success, &m.LastError, &m.NeedsFullSync)
	if err == sql.ErrNoRows {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sync metadata: %w", err)
	}
	m.LastAttemptAt = fromNullMicros(attempt)
	m.LastSuccessAt = fromNullMicros(success)
	return m, nil
}

// SaveSyncMeta writes the tenant's row.
func (tx *Tx) SaveSyncMeta(m *SyncMeta) error {
	_, err := tx.tx.ExecContext(tx.ctx, `
	INSERT INTO sync_meta (business_id, watermark, last_status, last_mode, last_attempt_at, last_success_at, last_error, needs_full_sync)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(business_id) DO UPDATE SET
		watermark = excluded.watermark,
		last_status = excluded.last_status,
		last_mode = excluded.last_mode,
		last_attempt_at = excluded.last_attempt_at,
		last_success_at = excluded.last_success_at,
		last_error = excluded.last_error,
		needs_full_sync = excluded.needs_full_sync
	`, tx.store.tenant, m.Watermark, m.LastStatus, m.LastMode,
		nullMicros(m.LastAttemptAt), nullMicros(m.LastSuccessAt), m.LastError, m.NeedsFullSync)
	if err != nil {
		return fmt.Errorf("failed to save sync metadata: %w", err)
	}
	return nil
}

// SetWatermark advances the stored cursor. It must be called in the same
// transaction that applied the page the cursor describes.
func (tx *Tx) SetWatermark(cursor string) error {
	m, err := tx.SyncMeta()
	if err != nil {
		return err
	}
	m.Watermark = cursor
	return tx.SaveSyncMeta(m)
}

// SetNeedsFullSync flags or clears the full sync requirement.
func (tx *Tx) SetNeedsFullSync(v bool) error {
	m, err := tx.SyncMeta()
	if err != nil {
		return err
	}
	m.NeedsFullSync = v
	return tx.SaveSyncMeta(m)
}
