package store

import (
	"database/sql"
	"fmt"
	"time"

	ierr "github.com/tallybook/tally/internal/errors"
	"github.com/tallybook/tally/internal/offline/schema"
)

// Rejection is a mutation the server refused, or one that was dropped
// because its record no longer exists on the server. It stays until the
// user resolves it.
type Rejection struct {
	ID             int64
	Seq            int64
	EntityType     schema.EntityType
	EntityID       string
	Op             schema.Operation
	Payload        schema.Payload
	Reason         string
	IdempotencyKey string
	RejectedAt     time.Time
	ResolvedAt     *time.Time
	// Resolution is "resubmitted" or "discarded" once resolved.
	Resolution string
}

const (
	ResolutionResubmitted = "resubmitted"
	ResolutionDiscarded   = "discarded"
)

// RejectionFromEntry builds a rejection record for an outbox entry.
func RejectionFromEntry(e *OutboxEntry, reason string, at time.Time) *Rejection {
	return &Rejection{
		Seq:            e.Seq,
		EntityType:     e.EntityType,
		EntityID:       e.EntityID,
		Op:             e.Op,
		Payload:        e.Payload,
		Reason:         reason,
		IdempotencyKey: e.IdempotencyKey,
		RejectedAt:     at,
	}
}

// AddRejection records r and assigns its ID.
func (tx *Tx) AddRejection(r *Rejection) error {
	if r.RejectedAt.IsZero() {
		r.RejectedAt = tx.Now()
	}
	res, err := tx.tx.ExecContext(tx.ctx, `
	INSERT INTO rejections (seq, entity_type, entity_id, op, payload, reason, idempotency_key, rejected_at, resolved_at, resolution)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.Seq, string(r.EntityType), r.EntityID, string(r.Op), nullPayload(r.Payload), r.Reason,
		r.IdempotencyKey, micros(r.RejectedAt), nullMicros(r.ResolvedAt), r.Resolution)
	if err != nil {
		return fmt.Errorf("failed to record rejection: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read rejection id: %w", err)
	}
	r.ID = id
	return nil
}

const rejectionColumns = `id, seq, entity_type, entity_id, op, payload, reason, idempotency_key, rejected_at, resolved_at, resolution`

func scanRejection(row interface{ Scan(...any) error }) (*Rejection, error) {
	var (
		r        Rejection
		payload  sql.NullString
		rejected int64
		resolved sql.NullInt64
	)
	if err := row.Scan(&r.ID, &r.Seq, &r.EntityType, &r.EntityID, &r.Op, &payload, &r.Reason,
		&r.IdempotencyKey, &rejected, &resolved, &r.Resolution); err != nil {
		return nil, err
	}
	if payload.Valid {
		r.Payload = schema.Payload(payload.String)
	}
	r.RejectedAt = fromMicros(rejected)
	r.ResolvedAt = fromNullMicros(resolved)
	return &r, nil
}

// ListRejections returns open rejections, oldest first, or every rejection
// when includeResolved is set.
func (tx *Tx) ListRejections(includeResolved bool) ([]*Rejection, error) {
	query := `SELECT ` + rejectionColumns + ` FROM rejections`
	if !includeResolved {
		query += ` WHERE resolved_at IS NULL`
	}
	query += ` ORDER BY id`
	rows, err := tx.tx.QueryContext(tx.ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list rejections: %w", err)
	}
	defer rows.Close()

	var out []*Rejection
	for rows.Next() {
		r, err := scanRejection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rejection: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRejection returns one rejection or ErrNotFound.
func (tx *Tx) GetRejection(id int64) (*Rejection, error) {
	r, err := scanRejection(tx.tx.QueryRowContext(tx.ctx,
		`SELECT `+rejectionColumns+` FROM rejections WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ierr.NewErrorf("rejection %d not found", id).Mark(ierr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rejection %d: %w", id, err)
	}
	return r, nil
}

// ResolveRejection closes an open rejection with the given outcome.
func (tx *Tx) ResolveRejection(id int64, resolution string) error {
	res, err := tx.tx.ExecContext(tx.ctx,
		`UPDATE rejections SET resolved_at = ?, resolution = ? WHERE id = ? AND resolved_at IS NULL`,
		micros(tx.Now()), resolution, id)
	if err != nil {
		return fmt.Errorf("failed to resolve rejection %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ierr.NewErrorf("rejection %d not found or already resolved", id).Mark(ierr.ErrNotFound)
	}
	return nil
}
