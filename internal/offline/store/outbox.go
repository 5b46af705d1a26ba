package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/tallybook/tally/internal/idempotency"
	"github.com/tallybook/tally/internal/offline/schema"
)

// OutboxEntry is one intended server-side state transition.
type OutboxEntry struct {
	Seq            int64
	EntityType     schema.EntityType
	EntityID       string
	Op             schema.Operation
	Payload        schema.Payload // nil for delete
	CreatedAt      time.Time
	IdempotencyKey string
	// Attempts counts transmissions. An entry with Attempts > 0 may already
	// have been applied by the server and must not be changed any more.
	Attempts      int
	LastAttemptAt *time.Time
	LastError     string
}

// Sealed reports whether the entry has been sent at least once.
func (e *OutboxEntry) Sealed() bool {
	return e.Attempts > 0
}

const outboxColumns = `seq, entity_type, entity_id, op, payload, created_at, idempotency_key, attempts, last_attempt_at, last_error`

func scanOutboxCore(row interface{ Scan(...any) error }) (*OutboxEntry, error) {
	var (
		e       OutboxEntry
		payload sql.NullString
		created int64
	)
	if err := row.Scan(&e.Seq, &e.EntityType, &e.EntityID, &e.Op, &payload, &created, &e.IdempotencyKey, &e.Attempts); err != nil {
		return nil, err
	}
	if payload.Valid {
		e.Payload = schema.Payload(payload.String)
	}
	e.CreatedAt = fromMicros(created)
	return &e, nil
}

func scanOutbox(row interface{ Scan(...any) error }) (*OutboxEntry, error) {
	var (
		e         OutboxEntry
		payload   sql.NullString
		created   int64
		attempted sql.NullInt64
	)
	if err := row.Scan(&e.Seq, &e.EntityType, &e.EntityID, &e.Op, &payload, &created,
		&e.IdempotencyKey, &e.Attempts, &attempted, &e.LastError); err != nil {
		return nil, err
	}
	if payload.Valid {
		e.Payload = schema.Payload(payload.String)
	}
	e.CreatedAt = fromMicros(created)
	e.LastAttemptAt = fromNullMicros(attempted)
	return &e, nil
}

func nullPayload(p schema.Payload) sql.NullString {
	if len(p) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(p), Valid: true}
}

// AppendOutbox adds an entry at the tail of the outbox and assigns its Seq
// and IdempotencyKey. The key is derived from the store installation, the
// tenant, the target, the operation and the sequence number, so it never
// changes once assigned.
func (tx *Tx) AppendOutbox(e *OutboxEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = tx.Now()
	}
	// Placeholder keeps the UNIQUE constraint satisfied until the real key,
	// which depends on seq, is known.
	res, err := tx.tx.ExecContext(tx.ctx, `
	INSERT INTO outbox (entity_type, entity_id, op, payload, created_at, idempotency_key, attempts)
	VALUES (?, ?, ?, ?, ?, ?, 0)
	`, string(e.EntityType), e.EntityID, string(e.Op), nullPayload(e.Payload), micros(e.CreatedAt), "tmp-"+ulid.Make().String())
	if err != nil {
		return fmt.Errorf("failed to append outbox entry: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read outbox seq: %w", err)
	}

	e.Seq = seq
	e.Attempts = 0
	e.IdempotencyKey = MutationKey(tx.store.installation, tx.store.tenant, e)
	if _, err := tx.tx.ExecContext(tx.ctx,
		`UPDATE outbox SET idempotency_key = ? WHERE seq = ?`, e.IdempotencyKey, seq); err != nil {
		return fmt.Errorf("failed to set idempotency key: %w", err)
	}
	return nil
}

// MutationKey derives the idempotency key the server deduplicates on.
func MutationKey(installation, tenant string, e *OutboxEntry) string {
	return idempotency.Key(idempotency.Mutation{
		Installation: installation,
		Tenant:       tenant,
		EntityType:   string(e.EntityType),
		EntityID:     e.EntityID,
		Op:           string(e.Op),
		Seq:          e.Seq,
	})
}

// restoreOutbox re-inserts an entry with its original seq and key.
func (tx *Tx) restoreOutbox(e *OutboxEntry) error {
	_, err := tx.tx.ExecContext(tx.ctx, `
	INSERT INTO outbox (seq, entity_type, entity_id, op, payload, created_at, idempotency_key, attempts)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Seq, string(e.EntityType), e.EntityID, string(e.Op), nullPayload(e.Payload),
		micros(e.CreatedAt), e.IdempotencyKey, e.Attempts)
	if err != nil {
		return fmt.Errorf("failed to restore outbox entry %d: %w", e.Seq, err)
	}
	return nil
}

// PendingFor returns the outbox entries targeting one record, oldest first.
func (tx *Tx) PendingFor(et schema.EntityType, id string) ([]*OutboxEntry, error) {
	rows, err := tx.tx.QueryContext(tx.ctx,
		`SELECT `+outboxColumns+` FROM outbox WHERE entity_type = ? AND entity_id = ? ORDER BY seq`,
		string(et), id)
	if err != nil {
		return nil, fmt.Errorf("failed to read pending entries: %w", err)
	}
	return collectOutbox(rows)
}

// HasPending reports whether any outbox entry targets the record.
func (tx *Tx) HasPending(et schema.EntityType, id string) (bool, error) {
	var n int
	err := tx.tx.QueryRowContext(tx.ctx,
		`SELECT count(*) FROM outbox WHERE entity_type = ? AND entity_id = ?`, string(et), id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check pending entries: %w", err)
	}
	return n > 0, nil
}

// ListOutbox returns up to limit entries with seq in (afterSeq, maxSeq],
// oldest first. maxSeq <= 0 means no upper bound, limit <= 0 means all.
func (tx *Tx) ListOutbox(afterSeq, maxSeq int64, limit int) ([]*OutboxEntry, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox WHERE seq > ?`
	args := []any{afterSeq}
	if maxSeq > 0 {
		query += ` AND seq <= ?`
		args = append(args, maxSeq)
	}
	query += ` ORDER BY seq`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := tx.tx.QueryContext(tx.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox: %w", err)
	}
	return collectOutbox(rows)
}

func collectOutbox(rows *sql.Rows) ([]*OutboxEntry, error) {
	defer rows.Close()
	var out []*OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MaxOutboxSeq returns the newest seq, or 0 for an empty outbox.
func (tx *Tx) MaxOutboxSeq() (int64, error) {
	var seq sql.NullInt64
	if err := tx.tx.QueryRowContext(tx.ctx, `SELECT max(seq) FROM outbox`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read outbox tail: %w", err)
	}
	return seq.Int64, nil
}

// OutboxCount returns the number of queued entries.
func (tx *Tx) OutboxCount() (int, error) {
	var n int
	if err := tx.tx.QueryRowContext(tx.ctx, `SELECT count(*) FROM outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count outbox: %w", err)
	}
	return n, nil
}

// UpdateOutboxPayload replaces the payload of an unsent entry. Sealed
// entries are left untouched and reported as not updated.
func (tx *Tx) UpdateOutboxPayload(seq int64, payload schema.Payload) (bool, error) {
	res, err := tx.tx.ExecContext(tx.ctx,
		`UPDATE outbox SET payload = ? WHERE seq = ? AND attempts = 0`, nullPayload(payload), seq)
	if err != nil {
		return false, fmt.Errorf("failed to update outbox entry %d: %w", seq, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// RemoveOutbox deletes entries by seq.
func (tx *Tx) RemoveOutbox(seqs ...int64) error {
	if len(seqs) == 0 {
		return nil
	}
	query := `DELETE FROM outbox WHERE seq IN (` + placeholders(len(seqs)) + `)`
	if _, err := tx.tx.ExecContext(tx.ctx, query, int64Args(seqs)...); err != nil {
		return fmt.Errorf("failed to remove outbox entries: %w", err)
	}
	return nil
}

// MarkAttempt records a transmission of the given entries, sealing them.
func (tx *Tx) MarkAttempt(at time.Time, seqs ...int64) error {
	if len(seqs) == 0 {
		return nil
	}
	query := `UPDATE outbox SET attempts = attempts + 1, last_attempt_at = ? WHERE seq IN (` + placeholders(len(seqs)) + `)`
	args := append([]any{micros(at)}, int64Args(seqs)...)
	if _, err := tx.tx.ExecContext(tx.ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark outbox attempt: %w", err)
	}
	return nil
}

// RecordOutboxError stores the last transient failure seen for entries.
func (tx *Tx) RecordOutboxError(msg string, seqs ...int64) error {
	if len(seqs) == 0 {
		return nil
	}
	query := `UPDATE outbox SET last_error = ? WHERE seq IN (` + placeholders(len(seqs)) + `)`
	args := append([]any{msg}, int64Args(seqs)...)
	if _, err := tx.tx.ExecContext(tx.ctx, query, args...); err != nil {
		return fmt.Errorf("failed to record outbox error: %w", err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(v []int64) []any {
	out := make([]any, len(v))
	for i := range v {
		out[i] = v[i]
	}
	return out
}
