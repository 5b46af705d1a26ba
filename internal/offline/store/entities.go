package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	ierr "github.com/tallybook/tally/internal/errors"
	"github.com/tallybook/tally/internal/offline/schema"
)

// Tx is a transaction scope over the store. It is only valid inside the
// Update or View callback that produced it.
type Tx struct {
	ctx   context.Context
	tx    *sql.Tx
	store *Store
}

// Context returns the context the transaction was started with.
func (tx *Tx) Context() context.Context { return tx.ctx }

// Tenant returns the business id of the store.
func (tx *Tx) Tenant() string { return tx.store.tenant }

// Now returns the store clock.
func (tx *Tx) Now() time.Time { return tx.store.now() }

func table(et schema.EntityType) (string, error) {
	if !et.Valid() {
		return "", ierr.NewErrorf("unknown entity type %q", et).Mark(ierr.ErrValidation)
	}
	return string(et), nil
}

func micros(t time.Time) int64 {
	return t.UnixMicro()
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

func nullMicros(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMicro(), Valid: true}
}

func fromNullMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMicros(v.Int64)
	return &t
}

// Put inserts or replaces a record. The indexed columns are recomputed from
// the payload. Records of another business are refused.
func (tx *Tx) Put(et schema.EntityType, rec *schema.Record) error {
	t, err := table(et)
	if err != nil {
		return err
	}
	if rec.BusinessID == "" {
		rec.BusinessID = tx.store.tenant
	}
	if rec.BusinessID != tx.store.tenant {
		return ierr.NewErrorf("record %s belongs to business %q, store is %q", rec.ID, rec.BusinessID, tx.store.tenant).
			Mark(ierr.ErrPermissionDenied)
	}
	if err := rec.Validate(); err != nil {
		return ierr.WithError(err).WithHintf("Invalid %s record", et).Mark(ierr.ErrValidation)
	}

	idx := schema.IndexOf(et, rec.Payload)
	query := fmt.Sprintf(`
	INSERT INTO %s (id, business_id, updated_at, version, payload, status, date, ref_id, name)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		business_id = excluded.business_id,
		updated_at = excluded.updated_at,
		version = excluded.version,
		payload = excluded.payload,
		status = excluded.status,
		date = excluded.date,
		ref_id = excluded.ref_id,
		name = excluded.name
	`, t)
	_, err = tx.tx.ExecContext(tx.ctx, query,
		rec.ID, rec.BusinessID, micros(rec.UpdatedAt), rec.Version, string(rec.Payload),
		idx.Status, idx.Date, idx.RefID, idx.Name,
	)
	if err != nil {
		return fmt.Errorf("failed to put %s %s: %w", et, rec.ID, err)
	}
	return nil
}

const recordColumns = `id, business_id, updated_at, version, payload,
	EXISTS (SELECT 1 FROM outbox o WHERE o.entity_type = ? AND o.entity_id = e.id)`

func scanRecord(row interface{ Scan(...any) error }) (*schema.Record, error) {
	var (
		rec     schema.Record
		updated int64
		payload string
		pending bool
	)
	if err := row.Scan(&rec.ID, &rec.BusinessID, &updated, &rec.Version, &payload, &pending); err != nil {
		return nil, err
	}
	rec.UpdatedAt = fromMicros(updated)
	rec.Payload = schema.Payload(payload)
	rec.Pending = pending
	return &rec, nil
}

// Get returns one record with its pending tag, or ErrNotFound.
func (tx *Tx) Get(et schema.EntityType, id string) (*schema.Record, error) {
	t, err := table(et)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s e WHERE e.id = ?`, recordColumns, t)
	rec, err := scanRecord(tx.tx.QueryRowContext(tx.ctx, query, string(et), id))
	if err == sql.ErrNoRows {
		return nil, ierr.NewErrorf("%s %s not found", et, id).
			WithHintf("No %s with id %s exists on this device", et, id).
			Mark(ierr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s %s: %w", et, id, err)
	}
	return rec, nil
}

// Exists reports whether a record is present locally.
func (tx *Tx) Exists(et schema.EntityType, id string) (bool, error) {
	t, err := table(et)
	if err != nil {
		return false, err
	}
	var n int
	err = tx.tx.QueryRowContext(tx.ctx, fmt.Sprintf(`SELECT count(*) FROM %s WHERE id = ?`, t), id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check %s %s: %w", et, id, err)
	}
	return n > 0, nil
}

// Filter narrows Query results. Zero fields match everything.
type Filter struct {
	Status       string
	RefID        string
	DateFrom     string // inclusive, YYYY-MM-DD
	DateTo       string // inclusive, YYYY-MM-DD
	NameContains string
	UpdatedSince time.Time
	PendingOnly  bool

	// Predicate is applied after the indexed filters, in Go.
	Predicate func(*schema.Record) bool

	// OrderBy is one of "updated_at" (default, newest first), "name" or
	// "date".
	OrderBy string
	Limit   int
	Offset  int
}

// Query lists records of et matching the filter.
func (tx *Tx) Query(et schema.EntityType, f Filter) ([]*schema.Record, error) {
	t, err := table(et)
	if err != nil {
		return nil, err
	}

	where := []string{"1=1"}
	args := []any{string(et)}
	if f.Status != "" {
		where = append(where, "e.status = ?")
		args = append(args, f.Status)
	}
	if f.RefID != "" {
		where = append(where, "e.ref_id = ?")
		args = append(args, f.RefID)
	}
	if f.DateFrom != "" {
		where = append(where, "e.date >= ?")
		args = append(args, f.DateFrom)
	}
	if f.DateTo != "" {
		where = append(where, "e.date <= ?")
		args = append(args, f.DateTo)
	}
	if f.NameContains != "" {
		where = append(where, "e.name LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(f.NameContains)+"%")
	}
	if !f.UpdatedSince.IsZero() {
		where = append(where, "e.updated_at >= ?")
		args = append(args, micros(f.UpdatedSince))
	}
	if f.PendingOnly {
		where = append(where, "EXISTS (SELECT 1 FROM outbox p WHERE p.entity_type = ? AND p.entity_id = e.id)")
		args = append(args, string(et))
	}

	order := "e.updated_at DESC, e.id"
	switch f.OrderBy {
	case "", "updated_at":
	case "name":
		order = "e.name, e.id"
	case "date":
		order = "e.date DESC, e.id"
	default:
		return nil, ierr.NewErrorf("cannot order by %q", f.OrderBy).Mark(ierr.ErrValidation)
	}

	query := fmt.Sprintf(`SELECT %s FROM %s e WHERE %s ORDER BY %s`,
		recordColumns, t, strings.Join(where, " AND "), order)
	// With a Go predicate the limit must be applied after filtering.
	if f.Predicate == nil && f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Limit, f.Offset)
	}

	rows, err := tx.tx.QueryContext(tx.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", et, err)
	}
	defer rows.Close()

	var out []*schema.Record
	skipped := 0
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", et, err)
		}
		if f.Predicate != nil {
			if !f.Predicate(rec) {
				continue
			}
			if skipped < f.Offset {
				skipped++
				continue
			}
		}
		out = append(out, rec)
		if f.Predicate != nil && f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// Delete removes a record. Deleting a missing record is not an error.
func (tx *Tx) Delete(et schema.EntityType, id string) error {
	t, err := table(et)
	if err != nil {
		return err
	}
	if _, err := tx.tx.ExecContext(tx.ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, t), id); err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", et, id, err)
	}
	return nil
}

// Clear removes every record of et.
func (tx *Tx) Clear(et schema.EntityType) error {
	t, err := table(et)
	if err != nil {
		return err
	}
	if _, err := tx.tx.ExecContext(tx.ctx, `DELETE FROM `+t); err != nil {
		return fmt.Errorf("failed to clear %s: %w", et, err)
	}
	return nil
}

// Count returns the number of records of et.
func (tx *Tx) Count(et schema.EntityType) (int, error) {
	t, err := table(et)
	if err != nil {
		return 0, err
	}
	var n int
	if err := tx.tx.QueryRowContext(tx.ctx, `SELECT count(*) FROM `+t).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", et, err)
	}
	return n, nil
}

// ReplaceAll swaps the contents of et for records.
func (tx *Tx) ReplaceAll(et schema.EntityType, records []*schema.Record) error {
	if err := tx.Clear(et); err != nil {
		return err
	}
	for _, rec := range records {
		if err := tx.Put(et, rec); err != nil {
			return err
		}
	}
	return nil
}
