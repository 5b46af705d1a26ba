// Package outbox is the single entry point for local mutations.
//
// Every create, update and delete made on the device goes through Writer,
// which in one store transaction validates the payload, applies the change
// to the entity table (the optimistic write) and records the intended
// server-side effect in the outbox. A mutation is therefore never visible
// locally without a queued outbox entry, and vice versa.
//
// # Coalescing
//
// Entries that have not been transmitted yet are still mutable:
//
//   - update after a pending create or update is merged into that entry
//   - delete removes every untransmitted entry of the record; when the
//     removed chain began with the create, nothing is queued at all
//   - update or create after a pending delete is refused
//
// Once an entry has been sent (Attempts > 0) the server may already have
// applied it, so it is sealed and later mutations append new entries.
package outbox

import (
	"context"
	"time"

	ierr "github.com/tallybook/tally/internal/errors"
	"github.com/tallybook/tally/internal/logger"
	"github.com/tallybook/tally/internal/offline/schema"
	"github.com/tallybook/tally/internal/offline/store"
)

// Writer applies local mutations optimistically and queues them.
type Writer struct {
	store *store.Store
	log   *logger.Logger
}

// NewWriter creates a Writer over st.
func NewWriter(st *store.Store, log *logger.Logger) *Writer {
	return &Writer{
		store: st,
		log:   logger.OrNop(log).Named("outbox"),
	}
}

// Result describes what an enqueue did.
type Result struct {
	// Record is the optimistic local state, nil after a delete.
	Record *schema.Record
	// Entry is the outbox entry appended or merged into. Nil when the
	// mutation was elided.
	Entry *store.OutboxEntry
	// Coalesced is set when the payload was merged into an existing entry.
	Coalesced bool
	// Elided is set when a delete cancelled an unsent create, so the server
	// never hears about the record.
	Elided bool
}

// Create inserts a new record. An empty id gets a generated one.
func (w *Writer) Create(ctx context.Context, et schema.EntityType, id string, payload schema.Payload) (*Result, error) {
	if id == "" {
		id = schema.NewID(et)
	}
	return w.Enqueue(ctx, schema.OpCreate, et, id, payload)
}

// Update applies a partial payload to an existing record.
func (w *Writer) Update(ctx context.Context, et schema.EntityType, id string, patch schema.Payload) (*Result, error) {
	return w.Enqueue(ctx, schema.OpUpdate, et, id, patch)
}

// Delete removes a record.
func (w *Writer) Delete(ctx context.Context, et schema.EntityType, id string) (*Result, error) {
	return w.Enqueue(ctx, schema.OpDelete, et, id, nil)
}

// Enqueue runs one mutation in its own transaction.
func (w *Writer) Enqueue(ctx context.Context, op schema.Operation, et schema.EntityType, id string, payload schema.Payload) (*Result, error) {
	var res *Result
	err := w.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		res, err = w.EnqueueTx(tx, op, et, id, payload)
		return err
	})
	if err != nil {
		return nil, err
	}
	w.log.Debugw("mutation queued",
		"op", op, "entity_type", et, "entity_id", id,
		"coalesced", res.Coalesced, "elided", res.Elided)
	return res, nil
}

// EnqueueTx runs one mutation inside a caller-owned transaction, for
// callers that must combine it with other writes.
func (w *Writer) EnqueueTx(tx *store.Tx, op schema.Operation, et schema.EntityType, id string, payload schema.Payload) (*Result, error) {
	if !et.Valid() {
		return nil, ierr.NewErrorf("unknown entity type %q", et).Mark(ierr.ErrValidation)
	}
	if id == "" {
		return nil, ierr.NewError("entity id is required").Mark(ierr.ErrValidation)
	}

	pending, err := tx.PendingFor(et, id)
	if err != nil {
		return nil, err
	}
	var last *store.OutboxEntry
	if len(pending) > 0 {
		last = pending[len(pending)-1]
	}

	existing, err := tx.Get(et, id)
	if err != nil && !ierr.IsNotFound(err) {
		return nil, err
	}

	switch op {
	case schema.OpCreate:
		return w.create(tx, et, id, payload, last, existing)
	case schema.OpUpdate:
		return w.update(tx, et, id, payload, last, existing)
	case schema.OpDelete:
		return w.delete(tx, et, id, pending, existing)
	}
	return nil, ierr.NewErrorf("unknown operation %q", op).Mark(ierr.ErrValidation)
}

func deletedErr(et schema.EntityType, id string) error {
	return ierr.NewErrorf("%s %s has a pending delete", et, id).
		WithHint("This record was deleted on this device and can no longer be changed").
		Mark(ierr.ErrInvalidOperation)
}

func validate(et schema.EntityType, p schema.Payload) (schema.Payload, error) {
	canonical, err := schema.Canonical(p)
	if err != nil {
		return nil, ierr.WithError(err).WithHint("The payload must be a JSON object").Mark(ierr.ErrValidation)
	}
	if err := schema.ValidatePayload(et, canonical); err != nil {
		return nil, ierr.WithError(err).WithHintf("Invalid %s: %v", et, err).Mark(ierr.ErrValidation)
	}
	return canonical, nil
}

func (w *Writer) create(tx *store.Tx, et schema.EntityType, id string, payload schema.Payload, last *store.OutboxEntry, existing *schema.Record) (*Result, error) {
	if last != nil && last.Op == schema.OpDelete {
		return nil, deletedErr(et, id)
	}
	if existing != nil {
		return nil, ierr.NewErrorf("%s %s already exists", et, id).Mark(ierr.ErrAlreadyExists)
	}
	body, err := validate(et, payload)
	if err != nil {
		return nil, err
	}

	rec := &schema.Record{
		ID:         id,
		BusinessID: tx.Tenant(),
		UpdatedAt:  schema.NextUpdatedAt(time.Time{}, tx.Now()),
		Payload:    body,
	}
	if err := tx.Put(et, rec); err != nil {
		return nil, err
	}
	entry := &store.OutboxEntry{EntityType: et, EntityID: id, Op: schema.OpCreate, Payload: body}
	if err := tx.AppendOutbox(entry); err != nil {
		return nil, err
	}
	rec.Pending = true
	return &Result{Record: rec, Entry: entry}, nil
}

func (w *Writer) update(tx *store.Tx, et schema.EntityType, id string, patch schema.Payload, last *store.OutboxEntry, existing *schema.Record) (*Result, error) {
	if last != nil && last.Op == schema.OpDelete {
		return nil, deletedErr(et, id)
	}
	if existing == nil {
		return nil, ierr.NewErrorf("%s %s not found", et, id).Mark(ierr.ErrNotFound)
	}
	patch, err := schema.Canonical(patch)
	if err != nil {
		return nil, ierr.WithError(err).WithHint("The payload must be a JSON object").Mark(ierr.ErrValidation)
	}
	merged, err := schema.Merge(existing.Payload, patch)
	if err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrValidation)
	}
	if _, err := validate(et, merged); err != nil {
		return nil, err
	}

	existing.Payload = merged
	existing.UpdatedAt = schema.NextUpdatedAt(existing.UpdatedAt, tx.Now())
	if err := tx.Put(et, existing); err != nil {
		return nil, err
	}
	existing.Pending = true

	if last != nil && !last.Sealed() && (last.Op == schema.OpCreate || last.Op == schema.OpUpdate) {
		var combined schema.Payload
		if last.Op == schema.OpCreate {
			// A create carries the full body; it stays a full body.
			combined, err = schema.Merge(last.Payload, patch)
		} else {
			combined, err = schema.MergePatches(last.Payload, patch)
		}
		if err != nil {
			return nil, ierr.WithError(err).Mark(ierr.ErrValidation)
		}
		ok, err := tx.UpdateOutboxPayload(last.Seq, combined)
		if err != nil {
			return nil, err
		}
		if ok {
			last.Payload = combined
			return &Result{Record: existing, Entry: last, Coalesced: true}, nil
		}
		// Sealed between read and write; fall through and append.
	}

	entry := &store.OutboxEntry{EntityType: et, EntityID: id, Op: schema.OpUpdate, Payload: patch}
	if err := tx.AppendOutbox(entry); err != nil {
		return nil, err
	}
	return &Result{Record: existing, Entry: entry}, nil
}

func (w *Writer) delete(tx *store.Tx, et schema.EntityType, id string, pending []*store.OutboxEntry, existing *schema.Record) (*Result, error) {
	if existing == nil {
		if len(pending) > 0 && pending[len(pending)-1].Op == schema.OpDelete {
			return nil, deletedErr(et, id)
		}
		return nil, ierr.NewErrorf("%s %s not found", et, id).Mark(ierr.ErrNotFound)
	}

	var (
		unsent         []int64
		sealed         int
		createdLocally bool
	)
	for _, e := range pending {
		if e.Sealed() {
			sealed++
			continue
		}
		unsent = append(unsent, e.Seq)
		if e.Op == schema.OpCreate {
			createdLocally = true
		}
	}
	if err := tx.RemoveOutbox(unsent...); err != nil {
		return nil, err
	}
	if err := tx.Delete(et, id); err != nil {
		return nil, err
	}

	if createdLocally && sealed == 0 {
		// The server never saw this record.
		if err := tx.DropHeld(et, id); err != nil {
			return nil, err
		}
		return &Result{Elided: true}, nil
	}

	entry := &store.OutboxEntry{EntityType: et, EntityID: id, Op: schema.OpDelete}
	if err := tx.AppendOutbox(entry); err != nil {
		return nil, err
	}
	return &Result{Entry: entry, Coalesced: len(unsent) > 0}, nil
}
