package syncer

import (
	"context"

	ierr "github.com/tallybook/tally/internal/errors"
	"github.com/tallybook/tally/internal/offline/schema"
	"github.com/tallybook/tally/internal/offline/store"
)

const orphanReason = "record no longer exists on the server"

type recordKey struct {
	et schema.EntityType
	id string
}

// full rebuilds the entity tables from a snapshot. The outbox has already
// been drained as far as the server allowed.
func (c *Coordinator) full(ctx context.Context, res *Result) error {
	snap, err := c.api.Snapshot(ctx, c.store.Tenant())
	if err != nil {
		return err
	}

	present := make(map[recordKey]bool)
	for et, recs := range snap.Entities {
		if !et.Valid() {
			c.log.Warnw("ignoring unknown entity type in snapshot", "entity_type", et, "records", len(recs))
			continue
		}
		for _, rec := range recs {
			present[recordKey{et, rec.ID}] = true
		}
	}
	applied := snap.AppliedSet()

	var orphaned, dropped, reapplied int
	err = c.store.Update(ctx, func(tx *store.Tx) error {
		orphaned, dropped, reapplied = 0, 0, 0

		entries, err := tx.ListOutbox(0, 0, 0)
		if err != nil {
			return err
		}
		for _, et := range schema.EntityTypes {
			if err := tx.ReplaceAll(et, snap.Entities[et]); err != nil {
				return err
			}
		}

		// Records whose create is still queued exist only on this device;
		// later entries for them are not orphans.
		creating := make(map[recordKey]bool)
		for _, e := range entries {
			key := recordKey{e.EntityType, e.EntityID}
			if _, ok := applied[e.IdempotencyKey]; ok {
				if err := tx.RemoveOutbox(e.Seq); err != nil {
					return err
				}
				dropped++
				continue
			}

			if e.Op == schema.OpCreate {
				creating[key] = true
			}

			if !present[key] && !creating[key] && e.Op != schema.OpCreate {
				if err := c.orphan(tx, e); err != nil {
					return err
				}
				orphaned++
				continue
			}
			if err := reapply(tx, e); err != nil {
				return err
			}
			reapplied++
		}

		if err := tx.ClearHeld(); err != nil {
			return err
		}
		m, err := tx.SyncMeta()
		if err != nil {
			return err
		}
		m.Watermark = snap.Cursor
		m.NeedsFullSync = false
		return tx.SaveSyncMeta(m)
	})
	if err != nil {
		return err
	}

	res.Pulled += len(present)
	res.Orphaned += orphaned
	c.log.Infow("snapshot applied",
		"records", len(present), "cursor", snap.Cursor,
		"dropped_applied", dropped, "orphaned", orphaned, "reapplied", reapplied)
	return nil
}

// orphan drops an entry whose confirmed record the server no longer has. A
// delete already achieved its goal; anything else is kept for review.
func (c *Coordinator) orphan(tx *store.Tx, e *store.OutboxEntry) error {
	if err := tx.RemoveOutbox(e.Seq); err != nil {
		return err
	}
	c.log.Warnw("dropping orphaned mutation",
		"entity_type", e.EntityType, "entity_id", e.EntityID, "op", e.Op, "seq", e.Seq)
	if e.Op == schema.OpDelete {
		return nil
	}
	return tx.AddRejection(store.RejectionFromEntry(e, orphanReason, tx.Now()))
}

// reapply replays a still-pending entry on top of the snapshot, so the
// optimistic state survives the rebuild.
func reapply(tx *store.Tx, e *store.OutboxEntry) error {
	switch e.Op {
	case schema.OpDelete:
		return tx.Delete(e.EntityType, e.EntityID)
	case schema.OpCreate:
		existing, err := tx.Get(e.EntityType, e.EntityID)
		if err != nil && !ierr.IsNotFound(err) {
			return err
		}
		rec := &schema.Record{ID: e.EntityID, Payload: e.Payload}
		prev := rec.UpdatedAt
		if existing != nil {
			rec.Version = existing.Version
			prev = existing.UpdatedAt
		}
		rec.UpdatedAt = schema.NextUpdatedAt(prev, tx.Now())
		return tx.Put(e.EntityType, rec)
	case schema.OpUpdate:
		existing, err := tx.Get(e.EntityType, e.EntityID)
		if ierr.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		merged, err := schema.Merge(existing.Payload, e.Payload)
		if err != nil {
			return err
		}
		existing.Payload = merged
		existing.UpdatedAt = schema.NextUpdatedAt(existing.UpdatedAt, tx.Now())
		return tx.Put(e.EntityType, existing)
	}
	return ierr.NewErrorf("unknown operation %q in outbox entry %d", e.Op, e.Seq).Mark(ierr.ErrValidation)
}
