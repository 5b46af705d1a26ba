// Package conflict decides how server state meets local pending intent.
//
// The policy is server-wins on confirmed state, client-wins on pending
// intent. A record with no outbox entry is overwritten by whatever the server
// sends. A record with pending entries keeps its optimistic local state; the
// server version is parked in held_records until the last pending entry is
// settled, at which point the server's echo (or the held version) becomes the
// baseline.
//
// Every call returns a Decision so callers and tests can audit exactly what
// happened to each record.
package conflict

import (
	"fmt"

	ierr "github.com/tallybook/tally/internal/errors"
	"github.com/tallybook/tally/internal/logger"
	"github.com/tallybook/tally/internal/offline/schema"
	"github.com/tallybook/tally/internal/offline/store"
)

// Action is what the resolver did with an incoming server state.
type Action string

const (
	// ActionApply wrote the server record over the local one.
	ActionApply Action = "apply"
	// ActionDelete removed the local record on a server tombstone.
	ActionDelete Action = "delete"
	// ActionHold parked the server state behind pending local mutations.
	ActionHold Action = "hold"
	// ActionSkip ignored a server record older than the confirmed local one.
	ActionSkip Action = "skip"
	// ActionKeep left the local state as it is.
	ActionKeep Action = "keep"
	// ActionResync left the record unknown and flagged the store for a full
	// sync.
	ActionResync Action = "resync"
)

// Change is one server-side record state, from a delta page or an ack echo.
type Change struct {
	EntityType schema.EntityType
	EntityID   string
	// Record is the server's version; nil when Deleted.
	Record  *schema.Record
	Deleted bool
}

// Decision is the auditable outcome for one record.
type Decision struct {
	EntityType schema.EntityType
	EntityID   string
	Action     Action
	// Pending is the number of outbox entries still targeting the record.
	Pending int
	Reason  string
}

func (d Decision) String() string {
	return fmt.Sprintf("%s %s/%s: %s (%s)", d.Action, d.EntityType, d.EntityID, d.Reason, pendingLabel(d.Pending))
}

func pendingLabel(n int) string {
	if n == 1 {
		return "1 pending"
	}
	return fmt.Sprintf("%d pending", n)
}

// Resolver applies the conflict policy inside store transactions.
type Resolver struct {
	log *logger.Logger
}

// New creates a Resolver. A nil logger disables logging.
func New(log *logger.Logger) *Resolver {
	return &Resolver{log: logger.OrNop(log).Named("conflict")}
}

// Resolve merges one pulled server change into the store.
func (r *Resolver) Resolve(tx *store.Tx, c Change) (Decision, error) {
	if err := c.check(); err != nil {
		return Decision{}, err
	}
	d := Decision{EntityType: c.EntityType, EntityID: c.EntityID}

	pending, err := tx.PendingFor(c.EntityType, c.EntityID)
	if err != nil {
		return d, err
	}
	d.Pending = len(pending)

	if d.Pending > 0 {
		if err := tx.Hold(&store.HeldRecord{
			EntityType: c.EntityType,
			EntityID:   c.EntityID,
			Deleted:    c.Deleted,
			Record:     c.Record,
		}); err != nil {
			return d, err
		}
		d.Action = ActionHold
		d.Reason = "local mutation pending"
		r.log.Debugw("server change held", "entity_type", c.EntityType, "entity_id", c.EntityID, "pending", d.Pending)
		return d, nil
	}

	if c.Deleted {
		if err := tx.Delete(c.EntityType, c.EntityID); err != nil {
			return d, err
		}
		d.Action = ActionDelete
		d.Reason = "server tombstone"
	} else {
		local, err := tx.Get(c.EntityType, c.EntityID)
		if err != nil && !ierr.IsNotFound(err) {
			return d, err
		}
		if stale(local, c.Record) {
			d.Action = ActionSkip
			d.Reason = fmt.Sprintf("local version %d is newer than %d", local.Version, c.Record.Version)
			return d, nil
		}
		if err := tx.Put(c.EntityType, c.Record); err != nil {
			return d, err
		}
		d.Action = ActionApply
		d.Reason = "no local mutation pending"
	}
	if err := tx.DropHeld(c.EntityType, c.EntityID); err != nil {
		return d, err
	}
	return d, nil
}

// Outcome is the server's answer to one transmitted outbox entry.
type Outcome struct {
	Applied bool
	// Echo is the server's canonical record, when it sent one.
	Echo *schema.Record
}

// Settle establishes the record's baseline after the server answered entry,
// which the caller has already removed from the outbox in tx.
//
// While other entries for the record are still queued the echo is held, so
// the optimistic state stays visible. Once nothing is pending:
//   - an echo becomes the local record
//   - an acknowledgement without echo keeps the local state
//   - a rejection without echo falls back to the held server version; a
//     rejected create with nothing held is removed, and any other rejection
//     with nothing to restore flags the store for a full sync
func (r *Resolver) Settle(tx *store.Tx, entry *store.OutboxEntry, out Outcome) (Decision, error) {
	et, id := entry.EntityType, entry.EntityID
	d := Decision{EntityType: et, EntityID: id}

	pending, err := tx.PendingFor(et, id)
	if err != nil {
		return d, err
	}
	d.Pending = len(pending)

	if d.Pending > 0 {
		if out.Echo == nil {
			d.Action = ActionKeep
			d.Reason = "later mutation pending"
			return d, nil
		}
		if err := tx.Hold(&store.HeldRecord{EntityType: et, EntityID: id, Record: out.Echo}); err != nil {
			return d, err
		}
		d.Action = ActionHold
		d.Reason = "echo held behind later mutation"
		return d, nil
	}

	switch {
	case out.Echo != nil && entry.Op == schema.OpDelete && out.Applied:
		// A delete echo carries the last state; the record stays gone.
		if err := tx.Delete(et, id); err != nil {
			return d, err
		}
		d.Action = ActionDelete
		d.Reason = "delete acknowledged"
	case out.Echo != nil:
		if err := tx.Put(et, out.Echo); err != nil {
			return d, err
		}
		d.Action = ActionApply
		d.Reason = "server echo"
	case out.Applied:
		d.Action = ActionKeep
		d.Reason = "acknowledged without echo"
	default:
		if d, err = r.restore(tx, entry, d); err != nil {
			return d, err
		}
	}

	if err := tx.DropHeld(et, id); err != nil {
		return d, err
	}
	r.log.Debugw("mutation settled",
		"entity_type", et, "entity_id", id, "seq", entry.Seq,
		"applied", out.Applied, "action", d.Action)
	return d, nil
}

func (r *Resolver) restore(tx *store.Tx, entry *store.OutboxEntry, d Decision) (Decision, error) {
	held, err := tx.Held(entry.EntityType, entry.EntityID)
	if err != nil {
		return d, err
	}
	switch {
	case held != nil && held.Deleted:
		if err := tx.Delete(entry.EntityType, entry.EntityID); err != nil {
			return d, err
		}
		d.Action = ActionDelete
		d.Reason = "rejected, held tombstone applied"
	case held != nil:
		if err := tx.Put(entry.EntityType, held.Record); err != nil {
			return d, err
		}
		d.Action = ActionApply
		d.Reason = "rejected, held server version applied"
	case entry.Op == schema.OpCreate:
		if err := tx.Delete(entry.EntityType, entry.EntityID); err != nil {
			return d, err
		}
		d.Action = ActionDelete
		d.Reason = "rejected create removed"
	default:
		if err := tx.SetNeedsFullSync(true); err != nil {
			return d, err
		}
		d.Action = ActionResync
		d.Reason = "rejected, server state unknown"
	}
	return d, nil
}

func (c Change) check() error {
	var msg string
	switch {
	case !c.EntityType.Valid():
		msg = fmt.Sprintf("unknown entity type %q", c.EntityType)
	case c.EntityID == "":
		msg = fmt.Sprintf("change for %s has no entity id", c.EntityType)
	case !c.Deleted && c.Record == nil:
		msg = fmt.Sprintf("change for %s %s has no record", c.EntityType, c.EntityID)
	case c.Record != nil && c.Record.ID != c.EntityID:
		msg = fmt.Sprintf("change for %s %s carries record %s", c.EntityType, c.EntityID, c.Record.ID)
	default:
		return nil
	}
	return ierr.NewError(msg).Mark(ierr.ErrValidation)
}

// stale reports whether incoming is an older server revision than the
// confirmed local record, as happens when a delta page is re-requested.
func stale(local, incoming *schema.Record) bool {
	return local != nil && local.Version > 0 && incoming.Version > 0 && incoming.Version < local.Version
}
