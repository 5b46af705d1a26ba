package outbox

import (
	"context"

	ierr "github.com/tallybook/tally/internal/errors"
	"github.com/tallybook/tally/internal/offline/schema"
	"github.com/tallybook/tally/internal/offline/store"
)

// Rejections lists rejected mutations awaiting a user decision.
func (w *Writer) Rejections(ctx context.Context) ([]*store.Rejection, error) {
	var out []*store.Rejection
	err := w.store.View(ctx, func(tx *store.Tx) error {
		var err error
		out, err = tx.ListRejections(false)
		return err
	})
	return out, err
}

// Resubmit turns a rejected mutation into a new one against the current
// local state. The rejected entry itself is never resent: the user has
// decided to try again, so it gets a fresh outbox entry and key.
func (w *Writer) Resubmit(ctx context.Context, rejectionID int64) (*Result, error) {
	var res *Result
	err := w.store.Update(ctx, func(tx *store.Tx) error {
		r, err := tx.GetRejection(rejectionID)
		if err != nil {
			return err
		}
		if r.ResolvedAt != nil {
			return ierr.NewErrorf("rejection %d is already resolved", rejectionID).Mark(ierr.ErrInvalidOperation)
		}

		exists, err := tx.Exists(r.EntityType, r.EntityID)
		if err != nil {
			return err
		}
		switch {
		case r.Op == schema.OpDelete && !exists:
			// Already gone locally; nothing to resend.
			res = &Result{}
		case r.Op == schema.OpDelete:
			res, err = w.EnqueueTx(tx, schema.OpDelete, r.EntityType, r.EntityID, nil)
		case exists:
			res, err = w.EnqueueTx(tx, schema.OpUpdate, r.EntityType, r.EntityID, r.Payload)
		default:
			res, err = w.EnqueueTx(tx, schema.OpCreate, r.EntityType, r.EntityID, r.Payload)
		}
		if err != nil {
			return err
		}
		return tx.ResolveRejection(rejectionID, store.ResolutionResubmitted)
	})
	if err != nil {
		return nil, err
	}
	w.log.Infow("rejected mutation resubmitted", "rejection_id", rejectionID)
	return res, nil
}

// Discard accepts the server's decision and closes the rejection.
func (w *Writer) Discard(ctx context.Context, rejectionID int64) error {
	err := w.store.Update(ctx, func(tx *store.Tx) error {
		return tx.ResolveRejection(rejectionID, store.ResolutionDiscarded)
	})
	if err != nil {
		return err
	}
	w.log.Infow("rejected mutation discarded", "rejection_id", rejectionID)
	return nil
}
