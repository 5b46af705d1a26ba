package syncer

import (
	"context"

	ierr "github.com/tallybook/tally/internal/errors"
	"github.com/tallybook/tally/internal/offline/conflict"
	"github.com/tallybook/tally/internal/offline/store"
)

// pull fetches delta pages from watermark on. Each page is merged and its
// cursor stored in a single transaction.
func (c *Coordinator) pull(ctx context.Context, watermark string, res *Result) error {
	for {
		if err := ctx.Err(); err != nil {
			return ierr.WithError(err).WithMessage("sync cancelled").Mark(ierr.ErrNetworkUnavailable)
		}

		page, err := c.api.Delta(ctx, c.store.Tenant(), watermark, c.opts.PageSize)
		if err != nil {
			return err
		}

		held := 0
		err = c.store.Update(ctx, func(tx *store.Tx) error {
			held = 0
			for _, ch := range page.Changes {
				d, err := c.resolver.Resolve(tx, conflict.Change{
					EntityType: ch.EntityType,
					EntityID:   ch.EntityID,
					Record:     ch.Record,
					Deleted:    ch.Deleted,
				})
				if err != nil {
					return ierr.WithError(err).
						WithMessagef("failed to apply %s %s", ch.EntityType, ch.EntityID).
						Error()
				}
				if d.Action == conflict.ActionHold {
					held++
				}
			}
			if page.Cursor == "" || page.Cursor == watermark {
				return nil
			}
			return tx.SetWatermark(page.Cursor)
		})
		if err != nil {
			return err
		}

		res.Pulled += len(page.Changes)
		res.Held += held
		if page.Cursor != "" {
			watermark = page.Cursor
		}
		c.log.Debugw("delta page applied", "changes", len(page.Changes), "held", held, "cursor", watermark)

		if !page.HasMore || len(page.Changes) == 0 {
			return nil
		}
	}
}
