package syncer

import (
	"context"

	"github.com/samber/lo"

	ierr "github.com/tallybook/tally/internal/errors"
	"github.com/tallybook/tally/internal/offline/conflict"
	"github.com/tallybook/tally/internal/offline/store"
	"github.com/tallybook/tally/internal/remote"
)

// push drains the outbox entries that existed when the pass started.
// Entries queued while the pass runs wait for the next one.
func (c *Coordinator) push(ctx context.Context, res *Result) error {
	var tail int64
	if err := c.store.View(ctx, func(tx *store.Tx) error {
		var err error
		tail, err = tx.MaxOutboxSeq()
		return err
	}); err != nil {
		return err
	}

	var after int64
	for after < tail {
		if err := ctx.Err(); err != nil {
			return ierr.WithError(err).WithMessage("sync cancelled").Mark(ierr.ErrNetworkUnavailable)
		}

		batch, err := c.stage(ctx, after, tail)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		after = batch[len(batch)-1].Seq

		mutations := lo.Map(batch, func(e *store.OutboxEntry, _ int) remote.Mutation {
			return remote.Mutation{
				IdempotencyKey: e.IdempotencyKey,
				Operation:      e.Op,
				EntityType:     e.EntityType,
				EntityID:       e.EntityID,
				Payload:        e.Payload,
			}
		})
		res.Pushed += len(mutations)

		// No transaction is held across the network call.
		out, err := c.api.PushMutations(ctx, c.store.Tenant(), mutations)
		if err != nil {
			c.recordError(ctx, batch, err)
			return err
		}

		unanswered, err := c.acknowledge(ctx, batch, out, res)
		if err != nil {
			return err
		}
		if unanswered > 0 {
			// Later entries may target the same records; sending them ahead
			// of the unanswered ones would break per-record order.
			c.log.Warnw("server left mutations unanswered, leaving them queued",
				"unanswered", unanswered, "batch_id", out.BatchID)
			return nil
		}
	}
	return nil
}

// stage seals the next chunk of entries before it is transmitted, so no
// later local edit can be merged into a payload the server may already hold.
func (c *Coordinator) stage(ctx context.Context, after, tail int64) ([]*store.OutboxEntry, error) {
	var batch []*store.OutboxEntry
	err := c.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		batch, err = tx.ListOutbox(after, tail, c.opts.BatchSize)
		if err != nil {
			return err
		}
		seqs := lo.Map(batch, func(e *store.OutboxEntry, _ int) int64 { return e.Seq })
		return tx.MarkAttempt(tx.Now(), seqs...)
	})
	return batch, err
}

func (c *Coordinator) recordError(ctx context.Context, batch []*store.OutboxEntry, cause error) {
	seqs := lo.Map(batch, func(e *store.OutboxEntry, _ int) int64 { return e.Seq })
	err := c.store.Update(context.WithoutCancel(ctx), func(tx *store.Tx) error {
		return tx.RecordOutboxError(cause.Error(), seqs...)
	})
	if err != nil {
		c.log.Warnw("failed to record push error", "error", err)
	}
}

// acknowledge applies the server's per-item answers in outbox order and
// returns the number of entries it did not answer.
func (c *Coordinator) acknowledge(ctx context.Context, batch []*store.OutboxEntry, out *remote.BatchResult, res *Result) (int, error) {
	byKey := out.ByKey()
	var (
		unanswered int
		acked      int
		rejected   []Rejected
	)
	err := c.store.Update(ctx, func(tx *store.Tx) error {
		unanswered, acked, rejected = 0, 0, nil
		for _, e := range batch {
			r, ok := byKey[e.IdempotencyKey]
			if !ok || (r.Status != remote.StatusApplied && r.Status != remote.StatusRejected) {
				unanswered++
				continue
			}
			if err := tx.RemoveOutbox(e.Seq); err != nil {
				return err
			}

			outcome := conflict.Outcome{Applied: r.Status == remote.StatusApplied, Echo: r.Record}
			if r.Status == remote.StatusRejected {
				if err := tx.AddRejection(store.RejectionFromEntry(e, r.Reason, tx.Now())); err != nil {
					return err
				}
				rejected = append(rejected, Rejected{
					EntityType: e.EntityType, EntityID: e.EntityID, Op: e.Op, Reason: r.Reason,
				})
			} else {
				acked++
			}
			if _, err := c.resolver.Settle(tx, e, outcome); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	res.Acked += acked
	res.Unanswered += unanswered
	res.Rejected = append(res.Rejected, rejected...)
	for _, r := range rejected {
		c.log.Warnw("mutation rejected",
			"entity_type", r.EntityType, "entity_id", r.EntityID, "op", r.Op, "reason", r.Reason)
		if c.opts.Reporter != nil {
			c.opts.Reporter.Report(
				ierr.NewErrorf("%s %s %s rejected: %s", r.Op, r.EntityType, r.EntityID, r.Reason).Mark(ierr.ErrMutationRejected),
				map[string]string{"component": "syncer", "entity_type": string(r.EntityType)},
			)
		}
	}
	return unanswered, nil
}
