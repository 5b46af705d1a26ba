// Package syncer reconciles the local store with the remote API.
//
// A Coordinator runs sync passes. Each pass moves through
//
//	Idle -> Syncing -> Success | Failed -> Idle
//
// and at most one pass runs at a time: a call made while a pass is in flight
// returns immediately with Result.Skipped set.
//
// # Delta pass
//
//  1. Push: the outbox is drained in creation order, in chunks of
//     Options.BatchSize. Each chunk is staged (its entries are sealed) in one
//     transaction, sent without holding any transaction, and its
//     acknowledgements are applied in another. Applied entries are removed
//     and their echo becomes the record's baseline. Rejected entries are
//     removed and kept as rejections for review. Entries the server did not
//     answer stay queued.
//  2. Pull: changes since the watermark are fetched page by page and merged
//     through the conflict resolver. Each page commits together with its
//     cursor, so the watermark never moves past a change that was not
//     applied.
//
// A watermark the server no longer recognises turns the pass into a full
// sync.
//
// # Full pass
//
// After the push, the complete snapshot replaces every entity table in one
// transaction. Queued entries the snapshot already reflects are dropped, entries
// for confirmed records the server no longer has are dropped and flagged, and
// the rest are re-applied on top so pending edits stay visible.
//
// A full pass runs on the first sync, after a schema rebuild, after the
// server rejected the watermark, and on request.
//
// # Failure
//
// Network failures and timeouts end the pass as Failed with the outbox and
// watermark as they were; the next trigger starts over. Sent entries are
// sealed, so a retransmission carries the same idempotency key and the server
// deduplicates it.
package syncer
