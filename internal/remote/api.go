// Package remote is the sync engine's view of the invoicing API.
//
// Only four calls matter to the engine: a full snapshot, a delta since a
// watermark, a batch of mutations and a health probe. API abstracts them so
// the coordinator can run against the HTTP client in production and an
// in-memory server in tests.
package remote

import (
	"context"

	"github.com/samber/lo"

	"github.com/tallybook/tally/internal/offline/schema"
)

// API is the remote source of truth.
type API interface {
	// Snapshot returns every entity of the tenant plus the cursor the next
	// delta should start from.
	Snapshot(ctx context.Context, tenant string) (*Snapshot, error)

	// Delta returns at most limit changes since watermark. Re-requesting the
	// same watermark returns the same changes. An expired or unknown
	// watermark fails with ErrWatermarkUnrecognized.
	Delta(ctx context.Context, tenant, watermark string, limit int) (*Delta, error)

	// PushMutations submits mutations in order and reports per item.
	// Mutations are deduplicated by idempotency key, so resending an already
	// applied mutation returns its original result.
	PushMutations(ctx context.Context, tenant string, mutations []Mutation) (*BatchResult, error)

	// Ping checks that the API is reachable.
	Ping(ctx context.Context) error
}

// Snapshot is the full server state of one tenant.
type Snapshot struct {
	Entities map[schema.EntityType][]*schema.Record `json:"entities"`
	Cursor   string                                 `json:"cursor"`
	// AppliedKeys lists idempotency keys of mutations already reflected in
	// the snapshot.
	AppliedKeys []string `json:"applied_keys,omitempty"`
}

// AppliedSet returns AppliedKeys as a set.
func (s *Snapshot) AppliedSet() map[string]struct{} {
	return lo.SliceToMap(s.AppliedKeys, func(k string) (string, struct{}) {
		return k, struct{}{}
	})
}

// Change is one changed or deleted record in a delta page.
type Change struct {
	EntityType schema.EntityType `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Record     *schema.Record    `json:"record,omitempty"`
	Deleted    bool              `json:"deleted,omitempty"`
}

// Delta is one page of changes.
type Delta struct {
	Changes []Change `json:"changes"`
	// Cursor is the watermark after this page.
	Cursor  string `json:"cursor"`
	HasMore bool   `json:"has_more"`
}

// Mutation is one outbox entry on the wire.
type Mutation struct {
	IdempotencyKey string            `json:"idempotency_key"`
	Operation      schema.Operation  `json:"operation"`
	EntityType     schema.EntityType `json:"entity_type"`
	EntityID       string            `json:"entity_id"`
	Payload        schema.Payload    `json:"payload,omitempty"`
}

// BatchRequest is the body of a mutations push.
type BatchRequest struct {
	BatchID   string     `json:"batch_id"`
	Mutations []Mutation `json:"mutations"`
}

// ItemStatus is the server's verdict on one mutation.
type ItemStatus string

const (
	StatusApplied  ItemStatus = "applied"
	StatusRejected ItemStatus = "rejected"
)

// ItemResult acknowledges one mutation.
type ItemResult struct {
	IdempotencyKey string     `json:"idempotency_key"`
	Status         ItemStatus `json:"status"`
	Reason         string     `json:"reason,omitempty"`
	// Record is the canonical server version, when the server echoes one.
	Record *schema.Record `json:"record,omitempty"`
}

// BatchResult is the response to a mutations push. Items absent from Results
// were not processed.
type BatchResult struct {
	BatchID string       `json:"batch_id"`
	Results []ItemResult `json:"results"`
}

// ByKey indexes results by idempotency key.
func (b *BatchResult) ByKey() map[string]ItemResult {
	return lo.KeyBy(b.Results, func(r ItemResult) string { return r.IdempotencyKey })
}
