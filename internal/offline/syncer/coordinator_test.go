package syncer

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ierr "github.com/tallybook/tally/internal/errors"
	"github.com/tallybook/tally/internal/offline/outbox"
	"github.com/tallybook/tally/internal/offline/schema"
	"github.com/tallybook/tally/internal/offline/store"
	"github.com/tallybook/tally/internal/remote"
	"github.com/tallybook/tally/internal/testutil"
)

type harness struct {
	t    *testing.T
	path string
	opts Options
	fake *testutil.FakeServer
	api  remote.API
	st   *store.Store
	w    *outbox.Writer
	c    *Coordinator
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	fake := testutil.NewFakeServer("acme")
	h := &harness{
		t:    t,
		path: filepath.Join(t.TempDir(), "acme.db"),
		opts: opts,
		fake: fake,
		api:  fake,
	}
	h.open()
	t.Cleanup(func() { h.st.Close() })
	return h
}

func (h *harness) open() {
	h.t.Helper()
	st, err := store.Open(context.Background(), h.path, store.Options{Tenant: "acme"})
	require.NoError(h.t, err)
	h.st = st
	h.w = outbox.NewWriter(st, nil)
	h.c = New(st, h.api, h.opts)
}

// restart simulates the process dying and coming back.
func (h *harness) restart() {
	h.t.Helper()
	require.NoError(h.t, h.st.Close())
	h.open()
}

func (h *harness) sync() *Result {
	h.t.Helper()
	res, err := h.c.Sync(context.Background())
	require.NoError(h.t, err)
	return res
}

func (h *harness) meta() *store.SyncMeta {
	h.t.Helper()
	var m *store.SyncMeta
	require.NoError(h.t, h.st.View(context.Background(), func(tx *store.Tx) error {
		var err error
		m, err = tx.SyncMeta()
		return err
	}))
	return m
}

func (h *harness) outbox() []*store.OutboxEntry {
	h.t.Helper()
	var out []*store.OutboxEntry
	require.NoError(h.t, h.st.View(context.Background(), func(tx *store.Tx) error {
		var err error
		out, err = tx.ListOutbox(0, 0, 0)
		return err
	}))
	return out
}

func (h *harness) rejections() []*store.Rejection {
	h.t.Helper()
	var out []*store.Rejection
	require.NoError(h.t, h.st.View(context.Background(), func(tx *store.Tx) error {
		var err error
		out, err = tx.ListRejections(false)
		return err
	}))
	return out
}

func (h *harness) local(et schema.EntityType, id string) *schema.Record {
	h.t.Helper()
	var rec *schema.Record
	require.NoError(h.t, h.st.View(context.Background(), func(tx *store.Tx) error {
		var err error
		rec, err = tx.Get(et, id)
		if ierr.IsNotFound(err) {
			return nil
		}
		return err
	}))
	return rec
}

func (h *harness) count(et schema.EntityType) int {
	h.t.Helper()
	var n int
	require.NoError(h.t, h.st.View(context.Background(), func(tx *store.Tx) error {
		var err error
		n, err = tx.Count(et)
		return err
	}))
	return n
}

// assertMatchesServer checks the local record equals the server's.
func (h *harness) assertMatchesServer(et schema.EntityType, id string) {
	h.t.Helper()
	want := h.fake.Record(et, id)
	got := h.local(et, id)
	require.NotNil(h.t, want, "server has no %s %s", et, id)
	require.NotNil(h.t, got, "local store has no %s %s", et, id)
	assert.Equal(h.t, want.Version, got.Version)
	assert.True(h.t, want.UpdatedAt.Equal(got.UpdatedAt), "updated_at %v != %v", got.UpdatedAt, want.UpdatedAt)
	assert.JSONEq(h.t, string(want.Payload), string(got.Payload))
	assert.False(h.t, got.Pending)
}

func TestFirstSyncIsFull(t *testing.T) {
	h := newHarness(t, Options{})
	h.fake.Put(schema.Customers, "c-1", schema.Payload(`{"name":"Ada"}`))
	h.fake.Put(schema.Products, "p-1", schema.Payload(`{"name":"Widget","unit_price":"9.99"}`))

	res := h.sync()
	assert.Equal(t, ModeFull, res.Mode)
	assert.Equal(t, 2, res.Pulled)
	h.assertMatchesServer(schema.Customers, "c-1")
	h.assertMatchesServer(schema.Products, "p-1")

	m := h.meta()
	assert.Equal(t, "c2", m.Watermark)
	assert.Equal(t, string(StateSuccess), m.LastStatus)
	assert.Equal(t, string(ModeFull), m.LastMode)
	assert.NotNil(t, m.LastSuccessAt)

	res = h.sync()
	assert.Equal(t, ModeDelta, res.Mode)
	assert.Zero(t, res.Pulled)
}

func TestOfflineCustomerAndInvoiceSyncInOrder(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.sync()

	h.fake.SetOffline(true)
	_, err := h.w.Create(ctx, schema.Customers, "c-123", schema.Payload(`{"name":"Ada Lovelace"}`))
	require.NoError(t, err)
	inv, err := h.w.Create(ctx, schema.Invoices, "", schema.Payload(`{"customer_id":"c-123","status":"draft","issue_date":"2026-03-01"}`))
	require.NoError(t, err)
	invID := inv.Record.ID

	res, err := h.c.Sync(ctx)
	require.Error(t, err)
	assert.True(t, ierr.IsTransient(err))
	assert.Equal(t, 2, res.Pending)
	assert.Equal(t, StateIdle, h.c.Status().State)
	assert.Equal(t, "c0", h.meta().Watermark, "failed pass leaves the watermark alone")
	assert.Equal(t, string(StateFailed), h.meta().LastStatus)
	assert.Len(t, h.outbox(), 2)

	h.fake.SetOffline(false)
	res = h.sync()
	assert.Equal(t, 2, res.Pushed)
	assert.Equal(t, 2, res.Acked)
	assert.Empty(t, res.Rejected)
	assert.Zero(t, res.Pending)

	received := h.fake.Received()
	require.Len(t, received, 2)
	assert.Equal(t, schema.Customers, received[0].EntityType)
	assert.Equal(t, "c-123", received[0].EntityID)
	assert.Equal(t, schema.Invoices, received[1].EntityType)
	assert.Equal(t, invID, received[1].EntityID)

	assert.Empty(t, h.outbox())
	h.assertMatchesServer(schema.Customers, "c-123")
	h.assertMatchesServer(schema.Invoices, invID)
	assert.Equal(t, "c-123", schema.Field(h.local(schema.Invoices, invID).Payload, "customer_id"))
}

func TestReplayMatchesDirectApplication(t *testing.T) {
	h := newHarness(t, Options{BatchSize: 2})
	ctx := context.Background()
	h.sync()

	_, err := h.w.Create(ctx, schema.Customers, "c-1", schema.Payload(`{"name":"Ada"}`))
	require.NoError(t, err)

	patches := []string{
		`{"phone":"1"}`,
		`{"phone":"2","email":"ada@example.com"}`,
		`{"email":null}`,
		`{"phone":"4","status":"archived"}`,
	}
	for _, p := range patches {
		// Each failed pass seals what is queued, so every patch gets its
		// own entry.
		h.fake.FailNext(testutil.MethodPush, 1, ierr.NewError("gateway timeout").Mark(ierr.ErrTimeout))
		_, err := h.c.Sync(ctx)
		require.Error(t, err)
		_, err = h.w.Update(ctx, schema.Customers, "c-1", schema.Payload(p))
		require.NoError(t, err)
	}
	require.Len(t, h.outbox(), 5)

	res := h.sync()
	assert.Equal(t, 5, res.Acked)

	ops := h.fake.ReceivedFor(schema.Customers, "c-1")
	require.Len(t, ops, 5)
	assert.Equal(t, schema.OpCreate, ops[0].Operation)
	for i, p := range patches {
		assert.JSONEq(t, p, string(ops[i+1].Payload))
	}

	server := h.fake.Record(schema.Customers, "c-1")
	assert.JSONEq(t, `{"name":"Ada","phone":"4","status":"archived"}`, string(server.Payload))
	h.assertMatchesServer(schema.Customers, "c-1")
}

func TestCoalescedUpdatesSendOneMutation(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.fake.Put(schema.Customers, "c-1", schema.Payload(`{"name":"Ada"}`))
	h.sync()

	_, err := h.w.Update(ctx, schema.Customers, "c-1", schema.Payload(`{"phone":"1"}`))
	require.NoError(t, err)
	_, err = h.w.Update(ctx, schema.Customers, "c-1", schema.Payload(`{"email":"ada@example.com"}`))
	require.NoError(t, err)
	require.Len(t, h.outbox(), 1)

	h.sync()
	ops := h.fake.ReceivedFor(schema.Customers, "c-1")
	require.Len(t, ops, 1)
	assert.Equal(t, schema.OpUpdate, ops[0].Operation)
	assert.JSONEq(t, `{"phone":"1","email":"ada@example.com"}`, string(ops[0].Payload))
}

func TestCreateThenDeleteMakesNoNetworkCall(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.sync()

	_, err := h.w.Create(ctx, schema.Customers, "c-1", schema.Payload(`{"name":"Ada"}`))
	require.NoError(t, err)
	_, err = h.w.Delete(ctx, schema.Customers, "c-1")
	require.NoError(t, err)

	res := h.sync()
	assert.Zero(t, res.Pushed)
	assert.Zero(t, h.fake.Calls().Push)
	assert.Empty(t, h.fake.ReceivedFor(schema.Customers, "c-1"))
	assert.Nil(t, h.fake.Record(schema.Customers, "c-1"))
}

func TestLostAckIsRetransmittedAfterRestart(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.sync()

	_, err := h.w.Create(ctx, schema.Customers, "c-1", schema.Payload(`{"name":"Ada"}`))
	require.NoError(t, err)

	h.fake.LoseAcks(1)
	_, err = h.c.Sync(ctx)
	require.Error(t, err)
	assert.True(t, ierr.IsTransient(err))

	entries := h.outbox()
	require.Len(t, entries, 1, "an unacknowledged mutation must survive")
	assert.True(t, entries[0].Sealed())
	assert.NotEmpty(t, entries[0].LastError)
	key := entries[0].IdempotencyKey

	h.restart()
	require.Len(t, h.outbox(), 1)
	h.sync()

	received := h.fake.ReceivedFor(schema.Customers, "c-1")
	require.Len(t, received, 2)
	assert.Equal(t, key, received[0].IdempotencyKey)
	assert.Equal(t, key, received[1].IdempotencyKey)
	assert.Equal(t, 1, h.fake.AppliedCount(key), "server applied it exactly once")
	assert.Empty(t, h.outbox())
	h.assertMatchesServer(schema.Customers, "c-1")
}

func TestEditAfterSendIsNotMergedIntoSentEntry(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.sync()

	_, err := h.w.Create(ctx, schema.Customers, "c-1", schema.Payload(`{"name":"Ada"}`))
	require.NoError(t, err)
	h.fake.LoseAcks(1)
	_, err = h.c.Sync(ctx)
	require.Error(t, err)

	_, err = h.w.Update(ctx, schema.Customers, "c-1", schema.Payload(`{"phone":"1"}`))
	require.NoError(t, err)
	require.Len(t, h.outbox(), 2)

	h.sync()
	h.assertMatchesServer(schema.Customers, "c-1")
	assert.Equal(t, "1", schema.Field(h.fake.Record(schema.Customers, "c-1").Payload, "phone"))
}

func TestWatermarkOnlyAdvancesPastAppliedPages(t *testing.T) {
	h := newHarness(t, Options{PageSize: 2})
	ctx := context.Background()
	h.sync()
	require.Equal(t, "c0", h.meta().Watermark)

	for _, id := range []string{"c-1", "c-2", "c-3", "c-4", "c-5"} {
		h.fake.Put(schema.Customers, id, schema.Payload(`{"name":"`+id+`"}`))
	}

	h.fake.FailAfter(testutil.MethodDelta, 1, 1, ierr.NewError("connection reset").Mark(ierr.ErrNetworkUnavailable))
	res, err := h.c.Sync(ctx)
	require.Error(t, err)
	assert.Equal(t, 2, res.Pulled)
	assert.Equal(t, "c2", h.meta().Watermark)
	assert.Equal(t, 2, h.count(schema.Customers))

	res = h.sync()
	assert.Equal(t, 3, res.Pulled)
	assert.Equal(t, "c5", h.meta().Watermark)
	assert.Equal(t, 5, h.count(schema.Customers))

	// Re-requesting from an older cursor is harmless.
	require.NoError(t, h.st.Update(ctx, func(tx *store.Tx) error { return tx.SetWatermark("c0") }))
	res = h.sync()
	assert.Equal(t, 5, res.Pulled)
	assert.Equal(t, 5, h.count(schema.Customers))
	for _, id := range []string{"c-1", "c-2", "c-3", "c-4", "c-5"} {
		h.assertMatchesServer(schema.Customers, id)
	}
}

func TestPendingEditWinsUntilAcknowledged(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.fake.Put(schema.Invoices, "i-1", schema.Payload(`{"customer_id":"c-1","status":"draft","issue_date":"2026-03-01"}`))
	h.sync()

	_, err := h.w.Update(ctx, schema.Invoices, "i-1", schema.Payload(`{"status":"sent"}`))
	require.NoError(t, err)
	h.fake.Put(schema.Invoices, "i-1", schema.Payload(`{"customer_id":"c-1","status":"draft","issue_date":"2026-03-01","notes":"net 30"}`))

	// The server takes the batch but answers nothing, so the pull runs with
	// the edit still pending.
	h.fake.ProcessOnly(0)
	res := h.sync()
	assert.Equal(t, 1, res.Unanswered)
	assert.Equal(t, 1, res.Held)

	local := h.local(schema.Invoices, "i-1")
	assert.Equal(t, "sent", schema.Field(local.Payload, "status"))
	assert.Empty(t, schema.Field(local.Payload, "notes"))
	assert.True(t, local.Pending)

	res = h.sync()
	assert.Equal(t, 1, res.Acked)
	h.assertMatchesServer(schema.Invoices, "i-1")
	local = h.local(schema.Invoices, "i-1")
	assert.Equal(t, "sent", schema.Field(local.Payload, "status"))
	assert.Equal(t, "net 30", schema.Field(local.Payload, "notes"))
}

func TestRejectedMutationIsRecordedAndNotRetried(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.sync()

	h.fake.RejectWhen(func(m remote.Mutation) (string, bool) {
		return "duplicate tax id", m.EntityID == "c-bad"
	})
	_, err := h.w.Create(ctx, schema.Customers, "c-good", schema.Payload(`{"name":"Good"}`))
	require.NoError(t, err)
	_, err = h.w.Create(ctx, schema.Customers, "c-bad", schema.Payload(`{"name":"Bad","tax_id":"X"}`))
	require.NoError(t, err)

	res := h.sync()
	assert.Equal(t, 1, res.Acked)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, "c-bad", res.Rejected[0].EntityID)
	assert.Equal(t, "duplicate tax id", res.Rejected[0].Reason)

	assert.Empty(t, h.outbox())
	assert.Nil(t, h.local(schema.Customers, "c-bad"), "a rejected create never existed server-side")
	h.assertMatchesServer(schema.Customers, "c-good")

	rej := h.rejections()
	require.Len(t, rej, 1)
	assert.Equal(t, "c-bad", rej[0].EntityID)
	assert.JSONEq(t, `{"name":"Bad","tax_id":"X"}`, string(rej[0].Payload))

	h.sync()
	assert.Len(t, h.fake.ReceivedFor(schema.Customers, "c-bad"), 1)
}

func TestFullSyncAfterWatermarkUnrecognized(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.fake.Put(schema.Customers, "c-1", schema.Payload(`{"name":"One"}`))
	h.fake.Put(schema.Customers, "c-2", schema.Payload(`{"name":"Two"}`))
	h.sync()

	_, err := h.w.Update(ctx, schema.Customers, "c-2", schema.Payload(`{"phone":"2"}`))
	require.NoError(t, err)
	_, err = h.w.Create(ctx, schema.Customers, "c-3", schema.Payload(`{"name":"Three"}`))
	require.NoError(t, err)

	h.fake.Remove(schema.Customers, "c-2")
	h.fake.Put(schema.Customers, "c-9", schema.Payload(`{"name":"Nine"}`))
	h.fake.Compact()
	h.fake.ProcessOnly(0)

	res := h.sync()
	assert.Equal(t, ModeFull, res.Mode)
	assert.Equal(t, 1, res.Orphaned)

	assert.Equal(t, 3, h.count(schema.Customers), "c-1, c-9 from the snapshot plus pending c-3")
	h.assertMatchesServer(schema.Customers, "c-1")
	h.assertMatchesServer(schema.Customers, "c-9")
	assert.Nil(t, h.local(schema.Customers, "c-2"))
	c3 := h.local(schema.Customers, "c-3")
	require.NotNil(t, c3)
	assert.True(t, c3.Pending)

	entries := h.outbox()
	require.Len(t, entries, 1, "no orphaned entry for a confirmed record survives")
	assert.Equal(t, "c-3", entries[0].EntityID)

	rej := h.rejections()
	require.Len(t, rej, 1)
	assert.Equal(t, "c-2", rej[0].EntityID)
	assert.Equal(t, orphanReason, rej[0].Reason)

	m := h.meta()
	assert.False(t, m.NeedsFullSync)
	assert.Equal(t, "c4", m.Watermark)

	res = h.sync()
	assert.Equal(t, ModeDelta, res.Mode)
	assert.Equal(t, 1, res.Acked)
	h.assertMatchesServer(schema.Customers, "c-3")
}

func TestSnapshotDropsAlreadyAppliedEntries(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.sync()

	_, err := h.w.Create(ctx, schema.Customers, "c-1", schema.Payload(`{"name":"Ada"}`))
	require.NoError(t, err)

	// Applied server-side, ack lost, and then a full sync is requested.
	h.fake.LoseAcks(1)
	_, err = h.c.Sync(ctx)
	require.Error(t, err)
	h.fake.FailNext(testutil.MethodPush, 1, ierr.NewError("offline").Mark(ierr.ErrNetworkUnavailable))
	_, err = h.c.FullSync(ctx)
	require.Error(t, err)

	h.fake.ProcessOnly(0)
	res, err := h.c.FullSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeFull, res.Mode)
	assert.Empty(t, h.outbox())
	h.assertMatchesServer(schema.Customers, "c-1")
}

func TestNeedsFullSyncFlagForcesFullPass(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.sync()
	require.NoError(t, h.st.Update(ctx, func(tx *store.Tx) error { return tx.SetNeedsFullSync(true) }))

	res := h.sync()
	assert.Equal(t, ModeFull, res.Mode)
	assert.False(t, h.meta().NeedsFullSync)
}

type blockingAPI struct {
	*testutil.FakeServer
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (b *blockingAPI) Snapshot(ctx context.Context, tenant string) (*remote.Snapshot, error) {
	b.once.Do(func() { close(b.entered) })
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return b.FakeServer.Snapshot(ctx, tenant)
}

func TestAtMostOnePassInFlight(t *testing.T) {
	h := newHarness(t, Options{})
	api := &blockingAPI{FakeServer: h.fake, entered: make(chan struct{}), release: make(chan struct{})}
	h.api = api
	h.c = New(h.st, api, Options{})

	done := make(chan *Result)
	go func() {
		res, _ := h.c.Sync(context.Background())
		done <- res
	}()

	<-api.entered
	assert.True(t, h.c.Syncing())
	assert.Equal(t, StateSyncing, h.c.Status().State)

	res, err := h.c.Sync(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	close(api.release)
	first := <-done
	assert.False(t, first.Skipped)
	assert.Equal(t, 1, h.fake.Calls().Snapshot)
	assert.False(t, h.c.Syncing())
}

func TestCancelledPassLeavesWatermark(t *testing.T) {
	h := newHarness(t, Options{})
	h.fake.Put(schema.Customers, "c-1", schema.Payload(`{"name":"Ada"}`))
	api := &blockingAPI{FakeServer: h.fake, entered: make(chan struct{}), release: make(chan struct{})}
	h.c = New(h.st, api, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		_, err := h.c.Sync(ctx)
		done <- err
	}()
	<-api.entered
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled pass did not return")
	}

	m := h.meta()
	assert.Empty(t, m.Watermark)
	assert.Equal(t, string(StateFailed), m.LastStatus)
	assert.Equal(t, StateIdle, h.c.Status().State)
	assert.Zero(t, h.count(schema.Customers))
}

func TestStatusSubscription(t *testing.T) {
	h := newHarness(t, Options{})
	updates, stop := h.c.Subscribe()
	defer stop()

	h.sync()

	var states []State
	for {
		select {
		case s := <-updates:
			states = append(states, s.State)
			continue
		default:
		}
		break
	}
	require.GreaterOrEqual(t, len(states), 3)
	assert.Equal(t, StateSyncing, states[0])
	assert.Equal(t, StateSuccess, states[len(states)-2])
	assert.Equal(t, StateIdle, states[len(states)-1])

	st := h.c.Status()
	require.NotNil(t, st.LastResult)
	assert.Equal(t, ModeFull, st.LastResult.Mode)
}

func TestEditsAfterSchemaRebuildReachServer(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.sync()

	_, err := h.w.Create(ctx, schema.Customers, "c-1", schema.Payload(`{"name":"A"}`))
	require.NoError(t, err)
	h.sync()
	_, err = h.w.Update(ctx, schema.Customers, "c-1", schema.Payload(`{"name":"B"}`))
	require.NoError(t, err)
	h.sync()
	require.Empty(t, h.outbox())

	require.NoError(t, h.st.Close())
	raw, err := sql.Open("sqlite3", "file:"+h.path)
	require.NoError(t, err)
	_, err = raw.Exec(`UPDATE schema_meta SET value = 'v2.0.0' WHERE key = 'version'`)
	require.NoError(t, err)
	require.NoError(t, raw.Close())
	h.open()
	require.NotEmpty(t, h.st.Rebuilt())

	res := h.sync()
	assert.Equal(t, ModeFull, res.Mode)
	h.assertMatchesServer(schema.Customers, "c-1")

	for _, name := range []string{"X", "Y"} {
		_, err = h.w.Update(ctx, schema.Customers, "c-1", schema.Payload(`{"name":"`+name+`"}`))
		require.NoError(t, err)
		res = h.sync()
		require.Empty(t, res.Rejected)
		assert.Equal(t, name, schema.Field(h.fake.Record(schema.Customers, "c-1").Payload, "name"))
	}
	h.assertMatchesServer(schema.Customers, "c-1")
	assert.Equal(t, "Y", schema.Field(h.local(schema.Customers, "c-1").Payload, "name"))
}
