package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	ierr "github.com/tallybook/tally/internal/errors"
	"github.com/tallybook/tally/internal/offline/schema"
)

const testTenant = "acme"

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "test.db")
}

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(context.Background(), testDBPath(t), Options{Tenant: testTenant})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func customer(id, name string, at time.Time) *schema.Record {
	return &schema.Record{
		ID:         id,
		BusinessID: testTenant,
		UpdatedAt:  at,
		Payload:    schema.Payload(fmt.Sprintf(`{"name":%q,"status":"active"}`, name)),
	}
}

func TestOpen_CreatesTables(t *testing.T) {
	st := setupTestStore(t)

	tables := []string{"schema_meta", "outbox", "sync_meta", "held_records", "rejections"}
	for _, et := range schema.EntityTypes {
		tables = append(tables, string(et))
	}
	for _, table := range tables {
		var count int
		err := st.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}
	if st.Rebuilt() != "" {
		t.Errorf("fresh store reports rebuild from %q", st.Rebuilt())
	}
}

func TestOpen_RequiresTenant(t *testing.T) {
	_, err := Open(context.Background(), testDBPath(t), Options{})
	if !ierr.IsValidation(err) {
		t.Fatalf("Open() error = %v, want validation error", err)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), testDBPath(t), Options{Tenant: testTenant, Driver: "postgres"})
	if !ierr.IsValidation(err) {
		t.Fatalf("Open() error = %v, want validation error", err)
	}
}

func TestPutGetQueryDelete(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 10, 7, 0, 0, 0, time.UTC)

	err := st.Update(ctx, func(tx *Tx) error {
		for i, name := range []string{"Ada", "Grace", "Linus"} {
			if err := tx.Put(schema.Customers, customer(fmt.Sprintf("c-%d", i), name, now.Add(time.Duration(i)*time.Minute))); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	err = st.View(ctx, func(tx *Tx) error {
		rec, err := tx.Get(schema.Customers, "c-1")
		if err != nil {
			return err
		}
		if schema.Field(rec.Payload, "name") != "Grace" {
			t.Errorf("name = %q, want Grace", schema.Field(rec.Payload, "name"))
		}
		if !rec.UpdatedAt.Equal(now.Add(time.Minute)) {
			t.Errorf("UpdatedAt = %v", rec.UpdatedAt)
		}
		if rec.Pending {
			t.Error("record without outbox entry reported pending")
		}

		all, err := tx.Query(schema.Customers, Filter{})
		if err != nil {
			return err
		}
		if len(all) != 3 || all[0].ID != "c-2" {
			t.Errorf("Query() = %d records, first %s; want 3, newest first", len(all), all[0].ID)
		}

		byName, err := tx.Query(schema.Customers, Filter{NameContains: "ra", OrderBy: "name"})
		if err != nil {
			return err
		}
		if len(byName) != 1 || byName[0].ID != "c-1" {
			t.Errorf("NameContains query returned %d records", len(byName))
		}

		pred, err := tx.Query(schema.Customers, Filter{
			Predicate: func(r *schema.Record) bool { return r.ID != "c-0" },
			Limit:     1,
		})
		if err != nil {
			return err
		}
		if len(pred) != 1 || pred[0].ID != "c-2" {
			t.Errorf("Predicate query = %v", pred)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}

	if err := st.Update(ctx, func(tx *Tx) error { return tx.Delete(schema.Customers, "c-1") }); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	err = st.View(ctx, func(tx *Tx) error {
		_, err := tx.Get(schema.Customers, "c-1")
		return err
	})
	if !ierr.IsNotFound(err) {
		t.Errorf("Get after delete error = %v, want not found", err)
	}
}

func TestPut_RefusesOtherTenant(t *testing.T) {
	st := setupTestStore(t)
	rec := customer("c-1", "Ada", time.Now())
	rec.BusinessID = "globex"
	err := st.Update(context.Background(), func(tx *Tx) error { return tx.Put(schema.Customers, rec) })
	if !ierr.IsPermissionDenied(err) {
		t.Errorf("Put() error = %v, want permission denied", err)
	}
}

func TestUpdate_RollsBackOnError(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	err := st.Update(ctx, func(tx *Tx) error {
		if err := tx.Put(schema.Customers, customer("c-1", "Ada", time.Now())); err != nil {
			return err
		}
		if err := tx.AppendOutbox(&OutboxEntry{EntityType: schema.Customers, EntityID: "c-1", Op: schema.OpCreate, Payload: schema.Payload(`{"name":"Ada"}`)}); err != nil {
			return err
		}
		return fmt.Errorf("boom")
	})
	if err == nil {
		t.Fatal("expected error")
	}

	_ = st.View(ctx, func(tx *Tx) error {
		n, _ := tx.Count(schema.Customers)
		m, _ := tx.OutboxCount()
		if n != 0 || m != 0 {
			t.Errorf("after rollback: %d customers, %d outbox entries", n, m)
		}
		return nil
	})
}

func TestOutbox_OrderKeysAndPending(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	var entries []*OutboxEntry
	err := st.Update(ctx, func(tx *Tx) error {
		if err := tx.Put(schema.Customers, customer("c-1", "Ada", time.Now())); err != nil {
			return err
		}
		for _, op := range []schema.Operation{schema.OpCreate, schema.OpUpdate, schema.OpUpdate} {
			e := &OutboxEntry{EntityType: schema.Customers, EntityID: "c-1", Op: op, Payload: schema.Payload(`{"name":"Ada"}`)}
			if err := tx.AppendOutbox(e); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("AppendOutbox failed: %v", err)
	}

	if !(entries[0].Seq < entries[1].Seq && entries[1].Seq < entries[2].Seq) {
		t.Errorf("seqs not increasing: %d %d %d", entries[0].Seq, entries[1].Seq, entries[2].Seq)
	}
	if entries[1].IdempotencyKey == entries[2].IdempotencyKey {
		t.Error("two updates share an idempotency key")
	}

	err = st.Update(ctx, func(tx *Tx) error {
		rec, err := tx.Get(schema.Customers, "c-1")
		if err != nil {
			return err
		}
		if !rec.Pending {
			t.Error("record with outbox entries not reported pending")
		}

		if err := tx.MarkAttempt(time.Now(), entries[0].Seq); err != nil {
			return err
		}
		updated, err := tx.UpdateOutboxPayload(entries[0].Seq, schema.Payload(`{"name":"x"}`))
		if err != nil {
			return err
		}
		if updated {
			t.Error("sealed entry payload was updated")
		}

		pending, err := tx.PendingFor(schema.Customers, "c-1")
		if err != nil {
			return err
		}
		if len(pending) != 3 || !pending[0].Sealed() || pending[1].Sealed() {
			t.Errorf("PendingFor() = %d entries, sealed[0]=%v", len(pending), pending[0].Sealed())
		}

		page, err := tx.ListOutbox(entries[0].Seq, entries[1].Seq, 10)
		if err != nil {
			return err
		}
		if len(page) != 1 || page[0].Seq != entries[1].Seq {
			t.Errorf("ListOutbox window returned %d entries", len(page))
		}
		return tx.RemoveOutbox(entries[0].Seq, entries[1].Seq)
	})
	if err != nil {
		t.Fatalf("outbox operations failed: %v", err)
	}

	_ = st.View(ctx, func(tx *Tx) error {
		n, _ := tx.OutboxCount()
		if n != 1 {
			t.Errorf("OutboxCount() = %d, want 1", n)
		}
		return nil
	})
}

func TestSyncMetaHeldAndRejections(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	err := st.Update(ctx, func(tx *Tx) error {
		m, err := tx.SyncMeta()
		if err != nil {
			return err
		}
		if m.Watermark != "" || m.LastStatus != "idle" {
			t.Errorf("default meta = %+v", m)
		}
		if err := tx.SetWatermark("cursor-7"); err != nil {
			return err
		}

		rec := customer("c-1", "Server Ada", time.Now().UTC().Truncate(time.Microsecond))
		rec.Version = 3
		if err := tx.Hold(&HeldRecord{EntityType: schema.Customers, EntityID: "c-1", Record: rec}); err != nil {
			return err
		}
		if err := tx.Hold(&HeldRecord{EntityType: schema.Invoices, EntityID: "i-1", Deleted: true}); err != nil {
			return err
		}

		return tx.AddRejection(&Rejection{Seq: 4, EntityType: schema.Invoices, EntityID: "i-1", Op: schema.OpUpdate, Reason: "invoice is paid", IdempotencyKey: "k"})
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	err = st.Update(ctx, func(tx *Tx) error {
		m, _ := tx.SyncMeta()
		if m.Watermark != "cursor-7" {
			t.Errorf("Watermark = %q", m.Watermark)
		}
		h, err := tx.Held(schema.Customers, "c-1")
		if err != nil || h == nil || h.Record.Version != 3 || h.Deleted {
			t.Errorf("Held() = %+v, %v", h, err)
		}
		tomb, _ := tx.Held(schema.Invoices, "i-1")
		if tomb == nil || !tomb.Deleted || tomb.Record != nil {
			t.Errorf("tombstone = %+v", tomb)
		}
		none, _ := tx.Held(schema.Products, "p-1")
		if none != nil {
			t.Error("Held() for unknown record returned a value")
		}

		open, err := tx.ListRejections(false)
		if err != nil || len(open) != 1 {
			t.Fatalf("ListRejections() = %d, %v", len(open), err)
		}
		if err := tx.ResolveRejection(open[0].ID, ResolutionDiscarded); err != nil {
			return err
		}
		if err := tx.ResolveRejection(open[0].ID, ResolutionDiscarded); !ierr.IsNotFound(err) {
			t.Errorf("second resolve error = %v", err)
		}
		return tx.ClearHeld()
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	_ = st.View(ctx, func(tx *Tx) error {
		open, _ := tx.ListRejections(false)
		all, _ := tx.ListRejections(true)
		held, _ := tx.ListHeld()
		if len(open) != 0 || len(all) != 1 || len(held) != 0 {
			t.Errorf("open=%d all=%d held=%d", len(open), len(all), len(held))
		}
		if all[0].Resolution != ResolutionDiscarded || all[0].ResolvedAt == nil {
			t.Errorf("resolved rejection = %+v", all[0])
		}
		return nil
	})
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	st := setupTestStore(t)
	if err := st.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	err := st.Update(context.Background(), func(tx *Tx) error { return nil })
	if !ierr.IsStorageUnavailable(err) {
		t.Errorf("Update after close error = %v, want storage unavailable", err)
	}
	// Close is idempotent
	if err := st.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
}

func rawExec(t *testing.T, path string, stmts ...string) {
	t.Helper()
	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	defer conn.Close()
	for _, s := range stmts {
		if _, err := conn.Exec(s); err != nil {
			t.Fatalf("exec %q: %v", s, err)
		}
	}
}

func TestOpen_AdditiveUpgrade(t *testing.T) {
	path := testDBPath(t)
	ctx := context.Background()
	st, err := Open(ctx, path, Options{Tenant: testTenant})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := st.Update(ctx, func(tx *Tx) error {
		return tx.Put(schema.Customers, customer("c-1", "Ada", time.Now()))
	}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	st.Close()

	// Rewind to the v1.0.0 layout.
	rawExec(t, path,
		`DROP INDEX idx_rejections_open`,
		`ALTER TABLE outbox DROP COLUMN last_error`,
		`ALTER TABLE outbox DROP COLUMN last_attempt_at`,
		`ALTER TABLE rejections DROP COLUMN resolution`,
		`ALTER TABLE rejections DROP COLUMN resolved_at`,
		`UPDATE schema_meta SET value = 'v1.0.0' WHERE key = 'version'`,
	)

	st, err = Open(ctx, path, Options{Tenant: testTenant})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer st.Close()

	if st.Rebuilt() != "" {
		t.Error("additive upgrade rebuilt the store")
	}
	var version string
	if err := st.conn.QueryRow(`SELECT value FROM schema_meta WHERE key='version'`).Scan(&version); err != nil || version != schema.Version {
		t.Errorf("version = %q, %v", version, err)
	}
	_ = st.View(ctx, func(tx *Tx) error {
		if _, err := tx.Get(schema.Customers, "c-1"); err != nil {
			t.Errorf("data lost during upgrade: %v", err)
		}
		if _, err := tx.ListRejections(true); err != nil {
			t.Errorf("rejections unreadable after upgrade: %v", err)
		}
		return nil
	})
}

func TestOpen_MismatchRebuildsKeepingOutbox(t *testing.T) {
	path := testDBPath(t)
	ctx := context.Background()
	st, err := Open(ctx, path, Options{Tenant: testTenant})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	var key string
	err = st.Update(ctx, func(tx *Tx) error {
		if err := tx.Put(schema.Customers, customer("c-1", "Ada", time.Now())); err != nil {
			return err
		}
		e := &OutboxEntry{EntityType: schema.Customers, EntityID: "c-1", Op: schema.OpCreate, Payload: schema.Payload(`{"name":"Ada"}`)}
		if err := tx.AppendOutbox(e); err != nil {
			return err
		}
		key = e.IdempotencyKey
		return tx.SetWatermark("cursor-1")
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	st.Close()

	rawExec(t, path, `UPDATE schema_meta SET value = 'v2.0.0' WHERE key = 'version'`)

	st, err = Open(ctx, path, Options{Tenant: testTenant})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer st.Close()

	if st.Rebuilt() != "v2.0.0" {
		t.Errorf("Rebuilt() = %q, want v2.0.0", st.Rebuilt())
	}
	_ = st.View(ctx, func(tx *Tx) error {
		n, _ := tx.Count(schema.Customers)
		if n != 0 {
			t.Errorf("entity table not rebuilt: %d customers", n)
		}
		pending, _ := tx.PendingFor(schema.Customers, "c-1")
		if len(pending) != 1 || pending[0].IdempotencyKey != key {
			t.Errorf("outbox not preserved: %+v", pending)
		}
		m, _ := tx.SyncMeta()
		if !m.NeedsFullSync || m.Watermark != "" {
			t.Errorf("meta after rebuild = %+v", m)
		}
		return nil
	})
}

func appendAndAck(t *testing.T, st *Store, op schema.Operation) *OutboxEntry {
	t.Helper()
	e := &OutboxEntry{EntityType: schema.Customers, EntityID: "c-1", Op: op, Payload: schema.Payload(`{"name":"Ada"}`)}
	err := st.Update(context.Background(), func(tx *Tx) error {
		if err := tx.AppendOutbox(e); err != nil {
			return err
		}
		return tx.RemoveOutbox(e.Seq)
	})
	if err != nil {
		t.Fatalf("append/ack failed: %v", err)
	}
	return e
}

func TestOpen_RebuildContinuesOutboxSeq(t *testing.T) {
	path := testDBPath(t)
	ctx := context.Background()
	st, err := Open(ctx, path, Options{Tenant: testTenant})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	installation := st.Installation()
	first := appendAndAck(t, st, schema.OpCreate)
	second := appendAndAck(t, st, schema.OpUpdate)
	st.Close()

	// The outbox is empty when the rebuild happens.
	rawExec(t, path, `UPDATE schema_meta SET value = 'v2.0.0' WHERE key = 'version'`)
	st, err = Open(ctx, path, Options{Tenant: testTenant})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer st.Close()
	if st.Rebuilt() == "" {
		t.Fatal("store was not rebuilt")
	}
	if st.Installation() != installation {
		t.Errorf("installation changed across rebuild: %q -> %q", installation, st.Installation())
	}

	next := appendAndAck(t, st, schema.OpUpdate)
	if next.Seq <= second.Seq {
		t.Errorf("seq after rebuild = %d, want > %d", next.Seq, second.Seq)
	}
	for _, old := range []*OutboxEntry{first, second} {
		if next.IdempotencyKey == old.IdempotencyKey {
			t.Errorf("key %s reused after rebuild", old.IdempotencyKey)
		}
	}
}

func TestOpen_RebuildKeepsSeqAboveRestoredEntries(t *testing.T) {
	path := testDBPath(t)
	ctx := context.Background()
	st, err := Open(ctx, path, Options{Tenant: testTenant})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	appendAndAck(t, st, schema.OpCreate)
	kept := &OutboxEntry{EntityType: schema.Customers, EntityID: "c-1", Op: schema.OpUpdate, Payload: schema.Payload(`{"name":"Bea"}`)}
	if err := st.Update(ctx, func(tx *Tx) error { return tx.AppendOutbox(kept) }); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	last := appendAndAck(t, st, schema.OpUpdate)
	st.Close()

	rawExec(t, path, `UPDATE schema_meta SET value = 'v2.0.0' WHERE key = 'version'`)
	st, err = Open(ctx, path, Options{Tenant: testTenant})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer st.Close()

	next := appendAndAck(t, st, schema.OpUpdate)
	if next.Seq <= last.Seq {
		t.Errorf("seq after rebuild = %d, want > %d", next.Seq, last.Seq)
	}
}

func TestMutationKey_ScopedToInstallation(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	open := func(name string) *Store {
		st, err := Open(ctx, filepath.Join(dir, name), Options{Tenant: testTenant})
		if err != nil {
			t.Fatalf("Open(%s) failed: %v", name, err)
		}
		return st
	}

	a := open("a.db")
	entryA := appendAndAck(t, a, schema.OpUpdate)
	installation := a.Installation()
	a.Close()

	// A store file recreated from scratch numbers its outbox from 1 again.
	b := open("b.db")
	defer b.Close()
	entryB := appendAndAck(t, b, schema.OpUpdate)
	if entryA.Seq != entryB.Seq {
		t.Fatalf("seqs differ (%d, %d); test needs equal seqs", entryA.Seq, entryB.Seq)
	}
	if entryA.IdempotencyKey == entryB.IdempotencyKey {
		t.Error("separate installations produced the same key")
	}

	a = open("a.db")
	defer a.Close()
	if installation == "" || a.Installation() != installation {
		t.Errorf("installation not stable across reopen: %q -> %q", installation, a.Installation())
	}
}

func TestHold_RoundTripsRecord(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 30, 0, 123456000, time.UTC)
	payload := `{"name":"Widget","unit_price":19.990,"tax_rate":"0.200","meta":{"tier":"gold","tags":["a","b"]}}`
	rec := &schema.Record{ID: "p-1", BusinessID: testTenant, UpdatedAt: at, Version: 7, Payload: schema.Payload(payload)}

	err := st.Update(ctx, func(tx *Tx) error {
		return tx.Hold(&HeldRecord{EntityType: schema.Products, EntityID: "p-1", Record: rec})
	})
	if err != nil {
		t.Fatalf("Hold() failed: %v", err)
	}
	_ = st.View(ctx, func(tx *Tx) error {
		h, err := tx.Held(schema.Products, "p-1")
		if err != nil || h == nil || h.Record == nil {
			t.Fatalf("Held() = %+v, %v", h, err)
		}
		got := h.Record
		if string(got.Payload) != payload {
			t.Errorf("payload = %s, want %s", got.Payload, payload)
		}
		if got.Version != 7 || got.ID != "p-1" || !got.UpdatedAt.Equal(at) {
			t.Errorf("envelope = %+v", got)
		}
		return nil
	})
}
