package migrate

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tallybook/tally/internal/offline/outbox"
	"github.com/tallybook/tally/internal/offline/schema"
	"github.com/tallybook/tally/internal/offline/store"
)

func openStore(t *testing.T, name string) (*store.Store, *outbox.Writer) {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), name), store.Options{Tenant: "acme"})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st, outbox.NewWriter(st, nil)
}

func count(t *testing.T, st *store.Store, et schema.EntityType) int {
	t.Helper()
	var n int
	if err := st.View(context.Background(), func(tx *store.Tx) error {
		var err error
		n, err = tx.Count(et)
		return err
	}); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	return n
}

func outboxCount(t *testing.T, st *store.Store) int {
	t.Helper()
	var n int
	if err := st.View(context.Background(), func(tx *store.Tx) error {
		var err error
		n, err = tx.OutboxCount()
		return err
	}); err != nil {
		t.Fatalf("outbox count failed: %v", err)
	}
	return n
}

func seed(t *testing.T, w *outbox.Writer) {
	t.Helper()
	ctx := context.Background()
	if _, err := w.Create(ctx, schema.Customers, "cust_1", schema.Payload(`{"name":"Ada"}`)); err != nil {
		t.Fatalf("create customer: %v", err)
	}
	if _, err := w.Create(ctx, schema.Customers, "cust_2", schema.Payload(`{"name":"Grace"}`)); err != nil {
		t.Fatalf("create customer: %v", err)
	}
	if _, err := w.Create(ctx, schema.Products, "prod_1", schema.Payload(`{"name":"Consulting","unit_price":"120.00","tax_rate":"0.2"}`)); err != nil {
		t.Fatalf("create product: %v", err)
	}
}

func TestExportThenImport(t *testing.T) {
	src, w := openStore(t, "src.db")
	seed(t, w)

	var buf bytes.Buffer
	res, err := Export(context.Background(), src, &buf, ExportOptions{IncludeOutbox: true})
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if res.Records != 3 || res.Entries != 3 || res.Rejections != 0 {
		t.Errorf("unexpected export result: %+v", res)
	}
	if lines := strings.Count(buf.String(), "\n"); lines != 6 {
		t.Errorf("expected 6 lines, got %d", lines)
	}

	dst, dw := openStore(t, "dst.db")
	imp, err := Import(context.Background(), dst, dw, &buf, ImportOptions{})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if imp.Created != 3 || imp.Skipped != 3 || len(imp.Errors) != 0 {
		t.Errorf("unexpected import result: %+v", imp)
	}
	if n := count(t, dst, schema.Customers); n != 2 {
		t.Errorf("expected 2 customers, got %d", n)
	}
	// Every imported record is queued for the server.
	if n := outboxCount(t, dst); n != 3 {
		t.Errorf("expected 3 outbox entries, got %d", n)
	}
}

func TestExportTypesFilter(t *testing.T) {
	st, w := openStore(t, "src.db")
	seed(t, w)

	var buf bytes.Buffer
	res, err := Export(context.Background(), st, &buf, ExportOptions{Types: []schema.EntityType{schema.Products}})
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if res.Records != 1 || res.Entries != 0 {
		t.Errorf("unexpected export result: %+v", res)
	}
	if !strings.Contains(buf.String(), `"prod_1"`) {
		t.Errorf("product missing from export: %s", buf.String())
	}
}

func TestImportReportsBadLines(t *testing.T) {
	st, w := openStore(t, "dst.db")
	seed(t, w)

	input := strings.Join([]string{
		`{"kind":"record","entity_type":"customers","record":{"id":"cust_1","payload":{"name":"Ada"}}}`,
		`{"kind":"record","entity_type":"customers","record":{"id":"cust_9","payload":{"email":"not-an-email"}}}`,
		`{"kind":"record","entity_type":"customers"}`,
		`{"entity_type":"customers","record":{"id":"cust_10","payload":{"name":"Linus"}}}`,
	}, "\n")

	res, err := Import(context.Background(), st, w, strings.NewReader(input), ImportOptions{})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if res.Created != 1 || len(res.Errors) != 3 {
		t.Fatalf("unexpected import result: %+v", res)
	}
	if !strings.HasPrefix(res.Errors[0], "line 1:") || !strings.HasPrefix(res.Errors[2], "line 3:") {
		t.Errorf("errors should carry line numbers: %v", res.Errors)
	}

	res, err = Import(context.Background(), st, w, strings.NewReader(input), ImportOptions{SkipExisting: true})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if res.Created != 0 || res.Skipped != 2 {
		t.Errorf("unexpected import result with SkipExisting: %+v", res)
	}
}

func TestImportDryRunWritesNothing(t *testing.T) {
	st, w := openStore(t, "dst.db")
	input := `{"kind":"record","entity_type":"customers","record":{"id":"cust_1","payload":{"name":"Ada"}}}`

	res, err := Import(context.Background(), st, w, strings.NewReader(input), ImportOptions{DryRun: true})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if res.Created != 1 {
		t.Errorf("dry run should report what it would create: %+v", res)
	}
	if n := count(t, st, schema.Customers); n != 0 {
		t.Errorf("dry run wrote %d customers", n)
	}
	if n := outboxCount(t, st); n != 0 {
		t.Errorf("dry run queued %d entries", n)
	}
}

func TestImportInvalidJSON(t *testing.T) {
	st, w := openStore(t, "dst.db")
	_, err := Import(context.Background(), st, w, strings.NewReader("{not json"), ImportOptions{})
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestExportFile(t *testing.T) {
	st, w := openStore(t, "src.db")
	seed(t, w)

	path := filepath.Join(t.TempDir(), "backup", "acme.jsonl")
	res, err := ExportFile(context.Background(), st, path, ExportOptions{})
	if err != nil {
		t.Fatalf("ExportFile failed: %v", err)
	}
	if res.Records != 3 {
		t.Errorf("expected 3 records, got %d", res.Records)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file left behind")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(string(data), "\n") != 3 {
		t.Errorf("unexpected file contents: %s", data)
	}
}
