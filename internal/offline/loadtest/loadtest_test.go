package loadtest

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tallybook/tally/internal/offline/outbox"
	"github.com/tallybook/tally/internal/offline/schema"
	"github.com/tallybook/tally/internal/offline/store"
)

func openStore(t *testing.T) (*store.Store, *outbox.Writer) {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "load.db"), store.Options{Tenant: "acme"})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st, outbox.NewWriter(st, nil)
}

func TestConcurrentWriters(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}
	st, w := openStore(t)

	stats, err := Run(context.Background(), w, Config{Writers: 8, OpsPerWriter: 25, UpdateRatio: 0.5, Seed: 7})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.TotalOps != 200 {
		t.Errorf("expected 200 operations, got %d", stats.TotalOps)
	}
	if stats.Creates+stats.Updates != stats.TotalOps {
		t.Errorf("creates %d + updates %d != %d", stats.Creates, stats.Updates, stats.TotalOps)
	}
	// Nothing was sent, so every update merged into its record's create.
	if stats.Coalesced != stats.Updates {
		t.Errorf("expected all %d updates to coalesce, got %d", stats.Updates, stats.Coalesced)
	}

	var customers, entries int
	if err := st.View(context.Background(), func(tx *store.Tx) error {
		var err error
		if customers, err = tx.Count(schema.Customers); err != nil {
			return err
		}
		entries, err = tx.OutboxCount()
		return err
	}); err != nil {
		t.Fatal(err)
	}
	if customers != stats.Creates || entries != stats.Creates {
		t.Errorf("expected %d customers and entries, got %d and %d", stats.Creates, customers, entries)
	}
	if err := VerifyOutbox(context.Background(), st); err != nil {
		t.Errorf("outbox invariant violated: %v", err)
	}

	var buf bytes.Buffer
	stats.PrintStats(&buf)
	if !strings.Contains(buf.String(), "P95") {
		t.Errorf("unexpected stats output: %s", buf.String())
	}
}

func TestRunRejectsBadConfig(t *testing.T) {
	_, w := openStore(t)
	if _, err := Run(context.Background(), w, Config{Writers: 0, OpsPerWriter: 1}); err == nil {
		t.Error("expected error for zero writers")
	}
	if _, err := Run(context.Background(), w, Config{Writers: 1, OpsPerWriter: 1, UpdateRatio: 2}); err == nil {
		t.Error("expected error for update ratio above 1")
	}
}

func TestComputeLatencyStats(t *testing.T) {
	var durations []time.Duration
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}
	stats := computeLatencyStats(durations)

	if stats.Min != time.Millisecond || stats.Max != 100*time.Millisecond {
		t.Errorf("min/max wrong: %v %v", stats.Min, stats.Max)
	}
	if stats.P50 != 51*time.Millisecond {
		t.Errorf("expected P50 51ms, got %v", stats.P50)
	}
	if stats.P99 != 100*time.Millisecond {
		t.Errorf("expected P99 100ms, got %v", stats.P99)
	}
	if stats.Mean != 50500*time.Microsecond {
		t.Errorf("expected mean 50.5ms, got %v", stats.Mean)
	}
	if empty := computeLatencyStats(nil); empty.TotalOps != 0 {
		t.Errorf("expected empty stats")
	}
}
