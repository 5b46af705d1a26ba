// Package loadtest measures the local write path under concurrent writers.
//
// Each writer creates customers and then edits records chosen at random, the
// way a busy device would while offline. Every call goes through the outbox
// writer, so the numbers include validation, the optimistic write and the
// outbox append in one transaction.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	ierr "github.com/tallybook/tally/internal/errors"
	"github.com/tallybook/tally/internal/offline/outbox"
	"github.com/tallybook/tally/internal/offline/schema"
	"github.com/tallybook/tally/internal/offline/store"
)

type Config struct {
	Writers      int
	OpsPerWriter int
	// UpdateRatio is the share of operations after the first that edit an
	// existing record rather than create one, 0..1.
	UpdateRatio float64
	// Seed makes the operation mix reproducible.
	Seed int64
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min        time.Duration
	Max        time.Duration
	Mean       time.Duration
	P50        time.Duration // Median
	P95        time.Duration
	P99        time.Duration
	TotalOps   int
	Creates    int
	Updates    int
	Coalesced  int
	Errors     int
	Elapsed    time.Duration
	Throughput float64 // ops per second
	Durations  []time.Duration
}

type writerResult struct {
	durations []time.Duration
	creates   int
	updates   int
	coalesced int
}

// Run drives cfg.Writers concurrent writers against w and returns the
// aggregated enqueue latency. The first error stops every writer.
func Run(ctx context.Context, w *outbox.Writer, cfg Config) (*LatencyStats, error) {
	if cfg.Writers <= 0 || cfg.OpsPerWriter <= 0 {
		return nil, ierr.NewError("writers and ops per writer must be positive").Mark(ierr.ErrValidation)
	}
	if cfg.UpdateRatio < 0 || cfg.UpdateRatio > 1 {
		return nil, ierr.NewErrorf("update ratio %v is outside 0..1", cfg.UpdateRatio).Mark(ierr.ErrValidation)
	}

	var (
		mu      sync.Mutex
		results []writerResult
	)
	start := time.Now()
	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	for i := 0; i < cfg.Writers; i++ {
		writer := i
		p.Go(func(ctx context.Context) error {
			res, err := runWriter(ctx, w, writer, cfg)
			if err != nil {
				return fmt.Errorf("writer %d: %w", writer, err)
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	err := p.Wait()
	elapsed := time.Since(start)

	var all []time.Duration
	stats := &LatencyStats{}
	for _, r := range results {
		all = append(all, r.durations...)
		stats.Creates += r.creates
		stats.Updates += r.updates
		stats.Coalesced += r.coalesced
	}
	if len(all) == 0 {
		if err != nil {
			return nil, err
		}
		return nil, ierr.NewError("no operations completed").Mark(ierr.ErrInvalidOperation)
	}

	computed := computeLatencyStats(all)
	computed.Creates, computed.Updates, computed.Coalesced = stats.Creates, stats.Updates, stats.Coalesced
	computed.Elapsed = elapsed
	computed.Throughput = float64(len(all)) / elapsed.Seconds()
	if err != nil {
		computed.Errors = 1
		return computed, err
	}
	return computed, nil
}

func runWriter(ctx context.Context, w *outbox.Writer, writer int, cfg Config) (writerResult, error) {
	rng := rand.New(rand.NewSource(cfg.Seed + int64(writer)))
	res := writerResult{durations: make([]time.Duration, 0, cfg.OpsPerWriter)}
	var ids []string

	for j := 0; j < cfg.OpsPerWriter; j++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		update := len(ids) > 0 && rng.Float64() < cfg.UpdateRatio
		start := time.Now()
		var (
			out *outbox.Result
			err error
		)
		if update {
			id := ids[rng.Intn(len(ids))]
			patch := schema.Payload(fmt.Sprintf(`{"phone":"+1-555-%04d"}`, rng.Intn(10000)))
			out, err = w.Update(ctx, schema.Customers, id, patch)
		} else {
			payload := schema.Payload(fmt.Sprintf(`{"name":"Load %d-%d","email":"load%d.%d@example.com"}`, writer, j, writer, j))
			out, err = w.Create(ctx, schema.Customers, "", payload)
		}
		res.durations = append(res.durations, time.Since(start))
		if err != nil {
			return res, err
		}

		if update {
			res.updates++
			if out.Coalesced {
				res.coalesced++
			}
		} else {
			res.creates++
			ids = append(ids, out.Record.ID)
		}
	}
	return res, nil
}

// VerifyOutbox checks the outbox after a run: sequence numbers strictly
// increase, every entry targets an existing record, and no record has more
// than one unsent entry.
func VerifyOutbox(ctx context.Context, st *store.Store) error {
	return st.View(ctx, func(tx *store.Tx) error {
		entries, err := tx.ListOutbox(0, 0, 0)
		if err != nil {
			return err
		}
		var last int64
		unsent := make(map[string]int)
		for _, e := range entries {
			if e.Seq <= last {
				return fmt.Errorf("outbox seq %d follows %d", e.Seq, last)
			}
			last = e.Seq
			if e.Op == schema.OpDelete {
				continue
			}
			ok, err := tx.Exists(e.EntityType, e.EntityID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("outbox entry %d targets missing %s %s", e.Seq, e.EntityType, e.EntityID)
			}
			if !e.Sealed() {
				unsent[e.EntityID]++
				if unsent[e.EntityID] > 1 {
					return fmt.Errorf("%s %s has %d unsent entries", e.EntityType, e.EntityID, unsent[e.EntityID])
				}
			}
		}
		return nil
	})
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:       sorted[0],
		Max:       sorted[len(sorted)-1],
		Mean:      sum / time.Duration(len(durations)),
		P50:       sorted[len(sorted)*50/100],
		P95:       sorted[len(sorted)*95/100],
		P99:       sorted[len(sorted)*99/100],
		TotalOps:  len(durations),
		Durations: sorted,
	}
}

// PrintStats formats latency statistics to w.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Write path latency:\n")
	fmt.Fprintf(w, "  Operations:    %d (%d creates, %d updates, %d coalesced)\n", s.TotalOps, s.Creates, s.Updates, s.Coalesced)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Elapsed:       %v (%.0f ops/s)\n", s.Elapsed.Round(time.Millisecond), s.Throughput)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
