// Package migrate moves records in and out of the local store as JSONL.
//
// Export writes one line per record, plus the outbox and open rejections when
// asked, for backups and diagnostics. Import reads record lines and queues
// each one as an offline create, so imported data reaches the server through
// the normal sync path.
package migrate

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"

	ierr "github.com/tallybook/tally/internal/errors"
	"github.com/tallybook/tally/internal/offline/outbox"
	"github.com/tallybook/tally/internal/offline/schema"
	"github.com/tallybook/tally/internal/offline/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Line kinds.
const (
	KindRecord    = "record"
	KindOutbox    = "outbox"
	KindRejection = "rejection"
)

// Line is one JSONL line. Exactly one of Record, Entry or Rejection is set,
// according to Kind.
type Line struct {
	Kind       string            `json:"kind"`
	EntityType schema.EntityType `json:"entity_type"`
	Record     *schema.Record    `json:"record,omitempty"`
	Entry      *OutboxLine       `json:"entry,omitempty"`
	Rejection  *RejectionLine    `json:"rejection,omitempty"`
}

type OutboxLine struct {
	Seq            int64            `json:"seq"`
	EntityID       string           `json:"entity_id"`
	Op             schema.Operation `json:"op"`
	Payload        schema.Payload   `json:"payload,omitempty"`
	IdempotencyKey string           `json:"idempotency_key"`
	Attempts       int              `json:"attempts"`
	CreatedAt      time.Time        `json:"created_at"`
	LastError      string           `json:"last_error,omitempty"`
}

type RejectionLine struct {
	ID         int64            `json:"id"`
	EntityID   string           `json:"entity_id"`
	Op         schema.Operation `json:"op"`
	Payload    schema.Payload   `json:"payload,omitempty"`
	Reason     string           `json:"reason"`
	RejectedAt time.Time        `json:"rejected_at"`
}

type ExportOptions struct {
	// Types limits the export; empty means every entity type.
	Types         []schema.EntityType
	IncludeOutbox bool
}

type ExportResult struct {
	Records    int
	Entries    int
	Rejections int
}

// Export writes the store's contents to w as JSONL.
func Export(ctx context.Context, st *store.Store, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	types := opts.Types
	if len(types) == 0 {
		types = schema.EntityTypes
	}

	result := &ExportResult{}
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)

	err := st.View(ctx, func(tx *store.Tx) error {
		for _, et := range types {
			recs, err := tx.Query(et, store.Filter{})
			if err != nil {
				return err
			}
			for _, rec := range recs {
				if err := enc.Encode(Line{Kind: KindRecord, EntityType: et, Record: rec}); err != nil {
					return fmt.Errorf("failed to encode %s %s: %w", et, rec.ID, err)
				}
				result.Records++
			}
		}
		if !opts.IncludeOutbox {
			return nil
		}

		entries, err := tx.ListOutbox(0, 0, 0)
		if err != nil {
			return err
		}
		for _, e := range entries {
			line := Line{Kind: KindOutbox, EntityType: e.EntityType, Entry: &OutboxLine{
				Seq: e.Seq, EntityID: e.EntityID, Op: e.Op, Payload: e.Payload,
				IdempotencyKey: e.IdempotencyKey, Attempts: e.Attempts,
				CreatedAt: e.CreatedAt, LastError: e.LastError,
			}}
			if err := enc.Encode(line); err != nil {
				return fmt.Errorf("failed to encode outbox entry %d: %w", e.Seq, err)
			}
			result.Entries++
		}

		rejections, err := tx.ListRejections(false)
		if err != nil {
			return err
		}
		for _, r := range rejections {
			line := Line{Kind: KindRejection, EntityType: r.EntityType, Rejection: &RejectionLine{
				ID: r.ID, EntityID: r.EntityID, Op: r.Op, Payload: r.Payload,
				Reason: r.Reason, RejectedAt: r.RejectedAt,
			}}
			if err := enc.Encode(line); err != nil {
				return fmt.Errorf("failed to encode rejection %d: %w", r.ID, err)
			}
			result.Rejections++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := bw.Flush(); err != nil {
		return nil, ierr.WithError(err).WithMessage("failed to write export").Mark(ierr.ErrStorageUnavailable)
	}
	return result, nil
}

// ExportFile writes the export to path atomically via a temp file.
func ExportFile(ctx context.Context, st *store.Store, path string, opts ExportOptions) (*ExportResult, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}
	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}

	result, err := Export(ctx, st, f, opts)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close temp file: %w", cerr)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return result, nil
}

type ImportOptions struct {
	// DryRun validates every line and rolls back.
	DryRun bool
	// SkipExisting counts records whose id already exists as skipped rather
	// than as errors.
	SkipExisting bool
}

type ImportResult struct {
	Created int
	Skipped int
	// Errors lists lines that were not imported, with their line number.
	Errors []string
}

var errDryRun = ierr.NewError("dry run").Error()

// Import reads record lines from r and queues each as a create. Outbox and
// rejection lines are skipped. Lines that fail validation are reported in
// the result; a storage failure aborts the whole import.
func Import(ctx context.Context, st *store.Store, w *outbox.Writer, r io.Reader, opts ImportOptions) (*ImportResult, error) {
	var result *ImportResult
	err := st.Update(ctx, func(tx *store.Tx) error {
		result = &ImportResult{}
		dec := json.NewDecoder(bufio.NewReader(r))
		lineNum := 0
		for {
			var line Line
			err := dec.Decode(&line)
			if err == io.EOF {
				break
			}
			lineNum++
			if err != nil {
				return ierr.WithError(err).
					WithHintf("Invalid JSON at line %d", lineNum).
					Mark(ierr.ErrValidation)
			}
			if line.Kind != "" && line.Kind != KindRecord {
				result.Skipped++
				continue
			}
			if line.Record == nil {
				result.Errors = append(result.Errors, fmt.Sprintf("line %d: missing record", lineNum))
				continue
			}

			_, err = w.EnqueueTx(tx, schema.OpCreate, line.EntityType, line.Record.ID, line.Record.Payload)
			switch {
			case err == nil:
				result.Created++
			case ierr.IsAlreadyExists(err) && opts.SkipExisting:
				result.Skipped++
			case ierr.IsValidation(err) || ierr.IsAlreadyExists(err) || ierr.IsInvalidOperation(err):
				result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", lineNum, err))
			default:
				return err
			}
		}
		if opts.DryRun {
			return errDryRun
		}
		return nil
	})
	if err != nil && !(opts.DryRun && ierr.Is(err, errDryRun)) {
		return nil, err
	}
	return result, nil
}
