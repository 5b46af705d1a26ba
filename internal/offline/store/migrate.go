package store

import (
	"context"
	"database/sql"
	"fmt"

	ierr "github.com/tallybook/tally/internal/errors"
	"github.com/tallybook/tally/internal/idempotency"
	"github.com/tallybook/tally/internal/offline/schema"
)

func entityDDL(et schema.EntityType) string {
	t := string(et)
	return fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		id TEXT PRIMARY KEY,
		business_id TEXT NOT NULL,
		updated_at INTEGER NOT NULL,  -- unix microseconds
		version INTEGER NOT NULL DEFAULT 0,
		payload TEXT NOT NULL,

		-- Extracted from payload for local queries only
		status TEXT NOT NULL DEFAULT '',
		date TEXT NOT NULL DEFAULT '',
		ref_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_status ON %[1]s(status);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_date ON %[1]s(date);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_ref ON %[1]s(ref_id);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_updated ON %[1]s(updated_at);
	`, t)
}

const controlDDL = `
	CREATE TABLE IF NOT EXISTS schema_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	-- Append-only queue of unconfirmed mutations. seq defines replay order
	-- and is never reused.
	CREATE TABLE IF NOT EXISTS outbox (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		op TEXT NOT NULL,  -- create, update, delete
		payload TEXT,
		created_at INTEGER NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_attempt_at INTEGER,
		last_error TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_entity ON outbox(entity_type, entity_id, seq);

	CREATE TABLE IF NOT EXISTS sync_meta (
		business_id TEXT PRIMARY KEY,
		watermark TEXT NOT NULL DEFAULT '',
		last_status TEXT NOT NULL DEFAULT 'idle',
		last_mode TEXT NOT NULL DEFAULT '',
		last_attempt_at INTEGER,
		last_success_at INTEGER,
		last_error TEXT NOT NULL DEFAULT '',
		needs_full_sync INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS held_records (
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		record TEXT,
		received_at INTEGER NOT NULL,
		PRIMARY KEY (entity_type, entity_id)
	);

	CREATE TABLE IF NOT EXISTS rejections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		seq INTEGER NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		op TEXT NOT NULL,
		payload TEXT,
		reason TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		rejected_at INTEGER NOT NULL,
		resolved_at INTEGER,
		resolution TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_rejections_open ON rejections(resolved_at);
`

// migration brings a layout from an older minor version up to `to`. Steps
// must be additive so an interrupted upgrade can simply run again.
type migration struct {
	to      string
	columns []addColumn
}

type addColumn struct {
	table, column, ddl string
}

var migrations = []migration{
	{
		// v1.1.0 added failure bookkeeping to the outbox and review
		// outcomes to rejections.
		to: "v1.1.0",
		columns: []addColumn{
			{"outbox", "last_attempt_at", "INTEGER"},
			{"outbox", "last_error", "TEXT NOT NULL DEFAULT ''"},
			{"rejections", "resolved_at", "INTEGER"},
			{"rejections", "resolution", "TEXT NOT NULL DEFAULT ''"},
		},
	},
}

// initSchema creates missing tables and checks the stored layout version.
// It returns ErrSchemaVersionMismatch when the layout must be rebuilt.
func (s *Store) initSchema(ctx context.Context) error {
	return s.Update(ctx, func(tx *Tx) error {
		if _, err := tx.tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
			return fmt.Errorf("failed to create schema_meta: %w", err)
		}

		var stored string
		err := tx.tx.QueryRowContext(ctx, `SELECT value FROM schema_meta WHERE key = 'version'`).Scan(&stored)
		switch {
		case err == sql.ErrNoRows:
			return createTables(tx)
		case err != nil:
			return fmt.Errorf("failed to read schema version: %w", err)
		}

		compat, verr := schema.CheckVersion(stored)
		switch compat {
		case schema.CompatCurrent:
			// Tables may be missing if a previous build crashed mid-create.
			return createTables(tx)
		case schema.CompatUpgrade:
			s.log.Infow("upgrading local schema", "from", stored, "to", schema.Version)
			// Columns first: createTables builds indexes over new columns.
			if err := applyMigrations(tx); err != nil {
				return err
			}
			return createTables(tx)
		default:
			s.rebuilt = stored
			return ierr.WithError(verr).
				WithHint("The local data format changed and will be refreshed from the server").
				Mark(ierr.ErrSchemaVersionMismatch)
		}
	})
}

func createTables(tx *Tx) error {
	ddl := controlDDL
	for _, et := range schema.EntityTypes {
		ddl += entityDDL(et)
	}
	if _, err := tx.tx.ExecContext(tx.ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := loadInstallation(tx); err != nil {
		return err
	}
	return setVersion(tx, schema.Version)
}

// loadInstallation reads the store's installation id, drawing one the first
// time. Stores written before installation ids existed get one here too;
// their queued entries keep the keys they were given.
func loadInstallation(tx *Tx) error {
	if _, err := tx.tx.ExecContext(tx.ctx,
		`INSERT INTO schema_meta (key, value) VALUES ('installation', ?) ON CONFLICT(key) DO NOTHING`,
		idempotency.NewInstallation()); err != nil {
		return fmt.Errorf("failed to record installation id: %w", err)
	}
	err := tx.tx.QueryRowContext(tx.ctx,
		`SELECT value FROM schema_meta WHERE key = 'installation'`).Scan(&tx.store.installation)
	if err != nil {
		return fmt.Errorf("failed to read installation id: %w", err)
	}
	return nil
}

// outboxHighWater returns the largest seq the outbox has ever handed out.
func outboxHighWater(tx *Tx) (int64, error) {
	var n int
	err := tx.tx.QueryRowContext(tx.ctx,
		`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'sqlite_sequence'`).Scan(&n)
	if err != nil || n == 0 {
		return 0, err
	}
	var high sql.NullInt64
	err = tx.tx.QueryRowContext(tx.ctx,
		`SELECT max(seq) FROM sqlite_sequence WHERE name = 'outbox'`).Scan(&high)
	if err != nil {
		return 0, fmt.Errorf("failed to read outbox sequence: %w", err)
	}
	return high.Int64, nil
}

// restoreHighWater makes the recreated outbox continue numbering after high,
// so a seq is never handed out twice by the same installation.
func restoreHighWater(tx *Tx, high int64) error {
	if high <= 0 {
		return nil
	}
	if _, err := tx.tx.ExecContext(tx.ctx,
		`INSERT INTO sqlite_sequence (name, seq)
		 SELECT 'outbox', 0 WHERE NOT EXISTS (SELECT 1 FROM sqlite_sequence WHERE name = 'outbox')`); err != nil {
		return fmt.Errorf("failed to restore outbox sequence: %w", err)
	}
	if _, err := tx.tx.ExecContext(tx.ctx,
		`UPDATE sqlite_sequence SET seq = max(seq, ?) WHERE name = 'outbox'`, high); err != nil {
		return fmt.Errorf("failed to restore outbox sequence: %w", err)
	}
	return nil
}

func setVersion(tx *Tx, version string) error {
	_, err := tx.tx.ExecContext(tx.ctx,
		`INSERT INTO schema_meta (key, value) VALUES ('version', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, version)
	if err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}

func applyMigrations(tx *Tx) error {
	for _, m := range migrations {
		for _, col := range m.columns {
			tableExists, exists, err := columnExists(tx, col.table, col.column)
			if err != nil {
				return err
			}
			// Missing tables are created whole by createTables.
			if !tableExists || exists {
				continue
			}
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", col.table, col.column, col.ddl)
			if _, err := tx.tx.ExecContext(tx.ctx, stmt); err != nil {
				return fmt.Errorf("failed to migrate to %s: %w", m.to, err)
			}
		}
	}
	return nil
}

func columnExists(tx *Tx, table, column string) (tableExists, exists bool, err error) {
	rows, err := tx.tx.QueryContext(tx.ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, false, fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid       int
			name, typ string
			notNull   int
			dflt      sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return false, false, err
		}
		tableExists = true
		if name == column {
			exists = true
		}
	}
	return tableExists, exists, rows.Err()
}

// rebuild recreates every table from scratch while carrying pending outbox
// entries and rejections across, then flags the store for a full sync.
// If the old outbox cannot be read the rebuild is refused: pending edits are
// never dropped silently.
func (s *Store) rebuild(ctx context.Context) error {
	return s.Update(ctx, func(tx *Tx) error {
		pending, err := readLegacyOutbox(tx)
		if err != nil {
			return ierr.WithError(err).
				WithHint("Pending changes could not be read from the old local data format").
				Mark(ierr.ErrSchemaVersionMismatch)
		}
		rejections, err := tx.ListRejections(true)
		if err != nil {
			rejections = nil
			s.log.Warnw("dropping unreadable rejections during rebuild", "error", err)
		}
		// Dropping the outbox also drops its AUTOINCREMENT counter.
		high, err := outboxHighWater(tx)
		if err != nil {
			return err
		}

		drop := []string{"outbox", "sync_meta", "held_records", "rejections"}
		for _, et := range schema.EntityTypes {
			drop = append(drop, string(et))
		}
		for _, t := range drop {
			if _, err := tx.tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+t); err != nil {
				return fmt.Errorf("failed to drop %s: %w", t, err)
			}
		}
		if err := createTables(tx); err != nil {
			return err
		}

		for _, e := range pending {
			if err := tx.restoreOutbox(e); err != nil {
				return err
			}
		}
		if err := restoreHighWater(tx, high); err != nil {
			return err
		}
		for _, r := range rejections {
			if err := tx.AddRejection(r); err != nil {
				return err
			}
		}

		meta, err := tx.SyncMeta()
		if err != nil {
			return err
		}
		meta.NeedsFullSync = true
		s.log.Infow("local schema rebuilt", "from", s.rebuilt, "to", schema.Version, "kept_outbox", len(pending))
		return tx.SaveSyncMeta(meta)
	})
}

// readLegacyOutbox reads only the columns every layout version has had.
func readLegacyOutbox(tx *Tx) ([]*OutboxEntry, error) {
	var n int
	err := tx.tx.QueryRowContext(tx.ctx,
		`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'outbox'`).Scan(&n)
	if err != nil || n == 0 {
		return nil, err
	}
	rows, err := tx.tx.QueryContext(tx.ctx,
		`SELECT seq, entity_type, entity_id, op, payload, created_at, idempotency_key, attempts
		 FROM outbox ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*OutboxEntry
	for rows.Next() {
		e, err := scanOutboxCore(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
