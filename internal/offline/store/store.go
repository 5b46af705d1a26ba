// Package store provides the tenant's durable local database.
//
// The store is an embedded SQLite database (ncruces/go-sqlite3, WAL mode)
// holding one table per entity type plus the control tables the sync engine
// needs:
//
//   - outbox: ordered, durable queue of unconfirmed local mutations
//   - sync_meta: one row per tenant with the delta watermark and the status
//     of the last sync pass
//   - held_records: server records held back by the conflict resolver
//   - rejections: mutations the server refused, kept for review
//   - schema_meta: layout version
//
// All reads and writes go through Update / View so that an entity write and
// its outbox entry commit together or not at all.
//
// Architecture:
//   - Database file: <data_dir>/<tenant>.db
//   - WAL mode: concurrent readers during writes
//   - Write transactions take the write lock up front (BEGIN IMMEDIATE) so a
//     read-then-write transaction never fails half way with SQLITE_BUSY
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	ierr "github.com/tallybook/tally/internal/errors"
	"github.com/tallybook/tally/internal/logger"
)

const (
	DriverSQLite = "sqlite3"
	DriverLibSQL = "libsql"
)

// Options configure Open.
type Options struct {
	// Tenant is the business id every record in this store belongs to.
	Tenant string
	// Driver selects the SQL driver: "sqlite3" (default) or "libsql" in cgo
	// builds.
	Driver      string
	BusyTimeout time.Duration
	Logger      *logger.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// driverSpec describes how to open one SQL driver.
type driverSpec struct {
	name string
	dsn  func(path string, busy time.Duration) string
	// setup runs per-connection pragmas for drivers that cannot take them
	// in the DSN.
	setup    func(conn *sql.DB, busy time.Duration) error
	maxConns int
}

var drivers = map[string]driverSpec{
	DriverSQLite: {
		name: "sqlite3",
		dsn: func(path string, busy time.Duration) string {
			q := url.Values{}
			q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
			q.Add("_pragma", "journal_mode(wal)")
			q.Add("_pragma", "synchronous(normal)")
			q.Add("_pragma", "foreign_keys(on)")
			q.Set("_txlock", "immediate")
			return "file:" + path + "?" + q.Encode()
		},
		maxConns: 8,
	},
}

// Store wraps the SQL connection with the offline data model.
type Store struct {
	mu      sync.RWMutex
	conn    *sql.DB
	path    string
	driver  string
	tenant  string
	log     *logger.Logger
	now     func() time.Time
	rebuilt string
	// installation scopes outbox seqs in idempotency keys. It lives in
	// schema_meta and survives rebuilds.
	installation string
}

// Open opens (creating when missing) the store at path and brings its schema
// to the current version.
//
// A layout written by an incompatible version is rebuilt: entity tables and
// sync metadata are recreated empty, pending outbox entries and rejections are
// preserved, and the store is flagged as needing a full sync. Rebuilt reports
// whether that happened.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	st, err := store.Open("/home/me/.tally/data/acme.db", store.Options{Tenant: "acme"})
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	if opts.Tenant == "" {
		return nil, ierr.NewError("tenant is required").
			WithHint("Configure a tenant before opening the local store").
			Mark(ierr.ErrValidation)
	}
	if opts.Driver == "" {
		opts.Driver = DriverSQLite
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	spec, ok := drivers[opts.Driver]
	if !ok {
		return nil, ierr.NewErrorf("store driver %q is not available in this build", opts.Driver).
			WithHint("Use store.driver: sqlite3, or build with cgo enabled for libsql").
			Mark(ierr.ErrValidation)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, storageErr(fmt.Errorf("failed to create database directory: %w", err))
	}

	conn, err := sql.Open(spec.name, spec.dsn(path, opts.BusyTimeout))
	if err != nil {
		return nil, storageErr(fmt.Errorf("failed to open database: %w", err))
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, storageErr(fmt.Errorf("failed to ping database: %w", err))
	}
	conn.SetMaxOpenConns(spec.maxConns)
	conn.SetMaxIdleConns(spec.maxConns)
	conn.SetConnMaxLifetime(5 * time.Minute)
	if spec.setup != nil {
		if err := spec.setup(conn, opts.BusyTimeout); err != nil {
			_ = conn.Close()
			return nil, storageErr(err)
		}
	}

	s := &Store{
		conn:   conn,
		path:   path,
		driver: opts.Driver,
		tenant: opts.Tenant,
		log:    logger.OrNop(opts.Logger).Named("store"),
		now:    opts.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}

	if err := s.initSchema(ctx); err != nil {
		if !ierr.IsSchemaVersionMismatch(err) {
			_ = s.Close()
			return nil, err
		}
		s.log.Warnw("local schema incompatible, rebuilding", "path", path, "error", err)
		if err := s.rebuild(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Tenant returns the business id the store is scoped to.
func (s *Store) Tenant() string { return s.tenant }

// Driver returns the SQL driver in use.
func (s *Store) Driver() string { return s.driver }

// Rebuilt returns the incompatible schema version the store was rebuilt
// from during Open, or "" when no rebuild happened.
func (s *Store) Rebuilt() string { return s.rebuilt }

// Installation returns the id drawn when this store file was created.
func (s *Store) Installation() string { return s.installation }

// Now returns the store clock.
func (s *Store) Now() time.Time { return s.now() }

// Close checkpoints the WAL and closes the connection. Further calls fail
// with ErrStorageUnavailable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.log.Warnw("failed to checkpoint WAL", "error", err)
	}
	err := s.conn.Close()
	s.conn = nil
	if err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Update runs fn in a write transaction. The transaction commits when fn
// returns nil and rolls back otherwise; nothing fn wrote is visible after a
// failure.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	return s.run(ctx, false, fn)
}

// View runs fn in a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(tx *Tx) error) error {
	return s.run(ctx, true, fn)
}

func (s *Store) run(ctx context.Context, readOnly bool, fn func(tx *Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.conn == nil {
		return ierr.NewError("store is closed").
			WithHint("The local database is not open").
			Mark(ierr.ErrStorageUnavailable)
	}

	sqlTx, err := s.conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: readOnly})
	if err != nil {
		return storageErr(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	tx := &Tx{ctx: ctx, tx: sqlTx, store: s}
	if err := fn(tx); err != nil {
		return storageErr(err)
	}
	if readOnly {
		return nil
	}
	if err := sqlTx.Commit(); err != nil {
		return storageErr(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// storageCodes are the SQLite result codes meaning the database cannot be
// written right now, as opposed to a bug in a statement.
var storageCodes = map[sqlite3.ErrorCode]bool{
	sqlite3.FULL:     true,
	sqlite3.IOERR:    true,
	sqlite3.READONLY: true,
	sqlite3.CANTOPEN: true,
	sqlite3.NOTADB:   true,
	sqlite3.CORRUPT:  true,
	sqlite3.PERM:     true,
	sqlite3.NOMEM:    true,
	sqlite3.BUSY:     true,
	sqlite3.LOCKED:   true,
}

// storageErr marks engine-level failures as ErrStorageUnavailable. Domain
// errors (not found, validation) and already-classified errors pass through.
func storageErr(err error) error {
	if err == nil {
		return nil
	}
	if ierr.Code(err) != ierr.ErrCodeSystemError {
		return err
	}
	var serr *sqlite3.Error
	if errors.As(err, &serr) && storageCodes[serr.Code()] {
		return ierr.WithError(err).
			WithHint("Changes could not be saved on this device. Free disk space or check permissions.").
			Mark(ierr.ErrStorageUnavailable)
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, os.ErrPermission) {
		return ierr.WithError(err).
			WithHint("The local database is not available").
			Mark(ierr.ErrStorageUnavailable)
	}
	return err
}
