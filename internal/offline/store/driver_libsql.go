//go:build cgo

package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"
)

// libsql takes no pragmas in its DSN, so they are applied after open on a
// single pooled connection.
func init() {
	drivers[DriverLibSQL] = driverSpec{
		name: "libsql",
		dsn: func(path string, _ time.Duration) string {
			return "file:" + path
		},
		setup: func(conn *sql.DB, busy time.Duration) error {
			for _, pragma := range []string{
				"PRAGMA journal_mode=WAL",
				fmt.Sprintf("PRAGMA busy_timeout=%d", busy.Milliseconds()),
				"PRAGMA foreign_keys=ON",
			} {
				// journal_mode returns a row; QueryRow tolerates that where
				// Exec does not.
				var ignored any
				if err := conn.QueryRow(pragma).Scan(&ignored); err != nil && err != sql.ErrNoRows {
					return fmt.Errorf("failed to apply %q: %w", pragma, err)
				}
			}
			return nil
		},
		maxConns: 1,
	}
}
