// Package sqlitedb opens the embedded SQLite database shared by the local store,
// the outbox and the durable response cache.
package sqlitedb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

// Open opens (creating when missing) the SQLite database at path.
//
// The pool is capped to a single connection: SQLite serializes writers anyway and a
// single connection gives every transaction a consistent view without busy retries.
// Callers must therefore never issue queries on the *bun.DB while holding a
// transaction open; use the bun.Tx they were handed instead.
func Open(ctx context.Context, path string) (*bun.DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlitedb: path is required")
	}

	dsn := "file:" + path + "?_busy_timeout=5000&_foreign_keys=on"
	if path != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}

	sqldb, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitedb: open %s: %w", path, err)
	}
	sqldb.SetMaxOpenConns(1)

	if err := sqldb.PingContext(ctx); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("sqlitedb: ping %s: %w", path, err)
	}

	return bun.NewDB(sqldb, sqlitedialect.New()), nil
}
