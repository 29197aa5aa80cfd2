package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

func Open(ctx context.Context, databaseURL string) (*sql.DB, Dialect, error) {
	dialect := DialectFromURL(databaseURL)
	dsn := databaseURL
	if dialect == SQLite {
		dsn = sqliteDSN(databaseURL)
	}

	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("ping db: %w", err)
	}
	return db, dialect, nil
}

// sqliteDSN turns sqlite://path into a go-sqlite3 DSN. Transactions begin
// IMMEDIATE and wait on the busy timeout so concurrent writers queue instead
// of failing on a stale snapshot.
func sqliteDSN(databaseURL string) string {
	path := databaseURL
	for _, prefix := range []string{"sqlite://", "sqlite3://"} {
		if strings.HasPrefix(strings.ToLower(path), prefix) {
			path = path[len(prefix):]
			break
		}
	}
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"
}
