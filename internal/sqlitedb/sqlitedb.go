// Package sqlitedb opens the embedded sqlite databases used by the local
// backends. Every transaction starts immediate so writers queue on the file
// lock instead of failing mid-transaction, and a busy timeout bounds that
// wait.
package sqlitedb

import (
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "modernc.org/sqlite"
)

// Open opens (creating if needed) the sqlite database at path.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
		url.PathEscape(path),
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitedb: open %s: %w", path, err)
	}
	// The sqlite file lock serializes writers anyway; a single connection
	// avoids SQLITE_BUSY churn between pool members.
	db.SetMaxOpenConns(1)
	return db, nil
}

// timeLayout is RFC 3339 with fixed-width nanoseconds so the stored strings
// compare correctly in SQL.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders a timestamp in the canonical column format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime parses a canonical column timestamp.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlitedb: parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}

// NullTime renders an optional timestamp for a nullable column.
func NullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: FormatTime(*t), Valid: true}
}

// ParseNullTime parses a nullable timestamp column.
func ParseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := ParseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
