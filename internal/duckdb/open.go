package duckdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"net/url"
	"strconv"
	"strings"

	duckdbDriver "github.com/marcboeker/go-duckdb"
)

// OpenOptions tune a DuckDB connection.
type OpenOptions struct {
	// ReadOnly opens the file without taking the write lock.
	ReadOnly bool
	// Threads limits DuckDB worker threads. Zero keeps the DuckDB default.
	Threads int
}

// OpenDB opens the DuckDB database at path; an empty path or ":memory:"
// opens an in-memory database. Every pooled connection keeps insertion
// order so rows come back in the order they were analyzed.
func OpenDB(path string, opts OpenOptions) (*sql.DB, error) {
	dsn := buildDSN(path, opts)

	connector, err := duckdbDriver.NewConnector(dsn, func(execer driver.ExecerContext) error {
		ctx := context.Background()
		bootQueries := []string{
			"SET preserve_insertion_order = true",
		}
		for _, query := range bootQueries {
			if _, err := execer.ExecContext(ctx, query, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return sql.OpenDB(connector), nil
}

// buildDSN appends connection settings to path as query parameters,
// keeping any the caller already set.
func buildDSN(path string, opts OpenOptions) string {
	if path == ":memory:" {
		path = ""
	}

	base := path
	query := ""
	if sep := strings.IndexByte(path, '?'); sep >= 0 {
		base = path[:sep]
		query = path[sep+1:]
	}

	params, err := url.ParseQuery(query)
	if err != nil {
		return path
	}

	if opts.ReadOnly && base != "" && !params.Has("access_mode") {
		params.Set("access_mode", "READ_ONLY")
	}
	if opts.Threads > 0 && !params.Has("threads") {
		params.Set("threads", strconv.Itoa(opts.Threads))
	}

	if len(params) == 0 {
		return base
	}
	return base + "?" + params.Encode()
}

// IsLockContention reports whether err means another process holds the
// database file's write lock.
func IsLockContention(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Could not set lock") ||
		strings.Contains(msg, "Conflicting lock")
}

// IsTransactionConflict reports whether err is a write-write conflict that
// can succeed when retried.
func IsTransactionConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Conflict on update") ||
		strings.Contains(msg, "TransactionContext Error") ||
		strings.Contains(msg, "serialization")
}
