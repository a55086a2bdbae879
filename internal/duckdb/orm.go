package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"time"
)

// Execer is an interface that matches both *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Table maps the struct type T to a DuckDB table through `duckdb` field tags:
//
//	type Section struct {
//	    Name string `duckdb:"name,pk"`
//	    Addr uint64 `duckdb:"addr"`
//	}
//
// The "pk" option marks primary key columns and "immutable" keeps a column
// out of upsert updates.
type Table[T any] struct {
	db              Execer
	tableName       string
	columns         []string
	columnTypes     []string
	pkColumns       []string
	immutableFields map[string]bool
	fieldMap        map[string]int
}

var timeType = reflect.TypeOf(time.Time{})

// NewTable creates a Table for T. It panics when T is not a struct, since
// that is a programming error.
func NewTable[T any](db Execer, tableName string) *Table[T] {
	var zero T
	t := reflect.TypeOf(zero)
	if t.Kind() != reflect.Struct {
		panic("Table generic type T must be a struct")
	}

	tbl := &Table[T]{
		db:              db,
		tableName:       tableName,
		immutableFields: make(map[string]bool),
		fieldMap:        make(map[string]int),
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("duckdb")
		if tag == "" || tag == "-" {
			continue
		}

		parts := strings.Split(tag, ",")
		col := strings.TrimSpace(parts[0])
		tbl.columns = append(tbl.columns, col)
		tbl.columnTypes = append(tbl.columnTypes, sqlType(field.Type))
		tbl.fieldMap[col] = i

		for _, p := range parts[1:] {
			switch strings.TrimSpace(p) {
			case "pk":
				tbl.pkColumns = append(tbl.pkColumns, col)
			case "immutable":
				tbl.immutableFields[col] = true
			}
		}
	}

	return tbl
}

func sqlType(t reflect.Type) string {
	if t == timeType {
		return "TIMESTAMP"
	}
	switch t.Kind() {
	case reflect.Bool:
		return "BOOLEAN"
	case reflect.Int, reflect.Int64:
		return "BIGINT"
	case reflect.Int8, reflect.Int16, reflect.Int32:
		return "INTEGER"
	case reflect.Uint, reflect.Uint64:
		return "UBIGINT"
	case reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return "UINTEGER"
	case reflect.Float32, reflect.Float64:
		return "DOUBLE"
	default:
		return "VARCHAR"
	}
}

// Name returns the table name.
func (t *Table[T]) Name() string {
	return t.tableName
}

// Columns returns the mapped column names in field order.
func (t *Table[T]) Columns() []string {
	return append([]string(nil), t.columns...)
}

// CreateSchema creates the table if it does not exist.
func (t *Table[T]) CreateSchema(ctx context.Context) error {
	defs := make([]string, len(t.columns))
	for i, col := range t.columns {
		defs[i] = col + " " + t.columnTypes[i]
	}
	if len(t.pkColumns) > 0 {
		defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(t.pkColumns, ", ")))
	}

	// #nosec G201 - table and column names come from struct tags
	query := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", t.tableName, strings.Join(defs, ", "))
	if _, err := t.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", t.tableName, err)
	}
	return nil
}

// upsertQuery builds INSERT ... ON CONFLICT for the mapped columns.
func (t *Table[T]) upsertQuery() string {
	placeholders := make([]string, len(t.columns))
	updates := make([]string, 0, len(t.columns))

	for i, col := range t.columns {
		placeholders[i] = "?"
		if !slices.Contains(t.pkColumns, col) && !t.immutableFields[col] {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", col, col))
		}
	}

	// #nosec G201 - table and column names come from struct tags
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		t.tableName,
		strings.Join(t.columns, ", "),
		strings.Join(placeholders, ", "),
	)

	if len(t.pkColumns) > 0 {
		clause := "DO NOTHING"
		if len(updates) > 0 {
			clause = "DO UPDATE SET " + strings.Join(updates, ", ")
		}
		query += fmt.Sprintf(" ON CONFLICT (%s) %s", strings.Join(t.pkColumns, ", "), clause)
	}
	return query
}

func (t *Table[T]) values(item *T) []any {
	val := reflect.ValueOf(item).Elem()
	values := make([]any, len(t.columns))
	for i, col := range t.columns {
		values[i] = val.Field(t.fieldMap[col]).Interface()
	}
	return values
}

// Upsert inserts or updates one item. Inside a transaction a write
// conflict aborts the whole transaction, so callers retry at that level
// (see IsTransactionConflict).
func (t *Table[T]) Upsert(ctx context.Context, item *T) error {
	_, err := t.db.ExecContext(ctx, t.upsertQuery(), t.values(item)...)
	return err
}

// BatchUpsert upserts items with one prepared statement inside a single
// transaction. When the table was built on a *sql.Tx the caller owns commit.
func (t *Table[T]) BatchUpsert(ctx context.Context, items []*T) (err error) {
	if len(items) == 0 {
		return nil
	}

	var tx *sql.Tx
	switch d := t.db.(type) {
	case *sql.Tx:
		tx = d
	case *sql.DB:
		tx, err = d.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() {
			if err != nil {
				_ = tx.Rollback()
			}
		}()
	default:
		return fmt.Errorf("unsupported Execer type for BatchUpsert: %T", t.db)
	}

	stmt, err := tx.PrepareContext(ctx, t.upsertQuery())
	if err != nil {
		return fmt.Errorf("prepare stmt: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, item := range items {
		if _, err = stmt.ExecContext(ctx, t.values(item)...); err != nil {
			return fmt.Errorf("batch exec: %w", err)
		}
	}

	if _, owned := t.db.(*sql.DB); owned {
		if err = tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
	}
	return nil
}

// Get retrieves one item by its first primary key column. It returns
// sql.ErrNoRows when nothing matches.
func (t *Table[T]) Get(ctx context.Context, id any) (*T, error) {
	if len(t.pkColumns) == 0 {
		return nil, errors.New("no primary key defined for table")
	}

	query, args, err := t.Query().Where(t.pkColumns[0]+" = ?", id).Build()
	if err != nil {
		return nil, err
	}
	return t.scan(t.db.QueryRowContext(ctx, query, args...))
}

// Delete removes one item by its first primary key column.
func (t *Table[T]) Delete(ctx context.Context, id any) error {
	if len(t.pkColumns) == 0 {
		return errors.New("no primary key defined for table")
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", t.tableName, t.pkColumns[0])
	_, err := t.db.ExecContext(ctx, query, id)
	return err
}

// Truncate removes every row.
func (t *Table[T]) Truncate(ctx context.Context) error {
	_, err := t.db.ExecContext(ctx, "DELETE FROM "+t.tableName)
	return err
}

// Count returns the number of rows.
func (t *Table[T]) Count(ctx context.Context) (int, error) {
	var n int
	err := t.db.QueryRowContext(ctx, "SELECT count(*) FROM "+t.tableName).Scan(&n)
	return n, err
}

// Query starts a SELECT of every mapped column, to be refined with Builder
// methods and run with All.
func (t *Table[T]) Query() *Builder {
	return NewQueryBuilder(t.tableName).Select(t.columns...)
}

// All runs a query built from Query and scans every row.
func (t *Table[T]) All(ctx context.Context, b *Builder) ([]*T, error) {
	query, args, err := b.Build()
	if err != nil {
		return nil, err
	}

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	items := make([]*T, 0)
	for rows.Next() {
		item, err := t.scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func (t *Table[T]) scan(row scanner) (*T, error) {
	var item T
	val := reflect.ValueOf(&item).Elem()
	dest := make([]any, len(t.columns))

	for i, col := range t.columns {
		dest[i] = val.Field(t.fieldMap[col]).Addr().Interface()
	}

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return &item, nil
}
