// Package duckdb wraps the DuckDB driver for the analysis database.
//
// # ORM
//
// Table maps a tagged struct to a table, creates its schema and upserts
// rows singly or in batches:
//
//	type Function struct {
//	    Address uint64 `duckdb:"address,pk"`
//	    Name    string `duckdb:"name"`
//	}
//
//	functions := duckdb.NewTable[Function](db, "functions")
//	err := functions.CreateSchema(ctx)
//	err = functions.BatchUpsert(ctx, []*Function{...})
//
// # Query Builder
//
// Builder generates parameterized SELECT statements and never executes
// them itself:
//
//	rows, err := strs.All(ctx, strs.Query().
//	    Gte("length", 8).
//	    OrderBy("address"))
package duckdb
