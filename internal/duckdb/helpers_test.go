package duckdb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInterpolateQuery(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name  string
		query string
		args  []any
		want  string
	}{
		{"string", "SELECT * FROM functions WHERE name = ?", []any{"main"}, "SELECT * FROM functions WHERE name = 'main'"},
		{"quote escaped", "SELECT * FROM strings WHERE value = ?", []any{"it's"}, "SELECT * FROM strings WHERE value = 'it''s'"},
		{"unsigned address", "SELECT * FROM functions WHERE address = ?", []any{uint64(0x401000)}, "SELECT * FROM functions WHERE address = 4198400"},
		{"negative", "SELECT ?", []any{-5}, "SELECT -5"},
		{"float", "SELECT ?", []any{1.5}, "SELECT 1.5"},
		{"bool", "SELECT ?, ?", []any{true, false}, "SELECT true, false"},
		{"null", "SELECT ?", []any{nil}, "SELECT NULL"},
		{"time", "SELECT ?", []any{ts}, "SELECT '2026-01-02T03:04:05Z'"},
		{"whitespace collapsed", "SELECT *\n\tFROM   sections", nil, "SELECT * FROM sections"},
		{"no args", "SELECT 1", nil, "SELECT 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InterpolateQuery(tt.query, tt.args))
		})
	}
}

func TestInterpolateQuery_DropsMonotonicClock(t *testing.T) {
	got := InterpolateQuery("SELECT ?", []any{time.Now()})
	assert.NotContains(t, got, "m=")
}
