package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/coral-mesh/binmcp/internal/duckdb"
)

type metaRow struct {
	Key   string `duckdb:"key,pk"`
	Value string `duckdb:"value"`
}

type sectionRow struct {
	Index      int    `duckdb:"idx,pk"`
	Name       string `duckdb:"name"`
	Address    uint64 `duckdb:"address"`
	Offset     uint64 `duckdb:"file_offset"`
	Size       uint64 `duckdb:"size"`
	FileSize   uint64 `duckdb:"file_size"`
	Perms      string `duckdb:"perms"`
	Executable bool   `duckdb:"executable"`
	Loaded     bool   `duckdb:"loaded"`
}

type functionRow struct {
	Address uint64 `duckdb:"address,pk"`
	Name    string `duckdb:"name"`
	Size    uint64 `duckdb:"size"`
	Source  string `duckdb:"source"`
}

type importRow struct {
	Library string `duckdb:"library,pk"`
	Name    string `duckdb:"name,pk"`
}

type stringRow struct {
	Address uint64 `duckdb:"address,pk"`
	Section string `duckdb:"section"`
	Value   string `duckdb:"value"`
	Length  int    `duckdb:"length"`
}

type annotationRow struct {
	Address   uint64    `duckdb:"address,pk"`
	Comment   string    `duckdb:"comment"`
	Name      string    `duckdb:"name"`
	UpdatedAt time.Time `duckdb:"updated_at"`
}

// cleared reports an annotation with nothing left to keep.
func (r *annotationRow) cleared() bool {
	return r.Comment == "" && r.Name == ""
}

func (r *annotationRow) annotation(pending bool) Annotation {
	return Annotation{
		Address:   Addr(r.Address),
		Comment:   r.Comment,
		Name:      r.Name,
		UpdatedAt: r.UpdatedAt,
		Pending:   pending,
	}
}

const (
	metaFingerprint = "fingerprint"
	metaAnalyzed    = "analyzed"
	metaPath        = "path"
	metaFormat      = "format"
)

// store owns the tables of one analysis database.
type store struct {
	db          *sql.DB
	meta        *duckdb.Table[metaRow]
	sections    *duckdb.Table[sectionRow]
	functions   *duckdb.Table[functionRow]
	imports     *duckdb.Table[importRow]
	strings     *duckdb.Table[stringRow]
	annotations *duckdb.Table[annotationRow]
}

func newStore(db *sql.DB) *store {
	return &store{
		db:          db,
		meta:        duckdb.NewTable[metaRow](db, "meta"),
		sections:    duckdb.NewTable[sectionRow](db, "sections"),
		functions:   duckdb.NewTable[functionRow](db, "functions"),
		imports:     duckdb.NewTable[importRow](db, "imports"),
		strings:     duckdb.NewTable[stringRow](db, "strings"),
		annotations: duckdb.NewTable[annotationRow](db, "annotations"),
	}
}

type schemaCreator interface {
	CreateSchema(ctx context.Context) error
}

func (s *store) init(ctx context.Context) error {
	for _, t := range []schemaCreator{s.meta, s.sections, s.functions, s.imports, s.strings, s.annotations} {
		if err := t.CreateSchema(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *store) getMeta(ctx context.Context, key string) (string, bool, error) {
	row, err := s.meta.Get(ctx, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return row.Value, true, nil
}

// reset clears every table, including annotations, for a binary whose
// contents no longer match the stored fingerprint.
func (s *store) reset(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset: %w", err)
	}
	tables := []truncater{
		duckdb.NewTable[metaRow](tx, s.meta.Name()),
		duckdb.NewTable[sectionRow](tx, s.sections.Name()),
		duckdb.NewTable[functionRow](tx, s.functions.Name()),
		duckdb.NewTable[importRow](tx, s.imports.Name()),
		duckdb.NewTable[stringRow](tx, s.strings.Name()),
		duckdb.NewTable[annotationRow](tx, s.annotations.Name()),
	}
	for _, t := range tables {
		if err := t.Truncate(ctx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("clear %s: %w", t.Name(), err)
		}
	}
	return tx.Commit()
}

type truncater interface {
	Name() string
	Truncate(ctx context.Context) error
}

func (s *store) writeSections(ctx context.Context, tx *sql.Tx, sections []Section) error {
	rows := make([]*sectionRow, len(sections))
	for i, sec := range sections {
		rows[i] = &sectionRow{
			Index:      i,
			Name:       sec.Name,
			Address:    uint64(sec.Address),
			Offset:     sec.Offset,
			Size:       sec.Size,
			FileSize:   sec.FileSize,
			Perms:      sec.Perms,
			Executable: sec.Executable,
			Loaded:     sec.Loaded,
		}
	}
	return duckdb.NewTable[sectionRow](tx, s.sections.Name()).BatchUpsert(ctx, rows)
}

func (s *store) writeAnalysis(ctx context.Context, tx *sql.Tx, img *image, minLen int) error {
	fns := make([]*functionRow, len(img.functions))
	for i, fn := range img.functions {
		fns[i] = &functionRow{Address: uint64(fn.Address), Name: fn.Name, Size: fn.Size, Source: fn.Source}
	}
	if err := duckdb.NewTable[functionRow](tx, s.functions.Name()).BatchUpsert(ctx, fns); err != nil {
		return fmt.Errorf("store functions: %w", err)
	}

	imps := make([]*importRow, len(img.imports))
	for i, imp := range img.imports {
		imps[i] = &importRow{Library: imp.Library, Name: imp.Name}
	}
	if err := duckdb.NewTable[importRow](tx, s.imports.Name()).BatchUpsert(ctx, imps); err != nil {
		return fmt.Errorf("store imports: %w", err)
	}

	found := img.extractStrings(minLen)
	strs := make([]*stringRow, len(found))
	for i, str := range found {
		strs[i] = &stringRow{Address: uint64(str.Address), Section: str.Section, Value: str.Value, Length: str.Length}
	}
	if err := duckdb.NewTable[stringRow](tx, s.strings.Name()).BatchUpsert(ctx, strs); err != nil {
		return fmt.Errorf("store strings: %w", err)
	}
	return nil
}

func (s *store) writeMeta(ctx context.Context, tx *sql.Tx, kv map[string]string) error {
	rows := make([]*metaRow, 0, len(kv))
	for k, v := range kv {
		rows = append(rows, &metaRow{Key: k, Value: v})
	}
	return duckdb.NewTable[metaRow](tx, s.meta.Name()).BatchUpsert(ctx, rows)
}

// writeAnnotations upserts edited annotations and deletes cleared ones.
func (s *store) writeAnnotations(ctx context.Context, tx *sql.Tx, rows []*annotationRow) error {
	t := duckdb.NewTable[annotationRow](tx, s.annotations.Name())
	for _, r := range rows {
		if r.cleared() {
			if err := t.Delete(ctx, r.Address); err != nil {
				return fmt.Errorf("delete annotation %s: %w", Addr(r.Address), err)
			}
			continue
		}
		if err := t.Upsert(ctx, r); err != nil {
			return fmt.Errorf("upsert annotation %s: %w", Addr(r.Address), err)
		}
	}
	return nil
}
