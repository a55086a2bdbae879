package engine

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/binmcp/internal/duckdb"
	"github.com/coral-mesh/binmcp/internal/errors"
	"github.com/coral-mesh/binmcp/internal/resource"
	"github.com/coral-mesh/binmcp/internal/retry"
)

// Program is the query surface of an opened binary. Operation bodies receive
// a resource.Database and assert it to Program.
type Program interface {
	resource.Database

	Metadata(ctx context.Context) (Metadata, error)
	Sections(ctx context.Context) ([]Section, error)
	Functions(ctx context.Context) ([]Function, error)
	Imports(ctx context.Context) ([]Import, error)
	Strings(ctx context.Context, minLen int) ([]String, error)
	Disassemble(ctx context.Context, addr Addr, count int) ([]Instruction, error)
	Annotations(ctx context.Context) ([]Annotation, error)
	SetComment(ctx context.Context, addr Addr, comment string) (Annotation, error)
	Rename(ctx context.Context, addr Addr, name string) (Annotation, error)
	Analyze(ctx context.Context) (Metadata, error)
}

// Analysis is the engine's Program backed by DuckDB.
type Analysis struct {
	path        string
	dbPath      string
	size        int64
	fingerprint string
	img         *image
	store       *store
	minLen      int
	logger      zerolog.Logger
	onClose     func()

	analyzed  atomic.Bool
	analyzeMu sync.Mutex

	// mu guards pending annotations staged since the last save.
	mu      sync.Mutex
	pending map[uint64]*annotationRow
}

var _ Program = (*Analysis)(nil)

// maxNameLength bounds user-supplied function names.
const maxNameLength = 256

// load reconciles the database with the binary on open.
func (a *Analysis) load(ctx context.Context, autoAnalysis bool) error {
	if err := a.store.init(ctx); err != nil {
		return err
	}

	stored, found, err := a.store.getMeta(ctx, metaFingerprint)
	if err != nil {
		return fmt.Errorf("read fingerprint: %w", err)
	}

	if found && stored == a.fingerprint {
		analyzed, _, err := a.store.getMeta(ctx, metaAnalyzed)
		if err != nil {
			return fmt.Errorf("read analysis state: %w", err)
		}
		a.analyzed.Store(analyzed == "true")
		a.logger.Debug().Bool("analyzed", a.analyzed.Load()).Msg("Reusing stored analysis")
	} else {
		if found {
			a.logger.Warn().
				Str("stored", stored).
				Str("current", a.fingerprint).
				Msg("Binary changed since last analysis, discarding stored results")
		}
		if err := a.store.reset(ctx); err != nil {
			return err
		}
		if err := a.inTx(ctx, func(tx *sql.Tx) error {
			if err := a.store.writeSections(ctx, tx, a.img.sections); err != nil {
				return fmt.Errorf("store sections: %w", err)
			}
			return a.store.writeMeta(ctx, tx, map[string]string{
				metaFingerprint: a.fingerprint,
				metaPath:        a.path,
				metaFormat:      string(a.img.format),
				metaAnalyzed:    "false",
			})
		}); err != nil {
			return err
		}
	}

	if autoAnalysis && !a.analyzed.Load() {
		if _, err := a.Analyze(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *Analysis) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := a.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer errors.DeferRollback(a.logger, tx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Analyze recovers functions, imports and strings and stores them. Running
// it on an analyzed binary only returns the metadata.
func (a *Analysis) Analyze(ctx context.Context) (Metadata, error) {
	a.analyzeMu.Lock()
	defer a.analyzeMu.Unlock()

	if !a.analyzed.Load() {
		start := time.Now()
		err := a.inTx(ctx, func(tx *sql.Tx) error {
			if err := a.store.writeAnalysis(ctx, tx, a.img, a.minLen); err != nil {
				return err
			}
			return a.store.writeMeta(ctx, tx, map[string]string{metaAnalyzed: "true"})
		})
		if err != nil {
			return Metadata{}, errors.Wrap(errors.KindResource, err, "analysis failed")
		}
		a.analyzed.Store(true)
		a.logger.Info().
			Int("functions", len(a.img.functions)).
			Int("imports", len(a.img.imports)).
			Dur("duration", time.Since(start)).
			Msg("Analysis complete")
	}
	return a.Metadata(ctx)
}

func (a *Analysis) requireAnalysis() error {
	if !a.analyzed.Load() {
		return errors.State("%s has not been analyzed; run the analyze operation first", a.path)
	}
	return nil
}

// Metadata implements Program.
func (a *Analysis) Metadata(ctx context.Context) (Metadata, error) {
	md := Metadata{
		Path:        a.path,
		Database:    a.dbPath,
		Format:      a.img.format,
		Arch:        a.img.arch,
		Bits:        a.img.bits,
		Endian:      a.img.endian,
		Entry:       Addr(a.img.entry),
		Size:        a.size,
		Fingerprint: a.fingerprint,
		Analyzed:    a.analyzed.Load(),
	}
	if md.Database == "" {
		md.Database = ":memory:"
	}

	counts := []struct {
		dst   *int
		count func(context.Context) (int, error)
	}{
		{&md.Sections, a.store.sections.Count},
		{&md.Functions, a.store.functions.Count},
		{&md.Imports, a.store.imports.Count},
		{&md.Strings, a.store.strings.Count},
	}
	for _, c := range counts {
		n, err := c.count(ctx)
		if err != nil {
			return Metadata{}, errors.Wrap(errors.KindResource, err, "count rows")
		}
		*c.dst = n
	}

	merged, err := a.mergedAnnotations(ctx)
	if err != nil {
		return Metadata{}, err
	}
	md.Annotations = len(merged)
	for _, ann := range merged {
		if ann.Pending {
			md.Pending++
		}
	}
	return md, nil
}

// Sections implements Program. Sections are available before analysis.
func (a *Analysis) Sections(ctx context.Context) ([]Section, error) {
	rows, err := all(ctx, a, a.store.sections, a.store.sections.Query().OrderBy("idx"))
	if err != nil {
		return nil, err
	}
	out := make([]Section, len(rows))
	for i, r := range rows {
		out[i] = Section{
			Name:       r.Name,
			Address:    Addr(r.Address),
			Offset:     r.Offset,
			Size:       r.Size,
			FileSize:   r.FileSize,
			Perms:      r.Perms,
			Executable: r.Executable,
			Loaded:     r.Loaded,
		}
	}
	return out, nil
}

// Functions implements Program. Names and comments include saved and
// pending annotations.
func (a *Analysis) Functions(ctx context.Context) ([]Function, error) {
	if err := a.requireAnalysis(); err != nil {
		return nil, err
	}
	rows, err := all(ctx, a, a.store.functions, a.store.functions.Query().OrderBy("address"))
	if err != nil {
		return nil, err
	}
	merged, err := a.mergedAnnotations(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Function, len(rows))
	for i, r := range rows {
		fn := Function{Address: Addr(r.Address), Name: r.Name, Size: r.Size, Source: r.Source}
		if ann, ok := merged[r.Address]; ok {
			if ann.Name != "" && ann.Name != r.Name {
				fn.Original = r.Name
				fn.Name = ann.Name
			}
			fn.Comment = ann.Comment
		}
		out[i] = fn
	}
	return out, nil
}

// Imports implements Program.
func (a *Analysis) Imports(ctx context.Context) ([]Import, error) {
	if err := a.requireAnalysis(); err != nil {
		return nil, err
	}
	rows, err := all(ctx, a, a.store.imports, a.store.imports.Query().OrderBy("library", "name"))
	if err != nil {
		return nil, err
	}
	out := make([]Import, len(rows))
	for i, r := range rows {
		out[i] = Import{Library: r.Library, Name: r.Name}
	}
	return out, nil
}

// Strings implements Program. minLen below the stored minimum returns the
// stored strings.
func (a *Analysis) Strings(ctx context.Context, minLen int) ([]String, error) {
	if err := a.requireAnalysis(); err != nil {
		return nil, err
	}
	q := a.store.strings.Query().OrderBy("address")
	if minLen > 0 {
		q.Gte("length", minLen)
	}
	rows, err := all(ctx, a, a.store.strings, q)
	if err != nil {
		return nil, err
	}
	out := make([]String, len(rows))
	for i, r := range rows {
		out[i] = String{Address: Addr(r.Address), Section: r.Section, Value: r.Value, Length: r.Length}
	}
	return out, nil
}

// Annotations implements Program, listing saved annotations overlaid with
// pending ones in address order.
func (a *Analysis) Annotations(ctx context.Context) ([]Annotation, error) {
	merged, err := a.mergedAnnotations(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Annotation, 0, len(merged))
	for _, ann := range merged {
		out = append(out, ann)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func (a *Analysis) mergedAnnotations(ctx context.Context) (map[uint64]Annotation, error) {
	rows, err := all(ctx, a, a.store.annotations, a.store.annotations.Query())
	if err != nil {
		return nil, err
	}
	merged := make(map[uint64]Annotation, len(rows))
	for _, r := range rows {
		merged[r.Address] = r.annotation(false)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for addr, r := range a.pending {
		if r.cleared() {
			delete(merged, addr)
			continue
		}
		merged[addr] = r.annotation(true)
	}
	return merged, nil
}

// SetComment implements Program. The comment is staged until the next save;
// an empty comment clears it.
func (a *Analysis) SetComment(ctx context.Context, addr Addr, comment string) (Annotation, error) {
	if _, ok := a.img.section(uint64(addr)); !ok {
		return Annotation{}, errors.Validation("address %s is outside every section", addr)
	}
	return a.stage(ctx, addr, func(r *annotationRow) { r.Comment = comment })
}

// Rename implements Program. Only recovered functions can be renamed.
func (a *Analysis) Rename(ctx context.Context, addr Addr, name string) (Annotation, error) {
	if err := validateName(name); err != nil {
		return Annotation{}, err
	}
	if err := a.requireAnalysis(); err != nil {
		return Annotation{}, err
	}
	if _, err := a.store.functions.Get(ctx, uint64(addr)); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return Annotation{}, errors.NotFound("no function at %s", addr)
		}
		return Annotation{}, errors.Wrap(errors.KindResource, err, "look up function")
	}
	return a.stage(ctx, addr, func(r *annotationRow) { r.Name = name })
}

func validateName(name string) error {
	if name == "" {
		return errors.Validation("name must not be empty")
	}
	if len(name) > maxNameLength {
		return errors.Validation("name exceeds %d characters", maxNameLength)
	}
	if strings.IndexFunc(name, unicode.IsSpace) >= 0 {
		return errors.Validation("name %q must not contain whitespace", name)
	}
	return nil
}

// stage copies the current annotation at addr, applies edit and records the
// result as pending.
func (a *Analysis) stage(ctx context.Context, addr Addr, edit func(r *annotationRow)) (Annotation, error) {
	a.mu.Lock()
	current, staged := a.pending[uint64(addr)]
	a.mu.Unlock()

	next := annotationRow{Address: uint64(addr)}
	if staged {
		next = *current
	} else {
		saved, err := a.store.annotations.Get(ctx, uint64(addr))
		switch {
		case err == nil:
			next = *saved
		case !stderrors.Is(err, sql.ErrNoRows):
			return Annotation{}, errors.Wrap(errors.KindResource, err, "read annotation")
		}
	}
	edit(&next)
	next.UpdatedAt = time.Now().UTC()

	a.mu.Lock()
	a.pending[uint64(addr)] = &next
	a.mu.Unlock()

	a.logger.Debug().Stringer("address", addr).Msg("Annotation staged")
	return next.annotation(true), nil
}

// Save implements resource.Database. Pending annotations are written in one
// transaction and the database is checkpointed. Annotations with neither a
// comment nor a name are deleted.
func (a *Analysis) Save(ctx context.Context) error {
	a.mu.Lock()
	batch := make([]*annotationRow, 0, len(a.pending))
	for _, r := range a.pending {
		batch = append(batch, r)
	}
	a.mu.Unlock()

	err := retry.Do(ctx, retry.WriteConflict(), func() error {
		return a.inTx(ctx, func(tx *sql.Tx) error {
			return a.store.writeAnnotations(ctx, tx, batch)
		})
	}, duckdb.IsTransactionConflict)
	if err != nil {
		return fmt.Errorf("save annotations: %w", err)
	}
	if _, err := a.store.db.ExecContext(ctx, "CHECKPOINT"); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}

	a.mu.Lock()
	for _, r := range batch {
		// Entries edited again during the save stay pending.
		if a.pending[r.Address] == r {
			delete(a.pending, r.Address)
		}
	}
	a.mu.Unlock()

	a.logger.Info().Int("annotations", len(batch)).Msg("Analysis saved")
	return nil
}

// Close implements resource.Database. Without save, pending annotations are
// discarded. The database is closed even when saving fails.
func (a *Analysis) Close(ctx context.Context, save bool) error {
	var saveErr error
	if save {
		saveErr = a.Save(ctx)
	} else {
		a.mu.Lock()
		discarded := len(a.pending)
		a.pending = make(map[uint64]*annotationRow)
		a.mu.Unlock()
		if discarded > 0 {
			a.logger.Info().Int("annotations", discarded).Msg("Discarded unsaved annotations")
		}
	}

	closeErr := a.store.db.Close()
	if a.onClose != nil {
		a.onClose()
	}
	if closeErr != nil {
		return stderrors.Join(saveErr, fmt.Errorf("close database: %w", closeErr))
	}
	return saveErr
}

// functionNames maps function addresses to their current names.
func (a *Analysis) functionNames(ctx context.Context) (map[uint64]string, error) {
	if !a.analyzed.Load() {
		names := make(map[uint64]string, len(a.img.functions))
		for _, fn := range a.img.functions {
			names[uint64(fn.Address)] = fn.Name
		}
		return names, nil
	}
	fns, err := a.Functions(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[uint64]string, len(fns))
	for _, fn := range fns {
		names[uint64(fn.Address)] = fn.Name
	}
	return names, nil
}

// all runs b against t with debug tracing of the interpolated query.
func all[T any](ctx context.Context, a *Analysis, t *duckdb.Table[T], b *duckdb.Builder) ([]*T, error) {
	if e := a.logger.Debug(); e.Enabled() {
		if query, args, err := b.Build(); err == nil {
			e.Str("query", duckdb.InterpolateQuery(query, args)).Msg("Query")
		}
	}
	rows, err := t.All(ctx, b)
	if err != nil {
		return nil, errors.Wrap(errors.KindResource, err, "query analysis database")
	}
	return rows, nil
}
