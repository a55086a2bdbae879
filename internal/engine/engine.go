// Package engine is the reference analysis engine. It parses ELF, PE and
// Mach-O binaries, persists the analysis in a DuckDB database next to the
// binary and serves queries, disassembly and annotations over it.
package engine

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/cast"
	"github.com/zeebo/xxh3"

	"github.com/coral-mesh/binmcp/internal/constants"
	"github.com/coral-mesh/binmcp/internal/duckdb"
	"github.com/coral-mesh/binmcp/internal/errors"
	"github.com/coral-mesh/binmcp/internal/logging"
	"github.com/coral-mesh/binmcp/internal/resource"
	"github.com/coral-mesh/binmcp/internal/retry"
	"github.com/coral-mesh/binmcp/internal/safe"
)

// Engine-specific keys accepted in resource.Options.Args.
const (
	// ArgMinStringLength overrides Config.MinStringLength for one open.
	ArgMinStringLength = "min_string_length"
	// ArgDatabase set to "memory" keeps the analysis in memory.
	ArgDatabase = "database"
)

// Config tunes the engine.
type Config struct {
	// MaxBinarySize caps the binaries the engine loads.
	MaxBinarySize int64 `yaml:"max_binary_size" env:"BINMCP_MAX_BINARY_SIZE"`
	// MinStringLength is the shortest printable run stored as a string.
	MinStringLength int `yaml:"min_string_length" env:"BINMCP_MIN_STRING_LENGTH"`
	// DatabaseDir stores analysis databases in one directory instead of
	// next to each binary.
	DatabaseDir string `yaml:"database_dir" env:"BINMCP_DATABASE_DIR"`
	// InMemory never writes an analysis database to disk.
	InMemory bool `yaml:"in_memory" env:"BINMCP_IN_MEMORY"`
	// AllowSymlinks opens binaries through symlinks.
	AllowSymlinks bool `yaml:"allow_symlinks" env:"BINMCP_ALLOW_SYMLINKS"`
	// Threads limits DuckDB worker threads per database.
	Threads int `yaml:"threads" env:"BINMCP_DUCKDB_THREADS"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxBinarySize:   constants.DefaultMaxBinarySize,
		MinStringLength: constants.DefaultMinStringLength,
	}
}

// Engine opens binaries for analysis. It implements resource.Opener.
type Engine struct {
	cfg    Config
	logger zerolog.Logger

	// mu guards inUse, the database files currently held by an Analysis.
	mu    sync.Mutex
	inUse map[string]struct{}
}

// New creates an engine. Zero config values fall back to DefaultConfig.
func New(cfg Config, logger zerolog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.MaxBinarySize <= 0 {
		cfg.MaxBinarySize = def.MaxBinarySize
	}
	if cfg.MinStringLength <= 0 {
		cfg.MinStringLength = def.MinStringLength
	}
	return &Engine{
		cfg:    cfg,
		logger: logging.Component(logger, "engine"),
		inUse:  make(map[string]struct{}),
	}
}

var _ resource.Opener = (*Engine)(nil)

// Open reads and parses the binary, then opens or creates its analysis
// database. A stored analysis is reused when the binary's fingerprint
// matches; otherwise it is discarded. With AutoAnalysis the full analysis
// runs before Open returns.
func (e *Engine) Open(ctx context.Context, path string, opts resource.Options) (resource.Database, error) {
	data, err := safe.ReadFile(path, &safe.ReadOptions{
		MaxSize:       e.cfg.MaxBinarySize,
		AllowSymlinks: e.cfg.AllowSymlinks,
	})
	if err != nil {
		return nil, classifyReadError(path, err)
	}

	img, err := parseImage(data)
	if err != nil {
		return nil, errors.Wrap(errors.KindValidation, err, fmt.Sprintf("cannot analyze %s", path))
	}

	minLen := e.cfg.MinStringLength
	if v, ok := opts.Args[ArgMinStringLength]; ok {
		n, err := cast.ToIntE(v)
		if err != nil || n < 1 {
			return nil, errors.Validation("%s must be a positive integer, got %q", ArgMinStringLength, v)
		}
		minLen = n
	}

	dbPath := e.databasePath(path, opts)
	logger := e.logger.With().Str("binary", path).Str("database", dbPath).Logger()

	if err := e.acquire(dbPath); err != nil {
		return nil, err
	}
	opened := false
	defer func() {
		if !opened {
			e.release(dbPath)
		}
	}()

	var db *sql.DB
	err = retry.Do(ctx, retry.LockContention(), func() error {
		var openErr error
		db, openErr = duckdb.OpenDB(dbPath, duckdb.OpenOptions{Threads: e.cfg.Threads})
		if openErr != nil {
			return openErr
		}
		if openErr = db.PingContext(ctx); openErr != nil {
			_ = db.Close()
			if ctx.Err() != nil {
				return retry.Permanent(openErr)
			}
			return openErr
		}
		return nil
	}, duckdb.IsLockContention)
	if err != nil {
		return nil, errors.Wrap(errors.KindResource, err, fmt.Sprintf("open analysis database %s", dbPath))
	}

	p := &Analysis{
		path:        path,
		dbPath:      dbPath,
		size:        int64(len(data)),
		fingerprint: fingerprint(data),
		img:         img,
		store:       newStore(db),
		minLen:      minLen,
		logger:      logger,
		pending:     make(map[uint64]*annotationRow),
		onClose:     func() { e.release(dbPath) },
	}

	if err := p.load(ctx, opts.AutoAnalysis); err != nil {
		errors.DeferClose(logger, db, "Failed to close analysis database")
		return nil, errors.Wrap(errors.KindResource, err, fmt.Sprintf("load analysis of %s", path))
	}

	opened = true
	logger.Info().
		Str("format", string(img.format)).
		Str("arch", img.arch).
		Bool("analyzed", p.analyzed.Load()).
		Msg("Binary opened")

	return p, nil
}

// acquire reserves a database file for one Analysis. In-memory databases
// are private and never conflict.
func (e *Engine) acquire(dbPath string) error {
	if dbPath == "" {
		return nil
	}
	key := lockKey(dbPath)
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, held := e.inUse[key]; held {
		return errors.State("analysis database %s is already open in another session; close it first", dbPath)
	}
	e.inUse[key] = struct{}{}
	return nil
}

func (e *Engine) release(dbPath string) {
	if dbPath == "" {
		return
	}
	e.mu.Lock()
	delete(e.inUse, lockKey(dbPath))
	e.mu.Unlock()
}

func lockKey(dbPath string) string {
	if abs, err := filepath.Abs(dbPath); err == nil {
		return abs
	}
	return filepath.Clean(dbPath)
}

func (e *Engine) databasePath(path string, opts resource.Options) string {
	if e.cfg.InMemory || opts.Args[ArgDatabase] == "memory" {
		return ""
	}
	if e.cfg.DatabaseDir != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		name := filepath.Base(path) + "-" + strconv.FormatUint(xxh3.HashString(abs), 16) + constants.AnalysisDBSuffix
		return filepath.Join(e.cfg.DatabaseDir, name)
	}
	return path + constants.AnalysisDBSuffix
}

// fingerprint identifies binary contents.
func fingerprint(data []byte) string {
	h := xxh3.Hash128(data)
	return fmt.Sprintf("%016x%016x", h.Hi, h.Lo)
}

func classifyReadError(path string, err error) error {
	switch {
	case stderrors.Is(err, os.ErrNotExist):
		return errors.Wrap(errors.KindNotFound, err, "binary not found")
	case stderrors.Is(err, safe.ErrTooLarge),
		stderrors.Is(err, safe.ErrNotRegular),
		stderrors.Is(err, safe.ErrSymlink):
		return errors.Wrap(errors.KindValidation, err, fmt.Sprintf("cannot open %s", path))
	default:
		return errors.Wrap(errors.KindResource, err, fmt.Sprintf("read %s", path))
	}
}
