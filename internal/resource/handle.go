// Package resource owns the lifecycle of one opened analysis database.
//
// A Handle moves through waiting → opening → ready → closing → closed, with a
// terminal failed state reachable from opening or closing. State transitions
// are serialized by the handle; queries against the owned database run through
// Use and never observe a handle mid-transition.
package resource

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coral-mesh/binmcp/internal/errors"
)

// Status is the lifecycle state of a Handle.
type Status string

const (
	StatusWaiting Status = "waiting"
	StatusOpening Status = "opening"
	StatusReady   Status = "ready"
	StatusClosing Status = "closing"
	StatusClosed  Status = "closed"
	StatusFailed  Status = "failed"
)

// Options are passed through to the engine when the resource is opened.
type Options struct {
	// AutoAnalysis runs the engine's full analysis during open.
	AutoAnalysis bool `json:"auto_analysis"`
	// Args carries engine-specific settings.
	Args map[string]string `json:"args,omitempty"`
}

// Database is the opaque analysis resource. The core only ever saves and
// closes it; queries are made by operation bodies through the engine's own
// interfaces.
type Database interface {
	Save(ctx context.Context) error
	Close(ctx context.Context, save bool) error
}

// Opener acquires a Database for a binary path.
type Opener interface {
	Open(ctx context.Context, path string, opts Options) (Database, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, path string, opts Options) (Database, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, path string, opts Options) (Database, error) {
	return f(ctx, path, opts)
}

// Handle wraps one exclusive analysis resource.
type Handle struct {
	ID      string
	Path    string
	Options Options

	opener Opener

	// mu guards the fields below and is held only briefly.
	mu       sync.Mutex
	status   Status
	db       Database
	lastErr  error
	openedAt time.Time
	// discard is set when the handle is released while opening; the
	// in-flight Open closes the database instead of publishing it.
	discard bool

	// access is read-held by queries and write-held while a transition
	// releases or persists the database.
	access sync.RWMutex
}

// HandleInfo is a point-in-time snapshot of a Handle.
type HandleInfo struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Status    Status    `json:"status"`
	Options   Options   `json:"options"`
	OpenedAt  time.Time `json:"opened_at,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// New creates a handle in the waiting state. Nothing is opened.
func New(path string, opts Options, opener Opener) *Handle {
	return &Handle{
		ID:      uuid.New().String(),
		Path:    path,
		Options: opts,
		opener:  opener,
		status:  StatusWaiting,
	}
}

// Status returns the current state without blocking on transitions.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// IsReady reports whether the handle can serve queries.
func (h *Handle) IsReady() bool {
	return h.Status() == StatusReady
}

// Err returns the error that moved the handle to failed, if any.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

// Info returns a snapshot of the handle.
func (h *Handle) Info() HandleInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	info := HandleInfo{
		ID:       h.ID,
		Path:     h.Path,
		Status:   h.status,
		Options:  h.Options,
		OpenedAt: h.openedAt,
	}
	if h.lastErr != nil {
		info.LastError = h.lastErr.Error()
	}
	return info
}

// Open acquires the backing resource. It is valid only from waiting or
// closed; any other state fails immediately rather than waiting.
func (h *Handle) Open(ctx context.Context) error {
	h.mu.Lock()
	if h.status != StatusWaiting && h.status != StatusClosed {
		status := h.status
		h.mu.Unlock()
		return errors.State("cannot open %s: handle is %s", h.Path, status)
	}
	h.status = StatusOpening
	h.lastErr = nil
	h.discard = false
	h.mu.Unlock()

	db, err := h.opener.Open(ctx, h.Path, h.Options)

	h.mu.Lock()
	defer h.mu.Unlock()

	if err != nil {
		h.status = StatusFailed
		h.discard = false
		h.lastErr = err
		kind := errors.KindResource
		var classified *errors.Error
		if stderrors.As(err, &classified) {
			kind = classified.Kind
		}
		return errors.Wrap(kind, err, "failed to open "+h.Path)
	}
	if db == nil {
		h.status = StatusFailed
		h.discard = false
		h.lastErr = errors.Resource("engine returned no database for %s", h.Path)
		return h.lastErr
	}

	if h.discard {
		h.discard = false
		h.status = StatusClosing
		h.mu.Unlock()
		cerr := db.Close(context.WithoutCancel(ctx), false)
		h.mu.Lock()
		if cerr != nil {
			h.status = StatusFailed
			h.lastErr = cerr
			return errors.Wrap(errors.KindResource, cerr, "failed to close discarded "+h.Path)
		}
		h.status = StatusClosed
		return errors.State("open of %s abandoned: handle was released while opening", h.Path)
	}

	h.db = db
	h.status = StatusReady
	h.openedAt = time.Now()
	return nil
}

// Close releases the backing resource, persisting pending changes when save
// is true. Closing an already closed handle is a no-op.
func (h *Handle) Close(ctx context.Context, save bool) error {
	h.mu.Lock()
	switch h.status {
	case StatusClosed:
		h.mu.Unlock()
		return nil
	case StatusReady:
	default:
		status := h.status
		h.mu.Unlock()
		return errors.State("cannot close %s: handle is %s", h.Path, status)
	}
	h.status = StatusClosing
	db := h.db
	h.mu.Unlock()

	// Wait for in-flight queries to drain.
	h.access.Lock()
	err := db.Close(ctx, save)
	h.access.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()

	h.db = nil
	if err != nil {
		h.status = StatusFailed
		h.lastErr = err
		return errors.Wrap(errors.KindResource, err, "failed to close "+h.Path)
	}
	h.status = StatusClosed
	return nil
}

// Discard releases the handle from any state without saving. A ready
// handle is closed; a handle still opening is closed by its Open as soon as
// the engine returns. Other states have nothing to release.
func (h *Handle) Discard(ctx context.Context) error {
	h.mu.Lock()
	switch h.status {
	case StatusOpening:
		h.discard = true
		h.mu.Unlock()
		return nil
	case StatusReady:
		h.mu.Unlock()
		return h.Close(ctx, false)
	default:
		h.mu.Unlock()
		return nil
	}
}

// Save persists pending changes without closing.
func (h *Handle) Save(ctx context.Context) error {
	return h.Use(ctx, func(db Database) error {
		if err := db.Save(ctx); err != nil {
			return errors.Wrap(errors.KindResource, err, "failed to save "+h.Path)
		}
		return nil
	})
}

// Use runs fn against the owned database while the handle is ready. Calls
// may run concurrently with each other; the database's own thread-safety
// governs actual contention.
func (h *Handle) Use(ctx context.Context, fn func(db Database) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	if h.status != StatusReady {
		status := h.status
		h.mu.Unlock()
		return errors.State("database %s is not ready (status: %s)", h.Path, status)
	}
	// Taken while mu is held so Close cannot slip in between the status
	// check and the read lock.
	h.access.RLock()
	db := h.db
	h.mu.Unlock()
	defer h.access.RUnlock()

	return fn(db)
}
