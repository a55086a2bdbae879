// Package session binds client-visible session ids to resource handles and
// tracks which one is active.
package session

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/binmcp/internal/errors"
	"github.com/coral-mesh/binmcp/internal/resource"
)

// Session binds an id to one exclusive resource handle.
type Session struct {
	ID        string
	Path      string
	CreatedAt time.Time
	Handle    *resource.Handle

	seq    uint64
	active atomic.Bool
}

// IsActive reports whether this is the registry's active session.
func (s *Session) IsActive() bool {
	return s.active.Load()
}

// Info is a point-in-time snapshot of a session.
type Info struct {
	ID        string              `json:"id"`
	Path      string              `json:"path"`
	CreatedAt time.Time           `json:"created_at"`
	Active    bool                `json:"active"`
	Handle    resource.HandleInfo `json:"handle"`
}

// Info returns a snapshot of the session and its handle.
func (s *Session) Info() Info {
	return Info{
		ID:        s.ID,
		Path:      s.Path,
		CreatedAt: s.CreatedAt,
		Active:    s.IsActive(),
		Handle:    s.Handle.Info(),
	}
}

// Option configures a Registry.
type Option func(*Registry)

// WithMaxSessions caps the number of sessions. Zero means unlimited.
func WithMaxSessions(n int) Option {
	return func(r *Registry) {
		r.maxSessions = n
	}
}

// Registry tracks sessions. Structural changes (create, activate, remove)
// are serialized by mu; the active session is also published through an
// atomic pointer so dispatch can read it without taking the lock. Handle
// opens and closes never run while mu is held.
type Registry struct {
	opener      resource.Opener
	logger      zerolog.Logger
	maxSessions int

	mu       sync.Mutex
	sessions map[string]*Session
	nextSeq  uint64
	active   atomic.Pointer[Session]
}

// NewRegistry creates an empty registry whose handles open through opener.
func NewRegistry(opener resource.Opener, logger zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		opener:   opener,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers a new session for path with an unopened handle.
func (r *Registry) Create(path string, opts resource.Options) (*Session, error) {
	if path == "" {
		return nil, errors.Validation("path is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		return nil, errors.State("session limit reached (%d); remove a session first", r.maxSessions)
	}

	id := uuid.New().String()
	r.nextSeq++
	s := &Session{
		seq:       r.nextSeq,
		ID:        id,
		Path:      path,
		CreatedAt: time.Now(),
		Handle:    resource.New(path, opts, r.opener),
	}
	r.sessions[id] = s

	r.logger.Debug().Str("session_id", id).Str("path", path).Msg("Session created")
	return s, nil
}

// Activate makes id the active session. A different previously active
// session is deactivated and its handle closed best-effort: a close failure
// is logged and left visible on that handle, but does not block activation.
func (r *Registry) Activate(ctx context.Context, id string) error {
	r.mu.Lock()
	target, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return errors.NotFound("session %q not found", id)
	}
	prev := r.active.Load()
	if prev == target {
		r.mu.Unlock()
		return nil
	}
	if prev != nil {
		prev.active.Store(false)
	}
	target.active.Store(true)
	r.active.Store(target)
	r.mu.Unlock()

	if prev != nil {
		r.closeBestEffort(ctx, prev)
	}

	r.logger.Info().Str("session_id", id).Str("path", target.Path).Msg("Session activated")
	return nil
}

func (r *Registry) closeBestEffort(ctx context.Context, s *Session) {
	if err := s.Handle.Discard(ctx); err != nil {
		r.logger.Warn().
			Err(err).
			Str("session_id", s.ID).
			Str("path", s.Path).
			Msg("Failed to close previously active session")
	}
}

// Active returns the active session, or a state error when there is none.
func (r *Registry) Active() (*Session, error) {
	s := r.active.Load()
	if s == nil {
		return nil, errors.State("no active session; open a binary first")
	}
	return s, nil
}

// Get returns the session with id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, errors.NotFound("session %q not found", id)
	}
	return s, nil
}

// List returns all sessions ordered by creation time.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Remove closes the session's handle, including one still opening, and
// deletes the session.
// The session is removed even when the close fails; the close error is
// returned.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return errors.NotFound("session %q not found", id)
	}
	r.detach(s)
	r.mu.Unlock()

	return r.release(ctx, s)
}

// detach deletes s from the map and clears the active pointer if needed.
// Callers hold mu.
func (r *Registry) detach(s *Session) {
	delete(r.sessions, s.ID)
	if s.active.Load() {
		s.active.Store(false)
		r.active.CompareAndSwap(s, nil)
	}
}

// release closes the handle of a detached session without saving. A
// handle still opening is closed when its open completes.
func (r *Registry) release(ctx context.Context, s *Session) error {
	if err := s.Handle.Discard(ctx); err != nil {
		return errors.Wrap(errors.KindResource, err, "session "+s.ID)
	}
	r.logger.Debug().Str("session_id", s.ID).Msg("Session removed")
	return nil
}

// RemoveAll removes every session. Close failures do not stop the sweep;
// they are joined and returned together.
func (r *Registry) RemoveAll(ctx context.Context) error {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	for _, s := range all {
		r.detach(s)
	}
	r.mu.Unlock()

	var errs []error
	for _, s := range all {
		if err := r.release(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Wrap(errors.KindResource, stderrors.Join(errs...),
			"failed to close some sessions")
	}
	return nil
}

// Replace force-closes the active session, removes it, then opens path in
// a new active session. The previous handle is released first so a binary
// can be replaced by itself. When the new session cannot be created or
// opened, the previous session is put back and reopened; it becomes active
// again only if that reopen succeeds.
func (r *Registry) Replace(ctx context.Context, path string, opts resource.Options) (*Session, error) {
	if path == "" {
		return nil, errors.Validation("path is required")
	}

	r.mu.Lock()
	prev := r.active.Load()
	if prev != nil {
		r.detach(prev)
	}
	r.mu.Unlock()

	if prev != nil {
		if err := r.release(ctx, prev); err != nil {
			r.logger.Warn().
				Err(err).
				Str("session_id", prev.ID).
				Msg("Failed to close replaced session")
		}
	}

	s, err := r.Create(path, opts)
	if err == nil {
		if err = s.Handle.Open(ctx); err != nil {
			r.mu.Lock()
			r.detach(s)
			r.mu.Unlock()
		}
	}
	if err != nil {
		if prev != nil {
			r.restore(ctx, prev)
		}
		return nil, err
	}

	if err := r.Activate(ctx, s.ID); err != nil {
		return nil, err
	}
	r.logger.Info().Str("session_id", s.ID).Str("path", path).Msg("Session replaced")
	return s, nil
}

// restore reinserts a session removed by a failed Replace and reopens it.
func (r *Registry) restore(ctx context.Context, s *Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	if err := s.Handle.Open(ctx); err != nil {
		r.logger.Warn().
			Err(err).
			Str("session_id", s.ID).
			Str("path", s.Path).
			Msg("Failed to reopen session after a failed replace")
		return
	}
	if err := r.Activate(ctx, s.ID); err != nil {
		r.logger.Warn().Err(err).Str("session_id", s.ID).Msg("Failed to reactivate session")
	}
}
