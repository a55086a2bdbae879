package testutil

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/coral-mesh/binmcp/internal/resource"
)

// FakeEngine is an in-memory resource.Opener for tests. Every Open returns a
// fresh FakeDatabase seeded with Items.
type FakeEngine struct {
	// Items seeds each opened database.
	Items []string
	// OpenErr, when set, fails every Open.
	OpenErr error
	// PathErrs fails Open for the listed paths only.
	PathErrs map[string]error
	// CloseErr, when set, fails every Close on databases opened afterwards.
	CloseErr error
	// Gate, when non-nil, blocks Open until it is closed.
	Gate chan struct{}

	Opens atomic.Int32

	mu     sync.Mutex
	opened []*FakeDatabase
}

// NewFakeEngine creates a FakeEngine seeded with items.
func NewFakeEngine(items ...string) *FakeEngine {
	return &FakeEngine{Items: items}
}

// Open implements resource.Opener.
func (e *FakeEngine) Open(ctx context.Context, path string, opts resource.Options) (resource.Database, error) {
	e.Opens.Add(1)
	if e.Gate != nil {
		select {
		case <-e.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.OpenErr != nil {
		return nil, e.OpenErr
	}
	if err := e.PathErrs[path]; err != nil {
		return nil, err
	}

	db := &FakeDatabase{
		Path:     path,
		Options:  opts,
		items:    append([]string(nil), e.Items...),
		closeErr: e.CloseErr,
	}

	e.mu.Lock()
	e.opened = append(e.opened, db)
	e.mu.Unlock()

	return db, nil
}

// Opened returns every database handed out so far, oldest first.
func (e *FakeEngine) Opened() []*FakeDatabase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*FakeDatabase(nil), e.opened...)
}

// FakeDatabase is the resource.Database returned by FakeEngine.
type FakeDatabase struct {
	Path    string
	Options resource.Options

	mu       sync.Mutex
	items    []string
	pending  []string
	saves    int
	closed   bool
	saved    bool
	closeErr error
}

// Items returns the committed items.
func (d *FakeDatabase) Items() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.items...)
}

// Add stages an item until the next save.
func (d *FakeDatabase) Add(item string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, item)
}

// Save implements resource.Database.
func (d *FakeDatabase) Save(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("database %s is closed", d.Path)
	}
	d.items = append(d.items, d.pending...)
	d.pending = nil
	d.saves++
	return nil
}

// Close implements resource.Database.
func (d *FakeDatabase) Close(ctx context.Context, save bool) error {
	if d.closeErr != nil {
		return d.closeErr
	}
	if save {
		if err := d.Save(ctx); err != nil {
			return err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.saved = save
	return nil
}

// Closed reports whether Close succeeded and whether it saved.
func (d *FakeDatabase) Closed() (closed, saved bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed, d.saved
}

// Saves returns how many times Save ran.
func (d *FakeDatabase) Saves() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.saves
}
