// Package safe reads untrusted input files with size and type checks.
package safe

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultMaxFileSize bounds ReadFile when no MaxSize is given (1MB).
const DefaultMaxFileSize = 1 << 20

var (
	// ErrSymlink is returned for symlinks when they are not allowed.
	ErrSymlink = errors.New("symlinks are not allowed")
	// ErrNotRegular is returned for directories, devices and pipes.
	ErrNotRegular = errors.New("not a regular file")
	// ErrTooLarge is returned when the file exceeds the size limit.
	ErrTooLarge = errors.New("file exceeds maximum allowed size")
)

// ReadOptions configures ReadFile and Check.
type ReadOptions struct {
	// MaxSize is the largest accepted file in bytes. Zero means DefaultMaxFileSize.
	MaxSize int64
	// AllowSymlinks follows a symlinked path instead of rejecting it.
	AllowSymlinks bool
}

func (o *ReadOptions) maxSize() int64 {
	if o == nil || o.MaxSize == 0 {
		return DefaultMaxFileSize
	}
	return o.MaxSize
}

// Check validates path without reading it and returns the cleaned path and
// the target's file info.
func Check(path string, opts *ReadOptions) (string, os.FileInfo, error) {
	clean := filepath.Clean(path)

	info, err := os.Lstat(clean)
	if err != nil {
		return "", nil, err
	}

	if info.Mode()&os.ModeSymlink != 0 {
		if opts == nil || !opts.AllowSymlinks {
			return "", nil, fmt.Errorf("%q: %w", path, ErrSymlink)
		}
		if info, err = os.Stat(clean); err != nil {
			return "", nil, err
		}
	}

	if !info.Mode().IsRegular() {
		return "", nil, fmt.Errorf("%q: %w", path, ErrNotRegular)
	}

	if limit := opts.maxSize(); info.Size() > limit {
		return "", nil, fmt.Errorf("%q is %d bytes: %w (%d bytes)", path, info.Size(), ErrTooLarge, limit)
	}

	return clean, info, nil
}

// ReadFile reads a regular file after Check accepts it.
func ReadFile(path string, opts *ReadOptions) ([]byte, error) {
	clean, _, err := Check(path, opts)
	if err != nil {
		return nil, err
	}
	// #nosec G304 - path validated by Check.
	return os.ReadFile(clean)
}
