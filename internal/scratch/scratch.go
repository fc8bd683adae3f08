// Package scratch manages exclusively owned working directories.
//
// A Dir is acquired by creating it; acquisition fails if the path already
// exists so a run never mixes its files with a previous run's leftovers.
// Release removes the directory and everything below it and is safe to call
// more than once.
package scratch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/atlosdotorg/atlos/internal/archive"
)

// Dir is an acquired scratch directory.
type Dir struct {
	path string
	once sync.Once
	err  error
}

// Acquire creates path (its parent must exist) and returns the owning Dir.
func Acquire(path string) (*Dir, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: empty scratch path", archive.ErrPrecondition)
	}
	if err := os.Mkdir(path, 0o750); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", archive.ErrScratchExists, path)
		}
		return nil, fmt.Errorf("create scratch dir %s: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return &Dir{path: abs}, nil
}

// Path returns the absolute directory path.
func (d *Dir) Path() string {
	return d.path
}

// Sub acquires a child scratch directory named name.
func (d *Dir) Sub(name string) (*Dir, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return nil, fmt.Errorf("%w: invalid scratch name %q", archive.ErrPrecondition, name)
	}
	return Acquire(filepath.Join(d.path, name))
}

// Release removes the directory tree. Subsequent calls return the first result.
func (d *Dir) Release() error {
	if d == nil {
		return nil
	}
	d.once.Do(func() {
		if err := os.RemoveAll(d.path); err != nil {
			d.err = fmt.Errorf("remove scratch dir %s: %w", d.path, err)
		}
	})
	return d.err
}
