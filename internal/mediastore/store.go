// Package mediastore provides request-scoped temporary storage for uploaded
// media. Every upload gets its own directory under the store root; the
// directory and everything created inside it are removed by Handle.Release.
package mediastore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// dirPrefix marks request directories so SweepStale never touches anything
// else that happens to live under the root.
const dirPrefix = "req-"

// StorageError reports a failure to allocate or write scoped storage.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("mediastore: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("mediastore: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Store allocates request directories under root.
type Store struct {
	root      string
	newID     func() string
	mkdirTemp func(dir, pattern string) (string, error)
	removeAll func(path string) error
	create    func(name string) (*os.File, error)
}

// New creates the root directory if needed and returns a Store.
func New(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, &StorageError{Op: "init", Err: errors.New("root directory is required")}
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &StorageError{Op: "init", Path: root, Err: err}
	}
	return &Store{
		root:      root,
		newID:     uuid.NewString,
		mkdirTemp: os.MkdirTemp,
		removeAll: os.RemoveAll,
		create:    os.Create,
	}, nil
}

// Root returns the directory that holds all request directories.
func (s *Store) Root() string { return s.root }

// Acquire allocates a fresh request directory, copies r into it as
// "input<ext>" and returns the owning handle. On any failure nothing is left
// on disk.
func (s *Store) Acquire(r io.Reader, suggestedExt string) (*Handle, error) {
	id := s.newID()
	dir, err := s.mkdirTemp(s.root, dirPrefix+id+"-")
	if err != nil {
		return nil, &StorageError{Op: "allocate", Path: s.root, Err: err}
	}

	h := &Handle{
		ID:        id,
		Dir:       dir,
		InputPath: filepath.Join(dir, "input"+SanitizeExt(suggestedExt)),
		removeAll: s.removeAll,
	}

	f, err := s.create(h.InputPath)
	if err != nil {
		_ = h.Release()
		return nil, &StorageError{Op: "create", Path: h.InputPath, Err: err}
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = h.Release()
		return nil, &StorageError{Op: "write", Path: h.InputPath, Err: err}
	}
	h.Size = n
	return h, nil
}

// SweepStale removes request directories left behind by a previous process.
// Call it only while holding the instance lock, otherwise live requests of
// another gateway sharing the root would be deleted.
func (s *Store) SweepStale() (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, &StorageError{Op: "sweep", Path: s.root, Err: err}
	}
	removed := 0
	var errs []error
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), dirPrefix) {
			continue
		}
		if err := s.removeAll(filepath.Join(s.root, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if len(errs) > 0 {
		return removed, &StorageError{Op: "sweep", Path: s.root, Err: errors.Join(errs...)}
	}
	return removed, nil
}

// Handle owns one request directory. It is never shared between requests.
type Handle struct {
	ID        string
	Dir       string
	InputPath string
	Size      int64

	mu        sync.Mutex
	released  bool
	removeAll func(path string) error
}

// Path returns name resolved inside the handle's directory.
func (h *Handle) Path(name string) string {
	return filepath.Join(h.Dir, filepath.Base(name))
}

// Release deletes the directory and everything in it. Safe to call more than
// once; only the first call touches the filesystem.
func (h *Handle) Release() error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true
	if err := h.removeAll(h.Dir); err != nil {
		return &StorageError{Op: "release", Path: h.Dir, Err: err}
	}
	return nil
}
