package mediastore

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
)

func TestAcquireWritesInputAndReleaseRemovesDir(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	h, err := s.Acquire(strings.NewReader("media-bytes"), ".WEBM")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if filepath.Base(h.InputPath) != "input.webm" {
		t.Errorf("input path = %q", h.InputPath)
	}
	if h.Size != int64(len("media-bytes")) {
		t.Errorf("size = %d", h.Size)
	}
	data, err := os.ReadFile(h.InputPath)
	if err != nil || string(data) != "media-bytes" {
		t.Fatalf("read input: %q, %v", data, err)
	}

	// Files created later inside the handle go away too.
	if err := os.WriteFile(h.Path("output.mp3"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := h.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(h.Dir); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected dir removed, stat err = %v", err)
	}
	if err := h.Release(); err != nil {
		t.Fatalf("second Release should be a no-op, got %v", err)
	}
}

func TestAcquireConcurrentHandlesAreDistinct(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const n = 16
	var wg sync.WaitGroup
	dirs := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := s.Acquire(strings.NewReader(strconv.Itoa(i)), "wav")
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			dirs <- h.Dir
		}(i)
	}
	wg.Wait()
	close(dirs)

	seen := map[string]bool{}
	for d := range dirs {
		if seen[d] {
			t.Fatalf("directory %s handed out twice", d)
		}
		seen[d] = true
	}
	if len(seen) != n {
		t.Fatalf("got %d dirs, want %d", len(seen), n)
	}
}

func TestAcquireAllocateFailureIsStorageError(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.mkdirTemp = func(dir, pattern string) (string, error) {
		return "", errors.New("no space left on device")
	}

	_, err = s.Acquire(strings.NewReader("x"), ".mp3")
	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("want *StorageError, got %T (%v)", err, err)
	}
	if se.Op != "allocate" {
		t.Errorf("op = %q", se.Op)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("client went away") }

func TestAcquireWriteFailureLeavesNothingBehind(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = s.Acquire(failingReader{}, ".mp3")
	var se *StorageError
	if !errors.As(err, &se) || se.Op != "write" {
		t.Fatalf("want write StorageError, got %v", err)
	}

	entries, _ := os.ReadDir(root)
	if len(entries) != 0 {
		t.Fatalf("expected empty root after failed acquire, found %d entries", len(entries))
	}
}

func TestSweepStaleRemovesOnlyRequestDirs(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, name := range []string{"req-a-1", "req-b-2"} {
		if err := os.MkdirAll(filepath.Join(root, name, "nested"), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(root, "keep"), 0o755); err != nil {
		t.Fatal(err)
	}

	n, err := s.SweepStale()
	if err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	if n != 2 {
		t.Errorf("removed = %d, want 2", n)
	}
	if _, err := os.Stat(filepath.Join(root, "keep")); err != nil {
		t.Errorf("unrelated dir removed: %v", err)
	}
}

func TestNewRequiresRoot(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty root")
	}
}

func TestSanitizeExt(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{".mp4", ".mp4"},
		{"MOV", ".mov"},
		{"", ".bin"},
		{"../../etc", ".etc"},
		{".webm ", ".webm"},
		{".%%%", ".bin"},
		{".averyveryverylongext", ".averyver"},
	}
	for _, tt := range tests {
		if got := SanitizeExt(tt.in); got != tt.want {
			t.Errorf("SanitizeExt(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExtFromFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"interview.WEBM", ".webm"},
		{`C:\Users\me\clip.mp4`, ".mp4"},
		{"noext", ".bin"},
		{"dir.with.dots/file", ".bin"},
	}
	for _, tt := range tests {
		if got := ExtFromFilename(tt.in); got != tt.want {
			t.Errorf("ExtFromFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
