package mediastore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const lockName = "whispergate.pid"

// InstanceLock records the owning PID inside the store root so only one
// gateway process manages (and sweeps) a given root.
type InstanceLock struct {
	path string
	pid  int
}

// Lock writes the current PID into root/whispergate.pid. A lock file left
// by a process that is no longer running is replaced.
func Lock(root string) (*InstanceLock, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create media root: %w", err)
	}
	path := filepath.Join(root, lockName)

	if data, err := os.ReadFile(path); err == nil {
		if existing, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil {
			if existing != os.Getpid() && isProcessRunning(existing) {
				return nil, fmt.Errorf("media root %s is in use by PID %d", root, existing)
			}
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale lock: %w", err)
		}
	}

	pid := os.Getpid()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create lock: %w", err)
	}
	_, werr := fmt.Fprintf(f, "%d\n", pid)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("write lock: %w", werr)
	}
	return &InstanceLock{path: path, pid: pid}, nil
}

// Path returns the lock file location.
func (l *InstanceLock) Path() string { return l.path }

// Unlock removes the lock file if it still holds our PID.
func (l *InstanceLock) Unlock() error {
	if l == nil {
		return nil
	}
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && pid == l.pid {
		return os.Remove(l.path)
	}
	return nil
}

// isProcessRunning probes pid with signal 0.
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM: the process exists but belongs to someone else.
	return errors.Is(err, syscall.EPERM)
}
