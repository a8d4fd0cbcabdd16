package config

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tiroq/whispergate/internal/asr"
	"github.com/tiroq/whispergate/internal/diaglog"
)

// DefaultPollInterval is used when fsnotify is unavailable.
const DefaultPollInterval = 2 * time.Second

// Watcher reloads the config file when it changes and hands the new
// transcription defaults to Apply. Only Options are hot-reloadable; changes
// to startup-only fields are logged and ignored.
type Watcher struct {
	path  string
	apply func(asr.Options)

	mu      sync.Mutex
	current *GatewayConfig

	PollInterval time.Duration
	OutLog       *log.Logger
	ErrLog       *log.Logger
	logger       *diaglog.Logger
}

// NewWatcher creates a watcher for path. current is the configuration the
// process started with.
func NewWatcher(path string, current *GatewayConfig, apply func(asr.Options)) *Watcher {
	discard := log.New(io.Discard, "", 0)
	return &Watcher{
		path:         filepath.Clean(path),
		apply:        apply,
		current:      current,
		PollInterval: DefaultPollInterval,
		OutLog:       discard,
		ErrLog:       discard,
		logger:       diaglog.NewNoOp(),
	}
}

// SetLogger injects a diaglog.Logger for debug logging.
func (w *Watcher) SetLogger(l *diaglog.Logger) {
	if l == nil {
		l = diaglog.NewNoOp()
	}
	w.logger = l
}

// Current returns the last accepted configuration.
func (w *Watcher) Current() *GatewayConfig {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.ErrLog.Printf("fsnotify not available, falling back to polling: %v", err)
		w.poll(ctx)
		return
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			w.ErrLog.Printf("Failed to close config watcher: %v", err)
		}
	}()

	// Watch the directory so editors that replace the file are still seen.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		w.ErrLog.Printf("Failed to watch config directory, falling back to polling: %v", err)
		w.poll(ctx)
		return
	}
	w.OutLog.Printf("Config watcher started for %s (using fsnotify)", w.path)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				w.OutLog.Println("fsnotify watcher closed, switching to polling")
				w.poll(ctx)
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Small delay to ensure write is complete
			time.Sleep(50 * time.Millisecond)
			_ = w.Reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				w.OutLog.Println("fsnotify error channel closed, switching to polling")
				w.poll(ctx)
				return
			}
			w.ErrLog.Printf("Config watcher error: %v", err)
		}
	}
}

// poll is the fallback when fsnotify cannot be used.
func (w *Watcher) poll(ctx context.Context) {
	interval := w.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	w.OutLog.Printf("Config watcher started for %s (using polling fallback, %s interval)", w.path, interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastCheckTime := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fi, err := os.Stat(w.path)
			if err != nil {
				continue
			}
			if fi.ModTime().After(lastCheckTime) {
				time.Sleep(50 * time.Millisecond)
				_ = w.Reload()
				lastCheckTime = time.Now()
			}
		}
	}
}

// Reload reads the file now. An invalid file is rejected and the previous
// configuration stays in effect.
func (w *Watcher) Reload() error {
	next, err := Load(w.path)
	if err == nil {
		next.ApplyEnv()
		err = next.Validate()
	}
	if err != nil {
		w.ErrLog.Printf("Config reload rejected: %v", err)
		w.logger.Log(diaglog.LogEntry{
			Component: diaglog.ComponentConfig,
			Event:     diaglog.EventConfigRejected,
			Reason:    err.Error(),
		})
		return err
	}

	w.mu.Lock()
	prev := w.current
	ignored := prev.StartupOnlyChanges(next)
	// Keep startup-only fields as they were; only options move forward.
	merged := *prev
	merged.Options = next.Options
	w.current = &merged
	w.mu.Unlock()

	if len(ignored) > 0 {
		w.OutLog.Printf("Config reload: restart required for %s", strings.Join(ignored, ", "))
	}
	w.OutLog.Printf("Config reloaded: beam_size=%d vad_filter=%v language=%q",
		next.Options.BeamSize, next.Options.VADFilter, next.Options.Language)
	w.logger.Log(diaglog.LogEntry{
		Component: diaglog.ComponentConfig,
		Event:     diaglog.EventConfigReload,
		Payload: map[string]interface{}{
			"beam_size":       next.Options.BeamSize,
			"vad_filter":      next.Options.VADFilter,
			"ignored_changes": ignored,
		},
	})
	if w.apply != nil {
		w.apply(next.Options.ASR())
	}
	return nil
}
