// Package diaglog provides structured NDJSON diagnostic logging for the
// gateway. Activated by WHISPERGATE_DEBUG=true. When the env var is absent,
// all Log calls are no-ops and no file is created.
package diaglog

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// ── Component labels ─────────────────────────────────────────────────────────

const (
	ComponentHTTP          = "http"
	ComponentPipeline      = "pipeline"
	ComponentMediaStore    = "media-store"
	ComponentNormalizer    = "normalizer"
	ComponentLocalWhisper  = "local-whisper"
	ComponentRemoteWhisper = "remote-whisper"
	ComponentVosk          = "vosk-ws"
	ComponentConfig        = "config"
	ComponentGateway       = "whispergate"
)

// ── Event names ──────────────────────────────────────────────────────────────

const (
	EventStageEnter       = "stage_enter"
	EventRequestDone      = "request_done"
	EventRequestFailed    = "request_failed"
	EventTranscodeRun     = "transcode_run"
	EventBackendCall      = "backend_call"
	EventBackendHealth    = "backend_health"
	EventSidecarStart     = "sidecar_start"
	EventSidecarExit      = "sidecar_exit"
	EventConfigReload     = "config_reload"
	EventConfigRejected   = "config_rejected"
	EventStaleDirsRemoved = "stale_dirs_removed"
)

// ── LogEntry ─────────────────────────────────────────────────────────────────

// LogEntry is one structured event record written as a single JSON line.
type LogEntry struct {
	Timestamp string      `json:"ts"`                   // RFC3339Nano
	Component string      `json:"component"`            // see Component* constants
	Event     string      `json:"event"`                // see Event* constants
	RequestID string      `json:"request_id,omitempty"` // correlates one upload
	Reason    string      `json:"reason,omitempty"`
	Payload   interface{} `json:"payload,omitempty"` // redacted before write
}

// ── Logger ───────────────────────────────────────────────────────────────────

// Logger writes LogEntry values to a rolling NDJSON file. When debug mode is
// disabled every Log call is a no-op.
type Logger struct {
	rw      *rollingWriter
	mu      sync.Mutex
	enabled bool
}

// New opens (or creates) the NDJSON log file at path. If debug mode is
// disabled, path is ignored and a no-op logger is returned.
func New(path string) (*Logger, error) {
	if !IsDebugEnabled() {
		return &Logger{enabled: false}, nil
	}
	rw, err := newRollingWriter(path, 10*1024*1024)
	if err != nil {
		return nil, err
	}
	return &Logger{rw: rw, enabled: true}, nil
}

// Log serialises entry to JSON, appends a newline, and writes to the rolling
// file. Sensitive payload fields are redacted before serialisation.
func (l *Logger) Log(entry LogEntry) {
	if l == nil || !l.enabled {
		return
	}
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if entry.Payload != nil {
		entry.Payload = Redact(entry.Payload)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.rw.Write(data)
}

// Close flushes and closes the underlying file. Safe on nil/disabled logger.
func (l *Logger) Close() error {
	if l == nil || !l.enabled || l.rw == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rw.close()
}

// IsDebugEnabled reports whether WHISPERGATE_DEBUG is set to "true".
func IsDebugEnabled() bool {
	return os.Getenv("WHISPERGATE_DEBUG") == "true"
}

// DefaultPath returns WHISPERGATE_LOG_PATH or a file in the OS temp dir.
func DefaultPath() string {
	if p := os.Getenv("WHISPERGATE_LOG_PATH"); p != "" {
		return p
	}
	return os.TempDir() + "/whispergate-debug.log"
}

// NewNoOp returns a logger where every Log call is a no-op. Use as a safe
// fallback when New fails (e.g., disk full, permissions error).
func NewNoOp() *Logger {
	return &Logger{enabled: false}
}
