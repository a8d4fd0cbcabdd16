// Package asr defines the transcription backend contract shared by the
// local and remote engines.
package asr

import (
	"context"
	"fmt"
	"time"

	"github.com/tiroq/whispergate/internal/media"
)

// Word is one word-level timing. Times are seconds from the start of the
// normalized audio.
type Word struct {
	Word  string
	Start float64
	End   float64
}

// Segment is a raw backend segment. Text may carry engine whitespace and
// Words may be nil; the transcript package cleans both.
type Segment struct {
	Start float64
	End   float64
	Text  string
	Words []Word
}

// Transcript is what a backend returns. Some engines report word timings per
// segment, others as one flat list in Words; consumers must handle both.
type Transcript struct {
	Segments []Segment
	Words    []Word
	Language string
	Duration float64
	Model    string
	Backend  string
}

// Options tunes a single transcription call. Backends ignore fields they
// have no use for.
type Options struct {
	BeamSize        int
	VADFilter       bool
	VADMinSilenceMs int
	VADSpeechPadMs  int
	Prompt          string
	Language        string // "" = auto-detect
}

// HealthStatus reports backend health.
type HealthStatus struct {
	OK      bool
	Backend string
	Message string
	Latency time.Duration
}

// Backend is implemented by every transcription engine. Implementations must
// be safe for concurrent Transcribe calls, serializing internally if the
// engine itself is not.
type Backend interface {
	Name() string
	Model() string
	// Profile is the audio format Transcribe expects.
	Profile() media.Profile
	Transcribe(ctx context.Context, audio media.NormalizedAudio, opts Options) (*Transcript, error)
	HealthCheck(ctx context.Context) (*HealthStatus, error)
}

// Starter is implemented by backends that load resources once at startup.
type Starter interface {
	Start(ctx context.Context) error
}

// ModelLister is implemented by backends that can report selectable models.
type ModelLister interface {
	AvailableModels() []string
}

// ModelSizes are the whisper model sizes a local engine can load.
var ModelSizes = []string{"tiny", "base", "small", "medium", "large"}

// TranscriptionError is returned by every backend failure: transport, auth,
// malformed responses and engine crashes alike.
type TranscriptionError struct {
	Backend string
	Err     error
}

func (e *TranscriptionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Backend, e.Err)
}

func (e *TranscriptionError) Unwrap() error { return e.Err }

// Errorf builds a TranscriptionError for backend.
func Errorf(backend, format string, args ...interface{}) error {
	return &TranscriptionError{Backend: backend, Err: fmt.Errorf(format, args...)}
}
