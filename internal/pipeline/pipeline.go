// Package pipeline runs one upload through storage, format normalization,
// transcription and response normalization. It knows nothing about HTTP.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/tiroq/whispergate/internal/asr"
	"github.com/tiroq/whispergate/internal/diaglog"
	"github.com/tiroq/whispergate/internal/media"
	"github.com/tiroq/whispergate/internal/mediastore"
	"github.com/tiroq/whispergate/internal/transcript"
)

// Kind classifies a pipeline failure for the transport layer.
type Kind string

const (
	KindClientInput   Kind = "client_input"
	KindStorage       Kind = "storage"
	KindTranscode     Kind = "transcode"
	KindTranscription Kind = "transcription"
)

// Error is the single error type Run returns. Stage is the last state the
// request reached before failing.
type Error struct {
	Stage State
	Kind  Kind
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("pipeline %s failed after %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ClientInputError is a problem with the upload itself.
type ClientInputError struct {
	Message string
}

func (e *ClientInputError) Error() string { return e.Message }

// Client input messages.
const (
	MsgEmptyUpload      = "Uploaded file is empty"
	MsgUnsupportedMedia = "Unsupported media type"
)

// Upload is one file received by the transport layer.
type Upload struct {
	RequestID   string
	Field       string // "audio" or "video"
	Filename    string
	ContentType string
	Body        io.Reader
	// Prompt and Language override the configured defaults when non-empty.
	Prompt   string
	Language string
}

// Transcoder produces NormalizedAudio. *media.Normalizer implements it.
type Transcoder interface {
	Normalize(ctx context.Context, inputPath, outDir string, kind media.Kind) (media.NormalizedAudio, error)
}

// Orchestrator wires the four stages together. It is safe for concurrent
// use: each Run owns its own request directory.
type Orchestrator struct {
	store      *mediastore.Store
	transcoder Transcoder
	backend    asr.Backend

	optsMu sync.RWMutex
	opts   asr.Options

	logger *diaglog.Logger

	// OnStage, if set, is called after every state change.
	OnStage func(requestID string, s State)
}

// New creates an orchestrator with default transcription options.
func New(store *mediastore.Store, transcoder Transcoder, backend asr.Backend, opts asr.Options) *Orchestrator {
	return &Orchestrator{
		store:      store,
		transcoder: transcoder,
		backend:    backend,
		opts:       opts,
		logger:     diaglog.NewNoOp(),
	}
}

// SetLogger injects a diaglog.Logger for debug logging.
func (o *Orchestrator) SetLogger(l *diaglog.Logger) {
	if l == nil {
		l = diaglog.NewNoOp()
	}
	o.logger = l
}

// Backend returns the configured backend.
func (o *Orchestrator) Backend() asr.Backend { return o.backend }

// Options returns the current default options.
func (o *Orchestrator) Options() asr.Options {
	o.optsMu.RLock()
	defer o.optsMu.RUnlock()
	return o.opts
}

// SetOptions replaces the defaults used by requests that start afterwards.
func (o *Orchestrator) SetOptions(opts asr.Options) {
	o.optsMu.Lock()
	o.opts = opts
	o.optsMu.Unlock()
}

// Run processes one upload. Every stage runs to completion once started:
// cancellation of ctx is not propagated into ffmpeg or the backend. All
// scoped storage is released before Run returns, whatever the outcome.
func (o *Orchestrator) Run(ctx context.Context, up Upload) ([]transcript.Segment, error) {
	ctx = context.WithoutCancel(ctx)
	sm := NewStateMachine()

	opts := o.Options()
	if up.Prompt != "" {
		opts.Prompt = up.Prompt
	}
	if up.Language != "" {
		opts.Language = up.Language
	}

	segs, err := o.run(ctx, sm, up, opts)
	if err != nil {
		stage := sm.Current()
		_ = sm.Advance(StateFailed)
		o.emit(up.RequestID, StateFailed)
		pe := o.classify(stage, err)
		o.logger.Log(diaglog.LogEntry{
			Component: diaglog.ComponentPipeline,
			Event:     diaglog.EventRequestFailed,
			RequestID: up.RequestID,
			Reason:    err.Error(),
			Payload: map[string]interface{}{
				"stage":      string(stage),
				"kind":       string(pe.Kind),
				"elapsed_ms": sm.Elapsed().Milliseconds(),
			},
		})
		return nil, pe
	}

	o.advance(sm, up.RequestID, StateResponded)
	o.logger.Log(diaglog.LogEntry{
		Component: diaglog.ComponentPipeline,
		Event:     diaglog.EventRequestDone,
		RequestID: up.RequestID,
		Payload: map[string]interface{}{
			"segments":   len(segs),
			"backend":    o.backend.Name(),
			"elapsed_ms": sm.Elapsed().Milliseconds(),
		},
	})
	return segs, nil
}

func (o *Orchestrator) run(ctx context.Context, sm *StateMachine, up Upload, opts asr.Options) ([]transcript.Segment, error) {
	h, err := o.store.Acquire(up.Body, mediastore.ExtFromFilename(up.Filename))
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := h.Release(); rerr != nil {
			o.logger.Log(diaglog.LogEntry{
				Component: diaglog.ComponentMediaStore,
				Event:     diaglog.EventRequestFailed,
				RequestID: up.RequestID,
				Reason:    "release: " + rerr.Error(),
			})
		}
	}()

	if h.Size == 0 {
		return nil, &ClientInputError{Message: MsgEmptyUpload}
	}
	det, err := media.Detect(h.InputPath, up.ContentType)
	switch {
	case errors.Is(err, media.ErrEmptyMedia):
		return nil, &ClientInputError{Message: MsgEmptyUpload}
	case errors.Is(err, media.ErrUnsupportedMedia):
		return nil, &ClientInputError{Message: MsgUnsupportedMedia}
	case err != nil:
		return nil, &mediastore.StorageError{Op: "read", Path: h.InputPath, Err: err}
	}
	kind := det.Kind
	if up.Field == "video" {
		kind = media.KindVideo
	}
	o.advance(sm, up.RequestID, StateStored)

	audio, err := o.transcoder.Normalize(ctx, h.InputPath, h.Dir, kind)
	if err != nil {
		return nil, err
	}
	o.advance(sm, up.RequestID, StateNormalized)

	raw, err := o.backend.Transcribe(ctx, audio, opts)
	// Normalized audio is consumed exactly once; drop it before reshaping.
	_ = audio.Remove()
	if err != nil {
		return nil, err
	}

	segs, err := transcript.Normalize(raw)
	if err != nil {
		return nil, err
	}
	o.advance(sm, up.RequestID, StateTranscribed)
	return segs, nil
}

func (o *Orchestrator) advance(sm *StateMachine, requestID string, next State) {
	if err := sm.Advance(next); err != nil {
		// Unreachable unless run() reorders its stages.
		panic(err)
	}
	o.emit(requestID, next)
}

func (o *Orchestrator) emit(requestID string, s State) {
	o.logger.Log(diaglog.LogEntry{
		Component: diaglog.ComponentPipeline,
		Event:     diaglog.EventStageEnter,
		RequestID: requestID,
		Payload:   map[string]interface{}{"state": string(s)},
	})
	if o.OnStage != nil {
		o.OnStage(requestID, s)
	}
}

// classify wraps err in *Error according to the stage-specific type it wraps.
func (o *Orchestrator) classify(stage State, err error) *Error {
	var (
		ce *ClientInputError
		se *mediastore.StorageError
		te *media.TranscodeError
		ae *asr.TranscriptionError
	)
	kind := KindTranscription
	switch {
	case errors.As(err, &ce):
		kind = KindClientInput
	case errors.As(err, &se):
		kind = KindStorage
	case errors.As(err, &te):
		kind = KindTranscode
	case errors.As(err, &ae):
		kind = KindTranscription
	default:
		// Anything unclassified came from the backend boundary.
		err = &asr.TranscriptionError{Backend: o.backend.Name(), Err: err}
	}
	return &Error{Stage: stage, Kind: kind, Err: err}
}
