// Package voskws is an asr.Backend speaking the Vosk server websocket
// protocol. Audio is streamed as raw 16 kHz s16le frames and each final
// recognition result becomes one segment.
package voskws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tiroq/whispergate/internal/asr"
	"github.com/tiroq/whispergate/internal/diaglog"
	"github.com/tiroq/whispergate/internal/media"
)

// FrameSize is the number of audio bytes sent per binary message
// (0.25 s of 16 kHz mono s16le).
const FrameSize = 8000

// Compile-time interface check.
var _ asr.Backend = (*Backend)(nil)

// Config holds Vosk server settings.
type Config struct {
	URL            string // e.g. ws://localhost:2700
	Model          string // informational, reported by /models
	TimeoutSeconds int    // dial/handshake timeout, default 10
}

// Backend opens one websocket session per Transcribe call.
type Backend struct {
	cfg    Config
	dialer *websocket.Dialer

	logger   *diaglog.Logger
	loggerMu sync.RWMutex
}

// NewBackend creates a Vosk backend.
func NewBackend(cfg Config) (*Backend, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("voskws: missing server url")
	}
	if cfg.Model == "" {
		cfg.Model = "vosk"
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 10
	}
	return &Backend{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
	}, nil
}

// SetLogger injects a diaglog.Logger for debug logging.
func (b *Backend) SetLogger(l *diaglog.Logger) {
	b.loggerMu.Lock()
	b.logger = l
	b.loggerMu.Unlock()
}

func (b *Backend) log(entry diaglog.LogEntry) {
	b.loggerMu.RLock()
	l := b.logger
	b.loggerMu.RUnlock()
	if l == nil {
		return
	}
	entry.Component = diaglog.ComponentVosk
	l.Log(entry)
}

// Name returns the backend identifier.
func (b *Backend) Name() string { return "vosk_ws" }

// Model returns the configured model label.
func (b *Backend) Model() string { return b.cfg.Model }

// Profile is headerless PCM, the only input Vosk accepts.
func (b *Backend) Profile() media.Profile { return media.ProfilePCM }

type configMessage struct {
	Config struct {
		SampleRate int `json:"sample_rate"`
		Words      int `json:"words"`
	} `json:"config"`
}

type resultWord struct {
	Word  string      `json:"word"`
	Start asr.Seconds `json:"start"`
	End   asr.Seconds `json:"end"`
	Conf  float64     `json:"conf"`
}

// message is any server reply: a partial, a final result or an error.
type message struct {
	Partial string       `json:"partial"`
	Text    *string      `json:"text"`
	Result  []resultWord `json:"result"`
	Error   string       `json:"error"`
}

// Transcribe streams the audio and collects final results.
func (b *Backend) Transcribe(ctx context.Context, audio media.NormalizedAudio, opts asr.Options) (*asr.Transcript, error) {
	f, err := audio.Open()
	if err != nil {
		return nil, asr.Errorf(b.Name(), "open audio: %w", err)
	}
	defer f.Close()

	start := time.Now()
	conn, _, err := b.dialer.DialContext(ctx, b.cfg.URL, nil)
	if err != nil {
		return nil, asr.Errorf(b.Name(), "dial %s: %w", b.cfg.URL, err)
	}
	defer conn.Close()

	var cfg configMessage
	cfg.Config.SampleRate = media.SampleRate
	cfg.Config.Words = 1
	if err := conn.WriteJSON(cfg); err != nil {
		return nil, asr.Errorf(b.Name(), "send config: %w", err)
	}

	t := &asr.Transcript{Backend: b.Name(), Model: b.cfg.Model, Language: opts.Language}
	frames, sent := 0, 0
	buf := make([]byte, FrameSize)
	for {
		n, rerr := io.ReadFull(f, buf)
		if n > 0 {
			if err := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); err != nil {
				return nil, asr.Errorf(b.Name(), "send frame %d: %w", frames, err)
			}
			frames++
			sent += n
			if err := b.readReply(conn, t, offset(sent)); err != nil {
				return nil, err
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return nil, asr.Errorf(b.Name(), "read audio: %w", rerr)
		}
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"eof" : 1}`)); err != nil {
		return nil, asr.Errorf(b.Name(), "send eof: %w", err)
	}
	if err := b.readReply(conn, t, offset(sent)); err != nil {
		return nil, err
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	t.Duration = offset(sent)

	b.log(diaglog.LogEntry{
		Event: diaglog.EventBackendCall,
		Payload: map[string]interface{}{
			"frames":     frames,
			"segments":   len(t.Segments),
			"latency_ms": time.Since(start).Milliseconds(),
		},
	})
	return t, nil
}

// offset converts a count of streamed s16le mono bytes to seconds.
func offset(n int) float64 {
	return float64(n) / float64(2*media.SampleRate)
}

// readReply reads one server message and appends it to t when it is a final
// result with content. at is the audio position streamed so far; it bounds
// results that carry no word timings.
func (b *Backend) readReply(conn *websocket.Conn, t *asr.Transcript, at float64) error {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return asr.Errorf(b.Name(), "read result: %w", err)
	}
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return asr.Errorf(b.Name(), "malformed result: %w", err)
	}
	if msg.Error != "" {
		return asr.Errorf(b.Name(), "server error: %s", msg.Error)
	}
	if msg.Text == nil || (len(msg.Result) == 0 && strings.TrimSpace(*msg.Text) == "") {
		return nil
	}

	seg := asr.Segment{Text: *msg.Text}
	for _, w := range msg.Result {
		seg.Words = append(seg.Words, asr.Word{Word: w.Word, Start: float64(w.Start), End: float64(w.End)})
	}
	if n := len(seg.Words); n > 0 {
		seg.Start = seg.Words[0].Start
		seg.End = seg.Words[n-1].End
	} else {
		if n := len(t.Segments); n > 0 {
			seg.Start = t.Segments[n-1].End
		}
		seg.End = math.Max(at, seg.Start)
	}
	t.Segments = append(t.Segments, seg)
	return nil
}

// HealthCheck opens and closes a websocket session.
func (b *Backend) HealthCheck(ctx context.Context) (*asr.HealthStatus, error) {
	status := &asr.HealthStatus{Backend: b.Name()}
	start := time.Now()
	conn, _, err := b.dialer.DialContext(ctx, b.cfg.URL, nil)
	status.Latency = time.Since(start)
	if err != nil {
		status.Message = fmt.Sprintf("dial failed: %v", err)
		return status, nil
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()

	status.OK = true
	status.Message = "server reachable"
	return status, nil
}
