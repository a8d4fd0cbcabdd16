// Package remotewhisper is an asr.Backend for OpenAI-compatible
// /audio/transcriptions endpoints.
package remotewhisper

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tiroq/whispergate/internal/asr"
	"github.com/tiroq/whispergate/internal/diaglog"
	"github.com/tiroq/whispergate/internal/media"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "whisper-1"
)

// Compile-time interface check.
var _ asr.Backend = (*Client)(nil)

// Config configures the remote API client.
type Config struct {
	BaseURL        string
	APIKey         string // sent as Bearer
	Model          string // default "whisper-1"
	TimeoutSeconds int    // 0 = no client-side timeout
	Models         []string
}

// Client calls a remote transcription API once per request. It holds no
// per-request state and is safe for concurrent use.
type Client struct {
	cfg    Config
	client *http.Client

	logger   *diaglog.Logger
	loggerMu sync.RWMutex
}

// NewClient creates a new remote API client.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("remotewhisper: missing API key (set OPENAI_API_KEY)")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	return &Client{
		cfg: cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
	}, nil
}

// SetLogger injects a diaglog.Logger for debug logging.
func (c *Client) SetLogger(l *diaglog.Logger) {
	c.loggerMu.Lock()
	c.logger = l
	c.loggerMu.Unlock()
}

func (c *Client) log(entry diaglog.LogEntry) {
	c.loggerMu.RLock()
	l := c.logger
	c.loggerMu.RUnlock()
	if l == nil {
		return
	}
	entry.Component = diaglog.ComponentRemoteWhisper
	l.Log(entry)
}

// Name returns the backend identifier.
func (c *Client) Name() string { return "remote_whisper_api" }

// Model returns the remote model name.
func (c *Client) Model() string { return c.cfg.Model }

// Profile: compact mp3 keeps uploads well under hosted API size limits.
func (c *Client) Profile() media.Profile { return media.ProfileMP3 }

// AvailableModels lists configured model names, defaulting to the active one.
func (c *Client) AvailableModels() []string {
	if len(c.cfg.Models) > 0 {
		return c.cfg.Models
	}
	return []string{c.cfg.Model}
}

// URL resolves relPath against the configured base URL.
func (c *Client) URL(relPath string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(relPath, "/")
}

// Transcribe uploads audio and decodes the verbose_json answer. No retries:
// a failed call fails the request.
func (c *Client) Transcribe(ctx context.Context, audio media.NormalizedAudio, opts asr.Options) (*asr.Transcript, error) {
	f, err := audio.Open()
	if err != nil {
		return nil, asr.Errorf(c.Name(), "open audio: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	// Write multipart in a goroutine so the pipe feeds the request body.
	go func() {
		pw.CloseWithError(c.writeForm(writer, f, filepath.Base(audio.Path), opts))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL("audio/transcriptions"), pr)
	if err != nil {
		_ = pr.Close()
		return nil, asr.Errorf(c.Name(), "create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip, deflate")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		_ = pr.Close()
		return nil, asr.Errorf(c.Name(), "http request: %w", err)
	}
	defer resp.Body.Close()

	c.log(diaglog.LogEntry{
		Event: diaglog.EventBackendCall,
		Payload: map[string]interface{}{
			"status":     resp.StatusCode,
			"model":      c.cfg.Model,
			"latency_ms": time.Since(start).Milliseconds(),
		},
	})

	body, err := decodedBody(resp)
	if err != nil {
		return nil, asr.Errorf(c.Name(), "decode body: %w", err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, asr.Errorf(c.Name(), "read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, asr.Errorf(c.Name(), "http %d: %s", resp.StatusCode, apiErrorMessage(data))
	}

	var parsed asr.VerboseResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, asr.Errorf(c.Name(), "malformed response: %w", err)
	}
	t, err := parsed.Transcript(c.Name(), c.cfg.Model)
	if err != nil {
		return nil, asr.Errorf(c.Name(), "malformed response: %w", err)
	}
	return t, nil
}

func (c *Client) writeForm(w *multipart.Writer, audio io.Reader, name string, opts asr.Options) error {
	fields := [][2]string{
		{"model", c.cfg.Model},
		{"response_format", "verbose_json"},
		{"timestamp_granularities[]", "segment"},
		{"timestamp_granularities[]", "word"},
	}
	if opts.Prompt != "" {
		fields = append(fields, [2]string{"prompt", opts.Prompt})
	}
	if opts.Language != "" {
		fields = append(fields, [2]string{"language", opts.Language})
	}
	for _, kv := range fields {
		if err := w.WriteField(kv[0], kv[1]); err != nil {
			return fmt.Errorf("write field %s: %w", kv[0], err)
		}
	}

	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, audio); err != nil {
		return fmt.Errorf("copy audio data: %w", err)
	}
	return w.Close()
}

// HealthCheck lists models, which needs a valid key but no audio.
func (c *Client) HealthCheck(ctx context.Context) (*asr.HealthStatus, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL("models"), nil)
	if err != nil {
		return nil, fmt.Errorf("create health request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return &asr.HealthStatus{
			Backend: c.Name(),
			Message: fmt.Sprintf("health check failed: %v", err),
			Latency: latency,
		}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &asr.HealthStatus{
			Backend: c.Name(),
			Message: fmt.Sprintf("unhealthy: http %d: %s", resp.StatusCode, apiErrorMessage(body)),
			Latency: latency,
		}, nil
	}
	return &asr.HealthStatus{OK: true, Backend: c.Name(), Message: "healthy", Latency: latency}, nil
}

// ── helpers ──────────────────────────────────────────────────────────────────

// decodedBody unwraps gzip/deflate content encodings. net/http only does this
// transparently when it added Accept-Encoding itself.
func decodedBody(resp *http.Response) (io.ReadCloser, error) {
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		return gzip.NewReader(resp.Body)
	case "deflate":
		return flate.NewReader(resp.Body), nil
	default:
		return io.NopCloser(resp.Body), nil
	}
}

// apiErrorMessage extracts {"error":{"message":...}} or falls back to the
// truncated body.
func apiErrorMessage(body []byte) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return truncate(body, 200)
}

// truncate returns the first n bytes of body as a string.
func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
