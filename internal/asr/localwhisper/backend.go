// Package localwhisper runs a whisper.cpp server as a resident sidecar. The
// model is loaded once when the sidecar starts and stays in memory for the
// lifetime of the gateway.
package localwhisper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/tiroq/whispergate/internal/asr"
	"github.com/tiroq/whispergate/internal/diaglog"
	"github.com/tiroq/whispergate/internal/media"
)

// Compile-time interface checks.
var (
	_ asr.Backend     = (*Backend)(nil)
	_ asr.Starter     = (*Backend)(nil)
	_ asr.ModelLister = (*Backend)(nil)
)

// Config configures the local whisper backend.
type Config struct {
	ServerPath            string // whisper-server binary
	ModelDir              string // directory holding ggml-*.bin files
	Model                 string // tiny|base|small|medium|large
	Device                string // auto|cpu|gpu
	ComputeType           string // default|float16|int8|int5
	Threads               int    // 0 = server default
	Port                  int    // default 8910
	StartupTimeoutSeconds int    // default 120
	VADModelPath          string // silero model; required when VAD is requested

	// Endpoint attaches to an already running server instead of spawning one.
	Endpoint string
}

// Backend forwards transcription calls to the sidecar. A whisper.cpp server
// holds a single model context, so calls are serialized by mu.
type Backend struct {
	cfg      Config
	endpoint string
	client   *http.Client

	mu sync.Mutex // serializes inference

	procMu  sync.Mutex
	cmd     *exec.Cmd
	exited  chan struct{}
	waitErr error
	stderr  *tailBuffer

	logger   *diaglog.Logger
	loggerMu sync.RWMutex
}

// NewBackend creates a local whisper backend. The sidecar is not started
// until Start is called.
func NewBackend(cfg Config) *Backend {
	if cfg.Model == "" {
		cfg.Model = "base"
	}
	if cfg.Port <= 0 {
		cfg.Port = 8910
	}
	if cfg.StartupTimeoutSeconds <= 0 {
		cfg.StartupTimeoutSeconds = 120
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "http://127.0.0.1:" + strconv.Itoa(cfg.Port)
	}
	return &Backend{
		cfg:      cfg,
		endpoint: endpoint,
		client:   &http.Client{},
	}
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
	entry.Component = diaglog.ComponentLocalWhisper
	l.Log(entry)
}

// Name returns the backend identifier.
func (b *Backend) Name() string { return "local_whisper" }

// Model returns the configured model size.
func (b *Backend) Model() string { return b.cfg.Model }

// Profile is RIFF wav, which whisper.cpp reads without conversion.
func (b *Backend) Profile() media.Profile { return media.ProfileWAV }

// AvailableModels returns the model sizes the sidecar can be started with.
func (b *Backend) AvailableModels() []string { return asr.ModelSizes }

// ModelFile maps a model size and compute type to a whisper.cpp model file
// name, e.g. ("small", "int8") -> "ggml-small-q8_0.bin".
func ModelFile(size, computeType string) string {
	name := size
	if size == "large" {
		name = "large-v3"
	}
	switch computeType {
	case "int8":
		name += "-q8_0"
	case "int5":
		name += "-q5_1"
	}
	return "ggml-" + name + ".bin"
}

// ModelPath returns the full path of the model file the sidecar loads.
func (b *Backend) ModelPath() string {
	return filepath.Join(b.cfg.ModelDir, ModelFile(b.cfg.Model, b.cfg.ComputeType))
}

// ServerArgs builds the whisper-server command line.
func (b *Backend) ServerArgs() []string {
	args := []string{
		"-m", b.ModelPath(),
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(b.cfg.Port),
	}
	if b.cfg.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(b.cfg.Threads))
	}
	if b.cfg.Device == "cpu" {
		args = append(args, "--no-gpu")
	}
	if b.cfg.VADModelPath != "" {
		args = append(args, "--vad-model", b.cfg.VADModelPath)
	}
	return args
}

// Start launches the sidecar and blocks until it answers /health. With an
// Endpoint configured it only waits for readiness.
func (b *Backend) Start(ctx context.Context) error {
	timeout := time.Duration(b.cfg.StartupTimeoutSeconds) * time.Second
	if b.cfg.Endpoint != "" {
		return b.waitReady(ctx, timeout, nil)
	}

	if _, err := os.Stat(b.cfg.ServerPath); err != nil {
		return fmt.Errorf("localwhisper: server binary not found at %q: %w", b.cfg.ServerPath, err)
	}
	modelPath := b.ModelPath()
	if _, err := os.Stat(modelPath); err != nil {
		return fmt.Errorf("localwhisper: model not found at %q: %w", modelPath, err)
	}

	cmd := exec.Command(b.cfg.ServerPath, b.ServerArgs()...)
	// Own process group so Close can take down anything the server forks.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stderr := &tailBuffer{max: 4096}
	cmd.Stdout = io.Discard
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("localwhisper: failed to start server: %w", err)
	}
	exited := make(chan struct{})

	b.procMu.Lock()
	b.cmd = cmd
	b.exited = exited
	b.stderr = stderr
	b.procMu.Unlock()

	go func() {
		err := cmd.Wait()
		b.procMu.Lock()
		b.waitErr = err
		b.procMu.Unlock()
		close(exited)
		b.log(diaglog.LogEntry{
			Event:   diaglog.EventSidecarExit,
			Reason:  fmt.Sprint(err),
			Payload: map[string]interface{}{"pid": cmd.Process.Pid},
		})
	}()

	b.log(diaglog.LogEntry{
		Event: diaglog.EventSidecarStart,
		Payload: map[string]interface{}{
			"pid":   cmd.Process.Pid,
			"model": modelPath,
			"port":  b.cfg.Port,
		},
	})

	if err := b.waitReady(ctx, timeout, exited); err != nil {
		b.kill()
		return err
	}
	return nil
}

func (b *Backend) waitReady(ctx context.Context, timeout time.Duration, exited <-chan struct{}) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		if b.ping(ctx) == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-exited:
			return fmt.Errorf("localwhisper: server exited before ready: %v: %s", b.exitErr(), b.stderrTail())
		case <-deadline.C:
			return fmt.Errorf("localwhisper: server not ready after %s", timeout)
		case <-tick.C:
		}
	}
}

func (b *Backend) ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http %d", resp.StatusCode)
	}
	return nil
}

// Close stops the sidecar. It is a no-op for attached endpoints.
func (b *Backend) Close() error {
	b.kill()
	return nil
}

func (b *Backend) kill() {
	b.procMu.Lock()
	cmd, exited := b.cmd, b.exited
	b.procMu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	select {
	case <-exited:
		return
	default:
	}

	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-exited
	}
}

// running reports false once a spawned sidecar has exited.
func (b *Backend) running() bool {
	b.procMu.Lock()
	exited := b.exited
	b.procMu.Unlock()
	if exited == nil {
		return true
	}
	select {
	case <-exited:
		return false
	default:
		return true
	}
}

func (b *Backend) exitErr() error {
	b.procMu.Lock()
	defer b.procMu.Unlock()
	return b.waitErr
}

func (b *Backend) stderrTail() string {
	b.procMu.Lock()
	s := b.stderr
	b.procMu.Unlock()
	if s == nil {
		return ""
	}
	return s.String()
}

// inferenceResponse is verbose_json plus the error field whisper.cpp uses
// for failed requests.
type inferenceResponse struct {
	Error string `json:"error"`
	asr.VerboseResponse
}

// Transcribe posts audio to the sidecar's /inference endpoint. It blocks
// while another request holds the model.
func (b *Backend) Transcribe(ctx context.Context, audio media.NormalizedAudio, opts asr.Options) (*asr.Transcript, error) {
	if opts.VADFilter && b.cfg.VADModelPath == "" {
		return nil, asr.Errorf(b.Name(), "vad_filter requested but no VAD model is configured")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running() {
		return nil, asr.Errorf(b.Name(), "server is not running: %v: %s", b.exitErr(), b.stderrTail())
	}

	f, err := audio.Open()
	if err != nil {
		return nil, asr.Errorf(b.Name(), "open audio: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(b.writeForm(writer, f, filepath.Base(audio.Path), opts))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint+"/inference", pr)
	if err != nil {
		_ = pr.Close()
		return nil, asr.Errorf(b.Name(), "create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	start := time.Now()
	resp, err := b.client.Do(req)
	if err != nil {
		_ = pr.Close()
		return nil, asr.Errorf(b.Name(), "inference request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, asr.Errorf(b.Name(), "read response: %w", err)
	}
	b.log(diaglog.LogEntry{
		Event: diaglog.EventBackendCall,
		Payload: map[string]interface{}{
			"status":     resp.StatusCode,
			"model":      b.cfg.Model,
			"latency_ms": time.Since(start).Milliseconds(),
		},
	})

	var parsed inferenceResponse
	jsonErr := json.Unmarshal(data, &parsed)
	if resp.StatusCode != http.StatusOK {
		if jsonErr == nil && parsed.Error != "" {
			return nil, asr.Errorf(b.Name(), "http %d: %s", resp.StatusCode, parsed.Error)
		}
		return nil, asr.Errorf(b.Name(), "http %d: %s", resp.StatusCode, truncate(data, 200))
	}
	if jsonErr != nil {
		return nil, asr.Errorf(b.Name(), "malformed response: %w", jsonErr)
	}
	if parsed.Error != "" {
		return nil, asr.Errorf(b.Name(), "inference failed: %s", parsed.Error)
	}

	t, err := parsed.Transcript(b.Name(), b.cfg.Model)
	if err != nil {
		return nil, asr.Errorf(b.Name(), "malformed response: %w", err)
	}
	return t, nil
}

func (b *Backend) writeForm(w *multipart.Writer, audio io.Reader, name string, opts asr.Options) error {
	fields := [][2]string{
		{"response_format", "verbose_json"},
		{"temperature", "0.0"},
	}
	if opts.BeamSize > 0 {
		fields = append(fields, [2]string{"beam_size", strconv.Itoa(opts.BeamSize)})
	}
	if opts.VADFilter {
		fields = append(fields,
			[2]string{"vad", "true"},
			[2]string{"vad_min_silence_duration_ms", strconv.Itoa(opts.VADMinSilenceMs)},
			[2]string{"vad_speech_pad_ms", strconv.Itoa(opts.VADSpeechPadMs)},
		)
	}
	if opts.Language != "" {
		fields = append(fields, [2]string{"language", opts.Language})
	}
	if opts.Prompt != "" {
		fields = append(fields, [2]string{"prompt", opts.Prompt})
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

// HealthCheck pings the sidecar.
func (b *Backend) HealthCheck(ctx context.Context) (*asr.HealthStatus, error) {
	status := &asr.HealthStatus{Backend: b.Name()}
	if !b.running() {
		status.Message = fmt.Sprintf("server exited: %v", b.exitErr())
		return status, nil
	}
	start := time.Now()
	err := b.ping(ctx)
	status.Latency = time.Since(start)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		status.Message = fmt.Sprintf("server unreachable: %v", err)
		return status, nil
	}
	status.OK = true
	status.Message = fmt.Sprintf("model %s loaded", b.cfg.Model)
	return status, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
