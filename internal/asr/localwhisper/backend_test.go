package localwhisper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tiroq/whispergate/internal/asr"
	"github.com/tiroq/whispergate/internal/media"
)

// writeFakeScript creates an executable shell script in dir.
func writeFakeScript(t *testing.T, dir, name, script string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("failed to write fake script: %v", err)
	}
	return path
}

func tempWAV(t *testing.T) media.NormalizedAudio {
	t.Helper()
	path := filepath.Join(t.TempDir(), "normalized.wav")
	if err := os.WriteFile(path, []byte("RIFF fake"), 0644); err != nil {
		t.Fatal(err)
	}
	return media.NormalizedAudio{Path: path, Profile: media.ProfileWAV, Kind: media.KindAudio}
}

const inferenceBody = `{
	"task": "transcribe",
	"language": "en",
	"duration": 6.0,
	"text": " Hello world. Second segment.",
	"segments": [
		{"id": 0, "start": 0.0, "end": 3.0, "text": " Hello world.",
		 "words": [{"word": " Hello", "start": 0.0, "end": 0.5, "probability": 0.9},
		           {"word": " world.", "start": 0.6, "end": 1.1, "probability": 0.8}]},
		{"id": 1, "start": 3.0, "end": 6.0, "text": " Second segment."}
	]
}`

func TestName(t *testing.T) {
	b := NewBackend(Config{})
	if b.Name() != "local_whisper" {
		t.Errorf("expected name %q, got %q", "local_whisper", b.Name())
	}
	if b.Model() != "base" {
		t.Errorf("default model = %q", b.Model())
	}
	if b.Profile() != media.ProfileWAV {
		t.Errorf("profile = %+v", b.Profile())
	}
	if len(b.AvailableModels()) != 5 {
		t.Errorf("AvailableModels = %v", b.AvailableModels())
	}
}

func TestModelFile(t *testing.T) {
	tests := []struct {
		size, compute, want string
	}{
		{"base", "default", "ggml-base.bin"},
		{"small", "float16", "ggml-small.bin"},
		{"small", "int8", "ggml-small-q8_0.bin"},
		{"medium", "int5", "ggml-medium-q5_1.bin"},
		{"large", "", "ggml-large-v3.bin"},
		{"tiny", "int8", "ggml-tiny-q8_0.bin"},
	}
	for _, tt := range tests {
		if got := ModelFile(tt.size, tt.compute); got != tt.want {
			t.Errorf("ModelFile(%q, %q) = %q, want %q", tt.size, tt.compute, got, tt.want)
		}
	}
}

func TestServerArgs(t *testing.T) {
	b := NewBackend(Config{
		ModelDir:     "/models",
		Model:        "small",
		ComputeType:  "int8",
		Device:       "cpu",
		Threads:      4,
		Port:         9001,
		VADModelPath: "/models/silero.bin",
	})
	got := strings.Join(b.ServerArgs(), " ")
	want := "-m /models/ggml-small-q8_0.bin --host 127.0.0.1 --port 9001 -t 4 --no-gpu --vad-model /models/silero.bin"
	if got != want {
		t.Errorf("ServerArgs:\n got %s\nwant %s", got, want)
	}

	gpu := NewBackend(Config{ModelDir: "/m", Device: "gpu"})
	if strings.Contains(strings.Join(gpu.ServerArgs(), " "), "--no-gpu") {
		t.Error("gpu device must not disable gpu")
	}
}

func TestTranscribe_Success(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/inference" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		want := map[string]string{
			"response_format":             "verbose_json",
			"beam_size":                   "5",
			"vad":                         "true",
			"vad_min_silence_duration_ms": "500",
			"vad_speech_pad_ms":           "400",
			"language":                    "en",
			"prompt":                      "glossary",
		}
		for k, v := range want {
			if got := r.FormValue(k); got != v {
				t.Errorf("%s = %q, want %q", k, got, v)
			}
		}
		if _, _, err := r.FormFile("file"); err != nil {
			t.Errorf("expected file field: %v", err)
		}
		fmt.Fprint(w, inferenceBody)
	}))
	defer ts.Close()

	b := NewBackend(Config{Endpoint: ts.URL, Model: "small", VADModelPath: "/vad.bin"})
	tr, err := b.Transcribe(context.Background(), tempWAV(t), asr.Options{
		BeamSize:        5,
		VADFilter:       true,
		VADMinSilenceMs: 500,
		VADSpeechPadMs:  400,
		Language:        "en",
		Prompt:          "glossary",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.Backend != "local_whisper" || tr.Model != "small" || tr.Language != "en" {
		t.Errorf("metadata = %+v", tr)
	}
	if len(tr.Segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(tr.Segments))
	}
	if len(tr.Segments[0].Words) != 2 || tr.Segments[1].Words != nil {
		t.Errorf("words not carried per segment: %+v", tr.Segments)
	}
}

func TestTranscribe_VADWithoutModelRefused(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, inferenceBody)
	}))
	defer ts.Close()

	b := NewBackend(Config{Endpoint: ts.URL})
	_, err := b.Transcribe(context.Background(), tempWAV(t), asr.Options{VADFilter: true})
	var te *asr.TranscriptionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TranscriptionError, got %v", err)
	}
	if !strings.Contains(err.Error(), "no VAD model") {
		t.Errorf("error should name the missing VAD model: %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 0 {
		t.Errorf("server should not be called, got %d calls", n)
	}
}

func TestTranscribe_NoVADFieldsWhenDisabled(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseMultipartForm(10 << 20)
		if _, ok := r.MultipartForm.Value["vad"]; ok {
			t.Error("vad must not be sent when vad_filter is off")
		}
		fmt.Fprint(w, inferenceBody)
	}))
	defer ts.Close()

	b := NewBackend(Config{Endpoint: ts.URL, VADModelPath: "/vad.bin"})
	if _, err := b.Transcribe(context.Background(), tempWAV(t), asr.Options{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTranscribe_Failures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{"engine error", http.StatusOK, `{"error":"failed to read WAV file"}`, "failed to read WAV file"},
		{"http error", http.StatusInternalServerError, `{"error":"model crashed"}`, "model crashed"},
		{"not json", http.StatusOK, `garbage`, "malformed response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer ts.Close()

			_, err := NewBackend(Config{Endpoint: ts.URL}).Transcribe(context.Background(), tempWAV(t), asr.Options{})
			var te *asr.TranscriptionError
			if !errors.As(err, &te) {
				t.Fatalf("expected TranscriptionError, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q should contain %q", err, tt.wantMsg)
			}
		})
	}
}

func TestTranscribe_Serialized(t *testing.T) {
	var inflight, peak int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inflight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inflight, -1)
		fmt.Fprint(w, inferenceBody)
	}))
	defer ts.Close()

	b := NewBackend(Config{Endpoint: ts.URL})
	audio := tempWAV(t)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.Transcribe(context.Background(), audio, asr.Options{}); err != nil {
				t.Errorf("transcribe: %v", err)
			}
		}()
	}
	wg.Wait()
	if p := atomic.LoadInt32(&peak); p != 1 {
		t.Errorf("expected serialized inference, peak concurrency %d", p)
	}
}

func TestStart_AttachedEndpoint(t *testing.T) {
	var ready atomic.Bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if !ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			ready.Store(true)
			return
		}
		fmt.Fprint(w, `{"status":"ok"}`)
	}))
	defer ts.Close()

	b := NewBackend(Config{Endpoint: ts.URL, StartupTimeoutSeconds: 5})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	hs, err := b.HealthCheck(context.Background())
	if err != nil || !hs.OK {
		t.Fatalf("expected healthy, got %+v err=%v", hs, err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("Close on attached endpoint: %v", err)
	}
}

func TestStart_MissingBinaryOrModel(t *testing.T) {
	dir := t.TempDir()
	b := NewBackend(Config{ServerPath: filepath.Join(dir, "nope"), ModelDir: dir})
	if err := b.Start(context.Background()); err == nil || !strings.Contains(err.Error(), "binary not found") {
		t.Errorf("expected missing binary error, got %v", err)
	}

	bin := writeFakeScript(t, dir, "whisper-server", "#!/bin/sh\nexit 0\n")
	b = NewBackend(Config{ServerPath: bin, ModelDir: dir, Model: "base"})
	if err := b.Start(context.Background()); err == nil || !strings.Contains(err.Error(), "model not found") {
		t.Errorf("expected missing model error, got %v", err)
	}
}

func TestStart_ServerExitsEarly(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "ggml-base.bin"), []byte("model"), 0644); err != nil {
		t.Fatal(err)
	}
	bin := writeFakeScript(t, dir, "whisper-server", "#!/bin/sh\necho 'error: failed to load model' >&2\nexit 3\n")

	b := NewBackend(Config{ServerPath: bin, ModelDir: dir, Port: freePortHint(), StartupTimeoutSeconds: 10})
	err := b.Start(context.Background())
	if err == nil {
		t.Fatal("expected start failure")
	}
	if !strings.Contains(err.Error(), "failed to load model") {
		t.Errorf("error should carry stderr tail, got %v", err)
	}

	_, err = b.Transcribe(context.Background(), tempWAV(t), asr.Options{})
	var te *asr.TranscriptionError
	if !errors.As(err, &te) {
		t.Errorf("transcribe after exit should fail with TranscriptionError, got %v", err)
	}
	hs, _ := b.HealthCheck(context.Background())
	if hs == nil || hs.OK {
		t.Errorf("health should report exited server, got %+v", hs)
	}
}

func TestStart_TimeoutKillsServer(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "ggml-base.bin"), []byte("model"), 0644); err != nil {
		t.Fatal(err)
	}
	bin := writeFakeScript(t, dir, "whisper-server", "#!/bin/sh\nsleep 30\n")

	b := NewBackend(Config{ServerPath: bin, ModelDir: dir, Port: freePortHint(), StartupTimeoutSeconds: 1})
	start := time.Now()
	err := b.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "not ready") {
		t.Fatalf("expected readiness timeout, got %v", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Errorf("sidecar was not killed promptly")
	}
	if b.running() {
		t.Error("sidecar should have exited after a failed start")
	}
}

// freePortHint returns a port unlikely to have a listener so readiness
// polling fails fast with connection refused.
func freePortHint() int {
	ts := httptest.NewServer(http.NotFoundHandler())
	_, port, _ := net.SplitHostPort(ts.Listener.Addr().String())
	ts.Close()
	p, _ := strconv.Atoi(port)
	return p
}
