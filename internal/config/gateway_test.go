package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// ─────────────────────────────────────────────────────────────────────────────
// Defaults / Load
// ─────────────────────────────────────────────────────────────────────────────

func TestDefaults_valid(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoad_missingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:5000" {
		t.Errorf("listen_addr = %q", cfg.ListenAddr)
	}
	if cfg.Options.Prompt != DefaultPrompt {
		t.Errorf("default prompt = %q", cfg.Options.Prompt)
	}
	if cfg.Options.BeamSize != 5 || !cfg.Options.VADFilter {
		t.Errorf("unexpected default options %+v", cfg.Options)
	}
}

func TestLoad_overlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.json")
	body := `{"backend":"local_whisper","local":{"model":"small","device":"cpu","compute_type":"int8","port":9000,"vad_model":"/models/ggml-silero-v5.1.2.bin"},"options":{"beam_size":3}}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend != BackendLocal {
		t.Errorf("backend = %q", cfg.Backend)
	}
	if cfg.Local.Model != "small" || cfg.Local.Port != 9000 {
		t.Errorf("local = %+v", cfg.Local)
	}
	if cfg.Options.BeamSize != 3 {
		t.Errorf("beam_size = %d", cfg.Options.BeamSize)
	}
	// Untouched keys keep their defaults.
	if cfg.MaxUploadMB != 200 {
		t.Errorf("max_upload_mb = %d, want default 200", cfg.MaxUploadMB)
	}
	if cfg.Local.StartupTimeoutSeconds != 120 {
		t.Errorf("startup_timeout_seconds = %d", cfg.Local.StartupTimeoutSeconds)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoad_malformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSave_roundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "gateway.json")
	cfg := Defaults()
	cfg.ServiceName = "asr-edge"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ServiceName != "asr-edge" {
		t.Errorf("service_name = %q", got.ServiceName)
	}
}

func TestSave_rejectsInvalid(t *testing.T) {
	cfg := Defaults()
	cfg.Backend = "nope"
	if err := Save(filepath.Join(t.TempDir(), "gateway.json"), cfg); err == nil {
		t.Fatal("expected validation error")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Validate
// ─────────────────────────────────────────────────────────────────────────────

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*GatewayConfig)
		wantErr string
	}{
		{"empty listen addr", func(c *GatewayConfig) { c.ListenAddr = " " }, "listen_addr"},
		{"unknown backend", func(c *GatewayConfig) { c.Backend = "whisperx" }, "backend must be one of"},
		{"zero upload limit", func(c *GatewayConfig) { c.MaxUploadMB = 0 }, "max_upload_mb"},
		{"no media root", func(c *GatewayConfig) { c.MediaRoot = "" }, "media_root"},
		{"beam too small", func(c *GatewayConfig) { c.Options.BeamSize = 0 }, "beam_size must be between 1 and 10"},
		{"beam too large", func(c *GatewayConfig) { c.Options.BeamSize = 11 }, "beam_size must be between 1 and 10"},
		{"negative silence", func(c *GatewayConfig) { c.Options.VADMinSilenceMs = -1 }, "vad_min_silence_ms"},
		{"negative pad", func(c *GatewayConfig) { c.Options.VADSpeechPadMs = -1 }, "vad_speech_pad_ms"},
		{"local bad model", func(c *GatewayConfig) {
			c.Backend = BackendLocal
			c.Local.Model = "huge"
		}, "local.model"},
		{"local bad device", func(c *GatewayConfig) {
			c.Backend = BackendLocal
			c.Local.Device = "tpu"
		}, "local.device"},
		{"local bad compute", func(c *GatewayConfig) {
			c.Backend = BackendLocal
			c.Local.ComputeType = "int4"
		}, "local.compute_type"},
		{"local bad port", func(c *GatewayConfig) {
			c.Backend = BackendLocal
			c.Local.Port = 70000
		}, "local.port"},
		{"local vad without model", func(c *GatewayConfig) {
			c.Backend = BackendLocal
			c.Local.VADModel = ""
		}, "local.vad_model is required"},
		{"remote no url", func(c *GatewayConfig) { c.Remote.BaseURL = "" }, "remote.base_url"},
		{"remote negative timeout", func(c *GatewayConfig) { c.Remote.TimeoutSeconds = -5 }, "remote.timeout_seconds"},
		{"vosk http url", func(c *GatewayConfig) {
			c.Backend = BackendVosk
			c.Vosk.URL = "http://localhost:2700"
		}, "vosk.url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_backendSpecificFieldsIgnoredWhenUnused(t *testing.T) {
	cfg := Defaults()
	cfg.Backend = BackendRemote
	cfg.Local.Model = "huge"
	cfg.Vosk.URL = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("inactive backend sections should not be validated: %v", err)
	}
}

func TestValidate_localVAD(t *testing.T) {
	cfg := Defaults()
	cfg.Backend = BackendLocal
	cfg.Options.VADFilter = false
	if err := cfg.Validate(); err != nil {
		t.Errorf("local without VAD should validate: %v", err)
	}

	cfg.Options.VADFilter = true
	cfg.Local.VADModel = "/models/ggml-silero-v5.1.2.bin"
	if err := cfg.Validate(); err != nil {
		t.Errorf("local with a VAD model should validate: %v", err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// ApplyEnv / Options
// ─────────────────────────────────────────────────────────────────────────────

func TestApplyEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OPENAI_BASE_URL", "http://proxy.local/v1")
	t.Setenv("WHISPERGATE_BACKEND", "local_whisper")
	t.Setenv("WHISPERGATE_ADDR", "127.0.0.1:6000")
	t.Setenv("WHISPERGATE_MODEL", "medium")
	t.Setenv("WHISPERGATE_DEVICE", "cpu")
	t.Setenv("WHISPERGATE_COMPUTE_TYPE", "  ")

	cfg := Defaults()
	cfg.ApplyEnv()

	if cfg.Remote.APIKey != "sk-test" {
		t.Errorf("api key = %q", cfg.Remote.APIKey)
	}
	if cfg.Remote.BaseURL != "http://proxy.local/v1" {
		t.Errorf("base url = %q", cfg.Remote.BaseURL)
	}
	if cfg.Backend != BackendLocal || cfg.ListenAddr != "127.0.0.1:6000" {
		t.Errorf("backend/addr = %q/%q", cfg.Backend, cfg.ListenAddr)
	}
	if cfg.Local.Model != "medium" || cfg.Local.Device != "cpu" {
		t.Errorf("local = %+v", cfg.Local)
	}
	if cfg.Local.ComputeType != "default" {
		t.Errorf("blank env var should not override, got %q", cfg.Local.ComputeType)
	}
}

func TestOptionsASR(t *testing.T) {
	o := Options{BeamSize: 4, VADFilter: true, VADMinSilenceMs: 300, VADSpeechPadMs: 200, Prompt: "p", Language: "fr"}
	got := o.ASR()
	if got.BeamSize != 4 || !got.VADFilter || got.VADMinSilenceMs != 300 || got.VADSpeechPadMs != 200 {
		t.Errorf("numeric fields not carried: %+v", got)
	}
	if got.Prompt != "p" || got.Language != "fr" {
		t.Errorf("text fields not carried: %+v", got)
	}
}

func TestStartupOnlyChanges(t *testing.T) {
	a := Defaults()
	b := Defaults()
	b.Options.BeamSize = 2
	if got := a.StartupOnlyChanges(b); len(got) != 0 {
		t.Errorf("options change reported as startup-only: %v", got)
	}

	b.Backend = BackendVosk
	b.MediaRoot = "/elsewhere"
	b.Local.Port = 9999
	got := a.StartupOnlyChanges(b)
	want := []string{"backend", "media_root", "local"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
