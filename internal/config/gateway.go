package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/lo"

	"github.com/tiroq/whispergate/internal/asr"
)

// Backend names accepted in "backend".
const (
	BackendLocal  = "local_whisper"
	BackendRemote = "remote_whisper_api"
	BackendVosk   = "vosk_ws"
)

// DefaultPrompt biases the engines toward the interview recordings the
// gateway was built for. Set options.prompt to "" to send none.
const DefaultPrompt = "This is an interview conversation between an AI interviewer and a job candidate."

var (
	backends     = []string{BackendLocal, BackendRemote, BackendVosk}
	devices      = []string{"auto", "cpu", "gpu"}
	computeTypes = []string{"default", "float16", "int8", "int5"}
)

// Options are the default per-request transcription options.
type Options struct {
	BeamSize        int    `json:"beam_size"`
	VADFilter       bool   `json:"vad_filter"`
	VADMinSilenceMs int    `json:"vad_min_silence_ms"`
	VADSpeechPadMs  int    `json:"vad_speech_pad_ms"`
	Prompt          string `json:"prompt"`
	Language        string `json:"language"`
}

// ASR converts to backend options.
func (o Options) ASR() asr.Options {
	return asr.Options{
		BeamSize:        o.BeamSize,
		VADFilter:       o.VADFilter,
		VADMinSilenceMs: o.VADMinSilenceMs,
		VADSpeechPadMs:  o.VADSpeechPadMs,
		Prompt:          o.Prompt,
		Language:        o.Language,
	}
}

// LocalConfig configures the whisper.cpp sidecar.
type LocalConfig struct {
	ServerPath            string `json:"server_path"`
	ModelDir              string `json:"model_dir"`
	Model                 string `json:"model"`        // tiny|base|small|medium|large
	Device                string `json:"device"`       // auto|cpu|gpu
	ComputeType           string `json:"compute_type"` // default|float16|int8|int5
	Threads               int    `json:"threads"`
	Port                  int    `json:"port"`
	StartupTimeoutSeconds int    `json:"startup_timeout_seconds"`
	VADModel              string `json:"vad_model,omitempty"`
	Endpoint              string `json:"endpoint,omitempty"` // attach instead of spawn
}

// RemoteConfig configures the OpenAI-compatible API client.
type RemoteConfig struct {
	BaseURL        string   `json:"base_url"`
	APIKey         string   `json:"api_key,omitempty"`
	Model          string   `json:"model"`
	Models         []string `json:"models,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

// VoskConfig configures the Vosk websocket client.
type VoskConfig struct {
	URL            string `json:"url"`
	Model          string `json:"model,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// GatewayConfig is the whole gateway configuration file.
type GatewayConfig struct {
	ListenAddr       string       `json:"listen_addr"`
	ServiceName      string       `json:"service_name"`
	Backend          string       `json:"backend"`
	AcceptVideoField bool         `json:"accept_video_field"`
	MaxUploadMB      int          `json:"max_upload_mb"`
	MediaRoot        string       `json:"media_root"`
	FFmpegPath       string       `json:"ffmpeg_path"`
	FFprobePath      string       `json:"ffprobe_path"`
	VerifyOutput     bool         `json:"verify_output"`
	Options          Options      `json:"options"`
	Local            LocalConfig  `json:"local"`
	Remote           RemoteConfig `json:"remote"`
	Vosk             VoskConfig   `json:"vosk"`
}

// Defaults returns the built-in configuration.
func Defaults() *GatewayConfig {
	home, _ := os.UserHomeDir()
	return &GatewayConfig{
		ListenAddr:       "0.0.0.0:5000",
		ServiceName:      "whisper-transcription",
		Backend:          BackendRemote,
		AcceptVideoField: true,
		MaxUploadMB:      200,
		MediaRoot:        filepath.Join(os.TempDir(), "whispergate"),
		FFmpegPath:       "ffmpeg",
		FFprobePath:      "ffprobe",
		Options: Options{
			BeamSize:        5,
			VADFilter:       true,
			VADMinSilenceMs: 500,
			VADSpeechPadMs:  400,
			Prompt:          DefaultPrompt,
		},
		Local: LocalConfig{
			ServerPath:            "whisper-server",
			ModelDir:              filepath.Join(home, ".cache", "whispergate", "models"),
			Model:                 "base",
			Device:                "auto",
			ComputeType:           "default",
			Port:                  8910,
			StartupTimeoutSeconds: 120,
		},
		Remote: RemoteConfig{
			BaseURL:        "https://api.openai.com/v1",
			Model:          "whisper-1",
			TimeoutSeconds: 0,
		},
		Vosk: VoskConfig{
			URL:            "ws://localhost:2700",
			TimeoutSeconds: 10,
		},
	}
}

// DefaultPath returns ~/.config/whispergate/gateway.json.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".config", "whispergate", "gateway.json")
}

// Load reads path over the defaults. A missing file yields the defaults.
// Environment overrides are not applied; call ApplyEnv for that.
func Load(path string) (*GatewayConfig, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path with indentation for readability.
func Save(path string, cfg *GatewayConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// ApplyEnv overlays environment variables onto cfg.
func (c *GatewayConfig) ApplyEnv() {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Remote.APIKey, "OPENAI_API_KEY")
	set(&c.Remote.BaseURL, "OPENAI_BASE_URL")
	set(&c.Backend, "WHISPERGATE_BACKEND")
	set(&c.ListenAddr, "WHISPERGATE_ADDR")
	set(&c.Local.Model, "WHISPERGATE_MODEL")
	set(&c.Local.Device, "WHISPERGATE_DEVICE")
	set(&c.Local.ComputeType, "WHISPERGATE_COMPUTE_TYPE")
}

// Validate checks GatewayConfig for validity
func (c *GatewayConfig) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if !lo.Contains(backends, c.Backend) {
		return fmt.Errorf("backend must be one of %v, got %q", backends, c.Backend)
	}
	if c.MaxUploadMB < 1 {
		return fmt.Errorf("max_upload_mb must be at least 1, got %d", c.MaxUploadMB)
	}
	if strings.TrimSpace(c.MediaRoot) == "" {
		return fmt.Errorf("media_root is required")
	}
	if err := c.Options.Validate(); err != nil {
		return err
	}

	switch c.Backend {
	case BackendLocal:
		if !lo.Contains(asr.ModelSizes, c.Local.Model) {
			return fmt.Errorf("local.model must be one of %v, got %q", asr.ModelSizes, c.Local.Model)
		}
		if !lo.Contains(devices, c.Local.Device) {
			return fmt.Errorf("local.device must be one of %v, got %q", devices, c.Local.Device)
		}
		if !lo.Contains(computeTypes, c.Local.ComputeType) {
			return fmt.Errorf("local.compute_type must be one of %v, got %q", computeTypes, c.Local.ComputeType)
		}
		if c.Local.Port < 1 || c.Local.Port > 65535 {
			return fmt.Errorf("local.port must be between 1 and 65535, got %d", c.Local.Port)
		}
		if c.Options.VADFilter && strings.TrimSpace(c.Local.VADModel) == "" {
			return fmt.Errorf("local.vad_model is required when options.vad_filter is true (set options.vad_filter to false to run without VAD)")
		}
	case BackendRemote:
		if strings.TrimSpace(c.Remote.BaseURL) == "" {
			return fmt.Errorf("remote.base_url is required")
		}
		if c.Remote.TimeoutSeconds < 0 {
			return fmt.Errorf("remote.timeout_seconds must be >= 0, got %d", c.Remote.TimeoutSeconds)
		}
	case BackendVosk:
		if !strings.HasPrefix(c.Vosk.URL, "ws://") && !strings.HasPrefix(c.Vosk.URL, "wss://") {
			return fmt.Errorf("vosk.url must be a ws:// or wss:// url, got %q", c.Vosk.URL)
		}
	}
	return nil
}

// Validate checks the option ranges.
func (o Options) Validate() error {
	if o.BeamSize < 1 || o.BeamSize > 10 {
		return fmt.Errorf("options.beam_size must be between 1 and 10, got %d", o.BeamSize)
	}
	if o.VADMinSilenceMs < 0 {
		return fmt.Errorf("options.vad_min_silence_ms must be >= 0, got %d", o.VADMinSilenceMs)
	}
	if o.VADSpeechPadMs < 0 {
		return fmt.Errorf("options.vad_speech_pad_ms must be >= 0, got %d", o.VADSpeechPadMs)
	}
	return nil
}

// StartupOnlyChanges lists fields that differ between c and next but only
// take effect on restart.
func (c *GatewayConfig) StartupOnlyChanges(next *GatewayConfig) []string {
	var changed []string
	if c.Backend != next.Backend {
		changed = append(changed, "backend")
	}
	if c.ListenAddr != next.ListenAddr {
		changed = append(changed, "listen_addr")
	}
	if c.MediaRoot != next.MediaRoot {
		changed = append(changed, "media_root")
	}
	if c.MaxUploadMB != next.MaxUploadMB {
		changed = append(changed, "max_upload_mb")
	}
	if c.Local != next.Local {
		changed = append(changed, "local")
	}
	return changed
}
