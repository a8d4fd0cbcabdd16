package testutil

import (
	"context"
	"os"
	"sync"

	"github.com/tiroq/whispergate/internal/asr"
	"github.com/tiroq/whispergate/internal/media"
)

// FakeBackend is a scripted asr.Backend. It records the audio it was handed
// and whether that file existed at call time.
type FakeBackend struct {
	BackendName string
	ModelName   string
	AudioFormat media.Profile

	Result  *asr.Transcript
	Err     error
	Healthy bool

	mu        sync.Mutex
	calls     int
	lastAudio media.NormalizedAudio
	lastOpts  asr.Options
	sawFile   bool
}

// NewFakeBackend returns a healthy backend that answers with result.
func NewFakeBackend(result *asr.Transcript) *FakeBackend {
	return &FakeBackend{
		BackendName: "fake",
		ModelName:   "base",
		AudioFormat: media.ProfileWAV,
		Result:      result,
		Healthy:     true,
	}
}

func (f *FakeBackend) Name() string           { return f.BackendName }
func (f *FakeBackend) Model() string          { return f.ModelName }
func (f *FakeBackend) Profile() media.Profile { return f.AudioFormat }

func (f *FakeBackend) Transcribe(ctx context.Context, audio media.NormalizedAudio, opts asr.Options) (*asr.Transcript, error) {
	_, statErr := os.Stat(audio.Path)

	f.mu.Lock()
	f.calls++
	f.lastAudio = audio
	f.lastOpts = opts
	f.sawFile = statErr == nil
	f.mu.Unlock()

	if f.Err != nil {
		return nil, f.Err
	}
	return f.Result, nil
}

func (f *FakeBackend) HealthCheck(ctx context.Context) (*asr.HealthStatus, error) {
	msg := "ok"
	if !f.Healthy {
		msg = "down"
	}
	return &asr.HealthStatus{OK: f.Healthy, Backend: f.BackendName, Message: msg}, nil
}

// Calls returns how many times Transcribe ran.
func (f *FakeBackend) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// LastCall returns the audio and options of the most recent call and
// whether the audio file existed when the backend saw it.
func (f *FakeBackend) LastCall() (media.NormalizedAudio, asr.Options, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastAudio, f.lastOpts, f.sawFile
}
