package media

import (
	"fmt"
	"io"
	"os"
)

// Canonical stream parameters shared by every profile.
const (
	SampleRate = 16000
	Channels   = 1
)

// Profile describes the fixed codec/container a backend consumes. Sample
// rate and channel count are not part of it: they are always SampleRate and
// Channels.
type Profile struct {
	Name      string // "mp3", "wav", "s16le"
	Codec     string // ffmpeg encoder
	ProbeName string // codec_name reported by ffprobe
	Format    string // ffmpeg muxer, empty means infer from extension
	Ext       string
}

var (
	// ProfileMP3 is compact and accepted by hosted whisper APIs.
	ProfileMP3 = Profile{Name: "mp3", Codec: "libmp3lame", ProbeName: "mp3", Ext: ".mp3"}
	// ProfileWAV is 16-bit PCM in a RIFF container, read natively by whisper.cpp.
	ProfileWAV = Profile{Name: "wav", Codec: "pcm_s16le", ProbeName: "pcm_s16le", Format: "wav", Ext: ".wav"}
	// ProfilePCM is headerless little-endian 16-bit PCM for streaming engines.
	ProfilePCM = Profile{Name: "s16le", Codec: "pcm_s16le", ProbeName: "pcm_s16le", Format: "s16le", Ext: ".pcm"}
)

// ProfileByName resolves a profile from configuration.
func ProfileByName(name string) (Profile, error) {
	switch name {
	case ProfileMP3.Name:
		return ProfileMP3, nil
	case ProfileWAV.Name:
		return ProfileWAV, nil
	case ProfilePCM.Name:
		return ProfilePCM, nil
	}
	return Profile{}, fmt.Errorf("unknown audio profile %q", name)
}

// NormalizedAudio is a transcoded file satisfying Profile at 16 kHz mono. It
// lives inside a request directory and is consumed once by a backend.
type NormalizedAudio struct {
	Path    string
	Profile Profile
	Kind    Kind
}

// Open returns a reader over the audio bytes.
func (a NormalizedAudio) Open() (io.ReadCloser, error) {
	return os.Open(a.Path)
}

// Remove deletes the audio file. A file that is already gone is not an error.
func (a NormalizedAudio) Remove() error {
	if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
