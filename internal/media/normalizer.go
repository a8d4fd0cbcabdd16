// Package media turns arbitrary audio/video uploads into the canonical
// 16 kHz mono audio a transcription backend consumes.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// CommandLog captures one external command invocation result.
type CommandLog struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exitCode"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
}

// TranscodeError reports that ffmpeg failed, could not be started, or
// produced output that does not match the profile.
type TranscodeError struct {
	Message    string
	CommandLog CommandLog
	Err        error
}

func (e *TranscodeError) Error() string {
	if e.CommandLog.Command == "" {
		return "transcode: " + e.Message
	}
	return fmt.Sprintf("transcode: %s (cmd=%s exit=%d)", e.Message, e.CommandLog.Command, e.CommandLog.ExitCode)
}

func (e *TranscodeError) Unwrap() error { return e.Err }

// Diagnostics returns the tool output worth showing to an operator.
func (e *TranscodeError) Diagnostics() string {
	if s := strings.TrimSpace(e.CommandLog.Stderr); s != "" {
		return lastLines(s, 20)
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

type execRunner struct{}

func (r *execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := commandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}
	return result, nil
}

// Config configures the normalizer.
type Config struct {
	FFmpegPath   string // default "ffmpeg"
	FFprobePath  string // default "ffprobe"
	Profile      Profile
	VerifyOutput bool // run ffprobe on every output
}

// Normalizer transcodes uploads with ffmpeg.
type Normalizer struct {
	cfg    Config
	runner commandRunner
	stat   func(name string) (os.FileInfo, error)
	OnLog  func(CommandLog)
}

// NewNormalizer builds a normalizer that shells out to ffmpeg.
func NewNormalizer(cfg Config) *Normalizer {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if cfg.Profile.Name == "" {
		cfg.Profile = ProfileMP3
	}
	return &Normalizer{cfg: cfg, runner: &execRunner{}, stat: os.Stat}
}

// Profile returns the profile every output satisfies.
func (n *Normalizer) Profile() Profile { return n.cfg.Profile }

// Normalize transcodes inputPath into outDir/normalized<ext>. The output is
// always re-encoded, even when the input already looks canonical.
func (n *Normalizer) Normalize(ctx context.Context, inputPath, outDir string, kind Kind) (NormalizedAudio, error) {
	outPath := filepath.Join(outDir, "normalized"+n.cfg.Profile.Ext)
	args := BuildFFmpegArgs(inputPath, outPath, kind, n.cfg.Profile)

	res, runErr := n.runner.Run(ctx, n.cfg.FFmpegPath, args...)
	log := CommandLog{
		Command:  n.cfg.FFmpegPath,
		Args:     args,
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	}
	if n.OnLog != nil {
		n.OnLog(log)
	}
	if runErr != nil {
		msg := "ffmpeg audio conversion failed"
		if errors.Is(runErr, exec.ErrNotFound) {
			msg = "ffmpeg is not available"
		}
		return NormalizedAudio{}, &TranscodeError{Message: msg, CommandLog: log, Err: runErr}
	}

	if info, err := n.stat(outPath); err != nil || info.Size() == 0 {
		if err == nil {
			err = errors.New("empty output")
		}
		return NormalizedAudio{}, &TranscodeError{
			Message:    "ffmpeg completed but produced no audio",
			CommandLog: log,
			Err:        err,
		}
	}

	audio := NormalizedAudio{Path: outPath, Profile: n.cfg.Profile, Kind: kind}
	if n.cfg.VerifyOutput {
		if err := n.verify(ctx, audio); err != nil {
			return NormalizedAudio{}, err
		}
	}
	return audio, nil
}

func (n *Normalizer) verify(ctx context.Context, audio NormalizedAudio) error {
	info, err := Probe(ctx, n.runner, n.cfg.FFprobePath, audio.Path, audio.Profile)
	if err != nil {
		return err
	}
	if info.SampleRate != SampleRate || info.Channels != Channels || info.Codec != audio.Profile.ProbeName {
		return &TranscodeError{
			Message: fmt.Sprintf("output profile mismatch: codec=%s rate=%d channels=%d",
				info.Codec, info.SampleRate, info.Channels),
		}
	}
	return nil
}

// BuildFFmpegArgs builds the transcode command line. Video inputs drop every
// non-audio stream; audio inputs drop embedded cover art.
func BuildFFmpegArgs(inputPath, outPath string, kind Kind, p Profile) []string {
	args := []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-vn",
	}
	if kind == KindVideo {
		args = append(args, "-sn", "-dn")
	}
	args = append(args,
		"-acodec", p.Codec,
		"-ar", strconv.Itoa(SampleRate),
		"-ac", strconv.Itoa(Channels),
	)
	if p.Format != "" {
		args = append(args, "-f", p.Format)
	}
	return append(args, outPath)
}

func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
