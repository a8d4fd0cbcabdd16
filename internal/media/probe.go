package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// StreamInfo is the audio stream layout reported by ffprobe.
type StreamInfo struct {
	Codec      string
	SampleRate int
	Channels   int
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType  string `json:"codec_type"`
		CodecName  string `json:"codec_name"`
		SampleRate string `json:"sample_rate"`
		Channels   int    `json:"channels"`
	} `json:"streams"`
}

// ProbeFile inspects the first audio stream of path with ffprobe.
func ProbeFile(ctx context.Context, ffprobePath, path string) (StreamInfo, error) {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return Probe(ctx, &execRunner{}, ffprobePath, path, Profile{})
}

// Probe inspects path. Headerless PCM carries nothing to probe, so it is
// only checked for whole 16-bit frames.
func Probe(ctx context.Context, runner commandRunner, ffprobePath, path string, p Profile) (StreamInfo, error) {
	if p.Format == ProfilePCM.Format {
		info, err := os.Stat(path)
		if err != nil {
			return StreamInfo{}, &TranscodeError{Message: "cannot stat raw pcm output", Err: err}
		}
		if info.Size()%2 != 0 {
			return StreamInfo{}, &TranscodeError{Message: "raw pcm output is not 16-bit aligned"}
		}
		return StreamInfo{Codec: ProfilePCM.ProbeName, SampleRate: SampleRate, Channels: Channels}, nil
	}

	args := []string{
		"-v", "error",
		"-select_streams", "a:0",
		"-show_entries", "stream=codec_type,codec_name,sample_rate,channels",
		"-of", "json",
		path,
	}
	res, err := runner.Run(ctx, ffprobePath, args...)
	log := CommandLog{Command: ffprobePath, Args: args, ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
	if err != nil {
		return StreamInfo{}, &TranscodeError{Message: "ffprobe failed", CommandLog: log, Err: err}
	}

	var out ffprobeOutput
	if err := json.Unmarshal([]byte(res.Stdout), &out); err != nil {
		return StreamInfo{}, &TranscodeError{Message: "cannot parse ffprobe output", CommandLog: log, Err: err}
	}
	for _, s := range out.Streams {
		if s.CodecType != "" && s.CodecType != "audio" {
			continue
		}
		rate, err := strconv.Atoi(s.SampleRate)
		if err != nil {
			return StreamInfo{}, &TranscodeError{
				Message:    fmt.Sprintf("invalid sample rate %q", s.SampleRate),
				CommandLog: log,
				Err:        err,
			}
		}
		return StreamInfo{Codec: s.CodecName, SampleRate: rate, Channels: s.Channels}, nil
	}
	return StreamInfo{}, &TranscodeError{Message: "no audio stream in output", CommandLog: log}
}
