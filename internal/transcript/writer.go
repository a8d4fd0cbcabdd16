package transcript

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Output formats accepted by Render.
const (
	FormatJSON = "json"
	FormatText = "txt"
	FormatSRT  = "srt"
	FormatVTT  = "vtt"
)

// ContentType returns the MIME type for a format.
func ContentType(format string) string {
	switch format {
	case FormatText:
		return "text/plain; charset=utf-8"
	case FormatSRT:
		return "application/x-subrip; charset=utf-8"
	case FormatVTT:
		return "text/vtt; charset=utf-8"
	default:
		return "application/json"
	}
}

// Render encodes segments in the given format. An empty format means JSON.
func Render(format string, segs []Segment) ([]byte, error) {
	switch format {
	case "", FormatJSON:
		if segs == nil {
			segs = []Segment{}
		}
		return json.Marshal(segs)
	case FormatText:
		return Text(segs), nil
	case FormatSRT:
		return SRT(segs), nil
	case FormatVTT:
		return VTT(segs), nil
	}
	return nil, fmt.Errorf("unknown format %q", format)
}

// Text renders one segment per line, each prefixed by its timestamp in
// [HH:MM:SS] format.
func Text(segs []Segment) []byte {
	var b strings.Builder
	for _, seg := range segs {
		fmt.Fprintf(&b, "[%s] %s\n", formatTextTimestamp(seconds(seg.Start)), seg.Text)
	}
	return []byte(b.String())
}

// SRT renders a SubRip subtitle file. Each segment is numbered sequentially
// with start/end timestamps in HH:MM:SS,mmm format.
func SRT(segs []Segment) []byte {
	var b strings.Builder
	for i, seg := range segs {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d\n", i+1)
		fmt.Fprintf(&b, "%s --> %s\n", formatSRTTimestamp(seconds(seg.Start)), formatSRTTimestamp(seconds(seg.End)))
		fmt.Fprintf(&b, "%s\n", seg.Text)
	}
	return []byte(b.String())
}

// VTT renders a WebVTT file: the WEBVTT header followed by cues with
// HH:MM:SS.mmm timestamps.
func VTT(segs []Segment) []byte {
	var b strings.Builder
	b.WriteString("WEBVTT\n")
	for _, seg := range segs {
		b.WriteByte('\n')
		fmt.Fprintf(&b, "%s --> %s\n", formatVTTTimestamp(seconds(seg.Start)), formatVTTTimestamp(seconds(seg.End)))
		fmt.Fprintf(&b, "%s\n", seg.Text)
	}
	return []byte(b.String())
}

// seconds converts float seconds to a Duration rounded to the millisecond.
func seconds(s float64) time.Duration {
	return time.Duration(s*1000+0.5) * time.Millisecond
}

func formatTextTimestamp(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func formatSRTTimestamp(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	ms := int(d.Milliseconds()) % 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

func formatVTTTimestamp(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	ms := int(d.Milliseconds()) % 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}
