package asr

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Seconds decodes a timestamp given as a JSON number, a numeric string
// ("12.5") or a clock string ("00:01:02.5", "01:02"). Engines disagree on
// the representation; everything past the decoder sees float seconds.
type Seconds float64

func (s *Seconds) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		v, err := parseSeconds(str)
		if err != nil {
			return err
		}
		*s = Seconds(v)
		return nil
	}
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("timestamp %s: %w", data, err)
	}
	*s = Seconds(v)
	return nil
}

func parseSeconds(str string) (float64, error) {
	str = strings.TrimSpace(str)
	if !strings.Contains(str, ":") {
		v, err := strconv.ParseFloat(str, 64)
		if err != nil {
			return 0, fmt.Errorf("timestamp %q: %w", str, err)
		}
		return v, nil
	}
	parts := strings.Split(str, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("timestamp %q: too many fields", str)
	}
	total := 0.0
	for _, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("timestamp %q: bad field %q", str, p)
		}
		total = total*60 + v
	}
	return total, nil
}

// VerboseWord is a word entry in a verbose_json response.
type VerboseWord struct {
	Word  string  `json:"word"`
	Start Seconds `json:"start"`
	End   Seconds `json:"end"`
}

// VerboseSegment is a segment entry in a verbose_json response.
type VerboseSegment struct {
	ID    int           `json:"id"`
	Start Seconds       `json:"start"`
	End   Seconds       `json:"end"`
	Text  string        `json:"text"`
	Words []VerboseWord `json:"words"`
}

// VerboseResponse is the verbose_json shape shared by the OpenAI audio API
// and whisper.cpp's server. OpenAI puts words at the top level, whisper.cpp
// nests them inside segments.
type VerboseResponse struct {
	Task     string           `json:"task"`
	Language string           `json:"language"`
	Duration Seconds          `json:"duration"`
	Text     string           `json:"text"`
	Segments []VerboseSegment `json:"segments"`
	Words    []VerboseWord    `json:"words"`
}

// Transcript converts the response, rejecting non-finite timestamps.
func (r *VerboseResponse) Transcript(backend, model string) (*Transcript, error) {
	t := &Transcript{
		Language: r.Language,
		Duration: float64(r.Duration),
		Model:    model,
		Backend:  backend,
		Segments: make([]Segment, 0, len(r.Segments)),
	}
	for _, s := range r.Segments {
		if !finite(s.Start, s.End) {
			return nil, fmt.Errorf("segment %d has non-finite timestamps", s.ID)
		}
		seg := Segment{Start: float64(s.Start), End: float64(s.End), Text: s.Text}
		for _, w := range s.Words {
			if !finite(w.Start, w.End) {
				return nil, fmt.Errorf("word %q has non-finite timestamps", w.Word)
			}
			seg.Words = append(seg.Words, Word{Word: w.Word, Start: float64(w.Start), End: float64(w.End)})
		}
		t.Segments = append(t.Segments, seg)
	}
	for _, w := range r.Words {
		if !finite(w.Start, w.End) {
			return nil, fmt.Errorf("word %q has non-finite timestamps", w.Word)
		}
		t.Words = append(t.Words, Word{Word: w.Word, Start: float64(w.Start), End: float64(w.End)})
	}
	// Plain-text answers with no segments still carry the transcript.
	if len(t.Segments) == 0 && strings.TrimSpace(r.Text) != "" {
		t.Segments = append(t.Segments, Segment{Start: 0, End: float64(r.Duration), Text: r.Text})
	}
	return t, nil
}

func finite(vals ...Seconds) bool {
	for _, v := range vals {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
