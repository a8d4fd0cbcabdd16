// Package transcript turns raw backend output into the public segment schema
// and renders it as JSON, plain text or subtitles.
package transcript

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/tiroq/whispergate/internal/asr"
)

// Word is one word timing in a response.
type Word struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Segment is one element of the /transcribe response array. Words is never
// nil, so it always encodes as an array.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
	Words []Word  `json:"words"`
}

// Normalize maps a backend transcript onto the public schema:
//   - segment and word text is trimmed, empty words are dropped
//   - start is clamped to >= 0 and end to >= start
//   - segments are stable-sorted by start
//   - flat word lists are assigned to the segment containing word.start
//   - segments with no text and no words are dropped
//
// Non-finite timestamps fail with an *asr.TranscriptionError.
func Normalize(raw *asr.Transcript) ([]Segment, error) {
	if raw == nil {
		return nil, &asr.TranscriptionError{Backend: "unknown", Err: errors.New("malformed engine response: empty result")}
	}
	if err := checkFinite(raw); err != nil {
		return nil, &asr.TranscriptionError{Backend: raw.Backend, Err: err}
	}

	segs := make([]Segment, 0, len(raw.Segments))
	for _, s := range raw.Segments {
		start, end := clamp(s.Start, s.End)
		segs = append(segs, Segment{
			Start: start,
			End:   end,
			Text:  strings.TrimSpace(s.Text),
			Words: cleanWords(s.Words),
		})
	}
	sort.SliceStable(segs, func(i, j int) bool { return segs[i].Start < segs[j].Start })

	for _, w := range cleanWords(raw.Words) {
		for i := range segs {
			if w.Start >= segs[i].Start && w.Start <= segs[i].End {
				segs[i].Words = append(segs[i].Words, w)
				break
			}
		}
	}

	segs = lo.Filter(segs, func(s Segment, _ int) bool {
		return s.Text != "" || len(s.Words) > 0
	})
	for i := range segs {
		sort.SliceStable(segs[i].Words, func(a, b int) bool {
			return segs[i].Words[a].Start < segs[i].Words[b].Start
		})
	}
	return segs, nil
}

func cleanWords(in []asr.Word) []Word {
	out := make([]Word, 0, len(in))
	for _, w := range in {
		text := strings.TrimSpace(w.Word)
		if text == "" {
			continue
		}
		start, end := clamp(w.Start, w.End)
		out = append(out, Word{Word: text, Start: start, End: end})
	}
	return out
}

func clamp(start, end float64) (float64, float64) {
	if start < 0 {
		start = 0
	}
	if end < start {
		end = start
	}
	return start, end
}

func checkFinite(raw *asr.Transcript) error {
	bad := func(v float64) bool { return math.IsNaN(v) || math.IsInf(v, 0) }
	for i, s := range raw.Segments {
		if bad(s.Start) || bad(s.End) {
			return fmt.Errorf("malformed engine response: segment %d has non-finite timestamps", i)
		}
		for _, w := range s.Words {
			if bad(w.Start) || bad(w.End) {
				return fmt.Errorf("malformed engine response: word %q has non-finite timestamps", w.Word)
			}
		}
	}
	for _, w := range raw.Words {
		if bad(w.Start) || bad(w.End) {
			return fmt.Errorf("malformed engine response: word %q has non-finite timestamps", w.Word)
		}
	}
	return nil
}
