package testutil

import (
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/tiroq/whispergate/internal/transcript"
)

// AssertEqual fails unless expected == actual.
func AssertEqual(t *testing.T, expected, actual interface{}, msg string) {
	t.Helper()
	if expected != actual {
		t.Fatalf("%s: expected %v, got %v", msg, expected, actual)
	}
}

// AssertTrue checks if a condition is true
func AssertTrue(t *testing.T, condition bool, msg string) {
	t.Helper()
	if !condition {
		t.Fatalf("%s: expected true, got false", msg)
	}
}

// AssertFalse checks if a condition is false
func AssertFalse(t *testing.T, condition bool, msg string) {
	t.Helper()
	if condition {
		t.Fatalf("%s: expected false, got true", msg)
	}
}

// AssertNoError checks if an error is nil
func AssertNoError(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: unexpected error: %v", msg, err)
	}
}

// AssertError checks if an error is not nil
func AssertError(t *testing.T, err error, msg string) {
	t.Helper()
	if err == nil {
		t.Fatalf("%s: expected an error but got nil", msg)
	}
}

// AssertErrorContains checks that err is non-nil and mentions substr.
func AssertErrorContains(t *testing.T, err error, substr string, msg string) {
	t.Helper()
	if err == nil {
		t.Fatalf("%s: expected an error containing %q, got nil", msg, substr)
	}
	if !strings.Contains(err.Error(), substr) {
		t.Fatalf("%s: error %q does not contain %q", msg, err.Error(), substr)
	}
}

// AssertStringContains checks if a string contains a substring
func AssertStringContains(t *testing.T, str, substr string, msg string) {
	t.Helper()
	if !strings.Contains(str, substr) {
		t.Fatalf("%s: string %q does not contain %q", msg, str, substr)
	}
}

// AssertStringNotContains checks if a string does not contain a substring
func AssertStringNotContains(t *testing.T, str, substr string, msg string) {
	t.Helper()
	if strings.Contains(str, substr) {
		t.Fatalf("%s: string %q should not contain %q", msg, str, substr)
	}
}

// AssertInRange checks if a value is within a range
func AssertInRange(t *testing.T, value, min, max float64, msg string) {
	t.Helper()
	if value < min || value > max {
		t.Fatalf("%s: value %v not in range [%v, %v]", msg, value, min, max)
	}
}

// AssertEventually polls condition every interval until it holds or
// timeout passes.
func AssertEventually(t *testing.T, condition func() bool, timeout time.Duration, interval time.Duration, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(interval)
	}
	t.Fatalf("%s: condition did not become true within %v", msg, timeout)
}

func decodeObject(t *testing.T, jsonStr, msg string) map[string]interface{} {
	t.Helper()
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		t.Fatalf("%s: invalid JSON object %q: %v", msg, jsonStr, err)
	}
	return result
}

// AssertJSONContainsKey checks that a JSON object has key at the top level.
func AssertJSONContainsKey(t *testing.T, jsonStr, key string, msg string) {
	t.Helper()
	if _, ok := decodeObject(t, jsonStr, msg)[key]; !ok {
		t.Fatalf("%s: JSON does not contain key %q", msg, key)
	}
}

// AssertJSONField decodes jsonStr and checks a top-level field's value.
func AssertJSONField(t *testing.T, jsonStr, key string, expected interface{}, msg string) {
	t.Helper()
	if got := decodeObject(t, jsonStr, msg)[key]; got != expected {
		t.Fatalf("%s: %s = %v, expected %v", msg, key, got, expected)
	}
}

// MustUnmarshalJSON unmarshals JSON or fails the test
func MustUnmarshalJSON(t *testing.T, jsonStr string, target interface{}) {
	t.Helper()
	if err := json.Unmarshal([]byte(jsonStr), target); err != nil {
		t.Fatalf("Failed to unmarshal JSON: %v", err)
	}
}

// AssertDirEmpty checks that dir has no entries. A missing dir counts as empty.
func AssertDirEmpty(t *testing.T, dir string, msg string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		t.Fatalf("%s: read dir: %v", msg, err)
	}
	if len(entries) > 0 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("%s: expected %s to be empty, found %v", msg, dir, names)
	}
}

// AssertSegmentsOrdered checks the response invariants: start <= end for
// every segment, non-decreasing start, and a non-nil words slice.
func AssertSegmentsOrdered(t *testing.T, segs []transcript.Segment, msg string) {
	t.Helper()
	for i, s := range segs {
		if s.Start > s.End {
			t.Fatalf("%s: segment %d has start %v > end %v", msg, i, s.Start, s.End)
		}
		if i > 0 && s.Start < segs[i-1].Start {
			t.Fatalf("%s: segment %d starts at %v before segment %d at %v", msg, i, s.Start, i-1, segs[i-1].Start)
		}
		if s.Words == nil {
			t.Fatalf("%s: segment %d has nil words", msg, i)
		}
	}
}
