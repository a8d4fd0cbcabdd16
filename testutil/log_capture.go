package testutil

import (
	"bytes"
	"log"
	"regexp"
	"strings"
	"sync"
)

// LogCapture collects log output for assertions. It is an io.Writer, so it
// can back a *log.Logger or echo's access log directly.
type LogCapture struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

// NewLogCapture creates a new log capture instance
func NewLogCapture() *LogCapture {
	return &LogCapture{}
}

// Write appends p to the capture buffer
func (lc *LogCapture) Write(p []byte) (int, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.buf.Write(p)
}

// Logger returns a *log.Logger writing into the capture with prefix
func (lc *LogCapture) Logger(prefix string) *log.Logger {
	return log.New(lc, prefix, 0)
}

// String returns all captured log output
func (lc *LogCapture) String() string {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.buf.String()
}

// Reset clears the capture buffer
func (lc *LogCapture) Reset() {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.buf.Reset()
}

// Contains checks if the log output contains the given substring
func (lc *LogCapture) Contains(substr string) bool {
	return strings.Contains(lc.String(), substr)
}

// ContainsAll checks if the log output contains all given substrings
func (lc *LogCapture) ContainsAll(substrs ...string) bool {
	content := lc.String()
	for _, substr := range substrs {
		if !strings.Contains(content, substr) {
			return false
		}
	}
	return true
}

// MatchesPattern checks if the log output matches the given regex pattern
func (lc *LogCapture) MatchesPattern(pattern string) bool {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(lc.String())
}

// Count returns the number of times a substring appears in the log
func (lc *LogCapture) Count(substr string) int {
	return strings.Count(lc.String(), substr)
}

// Lines returns all captured log lines
func (lc *LogCapture) Lines() []string {
	content := strings.TrimSpace(lc.String())
	if content == "" {
		return []string{}
	}
	return strings.Split(content, "\n")
}

// LastLine returns the last line of captured log output
func (lc *LogCapture) LastLine() string {
	lines := lc.Lines()
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}
