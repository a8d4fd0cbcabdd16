package diaglog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Version is injected at link time from the main package; defaults to "dev".
var Version = "dev"

// DiagBundle is the first line written to the export file (valid NDJSON).
type DiagBundle struct {
	ExportedAt     string `json:"exported_at"`
	GatewayVersion string `json:"gateway_version"`
	GoVersion      string `json:"go_version"`
	OS             string `json:"os"`
	Arch           string `json:"arch"`
	LogFile        string `json:"log_file"`
	RequestID      string `json:"request_id,omitempty"`
	EntryCount     int    `json:"entry_count"`
	Skipped        int    `json:"skipped,omitempty"`
}

// ExportOptions narrows an export.
type ExportOptions struct {
	// RequestID keeps only entries of one upload. Empty keeps everything.
	RequestID string
}

// Export writes every entry of logPath to dest/whispergate-diag-<ts>.ndjson.
func Export(logPath, dest string) (path string, lines int, err error) {
	return ExportWith(logPath, dest, ExportOptions{})
}

// ExportWith reads logPath, keeps the entries matching opts, prepends a
// DiagBundle line and writes dest/whispergate-diag-<ts>.ndjson. Lines that
// are not valid entries are counted as skipped when filtering and copied
// verbatim otherwise. It returns the written path and the entries included.
func ExportWith(logPath, dest string, opts ExportOptions) (path string, lines int, err error) {
	src, err := os.Open(logPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", 0, fmt.Errorf("log file not found at %s: %w", logPath, os.ErrNotExist)
		}
		return "", 0, fmt.Errorf("log file unreadable: %w", err)
	}
	defer func() { _ = src.Close() }()

	kept, skipped, err := collect(src, opts)
	if err != nil {
		return "", 0, fmt.Errorf("log file unreadable: %w", err)
	}

	name := "whispergate-diag-" + time.Now().UTC().Format("20060102T150405")
	if opts.RequestID != "" {
		name += "-" + opts.RequestID
	}
	outPath := filepath.Join(dest, name+".ndjson")

	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return "", 0, fmt.Errorf("output file could not be created: %w", err)
	}
	defer func() { _ = out.Close() }()

	header, err := json.Marshal(DiagBundle{
		ExportedAt:     time.Now().UTC().Format(time.RFC3339),
		GatewayVersion: Version,
		GoVersion:      runtime.Version(),
		OS:             runtime.GOOS,
		Arch:           runtime.GOARCH,
		LogFile:        logPath,
		RequestID:      opts.RequestID,
		EntryCount:     len(kept),
		Skipped:        skipped,
	})
	if err != nil {
		return "", 0, err
	}

	w := bufio.NewWriter(out)
	if _, err := w.Write(append(header, '\n')); err != nil {
		return "", 0, err
	}
	for _, line := range kept {
		if _, err := w.Write(append(line, '\n')); err != nil {
			return "", 0, err
		}
	}
	if err := w.Flush(); err != nil {
		return "", 0, err
	}
	return outPath, len(kept), nil
}

// collect buffers matching lines; the log is capped at 10 MB.
func collect(r io.Reader, opts ExportOptions) (kept [][]byte, skipped int, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		if opts.RequestID != "" {
			var e struct {
				RequestID string `json:"request_id"`
			}
			if json.Unmarshal(raw, &e) != nil {
				skipped++
				continue
			}
			if e.RequestID != opts.RequestID {
				continue
			}
		}
		line := make([]byte, len(raw))
		copy(line, raw)
		kept = append(kept, line)
	}
	return kept, skipped, scanner.Err()
}
