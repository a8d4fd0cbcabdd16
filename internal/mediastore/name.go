package mediastore

import (
	"path/filepath"
	"regexp"
	"strings"
)

var extIllegal = regexp.MustCompile(`[^a-z0-9]`)

// SanitizeExt normalizes a client supplied extension (".MP4", "mp4",
// "../../x") into a safe lower-case suffix such as ".mp4". Anything that
// does not survive sanitizing becomes ".bin".
func SanitizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	ext = strings.TrimPrefix(ext, ".")
	ext = extIllegal.ReplaceAllString(ext, "")
	if len(ext) > 8 {
		ext = ext[:8]
	}
	if ext == "" {
		return ".bin"
	}
	return "." + ext
}

// ExtFromFilename extracts and sanitizes the extension of an uploaded
// filename. Only the base name is considered.
func ExtFromFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	return SanitizeExt(filepath.Ext(base))
}
