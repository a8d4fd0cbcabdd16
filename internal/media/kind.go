package media

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/samber/lo"
)

// Kind is the declared nature of an upload.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// videoExts lists the container extensions treated as video.
var videoExts = []string{".webm", ".mp4", ".mov", ".mkv", ".avi", ".m4v", ".mpeg", ".mpg", ".3gp", ".flv", ".wmv"}

// ErrUnsupportedMedia is returned by Detect for uploads that are clearly not
// audio or video (images, documents, text).
var ErrUnsupportedMedia = errors.New("unsupported media type")

// ErrEmptyMedia is returned by Detect for zero-byte uploads.
var ErrEmptyMedia = errors.New("uploaded file is empty")

// Detection is the outcome of inspecting an upload.
type Detection struct {
	Kind     Kind
	MIME     string // sniffed
	Declared string // client supplied content type, may be empty
}

// IsVideoExt reports whether ext (with or without dot) names a video container.
func IsVideoExt(ext string) bool {
	ext = strings.ToLower(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return lo.Contains(videoExts, ext)
}

// Detect classifies the file at path. The extension decides first; sniffed
// video content also counts as video. Content that sniffs as neither audio
// nor video is rejected.
func Detect(path, declaredType string) (Detection, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Detection{}, err
	}
	if info.Size() == 0 {
		return Detection{}, ErrEmptyMedia
	}

	f, err := os.Open(path)
	if err != nil {
		return Detection{}, err
	}
	defer f.Close()

	mt, err := mimetype.DetectReader(io.LimitReader(f, 3072))
	if err != nil {
		return Detection{}, err
	}

	d := Detection{Kind: KindAudio, MIME: mt.String(), Declared: declaredType}
	if !acceptable(mt) {
		return d, ErrUnsupportedMedia
	}
	if IsVideoExt(filepath.Ext(path)) || isVideoMIME(mt.String()) || isVideoMIME(declaredType) {
		d.Kind = KindVideo
	}
	return d, nil
}

func acceptable(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		s := m.String()
		if strings.HasPrefix(s, "audio/") || strings.HasPrefix(s, "video/") || m.Is("application/ogg") {
			return true
		}
	}
	// Unknown binary: leave the verdict to ffmpeg.
	return mt.Is("application/octet-stream")
}

func isVideoMIME(s string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(s)), "video/")
}
