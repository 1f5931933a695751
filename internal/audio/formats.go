// Package audio stages caller-supplied audio as scoped temporary files.
package audio

import (
	"errors"
	"mime"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var (
	// ErrUnsupportedFormat is returned when the audio extension is not in the allow-set
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	// ErrFetch is returned when remote audio cannot be downloaded
	ErrFetch = errors.New("failed to fetch audio")
	// ErrTooLarge is returned when the audio exceeds the configured size limit
	ErrTooLarge = errors.New("audio exceeds size limit")
	// ErrInvalidURL is returned for URLs that are not absolute http(s) URLs
	ErrInvalidURL = errors.New("invalid audio url")
)

// supportedFormats is the extension allow-set, without the leading dot
var supportedFormats = map[string]struct{}{
	"mp3":  {},
	"wav":  {},
	"m4a":  {},
	"flac": {},
	"ogg":  {},
	"wma":  {},
	"aac":  {},
}

// contentTypeFormats maps declared audio content types to extensions
var contentTypeFormats = map[string]string{
	"audio/mpeg":          "mp3",
	"audio/mp3":           "mp3",
	"audio/wav":           "wav",
	"audio/x-wav":         "wav",
	"audio/wave":          "wav",
	"audio/vnd.wave":      "wav",
	"audio/mp4":           "m4a",
	"audio/x-m4a":         "m4a",
	"audio/m4a":           "m4a",
	"audio/flac":          "flac",
	"audio/x-flac":        "flac",
	"audio/ogg":           "ogg",
	"application/ogg":     "ogg",
	"audio/x-ms-wma":      "wma",
	"audio/aac":           "aac",
	"audio/x-aac":         "aac",
	"audio/aacp":          "aac",
	"video/x-ms-asf":      "wma",
	"audio/x-hx-aac-adts": "aac",
}

// SupportedFormats returns the allowed extensions, sorted
func SupportedFormats() []string {
	out := make([]string, 0, len(supportedFormats))
	for f := range supportedFormats {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// IsSupported reports whether ext (with or without a leading dot, any case) is allowed
func IsSupported(ext string) bool {
	_, ok := supportedFormats[normalizeExt(ext)]
	return ok
}

// ExtensionOf returns the normalised extension of a file name or URL path
func ExtensionOf(name string) string {
	return normalizeExt(filepath.Ext(path.Base(name)))
}

// FormatFromContentType maps a Content-Type header value to an extension, or ""
func FormatFromContentType(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return contentTypeFormats[strings.ToLower(mediaType)]
}

// SniffFormat detects the extension from the leading bytes of a file, or ""
func SniffFormat(head []byte) string {
	mt := mimetype.Detect(head)
	for m := mt; m != nil; m = m.Parent() {
		if f, ok := contentTypeFormats[m.String()]; ok {
			return f
		}
		if ext := normalizeExt(m.Extension()); IsSupported(ext) {
			return ext
		}
	}
	return ""
}

func normalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}
