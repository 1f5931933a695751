package audio

import (
	"fmt"
	"io"
	"strings"
)

// StageUpload validates the uploaded file name and writes the payload to a
// temporary file in dir. maxBytes <= 0 disables the size limit.
func StageUpload(r io.Reader, filename, dir string, maxBytes int64) (*Staged, error) {
	ext := ExtensionOf(filename)
	if !IsSupported(ext) {
		return nil, fmt.Errorf("%w: %q (supported formats: %s)",
			ErrUnsupportedFormat, displayExt(ext), strings.Join(SupportedFormats(), ", "))
	}
	return stage(r, dir, ext, maxBytes)
}

func displayExt(ext string) string {
	if ext == "" {
		return "no extension"
	}
	return "." + ext
}
