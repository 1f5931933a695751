package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Staged is a temporary audio file owned by a single request.
// Callers must defer Release as soon as staging succeeds.
type Staged struct {
	path   string
	format string
	size   int64
	once   sync.Once
	err    error
}

// Path returns the local path of the staged audio
func (s *Staged) Path() string { return s.path }

// Format returns the validated extension, without the leading dot
func (s *Staged) Format() string { return s.format }

// Size returns the number of bytes written
func (s *Staged) Size() int64 { return s.size }

// Release removes the temporary file. It is safe to call more than once.
func (s *Staged) Release() error {
	s.once.Do(func() {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.err = fmt.Errorf("failed to remove staged audio %s: %w", s.path, err)
		}
	})
	return s.err
}

// stage copies at most maxBytes from r into a new file in dir.
// The file is removed again if anything fails.
func stage(r io.Reader, dir, format string, maxBytes int64) (*Staged, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	name := filepath.Join(dir, "whisper-"+uuid.NewString()+"."+format)

	f, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create staged audio file: %w", err)
	}
	s := &Staged{path: name, format: format}

	src := r
	if maxBytes > 0 {
		// Read one byte past the limit so an oversized body is detectable
		src = io.LimitReader(r, maxBytes+1)
	}

	n, copyErr := io.Copy(f, src)
	closeErr := f.Close()
	s.size = n

	switch {
	case copyErr != nil:
		_ = s.Release()
		return nil, fmt.Errorf("failed to write staged audio: %w", copyErr)
	case closeErr != nil:
		_ = s.Release()
		return nil, fmt.Errorf("failed to close staged audio: %w", closeErr)
	case maxBytes > 0 && n > maxBytes:
		_ = s.Release()
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, maxBytes)
	case n == 0:
		_ = s.Release()
		return nil, fmt.Errorf("%w: empty audio payload", ErrUnsupportedFormat)
	}

	return s, nil
}
