// Package file reads seed documents from the local filesystem.
package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// DefaultMaxBytes caps a seed document read from disk. Documents are decoded
// whole, so the cap bounds memory per step.
const DefaultMaxBytes int64 = 64 << 20

var (
	// ErrTooLarge reports a file over the size cap.
	ErrTooLarge = errors.New("file exceeds size limit")
	// ErrNotRegular reports a directory or other non-regular file.
	ErrNotRegular = errors.New("not a regular file")
)

// Local opens one seed file. It is safe for concurrent use.
type Local struct {
	path     string
	maxBytes int64
}

// NewLocal binds path. maxBytes <= 0 means DefaultMaxBytes.
func NewLocal(path string, maxBytes int64) *Local {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Local{path: path, maxBytes: maxBytes}
}

func (l *Local) Path() string { return l.path }

// Open returns the file for reading after checking its type and size. A
// canceled context returns its error without touching the filesystem.
// Filesystem errors stay matchable with errors.Is (os.ErrNotExist).
func (l *Local) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", l.path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", l.path, err)
	}
	if !st.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("%s: %w", l.path, ErrNotRegular)
	}
	if st.Size() > l.maxBytes {
		f.Close()
		return nil, fmt.Errorf("%s is %d bytes, limit %d: %w", l.path, st.Size(), l.maxBytes, ErrTooLarge)
	}
	return f, nil
}
