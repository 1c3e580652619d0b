package logfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// DefaultReadChunk bounds how many bytes a single ReadFrom returns.
const DefaultReadChunk = 1 << 20

// Source is the read side of an event log.
//
// ReadFrom never returns bytes before offset, and successive calls with
// increasing offsets return disjoint spans in file order. A log that does
// not exist yet has zero bytes.
type Source interface {
	ByteCount(ctx context.Context) (int64, error)
	ReadFrom(ctx context.Context, offset int64) ([]byte, error)
}

// FileSource reads a log on the local filesystem.
type FileSource struct {
	path    string
	maxRead int64
}

func NewFileSource(path string, maxRead int64) *FileSource {
	if maxRead < 2*MaxRecordSize {
		maxRead = DefaultReadChunk
	}
	return &FileSource{path: path, maxRead: maxRead}
}

func (s *FileSource) Path() string { return s.path }

func (s *FileSource) ByteCount(_ context.Context) (int64, error) {
	fi, err := os.Stat(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, &Error{Op: "stat", Path: s.path, Err: err}
	}
	return fi.Size(), nil
}

func (s *FileSource) ReadFrom(_ context.Context, offset int64) ([]byte, error) {
	if offset < 0 {
		return nil, &Error{Op: "read", Path: s.path, Err: fmt.Errorf("negative offset %d", offset)}
	}
	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &Error{Op: "open", Path: s.path, Err: err}
	}
	defer f.Close()

	buf, err := readSpan(f, offset, s.maxRead)
	if err != nil {
		return nil, &Error{Op: "read", Path: s.path, Err: err}
	}
	return buf, nil
}

func readSpan(r io.ReadSeeker, offset, limit int64) ([]byte, error) {
	if _, err := r.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(io.LimitReader(r, limit))
}
