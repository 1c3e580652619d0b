package logfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Error is returned for every I/O failure on an event log.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("logfile %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Writer appends records to a local log file. Each record is written with a
// single write on an O_APPEND descriptor while holding an exclusive flock, so
// concurrent writers in this or other processes never interleave lines.
type Writer struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

func NewWriter(path string) *Writer {
	return &Writer{path: path, now: time.Now}
}

func (w *Writer) Path() string { return w.path }

// Append serializes and appends one record.
func (w *Writer) Append(eventType, text string) error {
	line, err := FormatRecord(w.now(), eventType, text)
	if err != nil {
		return err
	}
	return w.appendLine(line)
}

func (w *Writer) appendLine(line string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return &Error{Op: "mkdir", Path: w.path, Err: err}
	}
	f, err := os.OpenFile(w.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return &Error{Op: "open", Path: w.path, Err: err}
	}
	defer f.Close()

	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		return &Error{Op: "lock", Path: w.path, Err: err}
	}
	defer unix.Flock(fd, unix.LOCK_UN) //nolint:errcheck

	if _, err := f.WriteString(line); err != nil {
		return &Error{Op: "write", Path: w.path, Err: err}
	}
	return nil
}
