// Package logging builds the process logger.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Size limits of the log file. Once the file grows past MaxFileSize it is
// cut down to its newest KeepFileSize bytes.
const (
	MaxFileSize  = 6 << 20
	KeepFileSize = 5 << 20
)

// ParseLevel maps a configured level name to a slog level. Unknown names
// fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New returns a text logger at level writing to path, or to stdout when path
// is empty. The returned closer releases the log file.
func New(level, path string) (*slog.Logger, io.Closer, error) {
	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}
	if path != "" {
		f, err := OpenFile(path)
		if err != nil {
			return nil, nil, err
		}
		out, closer = f, f
	}
	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: ParseLevel(level)}))
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// File is an append-only log file capped at MaxFileSize.
type File struct {
	mu   sync.Mutex
	f    *os.File
	max  int64
	keep int64
}

// OpenFile opens or creates the log file at path, creating its directory.
func OpenFile(path string) (*File, error) {
	return openFile(path, MaxFileSize, KeepFileSize)
}

func openFile(path string, max, keep int64) (*File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating log directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	lf := &File{f: f, max: max, keep: keep}
	if err := lf.capLocked(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return lf, nil
}

func (l *File) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, err := l.f.Write(p)
	if err != nil {
		return n, err
	}
	return n, l.capLocked()
}

// Close closes the underlying file.
func (l *File) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// capLocked keeps only the newest l.keep bytes once the file exceeds l.max.
func (l *File) capLocked() error {
	info, err := l.f.Stat()
	if err != nil {
		return fmt.Errorf("stat log file: %w", err)
	}
	size := info.Size()
	if size <= l.max {
		return nil
	}

	tail := make([]byte, l.keep)
	n, err := l.f.ReadAt(tail, size-l.keep)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading log tail: %w", err)
	}
	if err := l.f.Truncate(0); err != nil {
		return fmt.Errorf("truncating log file: %w", err)
	}
	// O_APPEND writes land at the new end of file.
	if _, err := l.f.Write(tail[:n]); err != nil {
		return fmt.Errorf("rewriting log tail: %w", err)
	}
	return nil
}
