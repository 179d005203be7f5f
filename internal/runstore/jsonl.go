package runstore

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// LineLog is an append-only file of JSON objects, one per line. Each Append
// opens, writes and closes the file so a crash never leaves a torn buffer.
type LineLog struct {
	path string
	mu   sync.Mutex
}

// NewLineLog returns a log at path. The file and its parents are created on
// the first Append.
func NewLineLog(path string) *LineLog {
	return &LineLog{path: path}
}

// Path returns the file path.
func (l *LineLog) Path() string { return l.path }

// Append writes v as one JSON line.
func (l *LineLog) Append(v any) error {
	if l == nil || l.path == "" {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("runstore: marshal log line: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("runstore: create log dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) //nolint:gosec // path is derived from the run slug
	if err != nil {
		return fmt.Errorf("runstore: open log: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("runstore: append log: %w", err)
	}
	return f.Close()
}

// ReadLines decodes every non-blank line of path as a T. A missing file
// yields no lines. Lines that fail to decode are
// skipped and counted.
func ReadLines[T any](path string) ([]T, int, error) {
	f, err := os.Open(path) //nolint:gosec // path is derived from the run slug
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("runstore: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var (
		out     []T
		skipped int
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var v T
		if err := json.Unmarshal(line, &v); err != nil {
			skipped++
			continue
		}
		out = append(out, v)
	}
	if err := scanner.Err(); err != nil {
		return out, skipped, fmt.Errorf("runstore: scan %s: %w", path, err)
	}
	return out, skipped, nil
}
