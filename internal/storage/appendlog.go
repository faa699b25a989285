package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// maxLine bounds a single JSON line.
const maxLine = 16 * 1024 * 1024

// AppendLog is an append-only file of JSON lines.
type AppendLog struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewAppendLog returns a log at path. The file is created on first append.
func NewAppendLog(path string, logger *slog.Logger) *AppendLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &AppendLog{path: path, logger: logger}
}

// Path returns the log file path.
func (l *AppendLog) Path() string { return l.path }

// Append marshals v and writes it as one line, synced to disk before returning.
func (l *AppendLog) Append(ctx context.Context, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: marshal record: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return fmt.Errorf("storage: create dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // path comes from configuration
	if err != nil {
		return fmt.Errorf("storage: open log: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("storage: append: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("storage: sync log: %w", err)
	}
	return f.Close()
}

// Scan calls fn for every well-formed line in append order. Lines that are not
// valid JSON are logged and skipped. A missing file scans as empty.
func (l *AppendLog) Scan(ctx context.Context, fn func(json.RawMessage) error) error {
	l.mu.Lock()
	data, err := os.ReadFile(l.path)
	l.mu.Unlock()
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("storage: read log: %w", err)
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	lineNo := 0
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			l.logger.Warn("storage: skipping corrupt line", "path", l.path, "line", lineNo)
			continue
		}
		if err := fn(json.RawMessage(bytes.Clone(line))); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("storage: scan log: %w", err)
	}
	return nil
}

// ReadAll decodes every line of l into T. Lines that fail to decode into T
// are logged and skipped like malformed JSON.
func ReadAll[T any](ctx context.Context, l *AppendLog) ([]T, error) {
	var out []T
	err := l.Scan(ctx, func(raw json.RawMessage) error {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			l.logger.Warn("storage: skipping undecodable line", "path", l.path, "error", err)
			return nil
		}
		out = append(out, v)
		return nil
	})
	return out, err
}
