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
	"sync"
)

// Entry is one keyed record.
type Entry struct {
	Key   string
	Value []byte
}

// Keyed stores JSON documents by key.
type Keyed interface {
	Put(ctx context.Context, key string, value []byte) error
	// Get returns ErrNotFound for an unknown key.
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context) ([]Entry, error)
}

// FileKeyed keeps documents as JSON lines in one file, each carrying its key
// in idField. The whole set is held in memory and every Put rewrites the file
// atomically, which also compacts away replaced versions.
type FileKeyed struct {
	path    string
	idField string
	logger  *slog.Logger

	mu      sync.Mutex
	order   []string
	records map[string][]byte
}

// OpenFileKeyed loads path if it exists. Lines that do not parse, or lack a
// string idField, are logged and dropped.
func OpenFileKeyed(path, idField string, logger *slog.Logger) (*FileKeyed, error) {
	if logger == nil {
		logger = slog.Default()
	}
	k := &FileKeyed{
		path:    path,
		idField: idField,
		logger:  logger,
		records: make(map[string][]byte),
	}

	f, err := os.Open(path) //nolint:gosec // path comes from configuration
	if errors.Is(err, fs.ErrNotExist) {
		return k, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		key, err := k.keyOf(line)
		if err != nil {
			logger.Warn("storage: skipping corrupt record", "path", path, "line", lineNo, "error", err)
			continue
		}
		k.set(key, bytes.Clone(line))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", path, err)
	}
	return k, nil
}

func (k *FileKeyed) keyOf(doc []byte) (string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(doc, &fields); err != nil {
		return "", err
	}
	raw, ok := fields[k.idField]
	if !ok {
		return "", fmt.Errorf("missing %q", k.idField)
	}
	var key string
	if err := json.Unmarshal(raw, &key); err != nil {
		return "", fmt.Errorf("field %q: %w", k.idField, err)
	}
	return key, nil
}

func (k *FileKeyed) set(key string, doc []byte) {
	if _, ok := k.records[key]; !ok {
		k.order = append(k.order, key)
	}
	k.records[key] = doc
}

// Put stores value under key. value must be a JSON object whose idField is key.
func (k *FileKeyed) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var line bytes.Buffer
	if err := json.Compact(&line, value); err != nil {
		return fmt.Errorf("storage: put %s: %w", key, err)
	}
	got, err := k.keyOf(line.Bytes())
	if err != nil {
		return fmt.Errorf("storage: put %s: %w", key, err)
	}
	if got != key {
		return fmt.Errorf("storage: put %s: document %s is %q", key, k.idField, got)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	prev, existed := k.records[key]
	k.set(key, line.Bytes())
	if err := k.flush(); err != nil {
		if existed {
			k.records[key] = prev
		} else {
			delete(k.records, key)
			k.order = k.order[:len(k.order)-1]
		}
		return err
	}
	return nil
}

func (k *FileKeyed) flush() error {
	var buf bytes.Buffer
	for _, key := range k.order {
		buf.Write(k.records[key])
		buf.WriteByte('\n')
	}
	return writeFileAtomic(k.path, buf.Bytes())
}

func (k *FileKeyed) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	doc, ok := k.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(doc), nil
}

// List returns every record in first-insertion order.
func (k *FileKeyed) List(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]Entry, 0, len(k.order))
	for _, key := range k.order {
		out = append(out, Entry{Key: key, Value: bytes.Clone(k.records[key])})
	}
	return out, nil
}
