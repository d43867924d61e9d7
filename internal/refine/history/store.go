// Package history persists the append-only collections the pipeline feeds
// back into its prompts: calls, conclusions, debug steps and analyses.
package history

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/spf13/afero"
)

type Format string

const (
	// FormatJSONArray keeps the whole collection as one indented JSON array,
	// rewritten on every append.
	FormatJSONArray Format = "json_array"
	// FormatNDJSON keeps one record per line and only ever appends.
	FormatNDJSON Format = "ndjson"
)

// Well-known collection names.
const (
	Calls       = "claude_history"
	Conclusions = "conclusions"
	Debug       = "debug_history"
	Analyses    = "analysis_history"
)

func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatNDJSON:
		return FormatNDJSON, nil
	case FormatJSONArray:
		return FormatJSONArray, nil
	}
	return "", fmt.Errorf("unknown history format %q (want ndjson or json_array)", s)
}

// FileName returns the on-disk name for a collection in the given format.
func FileName(name string, format Format) string {
	if format == FormatJSONArray {
		return name + ".json"
	}
	return name + ".ndjson"
}

// Store is one append-only collection of T. Records are read once at Open;
// every Append is persisted before it becomes visible.
type Store[T any] struct {
	fs     afero.Fs
	path   string
	format Format

	mu      sync.Mutex
	records []T
	// migrate is set when the file on disk is in the other layout; the next
	// append rewrites it in the configured one.
	migrate bool
}

// Open loads the collection at path. A missing or empty file is an empty
// history.
func Open[T any](fs afero.Fs, path string, format Format) (*Store[T], error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if format == "" {
		format = FormatNDJSON
	}
	s := &Store[T]{fs: fs, path: path, format: format}
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("read history %s: %w", path, err)
	}
	recs, onDisk, err := decodeRecords[T](b)
	if err != nil {
		return nil, fmt.Errorf("decode history %s: %w", path, err)
	}
	s.records = recs
	s.migrate = onDisk != "" && onDisk != format
	return s, nil
}

// OpenDir opens collection name under dir using the format's file extension.
func OpenDir[T any](fs afero.Fs, dir, name string, format Format) (*Store[T], error) {
	return Open[T](fs, filepath.Join(dir, FileName(name, format)), format)
}

func decodeRecords[T any](b []byte) ([]T, Format, error) {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 {
		return nil, "", nil
	}
	if trimmed[0] == '[' {
		var out []T
		if err := json.Unmarshal(trimmed, &out); err != nil {
			return nil, "", err
		}
		return out, FormatJSONArray, nil
	}
	var out []T
	sc := bufio.NewScanner(bytes.NewReader(trimmed))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var rec T
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, "", fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, "", err
	}
	return out, FormatNDJSON, nil
}

// Append persists rec and then adds it to the in-memory view. On error the
// collection is unchanged.
func (s *Store[T]) Append(rec T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("history dir: %w", err)
	}
	unlock, err := s.lockFile()
	if err != nil {
		return err
	}
	defer unlock()

	next := append(append(make([]T, 0, len(s.records)+1), s.records...), rec)
	switch {
	case s.format == FormatJSONArray:
		err = s.rewriteArray(next)
	case s.migrate:
		err = s.rewriteLines(next)
	default:
		err = s.appendLine(rec)
	}
	if err != nil {
		return fmt.Errorf("append history %s: %w", s.path, err)
	}
	s.records = next
	s.migrate = false
	return nil
}

// lockFile takes an exclusive advisory lock beside the history file. Only the
// OS filesystem is shared across processes, so other filesystems skip it.
func (s *Store[T]) lockFile() (func(), error) {
	if _, ok := s.fs.(*afero.OsFs); !ok {
		return func() {}, nil
	}
	fl := flock.New(s.path + ".lock")
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("lock history %s: %w", s.path, err)
	}
	return func() { _ = fl.Unlock() }, nil
}

func (s *Store[T]) rewriteArray(recs []T) error {
	if recs == nil {
		recs = []T{}
	}
	b, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return err
	}
	return s.replace(append(b, '\n'))
}

func (s *Store[T]) rewriteLines(recs []T) error {
	var buf bytes.Buffer
	for _, r := range recs {
		b, err := json.Marshal(r)
		if err != nil {
			return err
		}
		buf.Write(b)
		buf.WriteByte('\n')
	}
	return s.replace(buf.Bytes())
}

func (s *Store[T]) replace(b []byte) error {
	tmp := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, b, 0o644); err != nil {
		return err
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		_ = s.fs.Remove(tmp)
		return err
	}
	return nil
}

func (s *Store[T]) appendLine(rec T) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	f, err := s.fs.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Last returns up to n most recent records, oldest first.
func (s *Store[T]) Last(n int) []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || len(s.records) == 0 {
		return nil
	}
	if n > len(s.records) {
		n = len(s.records)
	}
	return append([]T{}, s.records[len(s.records)-n:]...)
}

func (s *Store[T]) All() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]T{}, s.records...)
}

func (s *Store[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
