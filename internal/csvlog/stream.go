// Package csvlog implements the append-only CSV streams every benchmark log is
// written through.
package csvlog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

var (
	// ErrClosed is returned when writing to a closed stream.
	ErrClosed = errors.New("csvlog: stream closed")
	// ErrRowWidth is returned for a row whose width differs from the header.
	ErrRowWidth = errors.New("csvlog: row width does not match header")
)

// Stream owns exactly one destination file. The header is written once by
// Create; every later write appends rows.
type Stream struct {
	name    string
	path    string
	columns int

	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
	closed bool
}

// Create truncates path, writes the header row and leaves the stream open for
// appending.
func Create(name, path string, header []string) (*Stream, error) {
	if len(header) == 0 {
		return nil, fmt.Errorf("stream %s: empty header", name)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("stream %s: create directory: %w", name, err)
	}
	// #nosec G304 -- output path comes from the run layout.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("stream %s: open: %w", name, err)
	}
	s := newStream(name, path, file, len(header))
	if err := s.Append(header); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stream %s: write header: %w", name, err)
	}
	return s, nil
}

// OpenAppend opens an existing stream whose header was already written,
// possibly by another process.
func OpenAppend(name, path string) (*Stream, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stream %s: %w", name, err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("stream %s: missing header in %s", name, path)
	}
	columns, err := headerWidth(path)
	if err != nil {
		return nil, fmt.Errorf("stream %s: read header: %w", name, err)
	}
	// #nosec G304 -- output path comes from the run layout.
	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("stream %s: open: %w", name, err)
	}
	return newStream(name, path, file, columns), nil
}

func headerWidth(path string) (int, error) {
	// #nosec G304 -- output path comes from the run layout.
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()
	header, err := csv.NewReader(file).Read()
	if err != nil {
		return 0, err
	}
	return len(header), nil
}

func newStream(name, path string, file *os.File, columns int) *Stream {
	return &Stream{
		name:    name,
		path:    path,
		columns: columns,
		file:    file,
		writer:  csv.NewWriter(file),
	}
}

// Name returns the logical stream name.
func (s *Stream) Name() string { return s.name }

// Path returns the backing file path.
func (s *Stream) Path() string { return s.path }

// Write buffers one row without flushing.
func (s *Stream) Write(row []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(row); err != nil {
		return err
	}
	return s.writer.Write(row)
}

// Append writes one row and flushes it to the file.
func (s *Stream) Append(row []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(row); err != nil {
		return err
	}
	if err := s.writer.Write(row); err != nil {
		return err
	}
	s.writer.Flush()
	return s.writer.Error()
}

func (s *Stream) check(row []string) error {
	if s.closed {
		return ErrClosed
	}
	if len(row) != s.columns {
		return fmt.Errorf("stream %s: %w: got %d, want %d", s.name, ErrRowWidth, len(row), s.columns)
	}
	return nil
}

// Flush pushes buffered rows to the file.
func (s *Stream) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.writer.Flush()
	return s.writer.Error()
}

// Close flushes and closes the file. Safe for repeated use.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.writer.Flush()
	return errors.Join(s.writer.Error(), s.file.Close())
}
