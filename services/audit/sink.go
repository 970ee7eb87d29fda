package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/upb/mcp-acp/models"
)

// FileSink appends each stream to <dir>/<stream>.jsonl, e.g. logs/audit/auth.jsonl.
// Files are opened once in append mode and never rotated or truncated.
type FileSink struct {
	dir string

	mu    sync.Mutex
	files map[models.AuditStream]*os.File
}

// NewFileSink creates a sink rooted at dir
func NewFileSink(dir string) (*FileSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("audit log directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}
	return &FileSink{
		dir:   dir,
		files: make(map[models.AuditStream]*os.File),
	}, nil
}

// Path returns the file a stream is written to
func (s *FileSink) Path(stream models.AuditStream) string {
	return filepath.Join(s.dir, filepath.FromSlash(string(stream))+".jsonl")
}

// Append writes line plus a newline with a single write call
func (s *FileSink) Append(stream models.AuditStream, line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[stream]
	if !ok {
		path := s.Path(stream)
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return fmt.Errorf("failed to create stream directory: %w", err)
		}
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", path, err)
		}
		s.files[stream] = f
	}

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("failed to write %s: %w", stream, err)
	}
	return nil
}

// Close closes every open stream file
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for stream, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.files, stream)
	}
	return firstErr
}

// MemorySink keeps appended lines in memory
type MemorySink struct {
	mu    sync.Mutex
	lines map[models.AuditStream][][]byte
}

// NewMemorySink creates an empty in-memory sink
func NewMemorySink() *MemorySink {
	return &MemorySink{lines: make(map[models.AuditStream][][]byte)}
}

// Append stores a copy of line
func (s *MemorySink) Append(stream models.AuditStream, line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lines[stream] = append(s.lines[stream], append([]byte(nil), line...))
	return nil
}

// Lines returns the lines appended to stream so far
func (s *MemorySink) Lines(stream models.AuditStream) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([][]byte, len(s.lines[stream]))
	copy(out, s.lines[stream])
	return out
}

// AuthEvents decodes the audit/auth stream
func (s *MemorySink) AuthEvents() ([]models.AuthEvent, error) {
	return decodeLines[models.AuthEvent](s.Lines(models.AuditStreamAuth))
}

// OperationEvents decodes the audit/operations stream
func (s *MemorySink) OperationEvents() ([]models.OperationEvent, error) {
	return decodeLines[models.OperationEvent](s.Lines(models.AuditStreamOperations))
}

// ConfigHistoryEvents decodes the system/config_history stream
func (s *MemorySink) ConfigHistoryEvents() ([]models.ConfigHistoryEvent, error) {
	return decodeLines[models.ConfigHistoryEvent](s.Lines(models.AuditStreamConfigHistory))
}

func decodeLines[T any](lines [][]byte) ([]T, error) {
	out := make([]T, 0, len(lines))
	for i, line := range lines {
		var v T
		if err := json.Unmarshal(line, &v); err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		out = append(out, v)
	}
	return out, nil
}
