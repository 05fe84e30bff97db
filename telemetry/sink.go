package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/colorfulnotion/silhouette/log"
)

// Sink appends stat lines. Every line goes out in a single write on an
// O_APPEND descriptor, so concurrent compiler processes sharing a stat
// directory never interleave within a line.
type Sink struct {
	dir      string
	mu       sync.Mutex
	files    map[string]*os.File
	disabled bool // if true, records are dropped
}

// NewNoOpSink returns a sink that records nothing.
func NewNoOpSink() *Sink {
	return &Sink{disabled: true}
}

// NewSink writes under dir, creating it if needed. An empty dir gives a
// no-op sink.
func NewSink(dir string) (*Sink, error) {
	if dir == "" {
		return NewNoOpSink(), nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	return &Sink{dir: dir, files: make(map[string]*os.File)}, nil
}

func (s *Sink) Dir() string { return s.dir }

// RecordSize logs a function's byte size before and after a pass.
func (s *Sink) RecordSize(file, fn string, oldSize, newSize int) {
	s.append(file, fmt.Sprintf("%s:%d:%d\n", fn, oldSize, newSize))
}

// RecordJumpTable notes one jump-table branch left unguarded in fn.
func (s *Sink) RecordJumpTable(fn string) {
	s.append(JumpTableJump, fn+"\n")
}

// RecordGap notes an instruction a pass deliberately left alone.
func (s *Sink) RecordGap(fn, opcode, reason string) {
	s.append(Gaps, fmt.Sprintf("%s:%s:%s\n", fn, opcode, reason))
}

// append never fails the caller; write errors are logged.
func (s *Sink) append(name, line string) {
	if s == nil || s.disabled {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[name]
	if !ok {
		var err error
		f, err = os.OpenFile(filepath.Join(s.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			log.Warn(log.PipelineMonitoring, "telemetry: open failed", "file", name, "err", err)
			return
		}
		s.files[name] = f
	}
	if _, err := f.Write([]byte(line)); err != nil {
		log.Warn(log.PipelineMonitoring, "telemetry: write failed", "file", name, "err", err)
	}
}

// Close releases the open stat files.
func (s *Sink) Close() error {
	if s == nil || s.disabled {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for name, f := range s.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
		delete(s.files, name)
	}
	return first
}
