package logsink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/natefinch/lumberjack.v2"

	sweeperv1 "github.com/dominodatalab/sweeper/pkg/api/sweeper/v1"
)

// File writes stage output to rotated files under a directory, one file per destination. Each
// line is prefixed with its stream name and timestamp.
type File struct {
	dir           string
	prefix        string
	retentionDays int
	now           func() time.Time

	mu      sync.Mutex
	writers map[string]*lumberjack.Logger
}

func NewFile(dir, prefix string, retentionDays int) *File {
	return &File{
		dir:           dir,
		prefix:        prefix,
		retentionDays: retentionDays,
		now:           time.Now,
		writers:       map[string]*lumberjack.Logger{},
	}
}

func (f *File) Ensure(context.Context) error {
	if err := os.MkdirAll(f.dir, 0o750); err != nil {
		return fmt.Errorf("cannot create log directory: %w", err)
	}
	for _, dest := range Destinations(f.prefix) {
		if _, err := f.writer(dest); err != nil {
			return err
		}
	}

	return nil
}

func (f *File) Open(_ context.Context, stage sweeperv1.StageName, runID string) (Stream, error) {
	dest := DestinationName(f.prefix, stage)
	if dest == "" {
		return nil, fmt.Errorf("stage %q has no log destination", stage)
	}

	w, err := f.writer(dest)
	if err != nil {
		return nil, err
	}

	return &fileStream{sink: f, w: w, dest: dest, name: StreamName(runID, stage)}, nil
}

// Path returns the file a destination is written to.
func (f *File) Path(dest string) string {
	name := strings.ReplaceAll(strings.Trim(dest, "/"), "/", "_")
	return filepath.Join(f.dir, name+".log")
}

// Close closes every underlying file.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var err error
	for dest, w := range f.writers {
		err = multierr.Append(err, w.Close())
		delete(f.writers, dest)
	}

	return err
}

func (f *File) writer(dest string) (*lumberjack.Logger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if w, ok := f.writers[dest]; ok {
		return w, nil
	}
	if err := os.MkdirAll(f.dir, 0o750); err != nil {
		return nil, fmt.Errorf("cannot create log directory: %w", err)
	}

	w := &lumberjack.Logger{
		Filename: f.Path(dest),
		MaxAge:   f.retentionDays,
		Compress: true,
	}
	f.writers[dest] = w

	return w, nil
}

type fileStream struct {
	sink  *File
	w     *lumberjack.Logger
	dest  string
	name  string
	lines lineBuffer

	mu     sync.Mutex
	closed bool
}

func (s *fileStream) Destination() string { return s.dest }
func (s *fileStream) Name() string        { return s.name }

func (s *fileStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, errors.New("write to closed log stream")
	}
	for _, line := range s.lines.push(p) {
		if err := s.writeLine(line); err != nil {
			return 0, err
		}
	}

	return len(p), nil
}

func (s *fileStream) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if rest := s.lines.drain(); rest != "" {
		return s.writeLine(rest)
	}
	return nil
}

func (s *fileStream) writeLine(line string) error {
	ts := s.sink.now().UTC().Format(time.RFC3339Nano)
	_, err := fmt.Fprintf(s.w, "%s %s %s\n", ts, s.name, line)
	return err
}
