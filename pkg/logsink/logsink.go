package logsink

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"unicode/utf8"

	sweeperv1 "github.com/dominodatalab/sweeper/pkg/api/sweeper/v1"
)

// Sink persists stage output. Destinations are fixed per stage kind and shared by every run.
type Sink interface {
	// Ensure creates every destination with its retention policy. It is idempotent.
	Ensure(ctx context.Context) error
	// Open starts a stream for one stage invocation.
	Open(ctx context.Context, stage sweeperv1.StageName, runID string) (Stream, error)
}

// Stream receives the output of one stage invocation. Close flushes everything written; output
// is not durable until Close returns nil.
type Stream interface {
	Write(p []byte) (int, error)
	Destination() string
	Name() string
	Close(ctx context.Context) error
}

// DestinationName returns the log destination for an executable stage kind.
func DestinationName(prefix string, stage sweeperv1.StageName) string {
	prefix = strings.TrimSuffix(prefix, "/")

	switch stage {
	case sweeperv1.StageDryRun:
		return prefix + "/dry-run-project"
	case sweeperv1.StageRun:
		return prefix + "/run-project"
	}
	return ""
}

// Destinations lists every destination under prefix.
func Destinations(prefix string) []string {
	return []string{
		DestinationName(prefix, sweeperv1.StageDryRun),
		DestinationName(prefix, sweeperv1.StageRun),
	}
}

// StreamName returns the stream an invocation writes to within its destination.
func StreamName(runID string, stage sweeperv1.StageName) string {
	return runID + "/" + strings.ToLower(string(stage))
}

// lineBuffer splits arbitrary writes into complete lines. A trailing partial line is held until
// more data arrives or the buffer is drained. No line it returns exceeds maxEventBytes: longer
// lines, terminated or not, come out in pieces cut on rune boundaries.
type lineBuffer struct {
	mu      sync.Mutex
	partial []byte
}

func (l *lineBuffer) push(p []byte) (lines []string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data := append(l.partial, p...)
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		lines = appendChunks(lines, bytes.TrimSuffix(data[:idx], []byte("\r")))
		data = data[idx+1:]
	}
	for len(data) > maxEventBytes {
		n := runeBoundary(data, maxEventBytes)
		lines = append(lines, string(data[:n]))
		data = data[n:]
	}
	l.partial = append([]byte(nil), data...)

	return
}

func (l *lineBuffer) drain() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	rest := string(l.partial)
	l.partial = nil

	return rest
}

func appendChunks(lines []string, line []byte) []string {
	for len(line) > maxEventBytes {
		n := runeBoundary(line, maxEventBytes)
		lines = append(lines, string(line[:n]))
		line = line[n:]
	}
	return append(lines, string(line))
}

// runeBoundary returns the largest cut point not above n that leaves UTF-8 sequences whole.
// Invalid input is cut at n.
func runeBoundary[T string | []byte](s T, n int) int {
	if n >= len(s) {
		return len(s)
	}
	for i := n; i > 0 && i > n-utf8.UTFMax; i-- {
		if utf8.RuneStart(s[i]) {
			return i
		}
	}
	return n
}
