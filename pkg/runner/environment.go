package runner

import (
	"context"
	"io"
	"sort"
	"sync"

	sweeperv1 "github.com/dominodatalab/sweeper/pkg/api/sweeper/v1"
)

// Environment is an isolated place the deletion tool runs in.
type Environment interface {
	// Execute runs the command to completion and returns its exit code. A non-nil error means the
	// environment itself failed and the exit code is meaningless.
	Execute(ctx context.Context, exec *Execution) (int, error)
}

// Execution describes one command to run inside an Environment.
type Execution struct {
	Name  string
	RunID string
	Stage sweeperv1.StageName

	Image      string
	Command    []string
	Env        map[string]string
	Privileged bool

	// SourceDir holds the extracted snapshot and is the working directory of the command.
	SourceDir string
	// DockerConfigDir holds the registry credentials as a docker config.json.
	DockerConfigDir string

	Output io.Writer
}

// EnvList renders Env as sorted KEY=VALUE pairs with extra appended.
func (e *Execution) EnvList(extra map[string]string) []string {
	merged := make(map[string]string, len(e.Env)+len(extra))
	for k, v := range e.Env {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+merged[k])
	}

	return out
}

// Labels identify resources created for an execution.
func (e *Execution) Labels() map[string]string {
	return map[string]string{
		"app.kubernetes.io/managed-by":    "sweeper",
		"sweeper.dominodatalab.com/run":   e.RunID,
		"sweeper.dominodatalab.com/stage": stageSlug(e.Stage),
	}
}

type teeWriter struct {
	mu      sync.Mutex
	primary io.Writer
	tail    *tailBuffer
	err     error
}

// Write always reports success to the command so it is never blocked by a failing sink; the
// first sink error surfaces when the stream is closed.
func (t *teeWriter) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, _ = t.tail.Write(p)
	if t.err == nil {
		_, t.err = t.primary.Write(p)
	}

	return len(p), nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = 64 * 1024
	}
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append([]byte(nil), t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
