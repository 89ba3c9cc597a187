package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	sweeperv1 "github.com/dominodatalab/sweeper/pkg/api/sweeper/v1"
)

// Memory keeps everything in process. It is lost on restart.
type Memory struct {
	mu     sync.RWMutex
	runs   map[string]*sweeperv1.PipelineRun
	audits []sweeperv1.AuditEvent
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{runs: map[string]*sweeperv1.PipelineRun{}}
}

func (m *Memory) CreateRun(_ context.Context, run *sweeperv1.PipelineRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[run.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, run.ID)
	}
	m.runs[run.ID] = run.DeepCopy()

	return nil
}

func (m *Memory) UpdateRun(_ context.Context, run *sweeperv1.PipelineRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[run.ID]; !ok {
		return notFound(run.ID)
	}
	m.runs[run.ID] = run.DeepCopy()

	return nil
}

func (m *Memory) GetRun(_ context.Context, id string) (*sweeperv1.PipelineRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, notFound(id)
	}

	return run.DeepCopy(), nil
}

func (m *Memory) ListRuns(context.Context) ([]*sweeperv1.PipelineRun, error) {
	m.mu.RLock()
	out := make([]*sweeperv1.PipelineRun, 0, len(m.runs))
	for _, run := range m.runs {
		out = append(out, run.DeepCopy())
	}
	m.mu.RUnlock()

	sortNewestFirst(out)
	return out, nil
}

func (m *Memory) DeleteRun(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[id]; !ok {
		return notFound(id)
	}
	delete(m.runs, id)

	return nil
}

func (m *Memory) RecordAudit(_ context.Context, event sweeperv1.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.audits = append(m.audits, event)
	return nil
}

func (m *Memory) ListAudit(_ context.Context, runID string) ([]sweeperv1.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []sweeperv1.AuditEvent
	for _, e := range m.audits {
		if runID == "" || e.RunID == runID {
			out = append(out, e)
		}
	}

	return out, nil
}

func (m *Memory) Close() error {
	return nil
}

func sortNewestFirst(runs []*sweeperv1.PipelineRun) {
	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
}
