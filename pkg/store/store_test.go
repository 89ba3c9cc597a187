package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sweeperv1 "github.com/dominodatalab/sweeper/pkg/api/sweeper/v1"
	"github.com/dominodatalab/sweeper/pkg/config"
)

var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func backends(t *testing.T) map[string]Store {
	t.Helper()

	lite, err := NewSQLite(filepath.Join(t.TempDir(), "sweeper.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = lite.Close() })

	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": lite,
	}
}

func newRun(id string, offset time.Duration) *sweeperv1.PipelineRun {
	return sweeperv1.NewPipelineRun(id, "remove-resource", "alice", base.Add(offset))
}

func TestStoreRuns(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			run := newRun("run-1", 0)
			require.NoError(t, s.CreateRun(ctx, run))
			assert.ErrorIs(t, s.CreateRun(ctx, run), ErrExists)

			// callers own their copy
			run.Phase = sweeperv1.RunPhaseRunning
			got, err := s.GetRun(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, sweeperv1.RunPhasePending, got.Phase)

			started := base.Add(time.Minute)
			run.Stage(sweeperv1.StageSource).Phase = sweeperv1.PhaseRunning
			run.Stage(sweeperv1.StageSource).StartedAt = &started
			run.Snapshot = &sweeperv1.SourceSnapshot{Digest: "sha256:abc", Archive: "/snap/abc.tar.gz"}
			run.Transitions = []sweeperv1.Transition{{
				Stage:         sweeperv1.StageSource,
				PreviousPhase: sweeperv1.PhasePending,
				Phase:         sweeperv1.PhaseRunning,
				RunPhase:      sweeperv1.RunPhaseRunning,
				OccurredAt:    started,
			}}
			run.UpdatedAt = started
			require.NoError(t, s.UpdateRun(ctx, run))

			got, err = s.GetRun(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, run, got)

			_, err = s.GetRun(ctx, "run-404")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, s.UpdateRun(ctx, newRun("run-404", 0)), ErrNotFound)

			require.NoError(t, s.CreateRun(ctx, newRun("run-3", 2*time.Hour)))
			require.NoError(t, s.CreateRun(ctx, newRun("run-2", time.Hour)))

			runs, err := s.ListRuns(ctx)
			require.NoError(t, err)
			var ids []string
			for _, r := range runs {
				ids = append(ids, r.ID)
			}
			assert.Equal(t, []string{"run-3", "run-2", "run-1"}, ids)

			require.NoError(t, s.DeleteRun(ctx, "run-2"))
			assert.ErrorIs(t, s.DeleteRun(ctx, "run-2"), ErrNotFound)
			runs, err = s.ListRuns(ctx)
			require.NoError(t, err)
			assert.Len(t, runs, 2)
		})
	}
}

func TestStoreAudit(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			events := []sweeperv1.AuditEvent{
				{OccurredAt: base, RunID: "run-1", Actor: "alice", Action: sweeperv1.AuditTrigger, Subject: "remove-resource"},
				{OccurredAt: base.Add(time.Second), RunID: "run-2", Actor: "alice", Action: sweeperv1.AuditTrigger},
				{OccurredAt: base.Add(2 * time.Second), RunID: "run-1", Actor: "executor", Action: sweeperv1.AuditAssume, Detail: "stage=DryRun"},
			}
			for _, e := range events {
				require.NoError(t, s.RecordAudit(ctx, e))
			}

			got, err := s.ListAudit(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, []sweeperv1.AuditEvent{events[0], events[2]}, got)

			all, err := s.ListAudit(ctx, "")
			require.NoError(t, err)
			assert.Len(t, all, 3)

			none, err := s.ListAudit(ctx, "run-404")
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestSQLiteReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sweeper.db")

	s, err := NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.CreateRun(ctx, newRun("run-1", 0)))
	require.NoError(t, s.Close())

	s, err = NewSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", run.TriggeredBy)
}

func TestNew(t *testing.T) {
	s, err := New(config.Store{Type: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	s, err = New(config.Store{Type: "sqlite", Path: filepath.Join(t.TempDir(), "x.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLite{}, s)
	require.NoError(t, s.Close())

	_, err = New(config.Store{Type: "etcd"})
	assert.EqualError(t, err, `unsupported store type "etcd"`)
}
