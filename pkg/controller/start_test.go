package controller

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/zapr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	sweeperv1 "github.com/dominodatalab/sweeper/pkg/api/sweeper/v1"
	"github.com/dominodatalab/sweeper/pkg/config"
	"github.com/dominodatalab/sweeper/pkg/logsink"
	"github.com/dominodatalab/sweeper/pkg/server"
)

const secretRef = "arn:aws:secretsmanager:us-west-2:123456789012:secret:dockerhub"

func localConfig(t *testing.T) config.Config {
	t.Helper()

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "nuke-config.yaml"), []byte("regions: [us-west-2]\n"), 0o644))

	cfg := config.Default()
	cfg.Pipeline.SecretRef = secretRef
	cfg.Pipeline.ApprovalReminder = nil
	cfg.Identity = config.Identity{
		Backend:         "static",
		ExecutorRoleARN: "arn:aws:iam::123456789012:role/remove-resource-pipeline-codebuild",
		ActorRoleARN:    "arn:aws:iam::123456789012:role/AwsNukeRole",
		SessionDuration: time.Hour,
	}
	cfg.Secrets = config.Secrets{
		Backend:        "static",
		RegistryServer: config.DefaultRegistryServer,
		Static:         map[string]string{secretRef: `{"username":"sweeper","password":"hunter2"}`},
	}
	cfg.Source = config.Source{Type: "dir", Path: src, SnapshotDir: t.TempDir()}
	cfg.Runner = config.Runner{
		Environment:     "process",
		Command:         []string{"/bin/sh", "-c", `echo "sweeping dry-run=$AWS_NUKE_DRY_RUN"`},
		OutputTailBytes: 4096,
	}
	cfg.LogSink = config.LogSink{Type: "file", Directory: t.TempDir(), RetentionDays: 7}
	cfg.Store = config.Store{Type: "memory"}

	require.NoError(t, cfg.Validate())
	return cfg
}

func startLocal(t *testing.T, cfg config.Config) (*Sweeper, *server.Client) {
	t.Helper()

	log := zapr.NewLogger(zaptest.NewLogger(t))
	sw, err := New(context.Background(), log, cfg)
	require.NoError(t, err)

	srv := httptest.NewServer(sw.Handler())
	t.Cleanup(func() {
		srv.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, sw.Close(ctx))
	})

	return sw, server.NewClient(log, srv.URL, "jane.doe")
}

func awaitRunPhase(t *testing.T, client *server.Client, runID string, phase sweeperv1.RunPhase) *sweeperv1.PipelineRun {
	t.Helper()

	var run *sweeperv1.PipelineRun
	require.Eventually(t, func() bool {
		var err error
		run, err = client.GetRun(context.Background(), runID)
		return err == nil && run.Phase == phase
	}, 10*time.Second, 20*time.Millisecond, "run %s never reached %s", runID, phase)

	return run
}

func TestSweeperApprovedRun(t *testing.T) {
	cfg := localConfig(t)
	_, client := startLocal(t, cfg)
	ctx := context.Background()

	run, err := client.Trigger(ctx)
	require.NoError(t, err)
	assert.Equal(t, "jane.doe", run.TriggeredBy)

	run = awaitRunPhase(t, client, run.ID, sweeperv1.RunPhaseAwaitingApproval)
	dryRun := run.Invocation(sweeperv1.StageDryRun)
	require.NotNil(t, dryRun)
	assert.Contains(t, dryRun.Output, "dry-run=true")
	assert.Equal(t, logsink.DestinationName(cfg.Pipeline.LogDestinationPrefix, sweeperv1.StageDryRun), dryRun.LogDestination)

	pending, err := client.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, run.ID, pending[0].RunID)

	rec, err := client.Decide(ctx, run.ID, sweeperv1.DecisionApprove, "looks right")
	require.NoError(t, err)
	assert.Equal(t, "jane.doe", rec.Actor)

	run = awaitRunPhase(t, client, run.ID, sweeperv1.RunPhaseSucceeded)
	final := run.Invocation(sweeperv1.StageRun)
	require.NotNil(t, final)
	assert.Contains(t, final.Output, "dry-run=false")
	assert.Equal(t, dryRun.SnapshotDigest, final.SnapshotDigest)
	assert.NotEqual(t, dryRun.SessionID, final.SessionID)

	events, err := client.Audit(ctx, run.ID)
	require.NoError(t, err)
	var actions []sweeperv1.AuditAction
	for _, ev := range events {
		actions = append(actions, ev.Action)
	}
	assert.Contains(t, actions, sweeperv1.AuditApprove)
}

func TestSweeperRejectedRun(t *testing.T) {
	_, client := startLocal(t, localConfig(t))
	ctx := context.Background()

	run, err := client.Trigger(ctx)
	require.NoError(t, err)
	awaitRunPhase(t, client, run.ID, sweeperv1.RunPhaseAwaitingApproval)

	_, err = client.Decide(ctx, run.ID, sweeperv1.DecisionReject, "wrong account")
	require.NoError(t, err)

	run = awaitRunPhase(t, client, run.ID, sweeperv1.RunPhaseRejected)
	assert.Nil(t, run.Invocation(sweeperv1.StageRun))
}

func TestSweeperShutdownCancelsPendingRuns(t *testing.T) {
	sw, client := startLocal(t, localConfig(t))
	ctx := context.Background()

	run, err := client.Trigger(ctx)
	require.NoError(t, err)
	awaitRunPhase(t, client, run.ID, sweeperv1.RunPhaseAwaitingApproval)

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, sw.Orchestrator().Shutdown(shutdownCtx))

	run, err = client.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, sweeperv1.RunPhaseFailed, run.Phase)
	assert.Contains(t, run.Error, "shutting down")
}

func TestNewRejectsUnusableConfig(t *testing.T) {
	log := zapr.NewLogger(zaptest.NewLogger(t))

	tests := []struct {
		name   string
		modify func(cfg *config.Config)
		errMsg string
	}{
		{
			name:   "identity_backend",
			modify: func(cfg *config.Config) { cfg.Identity.Backend = "vault" },
			errMsg: `unsupported identity backend "vault"`,
		},
		{
			name:   "secrets_backend",
			modify: func(cfg *config.Config) { cfg.Secrets.Backend = "vault" },
			errMsg: `unsupported secrets backend "vault"`,
		},
		{
			name:   "runner_environment",
			modify: func(cfg *config.Config) { cfg.Runner.Environment = "lambda" },
			errMsg: `unsupported runner environment "lambda"`,
		},
		{
			name:   "same_identities",
			modify: func(cfg *config.Config) { cfg.Identity.ActorRoleARN = cfg.Identity.ExecutorRoleARN },
		},
		{
			name:   "store",
			modify: func(cfg *config.Config) { cfg.Store.Type = "etcd" },
			errMsg: `unsupported store type "etcd"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := localConfig(t)
			tt.modify(&cfg)

			sw, err := New(context.Background(), log, cfg)
			require.Error(t, err)
			assert.Nil(t, sw)
			if tt.errMsg != "" {
				assert.ErrorContains(t, err, tt.errMsg)
			}
		})
	}
}

func TestCollectGarbageDisabled(t *testing.T) {
	cfg := localConfig(t)
	cfg.GC = config.GC{Enabled: false, Interval: time.Millisecond}

	sw, _ := startLocal(t, cfg)
	assert.NoError(t, sw.collectGarbage(context.Background()))
}

func TestCollectGarbageStopsWithContext(t *testing.T) {
	cfg := localConfig(t)
	cfg.GC = config.GC{Enabled: true, HistoryLimit: 1, Interval: 5 * time.Millisecond}

	sw, _ := startLocal(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	assert.NoError(t, sw.collectGarbage(ctx))
}
