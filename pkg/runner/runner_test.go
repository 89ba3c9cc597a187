package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	sweeperv1 "github.com/dominodatalab/sweeper/pkg/api/sweeper/v1"
	"github.com/dominodatalab/sweeper/pkg/identity"
	"github.com/dominodatalab/sweeper/pkg/logsink"
	"github.com/dominodatalab/sweeper/pkg/secrets"
	"github.com/dominodatalab/sweeper/pkg/source"
)

const (
	secretRef = "arn:aws:secretsmanager:us-west-2:123456789012:secret:docker-hub"
	roleRef   = "arn:aws:iam::123456789012:role/AwsNukeRole"
)

type observedExecution struct {
	Execution
	files        map[string]string
	dockerConfig string
}

type fakeEnvironment struct {
	mu       sync.Mutex
	calls    []observedExecution
	output   string
	exitCode int
	err      error
}

func (f *fakeEnvironment) Execute(_ context.Context, e *Execution) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	obs := observedExecution{Execution: *e, files: map[string]string{}}
	_ = filepath.Walk(e.SourceDir, func(path string, info os.FileInfo, err error) error {
		if err == nil && info.Mode().IsRegular() {
			rel, _ := filepath.Rel(e.SourceDir, path)
			bs, _ := os.ReadFile(path)
			obs.files[rel] = string(bs)
		}
		return nil
	})
	if bs, err := os.ReadFile(filepath.Join(e.DockerConfigDir, "config.json")); err == nil {
		obs.dockerConfig = string(bs)
	}
	f.calls = append(f.calls, obs)

	if f.output != "" {
		_, _ = e.Output.Write([]byte(f.output))
	}
	return f.exitCode, f.err
}

type memoryStream struct {
	dest, name string
	buf        bytes.Buffer
	closed     bool
	writeErr   error
	closeErr   error
}

func (m *memoryStream) Write(p []byte) (int, error) {
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	return m.buf.Write(p)
}

func (m *memoryStream) Destination() string { return m.dest }
func (m *memoryStream) Name() string        { return m.name }

func (m *memoryStream) Close(context.Context) error {
	m.closed = true
	return m.closeErr
}

type fakeSink struct {
	streams  []*memoryStream
	openErr  error
	writeErr error
	closeErr error
}

func (f *fakeSink) Ensure(context.Context) error { return nil }

func (f *fakeSink) Open(_ context.Context, stage sweeperv1.StageName, runID string) (logsink.Stream, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}

	s := &memoryStream{
		dest:     logsink.DestinationName("/aws/codebuild/remove-resource-pipeline", stage),
		name:     logsink.StreamName(runID, stage),
		writeErr: f.writeErr,
		closeErr: f.closeErr,
	}
	f.streams = append(f.streams, s)

	return s, nil
}

func newSnapshot(t *testing.T) *sweeperv1.SourceSnapshot {
	t.Helper()

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "nuke-config.yml"), []byte("regions: [us-west-2]\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "scripts"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "scripts", "run.sh"), []byte("aws-nuke\n"), 0o755))

	s, err := source.NewSnapshotter(logr.Discard(), source.DirTracker{Path: src}, t.TempDir())
	require.NoError(t, err)

	snap, err := s.Capture(context.Background())
	require.NoError(t, err)

	return snap
}

func credential(runID string, stage sweeperv1.StageName) *identity.ScopedCredential {
	return &identity.ScopedCredential{
		SessionID: "session-" + string(stage),
		Scope:     identity.SessionScope{RunID: runID, Stage: stage},
		ActorID:   roleRef,
		Principal: "arn:aws:sts::123456789012:assumed-role/AwsNukeRole/sweeper",
		Credentials: identity.Credentials{
			AccessKeyID:     "ASIAACTOR",
			SecretAccessKey: "secret",
			SessionToken:    "token",
			Expires:         time.Now().Add(time.Hour),
		},
		IssuedAt: time.Now(),
	}
}

func resolver() secrets.Resolver {
	return secrets.StaticResolver{
		Server: "https://index.docker.io/v1/",
		Values: map[string]string{secretRef: `{"username":"sweeper","password":"hunter2"}`},
	}
}

func newRunner(env Environment, sink logsink.Sink) (*Runner, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	r := New(zapr.NewLogger(zap.New(core)), env, sink, resolver(), Options{
		Image:   "quay.io/rebuy/aws-nuke:v2.25.0",
		Command: []string{"./scripts/run.sh"},
	})

	return r, logs
}

func invocation(t *testing.T, stage sweeperv1.StageName, snap *sweeperv1.SourceSnapshot) Invocation {
	t.Helper()

	return Invocation{
		RunID:      "run-1",
		Stage:      stage,
		Inputs:     sweeperv1.InputsFor(stage, secretRef, roleRef),
		Snapshot:   snap,
		Credential: credential("run-1", stage),
	}
}

func TestRunnerRun(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		env := &fakeEnvironment{output: "would remove 3 resources\n"}
		sink := &fakeSink{}
		r, logs := newRunner(env, sink)
		snap := newSnapshot(t)

		record, err := r.Run(ctx, invocation(t, sweeperv1.StageDryRun, snap))
		require.NoError(t, err)

		assert.Equal(t, 0, record.ExitCode)
		assert.Equal(t, snap.Digest, record.SnapshotDigest)
		assert.Equal(t, "session-DryRun", record.SessionID)
		assert.Equal(t, "/aws/codebuild/remove-resource-pipeline/dry-run-project", record.LogDestination)
		assert.Equal(t, "run-1/dryrun", record.LogStream)
		assert.Equal(t, "would remove 3 resources\n", record.Output)

		require.Len(t, sink.streams, 1)
		assert.True(t, sink.streams[0].closed)
		assert.Equal(t, "would remove 3 resources\n", sink.streams[0].buf.String())

		require.Len(t, env.calls, 1)
		call := env.calls[0]
		assert.Equal(t, "sweeper-run-1-dry-run", call.Name)
		assert.Equal(t, "true", call.Env[sweeperv1.EnvDryRun])
		assert.Equal(t, secretRef, call.Env[sweeperv1.EnvSecretRef])
		assert.Equal(t, roleRef, call.Env[sweeperv1.EnvAssumeRole])
		assert.Equal(t, "ASIAACTOR", call.Env["AWS_ACCESS_KEY_ID"])
		assert.Equal(t, "token", call.Env["AWS_SESSION_TOKEN"])
		assert.Equal(t, "run-1", call.Env[sweeperv1.EnvRunID])
		assert.Equal(t, map[string]string{
			"nuke-config.yml":                  "regions: [us-west-2]\n",
			filepath.Join("scripts", "run.sh"): "aws-nuke\n",
		}, call.files)
		assert.Contains(t, call.dockerConfig, "https://index.docker.io/v1/")
		assert.NotContains(t, call.dockerConfig, "hunter2")

		_, err = os.Stat(call.SourceDir)
		assert.True(t, os.IsNotExist(err), "workspace should be removed")
		_, err = os.Stat(call.DockerConfigDir)
		assert.True(t, os.IsNotExist(err), "registry credentials do not outlive the invocation")
		for k, v := range call.Env {
			assert.NotContains(t, v, "hunter2", k)
		}
		assert.NotContains(t, record.Output, "hunter2")

		assert.Equal(t, 1, logs.FilterMessage("Stage completed").Len())
	})

	t.Run("dry run and run differ only in destructive mode", func(t *testing.T) {
		env := &fakeEnvironment{}
		r, _ := newRunner(env, &fakeSink{})
		snap := newSnapshot(t)

		dry, err := r.Run(ctx, invocation(t, sweeperv1.StageDryRun, snap))
		require.NoError(t, err)
		run, err := r.Run(ctx, invocation(t, sweeperv1.StageRun, snap))
		require.NoError(t, err)

		assert.True(t, dry.Inputs.Equivalent(run.Inputs))
		assert.False(t, dry.Inputs.DestructiveMode)
		assert.True(t, run.Inputs.DestructiveMode)
		assert.Equal(t, dry.SnapshotDigest, run.SnapshotDigest)

		require.Len(t, env.calls, 2)
		assert.Equal(t, env.calls[0].files, env.calls[1].files)
		assert.Equal(t, "true", env.calls[0].Env[sweeperv1.EnvDryRun])
		assert.Equal(t, "false", env.calls[1].Env[sweeperv1.EnvDryRun])
		assert.Equal(t, "sweeper-run-1-run", env.calls[1].Name)
	})

	t.Run("non-zero exit", func(t *testing.T) {
		env := &fakeEnvironment{output: "error: access denied\n", exitCode: 2}
		sink := &fakeSink{}
		r, _ := newRunner(env, sink)

		record, err := r.Run(ctx, invocation(t, sweeperv1.StageRun, newSnapshot(t)))
		require.ErrorIs(t, err, ErrStageExecutionFailed)

		var sErr *StageExecutionFailedError
		require.ErrorAs(t, err, &sErr)
		assert.Equal(t, 2, sErr.ExitCode)
		assert.Equal(t, "error: access denied\n", sErr.Output)
		assert.Equal(t, 2, record.ExitCode)
		assert.True(t, sink.streams[0].closed)
	})

	t.Run("environment failure", func(t *testing.T) {
		env := &fakeEnvironment{exitCode: -1, err: errors.New("daemon unreachable")}
		r, _ := newRunner(env, &fakeSink{})

		_, err := r.Run(ctx, invocation(t, sweeperv1.StageDryRun, newSnapshot(t)))
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrStageExecutionFailed)
		assert.Contains(t, err.Error(), "daemon unreachable")
	})

	t.Run("output not persisted", func(t *testing.T) {
		env := &fakeEnvironment{output: "done\n"}
		r, _ := newRunner(env, &fakeSink{closeErr: errors.New("throttled")})

		_, err := r.Run(ctx, invocation(t, sweeperv1.StageDryRun, newSnapshot(t)))
		assert.EqualError(t, err, "stage output was not persisted: throttled")
	})

	t.Run("sink write failure", func(t *testing.T) {
		env := &fakeEnvironment{output: "done\n"}
		r, _ := newRunner(env, &fakeSink{writeErr: errors.New("disk full")})

		record, err := r.Run(ctx, invocation(t, sweeperv1.StageDryRun, newSnapshot(t)))
		assert.EqualError(t, err, "stage output was not persisted: disk full")
		assert.Equal(t, "done\n", record.Output)
	})

	t.Run("cannot open stream", func(t *testing.T) {
		env := &fakeEnvironment{}
		r, _ := newRunner(env, &fakeSink{openErr: errors.New("no such group")})

		_, err := r.Run(ctx, invocation(t, sweeperv1.StageDryRun, newSnapshot(t)))
		require.Error(t, err)
		assert.Empty(t, env.calls)
	})

	t.Run("missing secret", func(t *testing.T) {
		env := &fakeEnvironment{}
		r, _ := newRunner(env, &fakeSink{})

		inv := invocation(t, sweeperv1.StageDryRun, newSnapshot(t))
		inv.Inputs.SecretRef = "arn:unknown"

		_, err := r.Run(ctx, inv)
		require.ErrorIs(t, err, secrets.ErrNotFound)
		assert.Empty(t, env.calls)
	})

	t.Run("tampered snapshot", func(t *testing.T) {
		env := &fakeEnvironment{}
		r, _ := newRunner(env, &fakeSink{})
		snap := newSnapshot(t)
		snap.Digest = "sha256:0000"

		_, err := r.Run(ctx, invocation(t, sweeperv1.StageDryRun, snap))
		require.ErrorIs(t, err, source.ErrTampered)
		assert.Empty(t, env.calls)
	})

	t.Run("invalid inputs", func(t *testing.T) {
		env := &fakeEnvironment{}
		r, _ := newRunner(env, &fakeSink{})

		inv := invocation(t, sweeperv1.StageDryRun, newSnapshot(t))
		inv.Inputs.DestructiveMode = true

		_, err := r.Run(ctx, inv)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid stage inputs")
		assert.Empty(t, env.calls)
	})

	t.Run("missing snapshot", func(t *testing.T) {
		r, _ := newRunner(&fakeEnvironment{}, &fakeSink{})

		_, err := r.Run(ctx, invocation(t, sweeperv1.StageDryRun, nil))
		assert.EqualError(t, err, "stage requires a source snapshot")
	})
}

func TestRunnerCredentials(t *testing.T) {
	ctx := context.Background()

	testcases := []struct {
		name   string
		mutate func(inv *Invocation)
	}{
		{
			name:   "no session",
			mutate: func(inv *Invocation) { inv.Credential = nil },
		},
		{
			name:   "executor credentials",
			mutate: func(inv *Invocation) { inv.Credential.Credentials.SessionToken = "" },
		},
		{
			name:   "other run",
			mutate: func(inv *Invocation) { inv.Credential.Scope.RunID = "run-2" },
		},
		{
			name:   "other stage",
			mutate: func(inv *Invocation) { inv.Credential.Scope.Stage = sweeperv1.StageRun },
		},
		{
			name:   "expired",
			mutate: func(inv *Invocation) { inv.Credential.Credentials.Expires = time.Now().Add(-time.Minute) },
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			env := &fakeEnvironment{}
			r, _ := newRunner(env, &fakeSink{})

			inv := invocation(t, sweeperv1.StageDryRun, newSnapshot(t))
			tc.mutate(&inv)

			_, err := r.Run(ctx, inv)
			assert.True(t, identity.IsPermissionDenied(err), "expected permission denied, got %v", err)
			assert.Empty(t, env.calls)
		})
	}
}

func TestExecutionName(t *testing.T) {
	assert.Equal(t, "sweeper-abc-dry-run", executionName("abc", sweeperv1.StageDryRun))
	assert.Equal(t, "sweeper-abc-run", executionName("abc", sweeperv1.StageRun))

	long := executionName(fmt.Sprintf("%070d", 0), sweeperv1.StageRun)
	assert.Len(t, long, 63)
}

func TestTailBuffer(t *testing.T) {
	tb := newTailBuffer(8)
	_, _ = tb.Write([]byte("0123"))
	_, _ = tb.Write([]byte("456789ab"))
	assert.Equal(t, "456789ab", tb.String())

	assert.Equal(t, 64*1024, newTailBuffer(0).max)
}

func TestExecutionEnvList(t *testing.T) {
	e := &Execution{Env: map[string]string{"B": "2", "A": "1", "HOME": "/nowhere"}}

	assert.Equal(t, []string{"A=1", "B=2", "HOME=/home", "PATH=/bin"}, e.EnvList(map[string]string{
		"PATH": "/bin",
		"HOME": "/home",
	}))
}
