package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/zapr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	sweeperv1 "github.com/dominodatalab/sweeper/pkg/api/sweeper/v1"
)

const (
	executorARN = "arn:aws:iam::123456789012:role/remove-resource-pipeline-codebuild"
	actorARN    = "arn:aws:iam::123456789012:role/AwsNukeRole"
	otherARN    = "arn:aws:iam::123456789012:role/someone-else"
)

type fakeAudit struct {
	mu     sync.Mutex
	events []sweeperv1.AuditEvent
	err    error
}

func (f *fakeAudit) RecordAudit(_ context.Context, event sweeperv1.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.events = append(f.events, event)
	return f.err
}

func (f *fakeAudit) actions() (out []sweeperv1.AuditAction) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, e := range f.events {
		out = append(out, e.Action)
	}
	return
}

// cancellingAssumer cancels the caller's context once credentials have been issued.
type cancellingAssumer struct {
	*StaticAssumer
	cancel context.CancelFunc
}

func (c *cancellingAssumer) Assume(ctx context.Context, cred ExecutorCredential, req AssumeRequest) (Credentials, error) {
	creds, err := c.StaticAssumer.Assume(ctx, cred, req)
	c.cancel()
	return creds, err
}

func newGraph(t *testing.T) *DelegationGraph {
	t.Helper()

	exec, actor := DefaultIdentities(executorARN, actorARN)
	graph, err := NewDelegationGraph(exec, actor)
	require.NoError(t, err)

	return graph
}

func newBoundary(t *testing.T) (*Boundary, *StaticAssumer, *fakeAudit, *observer.ObservedLogs) {
	t.Helper()

	observerCore, observedLogs := observer.New(zap.DebugLevel)
	log := zapr.NewLogger(zap.New(observerCore))

	assumer := NewStaticAssumer(executorARN)
	assumer.Register("AKIAEXECUTOR", "arn:aws:sts::123456789012:assumed-role/remove-resource-pipeline-codebuild/build-1")
	assumer.Register("AKIAOTHER", otherARN)

	audit := &fakeAudit{}
	b := NewBoundary(newGraph(t), assumer, Logger(log), Audit(audit), SessionDuration(15*time.Minute))

	return b, assumer, audit, observedLogs
}

func TestNewDelegationGraph(t *testing.T) {
	exec, actor := DefaultIdentities(executorARN, actorARN)

	t.Run("valid", func(t *testing.T) {
		graph, err := NewDelegationGraph(exec, actor)
		require.NoError(t, err)
		assert.Equal(t, executorARN, graph.Executor().ID)
		assert.Equal(t, actorARN, graph.Actor().ID)
	})

	t.Run("actor_assumable_by_other", func(t *testing.T) {
		a := actor
		a.AssumableBy = otherARN

		_, err := NewDelegationGraph(exec, a)
		assert.ErrorContains(t, err, "actor.assumableBy")
	})

	t.Run("executor_with_destructive_permission", func(t *testing.T) {
		e := exec
		e.Permissions = append(e.Permissions, "ec2:TerminateInstances")

		_, err := NewDelegationGraph(e, actor)
		assert.ErrorContains(t, err, "executor must not hold destructive permission")
	})

	t.Run("actor_is_executor", func(t *testing.T) {
		a := actor
		a.ID = executorARN

		_, err := NewDelegationGraph(exec, a)
		assert.ErrorContains(t, err, "Duplicate value")
	})
}

func TestCanAssume(t *testing.T) {
	graph := newGraph(t)

	assert.True(t, graph.CanAssume(executorARN))
	assert.True(t, graph.CanAssume("arn:aws:sts::123456789012:assumed-role/remove-resource-pipeline-codebuild/sess"))
	assert.True(t, graph.CanAssume("arn:aws:iam::123456789012:role/service-role/remove-resource-pipeline-codebuild"))
	assert.False(t, graph.CanAssume(otherARN))
	assert.False(t, graph.CanAssume(actorARN))
	assert.False(t, graph.CanAssume(""))
	assert.False(t, graph.CanAssume("arn:aws:iam::999999999999:role/remove-resource-pipeline-codebuild"))
}

func TestNormalizePrincipal(t *testing.T) {
	for _, tt := range []struct {
		in, out string
	}{
		{"arn:aws:sts::1:assumed-role/r/s", "arn:aws:iam::1:role/r"},
		{"arn:aws:iam::1:role/p/q/r", "arn:aws:iam::1:role/r"},
		{"arn:aws-cn:iam::1:role/r", "arn:aws-cn:iam::1:role/r"},
		{"arn:aws:iam::1:user/bob", "arn:aws:iam::1:user/bob"},
		{"not-an-arn", "not-an-arn"},
	} {
		assert.Equal(t, tt.out, NormalizePrincipal(tt.in), tt.in)
	}
}

func TestAssumeActor(t *testing.T) {
	ctx := context.Background()
	scope := SessionScope{RunID: "run-1", Stage: sweeperv1.StageDryRun}

	t.Run("ambient_executor", func(t *testing.T) {
		b, _, audit, logs := newBoundary(t)

		sc, err := b.AssumeActor(ctx, ExecutorCredential{Ambient: true}, scope)
		require.NoError(t, err)

		assert.Equal(t, actorARN, sc.ActorID)
		assert.Equal(t, executorARN, sc.Principal)
		assert.NotEmpty(t, sc.Credentials.SessionToken)
		assert.Len(t, b.Outstanding("run-1"), 1)
		assert.Equal(t, []sweeperv1.AuditAction{sweeperv1.AuditAssume}, audit.actions())
		assert.Equal(t, 1, logs.FilterMessage("Assumed actor identity").Len())
	})

	t.Run("executor_session_credentials", func(t *testing.T) {
		b, _, _, _ := newBoundary(t)

		sc, err := b.AssumeActor(ctx, ExecutorCredential{AccessKeyID: "AKIAEXECUTOR"}, scope)
		require.NoError(t, err)
		assert.Equal(t, actorARN, sc.ActorID)
	})

	t.Run("other_identity_denied", func(t *testing.T) {
		b, _, audit, _ := newBoundary(t)

		_, err := b.AssumeActor(ctx, ExecutorCredential{AccessKeyID: "AKIAOTHER"}, scope)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrPermissionDenied))

		var pde *PermissionDeniedError
		require.ErrorAs(t, err, &pde)
		assert.Equal(t, otherARN, pde.Principal)
		assert.Empty(t, b.Outstanding("run-1"))
		assert.Equal(t, []sweeperv1.AuditAction{sweeperv1.AuditDeny}, audit.actions())
	})

	t.Run("unknown_credentials_denied", func(t *testing.T) {
		b, _, _, _ := newBoundary(t)

		_, err := b.AssumeActor(ctx, ExecutorCredential{AccessKeyID: "AKIAUNKNOWN"}, scope)
		assert.True(t, IsPermissionDenied(err))
	})

	t.Run("expired_credentials_denied", func(t *testing.T) {
		b, _, _, _ := newBoundary(t)

		cred := ExecutorCredential{AccessKeyID: "AKIAEXECUTOR", Expires: time.Now().Add(-time.Minute)}
		_, err := b.AssumeActor(ctx, cred, scope)
		assert.True(t, IsPermissionDenied(err))
		assert.ErrorContains(t, err, "executor credential expired")
	})

	t.Run("revoked_credentials_denied", func(t *testing.T) {
		b, assumer, _, _ := newBoundary(t)
		assumer.Revoke("AKIAEXECUTOR")

		_, err := b.AssumeActor(ctx, ExecutorCredential{AccessKeyID: "AKIAEXECUTOR"}, scope)
		assert.True(t, IsPermissionDenied(err))
		assert.ErrorContains(t, err, "revoked")
	})

	t.Run("actor_cannot_assume_itself", func(t *testing.T) {
		b, assumer, _, _ := newBoundary(t)
		assumer.Register("AKIAACTOR", actorARN)

		_, err := b.AssumeActor(ctx, ExecutorCredential{AccessKeyID: "AKIAACTOR"}, scope)
		assert.True(t, IsPermissionDenied(err))
	})

	t.Run("one_live_session_per_run", func(t *testing.T) {
		b, _, _, _ := newBoundary(t)

		sc, err := b.AssumeActor(ctx, ExecutorCredential{Ambient: true}, scope)
		require.NoError(t, err)

		_, err = b.AssumeActor(ctx, ExecutorCredential{Ambient: true}, SessionScope{RunID: "run-1", Stage: sweeperv1.StageRun})
		assert.ErrorIs(t, err, ErrSessionActive)

		b.Release(ctx, sc)
		_, err = b.AssumeActor(ctx, ExecutorCredential{Ambient: true}, SessionScope{RunID: "run-1", Stage: sweeperv1.StageRun})
		assert.NoError(t, err)
	})

	t.Run("invalid_scope", func(t *testing.T) {
		b, _, _, _ := newBoundary(t)

		_, err := b.AssumeActor(ctx, ExecutorCredential{Ambient: true}, SessionScope{RunID: "run-1", Stage: sweeperv1.StageApproval})
		assert.ErrorContains(t, err, "invalid session scope")
		assert.False(t, IsPermissionDenied(err))
	})

	t.Run("cancelled_context_refused", func(t *testing.T) {
		b, _, audit, _ := newBoundary(t)

		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, err := b.AssumeActor(cancelled, ExecutorCredential{Ambient: true}, scope)
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, IsPermissionDenied(err))
		assert.Empty(t, b.Outstanding("run-1"))
		assert.Empty(t, audit.actions())
	})

	t.Run("cancelled_while_assuming", func(t *testing.T) {
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		static := NewStaticAssumer(executorARN)
		audit := &fakeAudit{}
		b := NewBoundary(newGraph(t), &cancellingAssumer{StaticAssumer: static, cancel: cancel}, Audit(audit))

		_, err := b.AssumeActor(runCtx, ExecutorCredential{Ambient: true}, scope)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, b.Outstanding("run-1"), "credentials issued after cancellation are not tracked")
		assert.Empty(t, audit.actions())

		_, err = b.AssumeActor(ctx, ExecutorCredential{Ambient: true}, scope)
		assert.NoError(t, err, "the run is not left reserved")
	})

	t.Run("session_scoped_to_configured_duration", func(t *testing.T) {
		b, _, _, _ := newBoundary(t)

		sc, err := b.AssumeActor(ctx, ExecutorCredential{Ambient: true}, scope)
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now().Add(15*time.Minute), sc.Credentials.Expires, time.Minute)
	})
}

func TestReleaseAndRevoke(t *testing.T) {
	ctx := context.Background()
	scope := SessionScope{RunID: "run-2", Stage: sweeperv1.StageRun}

	t.Run("release", func(t *testing.T) {
		b, _, audit, _ := newBoundary(t)

		sc, err := b.AssumeActor(ctx, ExecutorCredential{Ambient: true}, scope)
		require.NoError(t, err)

		b.Release(ctx, sc)
		assert.Empty(t, b.Outstanding("run-2"))
		assert.Empty(t, sc.Credentials.SessionToken)

		b.Release(ctx, sc)
		assert.Equal(t, []sweeperv1.AuditAction{sweeperv1.AuditAssume, sweeperv1.AuditRelease}, audit.actions())
	})

	t.Run("revoke", func(t *testing.T) {
		b, _, audit, _ := newBoundary(t)

		sc, err := b.AssumeActor(ctx, ExecutorCredential{Ambient: true}, scope)
		require.NoError(t, err)

		assert.Equal(t, 1, b.RevokeRun(ctx, "run-2"))
		assert.Equal(t, 0, b.RevokeRun(ctx, "run-2"))
		assert.Empty(t, b.Outstanding("run-2"))

		b.Release(ctx, sc)
		assert.Empty(t, sc.Credentials.AccessKeyID)
		assert.Equal(t, []sweeperv1.AuditAction{sweeperv1.AuditAssume, sweeperv1.AuditRevoke}, audit.actions())
	})

	t.Run("expired_sessions_pruned", func(t *testing.T) {
		now := time.Now()
		assumer := NewStaticAssumer(executorARN)
		assumer.Now = func() time.Time { return now }

		b := NewBoundary(newGraph(t), assumer, SessionDuration(time.Minute), Clock(func() time.Time { return now }))
		_, err := b.AssumeActor(ctx, ExecutorCredential{Ambient: true}, scope)
		require.NoError(t, err)
		require.Len(t, b.Outstanding("run-2"), 1)

		now = now.Add(2 * time.Minute)
		assert.Empty(t, b.Outstanding("run-2"))
	})

	t.Run("audit_failure_logged", func(t *testing.T) {
		b, _, audit, logs := newBoundary(t)
		audit.err = errors.New("disk full")

		_, err := b.AssumeActor(ctx, ExecutorCredential{Ambient: true}, scope)
		require.NoError(t, err)
		assert.Equal(t, 1, logs.FilterMessage("Failed to record audit event").Len())
	})
}

func TestSessionName(t *testing.T) {
	assert.Equal(t, "sweeper-DryRun-abc", SessionName(SessionScope{RunID: "abc", Stage: sweeperv1.StageDryRun}))

	long := SessionName(SessionScope{RunID: "0123456789012345678901234567890123456789012345678901234567890123", Stage: sweeperv1.StageRun})
	assert.Len(t, long, 64)
}
