package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	sweeperv1 "github.com/dominodatalab/sweeper/pkg/api/sweeper/v1"
)

// ExecutorCredential is what a stage presents to the boundary. An Ambient credential defers to
// the process's own credential chain (e.g. the role attached to the host).
type ExecutorCredential struct {
	Ambient         bool
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Expires         time.Time
}

// Credentials are temporary actor credentials.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Expires         time.Time
}

// Env renders the credentials in the form the AWS SDKs read from the environment.
func (c Credentials) Env() map[string]string {
	return map[string]string{
		"AWS_ACCESS_KEY_ID":     c.AccessKeyID,
		"AWS_SECRET_ACCESS_KEY": c.SecretAccessKey,
		"AWS_SESSION_TOKEN":     c.SessionToken,
	}
}

// AssumeRequest parameterises one assumption of the actor identity.
type AssumeRequest struct {
	ActorID        string
	SessionName    string
	SourceIdentity string
	Duration       time.Duration
}

// Assumer is the cloud backend behind the boundary.
type Assumer interface {
	// VerifyExecutor returns the principal the credential belongs to. Expired or revoked
	// credentials must produce an error.
	VerifyExecutor(ctx context.Context, cred ExecutorCredential) (string, error)
	// Assume exchanges an executor credential for actor credentials.
	Assume(ctx context.Context, cred ExecutorCredential, req AssumeRequest) (Credentials, error)
}

// AuditSink records every assumption and release.
type AuditSink interface {
	RecordAudit(ctx context.Context, event sweeperv1.AuditEvent) error
}

// SessionScope binds an assumption to a single stage invocation of a single run.
type SessionScope struct {
	RunID string
	Stage sweeperv1.StageName
}

// ScopedCredential is a live actor session.
type ScopedCredential struct {
	SessionID   string
	Scope       SessionScope
	ActorID     string
	Principal   string
	Credentials Credentials
	IssuedAt    time.Time
}

func (c *ScopedCredential) Expired(now time.Time) bool {
	return !c.Credentials.Expires.IsZero() && !now.Before(c.Credentials.Expires)
}

// Boundary guards the single shared resource of the system: the executor's grant to assume
// the actor. A run holds at most one live session at a time.
type Boundary struct {
	mu       sync.Mutex
	log      logr.Logger
	graph    *DelegationGraph
	assumer  Assumer
	audit    AuditSink
	now      func() time.Time
	duration time.Duration

	sessions map[string]*ScopedCredential
	reserved map[string]struct{}
}

func NewBoundary(graph *DelegationGraph, assumer Assumer, opts ...BoundaryOption) *Boundary {
	o := defaultBoundaryOpts
	for _, fn := range opts {
		o = fn(o)
	}

	return &Boundary{
		log:      o.log.WithName("privilege-boundary"),
		graph:    graph,
		assumer:  assumer,
		audit:    o.audit,
		now:      o.now,
		duration: o.duration,
		sessions: map[string]*ScopedCredential{},
		reserved: map[string]struct{}{},
	}
}

// AssumeActor returns actor credentials scoped to one stage invocation. Any failure to prove the
// caller is the designated executor yields ErrPermissionDenied. Nothing is issued once ctx is
// done, so a run revoked by cancelling its context cannot pick up a fresh session.
func (b *Boundary) AssumeActor(ctx context.Context, cred ExecutorCredential, scope SessionScope) (*ScopedCredential, error) {
	log := b.log.WithValues("runId", scope.RunID, "stage", scope.Stage)

	if scope.RunID == "" || !scope.Stage.Executable() {
		return nil, fmt.Errorf("invalid session scope %+v", scope)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("cannot assume actor identity: %w", err)
	}
	if !cred.Expires.IsZero() && !b.now().Before(cred.Expires) {
		return nil, b.deny(ctx, scope, "", "executor credential expired")
	}

	principal, err := b.assumer.VerifyExecutor(ctx, cred)
	if err != nil {
		return nil, b.deny(ctx, scope, principal, fmt.Sprintf("executor verification failed: %s", err))
	}
	if !b.graph.CanAssume(principal) {
		return nil, b.deny(ctx, scope, principal, "principal is not the designated executor")
	}

	if err = b.reserve(scope.RunID); err != nil {
		return nil, err
	}

	actor := b.graph.Actor()
	sessionName := SessionName(scope)
	creds, err := b.assumer.Assume(ctx, cred, AssumeRequest{
		ActorID:        actor.ID,
		SessionName:    sessionName,
		SourceIdentity: scope.RunID,
		Duration:       b.duration,
	})
	if err != nil {
		b.unreserve(scope.RunID)
		if IsPermissionDenied(err) {
			return nil, b.deny(ctx, scope, principal, err.Error())
		}
		return nil, fmt.Errorf("cannot assume actor identity: %w", err)
	}

	sc := &ScopedCredential{
		SessionID:   uuid.NewString(),
		Scope:       scope,
		ActorID:     actor.ID,
		Principal:   principal,
		Credentials: creds,
		IssuedAt:    b.now(),
	}

	tracked := *sc
	b.mu.Lock()
	delete(b.reserved, scope.RunID)
	// cancelled while the assumer was busy: drop the credentials instead of tracking them
	if err = ctx.Err(); err != nil {
		b.mu.Unlock()
		log.Info("Discarded actor session issued after cancellation", "sessionName", sessionName)
		return nil, fmt.Errorf("cannot assume actor identity: %w", err)
	}
	b.sessions[scope.RunID] = &tracked
	b.mu.Unlock()

	log.Info("Assumed actor identity", "sessionId", sc.SessionID, "sessionName", sessionName, "expires", creds.Expires)
	b.record(ctx, sweeperv1.AuditEvent{
		RunID:   scope.RunID,
		Actor:   principal,
		Action:  sweeperv1.AuditAssume,
		Subject: actor.ID,
		Detail:  fmt.Sprintf("stage=%s session=%s", scope.Stage, sc.SessionID),
	})

	return sc, nil
}

// Release ends a session once its stage invocation completes.
func (b *Boundary) Release(ctx context.Context, sc *ScopedCredential) {
	if sc == nil {
		return
	}

	b.mu.Lock()
	current, ok := b.sessions[sc.Scope.RunID]
	if ok && current.SessionID == sc.SessionID {
		delete(b.sessions, sc.Scope.RunID)
	}
	b.mu.Unlock()

	sc.Credentials = Credentials{}
	if !ok || current.SessionID != sc.SessionID {
		return
	}

	b.log.Info("Released actor session", "runId", sc.Scope.RunID, "sessionId", sc.SessionID)
	b.record(ctx, sweeperv1.AuditEvent{
		RunID:   sc.Scope.RunID,
		Actor:   sc.Principal,
		Action:  sweeperv1.AuditRelease,
		Subject: sc.ActorID,
		Detail:  "session=" + sc.SessionID,
	})
}

// RevokeRun drops every live session of a run immediately. It returns the number revoked.
func (b *Boundary) RevokeRun(ctx context.Context, runID string) int {
	b.mu.Lock()
	sc, ok := b.sessions[runID]
	delete(b.sessions, runID)
	b.mu.Unlock()

	if !ok {
		return 0
	}

	b.log.Info("Revoked actor session", "runId", runID, "sessionId", sc.SessionID)
	b.record(ctx, sweeperv1.AuditEvent{
		RunID:   runID,
		Actor:   sc.Principal,
		Action:  sweeperv1.AuditRevoke,
		Subject: sc.ActorID,
		Detail:  "session=" + sc.SessionID,
	})

	return 1
}

// Outstanding lists the unexpired sessions held by a run. Expired sessions are pruned.
func (b *Boundary) Outstanding(runID string) []ScopedCredential {
	b.mu.Lock()
	defer b.mu.Unlock()

	sc, ok := b.sessions[runID]
	if !ok {
		return nil
	}
	if sc.Expired(b.now()) {
		delete(b.sessions, runID)
		return nil
	}

	return []ScopedCredential{*sc}
}

// SessionName is the STS role session name for a scope. STS caps it at 64 characters.
func SessionName(scope SessionScope) string {
	name := fmt.Sprintf("sweeper-%s-%s", scope.Stage, scope.RunID)
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}

func (b *Boundary) reserve(runID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.reserved[runID]; ok {
		return ErrSessionActive
	}
	if sc, ok := b.sessions[runID]; ok && !sc.Expired(b.now()) {
		return ErrSessionActive
	}
	b.reserved[runID] = struct{}{}

	return nil
}

func (b *Boundary) unreserve(runID string) {
	b.mu.Lock()
	delete(b.reserved, runID)
	b.mu.Unlock()
}

func (b *Boundary) deny(ctx context.Context, scope SessionScope, principal, reason string) error {
	b.log.Info("Refused actor assumption", "runId", scope.RunID, "stage", scope.Stage,
		"principal", principal, "reason", reason)
	b.record(ctx, sweeperv1.AuditEvent{
		RunID:   scope.RunID,
		Actor:   principal,
		Action:  sweeperv1.AuditDeny,
		Subject: b.graph.Actor().ID,
		Detail:  reason,
	})

	return Denied(principal, reason)
}

func (b *Boundary) record(ctx context.Context, event sweeperv1.AuditEvent) {
	if b.audit == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = b.now()
	}
	if event.Actor == "" {
		event.Actor = "unknown"
	}
	if err := b.audit.RecordAudit(ctx, event); err != nil {
		b.log.Error(err, "Failed to record audit event", "action", event.Action, "runId", event.RunID)
	}
}
