package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/newrelic/go-agent/v3/newrelic"

	sweeperv1 "github.com/dominodatalab/sweeper/pkg/api/sweeper/v1"
	"github.com/dominodatalab/sweeper/pkg/gate"
	"github.com/dominodatalab/sweeper/pkg/identity"
	"github.com/dominodatalab/sweeper/pkg/runner"
)

var (
	// ErrAutomaticTrigger is returned for any trigger that did not come from a human.
	ErrAutomaticTrigger = errors.New("runs can only be triggered manually")
	// ErrApprovalRejected marks a run stopped by a human at the manual gate.
	ErrApprovalRejected = errors.New("approval rejected")
	ErrNotFound         = errors.New("run not found")
	ErrActorRequired    = errors.New("trigger requires an actor")
	ErrShuttingDown     = errors.New("orchestrator is shutting down")
	ErrNotExecuting     = errors.New("run is not executing")

	errCancelled = errors.New("cancelled")
)

const persistMaxDelay = 30 * time.Second

// Origin says where a trigger came from.
type Origin string

const (
	OriginManual       Origin = "manual"
	OriginSourceChange Origin = "source-change"
)

type TriggerRequest struct {
	Actor  string
	Origin Origin
}

// Capturer seals the tracked source location into a snapshot.
type Capturer interface {
	Capture(ctx context.Context) (*sweeperv1.SourceSnapshot, error)
}

// Sessions hands out actor sessions scoped to one stage invocation.
type Sessions interface {
	AssumeActor(ctx context.Context, cred identity.ExecutorCredential, scope identity.SessionScope) (*identity.ScopedCredential, error)
	Release(ctx context.Context, sc *identity.ScopedCredential)
	RevokeRun(ctx context.Context, runID string) int
	Outstanding(runID string) []identity.ScopedCredential
}

// StageRunner executes the deletion tool for one stage.
type StageRunner interface {
	Run(ctx context.Context, inv runner.Invocation) (*sweeperv1.StageInvocation, error)
}

// Store persists runs. Every accepted transition is written before the run moves on.
type Store interface {
	CreateRun(ctx context.Context, run *sweeperv1.PipelineRun) error
	UpdateRun(ctx context.Context, run *sweeperv1.PipelineRun) error
	GetRun(ctx context.Context, id string) (*sweeperv1.PipelineRun, error)
	RecordAudit(ctx context.Context, event sweeperv1.AuditEvent) error
}

// Notifier publishes stage transitions to downstream listeners.
type Notifier interface {
	Notify(ctx context.Context, run *sweeperv1.PipelineRun, transition sweeperv1.Transition) error
}

type Config struct {
	Pipeline           string
	SecretRef          string
	ExecutorCredential identity.ExecutorCredential
}

type execution struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Orchestrator drives every run through Source, DryRun, Approval and Run. Runs execute
// concurrently, each strictly sequential in its own goroutine.
type Orchestrator struct {
	log      logr.Logger
	cfg      Config
	source   Capturer
	sessions Sessions
	runner   StageRunner
	gate     *gate.Gate
	store    Store
	notifier Notifier
	newRelic *newrelic.Application
	actorID  string
	now      func() time.Time
	newID    func() string

	persistAttempts uint
	persistDelay    time.Duration

	mu       sync.Mutex
	active   map[string]*execution
	closing  bool
	inflight sync.WaitGroup
}

func NewOrchestrator(
	cfg Config,
	source Capturer,
	sessions Sessions,
	stageRunner StageRunner,
	approvals *gate.Gate,
	store Store,
	actorID string,
	opts ...Option,
) *Orchestrator {
	o := defaultOpts
	for _, fn := range opts {
		o = fn(o)
	}

	return &Orchestrator{
		log:      o.log.WithName("orchestrator").WithValues("pipeline", cfg.Pipeline),
		cfg:      cfg,
		source:   source,
		sessions: sessions,
		runner:   stageRunner,
		gate:     approvals,
		store:    store,
		notifier: o.notifier,
		newRelic: o.newRelic,
		actorID:  actorID,
		now:      o.now,
		newID:    o.newID,
		active:   map[string]*execution{},

		persistAttempts: o.persistAttempts,
		persistDelay:    o.persistDelay,
	}
}

// Trigger creates a new run from the current head of the tracked location and starts it.
// Only manual triggers are accepted.
func (o *Orchestrator) Trigger(ctx context.Context, req TriggerRequest) (*sweeperv1.PipelineRun, error) {
	if req.Origin != OriginManual {
		o.log.Info("Refused automatic trigger", "origin", req.Origin, "actor", req.Actor)
		return nil, fmt.Errorf("%w: origin %q", ErrAutomaticTrigger, req.Origin)
	}
	if req.Actor == "" {
		return nil, ErrActorRequired
	}

	run := sweeperv1.NewPipelineRun(o.newID(), o.cfg.Pipeline, req.Actor, o.now())
	log := o.log.WithValues("runId", run.ID)

	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return nil, ErrShuttingDown
	}
	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	exec := &execution{cancel: cancel, done: make(chan struct{})}
	o.active[run.ID] = exec
	o.inflight.Add(1)
	o.mu.Unlock()

	if err := o.store.CreateRun(ctx, run); err != nil {
		o.finish(run.ID, exec)
		cancel(nil)
		return nil, fmt.Errorf("cannot persist run: %w", err)
	}
	o.audit(ctx, sweeperv1.AuditEvent{RunID: run.ID, Actor: req.Actor, Action: sweeperv1.AuditTrigger, Subject: o.cfg.Pipeline})
	log.Info("Triggered pipeline run", "actor", req.Actor)

	go func() {
		defer o.finish(run.ID, exec)
		defer cancel(nil)

		o.execute(runCtx, log, run.DeepCopy())
	}()

	return run, nil
}

// Decide forwards a human decision to the gate the run is blocked on.
func (o *Orchestrator) Decide(
	ctx context.Context,
	runID string,
	decision sweeperv1.Decision,
	actor, comment string,
) (sweeperv1.ApprovalRecord, error) {
	rec, err := o.gate.Decide(ctx, runID, decision, actor, comment)
	if !errors.Is(err, gate.ErrNoPendingApproval) {
		return rec, err
	}

	run, getErr := o.store.GetRun(ctx, runID)
	switch {
	case getErr != nil:
		return rec, fmt.Errorf("%w: %s", ErrNotFound, runID)
	case run.Approval != nil:
		return *run.Approval, fmt.Errorf("%w: %s by %s", gate.ErrAlreadyDecided, run.Approval.Decision, run.Approval.Actor)
	}

	return rec, err
}

// Cancel stops an in-flight run. Any actor session held by the run is revoked immediately and
// the run is recorded as Failed. Cancel returns once the failure has been persisted.
func (o *Orchestrator) Cancel(ctx context.Context, runID, actor string) (*sweeperv1.PipelineRun, error) {
	o.mu.Lock()
	exec, ok := o.active[runID]
	o.mu.Unlock()

	if !ok {
		run, err := o.store.GetRun(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		if run.Phase.Terminal() {
			return run, fmt.Errorf("%w: %s is %s", ErrTerminal, runID, run.Phase)
		}
		return run, fmt.Errorf("%w: %s", ErrNotExecuting, runID)
	}

	o.log.Info("Cancelling run", "runId", runID, "actor", actor)
	o.audit(ctx, sweeperv1.AuditEvent{RunID: runID, Actor: actor, Action: sweeperv1.AuditCancel})

	exec.cancel(errCancelled)
	o.sessions.RevokeRun(ctx, runID)
	o.gate.Withdraw(runID)

	select {
	case <-exec.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return o.store.GetRun(ctx, runID)
}

// Wait blocks until the run has reached a terminal phase and returns it.
func (o *Orchestrator) Wait(ctx context.Context, runID string) (*sweeperv1.PipelineRun, error) {
	o.mu.Lock()
	exec, ok := o.active[runID]
	o.mu.Unlock()

	if ok {
		select {
		case <-exec.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return run, nil
}

// Active lists the IDs of runs still executing.
func (o *Orchestrator) Active() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown refuses new triggers, cancels every in-flight run and waits for them to be recorded.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	ids := make([]string, 0, len(o.active))
	for id, exec := range o.active {
		exec.cancel(ErrShuttingDown)
		ids = append(ids, id)
	}
	o.mu.Unlock()

	for _, id := range ids {
		o.sessions.RevokeRun(ctx, id)
		o.gate.Withdraw(id)
	}

	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) finish(runID string, exec *execution) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active[runID] == exec {
		delete(o.active, runID)
		close(exec.done)
		o.inflight.Done()
	}
}

func (o *Orchestrator) execute(ctx context.Context, log logr.Logger, run *sweeperv1.PipelineRun) {
	defer o.gate.Forget(run.ID)

	var ok bool
	if run, ok = o.apply(ctx, log, run, Event{Type: EventStart}); !ok {
		return
	}

	// Source
	snap, err := o.captureSource(ctx, log, run.ID)
	if err != nil {
		o.stageFailed(ctx, log, run, sweeperv1.StageSource, nil, err)
		return
	}
	if run, ok = o.apply(ctx, log, run, Event{Type: EventStageSucceeded, Stage: sweeperv1.StageSource, Snapshot: snap}); !ok {
		return
	}

	// DryRun
	record, err := o.runStage(ctx, log, run, sweeperv1.StageDryRun)
	if err != nil {
		o.stageFailed(ctx, log, run, sweeperv1.StageDryRun, record, err)
		return
	}

	// the ticket must exist before the run is observable as awaiting approval
	ticket, err := o.gate.Open(run.ID)
	if err != nil {
		o.stageFailed(ctx, log, run, sweeperv1.StageDryRun, record, err)
		return
	}
	if run, ok = o.apply(ctx, log, run, Event{Type: EventStageSucceeded, Stage: sweeperv1.StageDryRun, Invocation: record}); !ok {
		o.gate.Withdraw(run.ID)
		return
	}

	// Approval
	if held := o.sessions.Outstanding(run.ID); len(held) > 0 {
		o.cancelled(ctx, log, run, fmt.Errorf("actor session %s outlived its stage", held[0].SessionID))
		return
	}
	log.Info("Waiting for approval")
	decision, err := o.gate.Wait(ctx, ticket)
	if err != nil {
		o.cancelled(ctx, log, run, err)
		return
	}
	if run, ok = o.apply(ctx, log, run, Event{Type: EventDecision, Approval: &decision}); !ok {
		return
	}
	if run.Phase == sweeperv1.RunPhaseRejected {
		log.Info("Run rejected", "actor", decision.Actor)
		return
	}
	// an approval that lands alongside a cancellation must not start the destructive stage
	if ctx.Err() != nil {
		o.cancelled(ctx, log, run, context.Cause(ctx))
		return
	}

	// Run
	record, err = o.runStage(ctx, log, run, sweeperv1.StageRun)
	if err != nil {
		o.stageFailed(ctx, log, run, sweeperv1.StageRun, record, err)
		return
	}
	if run, ok = o.apply(ctx, log, run, Event{Type: EventStageSucceeded, Stage: sweeperv1.StageRun, Invocation: record}); ok {
		log.Info("Run succeeded", "phase", run.Phase)
	}
}

func (o *Orchestrator) captureSource(ctx context.Context, log logr.Logger, runID string) (*sweeperv1.SourceSnapshot, error) {
	txn := o.newRelic.StartTransaction("Orchestrator.Source")
	txn.AddAttribute("runId", runID)
	defer txn.End()

	log.Info("Capturing source snapshot")
	snap, err := o.source.Capture(ctx)
	if err != nil {
		txn.NoticeError(newrelic.Error{Message: err.Error(), Class: "SourceCaptureError"})
		return nil, fmt.Errorf("cannot capture source: %w", err)
	}

	return snap, nil
}

// runStage assumes the actor for exactly one invocation and releases it before returning.
func (o *Orchestrator) runStage(
	ctx context.Context,
	log logr.Logger,
	run *sweeperv1.PipelineRun,
	stage sweeperv1.StageName,
) (*sweeperv1.StageInvocation, error) {
	log = log.WithValues("stage", stage)

	txn := o.newRelic.StartTransaction("Orchestrator." + string(stage))
	txn.AddAttribute("runId", run.ID)
	defer txn.End()

	if stage == sweeperv1.StageRun && !run.Approval.Approved() {
		return nil, identity.Denied("", "destructive stage requires a recorded approval")
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%s not started: %w", stage, context.Cause(ctx))
	}

	assumeSeg := txn.StartSegment("assume-actor")
	sc, err := o.sessions.AssumeActor(ctx, o.cfg.ExecutorCredential, identity.SessionScope{RunID: run.ID, Stage: stage})
	assumeSeg.End()
	if err != nil {
		txn.NoticeError(newrelic.Error{Message: err.Error(), Class: "AssumeActorError"})
		return nil, err
	}
	defer o.sessions.Release(context.WithoutCancel(ctx), sc)

	log.Info("Dispatching stage")
	execSeg := txn.StartSegment("execute")
	record, err := o.runner.Run(ctx, runner.Invocation{
		RunID:      run.ID,
		Stage:      stage,
		Inputs:     sweeperv1.InputsFor(stage, o.cfg.SecretRef, o.actorID),
		Snapshot:   run.Snapshot,
		Credential: sc,
	})
	execSeg.End()
	if err != nil {
		txn.NoticeError(newrelic.Error{Message: err.Error(), Class: errorClass(err)})
	}

	return record, err
}

func (o *Orchestrator) stageFailed(
	ctx context.Context,
	log logr.Logger,
	run *sweeperv1.PipelineRun,
	stage sweeperv1.StageName,
	record *sweeperv1.StageInvocation,
	err error,
) {
	if ctx.Err() != nil {
		o.cancelled(ctx, log, run, err)
		return
	}

	log.Error(err, "Stage failed", "stage", stage)
	o.apply(ctx, log, run, Event{Type: EventStageFailed, Stage: stage, Reason: err.Error(), Invocation: record})
}

func (o *Orchestrator) cancelled(ctx context.Context, log logr.Logger, run *sweeperv1.PipelineRun, err error) {
	reason := "cancelled"
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, errCancelled) {
		reason = fmt.Sprintf("cancelled: %s", cause)
	} else if ctx.Err() == nil && err != nil {
		reason = fmt.Sprintf("cancelled: %s", err)
	}

	o.sessions.RevokeRun(context.WithoutCancel(ctx), run.ID)
	log.Info("Run cancelled", "reason", reason)
	o.apply(ctx, log, run, Event{Type: EventCancel, Reason: reason})
}

// apply runs the state machine, persists the result and publishes the new transitions. It
// reports whether the transition was accepted and persisted. Writes outlive cancellation of the
// run. When an intermediate transition cannot be written the run is recorded as Failed instead,
// so the store never keeps a run that nothing is executing in a non-terminal phase.
func (o *Orchestrator) apply(
	ctx context.Context,
	log logr.Logger,
	run *sweeperv1.PipelineRun,
	event Event,
) (*sweeperv1.PipelineRun, bool) {
	ctx = context.WithoutCancel(ctx)
	if event.At.IsZero() {
		event.At = o.now()
	}

	next, err := Next(run, event)
	if err != nil {
		log.Error(err, "Rejected state transition", "event", event.Type, "stage", event.Stage)
		return run, false
	}
	if err = o.persist(ctx, log, next); err != nil {
		log.Error(err, "Failed to persist run", "phase", next.Phase)
		if !next.Phase.Terminal() {
			o.abandon(ctx, log, run, err)
		}
		return next, false
	}
	o.publish(ctx, log, next)

	return next, true
}

// persist writes run with exponential backoff. Terminal phases are retried until they stick.
func (o *Orchestrator) persist(ctx context.Context, log logr.Logger, run *sweeperv1.PipelineRun) error {
	attempts := o.persistAttempts
	if run.Phase.Terminal() {
		attempts = 0
	}

	return retry.Do(
		func() error {
			return o.store.UpdateRun(ctx, run)
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(o.persistDelay),
		retry.MaxDelay(persistMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.OnRetry(func(n uint, err error) {
			log.Info("Retrying run update", "attempt", n, "phase", run.Phase, "error", err.Error())
		}),
		retry.LastErrorOnly(true),
	)
}

// abandon fails run, the last state known to be stored, after a later transition was lost.
func (o *Orchestrator) abandon(ctx context.Context, log logr.Logger, run *sweeperv1.PipelineRun, cause error) {
	failed, err := Next(run, Event{Type: EventCancel, At: o.now(), Reason: fmt.Sprintf("cannot persist run: %s", cause)})
	if err != nil {
		log.Error(err, "Cannot fail run after lost update")
		return
	}

	o.sessions.RevokeRun(ctx, run.ID)
	o.gate.Withdraw(run.ID)
	if err = o.persist(ctx, log, failed); err != nil {
		log.Error(err, "Failed to persist run", "phase", failed.Phase)
		return
	}
	o.publish(ctx, log, failed)
}

func (o *Orchestrator) publish(ctx context.Context, log logr.Logger, run *sweeperv1.PipelineRun) {
	if o.notifier == nil {
		return
	}

	var published bool
	for idx := range run.Transitions {
		tr := &run.Transitions[idx]
		if tr.Processed {
			continue
		}

		if err := o.notifier.Notify(ctx, run, *tr); err != nil {
			log.Error(err, "Failed to publish transition", "stage", tr.Stage, "phase", tr.Phase)
			break
		}
		tr.Processed = true
		published = true
	}

	if published {
		if err := o.store.UpdateRun(ctx, run); err != nil {
			log.Error(err, "Failed to persist processed transitions")
		}
	}
}

func (o *Orchestrator) audit(ctx context.Context, event sweeperv1.AuditEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = o.now()
	}
	if err := o.store.RecordAudit(ctx, event); err != nil {
		o.log.Error(err, "Failed to record audit event", "action", event.Action, "runId", event.RunID)
	}
}

func errorClass(err error) string {
	switch {
	case identity.IsPermissionDenied(err):
		return "PermissionDeniedError"
	case errors.Is(err, runner.ErrStageExecutionFailed):
		return "StageExecutionFailedError"
	}
	return "StageError"
}

// Outcome converts a terminal run into the error a caller should see: nil for Succeeded,
// ErrApprovalRejected for Rejected and the stage failure otherwise.
func Outcome(run *sweeperv1.PipelineRun) error {
	switch run.Phase {
	case sweeperv1.RunPhaseSucceeded:
		return nil
	case sweeperv1.RunPhaseRejected:
		if run.Approval != nil {
			return fmt.Errorf("%w by %s", ErrApprovalRejected, run.Approval.Actor)
		}
		return ErrApprovalRejected
	case sweeperv1.RunPhaseFailed:
		for _, st := range run.Stages {
			if st.Phase != sweeperv1.PhaseFailed {
				continue
			}
			if inv := st.Invocation; inv != nil && inv.ExitCode > 0 {
				return &runner.StageExecutionFailedError{Stage: st.Name, ExitCode: inv.ExitCode, Output: inv.Output}
			}
			return fmt.Errorf("%s failed: %s", st.Name, st.Message)
		}
		return errors.New(run.Error)
	}

	return fmt.Errorf("run %s is %s", run.ID, run.Phase)
}

func newRunID() string {
	return uuid.NewString()
}
