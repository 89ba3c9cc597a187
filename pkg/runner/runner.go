package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/validation/field"

	sweeperv1 "github.com/dominodatalab/sweeper/pkg/api/sweeper/v1"
	"github.com/dominodatalab/sweeper/pkg/identity"
	"github.com/dominodatalab/sweeper/pkg/logsink"
	"github.com/dominodatalab/sweeper/pkg/secrets"
	"github.com/dominodatalab/sweeper/pkg/source"
)

const flushTimeout = 30 * time.Second

// ErrStageExecutionFailed is returned when the deletion tool exits unsuccessfully.
var ErrStageExecutionFailed = errors.New("stage execution failed")

// StageExecutionFailedError carries the exit code and captured output of a failed invocation.
type StageExecutionFailedError struct {
	Stage    sweeperv1.StageName
	ExitCode int
	Output   string
}

func (e *StageExecutionFailedError) Error() string {
	return fmt.Sprintf("%s: %s exited with code %d", ErrStageExecutionFailed, e.Stage, e.ExitCode)
}

func (e *StageExecutionFailedError) Unwrap() error {
	return ErrStageExecutionFailed
}

// Invocation is everything needed to execute one stage.
type Invocation struct {
	RunID      string
	Stage      sweeperv1.StageName
	Inputs     sweeperv1.StageInputs
	Snapshot   *sweeperv1.SourceSnapshot
	Credential *identity.ScopedCredential
}

// Runner executes the deletion tool for the DryRun and Run stages. Every invocation gets a fresh
// workspace that is removed afterwards; nothing carries over between invocations.
type Runner struct {
	log        logr.Logger
	env        Environment
	sink       logsink.Sink
	resolver   secrets.Resolver
	image      string
	command    []string
	privileged bool
	tailBytes  int
}

type Options struct {
	Image           string
	Command         []string
	Privileged      bool
	OutputTailBytes int
}

func New(log logr.Logger, env Environment, sink logsink.Sink, resolver secrets.Resolver, opts Options) *Runner {
	return &Runner{
		log:        log.WithName("stage-runner"),
		env:        env,
		sink:       sink,
		resolver:   resolver,
		image:      opts.Image,
		command:    opts.Command,
		privileged: opts.Privileged,
		tailBytes:  opts.OutputTailBytes,
	}
}

// Run executes one stage invocation. The returned StageInvocation is populated even when an error
// is returned, as far as execution got.
func (r *Runner) Run(ctx context.Context, inv Invocation) (*sweeperv1.StageInvocation, error) {
	log := r.log.WithValues("runId", inv.RunID, "stage", inv.Stage)

	record := &sweeperv1.StageInvocation{
		Stage:    inv.Stage,
		Inputs:   inv.Inputs,
		ExitCode: -1,
	}
	if inv.Snapshot != nil {
		record.SnapshotDigest = inv.Snapshot.Digest
	}

	if errs := sweeperv1.ValidateInvocationInputs(field.NewPath("invocation"), inv.Stage, inv.Inputs); len(errs) > 0 {
		return record, fmt.Errorf("invalid stage inputs: %w", errs.ToAggregate())
	}
	if inv.Snapshot == nil {
		return record, errors.New("stage requires a source snapshot")
	}
	if inv.Credential == nil || inv.Credential.Credentials.SessionToken == "" {
		return record, identity.Denied("", "stage has no actor session")
	}
	if inv.Credential.Scope.RunID != inv.RunID || inv.Credential.Scope.Stage != inv.Stage {
		return record, identity.Denied(inv.Credential.Principal, "actor session is scoped to a different invocation")
	}
	if inv.Credential.Expired(time.Now()) {
		return record, identity.Denied(inv.Credential.Principal, "actor session has expired")
	}
	record.SessionID = inv.Credential.SessionID

	workspace, err := os.MkdirTemp("", fmt.Sprintf("sweeper-%s-", inv.Stage))
	if err != nil {
		return record, err
	}
	defer os.RemoveAll(workspace)

	srcDir := filepath.Join(workspace, "src")
	if err = source.Extract(inv.Snapshot, srcDir); err != nil {
		return record, fmt.Errorf("cannot prepare workspace: %w", err)
	}

	// the environment only ever sees the materialised docker config, removed with the workspace
	ac, err := r.resolver.Resolve(ctx, inv.Inputs.SecretRef)
	if err != nil {
		return record, fmt.Errorf("cannot resolve registry secret: %w", err)
	}
	dockerConfig, err := secrets.Persist(workspace, ac)
	if err != nil {
		return record, err
	}

	env := inv.Inputs.Env()
	for k, v := range inv.Credential.Credentials.Env() {
		env[k] = v
	}
	env[sweeperv1.EnvRunID] = inv.RunID
	env[sweeperv1.EnvStage] = string(inv.Stage)

	stream, err := r.sink.Open(ctx, inv.Stage, inv.RunID)
	if err != nil {
		return record, fmt.Errorf("cannot open log stream: %w", err)
	}
	record.LogDestination = stream.Destination()
	record.LogStream = stream.Name()

	tail := newTailBuffer(r.tailBytes)
	output := &teeWriter{primary: stream, tail: tail}
	exec := &Execution{
		Name:            executionName(inv.RunID, inv.Stage),
		RunID:           inv.RunID,
		Stage:           inv.Stage,
		Image:           r.image,
		Command:         r.command,
		Env:             env,
		SourceDir:       srcDir,
		DockerConfigDir: dockerConfig,
		Privileged:      r.privileged,
		Output:          output,
	}

	log.Info("Executing stage", "destination", record.LogDestination, "stream", record.LogStream,
		"destructive", inv.Inputs.DestructiveMode, "digest", record.SnapshotDigest)
	exitCode, execErr := r.env.Execute(ctx, exec)

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()
	closeErr := stream.Close(flushCtx)
	if output.err != nil {
		closeErr = output.err
	}

	record.ExitCode = exitCode
	record.Output = tail.String()

	switch {
	case execErr != nil:
		return record, fmt.Errorf("cannot execute stage: %w", execErr)
	case closeErr != nil:
		return record, fmt.Errorf("stage output was not persisted: %w", closeErr)
	case exitCode != 0:
		return record, &StageExecutionFailedError{Stage: inv.Stage, ExitCode: exitCode, Output: record.Output}
	}
	log.Info("Stage completed", "exitCode", exitCode)

	return record, nil
}

func executionName(runID string, stage sweeperv1.StageName) string {
	name := fmt.Sprintf("sweeper-%s-%s", runID, stageSlug(stage))
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}

func stageSlug(stage sweeperv1.StageName) string {
	switch stage {
	case sweeperv1.StageDryRun:
		return "dry-run"
	case sweeperv1.StageRun:
		return "run"
	}
	return "stage"
}
