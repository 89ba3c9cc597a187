package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sweeperv1 "github.com/dominodatalab/sweeper/pkg/api/sweeper/v1"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func snapshot() *sweeperv1.SourceSnapshot {
	return &sweeperv1.SourceSnapshot{Location: "/src", Branch: "main", Digest: "sha256:abc", Archive: "/tmp/abc.tar.gz"}
}

func invocationFor(stage sweeperv1.StageName) *sweeperv1.StageInvocation {
	return &sweeperv1.StageInvocation{
		Stage:          stage,
		Inputs:         sweeperv1.InputsFor(stage, "secret", "role"),
		SnapshotDigest: "sha256:abc",
		ExitCode:       0,
	}
}

func approval(runID string, decision sweeperv1.Decision) *sweeperv1.ApprovalRecord {
	return &sweeperv1.ApprovalRecord{
		RunID:     runID,
		Decision:  decision,
		Actor:     "alice",
		DecidedAt: t0.Add(time.Hour),
	}
}

// step applies events in order, each a minute after the last.
func step(t *testing.T, run *sweeperv1.PipelineRun, events ...Event) *sweeperv1.PipelineRun {
	t.Helper()

	for i, ev := range events {
		if ev.At.IsZero() {
			ev.At = run.UpdatedAt.Add(time.Duration(i+1) * time.Minute)
		}
		next, err := Next(run, ev)
		require.NoError(t, err, "event %d (%s %s)", i, ev.Type, ev.Stage)
		run = next
	}
	return run
}

func awaitingApproval(t *testing.T) *sweeperv1.PipelineRun {
	t.Helper()

	return step(t, sweeperv1.NewPipelineRun("run-1", "remove-resource", "alice", t0),
		Event{Type: EventStart},
		Event{Type: EventStageSucceeded, Stage: sweeperv1.StageSource, Snapshot: snapshot()},
		Event{Type: EventStageSucceeded, Stage: sweeperv1.StageDryRun, Invocation: invocationFor(sweeperv1.StageDryRun)},
	)
}

func phases(run *sweeperv1.PipelineRun) map[sweeperv1.StageName]sweeperv1.Phase {
	out := map[sweeperv1.StageName]sweeperv1.Phase{}
	for _, st := range run.Stages {
		out[st.Name] = st.Phase
	}
	return out
}

func TestNextHappyPath(t *testing.T) {
	run := awaitingApproval(t)

	assert.Equal(t, sweeperv1.RunPhaseAwaitingApproval, run.Phase)
	assert.Equal(t, map[sweeperv1.StageName]sweeperv1.Phase{
		sweeperv1.StageSource:   sweeperv1.PhaseSucceeded,
		sweeperv1.StageDryRun:   sweeperv1.PhaseSucceeded,
		sweeperv1.StageApproval: sweeperv1.PhasePending,
		sweeperv1.StageRun:      sweeperv1.PhasePending,
	}, phases(run))

	run = step(t, run,
		Event{Type: EventDecision, Approval: approval("run-1", sweeperv1.DecisionApprove)},
		Event{Type: EventStageSucceeded, Stage: sweeperv1.StageRun, Invocation: invocationFor(sweeperv1.StageRun)},
	)

	assert.Equal(t, sweeperv1.RunPhaseSucceeded, run.Phase)
	assert.Equal(t, sweeperv1.PhaseApproved, run.Stage(sweeperv1.StageApproval).Phase)
	assert.Equal(t, sweeperv1.PhaseSucceeded, run.Stage(sweeperv1.StageRun).Phase)
	assert.True(t, run.Approval.Approved())

	var last time.Time
	for _, name := range sweeperv1.StageOrder {
		st := run.Stage(name)
		require.NotNil(t, st.StartedAt, name)
		assert.False(t, st.StartedAt.Before(last), "%s started before its predecessor", name)
		last = *st.StartedAt
	}

	var seen []string
	for _, tr := range run.Transitions {
		seen = append(seen, string(tr.Stage)+":"+string(tr.PreviousPhase)+">"+string(tr.Phase))
		assert.False(t, tr.Processed)
	}
	assert.Equal(t, []string{
		"Source:Pending>Running",
		"Source:Running>Succeeded",
		"DryRun:Pending>Running",
		"DryRun:Running>Succeeded",
		"Approval:Pending>Approved",
		"Run:Pending>Running",
		"Run:Running>Succeeded",
	}, seen)
	assert.Equal(t, sweeperv1.RunPhaseSucceeded, run.Transitions[len(run.Transitions)-1].RunPhase)
}

func TestNextDoesNotMutateInput(t *testing.T) {
	run := sweeperv1.NewPipelineRun("run-1", "remove-resource", "alice", t0)

	next, err := Next(run, Event{Type: EventStart, At: t0.Add(time.Minute)})
	require.NoError(t, err)

	assert.Equal(t, sweeperv1.RunPhasePending, run.Phase)
	assert.Empty(t, run.Transitions)
	assert.Equal(t, sweeperv1.RunPhaseRunning, next.Phase)
}

func TestNextTimestampsNeverGoBackwards(t *testing.T) {
	run := step(t, sweeperv1.NewPipelineRun("run-1", "remove-resource", "alice", t0), Event{Type: EventStart})

	next, err := Next(run, Event{
		Type:     EventStageSucceeded,
		Stage:    sweeperv1.StageSource,
		Snapshot: snapshot(),
		At:       t0.Add(-time.Hour),
	})
	require.NoError(t, err)

	source := next.Stage(sweeperv1.StageSource)
	dry := next.Stage(sweeperv1.StageDryRun)
	assert.False(t, dry.StartedAt.Before(*source.StartedAt))
	assert.Equal(t, run.UpdatedAt, next.UpdatedAt)
}

func TestNextFailures(t *testing.T) {
	t.Run("source failure", func(t *testing.T) {
		run := step(t, sweeperv1.NewPipelineRun("run-1", "p", "alice", t0),
			Event{Type: EventStart},
			Event{Type: EventStageFailed, Stage: sweeperv1.StageSource, Reason: "source unavailable"},
		)

		assert.Equal(t, sweeperv1.RunPhaseFailed, run.Phase)
		assert.Equal(t, "source unavailable", run.Error)
		assert.Equal(t, sweeperv1.PhasePending, run.Stage(sweeperv1.StageDryRun).Phase)
	})

	t.Run("dry run failure", func(t *testing.T) {
		inv := invocationFor(sweeperv1.StageDryRun)
		inv.ExitCode = 1

		run := step(t, sweeperv1.NewPipelineRun("run-1", "p", "alice", t0),
			Event{Type: EventStart},
			Event{Type: EventStageSucceeded, Stage: sweeperv1.StageSource, Snapshot: snapshot()},
			Event{Type: EventStageFailed, Stage: sweeperv1.StageDryRun, Reason: "exit 1", Invocation: inv},
		)

		assert.Equal(t, sweeperv1.RunPhaseFailed, run.Phase)
		assert.Equal(t, 1, run.Invocation(sweeperv1.StageDryRun).ExitCode)
		assert.Equal(t, sweeperv1.PhasePending, run.Stage(sweeperv1.StageApproval).Phase)
		assert.Nil(t, run.Stage(sweeperv1.StageApproval).StartedAt)
		assert.Equal(t, sweeperv1.PhasePending, run.Stage(sweeperv1.StageRun).Phase)
	})

	t.Run("rejected", func(t *testing.T) {
		run := step(t, awaitingApproval(t), Event{Type: EventDecision, Approval: approval("run-1", sweeperv1.DecisionReject)})

		assert.Equal(t, sweeperv1.RunPhaseRejected, run.Phase)
		assert.Equal(t, sweeperv1.PhaseRejected, run.Stage(sweeperv1.StageApproval).Phase)
		assert.Equal(t, sweeperv1.PhasePending, run.Stage(sweeperv1.StageRun).Phase)
		assert.Nil(t, run.Stage(sweeperv1.StageRun).StartedAt)
	})

	t.Run("run failure", func(t *testing.T) {
		run := step(t, awaitingApproval(t),
			Event{Type: EventDecision, Approval: approval("run-1", sweeperv1.DecisionApprove)},
			Event{Type: EventStageFailed, Stage: sweeperv1.StageRun, Reason: "exit 2"},
		)
		assert.Equal(t, sweeperv1.RunPhaseFailed, run.Phase)
	})

	t.Run("cancel while awaiting approval", func(t *testing.T) {
		run := step(t, awaitingApproval(t), Event{Type: EventCancel})

		assert.Equal(t, sweeperv1.RunPhaseFailed, run.Phase)
		assert.Equal(t, "cancelled", run.Error)
		approval := run.Stage(sweeperv1.StageApproval)
		assert.Equal(t, sweeperv1.PhasePending, approval.Phase)
		assert.Equal(t, "cancelled", approval.Message)
		assert.NotNil(t, approval.FinishedAt)
	})

	t.Run("cancel while running", func(t *testing.T) {
		run := step(t, sweeperv1.NewPipelineRun("run-1", "p", "alice", t0),
			Event{Type: EventStart},
			Event{Type: EventStageSucceeded, Stage: sweeperv1.StageSource, Snapshot: snapshot()},
			Event{Type: EventCancel, Reason: "cancelled"},
		)

		assert.Equal(t, sweeperv1.RunPhaseFailed, run.Phase)
		assert.Equal(t, sweeperv1.PhaseFailed, run.Stage(sweeperv1.StageDryRun).Phase)
		assert.Equal(t, "cancelled", run.Stage(sweeperv1.StageDryRun).Message)
	})
}

func TestNextIllegal(t *testing.T) {
	pending := sweeperv1.NewPipelineRun("run-1", "p", "alice", t0)
	started := step(t, pending, Event{Type: EventStart})
	dryRunning := step(t, started, Event{Type: EventStageSucceeded, Stage: sweeperv1.StageSource, Snapshot: snapshot()})
	awaiting := awaitingApproval(t)
	approved := step(t, awaiting, Event{Type: EventDecision, Approval: approval("run-1", sweeperv1.DecisionApprove)})

	otherSnapshot := invocationFor(sweeperv1.StageRun)
	otherSnapshot.SnapshotDigest = "sha256:def"

	otherInputs := invocationFor(sweeperv1.StageRun)
	otherInputs.Inputs.AssumeRoleRef = "other-role"

	undecided := approval("run-1", sweeperv1.DecisionApprove)
	undecided.Actor = ""

	testcases := []struct {
		name  string
		run   *sweeperv1.PipelineRun
		event Event
	}{
		{"start twice", started, Event{Type: EventStart}},
		{"dry run before source", started, Event{Type: EventStageSucceeded, Stage: sweeperv1.StageDryRun, Invocation: invocationFor(sweeperv1.StageDryRun)}},
		{"source without snapshot", started, Event{Type: EventStageSucceeded, Stage: sweeperv1.StageSource}},
		{"dry run without invocation", dryRunning, Event{Type: EventStageSucceeded, Stage: sweeperv1.StageDryRun}},
		{"destructive dry run", dryRunning, Event{Type: EventStageSucceeded, Stage: sweeperv1.StageDryRun, Invocation: invocationFor(sweeperv1.StageRun)}},
		{"run without approval", awaiting, Event{Type: EventStageSucceeded, Stage: sweeperv1.StageRun, Invocation: invocationFor(sweeperv1.StageRun)}},
		{"decision before dry run", dryRunning, Event{Type: EventDecision, Approval: approval("run-1", sweeperv1.DecisionApprove)}},
		{"decision for another run", awaiting, Event{Type: EventDecision, Approval: approval("run-2", sweeperv1.DecisionApprove)}},
		{"decision without actor", awaiting, Event{Type: EventDecision, Approval: undecided}},
		{"empty decision", awaiting, Event{Type: EventDecision}},
		{"second decision", approved, Event{Type: EventDecision, Approval: approval("run-1", sweeperv1.DecisionReject)}},
		{"run on another snapshot", approved, Event{Type: EventStageSucceeded, Stage: sweeperv1.StageRun, Invocation: otherSnapshot}},
		{"run with different inputs", approved, Event{Type: EventStageSucceeded, Stage: sweeperv1.StageRun, Invocation: otherInputs}},
		{"non-destructive run", approved, Event{Type: EventStageSucceeded, Stage: sweeperv1.StageRun, Invocation: invocationFor(sweeperv1.StageDryRun)}},
		{"approval is not executed", awaiting, Event{Type: EventStageFailed, Stage: sweeperv1.StageApproval}},
		{"unknown event", started, Event{Type: "Resume"}},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Next(tc.run, tc.event)
			assert.ErrorIs(t, err, ErrIllegalTransition)
		})
	}
}

func TestNextTerminal(t *testing.T) {
	rejected := step(t, awaitingApproval(t), Event{Type: EventDecision, Approval: approval("run-1", sweeperv1.DecisionReject)})

	for _, ev := range []Event{
		{Type: EventStart},
		{Type: EventDecision, Approval: approval("run-1", sweeperv1.DecisionApprove)},
		{Type: EventStageSucceeded, Stage: sweeperv1.StageRun, Invocation: invocationFor(sweeperv1.StageRun)},
		{Type: EventCancel},
	} {
		_, err := Next(rejected, ev)
		assert.ErrorIs(t, err, ErrTerminal, ev.Type)
	}
}
