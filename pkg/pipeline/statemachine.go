package pipeline

import (
	"errors"
	"fmt"
	"time"

	sweeperv1 "github.com/dominodatalab/sweeper/pkg/api/sweeper/v1"
)

var (
	ErrIllegalTransition = errors.New("illegal transition")
	ErrTerminal          = errors.New("run is in a terminal phase")
)

type EventType string

const (
	// EventStart moves a pending run into its Source stage.
	EventStart EventType = "Start"
	// EventStageSucceeded completes the running stage and starts the next one when it runs automatically.
	EventStageSucceeded EventType = "StageSucceeded"
	// EventStageFailed fails the running stage and the run with it.
	EventStageFailed EventType = "StageFailed"
	// EventDecision records the manual gate outcome.
	EventDecision EventType = "Decision"
	// EventCancel fails whatever stage is in progress.
	EventCancel EventType = "Cancel"
)

// Event is an input to Next.
type Event struct {
	Type       EventType
	Stage      sweeperv1.StageName
	At         time.Time
	Reason     string
	Snapshot   *sweeperv1.SourceSnapshot
	Invocation *sweeperv1.StageInvocation
	Approval   *sweeperv1.ApprovalRecord
}

// Next applies event to a copy of run and returns the copy. run itself is never modified.
func Next(run *sweeperv1.PipelineRun, event Event) (*sweeperv1.PipelineRun, error) {
	if run == nil {
		return nil, errors.New("run cannot be nil")
	}
	if run.Phase.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminal, run.ID, run.Phase)
	}

	m := &machine{run: run.DeepCopy(), at: event.At}
	if m.at.IsZero() {
		m.at = time.Now()
	}
	// timestamps never move backwards within a run
	if m.at.Before(m.run.UpdatedAt) {
		m.at = m.run.UpdatedAt
	}

	var err error
	switch event.Type {
	case EventStart:
		err = m.start()
	case EventStageSucceeded:
		err = m.succeed(event)
	case EventStageFailed:
		err = m.fail(event)
	case EventDecision:
		err = m.decide(event)
	case EventCancel:
		err = m.cancel(event)
	default:
		err = fmt.Errorf("%w: unknown event %q", ErrIllegalTransition, event.Type)
	}
	if err != nil {
		return nil, err
	}
	m.run.UpdatedAt = m.at

	return m.run, nil
}

type machine struct {
	run *sweeperv1.PipelineRun
	at  time.Time
}

func (m *machine) start() error {
	if m.run.Phase != sweeperv1.RunPhasePending {
		return m.illegal("start a %s run", m.run.Phase)
	}

	m.run.Phase = sweeperv1.RunPhaseRunning
	m.setStage(sweeperv1.StageSource, sweeperv1.PhaseRunning, "")

	return nil
}

func (m *machine) succeed(event Event) error {
	st, err := m.running(event.Stage)
	if err != nil {
		return err
	}

	switch event.Stage {
	case sweeperv1.StageSource:
		if event.Snapshot == nil || event.Snapshot.Digest == "" {
			return m.illegal("complete Source without a snapshot")
		}
		m.run.Snapshot = event.Snapshot
		m.setStage(sweeperv1.StageSource, sweeperv1.PhaseSucceeded, "")
		m.setStage(sweeperv1.StageDryRun, sweeperv1.PhaseRunning, "")

	case sweeperv1.StageDryRun:
		if err = m.checkInvocation(event.Invocation, false); err != nil {
			return err
		}
		st.Invocation = event.Invocation
		m.run.Phase = sweeperv1.RunPhaseAwaitingApproval
		m.setStage(sweeperv1.StageDryRun, sweeperv1.PhaseSucceeded, "")

		// Approval stays Pending; starting the wait is what its timestamp records
		approval := m.run.Stage(sweeperv1.StageApproval)
		approval.StartedAt = m.timestamp()

	case sweeperv1.StageRun:
		if err = m.checkInvocation(event.Invocation, true); err != nil {
			return err
		}
		st.Invocation = event.Invocation
		m.run.Phase = sweeperv1.RunPhaseSucceeded
		m.setStage(sweeperv1.StageRun, sweeperv1.PhaseSucceeded, "")

	default:
		return m.illegal("complete stage %q", event.Stage)
	}

	return nil
}

func (m *machine) fail(event Event) error {
	st, err := m.running(event.Stage)
	if err != nil {
		return err
	}
	if event.Invocation != nil {
		st.Invocation = event.Invocation
	}

	m.run.Phase = sweeperv1.RunPhaseFailed
	m.run.Error = event.Reason
	m.setStage(event.Stage, sweeperv1.PhaseFailed, event.Reason)

	return nil
}

func (m *machine) decide(event Event) error {
	if m.run.Phase != sweeperv1.RunPhaseAwaitingApproval {
		return m.illegal("record a decision while %s", m.run.Phase)
	}

	rec := event.Approval
	switch {
	case rec == nil:
		return m.illegal("record an empty decision")
	case rec.RunID != m.run.ID:
		return m.illegal("record a decision made for run %q", rec.RunID)
	case rec.Actor == "" || rec.DecidedAt.IsZero():
		return m.illegal("record a decision without an actor and time")
	case !rec.Decision.Valid():
		return m.illegal("record decision %q", rec.Decision)
	}
	m.run.Approval = rec

	if rec.Approved() {
		m.run.Phase = sweeperv1.RunPhaseRunning
		m.setStage(sweeperv1.StageApproval, sweeperv1.PhaseApproved, "approved by "+rec.Actor)
		m.setStage(sweeperv1.StageRun, sweeperv1.PhaseRunning, "")

		return nil
	}

	m.run.Phase = sweeperv1.RunPhaseRejected
	m.setStage(sweeperv1.StageApproval, sweeperv1.PhaseRejected, "rejected by "+rec.Actor)

	return nil
}

func (m *machine) cancel(event Event) error {
	reason := event.Reason
	if reason == "" {
		reason = "cancelled"
	}

	m.run.Phase = sweeperv1.RunPhaseFailed
	m.run.Error = reason

	for _, st := range m.run.Stages {
		switch {
		case st.Phase == sweeperv1.PhaseRunning:
			m.setStage(st.Name, sweeperv1.PhaseFailed, reason)
		case st.Name == sweeperv1.StageApproval && st.Phase == sweeperv1.PhasePending && st.StartedAt != nil:
			st.Message = reason
			st.FinishedAt = m.timestamp()
		}
	}

	return nil
}

// running returns the named stage when it is the one currently executing.
func (m *machine) running(name sweeperv1.StageName) (*sweeperv1.StageStatus, error) {
	st := m.run.Stage(name)
	if st == nil || !name.Executable() && name != sweeperv1.StageSource {
		return nil, m.illegal("finish stage %q", name)
	}
	if st.Phase != sweeperv1.PhaseRunning {
		return nil, m.illegal("finish %s while it is %s", name, st.Phase)
	}

	return st, nil
}

func (m *machine) checkInvocation(inv *sweeperv1.StageInvocation, destructive bool) error {
	if inv == nil {
		return m.illegal("complete a stage without an invocation record")
	}
	if inv.Inputs.DestructiveMode != destructive {
		return m.illegal("complete %s with destructive mode %t", inv.Stage, inv.Inputs.DestructiveMode)
	}
	if m.run.Snapshot == nil || inv.SnapshotDigest != m.run.Snapshot.Digest {
		return m.illegal("complete %s against snapshot %q", inv.Stage, inv.SnapshotDigest)
	}
	if destructive {
		dry := m.run.Invocation(sweeperv1.StageDryRun)
		if dry == nil || !dry.Inputs.Equivalent(inv.Inputs) {
			return m.illegal("complete Run with inputs that differ from the dry run")
		}
		if !m.run.Approval.Approved() {
			return m.illegal("complete Run without an approval")
		}
	}

	return nil
}

func (m *machine) setStage(name sweeperv1.StageName, phase sweeperv1.Phase, message string) {
	st := m.run.Stage(name)
	previous := st.Phase

	st.Phase = phase
	st.Message = message
	switch phase {
	case sweeperv1.PhaseRunning:
		st.StartedAt = m.timestamp()
	case sweeperv1.PhaseSucceeded, sweeperv1.PhaseFailed, sweeperv1.PhaseApproved, sweeperv1.PhaseRejected:
		st.FinishedAt = m.timestamp()
	}

	m.run.Transitions = append(m.run.Transitions, sweeperv1.Transition{
		Stage:         name,
		PreviousPhase: previous,
		Phase:         phase,
		RunPhase:      m.run.Phase,
		OccurredAt:    m.at,
	})
}

func (m *machine) timestamp() *time.Time {
	t := m.at
	return &t
}

func (m *machine) illegal(format string, args ...any) error {
	return fmt.Errorf("%w: cannot %s", ErrIllegalTransition, fmt.Sprintf(format, args...))
}
