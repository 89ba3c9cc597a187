package v1

import "time"

// RunTransitionMessage is published for every stage transition of a run.
type RunTransitionMessage struct {
	RunID         string    `json:"runId"`
	Pipeline      string    `json:"pipeline"`
	TriggeredBy   string    `json:"triggeredBy"`
	Stage         StageName `json:"stage"`
	PreviousPhase Phase     `json:"previousPhase"`
	CurrentPhase  Phase     `json:"currentPhase"`
	RunPhase      RunPhase  `json:"runPhase"`
	OccurredAt    time.Time `json:"occurredAt"`

	SnapshotDigest string `json:"snapshotDigest,omitempty"`
	// LogDestination and LogStream locate the stage output once an executable stage finished.
	LogDestination string          `json:"logDestination,omitempty"`
	LogStream      string          `json:"logStream,omitempty"`
	Approval       *ApprovalRecord `json:"approval,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// NewRunTransitionMessage describes transition tr of run.
func NewRunTransitionMessage(run *PipelineRun, tr Transition) RunTransitionMessage {
	msg := RunTransitionMessage{
		RunID:         run.ID,
		Pipeline:      run.Pipeline,
		TriggeredBy:   run.TriggeredBy,
		Stage:         tr.Stage,
		PreviousPhase: tr.PreviousPhase,
		CurrentPhase:  tr.Phase,
		RunPhase:      tr.RunPhase,
		OccurredAt:    tr.OccurredAt,
	}
	if run.Snapshot != nil {
		msg.SnapshotDigest = run.Snapshot.Digest
	}
	if inv := run.Invocation(tr.Stage); inv != nil && tr.Phase != PhaseRunning {
		msg.LogDestination = inv.LogDestination
		msg.LogStream = inv.LogStream
	}

	switch tr.Phase {
	case PhaseApproved, PhaseRejected:
		msg.Approval = run.Approval
	case PhaseFailed:
		msg.Error = run.Error
	}

	return msg
}
