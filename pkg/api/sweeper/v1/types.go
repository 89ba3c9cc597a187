package v1

import (
	"encoding/json"
	"time"
)

// StageStatus tracks the progress of one stage within a PipelineRun.
type StageStatus struct {
	Name       StageName        `json:"name"`
	Phase      Phase            `json:"phase"`
	StartedAt  *time.Time       `json:"startedAt,omitempty"`
	FinishedAt *time.Time       `json:"finishedAt,omitempty"`
	Message    string           `json:"message,omitempty"`
	Invocation *StageInvocation `json:"invocation,omitempty"`
}

// Transition is an audit entry for every stage phase change. Processed is flipped once the
// transition has been published to downstream listeners.
type Transition struct {
	Stage         StageName `json:"stage"`
	PreviousPhase Phase     `json:"previousPhase"`
	Phase         Phase     `json:"phase"`
	RunPhase      RunPhase  `json:"runPhase"`
	OccurredAt    time.Time `json:"occurredAt"`
	Processed     bool      `json:"processed"`
}

// SourceSnapshot is an immutable capture of the deletion tool's command and configuration as
// of trigger time. Both executable stages of a run operate on the same snapshot.
type SourceSnapshot struct {
	Location   string    `json:"location"`
	Branch     string    `json:"branch,omitempty"`
	Revision   string    `json:"revision,omitempty"`
	Digest     string    `json:"digest"`
	Archive    string    `json:"archive"`
	Size       int64     `json:"size"`
	CapturedAt time.Time `json:"capturedAt"`
}

// ApprovalRecord ties a manual gate decision to the human actor who made it.
type ApprovalRecord struct {
	RunID       string    `json:"runId"`
	Decision    Decision  `json:"decision"`
	Actor       string    `json:"actor"`
	Comment     string    `json:"comment,omitempty"`
	RequestedAt time.Time `json:"requestedAt"`
	DecidedAt   time.Time `json:"decidedAt"`
}

// Approved reports whether the record authorises the destructive stage.
func (r *ApprovalRecord) Approved() bool {
	return r != nil && r.Decision == DecisionApprove && r.Actor != "" && !r.DecidedAt.IsZero()
}

// PipelineRun is one execution of the Source -> DryRun -> Approval -> Run sequence.
type PipelineRun struct {
	ID          string          `json:"id"`
	Pipeline    string          `json:"pipeline"`
	Phase       RunPhase        `json:"phase"`
	TriggeredBy string          `json:"triggeredBy"`
	Stages      []*StageStatus  `json:"stages"`
	Snapshot    *SourceSnapshot `json:"snapshot,omitempty"`
	Approval    *ApprovalRecord `json:"approval,omitempty"`
	Transitions []Transition    `json:"transitions,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// NewPipelineRun creates a run with every stage Pending.
func NewPipelineRun(id, pipeline, actor string, now time.Time) *PipelineRun {
	run := &PipelineRun{
		ID:          id,
		Pipeline:    pipeline,
		Phase:       RunPhasePending,
		TriggeredBy: actor,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, name := range StageOrder {
		run.Stages = append(run.Stages, &StageStatus{Name: name, Phase: PhasePending})
	}

	return run
}

// Stage returns the status entry for the named stage, or nil.
func (r *PipelineRun) Stage(name StageName) *StageStatus {
	for _, st := range r.Stages {
		if st.Name == name {
			return st
		}
	}
	return nil
}

// CurrentStage returns the first stage that has not completed successfully.
func (r *PipelineRun) CurrentStage() StageName {
	for _, st := range r.Stages {
		if st.Phase != PhaseSucceeded && st.Phase != PhaseApproved {
			return st.Name
		}
	}
	return StageRun
}

// Invocation returns the recorded invocation for an executable stage, or nil.
func (r *PipelineRun) Invocation(name StageName) *StageInvocation {
	if st := r.Stage(name); st != nil {
		return st.Invocation
	}
	return nil
}

// DeepCopy returns an independent copy that shares no mutable state with r.
func (r *PipelineRun) DeepCopy() *PipelineRun {
	if r == nil {
		return nil
	}

	bs, err := json.Marshal(r)
	if err != nil {
		panic(err)
	}
	out := &PipelineRun{}
	if err = json.Unmarshal(bs, out); err != nil {
		panic(err)
	}

	return out
}

// AuditAction enumerates the security relevant events recorded for a run.
type AuditAction string

const (
	AuditTrigger AuditAction = "trigger"
	AuditAssume  AuditAction = "assume"
	AuditRelease AuditAction = "release"
	AuditRevoke  AuditAction = "revoke"
	AuditDeny    AuditAction = "deny"
	AuditApprove AuditAction = "approve"
	AuditReject  AuditAction = "reject"
	AuditCancel  AuditAction = "cancel"
)

// AuditEvent is an append-only record of who did what to which run and when.
type AuditEvent struct {
	OccurredAt time.Time   `json:"occurredAt"`
	RunID      string      `json:"runId"`
	Actor      string      `json:"actor"`
	Action     AuditAction `json:"action"`
	Subject    string      `json:"subject,omitempty"`
	Detail     string      `json:"detail,omitempty"`
}
