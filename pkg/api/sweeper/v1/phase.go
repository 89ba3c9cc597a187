package v1

// Phase represents the status of a single pipeline stage.
type Phase string

const (
	// PhasePending indicates that a stage has not started yet.
	PhasePending Phase = "Pending"
	// PhaseRunning indicates that a stage's command is executing.
	PhaseRunning Phase = "Running"
	// PhaseSucceeded indicates that a stage completed and its output was captured.
	PhaseSucceeded Phase = "Succeeded"
	// PhaseFailed indicates that a stage encountered an error or was cancelled.
	PhaseFailed Phase = "Failed"
	// PhaseApproved indicates that a human actor approved the run at the manual gate.
	PhaseApproved Phase = "Approved"
	// PhaseRejected indicates that a human actor rejected the run at the manual gate.
	PhaseRejected Phase = "Rejected"
)

// RunPhase represents the overall status of a PipelineRun.
type RunPhase string

const (
	RunPhasePending          RunPhase = "Pending"
	RunPhaseRunning          RunPhase = "Running"
	RunPhaseAwaitingApproval RunPhase = "AwaitingApproval"
	RunPhaseSucceeded        RunPhase = "Succeeded"
	RunPhaseFailed           RunPhase = "Failed"
	RunPhaseRejected         RunPhase = "Rejected"
)

// Terminal reports whether no further transitions may leave this phase.
func (p RunPhase) Terminal() bool {
	switch p {
	case RunPhaseSucceeded, RunPhaseFailed, RunPhaseRejected:
		return true
	}
	return false
}

// StageName identifies one of the four ordered pipeline stages.
type StageName string

const (
	StageSource   StageName = "Source"
	StageDryRun   StageName = "DryRun"
	StageApproval StageName = "Approval"
	StageRun      StageName = "Run"
)

// StageOrder is the only order in which stages may execute.
var StageOrder = []StageName{StageSource, StageDryRun, StageApproval, StageRun}

// Index returns the position of the stage in StageOrder, or -1 when unknown.
func (s StageName) Index() int {
	for i, name := range StageOrder {
		if name == s {
			return i
		}
	}
	return -1
}

// Executable reports whether the stage invokes the external deletion tool.
func (s StageName) Executable() bool {
	return s == StageDryRun || s == StageRun
}

// Predecessor returns the stage that must complete before this one, if any.
func (s StageName) Predecessor() (StageName, bool) {
	idx := s.Index()
	if idx <= 0 {
		return "", false
	}
	return StageOrder[idx-1], true
}

// Decision is the outcome recorded at the manual gate.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject
}
