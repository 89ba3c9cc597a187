package gate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	sweeperv1 "github.com/dominodatalab/sweeper/pkg/api/sweeper/v1"
	"github.com/dominodatalab/sweeper/pkg/identity"
)

var (
	ErrNoPendingApproval = errors.New("no approval is pending for run")
	ErrAlreadyPending    = errors.New("approval has already been requested for run")
	ErrAlreadyDecided    = errors.New("approval has already been decided")
	ErrActorRequired     = errors.New("decision requires an actor")
	ErrInvalidDecision   = errors.New("decision must be approve or reject")
	ErrWithdrawn         = errors.New("approval request was withdrawn")
)

// PendingApproval describes a run blocked at the gate.
type PendingApproval struct {
	RunID       string    `json:"runId"`
	RequestedAt time.Time `json:"requestedAt"`
}

// Ticket is an open approval request. It is resolved exactly once, either by a decision or by
// being withdrawn.
type Ticket struct {
	runID       string
	requestedAt time.Time
	done        chan struct{}
	record      sweeperv1.ApprovalRecord
	withdrawn   bool
}

func (t *Ticket) RunID() string {
	return t.runID
}

func (t *Ticket) RequestedAt() time.Time {
	return t.requestedAt
}

// Gate blocks runs until a human decides. There is no timeout; a request stays open until it
// is decided or withdrawn.
type Gate struct {
	mu       sync.Mutex
	log      logr.Logger
	audit    identity.AuditSink
	now      func() time.Time
	reminder time.Duration

	open    map[string]*Ticket
	decided map[string]sweeperv1.ApprovalRecord
}

func New(opts ...Option) *Gate {
	o := defaultOpts
	for _, fn := range opts {
		o = fn(o)
	}

	return &Gate{
		log:      o.log.WithName("manual-gate"),
		audit:    o.audit,
		now:      o.now,
		reminder: o.reminder,
		open:     map[string]*Ticket{},
		decided:  map[string]sweeperv1.ApprovalRecord{},
	}
}

// Open registers an approval request for runID without blocking.
func (g *Gate) Open(runID string) (*Ticket, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.open[runID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyPending, runID)
	}
	if _, ok := g.decided[runID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyDecided, runID)
	}

	t := &Ticket{runID: runID, requestedAt: g.now(), done: make(chan struct{})}
	g.open[runID] = t
	g.log.Info("Approval requested", "runId", runID)

	return t, nil
}

// Wait blocks until the ticket is decided or withdrawn, or ctx is done. A ticket abandoned
// because ctx ended is withdrawn so it can no longer be decided.
func (g *Gate) Wait(ctx context.Context, t *Ticket) (sweeperv1.ApprovalRecord, error) {
	var remind <-chan time.Time
	if g.reminder > 0 {
		ticker := time.NewTicker(g.reminder)
		defer ticker.Stop()
		remind = ticker.C
	}

	for {
		select {
		case <-t.done:
			if t.withdrawn {
				return sweeperv1.ApprovalRecord{}, fmt.Errorf("%w: %s", ErrWithdrawn, t.runID)
			}
			return t.record, nil
		case <-remind:
			g.log.Info("Approval still pending", "runId", t.runID,
				"waiting", g.now().Sub(t.requestedAt).Truncate(time.Second).String())
		case <-ctx.Done():
			g.Withdraw(t.runID)

			// a decision may have landed first
			if !t.withdrawn {
				return t.record, nil
			}
			return sweeperv1.ApprovalRecord{}, ctx.Err()
		}
	}
}

// RequestApproval opens a request for runID and blocks until it is decided.
func (g *Gate) RequestApproval(ctx context.Context, runID string) (sweeperv1.ApprovalRecord, error) {
	t, err := g.Open(runID)
	if err != nil {
		return sweeperv1.ApprovalRecord{}, err
	}

	return g.Wait(ctx, t)
}

// Decide records a decision for a pending run and releases the waiter.
func (g *Gate) Decide(
	ctx context.Context,
	runID string,
	decision sweeperv1.Decision,
	actor, comment string,
) (sweeperv1.ApprovalRecord, error) {
	if !decision.Valid() {
		return sweeperv1.ApprovalRecord{}, fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return sweeperv1.ApprovalRecord{}, ErrActorRequired
	}

	g.mu.Lock()
	if prev, ok := g.decided[runID]; ok {
		g.mu.Unlock()
		return prev, fmt.Errorf("%w: %s by %s", ErrAlreadyDecided, prev.Decision, prev.Actor)
	}
	t, ok := g.open[runID]
	if !ok {
		g.mu.Unlock()
		return sweeperv1.ApprovalRecord{}, fmt.Errorf("%w: %s", ErrNoPendingApproval, runID)
	}

	t.record = sweeperv1.ApprovalRecord{
		RunID:       runID,
		Decision:    decision,
		Actor:       actor,
		Comment:     comment,
		RequestedAt: t.requestedAt,
		DecidedAt:   g.now(),
	}
	delete(g.open, runID)
	g.decided[runID] = t.record
	g.mu.Unlock()

	action := sweeperv1.AuditApprove
	if decision == sweeperv1.DecisionReject {
		action = sweeperv1.AuditReject
	}
	g.log.Info("Approval decided", "runId", runID, "decision", decision, "actor", actor)
	g.record(ctx, sweeperv1.AuditEvent{
		OccurredAt: t.record.DecidedAt,
		RunID:      runID,
		Actor:      actor,
		Action:     action,
		Detail:     comment,
	})
	// the decision is on the audit trail before the waiter moves on
	close(t.done)

	return t.record, nil
}

// Withdraw cancels an open request. It reports whether a request was open.
func (g *Gate) Withdraw(runID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.open[runID]
	if !ok {
		return false
	}
	t.withdrawn = true
	delete(g.open, runID)
	close(t.done)
	g.log.Info("Approval withdrawn", "runId", runID)

	return true
}

// Forget drops the decision kept for runID once the run has finished.
func (g *Gate) Forget(runID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.decided, runID)
}

// Pending lists open requests, oldest first.
func (g *Gate) Pending() []PendingApproval {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]PendingApproval, 0, len(g.open))
	for id, t := range g.open {
		out = append(out, PendingApproval{RunID: id, RequestedAt: t.requestedAt})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RunID < out[j].RunID
		}
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})

	return out
}

func (g *Gate) record(ctx context.Context, event sweeperv1.AuditEvent) {
	if g.audit == nil {
		return
	}
	if err := g.audit.RecordAudit(ctx, event); err != nil {
		g.log.Error(err, "Failed to record audit event", "action", event.Action, "runId", event.RunID)
	}
}
