package identity

import (
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/util/validation/field"

	sweeperv1 "github.com/dominodatalab/sweeper/pkg/api/sweeper/v1"
)

// DelegationGraph is the single directed edge executor -> actor. "Can assume" is modelled as an
// edge, never as a permission the executor holds.
type DelegationGraph struct {
	executor sweeperv1.ExecutorIdentity
	actor    sweeperv1.ActorIdentity
}

// NewDelegationGraph validates both identities and the edge between them.
func NewDelegationGraph(executor sweeperv1.ExecutorIdentity, actor sweeperv1.ActorIdentity) (*DelegationGraph, error) {
	var errs field.ErrorList
	errs = append(errs, sweeperv1.ValidateExecutor(field.NewPath("executor"), executor)...)
	errs = append(errs, sweeperv1.ValidateActor(field.NewPath("actor"), actor)...)

	if actor.AssumableBy != "" && !SamePrincipal(actor.AssumableBy, executor.ID) {
		errs = append(errs, field.Invalid(field.NewPath("actor", "assumableBy"), actor.AssumableBy,
			"must be the executor identity "+executor.ID))
	}
	if executor.ID != "" && SamePrincipal(executor.ID, actor.ID) {
		errs = append(errs, field.Duplicate(field.NewPath("actor", "id"), actor.ID))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid delegation graph: %w", errs.ToAggregate())
	}

	return &DelegationGraph{executor: executor, actor: actor}, nil
}

// DefaultIdentities builds the identities described by the original deployment: an executor
// that may assume the actor and read the registry secret, and an administrator actor.
func DefaultIdentities(executorID, actorID string) (sweeperv1.ExecutorIdentity, sweeperv1.ActorIdentity) {
	return sweeperv1.ExecutorIdentity{
			ID: executorID,
			Permissions: []sweeperv1.Permission{
				sweeperv1.PermissionAssumeActor,
				sweeperv1.PermissionReadRegistrySecret,
			},
		}, sweeperv1.ActorIdentity{
			ID:           actorID,
			AssumableBy:  executorID,
			Capabilities: []sweeperv1.Permission{sweeperv1.PermissionAdministrator},
		}
}

func (g *DelegationGraph) Executor() sweeperv1.ExecutorIdentity {
	return g.executor
}

func (g *DelegationGraph) Actor() sweeperv1.ActorIdentity {
	return g.actor
}

// CanAssume reports whether principal is the one executor allowed to assume the actor.
func (g *DelegationGraph) CanAssume(principal string) bool {
	return principal != "" && SamePrincipal(principal, g.actor.AssumableBy)
}

// SamePrincipal compares IAM principals, treating an STS assumed-role session ARN as the role it
// was issued for.
func SamePrincipal(a, b string) bool {
	return NormalizePrincipal(a) == NormalizePrincipal(b)
}

// NormalizePrincipal maps "arn:aws:sts::ACCT:assumed-role/NAME/SESSION" and
// "arn:aws:iam::ACCT:role/PATH/NAME" to "arn:aws:iam::ACCT:role/NAME". Anything else is
// returned unchanged.
func NormalizePrincipal(arn string) string {
	parts := strings.SplitN(arn, ":", 6)
	if len(parts) != 6 || parts[0] != "arn" {
		return arn
	}
	partition, service, account, resource := parts[1], parts[2], parts[4], parts[5]

	switch {
	case service == "sts" && strings.HasPrefix(resource, "assumed-role/"):
		segs := strings.Split(strings.TrimPrefix(resource, "assumed-role/"), "/")
		return fmt.Sprintf("arn:%s:iam::%s:role/%s", partition, account, segs[0])
	case service == "iam" && strings.HasPrefix(resource, "role/"):
		segs := strings.Split(strings.TrimPrefix(resource, "role/"), "/")
		return fmt.Sprintf("arn:%s:iam::%s:role/%s", partition, account, segs[len(segs)-1])
	}

	return arn
}
