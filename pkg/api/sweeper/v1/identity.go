package v1

import (
	"strings"
)

// Permission is an IAM-style action string ("service:Action", or "*").
type Permission string

const (
	PermissionAssumeActor        Permission = "sts:AssumeRole"
	PermissionReadRegistrySecret Permission = "secretsmanager:GetSecretValue"
	PermissionAdministrator      Permission = "*"
)

var destructiveVerbs = []string{"Delete", "Terminate", "Remove", "Destroy", "Purge"}

// Destructive reports whether the permission grants the ability to destroy resources.
func (p Permission) Destructive() bool {
	s := string(p)
	if s == "*" || strings.HasSuffix(s, ":*") {
		return true
	}

	_, action, found := strings.Cut(s, ":")
	if !found {
		return false
	}
	for _, verb := range destructiveVerbs {
		if strings.HasPrefix(action, verb) {
			return true
		}
	}

	return false
}

// ExecutorIdentity runs pipeline stages. It can only become the actor; it never deletes.
type ExecutorIdentity struct {
	ID          string       `json:"id" yaml:"id"`
	Permissions []Permission `json:"permissions" yaml:"permissions"`
}

func (e ExecutorIdentity) Has(p Permission) bool {
	for _, perm := range e.Permissions {
		if perm == p {
			return true
		}
	}
	return false
}

// ActorIdentity holds the destructive capability and is assumable by exactly one executor.
type ActorIdentity struct {
	ID           string       `json:"id" yaml:"id"`
	AssumableBy  string       `json:"assumableBy" yaml:"assumableBy"`
	Capabilities []Permission `json:"capabilities" yaml:"capabilities"`
}
