package v1

import (
	"strconv"
)

// Environment variable names supplied to the external deletion tool.
const (
	EnvSecretRef    = "DOCKER_HUB_SECRET_ARN"
	EnvAssumeRole   = "ASSUME_ROLE_ARN"
	EnvDryRun       = "AWS_NUKE_DRY_RUN"
	EnvRunID        = "SWEEPER_RUN_ID"
	EnvStage        = "SWEEPER_STAGE"
	EnvDockerConfig = "DOCKER_CONFIG"
)

// StageInputs are the only parameters the orchestrator guarantees to the deletion tool. The
// secret is passed by reference and resolved inside the stage environment.
type StageInputs struct {
	SecretRef       string `json:"secretRef"`
	AssumeRoleRef   string `json:"assumeRoleRef"`
	DestructiveMode bool   `json:"destructiveMode"`
}

// InputsFor builds the inputs for an executable stage. DryRun and Run differ only in the
// destructive-mode flag.
func InputsFor(stage StageName, secretRef, assumeRoleRef string) StageInputs {
	return StageInputs{
		SecretRef:       secretRef,
		AssumeRoleRef:   assumeRoleRef,
		DestructiveMode: stage == StageRun,
	}
}

// Env renders the inputs as the tool's environment-style configuration.
func (i StageInputs) Env() map[string]string {
	return map[string]string{
		EnvSecretRef:  i.SecretRef,
		EnvAssumeRole: i.AssumeRoleRef,
		EnvDryRun:     strconv.FormatBool(!i.DestructiveMode),
	}
}

// Equivalent reports whether two inputs match on everything except the destructive-mode flag.
func (i StageInputs) Equivalent(o StageInputs) bool {
	return i.SecretRef == o.SecretRef && i.AssumeRoleRef == o.AssumeRoleRef
}

// StageInvocation records one concrete execution of the deletion tool.
type StageInvocation struct {
	Stage          StageName   `json:"stage"`
	Inputs         StageInputs `json:"inputs"`
	SnapshotDigest string      `json:"snapshotDigest"`
	SessionID      string      `json:"sessionId,omitempty"`
	LogDestination string      `json:"logDestination"`
	LogStream      string      `json:"logStream"`
	ExitCode       int         `json:"exitCode"`
	Output         string      `json:"output,omitempty"`
}
