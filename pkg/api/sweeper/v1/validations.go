package v1

import (
	"strings"

	"k8s.io/apimachinery/pkg/util/validation/field"
)

// ValidateExecutor ensures an executor can assume the actor and read the registry secret, and
// that it holds no destructive permission of its own.
func ValidateExecutor(fp *field.Path, e ExecutorIdentity) (errs field.ErrorList) {
	if strings.TrimSpace(e.ID) == "" {
		errs = append(errs, field.Required(fp.Child("id"), "must not be blank"))
	}
	if !e.Has(PermissionAssumeActor) {
		errs = append(errs, field.Required(fp.Child("permissions"), "must include "+string(PermissionAssumeActor)))
	}
	if !e.Has(PermissionReadRegistrySecret) {
		errs = append(errs, field.Required(fp.Child("permissions"), "must include "+string(PermissionReadRegistrySecret)))
	}

	for idx, perm := range e.Permissions {
		if perm.Destructive() {
			errs = append(errs, field.Forbidden(fp.Child("permissions").Index(idx),
				"executor must not hold destructive permission "+string(perm)))
		}
	}

	return
}

// ValidateActor ensures the actor names a single principal allowed to assume it.
func ValidateActor(fp *field.Path, a ActorIdentity) (errs field.ErrorList) {
	if strings.TrimSpace(a.ID) == "" {
		errs = append(errs, field.Required(fp.Child("id"), "must not be blank"))
	}
	if strings.TrimSpace(a.AssumableBy) == "" {
		errs = append(errs, field.Required(fp.Child("assumableBy"), "must not be blank"))
	}
	if strings.ContainsAny(a.AssumableBy, "*,") {
		errs = append(errs, field.Invalid(fp.Child("assumableBy"), a.AssumableBy, "must name exactly one principal"))
	}
	if len(a.Capabilities) == 0 {
		errs = append(errs, field.Required(fp.Child("capabilities"), "must not be empty"))
	}

	return
}

// ValidateInvocationInputs checks the inputs of an executable stage.
func ValidateInvocationInputs(fp *field.Path, stage StageName, in StageInputs) (errs field.ErrorList) {
	if !stage.Executable() {
		errs = append(errs, field.NotSupported(fp.Child("stage"), stage, []string{string(StageDryRun), string(StageRun)}))
	}
	if strings.TrimSpace(in.SecretRef) == "" {
		errs = append(errs, field.Required(fp.Child("secretRef"), "must not be blank"))
	}
	if strings.TrimSpace(in.AssumeRoleRef) == "" {
		errs = append(errs, field.Required(fp.Child("assumeRoleRef"), "must not be blank"))
	}
	if in.DestructiveMode != (stage == StageRun) {
		errs = append(errs, field.Invalid(fp.Child("destructiveMode"), in.DestructiveMode,
			"destructive mode is only permitted for the Run stage"))
	}

	return
}
