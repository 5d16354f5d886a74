// Package errs defines the error taxonomy shared by every control-plane
// service. Callers discriminate on Kind; the HTTP facade renders the
// structured payload as-is.
package errs

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindInvalidStateTransition Kind = "invalid_state_transition"
	KindNotFound               Kind = "not_found"
	KindConflict               Kind = "conflict"
	KindEnvironmentNotReady    Kind = "environment_not_ready"
	KindCredentialValidation   Kind = "credential_validation"
	KindQuotaExceeded          Kind = "quota_exceeded"
	KindArtifactTooLarge       Kind = "artifact_too_large"
	KindImageBuild             Kind = "image_build"
	KindRegistryPush           Kind = "registry_push"
	KindRegistryPull           Kind = "registry_pull"
	KindCluster                Kind = "cluster"
	KindJobCreation            Kind = "job_creation"
	KindTimeout                Kind = "timeout"
)

// Error is the single error type surfaced across service boundaries.
type Error struct {
	Kind    Kind                   `json:"kind"`
	Message string                 `json:"message"`
	Context map[string]interface{} `json:"context,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

func newf(kind Kind, ctx map[string]interface{}, format string, v ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, v...), Context: ctx}
}

func NotFound(resource, id string) *Error {
	return newf(KindNotFound, map[string]interface{}{"resource": resource, "id": id},
		"%s %s not found", resource, id)
}

func Conflict(resource, id string) *Error {
	return newf(KindConflict, map[string]interface{}{"resource": resource, "id": id},
		"%s %s already exists", resource, id)
}

func InvalidTransition(entity, id string, from, to string) *Error {
	return newf(KindInvalidStateTransition,
		map[string]interface{}{"entity": entity, "id": id, "from": from, "to": to},
		"%s %s: transition %s -> %s is not allowed", entity, id, from, to)
}

func EnvironmentNotReady(envID, reason string) *Error {
	return newf(KindEnvironmentNotReady, map[string]interface{}{"environment_id": envID},
		"environment %s is not ready: %s", envID, reason)
}

func CredentialValidation(credentialID, reason string) *Error {
	return newf(KindCredentialValidation, map[string]interface{}{"credential_id": credentialID},
		"credential %s: %s", credentialID, reason)
}

func QuotaExceeded(ownerID string, currentUsage, quotaLimit, requested int64) *Error {
	return newf(KindQuotaExceeded, map[string]interface{}{
		"owner_id":      ownerID,
		"current_usage": currentUsage,
		"quota_limit":   quotaLimit,
		"requested":     requested,
	}, "storage quota exceeded for %s: current %d + requested %d > limit %d",
		ownerID, currentUsage, requested, quotaLimit)
}

func ArtifactTooLarge(name string, size, maxSize int64) *Error {
	return newf(KindArtifactTooLarge, map[string]interface{}{
		"name": name, "size_bytes": size, "max_size_bytes": maxSize,
	}, "artifact %s is %d bytes, limit is %d", name, size, maxSize)
}

func ImageBuild(programID, msg string) *Error {
	return newf(KindImageBuild, map[string]interface{}{"program_id": programID},
		"image build for program %s failed: %s", programID, msg)
}

func JobCreation(jobName string, cause error) *Error {
	e := newf(KindJobCreation, map[string]interface{}{"job_name": jobName},
		"failed to create job %s: %s", jobName, cause)
	e.cause = cause
	return e
}

func Cluster(op string, cause error) *Error {
	e := newf(KindCluster, map[string]interface{}{"operation": op},
		"cluster error during %s: %s", op, cause)
	e.cause = cause
	return e
}

func Timeout(op string, seconds float64) *Error {
	return newf(KindTimeout, map[string]interface{}{"operation": op, "seconds": seconds},
		"%s timed out after %.0fs", op, seconds)
}
