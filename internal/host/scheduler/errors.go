package scheduler

import "fmt"

// Kind is an error classification surfaced to HTTP clients (§7).
type Kind string

const (
	KindBadRequest        Kind = "BadRequest"
	KindUnauthorized      Kind = "Unauthorized"
	KindForbidden         Kind = "Forbidden"
	KindNotFound          Kind = "NotFound"
	KindConflict          Kind = "Conflict"
	KindResourceExhausted Kind = "ResourceExhausted"
	KindRunnerUnavailable Kind = "RunnerUnavailable"
	KindUpstreamTimeout   Kind = "UpstreamTimeout"
	KindInternalError     Kind = "InternalError"
)

// Error is a typed scheduler failure carrying a Kind for HTTP-status mapping.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

// ResourceConflict is raised when a requested GPU is already held by a
// non-terminal task (§4.1 submission contract).
func ResourceConflict(gpu int) error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf("gpu %d is already held by another task", gpu)}
}

// NodeUnavailable is raised when no Runner can host the request.
func NodeUnavailable(reason string) error {
	return &Error{Kind: KindResourceExhausted, Message: fmt.Sprintf("no runner available: %s", reason)}
}

// BadTarget is raised when the target is malformed or unknown.
func BadTarget(target string) error {
	return &Error{Kind: KindBadRequest, Message: fmt.Sprintf("malformed or unknown target %q", target)}
}

// Unauthorized is raised when the caller lacks the required role.
func Unauthorized(action string) error {
	return &Error{Kind: KindUnauthorized, Message: fmt.Sprintf("not authorized to %s", action)}
}
