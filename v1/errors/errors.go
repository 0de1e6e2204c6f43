package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrPolicyViolation is returned for endpoints outside the allow-list or
	// arguments that do not match the registered endpoint.
	ErrPolicyViolation = errors.New("policy violation")
	// ErrResolution is returned when a resource no longer exists.
	ErrResolution = errors.New("resource not found")
	// ErrContention is returned when a resource is held by another live holder.
	ErrContention = errors.New("resource in use")
	// ErrNotAuthority is returned when an authority-only operation runs on a client.
	ErrNotAuthority = errors.New("not the authority")
	// ErrUnknownCorrelation is reported for responses without a pending call.
	ErrUnknownCorrelation = errors.New("unknown correlation id")
	ErrSessionClosed      = errors.New("session closed")
	ErrNoResources        = errors.New("no resources connected")
)
