package api

import "errors"

// Engine error taxonomy. Errors local to one connection are delivered as
// "error" wire messages to that connection only; they never broadcast and
// never mutate session state.
var (
	// ErrValidation indicates a malformed inbound message, rejected before
	// reaching the session actor.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound indicates an operation referenced a session or element
	// that does not exist. Logged and treated as a no-op.
	ErrNotFound = errors.New("not found")

	// ErrRateLimited indicates the sender exceeded its quota for an action
	// class. Returned to the sender only.
	ErrRateLimited = errors.New("rate limited")

	// ErrUpstream indicates a collaborator call (inference, document store)
	// failed. The primary mutation path is unaffected.
	ErrUpstream = errors.New("upstream failure")

	// ErrUnknownMessageType indicates an inbound message with an
	// unrecognized type discriminant. Logged and ignored for forward
	// compatibility.
	ErrUnknownMessageType = errors.New("unknown message type")
)

// Error is the JSON error body for REST responses
type Error struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
