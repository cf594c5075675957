package session

import "errors"

// Sentinel errors for Session Manager operations, grouped by operation
// the way the teacher groups BFD manager errors (§7 categories).
var (
	// ErrIDsExhausted indicates the session-id allocator could not find a
	// unique nonzero id after the retry budget. Should never occur in
	// practice given the 32-bit random space.
	ErrIDsExhausted = errors.New("session id allocator exhausted")

	// ErrPortInUse indicates BindSessionPort was called for a port that is
	// already bound.
	ErrPortInUse = errors.New("session port already bound")

	// ErrPortNotBound indicates an operation referenced a port with no
	// active binder.
	ErrPortNotBound = errors.New("session port not bound")

	// ErrSessionNotFound indicates no session exists for the given id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNotAMember indicates the caller is not a member of the session it
	// tried to leave or be removed from.
	ErrNotAMember = errors.New("endpoint is not a session member")

	// ErrAdvertisementNotFound indicates CancelAdvertiseName referenced a
	// name this endpoint never advertised.
	ErrAdvertisementNotFound = errors.New("advertisement not found")
)
