package ajtypes

import "errors"

// Routing errors surfaced at the Router Core boundary (§7).
var (
	ErrNoRoute              = errors.New("no route to destination")
	ErrBlocked              = errors.New("destination forbids remote messages")
	ErrEndpointClosing      = errors.New("endpoint is closing")
	ErrStopping             = errors.New("router is stopping")
	ErrSignatureMismatch    = errors.New("message signature mismatch")
	ErrUnmatchedReplySerial = errors.New("reply serial has no matching pending call")
	ErrTimeToLiveExpired    = errors.New("message time-to-live expired")
	ErrInvalidHeaderSerial  = errors.New("invalid header serial")
)

// Session errors (§4.6, §7). Most session-level faults are reported via the
// closed JoinSessionResult/RemoveSessionMemberResult enums rather than Go
// errors, but a handful of internal preconditions are sentinel errors.
var (
	ErrBadSessionOpts   = errors.New("session options are invalid")
	ErrNoSession        = errors.New("no matching session")
	ErrAlreadyJoined    = errors.New("joiner already joined this host")
	ErrSessionNotBinder = errors.New("caller is not the session binder")
)

// Transport errors (§7).
var (
	ErrConnectFailed = errors.New("transport connect failed")
	ErrTimeout       = errors.New("operation timed out")
	ErrOtherEndClosed = errors.New("remote end closed the connection")
	ErrNotConnected  = errors.New("transport is not connected")
	ErrAuthFail      = errors.New("authentication failed")
)

// Naming errors (§4.3, §7).
var (
	ErrAlreadyExists = errors.New("name already exists")
	ErrNoSuchName    = errors.New("no such name")
	ErrNotAllowed    = errors.New("operation not allowed")
)
