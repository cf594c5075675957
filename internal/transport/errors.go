package transport

import "errors"

var (
	// ErrMalformedAddress indicates a bus address string could not be parsed.
	ErrMalformedAddress = errors.New("malformed bus address")
	// ErrUnsupportedTransportKind indicates a bus address names a transport
	// kind (e.g. "launchd", "nonce-tcp") this router does not implement.
	ErrUnsupportedTransportKind = errors.New("unsupported transport kind")
	// ErrTooManyConnections indicates the listener is at maxConnections and
	// is refusing new inbound attempts.
	ErrTooManyConnections = errors.New("too many connections")
	// ErrTooManyIncompleteConnections indicates the listener is at
	// maxIncompleteConnections and is refusing new unauthenticated attempts.
	ErrTooManyIncompleteConnections = errors.New("too many incomplete connections")
	// ErrAuthFailed indicates the SASL handshake did not complete successfully.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrAllCandidatesFailed indicates every bus address in a fallback list
	// failed to connect.
	ErrAllCandidatesFailed = errors.New("all bus address candidates failed")
	// ErrListenerClosed indicates an operation was attempted on a closed Listener.
	ErrListenerClosed = errors.New("listener closed")
)
