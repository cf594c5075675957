package listenfsm

// QuietAdvertiser decides whether the optional "quiet router advertisement"
// should be active: enabled whenever the count of untrusted clients is
// below a configured ceiling, disabled once the ceiling is reached (§4.8).
// It holds no socket state of its own; the caller feeds its result into
// EventEnableAdvertise/EventDisableAdvertise for the reserved quiet prefix.
type QuietAdvertiser struct {
	prefix  string
	ceiling int
}

// NewQuietAdvertiser constructs a QuietAdvertiser for the given prefix and
// untrusted-client ceiling.
func NewQuietAdvertiser(prefix string, ceiling int) *QuietAdvertiser {
	return &QuietAdvertiser{prefix: prefix, ceiling: ceiling}
}

// Prefix returns the quiet advertisement's well-known name prefix.
func (q *QuietAdvertiser) Prefix() string { return q.prefix }

// ShouldEnable reports whether the quiet advertisement should be active
// given the current count of untrusted clients.
func (q *QuietAdvertiser) ShouldEnable(untrustedClients int) bool {
	return untrustedClients < q.ceiling
}
