package endpoint

// Keepalive state machine (§4.1): a pure function over a transition table,
// the same shape as the teacher's BFD session FSM -- no side effects, no
// Endpoint dependency, trivially testable in isolation.
//
// States: Idle, WaitingProbeAck, Dead. The "n" in WaitingProbeAck(n) from
// the spec is carried alongside the state by the caller
// (Endpoint.runKeepalive), not inside the table key, because it is a retry
// counter rather than a distinct mode -- the table only needs to know
// whether a retry is still permitted, which the caller decides by raising
// either EventProbeTimeoutRetry or EventProbeTimeoutExceeded.

// KAState is a keepalive FSM state.
type KAState uint8

const (
	KAIdle KAState = iota
	KAWaitingProbeAck
	KADead
)

func (s KAState) String() string {
	switch s {
	case KAIdle:
		return "Idle"
	case KAWaitingProbeAck:
		return "WaitingProbeAck"
	case KADead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// KAEvent is a keepalive FSM event.
type KAEvent uint8

const (
	// EventByteReceived fires whenever any byte arrives on the RX pipeline.
	EventByteReceived KAEvent = iota
	// EventIdleTimeout fires when idleTimeout elapses with no bytes received.
	EventIdleTimeout
	// EventProbeAck fires when a ProbeAck is received.
	EventProbeAck
	// EventProbeTimeoutRetry fires when probeTimeout elapses and n < maxIdleProbes.
	EventProbeTimeoutRetry
	// EventProbeTimeoutExceeded fires when probeTimeout elapses and n >= maxIdleProbes.
	EventProbeTimeoutExceeded
)

// KAAction is a side effect the caller must execute after a transition.
type KAAction uint8

const (
	ActionSendProbe KAAction = iota + 1
	ActionResetIdleTimer
	ActionArmProbeTimer
	ActionTeardownTimeout
)

type kaStateEvent struct {
	state KAState
	event KAEvent
}

type kaTransition struct {
	newState KAState
	actions  []KAAction
}

// kaTable is the complete keepalive transition table (§4.1).
//
//nolint:gochecknoglobals // transition table is intentionally package-level, mirrors bfd.fsmTable
var kaTable = map[kaStateEvent]kaTransition{
	{KAIdle, EventByteReceived}: {KAIdle, []KAAction{ActionResetIdleTimer}},
	{KAIdle, EventIdleTimeout}:  {KAWaitingProbeAck, []KAAction{ActionSendProbe, ActionArmProbeTimer}},

	{KAWaitingProbeAck, EventByteReceived}:         {KAIdle, []KAAction{ActionResetIdleTimer}},
	{KAWaitingProbeAck, EventProbeAck}:             {KAIdle, []KAAction{ActionResetIdleTimer}},
	{KAWaitingProbeAck, EventProbeTimeoutRetry}:     {KAWaitingProbeAck, []KAAction{ActionSendProbe, ActionArmProbeTimer}},
	{KAWaitingProbeAck, EventProbeTimeoutExceeded}: {KADead, []KAAction{ActionTeardownTimeout}},
}

// KAResult holds the outcome of applying a keepalive event.
type KAResult struct {
	OldState KAState
	NewState KAState
	Actions  []KAAction
	Changed  bool
}

// ApplyKAEvent is a pure function: given the current keepalive state and an
// event, returns the new state and the actions the caller must execute.
// Unlisted (state, event) pairs -- e.g. a byte arriving while already Dead
// -- are silently ignored.
func ApplyKAEvent(current KAState, event KAEvent) KAResult {
	tr, ok := kaTable[kaStateEvent{current, event}]
	if !ok {
		return KAResult{OldState: current, NewState: current}
	}
	return KAResult{
		OldState: current,
		NewState: tr.newState,
		Actions:  tr.actions,
		Changed:  current != tr.newState,
	}
}
