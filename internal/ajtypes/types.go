package ajtypes

import "fmt"

// EndpointID is a stable arena key for an Endpoint. Maps never hold raw
// endpoint pointers; they hold EndpointID and look up through the arena,
// so a concurrent reader can never observe a freed entry (design notes,
// "arena-style EndpointId storage").
type EndpointID uint64

// SessionID identifies a session. Zero is reserved for a binder's
// reservation entry and is never a real, joined session.
type SessionID uint32

// SessionPort identifies a bound port. PortAny requests allocation.
type SessionPort uint16

// PortAny requests that BindSessionPort choose an unused port.
const PortAny SessionPort = 0

// firstEphemeralPort is where the monotonically increasing sweep for
// PortAny begins (§4.6.1).
const firstEphemeralPort SessionPort = 10000

// FirstEphemeralPort exposes firstEphemeralPort to the session package.
func FirstEphemeralPort() SessionPort { return firstEphemeralPort }

// EndpointKind tags the polymorphic endpoint variant (§3).
type EndpointKind uint8

const (
	EndpointLocal EndpointKind = iota
	EndpointRemote
	EndpointBusToBus
	EndpointVirtual
	EndpointNull
)

func (k EndpointKind) String() string {
	switch k {
	case EndpointLocal:
		return "local"
	case EndpointRemote:
		return "remote"
	case EndpointBusToBus:
		return "bus-to-bus"
	case EndpointVirtual:
		return "virtual"
	case EndpointNull:
		return "null"
	default:
		return "unknown"
	}
}

// TrafficType selects the session's data-plane shape.
type TrafficType uint8

const (
	TrafficMessages TrafficType = iota
	TrafficRawReliable
	TrafficRawUnreliable
)

func (t TrafficType) String() string {
	switch t {
	case TrafficMessages:
		return "messages"
	case TrafficRawReliable:
		return "raw-reliable"
	case TrafficRawUnreliable:
		return "raw-unreliable"
	default:
		return "unknown"
	}
}

// Proximity is the AllJoyn session proximity mask (physical/network/any).
type Proximity uint8

const (
	ProximityPhysical Proximity = 1 << iota
	ProximityNetwork
)

// ProximityAny permits either proximity.
const ProximityAny = ProximityPhysical | ProximityNetwork

// Transport is a bitmask of transport kinds a session/advertisement may use.
type Transport uint16

const (
	TransportNone  Transport = 0
	TransportLocal Transport = 1 << iota
	TransportTCP
	TransportUDP
)

// SessionOpts mirrors the AllJoyn SessionOpts structure (§3).
type SessionOpts struct {
	Traffic      TrafficType
	Proximity    Proximity
	Transports   Transport
	IsMultipoint bool
	NameTransfer NameTransferMode
}

// Compatible reports whether a joiner's requested opts are compatible with
// the binder's bound opts, per the BindSessionPort/JoinSession contract:
// traffic type must match exactly, transports must intersect, and a
// non-multipoint binder rejects a multipoint request.
func (o SessionOpts) Compatible(other SessionOpts) bool {
	if o.Traffic != other.Traffic {
		return false
	}
	if o.Transports&other.Transports == 0 {
		return false
	}
	if other.IsMultipoint && !o.IsMultipoint {
		return false
	}
	return true
}

// Validate rejects the two combinations the spec calls out explicitly:
// raw-unreliable sessions, and raw-reliable combined with multipoint.
func (o SessionOpts) Validate() error {
	if o.Traffic == TrafficRawUnreliable {
		return fmt.Errorf("%w: raw-unreliable traffic is not supported", ErrBadSessionOpts)
	}
	if o.Traffic == TrafficRawReliable && o.IsMultipoint {
		return fmt.Errorf("%w: raw-reliable sessions cannot be multipoint", ErrBadSessionOpts)
	}
	return nil
}

// NameTransferMode governs how much of the name table ExchangeNames sends
// across a bus-to-bus link (§4.7).
type NameTransferMode uint8

const (
	NameTransferAllNames NameTransferMode = iota
	NameTransferControllerOnly
)

// JoinSessionResult is the closed reply-code set for JoinSession (§4.6.2, §6).
type JoinSessionResult uint8

const (
	JoinSuccess JoinSessionResult = iota
	JoinNoSession
	JoinUnreachable
	JoinConnectFailed
	JoinBadSessionOpts
	JoinRejected
	JoinFailed
	JoinAlreadyJoined
)

func (r JoinSessionResult) String() string {
	switch r {
	case JoinSuccess:
		return "Success"
	case JoinNoSession:
		return "NoSession"
	case JoinUnreachable:
		return "Unreachable"
	case JoinConnectFailed:
		return "ConnectFailed"
	case JoinBadSessionOpts:
		return "BadSessionOpts"
	case JoinRejected:
		return "Rejected"
	case JoinFailed:
		return "Failed"
	case JoinAlreadyJoined:
		return "AlreadyJoined"
	default:
		return "Unknown"
	}
}

// BindSessionPortResult is the closed reply-code set for BindSessionPort.
type BindSessionPortResult uint8

const (
	BindSuccess BindSessionPortResult = iota
	BindAlreadyExists
	BindInvalidOpts
	BindFailed
)

func (r BindSessionPortResult) String() string {
	switch r {
	case BindSuccess:
		return "Success"
	case BindAlreadyExists:
		return "AlreadyExists"
	case BindInvalidOpts:
		return "InvalidOpts"
	case BindFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// RemoveSessionMemberResult is the closed reply-code set for RemoveSessionMember.
type RemoveSessionMemberResult uint8

const (
	RemoveSuccess RemoveSessionMemberResult = iota
	RemoveNoSession
	RemoveNotMultipoint
	RemoveNotBinder
	RemoveNotFound
	RemoveIncompatibleRemote
	RemoveFailed
)

func (r RemoveSessionMemberResult) String() string {
	switch r {
	case RemoveSuccess:
		return "Success"
	case RemoveNoSession:
		return "NoSession"
	case RemoveNotMultipoint:
		return "NotMultipoint"
	case RemoveNotBinder:
		return "NotBinder"
	case RemoveNotFound:
		return "NotFound"
	case RemoveIncompatibleRemote:
		return "IncompatibleRemote"
	case RemoveFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// SessionLostReason is the closed reason-code set carried by
// SessionLostWithReason (§6).
type SessionLostReason uint8

const (
	ReasonRemoteEndLeft SessionLostReason = iota
	ReasonRemoteEndAbrupt
	ReasonRemovedByBinder
	ReasonLinkTimeout
	ReasonOther
)

func (r SessionLostReason) String() string {
	switch r {
	case ReasonRemoteEndLeft:
		return "RemoteEndLeft"
	case ReasonRemoteEndAbrupt:
		return "RemoteEndAbrupt"
	case ReasonRemovedByBinder:
		return "RemovedByBinder"
	case ReasonLinkTimeout:
		return "LinkTimeout"
	case ReasonOther:
		return "Other"
	default:
		return "Unknown"
	}
}

// PushResult is the Router Core's PushMessage outcome (§4.5).
type PushResult uint8

const (
	PushOk PushResult = iota
	PushNoRoute
	PushEndpointClosing
	PushStopping
	PushBlocked
)

func (r PushResult) String() string {
	switch r {
	case PushOk:
		return "Ok"
	case PushNoRoute:
		return "NoRoute"
	case PushEndpointClosing:
		return "EndpointClosing"
	case PushStopping:
		return "Stopping"
	case PushBlocked:
		return "Blocked"
	default:
		return "Unknown"
	}
}

// AliasDisposition is the Name Table's Add/RemoveAlias disposition code,
// matching DBus RequestName/ReleaseName semantics (§4.3).
type AliasDisposition uint8

const (
	AliasPrimaryOwner AliasDisposition = iota
	AliasInQueue
	AliasExists
	AliasAlreadyOwner
)

func (d AliasDisposition) String() string {
	switch d {
	case AliasPrimaryOwner:
		return "PrimaryOwner"
	case AliasInQueue:
		return "InQueue"
	case AliasExists:
		return "Exists"
	case AliasAlreadyOwner:
		return "AlreadyOwner"
	default:
		return "Unknown"
	}
}

// ProtocolVersion is the AllJoyn wire protocol version negotiated per
// bus-to-bus link. RemoveSessionMember and SessionLostWithReason both key
// off this value (§6).
type ProtocolVersion uint32

// MinProtocolForRemoveSessionMember is the §6 compatibility floor.
const MinProtocolForRemoveSessionMember ProtocolVersion = 7

// MinProtocolForExplicitNameTransfer is the §6 compatibility floor below
// which nameTransfer negotiation is implicit (inherited from session opts).
const MinProtocolForExplicitNameTransfer ProtocolVersion = 9
