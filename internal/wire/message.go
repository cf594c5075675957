package wire

import (
	"github.com/godbus/dbus/v5"

	"github.com/go-alljoyn/ajrouter/internal/ajtypes"
)

// Well-known bus objects (§6).
const (
	BusObjectPath   = dbus.ObjectPath("/org/alljoyn/Bus")
	BusInterface    = "org.alljoyn.Bus"
	DaemonInterface = "org.alljoyn.Daemon"
)

// DaemonSignal names the signals emitted on DaemonInterface (§6).
const (
	SignalExchangeNames  = "ExchangeNames"
	SignalNameChanged    = "NameChanged"
	SignalDetachSession  = "DetachSession"
	SignalProbeReq       = "ProbeReq"
	SignalProbeAck       = "ProbeAck"
)

// BusSignal names the signals emitted on BusInterface (§6).
const (
	SignalFoundAdvertisedName = "FoundAdvertisedName"
	SignalLostAdvertisedName  = "LostAdvertisedName"
	SignalSessionLost         = "SessionLost"
	SignalSessionLostReason   = "SessionLostWithReason"
	SignalMPSessionChanged    = "MPSessionChanged"
	SignalSessionJoined       = "SessionJoined"
	SignalNameOwnerChanged    = "NameOwnerChanged"
)

// sessionIDHeaderField is the AllJoyn extension header field carrying the
// session id. It lives outside the core DBus header-field range (1-9), a
// vendor extension the daemon-to-daemon link negotiates during auth.
const sessionIDHeaderField = 0x40

// Flags mirrors dbus.Flags with the AllJoyn-relevant bits named explicitly.
type Flags byte

const (
	FlagNoReplyExpected Flags = 1 << iota
	FlagNoAutoStart
	FlagAllowRemoteMessages
)

// ExpectsReply reports whether a method call wants a reply.
func (f Flags) ExpectsReply() bool { return f&FlagNoReplyExpected == 0 }

// AutoStart reports whether the router may ask a service starter to launch
// the destination when it is not currently owned (§4.5.1).
func (f Flags) AutoStart() bool { return f&FlagNoAutoStart == 0 }

// Message is the router's working view of a dispatched message: enough of
// the header to make routing decisions, with the body left as an opaque
// already-decoded value (decoding itself is the external Codec's job).
type Message struct {
	Type        dbus.MessageType
	Serial      uint32
	ReplySerial uint32
	Sender      string
	Destination string
	Path        dbus.ObjectPath
	Interface   string
	Member      string
	Signature   dbus.Signature
	Flags       Flags

	// SessionID is zero for ordinary bus traffic. A nonzero value selects
	// session-multicast dispatch (§4.5.3). DetachSession signals carry
	// SessionID==0 in the header even though their body names a real
	// session (§4.5.2, §9) -- see DetachSessionTargetID.
	SessionID ajtypes.SessionID

	// Body holds already-decoded argument values. The router reads Body for
	// arg0 rule matching, the DetachSession body-override wart and the daemon
	// calls and replies it handles itself; everything else is opaque payload
	// forwarded byte-for-byte by a real Codec.
	Body []any
}

// IsSignal reports whether the message is a SIGNAL.
func (m *Message) IsSignal() bool { return m.Type == dbus.TypeSignal }

// IsMethodCall reports whether the message is a METHOD_CALL.
func (m *Message) IsMethodCall() bool { return m.Type == dbus.TypeMethodCall }

// IsBroadcast reports whether the message has no destination and no session
// (§4.5 branch 2).
func (m *Message) IsBroadcast() bool { return m.Destination == "" && m.SessionID == 0 }

// IsSessionCast reports whether the message targets a session multicast
// group (§4.5 branch 3).
func (m *Message) IsSessionCast() bool { return m.Destination == "" && m.SessionID != 0 }

// IsDetachSessionSignal reports whether this is the daemon-to-daemon
// DetachSession signal, which requires the sessionId-in-body override
// (§4.5 branch 2, §9 "Broadcast detach race").
func (m *Message) IsDetachSessionSignal() bool {
	return m.IsSignal() && m.Interface == DaemonInterface && m.Member == SignalDetachSession
}

// DetachSessionTargetID extracts the real session id from a DetachSession
// signal's body. The header's SessionID field is always 0 for this signal;
// the first body argument carries the actual id (§9). The second body
// argument (sender) is left to the caller.
func DetachSessionTargetID(m *Message) (ajtypes.SessionID, bool) {
	if len(m.Body) == 0 {
		return 0, false
	}
	switch v := m.Body[0].(type) {
	case uint32:
		return ajtypes.SessionID(v), true
	case ajtypes.SessionID:
		return v, true
	default:
		return 0, false
	}
}

// NewErrorReply builds a synthetic DBus error message replying to call,
// used whenever the router must fail a method call that expected a reply
// (§4.5 branch 1, §7 policy).
func NewErrorReply(call *Message, errName, message string) *Message {
	return &Message{
		Type:        dbus.TypeError,
		ReplySerial: call.Serial,
		Destination: call.Sender,
		Member:      errName,
		Body:        []any{message},
	}
}

// Error names used in synthetic replies (§4.5, §7).
const (
	ErrNameServiceUnknown = "org.freedesktop.DBus.Error.ServiceUnknown"
	ErrNameNoRoute        = "org.alljoyn.Bus.ErNoRoute"
	ErrNameBlocked        = "org.alljoyn.Bus.ErBlocked"
)
