package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/godbus/dbus/v5"

	"github.com/go-alljoyn/ajrouter/internal/ajtypes"
)

// Codec is the external wire marshalling dependency (§1): satisfied here by
// github.com/godbus/dbus/v5's own dbus.Message encode/decode, which already
// implements the DBus wire format this router must be compatible with.
// internal/wire never reimplements marshalling itself.
type Codec struct{}

// byteOrder is the wire byte order this router always writes; DBus permits
// either, negotiated per-message via the endianness flag byte, but a router
// we fully control on both ends has no reason to vary it.
var byteOrder = binary.LittleEndian

// Encode writes msg to w in the DBus wire format.
func (Codec) Encode(w io.Writer, msg *Message) error {
	raw := &dbus.Message{
		Type:  msg.Type,
		Flags: toDBusFlags(msg.Flags),
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldSignature: dbus.MakeVariant(msg.Signature),
		},
		Body: msg.Body,
	}
	if msg.Path != "" {
		raw.Headers[dbus.FieldPath] = dbus.MakeVariant(msg.Path)
	}
	if msg.Interface != "" {
		raw.Headers[dbus.FieldInterface] = dbus.MakeVariant(msg.Interface)
	}
	if msg.Member != "" {
		raw.Headers[dbus.FieldMember] = dbus.MakeVariant(msg.Member)
	}
	if msg.Sender != "" {
		raw.Headers[dbus.FieldSender] = dbus.MakeVariant(msg.Sender)
	}
	if msg.Destination != "" {
		raw.Headers[dbus.FieldDestination] = dbus.MakeVariant(msg.Destination)
	}
	if msg.ReplySerial != 0 {
		raw.Headers[dbus.FieldReplySerial] = dbus.MakeVariant(msg.ReplySerial)
	}
	if msg.SessionID != 0 {
		raw.Headers[dbus.HeaderField(sessionIDHeaderField)] = dbus.MakeVariant(uint32(msg.SessionID))
	}
	raw.Serial = msg.Serial

	if err := raw.EncodeTo(w, byteOrder); err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return nil
}

// Decode reads one DBus wire-format message from r.
func (Codec) Decode(r io.Reader) (*Message, error) {
	raw, err := dbus.DecodeMessage(r)
	if err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}

	msg := &Message{
		Type:        raw.Type,
		Serial:      raw.Serial,
		Flags:       fromDBusFlags(raw.Flags),
		Body:        raw.Body,
	}
	if v, ok := raw.Headers[dbus.FieldPath]; ok {
		_ = v.Store(&msg.Path)
	}
	if v, ok := raw.Headers[dbus.FieldInterface]; ok {
		_ = v.Store(&msg.Interface)
	}
	if v, ok := raw.Headers[dbus.FieldMember]; ok {
		_ = v.Store(&msg.Member)
	}
	if v, ok := raw.Headers[dbus.FieldSender]; ok {
		_ = v.Store(&msg.Sender)
	}
	if v, ok := raw.Headers[dbus.FieldDestination]; ok {
		_ = v.Store(&msg.Destination)
	}
	if v, ok := raw.Headers[dbus.FieldSignature]; ok {
		_ = v.Store(&msg.Signature)
	}
	if v, ok := raw.Headers[dbus.FieldReplySerial]; ok {
		_ = v.Store(&msg.ReplySerial)
	}
	if v, ok := raw.Headers[dbus.HeaderField(sessionIDHeaderField)]; ok {
		var sid uint32
		if err := v.Store(&sid); err == nil {
			msg.SessionID = ajtypes.SessionID(sid)
		}
	}
	return msg, nil
}

func toDBusFlags(f Flags) dbus.Flags {
	var out dbus.Flags
	if f&FlagNoReplyExpected != 0 {
		out |= dbus.FlagNoReplyExpected
	}
	if f&FlagNoAutoStart != 0 {
		out |= dbus.FlagNoAutoStart
	}
	return out
}

func fromDBusFlags(f dbus.Flags) Flags {
	var out Flags
	if f&dbus.FlagNoReplyExpected != 0 {
		out |= FlagNoReplyExpected
	}
	if f&dbus.FlagNoAutoStart != 0 {
		out |= FlagNoAutoStart
	}
	return out
}
