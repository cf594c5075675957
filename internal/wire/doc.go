// Package wire defines the message and address vocabulary shared with the
// DBus/AllJoyn wire protocol. Marshalling and unmarshalling the actual byte
// stream is an external Codec concern (PURPOSE & SCOPE); this package only
// carries the header-field and object-path vocabulary the router needs to
// make dispatch decisions, built on github.com/godbus/dbus/v5's type system.
package wire
