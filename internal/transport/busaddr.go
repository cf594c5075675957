// Package transport implements the Transport Connection Lifecycle: parsing
// bus addresses, listening for and authenticating inbound connections,
// dialing outbound ones with backoff across candidates, and handing
// authenticated connections off as router endpoints.
package transport

import (
	"fmt"
	"strconv"
	"strings"
)

// BusAddress is a parsed DBus-style address string, e.g.
// "tcp:addr=127.0.0.1,port=9955" or "unix:path=/run/ajbusd/bus".
// AllJoyn and DBus both use this key=value address grammar; only the two
// kinds actually reachable from Go's net package are supported here.
type BusAddress struct {
	Kind   string // "tcp" or "unix"
	Params map[string]string
}

// ParseBusAddress parses a single "<kind>:k1=v1,k2=v2" address. Multiple
// semicolon-separated addresses (as DBus allows for fallback lists) are
// split by the caller via SplitBusAddresses.
func ParseBusAddress(s string) (BusAddress, error) {
	kind, rest, ok := strings.Cut(s, ":")
	if !ok {
		return BusAddress{}, fmt.Errorf("parse bus address %q: %w", s, ErrMalformedAddress)
	}

	params := make(map[string]string)
	if rest != "" {
		for _, pair := range strings.Split(rest, ",") {
			k, v, ok := strings.Cut(pair, "=")
			if !ok {
				return BusAddress{}, fmt.Errorf("parse bus address %q: %w", s, ErrMalformedAddress)
			}
			params[k] = v
		}
	}
	return BusAddress{Kind: kind, Params: params}, nil
}

// SplitBusAddresses splits a semicolon-delimited address list and parses
// each member, preserving order (the Session Manager tries candidates in
// the order given, §4.6.2).
func SplitBusAddresses(s string) ([]BusAddress, error) {
	var out []BusAddress
	for _, one := range strings.Split(s, ";") {
		one = strings.TrimSpace(one)
		if one == "" {
			continue
		}
		addr, err := ParseBusAddress(one)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

// Network returns the net.Dial/net.Listen network name for this address.
func (a BusAddress) Network() string {
	if a.Kind == "unix" {
		return "unix"
	}
	return "tcp"
}

// DialTarget returns the net.Dial/net.Listen address string for this
// BusAddress: "host:port" for tcp, the socket path for unix.
func (a BusAddress) DialTarget() (string, error) {
	switch a.Kind {
	case "unix":
		path, ok := a.Params["path"]
		if !ok {
			return "", fmt.Errorf("unix bus address missing path: %w", ErrMalformedAddress)
		}
		return path, nil
	case "tcp":
		host, ok := a.Params["addr"]
		if !ok {
			host = "127.0.0.1"
		}
		portStr, ok := a.Params["port"]
		if !ok {
			return "", fmt.Errorf("tcp bus address missing port: %w", ErrMalformedAddress)
		}
		if _, err := strconv.ParseUint(portStr, 10, 16); err != nil {
			return "", fmt.Errorf("tcp bus address port %q: %w", portStr, ErrMalformedAddress)
		}
		return host + ":" + portStr, nil
	default:
		return "", fmt.Errorf("bus address kind %q: %w", a.Kind, ErrUnsupportedTransportKind)
	}
}

func (a BusAddress) String() string {
	var b strings.Builder
	b.WriteString(a.Kind)
	b.WriteByte(':')
	first := true
	for k, v := range a.Params {
		if !first {
			b.WriteByte(',')
		}
		first = false
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
	}
	return b.String()
}
