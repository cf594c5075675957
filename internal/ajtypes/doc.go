// Package ajtypes holds the shared value types used across the router: bus
// names, endpoint identifiers, session options, and the closed reply-code
// enumerations from the org.alljoyn.Bus / org.alljoyn.Daemon surface.
package ajtypes
