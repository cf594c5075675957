package wire

import "github.com/google/uuid"

// GUID is this router's bus identity. Unique names are minted as
// ":<shortGuid>.<index>" (§3); AdvAliasMap keys off the short form too.
type GUID string

// NewGUID mints a fresh router GUID from a random UUIDv4, replacing the
// teacher's hand-rolled discriminator bytes with a real dependency already
// present across the example pack.
func NewGUID() GUID {
	return GUID(uuid.New().String())
}

// Short returns the first 8 hex characters, the form used in unique names
// and in AdvAliasMap keys (§3 "remoteGuidShort").
func (g GUID) Short() string {
	s := string(g)
	// Strip hyphens so the short form is dense hex, matching the
	// shortGuid convention used throughout the AllJoyn wire protocol.
	dense := make([]byte, 0, len(s))
	for i := 0; i < len(s) && len(dense) < 8; i++ {
		if s[i] == '-' {
			continue
		}
		dense = append(dense, s[i])
	}
	return string(dense)
}
