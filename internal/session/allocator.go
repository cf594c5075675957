package session

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/go-alljoyn/ajrouter/internal/ajtypes"
)

// maxAllocAttempts bounds the random-generation retry loop. With a 32-bit
// random space and realistic session counts, collisions are astronomically
// unlikely; this exists as a safety net against a degenerate PRNG, not as
// an expected code path.
const maxAllocAttempts = 100

// IDAllocator mints unique, nonzero session identifiers. Zero is reserved
// for "no session" (§3), mirroring how BFD reserves discriminator zero for
// "Your Discriminator not yet known".
type IDAllocator struct {
	mu        sync.Mutex
	allocated map[ajtypes.SessionID]struct{}
}

// NewIDAllocator constructs an empty allocator.
func NewIDAllocator() *IDAllocator {
	return &IDAllocator{allocated: make(map[ajtypes.SessionID]struct{})}
}

// Allocate returns a unique, nonzero session id.
func (a *IDAllocator) Allocate() (ajtypes.SessionID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var buf [4]byte
	for range maxAllocAttempts {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("generate session id: %w", err)
		}
		id := ajtypes.SessionID(binary.BigEndian.Uint32(buf[:]))
		if id == 0 {
			continue
		}
		if _, exists := a.allocated[id]; exists {
			continue
		}
		a.allocated[id] = struct{}{}
		return id, nil
	}
	return 0, fmt.Errorf("allocate session id after %d attempts: %w", maxAllocAttempts, ErrIDsExhausted)
}

// Release frees id for reuse. Releasing an id that was never allocated is
// a no-op.
func (a *IDAllocator) Release(id ajtypes.SessionID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.allocated, id)
}

// IsAllocated reports whether id is currently allocated.
func (a *IDAllocator) IsAllocated(id ajtypes.SessionID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.allocated[id]
	return ok
}
