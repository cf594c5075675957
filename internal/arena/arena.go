// Package arena owns the router's EndpointId-keyed endpoint storage (design
// notes, "arena-style EndpointId storage"): the name table, session map, and
// router core never hold a raw *endpoint.Endpoint, only a stable
// ajtypes.EndpointID looked up through this package. The original source's
// intrusive refcounting is replaced by a mutex-guarded map keyed by a
// monotonically minted id that is never reused, so there is no ABA hazard
// requiring a generation counter: once an id is retired it is retired for
// the life of the process.
package arena

import (
	"sync"
	"sync/atomic"

	"github.com/go-alljoyn/ajrouter/internal/ajtypes"
	"github.com/go-alljoyn/ajrouter/internal/endpoint"
	"github.com/go-alljoyn/ajrouter/internal/router"
)

// Arena mints EndpointIDs and stores the live *endpoint.Endpoint behind
// each one. It implements router.EndpointLookup directly.
type Arena struct {
	nextID atomic.Uint64

	mu        sync.RWMutex
	endpoints map[ajtypes.EndpointID]*endpoint.Endpoint
}

// New constructs an empty Arena. Minted ids start at 1, so id 0 is never
// handed out and can stand for "no endpoint".
func New() *Arena {
	a := &Arena{endpoints: make(map[ajtypes.EndpointID]*endpoint.Endpoint)}
	a.nextID.Store(1)
	return a
}

// Mint reserves the next EndpointID without storing anything yet, so
// callers can construct an *endpoint.Endpoint with its final id before
// publishing it via Store.
func (a *Arena) Mint() ajtypes.EndpointID {
	return ajtypes.EndpointID(a.nextID.Add(1) - 1)
}

// Store publishes ep under its own ID, making it visible to Get.
func (a *Arena) Store(ep *endpoint.Endpoint) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.endpoints[ep.ID()] = ep
}

// Get implements router.EndpointLookup.
func (a *Arena) Get(id ajtypes.EndpointID) (router.EndpointHandle, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ep, ok := a.endpoints[id]
	if !ok {
		return nil, false
	}
	return ep, true
}

// Remove retires id. Safe to call more than once for the same id.
func (a *Arena) Remove(id ajtypes.EndpointID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.endpoints, id)
}

// Lookup returns the concrete *endpoint.Endpoint for id, for callers that
// need endpoint-specific methods beyond the router.EndpointHandle surface
// (e.g. PushMessage with a non-default TTL, or KAState for introspection).
func (a *Arena) Lookup(id ajtypes.EndpointID) (*endpoint.Endpoint, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ep, ok := a.endpoints[id]
	return ep, ok
}
