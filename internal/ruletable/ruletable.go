// Package ruletable implements the Rule Table (§4.4): per-endpoint match
// rules for broadcast delivery, evaluated in insertion order with
// advance-to-next-endpoint semantics so a broadcast is delivered at most
// once per subscribing endpoint even when several of its rules match.
package ruletable

import (
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/go-alljoyn/ajrouter/internal/ajtypes"
	"github.com/go-alljoyn/ajrouter/internal/wire"
)

// Rule is a single match filter. An empty field matches anything. Type and
// Sessionless are stored with the rule but are not consulted by Matches.
type Rule struct {
	ID          uint64
	Endpoint    ajtypes.EndpointID
	Type        string
	Interface   string
	Member      string
	Sender      string
	Destination string
	Path        string
	Arg0        string
	Sessionless bool
}

// Matches reports whether msg satisfies every non-empty field of r other
// than Type and Sessionless, which it does not check.
func (r Rule) Matches(msg *wire.Message) bool {
	if r.Interface != "" && r.Interface != msg.Interface {
		return false
	}
	if r.Member != "" && r.Member != msg.Member {
		return false
	}
	if r.Sender != "" && r.Sender != msg.Sender {
		return false
	}
	if r.Destination != "" && r.Destination != msg.Destination {
		return false
	}
	if r.Path != "" && r.Path != string(msg.Path) {
		return false
	}
	if r.Arg0 != "" {
		if len(msg.Body) == 0 {
			return false
		}
		if s, ok := msg.Body[0].(string); !ok || s != r.Arg0 {
			return false
		}
	}
	return true
}

// Table holds the ordered rule set plus a concurrent per-endpoint index
// used to bulk-remove every rule belonging to a disconnecting endpoint
// without a full linear scan. The index is backed by xsync.Map because
// AddRule/RemoveAllForEndpoint are invoked from many concurrent
// connection-lifecycle goroutines while Match runs concurrently from the
// dispatch path.
type Table struct {
	mu     sync.RWMutex
	rules  []Rule
	nextID atomic.Uint64

	byEndpoint *xsync.Map[ajtypes.EndpointID, []uint64]
}

// New constructs an empty Rule Table.
func New() *Table {
	return &Table{byEndpoint: xsync.NewMap[ajtypes.EndpointID, []uint64]()}
}

// AddRule appends a rule in insertion order and returns its assigned ID.
func (t *Table) AddRule(r Rule) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	r.ID = t.nextID.Add(1)
	t.rules = append(t.rules, r)

	ids, _ := t.byEndpoint.Load(r.Endpoint)
	t.byEndpoint.Store(r.Endpoint, append(ids, r.ID))
	return r.ID
}

// RemoveRule removes a single rule by ID.
func (t *Table) RemoveRule(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, r := range t.rules {
		if r.ID == id {
			t.rules = append(t.rules[:i], t.rules[i+1:]...)
			if ids, ok := t.byEndpoint.Load(r.Endpoint); ok {
				t.byEndpoint.Store(r.Endpoint, removeID(ids, id))
			}
			return
		}
	}
}

func removeID(ids []uint64, id uint64) []uint64 {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// RemoveAllForEndpoint drops every rule owned by ep, called on endpoint
// teardown.
func (t *Table) RemoveAllForEndpoint(ep ajtypes.EndpointID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids, ok := t.byEndpoint.LoadAndDelete(ep)
	if !ok {
		return
	}
	idSet := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		idSet[id] = struct{}{}
	}
	kept := t.rules[:0]
	for _, r := range t.rules {
		if _, drop := idSet[r.ID]; !drop {
			kept = append(kept, r)
		}
	}
	t.rules = kept
}

// Match evaluates every rule in insertion order and returns the distinct
// endpoints that should receive msg, each appearing once even if multiple
// of its rules matched (§4.4 advance-to-next-endpoint).
func (t *Table) Match(msg *wire.Message) []ajtypes.EndpointID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := make(map[ajtypes.EndpointID]struct{})
	var out []ajtypes.EndpointID
	for _, r := range t.rules {
		if _, already := seen[r.Endpoint]; already {
			continue
		}
		if r.Matches(msg) {
			seen[r.Endpoint] = struct{}{}
			out = append(out, r.Endpoint)
		}
	}
	return out
}
