package session

import (
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/go-alljoyn/ajrouter/internal/ajtypes"
)

// advertiseTTL bounds how long an advertisement survives without being
// refreshed by its owner. The IpNameService collaborator re-advertises on
// its own multicast cadence (external to this package, PURPOSE & SCOPE);
// this TTL is the local bookkeeping backstop so a crashed or disconnected
// owner's advertisement does not linger forever.
const advertiseTTL = 90 * time.Second

// Advertisement is a single outstanding AdvertiseName registration.
type Advertisement struct {
	Name       string
	Owner      ajtypes.EndpointID
	Transports ajtypes.Transport
	Quiet      bool
}

// LostAdvertisementListener is notified when an advertisement expires
// without being refreshed or explicitly cancelled, the trigger for a
// LostAdvertisedName signal (§6).
type LostAdvertisementListener func(a Advertisement)

// AdvertiseRegistry tracks the set of currently advertised names with TTL
// eviction, replacing hand-rolled expiry bookkeeping with ttlcache the way
// the rest of the pack leans on it for exactly this shape of problem.
type AdvertiseRegistry struct {
	cache     *ttlcache.Cache[string, Advertisement]
	listeners []LostAdvertisementListener
}

// NewAdvertiseRegistry constructs a registry and starts its background
// eviction loop. Callers must call Stop when done.
func NewAdvertiseRegistry() *AdvertiseRegistry {
	cache := ttlcache.New[string, Advertisement](
		ttlcache.WithTTL[string, Advertisement](advertiseTTL),
	)
	r := &AdvertiseRegistry{cache: cache}
	cache.OnEviction(func(reason ttlcache.EvictionReason, item *ttlcache.Item[string, Advertisement]) {
		if reason != ttlcache.EvictionReasonExpired {
			return // Cancel/CancelAllForOwner deletions are not losses
		}
		for _, l := range r.listeners {
			l(item.Value())
		}
	})
	go cache.Start()
	return r
}

// OnLost registers a callback invoked whenever an advertisement expires.
func (r *AdvertiseRegistry) OnLost(l LostAdvertisementListener) {
	r.listeners = append(r.listeners, l)
}

// Advertise installs or refreshes an advertisement for name.
func (r *AdvertiseRegistry) Advertise(name string, owner ajtypes.EndpointID, transports ajtypes.Transport, quiet bool) {
	r.cache.Set(name, Advertisement{Name: name, Owner: owner, Transports: transports, Quiet: quiet}, advertiseTTL)
}

// Cancel removes an advertisement outright (explicit CancelAdvertiseName),
// without running the Lost-listener chain -- an explicit cancel is not a
// loss (§6 distinguishes the two).
func (r *AdvertiseRegistry) Cancel(name string, owner ajtypes.EndpointID) error {
	item := r.cache.Get(name, ttlcache.WithDisableTouchOnHit[string, Advertisement]())
	if item == nil || item.Value().Owner != owner {
		return ErrAdvertisementNotFound
	}
	r.cache.Delete(name)
	return nil
}

// Find reports the current advertisement for name, if any.
func (r *AdvertiseRegistry) Find(name string) (Advertisement, bool) {
	item := r.cache.Get(name)
	if item == nil {
		return Advertisement{}, false
	}
	return item.Value(), true
}

// CancelAllForOwner removes every advertisement owned by owner, called on
// disconnect.
func (r *AdvertiseRegistry) CancelAllForOwner(owner ajtypes.EndpointID) {
	for name, item := range r.cache.Items() {
		if item.Value().Owner == owner {
			r.cache.Delete(name)
		}
	}
}

// Stop halts the background eviction loop.
func (r *AdvertiseRegistry) Stop() { r.cache.Stop() }

// receivedAdvertisementTTL bounds how long a name learned from another
// router's IS-AT broadcast stays live without being refreshed, the
// receive-side counterpart to advertiseTTL.
const receivedAdvertisementTTL = 90 * time.Second

// ReceivedAdvertisement is one NameMap entry (§3): a name another router
// advertised, the bus address it can be reached at, and the transports it
// was offered over.
type ReceivedAdvertisement struct {
	Name       string
	BusAddr    string
	GUID       string
	Transports ajtypes.Transport
}

// NameMap tracks every advertised name this router has learned about from
// other routers' IS-AT broadcasts, TTL'd the same way AdvertiseRegistry
// tracks this router's own outgoing advertisements -- the received-side
// counterpart the design notes call out as missing entirely (§3's NameMap,
// §4.6.7's FindAdvertisedName).
type NameMap struct {
	cache *ttlcache.Cache[string, ReceivedAdvertisement]
}

// NewNameMap constructs a NameMap and starts its background eviction loop.
// Callers must call Stop when done.
func NewNameMap() *NameMap {
	cache := ttlcache.New[string, ReceivedAdvertisement](
		ttlcache.WithTTL[string, ReceivedAdvertisement](receivedAdvertisementTTL),
	)
	go cache.Start()
	return &NameMap{cache: cache}
}

// Observe records or refreshes adv, called whenever the name service
// reports a matching IS-AT broadcast.
func (n *NameMap) Observe(adv ReceivedAdvertisement) {
	n.cache.Set(adv.Name, adv, receivedAdvertisementTTL)
}

// Remove drops name outright, called on an explicit LostAdvertisedName.
func (n *NameMap) Remove(name string) {
	n.cache.Delete(name)
}

// Get returns the live entry for an exact name, if any.
func (n *NameMap) Get(name string) (ReceivedAdvertisement, bool) {
	item := n.cache.Get(name)
	if item == nil {
		return ReceivedAdvertisement{}, false
	}
	return item.Value(), true
}

// MatchingPrefix returns every live entry whose name starts with prefix,
// the replay source for FindAdvertisedName (§4.6.7 "immediately replay any
// matching live entries").
func (n *NameMap) MatchingPrefix(prefix string) []ReceivedAdvertisement {
	var out []ReceivedAdvertisement
	for name, item := range n.cache.Items() {
		if strings.HasPrefix(name, prefix) {
			out = append(out, item.Value())
		}
	}
	return out
}

// Stop halts the background eviction loop.
func (n *NameMap) Stop() { n.cache.Stop() }
