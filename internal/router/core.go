// Package router implements the Router Core (§4.5): PushMessage dispatch
// across the four routing paths (unicast, broadcast, session multicast,
// local reply fast-path), plus the per-session fan-out set the spec
// describes as part of the Router Core's own routing table ("name table +
// rule table + per-session fan-out set") -- the Session Manager installs
// and removes routes here rather than owning the set itself, which keeps
// the session package a one-way dependent of router instead of a cycle.
package router

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/go-alljoyn/ajrouter/internal/ajtypes"
	"github.com/go-alljoyn/ajrouter/internal/nametable"
	"github.com/go-alljoyn/ajrouter/internal/ruletable"
	"github.com/go-alljoyn/ajrouter/internal/wire"
)

// EndpointHandle is the capability interface the router needs from an
// endpoint: push, uniqueName, allowRemote, kind (design notes §9). It is
// satisfied structurally by *endpoint.Endpoint without router importing
// the endpoint package.
type EndpointHandle interface {
	ID() ajtypes.EndpointID
	Kind() ajtypes.EndpointKind
	UniqueName() string
	AllowRemoteMessages() bool
	PushMessage(ctx context.Context, msg *wire.Message, ttl time.Duration) error

	// GetRemoteProtocolVersion returns the protocol version negotiated with
	// this endpoint, consulted only for EndpointBusToBus handles: the §6
	// RemoveSessionMember/SessionLostWithReason compatibility floor is a
	// property of the remote router on the other end of a link, not of a
	// Local endpoint talking to this router's own code.
	GetRemoteProtocolVersion() ajtypes.ProtocolVersion
}

// EndpointLookup resolves an EndpointID to its live handle. Implemented by
// the arena that owns endpoint storage (design notes: "arena-style
// EndpointId storage").
type EndpointLookup interface {
	Get(id ajtypes.EndpointID) (EndpointHandle, bool)
}

// ServiceStarter is consulted for auto-start unicast dispatch (§4.5 branch
// 1) when the destination is not currently owned. Out of scope beyond this
// narrow seam (PURPOSE & SCOPE).
type ServiceStarter interface {
	StartService(ctx context.Context, name string) error
}

// CastRoute is one entry of the per-(sender, sessionId) fan-out set
// (§4.5 branch 3 "SessionCastSet"). GroupKey identifies the distinct
// delivery path this route shares with others -- typically the
// bus-to-bus endpoint a remote route travels through, so that multiple
// session members reachable via the same b2b hop are only forwarded to
// once (§4.5: "deliver once per distinct busToBusEp").
type CastRoute struct {
	GroupKey ajtypes.EndpointID
	Dest     ajtypes.EndpointID
}

type castKey struct {
	sender    string
	sessionID ajtypes.SessionID
}

// Core is the Router Core.
type Core struct {
	Names *nametable.Table
	Rules *ruletable.Table

	lookup  EndpointLookup
	localID ajtypes.EndpointID
	serial  atomic.Uint32
	stopped atomic.Bool

	b2b     *xsync.Map[ajtypes.EndpointID, struct{}]
	castSet *xsync.Map[castKey, []CastRoute]

	sessionlessMu   sync.Mutex
	sessionlessMax  int
	sessionlessMsgs []*wire.Message

	starter ServiceStarter
	logger  *slog.Logger
}

// New constructs a Router Core. localID identifies the router's own Local
// endpoint, used for the local-reply fast path (§4.5 branch 4).
func New(lookup EndpointLookup, localID ajtypes.EndpointID, logger *slog.Logger) *Core {
	if logger == nil {
		logger = slog.Default()
	}
	return &Core{
		Names:          nametable.New(),
		Rules:          ruletable.New(),
		lookup:         lookup,
		localID:        localID,
		b2b:            xsync.NewMap[ajtypes.EndpointID, struct{}](),
		castSet:        xsync.NewMap[castKey, []CastRoute](),
		sessionlessMax: 256,
		logger:         logger.With(slog.String("component", "router.core")),
	}
}

// SetServiceStarter installs the optional auto-start collaborator.
func (c *Core) SetServiceStarter(s ServiceStarter) { c.starter = s }

// Stop sets the stopping flag; in-flight PushMessage calls still complete
// but JoinSession/AttachSession callers consulting IsStopping should
// short-circuit to Failed (§5 "Cancellation").
func (c *Core) Stop() { c.stopped.Store(true) }

// IsStopping reports the router's stopping flag.
func (c *Core) IsStopping() bool { return c.stopped.Load() }

// RegisterBusToBus adds id to the set consulted for global-broadcast
// fan-out (§4.5 branch 2).
func (c *Core) RegisterBusToBus(id ajtypes.EndpointID) { c.b2b.Store(id, struct{}{}) }

// UnregisterBusToBus removes id from the global-broadcast fan-out set.
func (c *Core) UnregisterBusToBus(id ajtypes.EndpointID) { c.b2b.Delete(id) }

// BusToBusEndpoints returns every endpoint id currently registered as a
// bus-to-bus link, consulted by the Session Manager's GetSessionInfo
// fallback (§4.6.2) to fan a query out to every router this one already
// has a link to.
func (c *Core) BusToBusEndpoints() []ajtypes.EndpointID {
	var ids []ajtypes.EndpointID
	c.b2b.Range(func(id ajtypes.EndpointID, _ struct{}) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

// InstallSessionRoute adds a cast-set entry for (sender, sessionId),
// called by the Session Manager when a session route is established
// (§4.6.2 "install bidirectional routes").
func (c *Core) InstallSessionRoute(sender string, sid ajtypes.SessionID, route CastRoute) {
	key := castKey{sender, sid}
	existing, _ := c.castSet.Load(key)
	c.castSet.Store(key, append(existing, route))
}

// RemoveSessionRoutes drops every cast-set entry for (sender, sessionId),
// called on session teardown (§4.6.5, §4.6.6).
func (c *Core) RemoveSessionRoutes(sender string, sid ajtypes.SessionID) {
	c.castSet.Delete(castKey{sender, sid})
}

// RoutesForSession returns the routes installed for (sender, sessionId).
func (c *Core) RoutesForSession(sender string, sid ajtypes.SessionID) []CastRoute {
	routes, _ := c.castSet.Load(castKey{sender, sid})
	return routes
}

func (c *Core) nextSerial() uint32 { return c.serial.Add(1) }

// PushMessage is the Router Core's single dispatch entry point (§4.5).
// Concurrency note: the caller must not hold nameTableLock, ruleTableLock,
// or sessionCastLock while calling this -- Core itself only ever takes
// those locks (or, here, the equivalent xsync.Map/nametable/ruletable
// internal locks) for the span needed to read a snapshot, releasing before
// any endpoint.PushMessage call (§5 ordering rule).
func (c *Core) PushMessage(ctx context.Context, msg *wire.Message, from ajtypes.EndpointID) ajtypes.PushResult {
	if from == c.localID {
		msg.Serial = c.nextSerial()
	}

	switch {
	case msg.Destination != "":
		return c.pushUnicast(ctx, msg, from)
	case msg.IsDetachSessionSignal():
		return c.pushDetachSession(ctx, msg, from)
	case msg.IsBroadcast():
		return c.pushBroadcast(ctx, msg, from)
	case msg.IsSessionCast():
		return c.pushSessionCast(ctx, msg, from)
	default:
		return ajtypes.PushNoRoute
	}
}

func (c *Core) pushUnicast(ctx context.Context, msg *wire.Message, from ajtypes.EndpointID) ajtypes.PushResult {
	destID, ok := c.Names.FindEndpoint(msg.Destination)
	if !ok {
		if msg.Flags.AutoStart() && c.starterEligible(from) && c.starter != nil {
			if err := c.starter.StartService(ctx, msg.Destination); err == nil {
				// A real implementation would re-resolve and retry once the
				// starter signals readiness; the starter seam is external
				// (PURPOSE & SCOPE), so callers are expected to retry.
				return ajtypes.PushNoRoute
			}
		}
		c.replyServiceUnknown(ctx, msg, from)
		return ajtypes.PushNoRoute
	}

	dest, ok := c.lookup.Get(destID)
	if !ok {
		return ajtypes.PushNoRoute
	}

	fromHandle, fromOK := c.lookup.Get(from)
	fromIsB2B := fromOK && fromHandle.Kind() == ajtypes.EndpointBusToBus
	if fromIsB2B && !dest.AllowRemoteMessages() {
		c.replyBlocked(ctx, msg, from)
		return ajtypes.PushBlocked
	}

	if err := dest.PushMessage(ctx, msg, 0); err != nil {
		return mapPushErr(err)
	}
	return ajtypes.PushOk
}

func (c *Core) starterEligible(from ajtypes.EndpointID) bool {
	handle, ok := c.lookup.Get(from)
	if !ok {
		return true
	}
	return handle.Kind() != ajtypes.EndpointBusToBus && handle.Kind() != ajtypes.EndpointNull
}

func (c *Core) replyServiceUnknown(ctx context.Context, msg *wire.Message, from ajtypes.EndpointID) {
	if !msg.IsMethodCall() || !msg.Flags.ExpectsReply() {
		return
	}
	c.replyError(ctx, msg, from, wire.ErrNameServiceUnknown, "name not currently owned")
}

func (c *Core) replyBlocked(ctx context.Context, msg *wire.Message, from ajtypes.EndpointID) {
	if !msg.IsMethodCall() || !msg.Flags.ExpectsReply() {
		return
	}
	c.replyError(ctx, msg, from, wire.ErrNameBlocked, "destination forbids remote messages")
}

func (c *Core) replyError(ctx context.Context, msg *wire.Message, from ajtypes.EndpointID, errName, detail string) {
	sender, ok := c.lookup.Get(from)
	if !ok {
		return
	}
	reply := wire.NewErrorReply(msg, errName, detail)
	if err := sender.PushMessage(ctx, reply, 0); err != nil {
		c.logger.Warn("failed to push synthetic error reply", slog.Any("error", err))
	}
}

// pushBroadcast delivers msg to every rule-table match exactly once, hands
// every broadcast from a Local sender to the sessionless store (Message has
// no sessionless flag, so broadcasts are not told apart by one), and
// relays the message to every bus-to-bus endpoint except the sender
// (§4.5 branch 2).
func (c *Core) pushBroadcast(ctx context.Context, msg *wire.Message, from ajtypes.EndpointID) ajtypes.PushResult {
	matched := c.Rules.Match(msg)
	for _, epID := range matched {
		ep, ok := c.lookup.Get(epID)
		if !ok {
			continue
		}
		if err := ep.PushMessage(ctx, msg, 0); err != nil {
			c.logger.Debug("broadcast delivery failed", slog.Any("error", err))
		}
	}

	fromHandle, ok := c.lookup.Get(from)
	if ok && fromHandle.Kind() == ajtypes.EndpointLocal {
		c.storeSessionless(msg)
	}

	c.b2b.Range(func(id ajtypes.EndpointID, _ struct{}) bool {
		if id == from {
			return true
		}
		if ep, ok := c.lookup.Get(id); ok {
			if err := ep.PushMessage(ctx, msg, 0); err != nil {
				c.logger.Debug("global broadcast relay failed", slog.Any("error", err))
			}
		}
		return true
	})

	return ajtypes.PushOk
}

func (c *Core) storeSessionless(msg *wire.Message) {
	c.sessionlessMu.Lock()
	defer c.sessionlessMu.Unlock()
	c.sessionlessMsgs = append(c.sessionlessMsgs, msg)
	if len(c.sessionlessMsgs) > c.sessionlessMax {
		c.sessionlessMsgs = c.sessionlessMsgs[len(c.sessionlessMsgs)-c.sessionlessMax:]
	}
}

// pushDetachSession implements the documented wart (§4.5 branch 2, §9
// "Broadcast detach race"): the header carries sessionId=0 but the body
// names the real session, so the router must clone, unmarshal the body,
// and use the argument id to select the correct bus-to-bus route(s)
// instead of treating this as an ordinary broadcast.
func (c *Core) pushDetachSession(ctx context.Context, msg *wire.Message, from ajtypes.EndpointID) ajtypes.PushResult {
	targetID, ok := wire.DetachSessionTargetID(msg)
	if !ok {
		return c.pushBroadcast(ctx, msg, from)
	}

	routes := c.RoutesForSession(msg.Sender, targetID)
	delivered := 0
	seenGroups := make(map[ajtypes.EndpointID]struct{})
	for _, r := range routes {
		if _, dup := seenGroups[r.GroupKey]; dup {
			continue
		}
		seenGroups[r.GroupKey] = struct{}{}

		ep, ok := c.lookup.Get(r.Dest)
		if !ok || ep.Kind() != ajtypes.EndpointBusToBus {
			continue
		}
		if err := ep.PushMessage(ctx, msg, 0); err == nil {
			delivered++
		}
	}
	if delivered == 0 {
		return ajtypes.PushNoRoute
	}
	return ajtypes.PushOk
}

// pushSessionCast delivers msg once per distinct GroupKey among the routes
// installed for (sender, sessionId) (§4.5 branch 3).
func (c *Core) pushSessionCast(ctx context.Context, msg *wire.Message, _ ajtypes.EndpointID) ajtypes.PushResult {
	routes := c.RoutesForSession(msg.Sender, msg.SessionID)
	if len(routes) == 0 {
		return ajtypes.PushNoRoute
	}

	seenGroups := make(map[ajtypes.EndpointID]struct{})
	delivered := 0
	for _, r := range routes {
		if _, dup := seenGroups[r.GroupKey]; dup {
			continue
		}
		seenGroups[r.GroupKey] = struct{}{}

		ep, ok := c.lookup.Get(r.Dest)
		if !ok {
			continue
		}
		if err := ep.PushMessage(ctx, msg, 0); err == nil {
			delivered++
		}
	}
	if delivered == 0 {
		return ajtypes.PushNoRoute
	}
	return ajtypes.PushOk
}

func mapPushErr(err error) ajtypes.PushResult {
	switch {
	case err == ajtypes.ErrEndpointClosing:
		return ajtypes.PushEndpointClosing
	default:
		return ajtypes.PushBlocked
	}
}
