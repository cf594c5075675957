// Package session implements the Session Manager (§4.6): BindSessionPort,
// JoinSession (local-host and remote-host paths), AttachSession (the
// passive side of a remote join), Leave/RemoveSessionMember/DetachSession,
// the Advertise/Find registry, and session-loss detection on endpoint
// teardown.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sync/semaphore"

	"github.com/go-alljoyn/ajrouter/internal/ajtypes"
	"github.com/go-alljoyn/ajrouter/internal/endpoint"
	"github.com/go-alljoyn/ajrouter/internal/router"
	"github.com/go-alljoyn/ajrouter/internal/transport"
	"github.com/go-alljoyn/ajrouter/internal/wire"
)

// getSessionInfoTimeout bounds how long a single GetSessionInfo query to
// one bus-to-bus link may take before the remote-host path moves on to
// the next candidate link (§4.6.2's fallback step).
const getSessionInfoTimeout = 5 * time.Second

// maxConcurrentSetups bounds how many JoinSession/AttachSession
// negotiations may be in flight at once, the same "don't let an unbounded
// number of slow remote handshakes pile up goroutines" guard the teacher
// applies per-session via its own goroutine-per-session design; here the
// bound sits one level up, across the whole setup fan-in.
const maxConcurrentSetups = 64

// AcceptJoinerFunc is consulted by a multipoint-capable binder before
// admitting a new joiner; returning false yields JoinRejected (§4.6.2).
type AcceptJoinerFunc func(joinerName string, opts ajtypes.SessionOpts) bool

type portKey struct {
	host string
	port ajtypes.SessionPort
}

type boundPort struct {
	host   string
	port   ajtypes.SessionPort
	binder ajtypes.EndpointID
	opts   ajtypes.SessionOpts
	accept AcceptJoinerFunc

	// mpSessionID is nonzero once the first joiner has created the shared
	// multipoint session; later joiners attach to the same id instead of
	// minting a new one (§4.6.2).
	mpSessionID ajtypes.SessionID
}

type memberInfo struct {
	uniqueName string
	// busToBusEP is nonzero when this member is reachable only through a
	// bus-to-bus link, i.e. it is not a Local endpoint on this router.
	busToBusEP ajtypes.EndpointID
}

type sessionState struct {
	mu      sync.RWMutex
	id      ajtypes.SessionID
	host    string
	port    ajtypes.SessionPort
	opts    ajtypes.SessionOpts
	binder  ajtypes.EndpointID
	members map[ajtypes.EndpointID]memberInfo
}

func (s *sessionState) memberIDs() []ajtypes.EndpointID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]ajtypes.EndpointID, 0, len(s.members))
	for id := range s.members {
		ids = append(ids, id)
	}
	return ids
}

// RemoteDialer is the seam joinRemote uses to establish a new bus-to-bus
// connection to a router with no existing link, narrowed from
// transport.Manager to just the outbound connect+SASL path (§4.6.2's
// "Attempt Transport.Connect on each bus address in order").
type RemoteDialer interface {
	DialAndAuthenticate(ctx context.Context, candidates []transport.BusAddress, remoteGUID wire.GUID) (*endpoint.Endpoint, error)
}

// Manager is the Session Manager.
type Manager struct {
	mu       sync.RWMutex
	ports    map[portKey]*boundPort
	sessions map[ajtypes.SessionID]*sessionState

	allocator *IDAllocator
	Advertise *AdvertiseRegistry
	Found     *NameMap
	waits     *WaitRegistry
	pending   *pendingCalls

	findMu  sync.RWMutex
	finders map[ajtypes.EndpointID][]string

	dialer   RemoteDialer
	ownAddrs []transport.BusAddress

	core   *router.Core
	lookup router.EndpointLookup
	sem    *semaphore.Weighted
	logger *slog.Logger
}

// New constructs a Session Manager wired to the given Router Core.
func New(core *router.Core, lookup router.EndpointLookup, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		ports:     make(map[portKey]*boundPort),
		sessions:  make(map[ajtypes.SessionID]*sessionState),
		allocator: NewIDAllocator(),
		Advertise: NewAdvertiseRegistry(),
		Found:     NewNameMap(),
		waits:     NewWaitRegistry(),
		pending:   newPendingCalls(),
		finders:   make(map[ajtypes.EndpointID][]string),
		core:      core,
		lookup:    lookup,
		sem:       semaphore.NewWeighted(maxConcurrentSetups),
		logger:    logger.With(slog.String("component", "session.manager")),
	}
}

// Close stops background goroutines owned by the manager's collaborators.
func (m *Manager) Close() {
	m.Advertise.Stop()
	m.Found.Stop()
}

// SetDialer installs the collaborator joinRemote uses to dial a router it
// has no existing bus-to-bus link to. Left nil, joinRemote still serves
// hosts reachable over an existing link but fails new dials with
// JoinUnreachable -- callers that never need cross-process joins (tests,
// the non-networked integration scenarios) may omit it.
func (m *Manager) SetDialer(d RemoteDialer) { m.dialer = d }

// SetOwnBusAddresses records this router's own listen addresses, returned
// from HandleGetSessionInfo when the query names a host this router binds
// a port for itself.
func (m *Manager) SetOwnBusAddresses(addrs []transport.BusAddress) { m.ownAddrs = addrs }

// BindSessionPort reserves port (or allocates one, if PortAny) for host,
// owned by binder (§4.6.1).
func (m *Manager) BindSessionPort(host string, binder ajtypes.EndpointID, port ajtypes.SessionPort, opts ajtypes.SessionOpts, accept AcceptJoinerFunc) (ajtypes.SessionPort, ajtypes.BindSessionPortResult) {
	if err := opts.Validate(); err != nil {
		return 0, ajtypes.BindInvalidOpts
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if port == ajtypes.PortAny {
		port = m.nextFreePortLocked(host)
	} else if _, exists := m.ports[portKey{host, port}]; exists {
		return 0, ajtypes.BindAlreadyExists
	}

	m.ports[portKey{host, port}] = &boundPort{
		host: host, port: port, binder: binder, opts: opts, accept: accept,
	}
	return port, ajtypes.BindSuccess
}

func (m *Manager) nextFreePortLocked(host string) ajtypes.SessionPort {
	for p := ajtypes.FirstEphemeralPort(); ; p++ {
		if _, exists := m.ports[portKey{host, p}]; !exists {
			return p
		}
	}
}

// UnbindSessionPort releases a previously bound port.
func (m *Manager) UnbindSessionPort(host string, port ajtypes.SessionPort) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := portKey{host, port}
	if _, exists := m.ports[key]; !exists {
		return fmt.Errorf("unbind session port %d for %s: %w", port, host, ErrPortNotBound)
	}
	delete(m.ports, key)
	return nil
}

// JoinSession routes to the local-host path if host is bound on this
// router, otherwise to the remote-host path (§4.6.2).
func (m *Manager) JoinSession(ctx context.Context, joinerEP ajtypes.EndpointID, joinerName, host string, port ajtypes.SessionPort, opts ajtypes.SessionOpts) (ajtypes.SessionID, ajtypes.SessionOpts, ajtypes.JoinSessionResult) {
	if err := opts.Validate(); err != nil {
		return 0, ajtypes.SessionOpts{}, ajtypes.JoinBadSessionOpts
	}
	if m.core.IsStopping() {
		return 0, ajtypes.SessionOpts{}, ajtypes.JoinFailed
	}
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return 0, ajtypes.SessionOpts{}, ajtypes.JoinFailed
	}
	defer m.sem.Release(1)

	m.mu.RLock()
	bp, local := m.ports[portKey{host, port}]
	m.mu.RUnlock()

	if local {
		return m.joinLocal(ctx, joinerEP, joinerName, bp, opts)
	}
	return m.joinRemote(ctx, joinerEP, joinerName, host, port, opts)
}

func (m *Manager) joinLocal(ctx context.Context, joinerEP ajtypes.EndpointID, joinerName string, bp *boundPort, opts ajtypes.SessionOpts) (ajtypes.SessionID, ajtypes.SessionOpts, ajtypes.JoinSessionResult) {
	if !bp.opts.Compatible(opts) {
		return 0, ajtypes.SessionOpts{}, ajtypes.JoinBadSessionOpts
	}
	if bp.accept != nil && !bp.accept(joinerName, opts) {
		return 0, ajtypes.SessionOpts{}, ajtypes.JoinRejected
	}

	m.mu.Lock()
	var sess *sessionState
	// joiningExisting is true exactly when this is the second or later
	// external join to an already-established multipoint session -- the
	// only case where existing members need to learn about the new
	// joiner and the new joiner needs to be caught up on them (§4.6.2
	// "Multipoint fan-out").
	joiningExisting := opts.IsMultipoint && bp.mpSessionID != 0
	if joiningExisting {
		sess = m.sessions[bp.mpSessionID]
	} else {
		id, err := m.allocator.Allocate()
		if err != nil {
			m.mu.Unlock()
			return 0, ajtypes.SessionOpts{}, ajtypes.JoinFailed
		}
		sess = &sessionState{
			id: id, host: bp.host, port: bp.port, opts: bp.opts, binder: bp.binder,
			members: map[ajtypes.EndpointID]memberInfo{bp.binder: {uniqueName: bp.host}},
		}
		m.sessions[id] = sess
		if opts.IsMultipoint {
			bp.mpSessionID = id
		}
	}
	m.mu.Unlock()

	sess.mu.Lock()
	if _, already := sess.members[joinerEP]; already {
		sess.mu.Unlock()
		return sess.id, sess.opts, ajtypes.JoinAlreadyJoined
	}
	var priorMembers map[ajtypes.EndpointID]memberInfo
	if joiningExisting {
		priorMembers = make(map[ajtypes.EndpointID]memberInfo, len(sess.members))
		for id, info := range sess.members {
			priorMembers[id] = info
		}
	}
	joinerInfo := memberInfo{uniqueName: joinerName}
	sess.members[joinerEP] = joinerInfo
	sess.mu.Unlock()

	m.core.InstallSessionRoute(bp.host, sess.id, router.CastRoute{GroupKey: joinerEP, Dest: joinerEP})
	m.core.InstallSessionRoute(joinerName, sess.id, router.CastRoute{GroupKey: bp.binder, Dest: bp.binder})

	m.notifySessionJoined(ctx, sess, joinerEP)
	if joiningExisting {
		m.notifyMultipointJoin(ctx, sess, joinerEP, joinerInfo, priorMembers)
	}
	return sess.id, sess.opts, ajtypes.JoinSuccess
}

// joinRemote implements the §4.6.2 remote-host path. If host is already
// reachable over an existing bus-to-bus link (nameprop's ExchangeNames has
// already populated the name table with a virtual alias for it), that link
// is used directly. Otherwise it walks the mandated fallback chain: this
// router's own received-advertisement NameMap, then a GetSessionInfo query
// fanned out over every existing bus-to-bus link, dialing whatever candidate
// bus addresses either source turns up.
func (m *Manager) joinRemote(ctx context.Context, joinerEP ajtypes.EndpointID, joinerName, host string, port ajtypes.SessionPort, opts ajtypes.SessionOpts) (ajtypes.SessionID, ajtypes.SessionOpts, ajtypes.JoinSessionResult) {
	b2bID, b2b, result := m.resolveRemoteHost(ctx, host)
	if result != ajtypes.JoinSuccess {
		return 0, ajtypes.SessionOpts{}, result
	}

	serial := m.pending.nextSerial()
	replyCh := m.pending.register(serial)
	defer m.pending.unregister(serial)

	attach := &wire.Message{
		Type:        dbus.TypeMethodCall,
		Serial:      serial,
		Sender:      joinerName,
		Destination: host,
		Path:        wire.BusObjectPath,
		Interface:   wire.DaemonInterface,
		Member:      "AttachSession",
		Body:        []any{uint16(port), host, opts},
	}
	if err := b2b.PushMessage(ctx, attach, 0); err != nil {
		return 0, ajtypes.SessionOpts{}, ajtypes.JoinConnectFailed
	}

	select {
	case reply := <-replyCh:
		sid, grantedOpts, result := decodeAttachReply(reply)
		if result != ajtypes.JoinSuccess {
			return sid, grantedOpts, result
		}
		m.mu.Lock()
		m.sessions[sid] = &sessionState{
			id: sid, host: host, port: port, opts: grantedOpts,
			members: map[ajtypes.EndpointID]memberInfo{joinerEP: {uniqueName: joinerName}},
		}
		m.mu.Unlock()
		m.core.InstallSessionRoute(joinerName, sid, router.CastRoute{GroupKey: b2bID, Dest: b2bID})
		return sid, grantedOpts, ajtypes.JoinSuccess
	case <-ctx.Done():
		return 0, ajtypes.SessionOpts{}, ajtypes.JoinFailed
	}
}

// resolveRemoteHost returns a bus-to-bus handle usable to reach host,
// dialing a new link if necessary (§4.6.2). The existing-link check runs
// first since it is cheapest and covers the common case of a link nameprop
// has already established; the candidate-address fallback chain only runs
// once that has had a chance to succeed.
func (m *Manager) resolveRemoteHost(ctx context.Context, host string) (ajtypes.EndpointID, router.EndpointHandle, ajtypes.JoinSessionResult) {
	if id, handle, ok := m.existingLinkTo(host); ok {
		return id, handle, ajtypes.JoinSuccess
	}

	ready := func() bool {
		_, _, ok := m.existingLinkTo(host)
		return ok
	}
	waitCtx, cancel := context.WithTimeout(ctx, getSessionInfoTimeout)
	defer cancel()
	if err := m.waits.Wait(waitCtx, host, ready); err == nil {
		if id, handle, ok := m.existingLinkTo(host); ok {
			return id, handle, ajtypes.JoinSuccess
		}
	}

	candidates, remoteGUID := m.candidateAddressesFor(ctx, host)
	if len(candidates) == 0 {
		return 0, nil, ajtypes.JoinUnreachable
	}
	if m.dialer == nil {
		return 0, nil, ajtypes.JoinUnreachable
	}
	ep, err := m.dialer.DialAndAuthenticate(ctx, candidates, wire.GUID(remoteGUID))
	if err != nil {
		return 0, nil, ajtypes.JoinConnectFailed
	}
	return ep.ID(), ep, ajtypes.JoinSuccess
}

func (m *Manager) existingLinkTo(host string) (ajtypes.EndpointID, router.EndpointHandle, bool) {
	id, ok := m.core.Names.FindEndpoint(host)
	if !ok {
		return 0, nil, false
	}
	handle, ok := m.lookup.Get(id)
	if !ok || handle.Kind() != ajtypes.EndpointBusToBus {
		return 0, nil, false
	}
	return id, handle, true
}

// candidateAddressesFor resolves a set of dialable bus addresses for host,
// trying this router's own received-advertisement NameMap first and falling
// back to a GetSessionInfo query over every existing bus-to-bus link
// (§4.6.2's decision tree).
func (m *Manager) candidateAddressesFor(ctx context.Context, host string) ([]transport.BusAddress, string) {
	if adv, ok := m.Found.Get(host); ok {
		if addrs, err := transport.SplitBusAddresses(adv.BusAddr); err == nil && len(addrs) > 0 {
			return addrs, adv.GUID
		}
	}
	return m.querySessionInfo(ctx, host)
}

// querySessionInfo fans a GetSessionInfo daemon method call out to every
// bus-to-bus link this router already has, returning the first non-empty
// candidate address list any of them answers with.
func (m *Manager) querySessionInfo(ctx context.Context, host string) ([]transport.BusAddress, string) {
	for _, id := range m.core.BusToBusEndpoints() {
		handle, ok := m.lookup.Get(id)
		if !ok {
			continue
		}
		addrs, guid, ok := m.querySessionInfoOne(ctx, handle, host)
		if ok {
			return addrs, guid
		}
	}
	return nil, ""
}

func (m *Manager) querySessionInfoOne(ctx context.Context, handle router.EndpointHandle, host string) ([]transport.BusAddress, string, bool) {
	queryCtx, cancel := context.WithTimeout(ctx, getSessionInfoTimeout)
	defer cancel()

	serial := m.pending.nextSerial()
	replyCh := m.pending.register(serial)
	defer m.pending.unregister(serial)

	call := &wire.Message{
		Type:        dbus.TypeMethodCall,
		Serial:      serial,
		Destination: handle.UniqueName(),
		Path:        wire.BusObjectPath,
		Interface:   wire.DaemonInterface,
		Member:      "GetSessionInfo",
		Body:        []any{host},
	}
	if err := handle.PushMessage(queryCtx, call, 0); err != nil {
		return nil, "", false
	}

	select {
	case reply := <-replyCh:
		if len(reply.Body) < 2 {
			return nil, "", false
		}
		busAddr, _ := reply.Body[0].(string)
		guid, _ := reply.Body[1].(string)
		if busAddr == "" {
			return nil, "", false
		}
		addrs, err := transport.SplitBusAddresses(busAddr)
		if err != nil || len(addrs) == 0 {
			return nil, "", false
		}
		return addrs, guid, true
	case <-queryCtx.Done():
		return nil, "", false
	}
}

// HandleGetSessionInfo services an inbound GetSessionInfo daemon method
// call, the passive side of querySessionInfo (§4.6.2). It answers with this
// router's own bus addresses when the requested host is bound locally,
// otherwise with whatever received-advertisement NameMap entry matches, or
// an empty reply if neither source knows the host.
func (m *Manager) HandleGetSessionInfo(call *wire.Message) *wire.Message {
	var host string
	if len(call.Body) >= 1 {
		host, _ = call.Body[0].(string)
	}

	busAddr, guid := m.sessionInfoFor(host)
	return &wire.Message{
		Type:        dbus.TypeMethodReturn,
		ReplySerial: call.Serial,
		Destination: call.Sender,
		Sender:      call.Destination,
		Body:        []any{busAddr, guid},
	}
}

func (m *Manager) sessionInfoFor(host string) (string, string) {
	m.mu.RLock()
	boundLocally := false
	for key := range m.ports {
		if key.host == host {
			boundLocally = true
			break
		}
	}
	m.mu.RUnlock()

	if boundLocally && len(m.ownAddrs) > 0 {
		return joinBusAddresses(m.ownAddrs), ""
	}
	if adv, ok := m.Found.Get(host); ok {
		return adv.BusAddr, adv.GUID
	}
	return "", ""
}

func joinBusAddresses(addrs []transport.BusAddress) string {
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		parts = append(parts, a.String())
	}
	return strings.Join(parts, ";")
}

func decodeAttachReply(reply *wire.Message) (ajtypes.SessionID, ajtypes.SessionOpts, ajtypes.JoinSessionResult) {
	if len(reply.Body) < 3 {
		return 0, ajtypes.SessionOpts{}, ajtypes.JoinFailed
	}
	result, _ := reply.Body[0].(ajtypes.JoinSessionResult)
	sid, _ := reply.Body[1].(ajtypes.SessionID)
	opts, _ := reply.Body[2].(ajtypes.SessionOpts)
	return sid, opts, result
}

// HandleAttachSession services an inbound AttachSession method call
// arriving from a remote router over a bus-to-bus link, the passive side
// of joinRemote (§4.6.2).
func (m *Manager) HandleAttachSession(ctx context.Context, fromB2B ajtypes.EndpointID, call *wire.Message) *wire.Message {
	if call.ReplySerial != 0 || len(call.Body) < 2 {
		return replyAttach(call, 0, ajtypes.SessionOpts{}, ajtypes.JoinFailed)
	}
	port, _ := call.Body[0].(uint16)
	host, _ := call.Body[1].(string)
	var opts ajtypes.SessionOpts
	if len(call.Body) >= 3 {
		if o, ok := call.Body[2].(ajtypes.SessionOpts); ok {
			opts = o
		}
	}

	m.mu.RLock()
	bp, ok := m.ports[portKey{host, ajtypes.SessionPort(port)}]
	m.mu.RUnlock()
	if !ok {
		return replyAttach(call, 0, ajtypes.SessionOpts{}, ajtypes.JoinNoSession)
	}

	if err := m.sem.Acquire(ctx, 1); err != nil {
		return replyAttach(call, 0, ajtypes.SessionOpts{}, ajtypes.JoinFailed)
	}
	defer m.sem.Release(1)

	sid, grantedOpts, result := m.joinLocal(ctx, fromB2B, call.Sender, bp, opts)
	if result == ajtypes.JoinSuccess {
		m.mu.Lock()
		if sess, ok2 := m.sessions[sid]; ok2 {
			sess.mu.Lock()
			sess.members[fromB2B] = memberInfo{uniqueName: call.Sender, busToBusEP: fromB2B}
			sess.mu.Unlock()
		}
		m.mu.Unlock()
	}
	return replyAttach(call, sid, grantedOpts, result)
}

func replyAttach(call *wire.Message, sid ajtypes.SessionID, opts ajtypes.SessionOpts, result ajtypes.JoinSessionResult) *wire.Message {
	return &wire.Message{
		Type:        dbus.TypeMethodReturn,
		ReplySerial: call.Serial,
		Destination: call.Sender,
		Sender:      call.Destination,
		Body:        []any{result, sid, opts},
	}
}

// SessionInfo is a read-only view of one active session, exposed to the
// admin HTTP API's session listing.
type SessionInfo struct {
	ID      ajtypes.SessionID
	Host    string
	Port    ajtypes.SessionPort
	Opts    ajtypes.SessionOpts
	Binder  ajtypes.EndpointID
	Members []ajtypes.EndpointID
}

// Snapshot returns a point-in-time view of every active session.
func (m *Manager) Snapshot() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sess.mu.RLock()
		id, host, port, opts, binder := sess.id, sess.host, sess.port, sess.opts, sess.binder
		sess.mu.RUnlock()
		out = append(out, SessionInfo{
			ID:      id,
			Host:    host,
			Port:    port,
			Opts:    opts,
			Binder:  binder,
			Members: sess.memberIDs(),
		})
	}
	return out
}

// DeliverReply feeds an inbound METHOD_RETURN/ERROR to the pending-call
// table, called by the router's unicast path when a reply targets a
// serial this manager is waiting on. Returns false if no waiter matched.
func (m *Manager) DeliverReply(reply *wire.Message) bool {
	return m.pending.deliver(reply)
}

// Leave removes the caller from a multipoint session it is a non-binder
// member of, or tears down a point-to-point session entirely (§4.6.4).
func (m *Manager) Leave(ctx context.Context, callerEP ajtypes.EndpointID, sid ajtypes.SessionID) error {
	m.mu.RLock()
	sess, ok := m.sessions[sid]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("leave session %d: %w", sid, ErrSessionNotFound)
	}

	sess.mu.Lock()
	if _, member := sess.members[callerEP]; !member {
		sess.mu.Unlock()
		return fmt.Errorf("leave session %d: %w", sid, ErrNotAMember)
	}
	delete(sess.members, callerEP)
	isEmpty := len(sess.members) == 0
	_, binderRemains := sess.members[sess.binder]
	onlyBinderLeft := len(sess.members) == 1 && binderRemains
	isBinder := sess.binder == callerEP
	sess.mu.Unlock()

	m.core.RemoveSessionRoutes(sess.host, sid)

	// A point-to-point session has exactly two parties; either one leaving
	// ends it outright, unlike a multipoint session, where only the binder
	// leaving or the last non-binder member leaving does.
	if isBinder || isEmpty || onlyBinderLeft || !sess.opts.IsMultipoint {
		m.teardownSession(ctx, sess, ajtypes.ReasonRemoteEndLeft)
		return nil
	}

	m.broadcastMPSessionChanged(ctx, sess, callerEP, false)
	return nil
}

// RemoveSessionMember lets a multipoint binder forcibly evict a member
// (§4.6.3). Only the binder may call this; non-multipoint sessions reject
// it outright.
func (m *Manager) RemoveSessionMember(ctx context.Context, callerEP ajtypes.EndpointID, sid ajtypes.SessionID, target ajtypes.EndpointID) ajtypes.RemoveSessionMemberResult {
	m.mu.RLock()
	sess, ok := m.sessions[sid]
	m.mu.RUnlock()
	if !ok {
		return ajtypes.RemoveNoSession
	}
	if !sess.opts.IsMultipoint {
		return ajtypes.RemoveNotMultipoint
	}
	if sess.binder != callerEP {
		return ajtypes.RemoveNotBinder
	}

	sess.mu.Lock()
	info, member := sess.members[target]
	if !member {
		sess.mu.Unlock()
		return ajtypes.RemoveNotFound
	}
	sess.mu.Unlock()

	// §4.6.5/§6: a bus-to-bus member whose remote router predates protocol
	// version 7 never implemented RemoveSessionMember, so it cannot be
	// forcibly evicted this way. Local members are never gated: protocol
	// version is a property of the remote end of a link, not of this
	// router's own clients.
	if info.busToBusEP != 0 {
		if handle, ok := m.lookup.Get(info.busToBusEP); ok && handle.Kind() == ajtypes.EndpointBusToBus &&
			handle.GetRemoteProtocolVersion() < ajtypes.MinProtocolForRemoveSessionMember {
			return ajtypes.RemoveIncompatibleRemote
		}
	}

	sess.mu.Lock()
	delete(sess.members, target)
	sess.mu.Unlock()

	m.notifySessionLost(ctx, sess, target, ajtypes.ReasonRemovedByBinder)
	m.broadcastMPSessionChanged(ctx, sess, target, false)
	return ajtypes.RemoveSuccess
}

// DetachSession tears down sid unconditionally, notifying every remaining
// member (§4.6.5). sender identifies the endpoint that requested the
// detach, used only for logging.
func (m *Manager) DetachSession(ctx context.Context, sid ajtypes.SessionID, sender string) error {
	m.mu.RLock()
	sess, ok := m.sessions[sid]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("detach session %d (requested by %s): %w", sid, sender, ErrSessionNotFound)
	}
	m.teardownSession(ctx, sess, ajtypes.ReasonOther)
	return nil
}

func (m *Manager) teardownSession(ctx context.Context, sess *sessionState, reason ajtypes.SessionLostReason) {
	members := sess.memberIDs()

	m.mu.Lock()
	delete(m.sessions, sess.id)
	m.mu.Unlock()

	m.core.RemoveSessionRoutes(sess.host, sess.id)
	m.allocator.Release(sess.id)

	for _, id := range members {
		m.pushSessionLost(ctx, id, sess.id, reason)
	}
	m.logger.Info("session torn down", slog.Uint64("session_id", uint64(sess.id)), slog.String("reason", reason.String()))
}

// OnEndpointGone is the session-loss-detection entry point: wired as an
// endpoint.ExitCallback so that when any endpoint disconnects, every
// session it participated in is cleaned up without that endpoint needing
// to have called Leave/DetachSession itself (§4.6.6).
func (m *Manager) OnEndpointGone(ctx context.Context, gone ajtypes.EndpointID) {
	m.mu.RLock()
	affected := make([]*sessionState, 0)
	for _, sess := range m.sessions {
		if _, member := sess.members[gone]; member {
			affected = append(affected, sess)
		}
	}
	m.mu.RUnlock()

	for _, sess := range affected {
		sess.mu.RLock()
		isBinder := sess.binder == gone
		sess.mu.RUnlock()

		if isBinder && !sess.opts.IsMultipoint {
			m.teardownSession(ctx, sess, ajtypes.ReasonRemoteEndAbrupt)
			continue
		}

		sess.mu.Lock()
		delete(sess.members, gone)
		empty := len(sess.members) == 0
		sess.mu.Unlock()

		m.core.RemoveSessionRoutes(sess.host, sess.id)
		if empty {
			m.teardownSession(ctx, sess, ajtypes.ReasonRemoteEndAbrupt)
			continue
		}
		m.broadcastMPSessionChanged(ctx, sess, gone, false)
	}

	m.Advertise.CancelAllForOwner(gone)
}

func (m *Manager) notifySessionJoined(ctx context.Context, sess *sessionState, joiner ajtypes.EndpointID) {
	msg := &wire.Message{
		Type:        dbus.TypeSignal,
		Destination: sess.host,
		Interface:   wire.BusInterface,
		Member:      wire.SignalSessionJoined,
		SessionID:   sess.id,
		Body:        []any{sess.port, sess.id, joiner},
	}
	m.core.PushMessage(ctx, msg, sess.binder)
}

// pushMPSessionChanged addresses a single MPSessionChanged delivery directly
// at the recipient's own endpoint handle, rather than routing it through the
// session cast set: a member learning about another member's join/leave is
// not itself session traffic bound for the host, so it needs a real
// Destination the way pushSessionLost already does.
func (m *Manager) pushMPSessionChanged(ctx context.Context, to ajtypes.EndpointID, toInfo memberInfo, sid ajtypes.SessionID, subject ajtypes.EndpointID, joined bool) {
	target := to
	if toInfo.busToBusEP != 0 {
		target = toInfo.busToBusEP
	}
	handle, ok := m.lookup.Get(target)
	if !ok {
		return
	}
	msg := &wire.Message{
		Type:        dbus.TypeSignal,
		Destination: toInfo.uniqueName,
		Interface:   wire.BusInterface,
		Member:      wire.SignalMPSessionChanged,
		SessionID:   sid,
		Body:        []any{sid, subject, joined},
	}
	if err := handle.PushMessage(ctx, msg, 0); err != nil {
		m.logger.Debug("MPSessionChanged notification failed", slog.Any("error", err))
	}
}

// broadcastMPSessionChanged fans MPSessionChanged(subject, joined) out to
// every member currently in sess, called after a leave/removal/endpoint-gone
// has already removed the departing member from sess.members.
func (m *Manager) broadcastMPSessionChanged(ctx context.Context, sess *sessionState, subject ajtypes.EndpointID, joined bool) {
	sess.mu.RLock()
	members := make(map[ajtypes.EndpointID]memberInfo, len(sess.members))
	for id, info := range sess.members {
		members[id] = info
	}
	sess.mu.RUnlock()

	for id, info := range members {
		m.pushMPSessionChanged(ctx, id, info, sess.id, subject, joined)
	}
}

// notifyMultipointJoin implements the §4.6.2 multipoint fan-out for a second
// or later external joiner: every prior member is told the new joiner
// arrived, and the new joiner is caught up with one MPSessionChanged per
// prior member so it learns the full existing membership (S3).
func (m *Manager) notifyMultipointJoin(ctx context.Context, sess *sessionState, joinerEP ajtypes.EndpointID, joinerInfo memberInfo, priorMembers map[ajtypes.EndpointID]memberInfo) {
	for id, info := range priorMembers {
		if id == joinerEP {
			continue
		}
		m.pushMPSessionChanged(ctx, id, info, sess.id, joinerEP, true)
		m.pushMPSessionChanged(ctx, joinerEP, joinerInfo, sess.id, id, true)
	}
}

func (m *Manager) notifySessionLost(ctx context.Context, sess *sessionState, target ajtypes.EndpointID, reason ajtypes.SessionLostReason) {
	m.pushSessionLost(ctx, target, sess.id, reason)
}

func (m *Manager) pushSessionLost(ctx context.Context, to ajtypes.EndpointID, sid ajtypes.SessionID, reason ajtypes.SessionLostReason) {
	handle, ok := m.lookup.Get(to)
	if !ok {
		return
	}

	// §4.6.5/§6: a bus-to-bus peer whose negotiated protocol version
	// predates the reasoned SessionLost signal only understands the old
	// no-reason form. Local members always get the modern signal.
	member := wire.SignalSessionLostReason
	body := []any{sid, reason}
	if handle.Kind() == ajtypes.EndpointBusToBus && handle.GetRemoteProtocolVersion() < ajtypes.MinProtocolForRemoveSessionMember {
		member = wire.SignalSessionLost
		body = []any{sid}
	}

	msg := &wire.Message{
		Type:        dbus.TypeSignal,
		Destination: handle.UniqueName(),
		Interface:   wire.BusInterface,
		Member:      member,
		SessionID:   sid,
		Body:        body,
	}
	if err := handle.PushMessage(ctx, msg, 0); err != nil {
		m.logger.Debug("session lost notification failed", slog.Any("error", err))
	}
}

// foundKey de-duplicates a FoundAdvertisedName delivery by (name, transport)
// (§4.6.7): the same name re-advertised over several transports is reported
// once per transport, never once per refresh.
type foundKey struct {
	name       string
	transports ajtypes.Transport
}

// FindAdvertisedName registers finderEP's interest in prefix and immediately
// replays every currently-live NameMap entry that matches, so a finder that
// enables discovery after a name was already advertised still gets exactly
// one FoundAdvertisedName per match (§4.6.7, scenario S5) instead of waiting
// for the next gratuitous broadcast.
func (m *Manager) FindAdvertisedName(ctx context.Context, finderEP ajtypes.EndpointID, prefix string) {
	m.findMu.Lock()
	m.finders[finderEP] = append(m.finders[finderEP], prefix)
	m.findMu.Unlock()

	seen := make(map[foundKey]struct{})
	for _, adv := range m.Found.MatchingPrefix(prefix) {
		key := foundKey{adv.Name, adv.Transports}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		m.pushFoundAdvertisedName(ctx, finderEP, adv)
	}
}

// CancelFindAdvertisedName withdraws finderEP's interest in prefix.
func (m *Manager) CancelFindAdvertisedName(finderEP ajtypes.EndpointID, prefix string) {
	m.findMu.Lock()
	defer m.findMu.Unlock()
	prefixes := m.finders[finderEP]
	for i, p := range prefixes {
		if p == prefix {
			m.finders[finderEP] = append(prefixes[:i], prefixes[i+1:]...)
			break
		}
	}
	if len(m.finders[finderEP]) == 0 {
		delete(m.finders, finderEP)
	}
}

// OnFoundAdvertisedName records adv in the NameMap and fans out
// FoundAdvertisedName to every currently-registered finder whose prefix
// matches, called by the discovery service's onFound callback once a
// matching IS-AT broadcast arrives.
func (m *Manager) OnFoundAdvertisedName(ctx context.Context, adv ReceivedAdvertisement) {
	prev, known := m.Found.Get(adv.Name)
	m.Found.Observe(adv)
	if known && prev == adv {
		return // a plain refresh of an entry finders already heard about
	}

	m.findMu.RLock()
	defer m.findMu.RUnlock()
	for finderEP, prefixes := range m.finders {
		for _, prefix := range prefixes {
			if strings.HasPrefix(adv.Name, prefix) {
				m.pushFoundAdvertisedName(ctx, finderEP, adv)
				break
			}
		}
	}
}

// OnLostAdvertisedName drops name from the NameMap, called on an explicit
// LostAdvertisedName from the discovery service.
func (m *Manager) OnLostAdvertisedName(name string) {
	m.Found.Remove(name)
}

func (m *Manager) pushFoundAdvertisedName(ctx context.Context, to ajtypes.EndpointID, adv ReceivedAdvertisement) {
	handle, ok := m.lookup.Get(to)
	if !ok {
		return
	}
	msg := &wire.Message{
		Type:        dbus.TypeSignal,
		Destination: handle.UniqueName(),
		Interface:   wire.BusInterface,
		Member:      wire.SignalFoundAdvertisedName,
		Body:        []any{adv.Name, adv.Transports, adv.BusAddr},
	}
	if err := handle.PushMessage(ctx, msg, 0); err != nil {
		m.logger.Debug("FoundAdvertisedName notification failed", slog.Any("error", err))
	}
}
