// Package nameprop implements Name Propagation (§4.7): exchanging the
// local name table across a new bus-to-bus link via ExchangeNames, then
// keeping it synchronized with NameChanged signals, with loop prevention
// so a name re-announced back across the same link it arrived on is
// dropped instead of bouncing forever.
package nameprop

import (
	"context"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/go-alljoyn/ajrouter/internal/ajtypes"
	"github.com/go-alljoyn/ajrouter/internal/nametable"
	"github.com/go-alljoyn/ajrouter/internal/wire"
)

// EndpointKindLookup resolves an endpoint's kind and unique name, used to
// restrict ExchangeNames/NameChanged fan-out to names actually owned
// locally (never re-exporting a name this router only knows about because
// a *different* bus-to-bus link told it).
type EndpointKindLookup interface {
	KindAndName(id ajtypes.EndpointID) (kind ajtypes.EndpointKind, uniqueName string, ok bool)
}

// link is the per-bus-to-bus-endpoint state Name Propagation tracks.
type link struct {
	endpoint ajtypes.EndpointID
	guid     wire.GUID

	// nameTransfer governs whether NameChanged is broadcast to every
	// bus-to-bus link (NameTransferAllNames) or only back to the
	// controller link for the session that established it
	// (NameTransferControllerOnly), per the protocol-version floor in
	// ajtypes.MinProtocolForExplicitNameTransfer.
	nameTransfer ajtypes.NameTransferMode
}

// Sender delivers a daemon-to-daemon signal to a specific bus-to-bus
// endpoint, bypassing ordinary destination-based unicast routing since
// these are control messages addressed by endpoint identity, not by name.
type Sender func(ctx context.Context, to ajtypes.EndpointID, msg *wire.Message) error

// Propagator drives Name Propagation across every active bus-to-bus link.
type Propagator struct {
	mu     sync.RWMutex
	names  *nametable.Table
	lookup EndpointKindLookup
	links  map[ajtypes.EndpointID]*link
	send   Sender
	logger *slog.Logger
}

// New constructs a Propagator.
func New(names *nametable.Table, lookup EndpointKindLookup, send Sender, logger *slog.Logger) *Propagator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Propagator{
		names:  names,
		lookup: lookup,
		links:  make(map[ajtypes.EndpointID]*link),
		send:   send,
		logger: logger.With(slog.String("component", "nameprop")),
	}
}

// AddLink registers a newly authenticated bus-to-bus endpoint and sends it
// the full local name table via ExchangeNames (§4.7 "on link
// establishment").
func (p *Propagator) AddLink(ctx context.Context, ep ajtypes.EndpointID, remoteGUID wire.GUID, transfer ajtypes.NameTransferMode) {
	p.mu.Lock()
	p.links[ep] = &link{endpoint: ep, guid: remoteGUID, nameTransfer: transfer}
	p.mu.Unlock()

	msg := &wire.Message{
		Type:      dbus.TypeSignal,
		Interface: wire.DaemonInterface,
		Member:    wire.SignalExchangeNames,
		Body:      []any{p.localOwnership()},
	}
	if err := p.send(ctx, ep, msg); err != nil {
		p.logger.Warn("ExchangeNames send failed", slog.Any("error", err))
	}
}

// RemoveLink drops a bus-to-bus link's propagation state on disconnect.
func (p *Propagator) RemoveLink(ep ajtypes.EndpointID) {
	p.mu.Lock()
	delete(p.links, ep)
	p.mu.Unlock()
}

// NameOwner is one entry of an ExchangeNames payload: a name and the
// unique name of the endpoint that currently owns it. Only names owned by
// a Local or Virtual endpoint are included -- a name this router only
// knows about via a *different* bus-to-bus link is that link's to
// re-export, not this one's (otherwise a three-router topology would
// double-announce names across the wrong link).
type NameOwner struct {
	Name       string
	OwnerName  string
	OwnerKind  ajtypes.EndpointKind
}

func (p *Propagator) localOwnership() []NameOwner {
	var out []NameOwner
	for name, owner := range p.names.AllNames() {
		kind, uniqueName, ok := p.lookup.KindAndName(owner)
		if !ok || (kind != ajtypes.EndpointLocal && kind != ajtypes.EndpointVirtual) {
			continue
		}
		out = append(out, NameOwner{Name: name, OwnerName: uniqueName, OwnerKind: kind})
	}
	return out
}

// HandleNameChanged applies an inbound NameChanged signal arriving from
// the bus-to-bus endpoint `from`, enforcing loop prevention: a
// name-owner change whose originating router's guid equals the link's
// own remote guid is an echo of this router's own prior announcement
// bouncing back, and must be dropped rather than applied (§4.7 "loop
// prevention via remote-guid").
func (p *Propagator) HandleNameChanged(from ajtypes.EndpointID, originGUID wire.GUID, name, newOwnerName string) {
	p.mu.RLock()
	l, ok := p.links[from]
	p.mu.RUnlock()
	if !ok {
		return
	}
	if originGUID != "" && originGUID == l.guid {
		p.logger.Debug("dropping looped NameChanged", slog.String("name", name), slog.String("guid", string(originGUID)))
		return
	}

	if newOwnerName == "" {
		// The name was lost on the remote side; the virtual endpoint's
		// own teardown handles removing it from the Name Table.
		return
	}
	p.names.SetVirtualAlias(name, from, string(l.guid))
	p.fanOut(from, name, newOwnerName, originGUID)
}

// AnnounceLocalChange fans a purely local ownership change (one this
// router's own AddAlias/RemoveAlias/AddUniqueName/RemoveUniqueName
// caused) out to every bus-to-bus link as an outbound NameChanged (§4.7).
//
// Callers must invoke this explicitly after a local Name Table mutation
// succeeds rather than registering it as a nametable.ChangeListener
// directly: the Name Table's notify fires uniformly for every
// transition, including the SetVirtualAlias calls HandleNameChanged
// itself makes, and registering this as a blanket listener would relay
// those back out as if they were new local changes, defeating loop
// prevention.
func (p *Propagator) AnnounceLocalChange(name string, _, newOwner *ajtypes.EndpointID) {
	var newOwnerName string
	if newOwner != nil {
		if _, uniqueName, ok := p.lookup.KindAndName(*newOwner); ok {
			newOwnerName = uniqueName
		}
	}
	p.fanOut(0, name, newOwnerName, "")
}

// fanOut relays a NameChanged signal to every bus-to-bus link except the
// one the change arrived on (arrivedOn==0 for a purely local change),
// honoring each link's negotiated name-transfer mode.
func (p *Propagator) fanOut(arrivedOn ajtypes.EndpointID, name, newOwnerName string, originGUID wire.GUID) {
	ctx := context.Background()
	msg := &wire.Message{
		Type:      dbus.TypeSignal,
		Interface: wire.DaemonInterface,
		Member:    wire.SignalNameChanged,
		Body:      []any{name, newOwnerName, string(originGUID)},
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	for ep, l := range p.links {
		if ep == arrivedOn {
			continue
		}
		if l.nameTransfer == ajtypes.NameTransferControllerOnly && arrivedOn != 0 {
			continue
		}
		if err := p.send(ctx, ep, msg); err != nil {
			p.logger.Debug("NameChanged relay failed", slog.Any("error", err))
		}
	}
}
