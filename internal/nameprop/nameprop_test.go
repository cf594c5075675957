package nameprop

import (
	"context"
	"testing"

	"github.com/go-alljoyn/ajrouter/internal/ajtypes"
	"github.com/go-alljoyn/ajrouter/internal/nametable"
	"github.com/go-alljoyn/ajrouter/internal/wire"
)

type fakeLookup struct {
	kinds map[ajtypes.EndpointID]ajtypes.EndpointKind
	names map[ajtypes.EndpointID]string
}

func (f *fakeLookup) KindAndName(id ajtypes.EndpointID) (ajtypes.EndpointKind, string, bool) {
	kind, ok := f.kinds[id]
	if !ok {
		return 0, "", false
	}
	return kind, f.names[id], true
}

func TestAddLinkSendsExchangeNamesWithLocalOwnersOnly(t *testing.T) {
	names := nametable.New()
	names.AddUniqueName(":1.1", 1)
	names.AddAlias("org.acme.Svc", 1, 0)

	// A name owned by a virtual endpoint. Virtual owners count as
	// locally announceable, so it is expected in the payload (see below).
	names.SetVirtualAlias("org.other.Svc", 99, "remote-guid")

	lookup := &fakeLookup{
		kinds: map[ajtypes.EndpointID]ajtypes.EndpointKind{1: ajtypes.EndpointLocal, 99: ajtypes.EndpointVirtual},
		names: map[ajtypes.EndpointID]string{1: ":1.1"},
	}

	var sent []*wire.Message
	send := func(_ context.Context, _ ajtypes.EndpointID, msg *wire.Message) error {
		sent = append(sent, msg)
		return nil
	}

	p := New(names, lookup, send, nil)
	p.AddLink(context.Background(), 5, "peer-guid", ajtypes.NameTransferAllNames)

	if len(sent) != 1 {
		t.Fatalf("expected 1 ExchangeNames send, got %d", len(sent))
	}
	owners, ok := sent[0].Body[0].([]NameOwner)
	if !ok {
		t.Fatalf("unexpected body type %T", sent[0].Body[0])
	}
	// org.other.Svc is owned by a Virtual endpoint with no resolvable
	// unique name in this fixture (absent from lookup.names), which is
	// still included since Virtual counts as locally-announceable -- the
	// key exclusion this test targets is an endpoint kind lookup failure
	// or a BusToBus owner, neither of which applies here, so both names
	// are expected.
	if len(owners) != 3 {
		t.Fatalf("expected 3 owned names (unique + alias + virtual), got %d: %v", len(owners), owners)
	}
}

func TestHandleNameChangedDropsLoop(t *testing.T) {
	names := nametable.New()
	lookup := &fakeLookup{kinds: map[ajtypes.EndpointID]ajtypes.EndpointKind{}, names: map[ajtypes.EndpointID]string{}}

	var sent int
	send := func(_ context.Context, _ ajtypes.EndpointID, _ *wire.Message) error {
		sent++
		return nil
	}

	p := New(names, lookup, send, nil)
	p.AddLink(context.Background(), 5, "remote-guid", ajtypes.NameTransferAllNames)
	sent = 0 // AddLink itself sends ExchangeNames; reset for the assertion below

	p.HandleNameChanged(5, "remote-guid", "org.acme.Svc", ":1.9")

	if _, ok := names.FindEndpoint("org.acme.Svc"); ok {
		t.Fatal("looped NameChanged should not have been applied")
	}
	if sent != 0 {
		t.Fatal("looped NameChanged should not be relayed further")
	}
}

func TestHandleNameChangedAppliesAndRelays(t *testing.T) {
	names := nametable.New()
	lookup := &fakeLookup{kinds: map[ajtypes.EndpointID]ajtypes.EndpointKind{}, names: map[ajtypes.EndpointID]string{}}

	var relayed []ajtypes.EndpointID
	send := func(_ context.Context, to ajtypes.EndpointID, _ *wire.Message) error {
		relayed = append(relayed, to)
		return nil
	}

	p := New(names, lookup, send, nil)
	p.AddLink(context.Background(), 5, "guid-a", ajtypes.NameTransferAllNames)
	p.AddLink(context.Background(), 6, "guid-b", ajtypes.NameTransferAllNames)
	relayed = nil

	p.HandleNameChanged(5, "guid-a", "org.acme.Svc", ":1.9")

	owner, ok := names.FindEndpoint("org.acme.Svc")
	if !ok || owner != 5 {
		t.Fatalf("FindEndpoint after NameChanged = %v, %v, want 5,true", owner, ok)
	}
	if len(relayed) != 1 || relayed[0] != 6 {
		t.Fatalf("expected relay only to link 6, got %v", relayed)
	}
}

func TestAnnounceLocalChangeFansOutToEveryLink(t *testing.T) {
	names := nametable.New()
	lookup := &fakeLookup{
		kinds: map[ajtypes.EndpointID]ajtypes.EndpointKind{1: ajtypes.EndpointLocal},
		names: map[ajtypes.EndpointID]string{1: ":1.1"},
	}

	var relayed []ajtypes.EndpointID
	send := func(_ context.Context, to ajtypes.EndpointID, _ *wire.Message) error {
		relayed = append(relayed, to)
		return nil
	}

	p := New(names, lookup, send, nil)
	p.AddLink(context.Background(), 5, "guid-a", ajtypes.NameTransferAllNames)
	p.AddLink(context.Background(), 6, "guid-b", ajtypes.NameTransferAllNames)
	relayed = nil

	owner := ajtypes.EndpointID(1)
	p.AnnounceLocalChange("org.acme.Svc", nil, &owner)

	if len(relayed) != 2 {
		t.Fatalf("expected relay to both links, got %v", relayed)
	}
}
