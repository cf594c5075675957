package router

import (
	"context"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/go-alljoyn/ajrouter/internal/ajtypes"
	"github.com/go-alljoyn/ajrouter/internal/ruletable"
	"github.com/go-alljoyn/ajrouter/internal/wire"
)

type fakeHandle struct {
	id          ajtypes.EndpointID
	kind        ajtypes.EndpointKind
	uniqueName  string
	allowRemote bool
	received    []*wire.Message
}

func (f *fakeHandle) ID() ajtypes.EndpointID                  { return f.id }
func (f *fakeHandle) Kind() ajtypes.EndpointKind               { return f.kind }
func (f *fakeHandle) UniqueName() string                      { return f.uniqueName }
func (f *fakeHandle) AllowRemoteMessages() bool                { return f.allowRemote }
func (f *fakeHandle) GetRemoteProtocolVersion() ajtypes.ProtocolVersion { return 0 }
func (f *fakeHandle) PushMessage(_ context.Context, msg *wire.Message, _ time.Duration) error {
	f.received = append(f.received, msg)
	return nil
}

type fakeLookup struct {
	handles map[ajtypes.EndpointID]*fakeHandle
}

func (l *fakeLookup) Get(id ajtypes.EndpointID) (EndpointHandle, bool) {
	h, ok := l.handles[id]
	if !ok {
		return nil, false
	}
	return h, true
}

func TestPushUnicastDeliversToOwner(t *testing.T) {
	svc := &fakeHandle{id: 2, kind: ajtypes.EndpointLocal, allowRemote: true}
	lookup := &fakeLookup{handles: map[ajtypes.EndpointID]*fakeHandle{2: svc}}
	core := New(lookup, 1, nil)

	if err := core.Names.AddUniqueName(":1.2", 2); err != nil {
		t.Fatal(err)
	}

	result := core.PushMessage(context.Background(), &wire.Message{Destination: ":1.2"}, 1)
	if result != ajtypes.PushOk {
		t.Fatalf("PushMessage = %v, want PushOk", result)
	}
	if len(svc.received) != 1 {
		t.Fatalf("expected 1 delivered message, got %d", len(svc.received))
	}
}

func TestPushUnicastNoRouteRepliesServiceUnknown(t *testing.T) {
	sender := &fakeHandle{id: 1, kind: ajtypes.EndpointLocal}
	lookup := &fakeLookup{handles: map[ajtypes.EndpointID]*fakeHandle{1: sender}}
	core := New(lookup, 99, nil)

	msg := &wire.Message{Destination: "org.acme.NoOne", Type: dbus.TypeMethodCall, Serial: 7}
	result := core.PushMessage(context.Background(), msg, 1)
	if result != ajtypes.PushNoRoute {
		t.Fatalf("PushMessage = %v, want PushNoRoute", result)
	}
	if len(sender.received) != 1 {
		t.Fatalf("expected synthetic error reply, got %d messages", len(sender.received))
	}
	if sender.received[0].Member != wire.ErrNameServiceUnknown {
		t.Fatalf("reply errName = %q", sender.received[0].Member)
	}
}

func TestPushUnicastBlocksRemoteWhenDisallowed(t *testing.T) {
	b2b := &fakeHandle{id: 1, kind: ajtypes.EndpointBusToBus}
	dest := &fakeHandle{id: 2, kind: ajtypes.EndpointLocal, allowRemote: false}
	lookup := &fakeLookup{handles: map[ajtypes.EndpointID]*fakeHandle{1: b2b, 2: dest}}
	core := New(lookup, 99, nil)

	if err := core.Names.AddUniqueName(":1.2", 2); err != nil {
		t.Fatal(err)
	}

	msg := &wire.Message{Destination: ":1.2", Type: dbus.TypeMethodCall, Flags: wire.FlagNoReplyExpected}
	result := core.PushMessage(context.Background(), msg, 1)
	if result != ajtypes.PushBlocked {
		t.Fatalf("PushMessage = %v, want PushBlocked", result)
	}
	if len(dest.received) != 0 {
		t.Fatal("blocked destination should not have received the message")
	}
}

func TestPushBroadcastMatchesRuleTableOncePerEndpoint(t *testing.T) {
	sub := &fakeHandle{id: 2, kind: ajtypes.EndpointLocal}
	lookup := &fakeLookup{handles: map[ajtypes.EndpointID]*fakeHandle{2: sub}}
	core := New(lookup, 1, nil)
	core.Rules.AddRule(ruletable.Rule{Endpoint: 2, Interface: "org.acme.Signals"})

	msg := &wire.Message{Type: dbus.TypeSignal, Interface: "org.acme.Signals"}
	result := core.PushMessage(context.Background(), msg, 1)
	if result != ajtypes.PushOk {
		t.Fatalf("PushMessage = %v, want PushOk", result)
	}
	if len(sub.received) != 1 {
		t.Fatalf("expected 1 broadcast delivery, got %d", len(sub.received))
	}
}

func TestPushSessionCastDeliversOncePerGroup(t *testing.T) {
	memberA := &fakeHandle{id: 10, kind: ajtypes.EndpointLocal}
	memberB := &fakeHandle{id: 11, kind: ajtypes.EndpointLocal}
	lookup := &fakeLookup{handles: map[ajtypes.EndpointID]*fakeHandle{10: memberA, 11: memberB}}
	core := New(lookup, 1, nil)

	core.InstallSessionRoute(":1.1", 42, CastRoute{GroupKey: 10, Dest: 10})
	core.InstallSessionRoute(":1.1", 42, CastRoute{GroupKey: 11, Dest: 11})

	msg := &wire.Message{Sender: ":1.1", SessionID: 42}
	result := core.PushMessage(context.Background(), msg, 1)
	if result != ajtypes.PushOk {
		t.Fatalf("PushMessage = %v, want PushOk", result)
	}
	if len(memberA.received) != 1 || len(memberB.received) != 1 {
		t.Fatalf("expected 1 delivery each, got %d and %d", len(memberA.received), len(memberB.received))
	}
}
