package session

import (
	"context"
	"testing"
	"time"

	"github.com/go-alljoyn/ajrouter/internal/ajtypes"
	"github.com/go-alljoyn/ajrouter/internal/router"
	"github.com/go-alljoyn/ajrouter/internal/wire"
)

type fakeHandle struct {
	id              ajtypes.EndpointID
	kind            ajtypes.EndpointKind
	uniqueName      string
	remoteProtoVer  ajtypes.ProtocolVersion
	received        []*wire.Message
}

func (f *fakeHandle) ID() ajtypes.EndpointID    { return f.id }
func (f *fakeHandle) Kind() ajtypes.EndpointKind { return f.kind }
func (f *fakeHandle) UniqueName() string        { return f.uniqueName }
func (f *fakeHandle) AllowRemoteMessages() bool  { return true }
func (f *fakeHandle) GetRemoteProtocolVersion() ajtypes.ProtocolVersion {
	return f.remoteProtoVer
}
func (f *fakeHandle) PushMessage(_ context.Context, msg *wire.Message, _ time.Duration) error {
	f.received = append(f.received, msg)
	return nil
}

type fakeLookup struct {
	handles map[ajtypes.EndpointID]*fakeHandle
}

func (l *fakeLookup) Get(id ajtypes.EndpointID) (router.EndpointHandle, bool) {
	h, ok := l.handles[id]
	if !ok {
		return nil, false
	}
	return h, true
}

func newTestManager() (*Manager, *fakeLookup) {
	binder := &fakeHandle{id: 1, kind: ajtypes.EndpointLocal, uniqueName: ":1.1"}
	joinerA := &fakeHandle{id: 2, kind: ajtypes.EndpointLocal, uniqueName: ":1.2"}
	joinerB := &fakeHandle{id: 3, kind: ajtypes.EndpointLocal, uniqueName: ":1.3"}
	lookup := &fakeLookup{handles: map[ajtypes.EndpointID]*fakeHandle{
		1: binder, 2: joinerA, 3: joinerB,
	}}
	core := router.New(lookup, 0, nil)
	mgr := New(core, lookup, nil)
	return mgr, lookup
}

func TestJoinSessionLocalMultipointSharesOneSession(t *testing.T) {
	mgr, _ := newTestManager()
	defer mgr.Close()

	opts := ajtypes.SessionOpts{Traffic: ajtypes.TrafficMessages, Transports: ajtypes.TransportTCP, IsMultipoint: true}
	port, bindResult := mgr.BindSessionPort("org.acme.Chat", 1, ajtypes.PortAny, opts, nil)
	if bindResult != ajtypes.BindSuccess {
		t.Fatalf("BindSessionPort = %v", bindResult)
	}

	sid1, _, r1 := mgr.JoinSession(context.Background(), 2, ":1.2", "org.acme.Chat", port, opts)
	if r1 != ajtypes.JoinSuccess {
		t.Fatalf("first join = %v", r1)
	}
	sid2, _, r2 := mgr.JoinSession(context.Background(), 3, ":1.3", "org.acme.Chat", port, opts)
	if r2 != ajtypes.JoinSuccess {
		t.Fatalf("second join = %v", r2)
	}
	if sid1 != sid2 {
		t.Fatalf("multipoint joins got different session ids: %d vs %d", sid1, sid2)
	}
}

func TestJoinSessionRejectsBadOpts(t *testing.T) {
	mgr, _ := newTestManager()
	defer mgr.Close()

	bad := ajtypes.SessionOpts{Traffic: ajtypes.TrafficRawUnreliable}
	_, _, result := mgr.JoinSession(context.Background(), 2, ":1.2", "org.acme.Chat", 42, bad)
	if result != ajtypes.JoinBadSessionOpts {
		t.Fatalf("JoinSession with bad opts = %v, want JoinBadSessionOpts", result)
	}
}

func TestRemoveSessionMemberRequiresBinder(t *testing.T) {
	mgr, lookup := newTestManager()
	defer mgr.Close()

	opts := ajtypes.SessionOpts{Traffic: ajtypes.TrafficMessages, Transports: ajtypes.TransportTCP, IsMultipoint: true}
	port, _ := mgr.BindSessionPort("org.acme.Chat", 1, ajtypes.PortAny, opts, nil)
	sid, _, _ := mgr.JoinSession(context.Background(), 2, ":1.2", "org.acme.Chat", port, opts)

	if result := mgr.RemoveSessionMember(context.Background(), 2, sid, 2); result != ajtypes.RemoveNotBinder {
		t.Fatalf("non-binder RemoveSessionMember = %v, want RemoveNotBinder", result)
	}

	if result := mgr.RemoveSessionMember(context.Background(), 1, sid, 2); result != ajtypes.RemoveSuccess {
		t.Fatalf("binder RemoveSessionMember = %v, want RemoveSuccess", result)
	}

	joinerA := lookup.handles[2]
	if len(joinerA.received) == 0 {
		t.Fatal("expected removed member to receive a SessionLost notification")
	}
}

func TestOnEndpointGoneTearsDownPointToPointSession(t *testing.T) {
	mgr, lookup := newTestManager()
	defer mgr.Close()

	opts := ajtypes.SessionOpts{Traffic: ajtypes.TrafficMessages, Transports: ajtypes.TransportTCP}
	port, _ := mgr.BindSessionPort("org.acme.Chat", 1, ajtypes.PortAny, opts, nil)
	sid, _, result := mgr.JoinSession(context.Background(), 2, ":1.2", "org.acme.Chat", port, opts)
	if result != ajtypes.JoinSuccess {
		t.Fatalf("join = %v", result)
	}

	mgr.OnEndpointGone(context.Background(), 1)

	if err := mgr.DetachSession(context.Background(), sid, ":1.2"); err == nil {
		t.Fatal("expected session to already be torn down")
	}

	joinerA := lookup.handles[2]
	if len(joinerA.received) == 0 {
		t.Fatal("expected surviving member to receive a SessionLost notification")
	}
}
