//go:build integration

// Package integration_test exercises the Session Manager and Router Core
// wired together the way cmd/ajbusd wires them, the same "spin up the
// real collaborators in-process and drive them end to end" shape as the
// teacher's test/integration package, narrowed here to local-only
// scenarios that do not require a second router process.
package integration_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-alljoyn/ajrouter/internal/ajtypes"
	"github.com/go-alljoyn/ajrouter/internal/arena"
	"github.com/go-alljoyn/ajrouter/internal/endpoint"
	"github.com/go-alljoyn/ajrouter/internal/router"
	"github.com/go-alljoyn/ajrouter/internal/session"
	"github.com/go-alljoyn/ajrouter/internal/wire"
)

// capturingSender records every message pushed to it, standing in for a
// real transport connection. Endpoint delivery happens on the endpoint's
// own TX goroutine, so access is guarded by a mutex.
type capturingSender struct {
	mu       sync.Mutex
	received []*wire.Message
}

func (s *capturingSender) Send(_ context.Context, msg *wire.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, msg)
	return nil
}

func (s *capturingSender) Close() error { return nil }

func (s *capturingSender) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

func (s *capturingSender) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = nil
}

func (s *capturingSender) at(i int) *wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received[i]
}

// busEnv bundles a router Core and Session Manager with a real arena, the
// same collaborators cmd/ajbusd wires, so integration scenarios exercise
// the actual routing and session-lifecycle code rather than fakes.
type busEnv struct {
	arena    *arena.Arena
	core     *router.Core
	sessions *session.Manager
}

func newBusEnv(t *testing.T) *busEnv {
	t.Helper()
	a := arena.New()
	core := router.New(a, 0, nil)
	sessions := session.New(core, a, nil)
	t.Cleanup(sessions.Close)
	return &busEnv{arena: a, core: core, sessions: sessions}
}

// addLocalEndpoint mints an id, builds a Local endpoint backed by a
// capturingSender, registers its unique name in the name table, and
// stores it in the arena so the router can route to it.
func (e *busEnv) addLocalEndpoint(t *testing.T, uniqueName string) (ajtypes.EndpointID, *capturingSender) {
	t.Helper()
	sender := &capturingSender{}
	id := e.arena.Mint()
	ep := endpoint.New(id, ajtypes.EndpointLocal, uniqueName, sender)
	t.Cleanup(func() { ep.Stop(endpoint.DisconnectClean) })
	e.arena.Store(ep)
	if err := e.core.Names.AddUniqueName(uniqueName, id); err != nil {
		t.Fatalf("AddUniqueName(%s): %v", uniqueName, err)
	}
	return id, sender
}

// TestSelfJoinRejected covers scenario S1: a binder joining its own
// session is rejected with AlreadyJoined and the session's membership is
// unchanged.
func TestSelfJoinRejected(t *testing.T) {
	env := newBusEnv(t)
	a, _ := env.addLocalEndpoint(t, ":1.1")

	opts := ajtypes.SessionOpts{Traffic: ajtypes.TrafficMessages, Transports: ajtypes.TransportTCP}
	port, bindResult := env.sessions.BindSessionPort(":1.1", a, 42, opts, nil)
	if bindResult != ajtypes.BindSuccess {
		t.Fatalf("BindSessionPort = %v", bindResult)
	}

	_, _, result := env.sessions.JoinSession(context.Background(), a, ":1.1", ":1.1", port, opts)
	if result != ajtypes.JoinAlreadyJoined {
		t.Fatalf("self-join result = %v, want AlreadyJoined", result)
	}
}

// TestTwoPartyLocalSessionLifecycle covers scenario S2: A binds a
// point-to-point port, B joins, B sends a session-cast signal that A
// alone receives, and B leaving notifies A with SessionLost.
func TestTwoPartyLocalSessionLifecycle(t *testing.T) {
	env := newBusEnv(t)
	a, aSender := env.addLocalEndpoint(t, ":1.1")
	b, _ := env.addLocalEndpoint(t, ":1.2")

	opts := ajtypes.SessionOpts{Traffic: ajtypes.TrafficMessages, Transports: ajtypes.TransportTCP}
	port, bindResult := env.sessions.BindSessionPort(":1.1", a, 42, opts, nil)
	if bindResult != ajtypes.BindSuccess {
		t.Fatalf("BindSessionPort = %v", bindResult)
	}

	ctx := context.Background()
	sid, _, joinResult := env.sessions.JoinSession(ctx, b, ":1.2", ":1.1", port, opts)
	if joinResult != ajtypes.JoinSuccess {
		t.Fatalf("JoinSession = %v", joinResult)
	}
	if sid == 0 {
		t.Fatal("JoinSession returned a zero session id")
	}

	if !waitFor(t, func() bool { return aSender.len() == 1 }, time.Second) {
		t.Fatalf("A received %d messages, want exactly 1 SessionJoined", aSender.len())
	}
	if got := aSender.at(0).Member; got != wire.SignalSessionJoined {
		t.Errorf("A's notification member = %q, want %q", got, wire.SignalSessionJoined)
	}
	aSender.reset()

	signal := &wire.Message{Sender: ":1.2", SessionID: sid, Member: "Ping"}
	if result := env.core.PushMessage(ctx, signal, b); result != ajtypes.PushOk {
		t.Fatalf("session-cast PushMessage = %v", result)
	}
	if !waitFor(t, func() bool { return aSender.len() == 1 }, time.Second) {
		t.Fatalf("A received %d session-cast messages, want exactly 1", aSender.len())
	}
	aSender.reset()

	if err := env.sessions.Leave(ctx, b, sid); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if !waitFor(t, func() bool { return aSender.len() == 1 }, time.Second) {
		t.Fatalf("A received %d messages after Leave, want exactly 1 SessionLost", aSender.len())
	}
	if got := aSender.at(0).Member; got != wire.SignalSessionLostReason {
		t.Errorf("A's teardown notification member = %q, want %q", got, wire.SignalSessionLostReason)
	}
}

func waitFor(t *testing.T, cond func() bool, timeout time.Duration) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}
