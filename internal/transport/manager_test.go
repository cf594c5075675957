package transport

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-alljoyn/ajrouter/internal/ajtypes"
	"github.com/go-alljoyn/ajrouter/internal/endpoint"
	"github.com/go-alljoyn/ajrouter/internal/wire"
)

func TestManagerServeAuthenticatesAndRegisters(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}

	var nextID atomic.Uint64
	factory := func(conn net.Conn, kind ajtypes.EndpointKind, _ wire.GUID) *endpoint.Endpoint {
		id := ajtypes.EndpointID(nextID.Add(1))
		return endpoint.New(id, kind, "", NewConnSender(conn))
	}

	registered := make(chan *endpoint.Endpoint, 1)
	mgr := NewManager(Config{MaxConnections: 8, MaxIncompleteConnections: 8}, ExternalAuthenticator{}, "server-guid", factory, func(ep *endpoint.Endpoint) {
		registered <- ep
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Serve(ctx, ln, ajtypes.EndpointBusToBus)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("net.Dial: %v", err)
	}
	defer conn.Close()

	if err := authenticateOutbound(context.Background(), conn, "client-guid"); err != nil {
		t.Fatalf("authenticateOutbound: %v", err)
	}

	select {
	case ep := <-registered:
		if ep.Kind() != ajtypes.EndpointBusToBus {
			t.Fatalf("unexpected endpoint kind %v", ep.Kind())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for endpoint registration")
	}

	_, authenticated := mgr.Counts()
	if authenticated != 1 {
		t.Fatalf("expected 1 authenticated endpoint, got %d", authenticated)
	}
}

func TestManagerRejectsBeyondMaxIncompleteConnections(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}

	factory := func(conn net.Conn, kind ajtypes.EndpointKind, _ wire.GUID) *endpoint.Endpoint {
		return endpoint.New(1, kind, "", NewConnSender(conn))
	}

	mgr := NewManager(Config{MaxConnections: 8, MaxIncompleteConnections: 1}, ExternalAuthenticator{}, "server-guid", factory, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Serve(ctx, ln, ajtypes.EndpointBusToBus)

	// This connection never authenticates, so it holds the only
	// incomplete-connection slot for the rest of the test.
	holder, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("net.Dial: %v", err)
	}
	defer holder.Close()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("net.Dial: %v", err)
	}
	defer conn.Close()

	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected the connection to be closed immediately when no incomplete-connection slots are available")
	}
}
