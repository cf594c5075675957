package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/go-alljoyn/ajrouter/internal/ajtypes"
	"github.com/go-alljoyn/ajrouter/internal/endpoint"
	"github.com/go-alljoyn/ajrouter/internal/wire"
)

// Config bounds the connection lifecycle the same way the spec's
// maxConnections/maxIncompleteConnections ceilings do: a connection still
// negotiating SASL occupies an "incomplete" slot, separate from the
// authenticated endpoint slot it moves into on success, so a flood of
// connections stuck mid-handshake cannot by itself starve already-running
// endpoints.
type Config struct {
	MaxConnections           int
	MaxIncompleteConnections int
}

// EndpointFactory mints the router-facing endpoint.Endpoint for a freshly
// authenticated connection. The caller supplies this so that internal/transport
// never needs to know about the name table or router core directly --
// mirroring the same "define the seam where it's consumed" shape as
// router.EndpointLookup.
type EndpointFactory func(conn net.Conn, kind ajtypes.EndpointKind, remoteGUID wire.GUID) *endpoint.Endpoint

// EndpointRegistrar is notified once an inbound or outbound connection has
// authenticated and its endpoint has been minted, so the caller can install
// it into the name table / router core / name propagation link set.
type EndpointRegistrar func(ep *endpoint.Endpoint)

// Manager owns the dual AuthList/EndpointList bookkeeping across every
// listener this router runs, grounded on internal/bfd/manager.go's single
// mutex-guarded-map-pair Manager shape (sessions/sessionsByPeer there,
// incomplete/endpoints here).
type Manager struct {
	mu         sync.Mutex
	cfg        Config
	incomplete map[net.Conn]struct{}
	endpoints  map[ajtypes.EndpointID]*endpoint.Endpoint

	auth      AuthEngine
	localGUID wire.GUID
	factory   EndpointFactory
	register  EndpointRegistrar
	logger    *slog.Logger
}

// NewManager constructs a Manager. auth performs the inbound SASL
// handshake; factory mints the endpoint once a connection authenticates;
// register hands the new endpoint to the caller's wiring (name table,
// router core, name propagation).
func NewManager(cfg Config, auth AuthEngine, localGUID wire.GUID, factory EndpointFactory, register EndpointRegistrar, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:        cfg,
		incomplete: make(map[net.Conn]struct{}),
		endpoints:  make(map[ajtypes.EndpointID]*endpoint.Endpoint),
		auth:       auth,
		localGUID:  localGUID,
		factory:    factory,
		register:   register,
		logger:     logger.With(slog.String("component", "transport")),
	}
}

// Serve accepts connections from ln until ctx is done or Accept returns an
// error (any error; none is retried), authenticating each one and registering it as kind
// (typically ajtypes.EndpointBusToBus for a TCP listener used between
// routers, ajtypes.EndpointRemote for a local client transport).
func (m *Manager) Serve(ctx context.Context, ln net.Listener, kind ajtypes.EndpointKind) error {
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		if !m.reserveIncomplete(conn) {
			m.logger.Warn("rejecting connection: too many incomplete connections", slog.String("remote", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}

		go m.handleInbound(ctx, conn, kind)
	}
}

func (m *Manager) handleInbound(ctx context.Context, conn net.Conn, kind ajtypes.EndpointKind) {
	defer m.releaseIncomplete(conn)

	actx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	if _, err := m.auth.Authenticate(actx, conn, m.localGUID); err != nil {
		m.logger.Debug("inbound authentication failed", slog.Any("error", err))
		conn.Close()
		return
	}

	m.admitEndpoint(conn, kind, "")
}

// Connect dials the first reachable candidate bus address, retrying each
// one with exponential backoff (cenkalti/backoff/v4, §1B) before falling
// through to the next candidate in the list (§4.6.2 "Attempt
// Transport.Connect on each bus address in order").
func (m *Manager) Connect(ctx context.Context, candidates []BusAddress) (net.Conn, error) {
	var lastErr error

	for _, addr := range candidates {
		target, err := addr.DialTarget()
		if err != nil {
			lastErr = err
			continue
		}

		network := addr.Network()
		var dialer net.Dialer
		var conn net.Conn

		policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
		opErr := backoff.Retry(func() error {
			c, dialErr := dialer.DialContext(ctx, network, target)
			if dialErr != nil {
				return dialErr
			}
			conn = c
			return nil
		}, backoff.WithContext(policy, ctx))

		if opErr == nil {
			return conn, nil
		}
		lastErr = opErr
		m.logger.Debug("connect candidate failed", slog.String("address", addr.String()), slog.Any("error", opErr))
	}

	if lastErr == nil {
		lastErr = ErrAllCandidatesFailed
	}
	return nil, fmt.Errorf("connect: %w: %w", ErrAllCandidatesFailed, lastErr)
}

// DialAndAuthenticate connects to one of candidates and drives the
// outbound half of a SASL EXTERNAL handshake, then admits the resulting
// connection as a bus-to-bus endpoint (§4.6.2's outbound path).
func (m *Manager) DialAndAuthenticate(ctx context.Context, candidates []BusAddress, remoteGUID wire.GUID) (*endpoint.Endpoint, error) {
	conn, err := m.Connect(ctx, candidates)
	if err != nil {
		return nil, err
	}

	if err := authenticateOutbound(ctx, conn, m.localGUID); err != nil {
		conn.Close()
		return nil, fmt.Errorf("dial and authenticate: %w", err)
	}

	ep, err := m.admitEndpoint(conn, ajtypes.EndpointBusToBus, remoteGUID)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ep, nil
}

func (m *Manager) admitEndpoint(conn net.Conn, kind ajtypes.EndpointKind, remoteGUID wire.GUID) (*endpoint.Endpoint, error) {
	if !m.reserveEndpointSlot() {
		return nil, ErrTooManyConnections
	}

	ep := m.factory(conn, kind, remoteGUID)

	m.mu.Lock()
	m.endpoints[ep.ID()] = ep
	m.mu.Unlock()

	if m.register != nil {
		m.register(ep)
	}
	return ep, nil
}

// Forget drops bookkeeping for an endpoint that has exited, freeing its
// EndpointList slot. Callers typically invoke this from an
// endpoint.ExitCallback.
func (m *Manager) Forget(id ajtypes.EndpointID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.endpoints, id)
}

func (m *Manager) reserveIncomplete(conn net.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.MaxIncompleteConnections > 0 && len(m.incomplete) >= m.cfg.MaxIncompleteConnections {
		return false
	}
	m.incomplete[conn] = struct{}{}
	return true
}

func (m *Manager) releaseIncomplete(conn net.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.incomplete, conn)
}

func (m *Manager) reserveEndpointSlot() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.MaxConnections > 0 && len(m.endpoints) >= m.cfg.MaxConnections {
		return false
	}
	return true
}

// Counts returns the current (incomplete, authenticated) connection counts.
func (m *Manager) Counts() (incomplete, authenticated int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.incomplete), len(m.endpoints)
}

// EndpointInfo is a read-only view of one authenticated endpoint, exposed to
// the admin HTTP API's endpoint listing.
type EndpointInfo struct {
	ID         ajtypes.EndpointID
	Kind       ajtypes.EndpointKind
	UniqueName string
	RemoteGUID wire.GUID
	KAState    endpoint.KAState
}

// Snapshot returns a point-in-time view of every authenticated endpoint.
func (m *Manager) Snapshot() []EndpointInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EndpointInfo, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		out = append(out, EndpointInfo{
			ID:         ep.ID(),
			Kind:       ep.Kind(),
			UniqueName: ep.UniqueName(),
			RemoteGUID: ep.RemoteGUID(),
			KAState:    ep.KAState(),
		})
	}
	return out
}

// authenticateOutbound drives the client side of the SASL EXTERNAL
// handshake ExternalAuthenticator.Authenticate drives from the server
// side: send the leading NUL, send AUTH EXTERNAL, read OK, send BEGIN.
func authenticateOutbound(ctx context.Context, conn net.Conn, localGUID wire.GUID) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(authTimeout))
	}
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.Write([]byte{0}); err != nil {
		return fmt.Errorf("write leading NUL: %w", err)
	}
	if _, err := conn.Write([]byte("AUTH EXTERNAL\r\n")); err != nil {
		return fmt.Errorf("write AUTH EXTERNAL: %w", err)
	}

	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("read OK: %w", err)
	}
	if n < 2 || string(buf[:2]) != "OK" {
		return fmt.Errorf("%w: unexpected server reply", ErrAuthFailed)
	}

	if _, err := conn.Write([]byte("BEGIN\r\n")); err != nil {
		return fmt.Errorf("write BEGIN: %w", err)
	}
	return nil
}
