// Package endpoint implements the router's polymorphic Endpoint variant
// (§3, §4.1): the message source/sink abstraction with RX/TX pipelines,
// keepalive probing, and bounded-queue push-back. The goroutine-owned,
// atomic-external-read structure and functional-options constructor follow
// the teacher's internal/bfd/session.go pattern; the keepalive state
// machine follows internal/bfd/fsm.go.
package endpoint

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/go-alljoyn/ajrouter/internal/ajtypes"
	"github.com/go-alljoyn/ajrouter/internal/wire"
)

// RunState is the lifecycle state from §3 "Lifecycle": Authenticating ->
// Active -> Stopping -> Joined.
type RunState uint32

const (
	StateAuthenticating RunState = iota
	StateActive
	StateStopping
	StateJoined
)

func (s RunState) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	case StateJoined:
		return "joined"
	default:
		return "unknown"
	}
}

// DisconnectReason distinguishes clean shutdown from peer-error teardown
// (§4.1 "sudden-disconnect flag").
type DisconnectReason uint8

const (
	DisconnectNone DisconnectReason = iota
	DisconnectClean
	DisconnectTimeout
	DisconnectIOError
	DisconnectClosingForShutdown
)

// Sender is the narrow transport capability an Endpoint drains its TX
// queue into. A real implementation writes framed bytes to a net.Conn
// through the external Codec; tests substitute an in-memory sender.
type Sender interface {
	Send(ctx context.Context, msg *wire.Message) error
	Close() error
}

// ExitCallback is invoked exactly once when an endpoint dies, regardless of
// cause (§4.1 "triggers ExitCallback, which notifies listeners exactly
// once").
type ExitCallback func(ep *Endpoint, reason DisconnectReason)

// Option configures an Endpoint at construction time.
type Option func(*Endpoint)

// WithIdleTimeout overrides the default keepalive idle timeout.
func WithIdleTimeout(d time.Duration) Option { return func(e *Endpoint) { e.idleTimeout = d } }

// WithProbeTimeout overrides the default keepalive probe timeout.
func WithProbeTimeout(d time.Duration) Option { return func(e *Endpoint) { e.probeTimeout = d } }

// WithMaxIdleProbes overrides the default maxIdleProbes count.
func WithMaxIdleProbes(n int) Option { return func(e *Endpoint) { e.maxIdleProbes = n } }

// WithMaxTXQueue overrides MaxTXQueue for this endpoint.
func WithMaxTXQueue(n int) Option {
	return func(e *Endpoint) { e.tx = newTXQueue(n) }
}

// WithExitCallback registers the listener notified on endpoint death.
func WithExitCallback(cb ExitCallback) Option { return func(e *Endpoint) { e.onExit = cb } }

// WithAllowRemoteMessages sets the initial AllowRemoteMessages capability.
func WithAllowRemoteMessages(allow bool) Option {
	return func(e *Endpoint) { e.allowRemote.Store(allow) }
}

// WithLogger attaches a structured logger.
func WithLogger(l *slog.Logger) Option { return func(e *Endpoint) { e.logger = l } }

const (
	defaultIdleTimeout   = 20 * time.Second
	defaultProbeTimeout  = 5 * time.Second
	defaultMaxIdleProbes = 3
)

// Endpoint is a single variant instance. Kind and UniqueName are immutable
// after construction; RunState, the keepalive state, and the disconnect
// reason are mutated only by the endpoint's own goroutine and published
// through atomics for lock-free external reads, mirroring the teacher's
// Session struct.
type Endpoint struct {
	id         ajtypes.EndpointID
	kind       ajtypes.EndpointKind
	uniqueName string

	sender Sender
	tx     *txQueue

	state       atomic.Uint32 // RunState
	kaState     atomic.Uint32 // KAState, published for tests/metrics; owned by the keepalive goroutine
	probeCount  atomic.Int32
	allowRemote atomic.Bool
	pauseAfterReply atomic.Bool

	disconnectReason atomic.Uint32
	remoteGUID       atomic.Value // wire.GUID
	remoteProtoVer   atomic.Uint32

	idleTimeout   time.Duration
	probeTimeout  time.Duration
	maxIdleProbes int

	onExit ExitCallback
	logger *slog.Logger

	cancel    context.CancelFunc
	doneCh    chan struct{}
	exitOnce  sync.Once
	byteSeen  chan struct{} // best-effort RX-activity signal, buffered 1
	probeAck  chan struct{}
}

// New constructs an Endpoint bound to sender (nil for Local/Null variants,
// which never perform network I/O) and starts its TX and keepalive
// goroutines. The returned context.CancelFunc-driven lifecycle is torn
// down by Stop.
func New(id ajtypes.EndpointID, kind ajtypes.EndpointKind, uniqueName string, sender Sender, opts ...Option) *Endpoint {
	ctx, cancel := context.WithCancel(context.Background())

	e := &Endpoint{
		id:            id,
		kind:          kind,
		uniqueName:    uniqueName,
		sender:        sender,
		tx:            newTXQueue(MaxTXQueue),
		idleTimeout:   defaultIdleTimeout,
		probeTimeout:  defaultProbeTimeout,
		maxIdleProbes: defaultMaxIdleProbes,
		logger:        slog.Default(),
		cancel:        cancel,
		doneCh:        make(chan struct{}),
		byteSeen:      make(chan struct{}, 1),
		probeAck:      make(chan struct{}, 1),
	}
	e.state.Store(uint32(StateAuthenticating))
	e.kaState.Store(uint32(KAIdle))
	e.remoteGUID.Store(wire.GUID(""))

	for _, opt := range opts {
		opt(e)
	}

	e.logger = e.logger.With(
		slog.Uint64("endpoint_id", uint64(id)),
		slog.String("kind", kind.String()),
	)

	if sender != nil {
		go e.runTX(ctx)
		go e.runKeepalive(ctx)
	}

	return e
}

// ID returns the arena key for this endpoint.
func (e *Endpoint) ID() ajtypes.EndpointID { return e.id }

// Kind returns the endpoint's variant tag.
func (e *Endpoint) Kind() ajtypes.EndpointKind { return e.kind }

// UniqueName returns the endpoint's DBus unique name ("GetUniqueName").
func (e *Endpoint) UniqueName() string { return e.uniqueName }

// AllowRemoteMessages reports the current AllowRemoteMessages capability.
func (e *Endpoint) AllowRemoteMessages() bool { return e.allowRemote.Load() }

// SetAllowRemoteMessages updates the capability (local attachments may
// toggle this after connecting).
func (e *Endpoint) SetAllowRemoteMessages(v bool) { e.allowRemote.Store(v) }

// State returns the current lifecycle state.
func (e *Endpoint) State() RunState { return RunState(e.state.Load()) }

// SetActive transitions an authenticating endpoint to Active, starting
// normal RX/TX operation (§4.2: "Auth task ... succeeds -> endpoint moves
// to EndpointList, RX/TX pipelines start").
func (e *Endpoint) SetActive() { e.state.Store(uint32(StateActive)) }

// SetRemoteInfo records the negotiated remote GUID and protocol version
// for a BusToBus endpoint, available after authentication completes
// (§4.1 "GetRemoteProtocolVersion").
func (e *Endpoint) SetRemoteInfo(guid wire.GUID, protocolVersion ajtypes.ProtocolVersion) {
	e.remoteGUID.Store(guid)
	e.remoteProtoVer.Store(uint32(protocolVersion))
}

// RemoteGUID returns the negotiated remote router GUID, empty until
// authentication completes.
func (e *Endpoint) RemoteGUID() wire.GUID { return e.remoteGUID.Load().(wire.GUID) }

// GetRemoteProtocolVersion returns the negotiated protocol version.
func (e *Endpoint) GetRemoteProtocolVersion() ajtypes.ProtocolVersion {
	return ajtypes.ProtocolVersion(e.remoteProtoVer.Load())
}

// PauseAfterRxReply arms a one-shot that suspends RX after the next
// METHOD_RETURN (§4.1), used to hand off a raw-traffic session without
// consuming a stray byte.
func (e *Endpoint) PauseAfterRxReply() { e.pauseAfterReply.Store(true) }

// OnMethodReturnObserved is called by the RX pipeline after delivering a
// METHOD_RETURN; it reports whether RX should now pause (the raw-session
// handoff point).
func (e *Endpoint) OnMethodReturnObserved() bool {
	return e.pauseAfterReply.CompareAndSwap(true, false)
}

// NotifyBytesReceived feeds the keepalive FSM: call this whenever any byte
// arrives on the RX pipeline.
func (e *Endpoint) NotifyBytesReceived() {
	select {
	case e.byteSeen <- struct{}{}:
	default:
	}
}

// NotifyProbeAck feeds the keepalive FSM when a ProbeAck arrives.
func (e *Endpoint) NotifyProbeAck() {
	select {
	case e.probeAck <- struct{}{}:
	default:
	}
}

// KAState returns the current keepalive state, for tests and metrics.
func (e *Endpoint) KAState() KAState { return KAState(e.kaState.Load()) }

// PushMessage enqueues msg for transmission, subject to the bounded-FIFO
// backpressure contract (§4.1). ttl of 0 uses defaultTTL.
func (e *Endpoint) PushMessage(ctx context.Context, msg *wire.Message, ttl time.Duration) error {
	if e.State() == StateStopping || e.State() == StateJoined {
		return ajtypes.ErrEndpointClosing
	}
	return e.tx.Push(ctx, msg, ttl)
}

// TXQueueLen reports the current TX FIFO depth (diagnostics, admin API).
func (e *Endpoint) TXQueueLen() int { return e.tx.Len() }

// Stop tears the endpoint down. Idempotent (§4.1 "Stop() may be called
// repeatedly").
func (e *Endpoint) Stop(reason DisconnectReason) {
	e.exitOnce.Do(func() {
		e.state.Store(uint32(StateStopping))
		e.disconnectReason.Store(uint32(reason))
		e.tx.Close()
		e.cancel()
		if e.sender != nil {
			_ = e.sender.Close()
		}
		close(e.doneCh)
		e.state.Store(uint32(StateJoined))
		if e.onExit != nil {
			e.onExit(e, reason)
		}
	})
}

// StopAfterTxEmpty waits until the TX FIFO drains or maxWait elapses,
// then tears the endpoint down (§4.1).
func (e *Endpoint) StopAfterTxEmpty(maxWait time.Duration) {
	deadline := time.After(maxWait)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if e.tx.Len() == 0 {
			e.Stop(DisconnectClean)
			return
		}
		select {
		case <-deadline:
			e.Stop(DisconnectClean)
			return
		case <-ticker.C:
		}
	}
}

// Done returns a channel closed once the endpoint has fully stopped.
func (e *Endpoint) Done() <-chan struct{} { return e.doneCh }

// DisconnectReason returns the recorded teardown reason.
func (e *Endpoint) DisconnectReason() DisconnectReason {
	return DisconnectReason(e.disconnectReason.Load())
}

// runTX drains the TX FIFO to the sender until the endpoint is stopped.
func (e *Endpoint) runTX(ctx context.Context) {
	for {
		msg, ok := e.tx.Pop(ctx)
		if !ok {
			return
		}
		if err := e.sender.Send(ctx, msg); err != nil {
			e.logger.Warn("endpoint send failed", slog.Any("error", err))
			go e.Stop(DisconnectIOError)
			return
		}
	}
}

// runKeepalive drives the KAState FSM (§4.1): idle timer, probe timer, and
// the retry-vs-dead decision, entirely through ApplyKAEvent so the
// transition logic itself stays a pure, independently testable function.
func (e *Endpoint) runKeepalive(ctx context.Context) {
	state := KAIdle
	idleTimer := time.NewTimer(e.idleTimeout)
	var probeTimer *time.Timer
	defer func() {
		idleTimer.Stop()
		if probeTimer != nil {
			probeTimer.Stop()
		}
	}()

	apply := func(ev KAEvent) {
		res := ApplyKAEvent(state, ev)
		state = res.NewState
		e.kaState.Store(uint32(state))
		for _, action := range res.Actions {
			switch action {
			case ActionSendProbe:
				e.sendProbe(ctx)
				if ev == EventIdleTimeout {
					e.probeCount.Store(1)
				} else {
					e.probeCount.Add(1)
				}
			case ActionResetIdleTimer:
				e.probeCount.Store(0)
				idleTimer.Reset(e.idleTimeout)
			case ActionArmProbeTimer:
				if probeTimer == nil {
					probeTimer = time.NewTimer(e.probeTimeout)
				} else {
					probeTimer.Reset(e.probeTimeout)
				}
			case ActionTeardownTimeout:
				go e.Stop(DisconnectTimeout)
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.byteSeen:
			apply(EventByteReceived)
		case <-e.probeAck:
			apply(EventProbeAck)
		case <-idleTimer.C:
			apply(EventIdleTimeout)
		case <-probeTimerC(probeTimer):
			if int(e.probeCount.Load()) < e.maxIdleProbes {
				apply(EventProbeTimeoutRetry)
			} else {
				apply(EventProbeTimeoutExceeded)
				return
			}
		}
	}
}

// probeTimerC returns t.C, or a nil channel (which blocks forever in a
// select) when t hasn't been armed yet.
func probeTimerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

// sendProbe transmits a ProbeReq directly, bypassing the TX FIFO so
// keepalive traffic is never subject to the same backpressure as ordinary
// messages.
func (e *Endpoint) sendProbe(ctx context.Context) {
	probe := &wire.Message{
		Type:      dbus.TypeSignal,
		Interface: wire.DaemonInterface,
		Member:    wire.SignalProbeReq,
	}
	if err := e.sender.Send(ctx, probe); err != nil {
		e.logger.Debug("probe send failed", slog.Any("error", err))
	}
}
