package listenfsm

import (
	"context"
	"log/slog"
	"sync"
)

// Executor performs the actual socket/name-service side effects a
// transition demands. internal/transport supplies the concrete
// implementation; listenfsm never touches a socket itself.
type Executor interface {
	OpenListenSocket(ctx context.Context) error
	CloseListenSocket(ctx context.Context)
	EnableNameService(ctx context.Context) error
	DisableNameService(ctx context.Context)
}

// request is one of the four queued request kinds, serialized through a
// single channel so that requests arriving in any order are still applied
// one at a time against a consistent State (§4.8).
type request struct {
	event Event
	done  chan error
}

// Machine drives the Listen State Machine through a single serializing
// goroutine, the same close-and-replace-channel idiom the endpoint
// package's txQueue uses for combining a mutex with a blocking consumer
// loop, adapted here to a request/reply channel instead of a FIFO.
type Machine struct {
	mu    sync.Mutex
	state State

	exec    Executor
	logger  *slog.Logger
	reqCh   chan request
	closeCh chan struct{}
	once    sync.Once
}

// NewMachine constructs a Machine and starts its serializing goroutine,
// bound to ctx: when ctx is done the goroutine closes the Machine and
// exits, so any Apply still waiting to enqueue returns context.Canceled.
func NewMachine(ctx context.Context, exec Executor, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Machine{
		exec:    exec,
		logger:  logger.With(slog.String("component", "listenfsm")),
		reqCh:   make(chan request),
		closeCh: make(chan struct{}),
	}
	go m.run(ctx)
	return m
}

// State returns a snapshot of the current Listen State Machine state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Apply enqueues event onto the serializing queue and blocks until it has
// been applied (including execution of any resulting actions).
func (m *Machine) Apply(ctx context.Context, event Event) error {
	req := request{event: event, done: make(chan error, 1)}
	select {
	case m.reqCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.closeCh:
		return context.Canceled
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the serializing goroutine after any in-flight request drains.
func (m *Machine) Close() {
	m.once.Do(func() { close(m.closeCh) })
}

func (m *Machine) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.Close()
			return
		case <-m.closeCh:
			return
		case req := <-m.reqCh:
			req.done <- m.apply(ctx, req.event)
		}
	}
}

func (m *Machine) apply(ctx context.Context, event Event) error {
	m.mu.Lock()
	current := m.state
	res := ApplyEvent(current, event)
	m.state = res.NewState
	m.mu.Unlock()

	if !res.Changed {
		return nil
	}

	for _, action := range res.Actions {
		var err error
		switch action {
		case ActionOpenListenSocket:
			err = m.exec.OpenListenSocket(ctx)
		case ActionCloseListenSocket:
			m.exec.CloseListenSocket(ctx)
		case ActionEnableNameService:
			err = m.exec.EnableNameService(ctx)
		case ActionDisableNameService:
			m.exec.DisableNameService(ctx)
		}
		if err != nil {
			m.logger.Warn("listen state transition action failed",
				slog.String("event", event.String()), slog.String("action", action.String()), slog.Any("error", err))
			m.rollback(current)
			return err
		}
	}
	return nil
}

// rollback restores the pre-transition state when an action fails partway
// through, so a failed OpenListenSocket does not leave the machine
// believing it is listening when no socket actually exists.
func (m *Machine) rollback(prev State) {
	m.mu.Lock()
	m.state = prev
	m.mu.Unlock()
}
