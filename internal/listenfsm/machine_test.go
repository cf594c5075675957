package listenfsm

import (
	"context"
	"sync/atomic"
	"testing"
)

type fakeExecutor struct {
	opens, closes, enables, disables atomic.Int32
	openErr                          error
}

func (f *fakeExecutor) OpenListenSocket(context.Context) error {
	f.opens.Add(1)
	return f.openErr
}
func (f *fakeExecutor) CloseListenSocket(context.Context)       { f.closes.Add(1) }
func (f *fakeExecutor) EnableNameService(context.Context) error { f.enables.Add(1); return nil }
func (f *fakeExecutor) DisableNameService(context.Context)      { f.disables.Add(1) }

func TestMachineOpensAndClosesSocketAcrossLifecycle(t *testing.T) {
	ctx := context.Background()
	exec := &fakeExecutor{}
	m := NewMachine(ctx, exec, nil)
	defer m.Close()

	if err := m.Apply(ctx, EventEnableDiscover); err != nil {
		t.Fatalf("EventEnableDiscover: %v", err)
	}
	if exec.opens.Load() != 1 || exec.enables.Load() != 1 {
		t.Fatalf("expected one open and one enable, got opens=%d enables=%d", exec.opens.Load(), exec.enables.Load())
	}

	if err := m.Apply(ctx, EventEnableAdvertise); err != nil {
		t.Fatalf("EventEnableAdvertise: %v", err)
	}
	if exec.opens.Load() != 1 {
		t.Fatalf("expected no additional open while already listening, got %d", exec.opens.Load())
	}

	if err := m.Apply(ctx, EventDisableDiscover); err != nil {
		t.Fatalf("EventDisableDiscover: %v", err)
	}
	if exec.closes.Load() != 0 {
		t.Fatalf("expected socket to remain open while advertise is still active, got closes=%d", exec.closes.Load())
	}

	if err := m.Apply(ctx, EventDisableAdvertise); err != nil {
		t.Fatalf("EventDisableAdvertise: %v", err)
	}
	if exec.closes.Load() != 1 || exec.disables.Load() != 1 {
		t.Fatalf("expected socket closed after last disable, got closes=%d disables=%d", exec.closes.Load(), exec.disables.Load())
	}

	if got := m.State(); got.Listening || got.Advertising || got.Discovering {
		t.Fatalf("unexpected final state: %+v", got)
	}
}

func TestMachineRollsBackStateWhenOpenFails(t *testing.T) {
	ctx := context.Background()
	exec := &fakeExecutor{openErr: context.DeadlineExceeded}
	m := NewMachine(ctx, exec, nil)
	defer m.Close()

	if err := m.Apply(ctx, EventEnableAdvertise); err == nil {
		t.Fatal("expected an error from the failing executor")
	}

	if got := m.State(); got.Listening || got.Advertising {
		t.Fatalf("expected rollback to pre-transition state, got %+v", got)
	}
}
