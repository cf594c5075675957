package endpoint

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/go-alljoyn/ajrouter/internal/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSender struct {
	mu  sync.Mutex
	got []*wire.Message
}

func (f *fakeSender) Send(_ context.Context, msg *wire.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, msg)
	return nil
}

func (f *fakeSender) Close() error { return nil }

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func TestEndpointPushMessageDelivers(t *testing.T) {
	sender := &fakeSender{}
	ep := New(1, 0, ":abc.2", sender, WithIdleTimeout(time.Hour), WithProbeTimeout(time.Hour))
	defer ep.Stop(DisconnectClean)

	ep.SetActive()

	if err := ep.PushMessage(context.Background(), &wire.Message{Member: "Ping"}, time.Second); err != nil {
		t.Fatalf("PushMessage: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for sender.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if sender.count() != 1 {
		t.Fatalf("expected 1 message delivered, got %d", sender.count())
	}
}

func TestEndpointStopIsIdempotent(t *testing.T) {
	ep := New(2, 0, ":abc.3", &fakeSender{})
	ep.Stop(DisconnectClean)
	ep.Stop(DisconnectClean)
	ep.Stop(DisconnectTimeout)

	select {
	case <-ep.Done():
	default:
		t.Fatal("expected Done() to be closed after Stop")
	}
}

func TestEndpointPushAfterStopReturnsClosing(t *testing.T) {
	ep := New(3, 0, ":abc.4", &fakeSender{})
	ep.Stop(DisconnectClean)

	err := ep.PushMessage(context.Background(), &wire.Message{}, time.Second)
	if err == nil {
		t.Fatal("expected error pushing to a stopped endpoint")
	}
}
