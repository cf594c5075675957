package session

import (
	"sync"
	"sync/atomic"

	"github.com/go-alljoyn/ajrouter/internal/wire"
)

// pendingCalls correlates an outbound daemon-to-daemon method call (such as
// AttachSession sent to a remote router) with its eventual reply, keyed by
// serial the way any request/reply protocol layered over an async
// transport must. There is no single teacher file for this -- the BFD
// protocol in the teacher repo is itself request/reply-free -- so this is
// the minimal idiomatic Go shape: a mutex-guarded map of buffered
// channels, not a library concern.
type pendingCalls struct {
	mu      sync.Mutex
	serial  atomic.Uint32
	waiters map[uint32]chan *wire.Message
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{waiters: make(map[uint32]chan *wire.Message)}
}

func (p *pendingCalls) nextSerial() uint32 { return p.serial.Add(1) }

func (p *pendingCalls) register(serial uint32) chan *wire.Message {
	ch := make(chan *wire.Message, 1)
	p.mu.Lock()
	p.waiters[serial] = ch
	p.mu.Unlock()
	return ch
}

func (p *pendingCalls) unregister(serial uint32) {
	p.mu.Lock()
	delete(p.waiters, serial)
	p.mu.Unlock()
}

// Deliver routes an inbound reply to its waiter, if one is still
// registered. Returns false if the reply's ReplySerial matched no pending
// call (already timed out, or a stray reply).
func (p *pendingCalls) deliver(reply *wire.Message) bool {
	p.mu.Lock()
	ch, ok := p.waiters[reply.ReplySerial]
	delete(p.waiters, reply.ReplySerial)
	p.mu.Unlock()

	if !ok {
		return false
	}
	ch <- reply
	return true
}
