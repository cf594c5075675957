package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/go-alljoyn/ajrouter/internal/wire"
)

// ConnSender adapts a net.Conn into an endpoint.Sender by writing each
// message through the wire.Codec. A mutex serializes writes since two
// concurrent Send calls interleaving their bytes would corrupt the stream
// -- the endpoint's own TX goroutine is normally the sole writer, but the
// mutex costs nothing and protects against future callers. Exported so an
// EndpointFactory supplied from outside this package can build the Sender
// half of the endpoint it mints.
type ConnSender struct {
	mu    sync.Mutex
	conn  net.Conn
	codec wire.Codec
}

// NewConnSender wraps conn as an endpoint.Sender.
func NewConnSender(conn net.Conn) *ConnSender {
	return &ConnSender{conn: conn}
}

func (c *ConnSender) Send(ctx context.Context, msg *wire.Message) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.codec.Encode(c.conn, msg); err != nil {
		return fmt.Errorf("connSender send: %w", err)
	}
	return nil
}

func (c *ConnSender) Close() error {
	return c.conn.Close()
}
