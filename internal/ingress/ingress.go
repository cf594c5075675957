// Package ingress drains an endpoint's inbound byte stream and dispatches
// each decoded message to the Router Core or Session Manager, the
// receive-side counterpart to internal/endpoint's transmit queue: an
// Endpoint only ever writes outbound traffic, so something has to read the
// connection back and turn bytes into PushMessage/HandleAttachSession
// calls. Grounded on internal/netio.EchoReceiver's "one goroutine per listener,
// hand each decoded unit to the manager" shape, narrowed here to one
// goroutine per connection since every endpoint owns exactly one.
package ingress

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/go-alljoyn/ajrouter/internal/ajtypes"
	"github.com/go-alljoyn/ajrouter/internal/router"
	"github.com/go-alljoyn/ajrouter/internal/session"
	"github.com/go-alljoyn/ajrouter/internal/wire"
)

// pushTTL bounds how long PushMessage may block trying to enqueue onto a
// destination's TX queue before giving up (§4.5's PushResult != timeout
// paths all resolve faster than this in practice).
const pushTTL = 5 * time.Second

// Pump reads and dispatches every message arriving on one endpoint's
// connection until the connection closes or ctx is done.
type Pump struct {
	conn     net.Conn
	codec    wire.Codec
	from     ajtypes.EndpointID
	fromKind ajtypes.EndpointKind
	core     *router.Core
	sessions *session.Manager
	logger   *slog.Logger
}

// NewPump constructs a Pump for one endpoint's connection. from identifies
// the endpoint the decoded messages are attributed to as sender.
func NewPump(conn net.Conn, from ajtypes.EndpointID, fromKind ajtypes.EndpointKind, core *router.Core, sessions *session.Manager, logger *slog.Logger) *Pump {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pump{
		conn:     conn,
		from:     from,
		fromKind: fromKind,
		core:     core,
		sessions: sessions,
		logger:   logger.With(slog.String("component", "ingress")),
	}
}

// Run blocks decoding and dispatching messages until ctx is cancelled or
// the connection returns an error (including a clean close).
func (p *Pump) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		msg, err := p.codec.Decode(p.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		p.dispatch(ctx, msg)
	}
}

func (p *Pump) dispatch(ctx context.Context, msg *wire.Message) {
	if p.isReply(msg) && p.sessions.DeliverReply(msg) {
		return
	}

	if p.fromKind == ajtypes.EndpointBusToBus && p.isAttachSessionCall(msg) {
		reply := p.sessions.HandleAttachSession(ctx, p.from, msg)
		if result := p.core.PushMessage(ctx, reply, p.from); result != ajtypes.PushOk {
			p.logger.Warn("failed to deliver AttachSession reply", slog.String("result", result.String()))
		}
		return
	}

	if p.fromKind == ajtypes.EndpointBusToBus && p.isGetSessionInfoCall(msg) {
		reply := p.sessions.HandleGetSessionInfo(msg)
		if result := p.core.PushMessage(ctx, reply, p.from); result != ajtypes.PushOk {
			p.logger.Warn("failed to deliver GetSessionInfo reply", slog.String("result", result.String()))
		}
		return
	}

	pushCtx, cancel := context.WithTimeout(ctx, pushTTL)
	defer cancel()
	if result := p.core.PushMessage(pushCtx, msg, p.from); result != ajtypes.PushOk {
		p.logger.Debug("message not delivered", slog.String("result", result.String()), slog.String("destination", msg.Destination))
	}
}

func (p *Pump) isReply(msg *wire.Message) bool {
	return msg.ReplySerial != 0
}

func (p *Pump) isAttachSessionCall(msg *wire.Message) bool {
	return msg.Interface == wire.DaemonInterface && msg.Member == "AttachSession" && msg.ReplySerial == 0
}

func (p *Pump) isGetSessionInfoCall(msg *wire.Message) bool {
	return msg.Interface == wire.DaemonInterface && msg.Member == "GetSessionInfo" && msg.ReplySerial == 0
}
