package session

import (
	"io"
	"net"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// StreamPump splices two raw-session sockets together for a raw-reliable
// or raw-unreliable session (§4.6.1 "raw socket splice"): once a joiner
// and the session host both hold a live connection, the router's job for
// that session degrades to moving bytes, not messages, so it hands the
// pair to io.Copy in both directions instead of routing individual
// frames through PushMessage.
type StreamPump struct {
	left, right net.Conn

	bytesLeftToRight atomic.Int64
	bytesRightToLeft atomic.Int64
}

// NewStreamPump constructs a pump over an already-connected pair.
func NewStreamPump(left, right net.Conn) *StreamPump {
	return &StreamPump{left: left, right: right}
}

// Run splices both directions and blocks until either side closes or
// errors, then closes both ends and returns the first error observed (io.EOF
// is not treated as an error -- a clean half-close is the expected exit).
func (p *StreamPump) Run() error {
	var g errgroup.Group

	g.Go(func() error {
		n, err := io.Copy(countingWriter{p.right, &p.bytesLeftToRight}, p.left)
		_ = n
		p.right.Close()
		p.left.Close()
		return ignoreEOF(err)
	})
	g.Go(func() error {
		n, err := io.Copy(countingWriter{p.left, &p.bytesRightToLeft}, p.right)
		_ = n
		p.left.Close()
		p.right.Close()
		return ignoreEOF(err)
	})

	return g.Wait()
}

// BytesCopied returns the running byte counts in each direction.
func (p *StreamPump) BytesCopied() (leftToRight, rightToLeft int64) {
	return p.bytesLeftToRight.Load(), p.bytesRightToLeft.Load()
}

func ignoreEOF(err error) error {
	if err == io.EOF {
		return nil
	}
	return err
}

type countingWriter struct {
	w   io.Writer
	ctr *atomic.Int64
}

func (c countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.ctr.Add(int64(n))
	return n, err
}
