//go:build linux

package transport

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// Listen opens a TCP or unix-domain listening socket for addr. For tcp
// addresses, SO_REUSEADDR is set so a restarted daemon can rebind its
// configured port immediately, the same option the teacher's UDP sender
// sets for its own rebind scenario (internal/netio/sender.go).
func Listen(ctx context.Context, addr BusAddress) (net.Listener, error) {
	target, err := addr.DialTarget()
	if err != nil {
		return nil, err
	}

	if addr.Kind == "unix" {
		ln, err := (&net.ListenConfig{}).Listen(ctx, "unix", target)
		if err != nil {
			return nil, fmt.Errorf("listen unix %s: %w", target, err)
		}
		return ln, nil
	}

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return setListenerOpts(c)
		},
	}
	ln, err := lc.Listen(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("listen tcp %s: %w", target, err)
	}
	return ln, nil
}

func setListenerOpts(c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		//nolint:gosec // G115: fd uintptr->int is safe; kernel FDs are always small positive integers.
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return fmt.Errorf("raw conn control: %w", err)
	}
	return sockErr
}
