package transport

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-alljoyn/ajrouter/internal/wire"
)

// authTimeout bounds how long a freshly accepted connection has to
// complete its SASL handshake before it is dropped, so a connection that
// never authenticates cannot hold an AuthList slot indefinitely.
const authTimeout = 30 * time.Second

// AuthEngine performs the inbound SASL handshake on a freshly accepted
// connection and returns the authenticated peer's credential string (the
// EXTERNAL mechanism's identity, typically a numeric uid). Minting a unique
// name for the peer is left to the caller.
type AuthEngine interface {
	Authenticate(ctx context.Context, conn net.Conn, localGUID wire.GUID) (peerCredential string, err error)
}

// ExternalAuthenticator implements the DBus SASL EXTERNAL mechanism: the
// simplest of the mechanisms AllJoyn/DBus routers support, with no shared
// secret. The identity the client claims is accepted as given; it is not
// checked against the socket's peer credentials (no SO_PEERCRED lookup).
// It speaks the standard line-based SASL exchange:
//
//	client -> NUL byte, then "AUTH EXTERNAL <hex(uid)>\r\n"
//	server -> "OK <server-guid>\r\n"
//	client -> "BEGIN\r\n"
type ExternalAuthenticator struct{}

// Authenticate drives one SASL EXTERNAL exchange to completion.
func (ExternalAuthenticator) Authenticate(ctx context.Context, conn net.Conn, localGUID wire.GUID) (string, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(authTimeout))
	}
	defer conn.SetDeadline(time.Time{})

	nul := make([]byte, 1)
	if _, err := conn.Read(nul); err != nil {
		return "", fmt.Errorf("%w: read leading NUL: %w", ErrAuthFailed, err)
	}
	if nul[0] != 0 {
		return "", fmt.Errorf("%w: expected leading NUL byte", ErrAuthFailed)
	}

	r := bufio.NewReader(conn)
	line, err := readLine(r)
	if err != nil {
		return "", fmt.Errorf("%w: read AUTH line: %w", ErrAuthFailed, err)
	}

	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "AUTH" || fields[1] != "EXTERNAL" {
		return "", fmt.Errorf("%w: unsupported mechanism %q", ErrAuthFailed, line)
	}

	var credential string
	if len(fields) >= 3 {
		raw, err := hex.DecodeString(fields[2])
		if err != nil {
			return "", fmt.Errorf("%w: decode EXTERNAL identity: %w", ErrAuthFailed, err)
		}
		credential = string(raw)
	}

	reply := "OK " + strings.ReplaceAll(string(localGUID), "-", "") + "\r\n"
	if _, err := conn.Write([]byte(reply)); err != nil {
		return "", fmt.Errorf("%w: send OK: %w", ErrAuthFailed, err)
	}

	line, err = readLine(r)
	if err != nil {
		return "", fmt.Errorf("%w: read BEGIN: %w", ErrAuthFailed, err)
	}
	if strings.TrimSpace(line) != "BEGIN" {
		return "", fmt.Errorf("%w: expected BEGIN, got %q", ErrAuthFailed, line)
	}

	return credential, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
