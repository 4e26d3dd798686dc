// Package socksauth verifies the upstream SOCKS5 backend accepts the
// configured credentials. Tunnel traffic itself is relayed as opaque bytes;
// this is the only place the server speaks SOCKS5 on its own behalf.
package socksauth

import (
	"context"
	"fmt"
	"net"
	"time"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/veiltun/veiltun/internal/tunnel"
)

// Preflight dials the upstream and runs method negotiation plus, when
// credentials are configured, the username/password subnegotiation. Failures
// are classified so the caller can distinguish a down backend
// (tunnel.ErrUnreachable) from bad credentials (tunnel.ErrAuthFailed).
func Preflight(ctx context.Context, ep tunnel.Endpoint, timeout time.Duration) error {
	dd := net.Dialer{Timeout: timeout}
	conn, err := dd.DialContext(ctx, "tcp", ep.Addr())
	if err != nil {
		return fmt.Errorf("%w: %v", tunnel.ErrUnreachable, err)
	}
	defer conn.Close()

	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	methods := []byte{txsocks5.MethodNone}
	if ep.Username != "" {
		methods = append(methods, txsocks5.MethodUsernamePassword)
	}

	if _, err := txsocks5.NewNegotiationRequest(methods).WriteTo(conn); err != nil {
		return fmt.Errorf("%w: write negotiation: %v", tunnel.ErrUnreachable, err)
	}

	neg, err := txsocks5.NewNegotiationReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("%w: read negotiation: %v", tunnel.ErrUnreachable, err)
	}

	switch neg.Method {
	case txsocks5.MethodNone:
		return nil
	case txsocks5.MethodUsernamePassword:
		if ep.Username == "" {
			return fmt.Errorf("%w: server requires username/password", tunnel.ErrAuthFailed)
		}

		if _, err := txsocks5.NewUserPassNegotiationRequest([]byte(ep.Username), []byte(ep.Password)).WriteTo(conn); err != nil {
			return fmt.Errorf("%w: write userpass: %v", tunnel.ErrUnreachable, err)
		}
		rep, err := txsocks5.NewUserPassNegotiationReplyFrom(conn)
		if err != nil {
			return fmt.Errorf("%w: read userpass: %v", tunnel.ErrUnreachable, err)
		}
		if rep.Status != txsocks5.UserPassStatusSuccess {
			return fmt.Errorf("%w: credentials rejected", tunnel.ErrAuthFailed)
		}
		return nil
	default:
		return fmt.Errorf("%w: unsupported negotiation method %d", tunnel.ErrAuthFailed, neg.Method)
	}
}
