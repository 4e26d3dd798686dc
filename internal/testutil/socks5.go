package testutil

import (
	"context"
	"net"
	"testing"

	txsocks5 "github.com/txthinking/socks5"
)

// StartSOCKS5Backend starts a fake upstream SOCKS5 proxy that performs method
// negotiation (username/password when user is non-empty) on every accepted
// connection and then echoes all further bytes.
func StartSOCKS5Backend(t *testing.T, ctx context.Context, user, pass string) net.Listener {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				serveSOCKS5Negotiation(c, user, pass)
			}()
		}
	}()

	return ln
}

func serveSOCKS5Negotiation(c net.Conn, user, pass string) {
	if _, err := txsocks5.NewNegotiationRequestFrom(c); err != nil {
		return
	}

	if user == "" {
		if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(c); err != nil {
			return
		}
	} else {
		if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodUsernamePassword).WriteTo(c); err != nil {
			return
		}

		urq, err := txsocks5.NewUserPassNegotiationRequestFrom(c)
		if err != nil {
			return
		}
		if string(urq.Uname) != user || string(urq.Passwd) != pass {
			_, _ = txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusFailure).WriteTo(c)
			return
		}
		if _, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(c); err != nil {
			return
		}
	}

	// Past negotiation everything is opaque payload; echo it.
	buf := make([]byte, 32*1024)
	for {
		n, err := c.Read(buf)
		if n > 0 {
			if _, werr := c.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
