package dialer

import (
	"context"
	"fmt"
	"net"

	"github.com/veiltun/veiltun/internal/transport"
)

// directTransport is passthrough TCP straight to the upstream SOCKS5 port.
type directTransport struct {
	cfg Config
}

func (t *directTransport) Kind() transport.Kind { return transport.Direct }

func (t *directTransport) Dial(ctx context.Context) (net.Conn, error) {
	dd := net.Dialer{Timeout: t.cfg.DialTimeout}

	conn, err := dd.DialContext(ctx, "tcp", hostPort(t.cfg.ServerHost, t.cfg.DirectPort))
	if err != nil {
		return nil, fmt.Errorf("direct dial: %w", err)
	}
	return conn, nil
}
