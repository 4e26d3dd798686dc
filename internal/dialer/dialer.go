package dialer

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/veiltun/veiltun/internal/transport"
)

// Transport dials one duplex byte stream to the tunnel server over a
// specific wire encoding.
type Transport interface {
	Kind() transport.Kind
	Dial(ctx context.Context) (net.Conn, error)
}

// Config points every transport at the same server.
type Config struct {
	ServerHost string

	// DirectPort is the upstream SOCKS5 proxy's own port; the direct
	// transport involves no tunnel server at all.
	DirectPort int

	HTTPPort int
	WSPort   int

	// FrontedAddr is the TLS endpoint for domain fronting (host:port).
	// Empty defaults to the first fronting domain on port 443.
	FrontedAddr     string
	FrontingDomains []string
	TLSInsecure     bool

	PortRange [2]int

	ObfuscationKey string
	DialTimeout    time.Duration
}

// Transports returns the client transports in fixed fallback priority order:
// direct, HTTP tunnel, WebSocket, port hopping, domain fronting. The fronted
// transport is omitted when no fronting domains are configured.
func Transports(cfg Config) []Transport {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.PortRange[0] == 0 && cfg.PortRange[1] == 0 {
		cfg.PortRange = [2]int{8000, 9000}
	}

	ts := []Transport{
		&directTransport{cfg: cfg},
		newHTTPTransport(cfg),
		&wsTransport{cfg: cfg},
		&hopTransport{cfg: cfg},
	}
	if len(cfg.FrontingDomains) > 0 {
		ts = append(ts, newFrontedTransport(cfg))
	}
	return ts
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// tunnelAddr labels the synthetic ends of tunneled client connections.
type tunnelAddr string

func (a tunnelAddr) Network() string { return "veiltun" }
func (a tunnelAddr) String() string  { return string(a) }
