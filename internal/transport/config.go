package transport

import (
	"net"
	"time"
)

// Kind names a transport adapter variant.
type Kind string

const (
	Direct        Kind = "direct"
	HTTPTunnel    Kind = "http"
	WebSocket     Kind = "ws"
	PortHopping   Kind = "hop"
	DomainFronted Kind = "fronted"
)

// Config is the static per-adapter configuration, loaded once at startup and
// immutable thereafter.
type Config struct {
	Kind     Kind
	BindAddr string // host or ip to bind; port comes from Port or PortRange
	Port     int

	// Port hopping.
	PortRange   [2]int
	HopInterval time.Duration
	// HopDrainDelay is how long the retired listener keeps its pending
	// accept queue alive before the socket is closed. Established sessions
	// are never touched by a hop.
	HopDrainDelay time.Duration

	// FrontingDomains, when non-empty, restricts the HTTP tunnel to
	// requests whose Host header matches one of these names (plus the
	// tunnel's own bind address).
	FrontingDomains []string

	// ObfuscationKey enables the payload codec; empty means identity.
	ObfuscationKey string

	// SessionTTL bounds how long an HTTP tunnel session token survives
	// without a request before the session is torn down.
	SessionTTL time.Duration

	// FlushWindow is how long the HTTP tunnel handler waits for upstream
	// bytes before sending an empty response.
	FlushWindow time.Duration

	KeepAlive net.KeepAliveConfig
}
