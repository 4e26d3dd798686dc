// Package tunnel relays duplex client streams, already deframed by a
// transport adapter, to the upstream SOCKS5 backend. It owns the session
// registry and the lifecycle of every proxied connection: each session holds
// exactly one upstream connection, both halves are torn down together, and
// idle sessions are force-closed.
package tunnel
