package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// ListenDirect listens for passthrough TCP on addr, applying keepAlive to
// accepted connections. Direct is the only adapter with no framing at all.
func ListenDirect(addr string, keepAlive net.KeepAliveConfig) (net.Listener, error) {
	lc := net.ListenConfig{}

	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tcp %s: %w", addr, err)
	}

	return &keepAliveListener{Listener: ln, keepAlive: keepAlive}, nil
}

type keepAliveListener struct {
	net.Listener
	keepAlive net.KeepAliveConfig
}

func (l *keepAliveListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAliveConfig(l.keepAlive)
	}

	return conn, nil
}

// streamListener adapts adapters that produce streams from handlers (HTTP,
// WebSocket) or from rotating sockets (port hopping) to the net.Listener
// shape the dispatcher serves from.
type streamListener struct {
	ch        chan net.Conn
	addr      net.Addr
	done      chan struct{}
	closeOnce sync.Once
}

func newStreamListener(addr net.Addr) *streamListener {
	return &streamListener{
		ch:   make(chan net.Conn),
		addr: addr,
		done: make(chan struct{}),
	}
}

func (l *streamListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.ch:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

// deliver hands a stream to the accept side. It reports false if the listener
// was closed first; the caller owns closing the stream in that case.
func (l *streamListener) deliver(c net.Conn) bool {
	select {
	case l.ch <- c:
		return true
	case <-l.done:
		return false
	}
}

func (l *streamListener) Addr() net.Addr { return l.addr }

func (l *streamListener) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}

// virtAddr labels the synthetic streams handed to the dispatcher with the
// real peer address of the carrying connection.
type virtAddr string

func (a virtAddr) Network() string { return "veiltun" }
func (a virtAddr) String() string  { return string(a) }
