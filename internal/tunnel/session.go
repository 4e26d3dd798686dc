package tunnel

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veiltun/veiltun/internal/transport"
)

// Session is one proxied connection: the client-facing duplex stream plus the
// upstream TCP connection it owns. Both handles are created and destroyed
// together.
type Session struct {
	ID        string
	Peer      string
	Transport transport.Kind
	Created   time.Time

	client   net.Conn
	upstream net.Conn

	lastActive atomic.Int64 // unix nanos
	bytesIn    atomic.Int64 // client -> upstream
	bytesOut   atomic.Int64 // upstream -> client

	closeOnce sync.Once
}

func newSession(id string, kind transport.Kind, client, upstream net.Conn) *Session {
	s := &Session{
		ID:        id,
		Peer:      client.RemoteAddr().String(),
		Transport: kind,
		Created:   time.Now(),
		client:    client,
		upstream:  upstream,
	}
	s.touch()
	return s
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// IdleFor returns how long the session has gone without traffic in either
// direction.
func (s *Session) IdleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActive.Load()))
}

func (s *Session) BytesIn() int64  { return s.bytesIn.Load() }
func (s *Session) BytesOut() int64 { return s.bytesOut.Load() }

// close tears down both handles. Safe to call from any goroutine, any number
// of times.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		_ = s.client.Close()
		_ = s.upstream.Close()
	})
}

// countingConn wraps one side of a session, crediting a byte counter and
// refreshing the activity clock on every successful read or write.
type countingConn struct {
	net.Conn
	sess    *Session
	read    *atomic.Int64
	written *atomic.Int64
}

func (c *countingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.read.Add(int64(n))
		c.sess.touch()
	}
	return n, err
}

func (c *countingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 {
		c.written.Add(int64(n))
		c.sess.touch()
	}
	return n, err
}
