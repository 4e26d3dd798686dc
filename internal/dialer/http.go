package dialer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/veiltun/veiltun/internal/codec"
	"github.com/veiltun/veiltun/internal/transport"
)

const (
	maxResponse  = 2 << 20
	pollInterval = 50 * time.Millisecond
)

// httpTransport carries a duplex stream over POST /tunnel request/response
// pairs tied together by a session token. The domain-fronted transport is the
// same code with a different connectivity policy (see fronted.go).
type httpTransport struct {
	cfg        Config
	kind       transport.Kind
	url        string
	hostHeader string // overrides the Host header when fronting
	client     *http.Client
	cdc        *codec.Codec
}

func newHTTPTransport(cfg Config) *httpTransport {
	return &httpTransport{
		cfg:    cfg,
		kind:   transport.HTTPTunnel,
		url:    fmt.Sprintf("http://%s/tunnel", hostPort(cfg.ServerHost, cfg.HTTPPort)),
		client: &http.Client{Timeout: 15 * time.Second},
		cdc:    codec.New(cfg.ObfuscationKey),
	}
}

func (t *httpTransport) Kind() transport.Kind { return t.kind }

// Dial opens a session with an empty POST; the server's token in the reply
// proves the tunnel is reachable.
func (t *httpTransport) Dial(ctx context.Context) (net.Conn, error) {
	c := &httpConn{t: t}

	data, end, err := c.exchange(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%s dial: %w", t.kind, err)
	}
	if end || c.token == "" {
		return nil, fmt.Errorf("%s dial: no session", t.kind)
	}
	c.buf.Write(data)
	return c, nil
}

// httpConn is the client end of one HTTP tunnel session. Writes POST a chunk
// and bank whatever downstream bytes ride back on the response; reads serve
// the bank and poll with empty POSTs while it is dry.
type httpConn struct {
	t     *httpTransport
	token string

	mu           sync.Mutex
	buf          bytes.Buffer
	ended        bool
	closed       bool
	readDeadline time.Time
}

func (c *httpConn) exchange(ctx context.Context, payload []byte) ([]byte, bool, error) {
	var body io.Reader
	if len(payload) > 0 {
		body = bytes.NewReader(c.t.cdc.Encode(payload))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.t.url, body)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if c.token != "" {
		req.Header.Set(transport.SessionHeader, c.token)
	}
	if c.t.hostHeader != "" {
		req.Host = c.t.hostHeader
	}

	resp, err := c.t.client.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("tunnel status %s", resp.Status)
	}
	if tok := resp.Header.Get(transport.SessionHeader); c.token == "" {
		c.token = tok
	}
	end := resp.Header.Get(transport.SessionEndHeader) == "1"

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return nil, end, err
	}
	if len(raw) == 0 {
		return nil, end, nil
	}

	data, err := c.t.cdc.Decode(raw)
	if err != nil {
		return nil, end, err
	}
	return data, end, nil
}

func (c *httpConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, net.ErrClosed
	}
	c.mu.Unlock()

	data, end, err := c.exchange(context.Background(), p)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.buf.Write(data)
	if end {
		c.ended = true
	}
	c.mu.Unlock()
	return len(p), nil
}

func (c *httpConn) Read(p []byte) (int, error) {
	for {
		c.mu.Lock()
		if c.buf.Len() > 0 {
			n, _ := c.buf.Read(p)
			c.mu.Unlock()
			return n, nil
		}
		if c.ended {
			c.mu.Unlock()
			return 0, io.EOF
		}
		if c.closed {
			c.mu.Unlock()
			return 0, net.ErrClosed
		}
		deadline := c.readDeadline
		c.mu.Unlock()

		if !deadline.IsZero() && time.Now().After(deadline) {
			return 0, os.ErrDeadlineExceeded
		}

		data, end, err := c.exchange(context.Background(), nil)
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return 0, net.ErrClosed
			}
			return 0, err
		}

		c.mu.Lock()
		c.buf.Write(data)
		if end {
			c.ended = true
		}
		empty := c.buf.Len() == 0 && !c.ended
		c.mu.Unlock()

		if empty {
			time.Sleep(pollInterval)
		}
	}
}

func (c *httpConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *httpConn) LocalAddr() net.Addr  { return tunnelAddr("http-tunnel") }
func (c *httpConn) RemoteAddr() net.Addr { return tunnelAddr(c.t.url) }

func (c *httpConn) SetDeadline(t time.Time) error { return c.SetReadDeadline(t) }

func (c *httpConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return nil
}

// SetWriteDeadline is a no-op; writes are bounded by the HTTP client timeout.
func (c *httpConn) SetWriteDeadline(time.Time) error { return nil }

var _ net.Conn = (*httpConn)(nil)
