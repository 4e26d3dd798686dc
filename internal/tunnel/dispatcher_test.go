package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/veiltun/veiltun/internal/testutil"
	"github.com/veiltun/veiltun/internal/transport"
)

func echoEndpoint(t *testing.T, ctx context.Context) Endpoint {
	t.Helper()

	ln := testutil.StartEchoTCPServer(t, ctx)
	t.Cleanup(func() { _ = ln.Close() })
	return endpointOf(t, ln.Addr())
}

func endpointOf(t *testing.T, addr net.Addr) Endpoint {
	t.Helper()

	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	return Endpoint{Host: host, Port: port}
}

type relayResult struct {
	in, out int64
	reason  error
}

func startRelay(ctx context.Context, d *Dispatcher, c net.Conn, kind transport.Kind) chan relayResult {
	done := make(chan relayResult, 1)
	go func() {
		in, out, reason := d.Relay(ctx, c, kind)
		done <- relayResult{in: in, out: out, reason: reason}
	}()
	return done
}

func waitRelay(t *testing.T, done chan relayResult) relayResult {
	t.Helper()

	select {
	case res := <-done:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not finish")
		return relayResult{}
	}
}

func TestRelayEcho(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d := NewDispatcher(Config{
		Upstream:    echoEndpoint(t, ctx),
		DialTimeout: 2 * time.Second,
	}, testutil.Logger())

	client, server := net.Pipe()
	done := startRelay(ctx, d, server, transport.Direct)

	msg := []byte("through the tunnel and back")
	testutil.AssertEcho(t, client, client, msg)
	_ = client.Close()

	res := waitRelay(t, done)
	if res.reason != nil {
		t.Fatalf("unexpected close reason: %v", res.reason)
	}
	if res.in != int64(len(msg)) || res.out != int64(len(msg)) {
		t.Fatalf("counted %d/%d bytes, want %d both ways", res.in, res.out, len(msg))
	}
	if n := d.Registry().Len(); n != 0 {
		t.Fatalf("%d sessions still registered", n)
	}
}

func TestRelayUpstreamUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Grab a port that is guaranteed dead by closing its listener.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	dead := endpointOf(t, ln.Addr())
	_ = ln.Close()

	d := NewDispatcher(Config{
		Upstream:    dead,
		DialTimeout: 500 * time.Millisecond,
	}, testutil.Logger())

	client, server := net.Pipe()
	defer client.Close()
	done := startRelay(ctx, d, server, transport.Direct)

	res := waitRelay(t, done)
	if !errors.Is(res.reason, ErrUnreachable) {
		t.Fatalf("reason = %v, want ErrUnreachable", res.reason)
	}

	// The client stream must be torn down too.
	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := client.Read(make([]byte, 1)); err == nil {
		t.Fatal("client stream still open after failed dial")
	}
}

func TestRelayIdleTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d := NewDispatcher(Config{
		Upstream:    echoEndpoint(t, ctx),
		DialTimeout: 2 * time.Second,
		IdleTimeout: 60 * time.Millisecond,
	}, testutil.Logger())

	client, server := net.Pipe()
	defer client.Close()
	done := startRelay(ctx, d, server, transport.Direct)

	testutil.AssertEcho(t, client, client, []byte("still alive"))

	res := waitRelay(t, done)
	if !errors.Is(res.reason, errIdleTimeout) {
		t.Fatalf("reason = %v, want idle timeout", res.reason)
	}
	if n := d.Registry().Len(); n != 0 {
		t.Fatalf("%d sessions still registered", n)
	}
}

type namedConn struct {
	net.Conn
	id string
}

func (c namedConn) SessionID() string { return c.id }

func TestRelayUsesAdapterSessionID(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d := NewDispatcher(Config{
		Upstream:    echoEndpoint(t, ctx),
		DialTimeout: 2 * time.Second,
	}, testutil.Logger())

	client, server := net.Pipe()
	done := startRelay(ctx, d, namedConn{Conn: server, id: "tok-1"}, transport.HTTPTunnel)

	deadline := time.Now().Add(2 * time.Second)
	for !d.Registry().Contains("tok-1") {
		if time.Now().After(deadline) {
			t.Fatal("session tok-1 never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_ = client.Close()
	waitRelay(t, done)
	if d.Registry().Contains("tok-1") {
		t.Fatal("session tok-1 still registered after close")
	}
}

func TestServeSessionIsolation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d := NewDispatcher(Config{
		Upstream:    echoEndpoint(t, ctx),
		DialTimeout: 2 * time.Second,
	}, testutil.Logger())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() { _ = d.Serve(ctx, ln, transport.Direct) }()

	const n = 100
	conns := make([]net.Conn, n)
	for i := range conns {
		c, err := net.DialTimeout("tcp", ln.Addr().String(), 2*time.Second)
		if err != nil {
			t.Fatal(err)
		}
		defer c.Close()
		conns[i] = c
		testutil.AssertEcho(t, c, c, []byte(fmt.Sprintf("session %d", i)))
	}

	// Killing half the sessions must not disturb the rest.
	for i := 0; i < n/2; i++ {
		_ = conns[i].Close()
	}
	for i := n / 2; i < n; i++ {
		testutil.AssertEcho(t, conns[i], conns[i], []byte(fmt.Sprintf("still up %d", i)))
	}

	for i := n / 2; i < n; i++ {
		_ = conns[i].Close()
	}
	deadline := time.Now().Add(3 * time.Second)
	for d.Registry().Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("%d sessions never drained", d.Registry().Len())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
