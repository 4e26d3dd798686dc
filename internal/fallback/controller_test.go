package fallback

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/veiltun/veiltun/internal/dialer"
	"github.com/veiltun/veiltun/internal/testutil"
	"github.com/veiltun/veiltun/internal/transport"
)

type fakeTransport struct {
	kind transport.Kind

	mu    sync.Mutex
	fail  bool
	dials int
}

func (f *fakeTransport) Kind() transport.Kind { return f.kind }

func (f *fakeTransport) Dial(context.Context) (net.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if f.fail {
		return nil, errors.New("unreachable")
	}
	a, b := net.Pipe()
	go func() { _ = b.Close() }()
	return a, nil
}

func (f *fakeTransport) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *fakeTransport) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func newTestController(ts ...dialer.Transport) *Controller {
	return New(ts, time.Second, testutil.Logger())
}

func mustDial(t *testing.T, c *Controller) transport.Kind {
	t.Helper()

	conn, kind, err := c.Dial(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	_ = conn.Close()
	return kind
}

func TestDialPriorityOrder(t *testing.T) {
	a := &fakeTransport{kind: transport.Direct, fail: true}
	b := &fakeTransport{kind: transport.HTTPTunnel}
	c := &fakeTransport{kind: transport.WebSocket}
	ctrl := newTestController(a, b, c)

	if kind := mustDial(t, ctrl); kind != transport.HTTPTunnel {
		t.Fatalf("selected %q, want http", kind)
	}
	if a.dialCount() != 1 {
		t.Fatalf("direct tried %d times, want 1", a.dialCount())
	}
	if c.dialCount() != 0 {
		t.Fatal("lower-priority transport was probed after a success")
	}
	if ctrl.Current() != transport.HTTPTunnel {
		t.Fatalf("current %q, want http", ctrl.Current())
	}
}

func TestDialSticksToWorkingTransport(t *testing.T) {
	a := &fakeTransport{kind: transport.Direct, fail: true}
	b := &fakeTransport{kind: transport.HTTPTunnel}
	ctrl := newTestController(a, b)

	mustDial(t, ctrl)
	a.setFail(false)

	// A recovered higher-priority transport is not revisited while the
	// remembered one keeps working.
	if kind := mustDial(t, ctrl); kind != transport.HTTPTunnel {
		t.Fatalf("selected %q, want http", kind)
	}
	if a.dialCount() != 1 {
		t.Fatalf("direct tried %d times, want 1", a.dialCount())
	}
}

func TestInvalidateRescansFromTop(t *testing.T) {
	a := &fakeTransport{kind: transport.Direct, fail: true}
	b := &fakeTransport{kind: transport.HTTPTunnel}
	ctrl := newTestController(a, b)

	mustDial(t, ctrl)
	a.setFail(false)
	ctrl.Invalidate(transport.HTTPTunnel)

	if ctrl.Current() != "" {
		t.Fatalf("current %q after invalidate, want none", ctrl.Current())
	}
	if kind := mustDial(t, ctrl); kind != transport.Direct {
		t.Fatalf("selected %q, want direct", kind)
	}
}

func TestRememberedFailureFallsThrough(t *testing.T) {
	a := &fakeTransport{kind: transport.Direct, fail: true}
	b := &fakeTransport{kind: transport.HTTPTunnel}
	c := &fakeTransport{kind: transport.WebSocket}
	ctrl := newTestController(a, b, c)

	mustDial(t, ctrl)
	b.setFail(true)

	if kind := mustDial(t, ctrl); kind != transport.WebSocket {
		t.Fatalf("selected %q, want ws", kind)
	}
	// The rescan starts at the top, not at the failed transport.
	if a.dialCount() != 2 {
		t.Fatalf("direct tried %d times, want 2", a.dialCount())
	}
}

func TestAllTransportsFailed(t *testing.T) {
	a := &fakeTransport{kind: transport.Direct, fail: true}
	b := &fakeTransport{kind: transport.HTTPTunnel, fail: true}
	ctrl := newTestController(a, b)

	_, _, err := ctrl.Dial(context.Background())
	if !errors.Is(err, ErrAllTransportsFailed) {
		t.Fatalf("err = %v, want ErrAllTransportsFailed", err)
	}
	if ctrl.Current() != "" {
		t.Fatalf("current %q after total failure, want none", ctrl.Current())
	}
}
