package dialer

import (
	"context"
	"testing"
	"time"

	"github.com/veiltun/veiltun/internal/testutil"
	"github.com/veiltun/veiltun/internal/transport"
)

func TestHopTransportFollowsRotation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool := [2]int{25000, 25900}
	h := transport.NewHopper(transport.Config{
		Kind:          transport.PortHopping,
		BindAddr:      "127.0.0.1",
		PortRange:     pool,
		HopInterval:   time.Hour,
		HopDrainDelay: 20 * time.Millisecond,
	}, testutil.Logger())
	if err := h.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = h.Close() })
	go echoAccepted(h.Listener())

	// The HTTP tunnel publishes the scheduler state on /port-info.
	httpPort := startHTTPServer(t, transport.Config{}, h)

	tr := &hopTransport{cfg: Config{
		ServerHost:  "127.0.0.1",
		HTTPPort:    httpPort,
		PortRange:   pool,
		DialTimeout: 2 * time.Second,
	}}
	if tr.Kind() != transport.PortHopping {
		t.Fatalf("kind %q", tr.Kind())
	}

	conn, err := tr.Dial(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	testutil.AssertEcho(t, conn, conn, []byte("hop session"))

	if err := h.Hop(); err != nil {
		t.Fatal(err)
	}

	// The established session rides out the rotation; a new dial lands on
	// the new port.
	testutil.AssertEcho(t, conn, conn, []byte("survived the hop"))

	fresh, err := tr.Dial(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer fresh.Close()
	testutil.AssertEcho(t, fresh, fresh, []byte("on the new port"))
}
