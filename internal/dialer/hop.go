package dialer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"time"

	"github.com/veiltun/veiltun/internal/transport"
)

// hopTransport reaches the port-hopping listener. It asks the HTTP tunnel's
// /port-info endpoint where the scheduler currently listens, then falls back
// to probing random pool ports when that endpoint is itself unreachable.
type hopTransport struct {
	cfg Config
}

func (t *hopTransport) Kind() transport.Kind { return transport.PortHopping }

func (t *hopTransport) Dial(ctx context.Context) (net.Conn, error) {
	var lastErr error

	for _, port := range t.candidatePorts(ctx) {
		conn, err := t.dialPort(ctx, port)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no candidate ports")
	}
	return nil, fmt.Errorf("port hop dial: %w", lastErr)
}

func (t *hopTransport) dialPort(ctx context.Context, port int) (net.Conn, error) {
	timeout := t.cfg.DialTimeout
	if timeout > 3*time.Second {
		timeout = 3 * time.Second // per-port probes stay short
	}
	dd := net.Dialer{Timeout: timeout}
	return dd.DialContext(ctx, "tcp", hostPort(t.cfg.ServerHost, port))
}

func (t *hopTransport) candidatePorts(ctx context.Context) []int {
	if info, err := t.portInfo(ctx); err == nil {
		ports := make([]int, 0, len(info.ActivePorts)+1)
		if info.CurrentPort > 0 {
			ports = append(ports, info.CurrentPort)
		}
		for _, p := range info.ActivePorts {
			if p != info.CurrentPort {
				ports = append(ports, p)
			}
		}
		if len(ports) > 0 {
			return ports
		}
	}

	// Scheduler state unknown; probe a handful of random pool ports.
	lo, hi := t.cfg.PortRange[0], t.cfg.PortRange[1]
	ports := make([]int, 0, 5)
	for range 5 {
		ports = append(ports, lo+rand.IntN(hi-lo+1))
	}
	return ports
}

func (t *hopTransport) portInfo(ctx context.Context) (*transport.PortInfo, error) {
	url := fmt.Sprintf("http://%s/port-info", hostPort(t.cfg.ServerHost, t.cfg.HTTPPort))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("port-info status %s", resp.Status)
	}

	var info transport.PortInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&info); err != nil {
		return nil, err
	}
	return &info, nil
}
