package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Phase of the port-hopping state machine:
// Active(port) -> Rotating(port, nextPort) -> Active(nextPort).
type Phase string

const (
	PhaseActive   Phase = "active"
	PhaseRotating Phase = "rotating"
)

// PortHopState is a snapshot of the scheduler state. During rotation the old
// port is still draining while the next one accepts.
type PortHopState struct {
	ActivePort int
	NextPort   int
	Phase      Phase
}

// Current returns the port new connections should use.
func (s PortHopState) Current() int {
	if s.Phase == PhaseRotating {
		return s.NextPort
	}
	return s.ActivePort
}

// Ports lists every port with an open listening socket.
func (s PortHopState) Ports() []int {
	if s.Phase == PhaseRotating {
		return []int{s.NextPort, s.ActivePort}
	}
	return []int{s.ActivePort}
}

const (
	defaultHopInterval = 5 * time.Minute
	defaultDrainDelay  = time.Second
)

var defaultPortRange = [2]int{8000, 9000}

// Hopper wraps the Direct adapter with a rotating listening socket. On each
// tick it opens the next pool port before retiring the previous one, so there
// is no accept downtime and no established session is ever cut: those belong
// to the dispatcher and outlive the listener that accepted them.
type Hopper struct {
	cfg     Config
	log     *logrus.Logger
	streams *streamListener

	hopMu sync.Mutex // serializes whole rotations

	mu         sync.Mutex // guards the state below
	phase      Phase
	activePort int
	nextPort   int
	lnActive   net.Listener
	lnNext     net.Listener
	closed     bool

	wg sync.WaitGroup
}

func NewHopper(cfg Config, log *logrus.Logger) *Hopper {
	if cfg.PortRange[0] == 0 && cfg.PortRange[1] == 0 {
		cfg.PortRange = defaultPortRange
	}
	if cfg.HopInterval <= 0 {
		cfg.HopInterval = defaultHopInterval
	}
	if cfg.HopDrainDelay < 0 {
		cfg.HopDrainDelay = defaultDrainDelay
	}

	return &Hopper{
		cfg:     cfg,
		log:     log,
		streams: newStreamListener(virtAddr(string(PortHopping))),
	}
}

// Listener yields accepted streams regardless of which pool port carried
// them.
func (h *Hopper) Listener() net.Listener { return h.streams }

// State returns a snapshot of the scheduler state.
func (h *Hopper) State() PortHopState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return PortHopState{ActivePort: h.activePort, NextPort: h.nextPort, Phase: h.phase}
}

// Start opens the first pool port and begins the rotation timer.
func (h *Hopper) Start(ctx context.Context) error {
	ln, port, err := h.listenInPool(0)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.lnActive = ln
	h.activePort = port
	h.phase = PhaseActive
	h.mu.Unlock()

	h.pump(ln)
	go h.run(ctx)

	h.log.WithFields(logrus.Fields{"port": port, "interval": h.cfg.HopInterval}).Info("port hopping started")
	return nil
}

func (h *Hopper) run(ctx context.Context) {
	t := time.NewTicker(h.cfg.HopInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := h.Hop(); err != nil {
				h.log.WithField("err", err).Warn("port hop failed")
			}
		}
	}
}

// Hop performs one rotation synchronously: open the next port, wait out the
// drain delay so in-flight accepts on the old socket complete, then close it.
func (h *Hopper) Hop() error {
	h.hopMu.Lock()
	defer h.hopMu.Unlock()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return net.ErrClosed
	}
	avoid := h.activePort
	h.mu.Unlock()

	ln, port, err := h.listenInPool(avoid)
	if err != nil {
		return err
	}

	h.mu.Lock()
	old := h.lnActive
	oldPort := h.activePort
	h.lnNext = ln
	h.nextPort = port
	h.phase = PhaseRotating
	h.mu.Unlock()

	h.pump(ln)

	if h.cfg.HopDrainDelay > 0 {
		time.Sleep(h.cfg.HopDrainDelay)
	}
	_ = old.Close()

	h.mu.Lock()
	h.lnActive = ln
	h.activePort = port
	h.lnNext = nil
	h.nextPort = 0
	h.phase = PhaseActive
	h.mu.Unlock()

	portHopsTotal.Inc()
	h.log.WithFields(logrus.Fields{"from": oldPort, "to": port}).Info("hopped port")
	return nil
}

func (h *Hopper) pump(ln net.Listener) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			if !h.streams.deliver(c) {
				_ = c.Close()
				return
			}
		}
	}()
}

func (h *Hopper) listenInPool(avoid int) (net.Listener, int, error) {
	lo, hi := h.cfg.PortRange[0], h.cfg.PortRange[1]
	if hi < lo {
		return nil, 0, fmt.Errorf("invalid port range %d-%d", lo, hi)
	}

	var lastErr error
	for range 32 {
		port := lo + rand.IntN(hi-lo+1)
		if port == avoid {
			continue
		}
		ln, err := ListenDirect(net.JoinHostPort(h.cfg.BindAddr, strconv.Itoa(port)), h.cfg.KeepAlive)
		if err != nil {
			lastErr = err
			continue
		}
		return ln, port, nil
	}
	if lastErr == nil {
		lastErr = errors.New("pool exhausted")
	}
	return nil, 0, fmt.Errorf("no listenable port in %d-%d: %w", lo, hi, lastErr)
}

// Close stops rotation listeners and the stream feed. Established sessions
// are not touched.
func (h *Hopper) Close() error {
	h.mu.Lock()
	h.closed = true
	if h.lnActive != nil {
		_ = h.lnActive.Close()
	}
	if h.lnNext != nil {
		_ = h.lnNext.Close()
	}
	h.mu.Unlock()

	_ = h.streams.Close()
	h.wg.Wait()
	return nil
}
