package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/veiltun/veiltun/internal/transport"
)

// Endpoint is the upstream SOCKS5 backend. Its byte stream is opaque to the
// dispatcher; credentials are only used by the startup preflight.
type Endpoint struct {
	Host     string
	Port     int
	Username string
	Password string
}

func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

type Config struct {
	Upstream    Endpoint
	DialTimeout time.Duration

	// IdleTimeout force-closes a session with no traffic in either
	// direction. Zero disables the reaper.
	IdleTimeout time.Duration

	KeepAlive net.KeepAliveConfig
}

// Dispatcher relays client streams to the upstream backend. A failure in one
// session never affects another and never terminates the serve loops.
type Dispatcher struct {
	cfg Config
	reg *Registry
	log *logrus.Logger
}

func NewDispatcher(cfg Config, log *logrus.Logger) *Dispatcher {
	return &Dispatcher{cfg: cfg, reg: NewRegistry(), log: log}
}

// Registry exposes the session registry for monitoring.
func (d *Dispatcher) Registry() *Registry { return d.reg }

// Serve accepts client streams from ln and relays each in its own goroutine
// until ln is closed.
func (d *Dispatcher) Serve(ctx context.Context, ln net.Listener, kind transport.Kind) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept %s: %w", kind, err)
		}
		go func() {
			_, _, _ = d.Relay(ctx, c, kind)
		}()
	}
}

// sessionIDer lets an adapter name the session it delivers (HTTP tunnel
// tokens, WebSocket token frames). Streams without one get a random id.
type sessionIDer interface {
	SessionID() string
}

// Relay opens one upstream connection for client and pumps bytes both ways
// until either side closes, errors, or the idle timeout fires. It returns the
// byte counts and the close reason; nil means a clean end-of-stream.
func (d *Dispatcher) Relay(ctx context.Context, client net.Conn, kind transport.Kind) (bytesIn, bytesOut int64, reason error) {
	dd := net.Dialer{Timeout: d.cfg.DialTimeout}
	upstream, err := dd.DialContext(ctx, "tcp", d.cfg.Upstream.Addr())
	if err != nil {
		_ = client.Close()
		relayErrors.WithLabelValues("unreachable").Inc()
		d.log.WithFields(logrus.Fields{"transport": kind, "upstream": d.cfg.Upstream.Addr(), "err": err}).Warn("upstream dial failed")
		return 0, 0, fmt.Errorf("%w: dial %s: %v", ErrUnreachable, d.cfg.Upstream.Addr(), err)
	}
	if tc, ok := upstream.(*net.TCPConn); ok {
		_ = tc.SetKeepAliveConfig(d.cfg.KeepAlive)
	}

	id := ""
	if ider, ok := client.(sessionIDer); ok {
		id = ider.SessionID()
	}
	if id == "" {
		id = uuid.NewString()
	}

	s := newSession(id, kind, client, upstream)
	d.reg.add(s)
	activeSessions.Inc()
	sessionsTotal.WithLabelValues(string(kind)).Inc()

	slog := d.log.WithFields(logrus.Fields{"session": s.ID, "transport": kind, "peer": s.Peer})
	slog.Debug("session open")

	start := time.Now()
	defer func() {
		s.close()
		d.reg.remove(s.ID)
		activeSessions.Dec()
		bytesTotal.WithLabelValues("in").Add(float64(s.BytesIn()))
		bytesTotal.WithLabelValues("out").Add(float64(s.BytesOut()))
		sessionSeconds.Observe(time.Since(start).Seconds())

		f := slog.WithFields(logrus.Fields{"bytes_in": s.BytesIn(), "bytes_out": s.BytesOut()})
		if reason != nil {
			f.WithField("reason", reason.Error()).Info("session closed")
		} else {
			f.Info("session closed")
		}
	}()

	stop := context.AfterFunc(ctx, s.close)
	defer stop()

	done := make(chan struct{})
	defer close(done)

	var idle atomic.Bool
	if d.cfg.IdleTimeout > 0 {
		go d.reapWhenIdle(s, done, &idle)
	}

	cc := &countingConn{Conn: client, sess: s, read: &s.bytesIn, written: &s.bytesOut}

	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(upstream, cc)
		s.close()
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(cc, upstream)
		s.close()
		return err
	})
	err = g.Wait()

	switch {
	case idle.Load():
		reason = errIdleTimeout
	case err == nil, errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		reason = nil
	case ctx.Err() != nil:
		reason = ctx.Err()
	default:
		relayErrors.WithLabelValues("broken").Inc()
		reason = fmt.Errorf("%w: %v", ErrSessionBroken, err)
	}
	return s.BytesIn(), s.BytesOut(), reason
}

func (d *Dispatcher) reapWhenIdle(s *Session, done <-chan struct{}, idle *atomic.Bool) {
	interval := d.cfg.IdleTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-done:
			return
		case <-t.C:
			if s.IdleFor() >= d.cfg.IdleTimeout {
				idle.Store(true)
				s.close()
				return
			}
		}
	}
}
