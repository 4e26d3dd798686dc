// Package fallback decides which transport carries a client's traffic. It
// tries the configured transports strictly in priority order, remembers the
// last one that worked, and only demotes it after an observed failure.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/veiltun/veiltun/internal/dialer"
	"github.com/veiltun/veiltun/internal/transport"
)

// ErrAllTransportsFailed means every transport in the priority list was
// unreachable. Fatal for the current connection attempt; an external retry
// loop with backoff may try again.
var ErrAllTransportsFailed = errors.New("all transports failed")

// Controller attempts transports sequentially with a bounded timeout per
// attempt. No parallel probing: concurrent partial connections would make
// the outcome ambiguous.
type Controller struct {
	transports []dialer.Transport
	timeout    time.Duration
	log        *logrus.Logger

	mu      sync.Mutex
	current dialer.Transport // last known-good, nil when none
}

func New(transports []dialer.Transport, timeout time.Duration, log *logrus.Logger) *Controller {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Controller{transports: transports, timeout: timeout, log: log}
}

// Dial returns a duplex stream to the tunnel over the remembered transport,
// or scans the priority list from the top when there is none. Exhausting the
// list returns ErrAllTransportsFailed.
func (c *Controller) Dial(ctx context.Context) (net.Conn, transport.Kind, error) {
	c.mu.Lock()
	current := c.current
	c.mu.Unlock()

	if current != nil {
		conn, err := c.attempt(ctx, current)
		if err == nil {
			return conn, current.Kind(), nil
		}
		// Observed failure: forget it and rescan from the top, never
		// skipping a higher-priority transport.
		c.log.WithFields(logrus.Fields{"transport": current.Kind(), "err": err}).Warn("remembered transport failed")
		c.mu.Lock()
		if c.current == current {
			c.current = nil
		}
		c.mu.Unlock()
	}

	for _, t := range c.transports {
		conn, err := c.attempt(ctx, t)
		if err != nil {
			c.log.WithFields(logrus.Fields{"transport": t.Kind(), "err": err}).Info("transport unreachable")
			if ctx.Err() != nil {
				return nil, "", ctx.Err()
			}
			continue
		}

		c.mu.Lock()
		c.current = t
		c.mu.Unlock()
		c.log.WithField("transport", t.Kind()).Info("transport selected")
		return conn, t.Kind(), nil
	}

	return nil, "", fmt.Errorf("%w: tried %d transports", ErrAllTransportsFailed, len(c.transports))
}

// Current reports the remembered transport kind, empty when none.
func (c *Controller) Current() transport.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return ""
	}
	return c.current.Kind()
}

// Invalidate forgets the remembered transport after a mid-session failure on
// kind. The next Dial rescans from the top.
func (c *Controller) Invalidate(kind transport.Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil && c.current.Kind() == kind {
		c.current = nil
	}
}

func (c *Controller) attempt(ctx context.Context, t dialer.Transport) (net.Conn, error) {
	actx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return t.Dial(actx)
}
