// Command client runs the local end of the tunnel. It listens on a plain TCP
// port, and for every accepted connection opens a stream to the server over
// the best working transport, falling back down the priority list when the
// preferred one stops working. Point a SOCKS5-speaking application at the
// listen address; the SOCKS5 protocol itself is handled by the upstream
// backend behind the server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/veiltun/veiltun/internal/dialer"
	"github.com/veiltun/veiltun/internal/fallback"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		listen = pflag.String("listen", "127.0.0.1:11080", "Local listen address applications connect to")
		server = pflag.String("server", envDefault("SERVER_IP", "127.0.0.1"), "Tunnel server host")

		directPort = pflag.Int("direct-port", envDefaultInt("SOCKS_PORT", 1080), "Server port for the direct transport")
		httpPort   = pflag.Int("http-port", envDefaultInt("BYPASS_HTTP_PORT", 8443), "Server port for the HTTP tunnel")
		wsPort     = pflag.Int("ws-port", envDefaultInt("BYPASS_WS_PORT", 8444), "Server port for the WebSocket tunnel")
		portRange  = pflag.String("port-range", "8000-9000", "Port hopping pool, inclusive")

		obfsKey     = pflag.String("obfuscation-key", envDefault("OBFUSCATION_KEY", ""), "Symmetric payload obfuscation key. Must match the server.")
		fronting    = pflag.String("fronting-domains", envDefault("FRONTING_DOMAINS", ""), "Comma-separated hostnames to front through")
		frontedAddr = pflag.String("fronted-addr", "", "TLS endpoint for domain fronting (host:port). Empty uses the first fronting domain on 443.")
		tlsInsecure = pflag.Bool("tls-insecure", false, "Skip TLS certificate verification on the fronted transport")

		dialTimeout = pflag.Duration("dial-timeout", 10*time.Second, "Timeout per transport connection attempt")
		verbose     = pflag.Bool("verbose", false, "Enable per-connection debug logging")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	pool, err := parsePortRange(*portRange)
	if err != nil {
		return fmt.Errorf("invalid --port-range: %w", err)
	}

	cfg := dialer.Config{
		ServerHost:      *server,
		DirectPort:      *directPort,
		HTTPPort:        *httpPort,
		WSPort:          *wsPort,
		FrontedAddr:     *frontedAddr,
		FrontingDomains: splitDomains(*fronting),
		TLSInsecure:     *tlsInsecure,
		PortRange:       pool,
		ObfuscationKey:  *obfsKey,
		DialTimeout:     *dialTimeout,
	}
	ctrl := fallback.New(dialer.Transports(cfg), *dialTimeout, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", *listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	context.AfterFunc(ctx, func() { _ = ln.Close() })

	log.WithFields(logrus.Fields{"listen": *listen, "server": *server}).Info("client listening")

	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				log.Info("shutting down")
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go handle(ctx, c, ctrl, log)
	}
}

func handle(ctx context.Context, local net.Conn, ctrl *fallback.Controller, log *logrus.Logger) {
	defer local.Close()

	remote, kind, err := ctrl.Dial(ctx)
	if err != nil {
		log.WithField("err", err).Warn("connect failed")
		return
	}

	clog := log.WithFields(logrus.Fields{"transport": kind, "peer": local.RemoteAddr().String()})
	clog.Debug("connection open")

	if err := relay(ctx, local, remote); err != nil {
		// A mid-session break means the transport we trusted is no longer
		// sound; forget it so the next connection rescans.
		ctrl.Invalidate(kind)
		clog.WithField("err", err).Info("connection broken")
		return
	}
	clog.Debug("connection closed")
}

// relay pumps bytes both ways until either side closes. Closing both ends
// unblocks the opposite copy, so the shutdown errors it causes are not
// failures.
func relay(ctx context.Context, a, b net.Conn) error {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			_ = a.Close()
			_ = b.Close()
		})
	}
	defer closeBoth()

	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(b, a)
		closeBoth()
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(a, b)
		closeBoth()
		return err
	})

	err := g.Wait()
	if err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func splitDomains(s string) []string {
	var out []string
	for _, d := range strings.Split(s, ",") {
		if d = strings.TrimSpace(d); d != "" {
			out = append(out, d)
		}
	}
	return out
}

func parsePortRange(s string) ([2]int, error) {
	lo, hi, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return [2]int{}, errors.New("expected lo-hi")
	}
	l, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return [2]int{}, err
	}
	h, err := strconv.Atoi(strings.TrimSpace(hi))
	if err != nil {
		return [2]int{}, err
	}
	if l <= 0 || h < l || h > 65535 {
		return [2]int{}, fmt.Errorf("bad range %d-%d", l, h)
	}
	return [2]int{l, h}, nil
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
