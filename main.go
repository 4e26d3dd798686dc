package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/veiltun/veiltun/internal/socksauth"
	"github.com/veiltun/veiltun/internal/transport"
	"github.com/veiltun/veiltun/internal/tunnel"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		socksHost = pflag.String("socks-host", envDefault("SOCKS_HOST", "127.0.0.1"), "Upstream SOCKS5 proxy host")
		socksPort = pflag.Int("socks-port", envDefaultInt("SOCKS_PORT", 1080), "Upstream SOCKS5 proxy port")
		socksUser = pflag.String("socks-username", envDefault("SOCKS_USERNAME", ""), "Upstream SOCKS5 username")
		socksPass = pflag.String("socks-password", envDefault("SOCKS_PASSWORD", ""), "Upstream SOCKS5 password")

		bindAddr     = pflag.String("bind", "0.0.0.0", "Address the tunnel listeners bind to")
		httpPort     = pflag.Int("http-port", envDefaultInt("BYPASS_HTTP_PORT", 8443), "HTTP tunnel listening port")
		wsPort       = pflag.Int("ws-port", envDefaultInt("BYPASS_WS_PORT", 8444), "WebSocket tunnel listening port")
		frontedPort  = pflag.Int("fronted-port", envDefaultInt("BYPASS_FRONTED_PORT", 8445), "Domain-fronted tunnel listening port (only with --fronting-domains)")
		directListen = pflag.String("direct-listen", "", "Fixed direct passthrough listen address (e.g. 0.0.0.0:9999). Empty disables.")

		hopInterval = pflag.Int("hop-interval", envDefaultInt("HOP_INTERVAL", 300), "Port hop interval in seconds")
		portRange   = pflag.String("port-range", "8000-9000", "Port hopping pool, inclusive")
		hopDrain    = pflag.Duration("hop-drain", time.Second, "How long a retired hop listener keeps accepting before it closes")

		obfsKey  = pflag.String("obfuscation-key", envDefault("OBFUSCATION_KEY", ""), "Symmetric payload obfuscation key. Empty disables.")
		fronting = pflag.String("fronting-domains", envDefault("FRONTING_DOMAINS", ""), "Comma-separated hostnames accepted by the domain-fronted tunnel")

		idleTimeout  = pflag.Duration("idle-timeout", 5*time.Minute, "Force-close sessions with no traffic for this long")
		dialTimeout  = pflag.Duration("dial-timeout", 10*time.Second, "Timeout for upstream TCP connect")
		sessionTTL   = pflag.Duration("session-ttl", 2*time.Minute, "HTTP tunnel token lifetime without a request")
		flushWindow  = pflag.Duration("flush-window", 150*time.Millisecond, "How long the HTTP tunnel waits for upstream bytes per response")
		tcpKeepAlive = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")

		metricsListen = pflag.String("metrics-listen", "", "Monitoring HTTP listen address exposing /metrics, /healthz, /sessions (e.g. 127.0.0.1:9100). Empty disables.")
		verbose       = pflag.Bool("verbose", false, "Enable per-session debug logging")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	keepAlive, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	pool, err := parsePortRange(*portRange)
	if err != nil {
		return fmt.Errorf("invalid --port-range: %w", err)
	}

	frontingDomains := splitDomains(*fronting)

	upstream := tunnel.Endpoint{
		Host:     *socksHost,
		Port:     *socksPort,
		Username: *socksUser,
		Password: *socksPass,
	}

	dispatcher := tunnel.NewDispatcher(tunnel.Config{
		Upstream:    upstream,
		DialTimeout: *dialTimeout,
		IdleTimeout: *idleTimeout,
		KeepAlive:   keepAlive,
	}, log)

	// One negotiation round against the upstream so credential problems
	// surface at startup instead of inside every session.
	if err := preflight(upstream, *dialTimeout, log); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hopper := transport.NewHopper(transport.Config{
		Kind:          transport.PortHopping,
		BindAddr:      *bindAddr,
		PortRange:     pool,
		HopInterval:   time.Duration(*hopInterval) * time.Second,
		HopDrainDelay: *hopDrain,
		KeepAlive:     keepAlive,
	}, log)
	if err := hopper.Start(ctx); err != nil {
		return fmt.Errorf("port hopping: %w", err)
	}
	context.AfterFunc(ctx, func() { _ = hopper.Close() })
	g.Go(func() error { return dispatcher.Serve(ctx, hopper.Listener(), transport.PortHopping) })
	log.WithField("port", hopper.State().ActivePort).Info("port hopping active")

	ht := transport.NewHTTPTunnel(transport.Config{
		Kind:           transport.HTTPTunnel,
		ObfuscationKey: *obfsKey,
		SessionTTL:     *sessionTTL,
		FlushWindow:    *flushWindow,
	}, log, hopper)
	if err := serveAdapter(ctx, g, dispatcher, ht, listenAddr(*bindAddr, *httpPort), keepAlive, transport.HTTPTunnel); err != nil {
		return err
	}
	log.WithField("port", *httpPort).Info("http tunnel listening")

	wt := transport.NewWSTunnel(transport.Config{
		Kind:           transport.WebSocket,
		ObfuscationKey: *obfsKey,
	}, log)
	if err := serveAdapter(ctx, g, dispatcher, wt, listenAddr(*bindAddr, *wsPort), keepAlive, transport.WebSocket); err != nil {
		return err
	}
	log.WithField("port", *wsPort).Info("websocket tunnel listening")

	if len(frontingDomains) > 0 {
		ft := transport.NewHTTPTunnel(transport.Config{
			Kind:            transport.DomainFronted,
			FrontingDomains: frontingDomains,
			ObfuscationKey:  *obfsKey,
			SessionTTL:      *sessionTTL,
			FlushWindow:     *flushWindow,
		}, log, nil)
		if err := serveAdapter(ctx, g, dispatcher, ft, listenAddr(*bindAddr, *frontedPort), keepAlive, transport.DomainFronted); err != nil {
			return err
		}
		log.WithFields(logrus.Fields{"port": *frontedPort, "domains": frontingDomains}).Info("domain-fronted tunnel listening")
	}

	if *directListen != "" {
		ln, err := transport.ListenDirect(*directListen, keepAlive)
		if err != nil {
			return fmt.Errorf("direct listen: %w", err)
		}
		context.AfterFunc(ctx, func() { _ = ln.Close() })
		g.Go(func() error { return dispatcher.Serve(ctx, ln, transport.Direct) })
		log.WithField("addr", *directListen).Info("direct passthrough listening")
	}

	if *metricsListen != "" {
		srv := monitoringServer(dispatcher.Registry())
		ln, err := transport.ListenDirect(*metricsListen, keepAlive)
		if err != nil {
			return fmt.Errorf("metrics listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = srv.Close()
			_ = ln.Close()
		})
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics serve: %w", err)
			}
			return nil
		})
		log.WithField("addr", *metricsListen).Info("monitoring listening")
	}

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	log.Info("shutting down")
	return err
}

// adapter is the common surface of the handler-fed tunnel listeners.
type adapter interface {
	Listener() net.Listener
	Serve(net.Listener) error
	Close() error
}

func serveAdapter(ctx context.Context, g *errgroup.Group, d *tunnel.Dispatcher, a adapter, addr string, keepAlive net.KeepAliveConfig, kind transport.Kind) error {
	ln, err := transport.ListenDirect(addr, keepAlive)
	if err != nil {
		return fmt.Errorf("%s listen: %w", kind, err)
	}
	context.AfterFunc(ctx, func() {
		_ = a.Close()
		_ = ln.Close()
	})

	g.Go(func() error {
		if err := a.Serve(ln); err != nil {
			return fmt.Errorf("%s serve: %w", kind, err)
		}
		return nil
	})
	g.Go(func() error { return d.Serve(ctx, a.Listener(), kind) })
	return nil
}

func preflight(ep tunnel.Endpoint, timeout time.Duration, log *logrus.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := socksauth.Preflight(ctx, ep, timeout)
	switch {
	case err == nil:
		log.WithField("upstream", ep.Addr()).Info("upstream verified")
		return nil
	case errors.Is(err, tunnel.ErrAuthFailed):
		return fmt.Errorf("upstream preflight: %w", err)
	default:
		// The backend may simply not be up yet; sessions will report
		// unreachable until it is.
		log.WithFields(logrus.Fields{"upstream": ep.Addr(), "err": err}).Warn("upstream preflight failed")
		return nil
	}
}

func monitoringServer(reg *tunnel.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/sessions", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(reg.Snapshot())
	})
	return &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
}

func listenAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
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

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := parsePositiveInt(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
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
