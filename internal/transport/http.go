package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/veiltun/veiltun/internal/codec"
)

// SessionHeader carries the HTTP tunnel session token. Successive POSTs with
// the same token belong to the same duplex stream; requests without a known
// or expired token start a new session.
const SessionHeader = "X-Session-Token"

// SessionEndHeader is set on a response when the tunneled stream has reached
// end-of-stream; the body still carries any final bytes.
const SessionEndHeader = "X-Session-End"

const (
	maxChunk = 1 << 20

	defaultSessionTTL  = 2 * time.Minute
	defaultFlushWindow = 150 * time.Millisecond
)

// HTTPTunnel tunnels duplex streams over plain request/response pairs:
// POST /tunnel carries one client chunk up and whatever upstream bytes are
// ready back down. The domain-fronted adapter is this same wire contract plus
// a Host allowlist; it adds no protocol logic of its own.
type HTTPTunnelAdapter struct {
	cfg    Config
	cdc    *codec.Codec
	log    *logrus.Logger
	hopper *Hopper

	sessions *cache.Cache
	streams  *streamListener
	srv      *http.Server
}

// NewHTTPTunnel builds the adapter. hopper may be nil; when set, GET
// /port-info reports the port-hopping scheduler state.
func NewHTTPTunnel(cfg Config, log *logrus.Logger, hopper *Hopper) *HTTPTunnelAdapter {
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	if cfg.FlushWindow <= 0 {
		cfg.FlushWindow = defaultFlushWindow
	}

	t := &HTTPTunnelAdapter{
		cfg:      cfg,
		cdc:      codec.New(cfg.ObfuscationKey),
		log:      log,
		hopper:   hopper,
		sessions: cache.New(ttl, ttl/2),
		streams:  newStreamListener(virtAddr(string(cfg.Kind))),
	}
	t.sessions.OnEvicted(func(_ string, v any) {
		_ = v.(*httpStream).conn.Close()
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/tunnel", t.handleTunnel)
	mux.HandleFunc("/health", t.handleHealth)
	mux.HandleFunc("/port-info", t.handlePortInfo)
	mux.HandleFunc("/", t.handleDecoy)

	t.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return t
}

// Listener yields the deframed duplex streams for the dispatcher.
func (t *HTTPTunnelAdapter) Listener() net.Listener { return t.streams }

// Handler exposes the adapter's HTTP handler for serving behind an outer
// server, such as a TLS terminator.
func (t *HTTPTunnelAdapter) Handler() http.Handler { return t.srv.Handler }

// Serve runs the HTTP server on ln until closed.
func (t *HTTPTunnelAdapter) Serve(ln net.Listener) error {
	err := t.srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (t *HTTPTunnelAdapter) Close() error {
	_ = t.streams.Close()
	for _, item := range t.sessions.Items() {
		_ = item.Object.(*httpStream).conn.Close()
	}
	return t.srv.Close()
}

func (t *HTTPTunnelAdapter) handleTunnel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || !t.hostAllowed(r.Host) {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxChunk))
	if err != nil {
		panic(http.ErrAbortHandler)
	}

	// An empty body is a poll for pending downstream bytes, not a chunk.
	var payload []byte
	if len(body) > 0 {
		payload, err = t.cdc.Decode(body)
		if err != nil {
			// Malformed framing: drop the connection with no error
			// body, so probes can't tell a tunnel from a dead route.
			protocolDrops.WithLabelValues(string(t.cfg.Kind)).Inc()
			panic(http.ErrAbortHandler)
		}
	}

	token := r.Header.Get(SessionHeader)
	st := t.lookup(token)
	if st == nil {
		st, token = t.newStream(r.RemoteAddr)
		if st == nil {
			panic(http.ErrAbortHandler) // adapter shutting down
		}
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	t.sessions.SetDefault(token, st)

	ended := false
	if len(payload) > 0 {
		_ = st.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if _, err := st.conn.Write(payload); err != nil {
			ended = true
		}
	}

	var out []byte
	if !ended {
		out, ended = st.drain(t.cfg.FlushWindow)
	}
	if ended {
		t.sessions.Delete(token)
		w.Header().Set(SessionEndHeader, "1")
	}

	w.Header().Set(SessionHeader, token)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "no-cache")
	if len(out) > 0 {
		_, _ = w.Write(t.cdc.Encode(out))
	}
}

// handleHealth always succeeds while the adapter is listening, independent of
// session state.
func (t *HTTPTunnelAdapter) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok","service":"cdn"}`))
}

func (t *HTTPTunnelAdapter) handlePortInfo(w http.ResponseWriter, r *http.Request) {
	if t.hopper == nil {
		http.NotFound(w, r)
		return
	}

	st := t.hopper.State()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(PortInfo{
		CurrentPort: st.Current(),
		ActivePorts: st.Ports(),
		PortRange:   t.hopper.cfg.PortRange,
		HopInterval: int(t.hopper.cfg.HopInterval / time.Second),
	})
}

// PortInfo is the GET /port-info response body.
type PortInfo struct {
	CurrentPort int    `json:"current_port"`
	ActivePorts []int  `json:"active_ports"`
	PortRange   [2]int `json:"port_range"`
	HopInterval int    `json:"hop_interval"`
}

// handleDecoy serves an innocuous page so that poking the port looks like an
// ordinary static host rather than a tunnel endpoint.
func (t *HTTPTunnelAdapter) handleDecoy(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte("<!DOCTYPE html>\n<html><head><title>CDN Service</title></head>\n" +
		"<body><h1>Content Delivery Network</h1><p>Static content delivery node. Status: Online</p></body></html>\n"))
}

func (t *HTTPTunnelAdapter) hostAllowed(host string) bool {
	if len(t.cfg.FrontingDomains) == 0 {
		return true
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	for _, d := range t.cfg.FrontingDomains {
		if strings.EqualFold(host, d) {
			return true
		}
	}
	return false
}

func (t *HTTPTunnelAdapter) lookup(token string) *httpStream {
	if token == "" {
		return nil
	}
	v, ok := t.sessions.Get(token)
	if !ok {
		return nil
	}
	return v.(*httpStream)
}

// newStream creates the session's pipe pair: one end goes to the dispatcher
// as the client stream, the other is fed by subsequent requests carrying the
// same token.
func (t *HTTPTunnelAdapter) newStream(peer string) (*httpStream, string) {
	token := uuid.NewString()
	a, b := net.Pipe()

	if !t.streams.deliver(&tokenConn{Conn: a, id: token, peer: virtAddr(peer)}) {
		_ = a.Close()
		_ = b.Close()
		return nil, ""
	}

	t.log.WithFields(logrus.Fields{"session": token, "transport": t.cfg.Kind, "peer": peer}).Debug("http tunnel session started")
	return &httpStream{conn: b}, token
}

type httpStream struct {
	conn net.Conn
	mu   sync.Mutex
}

// drain collects whatever upstream bytes arrive within window. The second
// return is true once the stream has ended.
func (st *httpStream) drain(window time.Duration) ([]byte, bool) {
	var out []byte
	buf := make([]byte, 32*1024)
	deadline := time.Now().Add(window)
	wait := window

	for {
		_ = st.conn.SetReadDeadline(time.Now().Add(wait))
		n, err := st.conn.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return out, false
			}
			return out, true
		}
		if len(out) >= maxChunk || time.Now().After(deadline) {
			return out, false
		}
		wait = 5 * time.Millisecond
	}
}

type tokenConn struct {
	net.Conn
	id   string
	peer net.Addr
}

func (c *tokenConn) SessionID() string    { return c.id }
func (c *tokenConn) RemoteAddr() net.Addr { return c.peer }
