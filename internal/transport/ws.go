package transport

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/veiltun/veiltun/internal/codec"
)

// WSTokenPrefix marks a first frame that names the session instead of
// carrying payload. Absence of a token frame starts an anonymous session.
const WSTokenPrefix = "TKN!"

// WSTunnel tunnels duplex streams over a WebSocket connection: after the
// /ws upgrade, every binary frame in either direction carries one codec
// chunk.
type WSTunnel struct {
	cfg      Config
	cdc      *codec.Codec
	log      *logrus.Logger
	streams  *streamListener
	srv      *http.Server
	upgrader websocket.Upgrader
}

func NewWSTunnel(cfg Config, log *logrus.Logger) *WSTunnel {
	t := &WSTunnel{
		cfg:     cfg,
		cdc:     codec.New(cfg.ObfuscationKey),
		log:     log,
		streams: newStreamListener(virtAddr(string(WebSocket))),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", t.handleWS)
	mux.HandleFunc("/", t.handleDecoy)

	t.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return t
}

func (t *WSTunnel) Listener() net.Listener { return t.streams }

func (t *WSTunnel) Serve(ln net.Listener) error {
	err := t.srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (t *WSTunnel) Close() error {
	_ = t.streams.Close()
	return t.srv.Close()
}

func (t *WSTunnel) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	// The first binary frame may carry a session token; otherwise it is
	// the first payload chunk and must not be lost.
	var token string
	var pending []byte
	_ = ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			_ = ws.Close()
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		payload, err := t.cdc.Decode(data)
		if err != nil {
			protocolDrops.WithLabelValues(string(WebSocket)).Inc()
			_ = ws.Close()
			return
		}
		if s := string(payload); strings.HasPrefix(s, WSTokenPrefix) {
			token = s[len(WSTokenPrefix):]
		} else {
			pending = payload
		}
		break
	}
	_ = ws.SetReadDeadline(time.Time{})

	st := &wsStream{ws: ws, cdc: t.cdc, pending: pending, id: token}
	if !t.streams.deliver(st) {
		_ = ws.Close()
		return
	}
	t.log.WithFields(logrus.Fields{"session": token, "transport": WebSocket, "peer": ws.RemoteAddr().String()}).Debug("websocket session started")
}

func (t *WSTunnel) handleDecoy(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte("<!DOCTYPE html>\n<html><head><title>Secure Chat</title></head>\n" +
		"<body><h1>Secure Chat</h1><p>Sign in to continue.</p></body></html>\n"))
}

// wsStream presents a WebSocket connection as a duplex byte stream, decoding
// inbound frames and encoding outbound ones.
type wsStream struct {
	ws      *websocket.Conn
	cdc     *codec.Codec
	pending []byte
	id      string
}

func (s *wsStream) SessionID() string { return s.id }

func (s *wsStream) Read(p []byte) (int, error) {
	for len(s.pending) == 0 {
		mt, data, err := s.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) &&
				(ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway) {
				return 0, io.EOF
			}
			return 0, err
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		payload, err := s.cdc.Decode(data)
		if err != nil {
			protocolDrops.WithLabelValues(string(WebSocket)).Inc()
			return 0, codec.ErrMalformed
		}
		s.pending = payload
	}

	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *wsStream) Write(p []byte) (int, error) {
	if err := s.ws.WriteMessage(websocket.BinaryMessage, s.cdc.Encode(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	_ = s.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return s.ws.Close()
}

func (s *wsStream) LocalAddr() net.Addr  { return s.ws.LocalAddr() }
func (s *wsStream) RemoteAddr() net.Addr { return s.ws.RemoteAddr() }

func (s *wsStream) SetDeadline(t time.Time) error {
	if err := s.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return s.ws.SetWriteDeadline(t)
}

func (s *wsStream) SetReadDeadline(t time.Time) error  { return s.ws.SetReadDeadline(t) }
func (s *wsStream) SetWriteDeadline(t time.Time) error { return s.ws.SetWriteDeadline(t) }
