package dialer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/veiltun/veiltun/internal/codec"
	"github.com/veiltun/veiltun/internal/transport"
)

// wsTransport carries a duplex stream over binary WebSocket frames.
type wsTransport struct {
	cfg Config
}

func (t *wsTransport) Kind() transport.Kind { return transport.WebSocket }

func (t *wsTransport) Dial(ctx context.Context) (net.Conn, error) {
	d := websocket.Dialer{HandshakeTimeout: t.cfg.DialTimeout}

	url := fmt.Sprintf("ws://%s/ws", hostPort(t.cfg.ServerHost, t.cfg.WSPort))
	ws, _, err := d.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	cdc := codec.New(t.cfg.ObfuscationKey)

	// Name the session so the server registry carries a stable id.
	token := uuid.NewString()
	frame := cdc.Encode([]byte(transport.WSTokenPrefix + token))
	if err := ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("websocket token frame: %w", err)
	}

	return &wsConn{ws: ws, cdc: cdc}, nil
}

// wsConn mirrors the server's stream wrapper: frames in, bytes out.
type wsConn struct {
	ws      *websocket.Conn
	cdc     *codec.Codec
	pending []byte
}

func (c *wsConn) Read(p []byte) (int, error) {
	for len(c.pending) == 0 {
		mt, data, err := c.ws.ReadMessage()
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
		payload, err := c.cdc.Decode(data)
		if err != nil {
			return 0, codec.ErrMalformed
		}
		c.pending = payload
	}

	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, c.cdc.Encode(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
