package transport

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/veiltun/veiltun/internal/codec"
	"github.com/veiltun/veiltun/internal/testutil"
)

func startHTTPTunnel(t *testing.T, cfg Config, hopper *Hopper) (*HTTPTunnelAdapter, string) {
	t.Helper()

	if cfg.Kind == "" {
		cfg.Kind = HTTPTunnel
	}
	ht := NewHTTPTunnel(cfg, testutil.Logger(), hopper)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = ht.Serve(ln) }()
	t.Cleanup(func() {
		_ = ht.Close()
		_ = ln.Close()
	})

	return ht, ln.Addr().String()
}

// tunnelClient drives POST /tunnel by hand, reusing the token the first
// response hands out.
type tunnelClient struct {
	t     *testing.T
	url   string
	host  string
	cdc   *codec.Codec
	token string
}

func (c *tunnelClient) post(payload []byte) (data []byte, ended bool) {
	c.t.Helper()

	var body io.Reader
	if len(payload) > 0 {
		body = bytes.NewReader(c.cdc.Encode(payload))
	}
	req, err := http.NewRequest(http.MethodPost, c.url, body)
	if err != nil {
		c.t.Fatal(err)
	}
	if c.token != "" {
		req.Header.Set(SessionHeader, c.token)
	}
	if c.host != "" {
		req.Host = c.host
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		c.t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("tunnel status %s", resp.Status)
	}
	if c.token == "" {
		c.token = resp.Header.Get(SessionHeader)
	}
	ended = resp.Header.Get(SessionEndHeader) == "1"

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.t.Fatal(err)
	}
	if len(raw) == 0 {
		return nil, ended
	}
	data, err = c.cdc.Decode(raw)
	if err != nil {
		c.t.Fatal(err)
	}
	return data, ended
}

// waitFor polls with empty chunks until want has arrived in full.
func (c *tunnelClient) waitFor(want []byte) {
	c.t.Helper()

	var got []byte
	deadline := time.Now().Add(3 * time.Second)
	for !bytes.Equal(got, want) {
		if time.Now().After(deadline) {
			c.t.Fatalf("got %q, want %q", got, want)
		}
		data, ended := c.post(nil)
		got = append(got, data...)
		if ended && !bytes.Equal(got, want) {
			c.t.Fatalf("session ended with %q, want %q", got, want)
		}
	}
}

func TestHTTPTunnelProxiesChunks(t *testing.T) {
	ht, addr := startHTTPTunnel(t, Config{ObfuscationKey: "shared", FlushWindow: 50 * time.Millisecond}, nil)

	greeting := []byte{0x05, 0x02, 0x00, 0x02}
	reply := []byte{0x05, 0x02}

	seen := make(chan []byte, 1)
	go func() {
		c, err := ht.Listener().Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, len(greeting))
		if _, err := io.ReadFull(c, buf); err != nil {
			return
		}
		seen <- buf
		_, _ = c.Write(reply)
	}()

	tc := &tunnelClient{t: t, url: "http://" + addr + "/tunnel", cdc: codec.New("shared")}
	data, ended := tc.post(greeting)
	if tc.token == "" {
		t.Fatal("no session token issued")
	}

	var got []byte
	got = append(got, data...)
	deadline := time.Now().Add(3 * time.Second)
	for !bytes.Equal(got, reply) {
		if ended {
			t.Fatalf("session ended with %q, want %q", got, reply)
		}
		if time.Now().After(deadline) {
			t.Fatalf("reply %q never arrived, have %q", reply, got)
		}
		data, ended = tc.post(nil)
		got = append(got, data...)
	}

	select {
	case buf := <-seen:
		if !bytes.Equal(buf, greeting) {
			t.Fatalf("upstream saw %q, want %q", buf, greeting)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never saw the chunk")
	}
}

func TestHTTPTunnelTokenRoundTrip(t *testing.T) {
	ht, addr := startHTTPTunnel(t, Config{ObfuscationKey: "shared", FlushWindow: 50 * time.Millisecond}, nil)

	go func() {
		for {
			c, err := ht.Listener().Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()

	tc := &tunnelClient{t: t, url: "http://" + addr + "/tunnel", cdc: codec.New("shared")}

	first := tc.token
	tc.post([]byte("part one, "))
	if tc.token == first {
		t.Fatal("no session token issued")
	}
	token := tc.token
	tc.post([]byte("part two"))
	if tc.token != token {
		t.Fatalf("token changed mid-session: %q then %q", token, tc.token)
	}

	tc.waitFor([]byte("part one, part two"))
}

func TestHTTPTunnelHealth(t *testing.T) {
	_, addr := startHTTPTunnel(t, Config{}, nil)

	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %s", resp.Status)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" {
		t.Fatalf("status field %q", body.Status)
	}
}

func TestHTTPTunnelDecoy(t *testing.T) {
	_, addr := startHTTPTunnel(t, Config{}, nil)

	resp, err := http.Get("http://" + addr + "/")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte("Content Delivery Network")) {
		t.Fatalf("decoy page missing, status %s", resp.Status)
	}

	resp, err = http.Get("http://" + addr + "/admin")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown path status %s, want 404", resp.Status)
	}
}

func TestHTTPTunnelMalformedBodyDropsConnection(t *testing.T) {
	_, addr := startHTTPTunnel(t, Config{ObfuscationKey: "shared"}, nil)

	// A non-empty body that is not valid framing must kill the connection
	// with no HTTP error response at all.
	resp, err := http.Post("http://"+addr+"/tunnel", "application/octet-stream",
		bytes.NewReader([]byte("definitely not a frame")))
	if err == nil {
		_ = resp.Body.Close()
		t.Fatalf("got response %s, want dropped connection", resp.Status)
	}
}

func TestHTTPTunnelHostAllowlist(t *testing.T) {
	ht, addr := startHTTPTunnel(t, Config{
		Kind:            DomainFronted,
		FrontingDomains: []string{"cdn.example.com"},
		FlushWindow:     50 * time.Millisecond,
	}, nil)

	go func() {
		for {
			c, err := ht.Listener().Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()

	post := func(host string) int {
		req, err := http.NewRequest(http.MethodPost, "http://"+addr+"/tunnel", nil)
		if err != nil {
			t.Fatal(err)
		}
		if host != "" {
			req.Host = host
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		return resp.StatusCode
	}

	if code := post(""); code != http.StatusNotFound {
		t.Fatalf("unlisted host status %d, want 404", code)
	}
	if code := post("evil.example.org"); code != http.StatusNotFound {
		t.Fatalf("wrong host status %d, want 404", code)
	}
	if code := post("cdn.example.com:443"); code != http.StatusOK {
		t.Fatalf("allowed host status %d, want 200", code)
	}
}

func TestHTTPTunnelSessionExpiry(t *testing.T) {
	ht, addr := startHTTPTunnel(t, Config{
		SessionTTL:  50 * time.Millisecond,
		FlushWindow: 10 * time.Millisecond,
	}, nil)

	go func() {
		for {
			c, err := ht.Listener().Accept()
			if err != nil {
				return
			}
			go func() { _, _ = io.Copy(io.Discard, c) }()
		}
	}()

	tc := &tunnelClient{t: t, url: "http://" + addr + "/tunnel", cdc: codec.New("")}
	tc.post(nil)
	expired := tc.token
	if expired == "" {
		t.Fatal("no session token issued")
	}

	time.Sleep(300 * time.Millisecond)

	// The expired token must start a fresh session under a new token.
	req, err := http.NewRequest(http.MethodPost, "http://"+addr+"/tunnel", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set(SessionHeader, expired)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	fresh := resp.Header.Get(SessionHeader)
	if fresh == "" || fresh == expired {
		t.Fatalf("expired token %q was honored, got %q", expired, fresh)
	}
}
