package dialer

import (
	"crypto/tls"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/veiltun/veiltun/internal/codec"
	"github.com/veiltun/veiltun/internal/transport"
)

// newFrontedTransport builds the domain-fronted variant of the HTTP tunnel:
// the TLS handshake presents a fronting domain as SNI while the Host header
// names the real tunnel endpoint, relying on the intermediary routing by
// Host. There is no new protocol here, only a connectivity policy.
//
// Whether a given CDN actually routes SNI/Host mismatches is third-party
// behavior outside this code's control.
func newFrontedTransport(cfg Config) *httpTransport {
	front := cfg.FrontingDomains[rand.IntN(len(cfg.FrontingDomains))]

	addr := cfg.FrontedAddr
	if addr == "" {
		addr = hostPort(front, 443)
	}

	client := &http.Client{
		Timeout: 15 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion:         tls.VersionTLS12,
				ServerName:         front,
				InsecureSkipVerify: cfg.TLSInsecure, //nolint:gosec // Fronted certs never match the Host we want.
			},
			ForceAttemptHTTP2: false,
		},
	}

	return &httpTransport{
		cfg:        cfg,
		kind:       transport.DomainFronted,
		url:        fmt.Sprintf("https://%s/tunnel", addr),
		hostHeader: hostPort(cfg.ServerHost, cfg.HTTPPort),
		client:     client,
		cdc:        codec.New(cfg.ObfuscationKey),
	}
}
