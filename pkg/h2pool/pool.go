// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package h2pool pools HTTP/2 client connections to upstream hosts so
// repeated requests to the same remote cloud host reuse one TLS session
// instead of dialing fresh per request.
package h2pool

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/http2"
)

// entry wraps one pooled connection.
type entry struct {
	cc *http2.ClientConn
}

// Pool caches one *http2.ClientConn per "host:port", keyed by dial
// target. Callers acquire a connection with Ensure and must report a
// connection that stopped accepting requests via Evict so a fresh dial
// replaces it on the next Ensure.
type Pool struct {
	mu        sync.Mutex
	conns     map[string]*entry
	transport *http2.Transport
	dialer    *net.Dialer
	tlsConfig *tls.Config
}

// New constructs a Pool. insecureSkipVerify controls certificate
// validation for upstream dials and should only be set for local
// development against self-signed remote hosts.
func New(insecureSkipVerify bool) *Pool {
	p := &Pool{
		conns:  make(map[string]*entry),
		dialer: &net.Dialer{Timeout: 10 * time.Second},
		tlsConfig: &tls.Config{
			InsecureSkipVerify: insecureSkipVerify, // nolint:gosec -- opt-in for development
			NextProtos:         []string{"h2"},
		},
	}
	p.transport = &http2.Transport{
		DialTLSContext: p.dialTLS,
	}
	return p
}

// dialTLS performs the raw TLS dial used by the underlying
// http2.Transport whenever it needs a brand-new connection outside of
// the pool's own bookkeeping (it is also invoked directly by Ensure).
func (p *Pool) dialTLS(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
	rawConn, err := p.dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	tlsConn := tls.Client(rawConn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = rawConn.Close()
		return nil, fmt.Errorf("tls handshake %s: %w", addr, err)
	}
	return tlsConn, nil
}

// Ensure returns a live *http2.ClientConn for host:port, reusing a
// pooled connection when one exists and still accepts new streams, and
// dialing a fresh one otherwise.
func (p *Pool) Ensure(ctx context.Context, host string, port uint16) (*http2.ClientConn, error) {
	key := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	p.mu.Lock()
	if e, ok := p.conns[key]; ok {
		if e.cc.CanTakeNewRequest() {
			p.mu.Unlock()
			return e.cc, nil
		}
		delete(p.conns, key)
	}
	p.mu.Unlock()

	cfg := p.tlsConfig.Clone()
	cfg.ServerName = host
	conn, err := p.dialTLS(ctx, "tcp", key, cfg)
	if err != nil {
		return nil, err
	}
	cc, err := p.transport.NewClientConn(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("establish http2 session to %s: %w", key, err)
	}

	p.mu.Lock()
	p.conns[key] = &entry{cc: cc}
	p.mu.Unlock()

	return cc, nil
}

// Evict removes cc from the pool for host:port, if it is still the
// cached entry. Callers invoke this after a RoundTrip error or a GOAWAY
// so the next Ensure dials a replacement instead of retrying a dead
// connection.
func (p *Pool) Evict(host string, port uint16, cc *http2.ClientConn) {
	key := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.conns[key]; ok && e.cc == cc {
		delete(p.conns, key)
	}
}

// Len reports the number of pooled connections, for tests and
// diagnostics.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}
