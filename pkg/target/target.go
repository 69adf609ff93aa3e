// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package target parses the three inbound request shapes (HTTP/1.1
// absolute-form and origin-form, HTTP/2 pseudo-headers, and CONNECT
// authority-form) into a *url.URL, and rewrites loopback targets into
// the per-route remote cloud host per §4.C of the design.
package target

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/cmux-labs/preview-proxy/pkg/route"
)

// Target is the resolved forwarding destination for one request: the
// (possibly rewritten) URL, whether the upstream leg is TLS, and the
// TCP port to dial.
type Target struct {
	URL         *url.URL
	Secure      bool
	ConnectPort uint16
}

// loopbackLiteralNames is the exact set of hostname literals the
// contract in §6 recognizes as loopback, beyond numeric loopback
// addresses.
var loopbackLiteralNames = map[string]struct{}{
	"localhost":             {},
	"localhost.localdomain": {},
}

// IsLoopbackHost reports whether host (a URL hostname, brackets
// already stripped) resolves to the loopback literal set: IPv4
// 127.0.0.0/8, IPv6 ::1, and the literal strings "localhost" and
// "localhost.localdomain". Enlarging this set silently breaks
// rewriting semantics, so it must stay in lockstep with §6.
func IsLoopbackHost(host string) bool {
	lowered := strings.ToLower(host)
	if _, ok := loopbackLiteralNames[lowered]; ok {
		return true
	}
	ip := net.ParseIP(lowered)
	if ip == nil {
		return false
	}
	if ip4 := ip.To4(); ip4 != nil {
		return ip4[0] == 127
	}
	return ip.Equal(net.IPv6loopback)
}

// normalizeScheme maps the websocket schemes onto their HTTP
// equivalents; ws/wss requests are otherwise indistinguishable from
// plain HTTP as far as target parsing and rewriting are concerned.
func normalizeScheme(scheme string) string {
	switch strings.ToLower(scheme) {
	case "ws":
		return "http"
	case "wss":
		return "https"
	default:
		return scheme
	}
}

// ParseAbsoluteForm parses an HTTP/1.1 request line whose target is
// already an absolute URL (request line contains "scheme://"), mapping
// ws:// to http:// and wss:// to https:// first.
func ParseAbsoluteForm(rawURL string) (*url.URL, error) {
	normalized := rawURL
	lowered := strings.ToLower(rawURL)
	switch {
	case strings.HasPrefix(lowered, "wss://"):
		normalized = "https://" + rawURL[len("wss://"):]
	case strings.HasPrefix(lowered, "ws://"):
		normalized = "http://" + rawURL[len("ws://"):]
	}
	u, err := url.Parse(normalized)
	if err != nil {
		return nil, fmt.Errorf("parse absolute-form target: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("parse absolute-form target: missing host in %q", rawURL)
	}
	return u, nil
}

// ParseOriginForm combines an HTTP/1.1 path-only request target with
// the Host header: "http://<host><pathAndQuery>".
func ParseOriginForm(pathAndQuery, hostHeader string) (*url.URL, error) {
	if hostHeader == "" {
		return nil, fmt.Errorf("parse origin-form target: missing Host header")
	}
	if !strings.HasPrefix(pathAndQuery, "/") {
		pathAndQuery = "/" + pathAndQuery
	}
	u, err := url.Parse("http://" + hostHeader + pathAndQuery)
	if err != nil {
		return nil, fmt.Errorf("parse origin-form target: %w", err)
	}
	return u, nil
}

// ParseHTTP2 builds a URL from the HTTP/2 pseudo-headers
// (:scheme, :authority, :path). scheme defaults to "https" when empty
// and path defaults to "/" when empty.
func ParseHTTP2(scheme, authority, path string) (*url.URL, error) {
	if authority == "" {
		return nil, fmt.Errorf("parse http2 target: missing :authority")
	}
	if scheme == "" {
		scheme = "https"
	}
	if path == "" {
		path = "/"
	}
	u, err := url.Parse(normalizeScheme(scheme) + "://" + authority + path)
	if err != nil {
		return nil, fmt.Errorf("parse http2 target: %w", err)
	}
	return u, nil
}

// ParseConnectAuthority parses a CONNECT request's authority-form
// target ("host:port"). The port is mandatory and must parse as an
// integer; the result is always synthesized as "https://host:port"
// since the rewrite pipeline treats the remote side as HTTPS.
func ParseConnectAuthority(authority string) (*url.URL, error) {
	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		return nil, fmt.Errorf("parse connect authority %q: %w", authority, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("parse connect authority %q: invalid port %q", authority, portStr)
	}
	u, err := url.Parse(fmt.Sprintf("https://%s", net.JoinHostPort(host, portStr)))
	if err != nil {
		return nil, fmt.Errorf("parse connect authority %q: %w", authority, err)
	}
	return u, nil
}

// explicitPort returns the positive port explicitly present on u, or 0
// if u carries no port.
func explicitPort(u *url.URL) int {
	p := u.Port()
	if p == "" {
		return 0
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 {
		return 0
	}
	return port
}

// defaultPortForScheme returns 443 for https/wss and 80 otherwise.
func defaultPortForScheme(scheme string) int {
	switch strings.ToLower(scheme) {
	case "https", "wss":
		return 443
	default:
		return 80
	}
}

// RewriteAndResolve resolves u into a Target. When rt is non-nil and
// u's hostname is a loopback literal, the target is rewritten onto the
// per-route remote cloud host: scheme becomes https, host becomes
// "cmux-<morph_id>-<scope>-<port>.<domain_suffix>" with the requested
// port folded into the hostname and the URL's own port cleared, and
// the target is marked secure with connect_port 443 (the remote side
// is always HTTPS). Otherwise the URL passes through unchanged and
// secure/connect_port are derived from the original scheme and port.
func RewriteAndResolve(u *url.URL, rt *route.Route) *Target {
	scheme := normalizeScheme(u.Scheme)
	requestedPort := explicitPort(u)
	if requestedPort <= 0 {
		requestedPort = defaultPortForScheme(scheme)
	}

	if rt != nil && IsLoopbackHost(u.Hostname()) {
		port := requestedPort
		if port <= 0 || port > 65535 {
			port = 80
		}
		out := *u
		out.Scheme = "https"
		out.Host = route.BuildCmuxHost(*rt, port)
		return &Target{URL: &out, Secure: true, ConnectPort: 443}
	}

	out := *u
	out.Scheme = scheme
	secure := scheme == "https"
	connectPort := requestedPort
	if connectPort <= 0 {
		connectPort = defaultPortForScheme(scheme)
	}
	return &Target{URL: &out, Secure: secure, ConnectPort: uint16(connectPort)}
}
