// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package header sanitizes HTTP headers crossing the proxy boundary:
// dropping hop-by-hop and pseudo-headers, forcing the outbound Host,
// and flattening multi-valued headers per §4.D of the design.
package header

import (
	"net/http"
	"strings"
)

// HopByHop is the case-insensitive set of headers that must never cross
// a proxy boundary.
var HopByHop = map[string]struct{}{
	"connection":        {},
	"proxy-connection":  {},
	"keep-alive":        {},
	"upgrade":           {},
	"transfer-encoding": {},
	"te":                {},
	"trailer":           {},
}

// IsHopByHop reports whether name (any case) is a hop-by-hop header.
func IsHopByHop(name string) bool {
	_, ok := HopByHop[strings.ToLower(name)]
	return ok
}

// IsPseudo reports whether name is an HTTP/2 pseudo-header (":method", etc).
func IsPseudo(name string) bool {
	return strings.HasPrefix(name, ":")
}

// SanitizeRequest builds the header set sent upstream: pseudo-headers,
// proxy-authorization, and hop-by-hop headers are dropped; every
// remaining multi-valued header is flattened by joining with ", "; Host
// is forced to targetHost.
func SanitizeRequest(src http.Header, targetHost string) http.Header {
	out := make(http.Header, len(src)+1)
	for k, vv := range src {
		lk := strings.ToLower(k)
		if IsPseudo(lk) || lk == "proxy-authorization" || IsHopByHop(lk) {
			continue
		}
		out.Set(k, strings.Join(vv, ", "))
	}
	out.Set("Host", targetHost)
	return out
}

// SanitizeUpgradeRequest builds the header set replayed to the upstream
// on an Upgrade tunnel: pseudo-headers and proxy-authorization are
// dropped and Host is forced to targetHost, but hop-by-hop headers pass
// through verbatim since Upgrade semantics require Upgrade and
// Connection: Upgrade to reach the far side unchanged.
func SanitizeUpgradeRequest(src http.Header, targetHost string) http.Header {
	out := make(http.Header, len(src)+1)
	for k, vv := range src {
		lk := strings.ToLower(k)
		if IsPseudo(lk) || lk == "proxy-authorization" {
			continue
		}
		if IsHopByHop(lk) {
			out[k] = append([]string(nil), vv...)
			continue
		}
		out.Set(k, strings.Join(vv, ", "))
	}
	out.Set("Host", targetHost)
	return out
}

// SanitizeResponse builds the header set written downstream: pseudo
// headers and hop-by-hop headers are dropped. set-cookie is preserved as
// a multi-entry header (never joined, so cookies survive a forwarding
// hop); every other multi-valued header is flattened by joining with ", ".
func SanitizeResponse(src http.Header) http.Header {
	out := make(http.Header, len(src))
	for k, vv := range src {
		lk := strings.ToLower(k)
		if IsPseudo(lk) || IsHopByHop(lk) {
			continue
		}
		if lk == "set-cookie" {
			for _, v := range vv {
				out.Add(k, v)
			}
			continue
		}
		out.Set(k, strings.Join(vv, ", "))
	}
	return out
}
