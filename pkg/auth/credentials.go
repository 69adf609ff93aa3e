// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package auth mints per-view Proxy-Authorization credentials and
// verifies inbound requests against them.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

// Realm is the Proxy-Authenticate realm string, verbatim across every
// 407 response the proxy emits.
const Realm = "Cmux Preview Proxy"

// Minter generates cryptographically random Basic-auth credentials.
// Rand is overridable in tests; production callers should leave it nil
// to use crypto/rand.Reader.
type Minter struct {
	Rand func(n int) ([]byte, error)
}

// NewMinter constructs a Minter backed by crypto/rand.
func NewMinter() *Minter {
	return &Minter{Rand: randomBytes}
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}
	return b, nil
}

// Mint generates a fresh username/password pair for viewID. The
// username embeds viewID and 4 random bytes of hex so it is both
// globally unique and traceable back to its owning view; the password
// is 12 random bytes of hex.
func (m *Minter) Mint(viewID string) (username, password string, err error) {
	gen := m.Rand
	if gen == nil {
		gen = randomBytes
	}

	userSuffix, err := gen(4)
	if err != nil {
		return "", "", fmt.Errorf("mint username suffix: %w", err)
	}
	passBytes, err := gen(12)
	if err != nil {
		return "", "", fmt.Errorf("mint password: %w", err)
	}

	username = fmt.Sprintf("%s-%s", viewID, hex.EncodeToString(userSuffix))
	password = hex.EncodeToString(passBytes)
	return username, password, nil
}

// ParseProxyAuthorization decodes a "Basic base64(user:pass)" header
// value. ok is false for any malformed or non-Basic header.
func ParseProxyAuthorization(headerValue string) (username, password string, ok bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(headerValue, prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(headerValue, prefix))
	if err != nil {
		return "", "", false
	}
	user, pass, found := strings.Cut(string(decoded), ":")
	if !found {
		return "", "", false
	}
	return user, pass, true
}

// WriteUnauthorized writes a 407 response with the standard
// Proxy-Authenticate header, used for both H1 and H2 requests.
func WriteUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Proxy-Authenticate", fmt.Sprintf("Basic realm=%q", Realm))
	w.WriteHeader(http.StatusProxyAuthRequired)
	_, _ = w.Write([]byte("Proxy Authentication Required"))
}

// RawUnauthorized renders a socket-level 407 response (raw H1 status
// line form) for writing directly to a hijacked connection. The
// acceptor answers failed CONNECT and Upgrade requests before hijacking,
// through WriteUnauthorized, and does not call this.
func RawUnauthorized() []byte {
	return []byte("HTTP/1.1 407 Proxy Authentication Required\r\n" +
		"Proxy-Authenticate: Basic realm=\"" + Realm + "\"\r\n\r\n")
}
