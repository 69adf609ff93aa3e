// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package target

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmux-labs/preview-proxy/pkg/route"
)

func TestIsLoopbackHost(t *testing.T) {
	for _, host := range []string{"127.0.0.1", "127.8.8.8", "::1", "localhost", "LOCALHOST", "localhost.localdomain"} {
		assert.True(t, IsLoopbackHost(host), host)
	}
	for _, host := range []string{"example.com", "10.0.0.1", "192.168.1.1", "cmux-abcd-base-8080.cmux.app"} {
		assert.False(t, IsLoopbackHost(host), host)
	}
}

func TestParseAbsoluteForm(t *testing.T) {
	u, err := ParseAbsoluteForm("http://127.0.0.1:8080/api")
	require.NoError(t, err)
	assert.Equal(t, "http", u.Scheme)
	assert.Equal(t, "127.0.0.1:8080", u.Host)
	assert.Equal(t, "/api", u.Path)
}

func TestParseAbsoluteFormWebsocket(t *testing.T) {
	u, err := ParseAbsoluteForm("ws://127.0.0.1:8080/socket")
	require.NoError(t, err)
	assert.Equal(t, "http", u.Scheme)

	u, err = ParseAbsoluteForm("wss://example.com/socket")
	require.NoError(t, err)
	assert.Equal(t, "https", u.Scheme)
}

func TestParseAbsoluteFormMissingHost(t *testing.T) {
	_, err := ParseAbsoluteForm("http:///path")
	require.Error(t, err)
}

func TestParseOriginForm(t *testing.T) {
	u, err := ParseOriginForm("/api?x=1", "127.0.0.1:8080")
	require.NoError(t, err)
	assert.Equal(t, "http", u.Scheme)
	assert.Equal(t, "127.0.0.1:8080", u.Host)
	assert.Equal(t, "/api", u.Path)
	assert.Equal(t, "x=1", u.RawQuery)
}

func TestParseOriginFormMissingHost(t *testing.T) {
	_, err := ParseOriginForm("/api", "")
	require.Error(t, err)
}

func TestParseHTTP2Defaults(t *testing.T) {
	u, err := ParseHTTP2("", "127.0.0.1:8080", "")
	require.NoError(t, err)
	assert.Equal(t, "https", u.Scheme)
	assert.Equal(t, "/", u.Path)
}

func TestParseHTTP2MissingAuthority(t *testing.T) {
	_, err := ParseHTTP2("https", "", "/x")
	require.Error(t, err)
}

func TestParseConnectAuthority(t *testing.T) {
	u, err := ParseConnectAuthority("127.0.0.1:3000")
	require.NoError(t, err)
	assert.Equal(t, "https", u.Scheme)
	assert.Equal(t, "127.0.0.1:3000", u.Host)
}

func TestParseConnectAuthorityMissingPort(t *testing.T) {
	_, err := ParseConnectAuthority("127.0.0.1")
	require.Error(t, err)
}

func TestParseConnectAuthorityBadPort(t *testing.T) {
	_, err := ParseConnectAuthority("127.0.0.1:notaport")
	require.Error(t, err)
}

func TestRewriteAndResolveLoopback(t *testing.T) {
	rt := &route.Route{MorphID: "abcd", Scope: "base", DomainSuffix: "cmux.app"}
	u, err := url.Parse("http://127.0.0.1:8080/api")
	require.NoError(t, err)

	tgt := RewriteAndResolve(u, rt)
	assert.True(t, tgt.Secure)
	assert.Equal(t, uint16(443), tgt.ConnectPort)
	assert.Equal(t, "https", tgt.URL.Scheme)
	assert.Equal(t, "cmux-abcd-base-8080.cmux.app", tgt.URL.Host)
	assert.Equal(t, "/api", tgt.URL.Path)
}

func TestRewriteAndResolveLoopbackDefaultPort(t *testing.T) {
	rt := &route.Route{MorphID: "abcd", Scope: "base", DomainSuffix: "cmux.app"}
	u, err := url.Parse("https://localhost/api")
	require.NoError(t, err)

	tgt := RewriteAndResolve(u, rt)
	assert.True(t, tgt.Secure)
	assert.Equal(t, "cmux-abcd-base-443.cmux.app", tgt.URL.Host)
}

func TestRewriteAndResolvePassThrough(t *testing.T) {
	rt := &route.Route{MorphID: "abcd", Scope: "base", DomainSuffix: "cmux.app"}
	u, err := url.Parse("https://example.com/")
	require.NoError(t, err)

	tgt := RewriteAndResolve(u, rt)
	assert.True(t, tgt.Secure)
	assert.Equal(t, uint16(443), tgt.ConnectPort)
	assert.Equal(t, "example.com", tgt.URL.Host)
}

func TestRewriteAndResolveNoRouteNoRewrite(t *testing.T) {
	u, err := url.Parse("http://127.0.0.1:3000/api")
	require.NoError(t, err)

	tgt := RewriteAndResolve(u, nil)
	assert.False(t, tgt.Secure)
	assert.Equal(t, uint16(3000), tgt.ConnectPort)
	assert.Equal(t, "127.0.0.1:3000", tgt.URL.Host)
}

func TestRewriteAndResolveHTTPDefaultPort(t *testing.T) {
	u, err := url.Parse("http://example.com/")
	require.NoError(t, err)

	tgt := RewriteAndResolve(u, nil)
	assert.False(t, tgt.Secure)
	assert.Equal(t, uint16(80), tgt.ConnectPort)
}
