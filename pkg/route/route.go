// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package route derives the per-view rewrite rule from the browser
// view's initial URL. A Route is immutable once derived and drives
// every later hostname rewrite performed by pkg/target.
package route

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// allowedSuffixes lists the cloud domain suffixes the cmux form may end in.
var allowedSuffixes = []string{
	"cmux.app",
	"cmux.sh",
	"cmux.dev",
	"cmux.local",
	"cmux.localhost",
	"autobuild.app",
}

// morphVMSuffix is the fixed domain the Morph VM form always carries.
const morphVMSuffix = ".http.cloud.morph.so"

// Route is the per-view rewrite rule derived once from a view's initial URL.
type Route struct {
	MorphID      string
	Scope        string
	DomainSuffix string
}

// Parse derives a Route from a view's initial URL. A nil Route with a nil
// error means the URL matched neither derivation rule; the view then
// operates without rewriting. A non-nil error means the URL itself could
// not be parsed and should be logged at warn level by the caller.
func Parse(initialURL string) (*Route, error) {
	lowered := strings.ToLower(initialURL)

	u, err := url.Parse(lowered)
	if err != nil {
		return nil, fmt.Errorf("parse initial url: %w", err)
	}

	host := u.Hostname()
	if host == "" {
		return nil, nil
	}

	if rt, ok := parseMorphForm(host); ok {
		return rt, nil
	}

	if rt, ok := parseCmuxForm(host); ok {
		return rt, nil
	}

	return nil, nil
}

// parseMorphForm matches port-<PORT>-morphvm-<ID>.http.cloud.morph.so.
func parseMorphForm(host string) (*Route, bool) {
	if !strings.HasSuffix(host, morphVMSuffix) {
		return nil, false
	}
	body := strings.TrimSuffix(host, morphVMSuffix)
	if !strings.HasPrefix(body, "port-") {
		return nil, false
	}
	rest := strings.TrimPrefix(body, "port-")

	idx := strings.Index(rest, "-morphvm-")
	if idx < 0 {
		return nil, false
	}
	portPart := rest[:idx]
	id := rest[idx+len("-morphvm-"):]

	if portPart == "" || !isAllDigits(portPart) || id == "" {
		return nil, false
	}

	return &Route{MorphID: id, Scope: "base", DomainSuffix: "cmux.app"}, true
}

// parseCmuxForm matches cmux-<MORPH_ID>-<SCOPE>-<PORT>.<SUFFIX>.
func parseCmuxForm(host string) (*Route, bool) {
	if !strings.HasPrefix(host, "cmux-") {
		return nil, false
	}

	suffix, ok := matchSuffix(host)
	if !ok {
		return nil, false
	}

	subdomain := strings.TrimSuffix(host, "."+suffix)
	body := strings.TrimPrefix(subdomain, "cmux-")

	var segments []string
	for _, s := range strings.Split(body, "-") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	if len(segments) < 3 {
		return nil, false
	}

	port := segments[len(segments)-1]
	scope := segments[len(segments)-2]
	morphID := strings.Join(segments[:len(segments)-2], "-")

	if !isAllDigits(port) || morphID == "" {
		return nil, false
	}

	return &Route{MorphID: morphID, Scope: scope, DomainSuffix: suffix}, true
}

// matchSuffix returns the first allowed suffix the host ends with.
func matchSuffix(host string) (string, bool) {
	for _, suffix := range allowedSuffixes {
		if strings.HasSuffix(host, "."+suffix) {
			return suffix, true
		}
	}
	return "", false
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// BuildCmuxHost constructs the rewritten hostname for a Route and port.
// It is the inverse of Parse's cmux form and is used by tests to verify
// the round-trip law derive_route(build_cmux_host(route, port)) == route.
func BuildCmuxHost(rt Route, port int) string {
	return fmt.Sprintf("cmux-%s-%s-%s.%s", rt.MorphID, rt.Scope, strconv.Itoa(port), rt.DomainSuffix)
}
