// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package server is the proxy's Acceptor: it binds a loopback port,
// serves HTTP/1.1 and cleartext HTTP/2 on the same socket, authenticates
// every inbound request against the credential registry, and dispatches
// it to either the streaming forwarder or the tunnel handler.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/cmux-labs/preview-proxy/pkg/auth"
	"github.com/cmux-labs/preview-proxy/pkg/dispatch"
	"github.com/cmux-labs/preview-proxy/pkg/header"
	"github.com/cmux-labs/preview-proxy/pkg/registry"
	"github.com/cmux-labs/preview-proxy/pkg/target"
	"github.com/cmux-labs/preview-proxy/pkg/telemetry"
	"github.com/cmux-labs/preview-proxy/pkg/tunnel"
)

// ErrBindExhausted is returned when every port in the scan range was
// already in use. It is the one fatal condition the core surfaces.
var ErrBindExhausted = errors.New("server: exhausted port scan range")

// Server is the single process-wide acceptor. It starts listening
// lazily, on the first EnsureListening call, and is retained across
// every configured view.
type Server struct {
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	tunnel     *tunnel.Handler
	sink       telemetry.Sink

	mu       sync.Mutex
	listener net.Listener
	httpSrv  *http.Server
	port     int
}

// New constructs a Server bound to the given registry, dispatcher, and
// tunnel handler. The server does not start listening until
// EnsureListening is called.
func New(reg *registry.Registry, dispatcher *dispatch.Dispatcher, tun *tunnel.Handler, sink telemetry.Sink) *Server {
	return &Server{
		registry:   reg,
		dispatcher: dispatcher,
		tunnel:     tun,
		sink:       sink,
	}
}

// EnsureListening binds the server on the first free loopback port
// starting at startPort, scanning up to maxAttempts ports on
// EADDRINUSE, and returns the bound port. Calling it again after a
// successful bind is a no-op that returns the existing port.
func (s *Server) EnsureListening(startPort, maxAttempts int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.port, nil
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		port := startPort + attempt
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			s.listener = ln
			s.port = port
			break
		}
		if !isAddrInUse(err) {
			return 0, fmt.Errorf("bind 127.0.0.1:%d: %w", port, err)
		}
		lastErr = err
	}
	if s.listener == nil {
		return 0, fmt.Errorf("%w: %v", ErrBindExhausted, lastErr)
	}

	h2s := &http2.Server{}
	handler := h2c.NewHandler(http.HandlerFunc(s.serveHTTP), h2s)
	s.httpSrv = &http.Server{Handler: handler}

	go func() {
		if err := s.httpSrv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.sink.Warn(telemetry.EventListening, func() telemetry.Attrs {
				return telemetry.Attrs{"port": s.port, "error": err.Error()}
			})
		}
	}()

	s.sink.Emit(telemetry.EventListening, func() telemetry.Attrs {
		return telemetry.Attrs{"port": s.port}
	})

	return s.port, nil
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if !errors.As(err, &opErr) {
		return false
	}
	return strings.Contains(opErr.Err.Error(), "address already in use")
}

// Shutdown gracefully stops the acceptor.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// serveHTTP authenticates every inbound request against the credential
// registry, then dispatches it to the streaming forwarder or the tunnel
// handler by method/shape.
func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	username, password, ok := auth.ParseProxyAuthorization(r.Header.Get("Proxy-Authorization"))
	var ctx *registry.Context
	if ok {
		ctx, ok = s.registry.LookupByUsername(username)
		if ok && ctx.Password != password {
			ok = false
		}
	}
	if !ok {
		auth.WriteUnauthorized(w)
		return
	}

	isH2 := r.ProtoMajor == 2

	switch {
	case r.Method == http.MethodConnect && isH2:
		s.handleConnect(w, r, ctx, true)
	case r.Method == http.MethodConnect:
		s.handleConnect(w, r, ctx, false)
	case isUpgradeRequest(r):
		s.handleUpgrade(w, r, ctx)
	default:
		s.handleForward(w, r, ctx, isH2)
	}
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request, ctx *registry.Context, isH2 bool) {
	event := telemetry.EventConnectRequest
	failEvent := telemetry.EventConnectTargetParseFailed
	if isH2 {
		event = telemetry.EventHTTP2ConnectRequest
		failEvent = telemetry.EventHTTP2ConnectTargetParseFailed
	}
	s.sink.Emit(event, func() telemetry.Attrs { return telemetry.Attrs{"authority": r.Host} })

	u, err := target.ParseConnectAuthority(r.Host)
	if err != nil {
		s.sink.Warn(failEvent, func() telemetry.Attrs {
			return telemetry.Attrs{"authority": r.Host, "error": err.Error()}
		})
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	tgt := target.RewriteAndResolve(u, ctx.Route)
	if isH2 {
		s.tunnel.ConnectH2(w, r, tgt)
		return
	}
	s.tunnel.ConnectH1(w, r, tgt)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request, ctx *registry.Context) {
	s.sink.Emit(telemetry.EventUpgradeRequest, func() telemetry.Attrs {
		return telemetry.Attrs{"host": r.Host, "path": r.URL.Path}
	})

	u, err := target.ParseOriginForm(r.URL.RequestURI(), r.Host)
	if err != nil {
		s.sink.Warn(telemetry.EventUpgradeTargetParseFailed, func() telemetry.Attrs {
			return telemetry.Attrs{"host": r.Host, "error": err.Error()}
		})
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	tgt := target.RewriteAndResolve(u, ctx.Route)
	outHeader := header.SanitizeUpgradeRequest(r.Header, tgt.URL.Host)
	s.tunnel.Upgrade(w, r, tgt, outHeader)
}

func (s *Server) handleForward(w http.ResponseWriter, r *http.Request, ctx *registry.Context, isH2 bool) {
	var u, err = parseForwardTarget(r, isH2)
	event := telemetry.EventHTTPRequest
	failEvent := telemetry.EventHTTPTargetParseFailed
	if isH2 {
		event = telemetry.EventHTTP2Request
		failEvent = telemetry.EventHTTP2TargetParseFailed
	}
	s.sink.Emit(event, func() telemetry.Attrs {
		return telemetry.Attrs{"method": r.Method, "host": r.Host, "path": r.URL.Path}
	})
	if err != nil {
		s.sink.Warn(failEvent, func() telemetry.Attrs {
			return telemetry.Attrs{"host": r.Host, "error": err.Error()}
		})
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	tgt := target.RewriteAndResolve(u, ctx.Route)
	sanitized := header.SanitizeRequest(r.Header, tgt.URL.Host)

	if err := s.dispatcher.Dispatch(r.Context(), r.Method, tgt, sanitized, r.Body, w); err != nil {
		s.sink.Warn(telemetry.EventHTTPForwardFailed, func() telemetry.Attrs {
			return telemetry.Attrs{"host": tgt.URL.Host, "error": err.Error()}
		})
	}
}

func parseForwardTarget(r *http.Request, isH2 bool) (*url.URL, error) {
	if isH2 {
		scheme := "https"
		if r.TLS == nil {
			scheme = "http"
		}
		return target.ParseHTTP2(scheme, r.Host, r.URL.RequestURI())
	}
	if r.URL.IsAbs() {
		return target.ParseAbsoluteForm(r.URL.String())
	}
	return target.ParseOriginForm(r.URL.RequestURI(), r.Host)
}

// isUpgradeRequest reports whether r carries the Connection: Upgrade /
// Upgrade header pair that marks an HTTP/1.1 protocol upgrade.
func isUpgradeRequest(r *http.Request) bool {
	if r.Header.Get("Upgrade") == "" {
		return false
	}
	for _, v := range strings.Split(r.Header.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(v), "Upgrade") {
			return true
		}
	}
	return false
}
