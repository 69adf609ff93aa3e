// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package tunnel opens a raw TCP connection to a rewritten target and
// bidirectionally splices it with the client connection, for CONNECT
// (HTTP/1.1 and HTTP/2) and HTTP/1.1 Upgrade requests.
package tunnel

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cmux-labs/preview-proxy/pkg/target"
	"github.com/cmux-labs/preview-proxy/pkg/telemetry"
)

// Handler opens upstream TCP connections for tunneled requests.
type Handler struct {
	dialer *net.Dialer
	sink   telemetry.Sink
}

// New constructs a Handler.
func New(sink telemetry.Sink) *Handler {
	return &Handler{
		dialer: &net.Dialer{Timeout: 10 * time.Second},
		sink:   sink,
	}
}

// splice copies bytes in both directions between a and b until either
// side closes, then closes both ends exactly once.
func splice(a, b io.ReadWriteCloser) {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			a.Close()
			b.Close()
		})
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(b, a)
		closeBoth()
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(a, b)
		closeBoth()
	}()
	wg.Wait()
}

func dialAddr(tgt *target.Target) string {
	host := tgt.URL.Hostname()
	if host == "" {
		host = tgt.URL.Host
	}
	return net.JoinHostPort(host, strconv.Itoa(int(tgt.ConnectPort)))
}

// ConnectH1 services an HTTP/1.1 CONNECT request: it dials tgt, hijacks
// the client connection, writes the 200 response line, replays any
// bytes the acceptor already buffered from the client, then splices.
func (h *Handler) ConnectH1(w http.ResponseWriter, r *http.Request, tgt *target.Target) {
	upstream, err := h.dialer.DialContext(r.Context(), "tcp", dialAddr(tgt))
	if err != nil {
		h.sink.Warn(telemetry.EventConnectRequest, func() telemetry.Attrs {
			return telemetry.Attrs{"addr": dialAddr(tgt), "error": err.Error()}
		})
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, buf, err := hijacker.Hijack()
	if err != nil {
		upstream.Close()
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		clientConn.Close()
		upstream.Close()
		return
	}

	// Replay any client bytes the acceptor's bufio.Reader already
	// buffered before the handler hijacked the connection.
	if buf != nil && buf.Reader.Buffered() > 0 {
		if _, err := io.CopyN(upstream, buf.Reader, int64(buf.Reader.Buffered())); err != nil {
			clientConn.Close()
			upstream.Close()
			return
		}
	}

	splice(clientConn.(io.ReadWriteCloser), upstream)
}

// http2Stream adapts an http.ResponseWriter + http.Request body into an
// io.ReadWriteCloser once full duplex has been enabled, so it can be
// spliced like any other raw connection.
type http2Stream struct {
	w     http.ResponseWriter
	body  io.ReadCloser
	flush func()
}

func (s *http2Stream) Read(p []byte) (int, error)  { return s.body.Read(p) }
func (s *http2Stream) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if err == nil {
		s.flush()
	}
	return n, err
}
func (s *http2Stream) Close() error { return s.body.Close() }

// ConnectH2 services an HTTP/2 CONNECT stream. HTTP/2 streams cannot be
// hijacked as a raw TCP connection; instead the handler enables full
// duplex on the ResponseController and treats the request body / response
// writer pair as the client side of the splice.
func (h *Handler) ConnectH2(w http.ResponseWriter, r *http.Request, tgt *target.Target) {
	upstream, err := h.dialer.DialContext(r.Context(), "tcp", dialAddr(tgt))
	if err != nil {
		h.sink.Warn(telemetry.EventHTTP2ConnectRequest, func() telemetry.Attrs {
			return telemetry.Attrs{"addr": dialAddr(tgt), "error": err.Error()}
		})
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	rc := http.NewResponseController(w)
	if err := rc.EnableFullDuplex(); err != nil {
		upstream.Close()
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		upstream.Close()
		return
	}

	stream := &http2Stream{w: w, body: r.Body, flush: func() { _ = rc.Flush() }}
	splice(stream, upstream)
}

// Upgrade services an HTTP/1.1 Upgrade request (e.g. WebSocket): it
// dials the rewritten authority (optionally over TLS), replays the
// request line and sanitized headers upstream, replays buffered client
// bytes, then splices.
func (h *Handler) Upgrade(w http.ResponseWriter, r *http.Request, tgt *target.Target, outHeader http.Header) {
	addr := dialAddr(tgt)
	var upstream net.Conn
	var err error
	if tgt.Secure {
		host := tgt.URL.Hostname()
		upstream, err = tls.DialWithDialer(h.dialer, "tcp", addr, &tls.Config{ServerName: host})
	} else {
		upstream, err = h.dialer.DialContext(r.Context(), "tcp", addr)
	}
	if err != nil {
		h.sink.Warn(telemetry.EventUpgradeRequest, func() telemetry.Attrs {
			return telemetry.Attrs{"addr": addr, "error": err.Error()}
		})
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, buf, err := hijacker.Hijack()
	if err != nil {
		upstream.Close()
		return
	}

	requestLine := fmt.Sprintf("%s %s HTTP/1.1\r\n", r.Method, r.URL.RequestURI())
	if _, err := io.WriteString(upstream, requestLine); err != nil {
		clientConn.Close()
		upstream.Close()
		return
	}
	if err := outHeader.Write(upstream); err != nil {
		clientConn.Close()
		upstream.Close()
		return
	}
	if _, err := io.WriteString(upstream, "\r\n"); err != nil {
		clientConn.Close()
		upstream.Close()
		return
	}

	if buf != nil && buf.Reader.Buffered() > 0 {
		if _, err := io.CopyN(upstream, buf.Reader, int64(buf.Reader.Buffered())); err != nil {
			clientConn.Close()
			upstream.Close()
			return
		}
	}

	h.sink.Emit(telemetry.EventUpgradeRequest, func() telemetry.Attrs {
		return telemetry.Attrs{"addr": addr}
	})

	splice(clientConn.(io.ReadWriteCloser), upstream)
}
