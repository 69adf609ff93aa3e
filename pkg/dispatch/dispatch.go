// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package dispatch forwards an authenticated, rewritten request to its
// upstream target: pooled HTTP/2 first, falling back to HTTP/1.1 when
// the H2 attempt fails before any request byte reached the wire.
package dispatch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cmux-labs/preview-proxy/pkg/h2pool"
	"github.com/cmux-labs/preview-proxy/pkg/header"
	"github.com/cmux-labs/preview-proxy/pkg/target"
	"github.com/cmux-labs/preview-proxy/pkg/telemetry"
)

// errRetryH1 signals that the H2 attempt failed before any request byte
// was written upstream, so it is safe to retry once over HTTP/1.1.
var errRetryH1 = errors.New("dispatch: h2 attempt unsent, retry over http/1.1")

// Dispatcher forwards requests upstream via a pooled HTTP/2 session,
// falling back to a plain HTTP/1.1 client.
type Dispatcher struct {
	pool     *h2pool.Pool
	h1Client *http.Client
	sink     telemetry.Sink
}

// New constructs a Dispatcher. insecureSkipVerify disables upstream
// certificate validation, for local development against self-signed
// remote hosts.
func New(pool *h2pool.Pool, insecureSkipVerify bool, sink telemetry.Sink) *Dispatcher {
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: insecureSkipVerify}, // nolint:gosec -- opt-in for development
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		// The dispatcher owns the H2 decision itself via the pool; never
		// let this client silently upgrade a fallback attempt to H2.
		TLSNextProto: map[string]func(string, *tls.Conn) http.RoundTripper{},
	}
	return &Dispatcher{
		pool:     pool,
		h1Client: &http.Client{Transport: transport},
		sink:     sink,
	}
}

// countingReadCloser tracks how many bytes have been read from the
// wrapped body, so a failed H2 attempt can tell whether retrying over
// H1 would resend bytes the upstream already consumed.
type countingReadCloser struct {
	r io.Reader
	c io.Closer
	n atomic.Int64
}

func (c *countingReadCloser) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

func (c *countingReadCloser) Close() error {
	if c.c == nil {
		return nil
	}
	return c.c.Close()
}

// Dispatch forwards method/hdr/body to tgt and streams the upstream
// response into w. hdr must already be sanitized (header.SanitizeRequest
// output): Host carries the post-rewrite target host.
func (d *Dispatcher) Dispatch(ctx context.Context, method string, tgt *target.Target, hdr http.Header, body io.ReadCloser, w http.ResponseWriter) error {
	if body == nil {
		body = http.NoBody
	}
	host := tgt.URL.Hostname()
	if host == "" {
		host = tgt.URL.Host
	}

	if tgt.Secure {
		counted := &countingReadCloser{r: body, c: body}
		err := d.dispatchH2(ctx, method, tgt, host, hdr, counted, w)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errRetryH1) {
			return err
		}
		if counted.n.Load() != 0 {
			// Safety net: never retry once a byte reached the wire, even
			// if an H2 code path above mistakenly signalled retry.
			writeBadGateway(w)
			return fmt.Errorf("dispatch: refused unsafe h1 retry after %d upstream bytes sent", counted.n.Load())
		}
		body = counted.r.(io.ReadCloser)
	}

	return d.dispatchH1(ctx, method, tgt, host, hdr, body, w)
}

func (d *Dispatcher) dispatchH2(ctx context.Context, method string, tgt *target.Target, host string, hdr http.Header, body io.ReadCloser, w http.ResponseWriter) error {
	cc, err := d.pool.Ensure(ctx, host, tgt.ConnectPort)
	if err != nil {
		d.sink.Warn(telemetry.EventHTTP2SessionInitFailed, func() telemetry.Attrs {
			return telemetry.Attrs{"host": host, "port": tgt.ConnectPort, "error": err.Error()}
		})
		return errRetryH1
	}

	reqURL := *tgt.URL
	reqURL.Host = net.JoinHostPort(host, strconv.Itoa(int(tgt.ConnectPort)))
	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), body)
	if err != nil {
		return fmt.Errorf("build h2 upstream request: %w", err)
	}
	req.Header = cloneHeaderWithoutHost(hdr)
	req.Host = hdr.Get("Host")

	resp, err := cc.RoundTrip(req)
	if err != nil {
		d.pool.Evict(host, tgt.ConnectPort, cc)
		d.sink.Warn(telemetry.EventHTTP2RequestError, func() telemetry.Attrs {
			return telemetry.Attrs{"host": host, "port": tgt.ConnectPort, "error": err.Error()}
		})
		if cr, ok := body.(*countingReadCloser); ok && cr.n.Load() == 0 {
			return errRetryH1
		}
		writeBadGateway(w)
		return fmt.Errorf("h2 round trip %s: %w", host, err)
	}
	defer resp.Body.Close()

	writeUpstreamResponse(w, resp.StatusCode, resp.Header, resp.Body)
	return nil
}

func (d *Dispatcher) dispatchH1(ctx context.Context, method string, tgt *target.Target, host string, hdr http.Header, body io.ReadCloser, w http.ResponseWriter) error {
	reqURL := *tgt.URL
	reqURL.Host = net.JoinHostPort(host, strconv.Itoa(int(tgt.ConnectPort)))
	if !tgt.Secure {
		reqURL.Scheme = "http"
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), body)
	if err != nil {
		return fmt.Errorf("build h1 upstream request: %w", err)
	}
	req.Header = cloneHeaderWithoutHost(hdr)
	req.Host = hdr.Get("Host")

	resp, err := d.h1Client.Do(req)
	if err != nil {
		d.sink.Warn(telemetry.EventHTTPForwardFailed, func() telemetry.Attrs {
			return telemetry.Attrs{"host": host, "port": tgt.ConnectPort, "error": err.Error()}
		})
		writeBadGateway(w)
		return fmt.Errorf("h1 round trip %s: %w", host, err)
	}
	defer resp.Body.Close()

	writeUpstreamResponse(w, resp.StatusCode, resp.Header, resp.Body)
	return nil
}

// writeUpstreamResponse sanitizes resp's headers, writes status+headers,
// then streams the body downstream, flushing after every chunk so
// neither side buffers the response in full.
func writeUpstreamResponse(w http.ResponseWriter, status int, respHeader http.Header, body io.Reader) {
	if status == 0 {
		status = http.StatusBadGateway
	}
	out := w.Header()
	for k, vv := range header.SanitizeResponse(respHeader) {
		out[k] = vv
	}
	w.WriteHeader(status)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr != nil {
			return
		}
	}
}

func writeBadGateway(w http.ResponseWriter) {
	http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
}

func cloneHeaderWithoutHost(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		if strings.EqualFold(k, "Host") {
			continue
		}
		out[k] = v
	}
	return out
}
