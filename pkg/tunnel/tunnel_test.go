// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package tunnel

import (
	"bufio"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/cmux-labs/preview-proxy/pkg/target"
	"github.com/cmux-labs/preview-proxy/pkg/telemetry"
)

func testSink() telemetry.Sink {
	return telemetry.New(zerolog.Nop())
}

func startEchoServer(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						if _, werr := c.Write(buf[:n]); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln
}

func targetForListener(t *testing.T, ln net.Listener) *target.Target {
	t.Helper()
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	u, err := url.Parse("http://127.0.0.1")
	require.NoError(t, err)
	return &target.Target{URL: u, Secure: false, ConnectPort: uint16(port)}
}

func TestConnectH1EstablishesAndSplices(t *testing.T) {
	echo := startEchoServer(t)
	defer echo.Close()
	tgt := targetForListener(t, echo)

	h := New(testSink())
	proxyServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ConnectH1(w, r, tgt)
	}))
	defer proxyServer.Close()

	addr := strings.TrimPrefix(proxyServer.URL, "http://")
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("CONNECT 127.0.0.1:1 HTTP/1.1\r\nHost: 127.0.0.1:1\r\n\r\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, statusLine, "200")

	// Consume the blank line terminating the CONNECT response.
	_, err = reader.ReadString('\n')
	require.NoError(t, err)

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = reader.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))
}

func TestConnectH1DialFailureReturnsBadGateway(t *testing.T) {
	u, err := url.Parse("http://127.0.0.1")
	require.NoError(t, err)
	tgt := &target.Target{URL: u, Secure: false, ConnectPort: 1}

	h := New(testSink())
	proxyServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ConnectH1(w, r, tgt)
	}))
	defer proxyServer.Close()

	resp, err := http.Get(proxyServer.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestConnectH2WithoutFullDuplexSupportReturns500(t *testing.T) {
	echo := startEchoServer(t)
	defer echo.Close()
	tgt := targetForListener(t, echo)

	h := New(testSink())
	req := httptest.NewRequest(http.MethodConnect, "https://127.0.0.1/", nil)
	rec := httptest.NewRecorder()

	h.ConnectH2(rec, req, tgt)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestUpgradeDialFailureReturnsBadGateway(t *testing.T) {
	u, err := url.Parse("http://127.0.0.1")
	require.NoError(t, err)
	tgt := &target.Target{URL: u, Secure: false, ConnectPort: 1}

	h := New(testSink())
	proxyServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.Upgrade(w, r, tgt, http.Header{})
	}))
	defer proxyServer.Close()

	resp, err := http.Get(proxyServer.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestUpgradeForwardsRequestLineAndSplices(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		var lines []string
		for {
			line, err := reader.ReadString('\n')
			lines = append(lines, line)
			if err != nil || line == "\r\n" {
				break
			}
		}
		received <- strings.Join(lines, "")

		_, _ = conn.Write([]byte("HTTP/1.1 101 Switching Protocols\r\n\r\n"))
		buf := make([]byte, 16)
		n, _ := conn.Read(buf)
		_, _ = conn.Write(buf[:n])
	}()

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	u, err := url.Parse("http://127.0.0.1")
	require.NoError(t, err)
	tgt := &target.Target{URL: u, Secure: false, ConnectPort: uint16(port)}

	h := New(testSink())
	proxyServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		outHeader := http.Header{"Upgrade": {"websocket"}, "Connection": {"Upgrade"}}
		h.Upgrade(w, r, tgt, outHeader)
	}))
	defer proxyServer.Close()

	addr := strings.TrimPrefix(proxyServer.URL, "http://")
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET /socket HTTP/1.1\r\nHost: 127.0.0.1\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, statusLine, "101")

	got := <-received
	require.Contains(t, got, "GET /socket HTTP/1.1")
	require.Contains(t, got, "Upgrade: websocket")
}
