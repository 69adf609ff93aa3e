// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package control implements the proxy's public control surface: the
// handful of calls an embedding host uses to wire a browser view into
// the proxy, release it, and manage process-wide settings.
package control

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/cmux-labs/preview-proxy/pkg/auth"
	"github.com/cmux-labs/preview-proxy/pkg/dispatch"
	"github.com/cmux-labs/preview-proxy/pkg/h2pool"
	"github.com/cmux-labs/preview-proxy/pkg/registry"
	"github.com/cmux-labs/preview-proxy/pkg/route"
	"github.com/cmux-labs/preview-proxy/pkg/server"
	"github.com/cmux-labs/preview-proxy/pkg/telemetry"
	"github.com/cmux-labs/preview-proxy/pkg/tunnel"
)

// persistKeyPrefix identifies views whose persist key is eligible for
// partitioning.
const persistKeyPrefix = "task-run-preview:"

// View is the subset of the embedding host's browser-view surface the
// control surface depends on: setting its outbound proxy configuration,
// and being notified once when it is destroyed.
type View interface {
	SetProxyRules(rules, bypass string)
	SetProxyDirect()
	OnDestroyed(func())
}

// ConfigureRequest carries everything Surface.ConfigureForView needs to
// bring a view under the proxy.
type ConfigureRequest struct {
	View       View
	ViewID     string
	InitialURL string
	PersistKey string
}

// Surface is the process-wide control surface: one credential registry,
// one H2 pool, one acceptor, retained across every configured view.
type Surface struct {
	reg    *registry.Registry
	srv    *server.Server
	minter *auth.Minter
	sink   telemetry.Sink

	startPort   int
	maxAttempts int

	mu        sync.Mutex
	teardowns map[string]func()
}

// New constructs a Surface. The acceptor is created but not started
// until the first ConfigureForView call.
func New(startPort, maxAttempts int, insecureUpstream bool, sink telemetry.Sink) *Surface {
	reg := registry.New()
	pool := h2pool.New(insecureUpstream)
	d := dispatch.New(pool, insecureUpstream, sink)
	tun := tunnel.New(sink)
	srv := server.New(reg, d, tun, sink)

	return &Surface{
		reg:         reg,
		srv:         srv,
		minter:      auth.NewMinter(),
		sink:        sink,
		startPort:   startPort,
		maxAttempts: maxAttempts,
		teardowns:   make(map[string]func()),
	}
}

// ConfigureForView derives a Route from the view's initial URL, mints
// credentials, registers a ProxyContext, ensures the acceptor is
// listening, points the view's proxy configuration at it, and returns
// an idempotent teardown closure.
func (s *Surface) ConfigureForView(req ConfigureRequest) (teardown func(), err error) {
	rt, rerr := route.Parse(req.InitialURL)
	if rerr != nil {
		s.sink.Warn(telemetry.EventHTTPTargetParseFailed, func() telemetry.Attrs {
			return telemetry.Attrs{"view_id": req.ViewID, "initial_url": req.InitialURL, "error": rerr.Error()}
		})
	}

	port, err := s.srv.EnsureListening(s.startPort, s.maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("ensure listening: %w", err)
	}

	username, password, err := s.minter.Mint(req.ViewID)
	if err != nil {
		return nil, fmt.Errorf("mint credentials: %w", err)
	}

	s.reg.Register(&registry.Context{
		Username:   username,
		Password:   password,
		Route:      rt,
		ViewID:     req.ViewID,
		PersistKey: req.PersistKey,
	})

	rules := fmt.Sprintf("http=127.0.0.1:%d;https=127.0.0.1:%d", port, port)
	req.View.SetProxyRules(rules, "<-loopback>")

	s.sink.Emit(telemetry.EventConfiguredContext, func() telemetry.Attrs {
		attrs := telemetry.Attrs{"view_id": req.ViewID, "port": port}
		if rt != nil {
			attrs["morph_id"] = rt.MorphID
			attrs["scope"] = rt.Scope
			attrs["domain_suffix"] = rt.DomainSuffix
		}
		return attrs
	})

	var once sync.Once
	td := func() {
		once.Do(func() {
			s.release(req.ViewID)
			s.resetSessionProxy(req.ViewID, req.View)
		})
	}

	s.mu.Lock()
	s.teardowns[req.ViewID] = td
	s.mu.Unlock()

	req.View.OnDestroyed(td)

	return td, nil
}

// Release deregisters viewID's context and resets its view to direct
// mode. It is a no-op if the view was already released.
func (s *Surface) Release(viewID string) {
	s.mu.Lock()
	td, ok := s.teardowns[viewID]
	s.mu.Unlock()
	if !ok {
		return
	}
	td()
}

// resetSessionProxy asks the view to go back to direct mode. A host
// that rejects or panics on this call must never take down the
// surrounding release path.
func (s *Surface) resetSessionProxy(viewID string, v View) {
	defer func() {
		if r := recover(); r != nil {
			s.sink.Warn(telemetry.EventResetSessionProxy, func() telemetry.Attrs {
				return telemetry.Attrs{"view_id": viewID, "error": fmt.Sprint(r)}
			})
		}
	}()
	v.SetProxyDirect()
	s.sink.Emit(telemetry.EventResetSessionProxy, func() telemetry.Attrs {
		return telemetry.Attrs{"view_id": viewID}
	})
}

func (s *Surface) release(viewID string) {
	_, ok := s.reg.Release(viewID)

	s.mu.Lock()
	delete(s.teardowns, viewID)
	s.mu.Unlock()

	s.sink.Emit(telemetry.EventReleasedContext, func() telemetry.Attrs {
		return telemetry.Attrs{"view_id": viewID, "was_registered": ok}
	})
}

// GetCredentials returns the live username/password pair for viewID.
func (s *Surface) GetCredentials(viewID string) (username, password string, ok bool) {
	return s.reg.GetCredentials(viewID)
}

// SetLoggingEnabled toggles telemetry emission process-wide.
func (s *Surface) SetLoggingEnabled(enabled bool) {
	s.sink.SetEnabled(enabled)
}

// IsPreviewPersistKey reports whether key is eligible for partitioning.
func IsPreviewPersistKey(key string) bool {
	return strings.HasPrefix(key, persistKeyPrefix)
}

// PartitionForPersistKey returns the stable partition identifier for an
// eligible persist key, or "" if key is not eligible.
func PartitionForPersistKey(key string) string {
	if !IsPreviewPersistKey(key) {
		return ""
	}
	sum := sha256.Sum256([]byte(key))
	return "persist:cmux-preview-" + hex.EncodeToString(sum[:])[:24]
}
