// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package telemetry emits guarded structured events. Emission is a
// no-op when disabled, and callers pass attribute construction as a
// closure so expensive attribute computation never runs while disabled.
package telemetry

import (
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Event names are a public contract (§6): do not rename without updating
// every consumer of these events.
type Event string

const (
	EventListening                     Event = "listening"
	EventConfiguredContext             Event = "configured-context"
	EventReleasedContext               Event = "released-context"
	EventResetSessionProxy             Event = "reset-session-proxy"
	EventHTTPRequest                   Event = "http-request"
	EventHTTP2Request                  Event = "http2-request"
	EventHTTP2ConnectRequest           Event = "http2-connect-request"
	EventConnectRequest                Event = "connect-request"
	EventUpgradeRequest                Event = "upgrade-request"
	EventHTTPTargetParseFailed         Event = "http-target-parse-failed"
	EventHTTP2TargetParseFailed        Event = "http2-target-parse-failed"
	EventConnectTargetParseFailed      Event = "connect-target-parse-failed"
	EventHTTP2ConnectTargetParseFailed Event = "http2-connect-target-parse-failed"
	EventUpgradeTargetParseFailed      Event = "upgrade-target-parse-failed"
	EventHTTPForwardFailed             Event = "http-forward-failed"
	EventHTTP2RequestError             Event = "http2-request-error"
	EventHTTP2SessionInitFailed        Event = "http2-session-init-failed"
	EventUpgradeUpstreamError          Event = "upgrade-upstream-error"
)

// Attrs is a flat attribute map attached to an event.
type Attrs map[string]any

// Sink is the minimal interface the rest of the proxy depends on, so
// tests can assert on emitted events without parsing log lines.
type Sink interface {
	Emit(event Event, attrs func() Attrs)
	Warn(event Event, attrs func() Attrs)
	SetEnabled(enabled bool)
	Enabled() bool
}

// Logger is the default Sink, backed by a zerolog.Logger. Emission is
// swallowed on failure — telemetry must never break the proxy.
type Logger struct {
	enabled atomic.Bool
	logger  zerolog.Logger
}

// New constructs a Logger. Logging starts disabled.
func New(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

// SetEnabled flips the guard atomically; readers tolerate eventual
// consistency, matching the concurrency model in §5.
func (l *Logger) SetEnabled(enabled bool) {
	l.enabled.Store(enabled)
}

// Enabled reports the current guard state.
func (l *Logger) Enabled() bool {
	return l.enabled.Load()
}

// Emit logs event at info level with the lazily computed attrs, and does
// nothing when telemetry is disabled.
func (l *Logger) Emit(event Event, attrs func() Attrs) {
	if !l.enabled.Load() {
		return
	}
	l.write(l.logger.Info(), event, attrs)
}

// Warn logs event at warn level with the lazily computed attrs, and does
// nothing when telemetry is disabled.
func (l *Logger) Warn(event Event, attrs func() Attrs) {
	if !l.enabled.Load() {
		return
	}
	l.write(l.logger.Warn(), event, attrs)
}

func (l *Logger) write(ev *zerolog.Event, event Event, attrs func() Attrs) {
	defer func() {
		// Telemetry is never allowed to break the proxy: swallow any
		// panic from a misbehaving attribute closure.
		_ = recover()
	}()
	ev = ev.Str("event", string(event))
	if attrs != nil {
		for k, v := range attrs() {
			ev = ev.Interface(k, v)
		}
	}
	ev.Msg(string(event))
}
