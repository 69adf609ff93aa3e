// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package telemetry

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitIsNoopWhenDisabled(t *testing.T) {
	var buf bytes.Buffer
	l := New(zerolog.New(&buf))

	called := false
	l.Emit(EventListening, func() Attrs {
		called = true
		return Attrs{}
	})

	assert.False(t, called)
	assert.Empty(t, buf.Bytes())
}

func TestEmitWritesWhenEnabled(t *testing.T) {
	var buf bytes.Buffer
	l := New(zerolog.New(&buf))
	l.SetEnabled(true)

	called := false
	l.Emit(EventHTTPRequest, func() Attrs {
		called = true
		return Attrs{"port": 8080, "route": "cmux-abcd-base-8080.cmux.app"}
	})

	require.True(t, called)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, string(EventHTTPRequest), decoded["event"])
	assert.Equal(t, "cmux-abcd-base-8080.cmux.app", decoded["route"])
	assert.Equal(t, "info", decoded["level"])
}

func TestWarnWritesAtWarnLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(zerolog.New(&buf))
	l.SetEnabled(true)

	l.Warn(EventHTTPForwardFailed, func() Attrs {
		return Attrs{"err": "boom"}
	})

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "warn", decoded["level"])
	assert.Equal(t, string(EventHTTPForwardFailed), decoded["event"])
}

func TestWarnIsNoopWhenDisabled(t *testing.T) {
	var buf bytes.Buffer
	l := New(zerolog.New(&buf))

	called := false
	l.Warn(EventUpgradeUpstreamError, func() Attrs {
		called = true
		return nil
	})

	assert.False(t, called)
	assert.Empty(t, buf.Bytes())
}

func TestSetEnabledRoundTrip(t *testing.T) {
	l := New(zerolog.Nop())
	assert.False(t, l.Enabled())
	l.SetEnabled(true)
	assert.True(t, l.Enabled())
	l.SetEnabled(false)
	assert.False(t, l.Enabled())
}

func TestEmitSwallowsPanicInAttrsClosure(t *testing.T) {
	var buf bytes.Buffer
	l := New(zerolog.New(&buf))
	l.SetEnabled(true)

	assert.NotPanics(t, func() {
		l.Emit(EventListening, func() Attrs {
			panic("misbehaving attribute closure")
		})
	})
}

func TestEmitNilAttrsIsSafe(t *testing.T) {
	var buf bytes.Buffer
	l := New(zerolog.New(&buf))
	l.SetEnabled(true)

	assert.NotPanics(t, func() {
		l.Emit(EventListening, nil)
	})

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, string(EventListening), decoded["event"])
}
