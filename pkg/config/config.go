// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package config reads the demo binary's runtime knobs from the
// environment. The proxy core itself (pkg/control and below) takes no
// environment variables and persists no state; this layer exists only
// for cmd/proxyd, which needs somewhere to turn process env into a
// starting port, log level, and upstream TLS policy.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envListenPortStart    = "CMUX_PROXY_LISTEN_PORT_START"
	envListenPortAttempts = "CMUX_PROXY_LISTEN_PORT_ATTEMPTS"
	envLogLevel           = "CMUX_PROXY_LOG_LEVEL"
	envInsecureUpstream   = "CMUX_PROXY_INSECURE_UPSTREAM"
	envTelemetryEnabled   = "CMUX_PROXY_TELEMETRY_ENABLED"
	envShutdownTimeout    = "CMUX_PROXY_SHUTDOWN_TIMEOUT"

	defaultListenPortStart    = 39385
	defaultListenPortAttempts = 50
	defaultLogLevel           = "info"
	defaultShutdownTimeout    = 10 * time.Second
)

// Config captures the demo binary's runtime settings.
type Config struct {
	ListenPortStart    int
	ListenPortAttempts int
	LogLevel           string
	InsecureUpstream   bool
	TelemetryEnabled   bool
	ShutdownTimeout    time.Duration
}

// Load reads Config from the environment, falling back to the
// documented defaults for anything unset or unparsable.
func Load() Config {
	return Config{
		ListenPortStart:    getInt(envListenPortStart, defaultListenPortStart),
		ListenPortAttempts: getInt(envListenPortAttempts, defaultListenPortAttempts),
		LogLevel:           strings.ToLower(getString(envLogLevel, defaultLogLevel)),
		InsecureUpstream:   getBool(envInsecureUpstream, false),
		TelemetryEnabled:   getBool(envTelemetryEnabled, false),
		ShutdownTimeout:    getDuration(envShutdownTimeout, defaultShutdownTimeout),
	}
}

func getString(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getBool(key string, fallback bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getDuration(key string, fallback time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}
