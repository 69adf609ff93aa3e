// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Command proxyd is a runnable demo harness for the preview proxy
// core: it simulates a single embedded browser view, configures it
// through the public control surface, prints the minted credentials
// and bound port, and serves until a signal arrives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cmux-labs/preview-proxy/pkg/config"
	"github.com/cmux-labs/preview-proxy/pkg/control"
	"github.com/cmux-labs/preview-proxy/pkg/telemetry"
)

// simulatedView stands in for the embedding host's browser-view surface
// (Electron's BrowserView / WebContents) so the demo binary is runnable
// end to end without a real host.
type simulatedView struct {
	id        string
	destroyed func()
}

func (v *simulatedView) SetProxyRules(rules, bypass string) {
	log.Info().Str("view_id", v.id).Str("proxy_rules", rules).Str("bypass", bypass).Msg("view proxy configured")
}

func (v *simulatedView) SetProxyDirect() {
	log.Info().Str("view_id", v.id).Msg("view proxy reset to direct mode")
}

func (v *simulatedView) OnDestroyed(fn func()) {
	v.destroyed = fn
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg := config.Load()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("log_level", cfg.LogLevel).Msg("invalid log level")
	}
	log.Logger = log.Level(level)

	sink := telemetry.New(log.With().Str("component", "preview-proxy").Logger())
	sink.SetEnabled(cfg.TelemetryEnabled)

	surface := control.New(cfg.ListenPortStart, cfg.ListenPortAttempts, cfg.InsecureUpstream, sink)

	view := &simulatedView{id: uuid.NewString()}
	initialURL := "https://cmux-" + view.id[:8] + "-base-8080.cmux.app/"

	teardown, err := surface.ConfigureForView(control.ConfigureRequest{
		View:       view,
		ViewID:     view.id,
		InitialURL: initialURL,
		PersistKey: "task-run-preview:" + view.id,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure preview proxy for demo view")
	}

	username, password, ok := surface.GetCredentials(view.id)
	if !ok {
		log.Fatal().Msg("credentials missing immediately after configure")
	}

	partition := control.PartitionForPersistKey("task-run-preview:" + view.id)

	fmt.Printf("preview proxy listening; view=%s\n", view.id)
	fmt.Printf("  proxy-authorization: Basic %s:%s\n", username, password)
	fmt.Printf("  persist partition:   %s\n", partition)

	waitForShutdown(context.Background(), teardown, cfg.ShutdownTimeout)
}

func waitForShutdown(ctx context.Context, teardown func(), timeout time.Duration) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop

	log.Info().Msg("shutting down preview proxy")

	_, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	teardown()

	log.Info().Msg("preview proxy stopped")
}
