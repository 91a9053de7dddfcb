package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/unitlink/unitlink/pkg/provision"
	"github.com/unitlink/unitlink/pkg/telemetry"
	"github.com/unitlink/unitlink/pkg/unit"
	"github.com/unitlink/unitlink/pkg/unit/hw"
)

func main() {
	// Configure logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Parse flags
	profilePath := flag.String("config", "unitd.yaml", "Path to device profile YAML")
	listenAddr := flag.String("listen", "127.0.0.1:9500", "TCP address standing in for the service port")
	storePath := flag.String("store", "", "Override the provisioning store path")
	flag.Parse()

	profile, err := unit.LoadProfile(*profilePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load device profile")
	}
	if *storePath != "" {
		profile.StorePath = *storePath
	}

	store, err := provision.Open(profile.StorePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open provisioning store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close provisioning store")
		}
	}()

	log.Info().Str("path", store.Path()).Msg("Provisioning store opened")

	sim := hw.NewSim(profile.MAC)
	bank := sim.Bank()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Info().Msg("Shutting down...")
		cancel()
	}()

	ln, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", *listenAddr).Msg("Failed to listen")
	}
	defer func() { _ = ln.Close() }()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	log.Info().
		Str("addr", *listenAddr).
		Str("device_type", profile.DeviceType).
		Msg("Unit simulator listening")

	// One connection at a time: a unit has a single service port, and
	// each accepted connection models one boot cycle.
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("Accept failed")
			continue
		}
		serveBoot(ctx, profile, store, bank, conn)
	}
}

// serveBoot runs one boot cycle of the simulated unit against one
// connection. A reboot-class command ends the cycle: the connection
// drops and the next accept re-evaluates the initial mode, exactly like
// a restart would.
func serveBoot(ctx context.Context, profile *unit.Profile, store *provision.Store, bank hw.Bank, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	cfg := unit.Config{
		Manifest:       profile.Manifest(),
		Store:          store,
		Bank:           bank,
		EntryWindow:    profile.EntryWindow(),
		BeaconInterval: profile.BeaconInterval(),
	}

	if interval := profile.TelemetryInterval(); interval > 0 {
		emitter := telemetry.NewEmitter(telemetry.Config{
			URL:      profile.Telemetry.URL,
			Interval: interval,
		}, cfg.Manifest, store, bank)
		cfg.OnStandard = func(sctx context.Context) {
			if err := emitter.Run(sctx); err != nil {
				log.Warn().Err(err).Msg("Telemetry emitter stopped")
			}
		}
	}

	agent, err := unit.NewAgent(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize unit agent")
		return
	}

	err = agent.Run(ctx, conn)
	switch {
	case err == nil:
		log.Info().Msg("Host disconnected")
	case errors.Is(err, unit.ErrRebootRequested):
		log.Info().Msg("Boot cycle ended by reboot command")
	default:
		log.Error().Err(err).Msg("Agent stopped")
	}
}
