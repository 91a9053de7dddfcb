package unit

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/unitlink/unitlink/pkg/capability"
	"github.com/unitlink/unitlink/pkg/capability/schema"
	"github.com/unitlink/unitlink/pkg/protocol"
	"github.com/unitlink/unitlink/pkg/provision"
	"github.com/unitlink/unitlink/pkg/unit/hw"
)

// ErrRebootRequested is returned by Agent.Run when a reset or reboot
// command was serviced. The final response has already been written; the
// caller restarts the unit, which re-evaluates the initial mode.
var ErrRebootRequested = errors.New("reboot requested")

// Config wires one unit agent.
type Config struct {
	Manifest       *capability.Manifest
	Store          *provision.Store
	Bank           hw.Bank
	EntryWindow    time.Duration
	BeaconInterval time.Duration

	// OnStandard fires once if the unit settles into standard mode
	// (window expiry or explicit exit). The simulator hangs the
	// telemetry emitter off it.
	OnStandard func(ctx context.Context)
}

// Agent binds the codec, mode machine, dispatcher and beacon to one
// transport connection. It is the single-active-context command
// processor: exactly one request is in flight at a time, and only the
// beacon runs beside it.
type Agent struct {
	cfg        Config
	machine    *Machine
	dispatcher *Dispatcher
}

// NewAgent evaluates the boot-time mode decision from the provisioning
// store and assembles the agent.
func NewAgent(ctx context.Context, cfg Config) (*Agent, error) {
	hasFactory, err := cfg.Store.HasFactory(ctx)
	if err != nil {
		return nil, err
	}

	machine := NewMachine(hasFactory, cfg.EntryWindow)
	dispatcher := NewDispatcher(cfg.Manifest, cfg.Store, schema.NewValidator(), machine, cfg.Bank)

	log.Info().
		Str("device_type", cfg.Manifest.DeviceType).
		Bool("provisioned", hasFactory).
		Str("mode", machine.Mode().String()).
		Msg("Unit agent initialized")

	return &Agent{cfg: cfg, machine: machine, dispatcher: dispatcher}, nil
}

// Machine exposes the mode machine, mainly for tests and status output.
func (a *Agent) Machine() *Machine {
	return a.machine
}

// Run services one transport connection until it closes, the context is
// canceled, or a reboot-class command is accepted (ErrRebootRequested).
func (a *Agent) Run(ctx context.Context, conn io.ReadWriter) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	enc := protocol.NewEncoder(conn)
	dec := protocol.NewDecoder(conn)

	go a.superviseBeacon(ctx, enc)

	for {
		ev, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		switch {
		case ev.Err != nil:
			// Framing error: report it, keep the stream alive.
			log.Warn().Err(ev.Err).Msg("Discarding malformed structured line")
			if err := enc.Encode(protocol.ErrResponse("", protocol.CodeParseError,
				"malformed structured line", nil)); err != nil {
				return err
			}

		case ev.Diagnostic != "":
			log.Debug().Str("text", ev.Diagnostic).Msg("Diagnostic line")

		case ev.IsMessage():
			req, perr := protocol.ParseRequest(ev.Message)
			if perr != nil {
				if err := enc.Encode(protocol.ErrResponse("", protocol.CodeInvalidCommand,
					perr.Error(), nil)); err != nil {
					return err
				}
				continue
			}

			resp, action := a.dispatcher.Dispatch(ctx, req)
			if err := enc.Encode(resp); err != nil {
				return err
			}

			if action == ActionReboot {
				a.machine.Reboot()
				return ErrRebootRequested
			}
		}
	}
}

// superviseBeacon starts and stops the beacon as the unit moves through
// modes, and fires the OnStandard hook once. A fresh unit beacons from
// the start — that is how an unprovisioned unit gets discovered without
// any handshake.
func (a *Agent) superviseBeacon(ctx context.Context, enc *protocol.Encoder) {
	var (
		beaconCancel   context.CancelFunc
		standardNotify = a.cfg.OnStandard
	)
	defer func() {
		if beaconCancel != nil {
			beaconCancel()
		}
	}()

	startBeacon := func(onFirst func()) context.CancelFunc {
		bctx, bcancel := context.WithCancel(ctx)
		b := NewBeacon(enc, a.cfg.Manifest, a.cfg.Store, a.cfg.Bank.Board, a.cfg.BeaconInterval, onFirst)
		go b.Run(bctx)
		return bcancel
	}

	if a.machine.Mode() == ModeFreshListening {
		beaconCancel = startBeacon(a.machine.MarkInteractive)
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		switch a.machine.Mode() {
		case ModeInteractive:
			if beaconCancel == nil {
				beaconCancel = startBeacon(nil)
			}
		case ModeStandard:
			if beaconCancel != nil {
				beaconCancel()
				beaconCancel = nil
			}
			if standardNotify != nil {
				go standardNotify(ctx)
				standardNotify = nil
			}
		case ModeRebooting:
			if beaconCancel != nil {
				beaconCancel()
				beaconCancel = nil
			}
			return
		}
	}
}
