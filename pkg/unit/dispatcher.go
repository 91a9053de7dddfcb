package unit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/unitlink/unitlink/pkg/capability"
	"github.com/unitlink/unitlink/pkg/capability/schema"
	"github.com/unitlink/unitlink/pkg/protocol"
	"github.com/unitlink/unitlink/pkg/provision"
	"github.com/unitlink/unitlink/pkg/unit/hw"
)

// Action is what the agent must do after writing a response.
type Action int

const (
	ActionNone Action = iota

	// ActionReboot: the response just written was the final one for this
	// boot cycle. The agent sends it, then restarts the unit.
	ActionReboot
)

// Dispatcher routes accepted requests to command handlers, validates
// payloads against the capability manifest, and produces exactly one
// response per request — on error paths included. Handlers never let an
// error escape past Dispatch; a fault mid-command would strand the unit
// in service mode with a wedged session.
type Dispatcher struct {
	manifest  *capability.Manifest
	store     *provision.Store
	validator *schema.Validator
	machine   *Machine
	bank      hw.Bank

	capsData map[string]any // cached get_capabilities payload
}

// NewDispatcher wires a dispatcher for one unit.
func NewDispatcher(manifest *capability.Manifest, store *provision.Store, validator *schema.Validator, machine *Machine, bank hw.Bank) *Dispatcher {
	return &Dispatcher{
		manifest:  manifest,
		store:     store,
		validator: validator,
		machine:   machine,
		bank:      bank,
	}
}

// Dispatch executes one request and returns its response plus any
// post-response action. Exactly one request is in flight at a time; the
// agent's read loop guarantees that.
func (d *Dispatcher) Dispatch(ctx context.Context, req *protocol.Request) (protocol.Response, Action) {
	if !knownCommand(req.Cmd) {
		return protocol.ErrResponse(req.ID, protocol.CodeUnknownCommand,
			fmt.Sprintf("unknown command %q", req.Cmd), nil), ActionNone
	}

	// Entry is special: it is the command that changes what is accepted,
	// so it bypasses the mode gate and lets the machine decide.
	if req.Cmd == protocol.CmdEnterServiceMode {
		return d.handleEnter(req), ActionNone
	}

	mode := d.machine.Mode()
	switch mode {
	case ModeInteractive:
		// service mode accepts the full command surface
	case ModeFreshListening:
		// A fresh unit promotes itself to service mode on the first
		// accepted command. Only the pure reads qualify; capability
		// commands still need an explicit or implicit entry first.
		if req.Cmd == protocol.CmdGetStatus || req.Cmd == protocol.CmdGetCapabilities {
			d.machine.MarkInteractive()
			break
		}
		return notInServiceMode(req), ActionNone
	case ModeEntryWindow:
		// The manifest is static and reading it has no side effects, so
		// it is the one thing answerable before entry.
		if req.Cmd == protocol.CmdGetCapabilities {
			break
		}
		return notInServiceMode(req), ActionNone
	default:
		return notInServiceMode(req), ActionNone
	}

	switch req.Cmd {
	case protocol.CmdExitServiceMode:
		return d.handleExit(req), ActionNone
	case protocol.CmdGetStatus:
		return d.handleStatus(ctx, req), ActionNone
	case protocol.CmdGetCapabilities:
		return d.handleCapabilities(req), ActionNone
	case protocol.CmdFactoryProvision:
		return d.handleProvision(ctx, req, capability.PhaseFactory), ActionNone
	case protocol.CmdConsumerProvision:
		return d.handleProvision(ctx, req, capability.PhaseConsumer), ActionNone
	case protocol.CmdRunTest:
		return d.handleRunTest(ctx, req), ActionNone
	case protocol.CmdConsumerReset:
		return d.handleReset(ctx, req, false)
	case protocol.CmdFactoryReset:
		return d.handleReset(ctx, req, true)
	case protocol.CmdReboot:
		return protocol.OKResponse(req.ID, map[string]any{"rebooting": true}), ActionReboot
	default:
		return protocol.ErrResponse(req.ID, protocol.CodeUnknownCommand,
			fmt.Sprintf("unknown command %q", req.Cmd), nil), ActionNone
	}
}

func knownCommand(cmd string) bool {
	switch cmd {
	case protocol.CmdEnterServiceMode, protocol.CmdExitServiceMode,
		protocol.CmdGetStatus, protocol.CmdGetCapabilities,
		protocol.CmdFactoryProvision, protocol.CmdConsumerProvision,
		protocol.CmdRunTest, protocol.CmdConsumerReset,
		protocol.CmdFactoryReset, protocol.CmdReboot:
		return true
	}
	return false
}

func notInServiceMode(req *protocol.Request) protocol.Response {
	return protocol.ErrResponse(req.ID, protocol.CodeNotInServiceMode,
		"command requires service mode", nil)
}

func (d *Dispatcher) handleEnter(req *protocol.Request) protocol.Response {
	switch err := d.machine.Enter(); err {
	case nil:
		return protocol.OKResponse(req.ID, map[string]any{"mode": ModeInteractive.String()})
	case ErrWindowExpired:
		return protocol.ErrResponse(req.ID, protocol.CodeWindowExpired,
			"entry window has expired", nil)
	default:
		return notInServiceMode(req)
	}
}

func (d *Dispatcher) handleExit(req *protocol.Request) protocol.Response {
	switch err := d.machine.Exit(); err {
	case nil:
		return protocol.OKResponse(req.ID, map[string]any{"mode": ModeStandard.String()})
	case ErrNotProvisioned:
		return protocol.ErrResponse(req.ID, protocol.CodeNotProvisioned,
			"cannot exit service mode without factory attributes", nil)
	default:
		return notInServiceMode(req)
	}
}

// handleCapabilities returns the full manifest. Pure; cached after the
// first call since the manifest never changes at runtime.
func (d *Dispatcher) handleCapabilities(req *protocol.Request) protocol.Response {
	if d.capsData == nil {
		raw, err := json.Marshal(d.manifest)
		if err != nil {
			return protocol.ErrResponse(req.ID, protocol.CodeInternalError, err.Error(), nil)
		}
		var data map[string]any
		if err := json.Unmarshal(raw, &data); err != nil {
			return protocol.ErrResponse(req.ID, protocol.CodeInternalError, err.Error(), nil)
		}
		d.capsData = data
	}
	return protocol.OKResponse(req.ID, d.capsData)
}

// handleStatus assembles exactly the manifest-declared status fields.
// Fields of absent capabilities are omitted entirely — a host detects
// capability absence from field absence, never from null placeholders.
func (d *Dispatcher) handleStatus(ctx context.Context, req *protocol.Request) protocol.Response {
	factory, consumer, err := d.store.Snapshot(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Provisioning snapshot failed")
		return protocol.ErrResponse(req.ID, protocol.CodeInternalError, "provisioning store unavailable", nil)
	}

	data := map[string]any{
		"device_type": d.manifest.DeviceType,
		"firmware":    d.manifest.Firmware,
		"fw_version":  d.manifest.FirmwareVersion,
		"mode":        d.machine.Mode().String(),
	}
	if d.bank.Board != nil {
		data["mac"] = d.bank.Board.MAC()
	}
	if uid, ok := factory[capability.FieldUnitID]; ok {
		data[capability.FieldUnitID] = uid
	}

	for _, def := range d.manifest.Enabled() {
		name := string(def.Name)
		capData := make(map[string]any)
		collectPrefixed(capData, factory, name)
		collectPrefixed(capData, consumer, name)
		if len(capData) > 0 {
			data[name] = capData
		}
	}
	return protocol.OKResponse(req.ID, data)
}

// collectPrefixed copies "name.field" entries from a partition snapshot
// into dst under the bare field name.
func collectPrefixed(dst, src map[string]any, name string) {
	prefix := name + "."
	for k, v := range src {
		if strings.HasPrefix(k, prefix) {
			dst[strings.TrimPrefix(k, prefix)] = v
		}
	}
}
