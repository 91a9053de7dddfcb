package unit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/unitlink/unitlink/pkg/capability"
	"github.com/unitlink/unitlink/pkg/protocol"
	"github.com/unitlink/unitlink/pkg/provision"
	"github.com/unitlink/unitlink/pkg/unit/hw"
)

// handleProvision validates and applies one provisioning write. The
// write is atomic: validation of every referenced capability happens
// first, and either all surviving fields land in the partition or none
// do.
func (d *Dispatcher) handleProvision(ctx context.Context, req *protocol.Request, phase capability.Phase) protocol.Response {
	payload := req.Payload()
	if len(payload) == 0 {
		return protocol.ErrResponse(req.ID, protocol.CodeMissingData,
			"provisioning payload is empty", nil)
	}

	writes := make(map[string]any)
	derived := make(map[string]any)

	if phase == capability.PhaseFactory {
		uid, ok := payload[capability.FieldUnitID].(string)
		if !ok || uid == "" {
			return protocol.ErrResponse(req.ID, protocol.CodeMissingFields,
				"factory provisioning requires a unit_id",
				map[string]any{"fields": []string{capability.FieldUnitID}})
		}
		writes[capability.FieldUnitID] = uid
	}

	for key, val := range payload {
		if phase == capability.PhaseFactory && key == capability.FieldUnitID {
			continue
		}

		def, ok := d.manifest.Capability(key)
		if !ok {
			return protocol.ErrResponse(req.ID, protocol.CodeUnsupportedCmd,
				fmt.Sprintf("capability %q is not supported by this unit", key), nil)
		}

		obj, ok := val.(map[string]any)
		if !ok {
			return protocol.ErrResponse(req.ID, protocol.CodeValidationFailed,
				fmt.Sprintf("capability %q payload must be an object", key), nil)
		}

		doc := def.Input(phase)
		if len(doc) == 0 {
			// A capability with no input schema for this phase accepts no
			// fields through it.
			if len(obj) > 0 {
				return protocol.ErrResponse(req.ID, protocol.CodeValidationFailed,
					fmt.Sprintf("capability %q accepts no %s fields", key, phase), nil)
			}
			continue
		}

		res, err := d.validator.Validate(doc, obj)
		if err != nil {
			log.Error().Err(err).Str("capability", key).Msg("Schema validation failed to run")
			return protocol.ErrResponse(req.ID, protocol.CodeInternalError,
				"schema validation unavailable", nil)
		}
		if len(res.Missing) > 0 {
			return protocol.ErrResponse(req.ID, protocol.CodeMissingFields,
				res.Summary(), map[string]any{"fields": res.Missing})
		}
		if len(res.Invalid) > 0 {
			fields := make([]string, 0, len(res.Invalid))
			for _, fe := range res.Invalid {
				fields = append(fields, fe.Field)
			}
			return protocol.ErrResponse(req.ID, protocol.CodeValidationFailed,
				res.Summary(), map[string]any{"fields": fields})
		}

		for f, v := range obj {
			writes[key+"."+f] = v
		}

		if phase == capability.PhaseFactory && def.Name == capability.KindWifi {
			uid, _ := payload[capability.FieldUnitID].(string)
			ssid, key2 := setupCredentials(uid, d.boardMAC())
			writes["wifi.setup_ssid"] = ssid
			writes["wifi.setup_key"] = key2
			derived["wifi"] = map[string]any{"setup_ssid": ssid, "setup_key": key2}
		}
	}

	partition := provision.PartitionFactory
	if phase == capability.PhaseConsumer {
		partition = provision.PartitionConsumer
	}
	if err := d.store.Write(ctx, partition, writes); err != nil {
		log.Error().Err(err).Str("partition", partition).Msg("Provisioning write failed")
		return protocol.ErrResponse(req.ID, protocol.CodeInternalError,
			"provisioning write failed", nil)
	}

	if phase == capability.PhaseFactory {
		d.machine.SetFactoryPresent(true)
	}

	log.Info().
		Str("phase", string(phase)).
		Int("fields", len(writes)).
		Msg("Provisioning applied")

	return protocol.OKResponse(req.ID, derived)
}

// setupCredentials derives the generated setup-AP credentials returned
// by a wifi factory provision. Deterministic per unit so a re-run of the
// same provisioning write stays idempotent.
func setupCredentials(unitID, mac string) (ssid, key string) {
	sum := sha256.Sum256([]byte("unitlink-setup:" + unitID + ":" + mac))
	tail := unitID
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}
	return "UL-SETUP-" + tail, hex.EncodeToString(sum[:6])
}

func (d *Dispatcher) boardMAC() string {
	if d.bank.Board == nil {
		return ""
	}
	return d.bank.Board.MAC()
}

// handleRunTest validates and executes one capability test under its
// declared timeout. A test that exceeds the timeout terminates cleanly
// and reports <capability>_timeout; it never wedges the dispatcher.
func (d *Dispatcher) handleRunTest(ctx context.Context, req *protocol.Request) protocol.Response {
	if req.Capability == "" || req.TestName == "" {
		return protocol.ErrResponse(req.ID, protocol.CodeMissingData,
			"run_test requires capability and test_name", nil)
	}

	def, ok := d.manifest.Capability(req.Capability)
	if !ok {
		return protocol.ErrResponse(req.ID, protocol.CodeUnsupportedCmd,
			fmt.Sprintf("capability %q is not supported by this unit", req.Capability), nil)
	}
	spec, ok := def.Test(req.TestName)
	if !ok {
		return protocol.ErrResponse(req.ID, protocol.CodeUnsupportedCmd,
			fmt.Sprintf("capability %q has no test %q", req.Capability, req.TestName), nil)
	}

	params := req.Payload()
	if len(spec.Params) == 0 {
		if len(params) > 0 {
			return protocol.ErrResponse(req.ID, protocol.CodeValidationFailed,
				fmt.Sprintf("test %q takes no parameters", spec.Name), nil)
		}
	} else {
		res, err := d.validator.Validate(spec.Params, params)
		if err != nil {
			return protocol.ErrResponse(req.ID, protocol.CodeInternalError,
				"schema validation unavailable", nil)
		}
		if len(res.Missing) > 0 {
			return protocol.ErrResponse(req.ID, protocol.CodeMissingFields,
				res.Summary(), map[string]any{"fields": res.Missing})
		}
		if len(res.Invalid) > 0 {
			return protocol.ErrResponse(req.ID, protocol.CodeValidationFailed,
				res.Summary(), nil)
		}
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log.Info().
		Str("capability", req.Capability).
		Str("test", req.TestName).
		Dur("timeout", timeout).
		Msg("Running test")

	result, err := d.runCapabilityTest(tctx, def.Name, spec.Name, params)
	switch {
	case err == nil:
		return protocol.OKResponse(req.ID, result)
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.ErrResponse(req.ID, protocol.TimeoutCode(req.Capability),
			fmt.Sprintf("test %q timed out after %s", spec.Name, timeout), nil)
	default:
		return protocol.ErrResponse(req.ID, protocol.CommFailedCode(req.Capability),
			err.Error(), nil)
	}
}

// runCapabilityTest is the closed dispatch over capability kind × test
// name. The manifest already confirmed the pair is declared.
func (d *Dispatcher) runCapabilityTest(ctx context.Context, kind capability.Kind, test string, params map[string]any) (map[string]any, error) {
	switch kind {
	case capability.KindWifi:
		return d.runWifiTest(ctx, test, params)
	case capability.KindBLE:
		return d.runBLETest(ctx, test)
	case capability.KindRFID:
		return d.runRFIDTest(ctx, test)
	case capability.KindEnvironment:
		return d.runEnvironmentTest(ctx, test)
	default:
		return nil, fmt.Errorf("no handler for capability %q", kind)
	}
}

func (d *Dispatcher) runWifiTest(ctx context.Context, test string, params map[string]any) (map[string]any, error) {
	if d.bank.Wifi == nil {
		return nil, hw.ErrNotResponding
	}
	switch test {
	case "scan":
		networks, best, err := d.bank.Wifi.Scan(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"networks_found": networks, "best_rssi": best}, nil
	case "connect":
		ssid, _ := params["ssid"].(string)
		psk, _ := params["psk"].(string)
		rssi, ip, err := d.bank.Wifi.Connect(ctx, ssid, psk)
		if err != nil {
			return nil, err
		}
		return map[string]any{"connected": true, "rssi_dbm": rssi, "ip": ip}, nil
	default:
		return nil, fmt.Errorf("no handler for wifi test %q", test)
	}
}

func (d *Dispatcher) runBLETest(ctx context.Context, test string) (map[string]any, error) {
	if d.bank.BLE == nil {
		return nil, hw.ErrNotResponding
	}
	switch test {
	case "ping":
		latency, err := d.bank.BLE.Ping(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"latency_ms": latency}, nil
	case "pair":
		if err := d.bank.BLE.WaitPairButton(ctx); err != nil {
			return nil, err
		}
		return map[string]any{"paired": true}, nil
	default:
		return nil, fmt.Errorf("no handler for ble test %q", test)
	}
}

func (d *Dispatcher) runRFIDTest(ctx context.Context, test string) (map[string]any, error) {
	if d.bank.RFID == nil {
		return nil, hw.ErrNotResponding
	}
	switch test {
	case "read_tag":
		id, typ, err := d.bank.RFID.WaitTag(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"tag_id": id, "tag_type": typ}, nil
	default:
		return nil, fmt.Errorf("no handler for rfid test %q", test)
	}
}

func (d *Dispatcher) runEnvironmentTest(ctx context.Context, test string) (map[string]any, error) {
	if d.bank.Env == nil {
		return nil, hw.ErrNotResponding
	}
	switch test {
	case "read":
		temp, humidity, err := d.bank.Env.Read(ctx)
		if err != nil {
			return nil, err
		}
		temp += d.tempOffset(ctx)
		minC, maxC := d.safeRange(ctx)
		return map[string]any{
			"temperature_c": temp,
			"humidity_pct":  humidity,
			"in_safe_range": temp >= minC && temp <= maxC,
		}, nil
	case "motion":
		if err := d.bank.Env.WaitMotion(ctx); err != nil {
			return nil, err
		}
		return map[string]any{"moved": true}, nil
	default:
		return nil, fmt.Errorf("no handler for environment test %q", test)
	}
}

// tempOffset reads the factory calibration offset, defaulting to zero.
func (d *Dispatcher) tempOffset(ctx context.Context) float64 {
	factory, err := d.store.Partition(ctx, provision.PartitionFactory)
	if err != nil {
		return 0
	}
	offset, _ := factory["environment.temp_offset_c"].(float64)
	return offset
}

// safeRange reads the consumer-configured safe temperature band,
// defaulting to 0–40 °C when unset.
func (d *Dispatcher) safeRange(ctx context.Context) (minC, maxC float64) {
	minC, maxC = 0, 40
	consumer, err := d.store.Partition(ctx, provision.PartitionConsumer)
	if err != nil {
		return minC, maxC
	}
	if v, ok := consumer["environment.safe_min_c"].(float64); ok {
		minC = v
	}
	if v, ok := consumer["environment.safe_max_c"].(float64); ok {
		maxC = v
	}
	return minC, maxC
}

// handleReset erases the requested partitions, then reports success. The
// response is written BEFORE the reboot happens: the host must treat its
// arrival as "the unit is about to vanish", not as permission to issue
// more commands.
func (d *Dispatcher) handleReset(ctx context.Context, req *protocol.Request, factory bool) (protocol.Response, Action) {
	var err error
	if factory {
		err = d.store.EraseAll(ctx)
	} else {
		err = d.store.EraseConsumer(ctx)
	}
	if err != nil {
		log.Error().Err(err).Bool("factory", factory).Msg("Reset failed")
		return protocol.ErrResponse(req.ID, protocol.CodeInternalError, "reset failed", nil), ActionNone
	}

	if factory {
		d.machine.SetFactoryPresent(false)
		log.Info().Msg("Factory reset: both partitions erased")
	} else {
		log.Info().Msg("Consumer reset: consumer partition erased")
	}
	return protocol.OKResponse(req.ID, map[string]any{"rebooting": true}), ActionReboot
}
