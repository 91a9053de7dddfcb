// Package telemetry publishes the unit's periodic network heartbeat
// while it runs in standard mode. This is a different channel from the
// serial status beacon: it feeds the cloud reconciliation job, which
// treats a stale heartbeat as "offline". Only emission lives here; the
// reconciliation and notification logic belong to the cloud side.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/unitlink/unitlink/pkg/capability"
	"github.com/unitlink/unitlink/pkg/provision"
	"github.com/unitlink/unitlink/pkg/unit/hw"
)

// DefaultInterval is the heartbeat cadence in standard mode.
const DefaultInterval = 30 * time.Second

// DefaultSubjectPrefix is the NATS subject tree heartbeats publish
// under; the full subject is <prefix>.<device_type>.<unit_id>.
const DefaultSubjectPrefix = "unitlink.telemetry"

// Config configures one heartbeat emitter.
type Config struct {
	URL           string
	SubjectPrefix string
	Interval      time.Duration
}

// Emitter publishes heartbeats for one unit. Publish failures are
// logged and skipped — telemetry is best-effort and must never take the
// unit's application loop down.
type Emitter struct {
	cfg      Config
	manifest *capability.Manifest
	store    *provision.Store
	bank     hw.Bank
}

// NewEmitter builds an emitter; Run does the connecting.
func NewEmitter(cfg Config, manifest *capability.Manifest, store *provision.Store, bank hw.Bank) *Emitter {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Emitter{cfg: cfg, manifest: manifest, store: store, bank: bank}
}

// Run connects to NATS and publishes one heartbeat per interval until
// the context is canceled.
func (e *Emitter) Run(ctx context.Context) error {
	nc, err := nats.Connect(e.cfg.URL,
		nats.Name(fmt.Sprintf("unitlink-%s", e.manifest.DeviceType)),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return fmt.Errorf("connect to NATS at %s: %w", e.cfg.URL, err)
	}
	defer nc.Close()

	log.Info().
		Str("url", e.cfg.URL).
		Dur("interval", e.cfg.Interval).
		Msg("Telemetry emitter started")

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	e.publish(ctx, nc)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.publish(ctx, nc)
		}
	}
}

func (e *Emitter) publish(ctx context.Context, nc *nats.Conn) {
	doc, unitID := e.sample(ctx)

	payload, err := json.Marshal(doc)
	if err != nil {
		log.Error().Err(err).Msg("Heartbeat encode failed")
		return
	}

	subject := fmt.Sprintf("%s.%s.%s", e.cfg.SubjectPrefix, e.manifest.DeviceType, unitID)
	if err := nc.Publish(subject, payload); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("Heartbeat publish failed")
		return
	}
	log.Debug().Str("subject", subject).Msg("Heartbeat published")
}

// sample assembles the flat heartbeat document: a routing envelope plus
// the capability-prefixed metrics the manifest declares. Fields for
// absent capabilities are omitted, matching the status contract.
func (e *Emitter) sample(ctx context.Context) (map[string]any, string) {
	unitID := "unprovisioned"
	if factory, err := e.store.Partition(ctx, provision.PartitionFactory); err == nil {
		if uid, ok := factory[capability.FieldUnitID].(string); ok && uid != "" {
			unitID = uid
		}
	}

	doc := map[string]any{
		"unit_id":     unitID,
		"device_type": e.manifest.DeviceType,
		"fw_version":  e.manifest.FirmwareVersion,
		"ts":          time.Now().UTC().Format(time.RFC3339),
	}
	if e.bank.Board != nil {
		doc["mac"] = e.bank.Board.MAC()
	}

	if e.manifest.Has(string(capability.KindWifi)) && e.bank.Wifi != nil {
		doc["wifi_rssi"] = e.bank.Wifi.RSSI()
	}
	if e.manifest.Has(string(capability.KindBLE)) && e.bank.BLE != nil {
		doc["ble_connected"] = e.bank.BLE.Connected()
	}
	if e.manifest.Has(string(capability.KindEnvironment)) && e.bank.Env != nil {
		if tempC, _, err := e.bank.Env.Read(ctx); err == nil {
			doc["temperature_c"] = tempC
		}
	}
	return doc, unitID
}
