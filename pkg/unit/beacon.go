package unit

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/unitlink/unitlink/pkg/capability"
	"github.com/unitlink/unitlink/pkg/protocol"
	"github.com/unitlink/unitlink/pkg/provision"
	"github.com/unitlink/unitlink/pkg/unit/hw"
)

// DefaultBeaconInterval is the cadence of the unsolicited status beacon
// while in service mode.
const DefaultBeaconInterval = 2 * time.Second

// Beacon periodically emits the unit's identity and provisioning summary
// on the command transport, so a host that just opened the connection
// can discover the unit without issuing any command.
type Beacon struct {
	enc      *protocol.Encoder
	manifest *capability.Manifest
	store    *provision.Store
	board    hw.Board
	interval time.Duration

	// onFirst fires after the first beacon is written. A fresh unit uses
	// it to complete its implicit service-mode entry.
	onFirst func()
}

// NewBeacon builds a beacon bound to one encoder.
func NewBeacon(enc *protocol.Encoder, manifest *capability.Manifest, store *provision.Store, board hw.Board, interval time.Duration, onFirst func()) *Beacon {
	if interval <= 0 {
		interval = DefaultBeaconInterval
	}
	return &Beacon{
		enc:      enc,
		manifest: manifest,
		store:    store,
		board:    board,
		interval: interval,
		onFirst:  onFirst,
	}
}

// Run emits one beacon immediately, then on every interval tick until
// the context is canceled.
func (b *Beacon) Run(ctx context.Context) {
	b.emit(ctx)
	if b.onFirst != nil {
		b.onFirst()
	}

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.emit(ctx)
		}
	}
}

func (b *Beacon) emit(ctx context.Context) {
	msg := protocol.Beacon{
		Type:            protocol.TypeBeacon,
		DeviceType:      b.manifest.DeviceType,
		Name:            b.manifest.Name,
		Firmware:        b.manifest.Firmware,
		FirmwareVersion: b.manifest.FirmwareVersion,
	}
	if b.board != nil {
		msg.MAC = b.board.MAC()
		msg.FreeMem = b.board.FreeMem()
	}

	factory, err := b.store.Partition(ctx, provision.PartitionFactory)
	if err == nil {
		if uid, ok := factory[capability.FieldUnitID].(string); ok {
			msg.UnitID = uid
		}
		msg.Provisioned = len(factory) > 0
	}

	if err := b.enc.Encode(msg); err != nil {
		log.Debug().Err(err).Msg("Beacon write failed")
	}
}
