// Package hw abstracts the physical peripherals a capability test talks
// to. The unit agent only sees these interfaces; real firmware binds
// them to drivers, the simulator binds them to Sim.
package hw

import (
	"context"
	"errors"
)

// ErrNotResponding indicates the peripheral did not answer at all, as
// opposed to answering too late. The dispatcher maps it to the
// capability's _comm_failed error code.
var ErrNotResponding = errors.New("hardware not responding")

// Wifi is the network radio.
type Wifi interface {
	// Scan returns the number of networks visible and the strongest RSSI seen.
	Scan(ctx context.Context) (networks int, bestRSSI int, err error)

	// Connect joins the given network and returns link RSSI and assigned IP.
	Connect(ctx context.Context, ssid, psk string) (rssi int, ip string, err error)

	// RSSI returns the current link RSSI, or 0 when not associated.
	RSSI() int
}

// BLE is the short-range radio.
type BLE interface {
	// Ping round-trips the radio and returns the latency in milliseconds.
	Ping(ctx context.Context) (latencyMS int, err error)

	// WaitPairButton blocks until the operator presses the pairing button
	// or the context expires.
	WaitPairButton(ctx context.Context) error

	// Connected reports whether a peer is currently connected.
	Connected() bool
}

// RFID is the tag reader.
type RFID interface {
	// WaitTag blocks until a tag is presented or the context expires.
	WaitTag(ctx context.Context) (tagID, tagType string, err error)
}

// Environment is the ambient sensor cluster.
type Environment interface {
	// Read samples temperature (°C) and relative humidity (%).
	Read(ctx context.Context) (tempC, humidityPct float64, err error)

	// WaitMotion blocks until the unit is physically moved or the
	// context expires.
	WaitMotion(ctx context.Context) error
}

// Board exposes identity and resource metrics of the unit itself.
type Board interface {
	MAC() string
	FreeMem() uint64
}

// Bank bundles every peripheral a unit may carry. Entries for absent
// capabilities may be nil; the dispatcher never touches hardware for a
// capability the manifest does not list.
type Bank struct {
	Wifi  Wifi
	BLE   BLE
	RFID  RFID
	Env   Environment
	Board Board
}
