package hw

import (
	"context"
	"runtime"
	"sync"
	"time"
)

// Sim is an in-process peripheral bank for the unit simulator and for
// tests. Physical inputs (pairing button, tag presentation, movement)
// are triggered programmatically through the trigger methods.
type Sim struct {
	mu        sync.Mutex
	mac       string
	connected bool
	ssid      string
	rssi      int

	tempC    float64
	humidity float64

	pairCh   chan struct{}
	tagCh    chan simTag
	motionCh chan struct{}
}

type simTag struct {
	id  string
	typ string
}

// NewSim creates a simulated peripheral bank with sane ambient values.
func NewSim(mac string) *Sim {
	return &Sim{
		mac:      mac,
		tempC:    21.5,
		humidity: 40,
		pairCh:   make(chan struct{}, 1),
		tagCh:    make(chan simTag, 1),
		motionCh: make(chan struct{}, 1),
	}
}

// Bank returns the Sim wired into every peripheral slot.
func (s *Sim) Bank() Bank {
	return Bank{Wifi: s, BLE: s, RFID: s, Env: s, Board: s}
}

// --- trigger methods (operator actions) ---

// PressPairButton simulates the operator pressing the pairing button.
func (s *Sim) PressPairButton() {
	select {
	case s.pairCh <- struct{}{}:
	default:
	}
}

// PresentTag simulates holding a tag against the reader.
func (s *Sim) PresentTag(id, typ string) {
	select {
	case s.tagCh <- simTag{id: id, typ: typ}:
	default:
	}
}

// Move simulates physically moving the unit.
func (s *Sim) Move() {
	select {
	case s.motionCh <- struct{}{}:
	default:
	}
}

// SetAmbient overrides the simulated sensor readings.
func (s *Sim) SetAmbient(tempC, humidityPct float64) {
	s.mu.Lock()
	s.tempC = tempC
	s.humidity = humidityPct
	s.mu.Unlock()
}

// --- Wifi ---

func (s *Sim) Scan(ctx context.Context) (int, int, error) {
	select {
	case <-time.After(50 * time.Millisecond):
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	}
	return 4, -48, nil
}

func (s *Sim) Connect(ctx context.Context, ssid, psk string) (int, string, error) {
	select {
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Done():
		return 0, "", ctx.Err()
	}
	s.mu.Lock()
	s.connected = true
	s.ssid = ssid
	s.rssi = -52
	s.mu.Unlock()
	return -52, "192.168.4.17", nil
}

func (s *Sim) RSSI() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rssi
}

// --- BLE ---

func (s *Sim) Ping(ctx context.Context) (int, error) {
	select {
	case <-time.After(10 * time.Millisecond):
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return 12, nil
}

func (s *Sim) WaitPairButton(ctx context.Context) error {
	select {
	case <-s.pairCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sim) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// --- RFID ---

func (s *Sim) WaitTag(ctx context.Context) (string, string, error) {
	select {
	case tag := <-s.tagCh:
		return tag.id, tag.typ, nil
	case <-ctx.Done():
		return "", "", ctx.Err()
	}
}

// --- Environment ---

func (s *Sim) Read(ctx context.Context) (float64, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tempC, s.humidity, nil
}

func (s *Sim) WaitMotion(ctx context.Context) error {
	select {
	case <-s.motionCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- Board ---

func (s *Sim) MAC() string {
	if s.mac == "" {
		return "02:00:00:00:00:01"
	}
	return s.mac
}

func (s *Sim) FreeMem() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapIdle
}

var (
	_ Wifi        = (*Sim)(nil)
	_ BLE         = (*Sim)(nil)
	_ RFID        = (*Sim)(nil)
	_ Environment = (*Sim)(nil)
	_ Board       = (*Sim)(nil)
)
