package unit

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Mode is the unit's command-acceptance state.
type Mode int

const (
	// ModeFreshListening: no factory attributes stored. The unit listens
	// indefinitely and enters service mode on the first accepted command.
	ModeFreshListening Mode = iota

	// ModeEntryWindow: factory attributes exist. The unit listens for the
	// explicit entry command for a bounded window after boot.
	ModeEntryWindow

	// ModeInteractive: service mode. Structured commands are accepted and
	// the status beacon runs.
	ModeInteractive

	// ModeStandard: normal application behavior. Structured commands are
	// rejected; only a full reboot cycle leads back to service mode.
	ModeStandard

	// ModeRebooting: terminal for this boot cycle. The final response has
	// been sent and the unit is about to restart.
	ModeRebooting
)

func (m Mode) String() string {
	switch m {
	case ModeFreshListening:
		return "fresh_listening"
	case ModeEntryWindow:
		return "entry_window"
	case ModeInteractive:
		return "interactive"
	case ModeStandard:
		return "standard"
	case ModeRebooting:
		return "rebooting"
	default:
		return "unknown"
	}
}

// DefaultEntryWindow is how long a provisioned unit listens for the
// explicit entry command after boot.
const DefaultEntryWindow = 10 * time.Second

var (
	// ErrWindowExpired: the entry command arrived at or after the window
	// boundary.
	ErrWindowExpired = errors.New("entry window expired")

	// ErrNotAccepting: the unit is in a mode that does not accept this
	// command at all.
	ErrNotAccepting = errors.New("not in service mode")

	// ErrNotProvisioned: exit refused because no factory attributes are
	// stored. A fresh unit that left service mode would be unreachable.
	ErrNotProvisioned = errors.New("unit has no factory attributes")
)

// InitialMode is the one-time boot decision: provisioned units get a
// bounded entry window, unprovisioned units listen until spoken to.
func InitialMode(hasFactory bool) Mode {
	if hasFactory {
		return ModeEntryWindow
	}
	return ModeFreshListening
}

// Machine owns the unit's mode and enforces the transition guards. It is
// safe for concurrent use; the expiry of the entry window is evaluated
// lazily against the injected clock, so the machine is unit-testable
// without real boot timing.
type Machine struct {
	mu          sync.Mutex
	mode        Mode
	hasFactory  bool
	windowStart time.Time
	window      time.Duration
	now         func() time.Time
}

// NewMachine selects the initial mode from the factory-attribute flag
// and arms the entry window when applicable. A zero window means
// DefaultEntryWindow.
func NewMachine(hasFactory bool, window time.Duration) *Machine {
	if window <= 0 {
		window = DefaultEntryWindow
	}
	m := &Machine{
		mode:       InitialMode(hasFactory),
		hasFactory: hasFactory,
		window:     window,
		now:        time.Now,
	}
	m.windowStart = m.now()
	return m
}

// SetClock replaces the machine's clock. Test hook.
func (m *Machine) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.windowStart = now()
	m.mu.Unlock()
}

// Mode returns the current mode, folding in entry-window expiry.
func (m *Machine) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked()
	return m.mode
}

// expireLocked moves EntryWindow to Standard once the window has passed.
func (m *Machine) expireLocked() {
	if m.mode == ModeEntryWindow && !m.now().Before(m.windowStart.Add(m.window)) {
		m.mode = ModeStandard
		log.Info().Dur("window", m.window).Msg("Entry window expired, switching to standard mode")
	}
}

// Enter handles the explicit entry command. Strictly-before-expiry
// arrivals succeed; at-or-after arrivals fail with ErrWindowExpired.
func (m *Machine) Enter() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked()

	switch m.mode {
	case ModeFreshListening, ModeEntryWindow:
		m.mode = ModeInteractive
		log.Info().Msg("Entered service mode")
		return nil
	case ModeInteractive:
		// Entry probes repeat; re-entry is a no-op.
		return nil
	case ModeStandard:
		return ErrWindowExpired
	default:
		return ErrNotAccepting
	}
}

// MarkInteractive performs the implicit entry of a fresh unit: any
// accepted command, or the first beacon sent, moves it to service mode.
func (m *Machine) MarkInteractive() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode == ModeFreshListening {
		m.mode = ModeInteractive
		log.Info().Msg("Implicit service mode entry (fresh unit)")
	}
}

// Exit handles the explicit exit command. Only a provisioned unit may
// leave service mode; a fresh one would become unreachable.
func (m *Machine) Exit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode != ModeInteractive {
		return ErrNotAccepting
	}
	if !m.hasFactory {
		return ErrNotProvisioned
	}
	m.mode = ModeStandard
	log.Info().Msg("Exited service mode")
	return nil
}

// Reboot marks the terminal state for this boot cycle. No transition
// leads out of it; the process restart re-runs InitialMode.
func (m *Machine) Reboot() {
	m.mu.Lock()
	m.mode = ModeRebooting
	m.mu.Unlock()
	log.Info().Msg("Rebooting")
}

// SetFactoryPresent updates the provisioned flag after a factory write
// or a hard reset.
func (m *Machine) SetFactoryPresent(present bool) {
	m.mu.Lock()
	m.hasFactory = present
	m.mu.Unlock()
}

// WindowRemaining reports how long the entry window stays open, or zero
// outside EntryWindow.
func (m *Machine) WindowRemaining() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode != ModeEntryWindow {
		return 0
	}
	rem := m.windowStart.Add(m.window).Sub(m.now())
	if rem < 0 {
		return 0
	}
	return rem
}
