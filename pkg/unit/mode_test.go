package unit

import (
	"errors"
	"testing"
	"time"
)

// fakeClock steps a Machine through time without sleeping.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestInitialMode(t *testing.T) {
	if got := InitialMode(false); got != ModeFreshListening {
		t.Errorf("unprovisioned boot = %v, want fresh_listening", got)
	}
	if got := InitialMode(true); got != ModeEntryWindow {
		t.Errorf("provisioned boot = %v, want entry_window", got)
	}
}

func TestEnter_WithinWindow(t *testing.T) {
	clock := newFakeClock()
	m := NewMachine(true, 10*time.Second)
	m.SetClock(clock.now)

	clock.advance(9*time.Second + 999*time.Millisecond)
	if err := m.Enter(); err != nil {
		t.Fatalf("entry strictly before expiry must succeed: %v", err)
	}
	if m.Mode() != ModeInteractive {
		t.Errorf("mode = %v, want interactive", m.Mode())
	}
}

func TestEnter_AtBoundaryExpires(t *testing.T) {
	clock := newFakeClock()
	m := NewMachine(true, 10*time.Second)
	m.SetClock(clock.now)

	// Arrival exactly at the boundary counts as expired.
	clock.advance(10 * time.Second)
	if err := m.Enter(); !errors.Is(err, ErrWindowExpired) {
		t.Fatalf("entry at boundary: got %v, want ErrWindowExpired", err)
	}
	if m.Mode() != ModeStandard {
		t.Errorf("mode = %v, want standard", m.Mode())
	}
}

func TestEnter_FreshUnitHasNoWindow(t *testing.T) {
	clock := newFakeClock()
	m := NewMachine(false, 10*time.Second)
	m.SetClock(clock.now)

	// A fresh unit listens indefinitely.
	clock.advance(24 * time.Hour)
	if m.Mode() != ModeFreshListening {
		t.Fatalf("mode = %v, want fresh_listening", m.Mode())
	}
	if err := m.Enter(); err != nil {
		t.Errorf("fresh unit entry must succeed: %v", err)
	}
}

func TestEnter_RepeatIsNoop(t *testing.T) {
	m := NewMachine(false, 0)
	if err := m.Enter(); err != nil {
		t.Fatal(err)
	}
	// Hosts probe with repeated entry commands; re-entry must not fail.
	if err := m.Enter(); err != nil {
		t.Errorf("re-entry in interactive mode: %v", err)
	}
}

func TestMarkInteractive(t *testing.T) {
	m := NewMachine(false, 0)
	m.MarkInteractive()
	if m.Mode() != ModeInteractive {
		t.Errorf("mode = %v, want interactive", m.Mode())
	}

	// MarkInteractive only promotes fresh units.
	m2 := NewMachine(true, 10*time.Second)
	m2.MarkInteractive()
	if m2.Mode() != ModeEntryWindow {
		t.Errorf("provisioned unit must not be promoted implicitly, mode = %v", m2.Mode())
	}
}

func TestExit_RequiresFactoryRecord(t *testing.T) {
	m := NewMachine(false, 0)
	if err := m.Enter(); err != nil {
		t.Fatal(err)
	}

	if err := m.Exit(); !errors.Is(err, ErrNotProvisioned) {
		t.Fatalf("fresh unit exit: got %v, want ErrNotProvisioned", err)
	}
	if m.Mode() != ModeInteractive {
		t.Errorf("refused exit must not change mode, got %v", m.Mode())
	}

	// After a factory write the same exit succeeds.
	m.SetFactoryPresent(true)
	if err := m.Exit(); err != nil {
		t.Fatalf("provisioned exit: %v", err)
	}
	if m.Mode() != ModeStandard {
		t.Errorf("mode = %v, want standard", m.Mode())
	}
}

func TestExit_OutsideInteractive(t *testing.T) {
	m := NewMachine(true, 10*time.Second)
	if err := m.Exit(); !errors.Is(err, ErrNotAccepting) {
		t.Errorf("exit during entry window: got %v, want ErrNotAccepting", err)
	}
}

func TestReboot_Terminal(t *testing.T) {
	m := NewMachine(true, 10*time.Second)
	if err := m.Enter(); err != nil {
		t.Fatal(err)
	}
	m.Reboot()

	if m.Mode() != ModeRebooting {
		t.Fatalf("mode = %v, want rebooting", m.Mode())
	}
	if err := m.Enter(); err == nil {
		t.Error("no transition may leave the rebooting state")
	}
}

func TestWindowRemaining(t *testing.T) {
	clock := newFakeClock()
	m := NewMachine(true, 10*time.Second)
	m.SetClock(clock.now)

	if got := m.WindowRemaining(); got != 10*time.Second {
		t.Errorf("remaining = %v, want 10s", got)
	}
	clock.advance(4 * time.Second)
	if got := m.WindowRemaining(); got != 6*time.Second {
		t.Errorf("remaining = %v, want 6s", got)
	}

	clock.advance(7 * time.Second)
	if got := m.WindowRemaining(); got != 0 {
		t.Errorf("remaining after expiry = %v, want 0", got)
	}
}

func TestModeString(t *testing.T) {
	cases := map[Mode]string{
		ModeFreshListening: "fresh_listening",
		ModeEntryWindow:    "entry_window",
		ModeInteractive:    "interactive",
		ModeStandard:       "standard",
		ModeRebooting:      "rebooting",
		Mode(99):           "unknown",
	}
	for mode, want := range cases {
		if got := mode.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", mode, got, want)
		}
	}
}
