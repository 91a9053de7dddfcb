package host

import (
	"context"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// Manager tracks named sessions, one per connected unit. Sessions share
// no mutable state with each other; the manager only owns the map.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates an empty session manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// Dial opens the transport named by addr: a serial device path (starts
// with "/" or "COM"), or a TCP host:port for simulated units.
func Dial(addr string) (io.ReadWriteCloser, error) {
	if strings.HasPrefix(addr, "/") || strings.HasPrefix(addr, "COM") {
		return OpenSerial(addr)
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

// Open dials addr, performs the entry handshake, and registers the
// session under name. An existing session with that name is closed
// first.
func (m *Manager) Open(ctx context.Context, name, addr string) (*Session, error) {
	conn, err := Dial(addr)
	if err != nil {
		return nil, err
	}

	sess := NewSession(name, conn)
	if err := sess.Connect(ctx); err != nil {
		_ = sess.Close()
		return nil, err
	}

	m.mu.Lock()
	if old, ok := m.sessions[name]; ok {
		_ = old.Close()
	}
	m.sessions[name] = sess
	m.mu.Unlock()

	log.Info().Str("session", name).Str("addr", addr).Msg("Session opened")
	return sess, nil
}

// Get returns the named session.
func (m *Manager) Get(name string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[name]
	return s, ok
}

// Names returns the registered session names, sorted.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.sessions))
	for name := range m.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close tears down the named session and forgets it.
func (m *Manager) Close(name string) error {
	m.mu.Lock()
	sess, ok := m.sessions[name]
	if ok {
		delete(m.sessions, name)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("no session named %q", name)
	}
	return sess.Close()
}

// CloseAll tears down every session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, sess := range m.sessions {
		_ = sess.Close()
		delete(m.sessions, name)
	}
}
