package host

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/unitlink/unitlink/pkg/protocol"
)

// State is the host's belief about the unit on the other end.
type State int

const (
	StateDiscovering State = iota
	StateConnected
	StateUnreachable
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDiscovering:
		return "discovering"
	case StateConnected:
		return "connected"
	case StateUnreachable:
		return "unreachable"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Class sizes a request's deadline. Status/config commands are short,
// network tests long, and "run all tests" longest.
type Class int

const (
	ClassShort Class = iota
	ClassLong
	ClassAggregate
)

// Deadline returns the wall-clock budget for a request of this class.
func (c Class) Deadline() time.Duration {
	switch c {
	case ClassLong:
		return 25 * time.Second
	case ClassAggregate:
		return 90 * time.Second
	default:
		return 10 * time.Second
	}
}

const (
	// probeInterval is how often Connect re-sends the entry command.
	probeInterval = 300 * time.Millisecond

	// connectDeadline covers the unit's entry window plus enumeration
	// latency.
	connectDeadline = 12 * time.Second
)

// Session is the host-side correlation state for one open transport
// connection. One goroutine (the read loop) is the sole consumer of
// decoded lines; callers issue at most one request at a time — the
// protocol has no pipelining provision.
type Session struct {
	name string
	conn io.ReadWriteCloser
	enc  *protocol.Encoder

	mu         sync.Mutex
	state      State
	lastBeacon time.Time
	beacon     *protocol.Beacon
	pending    map[string]chan protocol.Response

	// reqMu is the single-outstanding-request token.
	reqMu sync.Mutex

	// wake is signaled on any beacon or anonymous response — the two
	// things that prove the unit is alive during discovery.
	wake chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
}

// NewSession wraps an open transport and starts its read loop. Callers
// follow with Connect to perform the entry handshake.
func NewSession(name string, conn io.ReadWriteCloser) *Session {
	s := &Session{
		name:    name,
		conn:    conn,
		enc:     protocol.NewEncoder(conn),
		state:   StateDiscovering,
		pending: make(map[string]chan protocol.Response),
		wake:    make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// Name returns the session's identifier.
func (s *Session) Name() string { return s.name }

// State returns the current believed state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastBeacon returns the most recent beacon and when it arrived.
func (s *Session) LastBeacon() (*protocol.Beacon, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.beacon, s.lastBeacon
}

// Close tears the session down. Pending requests fail with ErrClosed.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}

// readLoop is the only consumer of decoded lines for this session. It
// routes responses by id, folds beacons into session state, and logs
// diagnostic text. Responses whose id matches no pending request are
// late arrivals from abandoned requests — drained and discarded so the
// stream stays in sync.
func (s *Session) readLoop() {
	dec := protocol.NewDecoder(s.conn)
	for {
		ev, err := dec.Next()
		if err != nil {
			s.mu.Lock()
			if s.state != StateClosed {
				s.state = StateUnreachable
			}
			s.mu.Unlock()
			s.closeOnce.Do(func() {
				close(s.closed)
				_ = s.conn.Close()
			})
			return
		}

		switch {
		case ev.Err != nil:
			log.Warn().Str("session", s.name).Err(ev.Err).Msg("Malformed line from unit")

		case ev.Diagnostic != "":
			log.Debug().Str("session", s.name).Str("text", ev.Diagnostic).Msg("Unit diagnostic")

		case ev.IsMessage():
			switch protocol.ClassifyMessage(ev.Message) {
			case protocol.KindBeacon:
				s.handleBeacon(ev.Message)
			case protocol.KindResponse:
				s.handleResponse(ev.Message)
			default:
				log.Debug().Str("session", s.name).Msg("Unclassifiable structured line from unit")
			}
		}
	}
}

func (s *Session) handleBeacon(raw json.RawMessage) {
	var b protocol.Beacon
	if err := json.Unmarshal(raw, &b); err != nil {
		log.Warn().Str("session", s.name).Err(err).Msg("Bad beacon")
		return
	}
	s.mu.Lock()
	s.beacon = &b
	s.lastBeacon = time.Now()
	if s.state == StateDiscovering {
		s.state = StateConnected
	}
	s.mu.Unlock()
	s.signalWake()
}

func (s *Session) handleResponse(raw json.RawMessage) {
	var resp protocol.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		log.Warn().Str("session", s.name).Err(err).Msg("Bad response envelope")
		return
	}

	if resp.ID == "" {
		// Anonymous reply to a fire-and-forget entry probe.
		s.mu.Lock()
		if s.state == StateDiscovering && resp.OK() {
			s.state = StateConnected
		}
		s.mu.Unlock()
		s.signalWake()
		return
	}

	s.mu.Lock()
	ch, ok := s.pending[resp.ID]
	if ok {
		delete(s.pending, resp.ID)
	}
	s.mu.Unlock()

	if !ok {
		log.Debug().Str("session", s.name).Str("id", resp.ID).Msg("Discarding late response")
		return
	}
	ch <- resp
}

func (s *Session) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Connect performs the discovery handshake: it issues the entry command
// as a fire-and-forget probe on a short interval until a beacon or
// response proves the unit is listening, or the absolute deadline
// elapses and the session is marked unreachable.
func (s *Session) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, connectDeadline)
	defer cancel()

	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	probe := protocol.Request{Cmd: protocol.CmdEnterServiceMode}
	for {
		if s.State() == StateConnected {
			log.Info().Str("session", s.name).Msg("Unit connected")
			return nil
		}
		if err := s.enc.Encode(probe); err != nil {
			return err
		}

		select {
		case <-s.wake:
		case <-ticker.C:
		case <-s.closed:
			return ErrClosed
		case <-ctx.Done():
			s.mu.Lock()
			s.state = StateUnreachable
			s.mu.Unlock()
			log.Warn().Str("session", s.name).Msg("Unit unreachable after entry probing")
			return ErrUnreachable
		}
	}
}

// Do issues one request and waits for its correlated response within the
// class deadline. On deadline the pending entry is discarded, so a late
// response cannot be misdelivered to a future caller. Mutating commands
// are never retried here; only the caller decides what is safe to
// repeat.
func (s *Session) Do(ctx context.Context, req protocol.Request, class Class) (protocol.Response, error) {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()

	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	ch := make(chan protocol.Response, 1)
	s.mu.Lock()
	s.pending[req.ID] = ch
	s.mu.Unlock()

	drop := func() {
		s.mu.Lock()
		delete(s.pending, req.ID)
		s.mu.Unlock()
	}

	if err := s.enc.Encode(req); err != nil {
		drop()
		return protocol.Response{}, err
	}

	timer := time.NewTimer(class.Deadline())
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		drop()
		log.Warn().Str("session", s.name).Str("cmd", req.Cmd).Str("id", req.ID).Msg("Request timed out")
		return protocol.Response{}, ErrTimeout
	case <-ctx.Done():
		drop()
		return protocol.Response{}, ctx.Err()
	case <-s.closed:
		drop()
		return protocol.Response{}, ErrClosed
	}
}

// respErr converts an error-status response into a CommandError.
func respErr(resp protocol.Response) error {
	if resp.OK() {
		return nil
	}
	return &CommandError{Code: resp.ErrorCode(), Message: resp.Message}
}
