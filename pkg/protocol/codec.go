package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
)

// maxLineLen bounds a single logical line. Diagnostic spew from a unit's
// boot log can be long, but anything past this is discarded wholesale.
const maxLineLen = 256 * 1024

// Event is one decoded logical line from the transport. Exactly one of
// the three fields is meaningful: Message for a structured line,
// Diagnostic for free-form text, Err for a line that carried the
// structured-message marker but did not parse.
type Event struct {
	Message    json.RawMessage
	Diagnostic string
	Err        error
}

// IsMessage reports whether the event carries a structured message.
func (e Event) IsMessage() bool { return e.Message != nil }

// Decoder splits a byte stream into newline-delimited logical lines and
// classifies each one. Lines whose first non-whitespace byte is '{' are
// treated as structured messages; everything else is surfaced as opaque
// diagnostic text and never misinterpreted as protocol content.
//
// A Decoder is the single consumer of its stream: exactly one goroutine
// may call Next.
type Decoder struct {
	s *bufio.Scanner
}

// NewDecoder wraps a byte stream in a line decoder.
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), maxLineLen)
	return &Decoder{s: s}
}

// Next blocks until a complete line is available and returns it as an
// Event. It returns io.EOF (or the underlying read error) once the
// stream ends; malformed structured lines are reported in Event.Err and
// do not terminate the stream.
func (d *Decoder) Next() (Event, error) {
	for d.s.Scan() {
		line := d.s.Bytes()
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		if trimmed[0] != '{' {
			return Event{Diagnostic: string(trimmed)}, nil
		}
		if !json.Valid(trimmed) {
			return Event{Err: fmt.Errorf("%s: malformed structured line", CodeParseError)}, nil
		}
		raw := make(json.RawMessage, len(trimmed))
		copy(raw, trimmed)
		return Event{Message: raw}, nil
	}
	if err := d.s.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

// Encoder serializes envelopes one per line, terminated by a single
// newline. It is safe for concurrent use; each Encode writes its line
// atomically with respect to other callers.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder wraps a writer in a line encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode marshals v and writes it as one newline-terminated line.
// JSON string escaping guarantees no embedded newlines, but the
// invariant is checked anyway so a broken marshaler cannot desync the
// stream.
func (e *Encoder) Encode(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if bytes.ContainsRune(b, '\n') {
		return fmt.Errorf("encode message: serialized form contains newline")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// MessageKind classifies a structured line received by a host: a reply
// to a request, an unsolicited beacon, or something unrecognized.
type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindResponse
	KindBeacon
)

// ClassifyMessage inspects a structured line and reports what it is.
// Responses always carry a "status" key; beacons carry "type":"beacon".
func ClassifyMessage(raw json.RawMessage) MessageKind {
	var probe struct {
		Status string `json:"status"`
		Type   string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return KindUnknown
	}
	switch {
	case probe.Status != "":
		return KindResponse
	case strings.EqualFold(probe.Type, TypeBeacon):
		return KindBeacon
	default:
		return KindUnknown
	}
}
