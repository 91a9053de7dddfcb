package capability

import (
	"encoding/json"
	"time"
)

// Kind is the closed set of capability kinds a unit can carry. The
// manifest only toggles presence; the definitions themselves are fixed
// per firmware build and enumerable at compile time.
type Kind string

const (
	KindWifi        Kind = "wifi"
	KindBLE         Kind = "ble"
	KindRFID        Kind = "rfid"
	KindEnvironment Kind = "environment"
)

// Kinds returns all capability kinds in their canonical order. This
// order is the order tests are advertised and dispatched in.
func Kinds() []Kind {
	return []Kind{KindWifi, KindBLE, KindRFID, KindEnvironment}
}

// Phase distinguishes the two provisioning channels. A field name belongs
// to exactly one phase, determined by which input schema declares it.
type Phase string

const (
	PhaseFactory  Phase = "factory"
	PhaseConsumer Phase = "consumer"
)

// TestSpec describes one named test a capability exposes: the schema of
// its parameters, the schema of its result object, and an independent
// timeout after which the test must terminate cleanly.
type TestSpec struct {
	Name    string          `json:"name"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Timeout time.Duration   `json:"-"`
}

// Capability is one named feature unit together with its schema surface.
// Every schema may be empty; a non-empty schema is a closed set of named
// typed fields. Payload fields outside the declared set are REJECTED —
// all schemas here use additionalProperties:false and that policy applies
// across the whole protocol.
type Capability struct {
	Name           Kind            `json:"name"`
	FactoryInput   json.RawMessage `json:"factory_input,omitempty"`
	ConsumerInput  json.RawMessage `json:"consumer_input,omitempty"`
	FactoryOutput  json.RawMessage `json:"factory_output,omitempty"`
	ConsumerOutput json.RawMessage `json:"consumer_output,omitempty"`
	Heartbeat      json.RawMessage `json:"heartbeat,omitempty"`
	Tests          []TestSpec      `json:"tests,omitempty"`
}

// Input returns the provisioning input schema for the given phase.
func (c *Capability) Input(phase Phase) json.RawMessage {
	if phase == PhaseFactory {
		return c.FactoryInput
	}
	return c.ConsumerInput
}

// Test looks up a test spec by name.
func (c *Capability) Test(name string) (*TestSpec, bool) {
	for i := range c.Tests {
		if c.Tests[i].Name == name {
			return &c.Tests[i], true
		}
	}
	return nil, false
}

// schemaDoc is the subset of a JSON Schema document the manifest layer
// needs to reason about: the declared property set.
type schemaDoc struct {
	Properties map[string]json.RawMessage `json:"properties"`
	Required   []string                   `json:"required"`
}

// Fields returns the property names a schema document declares, or nil
// for an empty schema.
func Fields(doc json.RawMessage) []string {
	if len(doc) == 0 {
		return nil
	}
	var sd schemaDoc
	if err := json.Unmarshal(doc, &sd); err != nil {
		return nil
	}
	names := make([]string, 0, len(sd.Properties))
	for name := range sd.Properties {
		names = append(names, name)
	}
	return names
}

// DeclaresField reports whether the schema document declares the named
// property.
func DeclaresField(doc json.RawMessage, name string) bool {
	if len(doc) == 0 {
		return false
	}
	var sd schemaDoc
	if err := json.Unmarshal(doc, &sd); err != nil {
		return false
	}
	_, ok := sd.Properties[name]
	return ok
}
