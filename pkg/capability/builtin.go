package capability

import (
	"encoding/json"
	"time"
)

func raw(s string) json.RawMessage { return json.RawMessage(s) }

// builtin holds the fixed capability definitions for this device family.
// Keyed lookups go through Definition; the manifest toggles which of
// these a given unit actually carries.
var builtin = map[Kind]Capability{
	KindWifi: {
		Name: KindWifi,
		FactoryInput: raw(`{
			"type": "object",
			"properties": {
				"region": {"type": "string", "enum": ["US", "EU", "JP"]}
			},
			"additionalProperties": false
		}`),
		ConsumerInput: raw(`{
			"type": "object",
			"properties": {
				"ssid": {"type": "string", "minLength": 1, "maxLength": 32},
				"psk":  {"type": "string", "minLength": 8, "maxLength": 63}
			},
			"required": ["ssid"],
			"additionalProperties": false
		}`),
		FactoryOutput: raw(`{
			"type": "object",
			"properties": {
				"setup_ssid": {"type": "string"},
				"setup_key":  {"type": "string"}
			},
			"additionalProperties": false
		}`),
		Heartbeat: raw(`{
			"type": "object",
			"properties": {
				"wifi_rssi": {"type": "integer"}
			},
			"additionalProperties": false
		}`),
		Tests: []TestSpec{
			{
				Name:    "scan",
				Result:  raw(`{"type":"object","properties":{"networks_found":{"type":"integer","minimum":0},"best_rssi":{"type":"integer"}},"required":["networks_found"],"additionalProperties":false}`),
				Timeout: 10 * time.Second,
			},
			{
				Name:    "connect",
				Params:  raw(`{"type":"object","properties":{"ssid":{"type":"string","minLength":1},"psk":{"type":"string"}},"required":["ssid"],"additionalProperties":false}`),
				Result:  raw(`{"type":"object","properties":{"connected":{"type":"boolean"},"rssi_dbm":{"type":"integer"},"ip":{"type":"string"}},"required":["connected"],"additionalProperties":false}`),
				Timeout: 20 * time.Second,
			},
		},
	},

	KindBLE: {
		Name: KindBLE,
		FactoryInput: raw(`{
			"type": "object",
			"properties": {
				"tx_power": {"type": "integer", "minimum": -20, "maximum": 8}
			},
			"additionalProperties": false
		}`),
		Heartbeat: raw(`{
			"type": "object",
			"properties": {
				"ble_connected": {"type": "boolean"}
			},
			"additionalProperties": false
		}`),
		Tests: []TestSpec{
			{
				Name:    "ping",
				Result:  raw(`{"type":"object","properties":{"latency_ms":{"type":"integer","minimum":0}},"required":["latency_ms"],"additionalProperties":false}`),
				Timeout: 10 * time.Second,
			},
			{
				// Waits for the operator to press the pairing button.
				Name:    "pair",
				Result:  raw(`{"type":"object","properties":{"paired":{"type":"boolean"}},"required":["paired"],"additionalProperties":false}`),
				Timeout: 15 * time.Second,
			},
		},
	},

	KindRFID: {
		Name: KindRFID,
		Tests: []TestSpec{
			{
				// Waits for a tag to be held against the reader.
				Name:    "read_tag",
				Result:  raw(`{"type":"object","properties":{"tag_id":{"type":"string"},"tag_type":{"type":"string"}},"required":["tag_id"],"additionalProperties":false}`),
				Timeout: 15 * time.Second,
			},
		},
	},

	KindEnvironment: {
		Name: KindEnvironment,
		FactoryInput: raw(`{
			"type": "object",
			"properties": {
				"temp_offset_c": {"type": "number", "minimum": -5, "maximum": 5}
			},
			"additionalProperties": false
		}`),
		ConsumerInput: raw(`{
			"type": "object",
			"properties": {
				"safe_min_c": {"type": "number", "minimum": -40, "maximum": 85},
				"safe_max_c": {"type": "number", "minimum": -40, "maximum": 85}
			},
			"additionalProperties": false
		}`),
		Heartbeat: raw(`{
			"type": "object",
			"properties": {
				"temperature_c": {"type": "number"}
			},
			"additionalProperties": false
		}`),
		Tests: []TestSpec{
			{
				Name:    "read",
				Result:  raw(`{"type":"object","properties":{"temperature_c":{"type":"number"},"humidity_pct":{"type":"number","minimum":0,"maximum":100},"in_safe_range":{"type":"boolean"}},"required":["temperature_c","in_safe_range"],"additionalProperties":false}`),
				Timeout: 10 * time.Second,
			},
			{
				// Waits for physical movement of the unit.
				Name:    "motion",
				Result:  raw(`{"type":"object","properties":{"moved":{"type":"boolean"}},"required":["moved"],"additionalProperties":false}`),
				Timeout: 15 * time.Second,
			},
		},
	},
}

// Definition returns the fixed definition for a capability kind.
func Definition(kind Kind) (Capability, bool) {
	c, ok := builtin[kind]
	return c, ok
}
