package schema

import (
	"encoding/json"
	"strings"
	"testing"
)

func wifiConsumerSchema() json.RawMessage {
	return json.RawMessage(`{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"properties": {
			"ssid": {"type": "string", "minLength": 1, "maxLength": 32},
			"password": {"type": "string", "minLength": 8, "maxLength": 63}
		},
		"required": ["ssid", "password"],
		"additionalProperties": false
	}`)
}

func TestValidate_ValidPayload(t *testing.T) {
	v := NewValidator()
	schema := wifiConsumerSchema()

	res, err := v.Validate(schema, map[string]any{
		"ssid":     "HomeNet",
		"password": "hunter2hunter2",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid() {
		t.Errorf("expected valid payload, got: %s", res.Summary())
	}
}

func TestValidate_MissingRequired(t *testing.T) {
	v := NewValidator()
	schema := wifiConsumerSchema()

	res, err := v.Validate(schema, map[string]any{
		"ssid": "HomeNet",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid() {
		t.Fatal("expected failure for missing password")
	}
	if len(res.Missing) != 1 || res.Missing[0] != "password" {
		t.Errorf("expected missing=[password], got %v", res.Missing)
	}
	if len(res.Invalid) != 0 {
		t.Errorf("missing field must not also count as invalid, got %v", res.Invalid)
	}
}

func TestValidate_ConstraintViolation(t *testing.T) {
	v := NewValidator()
	schema := wifiConsumerSchema()

	res, err := v.Validate(schema, map[string]any{
		"ssid":     "HomeNet",
		"password": "short",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid() {
		t.Fatal("expected failure for short password")
	}
	if len(res.Invalid) != 1 || res.Invalid[0].Field != "password" {
		t.Errorf("expected invalid field password, got %v", res.Invalid)
	}
	if len(res.Missing) != 0 {
		t.Errorf("constraint violation must not count as missing, got %v", res.Missing)
	}
}

func TestValidate_UnknownProperty(t *testing.T) {
	v := NewValidator()
	schema := wifiConsumerSchema()

	res, err := v.Validate(schema, map[string]any{
		"ssid":     "HomeNet",
		"password": "hunter2hunter2",
		"channel":  float64(6),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid() {
		t.Error("expected failure for undeclared property")
	}
}

func TestValidate_WrongType(t *testing.T) {
	v := NewValidator()
	schema := wifiConsumerSchema()

	res, err := v.Validate(schema, map[string]any{
		"ssid":     float64(42),
		"password": "hunter2hunter2",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid() {
		t.Fatal("expected failure for wrong ssid type")
	}
	if len(res.Invalid) == 0 || res.Invalid[0].Field != "ssid" {
		t.Errorf("expected ssid flagged, got %v", res.Invalid)
	}
}

func TestValidate_EmptySchema(t *testing.T) {
	v := NewValidator()

	// Empty schema means no validation
	res, err := v.Validate(json.RawMessage(`{}`), map[string]any{
		"anything": "goes",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid() {
		t.Errorf("empty schema should accept everything, got: %s", res.Summary())
	}
}

func TestValidate_NilSchema(t *testing.T) {
	v := NewValidator()

	res, err := v.Validate(nil, map[string]any{
		"anything": "goes",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid() {
		t.Errorf("nil schema should accept everything, got: %s", res.Summary())
	}
}

func TestValidate_NilPayload(t *testing.T) {
	v := NewValidator()
	schema := wifiConsumerSchema()

	// Nil payload validates as the empty object
	res, err := v.Validate(schema, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid() {
		t.Fatal("expected both required fields missing")
	}
	if len(res.Missing) != 2 {
		t.Errorf("expected 2 missing fields, got %v", res.Missing)
	}
}

func TestValidate_CachesSchema(t *testing.T) {
	v := NewValidator()
	schema := wifiConsumerSchema()

	payload := map[string]any{"ssid": "HomeNet", "password": "hunter2hunter2"}

	// First call compiles
	if _, err := v.Validate(schema, payload); err != nil {
		t.Fatal(err)
	}

	// Second call should use cache
	if _, err := v.Validate(schema, payload); err != nil {
		t.Fatal(err)
	}

	v.mu.RLock()
	cacheSize := len(v.cache)
	v.mu.RUnlock()
	if cacheSize != 1 {
		t.Errorf("expected 1 cached schema, got %d", cacheSize)
	}
}

func TestValidate_BadSchemaDocument(t *testing.T) {
	v := NewValidator()

	_, err := v.Validate(json.RawMessage(`{"type": 12}`), map[string]any{})
	if err == nil {
		t.Fatal("expected compile error for malformed schema")
	}
	if !strings.Contains(err.Error(), "compile") {
		t.Errorf("expected compile error, got: %v", err)
	}
}

func TestSummary_ReadsBoth(t *testing.T) {
	res := &Result{
		Missing: []string{"ssid"},
		Invalid: []FieldError{{Field: "password", Cause: "too short"}},
	}
	s := res.Summary()
	if !strings.Contains(s, "ssid") || !strings.Contains(s, "password") {
		t.Errorf("summary should mention both failures, got: %q", s)
	}
}
