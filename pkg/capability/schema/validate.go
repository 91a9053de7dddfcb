package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
)

// FieldError describes a single field that failed validation.
type FieldError struct {
	Field string `json:"field"`
	Cause string `json:"cause"`
}

// Result is the outcome of validating one payload. Missing lists required
// fields absent from the payload; Invalid lists fields whose value violated
// a declared constraint (including undeclared fields, when the schema
// closes its property set).
type Result struct {
	Missing []string     `json:"missing,omitempty"`
	Invalid []FieldError `json:"invalid,omitempty"`
}

// Valid reports whether the payload passed validation.
func (r *Result) Valid() bool {
	return len(r.Missing) == 0 && len(r.Invalid) == 0
}

// Summary renders a short human-readable description of the failures.
func (r *Result) Summary() string {
	var parts []string
	if len(r.Missing) > 0 {
		parts = append(parts, "missing required fields: "+strings.Join(r.Missing, ", "))
	}
	for _, fe := range r.Invalid {
		if fe.Field != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", fe.Field, fe.Cause))
		} else {
			parts = append(parts, fe.Cause)
		}
	}
	return strings.Join(parts, "; ")
}

// Validator validates JSON payloads against JSON Schema documents.
// It caches compiled schemas keyed by their raw bytes.
type Validator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewValidator creates a new Validator with an empty cache.
func NewValidator() *Validator {
	return &Validator{
		cache: make(map[string]*jsonschema.Schema),
	}
}

// Validate checks payload against the given JSON Schema document and
// classifies any failures. A nil or empty schema accepts every payload;
// callers that want "no schema means no fields" enforce that themselves.
// The returned error covers schema compilation problems only — payload
// failures are reported through the Result.
func (v *Validator) Validate(schemaDoc json.RawMessage, payload map[string]any) (*Result, error) {
	res := &Result{}
	if len(schemaDoc) == 0 || string(schemaDoc) == "{}" || string(schemaDoc) == "null" {
		return res, nil
	}

	compiled, err := v.compile(schemaDoc)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	// The validator wants plain decoded JSON; a nil map is the empty object.
	doc := map[string]any{}
	for k, val := range payload {
		doc[k] = val
	}

	if err := compiled.Validate(any(doc)); err != nil {
		ve, ok := err.(*jsonschema.ValidationError)
		if !ok {
			return nil, fmt.Errorf("validate payload: %w", err)
		}
		collect(res, ve)
	}
	return res, nil
}

// collect walks the validation error tree, splitting missing-required
// failures from per-field constraint violations.
func collect(res *Result, ve *jsonschema.ValidationError) {
	if len(ve.Causes) == 0 {
		switch k := ve.ErrorKind.(type) {
		case *kind.Required:
			res.Missing = append(res.Missing, k.Missing...)
		default:
			field := ""
			if len(ve.InstanceLocation) > 0 {
				field = ve.InstanceLocation[len(ve.InstanceLocation)-1]
			}
			res.Invalid = append(res.Invalid, FieldError{
				Field: field,
				Cause: ve.Error(),
			})
		}
		return
	}
	for _, cause := range ve.Causes {
		collect(res, cause)
	}
}

func (v *Validator) compile(schemaDoc json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schemaDoc)

	v.mu.RLock()
	if s, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return s, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock
	if s, ok := v.cache[key]; ok {
		return s, nil
	}

	var schemaMap any
	if err := json.Unmarshal(schemaDoc, &schemaMap); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaMap); err != nil {
		return nil, fmt.Errorf("add resource: %w", err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}
