package schema

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// ErrClaimsInvalid is returned when claims do not satisfy their schema.
var ErrClaimsInvalid = errors.New("claims do not match schema")

// Validator checks credential claims against JSON Schemas. Schemas are
// compiled once per id.
type Validator struct {
	mu      sync.RWMutex
	schemas map[string]*gojsonschema.Schema
	remote  bool
}

// ValidatorOpt configures a Validator.
type ValidatorOpt func(*Validator)

// WithRemoteSchemas lets Validate fetch unregistered schema ids over HTTP.
func WithRemoteSchemas() ValidatorOpt {
	return func(v *Validator) { v.remote = true }
}

// NewValidator creates an empty Validator.
func NewValidator(opts ...ValidatorOpt) *Validator {
	v := &Validator{schemas: make(map[string]*gojsonschema.Schema)}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Register compiles a JSON Schema document and stores it under id.
func (v *Validator) Register(id string, schemaJSON []byte) error {
	if id == "" {
		return fmt.Errorf("schema id is required")
	}
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("failed to compile schema %q: %w", id, err)
	}

	v.mu.Lock()
	v.schemas[id] = s
	v.mu.Unlock()
	return nil
}

func (v *Validator) schema(id string) (*gojsonschema.Schema, error) {
	v.mu.RLock()
	s, ok := v.schemas[id]
	v.mu.RUnlock()
	if ok {
		return s, nil
	}
	if !v.remote {
		return nil, fmt.Errorf("unknown schema %q", id)
	}

	s, err := gojsonschema.NewSchema(gojsonschema.NewReferenceLoader(id))
	if err != nil {
		return nil, fmt.Errorf("failed to load schema %q: %w", id, err)
	}
	v.mu.Lock()
	v.schemas[id] = s
	v.mu.Unlock()
	return s, nil
}

// Validate checks doc against the schema registered under id.
func (v *Validator) Validate(id string, doc interface{}) error {
	s, err := v.schema(id)
	if err != nil {
		return err
	}

	result, err := s.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("failed to validate schema: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrClaimsInvalid, strings.Join(msgs, "; "))
	}
	return nil
}
