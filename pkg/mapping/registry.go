// Package mapping resolves (payload_type, target_type) pairs to a pure
// transform plus the JSON Schemas guarding its input and output.
package mapping

import (
	"embed"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

var ErrNoMapping = errors.New("mapping: unsupported payload_type/target_type pair")

// Transform converts validated tool-call arguments into the normalized
// payload. Transforms are pure: no I/O, no clock, deterministic.
type Transform func(args map[string]interface{}) (map[string]interface{}, error)

// Mapping binds a type pair to its transform and schemas.
type Mapping struct {
	PayloadType string
	TargetType  string
	Transform   Transform

	payloadSchema *jsonschema.Schema
	argsSchema    *jsonschema.Schema
	outputSchema  *jsonschema.Schema
	argsRequired  []string
	argsSchemaRaw []byte
}

// ValidatePayload checks the request envelope (tool_calls shape).
func (m *Mapping) ValidatePayload(payload interface{}) error {
	return m.payloadSchema.Validate(payload)
}

// ValidateArguments checks the parsed tool-call arguments object.
func (m *Mapping) ValidateArguments(args interface{}) error {
	return m.argsSchema.Validate(args)
}

// ValidateOutput checks the normalized payload.
func (m *Mapping) ValidateOutput(normalized interface{}) error {
	return m.outputSchema.Validate(normalized)
}

// RequiredArguments lists the argument fields the input schema requires;
// the invariant validator uses these as the preservation set.
func (m *Mapping) RequiredArguments() []string {
	return m.argsRequired
}

// ArgumentsSchemaJSON returns the raw arguments schema for repair prompts.
func (m *Mapping) ArgumentsSchemaJSON() []byte {
	return m.argsSchemaRaw
}

// Registry is the static lookup table, populated at init and read-only
// afterwards.
type Registry struct {
	mu       sync.RWMutex
	mappings map[[2]string]*Mapping
}

func NewRegistry() *Registry {
	return &Registry{mappings: map[[2]string]*Mapping{}}
}

func (r *Registry) Register(m *Mapping) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mappings[[2]string{m.PayloadType, m.TargetType}] = m
}

// Lookup resolves a type pair or returns ErrNoMapping.
func (r *Registry) Lookup(payloadType, targetType string) (*Mapping, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mappings[[2]string{payloadType, targetType}]
	if !ok {
		return nil, ErrNoMapping
	}
	return m, nil
}

func compileSchema(name string) (*jsonschema.Schema, []byte, error) {
	raw, err := schemaFS.ReadFile("schemas/" + name)
	if err != nil {
		return nil, nil, fmt.Errorf("mapping: read schema %s: %w", name, err)
	}
	sch, err := jsonschema.CompileString(name, string(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("mapping: compile schema %s: %w", name, err)
	}
	return sch, raw, nil
}
