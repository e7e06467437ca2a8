// Package toolschema checks tool arguments against the JSON Schema a target
// advertises in tools/list.
package toolschema

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/getkin/kin-openapi/openapi3"
)

// ErrNoSchema is returned for a tool that advertised no input schema.
var ErrNoSchema = errors.New("tool has no input schema")

// Schema is a parsed tool input schema.
type Schema struct {
	s *openapi3.Schema
}

// Parse decodes an inputSchema document.
func Parse(raw json.RawMessage) (*Schema, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, ErrNoSchema
	}
	var s openapi3.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse input schema: %w", err)
	}
	if s.Type != nil && !s.Type.Is(openapi3.TypeObject) {
		return nil, fmt.Errorf("input schema type %v is not object", s.Type.Slice())
	}
	return &Schema{s: &s}, nil
}

// Required lists the required argument names.
func (s *Schema) Required() []string { return append([]string(nil), s.s.Required...) }

// IsRequired reports whether name is a required argument.
func (s *Schema) IsRequired(name string) bool { return slices.Contains(s.s.Required, name) }

// Properties lists the declared argument names in sorted order.
func (s *Schema) Properties() []string {
	out := make([]string, 0, len(s.s.Properties))
	for k := range s.s.Properties {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Validate checks args against the schema. args is normalized through JSON
// so Go maps, structs and numbers compare the way the target will see them.
func (s *Schema) Validate(args any) error {
	b, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	if v == nil {
		v = map[string]any{}
	}
	return s.s.VisitJSON(v)
}
