// Package schema is the schema registry interface: versioned event schemas
// per event type, backward-compatibility checks on registration and payload
// validation against a registered version.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/edgeflare/carebus/pkg/errdefs"
)

// FieldType is the JSON type of a field.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
	TypeObject  FieldType = "object"
	TypeArray   FieldType = "array"
)

func (t FieldType) valid() bool {
	switch t {
	case TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeObject, TypeArray:
		return true
	}
	return false
}

// Field is one top-level payload field.
type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required,omitempty"`
}

// Schema describes the top-level fields of a JSON object payload. Fields not
// declared are ignored by readers.
type Schema struct {
	Fields []Field `json:"fields"`
}

// Check validates the definition itself.
func (s Schema) Check() error {
	seen := make(map[string]bool, len(s.Fields))
	for i, f := range s.Fields {
		if f.Name == "" {
			return errdefs.Validationf(fmt.Sprintf("fields[%d].name", i), "must not be empty")
		}
		if seen[f.Name] {
			return errdefs.Validationf(fmt.Sprintf("fields[%d].name", i), "duplicate field %q", f.Name)
		}
		seen[f.Name] = true
		if !f.Type.valid() {
			return errdefs.Validationf(fmt.Sprintf("fields[%d].type", i), "unknown type %q", f.Type)
		}
	}
	return nil
}

func (s Schema) byName() map[string]Field {
	m := make(map[string]Field, len(s.Fields))
	for _, f := range s.Fields {
		m[f.Name] = f
	}
	return m
}

// Equal reports whether s and o declare the same fields, in any order.
func (s Schema) Equal(o Schema) bool {
	if len(s.Fields) != len(o.Fields) {
		return false
	}
	other := o.byName()
	for _, f := range s.Fields {
		if g, ok := other[f.Name]; !ok || g != f {
			return false
		}
	}
	return true
}

// BackwardCompatible lists why readers of prev could not read payloads written
// against next. An empty result means next is compatible.
func BackwardCompatible(prev, next Schema) []string {
	var reasons []string
	nextFields := next.byName()
	for _, f := range prev.Fields {
		g, ok := nextFields[f.Name]
		switch {
		case !ok && f.Required:
			reasons = append(reasons, fmt.Sprintf("required field %q removed", f.Name))
		case !ok:
		case g.Type != f.Type:
			reasons = append(reasons, fmt.Sprintf("field %q changed type %s -> %s", f.Name, f.Type, g.Type))
		case f.Required && !g.Required:
			reasons = append(reasons, fmt.Sprintf("field %q is no longer required", f.Name))
		}
	}
	return reasons
}

// Violations lists how payload fails to conform to s.
func (s Schema) Violations(payload []byte) []string {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return []string{"payload is not a JSON object"}
	}
	if _, err := dec.Token(); err != io.EOF {
		return []string{"payload has data after the JSON object"}
	}

	var out []string
	for _, f := range s.Fields {
		v, ok := obj[f.Name]
		if !ok || v == nil {
			if f.Required {
				out = append(out, fmt.Sprintf("missing required field %q", f.Name))
			}
			continue
		}
		if !matches(f.Type, v) {
			out = append(out, fmt.Sprintf("field %q must be %s", f.Name, f.Type))
		}
	}
	sort.Strings(out)
	return out
}

func matches(t FieldType, v any) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	case TypeArray:
		_, ok := v.([]any)
		return ok
	case TypeNumber:
		_, ok := v.(json.Number)
		return ok
	case TypeInteger:
		n, ok := v.(json.Number)
		if !ok {
			return false
		}
		if _, err := n.Int64(); err == nil {
			return true
		}
		f, err := n.Float64()
		return err == nil && f == math.Trunc(f)
	}
	return false
}
