// Package schema defines the tool-definition model shared by the registry
// and the format converter: a named function plus a recursive
// JSON-Schema-like parameter tree.
//
// The tree is deliberately not a typed JSON-Schema implementation. The
// converter's round-trip guarantee requires every keyword the caller sent
// to survive conversion verbatim, including keywords this module knows
// nothing about, so unknown members are carried as raw JSON rather than
// decoded into a fixed shape.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
)

// Definition describes one callable tool a backend may be asked to invoke.
type Definition struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  *Node  `json:"parameters,omitempty"`
}

// Node is one level of a parameter schema tree. Known structural members
// are decoded so validation can walk the tree; everything else is kept
// verbatim in Extra.
type Node struct {
	Type        string
	Description string
	Properties  map[string]*Node
	Items       *Node
	Required    []string
	Enum        []any

	// Default and AdditionalProperties stay raw: presence, null, and
	// non-schema values (additionalProperties: false) must all survive
	// a round trip unchanged.
	Default              json.RawMessage
	AdditionalProperties json.RawMessage

	// Extra holds every member not listed above, keyed by its original
	// name (title, pattern, minimum, minItems, format, ...).
	Extra map[string]json.RawMessage
}

// Schema type literals validation recognizes. Unknown types are rejected
// by validation but still round-trip through the converter untouched.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeObject  = "object"
	TypeArray   = "array"
	TypeNull    = "null"
)

var validTypes = map[string]struct{}{
	TypeString:  {},
	TypeNumber:  {},
	TypeInteger: {},
	TypeBoolean: {},
	TypeObject:  {},
	TypeArray:   {},
	TypeNull:    {},
}

// IsValidType reports whether typeName is one of the recognized literals.
func IsValidType(typeName string) bool {
	_, ok := validTypes[typeName]
	return ok
}

// UnmarshalJSON decodes a schema object, splitting known structural
// members from verbatim extras.
func (n *Node) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("schema: decode node: %w", err)
	}

	out := Node{}
	for key, value := range raw {
		switch key {
		case "type":
			if err := json.Unmarshal(value, &out.Type); err != nil {
				return fmt.Errorf("schema: decode type: %w", err)
			}
		case "description":
			if err := json.Unmarshal(value, &out.Description); err != nil {
				return fmt.Errorf("schema: decode description: %w", err)
			}
		case "properties":
			if err := json.Unmarshal(value, &out.Properties); err != nil {
				return fmt.Errorf("schema: decode properties: %w", err)
			}
		case "items":
			if err := json.Unmarshal(value, &out.Items); err != nil {
				return fmt.Errorf("schema: decode items: %w", err)
			}
		case "required":
			if err := json.Unmarshal(value, &out.Required); err != nil {
				return fmt.Errorf("schema: decode required: %w", err)
			}
		case "enum":
			if err := json.Unmarshal(value, &out.Enum); err != nil {
				return fmt.Errorf("schema: decode enum: %w", err)
			}
		case "default":
			out.Default = cloneRaw(value)
		case "additionalProperties":
			out.AdditionalProperties = cloneRaw(value)
		default:
			if out.Extra == nil {
				out.Extra = make(map[string]json.RawMessage)
			}
			out.Extra[key] = cloneRaw(value)
		}
	}

	*n = out
	return nil
}

// MarshalJSON re-assembles the node into a single JSON object. Map
// marshaling sorts keys, so output is deterministic.
func (n Node) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, 8+len(n.Extra))
	if n.Type != "" {
		out["type"] = n.Type
	}
	if n.Description != "" {
		out["description"] = n.Description
	}
	if n.Properties != nil {
		out["properties"] = n.Properties
	}
	if n.Items != nil {
		out["items"] = n.Items
	}
	if n.Required != nil {
		out["required"] = n.Required
	}
	if n.Enum != nil {
		out["enum"] = n.Enum
	}
	if n.Default != nil {
		out["default"] = n.Default
	}
	if n.AdditionalProperties != nil {
		out["additionalProperties"] = n.AdditionalProperties
	}
	for key, value := range n.Extra {
		out[key] = value
	}
	return json.Marshal(out)
}

// Clone returns a deep copy of the definition. Conversion and registry
// reads always operate on copies; the source definition is never mutated.
func (d Definition) Clone() Definition {
	out := d
	out.Parameters = d.Parameters.Clone()
	return out
}

// Clone returns a deep copy of the node, or nil for a nil node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := Node{
		Type:                 n.Type,
		Description:          n.Description,
		Items:                n.Items.Clone(),
		Default:              cloneRaw(n.Default),
		AdditionalProperties: cloneRaw(n.AdditionalProperties),
	}
	if n.Properties != nil {
		out.Properties = make(map[string]*Node, len(n.Properties))
		for name, prop := range n.Properties {
			out.Properties[name] = prop.Clone()
		}
	}
	if n.Required != nil {
		out.Required = slices.Clone(n.Required)
	}
	if n.Enum != nil {
		out.Enum = make([]any, len(n.Enum))
		for i, value := range n.Enum {
			out.Enum[i] = CloneValue(value)
		}
	}
	if n.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(n.Extra))
		for key, value := range n.Extra {
			out.Extra[key] = cloneRaw(value)
		}
	}
	return &out
}

// Equal reports deep structural equality of two definitions, comparing the
// canonical JSON forms so raw-message formatting differences do not count.
func Equal(a, b Definition) bool {
	return a.Name == b.Name &&
		a.Description == b.Description &&
		NodesEqual(a.Parameters, b.Parameters)
}

// NodesEqual reports deep structural equality of two schema trees.
func NodesEqual(a, b *Node) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	aJSON, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bJSON, err := json.Marshal(b)
	if err != nil {
		return false
	}
	if bytes.Equal(aJSON, bJSON) {
		return true
	}
	// Fall back to decoded comparison so numeric formatting ("1" vs "1.0")
	// and raw-message whitespace do not produce false negatives.
	var aVal, bVal any
	if err := json.Unmarshal(aJSON, &aVal); err != nil {
		return false
	}
	if err := json.Unmarshal(bJSON, &bVal); err != nil {
		return false
	}
	return reflect.DeepEqual(aVal, bVal)
}

// SerializedSize returns the size in bytes of the definition's JSON form.
// The registry uses this for its aggregate byte ceiling.
func (d Definition) SerializedSize() int {
	data, err := json.Marshal(d)
	if err != nil {
		return 0
	}
	return len(data)
}

// CloneValue deep-copies a decoded JSON value. Enum members may be
// objects or arrays; a shallow element copy would leave clones aliased
// to the original's maps and slices.
func CloneValue(in any) any {
	switch v := in.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, value := range v {
			out[key] = CloneValue(value)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, value := range v {
			out[i] = CloneValue(value)
		}
		return out
	default:
		return in
	}
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if in == nil {
		return nil
	}
	out := make(json.RawMessage, len(in))
	copy(out, in)
	return out
}
