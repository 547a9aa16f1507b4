// Package convert implements the stateless translation layer between the
// two tool-calling wire formats: the source ("functions") protocol, where
// a tool is {type:"function", function:{name, description, parameters}},
// and the backend ("tool use") protocol, where the same tool is
// {name, description, input_schema}.
//
// Every function here is pure: inputs are never mutated, outputs share no
// memory with inputs, and no package state exists, so callers need no
// synchronization. Field mappings follow the conversion tables used by
// cross-provider adapters: parameters <-> input_schema field-for-field,
// with every JSON-Schema keyword preserved verbatim.
package convert

import (
	"context"
	"encoding/json"
	"time"

	"github.com/petal-labs/toolbridge/core"
	"github.com/petal-labs/toolbridge/schema"
)

// Conversion bounds. The depth ceiling is enforced with an explicit
// counter while walking parameter trees; the budget is an advisory batch
// SLA reported through Timing, never a preemptive abort.
const (
	MaxDepth      = 10
	DefaultBudget = 15 * time.Millisecond
)

// SourceTool is the source-protocol wrapper around a tool definition.
type SourceTool struct {
	Type     string            `json:"type"`
	Function schema.Definition `json:"function"`
}

// BackendTool is the backend-protocol tool shape.
type BackendTool struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	InputSchema *schema.Node `json:"input_schema,omitempty"`
}

// ItemError records a per-item conversion failure. Batch conversions
// collect these instead of discarding convertible siblings.
type ItemError struct {
	Index int    `json:"index"`
	Name  string `json:"name,omitempty"`
	Err   error  `json:"error"`
}

// ToBackendResult is the outcome of a source-to-backend batch conversion.
type ToBackendResult struct {
	Converted []BackendTool `json:"converted"`
	Errors    []ItemError   `json:"errors,omitempty"`
	Timing    core.Timing   `json:"timing"`
}

// ToBackend converts source-protocol tools to backend-protocol tools.
// A nil slice fails the whole call; individual malformed tools yield
// per-item errors while their siblings convert normally.
func ToBackend(ctx context.Context, tools []SourceTool) (ToBackendResult, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return ToBackendResult{}, err
	}
	if tools == nil {
		return ToBackendResult{}, core.NewError(core.CodeInvalidInput, "tools must be a non-nil list")
	}

	result := ToBackendResult{Converted: make([]BackendTool, 0, len(tools))}
	for i, tool := range tools {
		if tool.Type != "function" {
			result.Errors = append(result.Errors, ItemError{
				Index: i,
				Name:  tool.Function.Name,
				Err:   core.NewError(core.CodeInvalidInput, "tool %d: type %q is not \"function\"", i, tool.Type),
			})
			continue
		}
		if tool.Function.Name == "" {
			result.Errors = append(result.Errors, ItemError{
				Index: i,
				Err:   core.NewError(core.CodeInvalidInput, "tool %d: function name is required", i),
			})
			continue
		}
		params, err := copyTree(tool.Function.Parameters, 1)
		if err != nil {
			result.Errors = append(result.Errors, ItemError{Index: i, Name: tool.Function.Name, Err: err})
			continue
		}
		result.Converted = append(result.Converted, BackendTool{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			InputSchema: params,
		})
	}

	result.Timing = core.MeasureSince(start, DefaultBudget)
	return result, nil
}

// ToSourceResult is the outcome of a backend-to-source batch conversion.
type ToSourceResult struct {
	Converted []SourceTool `json:"converted"`
	Errors    []ItemError  `json:"errors,omitempty"`
	Timing    core.Timing  `json:"timing"`
}

// ToSource converts backend-protocol tools back to source-protocol tools.
// It is the exact inverse of ToBackend.
func ToSource(ctx context.Context, tools []BackendTool) (ToSourceResult, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return ToSourceResult{}, err
	}
	if tools == nil {
		return ToSourceResult{}, core.NewError(core.CodeInvalidInput, "tools must be a non-nil list")
	}

	result := ToSourceResult{Converted: make([]SourceTool, 0, len(tools))}
	for i, tool := range tools {
		if tool.Name == "" {
			result.Errors = append(result.Errors, ItemError{
				Index: i,
				Err:   core.NewError(core.CodeInvalidInput, "tool %d: name is required", i),
			})
			continue
		}
		params, err := copyTree(tool.InputSchema, 1)
		if err != nil {
			result.Errors = append(result.Errors, ItemError{Index: i, Name: tool.Name, Err: err})
			continue
		}
		result.Converted = append(result.Converted, SourceTool{
			Type: "function",
			Function: schema.Definition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}

	result.Timing = core.MeasureSince(start, DefaultBudget)
	return result, nil
}

// WrapDefinitions lifts bare definitions (for example registry entries)
// into source-protocol tools.
func WrapDefinitions(defs []schema.Definition) []SourceTool {
	tools := make([]SourceTool, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, SourceTool{Type: "function", Function: def.Clone()})
	}
	return tools
}

// copyTree deep-copies a schema tree with an explicit depth counter, so a
// pathologically nested payload is rejected by policy instead of by the
// runtime stack.
func copyTree(node *schema.Node, depth int) (*schema.Node, error) {
	if node == nil {
		return nil, nil
	}
	if depth > MaxDepth {
		return nil, core.NewError(core.CodeInvalidSchema, "schema nesting exceeds conversion ceiling of %d levels", MaxDepth)
	}

	out := &schema.Node{
		Type:                 node.Type,
		Description:          node.Description,
		Default:              cloneRaw(node.Default),
		AdditionalProperties: cloneRaw(node.AdditionalProperties),
	}
	if node.Required != nil {
		out.Required = append([]string(nil), node.Required...)
	}
	if node.Enum != nil {
		out.Enum = make([]any, len(node.Enum))
		for i, value := range node.Enum {
			out.Enum[i] = schema.CloneValue(value)
		}
	}
	if node.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(node.Extra))
		for key, value := range node.Extra {
			out.Extra[key] = cloneRaw(value)
		}
	}
	if node.Properties != nil {
		out.Properties = make(map[string]*schema.Node, len(node.Properties))
		for name, prop := range node.Properties {
			copied, err := copyTree(prop, depth+1)
			if err != nil {
				return nil, err
			}
			out.Properties[name] = copied
		}
	}
	if node.Items != nil {
		copied, err := copyTree(node.Items, depth+1)
		if err != nil {
			return nil, err
		}
		out.Items = copied
	}
	return out, nil
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if in == nil {
		return nil
	}
	out := make(json.RawMessage, len(in))
	copy(out, in)
	return out
}
