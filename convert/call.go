package convert

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/petal-labs/toolbridge/core"
)

// SourceCall is a source-protocol tool call:
// {id, type:"function", function:{name, arguments}}. Arguments is a
// JSON-encoded string, per the protocol.
type SourceCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function SourceCallFunction `json:"function"`
}

// SourceCallFunction is the function member of a SourceCall.
type SourceCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// BackendCall is a backend-protocol tool_use block. Input is a JSON
// object, not a string.
type BackendCall struct {
	Type  string          `json:"type"`
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ID prefixes per protocol. Synthesized IDs are opaque to callers; only
// the prefix is format-specific.
const (
	sourceCallIDPrefix  = "call_"
	backendCallIDPrefix = "toolu_"
)

// CallToSource converts a backend tool_use block into a source-protocol
// tool call, serializing the input object into the arguments string and
// synthesizing a call id when the backend omitted one.
func CallToSource(call BackendCall) (SourceCall, error) {
	if call.Type != "tool_use" {
		return SourceCall{}, core.NewError(core.CodeInvalidInput, "call type %q is not \"tool_use\"", call.Type)
	}
	if call.Name == "" {
		return SourceCall{}, core.NewError(core.CodeInvalidInput, "tool call name is required")
	}

	arguments := "{}"
	if len(call.Input) > 0 {
		if !json.Valid(call.Input) {
			return SourceCall{}, core.NewError(core.CodeInvalidInput, "tool call input is not valid JSON")
		}
		arguments = string(call.Input)
	}

	id := call.ID
	if id == "" {
		id = NewCallID()
	}

	return SourceCall{
		ID:   id,
		Type: "function",
		Function: SourceCallFunction{
			Name:      call.Name,
			Arguments: arguments,
		},
	}, nil
}

// CallToBackend is the inverse of CallToSource: it parses the arguments
// string back into a JSON object and synthesizes a backend id when needed.
func CallToBackend(call SourceCall) (BackendCall, error) {
	if call.Type != "function" {
		return BackendCall{}, core.NewError(core.CodeInvalidInput, "call type %q is not \"function\"", call.Type)
	}
	if call.Function.Name == "" {
		return BackendCall{}, core.NewError(core.CodeInvalidInput, "tool call function name is required")
	}

	input := json.RawMessage("{}")
	if trimmed := strings.TrimSpace(call.Function.Arguments); trimmed != "" {
		if !json.Valid([]byte(trimmed)) {
			return BackendCall{}, core.NewError(core.CodeInvalidInput, "tool call arguments are not valid JSON")
		}
		input = json.RawMessage(trimmed)
	}

	id := call.ID
	if id == "" {
		id = uuid.NewString()
		id = backendCallIDPrefix + strings.ReplaceAll(id, "-", "")
	}

	return BackendCall{
		Type:  "tool_use",
		ID:    id,
		Name:  call.Function.Name,
		Input: input,
	}, nil
}

// NewCallID returns a fresh source-protocol call id.
func NewCallID() string {
	return sourceCallIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
