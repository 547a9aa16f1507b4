package convert

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/petal-labs/toolbridge/core"
	"github.com/petal-labs/toolbridge/schema"
)

func decodeParams(t *testing.T, src string) *schema.Node {
	t.Helper()
	var node schema.Node
	if err := json.Unmarshal([]byte(src), &node); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	return &node
}

func weatherTool(t *testing.T) SourceTool {
	t.Helper()
	return SourceTool{
		Type: "function",
		Function: schema.Definition{
			Name:        "get_weather",
			Description: "Forecast lookup",
			Parameters: decodeParams(t, `{
				"type": "object",
				"properties": {
					"location": {"type": "string", "pattern": "^[A-Za-z ,]+$"},
					"days": {"type": "integer", "minimum": 1, "maximum": 14, "default": 3},
					"tags": {"type": "array", "items": {"type": "string"}, "minItems": 1}
				},
				"required": ["location"],
				"additionalProperties": false,
				"title": "Weather query"
			}`),
		},
	}
}

func TestToBackendFieldMapping(t *testing.T) {
	ctx := context.Background()
	tool := weatherTool(t)

	res, err := ToBackend(ctx, []SourceTool{tool})
	if err != nil {
		t.Fatalf("ToBackend() error = %v", err)
	}
	if len(res.Errors) != 0 {
		t.Fatalf("Errors = %v, want none", res.Errors)
	}
	if len(res.Converted) != 1 {
		t.Fatalf("len(Converted) = %d, want 1", len(res.Converted))
	}

	got := res.Converted[0]
	if got.Name != "get_weather" || got.Description != "Forecast lookup" {
		t.Fatalf("converted = %q/%q, want name and description carried over", got.Name, got.Description)
	}
	if !schema.NodesEqual(got.InputSchema, tool.Function.Parameters) {
		t.Fatal("input_schema is not field-for-field identical to parameters")
	}

	// Keywords the converter does not model structurally survive verbatim.
	location := got.InputSchema.Properties["location"]
	if _, ok := location.Extra["pattern"]; !ok {
		t.Fatal("pattern keyword dropped during conversion")
	}
	if _, ok := got.InputSchema.Extra["title"]; !ok {
		t.Fatal("title keyword dropped during conversion")
	}
	if got.InputSchema.AdditionalProperties == nil {
		t.Fatal("additionalProperties dropped during conversion")
	}
}

func TestToBackendDoesNotMutateSource(t *testing.T) {
	ctx := context.Background()
	tool := weatherTool(t)
	before, err := json.Marshal(tool)
	if err != nil {
		t.Fatalf("marshal source: %v", err)
	}

	res, err := ToBackend(ctx, []SourceTool{tool})
	if err != nil {
		t.Fatalf("ToBackend() error = %v", err)
	}
	res.Converted[0].InputSchema.Properties["location"].Type = schema.TypeNumber

	after, err := json.Marshal(tool)
	if err != nil {
		t.Fatalf("marshal source: %v", err)
	}
	if string(before) != string(after) {
		t.Fatal("conversion mutated the source definition")
	}
}

func TestToBackendEnumValuesAreNotAliased(t *testing.T) {
	ctx := context.Background()
	tool := SourceTool{
		Type: "function",
		Function: schema.Definition{
			Name:       "tune",
			Parameters: decodeParams(t, `{"type": "object", "enum": [{"mode": "fast"}]}`),
		},
	}

	res, err := ToBackend(ctx, []SourceTool{tool})
	if err != nil {
		t.Fatalf("ToBackend() error = %v", err)
	}
	res.Converted[0].InputSchema.Enum[0].(map[string]any)["mode"] = "MUTATED"

	if got := tool.Function.Parameters.Enum[0].(map[string]any)["mode"]; got != "fast" {
		t.Fatalf("source enum mode = %v after mutating the output, want fast", got)
	}
}

func TestToBackendPartialFailure(t *testing.T) {
	ctx := context.Background()
	tools := []SourceTool{
		{Type: "retrieval", Function: schema.Definition{Name: "searcher"}},
		weatherTool(t),
		{Type: "function"},
	}

	res, err := ToBackend(ctx, tools)
	if err != nil {
		t.Fatalf("ToBackend() error = %v", err)
	}
	if len(res.Converted) != 1 || res.Converted[0].Name != "get_weather" {
		t.Fatalf("Converted = %v, want only get_weather", res.Converted)
	}
	if len(res.Errors) != 2 {
		t.Fatalf("len(Errors) = %d, want 2", len(res.Errors))
	}
	if res.Errors[0].Index != 0 || res.Errors[1].Index != 2 {
		t.Fatalf("error indexes = %d,%d, want 0,2", res.Errors[0].Index, res.Errors[1].Index)
	}
}

func TestToBackendNilInputFailsWholeCall(t *testing.T) {
	_, err := ToBackend(context.Background(), nil)
	if !core.HasCode(err, core.CodeInvalidInput) {
		t.Fatalf("ToBackend(nil) error = %v, want INVALID_INPUT", err)
	}
	_, err = ToSource(context.Background(), nil)
	if !core.HasCode(err, core.CodeInvalidInput) {
		t.Fatalf("ToSource(nil) error = %v, want INVALID_INPUT", err)
	}
}

func TestConversionDepthCeiling(t *testing.T) {
	node := &schema.Node{Type: schema.TypeString}
	for i := 0; i < MaxDepth; i++ {
		node = &schema.Node{
			Type:       schema.TypeObject,
			Properties: map[string]*schema.Node{"nested": node},
		}
	}
	tools := []SourceTool{{
		Type:     "function",
		Function: schema.Definition{Name: "deep_tool", Parameters: node},
	}}

	res, err := ToBackend(context.Background(), tools)
	if err != nil {
		t.Fatalf("ToBackend() error = %v", err)
	}
	if len(res.Converted) != 0 {
		t.Fatal("over-deep tool converted, want per-item error")
	}
	if len(res.Errors) != 1 || !core.HasCode(res.Errors[0].Err, core.CodeInvalidSchema) {
		t.Fatalf("Errors = %v, want one INVALID_SCHEMA", res.Errors)
	}
}

func TestRoundTripFidelity(t *testing.T) {
	report, err := VerifyRoundTrip(context.Background(), []SourceTool{weatherTool(t)})
	if err != nil {
		t.Fatalf("VerifyRoundTrip() error = %v", err)
	}
	if !report.Fidelity {
		t.Fatalf("Fidelity = false, mismatches = %v", report.Mismatches)
	}
}

func TestRoundTripDetectsLoss(t *testing.T) {
	tool := weatherTool(t)
	forward, err := ToBackend(context.Background(), []SourceTool{tool})
	if err != nil {
		t.Fatalf("ToBackend() error = %v", err)
	}

	// Simulate a lossy backend echo: a keyword silently removed.
	delete(forward.Converted[0].InputSchema.Properties["location"].Extra, "pattern")
	back, err := ToSource(context.Background(), forward.Converted)
	if err != nil {
		t.Fatalf("ToSource() error = %v", err)
	}
	if schema.Equal(tool.Function, back.Converted[0].Function) {
		t.Fatal("definitions equal after keyword removal; test setup is wrong")
	}

	paths := diffDefinitions(tool.Function, back.Converted[0].Function)
	if len(paths) == 0 {
		t.Fatal("diffDefinitions() found no paths for a known mismatch")
	}
	found := false
	for _, p := range paths {
		if strings.Contains(p, "pattern") {
			found = true
		}
	}
	if !found {
		t.Fatalf("diff paths = %v, want a path naming pattern", paths)
	}
}

func TestChoiceMappingBothDirections(t *testing.T) {
	tests := []struct {
		source  Choice
		backend BackendChoice
	}{
		{Choice{Mode: ChoiceAuto}, BackendChoice{Type: BackendChoiceAuto}},
		{Choice{Mode: ChoiceNone}, BackendChoice{Type: BackendChoiceNone}},
		{Choice{Mode: ChoiceRequired}, BackendChoice{Type: BackendChoiceAny}},
		{Choice{Mode: ChoiceFunction, Name: "get_weather"}, BackendChoice{Type: BackendChoiceTool, Name: "get_weather"}},
	}

	for _, tt := range tests {
		backend, err := ChoiceToBackend(tt.source)
		if err != nil {
			t.Fatalf("ChoiceToBackend(%v) error = %v", tt.source, err)
		}
		if backend != tt.backend {
			t.Fatalf("ChoiceToBackend(%v) = %v, want %v", tt.source, backend, tt.backend)
		}
		source, err := ChoiceToSource(backend)
		if err != nil {
			t.Fatalf("ChoiceToSource(%v) error = %v", backend, err)
		}
		if source != tt.source {
			t.Fatalf("ChoiceToSource(%v) = %v, want %v", backend, source, tt.source)
		}
	}

	if _, err := ChoiceToBackend(Choice{Mode: ChoiceFunction}); !core.HasCode(err, core.CodeInvalidInput) {
		t.Fatalf("ChoiceToBackend(unnamed function) error = %v, want INVALID_INPUT", err)
	}
	if _, err := ChoiceToBackend(Choice{Mode: "sometimes"}); !core.HasCode(err, core.CodeInvalidInput) {
		t.Fatalf("ChoiceToBackend(unknown) error = %v, want INVALID_INPUT", err)
	}
}

func TestParseChoice(t *testing.T) {
	got, err := ParseChoice("auto")
	if err != nil || got.Mode != ChoiceAuto {
		t.Fatalf("ParseChoice(auto) = %v, %v", got, err)
	}
	got, err = ParseChoice(map[string]any{
		"type":     "function",
		"function": map[string]any{"name": "get_weather"},
	})
	if err != nil || got.Mode != ChoiceFunction || got.Name != "get_weather" {
		t.Fatalf("ParseChoice(object) = %v, %v", got, err)
	}
	if _, err := ParseChoice("maybe"); !core.HasCode(err, core.CodeInvalidInput) {
		t.Fatalf("ParseChoice(maybe) error = %v, want INVALID_INPUT", err)
	}
	if _, err := ParseChoice(42); !core.HasCode(err, core.CodeInvalidInput) {
		t.Fatalf("ParseChoice(42) error = %v, want INVALID_INPUT", err)
	}
}

func TestCallConversion(t *testing.T) {
	backend := BackendCall{
		Type:  "tool_use",
		ID:    "toolu_abc123",
		Name:  "get_weather",
		Input: json.RawMessage(`{"location":"Portland, OR"}`),
	}

	source, err := CallToSource(backend)
	if err != nil {
		t.Fatalf("CallToSource() error = %v", err)
	}
	if source.ID != "toolu_abc123" || source.Type != "function" {
		t.Fatalf("source call = %+v, want id/type carried over", source)
	}
	if source.Function.Arguments != `{"location":"Portland, OR"}` {
		t.Fatalf("Arguments = %q", source.Function.Arguments)
	}

	restored, err := CallToBackend(source)
	if err != nil {
		t.Fatalf("CallToBackend() error = %v", err)
	}
	if restored.ID != backend.ID || restored.Name != backend.Name {
		t.Fatalf("restored = %+v, want original id and name", restored)
	}
	if string(restored.Input) != string(backend.Input) {
		t.Fatalf("Input = %s, want %s", restored.Input, backend.Input)
	}
}

func TestCallConversionSynthesizesIDs(t *testing.T) {
	source, err := CallToSource(BackendCall{Type: "tool_use", Name: "get_weather"})
	if err != nil {
		t.Fatalf("CallToSource() error = %v", err)
	}
	if !strings.HasPrefix(source.ID, "call_") {
		t.Fatalf("synthesized id = %q, want call_ prefix", source.ID)
	}
	if source.Function.Arguments != "{}" {
		t.Fatalf("Arguments = %q, want {}", source.Function.Arguments)
	}

	backend, err := CallToBackend(SourceCall{Type: "function", Function: SourceCallFunction{Name: "get_weather"}})
	if err != nil {
		t.Fatalf("CallToBackend() error = %v", err)
	}
	if !strings.HasPrefix(backend.ID, "toolu_") {
		t.Fatalf("synthesized id = %q, want toolu_ prefix", backend.ID)
	}
}

func TestCallConversionRejectsMalformed(t *testing.T) {
	if _, err := CallToSource(BackendCall{Type: "text", Name: "x"}); !core.HasCode(err, core.CodeInvalidInput) {
		t.Fatalf("CallToSource(bad type) error = %v, want INVALID_INPUT", err)
	}
	if _, err := CallToSource(BackendCall{Type: "tool_use"}); !core.HasCode(err, core.CodeInvalidInput) {
		t.Fatalf("CallToSource(no name) error = %v, want INVALID_INPUT", err)
	}
	_, err := CallToBackend(SourceCall{
		Type:     "function",
		Function: SourceCallFunction{Name: "x", Arguments: "{not json"},
	})
	if !core.HasCode(err, core.CodeInvalidInput) {
		t.Fatalf("CallToBackend(bad args) error = %v, want INVALID_INPUT", err)
	}
}
