package convert

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"time"

	"github.com/petal-labs/toolbridge/core"
	"github.com/petal-labs/toolbridge/schema"
)

// RoundTripReport is the verdict of a source->backend->source conversion
// check. Fidelity is the core correctness contract of this package: any
// field difference is reported, never silently accepted.
type RoundTripReport struct {
	Fidelity   bool        `json:"fidelity"`
	Mismatches []string    `json:"mismatches,omitempty"`
	Errors     []ItemError `json:"errors,omitempty"`
	Timing     core.Timing `json:"timing"`
}

// VerifyRoundTrip converts tools to the backend format and back, then
// deep-compares the result against the original. A non-identical result
// yields a DATA_FIDELITY_LOST error alongside the per-path mismatch list.
func VerifyRoundTrip(ctx context.Context, tools []SourceTool) (RoundTripReport, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return RoundTripReport{}, err
	}
	if tools == nil {
		return RoundTripReport{}, core.NewError(core.CodeInvalidInput, "tools must be a non-nil list")
	}

	forward, err := ToBackend(ctx, tools)
	if err != nil {
		return RoundTripReport{}, err
	}
	back, err := ToSource(ctx, forward.Converted)
	if err != nil {
		return RoundTripReport{}, err
	}

	report := RoundTripReport{Fidelity: true}
	report.Errors = append(report.Errors, forward.Errors...)
	report.Errors = append(report.Errors, back.Errors...)

	// Compare only the tools that survived both directions; items that
	// errored are reported through Errors, not as fidelity loss.
	converted := make(map[string]schema.Definition, len(back.Converted))
	for _, tool := range back.Converted {
		converted[tool.Function.Name] = tool.Function
	}
	for _, original := range tools {
		if original.Type != "function" || original.Function.Name == "" {
			continue
		}
		restored, ok := converted[original.Function.Name]
		if !ok {
			continue
		}
		if !schema.Equal(original.Function, restored) {
			report.Fidelity = false
			report.Mismatches = append(report.Mismatches,
				diffDefinitions(original.Function, restored)...)
		}
	}

	report.Timing = core.MeasureSince(start, DefaultBudget)
	if !report.Fidelity {
		return report, core.NewError(core.CodeFidelityLost, "round trip lost data for %d path(s)", len(report.Mismatches)).
			WithDetails(map[string]any{"mismatches": report.Mismatches})
	}
	return report, nil
}

// diffDefinitions lists the JSON paths at which two definitions diverge.
func diffDefinitions(a, b schema.Definition) []string {
	aJSON, errA := json.Marshal(a)
	bJSON, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return []string{a.Name}
	}
	var aVal, bVal any
	if json.Unmarshal(aJSON, &aVal) != nil || json.Unmarshal(bJSON, &bVal) != nil {
		return []string{a.Name}
	}
	paths := make([]string, 0, 4)
	diffValues(a.Name, aVal, bVal, &paths)
	if len(paths) == 0 {
		paths = append(paths, a.Name)
	}
	return paths
}

func diffValues(path string, a, b any, out *[]string) {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok {
			*out = append(*out, path)
			return
		}
		keys := make([]string, 0, len(av)+len(bv))
		for key := range av {
			keys = append(keys, key)
		}
		for key := range bv {
			if _, seen := av[key]; !seen {
				keys = append(keys, key)
			}
		}
		slices.Sort(keys)
		for _, key := range keys {
			childA, okA := av[key]
			childB, okB := bv[key]
			childPath := path + "." + key
			if !okA || !okB {
				*out = append(*out, childPath)
				continue
			}
			diffValues(childPath, childA, childB, out)
		}
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			*out = append(*out, path)
			return
		}
		for i := range av {
			diffValues(fmt.Sprintf("%s[%d]", path, i), av[i], bv[i], out)
		}
	default:
		if !reflect.DeepEqual(a, b) {
			*out = append(*out, path)
		}
	}
}
