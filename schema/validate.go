package schema

import (
	"fmt"
	"regexp"
	"slices"
)

// Severity defines diagnostic severity produced by validators.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Diagnostic is a structured validation finding.
type Diagnostic struct {
	Field    string   `json:"field,omitempty"`
	Code     string   `json:"code,omitempty"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// HasErrors returns true when at least one error-severity diagnostic exists.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Validation bounds for definitions at rest. Depth and property counts are
// enforced with explicit counters so adversarial nesting is rejected by
// policy, not by exhausting the call stack.
const (
	MaxNameLength        = 64
	MaxDescriptionLength = 1024
	MaxDepth             = 5
	MaxProperties        = 100
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// reservedNames are identifiers the chat protocols already claim; allowing
// them as tool names produces ambiguous payloads downstream.
var reservedNames = []string{
	"function",
	"tool",
	"auto",
	"none",
	"required",
	"system",
	"user",
	"assistant",
}

// ValidateName checks length, pattern, and the reserved-word set.
func ValidateName(name string) []Diagnostic {
	diags := make([]Diagnostic, 0)
	if len(name) == 0 || len(name) > MaxNameLength {
		diags = append(diags, Diagnostic{
			Field:    "name",
			Code:     "INVALID_NAME",
			Severity: SeverityError,
			Message:  fmt.Sprintf("Name must be 1-%d characters, got %d", MaxNameLength, len(name)),
		})
		return diags
	}
	if !namePattern.MatchString(name) {
		diags = append(diags, Diagnostic{
			Field:    "name",
			Code:     "INVALID_NAME",
			Severity: SeverityError,
			Message:  fmt.Sprintf("Name %q may only contain letters, digits, underscore, and hyphen", name),
		})
		return diags
	}
	if slices.Contains(reservedNames, name) {
		diags = append(diags, Diagnostic{
			Field:    "name",
			Code:     "RESERVED_NAME",
			Severity: SeverityError,
			Message:  fmt.Sprintf("Name %q is reserved", name),
		})
	}
	return diags
}

// ValidateDefinition checks the name, description, and parameter tree.
func ValidateDefinition(def Definition) []Diagnostic {
	diags := ValidateName(def.Name)
	if len(def.Description) > MaxDescriptionLength {
		diags = append(diags, Diagnostic{
			Field:    "description",
			Code:     "DESCRIPTION_TOO_LONG",
			Severity: SeverityError,
			Message:  fmt.Sprintf("Description exceeds %d characters", MaxDescriptionLength),
		})
	}
	if def.Parameters != nil {
		propCount := 0
		validateNode("parameters", def.Parameters, 1, &propCount, &diags)
		if propCount > MaxProperties {
			diags = append(diags, Diagnostic{
				Field:    "parameters",
				Code:     "TOO_MANY_PROPERTIES",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Parameter tree declares %d properties; limit is %d", propCount, MaxProperties),
			})
		}
	}
	return diags
}

// validateNode walks one schema level. depth is 1-indexed and threaded
// explicitly; recursion stops as soon as the ceiling is crossed.
func validateNode(path string, node *Node, depth int, propCount *int, diags *[]Diagnostic) {
	if node == nil {
		return
	}
	if depth > MaxDepth {
		*diags = append(*diags, Diagnostic{
			Field:    path,
			Code:     "DEPTH_EXCEEDED",
			Severity: SeverityError,
			Message:  fmt.Sprintf("Schema nesting exceeds %d levels", MaxDepth),
		})
		return
	}

	if node.Type != "" && !IsValidType(node.Type) {
		*diags = append(*diags, Diagnostic{
			Field:    path + ".type",
			Code:     "INVALID_TYPE",
			Severity: SeverityError,
			Message:  fmt.Sprintf("Unsupported type %q; allowed: string, number, integer, boolean, object, array, null", node.Type),
		})
	}

	for _, required := range node.Required {
		if node.Properties == nil {
			break
		}
		if _, ok := node.Properties[required]; !ok {
			*diags = append(*diags, Diagnostic{
				Field:    path + ".required",
				Code:     "UNKNOWN_REQUIRED",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("Required property %q is not declared", required),
			})
		}
	}

	*propCount += len(node.Properties)
	for _, name := range sortedPropertyNames(node.Properties) {
		validateNode(path+".properties."+name, node.Properties[name], depth+1, propCount, diags)
	}
	if node.Items != nil {
		validateNode(path+".items", node.Items, depth+1, propCount, diags)
	}
}

func sortedPropertyNames(props map[string]*Node) []string {
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
