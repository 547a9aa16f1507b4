package convert

import (
	"github.com/petal-labs/toolbridge/core"
)

// ChoiceMode is the source-protocol tool-choice enumeration.
type ChoiceMode string

const (
	ChoiceAuto     ChoiceMode = "auto"
	ChoiceNone     ChoiceMode = "none"
	ChoiceRequired ChoiceMode = "required"
	ChoiceFunction ChoiceMode = "function"
)

// Choice is a parsed source-protocol tool-choice directive: one of the
// literal modes, or a specific function by name.
type Choice struct {
	Mode ChoiceMode `json:"mode"`
	Name string     `json:"name,omitempty"`
}

// Backend tool-choice vocabulary.
const (
	BackendChoiceAuto = "auto"
	BackendChoiceNone = "none"
	BackendChoiceAny  = "any"
	BackendChoiceTool = "tool"
)

// BackendChoice is the backend-protocol tool-choice directive.
type BackendChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// ChoiceToBackend maps the source enumeration onto the backend vocabulary,
// one-to-one: auto->auto, none->none, required->any, function->tool.
func ChoiceToBackend(choice Choice) (BackendChoice, error) {
	switch choice.Mode {
	case ChoiceAuto:
		return BackendChoice{Type: BackendChoiceAuto}, nil
	case ChoiceNone:
		return BackendChoice{Type: BackendChoiceNone}, nil
	case ChoiceRequired:
		return BackendChoice{Type: BackendChoiceAny}, nil
	case ChoiceFunction:
		if choice.Name == "" {
			return BackendChoice{}, core.NewError(core.CodeInvalidInput, "function tool choice requires a name")
		}
		return BackendChoice{Type: BackendChoiceTool, Name: choice.Name}, nil
	default:
		return BackendChoice{}, core.NewError(core.CodeInvalidInput, "unknown tool choice mode %q", choice.Mode)
	}
}

// ChoiceToSource is the inverse of ChoiceToBackend.
func ChoiceToSource(choice BackendChoice) (Choice, error) {
	switch choice.Type {
	case BackendChoiceAuto:
		return Choice{Mode: ChoiceAuto}, nil
	case BackendChoiceNone:
		return Choice{Mode: ChoiceNone}, nil
	case BackendChoiceAny:
		return Choice{Mode: ChoiceRequired}, nil
	case BackendChoiceTool:
		if choice.Name == "" {
			return Choice{}, core.NewError(core.CodeInvalidInput, "tool choice requires a name")
		}
		return Choice{Mode: ChoiceFunction, Name: choice.Name}, nil
	default:
		return Choice{}, core.NewError(core.CodeInvalidInput, "unknown backend tool choice type %q", choice.Type)
	}
}

// ParseChoice decodes the loose wire form of a source tool choice: the
// literal strings "auto", "none", "required", or the object
// {type:"function", function:{name}}.
func ParseChoice(raw any) (Choice, error) {
	switch v := raw.(type) {
	case nil:
		return Choice{Mode: ChoiceAuto}, nil
	case string:
		switch v {
		case string(ChoiceAuto):
			return Choice{Mode: ChoiceAuto}, nil
		case string(ChoiceNone):
			return Choice{Mode: ChoiceNone}, nil
		case string(ChoiceRequired):
			return Choice{Mode: ChoiceRequired}, nil
		default:
			return Choice{}, core.NewError(core.CodeInvalidInput, "unknown tool choice %q", v)
		}
	case map[string]any:
		if t, _ := v["type"].(string); t != "function" {
			return Choice{}, core.NewError(core.CodeInvalidInput, "tool choice object type must be \"function\"")
		}
		fn, _ := v["function"].(map[string]any)
		name, _ := fn["name"].(string)
		if name == "" {
			return Choice{}, core.NewError(core.CodeInvalidInput, "tool choice function name is required")
		}
		return Choice{Mode: ChoiceFunction, Name: name}, nil
	default:
		return Choice{}, core.NewError(core.CodeInvalidInput, "tool choice must be a string or object")
	}
}
