package registry

import (
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/halyard/stackgraph/internal/errs"
)

// Validator wraps a compiled JSON schema for argument and LLM-output
// validation.
type Validator struct {
	schema     *jsonschema.Schema
	schemaJSON json.RawMessage
}

// NewValidator compiles a JSON schema document.
func NewValidator(schemaJSON json.RawMessage) (*Validator, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return nil, errs.E("registry.NewValidator", errs.KindBadRequest, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, errs.E("registry.NewValidator", errs.KindBadRequest, err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, errs.E("registry.NewValidator", errs.KindBadRequest, err)
	}
	return &Validator{schema: schema, schemaJSON: schemaJSON}, nil
}

// SchemaJSON returns the raw schema, used as a prompt hint for text
// generation.
func (v *Validator) SchemaJSON() json.RawMessage {
	return v.schemaJSON
}

// Validate checks a JSON document against the schema.
func (v *Validator) Validate(raw []byte) error {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return errs.Ef("registry.Validate", errs.KindBadRequest, "invalid JSON: %v", err)
	}
	if err := v.schema.Validate(parsed); err != nil {
		return errs.Ef("registry.Validate", errs.KindBadRequest, "schema validation failed: %v", err)
	}
	return nil
}

// ExtractJSON finds the JSON object or array inside free-form model
// output: a ```json fence, a bare fence, or the first balanced structure.
func ExtractJSON(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + 7
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if candidate != "" {
				return candidate
			}
		}
	}
	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if isJSON(candidate) {
				return candidate
			}
		}
	}
	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			candidate := extractBalanced(text[i:])
			if candidate != "" && isJSON(candidate) {
				return candidate
			}
		}
	}
	return ""
}

func isJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

func extractBalanced(s string) string {
	if len(s) == 0 {
		return ""
	}
	var close byte
	switch s[0] {
	case '{':
		close = '}'
	case '[':
		close = ']'
	default:
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case !inString && (ch == '{' || ch == '['):
			depth++
		case !inString && (ch == '}' || ch == ']'):
			depth--
			if depth == 0 {
				if ch != close {
					return ""
				}
				return s[:i+1]
			}
		}
	}
	return ""
}
