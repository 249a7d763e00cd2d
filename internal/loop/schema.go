package loop

import (
	"github.com/halyard/stackgraph/internal/registry"
)

// planSchemaJSON constrains planner output: a non-empty ordered step list
// where every step names an action and an agent kind. Kind existence is
// checked separately against the live registry.
const planSchemaJSON = `{
	"type": "object",
	"properties": {
		"steps": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"properties": {
					"action": {"type": "string", "minLength": 1},
					"agent_kind": {"type": "string", "minLength": 1},
					"params": {"type": "object"},
					"independent": {"type": "boolean"}
				},
				"required": ["action", "agent_kind"],
				"additionalProperties": false
			}
		}
	},
	"required": ["steps"],
	"additionalProperties": false
}`

// verdictSchemaJSON constrains reviewer output to the closed verdict set.
const verdictSchemaJSON = `{
	"type": "object",
	"properties": {
		"verdict": {"type": "string", "enum": ["goal_met", "goal_not_met", "fatal"]},
		"reason": {"type": "string"}
	},
	"required": ["verdict"],
	"additionalProperties": false
}`

// PlanValidator compiles the plan schema.
func PlanValidator() (*registry.Validator, error) {
	return registry.NewValidator([]byte(planSchemaJSON))
}

// VerdictValidator compiles the verdict schema.
func VerdictValidator() (*registry.Validator, error) {
	return registry.NewValidator([]byte(verdictSchemaJSON))
}
