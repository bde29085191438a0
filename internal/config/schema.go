package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// rosterSchema constrains the agents section of config.yaml. Agent IDs are
// lowercase slugs so they can double as URL path segments and log fields.
const rosterSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["agent_id", "name"],
    "properties": {
      "agent_id": {"type": "string", "pattern": "^[a-z][a-z0-9_-]{0,63}$"},
      "name": {"type": "string", "minLength": 1},
      "description": {"type": "string"},
      "tone": {"type": "string"},
      "persona": {"type": "string"}
    },
    "additionalProperties": false
  }
}`

// ValidateRoster checks config-defined agent entries against the roster
// schema and rejects duplicate agent IDs.
func ValidateRoster(entries []AgentEntry) error {
	if len(entries) == 0 {
		return nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(rosterSchema))
	if err != nil {
		return fmt.Errorf("unmarshal roster schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("roster.json", doc); err != nil {
		return fmt.Errorf("add roster schema resource: %w", err)
	}
	schema, err := c.Compile("roster.json")
	if err != nil {
		return fmt.Errorf("compile roster schema: %w", err)
	}

	encoded, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode roster: %w", err)
	}
	// Decode through jsonschema.UnmarshalJSON for json.Number handling.
	value, err := jsonschema.UnmarshalJSON(strings.NewReader(string(encoded)))
	if err != nil {
		return fmt.Errorf("decode roster: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("roster schema: %w", err)
	}

	seen := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if seen[entry.AgentID] {
			return fmt.Errorf("duplicate agent_id %q in roster", entry.AgentID)
		}
		seen[entry.AgentID] = true
	}
	return nil
}
