package config

import (
	"bytes"
	_ "embed"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaDoc []byte

var compiledSchema *jsonschema.Schema

func init() {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaDoc))
	if err != nil {
		panic(fmt.Sprintf("config: embedded schema.json is invalid: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("config.schema.json", doc); err != nil {
		panic(fmt.Sprintf("config: add schema resource: %v", err))
	}
	compiledSchema, err = c.Compile("config.schema.json")
	if err != nil {
		panic(fmt.Sprintf("config: compile schema: %v", err))
	}
}

// ValidateDocument checks raw config.yaml bytes against the embedded JSON
// Schema before unmarshaling into Config. YAML is converted to a plain
// map[string]any tree first, since the schema library validates JSON-shaped
// data, not yaml.Node values.
func ValidateDocument(data []byte) error {
	var tree any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	instance := toJSONShape(tree)
	if err := compiledSchema.Validate(instance); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	return nil
}

// toJSONShape recursively converts the map[any]any / map[string]any mix that
// yaml.v3 produces into the map[string]any / []any / primitive shape the
// jsonschema validator requires.
func toJSONShape(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = toJSONShape(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = toJSONShape(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = toJSONShape(val)
		}
		return out
	case int:
		return float64(t)
	default:
		return v
	}
}
