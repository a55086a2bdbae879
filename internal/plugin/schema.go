package plugin

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/invopop/jsonschema"

	"github.com/coral-mesh/binmcp/internal/middleware"
)

// InputSchema builds the JSON schema of an operation's arguments from its
// augmented signature. The schema is inline, with no $ref or $defs, so that
// model clients can read it directly.
func InputSchema(signature []Param) (*jsonschema.Schema, error) {
	schema := &jsonschema.Schema{
		Type:                 "object",
		Properties:           jsonschema.NewProperties(),
		AdditionalProperties: jsonschema.FalseSchema,
	}

	for _, p := range signature {
		prop, err := paramSchema(p)
		if err != nil {
			return nil, err
		}
		schema.Properties.Set(p.Name, prop)
		if p.Required {
			schema.Required = append(schema.Required, p.Name)
		}
	}
	return schema, nil
}

// RawInputSchema is InputSchema marshalled to JSON.
func RawInputSchema(signature []Param) (json.RawMessage, error) {
	schema, err := InputSchema(signature)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return raw, nil
}

func paramSchema(p Param) (*jsonschema.Schema, error) {
	if !p.Type.Valid() {
		return nil, fmt.Errorf("parameter %q has invalid type %q", p.Name, p.Type)
	}

	s := &jsonschema.Schema{
		Type:        string(p.Type),
		Description: p.Description,
		Default:     p.Default,
	}
	for _, v := range p.Enum {
		s.Enum = append(s.Enum, v)
	}
	if p.Minimum != nil {
		s.Minimum = json.Number(strconv.FormatFloat(*p.Minimum, 'f', -1, 64))
	}
	if p.Type == middleware.TypeArray {
		s.Items = &jsonschema.Schema{}
	}
	return s, nil
}
