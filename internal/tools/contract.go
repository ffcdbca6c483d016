package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Contract is a tool's input schema. Inputs are checked against it before
// every attempt.
type Contract struct {
	name       string
	schema     *jsonschema.Schema
	properties map[string]struct{}
	required   []string
}

// MustContract compiles a JSON schema literal. It panics on an invalid
// schema, which is a programming error.
func MustContract(name, schemaJSON string) *Contract {
	contract, err := NewContract(name, schemaJSON)
	if err != nil {
		panic(err)
	}
	return contract
}

func NewContract(name, schemaJSON string) (*Contract, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse %s contract: %w", name, err)
	}
	location := "mem://tools/" + name + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(location, doc); err != nil {
		return nil, fmt.Errorf("add %s contract: %w", name, err)
	}
	schema, err := compiler.Compile(location)
	if err != nil {
		return nil, fmt.Errorf("compile %s contract: %w", name, err)
	}

	var shape struct {
		Properties map[string]json.RawMessage `json:"properties"`
		Required   []string                   `json:"required"`
	}
	if err := json.Unmarshal([]byte(schemaJSON), &shape); err != nil {
		return nil, fmt.Errorf("decode %s contract: %w", name, err)
	}
	properties := make(map[string]struct{}, len(shape.Properties))
	for property := range shape.Properties {
		properties[property] = struct{}{}
	}
	return &Contract{name: name, schema: schema, properties: properties, required: shape.Required}, nil
}

// Declares reports whether the contract has the named input.
func (c *Contract) Declares(property string) bool {
	_, ok := c.properties[property]
	return ok
}

func (c *Contract) Requires(property string) bool {
	return slices.Contains(c.required, property)
}

// Validate checks inputs after a JSON round trip, so values built in Go and
// values decoded from plan files are judged alike.
func (c *Contract) Validate(inputs map[string]any) error {
	if inputs == nil {
		inputs = map[string]any{}
	}
	encoded, err := json.Marshal(inputs)
	if err != nil {
		return fmt.Errorf("encode %s inputs: %w", c.name, err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("decode %s inputs: %w", c.name, err)
	}
	if err := c.schema.Validate(instance); err != nil {
		return fmt.Errorf("invalid %s inputs: %w", c.name, err)
	}
	return nil
}

// decodeInputs fills a typed input struct. Numeric strings and floats coming
// from model output are coerced.
func decodeInputs(inputs map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return fmt.Errorf("build input decoder: %w", err)
	}
	if err := decoder.Decode(inputs); err != nil {
		return fmt.Errorf("decode inputs: %w", err)
	}
	return nil
}
