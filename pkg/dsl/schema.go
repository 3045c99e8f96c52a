package dsl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaValidator compiles resolved data models into JSON Schemas and
// validates instance context documents against them. It implements the
// engine's ContextValidator.
//
// Model cross-references stay NSIDs: a ref property validates as a string
// holding the referenced record's key, resolved by lookup at read time,
// never embedded.
type SchemaValidator struct {
	mu       sync.RWMutex
	models   map[string]*Definition
	compiled map[string]*jsonschema.Schema
}

// NewSchemaValidator indexes the resolved definitions' data models.
func NewSchemaValidator(defs []*Definition) *SchemaValidator {
	models := make(map[string]*Definition)
	for _, def := range defs {
		if def.Kind == KindDataModel && def.DataModel != nil {
			models[def.Metadata.ID.String()] = def
		}
	}
	return &SchemaValidator{
		models:   models,
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// ValidateContext checks a context document against the named model.
// Unknown models fail: a workflow must not bind to a model that was never
// loaded.
func (v *SchemaValidator) ValidateContext(model string, context json.RawMessage) error {
	schema, err := v.schemaFor(model)
	if err != nil {
		return err
	}
	doc := context
	if len(doc) == 0 {
		doc = json.RawMessage("{}")
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return fmt.Errorf("context is not valid JSON: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("context does not match model %s: %w", model, err)
	}
	return nil
}

// JSONSchema renders the JSON Schema document generated for a model.
func (v *SchemaValidator) JSONSchema(model string) (json.RawMessage, error) {
	def, ok := v.models[model]
	if !ok {
		return nil, fmt.Errorf("unknown data model %q", model)
	}
	return json.Marshal(schemaDocument(def.DataModel))
}

// schemaFor returns the compiled schema, compiling and caching on first
// use.
func (v *SchemaValidator) schemaFor(model string) (*jsonschema.Schema, error) {
	v.mu.RLock()
	if s, ok := v.compiled[model]; ok {
		v.mu.RUnlock()
		return s, nil
	}
	v.mu.RUnlock()

	doc, err := v.JSONSchema(model)
	if err != nil {
		return nil, err
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("failed to decode generated schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("model.json", value); err != nil {
		return nil, fmt.Errorf("failed to register schema: %w", err)
	}
	schema, err := compiler.Compile("model.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema for %s: %w", model, err)
	}

	v.mu.Lock()
	v.compiled[model] = schema
	v.mu.Unlock()
	return schema, nil
}

// schemaDocument lowers a resolved model spec into a JSON Schema document.
func schemaDocument(spec *DataModelSpec) map[string]interface{} {
	doc := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": true,
	}
	props := map[string]interface{}{}
	for _, name := range spec.Schema.Properties.Keys {
		p := spec.Schema.Properties.Values[name]
		props[name] = propertySchema(&p)
	}
	if len(props) > 0 {
		doc["properties"] = props
	}
	if len(spec.Schema.Required) > 0 {
		required := make([]interface{}, len(spec.Schema.Required))
		for i, r := range spec.Schema.Required {
			required[i] = r
		}
		doc["required"] = required
	}
	return doc
}

// propertySchema lowers one property.
func propertySchema(p *Property) map[string]interface{} {
	out := map[string]interface{}{}
	switch {
	case p.Ref != "":
		// Cross-model references validate as NSID-keyed strings.
		out["type"] = "string"
	case p.Type == "object":
		out["type"] = "object"
		nested := map[string]interface{}{}
		for _, name := range p.Properties.Keys {
			np := p.Properties.Values[name]
			nested[name] = propertySchema(&np)
		}
		if len(nested) > 0 {
			out["properties"] = nested
		}
	case p.Type == "array":
		out["type"] = "array"
		if p.Items != nil {
			out["items"] = propertySchema(p.Items)
		}
	case p.Type != "":
		out["type"] = p.Type
	}

	if p.Nullable {
		if t, ok := out["type"]; ok {
			out["type"] = []interface{}{t, "null"}
		}
	}
	if len(p.Values) > 0 {
		enum := make([]interface{}, len(p.Values))
		for i, v := range p.Values {
			enum[i] = v
		}
		out["enum"] = enum
	}
	if p.Pattern != "" {
		out["pattern"] = p.Pattern
	}
	if p.MinLength != nil {
		out["minLength"] = *p.MinLength
	}
	if p.MaxLength != nil {
		out["maxLength"] = *p.MaxLength
	}
	if p.Min != nil {
		out["minimum"] = *p.Min
	}
	if p.Max != nil {
		out["maximum"] = *p.Max
	}
	if p.Description != "" {
		out["description"] = p.Description
	}
	return out
}
