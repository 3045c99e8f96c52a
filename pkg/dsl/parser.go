package dsl

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ParseError reports a malformed definition document with its position.
type ParseError struct {
	File   string
	Line   int
	Col    int
	Reason string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Col, e.Reason)
	}
	return fmt.Sprintf("%d:%d: %s", e.Line, e.Col, e.Reason)
}

// Parser parses and validates DSL documents. Parsers are stateless and
// safe for concurrent use.
type Parser struct {
	validate *validator.Validate
}

// NewParser creates a parser.
func NewParser() *Parser {
	return &Parser{validate: validator.New()}
}

// envelope is the untyped top-level document shape.
type envelope struct {
	APIVersion string    `yaml:"apiVersion"`
	Kind       string    `yaml:"kind"`
	Metadata   Metadata  `yaml:"metadata"`
	Spec       yaml.Node `yaml:"spec"`
}

// Parse turns one YAML document into a typed Definition. All structural
// problems are reported as ParseError values; nothing defaults silently.
func (p *Parser) Parse(data []byte, filename string) (*Definition, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, yamlError(err, filename)
	}
	if root.Kind == 0 || len(root.Content) == 0 {
		return nil, &ParseError{File: filename, Line: 1, Col: 1, Reason: "empty document"}
	}

	var env envelope
	if err := root.Decode(&env); err != nil {
		return nil, yamlError(err, filename)
	}

	doc := root.Content[0]
	if env.APIVersion == "" {
		return nil, positionError(doc, filename, "missing required field apiVersion")
	}
	if env.APIVersion != APIVersionV1 && env.APIVersion != APIVersionV1Short {
		return nil, positionError(doc, filename, fmt.Sprintf("unsupported apiVersion %q", env.APIVersion))
	}
	if env.Kind == "" {
		return nil, positionError(doc, filename, "missing required field kind")
	}
	kind := Kind(env.Kind)
	if !knownKinds[kind] {
		return nil, positionError(doc, filename, fmt.Sprintf("unknown kind %q", env.Kind))
	}
	if env.Metadata.ID == "" {
		return nil, positionError(doc, filename, "missing required field metadata.id")
	}
	if err := env.Metadata.ID.Validate(); err != nil {
		return nil, positionError(doc, filename, err.Error())
	}
	if env.Metadata.Version == "" {
		return nil, positionError(doc, filename, "missing required field metadata.version")
	}
	if err := p.validate.Struct(&env.Metadata); err != nil {
		return nil, positionError(doc, filename, fmt.Sprintf("invalid metadata: %v", err))
	}

	def := &Definition{
		APIVersion: env.APIVersion,
		Kind:       kind,
		Metadata:   env.Metadata,
		SourceFile: filename,
	}
	if err := decodeSpec(def, &env.Spec, filename); err != nil {
		return nil, err
	}
	return def, nil
}

// decodeSpec decodes the spec node into the typed field for the kind.
func decodeSpec(def *Definition, spec *yaml.Node, filename string) error {
	decode := func(out interface{}) error {
		if spec.Kind == 0 {
			return positionError(spec, filename, "missing required field spec")
		}
		if err := spec.Decode(out); err != nil {
			return yamlError(err, filename)
		}
		return nil
	}

	switch def.Kind {
	case KindService:
		def.Service = &ServiceSpec{}
		return decode(def.Service)
	case KindDataModel:
		def.DataModel = &DataModelSpec{}
		return decode(def.DataModel)
	case KindWorkflow:
		def.Workflow = &WorkflowSpec{}
		if err := decode(def.Workflow); err != nil {
			return err
		}
		return validateWorkflowSpec(def.Workflow, spec, filename)
	case KindPermission:
		def.Permission = &PermissionSpec{}
		return decode(def.Permission)
	case KindCredential:
		def.Credential = &CredentialSpec{}
		return decode(def.Credential)
	case KindPlugin:
		def.Plugin = &PluginSpec{}
		return decode(def.Plugin)
	case KindMigration:
		def.Migration = &MigrationSpec{}
		return decode(def.Migration)
	case KindTest:
		def.Test = &TestSpec{}
		return decode(def.Test)
	case KindDeployment:
		def.Deployment = &DeploymentSpec{}
		return decode(def.Deployment)
	}
	return positionError(spec, filename, fmt.Sprintf("unhandled kind %q", def.Kind))
}

// validateWorkflowSpec checks workflow-specific structure the schema types
// cannot express: every transition references declared states and events,
// and durations parse. Inherited workflows may leave fields to parents.
func validateWorkflowSpec(spec *WorkflowSpec, node *yaml.Node, filename string) error {
	if len(spec.Inherits) == 0 {
		if spec.InitialState == "" {
			return positionError(node, filename, "workflow spec requires initialState")
		}
		if spec.States.Values == nil || len(spec.States.Keys) == 0 {
			return positionError(node, filename, "workflow spec requires states")
		}
	}
	for _, name := range spec.Transitions.Keys {
		t := spec.Transitions.Values[name]
		if t.From == "" || t.To == "" {
			return positionError(node, filename, fmt.Sprintf("transition %q requires from and to", name))
		}
		if t.On == "" {
			return positionError(node, filename, fmt.Sprintf("transition %q requires an event (on)", name))
		}
	}
	for _, name := range spec.States.Keys {
		s := spec.States.Values[name]
		if s.Timeout != nil {
			if _, err := ParseISO8601Duration(s.Timeout.Duration); err != nil {
				return positionError(node, filename, fmt.Sprintf("state %q: %v", name, err))
			}
		}
	}
	return nil
}

// Serialize renders a definition back to YAML. Parse(Serialize(d)) yields
// a structurally equal definition.
func (p *Parser) Serialize(def *Definition) ([]byte, error) {
	doc := map[string]interface{}{
		"apiVersion": def.APIVersion,
		"kind":       string(def.Kind),
		"metadata":   def.Metadata,
	}
	switch def.Kind {
	case KindService:
		doc["spec"] = def.Service
	case KindDataModel:
		doc["spec"] = def.DataModel
	case KindWorkflow:
		doc["spec"] = def.Workflow
	case KindPermission:
		doc["spec"] = def.Permission
	case KindCredential:
		doc["spec"] = def.Credential
	case KindPlugin:
		doc["spec"] = def.Plugin
	case KindMigration:
		doc["spec"] = def.Migration
	case KindTest:
		doc["spec"] = def.Test
	case KindDeployment:
		doc["spec"] = def.Deployment
	}
	return yaml.Marshal(doc)
}

// yamlError converts a yaml.v3 error into a positioned ParseError.
func yamlError(err error, filename string) error {
	var typeErr *yaml.TypeError
	if errors.As(err, &typeErr) && len(typeErr.Errors) > 0 {
		line, col := yamlErrorPosition(typeErr.Errors[0])
		return &ParseError{File: filename, Line: line, Col: col, Reason: strings.Join(typeErr.Errors, "; ")}
	}
	line, col := yamlErrorPosition(err.Error())
	return &ParseError{File: filename, Line: line, Col: col, Reason: strings.TrimPrefix(err.Error(), "yaml: ")}
}

// yamlErrorPosition extracts "line N:" positions from yaml error text.
func yamlErrorPosition(msg string) (int, int) {
	var line int
	if _, err := fmt.Sscanf(msg, "yaml: line %d:", &line); err == nil {
		return line, 1
	}
	if _, err := fmt.Sscanf(msg, "line %d:", &line); err == nil {
		return line, 1
	}
	return 1, 1
}

// positionError builds a ParseError anchored at a node.
func positionError(node *yaml.Node, filename, reason string) error {
	line, col := 1, 1
	if node != nil && node.Line > 0 {
		line, col = node.Line, node.Column
	}
	return &ParseError{File: filename, Line: line, Col: col, Reason: reason}
}
