package dsl

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// APIVersion values accepted in definition documents.
const (
	APIVersionV1      = "degov.gov/v1"
	APIVersionV1Short = "v1"
)

// Kind discriminates the definition document types.
type Kind string

const (
	KindService    Kind = "Service"
	KindDataModel  Kind = "DataModel"
	KindWorkflow   Kind = "Workflow"
	KindPermission Kind = "Permission"
	KindCredential Kind = "Credential"
	KindPlugin     Kind = "Plugin"
	KindMigration  Kind = "Migration"
	KindTest       Kind = "Test"
	KindDeployment Kind = "Deployment"
)

// knownKinds lists every accepted kind.
var knownKinds = map[Kind]bool{
	KindService: true, KindDataModel: true, KindWorkflow: true,
	KindPermission: true, KindCredential: true, KindPlugin: true,
	KindMigration: true, KindTest: true, KindDeployment: true,
}

// Metadata is the common header of every definition document.
type Metadata struct {
	ID          NSID       `yaml:"id" validate:"required"`
	Title       string     `yaml:"title,omitempty"`
	Version     string     `yaml:"version" validate:"required"`
	Description string     `yaml:"description,omitempty"`
	Authority   *Authority `yaml:"authority,omitempty"`
	Tags        []string   `yaml:"tags,omitempty"`
}

// Authority identifies the body that owns a definition.
type Authority struct {
	DID   string `yaml:"did,omitempty"`
	Name  string `yaml:"name,omitempty"`
	Email string `yaml:"email,omitempty"`
}

// Definition is one parsed DSL document. Exactly one of the typed spec
// fields is set, matching Kind.
type Definition struct {
	APIVersion string
	Kind       Kind
	Metadata   Metadata
	SourceFile string

	Service    *ServiceSpec
	DataModel  *DataModelSpec
	Workflow   *WorkflowSpec
	Permission *PermissionSpec
	Credential *CredentialSpec
	Plugin     *PluginSpec
	Migration  *MigrationSpec
	Test       *TestSpec
	Deployment *DeploymentSpec
}

// ServiceSpec declares a public service composed of a data model, a
// workflow, and the documents it issues.
type ServiceSpec struct {
	Model       string   `yaml:"model"`
	Workflow    string   `yaml:"workflow"`
	Permissions string   `yaml:"permissions,omitempty"`
	Credentials []string `yaml:"credentials,omitempty"`
	Category    string   `yaml:"category,omitempty"`
	Audience    []string `yaml:"audience,omitempty"`
}

// DataModelSpec declares a schema with multi-parent inheritance.
type DataModelSpec struct {
	Inherits []string       `yaml:"inherits,omitempty"`
	Storage  *StorageConfig `yaml:"storage,omitempty"`
	Schema   Schema         `yaml:"schema"`
	Indexes  []Index        `yaml:"indexes,omitempty"`
	Computed OrderedFields  `yaml:"computed,omitempty"`
}

// StorageConfig tunes persistence of a data model.
type StorageConfig struct {
	Encrypted bool             `yaml:"encrypted,omitempty"`
	Retention *RetentionPolicy `yaml:"retention,omitempty"`
}

// RetentionPolicy bounds how long records are kept.
type RetentionPolicy struct {
	// Duration is an ISO-8601 duration such as "P50Y".
	Duration      string `yaml:"duration"`
	AfterDeletion string `yaml:"afterDeletion"`
}

// Schema is a JSON-Schema-like object description.
type Schema struct {
	Type       string        `yaml:"type,omitempty"`
	Properties OrderedProps  `yaml:"properties,omitempty"`
	Required   []string      `yaml:"required,omitempty"`
	Items      *Property     `yaml:"items,omitempty"`
}

// Property describes one field of a schema.
type Property struct {
	Type        string        `yaml:"type,omitempty"`
	Ref         string        `yaml:"ref,omitempty"`
	Format      string        `yaml:"format,omitempty"`
	Description string        `yaml:"description,omitempty"`
	Nullable    bool          `yaml:"nullable,omitempty"`
	Immutable   bool          `yaml:"immutable,omitempty"`
	Indexed     bool          `yaml:"indexed,omitempty"`
	Encrypted   bool          `yaml:"encrypted,omitempty"`
	PII         bool          `yaml:"pii,omitempty"`
	Generated   bool          `yaml:"generated,omitempty"`
	Default     *yaml.Node    `yaml:"default,omitempty"`
	Values      []string      `yaml:"values,omitempty"`
	Pattern     string        `yaml:"pattern,omitempty"`
	MinLength   *int          `yaml:"minLength,omitempty"`
	MaxLength   *int          `yaml:"maxLength,omitempty"`
	Min         *float64      `yaml:"min,omitempty"`
	Max         *float64      `yaml:"max,omitempty"`
	Items       *Property     `yaml:"items,omitempty"`
	Properties  OrderedProps  `yaml:"properties,omitempty"`
}

// Index declares a queryable index over model fields.
type Index struct {
	Name   string   `yaml:"name,omitempty"`
	Fields []string `yaml:"fields"`
	Unique bool     `yaml:"unique,omitempty"`
}

// ComputedField derives a value from other fields with a Starlark
// expression evaluated read-only over the document.
type ComputedField struct {
	Expression string `yaml:"expression"`
	Type       string `yaml:"type,omitempty"`
}

// WorkflowSpec declares a state machine over a data model.
type WorkflowSpec struct {
	Inherits     []string           `yaml:"inherits,omitempty"`
	Model        string             `yaml:"model"`
	InitialState string             `yaml:"initialState"`
	States       OrderedStates      `yaml:"states,omitempty"`
	Transitions  OrderedTransitions `yaml:"transitions"`
}

// StateSpec is the YAML shape of one workflow state.
type StateSpec struct {
	Title    string      `yaml:"title,omitempty"`
	Type     string      `yaml:"type,omitempty"`
	Terminal bool        `yaml:"terminal,omitempty"`
	OnEnter  *ActionSpec `yaml:"onEnter,omitempty"`
	OnExit   *ActionSpec `yaml:"onExit,omitempty"`
	Timeout  *Timeout    `yaml:"timeout,omitempty"`
}

// Timeout configures a state's inactivity timeout.
type Timeout struct {
	// Duration is an ISO-8601 duration such as "P5D" or "PT30M".
	Duration string `yaml:"duration"`
	// Event is injected when the timeout elapses.
	Event string `yaml:"event"`
}

// TransitionSpec is the YAML shape of one transition.
type TransitionSpec struct {
	From         string      `yaml:"from"`
	To           string      `yaml:"to"`
	On           string      `yaml:"on"`
	Guard        string      `yaml:"guard,omitempty"`
	Action       *ActionSpec `yaml:"action,omitempty"`
	Compensation *ActionSpec `yaml:"compensation,omitempty"`
}

// ActionSpec is the YAML shape of an action: a tagged variant over
// script, task, http, and delay.
type ActionSpec struct {
	Type     string `yaml:"type,omitempty"`
	Script   string `yaml:"script,omitempty"`
	Language string `yaml:"language,omitempty"`

	TaskType string     `yaml:"taskType,omitempty"`
	Payload  *yaml.Node `yaml:"payload,omitempty"`

	URL     string            `yaml:"url,omitempty"`
	Method  string            `yaml:"method,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Body    *yaml.Node        `yaml:"body,omitempty"`

	// Delay is an ISO-8601 duration.
	Delay string `yaml:"delay,omitempty"`

	// Timeout is an ISO-8601 wall-clock budget for the action.
	Timeout    string `yaml:"timeout,omitempty"`
	MaxRetries int    `yaml:"maxRetries,omitempty"`
}

// PermissionSpec declares who may act on a workflow, evaluated as policy
// rules.
type PermissionSpec struct {
	Workflow string           `yaml:"workflow"`
	Roles    []RoleSpec       `yaml:"roles,omitempty"`
	Rules    []PermissionRule `yaml:"rules,omitempty"`
	// Rego carries an inline policy module evaluated alongside the rules.
	Rego string `yaml:"rego,omitempty"`
}

// RoleSpec names a role and its members.
type RoleSpec struct {
	Name    string   `yaml:"name,omitempty"`
	Members []string `yaml:"members,omitempty"`
}

// PermissionRule allows or denies events per state and role.
type PermissionRule struct {
	Events []string `yaml:"events,omitempty"`
	States []string `yaml:"states,omitempty"`
	Roles  []string `yaml:"roles,omitempty"`
	Effect string   `yaml:"effect,omitempty"`
}

// CredentialSpec declares a verifiable credential the engine can issue.
type CredentialSpec struct {
	Model    string        `yaml:"model"`
	Claims   []string      `yaml:"claims,omitempty"`
	Validity string        `yaml:"validity,omitempty"`
	Issuer   string        `yaml:"issuer,omitempty"`
	Revoke   *RevokeConfig `yaml:"revoke,omitempty"`
}

// RevokeConfig configures credential revocation.
type RevokeConfig struct {
	Allowed bool   `yaml:"allowed"`
	By      string `yaml:"by"`
}

// PluginSpec declares task handlers contributed by a plugin.
type PluginSpec struct {
	Runtime   string   `yaml:"runtime"`
	Module    string   `yaml:"module"`
	TaskTypes []string `yaml:"taskTypes"`
}

// MigrationSpec declares a model migration script.
type MigrationSpec struct {
	Model  string `yaml:"model"`
	From   string `yaml:"from"`
	To     string `yaml:"to"`
	Script string `yaml:"script,omitempty"`
}

// TestSpec declares a scenario test over a workflow.
type TestSpec struct {
	Workflow string     `yaml:"workflow"`
	Steps    []TestStep `yaml:"steps"`
}

// TestStep is one step of a scenario test.
type TestStep struct {
	Event   string     `yaml:"event"`
	Payload *yaml.Node `yaml:"payload,omitempty"`
	Expect  string     `yaml:"expect,omitempty"`
}

// DeploymentSpec declares runtime placement of a service.
type DeploymentSpec struct {
	Service  string            `yaml:"service"`
	Replicas int               `yaml:"replicas"`
	Env      map[string]string `yaml:"env,omitempty"`
}

// OrderedProps preserves the document order of schema properties, which
// the merge rules depend on.
type OrderedProps struct {
	Keys   []string
	Values map[string]Property
}

// UnmarshalYAML decodes a mapping while recording key order.
func (o *OrderedProps) UnmarshalYAML(node *yaml.Node) error {
	keys, err := mappingKeys(node)
	if err != nil {
		return err
	}
	o.Keys = keys
	o.Values = make(map[string]Property, len(keys))
	for i := 0; i < len(node.Content); i += 2 {
		var p Property
		if err := node.Content[i+1].Decode(&p); err != nil {
			return err
		}
		o.Values[node.Content[i].Value] = p
	}
	return nil
}

// MarshalYAML emits the mapping in recorded order.
func (o OrderedProps) MarshalYAML() (interface{}, error) {
	return orderedMap(o.Keys, func(k string) interface{} { return o.Values[k] }), nil
}

// IsZero reports emptiness for yaml omitempty.
func (o OrderedProps) IsZero() bool { return len(o.Keys) == 0 }

// Get returns a property by name.
func (o *OrderedProps) Get(name string) (Property, bool) {
	p, ok := o.Values[name]
	return p, ok
}

// Set inserts or replaces a property, preserving first-insertion order.
func (o *OrderedProps) Set(name string, p Property) {
	if o.Values == nil {
		o.Values = make(map[string]Property)
	}
	if _, exists := o.Values[name]; !exists {
		o.Keys = append(o.Keys, name)
	}
	o.Values[name] = p
}

// Len returns the number of properties.
func (o *OrderedProps) Len() int { return len(o.Keys) }

// OrderedFields preserves the document order of computed fields.
type OrderedFields struct {
	Keys   []string
	Values map[string]ComputedField
}

func (o *OrderedFields) UnmarshalYAML(node *yaml.Node) error {
	keys, err := mappingKeys(node)
	if err != nil {
		return err
	}
	o.Keys = keys
	o.Values = make(map[string]ComputedField, len(keys))
	for i := 0; i < len(node.Content); i += 2 {
		var f ComputedField
		if err := node.Content[i+1].Decode(&f); err != nil {
			return err
		}
		o.Values[node.Content[i].Value] = f
	}
	return nil
}

func (o OrderedFields) MarshalYAML() (interface{}, error) {
	return orderedMap(o.Keys, func(k string) interface{} { return o.Values[k] }), nil
}

// IsZero reports emptiness for yaml omitempty.
func (o OrderedFields) IsZero() bool { return len(o.Keys) == 0 }

// Set inserts or replaces a computed field, preserving insertion order.
func (o *OrderedFields) Set(name string, f ComputedField) {
	if o.Values == nil {
		o.Values = make(map[string]ComputedField)
	}
	if _, exists := o.Values[name]; !exists {
		o.Keys = append(o.Keys, name)
	}
	o.Values[name] = f
}

// OrderedStates preserves the document order of workflow states.
type OrderedStates struct {
	Keys   []string
	Values map[string]StateSpec
}

func (o *OrderedStates) UnmarshalYAML(node *yaml.Node) error {
	keys, err := mappingKeys(node)
	if err != nil {
		return err
	}
	o.Keys = keys
	o.Values = make(map[string]StateSpec, len(keys))
	for i := 0; i < len(node.Content); i += 2 {
		var s StateSpec
		if err := node.Content[i+1].Decode(&s); err != nil {
			return err
		}
		o.Values[node.Content[i].Value] = s
	}
	return nil
}

func (o OrderedStates) MarshalYAML() (interface{}, error) {
	return orderedMap(o.Keys, func(k string) interface{} { return o.Values[k] }), nil
}

// IsZero reports emptiness for yaml omitempty.
func (o OrderedStates) IsZero() bool { return len(o.Keys) == 0 }

// Set inserts or replaces a state, preserving insertion order.
func (o *OrderedStates) Set(name string, s StateSpec) {
	if o.Values == nil {
		o.Values = make(map[string]StateSpec)
	}
	if _, exists := o.Values[name]; !exists {
		o.Keys = append(o.Keys, name)
	}
	o.Values[name] = s
}

// OrderedTransitions preserves the document order of transitions, which
// determines guard evaluation order at dispatch.
type OrderedTransitions struct {
	Keys   []string
	Values map[string]TransitionSpec
}

func (o *OrderedTransitions) UnmarshalYAML(node *yaml.Node) error {
	keys, err := mappingKeys(node)
	if err != nil {
		return err
	}
	o.Keys = keys
	o.Values = make(map[string]TransitionSpec, len(keys))
	for i := 0; i < len(node.Content); i += 2 {
		var t TransitionSpec
		if err := node.Content[i+1].Decode(&t); err != nil {
			return err
		}
		o.Values[node.Content[i].Value] = t
	}
	return nil
}

func (o OrderedTransitions) MarshalYAML() (interface{}, error) {
	return orderedMap(o.Keys, func(k string) interface{} { return o.Values[k] }), nil
}

// IsZero reports emptiness for yaml omitempty.
func (o OrderedTransitions) IsZero() bool { return len(o.Keys) == 0 }

// Set inserts or replaces a transition, preserving insertion order.
func (o *OrderedTransitions) Set(name string, t TransitionSpec) {
	if o.Values == nil {
		o.Values = make(map[string]TransitionSpec)
	}
	if _, exists := o.Values[name]; !exists {
		o.Keys = append(o.Keys, name)
	}
	o.Values[name] = t
}

// mappingKeys extracts the keys of a YAML mapping node in document order.
func mappingKeys(node *yaml.Node) ([]string, error) {
	if node.Kind == 0 || (node.Kind == yaml.ScalarNode && node.Tag == "!!null") {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: expected a mapping", node.Line)
	}
	keys := make([]string, 0, len(node.Content)/2)
	for i := 0; i < len(node.Content); i += 2 {
		keys = append(keys, node.Content[i].Value)
	}
	return keys, nil
}

// orderedMap rebuilds a yaml mapping node honoring key order.
func orderedMap(keys []string, value func(string) interface{}) *yaml.Node {
	node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, k := range keys {
		var keyNode, valNode yaml.Node
		keyNode.SetString(k)
		if err := valNode.Encode(value(k)); err != nil {
			continue
		}
		node.Content = append(node.Content, &keyNode, &valNode)
	}
	return node
}
