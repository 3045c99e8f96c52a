package dsl

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linlogge/degov/pkg/workflow"
)

func TestReduceWorkflow(t *testing.T) {
	p := NewParser()
	def, err := p.Parse([]byte(workflowYAML), "business.yaml")
	require.NoError(t, err)

	reduced, err := ReduceWorkflow(def)
	require.NoError(t, err)

	assert.Equal(t, "de.berlin/business-registration#workflow", reduced.ID)
	assert.Equal(t, "draft", reduced.InitialState)
	assert.Equal(t, "de.berlin/business-registration", reduced.Model)
	require.Len(t, reduced.States, 3)
	assert.True(t, reduced.States["done"].IsTerminal)

	review := reduced.States["review"]
	assert.Equal(t, int64(5*86400), review.TimeoutSeconds)
	assert.Equal(t, "expire", review.TimeoutEvent)

	require.Len(t, reduced.Transitions, 3)
	assert.Equal(t, "submit", reduced.Transitions[0].ID, "transition order preserved")
	assert.Equal(t, "draft", reduced.Transitions[0].From)
	assert.Equal(t, "review", reduced.Transitions[0].To)
	assert.NotEmpty(t, reduced.Transitions[0].Guard)

	approve := reduced.Transitions[1]
	require.NotNil(t, approve.Action)
	assert.Equal(t, workflow.ActionScript, approve.Action.Type)
	assert.Equal(t, workflow.LanguageJavaScript, approve.Action.Language)
}

func TestReduceActionVariants(t *testing.T) {
	script, err := reduceAction(&ActionSpec{Type: "script", Script: "1 + 1", Timeout: "PT10S"})
	require.NoError(t, err)
	assert.Equal(t, workflow.ActionScript, script.Type)
	assert.Equal(t, int64(10), script.TimeoutSeconds)

	delay, err := reduceAction(&ActionSpec{Type: "delay", Delay: "PT5M"})
	require.NoError(t, err)
	assert.Equal(t, workflow.ActionDelay, delay.Type)
	assert.Equal(t, int64(300), delay.Seconds)

	httpAction, err := reduceAction(&ActionSpec{Type: "http", URL: "https://api.example/notify", Method: "POST"})
	require.NoError(t, err)
	assert.Equal(t, workflow.ActionHTTP, httpAction.Type)

	_, err = reduceAction(&ActionSpec{Type: "script"})
	assert.Error(t, err, "script without code is rejected")
	_, err = reduceAction(&ActionSpec{Type: "task"})
	assert.Error(t, err, "task without taskType is rejected")
	_, err = reduceAction(&ActionSpec{Type: "teleport"})
	assert.Error(t, err)
}

func TestReduceRejectsInvalidStateMachine(t *testing.T) {
	def := &Definition{
		Kind:     KindWorkflow,
		Metadata: Metadata{ID: "de.berlin/bad#workflow", Version: "1"},
		Workflow: &WorkflowSpec{InitialState: "draft"},
	}
	def.Workflow.States.Set("draft", StateSpec{})
	// No terminal state at all.
	def.Workflow.Transitions.Set("loop", TransitionSpec{From: "draft", To: "draft", On: "again"})

	_, err := ReduceWorkflow(def)
	require.Error(t, err)
	assert.True(t, workflow.IsValidation(err))
}

func TestSchemaValidatorAcceptsAndRejects(t *testing.T) {
	m := model("de.bund/person", nil, map[string]string{"name": "string", "age": "integer"}, []string{"name"})
	v := NewSchemaValidator([]*Definition{m})

	require.NoError(t, v.ValidateContext("de.bund/person", json.RawMessage(`{"name": "Ada", "age": 36}`)))

	err := v.ValidateContext("de.bund/person", json.RawMessage(`{"age": 36}`))
	assert.Error(t, err, "missing required field must fail")

	err = v.ValidateContext("de.bund/person", json.RawMessage(`{"name": 7}`))
	assert.Error(t, err, "type mismatch must fail")

	err = v.ValidateContext("de.bund/ghost", json.RawMessage(`{}`))
	assert.Error(t, err, "unknown model must fail")
}

func TestComputedFields(t *testing.T) {
	spec := &DataModelSpec{}
	spec.Computed.Set("full_name", ComputedField{Expression: `first + " " + last`, Type: "string"})
	spec.Computed.Set("adult", ComputedField{Expression: `age >= 18`, Type: "boolean"})

	ce := NewComputedEvaluator(0)
	out, err := ce.Evaluate(context.Background(),
		spec, json.RawMessage(`{"first": "Ada", "last": "Lovelace", "age": 36}`))
	require.NoError(t, err)
	assert.JSONEq(t, `"Ada Lovelace"`, string(out["full_name"]))
	assert.JSONEq(t, `true`, string(out["adult"]))
}

func TestComputedFieldErrorPropagates(t *testing.T) {
	spec := &DataModelSpec{}
	spec.Computed.Set("broken", ComputedField{Expression: `missing_field + 1`})

	ce := NewComputedEvaluator(0)
	_, err := ce.Evaluate(context.Background(), spec, json.RawMessage(`{}`))
	assert.Error(t, err)
}
