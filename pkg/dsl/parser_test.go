package dsl

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const workflowYAML = `apiVersion: degov.gov/v1
kind: Workflow
metadata:
  id: de.berlin/business-registration#workflow
  title: Business Registration
  version: "1.0.0"
spec:
  model: de.berlin/business-registration
  initialState: draft
  states:
    draft:
      title: Draft
    review:
      title: In Review
      timeout:
        duration: P5D
        event: expire
    done:
      title: Done
      terminal: true
  transitions:
    submit:
      from: draft
      to: review
      on: submit
      guard: "context.complete === true"
    approve:
      from: review
      to: done
      on: approve
      action:
        type: script
        script: "kv.set('approved', true)"
    expire:
      from: review
      to: done
      on: expire
`

func TestParseWorkflow(t *testing.T) {
	p := NewParser()
	def, err := p.Parse([]byte(workflowYAML), "business.yaml")
	require.NoError(t, err)

	assert.Equal(t, KindWorkflow, def.Kind)
	assert.Equal(t, NSID("de.berlin/business-registration#workflow"), def.Metadata.ID)
	require.NotNil(t, def.Workflow)
	assert.Equal(t, "draft", def.Workflow.InitialState)
	assert.Equal(t, []string{"draft", "review", "done"}, def.Workflow.States.Keys)
	assert.Equal(t, []string{"submit", "approve", "expire"}, def.Workflow.Transitions.Keys,
		"transition order must follow the document")

	submit := def.Workflow.Transitions.Values["submit"]
	assert.Equal(t, "draft", submit.From)
	assert.Equal(t, "review", submit.To)
	assert.Equal(t, "submit", submit.On)
	assert.NotEmpty(t, submit.Guard)
}

func TestParseSerializeRoundTrip(t *testing.T) {
	p := NewParser()
	def, err := p.Parse([]byte(workflowYAML), "business.yaml")
	require.NoError(t, err)

	data, err := p.Serialize(def)
	require.NoError(t, err)

	again, err := p.Parse(data, "roundtrip.yaml")
	require.NoError(t, err)

	assert.Equal(t, def.Kind, again.Kind)
	assert.Equal(t, def.Metadata.ID, again.Metadata.ID)
	assert.Equal(t, def.Workflow.InitialState, again.Workflow.InitialState)
	assert.Equal(t, def.Workflow.States.Keys, again.Workflow.States.Keys)
	assert.Equal(t, def.Workflow.Transitions.Keys, again.Workflow.Transitions.Keys)
	assert.Equal(t, def.Workflow.Transitions.Values, again.Workflow.Transitions.Values)
}

func TestParseErrors(t *testing.T) {
	p := NewParser()

	cases := map[string]string{
		"malformed yaml": "apiVersion: [unclosed",
		"missing apiVersion": `kind: Workflow
metadata:
  id: de.berlin/thing
  version: "1"
spec: {}`,
		"missing kind": `apiVersion: v1
metadata:
  id: de.berlin/thing
  version: "1"
spec: {}`,
		"unknown kind": `apiVersion: v1
kind: Gadget
metadata:
  id: de.berlin/thing
  version: "1"
spec: {}`,
		"missing id": `apiVersion: v1
kind: DataModel
metadata:
  version: "1"
spec: {}`,
		"missing version": `apiVersion: v1
kind: DataModel
metadata:
  id: de.berlin/thing
spec: {}`,
		"invalid nsid": `apiVersion: v1
kind: DataModel
metadata:
  id: Not-An-NSID
  version: "1"
spec: {}`,
	}

	for name, doc := range cases {
		_, err := p.Parse([]byte(doc), name+".yaml")
		require.Error(t, err, name)
		var parseErr *ParseError
		assert.True(t, errors.As(err, &parseErr), "%s should yield a ParseError, got %T", name, err)
		assert.Greater(t, parseErr.Line, 0)
	}
}

func TestDiscoverCollectsErrors(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "de.berlin", "business-registration")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "workflow.yaml"), []byte(workflowYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("kind: ["), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	result, err := Discover(root)
	require.NoError(t, err)
	assert.Len(t, result.Definitions, 1, "valid definitions survive broken neighbors")
	assert.Len(t, result.Errors, 1)
}

func TestParseDurations(t *testing.T) {
	cases := map[string]int64{
		"P5D":     5 * 86400,
		"P1Y":     365 * 86400,
		"PT1H30M": 5400,
		"PT45S":   45,
		"P2W":     14 * 86400,
		"P1M":     30 * 86400,
	}
	for in, want := range cases {
		d, err := ParseISO8601Duration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, int64(d.Seconds()), in)
	}

	for _, bad := range []string{"", "P", "PT", "5D", "P5X", "1h30m"} {
		_, err := ParseISO8601Duration(bad)
		assert.Error(t, err, bad)
	}
}
