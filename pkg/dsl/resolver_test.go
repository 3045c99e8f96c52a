package dsl

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func model(id string, inherits []string, props map[string]string, required []string) *Definition {
	spec := &DataModelSpec{Inherits: inherits}
	spec.Schema.Type = "object"
	spec.Schema.Required = required
	// Deterministic property order for tests.
	for _, name := range sortedKeys(props) {
		spec.Schema.Properties.Set(name, Property{Type: props[name]})
	}
	return &Definition{
		Kind:      KindDataModel,
		Metadata:  Metadata{ID: NSID(id), Version: "1.0.0"},
		DataModel: spec,
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

func resolveAll(t *testing.T, defs ...*Definition) map[string]*Definition {
	t.Helper()
	resolved, err := NewResolver(defs).Resolve()
	require.NoError(t, err)
	out := make(map[string]*Definition, len(resolved))
	for _, d := range resolved {
		out[d.Metadata.ID.String()] = d
	}
	return out
}

func TestResolveSingleInheritance(t *testing.T) {
	a := model("de.bund/a", nil, map[string]string{"x": "integer"}, []string{"x"})
	b := model("de.bund/b", []string{"de.bund/a"}, map[string]string{"x": "string", "y": "integer"}, []string{"y"})

	resolved := resolveAll(t, a, b)
	bm := resolved["de.bund/b"].DataModel

	// Child overrides the colliding property wholesale.
	x, ok := bm.Schema.Properties.Get("x")
	require.True(t, ok)
	assert.Equal(t, "string", x.Type)
	y, ok := bm.Schema.Properties.Get("y")
	require.True(t, ok)
	assert.Equal(t, "integer", y.Type)

	// Required is the union of parents and child.
	assert.ElementsMatch(t, []string{"x", "y"}, bm.Schema.Required)
	assert.Empty(t, bm.Inherits, "inheritance must be flattened")
}

func TestResolveMultipleParentsFirstDeclaredWins(t *testing.T) {
	a := model("de.bund/a", nil, map[string]string{"z": "integer"}, nil)
	b := model("de.bund/b", nil, map[string]string{"z": "string"}, nil)
	c := model("de.bund/c", []string{"de.bund/a", "de.bund/b"}, map[string]string{}, nil)

	resolved := resolveAll(t, a, b, c)
	z, ok := resolved["de.bund/c"].DataModel.Schema.Properties.Get("z")
	require.True(t, ok)
	assert.Equal(t, "integer", z.Type, "earlier-declared parent wins between parents")

	// A child declaration overrides both parents.
	c2 := model("de.bund/c2", []string{"de.bund/a", "de.bund/b"}, map[string]string{"z": "boolean"}, nil)
	resolved = resolveAll(t, a, b, c2)
	z, _ = resolved["de.bund/c2"].DataModel.Schema.Properties.Get("z")
	assert.Equal(t, "boolean", z.Type)
}

func TestResolveIndexOverride(t *testing.T) {
	a := model("de.bund/a", nil, map[string]string{"name": "string"}, nil)
	a.DataModel.Indexes = []Index{{Name: "by-name", Fields: []string{"name"}}}
	b := model("de.bund/b", []string{"de.bund/a"}, map[string]string{"email": "string"}, nil)
	b.DataModel.Indexes = []Index{{Name: "by-name", Fields: []string{"name", "email"}, Unique: true}}

	resolved := resolveAll(t, a, b)
	indexes := resolved["de.bund/b"].DataModel.Indexes
	require.Len(t, indexes, 1)
	assert.Equal(t, []string{"name", "email"}, indexes[0].Fields)
	assert.True(t, indexes[0].Unique)
}

func TestResolveComputedOverride(t *testing.T) {
	a := model("de.bund/a", nil, map[string]string{"first": "string"}, nil)
	a.DataModel.Computed.Set("display", ComputedField{Expression: `first`, Type: "string"})
	b := model("de.bund/b", []string{"de.bund/a"}, nil, nil)
	b.DataModel.Computed.Set("display", ComputedField{Expression: `first + "!"`, Type: "string"})

	resolved := resolveAll(t, a, b)
	got := resolved["de.bund/b"].DataModel.Computed.Values["display"]
	assert.Equal(t, `first + "!"`, got.Expression)
}

func TestResolveCycleDetected(t *testing.T) {
	a := model("de.bund/a", []string{"de.bund/b"}, nil, nil)
	b := model("de.bund/b", []string{"de.bund/a"}, nil, nil)

	_, err := NewResolver([]*Definition{a, b}).Resolve()
	require.Error(t, err)
	var cycle *CircularDependencyError
	require.True(t, errors.As(err, &cycle))
	assert.GreaterOrEqual(t, len(cycle.Path), 3, "cycle path must name the loop")
}

func TestResolveMissingParent(t *testing.T) {
	b := model("de.bund/b", []string{"de.bund/ghost"}, nil, nil)

	_, err := NewResolver([]*Definition{b}).Resolve()
	require.Error(t, err)
	var missing *MissingParentError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "de.bund/ghost", missing.Parent)
}

func TestResolveDiamond(t *testing.T) {
	base := model("de.bund/base", nil, map[string]string{"id": "string"}, []string{"id"})
	left := model("de.bund/left", []string{"de.bund/base"}, map[string]string{"l": "string"}, nil)
	right := model("de.bund/right", []string{"de.bund/base"}, map[string]string{"r": "string"}, nil)
	child := model("de.bund/child", []string{"de.bund/left", "de.bund/right"}, nil, nil)

	resolved := resolveAll(t, base, left, right, child)
	cm := resolved["de.bund/child"].DataModel
	for _, want := range []string{"id", "l", "r"} {
		_, ok := cm.Schema.Properties.Get(want)
		assert.True(t, ok, "diamond child must see %q", want)
	}
	assert.Equal(t, []string{"id"}, cm.Schema.Required)
}

func TestResolveWorkflowInheritance(t *testing.T) {
	parent := &Definition{
		Kind:     KindWorkflow,
		Metadata: Metadata{ID: "de.bund/base#workflow", Version: "1"},
		Workflow: &WorkflowSpec{InitialState: "draft"},
	}
	parent.Workflow.States.Set("draft", StateSpec{Title: "Draft"})
	parent.Workflow.States.Set("done", StateSpec{Title: "Done", Terminal: true})
	parent.Workflow.Transitions.Set("finish", TransitionSpec{From: "draft", To: "done", On: "finish"})

	child := &Definition{
		Kind:     KindWorkflow,
		Metadata: Metadata{ID: "de.berlin/special#workflow", Version: "1"},
		Workflow: &WorkflowSpec{Inherits: []string{"de.bund/base#workflow"}},
	}
	child.Workflow.States.Set("draft", StateSpec{Title: "Entwurf"})

	resolved := resolveAll(t, parent, child)
	cw := resolved["de.berlin/special#workflow"].Workflow
	assert.Equal(t, "draft", cw.InitialState, "initial state falls back to the parent")
	assert.Equal(t, "Entwurf", cw.States.Values["draft"].Title, "child state overrides parent")
	assert.Equal(t, "Done", cw.States.Values["done"].Title)
	_, ok := cw.Transitions.Values["finish"]
	assert.True(t, ok, "parent transitions are inherited")
}
