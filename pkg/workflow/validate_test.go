package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDefinition() *WorkflowDefinition {
	return &WorkflowDefinition{
		ID:           "de.example/valid#workflow",
		InitialState: "start",
		States: map[string]StateDefinition{
			"start": {},
			"end":   {IsTerminal: true},
		},
		Transitions: []Transition{
			{ID: "t", From: "start", To: "end", Event: "go"},
		},
	}
}

func TestValidateDefinitionAccepts(t *testing.T) {
	assert.NoError(t, ValidateDefinition(validDefinition()))
}

func TestValidateDefinitionLoopsAllowed(t *testing.T) {
	def := validDefinition()
	def.States["retry"] = StateDefinition{}
	def.Transitions = append(def.Transitions,
		Transition{ID: "to-retry", From: "start", To: "retry", Event: "fail"},
		Transition{ID: "back", From: "retry", To: "start", Event: "again"},
	)
	assert.NoError(t, ValidateDefinition(def), "cycles are allowed while a terminal state stays reachable")
}

func TestValidateDefinitionRejections(t *testing.T) {
	missing := validDefinition()
	missing.InitialState = "ghost"
	assert.Error(t, ValidateDefinition(missing), "initial state must exist")

	unknownFrom := validDefinition()
	unknownFrom.Transitions = append(unknownFrom.Transitions,
		Transition{ID: "x", From: "ghost", To: "end", Event: "go"})
	assert.Error(t, ValidateDefinition(unknownFrom))

	noTerminal := validDefinition()
	noTerminal.States = map[string]StateDefinition{"start": {}}
	noTerminal.Transitions = nil
	assert.Error(t, ValidateDefinition(noTerminal), "at least one terminal state required")

	unreachable := validDefinition()
	unreachable.Transitions = nil
	assert.Error(t, ValidateDefinition(unreachable), "terminal state must be reachable")

	terminalExit := validDefinition()
	terminalExit.States["end"] = StateDefinition{
		IsTerminal: true,
		OnExit:     &Action{Type: ActionScript, Code: "1"},
	}
	assert.Error(t, ValidateDefinition(terminalExit), "terminal states carry no on_exit")

	dup := validDefinition()
	dup.Transitions = append(dup.Transitions,
		Transition{ID: "t2", From: "start", To: "end", Event: "go"})
	assert.Error(t, ValidateDefinition(dup), "duplicate (event, guard) pair from one state")

	guarded := validDefinition()
	guarded.Transitions = append(guarded.Transitions,
		Transition{ID: "t2", From: "start", To: "end", Event: "go", Guard: "context.x > 1"})
	assert.NoError(t, ValidateDefinition(guarded), "same event with a different guard is fine")
}

func TestContentHashStable(t *testing.T) {
	a, err := ContentHash(validDefinition())
	require.NoError(t, err)
	b, err := ContentHash(validDefinition())
	require.NoError(t, err)
	assert.Equal(t, a, b)

	changed := validDefinition()
	changed.Transitions[0].Event = "other"
	c, err := ContentHash(changed)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	// Volatile fields do not affect the hash.
	stamped := validDefinition()
	stamped.CreatedAt = 12345
	stamped.ContentHash = "bogus"
	d, err := ContentHash(stamped)
	require.NoError(t, err)
	assert.Equal(t, a, d)
}

func TestIdempotencyKeyDerivation(t *testing.T) {
	k1 := IdempotencyKey("inst", "t1", "exit", 1)
	k2 := IdempotencyKey("inst", "t1", "exit", 1)
	k3 := IdempotencyKey("inst", "t1", "exit", 2)
	k4 := IdempotencyKey("inst", "t1", "enter", 1)
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.NotEqual(t, k1, k4)
}
