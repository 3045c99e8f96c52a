package workflow

import (
	"fmt"
)

// ValidateDefinition checks a workflow definition's structural invariants:
// the initial state exists, every transition endpoint exists, no two
// transitions from one state share an (event, guard) pair, terminal states
// carry no exit work, at least one state is terminal, and a terminal state
// is reachable from the initial state. Loops are allowed.
func ValidateDefinition(def *WorkflowDefinition) error {
	if def.ID == "" {
		return NewValidationError("workflow id is required", nil).WithCode(CodeValidation)
	}
	if len(def.States) == 0 {
		return NewValidationError("workflow has no states", nil).WithCode(CodeValidation)
	}
	if _, ok := def.States[def.InitialState]; !ok {
		return NewValidationError(fmt.Sprintf("initial state %q is not defined", def.InitialState), nil).WithCode(CodeValidation)
	}

	terminalCount := 0
	for name, state := range def.States {
		if state.Name != "" && state.Name != name {
			return NewValidationError(fmt.Sprintf("state %q declares mismatched name %q", name, state.Name), nil).WithCode(CodeValidation)
		}
		if state.IsTerminal {
			terminalCount++
			if state.OnExit != nil {
				return NewValidationError(fmt.Sprintf("terminal state %q must not define on_exit", name), nil).WithCode(CodeValidation)
			}
		}
	}
	if terminalCount == 0 {
		return NewValidationError("workflow has no terminal state", nil).WithCode(CodeValidation)
	}

	seen := make(map[string]struct{}, len(def.Transitions))
	for i := range def.Transitions {
		t := &def.Transitions[i]
		if _, ok := def.States[t.From]; !ok {
			return NewValidationError(fmt.Sprintf("transition %q references unknown from-state %q", t.ID, t.From), nil).WithCode(CodeValidation)
		}
		if _, ok := def.States[t.To]; !ok {
			return NewValidationError(fmt.Sprintf("transition %q references unknown to-state %q", t.ID, t.To), nil).WithCode(CodeValidation)
		}
		if def.States[t.From].IsTerminal {
			return NewValidationError(fmt.Sprintf("transition %q leaves terminal state %q", t.ID, t.From), nil).WithCode(CodeValidation)
		}
		// Two transitions from one state may share an event only when
		// their guards differ.
		sig := t.From + "\x00" + t.Event + "\x00" + t.Guard
		if _, dup := seen[sig]; dup {
			return NewValidationError(fmt.Sprintf("duplicate transition from %q on event %q with identical guard", t.From, t.Event), nil).WithCode(CodeValidation)
		}
		seen[sig] = struct{}{}
	}

	if !terminalReachable(def) {
		return NewValidationError("no terminal state is reachable from the initial state", nil).WithCode(CodeValidation)
	}
	return nil
}

// terminalReachable walks the transition graph from the initial state.
func terminalReachable(def *WorkflowDefinition) bool {
	next := make(map[string][]string)
	for i := range def.Transitions {
		t := &def.Transitions[i]
		next[t.From] = append(next[t.From], t.To)
	}

	visited := map[string]bool{def.InitialState: true}
	frontier := []string{def.InitialState}
	for len(frontier) > 0 {
		state := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		if def.States[state].IsTerminal {
			return true
		}
		for _, to := range next[state] {
			if !visited[to] {
				visited[to] = true
				frontier = append(frontier, to)
			}
		}
	}
	return false
}
