// Package policy evaluates Permission definitions: who may trigger which
// workflow events in which states. Declarative rules cover the common
// cases; an inline Rego module handles anything the rule shape cannot
// express. Both are compiled once at load time.
package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/linlogge/degov/pkg/dsl"
)

// Decision effects used by permission rules.
const (
	EffectAllow = "allow"
	EffectDeny  = "deny"
)

// compiledPermission is one workflow's permission set ready to evaluate.
type compiledPermission struct {
	spec *dsl.PermissionSpec
	// membership maps actor -> role names.
	membership map[string][]string
	// query is the prepared inline Rego module, when present.
	query *rego.PreparedEvalQuery
}

// Engine answers permission checks for the workflow engine.
type Engine struct {
	mu          sync.RWMutex
	permissions map[string]*compiledPermission
	log         zerolog.Logger
}

// NewEngine creates an empty policy engine.
func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{
		permissions: make(map[string]*compiledPermission),
		log:         logger.With().Str("component", "policy-engine").Logger(),
	}
}

// LoadPermissions compiles every Permission definition in the set. A
// definition replaces any earlier one for the same workflow.
func (e *Engine) LoadPermissions(ctx context.Context, defs []*dsl.Definition) error {
	for _, def := range defs {
		if def.Kind != dsl.KindPermission || def.Permission == nil {
			continue
		}
		workflowID := def.Permission.Workflow
		if workflowID == "" {
			workflowID = def.Metadata.ID.Base().String() + "#workflow"
		}

		compiled := &compiledPermission{
			spec:       def.Permission,
			membership: make(map[string][]string),
		}
		for _, role := range def.Permission.Roles {
			for _, member := range role.Members {
				compiled.membership[member] = append(compiled.membership[member], role.Name)
			}
		}

		if def.Permission.Rego != "" {
			query, err := rego.New(
				rego.Query("data.degov.allow"),
				rego.Module(def.Metadata.ID.String()+".rego", def.Permission.Rego),
				rego.SetRegoVersion(ast.RegoV1),
			).PrepareForEval(ctx)
			if err != nil {
				return fmt.Errorf("failed to compile policy for %s: %w", def.Metadata.ID, err)
			}
			compiled.query = &query
		}

		e.mu.Lock()
		e.permissions[workflowID] = compiled
		e.mu.Unlock()
		e.log.Info().Str("workflow_id", workflowID).Msg("Loaded permission definition")
	}
	return nil
}

// Allow implements the engine's PermissionChecker: it reports whether an
// actor may trigger an event while the instance sits in a state. Workflows
// without a permission definition are unrestricted. Deny rules win over
// allow rules; the inline Rego module, when present, must also allow.
func (e *Engine) Allow(ctx context.Context, workflowID, actor, event, state string) (bool, error) {
	e.mu.RLock()
	compiled, ok := e.permissions[workflowID]
	e.mu.RUnlock()
	if !ok {
		return true, nil
	}

	roles := compiled.membership[actor]
	allowed := len(compiled.spec.Rules) == 0

	for i := range compiled.spec.Rules {
		rule := &compiled.spec.Rules[i]
		if !ruleMatches(rule, roles, event, state) {
			continue
		}
		if strings.EqualFold(rule.Effect, EffectDeny) {
			e.log.Debug().
				Str("workflow_id", workflowID).
				Str("actor", actor).
				Str("event", event).
				Msg("Permission denied by rule")
			return false, nil
		}
		allowed = true
	}

	if !allowed {
		return false, nil
	}
	if compiled.query == nil {
		return true, nil
	}

	input := map[string]interface{}{
		"actor": actor,
		"event": event,
		"state": state,
		"roles": roles,
	}
	results, err := compiled.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("policy evaluation failed: %w", err)
	}
	return results.Allowed(), nil
}

// ruleMatches checks event, state, and role selectors; an empty selector
// or "*" matches everything.
func ruleMatches(rule *dsl.PermissionRule, roles []string, event, state string) bool {
	if !selectorMatches(rule.Events, event) {
		return false
	}
	if !selectorMatches(rule.States, state) {
		return false
	}
	if len(rule.Roles) == 0 {
		return true
	}
	for _, want := range rule.Roles {
		if want == "*" {
			return true
		}
		for _, have := range roles {
			if want == have {
				return true
			}
		}
	}
	return false
}

func selectorMatches(selector []string, value string) bool {
	if len(selector) == 0 {
		return true
	}
	for _, s := range selector {
		if s == "*" || s == value {
			return true
		}
	}
	return false
}
