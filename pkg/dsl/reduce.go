package dsl

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/linlogge/degov/pkg/workflow"
)

// ReduceWorkflow lowers a resolved Workflow definition into the engine's
// state-machine form. Inheritance must already be flattened; transitions
// keep their document order, which fixes guard evaluation order.
func ReduceWorkflow(def *Definition) (*workflow.WorkflowDefinition, error) {
	if def.Kind != KindWorkflow || def.Workflow == nil {
		return nil, fmt.Errorf("definition %s is not a workflow", def.Metadata.ID)
	}
	spec := def.Workflow
	if len(spec.Inherits) > 0 {
		return nil, fmt.Errorf("workflow %s has unresolved inheritance", def.Metadata.ID)
	}

	out := &workflow.WorkflowDefinition{
		ID:           def.Metadata.ID.String(),
		Name:         def.Metadata.Title,
		Model:        spec.Model,
		InitialState: spec.InitialState,
		States:       make(map[string]workflow.StateDefinition, len(spec.States.Keys)),
		Transitions:  make([]workflow.Transition, 0, len(spec.Transitions.Keys)),
	}

	for _, name := range spec.States.Keys {
		s := spec.States.Values[name]
		state := workflow.StateDefinition{
			Name:       name,
			IsTerminal: s.Terminal || s.Type == "terminal",
		}
		if s.OnEnter != nil {
			action, err := reduceAction(s.OnEnter)
			if err != nil {
				return nil, fmt.Errorf("state %q onEnter: %w", name, err)
			}
			state.OnEnter = action
		}
		if s.OnExit != nil {
			action, err := reduceAction(s.OnExit)
			if err != nil {
				return nil, fmt.Errorf("state %q onExit: %w", name, err)
			}
			state.OnExit = action
		}
		if s.Timeout != nil {
			d, err := ParseISO8601Duration(s.Timeout.Duration)
			if err != nil {
				return nil, fmt.Errorf("state %q timeout: %w", name, err)
			}
			state.TimeoutSeconds = int64(d.Seconds())
			state.TimeoutEvent = s.Timeout.Event
		}
		out.States[name] = state
	}

	for _, name := range spec.Transitions.Keys {
		t := spec.Transitions.Values[name]
		reduced := workflow.Transition{
			ID:    name,
			From:  t.From,
			To:    t.To,
			Event: t.On,
			Guard: t.Guard,
		}
		if t.Action != nil {
			action, err := reduceAction(t.Action)
			if err != nil {
				return nil, fmt.Errorf("transition %q action: %w", name, err)
			}
			reduced.Action = action
		}
		if t.Compensation != nil {
			action, err := reduceAction(t.Compensation)
			if err != nil {
				return nil, fmt.Errorf("transition %q compensation: %w", name, err)
			}
			reduced.Compensation = action
		}
		out.Transitions = append(out.Transitions, reduced)
	}

	if err := workflow.ValidateDefinition(out); err != nil {
		return nil, err
	}
	return out, nil
}

// reduceAction lowers an ActionSpec into the engine's closed Action
// variant.
func reduceAction(spec *ActionSpec) (*workflow.Action, error) {
	out := &workflow.Action{MaxRetries: spec.MaxRetries}
	if spec.Timeout != "" {
		d, err := ParseISO8601Duration(spec.Timeout)
		if err != nil {
			return nil, err
		}
		out.TimeoutSeconds = int64(d.Seconds())
	}

	switch spec.Type {
	case "script", "":
		if spec.Script == "" {
			return nil, fmt.Errorf("script action requires script code")
		}
		out.Type = workflow.ActionScript
		out.Code = spec.Script
		language := spec.Language
		if language == "" {
			language = string(workflow.LanguageJavaScript)
		}
		if language != string(workflow.LanguageJavaScript) && language != string(workflow.LanguageWasm) {
			return nil, fmt.Errorf("unsupported script language %q", language)
		}
		out.Language = workflow.ScriptLanguage(language)
	case "task":
		if spec.TaskType == "" {
			return nil, fmt.Errorf("task action requires taskType")
		}
		out.Type = workflow.ActionTask
		out.TaskType = spec.TaskType
		payload, err := nodeJSON(spec.Payload)
		if err != nil {
			return nil, fmt.Errorf("invalid task payload: %w", err)
		}
		out.Payload = payload
	case "http":
		if spec.URL == "" {
			return nil, fmt.Errorf("http action requires url")
		}
		out.Type = workflow.ActionHTTP
		out.URL = spec.URL
		out.Method = spec.Method
		out.Headers = spec.Headers
		body, err := nodeJSON(spec.Body)
		if err != nil {
			return nil, fmt.Errorf("invalid http body: %w", err)
		}
		out.Body = body
	case "delay":
		if spec.Delay == "" {
			return nil, fmt.Errorf("delay action requires delay duration")
		}
		d, err := ParseISO8601Duration(spec.Delay)
		if err != nil {
			return nil, err
		}
		out.Type = workflow.ActionDelay
		out.Seconds = int64(d.Seconds())
	default:
		return nil, fmt.Errorf("unknown action type %q", spec.Type)
	}
	return out, nil
}

// nodeJSON converts a YAML payload node into canonical JSON.
func nodeJSON(node *yaml.Node) (json.RawMessage, error) {
	if node == nil || node.Kind == 0 {
		return nil, nil
	}
	var value interface{}
	if err := node.Decode(&value); err != nil {
		return nil, err
	}
	return json.Marshal(value)
}
