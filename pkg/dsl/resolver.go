package dsl

import (
	"fmt"
	"sort"
	"strings"
)

// CircularDependencyError reports an inheritance cycle with its full path.
type CircularDependencyError struct {
	Path []string
}

func (e *CircularDependencyError) Error() string {
	return "circular inheritance: " + strings.Join(e.Path, " -> ")
}

// MissingParentError reports an inherits reference with no definition.
type MissingParentError struct {
	Child  string
	Parent string
}

func (e *MissingParentError) Error() string {
	return fmt.Sprintf("missing parent %q inherited by %q", e.Parent, e.Child)
}

// Resolver merges multi-parent inheritance of data models and workflows
// into canonical definitions. The inheritance relation forms a DAG with
// child -> parent edges; parents merge before children.
type Resolver struct {
	byID map[string]*Definition
}

// NewResolver indexes the given definitions by NSID.
func NewResolver(defs []*Definition) *Resolver {
	byID := make(map[string]*Definition, len(defs))
	for _, def := range defs {
		byID[def.Metadata.ID.String()] = def
	}
	return &Resolver{byID: byID}
}

// Get returns a definition by NSID.
func (r *Resolver) Get(nsid string) (*Definition, bool) {
	def, ok := r.byID[nsid]
	return def, ok
}

// Resolve merges every data model and workflow and returns the full set
// of definitions with inheritance flattened. Cycle detection runs before
// any merge.
func (r *Resolver) Resolve() ([]*Definition, error) {
	order, err := r.topologicalOrder()
	if err != nil {
		return nil, err
	}

	resolved := make(map[string]*Definition, len(r.byID))
	out := make([]*Definition, 0, len(r.byID))
	// Parents first: order is parent-before-child.
	for _, nsid := range order {
		def := r.byID[nsid]
		merged, err := r.resolveOne(def, resolved)
		if err != nil {
			return nil, err
		}
		resolved[nsid] = merged
		out = append(out, merged)
	}
	return out, nil
}

// parentsOf returns the inheritance edges of a definition.
func parentsOf(def *Definition) []string {
	switch {
	case def.DataModel != nil:
		return def.DataModel.Inherits
	case def.Workflow != nil:
		return def.Workflow.Inherits
	default:
		return nil
	}
}

// topologicalOrder sorts all definitions parent-before-child, failing
// with the full cycle path when the graph is not a DAG.
func (r *Resolver) topologicalOrder() ([]string, error) {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(r.byID))
	var order []string
	var stack []string

	var visit func(nsid string) error
	visit = func(nsid string) error {
		switch state[nsid] {
		case done:
			return nil
		case visiting:
			// Close the cycle for the report.
			start := 0
			for i, s := range stack {
				if s == nsid {
					start = i
					break
				}
			}
			path := append(append([]string{}, stack[start:]...), nsid)
			return &CircularDependencyError{Path: path}
		}
		state[nsid] = visiting
		stack = append(stack, nsid)

		def, ok := r.byID[nsid]
		if !ok {
			return &MissingParentError{Child: stack[len(stack)-2], Parent: nsid}
		}
		for _, parent := range parentsOf(def) {
			if err := visit(parent); err != nil {
				return err
			}
		}

		stack = stack[:len(stack)-1]
		state[nsid] = done
		order = append(order, nsid)
		return nil
	}

	// Deterministic iteration: sorted NSIDs.
	ids := make([]string, 0, len(r.byID))
	for nsid := range r.byID {
		ids = append(ids, nsid)
	}
	sort.Strings(ids)
	for _, nsid := range ids {
		if err := visit(nsid); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// resolveOne merges a single definition over its already-resolved parents.
func (r *Resolver) resolveOne(def *Definition, resolved map[string]*Definition) (*Definition, error) {
	parents := parentsOf(def)
	if len(parents) == 0 {
		return def, nil
	}
	switch {
	case def.DataModel != nil:
		return r.resolveDataModel(def, parents, resolved)
	case def.Workflow != nil:
		return r.resolveWorkflow(def, parents, resolved)
	default:
		return def, nil
	}
}

// resolveDataModel applies the merge rules: properties union with child
// replacing parents wholesale on collision; required is the set union;
// indexes and computed fields key by name with child override; between
// parents the earlier-declared parent wins.
func (r *Resolver) resolveDataModel(def *Definition, parents []string, resolved map[string]*Definition) (*Definition, error) {
	merged := *def
	spec := *def.DataModel
	var props OrderedProps
	var required []string
	var indexes []Index
	var computed OrderedFields

	for _, parentID := range parents {
		parent, ok := resolved[parentID]
		if !ok || parent.DataModel == nil {
			return nil, &MissingParentError{Child: def.Metadata.ID.String(), Parent: parentID}
		}
		ps := parent.DataModel
		for _, name := range ps.Schema.Properties.Keys {
			if _, exists := props.Get(name); !exists {
				p, _ := ps.Schema.Properties.Get(name)
				props.Set(name, p)
			}
		}
		for _, req := range ps.Schema.Required {
			if !containsString(required, req) {
				required = append(required, req)
			}
		}
		for _, idx := range ps.Indexes {
			if !containsIndex(indexes, idx.Name) {
				indexes = append(indexes, idx)
			}
		}
		for _, name := range ps.Computed.Keys {
			if _, exists := computed.Values[name]; !exists {
				computed.Set(name, ps.Computed.Values[name])
			}
		}
	}

	// The child overrides everything it declares.
	for _, name := range def.DataModel.Schema.Properties.Keys {
		p, _ := def.DataModel.Schema.Properties.Get(name)
		props.Set(name, p)
	}
	for _, req := range def.DataModel.Schema.Required {
		if !containsString(required, req) {
			required = append(required, req)
		}
	}
	for _, idx := range def.DataModel.Indexes {
		indexes = replaceIndex(indexes, idx)
	}
	for _, name := range def.DataModel.Computed.Keys {
		computed.Set(name, def.DataModel.Computed.Values[name])
	}

	spec.Schema.Properties = props
	spec.Schema.Required = required
	spec.Indexes = indexes
	spec.Computed = computed
	spec.Inherits = nil
	merged.DataModel = &spec
	return &merged, nil
}

// resolveWorkflow merges states and transitions by name with the same
// precedence rules as data models; scalar fields fall back to the first
// parent that sets them.
func (r *Resolver) resolveWorkflow(def *Definition, parents []string, resolved map[string]*Definition) (*Definition, error) {
	merged := *def
	spec := *def.Workflow
	var states OrderedStates
	var transitions OrderedTransitions
	initialState := ""
	model := ""

	for _, parentID := range parents {
		parent, ok := resolved[parentID]
		if !ok || parent.Workflow == nil {
			return nil, &MissingParentError{Child: def.Metadata.ID.String(), Parent: parentID}
		}
		ps := parent.Workflow
		for _, name := range ps.States.Keys {
			if _, exists := states.Values[name]; !exists {
				states.Set(name, ps.States.Values[name])
			}
		}
		for _, name := range ps.Transitions.Keys {
			if _, exists := transitions.Values[name]; !exists {
				transitions.Set(name, ps.Transitions.Values[name])
			}
		}
		if initialState == "" {
			initialState = ps.InitialState
		}
		if model == "" {
			model = ps.Model
		}
	}

	for _, name := range def.Workflow.States.Keys {
		states.Set(name, def.Workflow.States.Values[name])
	}
	for _, name := range def.Workflow.Transitions.Keys {
		transitions.Set(name, def.Workflow.Transitions.Values[name])
	}
	if def.Workflow.InitialState != "" {
		initialState = def.Workflow.InitialState
	}
	if def.Workflow.Model != "" {
		model = def.Workflow.Model
	}

	spec.States = states
	spec.Transitions = transitions
	spec.InitialState = initialState
	spec.Model = model
	spec.Inherits = nil
	merged.Workflow = &spec
	return &merged, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsIndex(list []Index, name string) bool {
	for _, v := range list {
		if v.Name == name {
			return true
		}
	}
	return false
}

// replaceIndex replaces the index with the same name or appends.
func replaceIndex(list []Index, idx Index) []Index {
	for i := range list {
		if list[i].Name == idx.Name {
			list[i] = idx
			return list
		}
	}
	return append(list, idx)
}

