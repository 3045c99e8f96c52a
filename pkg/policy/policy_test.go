package policy

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linlogge/degov/pkg/dsl"
)

func permissionDef(workflowID string, spec dsl.PermissionSpec) *dsl.Definition {
	spec.Workflow = workflowID
	return &dsl.Definition{
		Kind:       dsl.KindPermission,
		Metadata:   dsl.Metadata{ID: "de.berlin/business-registration#permissions", Version: "1"},
		Permission: &spec,
	}
}

func TestAllowWithoutPolicy(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	ok, err := e.Allow(context.Background(), "de.berlin/anything#workflow", "anyone", "submit", "draft")
	require.NoError(t, err)
	assert.True(t, ok, "workflows without a permission definition are unrestricted")
}

func TestRoleRules(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	def := permissionDef("de.berlin/business-registration#workflow", dsl.PermissionSpec{
		Roles: []dsl.RoleSpec{
			{Name: "clerk", Members: []string{"did:key:clerk1"}},
			{Name: "applicant", Members: []string{"did:key:citizen1"}},
		},
		Rules: []dsl.PermissionRule{
			{Events: []string{"submit"}, Roles: []string{"applicant"}, Effect: "allow"},
			{Events: []string{"approve", "reject"}, Roles: []string{"clerk"}, Effect: "allow"},
			{Events: []string{"approve"}, States: []string{"draft"}, Roles: []string{"*"}, Effect: "deny"},
		},
	})
	require.NoError(t, e.LoadPermissions(context.Background(), []*dsl.Definition{def}))
	ctx := context.Background()
	wf := "de.berlin/business-registration#workflow"

	ok, err := e.Allow(ctx, wf, "did:key:citizen1", "submit", "draft")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Allow(ctx, wf, "did:key:citizen1", "approve", "review")
	require.NoError(t, err)
	assert.False(t, ok, "applicant may not approve")

	ok, err = e.Allow(ctx, wf, "did:key:clerk1", "approve", "review")
	require.NoError(t, err)
	assert.True(t, ok)

	// Deny wins over allow even for the clerk.
	ok, err = e.Allow(ctx, wf, "did:key:clerk1", "approve", "draft")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInlineRegoModule(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	def := permissionDef("de.berlin/business-registration#workflow", dsl.PermissionSpec{
		Rego: `package degov

default allow = false

allow if {
	input.event == "submit"
	input.actor != ""
}
`,
	})
	require.NoError(t, e.LoadPermissions(context.Background(), []*dsl.Definition{def}))
	ctx := context.Background()
	wf := "de.berlin/business-registration#workflow"

	ok, err := e.Allow(ctx, wf, "did:key:anyone", "submit", "draft")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Allow(ctx, wf, "did:key:anyone", "approve", "draft")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBadRegoRejectedAtLoad(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	def := permissionDef("de.berlin/business-registration#workflow", dsl.PermissionSpec{
		Rego: "package degov\nallow if {",
	})
	err := e.LoadPermissions(context.Background(), []*dsl.Definition{def})
	assert.Error(t, err)
}
