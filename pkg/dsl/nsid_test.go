package dsl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNSID(t *testing.T) {
	n, err := ParseNSID("de.berlin/business-registration#workflow")
	require.NoError(t, err)
	assert.Equal(t, "de.berlin", n.Authority())
	assert.Equal(t, "business-registration", n.Entity())
	assert.Equal(t, "workflow", n.Fragment())
	assert.Equal(t, NSID("de.berlin/business-registration"), n.Base())
	assert.False(t, n.IsFederal())
}

func TestNSIDFederal(t *testing.T) {
	n, err := ParseNSID("de.bund/person")
	require.NoError(t, err)
	assert.True(t, n.IsFederal())
	assert.Empty(t, n.Fragment())
}

func TestNSIDMigrationFragment(t *testing.T) {
	_, err := ParseNSID("de.bund/person#migration-001")
	assert.NoError(t, err)
	_, err = ParseNSID("de.bund/person#migration-1")
	assert.Error(t, err)
}

func TestNSIDInvalid(t *testing.T) {
	cases := []string{
		"",
		"noslash",
		"single/entity",          // authority needs two segments
		"de.Berlin/entity",       // uppercase authority
		"de.berlin/Entity",       // uppercase entity
		"de.berlin/bad_entity",   // underscore
		"de.berlin/entity#nope",  // unknown fragment
		"de.berlin/-leading",     // bad kebab
		"de..berlin/entity",      // empty segment
	}
	for _, c := range cases {
		_, err := ParseNSID(c)
		assert.Error(t, err, "expected %q to be rejected", c)
	}
}
