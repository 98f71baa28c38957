package modhost

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogRegister(t *testing.T) {
	catalog, err := NewCatalog(
		testModule("a", []ContextName{ContextBackground}),
		testModule("b", []ContextName{ContextPage}),
		testModule("c", []ContextName{ContextBackground, ContextPage}),
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, catalog.Names())
	assert.Len(t, catalog.Manifests(), 3)

	var names []string
	for _, m := range catalog.ForContext(ContextPage) {
		names = append(names, m.Manifest().Name)
	}
	assert.Equal(t, []string{"b", "c"}, names)
	assert.Empty(t, catalog.ForContext(ContextOffscreen))

	m, ok := catalog.Lookup("c")
	require.True(t, ok)
	assert.True(t, m.Manifest().RunsIn(ContextBackground))
	_, ok = catalog.Lookup("z")
	assert.False(t, ok)
}

func TestCatalogRejects(t *testing.T) {
	catalog := &Catalog{}
	require.NoError(t, catalog.Register(testModule("a", []ContextName{ContextBackground})))

	assert.ErrorIs(t, catalog.Register(testModule("a", []ContextName{ContextPage})), ErrModuleAlreadyRegistered)
	assert.ErrorIs(t, catalog.Register(testModule("", []ContextName{ContextPage})), ErrModuleNameEmpty)
	assert.ErrorIs(t, catalog.Register(testModule("b", nil)), ErrModuleNoContexts)
	assert.ErrorIs(t, catalog.Register(nil), ErrModuleNil)

	_, err := NewCatalog(testModule("x", nil))
	assert.ErrorIs(t, err, ErrModuleNoContexts)
}
