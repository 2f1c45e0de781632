package mapping_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MohamedAnouar/containerproxy/pkg/mapping"
)

func TestInsert_RejectsDuplicateTargetName(t *testing.T) {
	m := mapping.New()

	require.NoError(t, m.Insert("u", "http://c1/", "proxy-1"))
	err := m.Insert("u", "http://c2/", "proxy-2")
	assert.Error(t, err)
	assert.Equal(t, 1, m.Len())
}

func TestRemoveAll_RemovesOnlyOwnedRoutes(t *testing.T) {
	m := mapping.New()

	require.NoError(t, m.Insert("a", "http://a/", "proxy-1"))
	require.NoError(t, m.Insert("b", "http://b/", "proxy-1"))
	require.NoError(t, m.Insert("c", "http://c/", "proxy-2"))

	m.RemoveAll("proxy-1")

	_, ok := m.Get("a")
	assert.False(t, ok)
	_, ok = m.Get("b")
	assert.False(t, ok)
	_, ok = m.Get("c")
	assert.True(t, ok)
	assert.Equal(t, 1, m.Len())
}

func TestGet_UnknownNameNotOK(t *testing.T) {
	m := mapping.New()
	_, ok := m.Get("missing")
	assert.False(t, ok)
}
