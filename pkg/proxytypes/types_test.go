package proxytypes_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/MohamedAnouar/containerproxy/pkg/proxytypes"
)

func TestRuntimeValues_WithDoesNotMutateReceiver(t *testing.T) {
	base := proxytypes.RuntimeValues{}
	withA := base.With(proxytypes.RuntimeValue{Key: "A", Value: 1})

	assert.Len(t, base, 0)
	assert.Len(t, withA, 1)
}

func TestRuntimeValues_WithOverridesOnCollision(t *testing.T) {
	base := proxytypes.RuntimeValues{}.With(proxytypes.RuntimeValue{Key: "A", Value: 1})
	updated := base.With(proxytypes.RuntimeValue{Key: "A", Value: 2})

	assert.Equal(t, 2, updated["A"].Value)
}

func TestProxy_WithContainers_RecomputesTargets(t *testing.T) {
	p := proxytypes.Proxy{ID: "p1"}
	p = p.WithContainers([]proxytypes.Container{
		{Index: 0, Targets: map[string]string{"a": "http://a/"}},
		{Index: 1, Targets: map[string]string{"b": "http://b/"}},
	})

	assert.Equal(t, "http://a/", p.Targets["a"])
	assert.Equal(t, "http://b/", p.Targets["b"])
	assert.ElementsMatch(t, []string{"a", "b"}, p.TargetNames())
}

func TestAccessControlSpec_EmptyOnNil(t *testing.T) {
	var ac *proxytypes.AccessControlSpec
	assert.True(t, ac.Empty())

	ac = &proxytypes.AccessControlSpec{}
	assert.True(t, ac.Empty())

	ac = &proxytypes.AccessControlSpec{Users: []string{"alice"}}
	assert.False(t, ac.Empty())
}

func TestProxySpec_Shared(t *testing.T) {
	unshared := proxytypes.ProxySpec{ID: "s1"}
	assert.False(t, unshared.Shared())

	shared := proxytypes.ProxySpec{ID: "s2", Sharing: &proxytypes.ProxySharingSpecExtension{MinimumSeatsAvailable: 2}}
	assert.True(t, shared.Shared())
}
