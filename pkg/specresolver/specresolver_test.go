package specresolver_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MohamedAnouar/containerproxy/pkg/proxytypes"
	"github.com/MohamedAnouar/containerproxy/pkg/specresolver"
)

func TestFirstResolve_SubstitutesProxyField(t *testing.T) {
	r, err := specresolver.New()
	require.NoError(t, err)

	spec := proxytypes.ProxySpec{
		ID: "s1",
		ContainerSpecs: []proxytypes.ContainerSpec{{
			Image: "nginx",
			Env:   map[string]string{"PROXY_ID": "${proxy.id}"},
		}},
	}

	ctx := specresolver.Context{
		Proxy: proxytypes.Proxy{ID: "p-123"},
		Spec:  spec,
	}

	resolved, err := r.FirstResolve(spec, ctx)
	require.NoError(t, err)
	assert.Equal(t, "p-123", resolved.ContainerSpecs[0].Env["PROXY_ID"])
}

func TestFirstResolve_LeavesLiteralStringsUnchanged(t *testing.T) {
	r, err := specresolver.New()
	require.NoError(t, err)

	spec := proxytypes.ProxySpec{
		ID:             "s1",
		ContainerSpecs: []proxytypes.ContainerSpec{{Image: "nginx:latest", Env: map[string]string{"FOO": "bar"}}},
	}

	resolved, err := r.FirstResolve(spec, specresolver.Context{Spec: spec})
	require.NoError(t, err)
	assert.Equal(t, "nginx:latest", resolved.ContainerSpecs[0].Image)
	assert.Equal(t, "bar", resolved.ContainerSpecs[0].Env["FOO"])
}

func TestResolve_AuthPrincipalExpression(t *testing.T) {
	r, err := specresolver.New()
	require.NoError(t, err)

	spec := proxytypes.ProxySpec{
		ID:             "s1",
		ContainerSpecs: []proxytypes.ContainerSpec{{Cmd: []string{"--user=${authPrincipal}"}}},
	}

	ctx := specresolver.Context{Spec: spec, AuthPrincipal: "alice"}
	resolved, err := r.FirstResolve(spec, ctx)
	require.NoError(t, err)
	assert.Equal(t, "--user=alice", resolved.ContainerSpecs[0].Cmd[0])
}

func TestFirstResolve_DefersProxyTargetsExpression(t *testing.T) {
	r, err := specresolver.New()
	require.NoError(t, err)

	spec := proxytypes.ProxySpec{
		ID: "s1",
		ContainerSpecs: []proxytypes.ContainerSpec{{
			Image: "nginx",
			Env:   map[string]string{"UPSTREAM": "${proxy.targets['app']}"},
		}},
	}

	ctx := specresolver.Context{
		Proxy: proxytypes.Proxy{ID: "p-1"}, // no containers yet: Targets is nil
		Spec:  spec,
	}

	firstResolved, err := r.FirstResolve(spec, ctx)
	require.NoError(t, err)
	assert.Equal(t, "${proxy.targets['app']}", firstResolved.ContainerSpecs[0].Env["UPSTREAM"],
		"FirstResolve must leave a proxy.targets reference untouched before containers exist")

	// Once the backend has created the container, Targets is populated
	// and FinalResolve must complete the deferred substitution.
	ctx.Proxy = proxytypes.Proxy{ID: "p-1", Targets: map[string]string{"app": "http://container-1/"}}
	finalResolved, err := r.FinalResolve(firstResolved, ctx)
	require.NoError(t, err)
	assert.Equal(t, "http://container-1/", finalResolved.ContainerSpecs[0].Env["UPSTREAM"])
}

func TestFinalResolve_IsNoOpWhenNoTargetsReference(t *testing.T) {
	r, err := specresolver.New()
	require.NoError(t, err)

	spec := proxytypes.ProxySpec{
		ID:             "s1",
		ContainerSpecs: []proxytypes.ContainerSpec{{Image: "nginx", Env: map[string]string{"PROXY_ID": "${proxy.id}"}}},
	}

	ctx := specresolver.Context{Proxy: proxytypes.Proxy{ID: "p-2"}, Spec: spec}

	firstResolved, err := r.FirstResolve(spec, ctx)
	require.NoError(t, err)

	finalResolved, err := r.FinalResolve(firstResolved, ctx)
	require.NoError(t, err)
	assert.Equal(t, firstResolved.ContainerSpecs[0].Env["PROXY_ID"], finalResolved.ContainerSpecs[0].Env["PROXY_ID"])
}
