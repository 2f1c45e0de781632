package runtimevalue_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/MohamedAnouar/containerproxy/pkg/proxytypes"
	"github.com/MohamedAnouar/containerproxy/pkg/runtimevalue"
)

func TestDefault_BeforeSpelPopulatesPublicPath(t *testing.T) {
	svc := runtimevalue.NewDefault()
	p := proxytypes.Proxy{ID: "p1", TargetID: "p1"}

	p = svc.AddRuntimeValuesBeforeSpel(runtimevalue.Context{PublicPathPrefix: "/api/route/"}, p)

	v, ok := p.RuntimeValues[runtimevalue.PublicPath]
	assert.True(t, ok)
	assert.Equal(t, "/api/route/p1", v.Value)
}

func TestDefault_AfterSpelOnlyAddsTokenWhenPresent(t *testing.T) {
	svc := runtimevalue.NewDefault()
	p := proxytypes.Proxy{ID: "p1"}

	unchanged := svc.AddRuntimeValuesAfterSpel(runtimevalue.Context{}, p)
	_, ok := unchanged.RuntimeValues[runtimevalue.UserToken]
	assert.False(t, ok)

	withToken := svc.AddRuntimeValuesAfterSpel(runtimevalue.Context{UserToken: "tok-1"}, p)
	v, ok := withToken.RuntimeValues[runtimevalue.UserToken]
	assert.True(t, ok)
	assert.Equal(t, "tok-1", v.Value)
}
