// Package runtimevalue implements RuntimeValueService, the two-phase
// injector that populates a Proxy's RuntimeValues before and after
// expression resolution. The before/after split is a deliberate
// contract, not an implementation detail: values referenced by an
// expression must exist before resolution runs, values derived from a
// resolution result can only be computed after.
package runtimevalue

import (
	"fmt"

	"github.com/MohamedAnouar/containerproxy/pkg/proxytypes"
)

// Well-known keys, referenceable from spec expressions and from
// environment-variable bindings on container specs.
const (
	PublicPath = proxytypes.RuntimeValueKey("PUBLIC_PATH")
	UserToken  = proxytypes.RuntimeValueKey("USER_TOKEN")
	SeatID     = proxytypes.RuntimeValueKey("SEAT_ID")
	InstanceID = proxytypes.RuntimeValueKey("INSTANCE_ID")
)

// Service injects runtime values into a Proxy under construction.
// AddRuntimeValuesBeforeSpel runs ahead of expression resolution;
// AddRuntimeValuesAfterSpel runs once the resolved spec (and hence the
// final environment bindings) is known.
type Service interface {
	AddRuntimeValuesBeforeSpel(ctx Context, p proxytypes.Proxy) proxytypes.Proxy
	AddRuntimeValuesAfterSpel(ctx Context, p proxytypes.Proxy) proxytypes.Proxy
}

// Context carries the ambient information a RuntimeValueService needs
// beyond the Proxy itself.
type Context struct {
	PublicPathPrefix string
	UserToken        string
	InstanceID       string
}

// Default is the stock RuntimeValueService: PublicPath and InstanceID
// are available before resolution (they depend only on the proxy id
// and process configuration); UserToken is populated after, mirroring
// the source's practice of deferring anything that might be refreshed
// by an upstream auth provider to the latest possible phase.
type Default struct{}

func NewDefault() Default { return Default{} }

func (Default) AddRuntimeValuesBeforeSpel(ctx Context, p proxytypes.Proxy) proxytypes.Proxy {
	rv := p.RuntimeValues.With(proxytypes.RuntimeValue{
		Key:          PublicPath,
		Value:        fmt.Sprintf("%s%s", ctx.PublicPathPrefix, p.TargetID),
		IncludeAsEnv: true,
		EnvVar:       "PROXY_PUBLIC_PATH",
	})
	rv = rv.With(proxytypes.RuntimeValue{
		Key:          InstanceID,
		Value:        ctx.InstanceID,
		IncludeAsEnv: true,
		EnvVar:       "PROXY_INSTANCE_ID",
	})
	return p.WithRuntimeValues(rv)
}

func (Default) AddRuntimeValuesAfterSpel(ctx Context, p proxytypes.Proxy) proxytypes.Proxy {
	if ctx.UserToken == "" {
		return p
	}
	rv := p.RuntimeValues.With(proxytypes.RuntimeValue{
		Key:          UserToken,
		Value:        ctx.UserToken,
		IncludeAsEnv: true,
		EnvVar:       "PROXY_USER_TOKEN",
	})
	return p.WithRuntimeValues(rv)
}

var _ Service = Default{}
