// Package proxytypes defines the immutable value types that make up the
// proxy lifecycle data model: Proxy, Container, ProxySpec, RuntimeValue,
// Seat and DelegateProxy. Mutation is always by producing a new value —
// the authoritative current version lives in a ProxyStore implementation.
package proxytypes

import "time"

// RuntimeValueKey identifies a well-known runtime value slot. Keys are
// interned strings rather than an open string space so that expression
// contexts and RuntimeValueService implementations can exhaustively
// switch over them.
type RuntimeValueKey string

// RuntimeValue is a single (key, value) pair optionally exposed to the
// container as an environment variable.
type RuntimeValue struct {
	Key           RuntimeValueKey
	Value         any
	IncludeAsEnv  bool
	EnvVar        string
}

// RuntimeValues is a keyed collection of RuntimeValue, copy-on-write by
// convention: callers that need to add or override a value call With,
// never mutate a shared map in place.
type RuntimeValues map[RuntimeValueKey]RuntimeValue

// With returns a new RuntimeValues containing the receiver's entries plus
// v, with v winning on key collision.
func (rv RuntimeValues) With(v RuntimeValue) RuntimeValues {
	out := make(RuntimeValues, len(rv)+1)
	for k, existing := range rv {
		out[k] = existing
	}
	out[v.Key] = v
	return out
}

// Merge returns a new RuntimeValues with other's entries applied on top
// of the receiver's.
func (rv RuntimeValues) Merge(other RuntimeValues) RuntimeValues {
	out := make(RuntimeValues, len(rv)+len(other))
	for k, v := range rv {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Container is a single started (or not-yet-started) unit within a Proxy,
// at a stable ordinal position defined by the owning ProxySpec.
type Container struct {
	Index         int
	ID            string // backend-assigned; empty until the backend returns
	RuntimeValues RuntimeValues
	Targets       map[string]string // route-name -> absolute URI
}

// Proxy is the immutable value describing one running (or starting, or
// stopping) user proxy or pool delegate. The authoritative version is
// whatever ProxyStore currently holds for this id; every mutation here
// produces a new Proxy rather than editing in place.
type Proxy struct {
	ID               string
	TargetID         string // delegated proxy id for shared specs, else == ID
	SpecID           string
	UserID           string
	DisplayName      string
	Status           Status
	CreatedTimestamp int64
	StartupTimestamp int64 // 0 until Up
	Containers       []Container
	RuntimeValues    RuntimeValues
	Targets          map[string]string // route-name -> absolute URI, derived from Containers

	// ResolvedContainerSpecs is the ContainerSpec set as it stood after
	// FinalResolve ran with this proxy's own Targets in scope — the
	// record of what "${...proxy.targets...}" placeholders evaluated to
	// once containers existed. Nil until FinalResolve has run.
	ResolvedContainerSpecs []ContainerSpec

	// Version is an opaque optimistic-concurrency token maintained by the
	// backing ProxyStore; callers must have observed the current version
	// before a mutation will be accepted.
	Version uint64
}

// WithStatus returns a copy of p with Status replaced.
func (p Proxy) WithStatus(s Status) Proxy {
	p.Status = s
	return p
}

// WithRuntimeValues returns a copy of p with RuntimeValues replaced.
func (p Proxy) WithRuntimeValues(rv RuntimeValues) Proxy {
	p.RuntimeValues = rv
	return p
}

// WithContainers returns a copy of p with Containers replaced and Targets
// recomputed from them.
func (p Proxy) WithContainers(containers []Container) Proxy {
	p.Containers = containers
	targets := make(map[string]string)
	for _, c := range containers {
		for name, uri := range c.Targets {
			targets[name] = uri
		}
	}
	p.Targets = targets
	return p
}

// TargetNames returns the route target names this proxy currently owns,
// used by MappingManager bookkeeping. The order is that of map
// iteration and is not defined.
func (p Proxy) TargetNames() []string {
	names := make([]string, 0, len(p.Targets))
	for name := range p.Targets {
		names = append(names, name)
	}
	return names
}

// ContainerSpec is one ordered container template within a ProxySpec.
// String fields may carry CEL expressions delimited by "${" "}" that the
// SpecResolver evaluates against a SpecExpressionContext.
type ContainerSpec struct {
	Image string
	Env   map[string]string
	Cmd   []string
}

// ProxySharingSpecExtension configures seat-pool pre-warming for a spec.
type ProxySharingSpecExtension struct {
	MinimumSeatsAvailable int
	MaximumSeatsAvailable int
}

// AccessControlSpec restricts who may start a given ProxySpec.
type AccessControlSpec struct {
	Users  []string
	Groups []string
}

// Empty reports whether the access-control block carries no restriction,
// in which case AccessControl treats the spec as open to all users.
func (a *AccessControlSpec) Empty() bool {
	return a == nil || (len(a.Users) == 0 && len(a.Groups) == 0)
}

// ParameterSchema describes one user-overridable start parameter.
type ParameterSchema struct {
	Name     string
	Required bool
	Values   []string // allow-list; empty means any value is accepted
}

// ProxySpec is the declarative, immutable-once-registered template a
// Proxy is built from.
type ProxySpec struct {
	ID             string
	DisplayName    string
	ContainerSpecs []ContainerSpec
	AccessControl  *AccessControlSpec
	Sharing        *ProxySharingSpecExtension
	Parameters     []ParameterSchema

	// Generation increments every time a spec file is reloaded with the
	// same ID; it does not change the meaning of an already-running
	// proxy built from an earlier generation.
	Generation int
}

// Shared reports whether this spec is configured for pool pre-warming.
func (s *ProxySpec) Shared() bool {
	return s != nil && s.Sharing != nil
}

// Seat is a reservation of one pre-warmed DelegateProxy that a user Proxy
// can atomically claim. A seat is unclaimed until some delegating proxy
// references it.
type Seat struct {
	ID              string
	SpecID          string
	DelegateProxyID string
	CreatedAt       time.Time
}

// DelegateProxy is a pool-owned Proxy whose lifetime is managed
// exclusively by the ProxySharingScaler of its spec, never by a user
// request path.
type DelegateProxy struct {
	Proxy   Proxy
	SeatIDs map[string]struct{}
}

// Clone returns a deep-enough copy of d suitable for copy-on-write
// mutation of SeatIDs.
func (d DelegateProxy) Clone() DelegateProxy {
	seats := make(map[string]struct{}, len(d.SeatIDs))
	for id := range d.SeatIDs {
		seats[id] = struct{}{}
	}
	d.SeatIDs = seats
	return d
}
