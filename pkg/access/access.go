// Package access implements AccessControl, the pure (user, spec) gate
// consulted at the top of every ProxyService entry point.
package access

import (
	"github.com/MohamedAnouar/containerproxy/pkg/proxytypes"
)

// Auth describes the caller of a ProxyService operation. Nil means
// unauthenticated.
type Auth struct {
	Name   string
	Groups []string

	// Anonymous is true for a request the auth backend let through
	// without identifying a principal (e.g. auth disabled entirely).
	Anonymous bool

	// Enforces is false when the configured auth backend performs no
	// authorization decisions of its own (e.g. a no-op backend) — in
	// that mode CanAccess only rejects a named access-control block
	// for a non-anonymous caller that has no further identity to check.
	Enforces bool

	IsAdmin bool
}

// SpecLookup resolves a spec id to its ProxySpec, used by the
// convenience id-based overload.
type SpecLookup func(specID string) (proxytypes.ProxySpec, bool)

// Control is a stateless predicate evaluator; it holds no mutable
// state and is safe for concurrent use by any number of callers.
type Control struct {
	lookup SpecLookup
}

// New creates a Control that resolves spec ids via lookup.
func New(lookup SpecLookup) *Control {
	return &Control{lookup: lookup}
}

// CanAccess reports whether auth may use spec, per the ordered rule
// list: deny on missing input, allow when the backend does not enforce
// authorization and the caller has nothing further to check, allow on
// an empty access-control block, allow on user/group membership,
// otherwise deny. Evaluation is pure — same inputs always yield the
// same result, with no observable side effect.
func (c *Control) CanAccess(auth *Auth, spec *proxytypes.ProxySpec) bool {
	if auth == nil || spec == nil {
		return false
	}

	if !auth.Enforces {
		return auth.Anonymous || spec.AccessControl.Empty()
	}

	if spec.AccessControl.Empty() {
		return true
	}

	for _, u := range spec.AccessControl.Users {
		if u == auth.Name {
			return true
		}
	}

	for _, g := range spec.AccessControl.Groups {
		if auth.inGroup(g) {
			return true
		}
	}

	return false
}

// CanAccessSpecID resolves specID via the configured SpecLookup and
// delegates to CanAccess; an unknown id is always denied.
func (c *Control) CanAccessSpecID(auth *Auth, specID string) bool {
	spec, ok := c.lookup(specID)
	if !ok {
		return false
	}
	return c.CanAccess(auth, &spec)
}

func (a *Auth) inGroup(group string) bool {
	for _, g := range a.Groups {
		if g == group {
			return true
		}
	}
	return false
}
