// Package backend defines the ContainerBackend interface the proxy core
// consumes to start, stop, pause and resume the containers underneath a
// Proxy, plus a mock implementation for exercising the state machine
// without a real container runtime driver.
package backend

import (
	"context"
	"fmt"

	"github.com/MohamedAnouar/containerproxy/pkg/proxytypes"
)

// FailedToStartError is returned by StartProxy when the backend could
// not bring the proxy up; it carries whatever partial Proxy state must
// still be cleaned up (e.g. a subset of containers that did start).
type FailedToStartError struct {
	Partial proxytypes.Proxy
	Cause   error
}

func (e *FailedToStartError) Error() string {
	return fmt.Sprintf("backend: proxy failed to start: %v", e.Cause)
}

func (e *FailedToStartError) Unwrap() error {
	return e.Cause
}

// ContainerBackend is all-or-nothing from the caller's perspective:
// StartProxy either returns a Proxy whose containers carry backend ids
// and targets, or it returns a *FailedToStartError.
type ContainerBackend interface {
	// StartProxy starts every container described by spec for proxy p
	// and returns the updated Proxy with Containers populated.
	StartProxy(ctx context.Context, p proxytypes.Proxy, spec proxytypes.ProxySpec) (proxytypes.Proxy, error)

	// StopProxy stops every container belonging to p. Failure is logged
	// by the caller, never surfaced as a reason to keep the store record
	// (spec.md §7: stop failures must not block removal).
	StopProxy(ctx context.Context, p proxytypes.Proxy) error

	// PauseProxy pauses every container belonging to p. Only called when
	// SupportsPause() is true.
	PauseProxy(ctx context.Context, p proxytypes.Proxy) error

	// ResumeProxy resumes every container belonging to p. Only called
	// when SupportsPause() is true.
	ResumeProxy(ctx context.Context, p proxytypes.Proxy) error

	// SupportsPause is a static capability flag — it does not depend on
	// the proxy or spec.
	SupportsPause() bool

	// AddRuntimeValuesBeforeSpel lets the backend inject its own
	// pre-resolution runtime values (e.g. an allocated public hostname),
	// run in the same phase as RuntimeValueService's own pre-SpEL step.
	AddRuntimeValuesBeforeSpel(ctx context.Context, p proxytypes.Proxy, spec proxytypes.ProxySpec) (proxytypes.Proxy, error)
}
