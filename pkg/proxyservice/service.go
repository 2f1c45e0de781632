// Package proxyservice implements ProxyService, the per-proxy lifecycle
// state machine: startProxy, stopProxy, pauseProxy, resumeProxy and
// addExistingProxy, each returning either an immediate Proxy or a
// deferred Command the caller schedules itself.
package proxyservice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MohamedAnouar/containerproxy/internal/keyedlock"
	"github.com/MohamedAnouar/containerproxy/pkg/access"
	"github.com/MohamedAnouar/containerproxy/pkg/backend"
	"github.com/MohamedAnouar/containerproxy/pkg/eventbus"
	"github.com/MohamedAnouar/containerproxy/pkg/mapping"
	"github.com/MohamedAnouar/containerproxy/pkg/metrics"
	"github.com/MohamedAnouar/containerproxy/pkg/proxytypes"
	"github.com/MohamedAnouar/containerproxy/pkg/runtimevalue"
	"github.com/MohamedAnouar/containerproxy/pkg/specresolver"
	"github.com/MohamedAnouar/containerproxy/pkg/store"
)

// SpecLookup resolves a spec id to its current ProxySpec.
type SpecLookup func(specID string) (proxytypes.ProxySpec, bool)

// Clock is injected so tests can control StartupTimestamp/CreatedTimestamp
// without wall-clock flakiness.
type Clock func() time.Time

// SeatClaimer is the narrow slice of ProxySharingScaler that a shared
// start needs: claim a pre-warmed seat (or register as pending) and
// give up waiting for one. It is declared here rather than imported
// from pkg/scaler so the two packages do not depend on each other —
// *scaler.Scaler satisfies it structurally.
type SeatClaimer interface {
	RequestSeat(ctx context.Context, userID, proxyID string) (proxytypes.Seat, bool, error)
	CancelPending(proxyID string)
}

// SeatClaimerLookup resolves a spec id to the running SeatClaimer
// pooling seats for it, if one is currently running.
type SeatClaimerLookup func(specID string) (SeatClaimer, bool)

// Config holds the process-wide, read-mostly settings ProxyService
// needs. PublicPathPrefix must be set once during startup, never
// mutated at request time (spec.md §9's "global public-path prefix"
// design note).
type Config struct {
	PublicPathPrefix      string
	InstanceID            string
	ProbeDeadline         time.Duration
	ProbeInterval         time.Duration
	StopProxiesOnShutdown bool
}

// Service is the lifecycle engine. It holds no proxy state of its own —
// every read and mutation goes through the injected ProxyStore — and is
// safe for concurrent use by any number of callers.
type Service struct {
	cfg Config

	store         store.ProxyStore
	delegates     store.DelegateProxyStore
	backend       backend.ContainerBackend
	testStrategy  backend.TestStrategy
	access        *access.Control
	runtimeValues runtimevalue.Service
	resolver      *specresolver.Resolver
	bus           eventbus.EventBus
	mapping       *mapping.Manager
	specs         SpecLookup
	seatClaimers  SeatClaimerLookup
	obs           *metrics.Manager
	now           Clock

	locks *keyedlock.Map
}

// New wires a Service from its collaborators. now defaults to
// time.Now when nil.
func New(
	cfg Config,
	proxyStore store.ProxyStore,
	delegates store.DelegateProxyStore,
	cb backend.ContainerBackend,
	ts backend.TestStrategy,
	ac *access.Control,
	rv runtimevalue.Service,
	resolver *specresolver.Resolver,
	bus eventbus.EventBus,
	mappingMgr *mapping.Manager,
	specs SpecLookup,
	seatClaimers SeatClaimerLookup,
	obs *metrics.Manager,
	now Clock,
) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		cfg:           cfg,
		store:         proxyStore,
		delegates:     delegates,
		backend:       cb,
		testStrategy:  ts,
		access:        ac,
		runtimeValues: rv,
		resolver:      resolver,
		bus:           bus,
		mapping:       mappingMgr,
		specs:         specs,
		seatClaimers:  seatClaimers,
		obs:           obs,
		now:           now,
		locks:         keyedlock.New(),
	}
}

// StartProxy validates access and parameters, reserves a New record in
// the store, and returns a Command that drives the proxy to Up (or
// rolls back on any failure). proxyID is caller-supplied so retries
// with the same id are idempotent at the store level.
//
// Specs configured for pool sharing never cold-start a container here:
// the returned Command instead claims a pre-warmed seat from the
// spec's ProxySharingScaler and rebinds this proxy's TargetID to the
// delegate it is handed.
func (s *Service) StartProxy(ctx context.Context, auth *access.Auth, spec proxytypes.ProxySpec, callerRuntimeValues proxytypes.RuntimeValues, proxyID string, parameters map[string]string) (proxytypes.Proxy, Command, error) {
	if !s.access.CanAccess(auth, &spec) {
		return proxytypes.Proxy{}, nil, ErrAccessDenied(authName(auth), spec.ID)
	}

	rv, err := s.processParameters(spec, callerRuntimeValues, parameters)
	if err != nil {
		return proxytypes.Proxy{}, nil, err
	}

	if proxyID == "" {
		proxyID = uuid.NewString()
	}

	p := proxytypes.Proxy{
		ID:               proxyID,
		TargetID:         proxyID,
		SpecID:           spec.ID,
		UserID:           authName(auth),
		DisplayName:      spec.DisplayName,
		Status:           proxytypes.StatusNew,
		CreatedTimestamp: s.now().UnixMilli(),
		RuntimeValues:    rv,
	}

	p, err = s.store.Insert(ctx, p)
	if err != nil {
		return proxytypes.Proxy{}, nil, ErrInvalidParameters("proxy id already in use", err).WithContext("proxy_id", proxyID)
	}

	if spec.Shared() {
		claimer, ok := s.seatClaimers(spec.ID)
		if !ok {
			s.failStart(ctx, p, fmt.Errorf("no pool scaler running for spec %s", spec.ID))
			return proxytypes.Proxy{}, nil, ErrProxyFailedToStart(p.ID, fmt.Errorf("pool scaler not running for spec %s", spec.ID))
		}

		cmd := func(ctx context.Context) error {
			return s.runClaim(ctx, p, spec, auth, claimer)
		}
		return p, cmd, nil
	}

	cmd := func(ctx context.Context) error {
		return s.runStart(ctx, p, spec, auth)
	}

	return p, cmd, nil
}

func (s *Service) runStart(ctx context.Context, p proxytypes.Proxy, spec proxytypes.ProxySpec, auth *access.Auth) error {
	unlock := s.locks.Lock(p.ID)
	defer unlock()

	ctx, span := s.obs.StartSpan(ctx, "proxyservice.runStart", spec.ID)
	defer func() { metrics.EndSpan(span, nil) }()

	start := s.now()

	started, err := s.prepareAndStart(ctx, p, spec, auth)
	if err != nil {
		s.obs.ObserveStartFailure(spec.ID)
		metrics.EndSpan(span, err)
		return err
	}

	s.obs.ObserveStart(spec.ID, s.now().Sub(start))

	s.registerRoutes(started)
	s.bus.Publish(ctx, proxytypes.NewProxyStartEvent(started.ID, started.UserID, started.SpecID, ""))
	return nil
}

// prepareAndStart runs the before-start half of spec resolution, the
// backend start call and the readiness probe, then the after-start
// half of spec resolution — rolling back (stop container best-effort,
// remove record, publish ProxyStartFailedEvent) on any failure.
func (s *Service) prepareAndStart(ctx context.Context, p proxytypes.Proxy, spec proxytypes.ProxySpec, auth *access.Auth) (proxytypes.Proxy, error) {
	reserved := p
	p, firstSpec, rvCtx, exprCtx, err := s.prepareProxyBeforeStart(ctx, p, spec, auth)
	if err != nil {
		s.failStart(ctx, reserved, err)
		return proxytypes.Proxy{}, err
	}

	p = p.WithStatus(proxytypes.StatusStarting)
	p, err = s.store.CompareAndSwap(ctx, p, p.Version)
	if err != nil {
		s.failStart(ctx, reserved, err)
		return proxytypes.Proxy{}, ErrProxyFailedToStart(reserved.ID, err)
	}

	started, err := s.backend.StartProxy(ctx, p, firstSpec)
	if err != nil {
		var fte *backend.FailedToStartError
		if errors.As(err, &fte) {
			_ = s.backend.StopProxy(ctx, fte.Partial)
		}
		s.failStart(ctx, p, err)
		return proxytypes.Proxy{}, ErrProxyFailedToStart(p.ID, err)
	}

	if !backend.RetryReadiness(ctx, s.testStrategy, started, s.cfg.ProbeDeadline, s.cfg.ProbeInterval) {
		_ = s.backend.StopProxy(ctx, started)
		s.failStart(ctx, started, fmt.Errorf("readiness probe did not succeed within deadline"))
		return proxytypes.Proxy{}, ErrProxyFailedToStart(started.ID, fmt.Errorf("not responding"))
	}

	finished, err := s.finishProxyAfterStart(started, firstSpec, rvCtx, exprCtx)
	if err != nil {
		_ = s.backend.StopProxy(ctx, started)
		s.failStart(ctx, started, err)
		return proxytypes.Proxy{}, ErrProxyFailedToStart(started.ID, err)
	}
	started = finished

	started = started.WithStatus(proxytypes.StatusUp)
	started.StartupTimestamp = s.now().UnixMilli()
	stored, err := s.store.CompareAndSwap(ctx, started, started.Version)
	if err != nil {
		_ = s.backend.StopProxy(ctx, started)
		s.failStart(ctx, started, err)
		return proxytypes.Proxy{}, ErrProxyFailedToStart(started.ID, err)
	}

	return stored, nil
}

// prepareProxyBeforeStart runs the RuntimeValueService/backend before-
// SpEL hooks and the deferred first SpecResolver pass: any expression
// referencing proxy.targets is left unresolved here, since the backend
// has not yet created this proxy's containers and therefore cannot
// know them.
func (s *Service) prepareProxyBeforeStart(ctx context.Context, p proxytypes.Proxy, spec proxytypes.ProxySpec, auth *access.Auth) (proxytypes.Proxy, proxytypes.ProxySpec, runtimevalue.Context, specresolver.Context, error) {
	rvCtx := runtimevalue.Context{
		PublicPathPrefix: s.cfg.PublicPathPrefix,
		InstanceID:       s.cfg.InstanceID,
		UserToken:        authToken(auth),
	}

	p = s.runtimeValues.AddRuntimeValuesBeforeSpel(rvCtx, p)

	var err error
	p, err = s.backend.AddRuntimeValuesBeforeSpel(ctx, p, spec)
	if err != nil {
		return proxytypes.Proxy{}, proxytypes.ProxySpec{}, runtimevalue.Context{}, specresolver.Context{}, ErrProxyFailedToStart(p.ID, err)
	}

	exprCtx := specresolver.Context{
		Proxy:           p,
		Spec:            spec,
		AuthPrincipal:   authName(auth),
		AuthCredentials: authCredentials(auth),
	}

	firstSpec, err := s.resolver.FirstResolve(spec, exprCtx)
	if err != nil {
		return proxytypes.Proxy{}, proxytypes.ProxySpec{}, runtimevalue.Context{}, specresolver.Context{}, ErrProxyFailedToStart(p.ID, err)
	}

	return p, firstSpec, rvCtx, exprCtx, nil
}

// finishProxyAfterStart runs once started's containers (and therefore
// Targets) exist: it re-resolves firstSpec against started, completing
// whatever proxy.targets-referencing fields prepareProxyBeforeStart
// deferred, then runs the after-SpEL runtime-value hook.
func (s *Service) finishProxyAfterStart(started proxytypes.Proxy, firstSpec proxytypes.ProxySpec, rvCtx runtimevalue.Context, exprCtx specresolver.Context) (proxytypes.Proxy, error) {
	exprCtx.Proxy = started
	exprCtx.Spec = firstSpec

	finalSpec, err := s.resolver.FinalResolve(firstSpec, exprCtx)
	if err != nil {
		return proxytypes.Proxy{}, err
	}
	started.ResolvedContainerSpecs = finalSpec.ContainerSpecs

	started = s.runtimeValues.AddRuntimeValuesAfterSpel(rvCtx, started)
	return started, nil
}

// prepareProxyForStart runs both SpecResolver phases back to back
// against the same Proxy, used by ResumeProxy where containers (and
// Targets) already exist before the call — there is nothing left for
// a second, later pass to observe that the first did not.
func (s *Service) prepareProxyForStart(ctx context.Context, p proxytypes.Proxy, spec proxytypes.ProxySpec, auth *access.Auth) (proxytypes.Proxy, proxytypes.ProxySpec, error) {
	p, firstSpec, rvCtx, exprCtx, err := s.prepareProxyBeforeStart(ctx, p, spec, auth)
	if err != nil {
		return proxytypes.Proxy{}, proxytypes.ProxySpec{}, err
	}

	finished, err := s.finishProxyAfterStart(p, firstSpec, rvCtx, exprCtx)
	if err != nil {
		return proxytypes.Proxy{}, proxytypes.ProxySpec{}, err
	}

	return finished, firstSpec, nil
}

// runClaim drives the claim-handoff half of a shared-spec start: it
// transitions through Claiming while waitForSeat obtains a delegate
// (immediately or via a bounded retry against SeatClaimedEvent), then
// rebinds the reservation onto that delegate's containers.
func (s *Service) runClaim(ctx context.Context, p proxytypes.Proxy, spec proxytypes.ProxySpec, auth *access.Auth, claimer SeatClaimer) error {
	unlock := s.locks.Lock(p.ID)
	defer unlock()

	ctx, span := s.obs.StartSpan(ctx, "proxyservice.runClaim", spec.ID)

	start := s.now()

	claiming, err := s.store.CompareAndSwap(ctx, p.WithStatus(proxytypes.StatusClaiming), p.Version)
	if err != nil {
		s.obs.ObserveStartFailure(spec.ID)
		metrics.EndSpan(span, err)
		s.failStart(ctx, p, err)
		return ErrProxyFailedToStart(p.ID, err)
	}
	p = claiming

	delegateID, err := s.waitForSeat(ctx, claimer, p)
	if err != nil {
		claimer.CancelPending(p.ID)
		s.obs.ObserveStartFailure(spec.ID)
		metrics.EndSpan(span, err)
		s.failStart(ctx, p, err)
		return ErrProxyFailedToStart(p.ID, err)
	}

	delegate, err := s.delegates.Get(ctx, delegateID)
	if err != nil {
		s.obs.ObserveStartFailure(spec.ID)
		metrics.EndSpan(span, err)
		s.failStart(ctx, p, err)
		return ErrProxyFailedToStart(p.ID, err)
	}

	bound, err := s.bindToDelegate(p, spec, auth, delegate)
	if err != nil {
		s.obs.ObserveStartFailure(spec.ID)
		metrics.EndSpan(span, err)
		s.failStart(ctx, p, err)
		return err
	}

	stored, err := s.store.CompareAndSwap(ctx, bound, bound.Version)
	if err != nil {
		s.obs.ObserveStartFailure(spec.ID)
		metrics.EndSpan(span, err)
		s.failStart(ctx, bound, err)
		return ErrProxyFailedToStart(bound.ID, err)
	}
	bound = stored

	s.obs.ObserveStart(spec.ID, s.now().Sub(start))
	metrics.EndSpan(span, nil)

	s.registerRoutes(bound)
	s.bus.Publish(ctx, proxytypes.NewProxyStartEvent(bound.ID, bound.UserID, bound.SpecID, bound.TargetID))
	return nil
}

// waitForSeat attempts an immediate claim, then — on a miss — retries
// each time it observes a SeatClaimedEvent for this spec, until
// cfg.ProbeDeadline elapses. It returns the claimed delegate's proxy
// id.
func (s *Service) waitForSeat(ctx context.Context, claimer SeatClaimer, p proxytypes.Proxy) (string, error) {
	seat, ok, err := claimer.RequestSeat(ctx, p.UserID, p.ID)
	if err != nil {
		return "", err
	}
	if ok {
		return seat.DelegateProxyID, nil
	}

	eventCh, cancelSub := s.bus.Subscribe(16)
	defer cancelSub()

	timeout := time.NewTimer(s.cfg.ProbeDeadline)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()

		case <-timeout.C:
			return "", fmt.Errorf("timed out waiting for a seat on spec %s", p.SpecID)

		case event, chOk := <-eventCh:
			if !chOk {
				return "", fmt.Errorf("event bus closed while waiting for a seat on spec %s", p.SpecID)
			}
			if event.SpecID != p.SpecID || event.Type != proxytypes.EventSeatClaimed {
				continue
			}
			seat, ok, err := claimer.RequestSeat(ctx, p.UserID, p.ID)
			if err != nil {
				return "", err
			}
			if ok {
				return seat.DelegateProxyID, nil
			}
		}
	}
}

// bindToDelegate rebinds p onto an already-running delegate: its
// Containers (and therefore Targets) are known up front, so both
// SpecResolver phases observe the same Proxy and naturally agree —
// unlike a cold start, there is nothing left to defer.
func (s *Service) bindToDelegate(p proxytypes.Proxy, spec proxytypes.ProxySpec, auth *access.Auth, delegate proxytypes.DelegateProxy) (proxytypes.Proxy, error) {
	rvCtx := runtimevalue.Context{
		PublicPathPrefix: s.cfg.PublicPathPrefix,
		InstanceID:       s.cfg.InstanceID,
		UserToken:        authToken(auth),
	}

	p = s.runtimeValues.AddRuntimeValuesBeforeSpel(rvCtx, p)

	bound := p.WithContainers(delegate.Proxy.Containers)
	bound.TargetID = delegate.Proxy.ID
	bound.StartupTimestamp = delegate.Proxy.StartupTimestamp

	exprCtx := specresolver.Context{
		Proxy:           bound,
		Spec:            spec,
		AuthPrincipal:   authName(auth),
		AuthCredentials: authCredentials(auth),
	}

	firstSpec, err := s.resolver.FirstResolve(spec, exprCtx)
	if err != nil {
		return proxytypes.Proxy{}, ErrProxyFailedToStart(bound.ID, err)
	}
	exprCtx.Spec = firstSpec
	finalSpec, err := s.resolver.FinalResolve(firstSpec, exprCtx)
	if err != nil {
		return proxytypes.Proxy{}, ErrProxyFailedToStart(bound.ID, err)
	}
	bound.ResolvedContainerSpecs = finalSpec.ContainerSpecs

	bound = bound.WithStatus(proxytypes.StatusUp)
	bound = s.runtimeValues.AddRuntimeValuesAfterSpel(rvCtx, bound)

	return bound, nil
}

// failStart rolls back a reservation: route removal, store removal, and
// a single ProxyStartFailedEvent. It does not stop any container;
// callers that got as far as a backend start stop it themselves first.
func (s *Service) failStart(ctx context.Context, p proxytypes.Proxy, _ error) {
	s.mapping.RemoveAll(p.ID)
	_ = s.store.Delete(ctx, p.ID)
	s.bus.Publish(ctx, proxytypes.NewProxyStartFailedEvent(p.ID, p.UserID, p.SpecID))
}

func (s *Service) registerRoutes(p proxytypes.Proxy) {
	for name, uri := range p.Targets {
		_ = s.mapping.Insert(name, uri, p.TargetID)
	}
}

// StopProxy transitions p to Stopping and unregisters its routes
// synchronously (so no new request can race the teardown), then returns
// a Command that stops the backend container, marks Stopped, publishes
// ProxyStopEvent and removes the record. Backend failure during stop is
// logged only — it must never block removal.
func (s *Service) StopProxy(ctx context.Context, auth *access.Auth, p proxytypes.Proxy, ignoreAccess bool) (proxytypes.Proxy, Command, error) {
	if !ignoreAccess && !s.canMutate(auth, p) {
		return proxytypes.Proxy{}, nil, ErrAccessDenied(authName(auth), p.SpecID)
	}

	if !proxytypes.CanTransition(p.Status, proxytypes.StatusStopping) {
		return proxytypes.Proxy{}, nil, ErrIllegalState(p.ID, p.Status, proxytypes.StatusStopping)
	}

	p = p.WithStatus(proxytypes.StatusStopping)
	p, err := s.store.CompareAndSwap(ctx, p, p.Version)
	if err != nil {
		return proxytypes.Proxy{}, nil, ErrIllegalState(p.ID, p.Status, proxytypes.StatusStopping).WithCause(err)
	}

	s.mapping.RemoveAll(p.TargetID)

	cmd := func(ctx context.Context) error {
		return s.runStop(ctx, p)
	}

	return p, cmd, nil
}

func (s *Service) runStop(ctx context.Context, p proxytypes.Proxy) error {
	unlock := s.locks.Lock(p.ID)
	defer unlock()

	ctx, span := s.obs.StartSpan(ctx, "proxyservice.runStop", p.SpecID)
	defer func() { metrics.EndSpan(span, nil) }()

	// A proxy bound to a shared delegate owns no container of its own —
	// stopping it here would tear down the pool's delegate out from
	// under every other delegating proxy, so only a cold-started proxy
	// (TargetID == ID) actually reaches the backend.
	if p.TargetID == p.ID {
		if err := s.backend.StopProxy(ctx, p); err != nil {
			// Logged only: the in-memory truth must converge with the
			// user's intent to let go of the proxy even if the cluster is
			// unreachable (spec.md §7).
			logStopFailure(p.ID, err)
		}
	}

	var usage *time.Duration
	if p.StartupTimestamp != 0 {
		d := time.Duration(s.now().UnixMilli()-p.StartupTimestamp) * time.Millisecond
		usage = &d
	}

	p = p.WithStatus(proxytypes.StatusStopped)
	_, _ = s.store.CompareAndSwap(ctx, p, p.Version)

	s.obs.ObserveStop(p.SpecID)
	s.bus.Publish(ctx, proxytypes.NewProxyStopEvent(p.ID, p.UserID, p.SpecID, usage))

	return s.store.Delete(ctx, p.ID)
}

// PauseProxy requires backend.SupportsPause; it transitions Up ->
// Pausing, removes routes, then the returned Command pauses the backend
// and transitions Pausing -> Paused.
func (s *Service) PauseProxy(ctx context.Context, auth *access.Auth, p proxytypes.Proxy, ignoreAccess bool) (proxytypes.Proxy, Command, error) {
	if !s.backend.SupportsPause() {
		return proxytypes.Proxy{}, nil, ErrNotSupported("pause")
	}
	if !ignoreAccess && !s.canMutate(auth, p) {
		return proxytypes.Proxy{}, nil, ErrAccessDenied(authName(auth), p.SpecID)
	}
	if !proxytypes.CanTransition(p.Status, proxytypes.StatusPausing) {
		return proxytypes.Proxy{}, nil, ErrIllegalState(p.ID, p.Status, proxytypes.StatusPausing)
	}

	p = p.WithStatus(proxytypes.StatusPausing)
	p, err := s.store.CompareAndSwap(ctx, p, p.Version)
	if err != nil {
		return proxytypes.Proxy{}, nil, ErrIllegalState(p.ID, p.Status, proxytypes.StatusPausing).WithCause(err)
	}

	s.mapping.RemoveAll(p.TargetID)

	cmd := func(ctx context.Context) error {
		return s.runPause(ctx, p)
	}

	return p, cmd, nil
}

func (s *Service) runPause(ctx context.Context, p proxytypes.Proxy) error {
	unlock := s.locks.Lock(p.ID)
	defer unlock()

	ctx, span := s.obs.StartSpan(ctx, "proxyservice.runPause", p.SpecID)

	if err := s.backend.PauseProxy(ctx, p); err != nil {
		metrics.EndSpan(span, err)
		return ErrProxyFailedToStart(p.ID, err)
	}

	p = p.WithStatus(proxytypes.StatusPaused)
	p, err := s.store.CompareAndSwap(ctx, p, p.Version)
	if err != nil {
		metrics.EndSpan(span, err)
		return ErrIllegalState(p.ID, proxytypes.StatusPausing, proxytypes.StatusPaused).WithCause(err)
	}

	metrics.EndSpan(span, nil)
	s.bus.Publish(ctx, proxytypes.NewProxyPauseEvent(p.ID, p.UserID, p.SpecID))
	return nil
}

// ResumeProxy requires backend.SupportsPause. parameters may change
// across a pause; prepareProxyForStart is re-run so expression-derived
// environment values (e.g. a freshly issued user token) reflect the
// current runtime context rather than what was true before the pause.
func (s *Service) ResumeProxy(ctx context.Context, auth *access.Auth, p proxytypes.Proxy, spec proxytypes.ProxySpec, parameters map[string]string, ignoreAccess bool) (proxytypes.Proxy, Command, error) {
	if !s.backend.SupportsPause() {
		return proxytypes.Proxy{}, nil, ErrNotSupported("resume")
	}
	if !ignoreAccess && !s.canMutate(auth, p) {
		return proxytypes.Proxy{}, nil, ErrAccessDenied(authName(auth), p.SpecID)
	}
	if !proxytypes.CanTransition(p.Status, proxytypes.StatusResuming) {
		return proxytypes.Proxy{}, nil, ErrIllegalState(p.ID, p.Status, proxytypes.StatusResuming)
	}

	rv, err := s.processParameters(spec, p.RuntimeValues, parameters)
	if err != nil {
		return proxytypes.Proxy{}, nil, err
	}
	p = p.WithRuntimeValues(rv)

	p = p.WithStatus(proxytypes.StatusResuming)
	p, err = s.store.CompareAndSwap(ctx, p, p.Version)
	if err != nil {
		return proxytypes.Proxy{}, nil, ErrIllegalState(p.ID, p.Status, proxytypes.StatusResuming).WithCause(err)
	}

	cmd := func(ctx context.Context) error {
		return s.runResume(ctx, p, spec, auth)
	}

	return p, cmd, nil
}

func (s *Service) runResume(ctx context.Context, p proxytypes.Proxy, spec proxytypes.ProxySpec, auth *access.Auth) error {
	unlock := s.locks.Lock(p.ID)
	defer unlock()

	ctx, span := s.obs.StartSpan(ctx, "proxyservice.runResume", spec.ID)

	p, _, err := s.prepareProxyForStart(ctx, p, spec, auth)
	if err != nil {
		metrics.EndSpan(span, err)
		s.failStart(ctx, p, err)
		return err
	}

	if err := s.backend.ResumeProxy(ctx, p); err != nil {
		metrics.EndSpan(span, err)
		s.failStart(ctx, p, err)
		return ErrProxyFailedToStart(p.ID, err)
	}

	if !backend.RetryReadiness(ctx, s.testStrategy, p, s.cfg.ProbeDeadline, s.cfg.ProbeInterval) {
		_ = s.backend.StopProxy(ctx, p)
		err := fmt.Errorf("readiness probe did not succeed within deadline")
		metrics.EndSpan(span, err)
		s.failStart(ctx, p, err)
		return ErrProxyFailedToStart(p.ID, fmt.Errorf("not responding"))
	}

	p = p.WithStatus(proxytypes.StatusUp)
	p, err = s.store.CompareAndSwap(ctx, p, p.Version)
	if err != nil {
		metrics.EndSpan(span, err)
		return ErrProxyFailedToStart(p.ID, err)
	}

	metrics.EndSpan(span, nil)
	s.registerRoutes(p)
	s.bus.Publish(ctx, proxytypes.NewProxyResumeEvent(p.ID, p.UserID, p.SpecID))
	return nil
}

// AddExistingProxy registers a proxy already observed running in the
// backend (crash recovery): inserts it and its routes without
// publishing a start event.
func (s *Service) AddExistingProxy(ctx context.Context, p proxytypes.Proxy) (proxytypes.Proxy, error) {
	p, err := s.store.Insert(ctx, p)
	if err != nil {
		return proxytypes.Proxy{}, err
	}
	s.registerRoutes(p)
	return p, nil
}

// Shutdown stops every proxy currently on record when
// cfg.StopProxiesOnShutdown is set, best-effort, so a restart does not
// leave orphaned containers running with no owning process; when the
// flag is unset proxies are left running and the next startup's crash
// recovery (AddExistingProxy) is expected to pick them back up.
func (s *Service) Shutdown(ctx context.Context) error {
	if !s.cfg.StopProxiesOnShutdown {
		return nil
	}

	proxies, err := s.store.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("listing proxies for shutdown: %w", err)
	}

	for _, p := range proxies {
		if p.TargetID == p.ID {
			if err := s.backend.StopProxy(ctx, p); err != nil {
				logStopFailure(p.ID, err)
			}
		}
		s.mapping.RemoveAll(p.TargetID)
		if err := s.store.Delete(ctx, p.ID); err != nil {
			logStopFailure(p.ID, err)
		}
	}

	return nil
}

// processParameters validates user-supplied parameter overrides against
// spec.Parameters and, on success, folds them into rv as environment-
// exposed runtime values keyed by parameter name.
func (s *Service) processParameters(spec proxytypes.ProxySpec, rv proxytypes.RuntimeValues, parameters map[string]string) (proxytypes.RuntimeValues, error) {
	for _, schema := range spec.Parameters {
		value, present := parameters[schema.Name]
		if !present {
			if schema.Required {
				return nil, ErrInvalidParameters(fmt.Sprintf("missing required parameter %q", schema.Name), nil)
			}
			continue
		}
		if len(schema.Values) > 0 && !contains(schema.Values, value) {
			return nil, ErrInvalidParameters(fmt.Sprintf("parameter %q has unsupported value %q", schema.Name, value), nil)
		}
		rv = rv.With(proxytypes.RuntimeValue{
			Key:          proxytypes.RuntimeValueKey("PARAM_" + schema.Name),
			Value:        value,
			IncludeAsEnv: true,
			EnvVar:       schema.Name,
		})
	}

	for name := range parameters {
		if !hasSchema(spec.Parameters, name) {
			return nil, ErrInvalidParameters(fmt.Sprintf("unknown parameter %q", name), nil)
		}
	}

	return rv, nil
}

func (s *Service) canMutate(auth *access.Auth, p proxytypes.Proxy) bool {
	if auth == nil {
		return false
	}
	return auth.IsAdmin || auth.Name == p.UserID
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func hasSchema(schemas []proxytypes.ParameterSchema, name string) bool {
	for _, schema := range schemas {
		if schema.Name == name {
			return true
		}
	}
	return false
}

func authName(auth *access.Auth) string {
	if auth == nil {
		return ""
	}
	return auth.Name
}

func authToken(auth *access.Auth) string {
	if auth == nil {
		return ""
	}
	return auth.Name
}

func authCredentials(auth *access.Auth) map[string]string {
	if auth == nil {
		return nil
	}
	return map[string]string{"name": auth.Name}
}
