package proxyservice_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MohamedAnouar/containerproxy/pkg/access"
	"github.com/MohamedAnouar/containerproxy/pkg/backend"
	"github.com/MohamedAnouar/containerproxy/pkg/eventbus"
	"github.com/MohamedAnouar/containerproxy/pkg/mapping"
	"github.com/MohamedAnouar/containerproxy/pkg/metrics"
	"github.com/MohamedAnouar/containerproxy/pkg/proxyservice"
	"github.com/MohamedAnouar/containerproxy/pkg/proxytypes"
	"github.com/MohamedAnouar/containerproxy/pkg/runtimevalue"
	"github.com/MohamedAnouar/containerproxy/pkg/specresolver"
	"github.com/MohamedAnouar/containerproxy/pkg/store"
)

type harness struct {
	svc       *proxyservice.Service
	proxies   *store.MemoryProxyStore
	delegates *store.MemoryDelegateProxyStore
	bus       *eventbus.MemoryBus
	mapping   *mapping.Manager
	backend   *backend.MockBackend
	specs     map[string]proxytypes.ProxySpec
	claimers  map[string]proxyservice.SeatClaimer
}

func newHarness(t *testing.T, test backend.TestStrategy) *harness {
	t.Helper()

	resolver, err := specresolver.New()
	require.NoError(t, err)

	obs, err := metrics.New("proxyservice_test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = obs.Shutdown(context.Background()) })

	specs := make(map[string]proxytypes.ProxySpec)
	lookup := func(id string) (proxytypes.ProxySpec, bool) {
		s, ok := specs[id]
		return s, ok
	}

	h := &harness{
		proxies:   store.NewMemoryProxyStore(),
		delegates: store.NewMemoryDelegateProxyStore(),
		bus:       eventbus.NewMemoryBus("test"),
		mapping:   mapping.New(),
		backend:   backend.NewMockBackend(true),
		specs:     specs,
		claimers:  make(map[string]proxyservice.SeatClaimer),
	}

	claimerLookup := func(id string) (proxyservice.SeatClaimer, bool) {
		c, ok := h.claimers[id]
		return c, ok
	}

	cfg := proxyservice.Config{
		PublicPathPrefix: "/api/route/",
		InstanceID:       "instance-1",
		ProbeDeadline:    200 * time.Millisecond,
		ProbeInterval:    10 * time.Millisecond,
	}

	h.svc = proxyservice.New(
		cfg,
		h.proxies,
		h.delegates,
		h.backend,
		test,
		access.New(lookup),
		runtimevalue.NewDefault(),
		resolver,
		h.bus,
		h.mapping,
		lookup,
		claimerLookup,
		obs,
		nil,
	)

	return h
}

func oneContainerSpec() proxytypes.ProxySpec {
	return proxytypes.ProxySpec{
		ID:             "s1",
		ContainerSpecs: []proxytypes.ContainerSpec{{Image: "nginx"}},
		AccessControl:  &proxytypes.AccessControlSpec{Users: []string{"alice"}},
	}
}

func TestStartProxy_HappyPath(t *testing.T) {
	h := newHarness(t, backend.AlwaysReadyTestStrategy{})
	spec := oneContainerSpec()
	h.specs[spec.ID] = spec

	ch, cancel := h.bus.Subscribe(8)
	defer cancel()

	auth := &access.Auth{Name: "alice", Enforces: true}
	_, cmd, err := h.svc.StartProxy(context.Background(), auth, spec, nil, "p-1", nil)
	require.NoError(t, err)

	require.NoError(t, cmd.Run(context.Background()))

	stored, err := h.proxies.Get(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, proxytypes.StatusUp, stored.Status)

	select {
	case event := <-ch:
		assert.Equal(t, proxytypes.EventProxyStart, event.Type)
		assert.Equal(t, "p-1", event.ProxyID)
		assert.Equal(t, "alice", event.UserID)
	case <-time.After(time.Second):
		t.Fatal("expected ProxyStartEvent")
	}
}

func TestStartProxy_Unauthorized(t *testing.T) {
	h := newHarness(t, backend.AlwaysReadyTestStrategy{})
	spec := proxytypes.ProxySpec{ID: "s1", AccessControl: &proxytypes.AccessControlSpec{Groups: []string{"g"}}}
	h.specs[spec.ID] = spec

	bob := &access.Auth{Name: "bob", Enforces: true}
	_, _, err := h.svc.StartProxy(context.Background(), bob, spec, nil, "p-2", nil)
	require.Error(t, err)

	_, getErr := h.proxies.Get(context.Background(), "p-2")
	assert.ErrorIs(t, getErr, store.ErrNotFound)
}

type alwaysFailStrategy struct{}

func (alwaysFailStrategy) TestProxy(context.Context, proxytypes.Proxy) bool { return false }

func TestStartProxy_ProbeFailureRollsBack(t *testing.T) {
	h := newHarness(t, alwaysFailStrategy{})
	spec := oneContainerSpec()
	h.specs[spec.ID] = spec

	ch, cancel := h.bus.Subscribe(8)
	defer cancel()

	auth := &access.Auth{Name: "alice", Enforces: true}
	_, cmd, err := h.svc.StartProxy(context.Background(), auth, spec, nil, "p-3", nil)
	require.NoError(t, err)

	err = cmd.Run(context.Background())
	assert.Error(t, err)

	_, getErr := h.proxies.Get(context.Background(), "p-3")
	assert.ErrorIs(t, getErr, store.ErrNotFound)

	select {
	case event := <-ch:
		assert.Equal(t, proxytypes.EventProxyStartFailed, event.Type)
	case <-time.After(time.Second):
		t.Fatal("expected ProxyStartFailedEvent")
	}
}

func TestPauseResume_PreservesProxyID(t *testing.T) {
	h := newHarness(t, backend.AlwaysReadyTestStrategy{})
	spec := oneContainerSpec()
	h.specs[spec.ID] = spec

	auth := &access.Auth{Name: "alice", Enforces: true}
	ctx := context.Background()

	_, startCmd, err := h.svc.StartProxy(ctx, auth, spec, nil, "p-6", nil)
	require.NoError(t, err)
	require.NoError(t, startCmd.Run(ctx))

	up, err := h.proxies.Get(ctx, "p-6")
	require.NoError(t, err)

	_, pauseCmd, err := h.svc.PauseProxy(ctx, auth, up, false)
	require.NoError(t, err)
	require.NoError(t, pauseCmd.Run(ctx))

	paused, err := h.proxies.Get(ctx, "p-6")
	require.NoError(t, err)
	assert.Equal(t, proxytypes.StatusPaused, paused.Status)
	assert.Equal(t, "p-6", paused.ID)

	_, resumeCmd, err := h.svc.ResumeProxy(ctx, auth, paused, spec, nil, false)
	require.NoError(t, err)
	require.NoError(t, resumeCmd.Run(ctx))

	resumed, err := h.proxies.Get(ctx, "p-6")
	require.NoError(t, err)
	assert.Equal(t, proxytypes.StatusUp, resumed.Status)
	assert.Equal(t, "p-6", resumed.ID)
}

func sharedSpec() proxytypes.ProxySpec {
	return proxytypes.ProxySpec{
		ID:             "shared-1",
		ContainerSpecs: []proxytypes.ContainerSpec{{Image: "nginx"}},
		Sharing:        &proxytypes.ProxySharingSpecExtension{MinimumSeatsAvailable: 1, MaximumSeatsAvailable: 3},
	}
}

// fakeSeatClaimer hands out a fixed seat once hit turns true, letting a
// test simulate the initial-miss-then-SeatClaimedEvent-retry path
// without standing up a real Scaler.
type fakeSeatClaimer struct {
	mu        sync.Mutex
	hit       bool
	seat      proxytypes.Seat
	cancelled []string
}

func (f *fakeSeatClaimer) RequestSeat(ctx context.Context, userID, proxyID string) (proxytypes.Seat, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.hit {
		return proxytypes.Seat{}, false, nil
	}
	return f.seat, true, nil
}

func (f *fakeSeatClaimer) CancelPending(proxyID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, proxyID)
}

func TestStartProxy_SharedSpec_ClaimsSeatImmediately(t *testing.T) {
	h := newHarness(t, backend.AlwaysReadyTestStrategy{})
	spec := sharedSpec()
	h.specs[spec.ID] = spec

	delegate := proxytypes.DelegateProxy{
		Proxy: proxytypes.Proxy{
			ID:         "delegate-1",
			TargetID:   "delegate-1",
			SpecID:     spec.ID,
			Status:     proxytypes.StatusUp,
			Containers: []proxytypes.Container{{Index: 0, ID: "c1", Targets: map[string]string{"route-1": "http://container-1/"}}},
		},
		SeatIDs: map[string]struct{}{"seat-1": {}},
	}
	require.NoError(t, h.delegates.Insert(context.Background(), delegate))

	claimer := &fakeSeatClaimer{hit: true, seat: proxytypes.Seat{ID: "seat-1", SpecID: spec.ID, DelegateProxyID: "delegate-1"}}
	h.claimers[spec.ID] = claimer

	ch, cancel := h.bus.Subscribe(8)
	defer cancel()

	auth := &access.Auth{Name: "alice", Enforces: true}
	_, cmd, err := h.svc.StartProxy(context.Background(), auth, spec, nil, "p-10", nil)
	require.NoError(t, err)
	require.NoError(t, cmd.Run(context.Background()))

	bound, err := h.proxies.Get(context.Background(), "p-10")
	require.NoError(t, err)
	assert.Equal(t, proxytypes.StatusUp, bound.Status)
	assert.Equal(t, "delegate-1", bound.TargetID)
	assert.Equal(t, "http://container-1/", bound.Targets["route-1"])

	select {
	case event := <-ch:
		assert.Equal(t, proxytypes.EventProxyStart, event.Type)
	case <-time.After(time.Second):
		t.Fatal("expected ProxyStartEvent")
	}
}

func TestStartProxy_SharedSpec_ClaimsSeatAfterSeatClaimedEvent(t *testing.T) {
	h := newHarness(t, backend.AlwaysReadyTestStrategy{})
	spec := sharedSpec()
	spec.ID = "shared-2"
	h.specs[spec.ID] = spec

	delegate := proxytypes.DelegateProxy{
		Proxy: proxytypes.Proxy{
			ID:         "delegate-2",
			TargetID:   "delegate-2",
			SpecID:     spec.ID,
			Status:     proxytypes.StatusUp,
			Containers: []proxytypes.Container{{Index: 0, ID: "c2", Targets: map[string]string{"route-1": "http://container-2/"}}},
		},
		SeatIDs: map[string]struct{}{"seat-2": {}},
	}
	require.NoError(t, h.delegates.Insert(context.Background(), delegate))

	claimer := &fakeSeatClaimer{hit: false, seat: proxytypes.Seat{ID: "seat-2", SpecID: spec.ID, DelegateProxyID: "delegate-2"}}
	h.claimers[spec.ID] = claimer

	auth := &access.Auth{Name: "alice", Enforces: true}
	_, cmd, err := h.svc.StartProxy(context.Background(), auth, spec, nil, "p-11", nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- cmd.Run(context.Background()) }()

	// The first RequestSeat misses; flip the fake to a hit and announce
	// it the same way a real Scaler's RequestSeat would on success, so
	// waitForSeat's retry-on-SeatClaimedEvent path actually runs.
	time.Sleep(20 * time.Millisecond)
	claimer.mu.Lock()
	claimer.hit = true
	claimer.mu.Unlock()
	h.bus.Publish(context.Background(), proxytypes.NewSeatClaimedEvent(spec.ID, "seat-2", "delegate-2"))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("claim did not complete after SeatClaimedEvent")
	}

	bound, err := h.proxies.Get(context.Background(), "p-11")
	require.NoError(t, err)
	assert.Equal(t, proxytypes.StatusUp, bound.Status)
	assert.Equal(t, "delegate-2", bound.TargetID)
	assert.Equal(t, "http://container-2/", bound.Targets["route-1"])
}
