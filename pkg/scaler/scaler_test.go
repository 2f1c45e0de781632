package scaler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MohamedAnouar/containerproxy/pkg/backend"
	"github.com/MohamedAnouar/containerproxy/pkg/eventbus"
	"github.com/MohamedAnouar/containerproxy/pkg/metrics"
	"github.com/MohamedAnouar/containerproxy/pkg/proxytypes"
	"github.com/MohamedAnouar/containerproxy/pkg/runtimevalue"
	"github.com/MohamedAnouar/containerproxy/pkg/scaler"
	"github.com/MohamedAnouar/containerproxy/pkg/specresolver"
	"github.com/MohamedAnouar/containerproxy/pkg/store"
)

func testObs(t *testing.T) *metrics.Manager {
	t.Helper()
	obs, err := metrics.New("scaler_test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = obs.Shutdown(context.Background()) })
	return obs
}

type neverLeader struct{}

func (neverLeader) IsLeader(context.Context, string) bool { return false }

func sharedSpec(min, max int) proxytypes.ProxySpec {
	return proxytypes.ProxySpec{
		ID:             "s4",
		ContainerSpecs: []proxytypes.ContainerSpec{{Image: "nginx"}},
		Sharing:        &proxytypes.ProxySharingSpecExtension{MinimumSeatsAvailable: min, MaximumSeatsAvailable: max},
	}
}

func TestScaler_NeverProvisionsWhileNotLeader(t *testing.T) {
	resolver, err := specresolver.New()
	require.NoError(t, err)

	seats := store.NewMemorySeatStore()
	delegates := store.NewMemoryDelegateProxyStore()
	bus := eventbus.NewMemoryBus("test")

	sc := scaler.New(
		sharedSpec(2, 3),
		scaler.Config{TickInterval: 20 * time.Millisecond, ProbeDeadline: time.Second, ProbeInterval: 10 * time.Millisecond},
		seats, delegates,
		backend.NewMockBackend(false),
		backend.AlwaysReadyTestStrategy{},
		neverLeader{},
		bus,
		runtimevalue.NewDefault(),
		resolver,
		testObs(t),
		nil,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	go sc.Run(ctx)

	for i := 0; i < 5; i++ {
		bus.Publish(context.Background(), proxytypes.NewPendingProxyEvent("u-"+string(rune('0'+i)), "user", "s4"))
	}

	<-ctx.Done()
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 0, sc.PendingBuilds())
}

type alwaysLeader struct{}

func (alwaysLeader) IsLeader(context.Context, string) bool { return true }

func TestScaler_WarmsUpToMinimum(t *testing.T) {
	resolver, err := specresolver.New()
	require.NoError(t, err)

	seats := store.NewMemorySeatStore()
	delegates := store.NewMemoryDelegateProxyStore()
	bus := eventbus.NewMemoryBus("test")

	sc := scaler.New(
		sharedSpec(2, 3),
		scaler.Config{TickInterval: 20 * time.Millisecond, ProbeDeadline: time.Second, ProbeInterval: 10 * time.Millisecond},
		seats, delegates,
		backend.NewMockBackend(false),
		backend.AlwaysReadyTestStrategy{},
		alwaysLeader{},
		bus,
		runtimevalue.NewDefault(),
		resolver,
		testObs(t),
		nil,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	go sc.Run(ctx)

	require.Eventually(t, func() bool {
		n, _ := seats.UnclaimedSeats(context.Background(), "s4")
		return n == 2
	}, 400*time.Millisecond, 10*time.Millisecond)

	cancel()
}

// TestScaler_ClaimAndReplace exercises RequestSeat end to end (S5):
// once warmed to the minimum, a claim must atomically remove exactly
// one seat and the scaler must warm a replacement back up to the
// configured minimum on its own, without the caller doing anything
// beyond the claim itself.
func TestScaler_ClaimAndReplace(t *testing.T) {
	resolver, err := specresolver.New()
	require.NoError(t, err)

	seats := store.NewMemorySeatStore()
	delegates := store.NewMemoryDelegateProxyStore()
	bus := eventbus.NewMemoryBus("test")

	sc := scaler.New(
		sharedSpec(1, 3),
		scaler.Config{TickInterval: 20 * time.Millisecond, ProbeDeadline: time.Second, ProbeInterval: 10 * time.Millisecond},
		seats, delegates,
		backend.NewMockBackend(false),
		backend.AlwaysReadyTestStrategy{},
		alwaysLeader{},
		bus,
		runtimevalue.NewDefault(),
		resolver,
		testObs(t),
		nil,
	)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go sc.Run(ctx)

	require.Eventually(t, func() bool {
		n, _ := seats.UnclaimedSeats(context.Background(), "s4")
		return n == 1
	}, 400*time.Millisecond, 10*time.Millisecond)

	seat, ok, err := sc.RequestSeat(context.Background(), "alice", "p-claim-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "s4", seat.SpecID)
	assert.NotEmpty(t, seat.DelegateProxyID)

	n, err := seats.UnclaimedSeats(context.Background(), "s4")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.Eventually(t, func() bool {
		n, _ := seats.UnclaimedSeats(context.Background(), "s4")
		return n == 1
	}, 400*time.Millisecond, 10*time.Millisecond)
}
