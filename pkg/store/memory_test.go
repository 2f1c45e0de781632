package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MohamedAnouar/containerproxy/pkg/proxytypes"
	"github.com/MohamedAnouar/containerproxy/pkg/store"
)

func TestMemoryProxyStore_CompareAndSwapRejectsStaleVersion(t *testing.T) {
	s := store.NewMemoryProxyStore()
	ctx := context.Background()

	p, err := s.Insert(ctx, proxytypes.Proxy{ID: "p1"})
	require.NoError(t, err)

	_, err = s.CompareAndSwap(ctx, p.WithStatus(proxytypes.StatusStarting), p.Version)
	require.NoError(t, err)

	_, err = s.CompareAndSwap(ctx, p.WithStatus(proxytypes.StatusUp), p.Version)
	assert.ErrorIs(t, err, store.ErrVersionConflict)
}

func TestMemoryProxyStore_InsertRejectsDuplicateID(t *testing.T) {
	s := store.NewMemoryProxyStore()
	ctx := context.Background()

	_, err := s.Insert(ctx, proxytypes.Proxy{ID: "p1"})
	require.NoError(t, err)

	_, err = s.Insert(ctx, proxytypes.Proxy{ID: "p1"})
	assert.Error(t, err)
}

func TestMemoryProxyStore_DeleteIsIdempotent(t *testing.T) {
	s := store.NewMemoryProxyStore()
	ctx := context.Background()

	assert.NoError(t, s.Delete(ctx, "unknown"))
}

func TestMemorySeatStore_ClaimRemovesSeatFromUnclaimed(t *testing.T) {
	s := store.NewMemorySeatStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, proxytypes.Seat{ID: "seat-1", SpecID: "s1"}))

	before, err := s.UnclaimedSeats(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, before)

	seat, ok, err := s.Claim(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "seat-1", seat.ID)

	after, err := s.UnclaimedSeats(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, after)
}

func TestMemorySeatStore_ClaimOnEmptyPoolReturnsFalse(t *testing.T) {
	s := store.NewMemorySeatStore()
	_, ok, err := s.Claim(context.Background(), "unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemorySeatStore_RemoveSeatsFailsIfAlreadyClaimed(t *testing.T) {
	s := store.NewMemorySeatStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, proxytypes.Seat{ID: "seat-1", SpecID: "s1"}))
	_, _, err := s.Claim(ctx, "s1")
	require.NoError(t, err)

	ok, err := s.RemoveSeats(ctx, "s1", []string{"seat-1"})
	require.NoError(t, err)
	assert.False(t, ok)
}
