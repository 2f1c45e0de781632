package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/MohamedAnouar/containerproxy/pkg/proxytypes"
)

// MemoryProxyStore is an in-process ProxyStore backed by a map and a
// mutex, the way the teacher's pkg/launcher.Service tracks ProcessInfo —
// the default implementation for single-instance deployments and tests.
type MemoryProxyStore struct {
	mu    sync.RWMutex
	byID  map[string]proxytypes.Proxy
}

// NewMemoryProxyStore creates an empty MemoryProxyStore.
func NewMemoryProxyStore() *MemoryProxyStore {
	return &MemoryProxyStore{byID: make(map[string]proxytypes.Proxy)}
}

func (s *MemoryProxyStore) Get(_ context.Context, id string) (proxytypes.Proxy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.byID[id]
	if !ok {
		return proxytypes.Proxy{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryProxyStore) GetAll(_ context.Context) ([]proxytypes.Proxy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]proxytypes.Proxy, 0, len(s.byID))
	for _, p := range s.byID {
		out = append(out, p)
	}
	return out, nil
}

func (s *MemoryProxyStore) Insert(_ context.Context, p proxytypes.Proxy) (proxytypes.Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[p.ID]; exists {
		return proxytypes.Proxy{}, fmt.Errorf("store: proxy %s already exists", p.ID)
	}
	p.Version = 1
	s.byID[p.ID] = p
	return p, nil
}

func (s *MemoryProxyStore) CompareAndSwap(_ context.Context, p proxytypes.Proxy, expectedVersion uint64) (proxytypes.Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.byID[p.ID]
	if !ok {
		return proxytypes.Proxy{}, ErrNotFound
	}
	if current.Version != expectedVersion {
		return proxytypes.Proxy{}, ErrVersionConflict
	}

	p.Version = current.Version + 1
	s.byID[p.ID] = p
	return p, nil
}

func (s *MemoryProxyStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.byID, id)
	return nil
}

// MemorySeatStore is an in-process SeatStore. Claim is serialized by the
// store's own mutex, giving the atomicity the scaler's claim-handoff
// logic depends on.
type MemorySeatStore struct {
	mu        sync.Mutex
	unclaimed map[string]map[string]proxytypes.Seat // specID -> seatID -> seat
}

// NewMemorySeatStore creates an empty MemorySeatStore.
func NewMemorySeatStore() *MemorySeatStore {
	return &MemorySeatStore{unclaimed: make(map[string]map[string]proxytypes.Seat)}
}

func (s *MemorySeatStore) Put(_ context.Context, seat proxytypes.Seat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.unclaimed[seat.SpecID]
	if !ok {
		bucket = make(map[string]proxytypes.Seat)
		s.unclaimed[seat.SpecID] = bucket
	}
	bucket[seat.ID] = seat
	return nil
}

func (s *MemorySeatStore) Claim(_ context.Context, specID string) (proxytypes.Seat, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.unclaimed[specID]
	if !ok || len(bucket) == 0 {
		return proxytypes.Seat{}, false, nil
	}

	for id, seat := range bucket {
		delete(bucket, id)
		return seat, true, nil
	}
	return proxytypes.Seat{}, false, nil
}

func (s *MemorySeatStore) UnclaimedSeats(_ context.Context, specID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.unclaimed[specID]), nil
}

func (s *MemorySeatStore) RemoveSeats(_ context.Context, specID string, seatIDs []string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.unclaimed[specID]
	for _, id := range seatIDs {
		if _, ok := bucket[id]; !ok {
			// A seat already claimed (or never existed) since the
			// caller looked it up: refuse the whole batch so the
			// scaler can pick another candidate.
			return false, nil
		}
	}
	for _, id := range seatIDs {
		delete(bucket, id)
	}
	return true, nil
}

// MemoryDelegateProxyStore is an in-process DelegateProxyStore.
type MemoryDelegateProxyStore struct {
	mu   sync.RWMutex
	byID map[string]proxytypes.DelegateProxy
}

// NewMemoryDelegateProxyStore creates an empty MemoryDelegateProxyStore.
func NewMemoryDelegateProxyStore() *MemoryDelegateProxyStore {
	return &MemoryDelegateProxyStore{byID: make(map[string]proxytypes.DelegateProxy)}
}

func (s *MemoryDelegateProxyStore) Get(_ context.Context, proxyID string) (proxytypes.DelegateProxy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.byID[proxyID]
	if !ok {
		return proxytypes.DelegateProxy{}, ErrNotFound
	}
	return d, nil
}

func (s *MemoryDelegateProxyStore) GetAll(_ context.Context, specID string) ([]proxytypes.DelegateProxy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []proxytypes.DelegateProxy
	for _, d := range s.byID {
		if d.Proxy.SpecID == specID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *MemoryDelegateProxyStore) Insert(_ context.Context, d proxytypes.DelegateProxy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byID[d.Proxy.ID] = d
	return nil
}

func (s *MemoryDelegateProxyStore) Update(_ context.Context, d proxytypes.DelegateProxy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[d.Proxy.ID]; !ok {
		return ErrNotFound
	}
	s.byID[d.Proxy.ID] = d
	return nil
}

func (s *MemoryDelegateProxyStore) Delete(_ context.Context, proxyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.byID, proxyID)
	return nil
}

var (
	_ ProxyStore          = (*MemoryProxyStore)(nil)
	_ SeatStore           = (*MemorySeatStore)(nil)
	_ DelegateProxyStore  = (*MemoryDelegateProxyStore)(nil)
)
