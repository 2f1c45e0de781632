package main

import (
	"context"
	"log/slog"
	"sync"

	"github.com/MohamedAnouar/containerproxy/pkg/backend"
	"github.com/MohamedAnouar/containerproxy/pkg/config"
	"github.com/MohamedAnouar/containerproxy/pkg/eventbus"
	"github.com/MohamedAnouar/containerproxy/pkg/leader"
	"github.com/MohamedAnouar/containerproxy/pkg/metrics"
	"github.com/MohamedAnouar/containerproxy/pkg/proxyservice"
	"github.com/MohamedAnouar/containerproxy/pkg/proxytypes"
	"github.com/MohamedAnouar/containerproxy/pkg/runtimevalue"
	"github.com/MohamedAnouar/containerproxy/pkg/scaler"
	"github.com/MohamedAnouar/containerproxy/pkg/specresolver"
	"github.com/MohamedAnouar/containerproxy/pkg/store"
)

// scalerSet owns one running ProxySharingScaler per shared spec,
// started and stopped as the spec registry observes files appear,
// change, or disappear. It also doubles as the proxyservice.SeatClaimerLookup
// a claiming start needs to find the scaler for its spec.
type scalerSet struct {
	cfg       *config.Config
	seats     store.SeatStore
	delegates store.DelegateProxyStore
	cb        backend.ContainerBackend
	test      backend.TestStrategy
	leaderSvc leader.LeaderService
	redisLock *leader.RedisLock // non-nil only when leaderSvc is Redis-backed
	bus       eventbus.EventBus
	rv        runtimevalue.Service
	resolver  *specresolver.Resolver
	obs       *metrics.Manager

	mu      sync.Mutex
	running map[string]context.CancelFunc
	scalers map[string]*scaler.Scaler
}

func newScalerSet(
	cfg *config.Config,
	seats store.SeatStore,
	delegates store.DelegateProxyStore,
	cb backend.ContainerBackend,
	test backend.TestStrategy,
	leaderSvc leader.LeaderService,
	bus eventbus.EventBus,
	rv runtimevalue.Service,
	resolver *specresolver.Resolver,
	obs *metrics.Manager,
) *scalerSet {
	set := &scalerSet{
		cfg:       cfg,
		seats:     seats,
		delegates: delegates,
		cb:        cb,
		test:      test,
		leaderSvc: leaderSvc,
		bus:       bus,
		rv:        rv,
		resolver:  resolver,
		obs:       obs,
		running:   make(map[string]context.CancelFunc),
		scalers:   make(map[string]*scaler.Scaler),
	}
	set.redisLock, _ = leaderSvc.(*leader.RedisLock)
	return set
}

func (s *scalerSet) onSpecChange(id string, spec proxytypes.ProxySpec) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cancel, ok := s.running[id]; ok {
		cancel()
		delete(s.running, id)
		delete(s.scalers, id)
	}

	if !spec.Shared() {
		return
	}

	sc := scaler.New(
		spec,
		scaler.Config{
			PublicPathPrefix: s.cfg.PublicPathPrefix,
			InstanceID:       s.cfg.InstanceID,
			TickInterval:     s.cfg.Scaler.TickInterval,
			ProbeDeadline:    s.cfg.Readiness.Deadline,
			ProbeInterval:    s.cfg.Readiness.Interval,
			ScaleDownEnabled: s.cfg.Scaler.ScaleDownEnabled,
		},
		s.seats, s.delegates, s.cb, s.test, s.leaderSvc, s.bus, s.rv, s.resolver, s.obs, nil,
	)
	s.scalers[id] = sc

	ctx, cancel := context.WithCancel(context.Background())
	s.running[id] = cancel

	if s.redisLock != nil {
		go s.redisLock.Run(ctx, scaler.Role(id))
	}

	go func() {
		if err := sc.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("scaler stopped", "spec_id", id, "error", err)
		}
	}()
}

func (s *scalerSet) onSpecRemove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.running[id]; ok {
		cancel()
		delete(s.running, id)
		delete(s.scalers, id)
	}
}

func (s *scalerSet) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cancel := range s.running {
		cancel()
		delete(s.running, id)
		delete(s.scalers, id)
	}
}

// SeatClaimerFor implements proxyservice.SeatClaimerLookup: a shared
// start claims from whichever scaler is currently running for its
// spec, or reports none running (e.g. the spec's scaler has not yet
// come up, or was just removed).
func (s *scalerSet) SeatClaimerFor(specID string) (proxyservice.SeatClaimer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scalers[specID]
	return sc, ok
}
