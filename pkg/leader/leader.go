// Package leader defines LeaderService, the single-writer election the
// pool scaler gates every reconcile decision on, plus an always-leader
// implementation for single-instance deployments and a Redis-backed
// distributed lock for multi-instance ones.
package leader

import "context"

// LeaderService reports whether the calling instance currently holds
// leadership. Implementations may cover any number of independently
// elected "roles" (e.g. one per spec) via the role parameter, or ignore
// it entirely for a single cluster-wide election.
type LeaderService interface {
	IsLeader(ctx context.Context, role string) bool
}

// AlwaysLeader always reports leadership — correct for a single
// proxycore instance, and used throughout the test suite where
// distributed election would only add noise.
type AlwaysLeader struct{}

func (AlwaysLeader) IsLeader(context.Context, string) bool { return true }

var _ LeaderService = AlwaysLeader{}
