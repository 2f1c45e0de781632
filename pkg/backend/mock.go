package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/MohamedAnouar/containerproxy/pkg/proxytypes"
)

// MockBackend is an in-memory ContainerBackend standing in for a real
// Kubernetes/Docker driver, used to exercise ProxyService and the
// scaler's build jobs in tests and standalone runs. The FailStart hook
// lets tests force the ProxyFailedToStart path; the other calls always
// succeed (pause and resume fail only when pause is unsupported).
type MockBackend struct {
	mu sync.Mutex

	supportsPause bool

	// FailStart, when non-nil, is returned (wrapped in
	// *FailedToStartError) from StartProxy instead of succeeding.
	FailStart error

	// startedIDs tracks container ids handed out, purely for realism in
	// logs/metrics; it has no bearing on correctness.
	startedIDs map[string]struct{}
}

// NewMockBackend creates a MockBackend. supportsPause controls the
// SupportsPause() capability flag.
func NewMockBackend(supportsPause bool) *MockBackend {
	return &MockBackend{supportsPause: supportsPause, startedIDs: make(map[string]struct{})}
}

func (b *MockBackend) SupportsPause() bool { return b.supportsPause }

func (b *MockBackend) StartProxy(_ context.Context, p proxytypes.Proxy, spec proxytypes.ProxySpec) (proxytypes.Proxy, error) {
	b.mu.Lock()
	failure := b.FailStart
	b.mu.Unlock()

	if failure != nil {
		// Simulate a partially started container so the caller's
		// rollback (stop + remove) has something concrete to clean up.
		partial := p.WithContainers([]proxytypes.Container{{Index: 0}})
		return proxytypes.Proxy{}, &FailedToStartError{Partial: partial, Cause: failure}
	}

	containers := make([]proxytypes.Container, 0, len(spec.ContainerSpecs))
	for i := range spec.ContainerSpecs {
		id := uuid.NewString()
		b.mu.Lock()
		b.startedIDs[id] = struct{}{}
		b.mu.Unlock()

		containers = append(containers, proxytypes.Container{
			Index: i,
			ID:    id,
			Targets: map[string]string{
				fmt.Sprintf("%s-%d", p.ID, i): fmt.Sprintf("http://container-%s/", id),
			},
		})
	}

	return p.WithContainers(containers), nil
}

func (b *MockBackend) StopProxy(_ context.Context, p proxytypes.Proxy) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range p.Containers {
		delete(b.startedIDs, c.ID)
	}
	return nil
}

func (b *MockBackend) PauseProxy(_ context.Context, p proxytypes.Proxy) error {
	if !b.supportsPause {
		return fmt.Errorf("backend: pause not supported")
	}
	return nil
}

func (b *MockBackend) ResumeProxy(_ context.Context, p proxytypes.Proxy) error {
	if !b.supportsPause {
		return fmt.Errorf("backend: resume not supported")
	}
	return nil
}

func (b *MockBackend) AddRuntimeValuesBeforeSpel(_ context.Context, p proxytypes.Proxy, _ proxytypes.ProxySpec) (proxytypes.Proxy, error) {
	return p, nil
}

var _ ContainerBackend = (*MockBackend)(nil)
