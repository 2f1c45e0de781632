package backend

import (
	"context"
	"net/http"
	"time"

	"github.com/MohamedAnouar/containerproxy/pkg/proxytypes"
)

// TestStrategy probes a started proxy for readiness.
type TestStrategy interface {
	// TestProxy returns true once p is ready to accept traffic. Callers
	// apply their own retry budget and deadline around this call; a
	// single call should not itself block past a short per-attempt
	// timeout.
	TestProxy(ctx context.Context, p proxytypes.Proxy) bool
}

// AlwaysReadyTestStrategy reports every proxy ready immediately — useful
// for tests and for backends where StartProxy only returns once the
// workload is already serving.
type AlwaysReadyTestStrategy struct{}

func (AlwaysReadyTestStrategy) TestProxy(context.Context, proxytypes.Proxy) bool { return true }

// HTTPTestStrategy probes one of a proxy's targets with a GET request,
// treating any 2xx/3xx response as ready.
type HTTPTestStrategy struct {
	Client     *http.Client
	TargetName string
}

// NewHTTPTestStrategy creates an HTTPTestStrategy with a short default
// per-attempt timeout.
func NewHTTPTestStrategy(targetName string) *HTTPTestStrategy {
	return &HTTPTestStrategy{
		Client:     &http.Client{Timeout: 2 * time.Second},
		TargetName: targetName,
	}
}

func (h *HTTPTestStrategy) TestProxy(ctx context.Context, p proxytypes.Proxy) bool {
	uri, ok := p.Targets[h.TargetName]
	if !ok {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return false
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode < 400
}

var (
	_ TestStrategy = AlwaysReadyTestStrategy{}
	_ TestStrategy = (*HTTPTestStrategy)(nil)
)

// RetryReadiness runs strategy.TestProxy in a bounded retry loop until it
// reports true, the deadline elapses, or ctx is cancelled. It implements
// the "bounded retry budget, nominal 60s" readiness probe called out in
// spec.md §4.1 and §5.
func RetryReadiness(ctx context.Context, strategy TestStrategy, p proxytypes.Proxy, deadline time.Duration, interval time.Duration) bool {
	if deadline <= 0 {
		deadline = 60 * time.Second
	}
	if interval <= 0 {
		interval = 1 * time.Second
	}

	probeCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if strategy.TestProxy(probeCtx, p) {
		return true
	}

	for {
		select {
		case <-probeCtx.Done():
			return false
		case <-ticker.C:
			if strategy.TestProxy(probeCtx, p) {
				return true
			}
		}
	}
}
