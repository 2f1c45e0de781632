// Package mapping implements MappingManager, the route registry keyed by
// target-name (not proxy id) that the HTTP routing layer consults —
// consumed as a capability surface by ProxyService, which registers and
// unregisters routes as a proxy moves through its lifecycle.
package mapping

import (
	"fmt"
	"sync"
)

// Route is one registered target-name -> backend URI mapping, tagged
// with the owning proxy id so RemoveAll can find every route a proxy
// owns without the caller having to remember the names itself.
type Route struct {
	TargetName string
	URI        string
	ProxyID    string
}

// Manager is a concurrency-safe target-name -> Route registry. Target
// names are globally unique across all live proxies — Insert fails
// rather than silently overwrite, because a collision here means two
// proxies would answer the same public path, which spec.md's Design
// Notes call "programmer error", not a recoverable runtime condition.
type Manager struct {
	mu     sync.RWMutex
	routes map[string]Route
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{routes: make(map[string]Route)}
}

// Insert registers targetName -> uri for proxyID. Returns an error if
// targetName is already registered (even by the same proxy).
func (m *Manager) Insert(targetName, uri, proxyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.routes[targetName]; ok {
		return fmt.Errorf("mapping: target %q already routed to proxy %s", targetName, existing.ProxyID)
	}
	m.routes[targetName] = Route{TargetName: targetName, URI: uri, ProxyID: proxyID}
	return nil
}

// Remove unregisters a single target name. Removing an unregistered name
// is not an error.
func (m *Manager) Remove(targetName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.routes, targetName)
}

// RemoveAll unregisters every route owned by proxyID. Used by StopProxy
// and PauseProxy so no route outlives the proxy's availability.
func (m *Manager) RemoveAll(proxyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, route := range m.routes {
		if route.ProxyID == proxyID {
			delete(m.routes, name)
		}
	}
}

// Get returns the route registered for targetName, if any.
func (m *Manager) Get(targetName string) (Route, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.routes[targetName]
	return r, ok
}

// Len returns the number of currently registered routes — primarily for
// tests asserting S3's "no route keyed by any of that proxy's target
// names after the synchronous phase returns" invariant.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.routes)
}
