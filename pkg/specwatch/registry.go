// Package specwatch implements SpecRegistry, an in-memory directory of
// ProxySpec values kept current by watching a directory of YAML spec
// files for changes.
package specwatch

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/MohamedAnouar/containerproxy/pkg/proxytypes"
)

// specFile is the on-disk YAML shape for one ProxySpec.
type specFile struct {
	ID             string `yaml:"id"`
	DisplayName    string `yaml:"displayName"`
	ContainerSpecs []struct {
		Image string            `yaml:"image"`
		Env   map[string]string `yaml:"env"`
		Cmd   []string          `yaml:"cmd"`
	} `yaml:"containerSpecs"`
	AccessControl *struct {
		Users  []string `yaml:"users"`
		Groups []string `yaml:"groups"`
	} `yaml:"accessControl"`
	Sharing *struct {
		MinimumSeatsAvailable int `yaml:"minimumSeatsAvailable"`
		MaximumSeatsAvailable int `yaml:"maximumSeatsAvailable"`
	} `yaml:"sharing"`
	Parameters []struct {
		Name     string   `yaml:"name"`
		Required bool     `yaml:"required"`
		Values   []string `yaml:"values"`
	} `yaml:"parameters"`
}

func (f specFile) toProxySpec(generation int) proxytypes.ProxySpec {
	spec := proxytypes.ProxySpec{
		ID:          f.ID,
		DisplayName: f.DisplayName,
		Generation:  generation,
	}

	for _, cs := range f.ContainerSpecs {
		spec.ContainerSpecs = append(spec.ContainerSpecs, proxytypes.ContainerSpec{
			Image: cs.Image,
			Env:   cs.Env,
			Cmd:   cs.Cmd,
		})
	}

	if f.AccessControl != nil {
		spec.AccessControl = &proxytypes.AccessControlSpec{
			Users:  f.AccessControl.Users,
			Groups: f.AccessControl.Groups,
		}
	}

	if f.Sharing != nil {
		spec.Sharing = &proxytypes.ProxySharingSpecExtension{
			MinimumSeatsAvailable: f.Sharing.MinimumSeatsAvailable,
			MaximumSeatsAvailable: f.Sharing.MaximumSeatsAvailable,
		}
	}

	for _, p := range f.Parameters {
		spec.Parameters = append(spec.Parameters, proxytypes.ParameterSchema{
			Name:     p.Name,
			Required: p.Required,
			Values:   p.Values,
		})
	}

	return spec
}

// Registry is a concurrency-safe id -> ProxySpec map. A reload of an
// already-registered id bumps Generation but never mutates proxies
// already built from an earlier generation — spec.md treats specs as
// immutable once registered, so a live reload only affects future
// resolutions.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]proxytypes.ProxySpec

	// OnChange, if set, is called after every load or reload with the
	// id that changed — the caller wires this to start/stop a
	// ProxySharingScaler for specs that carry a sharing block.
	OnChange func(id string, spec proxytypes.ProxySpec)
	// OnRemove is called when a spec file disappears.
	OnRemove func(id string)
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]proxytypes.ProxySpec)}
}

// Get resolves specID, implementing access.SpecLookup and
// proxyservice.SpecLookup.
func (r *Registry) Get(specID string) (proxytypes.ProxySpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[specID]
	return s, ok
}

// All returns every currently registered spec.
func (r *Registry) All() []proxytypes.ProxySpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]proxytypes.ProxySpec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	return out
}

// LoadFile parses one YAML spec file and upserts it into the registry,
// bumping Generation if the id was already present.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("specwatch: reading %s: %w", path, err)
	}

	var sf specFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return fmt.Errorf("specwatch: parsing %s: %w", path, err)
	}
	if sf.ID == "" {
		return fmt.Errorf("specwatch: %s: missing id", path)
	}

	r.mu.Lock()
	generation := 1
	if existing, ok := r.specs[sf.ID]; ok {
		generation = existing.Generation + 1
	}
	spec := sf.toProxySpec(generation)
	r.specs[sf.ID] = spec
	r.mu.Unlock()

	if r.OnChange != nil {
		r.OnChange(spec.ID, spec)
	}
	return nil
}

// LoadDir loads every *.yaml/*.yml file in dir, non-recursively.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("specwatch: reading dir %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !isYAML(e.Name()) {
			continue
		}
		if err := r.LoadFile(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// RemoveID removes the spec registered under id, if any, and calls
// OnRemove only when a spec was actually removed. Watcher derives id
// from a removed file's base name.
func (r *Registry) RemoveID(id string) {
	r.mu.Lock()
	_, existed := r.specs[id]
	delete(r.specs, id)
	r.mu.Unlock()

	if existed && r.OnRemove != nil {
		r.OnRemove(id)
	}
}

func isYAML(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}
