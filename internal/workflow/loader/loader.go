package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobby-dev/gobby/internal/gobbyerr"
	"gopkg.in/yaml.v3"
)

// Tier identifies which configuration layer a raw Definition was read
// from. Project overrides user, user overrides bundled, mirroring the
// tier precedence already used by the rule registry.
type Tier int

const (
	TierBundled Tier = iota
	TierUser
	TierProject
)

// Registry holds every raw (pre-extends-resolution) Definition, keyed by
// name, and caches resolved definitions once computed. The cache is keyed
// by workflow name, not by session: after LoadDir or Invalidate touches a
// name, every later Resolve of it returns the new definition.
type Registry struct {
	raw      map[string]*Definition
	resolved map[string]*Definition
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{raw: map[string]*Definition{}, resolved: map[string]*Definition{}}
}

// LoadDir reads every *.yaml/*.yml file in dir (non-recursive) at the
// given tier, registering each as a raw Definition. A later tier's
// Definition with the same name fully replaces an earlier tier's raw
// Definition — extends resolution then happens afterward, once, against
// the merged raw set. Missing directories are not an error (a project
// need not have project-tier workflow overrides).
func (r *Registry) LoadDir(dir string, tier Tier) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return gobbyerr.Wrap(gobbyerr.WorkflowLoadError, fmt.Sprintf("read workflow directory %s", dir), err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		path := filepath.Join(dir, name)
		def, err := parseFile(path)
		if err != nil {
			return err
		}
		def.sourceTier = int(tier)
		def.sourcePath = path

		if existing, ok := r.raw[def.Name]; ok && existing.sourceTier > int(tier) {
			continue // a higher tier already claimed this name
		}
		r.raw[def.Name] = def
		delete(r.resolved, def.Name) // invalidate any cached resolution
	}
	return nil
}

func parseFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, gobbyerr.Wrap(gobbyerr.WorkflowLoadError, fmt.Sprintf("read workflow file %s", path), err)
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, gobbyerr.Wrap(gobbyerr.WorkflowLoadError, fmt.Sprintf("parse workflow file %s", path), err)
	}
	if def.Name == "" {
		return nil, gobbyerr.New(gobbyerr.WorkflowLoadError, fmt.Sprintf("workflow file %s has no name", path))
	}
	return &def, nil
}

// Resolve returns the fully merged Definition for name, resolving its
// extends chain (child-wins deep merge) and validating the
// result. Resolutions are cached until LoadDir next touches that name.
func (r *Registry) Resolve(name string) (*Definition, error) {
	if cached, ok := r.resolved[name]; ok {
		return cached, nil
	}

	chain, err := r.extendsChain(name, map[string]bool{})
	if err != nil {
		return nil, err
	}

	// chain is root-first (bundled ancestor .. the named workflow last);
	// fold left so each step's child wins over everything before it.
	merged := chain[0]
	for _, next := range chain[1:] {
		merged = mergeDefinitions(merged, next)
	}

	if err := Validate(merged); err != nil {
		return nil, err
	}

	r.resolved[name] = merged
	return merged, nil
}

// extendsChain walks the extends pointers starting at name, returning
// the chain root-first. visited guards against inheritance cycles.
func (r *Registry) extendsChain(name string, visited map[string]bool) ([]*Definition, error) {
	if visited[name] {
		return nil, gobbyerr.New(gobbyerr.WorkflowLoadError, fmt.Sprintf("workflow %q: inheritance cycle detected", name))
	}
	visited[name] = true

	def, ok := r.raw[name]
	if !ok {
		return nil, gobbyerr.New(gobbyerr.WorkflowLoadError, fmt.Sprintf("workflow %q: not found", name))
	}

	if def.Extends == "" {
		return []*Definition{def}, nil
	}

	parentChain, err := r.extendsChain(def.Extends, visited)
	if err != nil {
		return nil, err
	}
	return append(parentChain, def), nil
}

// Names returns every raw workflow name known to the registry.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.raw))
	for n := range r.raw {
		names = append(names, n)
	}
	return names
}

// Invalidate drops any cached resolution for name, forcing the next
// Resolve to recompute it — used on an explicit reload/reset.
func (r *Registry) Invalidate(name string) {
	delete(r.resolved, name)
}
