package rules

import (
	"fmt"
	"sort"

	"github.com/gobby-dev/gobby/internal/eval"
)

// Registry holds every known RuleDefinition, keyed by name, tracking the
// tier each came from so duplicate names resolve by tier order
// (file-local > project > user > bundled).
type Registry struct {
	byName map[string]*Definition
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Definition)}
}

// Register adds or replaces a rule definition. If a definition with the
// same name already exists at a higher tier, the existing one wins; at an
// equal tier the later registration replaces it — this is what "duplicate
// names are resolved by tier order" means in practice: a lower-tier
// registration never displaces a higher-tier one, whatever the call
// order.
func (r *Registry) Register(d *Definition) {
	existing, ok := r.byName[d.Name]
	if ok && existing.Tier > d.Tier {
		return
	}
	r.byName[d.Name] = d
}

// Get looks up a single rule by name.
func (r *Registry) Get(name string) (*Definition, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// Resolve looks up every name in order and returns the concrete
// definitions, erroring on the first unknown name.
func (r *Registry) Resolve(names []string) ([]*Definition, error) {
	result := make([]*Definition, 0, len(names))
	for _, name := range names {
		d, ok := r.byName[name]
		if !ok {
			return nil, fmt.Errorf("rules: unknown rule %q", name)
		}
		result = append(result, d)
	}
	return result, nil
}

// CompileAll compiles every registered rule's When clause against
// evaluator. Call once after all tiers have been loaded.
func (r *Registry) CompileAll(evaluator *eval.Evaluator) error {
	for _, d := range r.byName {
		if err := d.Compile(evaluator); err != nil {
			return err
		}
	}
	return nil
}

// Names returns every registered rule name, sorted, for diagnostics.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
