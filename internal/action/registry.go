package action

import (
	"fmt"
	"sort"
)

type kindPair struct {
	ref, cand string
}

// Registry maps (reference kind, candidate kind) pairs to actions.
// Pairs with no registration resolve to the fallback, Equal by default.
type Registry struct {
	pairs    map[kindPair]Action
	fallback Action
}

// NewRegistry creates a registry whose fallback is Equal.
func NewRegistry() *Registry {
	return &Registry{
		pairs:    make(map[kindPair]Action),
		fallback: Equal{},
	}
}

// Register sets the action for a kind pair, replacing any previous one.
func (r *Registry) Register(refKind, candKind string, a Action) {
	r.pairs[kindPair{refKind, candKind}] = a
}

// RegisterKind sets the action used when both sides have the same kind.
func (r *Registry) RegisterKind(kind string, a Action) {
	r.Register(kind, kind, a)
}

// SetFallback replaces the action used for unregistered pairs.
func (r *Registry) SetFallback(a Action) {
	r.fallback = a
}

// Resolve returns the action for a kind pair.
func (r *Registry) Resolve(refKind, candKind string) Action {
	if a, ok := r.pairs[kindPair{refKind, candKind}]; ok {
		return a
	}
	return r.fallback
}

// Len returns the number of registered pairs.
func (r *Registry) Len() int {
	return len(r.pairs)
}

// Describe lists registrations as "ref/cand=name", sorted.
func (r *Registry) Describe() []string {
	out := make([]string, 0, len(r.pairs))
	for p, a := range r.pairs {
		out = append(out, fmt.Sprintf("%s/%s=%s", p.ref, p.cand, a.Name()))
	}
	sort.Strings(out)
	return out
}

// ByName returns a built-in action by name ("equal" or "skip").
func ByName(name string) (Action, error) {
	switch name {
	case "equal":
		return Equal{}, nil
	case "skip":
		return Skip{}, nil
	default:
		return nil, fmt.Errorf("unknown action %q (want equal or skip)", name)
	}
}
