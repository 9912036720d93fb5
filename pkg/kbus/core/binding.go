package core

import (
	"sync"

	"github.com/kynesim/kbus/pkg/kbus/types"
)

// Role is a binding's role: Listener (receives, never obliged to
// reply) or Replier (unique per matching literal, obliged to reply to
// Requests).
type Role int

const (
	Listener Role = iota
	Replier
)

func (r Role) String() string {
	if r == Replier {
		return "R"
	}
	return "L"
}

// Binding is a single (endpoint, role, pattern) registration (spec
// §3).
type Binding struct {
	Endpoint types.EndpointID
	Role     Role
	Pattern  types.Pattern
}

// BindingTable is C3: the mapping from message name pattern to
// endpoints, partitioned by role, with the Replier-uniqueness
// invariant enforced on Bind.
//
// Resolution is a linear scan over the registered patterns, per spec
// §4.1 ("Resolution algorithm... scan the set of patterns
// registered"); a kbus device's binding table is small enough in
// practice (tens to low hundreds of bindings) that this is the right
// tradeoff over a trie, and it keeps the Replier-conflict check (which
// must compare a candidate pattern against every existing Replier
// pattern) a simple second scan of the same slice.
type BindingTable struct {
	mu       sync.RWMutex
	bindings []*Binding
}

// NewBindingTable returns an empty binding table.
func NewBindingTable() *BindingTable {
	return &BindingTable{}
}

// Bind registers a new binding. Role==Replier additionally requires
// that no literal name could match both the new pattern and any
// existing Replier pattern (spec §3, §4.1).
func (t *BindingTable) Bind(endpoint types.EndpointID, pattern types.Pattern, role Role) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if role == Replier {
		for _, b := range t.bindings {
			if b.Role == Replier && b.Pattern.Intersects(pattern) {
				return types.ErrReplierConflict
			}
		}
	}

	t.bindings = append(t.bindings, &Binding{Endpoint: endpoint, Role: role, Pattern: pattern})
	return nil
}

// Unbind removes one matching (endpoint, role, pattern) binding.
func (t *BindingTable) Unbind(endpoint types.EndpointID, pattern types.Pattern, role Role) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, b := range t.bindings {
		if b.Endpoint == endpoint && b.Role == role && b.Pattern == pattern {
			t.bindings = append(t.bindings[:i], t.bindings[i+1:]...)
			return nil
		}
	}
	return types.ErrNoSuchBinding
}

// Resolve returns the (at most one) Replier endpoint bound to a
// pattern matching the literal name, and the set of Listener
// endpoints matching it with a per-endpoint match count (spec §4.1:
// "the count of Listener matches for a given endpoint determines how
// many copies that endpoint is scheduled to receive unless only_once
// is set").
func (t *BindingTable) Resolve(name types.Name) (replier *types.EndpointID, listeners map[types.EndpointID]int) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	listeners = make(map[types.EndpointID]int)
	for _, b := range t.bindings {
		if !b.Pattern.Matches(name) {
			continue
		}
		switch b.Role {
		case Replier:
			ep := b.Endpoint
			replier = &ep
		case Listener:
			listeners[b.Endpoint]++
		}
	}
	return replier, listeners
}

// ReplierBoundTo returns the endpoint currently bound as Replier to
// pattern exactly, not by resolving a literal. (FindReplier and the
// bridge's stateful-request check resolve a literal name instead.)
func (t *BindingTable) ReplierBoundTo(pattern types.Pattern) (types.EndpointID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, b := range t.bindings {
		if b.Role == Replier && b.Pattern == pattern {
			return b.Endpoint, true
		}
	}
	return 0, false
}

// RemoveEndpoint deletes every binding owned by endpoint and returns
// them, so the switch can decide which synthetic messages their
// removal requires (spec §4.4).
func (t *BindingTable) RemoveEndpoint(endpoint types.EndpointID) []*Binding {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []*Binding
	kept := t.bindings[:0]
	for _, b := range t.bindings {
		if b.Endpoint == endpoint {
			removed = append(removed, b)
			continue
		}
		kept = append(kept, b)
	}
	t.bindings = kept
	return removed
}

// List returns a snapshot of every current binding, backing the
// introspection surface of spec §6.
func (t *BindingTable) List() []Binding {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Binding, len(t.bindings))
	for i, b := range t.bindings {
		out[i] = *b
	}
	return out
}
