package halt

import (
	"fmt"
	"sort"
	"sync"
)

// Graph is the directed acyclic dependency graph over organ ids.
// Edges point from an organ to the organs it depends on; propagation
// walks the reverse direction, from an organ to its dependents.
//
// Registration rejects any organ that would introduce a cycle, so the
// no-orphan propagation invariant is checkable at build time.
type Graph struct {
	mu   sync.RWMutex
	deps map[string][]string
}

// NewGraph returns an empty dependency graph.
func NewGraph() *Graph {
	return &Graph{deps: make(map[string][]string)}
}

// Add registers an organ and its declared dependency list. It fails on
// duplicate ids and on any dependency edge that closes a cycle.
func (g *Graph) Add(id string, dependencies []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.deps[id]; exists {
		return fmt.Errorf("organ %q already registered", id)
	}

	// Cycle detection over the graph including the candidate (DFS
	// with a recursion stack).
	trial := make(map[string][]string, len(g.deps)+1)
	for k, v := range g.deps {
		trial[k] = v
	}
	trial[id] = dependencies

	visited := make(map[string]bool)
	stack := make(map[string]bool)

	var detect func(node string) error
	detect = func(node string) error {
		visited[node] = true
		stack[node] = true
		for _, dep := range trial[node] {
			if !visited[dep] {
				if err := detect(dep); err != nil {
					return err
				}
			} else if stack[dep] {
				return fmt.Errorf("cycle detected: %s depends on %s", node, dep)
			}
		}
		stack[node] = false
		return nil
	}

	if err := detect(id); err != nil {
		return err
	}

	g.deps[id] = append([]string(nil), dependencies...)
	return nil
}

// Has reports whether an organ id is registered.
func (g *Graph) Has(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.deps[id]
	return ok
}

// Dependents returns the full transitive set of organs that depend,
// directly or indirectly, on the given organ. Used for propagation and
// for registration-time validation. Sorted for determinism.
func (g *Graph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	// Reverse edges: dependency -> dependents.
	reverse := make(map[string][]string, len(g.deps))
	for organ, dependencies := range g.deps {
		for _, dep := range dependencies {
			reverse[dep] = append(reverse[dep], organ)
		}
	}

	seen := make(map[string]bool)
	queue := []string{id}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, dependent := range reverse[current] {
			if !seen[dependent] {
				seen[dependent] = true
				queue = append(queue, dependent)
			}
		}
	}

	out := make([]string, 0, len(seen))
	for organ := range seen {
		out = append(out, organ)
	}
	sort.Strings(out)
	return out
}

// Organs returns all registered organ ids, sorted.
func (g *Graph) Organs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.deps))
	for id := range g.deps {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
