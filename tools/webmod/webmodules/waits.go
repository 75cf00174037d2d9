package webmodules

import (
	"context"
	"sync"
)

type ownerKey struct{}

// withOwner marks ctx as belonging to the bundling task for specifier.
func withOwner(ctx context.Context, specifier string) context.Context {
	return context.WithValue(ctx, ownerKey{}, specifier)
}

func ownerOf(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}

// waitGraph records which in-flight bundling task is waiting on which. An
// edge that would close a loop is refused, so nested bundling fails fast
// instead of deadlocking.
type waitGraph struct {
	mu    sync.Mutex
	edges map[string]map[string]int
}

func newWaitGraph() *waitGraph {
	return &waitGraph{edges: make(map[string]map[string]int)}
}

// add records that from waits on to.
func (g *waitGraph) add(from, to string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if path := g.path(to, from, make(map[string]bool)); path != nil {
		return &CycleError{Chain: append([]string{from}, path...)}
	}
	if g.edges[from] == nil {
		g.edges[from] = make(map[string]int)
	}
	g.edges[from][to]++
	return nil
}

func (g *waitGraph) remove(from, to string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := g.edges[from]
	if out[to]--; out[to] <= 0 {
		delete(out, to)
	}
	if len(out) == 0 {
		delete(g.edges, from)
	}
}

// path returns the nodes from src to dst inclusive, or nil when dst is unreachable.
func (g *waitGraph) path(src, dst string, seen map[string]bool) []string {
	if src == dst {
		return []string{dst}
	}
	if seen[src] {
		return nil
	}
	seen[src] = true
	for next := range g.edges[src] {
		if rest := g.path(next, dst, seen); rest != nil {
			return append([]string{src}, rest...)
		}
	}
	return nil
}
