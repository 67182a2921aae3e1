package splice

import (
	"fmt"
	"sync"

	"pipelined.dev/splice/graph"
)

// handles resolves graphs by their identifiers. Tasks hold identifiers
// instead of graphs: once the graph is retired, lookup fails with
// ErrShuttingDown.
type handles struct {
	mu      sync.RWMutex
	graphs  map[string]*graph.Graph
	retired map[string]struct{}
}

func newHandles() *handles {
	return &handles{
		graphs:  make(map[string]*graph.Graph),
		retired: make(map[string]struct{}),
	}
}

func (h *handles) register(g *graph.Graph) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.graphs[g.ID()] = g
	return g.ID()
}

func (h *handles) lookup(id string) (*graph.Graph, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if g, ok := h.graphs[id]; ok {
		return g, nil
	}
	if _, ok := h.retired[id]; ok {
		return nil, ErrShuttingDown
	}
	return nil, fmt.Errorf("%w: graph %s", graph.ErrNotFound, id)
}

// retire drops the graph reference. It's safe to call it multiple times.
func (h *handles) retire(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.graphs, id)
	h.retired[id] = struct{}{}
}
