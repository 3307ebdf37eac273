// Package graph validates the "starts after" relation between services and
// derives the orders used to start and stop them.
package graph

import (
	"slices"
	"strings"

	"github.com/loykin/sysinitd/internal/failure"
	"github.com/loykin/sysinitd/internal/service"
)

// Graph is immutable after New returns and safe for concurrent readers.
type Graph struct {
	order      []string
	index      map[string]int
	deps       map[string][]string // id -> ids it starts after, sorted
	dependents map[string][]string // id -> ids that start after it, sorted
	stopFirst  map[string][]string // id -> ids that must be stopped before it, sorted
}

// New validates records and builds the graph. records must already be free of
// duplicate ids.
func New(records map[string]service.Record) (*Graph, error) {
	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	g := &Graph{
		index:      make(map[string]int, len(ids)),
		deps:       make(map[string][]string, len(ids)),
		dependents: make(map[string][]string, len(ids)),
		stopFirst:  make(map[string][]string, len(ids)),
	}

	for _, id := range ids {
		rec := records[id]
		deps := rec.Dependencies()
		for _, dep := range deps {
			if _, ok := records[dep]; !ok {
				return nil, &failure.NonExistentDependencyError{Service: id, Missing: dep, Field: "start.dependencies"}
			}
		}
		for _, before := range rec.StopBefore() {
			if _, ok := records[before]; !ok {
				return nil, &failure.NonExistentDependencyError{Service: id, Missing: before, Field: "termination.before"}
			}
		}
		g.deps[id] = sorted(deps)
	}

	if err := checkAcyclic(ids, g.deps, "dependency"); err != nil {
		return nil, err
	}

	for _, id := range ids {
		for _, dep := range g.deps[id] {
			g.dependents[dep] = append(g.dependents[dep], id)
		}
	}
	for _, id := range ids {
		g.dependents[id] = sorted(g.dependents[id])
		first := append(slices.Clone(g.dependents[id]), records[id].StopBefore()...)
		g.stopFirst[id] = sorted(first)
	}

	// A termination.before entry can contradict the reversed start order.
	if err := checkAcyclic(ids, g.stopFirst, "shutdown"); err != nil {
		return nil, err
	}

	g.order = g.topo(ids)
	for i, id := range g.order {
		g.index[id] = i
	}
	return g, nil
}

// topo runs Kahn's algorithm, always taking the smallest ready id.
func (g *Graph) topo(ids []string) []string {
	pending := make(map[string]int, len(ids))
	var ready []string
	for _, id := range ids {
		pending[id] = len(g.deps[id])
		if pending[id] == 0 {
			ready = append(ready, id)
		}
	}
	out := make([]string, 0, len(ids))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		out = append(out, id)
		for _, next := range g.dependents[id] {
			pending[next]--
			if pending[next] == 0 {
				i, _ := slices.BinarySearch(ready, next)
				ready = slices.Insert(ready, i, next)
			}
		}
	}
	return out
}

// Order returns every id such that each service appears after all of its dependencies.
func (g *Graph) Order() []string { return slices.Clone(g.order) }

// Reverse returns Order read right to left, the order used for shutdown.
func (g *Graph) Reverse() []string {
	out := slices.Clone(g.order)
	slices.Reverse(out)
	return out
}

// Layers groups ids by the length of their longest dependency chain. Every
// member of a layer can start once all earlier layers have started.
func (g *Graph) Layers() [][]string {
	depth := make(map[string]int, len(g.order))
	var layers [][]string
	for _, id := range g.order {
		d := 0
		for _, dep := range g.deps[id] {
			d = max(d, depth[dep]+1)
		}
		depth[id] = d
		if d == len(layers) {
			layers = append(layers, nil)
		}
		layers[d] = append(layers[d], id)
	}
	for _, l := range layers {
		slices.Sort(l)
	}
	return layers
}

func (g *Graph) Len() int { return len(g.order) }

func (g *Graph) Has(id string) bool {
	_, ok := g.index[id]
	return ok
}

// Dependencies returns the ids id starts after.
func (g *Graph) Dependencies(id string) []string { return slices.Clone(g.deps[id]) }

// Dependents returns the ids that start after id.
func (g *Graph) Dependents(id string) []string { return slices.Clone(g.dependents[id]) }

// StopPrerequisites returns the ids that must be fully stopped before id may
// be asked to terminate: its dependents plus its termination.before list.
func (g *Graph) StopPrerequisites(id string) []string { return slices.Clone(g.stopFirst[id]) }

// Satisfied reports whether every dependency of id has started.
func (g *Graph) Satisfied(id string, started func(string) bool) bool {
	return len(g.Waiting(id, started)) == 0
}

// Waiting returns the dependencies of id that have not started yet.
func (g *Graph) Waiting(id string, started func(string) bool) []string {
	var out []string
	for _, dep := range g.deps[id] {
		if !started(dep) {
			out = append(out, dep)
		}
	}
	return out
}

// walker holds the bookkeeping of one validation pass. It is never shared.
type walker struct {
	edges    map[string][]string
	relation string
	path     []string
	onPath   map[string]bool
	cleared  map[string]bool
}

func checkAcyclic(ids []string, edges map[string][]string, relation string) error {
	w := &walker{
		edges:    edges,
		relation: relation,
		onPath:   make(map[string]bool),
		cleared:  make(map[string]bool),
	}
	for _, id := range ids {
		if w.cleared[id] {
			continue
		}
		if err := w.visit(id); err != nil {
			return err
		}
	}
	return nil
}

func (w *walker) visit(id string) error {
	w.path = append(w.path, id)
	w.onPath[id] = true
	for _, next := range w.edges[id] {
		if next == id {
			return &failure.CyclicDependencyError{Trace: id, Self: true, Relation: w.relation}
		}
		if w.onPath[next] {
			return &failure.CyclicDependencyError{Trace: w.trace(next), Relation: w.relation}
		}
		if w.cleared[next] {
			continue
		}
		if err := w.visit(next); err != nil {
			return err
		}
	}
	w.path = w.path[:len(w.path)-1]
	delete(w.onPath, id)
	w.cleared[id] = true
	return nil
}

// trace renders the part of the current path that starts at head, closed back to head.
func (w *walker) trace(head string) string {
	start := slices.Index(w.path, head)
	parts := append(slices.Clone(w.path[start:]), head)
	return strings.Join(parts, " -> ")
}

func sorted(in []string) []string {
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}
