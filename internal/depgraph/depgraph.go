// Package depgraph validates and orders a set of process dependencies
// (spec.md §4.g): topological layers for starting, their reverse for
// stopping, and tracking of which nodes have run or failed within one
// scheduler pass.
package depgraph

import (
	"fmt"
	"sort"
	"sync"
)

// ErrorKind classifies a single validation failure.
type ErrorKind string

const (
	// ErrMissingDep means a node names a dependency that doesn't exist.
	ErrMissingDep ErrorKind = "missing_dep"
	// ErrCycle means the graph contains a circular dependency.
	ErrCycle ErrorKind = "cycle"
)

// GraphError is one validation failure, carrying enough of the offending
// path to report back to the operator.
type GraphError struct {
	Kind    ErrorKind
	Nodes   []string
	Message string
}

func (e GraphError) Error() string { return e.Message }

// Plan is the resolved execution plan for a valid graph.
type Plan struct {
	Valid  bool
	Order  []string
	Levels [][]string
	Errors []GraphError
}

// Graph holds the dependency edges for one set of named processes plus the
// per-node executed/failed bookkeeping a scheduler pass accumulates as it
// walks the plan.
type Graph struct {
	mu       sync.Mutex
	names    []string
	dependsOn map[string][]string
	dependents map[string][]string
	executed  map[string]bool
	failed    map[string]bool
}

// New builds a Graph from a name -> dependencies mapping. The mapping is
// copied; later config changes don't affect an already-built Graph.
func New(dependsOn map[string][]string) *Graph {
	g := &Graph{
		dependsOn:  make(map[string][]string, len(dependsOn)),
		dependents: make(map[string][]string, len(dependsOn)),
		executed:   make(map[string]bool),
		failed:     make(map[string]bool),
	}

	for name, deps := range dependsOn {
		g.names = append(g.names, name)
		g.dependsOn[name] = append([]string(nil), deps...)
	}
	sort.Strings(g.names)

	for name, deps := range g.dependsOn {
		for _, dep := range deps {
			g.dependents[dep] = append(g.dependents[dep], name)
		}
	}
	return g
}

// Size returns the number of nodes in the graph.
func (g *Graph) Size() int { return len(g.names) }

// GetDependencies returns the direct dependencies declared for name.
func (g *Graph) GetDependencies(name string) []string {
	return append([]string(nil), g.dependsOn[name]...)
}

// GetDependents returns the nodes that directly depend on name.
func (g *Graph) GetDependents(name string) []string {
	return append([]string(nil), g.dependents[name]...)
}

// Validate checks for dependencies naming unknown nodes and for cycles,
// returning every failure found (not just the first).
func (g *Graph) Validate() []GraphError {
	var errs []GraphError

	known := make(map[string]struct{}, len(g.names))
	for _, n := range g.names {
		known[n] = struct{}{}
	}

	for _, name := range g.names {
		for _, dep := range g.dependsOn[name] {
			if _, ok := known[dep]; !ok {
				errs = append(errs, GraphError{
					Kind:    ErrMissingDep,
					Nodes:   []string{name, dep},
					Message: fmt.Sprintf("process %q depends on unknown process %q", name, dep),
				})
			}
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		errs = append(errs, GraphError{
			Kind:    ErrCycle,
			Nodes:   cycle,
			Message: fmt.Sprintf("circular dependency: %v", cycle),
		})
	}

	return errs
}

// findCycle runs DFS with a recursion stack and returns one complete cycle
// (first node repeated at the end) or nil if the graph is acyclic.
func (g *Graph) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.names))
	var path []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		color[name] = gray
		path = append(path, name)

		for _, dep := range g.dependsOn[name] {
			if _, known := g.dependsOn[dep]; !known {
				// Unknown deps are reported by Validate, not cycle detection.
				continue
			}
			switch color[dep] {
			case gray:
				idx := indexOf(path, dep)
				cycle = append(append([]string(nil), path[idx:]...), dep)
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}

		path = path[:len(path)-1]
		color[name] = black
		return false
	}

	for _, name := range g.names {
		if color[name] == white {
			if visit(name) {
				return cycle
			}
		}
	}
	return nil
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

// Resolve validates the graph and, if valid, computes a layered
// topological order: Levels[0] holds every node with no unsatisfied
// dependency, Levels[1] holds nodes whose dependencies are all in earlier
// levels, and so on. Order flattens Levels for callers that only need a
// single sequence.
func (g *Graph) Resolve() Plan {
	if errs := g.Validate(); len(errs) > 0 {
		return Plan{Valid: false, Errors: errs}
	}

	remaining := make(map[string][]string, len(g.names))
	for name, deps := range g.dependsOn {
		remaining[name] = append([]string(nil), deps...)
	}

	var levels [][]string
	placed := make(map[string]bool, len(g.names))

	for len(placed) < len(g.names) {
		var level []string
		for _, name := range g.names {
			if placed[name] {
				continue
			}
			if allPlaced(remaining[name], placed) {
				level = append(level, name)
			}
		}
		if len(level) == 0 {
			// Validate() already rules this out; defensive only.
			break
		}
		sort.Strings(level)
		levels = append(levels, level)
		for _, name := range level {
			placed[name] = true
		}
	}

	var order []string
	for _, level := range levels {
		order = append(order, level...)
	}

	return Plan{Valid: true, Order: order, Levels: levels}
}

// Reverse returns levels in stop order: the last start layer stops first.
func Reverse(levels [][]string) [][]string {
	reversed := make([][]string, len(levels))
	for i, level := range levels {
		reversed[len(levels)-1-i] = append([]string(nil), level...)
	}
	return reversed
}

func allPlaced(deps []string, placed map[string]bool) bool {
	for _, d := range deps {
		if !placed[d] {
			return false
		}
	}
	return true
}

// GetReadySteps returns nodes whose dependencies have all executed and
// that have not themselves executed or failed yet.
func (g *Graph) GetReadySteps() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var ready []string
	for _, name := range g.names {
		if g.executed[name] || g.failed[name] {
			continue
		}
		if allPlaced(g.dependsOn[name], g.executed) {
			ready = append(ready, name)
		}
	}
	return ready
}

// MarkExecuted records that name has completed successfully.
func (g *Graph) MarkExecuted(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.dependsOn[name]; !ok {
		return fmt.Errorf("depgraph: unknown node %q", name)
	}
	g.executed[name] = true
	return nil
}

// MarkFailed records that name failed.
func (g *Graph) MarkFailed(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.dependsOn[name]; !ok {
		return fmt.Errorf("depgraph: unknown node %q", name)
	}
	g.failed[name] = true
	return nil
}

// IsExecuted reports whether name has been marked executed.
func (g *Graph) IsExecuted(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.executed[name]
}

// IsFailed reports whether name has been marked failed.
func (g *Graph) IsFailed(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failed[name]
}

// ExecutedCount returns how many nodes have been marked executed.
func (g *Graph) ExecutedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.executed)
}

// HasFailedDependency reports whether any direct dependency of name has
// been marked failed.
func (g *Graph) HasFailedDependency(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, dep := range g.dependsOn[name] {
		if g.failed[dep] {
			return true
		}
	}
	return false
}

// GetFailedDependencies returns the direct dependencies of name that have
// been marked failed.
func (g *Graph) GetFailedDependencies(name string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var failed []string
	for _, dep := range g.dependsOn[name] {
		if g.failed[dep] {
			failed = append(failed, dep)
		}
	}
	return failed
}
