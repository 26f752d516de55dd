package executor

import (
	"sort"
)

// graph is the dependency DAG of one Execute call. Node i is tasks[i];
// deps[i] lists the in-call tasks node i waits for.
type graph struct {
	tasks []Task
	index map[string]int
	deps  [][]int
}

// newGraph compiles the name-based dependency lists. Dependencies outside the
// call are assumed satisfied and are not part of the graph.
func newGraph(tasks []Task) *graph {
	g := &graph{
		tasks: tasks,
		index: make(map[string]int, len(tasks)),
		deps:  make([][]int, len(tasks)),
	}
	for i, t := range tasks {
		g.index[t.EntityType] = i
	}
	for i, t := range tasks {
		seen := make(map[int]bool)
		for _, name := range t.Dependencies {
			j, ok := g.index[name]
			if !ok || seen[j] {
				continue
			}
			seen[j] = true
			g.deps[i] = append(g.deps[i], j)
		}
	}
	return g
}

const (
	white = iota
	grey
	black
)

// cycle returns the entity names along one dependency cycle, or nil.
func (g *graph) cycle() []string {
	color := make([]int, len(g.tasks))
	stack := make([]int, 0, len(g.tasks))

	var visit func(int) []string
	visit = func(n int) []string {
		color[n] = grey
		stack = append(stack, n)
		for _, d := range g.deps[n] {
			switch color[d] {
			case grey:
				var path []string
				for i := len(stack) - 1; i >= 0; i-- {
					path = append(path, g.tasks[stack[i]].EntityType)
					if stack[i] == d {
						break
					}
				}
				// Reverse so each name depends on the next one.
				for l, r := 0, len(path)-1; l < r; l, r = l+1, r-1 {
					path[l], path[r] = path[r], path[l]
				}
				return append(path, g.tasks[d].EntityType)
			case white:
				if p := visit(d); p != nil {
					return p
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return nil
	}

	for i := range g.tasks {
		if color[i] == white {
			if p := visit(i); p != nil {
				return p
			}
		}
	}
	return nil
}

// waves groups nodes by dependency depth. Every dependency of a node lies in
// an earlier wave. Within a wave nodes are ordered by descending priority,
// then submission order. The graph must be acyclic.
func (g *graph) waves() [][]int {
	depth := make([]int, len(g.tasks))
	for i := range depth {
		depth[i] = -1
	}

	var level func(int) int
	level = func(n int) int {
		if depth[n] >= 0 {
			return depth[n]
		}
		d := 0
		for _, dep := range g.deps[n] {
			if l := level(dep) + 1; l > d {
				d = l
			}
		}
		depth[n] = d
		return d
	}

	maxDepth := 0
	for i := range g.tasks {
		if l := level(i); l > maxDepth {
			maxDepth = l
		}
	}

	waves := make([][]int, maxDepth+1)
	for i := range g.tasks {
		waves[depth[i]] = append(waves[depth[i]], i)
	}
	for _, w := range waves {
		sort.SliceStable(w, func(a, b int) bool {
			return g.tasks[w[a]].Priority.rank() > g.tasks[w[b]].Priority.rank()
		})
	}
	return waves
}
