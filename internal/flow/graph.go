package flow

import (
	"fmt"
	"sort"
)

// TopoSort returns node ids in a deterministic topological order (Kahn's
// algorithm, ties broken by ascending id). Returns an error if the graph
// contains a cycle.
func (f *Flow) TopoSort() ([]uint64, error) {
	indeg := make(map[uint64]int, len(f.Nodes))
	for id := range f.Nodes {
		indeg[id] = 0
	}
	for _, e := range f.Edges {
		indeg[e.ToNode]++
	}

	var ready []uint64
	for id, d := range indeg {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })

	out := make([]uint64, 0, len(f.Nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		out = append(out, id)

		var next []uint64
		for _, e := range f.Outgoing(id) {
			indeg[e.ToNode]--
			if indeg[e.ToNode] == 0 {
				next = append(next, e.ToNode)
			}
		}
		sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })
		ready = append(ready, next...)
		sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
	}
	if len(out) != len(f.Nodes) {
		return nil, fmt.Errorf("graph contains a cycle")
	}
	return out, nil
}

// WouldCycle reports whether adding an edge from -> to would create a cycle,
// i.e. whether `from` is reachable from `to`.
func (f *Flow) WouldCycle(from, to uint64) bool {
	if from == to {
		return true
	}
	seen := map[uint64]bool{}
	stack := []uint64{to}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == from {
			return true
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		for _, e := range f.Outgoing(id) {
			stack = append(stack, e.ToNode)
		}
	}
	return false
}

// Downstream returns the transitive closure of successors of id, excluding id
// itself, in topological order.
func (f *Flow) Downstream(id uint64) []uint64 {
	closure := map[uint64]bool{}
	stack := []uint64{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range f.Outgoing(cur) {
			if !closure[e.ToNode] {
				closure[e.ToNode] = true
				stack = append(stack, e.ToNode)
			}
		}
	}
	order, err := f.TopoSort()
	if err != nil {
		return nil
	}
	var out []uint64
	for _, n := range order {
		if closure[n] {
			out = append(out, n)
		}
	}
	return out
}

// Sources returns all nodes with indegree zero, ascending by id.
func (f *Flow) Sources() []uint64 {
	indeg := map[uint64]int{}
	for id := range f.Nodes {
		indeg[id] = 0
	}
	for _, e := range f.Edges {
		indeg[e.ToNode]++
	}
	var out []uint64
	for id, d := range indeg {
		if d == 0 {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Upstream returns the direct predecessors of id, deduplicated.
func (f *Flow) Upstream(id uint64) []uint64 {
	seen := map[uint64]bool{}
	var out []uint64
	for _, e := range f.Incoming(id) {
		if !seen[e.FromNode] {
			seen[e.FromNode] = true
			out = append(out, e.FromNode)
		}
	}
	return out
}
