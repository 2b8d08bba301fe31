package analysis

import (
	"icdgraph/internal/errors"
	"icdgraph/internal/graph"
)

// Unreached marks depth and max-depth of nodes the root cannot reach.
const Unreached = -1

// DepthRange holds, per slot, the shortest and longest distance from the root
// following children edges.
type DepthRange struct {
	Depth    []int
	MaxDepth []int
	// Reached counts slots with a non-negative depth, the root included.
	Reached int
	// Forced counts nodes on cycles whose max-depth was finalized before all of
	// their in-edges had been relaxed.
	Forced int
}

// ComputeDepths returns the BFS depth of every node below root, Unreached for the rest.
func ComputeDepths(g *graph.Graph, root string) (map[string]int, error) {
	idx := graph.NewIndex(g)
	dr, err := ComputeDepthRange(idx, root)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, idx.Len())
	for i := 0; i < idx.Len(); i++ {
		out[idx.ID(int32(i))] = dr.Depth[i]
	}
	return out, nil
}

// ComputeDepthRange computes depth by single-visit BFS and max-depth by a longest
// path relaxation in which every reached edge is relaxed exactly once.
//
// A node propagates its max-depth once all of its in-edges from reached nodes have
// been relaxed, which makes the result exact on acyclic input. When only nodes on a
// cycle are left waiting, the earliest one in BFS order is forced: its current
// value becomes final and edges that later arrive at it are ignored.
func ComputeDepthRange(idx *graph.Index, root string) (*DepthRange, error) {
	r, ok := idx.Pos(root)
	if !ok {
		return nil, errors.Errorf(errors.MissingRoot, "root %q not found in graph", root).
			WithDetails(map[string]interface{}{"root": root, "nodes": idx.Len()})
	}

	n := idx.Len()
	dr := &DepthRange{
		Depth:    make([]int, n),
		MaxDepth: make([]int, n),
	}
	for i := range dr.Depth {
		dr.Depth[i] = Unreached
		dr.MaxDepth[i] = Unreached
	}

	// shortest depth; order doubles as the forcing order below
	order := make([]int32, 0, n)
	dr.Depth[r] = 0
	order = append(order, r)
	for head := 0; head < len(order); head++ {
		v := order[head]
		for _, c := range idx.Children(v) {
			if dr.Depth[c] == Unreached {
				dr.Depth[c] = dr.Depth[v] + 1
				order = append(order, c)
			}
		}
	}
	dr.Reached = len(order)

	// every reached node's children are reached, so all of their edges count
	waiting := make([]int, n)
	for _, v := range order {
		for _, c := range idx.Children(v) {
			waiting[c]++
		}
	}

	propagated := make([]bool, n)
	dr.MaxDepth[r] = 0
	ready := []int32{r}
	cursor := 0

	for {
		for len(ready) > 0 {
			v := ready[0]
			ready = ready[1:]
			if propagated[v] {
				continue
			}
			propagated[v] = true

			for _, c := range idx.Children(v) {
				waiting[c]--
				if propagated[c] {
					continue
				}
				if d := dr.MaxDepth[v] + 1; d > dr.MaxDepth[c] {
					dr.MaxDepth[c] = d
				}
				if waiting[c] == 0 {
					ready = append(ready, c)
				}
			}
		}

		for cursor < len(order) && propagated[order[cursor]] {
			cursor++
		}
		if cursor == len(order) {
			break
		}
		// The first pending node in BFS order has its BFS parent propagated, so
		// it already carries a value.
		ready = append(ready, order[cursor])
		dr.Forced++
	}

	return dr, nil
}
