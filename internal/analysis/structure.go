// Package analysis computes per-node statistics over a finalized graph: descendant
// sets and heights, shortest and longest depth from the root, and root-path counts.
// All passes are sequential and perform no I/O.
package analysis

import (
	"github.com/RoaringBitmap/roaring/v2"

	"icdgraph/internal/graph"
)

// visitState tags each slot during the structure pass.
type visitState uint8

const (
	unvisited visitState = iota
	inProgress
	done
)

// BackEdge is a children edge whose target was still in progress when it was
// followed, i.e. an edge that closes a cycle.
type BackEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Structure holds descendant sets and heights for every slot of an Index.
//
// Cycles are tolerated: a child that is still in progress contributes itself to
// the descendant set and a height of zero. Nodes on a cycle are therefore
// undercounted; BackEdges lists every edge where that happened.
type Structure struct {
	idx         *graph.Index
	descendants []*roaring.Bitmap
	height      []int
	backEdges   []BackEdge
}

type dfsFrame struct {
	slot int32
	next int
}

// ComputeStructure walks the children relation depth-first with an explicit stack,
// starting a new walk from every unvisited slot in insertion order.
func ComputeStructure(idx *graph.Index) *Structure {
	n := idx.Len()
	s := &Structure{
		idx:         idx,
		descendants: make([]*roaring.Bitmap, n),
		height:      make([]int, n),
	}
	state := make([]visitState, n)
	var stack []dfsFrame

	enter := func(slot int32) {
		state[slot] = inProgress
		s.descendants[slot] = roaring.New()
		stack = append(stack, dfsFrame{slot: slot})
	}

	for start := 0; start < n; start++ {
		if state[start] != unvisited {
			continue
		}
		enter(int32(start))

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			children := idx.Children(top.slot)

			if top.next < len(children) {
				c := children[top.next]
				top.next++

				switch state[c] {
				case unvisited:
					enter(c)
				case inProgress:
					s.descendants[top.slot].Add(uint32(c))
					if s.height[top.slot] < 1 {
						s.height[top.slot] = 1
					}
					s.backEdges = append(s.backEdges, BackEdge{From: idx.ID(top.slot), To: idx.ID(c)})
				case done:
					s.absorb(top.slot, c)
				}
				continue
			}

			finished := top.slot
			state[finished] = done
			stack = stack[:len(stack)-1]
			if len(stack) > 0 {
				s.absorb(stack[len(stack)-1].slot, finished)
			}
		}
	}

	return s
}

// absorb folds a finished child into its parent.
func (s *Structure) absorb(parent, child int32) {
	d := s.descendants[parent]
	d.Add(uint32(child))
	d.Or(s.descendants[child])
	if h := s.height[child] + 1; h > s.height[parent] {
		s.height[parent] = h
	}
}

// DescendantCount returns the number of distinct descendants of slot i.
func (s *Structure) DescendantCount(i int32) int {
	return int(s.descendants[i].GetCardinality())
}

// Height returns the longest downward path from slot i to a leaf.
func (s *Structure) Height(i int32) int {
	return s.height[i]
}

// Descendants returns the ids below id in slot order, or nil if id is unknown.
func (s *Structure) Descendants(id string) []string {
	i, ok := s.idx.Pos(id)
	if !ok {
		return nil
	}
	out := make([]string, 0, s.descendants[i].GetCardinality())
	it := s.descendants[i].Iterator()
	for it.HasNext() {
		out = append(out, s.idx.ID(int32(it.Next())))
	}
	return out
}

// BackEdges returns the cycle-closing edges found during the walk.
func (s *Structure) BackEdges() []BackEdge {
	return s.backEdges
}

// CycleDetected reports whether any descendant count or height is approximate.
func (s *Structure) CycleDetected() bool {
	return len(s.backEdges) > 0
}
