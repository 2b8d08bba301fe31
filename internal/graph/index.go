package graph

// Index is a dense, read-only view of a finalized Graph. Every node gets a slot in
// insertion order and both edge relations are stored as slot lists, so the analysis
// passes work on int32 arenas instead of string maps.
type Index struct {
	ids []string
	pos map[string]int32

	// down[i]: slots of node i's children list (traversal edges)
	down [][]int32
	// dag[i]: slots of nodes that list i as a parent (path-count edges)
	dag [][]int32

	downEdges   int
	dagEdges    int
	unknownRefs int
}

// NewIndex builds the arena for g. Ids that are referenced but not present are
// skipped and counted; repeated references to the same id are collapsed.
func NewIndex(g *Graph) *Index {
	n := g.Len()
	x := &Index{
		ids:  g.IDs(),
		pos:  make(map[string]int32, n),
		down: make([][]int32, n),
		dag:  make([][]int32, n),
	}
	for i, id := range x.ids {
		x.pos[id] = int32(i)
	}

	for i, id := range x.ids {
		node := g.nodes[id]

		seen := make(map[int32]struct{}, len(node.Children))
		for _, cid := range node.Children {
			c, ok := x.pos[cid]
			if !ok {
				x.unknownRefs++
				continue
			}
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			x.down[i] = append(x.down[i], c)
			x.downEdges++
		}

		clear(seen)
		for _, pid := range node.Parents {
			p, ok := x.pos[pid]
			if !ok {
				x.unknownRefs++
				continue
			}
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			x.dag[p] = append(x.dag[p], int32(i))
			x.dagEdges++
		}
	}

	return x
}

// Len returns the number of slots.
func (x *Index) Len() int {
	return len(x.ids)
}

// ID returns the node id stored in slot i.
func (x *Index) ID(i int32) string {
	return x.ids[i]
}

// Pos returns the slot of id.
func (x *Index) Pos(id string) (int32, bool) {
	i, ok := x.pos[id]
	return i, ok
}

// Children returns the known children of slot i, following children lists.
func (x *Index) Children(i int32) []int32 {
	return x.down[i]
}

// DAGChildren returns the slots whose parents lists contain slot i.
func (x *Index) DAGChildren(i int32) []int32 {
	return x.dag[i]
}

// EdgeCount returns the number of distinct known edges from children lists.
func (x *Index) EdgeCount() int {
	return x.downEdges
}

// DAGEdgeCount returns the number of distinct known edges from parents lists.
func (x *Index) DAGEdgeCount() int {
	return x.dagEdges
}

// UnknownRefs returns how many parent/child references point outside the graph.
func (x *Index) UnknownRefs() int {
	return x.unknownRefs
}

// DAGInDegrees returns, per slot, the number of known parents.
func (x *Index) DAGInDegrees() []int {
	deg := make([]int, len(x.ids))
	for _, targets := range x.dag {
		for _, t := range targets {
			deg[t]++
		}
	}
	return deg
}
