package analysis

import (
	stderrors "errors"
	"math"
	"math/big"
	"sort"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"icdgraph/internal/errors"
	"icdgraph/internal/graph"
)

// PathCounts is the number of distinct root-to-node paths over parent->child edges.
//
// If the edge relation has a cycle no ordering exists; Acyclic is then false, every
// count is 1 and Cycles lists the offending components.
type PathCounts struct {
	Root    string
	Acyclic bool
	Cycles  [][]string

	idx    *graph.Index
	counts []*big.Int
}

// CountPathsToRoot counts root paths for every node of g.
func CountPathsToRoot(g *graph.Graph, root string) (*PathCounts, error) {
	return countPaths(graph.NewIndex(g), root)
}

func countPaths(idx *graph.Index, root string) (*PathCounts, error) {
	r, ok := idx.Pos(root)
	if !ok {
		return nil, errors.Errorf(errors.MissingRoot, "root %q not found in graph", root).
			WithDetails(map[string]interface{}{"root": root, "nodes": idx.Len()})
	}

	n := idx.Len()
	pc := &PathCounts{Root: root, Acyclic: true, idx: idx, counts: make([]*big.Int, n)}

	order, cycles := topoOrder(idx)
	if len(cycles) > 0 {
		pc.Acyclic = false
		pc.Cycles = cycles
		for i := range pc.counts {
			pc.counts[i] = big.NewInt(1)
		}
		return pc, nil
	}

	for i := range pc.counts {
		pc.counts[i] = new(big.Int)
	}
	pc.counts[r].SetInt64(1)

	for _, v := range order {
		cv := pc.counts[v]
		if cv.Sign() == 0 {
			continue
		}
		for _, c := range idx.DAGChildren(v) {
			pc.counts[c].Add(pc.counts[c], cv)
		}
	}

	return pc, nil
}

// topoOrder sorts the parent->child relation. Self-loops are reported as
// single-node cycles since simple.DirectedGraph cannot hold them.
func topoOrder(idx *graph.Index) ([]int32, [][]string) {
	dg := simple.NewDirectedGraph()
	for i := 0; i < idx.Len(); i++ {
		dg.AddNode(simple.Node(i))
	}

	var cycles [][]string
	for i := 0; i < idx.Len(); i++ {
		from := int32(i)
		for _, to := range idx.DAGChildren(from) {
			if to == from {
				cycles = append(cycles, []string{idx.ID(from)})
				continue
			}
			dg.SetEdge(dg.NewEdge(simple.Node(from), simple.Node(to)))
		}
	}

	sorted, err := topo.SortStabilized(dg, nil)
	var unorderable topo.Unorderable
	if stderrors.As(err, &unorderable) {
		for _, component := range unorderable {
			ids := make([]string, len(component))
			for j, node := range component {
				ids[j] = idx.ID(int32(node.ID()))
			}
			cycles = append(cycles, ids)
		}
	}
	if len(cycles) > 0 {
		sort.SliceStable(cycles, func(a, b int) bool {
			pa, _ := idx.Pos(cycles[a][0])
			pb, _ := idx.Pos(cycles[b][0])
			return pa < pb
		})
		return nil, cycles
	}

	order := make([]int32, len(sorted))
	for i, node := range sorted {
		order[i] = int32(node.ID())
	}
	return order, nil
}

// Count returns the path count of id. Unknown ids report nil.
func (pc *PathCounts) Count(id string) *big.Int {
	i, ok := pc.idx.Pos(id)
	if !ok {
		return nil
	}
	return pc.counts[i]
}

// At returns the path count stored for slot i.
func (pc *PathCounts) At(i int32) *big.Int {
	return pc.counts[i]
}

// Map returns a copy of every count keyed by id.
func (pc *PathCounts) Map() map[string]*big.Int {
	out := make(map[string]*big.Int, len(pc.counts))
	for i, c := range pc.counts {
		out[pc.idx.ID(int32(i))] = new(big.Int).Set(c)
	}
	return out
}

// Overflows lists, in insertion order, the ids whose count does not fit in a uint64.
func (pc *PathCounts) Overflows() []string {
	var out []string
	for i, c := range pc.counts {
		if !c.IsUint64() {
			out = append(out, pc.idx.ID(int32(i)))
		}
	}
	return out
}

// Max returns the largest count, zero for an empty graph.
func (pc *PathCounts) Max() *big.Int {
	best := new(big.Int)
	for _, c := range pc.counts {
		if c.Cmp(best) > 0 {
			best.Set(c)
		}
	}
	return best
}

// float64Of converts a count for summary statistics; huge counts saturate.
func float64Of(c *big.Int) float64 {
	if c.IsUint64() {
		return float64(c.Uint64())
	}
	f, _ := new(big.Float).SetInt(c).Float64()
	if math.IsInf(f, 0) {
		return math.MaxFloat64
	}
	return f
}
