package analysis

import (
	"log/slog"
	"math/big"
	"time"

	"icdgraph/internal/errors"
	"icdgraph/internal/graph"
)

// Result bundles every pass over one graph. Depths and Paths are nil when the
// root was absent and the result came from ComputeStats.
type Result struct {
	Root      string
	Index     *graph.Index
	Structure *Structure
	Depths    *DepthRange
	Paths     *PathCounts
	Elapsed   time.Duration
}

// Run computes all metrics. A missing root fails with MISSING_ROOT.
func Run(g *graph.Graph, root string) (*Result, error) {
	start := time.Now()
	idx := graph.NewIndex(g)

	depths, err := ComputeDepthRange(idx, root)
	if err != nil {
		return nil, err
	}
	paths, err := countPaths(idx, root)
	if err != nil {
		return nil, err
	}

	return &Result{
		Root:      root,
		Index:     idx,
		Structure: ComputeStructure(idx),
		Depths:    depths,
		Paths:     paths,
		Elapsed:   time.Since(start),
	}, nil
}

// ComputeStats recomputes whatever the graph supports: structure always, depths
// and path counts only when root is present. A missing root is logged, not
// returned; logger may be nil.
func ComputeStats(g *graph.Graph, root string, logger *slog.Logger) *Result {
	start := time.Now()
	idx := graph.NewIndex(g)
	res := &Result{Root: root, Index: idx, Structure: ComputeStructure(idx)}

	if _, ok := idx.Pos(root); ok {
		// neither pass can fail once the root is known
		res.Depths, _ = ComputeDepthRange(idx, root)
		res.Paths, _ = countPaths(idx, root)
	} else if logger != nil {
		logger.Warn("Root missing, skipping depth and path counts", "root", root, "nodes", idx.Len())
	}

	res.Elapsed = time.Since(start)
	return res
}

// CycleDetected reports whether any pass met a cycle.
func (r *Result) CycleDetected() bool {
	if r.Structure.CycleDetected() {
		return true
	}
	if r.Depths != nil && r.Depths.Forced > 0 {
		return true
	}
	return r.Paths != nil && !r.Paths.Acyclic
}

// RootMissing reports whether depths and path counts were skipped because the
// root is not in the graph.
func (r *Result) RootMissing() bool {
	return r.Depths == nil
}

// Warnings lists the non-fatal conditions met by the passes, UNKNOWN_REFERENCE
// for references outside the graph and CYCLE_DETECTED for any cycle.
func (r *Result) Warnings() []*errors.Error {
	var warnings []*errors.Error
	if n := r.Index.UnknownRefs(); n > 0 {
		warnings = append(warnings, errors.Errorf(errors.UnknownReference,
			"%d references point outside the graph and were skipped", n).
			WithDetails(map[string]interface{}{"count": n}))
	}
	if r.CycleDetected() {
		details := map[string]interface{}{"backEdges": len(r.Structure.BackEdges())}
		msg := "children links form a cycle; descendant counts and heights are lower bounds"
		if r.Depths != nil && r.Depths.Forced > 0 {
			details["forcedMaxDepth"] = r.Depths.Forced
		}
		if r.Paths != nil && !r.Paths.Acyclic {
			details["components"] = len(r.Paths.Cycles)
			msg = "parent relation is cyclic; every path count degenerates to 1"
		}
		warnings = append(warnings, errors.NewError(errors.CycleDetected, msg, nil).WithDetails(details))
	}
	return warnings
}

// Metrics returns the computed metrics of id, or nil if id is not in the graph.
func (r *Result) Metrics(id string) *graph.Metrics {
	i, ok := r.Index.Pos(id)
	if !ok {
		return nil
	}
	return r.metricsAt(i)
}

func (r *Result) metricsAt(i int32) *graph.Metrics {
	m := &graph.Metrics{
		DescendantCount: r.Structure.DescendantCount(i),
		Height:          r.Structure.Height(i),
		Depth:           Unreached,
		MaxDepth:        Unreached,
	}
	if r.Depths != nil {
		m.Depth = r.Depths.Depth[i]
		m.MaxDepth = r.Depths.MaxDepth[i]
	}
	if r.Paths != nil {
		m.PathCount = new(big.Int).Set(r.Paths.At(i))
	}
	return m
}

// Apply attaches the metrics to every node of g, which must be the graph the
// result was computed from.
func (r *Result) Apply(g *graph.Graph) {
	g.Range(func(id string, n *graph.Node) bool {
		if i, ok := r.Index.Pos(id); ok {
			n.Metrics = r.metricsAt(i)
		}
		return true
	})
}
