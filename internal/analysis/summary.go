package analysis

import (
	"math/big"
	"sort"

	"gonum.org/v1/gonum/stat"

	"icdgraph/internal/errors"
	"icdgraph/internal/graph"
)

// SummaryOptions tunes the reported tables.
type SummaryOptions struct {
	// Percentiles in the range [0, 100].
	Percentiles []float64
	// Thresholds for the feasibility table, ascending.
	Thresholds []int64
	TopN       int
}

// DefaultSummaryOptions returns the percentiles, thresholds and top-N used by the CLI.
func DefaultSummaryOptions() SummaryOptions {
	return SummaryOptions{
		Percentiles: []float64{50, 75, 90, 95, 99, 99.5, 99.9, 100},
		Thresholds:  []int64{1, 2, 5, 10, 50, 100, 500, 1000, 10000},
		TopN:        20,
	}
}

// Summary aggregates a Result into report-sized numbers. Degree figures use the
// parent->child edges derived from parents lists.
type Summary struct {
	Vertices      int  `json:"vertices" yaml:"vertices"`
	Edges         int  `json:"edges" yaml:"edges"`
	ChildEdges    int  `json:"childEdges" yaml:"childEdges"`
	MultiParent   int  `json:"multiParent" yaml:"multiParent"`
	Leaves        int  `json:"leaves" yaml:"leaves"`
	MaxInDegree   int  `json:"maxInDegree" yaml:"maxInDegree"`
	MaxOutDegree  int  `json:"maxOutDegree" yaml:"maxOutDegree"`
	Stubs         int  `json:"stubs" yaml:"stubs"`
	UnknownRefs   int  `json:"unknownRefs" yaml:"unknownRefs"`
	CycleDetected bool `json:"cycleDetected" yaml:"cycleDetected"`
	BackEdges     int  `json:"backEdges" yaml:"backEdges"`

	MaxDescendants int `json:"maxDescendants" yaml:"maxDescendants"`
	MaxHeight      int `json:"maxHeight" yaml:"maxHeight"`

	Depth *DepthSummary `json:"depth,omitempty" yaml:"depth,omitempty"`
	Paths *PathSummary  `json:"paths,omitempty" yaml:"paths,omitempty"`

	Warnings []*errors.Error `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// DepthSummary describes distances from the root over reached nodes.
type DepthSummary struct {
	Max         int     `json:"max" yaml:"max"`
	MaxOfMax    int     `json:"maxOfMaxDepth" yaml:"maxOfMaxDepth"`
	Mean        float64 `json:"mean" yaml:"mean"`
	Median      float64 `json:"median" yaml:"median"`
	Unreachable int     `json:"unreachable" yaml:"unreachable"`
}

// PathSummary describes root-path counts over nodes with at least one path. For a
// cyclic relation only Acyclic and Cycles are set.
type PathSummary struct {
	Acyclic        bool              `json:"acyclic" yaml:"acyclic"`
	Cycles         [][]string        `json:"cycles,omitempty" yaml:"cycles,omitempty"`
	NodesWithPaths int               `json:"nodesWithPaths" yaml:"nodesWithPaths"`
	MultiPath      int               `json:"multiPath" yaml:"multiPath"`
	Max            string            `json:"max,omitempty" yaml:"max,omitempty"`
	Mean           float64           `json:"mean" yaml:"mean"`
	Median         float64           `json:"median" yaml:"median"`
	Overflows      int               `json:"overflows" yaml:"overflows"`
	Percentiles    []PercentileValue `json:"percentiles" yaml:"percentiles"`
	Top            []RankedNode      `json:"top" yaml:"top"`
	Feasibility    []ThresholdCount  `json:"feasibility" yaml:"feasibility"`
	ByDepth        []DepthPaths      `json:"byDepth" yaml:"byDepth"`
}

// PercentileValue is one row of the percentile table.
type PercentileValue struct {
	Percentile float64 `json:"percentile" yaml:"percentile"`
	Value      float64 `json:"value" yaml:"value"`
}

// RankedNode is one row of the top-N table.
type RankedNode struct {
	ID        string `json:"id" yaml:"id"`
	Title     string `json:"title" yaml:"title"`
	PathCount string `json:"pathCount" yaml:"pathCount"`
}

// ThresholdCount is the number of nodes whose path count is at most Threshold.
type ThresholdCount struct {
	Threshold int64   `json:"threshold" yaml:"threshold"`
	Count     int     `json:"count" yaml:"count"`
	Percent   float64 `json:"percent" yaml:"percent"`
}

// DepthPaths summarizes path counts of the nodes at one depth.
type DepthPaths struct {
	Depth  int     `json:"depth" yaml:"depth"`
	Count  int     `json:"count" yaml:"count"`
	Mean   float64 `json:"mean" yaml:"mean"`
	Median float64 `json:"median" yaml:"median"`
	Max    string  `json:"max" yaml:"max"`
	P99    float64 `json:"p99" yaml:"p99"`
}

// Summarize builds the report for res over g.
func Summarize(g *graph.Graph, res *Result, opts SummaryOptions) *Summary {
	idx := res.Index
	n := idx.Len()

	s := &Summary{
		Vertices:      n,
		Edges:         idx.DAGEdgeCount(),
		ChildEdges:    idx.EdgeCount(),
		Stubs:         g.StubCount(),
		UnknownRefs:   idx.UnknownRefs(),
		CycleDetected: res.CycleDetected(),
		BackEdges:     len(res.Structure.BackEdges()),
		Warnings:      res.Warnings(),
	}

	inDeg := idx.DAGInDegrees()
	for i := 0; i < n; i++ {
		slot := int32(i)
		out := len(idx.DAGChildren(slot))
		if inDeg[i] > 1 {
			s.MultiParent++
		}
		if out == 0 {
			s.Leaves++
		}
		s.MaxInDegree = max(s.MaxInDegree, inDeg[i])
		s.MaxOutDegree = max(s.MaxOutDegree, out)
		s.MaxDescendants = max(s.MaxDescendants, res.Structure.DescendantCount(slot))
		s.MaxHeight = max(s.MaxHeight, res.Structure.Height(slot))
	}

	if res.Depths != nil {
		s.Depth = summarizeDepths(res.Depths)
	}
	if res.Paths != nil {
		s.Paths = summarizePaths(g, res, opts)
	}
	return s
}

func summarizeDepths(dr *DepthRange) *DepthSummary {
	ds := &DepthSummary{}
	reached := make([]float64, 0, dr.Reached)
	for i, d := range dr.Depth {
		if d == Unreached {
			ds.Unreachable++
			continue
		}
		reached = append(reached, float64(d))
		ds.Max = max(ds.Max, d)
		ds.MaxOfMax = max(ds.MaxOfMax, dr.MaxDepth[i])
	}
	sort.Float64s(reached)
	ds.Mean = stat.Mean(reached, nil)
	ds.Median = stat.Quantile(0.5, stat.LinInterp, reached, nil)
	return ds
}

func summarizePaths(g *graph.Graph, res *Result, opts SummaryOptions) *PathSummary {
	pc := res.Paths
	idx := res.Index

	// degenerate all-1 counts carry no statistics
	if !pc.Acyclic {
		return &PathSummary{Acyclic: false, Cycles: pc.Cycles}
	}

	ps := &PathSummary{
		Acyclic:   pc.Acyclic,
		Cycles:    pc.Cycles,
		Max:       pc.Max().String(),
		Overflows: len(pc.Overflows()),
	}

	var values []float64
	byDepth := make(map[int][]int32)
	for i := 0; i < idx.Len(); i++ {
		slot := int32(i)
		c := pc.At(slot)
		if c.Sign() == 0 {
			continue
		}
		values = append(values, float64Of(c))
		if c.Cmp(bigOne) > 0 {
			ps.MultiPath++
		}
		if d := res.Depths; d != nil && d.Depth[i] != Unreached {
			byDepth[d.Depth[i]] = append(byDepth[d.Depth[i]], slot)
		}
	}
	ps.NodesWithPaths = len(values)
	if len(values) == 0 {
		return ps
	}

	sort.Float64s(values)
	ps.Mean = stat.Mean(values, nil)
	ps.Median = stat.Quantile(0.5, stat.LinInterp, values, nil)
	for _, p := range opts.Percentiles {
		ps.Percentiles = append(ps.Percentiles, PercentileValue{
			Percentile: p,
			Value:      stat.Quantile(p/100, stat.LinInterp, values, nil),
		})
	}

	for _, t := range opts.Thresholds {
		limit := big.NewInt(t)
		count := 0
		for i := 0; i < idx.Len(); i++ {
			c := pc.At(int32(i))
			if c.Sign() > 0 && c.Cmp(limit) <= 0 {
				count++
			}
		}
		ps.Feasibility = append(ps.Feasibility, ThresholdCount{
			Threshold: t,
			Count:     count,
			Percent:   100 * float64(count) / float64(len(values)),
		})
	}

	ps.Top = topByPathCount(g, res, opts.TopN)
	ps.ByDepth = pathsByDepth(pc, byDepth)
	return ps
}

var bigOne = big.NewInt(1)

// topByPathCount ranks nodes by count, then id, both descending.
func topByPathCount(g *graph.Graph, res *Result, n int) []RankedNode {
	if n <= 0 {
		return nil
	}
	idx := res.Index
	slots := make([]int32, idx.Len())
	for i := range slots {
		slots[i] = int32(i)
	}
	sort.SliceStable(slots, func(a, b int) bool {
		ca, cb := res.Paths.At(slots[a]), res.Paths.At(slots[b])
		if cmp := ca.Cmp(cb); cmp != 0 {
			return cmp > 0
		}
		return idx.ID(slots[a]) > idx.ID(slots[b])
	})
	if len(slots) > n {
		slots = slots[:n]
	}

	top := make([]RankedNode, 0, len(slots))
	for _, slot := range slots {
		id := idx.ID(slot)
		title := graph.UnknownTitle
		if node, ok := g.Get(id); ok {
			title = node.Title
		}
		top = append(top, RankedNode{ID: id, Title: title, PathCount: res.Paths.At(slot).String()})
	}
	return top
}

func pathsByDepth(pc *PathCounts, byDepth map[int][]int32) []DepthPaths {
	depths := make([]int, 0, len(byDepth))
	for d := range byDepth {
		depths = append(depths, d)
	}
	sort.Ints(depths)

	rows := make([]DepthPaths, 0, len(depths))
	for _, d := range depths {
		slots := byDepth[d]
		vals := make([]float64, len(slots))
		best := new(big.Int)
		for i, slot := range slots {
			c := pc.At(slot)
			vals[i] = float64Of(c)
			if c.Cmp(best) > 0 {
				best = c
			}
		}
		sort.Float64s(vals)
		rows = append(rows, DepthPaths{
			Depth:  d,
			Count:  len(vals),
			Mean:   stat.Mean(vals, nil),
			Median: stat.Quantile(0.5, stat.LinInterp, vals, nil),
			Max:    best.String(),
			P99:    stat.Quantile(0.99, stat.LinInterp, vals, nil),
		})
	}
	return rows
}
