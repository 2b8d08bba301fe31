package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"icdgraph/internal/analysis"
)

// OutputFormat represents the output format type
type OutputFormat string

const (
	FormatJSON  OutputFormat = "json"
	FormatHuman OutputFormat = "human"
	FormatYAML  OutputFormat = "yaml"
)

// FormatResponse formats a response according to the specified format
func FormatResponse(resp interface{}, format OutputFormat) (string, error) {
	switch format {
	case FormatJSON:
		return formatJSON(resp)
	case FormatYAML:
		return formatYAML(resp)
	case FormatHuman:
		return formatHuman(resp)
	default:
		return "", fmt.Errorf("unsupported format: %s", format)
	}
}

// formatJSON formats the response as JSON
func formatJSON(resp interface{}) (string, error) {
	data, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(data), nil
}

func formatYAML(resp interface{}) (string, error) {
	data, err := yaml.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("failed to marshal YAML: %w", err)
	}
	return strings.TrimRight(string(data), "\n"), nil
}

// formatHuman formats the response in human-readable format
func formatHuman(resp interface{}) (string, error) {
	switch v := resp.(type) {
	case *CrawlResponseCLI:
		return formatCrawlHuman(v), nil
	case *StatsResponseCLI:
		return formatStatsHuman(v), nil
	case *AnalyzeResponseCLI:
		return formatAnalyzeHuman(v), nil
	case *RunsResponseCLI:
		return formatRunsHuman(v), nil
	default:
		// For unknown types, fall back to JSON
		return formatJSON(resp)
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func formatCrawlHuman(r *CrawlResponseCLI) string {
	var b strings.Builder

	if r.Interrupted {
		b.WriteString("Crawl interrupted; partial graph written without metrics\n")
	} else {
		b.WriteString("Crawl complete\n")
	}
	b.WriteString(strings.Repeat("=", 60) + "\n")
	b.WriteString(fmt.Sprintf("  Source:     %s (root %s)\n", r.Source, r.Root))
	b.WriteString(fmt.Sprintf("  Snapshot:   %s\n", r.Snapshot))
	b.WriteString(fmt.Sprintf("  Run:        %s\n", r.RunID))
	b.WriteString(fmt.Sprintf("  Digest:     %s\n", r.Digest))
	b.WriteString(fmt.Sprintf("  Nodes:      %d (%d failed)\n", r.Nodes, r.Failed))
	if r.Interrupted {
		b.WriteString(fmt.Sprintf("  Pending:    %d never requested\n", r.Pending))
	}
	b.WriteString(fmt.Sprintf("  Edges:      %d\n", r.Edges))
	b.WriteString(fmt.Sprintf("  Batches:    %d (peak %d in flight)\n", r.Batches, r.MaxInFlight))
	b.WriteString(fmt.Sprintf("  Crawl:      %dms\n", r.CrawlMs))
	if r.Analyzed {
		b.WriteString(fmt.Sprintf("  Analysis:   %dms (cycle detected: %s)\n", r.AnalysisMs, yesNo(r.CycleDetected)))
	}
	if r.Database != "" {
		b.WriteString(fmt.Sprintf("  Database:   %s\n", r.Database))
	}
	if r.MetricsFile != "" {
		b.WriteString(fmt.Sprintf("  Metrics:    %s\n", r.MetricsFile))
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatStatsHuman(r *StatsResponseCLI) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("Stats recomputed: %s -> %s\n", r.Input, r.Output))
	if r.Partial {
		b.WriteString("  ! input comes from an interrupted crawl and is incomplete\n")
	}
	b.WriteString(fmt.Sprintf("  Run:             %s\n", r.RunID))
	b.WriteString(fmt.Sprintf("  Nodes:           %d\n", r.Nodes))
	b.WriteString(fmt.Sprintf("  Max descendants: %d\n", r.MaxDescendants))
	if r.RootPresent {
		b.WriteString(fmt.Sprintf("  Cycle detected:  %s\n", yesNo(r.CycleDetected)))
	} else {
		b.WriteString(fmt.Sprintf("  Root %q missing: depths and path counts skipped\n", r.Root))
	}
	b.WriteString(fmt.Sprintf("  Elapsed:         %dms", r.ElapsedMs))
	return b.String()
}

func formatAnalyzeHuman(r *AnalyzeResponseCLI) string {
	var b strings.Builder
	s := r.Summary

	b.WriteString(fmt.Sprintf("Graph: %s (root %s)\n", r.Source, r.Root))
	b.WriteString(strings.Repeat("=", 60) + "\n")
	if r.Partial {
		b.WriteString("  ! input comes from an interrupted crawl and is incomplete\n")
	}
	b.WriteString(fmt.Sprintf("  Vertices:        %d (%d stubs)\n", s.Vertices, s.Stubs))
	b.WriteString(fmt.Sprintf("  Edges:           %d (%d child links)\n", s.Edges, s.ChildEdges))
	b.WriteString(fmt.Sprintf("  Multi-parent:    %d\n", s.MultiParent))
	b.WriteString(fmt.Sprintf("  Leaves:          %d\n", s.Leaves))
	b.WriteString(fmt.Sprintf("  Max in-degree:   %d\n", s.MaxInDegree))
	b.WriteString(fmt.Sprintf("  Max out-degree:  %d\n", s.MaxOutDegree))
	b.WriteString(fmt.Sprintf("  Unknown refs:    %d\n", s.UnknownRefs))
	b.WriteString(fmt.Sprintf("  Cycle detected:  %s", yesNo(s.CycleDetected)))
	if s.BackEdges > 0 {
		b.WriteString(fmt.Sprintf(" (%d back edges)", s.BackEdges))
	}
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("  Max descendants: %d\n", s.MaxDescendants))
	b.WriteString(fmt.Sprintf("  Max height:      %d\n", s.MaxHeight))

	if d := s.Depth; d != nil {
		b.WriteString("\nDepth:\n")
		b.WriteString(fmt.Sprintf("  Max %d, longest %d, mean %.2f, median %.2f, unreachable %d\n",
			d.Max, d.MaxOfMax, d.Mean, d.Median, d.Unreachable))
	}

	if p := s.Paths; p != nil {
		writePathsHuman(&b, p)
	} else {
		b.WriteString("\nRoot missing: depth and path statistics skipped\n")
	}

	if len(s.Warnings) > 0 {
		b.WriteString("\nWarnings:\n")
		for _, w := range s.Warnings {
			b.WriteString(fmt.Sprintf("  [%s] %s\n", w.Code, w.Message))
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

func writePathsHuman(b *strings.Builder, p *analysis.PathSummary) {
	b.WriteString("\nRoot paths:\n")
	if !p.Acyclic {
		b.WriteString(fmt.Sprintf("  ! graph is cyclic (%d cycles)\n", len(p.Cycles)))
		for _, c := range p.Cycles {
			b.WriteString(fmt.Sprintf("    %s\n", strings.Join(c, " -> ")))
		}
		b.WriteString("  Path statistics skipped\n")
		return
	}
	b.WriteString(fmt.Sprintf("  Nodes with paths: %d (%d with more than one)\n", p.NodesWithPaths, p.MultiPath))
	b.WriteString(fmt.Sprintf("  Max %s, mean %.2f, median %.2f\n", p.Max, p.Mean, p.Median))
	if p.Overflows > 0 {
		b.WriteString(fmt.Sprintf("  %d counts exceed 64 bits\n", p.Overflows))
	}

	if len(p.Percentiles) > 0 {
		b.WriteString("\n  Percentiles:\n")
		for _, pv := range p.Percentiles {
			b.WriteString(fmt.Sprintf("    p%-6g %.0f\n", pv.Percentile, pv.Value))
		}
	}

	if len(p.Top) > 0 {
		b.WriteString(fmt.Sprintf("\n  Top %d by path count:\n", len(p.Top)))
		for i, n := range p.Top {
			b.WriteString(fmt.Sprintf("    %3d. %-20s %s  %s\n", i+1, n.PathCount, n.ID, n.Title))
		}
	}

	if len(p.Feasibility) > 0 {
		b.WriteString("\n  Nodes with at most N paths:\n")
		for _, t := range p.Feasibility {
			b.WriteString(fmt.Sprintf("    <= %-8d %8d  (%5.1f%%)\n", t.Threshold, t.Count, t.Percent))
		}
	}

	if len(p.ByDepth) > 0 {
		b.WriteString("\n  By depth:\n")
		b.WriteString(fmt.Sprintf("    %5s %8s %10s %10s %12s %10s\n", "depth", "count", "mean", "median", "max", "p99"))
		for _, row := range p.ByDepth {
			b.WriteString(fmt.Sprintf("    %5d %8d %10.2f %10.2f %12s %10.2f\n",
				row.Depth, row.Count, row.Mean, row.Median, row.Max, row.P99))
		}
	}
}

func formatRunsHuman(r *RunsResponseCLI) string {
	if len(r.Runs) == 0 {
		return fmt.Sprintf("No runs stored in %s", r.Database)
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("Runs in %s:\n", r.Database))
	for _, run := range r.Runs {
		acyclic := "?"
		if run.Acyclic != nil {
			acyclic = yesNo(*run.Acyclic)
		}
		b.WriteString(fmt.Sprintf("  %s  %s  nodes=%d edges=%d failed=%d analyzed=%s acyclic=%s",
			run.ID, run.CreatedAt.Format("2006-01-02 15:04:05"), run.Nodes, run.Edges, run.Failed,
			yesNo(run.Analyzed), acyclic))
		if run.Partial {
			b.WriteString(" partial")
		}
		if run.RootMissing {
			b.WriteString(" root-missing")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
