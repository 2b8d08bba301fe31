package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"icdgraph/internal/analysis"
	"icdgraph/internal/config"
	"icdgraph/internal/graph"
	"icdgraph/internal/snapshot"
	"icdgraph/internal/storage"
)

var (
	analyzeInput  string
	analyzeRun    string
	analyzeSQLite string
	analyzeRoot   string
	analyzeFormat string
	analyzeTop    int
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Report graph statistics",
	Long: `Compute metrics over a snapshot, or a run stored in SQLite, and report degree,
depth and root-path statistics: percentiles, the nodes with the most paths, a
feasibility table of nodes under each path-count threshold, and per-depth rows.

The root must be present in the graph; otherwise the command fails with
MISSING_ROOT. Input from an interrupted crawl is analyzed with a warning.

Examples:
  icdgraph analyze
  icdgraph analyze --input foundation_graph.json.zst --format yaml
  icdgraph analyze --sqlite runs.db --run latest --top 50`,
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeInput, "input", "", "Snapshot to read (default from config)")
	analyzeCmd.Flags().StringVar(&analyzeRun, "run", "", "Stored run id, or \"latest\"; reads from --sqlite instead of a snapshot")
	analyzeCmd.Flags().StringVar(&analyzeSQLite, "sqlite", "", "SQLite database holding runs (default from config)")
	analyzeCmd.Flags().StringVar(&analyzeRoot, "root", "", "Root entity id (default from config)")
	analyzeCmd.Flags().StringVar(&analyzeFormat, "format", "human", "Output format (json, human, yaml)")
	analyzeCmd.Flags().IntVar(&analyzeTop, "top", -1, "Rows in the top path-count table (default from config)")
	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	cfg, logger, closeLog, err := setup()
	if err != nil {
		return err
	}
	defer closeLog()

	if analyzeTop >= 0 {
		cfg.Analysis.TopN = analyzeTop
	}
	root := firstNonEmpty(analyzeRoot, cfg.Crawl.RootID)

	ctx, cancel := newContext()
	defer cancel()

	var (
		g       *graph.Graph
		source  string
		partial bool
	)
	if analyzeRun != "" {
		var rec *storage.RunRecord
		rec, g, source, err = loadStoredRun(ctx, firstNonEmpty(analyzeSQLite, cfg.Snapshot.SQLitePath), analyzeRun, logger)
		if rec != nil {
			partial = rec.Partial
		}
	} else {
		var m *snapshot.Manifest
		source = firstNonEmpty(analyzeInput, cfg.Snapshot.Path)
		g, m, err = snapshot.Load(source)
		if m != nil {
			partial = m.Partial
		}
	}
	if err != nil {
		return err
	}
	if partial {
		logger.Warn("Input comes from an interrupted crawl, statistics cover the fetched part only", "source", source)
	}

	resp, err := analyzeGraph(g, source, root, cfg, logger)
	if err != nil {
		return err
	}
	resp.Partial = partial
	out, err := FormatResponse(resp, OutputFormat(analyzeFormat))
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), out)
	return nil
}

// AnalyzeResponseCLI wraps a summary with where it came from.
type AnalyzeResponseCLI struct {
	Source    string            `json:"source" yaml:"source"`
	Root      string            `json:"root" yaml:"root"`
	ElapsedMs int64             `json:"elapsedMs" yaml:"elapsedMs"`
	Partial   bool              `json:"partial,omitempty" yaml:"partial,omitempty"`
	Summary   *analysis.Summary `json:"summary" yaml:"summary"`
}

// analyzeGraph computes every metric over g and summarizes it. A missing root
// aborts with MISSING_ROOT.
func analyzeGraph(g *graph.Graph, source, root string, cfg *config.Config, logger *slog.Logger) (*AnalyzeResponseCLI, error) {
	res, err := analysis.Run(g, root)
	if err != nil {
		return nil, err
	}
	logWarnings(logger, res)
	summary := analysis.Summarize(g, res, summaryOptions(cfg))
	logger.Debug("Analysis complete", "source", source, "nodes", summary.Vertices, "elapsed", res.Elapsed)
	return &AnalyzeResponseCLI{
		Source:    source,
		Root:      root,
		ElapsedMs: res.Elapsed.Milliseconds(),
		Summary:   summary,
	}, nil
}

func summaryOptions(cfg *config.Config) analysis.SummaryOptions {
	return analysis.SummaryOptions{
		Percentiles: cfg.Analysis.Percentiles,
		Thresholds:  cfg.Analysis.Thresholds,
		TopN:        cfg.Analysis.TopN,
	}
}

// loadStoredRun reads runID, or the newest run for "latest", from the database.
func loadStoredRun(ctx context.Context, dbPath, runID string, logger *slog.Logger) (*storage.RunRecord, *graph.Graph, string, error) {
	if dbPath == "" {
		return nil, nil, "", fmt.Errorf("--run needs a database: pass --sqlite or set snapshot.sqlitePath")
	}
	db, err := storage.Open(dbPath, logger)
	if err != nil {
		return nil, nil, "", err
	}
	defer func() { _ = db.Close() }()

	if runID == "latest" {
		rec, err := db.LatestRun(ctx)
		if err != nil {
			return nil, nil, "", err
		}
		if rec == nil {
			return nil, nil, "", fmt.Errorf("no runs stored in %s", dbPath)
		}
		runID = rec.ID
	}

	rec, g, err := db.LoadRun(ctx, runID)
	if err != nil {
		return nil, nil, "", err
	}
	return rec, g, dbPath + "#" + runID, nil
}
