package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"icdgraph/internal/analysis"
	"icdgraph/internal/config"
	"icdgraph/internal/crawler"
	"icdgraph/internal/fetcher"
	"icdgraph/internal/graph"
	"icdgraph/internal/snapshot"
	"icdgraph/internal/storage"
)

var (
	crawlOut         string
	crawlConcurrency int
	crawlRoot        string
	crawlSQLite      string
	crawlMetricsFile string
	crawlFormat      string
)

var crawlCmd = &cobra.Command{
	Use:   "crawl",
	Short: "Crawl the entity API into a graph snapshot",
	Long: `Crawl every entity reachable from the root through children links, compute
structural metrics, and write the snapshot with its manifest.

Failed fetches are kept as "?" stub nodes. Interrupting the crawl writes the
partial graph without metrics and marks it partial in the manifest; entities that
were never requested are left out.

Examples:
  icdgraph crawl
  icdgraph crawl --out foundation_graph.json.zst --concurrency 20
  icdgraph crawl --sqlite runs.db --metrics-file crawl.prom`,
	RunE: runCrawl,
}

func init() {
	crawlCmd.Flags().StringVar(&crawlOut, "out", "", "Snapshot path; a .zst suffix compresses (default from config)")
	crawlCmd.Flags().IntVar(&crawlConcurrency, "concurrency", 0, "Maximum fetches in flight (default from config)")
	crawlCmd.Flags().StringVar(&crawlRoot, "root", "", "Root entity id (default from config)")
	crawlCmd.Flags().StringVar(&crawlSQLite, "sqlite", "", "Also store the run in this SQLite database")
	crawlCmd.Flags().StringVar(&crawlMetricsFile, "metrics-file", "", "Write crawl metrics in Prometheus text format")
	crawlCmd.Flags().StringVar(&crawlFormat, "format", "human", "Output format (json, human, yaml)")
	rootCmd.AddCommand(crawlCmd)
}

func runCrawl(cmd *cobra.Command, args []string) error {
	cfg, logger, closeLog, err := setup()
	if err != nil {
		return err
	}
	defer closeLog()

	if crawlOut != "" {
		cfg.Snapshot.Path = crawlOut
	}
	if crawlConcurrency > 0 {
		cfg.Crawl.Concurrency = crawlConcurrency
	}
	if crawlRoot != "" {
		cfg.Crawl.RootID = crawlRoot
	}
	if crawlSQLite != "" {
		cfg.Snapshot.SQLitePath = crawlSQLite
	}

	ctx, cancel := newContext()
	defer cancel()

	resp, crawlErr := crawlAndSave(ctx, cfg, crawlMetricsFile, logger)
	if resp != nil {
		output, err := FormatResponse(resp, OutputFormat(crawlFormat))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), output)
	}
	return crawlErr
}

// CrawlResponseCLI reports a finished crawl.
type CrawlResponseCLI struct {
	RunID         string `json:"runId" yaml:"runId"`
	Source        string `json:"source" yaml:"source"`
	Root          string `json:"root" yaml:"root"`
	Snapshot      string `json:"snapshot" yaml:"snapshot"`
	Digest        string `json:"digest" yaml:"digest"`
	Nodes         int    `json:"nodes" yaml:"nodes"`
	Edges         int    `json:"edges" yaml:"edges"`
	Failed        int    `json:"failed" yaml:"failed"`
	Pending       int    `json:"pending,omitempty" yaml:"pending,omitempty"`
	Batches       int    `json:"batches" yaml:"batches"`
	MaxInFlight   int    `json:"maxInFlight" yaml:"maxInFlight"`
	CrawlMs       int64  `json:"crawlMs" yaml:"crawlMs"`
	AnalysisMs    int64  `json:"analysisMs" yaml:"analysisMs"`
	Analyzed      bool   `json:"analyzed" yaml:"analyzed"`
	CycleDetected bool   `json:"cycleDetected" yaml:"cycleDetected"`
	Interrupted   bool   `json:"interrupted,omitempty" yaml:"interrupted,omitempty"`
	Database      string `json:"database,omitempty" yaml:"database,omitempty"`
	MetricsFile   string `json:"metricsFile,omitempty" yaml:"metricsFile,omitempty"`
}

// crawlAndSave runs one crawl described by cfg and persists the result. On
// cancellation the partial graph is still written, unanalyzed, and the context
// error is returned together with the response.
func crawlAndSave(ctx context.Context, cfg *config.Config, metricsFile string, logger *slog.Logger) (*CrawlResponseCLI, error) {
	serverURL, err := cfg.ServerURL()
	if err != nil {
		return nil, err
	}

	client := fetcher.NewClient(fetcher.Config{
		BaseURL:    serverURL,
		APIVersion: cfg.API.Version,
		Language:   cfg.API.Language,
		URIPrefix:  cfg.API.URIPrefix,
	})

	reg := prometheus.NewRegistry()
	c := crawler.New(client, crawler.Options{
		RootID:        cfg.Crawl.RootID,
		Concurrency:   cfg.Crawl.Concurrency,
		FetchTimeout:  cfg.FetchTimeout(),
		ProgressEvery: cfg.Crawl.ProgressEvery,
	}, logger, reg)

	g, stats, crawlErr := c.Crawl(ctx)

	resp := &CrawlResponseCLI{
		Source:      serverURL,
		Root:        cfg.Crawl.RootID,
		Snapshot:    cfg.Snapshot.Path,
		Batches:     stats.Batches,
		MaxInFlight: stats.MaxInFlight,
		CrawlMs:     stats.Duration.Milliseconds(),
		Pending:     stats.Pending,
		Interrupted: crawlErr != nil,
	}

	meta := snapshot.Manifest{
		Root:    cfg.Crawl.RootID,
		Source:  serverURL,
		Partial: crawlErr != nil,
		Pending: stats.Pending,
	}
	if crawlErr == nil {
		res := analysis.ComputeStats(g, cfg.Crawl.RootID, logger)
		res.Apply(g)
		acyclic := !res.CycleDetected()
		meta.Acyclic = &acyclic
		resp.AnalysisMs = res.Elapsed.Milliseconds()
		resp.CycleDetected = res.CycleDetected()
		logWarnings(logger, res)
	}

	m, err := snapshot.Save(cfg.Snapshot.Path, g, meta)
	if err != nil {
		return nil, err
	}
	logger.Info("Snapshot written", "path", cfg.Snapshot.Path, "runId", m.RunID, "nodes", m.Nodes)

	resp.RunID = m.RunID
	resp.Digest = m.Digest
	resp.Nodes = m.Nodes
	resp.Edges = m.Edges
	resp.Failed = m.Failed
	resp.Analyzed = m.Analyzed

	if cfg.Snapshot.SQLitePath != "" {
		if err := storeRun(cfg.Snapshot.SQLitePath, cfg.Snapshot.Path, m, stats.Duration, g, logger); err != nil {
			return nil, err
		}
		resp.Database = cfg.Snapshot.SQLitePath
	}

	if metricsFile != "" {
		if err := prometheus.WriteToTextfile(metricsFile, reg); err != nil {
			return nil, fmt.Errorf("failed to write metrics: %w", err)
		}
		resp.MetricsFile = metricsFile
	}

	return resp, crawlErr
}

// storeRun records the snapshot described by m in the SQLite database at dbPath.
// A fresh context is used so an interrupted crawl can still be stored.
func storeRun(dbPath, snapshotPath string, m *snapshot.Manifest, crawlTime time.Duration, g *graph.Graph, logger *slog.Logger) error {
	db, err := storage.Open(dbPath, logger)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	_, err = db.SaveRun(context.Background(), storage.RunRecord{
		ID:           m.RunID,
		Root:         m.Root,
		Source:       m.Source,
		CreatedAt:    m.CreatedAt,
		Acyclic:      m.Acyclic,
		Digest:       m.Digest,
		SnapshotPath: absPath(snapshotPath),
		CrawlTime:    crawlTime,
		Partial:      m.Partial,
		RootMissing:  m.RootMissing,
	}, g)
	return err
}

// logWarnings reports the non-fatal conditions met by an analysis pass.
func logWarnings(logger *slog.Logger, res *analysis.Result) {
	for _, w := range res.Warnings() {
		logger.Warn("Analysis warning", "code", w.Code, "message", w.Message, "details", w.Details)
	}
}
