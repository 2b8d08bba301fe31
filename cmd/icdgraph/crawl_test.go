package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"icdgraph/internal/config"
	"icdgraph/internal/errors"
	"icdgraph/internal/snapshot"
	"icdgraph/internal/slogutil"
)

const uriPrefix = "http://id.who.int/icd/entity"

// fakeAPI serves a diamond root -> {a, b} -> c plus a child of b that 404s.
func fakeAPI(t *testing.T) *httptest.Server {
	t.Helper()
	docs := map[string]struct {
		title    string
		parents  []string
		children []string
	}{
		"":  {"ICD Entity", nil, []string{"a", "b"}},
		"a": {"A", []string{""}, []string{"c"}},
		"b": {"B", []string{""}, []string{"c", "missing"}},
		"c": {"C", []string{"a", "b"}, nil},
	}
	uris := func(ids []string) []string {
		out := make([]string, 0, len(ids))
		for _, id := range ids {
			if id == "" {
				out = append(out, uriPrefix)
			} else {
				out = append(out, uriPrefix+"/"+id)
			}
		}
		return out
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/icd/entity"), "/")
		doc, ok := docs[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"title":  map[string]string{"@value": doc.title},
			"parent": uris(doc.parents),
			"child":  uris(doc.children),
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, serverURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Servers["test"] = serverURL
	cfg.API.Server = "test"
	cfg.Crawl.Concurrency = 4
	cfg.Snapshot.Path = filepath.Join(dir, "foundation_graph.json.zst")
	cfg.Snapshot.SQLitePath = filepath.Join(dir, "runs.db")
	return cfg
}

func TestCrawlAndSave(t *testing.T) {
	srv := fakeAPI(t)
	cfg := testConfig(t, srv.URL)
	metricsFile := filepath.Join(t.TempDir(), "crawl.prom")
	logger := slogutil.NewDiscardLogger()

	resp, err := crawlAndSave(context.Background(), cfg, metricsFile, logger)
	if err != nil {
		t.Fatalf("crawlAndSave failed: %v", err)
	}
	if resp.Nodes != 5 || resp.Failed != 1 || resp.Edges != 5 {
		t.Errorf("response = %+v, want 5 nodes, 1 failed, 5 edges", resp)
	}
	if !resp.Analyzed || resp.CycleDetected || resp.Interrupted {
		t.Errorf("response = %+v, want analyzed acyclic complete crawl", resp)
	}
	if resp.Batches != 3 {
		t.Errorf("Batches = %d, want 3", resp.Batches)
	}

	g, m, err := snapshot.Load(cfg.Snapshot.Path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if m.RunID != resp.RunID || m.Source != srv.URL {
		t.Errorf("manifest = %+v", m)
	}
	c, ok := g.Get("c")
	if !ok || c.Metrics == nil || c.PathCount.Int64() != 2 || c.Depth != 2 {
		t.Errorf("c = %+v, want depth 2 and 2 paths", c)
	}
	if stub, _ := g.Get("missing"); !stub.IsStub() {
		t.Errorf("missing = %+v, want stub", stub)
	}

	data, err := os.ReadFile(metricsFile)
	if err != nil {
		t.Fatalf("metrics file not written: %v", err)
	}
	if !strings.Contains(string(data), `icdgraph_fetch_total{outcome="ok"} 4`) {
		t.Errorf("metrics file lacks ok fetch count:\n%s", data)
	}

	rec, stored, source, err := loadStoredRun(context.Background(), cfg.Snapshot.SQLitePath, "latest", logger)
	if err != nil {
		t.Fatalf("loadStoredRun failed: %v", err)
	}
	if rec.Partial || rec.RootMissing {
		t.Errorf("record = %+v, want a complete run", rec)
	}
	if stored.Len() != 5 {
		t.Errorf("stored graph has %d nodes, want 5", stored.Len())
	}
	if !strings.HasSuffix(source, "#"+resp.RunID) {
		t.Errorf("source = %q, want run %s", source, resp.RunID)
	}
}

func TestCrawlInterrupted(t *testing.T) {
	srv := fakeAPI(t)
	cfg := testConfig(t, srv.URL)
	logger := slogutil.NewDiscardLogger()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := crawlAndSave(ctx, cfg, "", logger)
	if err != context.Canceled {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if resp == nil || !resp.Interrupted || resp.Analyzed {
		t.Fatalf("response = %+v, want interrupted and unanalyzed", resp)
	}
	// the root was never requested, so it must not appear as a failed fetch
	if resp.Nodes != 0 || resp.Failed != 0 || resp.Pending != 1 {
		t.Errorf("response = %+v, want no nodes and the root pending", resp)
	}

	_, m, err := snapshot.Load(cfg.Snapshot.Path)
	if err != nil {
		t.Fatalf("partial snapshot unreadable: %v", err)
	}
	if !m.Partial || m.Pending != 1 {
		t.Errorf("manifest = %+v, want partial with 1 pending", m)
	}

	rec, _, _, err := loadStoredRun(context.Background(), cfg.Snapshot.SQLitePath, "latest", logger)
	if err != nil {
		t.Fatalf("loadStoredRun failed: %v", err)
	}
	if !rec.Partial {
		t.Errorf("stored run = %+v, want partial", rec)
	}
}

func TestCrawlUnknownServer(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.API.Server = "nowhere"
	if _, err := crawlAndSave(context.Background(), cfg, "", slogutil.NewDiscardLogger()); err == nil {
		t.Error("expected error for unknown server")
	}
}

func TestRecomputeStats(t *testing.T) {
	srv := fakeAPI(t)
	cfg := testConfig(t, srv.URL)
	cfg.Snapshot.SQLitePath = ""
	logger := slogutil.NewDiscardLogger()

	if _, err := crawlAndSave(context.Background(), cfg, "", logger); err != nil {
		t.Fatalf("crawlAndSave failed: %v", err)
	}

	out := filepath.Join(t.TempDir(), "stats.json")
	resp, err := recomputeStats(cfg.Snapshot.Path, out, "root", logger)
	if err != nil {
		t.Fatalf("recomputeStats failed: %v", err)
	}
	if !resp.RootPresent || resp.CycleDetected || resp.MaxDescendants != 4 {
		t.Errorf("response = %+v, want root present, acyclic, 4 descendants", resp)
	}

	// a root absent from the snapshot keeps the structural pass only
	resp, err = recomputeStats(out, out, "nope", logger)
	if err != nil {
		t.Fatalf("recomputeStats failed: %v", err)
	}
	if resp.RootPresent {
		t.Error("RootPresent = true for a missing root")
	}
	g, m, err := snapshot.Load(out)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if m.Acyclic != nil {
		t.Errorf("Acyclic = %v, want unset without a root", *m.Acyclic)
	}
	if !m.RootMissing {
		t.Error("manifest should record that depths were computed without the root")
	}
	if root, _ := g.Get("root"); root.DescendantCount != 4 {
		t.Errorf("root metrics = %+v", root.Metrics)
	}

	// recomputing with the root present clears the flag
	if _, err := recomputeStats(out, out, "root", logger); err != nil {
		t.Fatalf("recomputeStats failed: %v", err)
	}
	if _, m, err = snapshot.Load(out); err != nil || m.RootMissing {
		t.Errorf("manifest = %+v, %v; want root_missing cleared", m, err)
	}
}

func TestAnalyzeGraph(t *testing.T) {
	srv := fakeAPI(t)
	cfg := testConfig(t, srv.URL)
	cfg.Snapshot.SQLitePath = ""
	cfg.Analysis.TopN = 2
	logger := slogutil.NewDiscardLogger()

	if _, err := crawlAndSave(context.Background(), cfg, "", logger); err != nil {
		t.Fatalf("crawlAndSave failed: %v", err)
	}
	g, _, err := snapshot.Load(cfg.Snapshot.Path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	resp, err := analyzeGraph(g, cfg.Snapshot.Path, "root", cfg, logger)
	if err != nil {
		t.Fatalf("analyzeGraph failed: %v", err)
	}
	s := resp.Summary
	if s.Vertices != 5 || s.Stubs != 1 || s.CycleDetected {
		t.Errorf("summary = %+v", s)
	}
	if s.Paths == nil || s.Paths.Max != "2" {
		t.Fatalf("paths = %+v, want max 2", s.Paths)
	}
	if len(s.Paths.Top) != 2 || s.Paths.Top[0].ID != "c" {
		t.Errorf("top = %+v, want c first", s.Paths.Top)
	}

	out, err := FormatResponse(resp, FormatHuman)
	if err != nil {
		t.Fatalf("FormatResponse failed: %v", err)
	}
	for _, want := range []string{"Vertices:        5 (1 stubs)", "Top 2 by path count", "By depth"} {
		if !strings.Contains(out, want) {
			t.Errorf("human output missing %q:\n%s", want, out)
		}
	}
}

func TestAnalyzeGraphMissingRoot(t *testing.T) {
	srv := fakeAPI(t)
	cfg := testConfig(t, srv.URL)
	cfg.Snapshot.SQLitePath = ""
	logger := slogutil.NewDiscardLogger()

	if _, err := crawlAndSave(context.Background(), cfg, "", logger); err != nil {
		t.Fatalf("crawlAndSave failed: %v", err)
	}
	g, _, err := snapshot.Load(cfg.Snapshot.Path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	resp, err := analyzeGraph(g, cfg.Snapshot.Path, "nope", cfg, logger)
	if !errors.Is(err, errors.MissingRoot) {
		t.Fatalf("analyzeGraph error = %v, want MISSING_ROOT", err)
	}
	if resp != nil {
		t.Errorf("response = %+v, want none on a missing root", resp)
	}
}

func TestLoadStoredRunWithoutDatabase(t *testing.T) {
	if _, _, _, err := loadStoredRun(context.Background(), "", "latest", slogutil.NewDiscardLogger()); err == nil {
		t.Error("expected error without a database path")
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "icdgraph.toml")
	if err := os.WriteFile(path, []byte("[crawl]\nconcurrency = 0\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	configPath = path
	t.Cleanup(func() { configPath = "" })

	_, err := loadConfig()
	if !errors.Is(err, errors.ConfigInvalid) {
		t.Errorf("loadConfig error = %v, want CONFIG_INVALID", err)
	}
}
