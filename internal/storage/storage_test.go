package storage

import (
	"context"
	"database/sql"
	"math/big"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"icdgraph/internal/errors"
	"icdgraph/internal/graph"
	"icdgraph/internal/slogutil"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "runs", "icdgraph.db"), slogutil.NewDiscardLogger())
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("Failed to close database: %v", err)
		}
	})
	return db
}

func sampleGraph() *graph.Graph {
	g := graph.New()
	g.Insert("root", graph.NewNode("ICD Entity", nil, []string{"b", "a"}))
	g.Insert("b", graph.NewNode("B", []string{"root"}, []string{"c", "unknown"}))
	g.Insert("a", graph.NewNode("A", []string{"root"}, []string{"c"}))
	g.Insert("c", graph.NewNode("C", []string{"b", "a"}, nil))
	g.Insert("x", graph.NewStub())
	return g
}

func TestDatabaseInitialization(t *testing.T) {
	db := setupTestDB(t)

	version, err := db.getSchemaVersion()
	if err != nil {
		t.Fatalf("Failed to get schema version: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("Expected schema version %d, got %d", currentSchemaVersion, version)
	}

	for _, table := range []string{"runs", "nodes", "edges"} {
		var name string
		err := db.conn.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestReopenExistingDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "icdgraph.db")
	db, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := db.SaveRun(context.Background(), RunRecord{ID: "r1"}, sampleGraph()); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	db, err = Open(path, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer func() { _ = db.Close() }()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
	runs, err := db.ListRuns(context.Background())
	if err != nil || len(runs) != 1 {
		t.Errorf("ListRuns = %v, %v; want one run", runs, err)
	}
}

func TestSaveLoadRun(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	g := sampleGraph()
	count, _ := new(big.Int).SetString("340282366920938463463374607431768211456", 10)
	c, _ := g.Get("c")
	c.Metrics = &graph.Metrics{DescendantCount: 0, Height: 0, Depth: 2, MaxDepth: 2, PathCount: count}

	acyclic := true
	saved, err := db.SaveRun(ctx, RunRecord{
		Source:    "http://localhost:80",
		Acyclic:   &acyclic,
		CrawlTime: 1500 * time.Millisecond,
	}, g)
	if err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	if saved.ID == "" || saved.Nodes != 5 || saved.Edges != 5 || saved.Failed != 1 || saved.Analyzed {
		t.Errorf("saved = %+v", saved)
	}

	rec, loaded, err := db.LoadRun(ctx, saved.ID)
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}
	if rec.Source != "http://localhost:80" || rec.Acyclic == nil || !*rec.Acyclic || rec.CrawlTime != 1500*time.Millisecond {
		t.Errorf("record = %+v", rec)
	}
	if !rec.CreatedAt.Equal(saved.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", rec.CreatedAt, saved.CreatedAt)
	}

	if got := strings.Join(loaded.IDs(), ","); got != "root,b,a,c,x" {
		t.Errorf("order = %s, want root,b,a,c,x", got)
	}
	root, _ := loaded.Get("root")
	if strings.Join(root.Children, ",") != "b,a" {
		t.Errorf("root children = %v, want [b a]", root.Children)
	}
	b, _ := loaded.Get("b")
	if strings.Join(b.Children, ",") != "c,unknown" {
		t.Errorf("b children = %v, unknown ids must be kept", b.Children)
	}
	lc, _ := loaded.Get("c")
	if strings.Join(lc.Parents, ",") != "b,a" {
		t.Errorf("c parents = %v, want [b a]", lc.Parents)
	}
	if lc.Metrics == nil || lc.PathCount.Cmp(count) != 0 || lc.Depth != 2 {
		t.Errorf("c metrics = %+v", lc.Metrics)
	}
	if root.Metrics != nil {
		t.Error("root had no metrics and should not gain any")
	}
	if x, _ := loaded.Get("x"); !x.IsStub() {
		t.Errorf("x = %+v, want stub", x)
	}
}

func TestLoadRunNotFound(t *testing.T) {
	db := setupTestDB(t)
	_, _, err := db.LoadRun(context.Background(), "missing")
	if !errors.Is(err, errors.StorageFailed) {
		t.Errorf("LoadRun error = %v, want STORAGE_FAILED", err)
	}
}

func TestListAndLatestRuns(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	latest, err := db.LatestRun(ctx)
	if err != nil || latest != nil {
		t.Fatalf("LatestRun on empty db = %v, %v; want nil, nil", latest, err)
	}

	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"older", "newest", "middle"} {
		offsets := []time.Duration{0, 2 * time.Hour, time.Hour + 500*time.Millisecond}
		if _, err := db.SaveRun(ctx, RunRecord{ID: id, CreatedAt: base.Add(offsets[i])}, sampleGraph()); err != nil {
			t.Fatalf("SaveRun(%s) failed: %v", id, err)
		}
	}

	runs, err := db.ListRuns(ctx)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	var ids []string
	for _, r := range runs {
		ids = append(ids, r.ID)
	}
	if got := strings.Join(ids, ","); got != "newest,middle,older" {
		t.Errorf("ListRuns order = %s, want newest,middle,older", got)
	}

	latest, err = db.LatestRun(ctx)
	if err != nil {
		t.Fatalf("LatestRun failed: %v", err)
	}
	if latest.ID != "newest" {
		t.Errorf("LatestRun = %s, want newest", latest.ID)
	}
}

func TestSaveRunDuplicateID(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if _, err := db.SaveRun(ctx, RunRecord{ID: "dup"}, sampleGraph()); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	_, err := db.SaveRun(ctx, RunRecord{ID: "dup"}, sampleGraph())
	if !errors.Is(err, errors.StorageFailed) {
		t.Fatalf("second SaveRun error = %v, want STORAGE_FAILED", err)
	}

	// the failed transaction must not leave partial rows behind
	var nodes int
	if err := db.conn.QueryRow("SELECT COUNT(*) FROM nodes WHERE run_id = 'dup'").Scan(&nodes); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if nodes != 5 {
		t.Errorf("nodes for dup = %d, want 5", nodes)
	}
}

func TestDeleteRun(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if _, err := db.SaveRun(ctx, RunRecord{ID: "gone"}, sampleGraph()); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	if err := db.DeleteRun(ctx, "gone"); err != nil {
		t.Fatalf("DeleteRun failed: %v", err)
	}

	var edges int
	if err := db.conn.QueryRow("SELECT COUNT(*) FROM edges").Scan(&edges); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if edges != 0 {
		t.Errorf("edges left = %d, want 0", edges)
	}
	if err := db.DeleteRun(ctx, "gone"); !errors.Is(err, errors.StorageFailed) {
		t.Errorf("second DeleteRun error = %v, want STORAGE_FAILED", err)
	}
}

func TestWithTxRollback(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	sentinel := errors.Errorf(errors.StorageFailed, "abort")
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO runs (run_id, root, created_at, node_count, edge_count, failed_count, analyzed)
			VALUES ('tx', 'root', '2026-01-01T00:00:00.000000000Z', 0, 0, 0, 0)`); err != nil {
			return err
		}
		return sentinel
	})
	if err != sentinel {
		t.Fatalf("WithTx error = %v, want sentinel", err)
	}

	runs, err := db.ListRuns(ctx)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("rolled back insert is visible: %v", runs)
	}
}

func TestRunFlagsRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	saved, err := db.SaveRun(ctx, RunRecord{ID: "cut", Partial: true, RootMissing: true}, sampleGraph())
	if err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	rec, _, err := db.LoadRun(ctx, saved.ID)
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}
	if !rec.Partial || !rec.RootMissing {
		t.Errorf("record = %+v, want partial and root-missing", rec)
	}

	if _, err := db.SaveRun(ctx, RunRecord{ID: "whole"}, sampleGraph()); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	rec, _, err = db.LoadRun(ctx, "whole")
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}
	if rec.Partial || rec.RootMissing {
		t.Errorf("record = %+v, want neither flag", rec)
	}
}

func TestMigrateFromVersion1(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v1.db")
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	for _, stmt := range []string{
		"CREATE TABLE schema_version (version INTEGER NOT NULL)",
		"INSERT INTO schema_version (version) VALUES (1)",
		`CREATE TABLE runs (
			run_id TEXT PRIMARY KEY,
			root TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			node_count INTEGER NOT NULL,
			edge_count INTEGER NOT NULL,
			failed_count INTEGER NOT NULL,
			analyzed INTEGER NOT NULL,
			acyclic INTEGER,
			digest TEXT NOT NULL DEFAULT '',
			snapshot_path TEXT NOT NULL DEFAULT '',
			crawl_ms INTEGER NOT NULL DEFAULT 0
		)`,
		`INSERT INTO runs (run_id, root, created_at, node_count, edge_count, failed_count, analyzed)
			VALUES ('old', 'root', '2026-01-01T00:00:00.000000000Z', 3, 2, 0, 1)`,
	} {
		if _, err := conn.Exec(stmt); err != nil {
			t.Fatalf("seeding v1 schema failed: %v", err)
		}
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	db, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = db.Close() }()

	version, err := db.getSchemaVersion()
	if err != nil || version != currentSchemaVersion {
		t.Fatalf("schema version = %d, %v; want %d", version, err, currentSchemaVersion)
	}
	runs, err := db.ListRuns(context.Background())
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "old" || runs[0].Nodes != 3 || runs[0].Partial || runs[0].RootMissing {
		t.Errorf("runs = %+v, want the v1 run with both flags cleared", runs)
	}
}
