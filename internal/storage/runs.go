package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"icdgraph/internal/errors"
	"icdgraph/internal/graph"
)

// RunRecord describes one stored graph.
type RunRecord struct {
	ID           string        `json:"runId" yaml:"runId"`
	Root         string        `json:"root" yaml:"root"`
	Source       string        `json:"source,omitempty" yaml:"source,omitempty"`
	CreatedAt    time.Time     `json:"createdAt" yaml:"createdAt"`
	Nodes        int           `json:"nodes" yaml:"nodes"`
	Edges        int           `json:"edges" yaml:"edges"`
	Failed       int           `json:"failed" yaml:"failed"`
	Analyzed     bool          `json:"analyzed" yaml:"analyzed"`
	Acyclic      *bool         `json:"acyclic,omitempty" yaml:"acyclic,omitempty"`
	Digest       string        `json:"digest,omitempty" yaml:"digest,omitempty"`
	SnapshotPath string        `json:"snapshotPath,omitempty" yaml:"snapshotPath,omitempty"`
	CrawlTime    time.Duration `json:"crawlTime" yaml:"crawlTime"`
	Partial      bool          `json:"partial,omitempty" yaml:"partial,omitempty"`
	RootMissing  bool          `json:"rootMissing,omitempty" yaml:"rootMissing,omitempty"`
}

// timeLayout has fixed width so created_at sorts chronologically as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const runColumns = `run_id, root, source, created_at, node_count, edge_count, failed_count,
	analyzed, acyclic, digest, snapshot_path, crawl_ms, partial, root_missing`

// SaveRun stores g under rec in a single transaction. Counts are taken from g; an
// empty ID gets a fresh uuid and a zero CreatedAt the current time. The stored
// record is returned.
func (db *DB) SaveRun(ctx context.Context, rec RunRecord, g *graph.Graph) (*RunRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Root == "" {
		rec.Root = graph.RootID
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.Nodes = g.Len()
	rec.Edges = g.ChildEdgeCount()
	rec.Failed = g.StubCount()
	rec.Analyzed = g.Analyzed()

	start := time.Now()
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		var acyclic interface{}
		if rec.Acyclic != nil {
			acyclic = boolToInt(*rec.Acyclic)
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO runs (`+runColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.Root, rec.Source, rec.CreatedAt.UTC().Format(timeLayout),
			rec.Nodes, rec.Edges, rec.Failed, boolToInt(rec.Analyzed), acyclic,
			rec.Digest, rec.SnapshotPath, rec.CrawlTime.Milliseconds(),
			boolToInt(rec.Partial), boolToInt(rec.RootMissing),
		)
		if err != nil {
			return fmt.Errorf("failed to insert run: %w", err)
		}

		nodeStmt, err := tx.PrepareContext(ctx, `INSERT INTO nodes
			(run_id, ord, node_id, title, descendant_count, height, depth, max_depth, path_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare node insert: %w", err)
		}
		defer func() { _ = nodeStmt.Close() }()

		edgeStmt, err := tx.PrepareContext(ctx, `INSERT INTO edges
			(run_id, node_id, kind, ord, target_id) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare edge insert: %w", err)
		}
		defer func() { _ = edgeStmt.Close() }()

		ord := 0
		var insertErr error
		g.Range(func(id string, n *graph.Node) bool {
			var desc, height, depth, maxDepth, paths interface{}
			if m := n.Metrics; m != nil {
				desc, height, depth, maxDepth = m.DescendantCount, m.Height, m.Depth, m.MaxDepth
				if m.PathCount != nil {
					paths = m.PathCount.String()
				}
			}
			if _, insertErr = nodeStmt.ExecContext(ctx, rec.ID, ord, id, n.Title, desc, height, depth, maxDepth, paths); insertErr != nil {
				insertErr = fmt.Errorf("failed to insert node %s: %w", id, insertErr)
				return false
			}
			ord++

			for _, list := range []struct {
				kind    string
				targets []string
			}{{"parent", n.Parents}, {"child", n.Children}} {
				for i, target := range list.targets {
					if _, insertErr = edgeStmt.ExecContext(ctx, rec.ID, id, list.kind, i, target); insertErr != nil {
						insertErr = fmt.Errorf("failed to insert edge %s -> %s: %w", id, target, insertErr)
						return false
					}
				}
			}
			return true
		})
		return insertErr
	})
	if err != nil {
		return nil, errors.NewError(errors.StorageFailed, "failed to save run", err).
			WithDetails(map[string]interface{}{"runId": rec.ID, "path": db.dbPath})
	}

	db.logger.Info("Run saved",
		"runId", rec.ID,
		"nodes", rec.Nodes,
		"edges", rec.Edges,
		"elapsed", time.Since(start),
	)
	return &rec, nil
}

// LoadRun rebuilds the graph stored under runID in its original order.
func (db *DB) LoadRun(ctx context.Context, runID string) (*RunRecord, *graph.Graph, error) {
	rec, err := db.scanRun(db.conn.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID))
	if err == sql.ErrNoRows {
		return nil, nil, errors.Errorf(errors.StorageFailed, "run %s not found", runID)
	}
	if err != nil {
		return nil, nil, errors.NewError(errors.StorageFailed, "failed to read run", err)
	}

	g := graph.NewWithCapacity(rec.Nodes)
	if err := db.loadNodes(ctx, runID, g); err != nil {
		return nil, nil, err
	}

	edges, err := db.conn.QueryContext(ctx, `
		SELECT node_id, kind, target_id FROM edges
		WHERE run_id = ? ORDER BY node_id, kind, ord`, runID)
	if err != nil {
		return nil, nil, errors.NewError(errors.StorageFailed, "failed to query edges", err)
	}
	defer func() { _ = edges.Close() }()
	for edges.Next() {
		var id, kind, target string
		if err := edges.Scan(&id, &kind, &target); err != nil {
			return nil, nil, errors.NewError(errors.StorageFailed, "failed to scan edge", err)
		}
		n, ok := g.Get(id)
		if !ok {
			continue
		}
		if kind == "parent" {
			n.Parents = append(n.Parents, target)
		} else {
			n.Children = append(n.Children, target)
		}
	}
	if err := edges.Err(); err != nil {
		return nil, nil, errors.NewError(errors.StorageFailed, "failed to read edges", err)
	}

	return rec, g, nil
}

func (db *DB) loadNodes(ctx context.Context, runID string, g *graph.Graph) error {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT node_id, title, descendant_count, height, depth, max_depth, path_count
		FROM nodes WHERE run_id = ? ORDER BY ord`, runID)
	if err != nil {
		return errors.NewError(errors.StorageFailed, "failed to query nodes", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			id, title                     string
			desc, height, depth, maxDepth sql.NullInt64
			paths                         sql.NullString
		)
		if err := rows.Scan(&id, &title, &desc, &height, &depth, &maxDepth, &paths); err != nil {
			return errors.NewError(errors.StorageFailed, "failed to scan node", err)
		}

		n := graph.NewNode(title, nil, nil)
		if desc.Valid {
			n.Metrics = &graph.Metrics{
				DescendantCount: int(desc.Int64),
				Height:          int(height.Int64),
				Depth:           int(depth.Int64),
				MaxDepth:        int(maxDepth.Int64),
			}
			if paths.Valid {
				count, ok := new(big.Int).SetString(paths.String, 10)
				if !ok {
					return errors.Errorf(errors.StorageFailed, "node %s has invalid path count %q", id, paths.String)
				}
				n.PathCount = count
			}
		}
		g.Insert(id, n)
	}
	if err := rows.Err(); err != nil {
		return errors.NewError(errors.StorageFailed, "failed to read nodes", err)
	}
	return nil
}

// ListRuns returns every stored run, newest first.
func (db *DB) ListRuns(ctx context.Context) ([]RunRecord, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, errors.NewError(errors.StorageFailed, "failed to list runs", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []RunRecord
	for rows.Next() {
		rec, err := db.scanRun(rows)
		if err != nil {
			return nil, errors.NewError(errors.StorageFailed, "failed to scan run", err)
		}
		runs = append(runs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewError(errors.StorageFailed, "failed to list runs", err)
	}
	return runs, nil
}

// LatestRun returns the newest run, or nil if none is stored.
func (db *DB) LatestRun(ctx context.Context) (*RunRecord, error) {
	rec, err := db.scanRun(db.conn.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, rowid DESC LIMIT 1`))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewError(errors.StorageFailed, "failed to read latest run", err)
	}
	return rec, nil
}

// DeleteRun removes a run together with its nodes and edges.
func (db *DB) DeleteRun(ctx context.Context, runID string) error {
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM edges WHERE run_id = ?", runID); err != nil {
			return errors.NewError(errors.StorageFailed, "failed to delete edges", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM nodes WHERE run_id = ?", runID); err != nil {
			return errors.NewError(errors.StorageFailed, "failed to delete nodes", err)
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM runs WHERE run_id = ?", runID)
		if err != nil {
			return errors.NewError(errors.StorageFailed, "failed to delete run", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.Errorf(errors.StorageFailed, "run %s not found", runID)
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (db *DB) scanRun(row rowScanner) (*RunRecord, error) {
	var (
		rec                  RunRecord
		createdAt            string
		analyzed             int
		acyclic              sql.NullInt64
		crawlMs              int64
		partial, rootMissing int
	)
	err := row.Scan(&rec.ID, &rec.Root, &rec.Source, &createdAt, &rec.Nodes, &rec.Edges, &rec.Failed,
		&analyzed, &acyclic, &rec.Digest, &rec.SnapshotPath, &crawlMs, &partial, &rootMissing)
	if err != nil {
		return nil, err
	}

	rec.CreatedAt, err = time.Parse(timeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("invalid created_at %q: %w", createdAt, err)
	}
	rec.Analyzed = analyzed == 1
	if acyclic.Valid {
		v := acyclic.Int64 == 1
		rec.Acyclic = &v
	}
	rec.CrawlTime = time.Duration(crawlMs) * time.Millisecond
	rec.Partial = partial == 1
	rec.RootMissing = rootMissing == 1
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
