package storage

import (
	"context"
	"database/sql"
	"fmt"
)

const currentSchemaVersion = 2

// initializeSchema creates all tables for a new database
func (db *DB) initializeSchema() error {
	return db.WithTx(context.Background(), func(tx *sql.Tx) error {
		creators := []func(*sql.Tx) error{
			createSchemaVersionTable,
			createRunsTable,
			createNodesTable,
			createEdgesTable,
		}
		for _, create := range creators {
			if err := create(tx); err != nil {
				return err
			}
		}

		if err := setSchemaVersion(tx, currentSchemaVersion); err != nil {
			return err
		}

		db.logger.Info("Database schema initialized", "version", currentSchemaVersion)
		return nil
	})
}

// runMigrations brings an existing database up to currentSchemaVersion.
func (db *DB) runMigrations() error {
	version, err := db.getSchemaVersion()
	if err != nil {
		return err
	}

	if version == currentSchemaVersion {
		db.logger.Debug("Database schema is up to date", "version", version)
		return nil
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}

	db.logger.Info("Running database migrations",
		"from_version", version,
		"to_version", currentSchemaVersion,
	)

	// a file without a version table predates the schema; create it in place
	if version == 0 {
		return db.initializeSchema()
	}

	return db.WithTx(context.Background(), func(tx *sql.Tx) error {
		if version < 2 {
			if err := migrateRunFlags(tx); err != nil {
				return err
			}
		}
		return setSchemaVersion(tx, currentSchemaVersion)
	})
}

// migrateRunFlags adds the partial and root_missing columns introduced in version 2.
func migrateRunFlags(tx *sql.Tx) error {
	for _, stmt := range []string{
		"ALTER TABLE runs ADD COLUMN partial INTEGER NOT NULL DEFAULT 0 CHECK(partial IN (0, 1))",
		"ALTER TABLE runs ADD COLUMN root_missing INTEGER NOT NULL DEFAULT 0 CHECK(root_missing IN (0, 1))",
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("failed to migrate runs table: %w", err)
		}
	}
	return nil
}

func (db *DB) getSchemaVersion() (int, error) {
	var tableName string
	err := db.conn.QueryRow(`
		SELECT name FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&tableName)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var version int
	err = db.conn.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return version, nil
}

func setSchemaVersion(tx *sql.Tx, version int) error {
	if _, err := tx.Exec("DELETE FROM schema_version"); err != nil {
		return err
	}
	_, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version)
	return err
}

func createSchemaVersionTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`)
	return err
}

// createRunsTable creates one row per persisted crawl or analysis run.
func createRunsTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			root TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			node_count INTEGER NOT NULL,
			edge_count INTEGER NOT NULL,
			failed_count INTEGER NOT NULL,
			analyzed INTEGER NOT NULL CHECK(analyzed IN (0, 1)),
			acyclic INTEGER CHECK(acyclic IN (0, 1)),
			digest TEXT NOT NULL DEFAULT '',
			snapshot_path TEXT NOT NULL DEFAULT '',
			crawl_ms INTEGER NOT NULL DEFAULT 0,
			partial INTEGER NOT NULL DEFAULT 0 CHECK(partial IN (0, 1)),
			root_missing INTEGER NOT NULL DEFAULT 0 CHECK(root_missing IN (0, 1))
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create runs table: %w", err)
	}
	if _, err := tx.Exec("CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at)"); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

// createNodesTable stores nodes in insertion order; metric columns stay NULL for
// unanalyzed nodes and path_count is a decimal string.
func createNodesTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS nodes (
			run_id TEXT NOT NULL,
			ord INTEGER NOT NULL,
			node_id TEXT NOT NULL,
			title TEXT NOT NULL,
			descendant_count INTEGER,
			height INTEGER,
			depth INTEGER,
			max_depth INTEGER,
			path_count TEXT,

			PRIMARY KEY (run_id, node_id),
			FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create nodes table: %w", err)
	}
	if _, err := tx.Exec("CREATE UNIQUE INDEX IF NOT EXISTS idx_nodes_ord ON nodes(run_id, ord)"); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

// createEdgesTable stores both adjacency lists exactly as crawled, unknown ids
// and duplicates included.
func createEdgesTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS edges (
			run_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			kind TEXT NOT NULL CHECK(kind IN ('parent', 'child')),
			ord INTEGER NOT NULL,
			target_id TEXT NOT NULL,

			PRIMARY KEY (run_id, node_id, kind, ord),
			FOREIGN KEY (run_id, node_id) REFERENCES nodes(run_id, node_id) ON DELETE CASCADE
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create edges table: %w", err)
	}
	if _, err := tx.Exec("CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(run_id, target_id)"); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}
