package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"icdgraph/internal/storage"
)

var (
	runsSQLite string
	runsFormat string
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Manage crawl runs stored in SQLite",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored runs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runRunsList,
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Delete a stored run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsDelete,
}

func init() {
	runsCmd.PersistentFlags().StringVar(&runsSQLite, "sqlite", "", "SQLite database holding runs (default from config)")
	runsListCmd.Flags().StringVar(&runsFormat, "format", "human", "Output format (json, human, yaml)")
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsDeleteCmd)
	rootCmd.AddCommand(runsCmd)
}

// RunsResponseCLI lists stored runs.
type RunsResponseCLI struct {
	Database string              `json:"database" yaml:"database"`
	Runs     []storage.RunRecord `json:"runs" yaml:"runs"`
}

func openRunsDB() (*storage.DB, func(), error) {
	cfg, logger, closeLog, err := setup()
	if err != nil {
		return nil, nil, err
	}
	path := firstNonEmpty(runsSQLite, cfg.Snapshot.SQLitePath)
	if path == "" {
		closeLog()
		return nil, nil, fmt.Errorf("no database: pass --sqlite or set snapshot.sqlitePath")
	}
	db, err := storage.Open(path, logger)
	if err != nil {
		closeLog()
		return nil, nil, err
	}
	return db, func() {
		_ = db.Close()
		closeLog()
	}, nil
}

func runRunsList(cmd *cobra.Command, args []string) error {
	db, done, err := openRunsDB()
	if err != nil {
		return err
	}
	defer done()

	ctx, cancel := newContext()
	defer cancel()

	runs, err := db.ListRuns(ctx)
	if err != nil {
		return err
	}
	out, err := FormatResponse(&RunsResponseCLI{Database: db.Path(), Runs: runs}, OutputFormat(runsFormat))
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), out)
	return nil
}

func runRunsDelete(cmd *cobra.Command, args []string) error {
	db, done, err := openRunsDB()
	if err != nil {
		return err
	}
	defer done()

	ctx, cancel := newContext()
	defer cancel()

	if err := db.DeleteRun(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted run %s\n", args[0])
	return nil
}
