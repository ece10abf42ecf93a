package cmd

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/muxworks/muxd/internal/config"
	"github.com/muxworks/muxd/internal/telemetry"
)

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Inspect the local stats database",
		Run: func(cmd *cobra.Command, args []string) {
			runStatsShow()
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply pending stats schema migrations",
		Run: func(cmd *cobra.Command, args []string) {
			runStatsMigrate()
		},
	})
	return cmd
}

func statsDBPath() string {
	cfg := config.LoadOrDefault(resolveConfigPath())
	path := config.ExpandHome(cfg.Stats.DBPath)
	if path == "" {
		path = config.ExpandHome("~/.muxd/stats.db")
	}
	return path
}

func runStatsShow() {
	path := statsDBPath()
	if _, err := os.Stat(path); err != nil {
		fmt.Printf("no stats database at %s\n", path)
		return
	}

	recorder, err := telemetry.Open(path, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open stats db: %s\n", err)
		os.Exit(1)
	}
	defer recorder.Close()

	rows, err := recorder.StatsByModel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "query stats: %s\n", err)
		os.Exit(1)
	}
	if len(rows) == 0 {
		fmt.Println("no recorded streams yet")
		return
	}

	fmt.Printf("%-40s %10s %14s %14s %8s\n", "MODEL", "REQUESTS", "TOTAL MS", "OUT TOKENS", "INVALID")
	for _, r := range rows {
		fmt.Printf("%-40s %10d %14d %14d %8d\n",
			r.Model, r.Requests, r.TotalDurationMs, r.OutputTokens, r.InvalidCount)
	}
}

func runStatsMigrate() {
	path := statsDBPath()
	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open stats db: %s\n", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := telemetry.Migrate(db); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %s\n", err)
		os.Exit(1)
	}
	fmt.Printf("stats schema up to date at %s\n", path)
}
