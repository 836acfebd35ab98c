package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/mailos/pkg/mailos/store"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the last recorded run of every checker",
		Long: `Print the status each checker recorded in the database: last run, its
duration and error, and lifetime counters. For live state of a running
daemon use the gateway's /api/checkers endpoint.`,
		Args: cobra.NoArgs,
		RunE: runStatus,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	sqlDB, err := store.OpenDatabase(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	db := store.NewSQLite(sqlDB, newLogger(cmd, cfg))
	defer db.Close()

	statuses, err := db.LoadStatuses(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHECKER\tENABLED\tSTATE\tLAST RUN\tDURATION\tRUNS\tPROCESSED\tREPLIED\tLAST ERROR")
	for _, c := range cfg.Checkers {
		st := statuses[c.ID]
		state := "idle"
		switch {
		case !c.Enabled:
			state = "disabled"
		case st.Suspended:
			state = "auth_failed"
		case st.LastError != "":
			state = "error"
		case st.RunCount == 0:
			state = "never_run"
		}
		last := "-"
		if !st.LastRunAt.IsZero() {
			last = st.LastRunAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%t\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			c.ID, c.Enabled, state, last, st.LastDuration.Round(time.Millisecond),
			st.RunCount, st.Processed, st.Replied, truncate(st.LastError, 60))
	}
	return w.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
