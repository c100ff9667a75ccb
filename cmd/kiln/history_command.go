package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"kiln/internal/checkpoint"
	"kiln/internal/history"
)

const defaultHistoryLimit = 20

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var (
		limit   int
		runKey  string
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List finished runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withHistory(func(store *history.Store) error {
				runs, err := store.ListRuns(cmd.Context(), checkpoint.SanitizeRunKey(runKey), limit)
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, runs)
				}
				out := cmd.OutOrStdout()
				if len(runs) == 0 {
					fmt.Fprintln(out, "No runs recorded")
					return nil
				}
				fmt.Fprintln(out, renderHistoryTable(runs))
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", defaultHistoryLimit, "Maximum number of runs to list")
	cmd.Flags().StringVar(&runKey, "run-key", "", "Only list runs for this run key")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print runs as JSON")

	cmd.AddCommand(newHistoryShowCommand(ctx))
	return cmd
}

func newHistoryShowCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one finished run with its units",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withHistory(func(store *history.Store) error {
				run, err := store.GetRun(cmd.Context(), strings.TrimSpace(args[0]))
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, run)
				}
				fmt.Fprint(cmd.OutOrStdout(), renderHistoryRun(run, shouldColorize(cmd.OutOrStdout())))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the run as JSON")
	return cmd
}

func (c *commandContext) withHistory(fn func(*history.Store) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	store, err := history.Open(cfg)
	if err != nil {
		return fmt.Errorf("open run history: %w", err)
	}
	defer store.Close()
	return fn(store)
}

func renderHistoryTable(runs []history.Run) string {
	rows := make([][]string, 0, len(runs))
	for _, run := range runs {
		rows = append(rows, []string{
			shortID(run.ID),
			run.RunKey,
			run.Mode,
			formatTime(run.StartedAt),
			formatDuration(run.Elapsed()),
			fmt.Sprintf("%d/%d", run.Completed, run.Total),
			fmt.Sprintf("%d", run.Failed),
			fmt.Sprintf("%d", run.QualityRejected),
			fmt.Sprintf("%d", run.Pending),
		})
	}
	return renderTable(
		[]string{"ID", "Run Key", "Mode", "Started", "Elapsed", "Done", "Failed", "Rejected", "Pending"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight},
	)
}

func renderHistoryRun(run history.Run, colorize bool) string {
	var b strings.Builder
	for _, line := range renderSectionHeader("Run "+run.Workflow, colorize) {
		b.WriteString(line + "\n")
	}
	b.WriteString(renderInfoLine("ID", run.ID) + "\n")
	b.WriteString(renderInfoLine("Run key", run.RunKey) + "\n")
	b.WriteString(renderInfoLine("Mode", run.Mode) + "\n")
	b.WriteString(renderInfoLine("Started", formatTime(run.StartedAt)) + "\n")
	b.WriteString(renderInfoLine("Elapsed", formatDuration(run.Elapsed())) + "\n")
	if run.RunError != "" {
		b.WriteString(renderStatusLine("Stopped", statusError, run.RunError, colorize) + "\n")
	}
	if len(run.Units) > 0 {
		b.WriteString("\n")
		b.WriteString(renderUnitTable(run.Units))
		b.WriteString("\n")
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
