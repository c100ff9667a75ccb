package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"kiln/internal/checkpoint"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "status <run-key>",
		Short: "Show the checkpoint record of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			runKey := checkpoint.SanitizeRunKey(args[0])
			if runKey == "" {
				return checkpoint.ErrInvalidRunKey
			}
			record, found, err := checkpoint.Load(cfg.Paths.StateDir, runKey)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("no checkpoint for run key %q in %s", runKey, cfg.Paths.StateDir)
			}
			if jsonOut {
				return writeJSON(cmd, record)
			}
			fmt.Fprint(cmd.OutOrStdout(), renderRecord(record, shouldColorize(cmd.OutOrStdout())))
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the checkpoint record as JSON")
	return cmd
}

func renderRecord(record checkpoint.Record, colorize bool) string {
	units := make([]checkpoint.TaskState, 0, len(record.Units))
	counts := make(map[checkpoint.Status]int)
	for _, st := range record.Units {
		units = append(units, st)
		counts[st.Status]++
	}
	sort.Slice(units, func(i, j int) bool { return units[i].UnitID < units[j].UnitID })

	var b strings.Builder
	for _, line := range renderSectionHeader("Run "+record.RunKey, colorize) {
		b.WriteString(line + "\n")
	}
	b.WriteString(renderInfoLine("Updated", formatTime(record.UpdatedAt)) + "\n")
	parts := make([]string, 0, len(checkpoint.Statuses))
	for _, status := range checkpoint.Statuses {
		if n := counts[status]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, strings.ToLower(unitStatusLabel(status))))
		}
	}
	b.WriteString(renderInfoLine("Units", fmt.Sprintf("%d (%s)", len(units), strings.Join(parts, ", "))) + "\n")

	if len(units) > 0 {
		b.WriteString("\n")
		b.WriteString(renderUnitTable(units))
		b.WriteString("\n")
	}
	if len(record.Pools) > 0 {
		b.WriteString("\n")
		b.WriteString(renderPoolTable(record))
		b.WriteString("\n")
	}
	return b.String()
}

func renderPoolTable(record checkpoint.Record) string {
	names := make([]string, 0, len(record.Pools))
	for name := range record.Pools {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([][]string, 0, len(names))
	for _, name := range names {
		st := record.Pools[name]
		rows = append(rows, []string{
			name,
			formatDuration(st.CurrentDelay),
			formatDuration(st.Floor),
			formatDuration(st.Ceiling),
			fmt.Sprintf("%d", st.ConsecutiveCongestion),
		})
	}
	return renderTable(
		[]string{"Pool", "Delay", "Floor", "Ceiling", "Congestion"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight},
	)
}
