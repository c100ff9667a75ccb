package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"kiln/internal/directive"
	"kiln/internal/pipeline"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a workflow in the foreground",
	}
	runCmd.AddCommand(newRunDirectiveCommand(ctx))
	runCmd.AddCommand(newRunMatrixCommand(ctx))
	return runCmd
}

func newRunDirectiveCommand(ctx *commandContext) *cobra.Command {
	var (
		runKey    string
		name      string
		criterion string
		jsonOut   bool
	)

	cmd := &cobra.Command{
		Use:   "directive <file>",
		Short: "Run a directive document one step at a time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			steps, err := directive.ParseFile(path)
			if err != nil {
				return err
			}
			if strings.TrimSpace(name) == "" {
				name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			}
			wf := pipeline.DirectiveWorkflow(name, steps)
			wf.RunKey = runKey
			wf.Criterion = criterion
			return ctx.runWorkflow(cmd, wf, jsonOut)
		},
	}

	cmd.Flags().StringVar(&runKey, "run-key", "", "Checkpoint run key (defaults to the workflow name)")
	cmd.Flags().StringVar(&name, "name", "", "Workflow name (defaults to the file name)")
	cmd.Flags().StringVar(&criterion, "criterion", "", "Quality criterion for generate steps")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the run report as JSON")
	return cmd
}

func newRunMatrixCommand(ctx *commandContext) *cobra.Command {
	var (
		runKey  string
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "matrix <file.yaml>",
		Short: "Run every task variation of a matrix workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := pipeline.LoadMatrix(args[0])
			if err != nil {
				return err
			}
			wf := pipeline.MatrixWorkflow(m)
			if strings.TrimSpace(runKey) != "" {
				wf.RunKey = runKey
			}
			return ctx.runWorkflow(cmd, wf, jsonOut)
		},
	}

	cmd.Flags().StringVar(&runKey, "run-key", "", "Checkpoint run key (overrides the file's run_key)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the run report as JSON")
	return cmd
}

// runWorkflow executes wf and prints its report. The report is printed even
// when the run stops early so the operator sees what is left pending.
func (c *commandContext) runWorkflow(cmd *cobra.Command, wf pipeline.Workflow, jsonOut bool) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	logger, err := c.commandLogger()
	if err != nil {
		return err
	}

	svc, cleanup, err := newServices(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	engine, err := pipeline.NewEngine(cfg, wf.Key(), svc, logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	report, runErr := engine.Run(cmd.Context(), wf)
	if jsonOut {
		if err := writeJSON(cmd, report); err != nil {
			return err
		}
	} else {
		fmt.Fprint(cmd.OutOrStdout(), renderReport(report, shouldColorize(cmd.OutOrStdout())))
	}

	if runErr != nil {
		return runErr
	}
	if unfinished := report.Failed + report.QualityRejected; unfinished > 0 {
		return fmt.Errorf("run %s finished with %d unit(s) not completed", report.RunKey, unfinished)
	}
	return nil
}
