package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/flytohub/flyto-core-sub001/internal/engine"
	"github.com/flytohub/flyto-core-sub001/internal/workflow"
)

var runCmd = &cobra.Command{
	Use:   "run <workflow>",
	Short: "Run a workflow",
	Long: `Run a workflow by name or path.

A bare name is looked up in the workflow directory (.flyto/workflows) with
.yaml, .yml and .json extensions. Parameters are passed as --param k=v and
coerced to the declared type. With a checkpoint store configured, a failed
run can be continued with --resume <run-id>.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runParams []string
	runResume string
	runOutput string
)

func init() {
	runCmd.Flags().StringArrayVarP(&runParams, "param", "p", nil, "workflow parameter (format: name=value)")
	runCmd.Flags().StringVar(&runResume, "resume", "", "resume the run with this id from its checkpoint")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "json", "result format: json or yaml")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	if runOutput != "json" && runOutput != "yaml" {
		return fmt.Errorf("invalid output format %q (expected json or yaml)", runOutput)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp()
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			a.logger.Warn("shutdown", "error", err)
		}
	}()

	wf, err := a.loader.Load(args[0])
	if err != nil {
		return fmt.Errorf("loading workflow: %w", err)
	}
	params, err := workflow.ParseParamFlags(runParams)
	if err != nil {
		return err
	}

	eng, err := a.newEngine(ctx)
	if err != nil {
		return err
	}
	a.start(ctx)

	var opts []engine.ExecuteOption
	if runResume != "" {
		opts = append(opts, engine.WithResume(runResume))
	}
	if a.cfg.Logging.PerRun {
		opts = append(opts, engine.WithRunLog(a.runLogger))
	}
	result, err := eng.Execute(ctx, wf, params, opts...)
	if err != nil {
		return err
	}
	return writeResult(cmd.OutOrStdout(), result, runOutput)
}

// runReport is the printed form of an engine result.
type runReport struct {
	RunID      string `json:"run_id" yaml:"run_id"`
	WorkflowID string `json:"workflow_id" yaml:"workflow_id"`
	Status     string `json:"status" yaml:"status"`
	StepsRun   int    `json:"steps_run" yaml:"steps_run"`
	DurationMs int64  `json:"duration_ms" yaml:"duration_ms"`
	Output     any    `json:"output" yaml:"output"`
}

func writeResult(w io.Writer, result *engine.Result, format string) error {
	report := runReport{
		RunID:      result.RunID,
		WorkflowID: result.WorkflowID,
		Status:     string(result.Status),
		StepsRun:   result.StepsRun,
		DurationMs: result.Duration.Milliseconds(),
		Output:     result.Output,
	}
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(report); err != nil {
			return fmt.Errorf("encoding result: %w", err)
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	return nil
}
