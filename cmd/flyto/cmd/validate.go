package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flytohub/flyto-core-sub001/internal/workflow"
)

var validateCmd = &cobra.Command{
	Use:   "validate <workflow>",
	Short: "Validate a workflow",
	Long: `Validate a workflow without executing it.

Checks:
- YAML/JSON syntax
- Required fields and unique step ids
- Known modules and plugin steps
- Parameter declarations
- Parallel batches`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	wf, err := a.loader.Load(args[0])
	if err != nil {
		return fmt.Errorf("loading workflow: %w", err)
	}

	out := cmd.OutOrStdout()
	result := workflow.Check(wf, a.resolver.Known)
	if result.HasErrors() {
		fmt.Fprintf(out, "✗ %s has %d problem(s):\n", wf.ID, len(result.Errors))
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - %s\n", e)
		}
		return result.Err(wf.ID)
	}
	fmt.Fprintf(out, "✓ %s is valid (%d steps)\n", wf.ID, len(wf.Steps))
	return nil
}
