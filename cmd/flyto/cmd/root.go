package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flytohub/flyto-core-sub001/internal/config"
	"github.com/flytohub/flyto-core-sub001/internal/workflow"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"

	// Global flags
	verbose bool
	workDir string
)

var rootCmd = &cobra.Command{
	Use:   "flyto",
	Short: "flyto - declarative workflows with polyglot plugins",
	Long: `flyto runs step-based workflows written in YAML or JSON.

Steps call builtin modules (math.*, string.*, data.set, flow.*, shell.exec)
or plugin steps named <plugin>/<step>. Plugins are separate processes in
any language, discovered under .flyto/plugins and launched on first use.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		// No subcommand: list the project's workflows.
		return listWorkflows(cmd)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&workDir, "workdir", "C", "", "working directory (default: current)")

	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("flyto {{.Version}}\n")
}

// getWorkDir returns the effective working directory.
func getWorkDir() (string, error) {
	if workDir != "" {
		return workDir, nil
	}
	return os.Getwd()
}

// loadConfig reads defaults, ~/.flyto/config.toml and the project config.
func loadConfig(dir string) (*config.Config, error) {
	cfg, err := config.LoadFromDir(dir)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = config.LogLevelDebug
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func listWorkflows(cmd *cobra.Command) error {
	dir, err := getWorkDir()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(dir)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	names, err := workflow.NewLoader(cfg.WorkflowDir(dir)).List()
	if err != nil {
		return fmt.Errorf("listing workflows: %w", err)
	}
	if len(names) == 0 {
		fmt.Fprintln(out, "No workflows found.")
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Add a workflow to %s to get started.\n", cfg.Paths.WorkflowDir)
		return nil
	}

	fmt.Fprintln(out, "Available workflows:")
	fmt.Fprintln(out)
	for _, name := range names {
		fmt.Fprintf(out, "  %s\n", name)
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Run: flyto run <workflow> [--param key=value]")
	return nil
}
