package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/flytohub/flyto-core-sub001/internal/plugin"
	"github.com/flytohub/flyto-core-sub001/internal/runtime"
)

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "Inspect installed plugins",
	Long: `Inspect the plugins found in the plugin directories.

Plugins live in .flyto/plugins/<id>/ (or flyto-plugin-<id>/) with a
plugin.yaml, plugin.json or manifest.json manifest.`,
}

var pluginsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List discovered plugins",
	Args:  cobra.NoArgs,
	RunE:  runPluginsList,
}

var pluginsPingCmd = &cobra.Command{
	Use:   "ping <plugin>",
	Short: "Start a plugin and measure a ping round trip",
	Args:  cobra.ExactArgs(1),
	RunE:  runPluginsPing,
}

var pluginsInspectCmd = &cobra.Command{
	Use:   "inspect <plugin>",
	Short: "Show a plugin's manifest and launch command",
	Args:  cobra.ExactArgs(1),
	RunE:  runPluginsInspect,
}

var (
	pluginsListJSON bool
	pingTimeout     time.Duration
)

func init() {
	pluginsListCmd.Flags().BoolVar(&pluginsListJSON, "json", false, "output as JSON")
	pluginsPingCmd.Flags().DurationVar(&pingTimeout, "timeout", 30*time.Second, "overall timeout including startup")

	pluginsCmd.AddCommand(pluginsListCmd)
	pluginsCmd.AddCommand(pluginsPingCmd)
	pluginsCmd.AddCommand(pluginsInspectCmd)
	rootCmd.AddCommand(pluginsCmd)
}

func runPluginsList(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	if _, err := a.plugins.Discover(); err != nil {
		return fmt.Errorf("discovering plugins: %w", err)
	}
	infos := a.plugins.Status()
	out := cmd.OutOrStdout()

	if pluginsListJSON {
		return outputPluginListJSON(out, infos)
	}
	if len(infos) == 0 {
		fmt.Fprintln(out, "No plugins found.")
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Plugin directories: %s\n", strings.Join(a.cfg.PluginDirs(a.dir), ", "))
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVERSION\tLANGUAGE\tSTEPS\tDIR")
	for _, info := range infos {
		steps := strings.Join(info.Steps, ",")
		if steps == "" {
			steps = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", info.ID, info.Version, info.Language, steps, info.Dir)
	}
	return w.Flush()
}

// pluginListEntry is the JSON form of one discovered plugin.
type pluginListEntry struct {
	ID       string   `json:"id"`
	Version  string   `json:"version"`
	Language string   `json:"language"`
	Steps    []string `json:"steps"`
	Dir      string   `json:"dir"`
}

func outputPluginListJSON(w io.Writer, infos []plugin.ProcessInfo) error {
	entries := make([]pluginListEntry, len(infos))
	for i, info := range infos {
		entries[i] = pluginListEntry{
			ID:       info.ID,
			Version:  info.Version,
			Language: info.Language,
			Steps:    info.Steps,
			Dir:      info.Dir,
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}

func runPluginsPing(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	ctx, cancel := context.WithTimeout(cmd.Context(), pingTimeout)
	defer cancel()

	latency, err := a.plugins.Ping(ctx, args[0])
	if err != nil {
		return err
	}
	proc, _ := a.plugins.Process(args[0])
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: pong in %s\n", args[0], latency.Round(time.Microsecond))
	if proc != nil {
		fmt.Fprintf(out, "  pid:   %d\n", proc.PID())
		fmt.Fprintf(out, "  steps: %s\n", strings.Join(proc.Steps(), ", "))
	}
	return nil
}

func runPluginsInspect(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	man, err := a.plugins.Manifest(args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Manifest: %s\n\n", man.File)

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(man); err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	if err := enc.Close(); err != nil {
		return err
	}

	fmt.Fprintln(out)
	describeLaunch(out, a.runtimes, man)
	return nil
}

// describeLaunch prints how the plugin would be started.
func describeLaunch(w io.Writer, runtimes *runtime.Registry, man *plugin.Manifest) {
	lang := man.Language()
	if lang == "" {
		lang = runtimes.Detect(man.Dir)
	}
	if lang == "" {
		lang = "binary"
	}
	fmt.Fprintf(w, "Runtime: %s", lang)
	if !runtimes.Available(lang) {
		fmt.Fprint(w, " (not found on PATH)")
	}
	fmt.Fprintln(w)

	entry, err := runtime.ResolveEntryPoint(man.Dir, man.Entry())
	if err != nil {
		fmt.Fprintf(w, "Entry:   %s (%v)\n", man.Entry(), err)
		return
	}
	exe, argv, err := runtimes.Command(lang, entry)
	if err != nil {
		fmt.Fprintf(w, "Command: %v\n", err)
		fmt.Fprintf(w, "Known runtimes: %s\n", strings.Join(runtimes.Languages(), ", "))
		return
	}
	fmt.Fprintf(w, "Command: %s\n", strings.Join(append([]string{exe}, argv...), " "))
}
