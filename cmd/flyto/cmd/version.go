package cmd

import (
	"fmt"
	goruntime "runtime"

	"github.com/spf13/cobra"

	"github.com/flytohub/flyto-core-sub001/internal/protocol"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "flyto %s\n", Version)
		fmt.Fprintf(out, "plugin protocol %s\n", protocol.ProtocolVersion)
		fmt.Fprintf(out, "%s %s/%s\n", goruntime.Version(), goruntime.GOOS, goruntime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
