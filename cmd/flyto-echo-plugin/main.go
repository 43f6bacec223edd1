// Command flyto-echo-plugin is a minimal plugin used to exercise the
// plugin runtime end to end. Build it into its plugin directory:
//
//	go build -o .flyto/plugins/echo/flyto-echo-plugin ./cmd/flyto-echo-plugin
//	cp cmd/flyto-echo-plugin/plugin.yaml .flyto/plugins/echo/
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/flytohub/flyto-core-sub001/pkg/pluginsdk"
)

// Version is set at build time via ldflags
var Version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	err := pluginsdk.Serve(ctx, pluginsdk.Plugin{
		ID:      "echo",
		Version: Version,
		Steps:   steps(),
		Logger:  logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "echo plugin: %v\n", err)
		os.Exit(1)
	}
}
