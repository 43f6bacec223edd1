package main

import (
	"fmt"
	"os"

	"github.com/flytohub/flyto-core-sub001/cmd/flyto/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
