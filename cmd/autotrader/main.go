// Command autotrader runs the multi-agent paper trading core.
package main

import (
	"os"

	"github.com/fatih/color"

	"vn-autotrader/internal/cli"
	"vn-autotrader/internal/logging"
)

func main() {
	logger := logging.NewLogger()

	root := cli.NewRootCmd(logger)
	if err := root.Execute(); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
