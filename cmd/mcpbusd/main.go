// Command mcpbusd hosts the message bus, the workflow engine and the
// central coordinator in one process.
//
//	mcpbusd run --config mcpbus.toml
//	mcpbusd replay [--discard]
//	mcpbusd inspect <message_id>
package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:          "mcpbusd",
		Short:        "MCP message bus daemon",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"TOML config file (MCPBUS_* environment variables override it)")

	root.AddCommand(
		newRunCmd(&configPath),
		newReplayCmd(&configPath),
		newInspectCmd(&configPath),
	)
	return root
}
