// Command aedpos runs the consensus engine outside a chain node:
// a round simulator for inspecting schedules and finality behavior,
// and a read-only HTTP query server over a simulated engine.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	root := &cobra.Command{
		Use:   "aedpos",
		Short: "AEDPoS consensus engine tooling",

		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newSimulateCommand(),
		newServeCommand(),
	)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
