// Command kryptonite generates key configurations, serves the encryption
// API and rotates stored ciphertexts.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "kryptonite",
		Short:        "Field-level envelope encryption",
		SilenceUsage: true,
	}
	root.AddCommand(newKeygenCmd(), newServeCmd(), newRotateCmd())
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
