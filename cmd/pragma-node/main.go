// pragma-node is the oracle backend: the serve command runs the API node
// (HTTP + WebSocket + bus producer), the ingest command runs the bus
// consumer that persists admitted observations.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Process exit codes.
const (
	exitOK          = 0
	exitConfigError = 2
	exitStoreError  = 74
)

func main() {
	root := &cobra.Command{
		Use:           "pragma-node",
		Short:         "Pragma oracle node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), ingestCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
