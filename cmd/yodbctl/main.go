// Command yodbctl is a thin smoke-test CLI over a yodb database file:
// put/get/del/stats subcommands, each opening the file, doing one
// operation and closing it, one process per invocation.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var dbPath string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "yodbctl",
		Short:         "Inspect and exercise a yodb database file",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "path to the database file (required)")
	cmd.MarkPersistentFlagRequired("db")

	cmd.AddCommand(newPutCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newDelCmd())
	cmd.AddCommand(newStatsCmd())
	return cmd
}
