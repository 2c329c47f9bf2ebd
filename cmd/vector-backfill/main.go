package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "vector-backfill",
		Short: "Offline maintenance for attribution results and daily rollups",
		Long: `vector-backfill applies metrics exports and rebuilds derived data directly
against the configured stores, without going through the job queue.
Every command is safe to re-run: rollup rows are refolded from their
contribution ledger and attribution is replaced per conversion.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newImportCSVCmd(),
		newRecomputeDayCmd(),
		newRecomputeCampaignCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
