package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"snaprescue/pkg/ledger"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize recovery progress from the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		led, err := ledger.Open(cfg.Output.Directory)
		if err != nil {
			return err
		}

		records := led.Snapshot()
		counts := map[ledger.Stage]int{}
		for _, rec := range records {
			for stage, outcome := range rec.Stages {
				if outcome == ledger.OutcomeDone {
					counts[stage]++
				}
			}
		}

		fmt.Printf("Library: %s\n", cfg.Output.Directory)
		fmt.Printf("Tracked items:    %d\n", len(records))
		fmt.Printf("  downloaded:     %d\n", counts[ledger.StageDownloaded])
		fmt.Printf("  tagged:         %d\n", counts[ledger.StageMetadata])
		fmt.Printf("  combined:       %d\n", counts[ledger.StageCombined])

		failures := led.Errors()
		fmt.Printf("Recorded failures: %d\n", len(failures))
		if len(failures) == 0 {
			return nil
		}

		byReason := map[string]int{}
		for _, rec := range failures {
			byReason[string(rec.Reason)]++
		}
		reasons := make([]string, 0, len(byReason))
		for reason := range byReason {
			reasons = append(reasons, reason)
		}
		sort.Strings(reasons)
		for _, reason := range reasons {
			fmt.Printf("  %-12s %d\n", reason+":", byReason[reason])
		}

		fmt.Println("\nRun with --retry-failed to re-attempt transient failures,")
		fmt.Println("or --retry-all-failed after re-exporting expired links.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
