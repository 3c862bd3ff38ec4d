package main

import (
	"github.com/spf13/cobra"

	"snaprescue/pkg/config"
)

// Each stage is also exposed as its own subcommand so a run can be
// driven step by step, or a single stage re-run after fixing its
// environment (installing ffmpeg, re-exporting expired links).

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Fetch all memories listed in the items file",
	RunE:  stageRunE(config.StageDownload),
}

var metadataCmd = &cobra.Command{
	Use:   "metadata",
	Short: "Write capture timestamps and GPS data into downloaded files",
	RunE:  stageRunE(config.StageMetadata),
}

var combineCmd = &cobra.Command{
	Use:   "combine",
	Short: "Flatten overlays onto their base photos and videos",
	RunE:  stageRunE(config.StageCombine),
}

var dedupeCmd = &cobra.Command{
	Use:   "dedupe",
	Short: "Remove flattened staging directories and duplicate files",
	RunE:  stageRunE(config.StageDedupe),
}

func stageRunE(stage string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return runPipeline(cfg, []string{stage})
	}
}

func init() {
	downloadCmd.Flags().Bool("retry-failed", false, "only re-attempt items with a recorded retryable failure")
	downloadCmd.Flags().Bool("retry-all-failed", false, "re-attempt all failed items, including expired links")
	metadataCmd.Flags().Bool("require-metadata", false, "treat a missing exiftool as a failure instead of skipping the stage")

	rootCmd.AddCommand(downloadCmd, metadataCmd, combineCmd, dedupeCmd)
}
