package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"snaprescue/pkg/config"
	"snaprescue/pkg/logger"
	"snaprescue/pkg/pipeline"
	"snaprescue/pkg/progress"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full recovery pipeline",
	Long: `Run the selected pipeline stages in order: download, metadata,
combine, dedupe. Already-completed items are skipped, so re-running
after an interruption or a partial failure only does the remaining
work.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return runPipeline(cfg, nil)
	},
}

func init() {
	runCmd.Flags().StringSlice("stages", nil, "subset of stages to run (download,metadata,combine,dedupe)")
	runCmd.Flags().Bool("retry-failed", false, "only re-attempt items with a recorded retryable failure")
	runCmd.Flags().Bool("retry-all-failed", false, "re-attempt all failed items, including expired links")
	runCmd.Flags().Bool("require-metadata", false, "treat a missing exiftool as a failure instead of skipping the metadata stage")
	rootCmd.AddCommand(runCmd)
}

// runPipeline executes the pipeline and translates its terminal status
// into a process exit code: 0 completed, 1 failed, 130 stopped.
func runPipeline(cfg *config.Config, stages []string) error {
	if len(stages) > 0 {
		cfg.Pipeline.Stages = stages
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	emitter := progress.NewEmitter(os.Stdout)
	pipe, err := pipeline.New(cfg, emitter, logger.GetLogger())
	if err != nil {
		return err
	}

	result := pipe.Run(ctx)
	switch result.Status {
	case pipeline.StatusStopped:
		exitCode = 130
		emitter.Info("pipeline", "stopped, progress saved")
	case pipeline.StatusFailed:
		exitCode = 1
		return result.Err
	default:
		emitter.Success("pipeline", "all stages finished")
	}
	return nil
}
