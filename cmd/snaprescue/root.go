package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"snaprescue/pkg/config"
	"snaprescue/pkg/logger"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "snaprescue",
	Short: "Recover a Snapchat memories export into a local library",
	Long: `snaprescue turns the item list parsed from a Snapchat memories
export page into a local media library: it downloads every memory,
writes capture timestamps and GPS data into the files, flattens
drawn/text overlays onto their base photos and videos, and removes
the redundant intermediate files.

Progress for every item is kept in the destination directory, so an
interrupted run picks up where it left off. Structured progress
events are written to stdout as JSON lines; logs go to stderr.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if exitCode == 0 {
			exitCode = 1
		}
	}
	return exitCode
}

// exitCode distinguishes a clean finish (0) from a failed run (1) and
// an interrupted one (130).
var exitCode int

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default .snaprescue.yaml)")
	rootCmd.PersistentFlags().StringP("items", "i", "", "work item list JSON produced by the export parser")
	rootCmd.PersistentFlags().StringP("output", "o", "", "destination library directory")
	rootCmd.PersistentFlags().IntP("workers", "w", 0, "concurrent workers per stage")
	rootCmd.PersistentFlags().Int("limit", 0, "max items to process this run (0 = all)")
	rootCmd.PersistentFlags().Int("rate-limit", 0, "max fetch requests per minute (0 = unthrottled)")
	rootCmd.PersistentFlags().Bool("dry-run", false, "report planned work without touching the network or disk")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
}

// loadConfig builds the effective configuration from defaults,
// environment, config file, and the flags the user actually set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := make(map[string]interface{})

	collect := func(name string, get func() (interface{}, error)) {
		flag := cmd.Flags().Lookup(name)
		if flag == nil || !flag.Changed {
			return
		}
		if v, err := get(); err == nil {
			flags[name] = v
		}
	}

	collect("items", func() (interface{}, error) { return cmd.Flags().GetString("items") })
	collect("output", func() (interface{}, error) { return cmd.Flags().GetString("output") })
	collect("workers", func() (interface{}, error) { return cmd.Flags().GetInt("workers") })
	collect("limit", func() (interface{}, error) { return cmd.Flags().GetInt("limit") })
	collect("rate-limit", func() (interface{}, error) { return cmd.Flags().GetInt("rate-limit") })
	collect("dry-run", func() (interface{}, error) { return cmd.Flags().GetBool("dry-run") })
	collect("log-level", func() (interface{}, error) { return cmd.Flags().GetString("log-level") })
	collect("retry-failed", func() (interface{}, error) { return cmd.Flags().GetBool("retry-failed") })
	collect("retry-all-failed", func() (interface{}, error) { return cmd.Flags().GetBool("retry-all-failed") })
	collect("require-metadata", func() (interface{}, error) { return cmd.Flags().GetBool("require-metadata") })
	collect("stages", func() (interface{}, error) { return cmd.Flags().GetStringSlice("stages") })

	cfg, err := config.Load(cfgFile, flags)
	if err != nil {
		return nil, err
	}

	if err := logger.Initialize(&cfg.Logging); err != nil {
		return nil, err
	}
	return cfg, nil
}
