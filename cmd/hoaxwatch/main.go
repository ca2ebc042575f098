package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "hoaxwatch",
		Short:         "Collect, classify and fact-check potential hoaxes for a keyword list",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml if present)")

	root.AddCommand(runCmd())
	root.AddCommand(recordsCmd())
	root.AddCommand(runsCmd())

	return root
}

func runCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline once or on a daily schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd.Context(), opts)
		},
	}

	cmd.Flags().BoolVar(&opts.once, "once", false, "run a single pass and exit")
	cmd.Flags().BoolVar(&opts.daily, "daily", false, "run every day at the configured time until stopped")
	cmd.Flags().StringVar(&opts.time, "time", "", "daily trigger time HH:MM (default: from config)")
	cmd.MarkFlagsMutuallyExclusive("once", "daily")
	return cmd
}

func recordsCmd() *cobra.Command {
	var opts recordsOptions

	cmd := &cobra.Command{
		Use:   "records",
		Short: "List stored records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecords(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringSliceVar(&opts.platforms, "platform", nil, "filter by platform (google, reddit)")
	cmd.Flags().StringSliceVar(&opts.keywords, "keyword", nil, "filter by keyword")
	cmd.Flags().StringSliceVar(&opts.labels, "label", nil, "filter by predicted label (hoax, not_hoax)")
	cmd.Flags().StringVar(&opts.from, "from", "", "first day, YYYY-MM-DD")
	cmd.Flags().StringVar(&opts.to, "to", "", "last day (inclusive), YYYY-MM-DD")
	cmd.Flags().IntVar(&opts.limit, "limit", 50, "max records to show")
	cmd.Flags().IntVar(&opts.offset, "offset", 0, "records to skip")
	cmd.Flags().BoolVar(&opts.json, "json", false, "output as JSON")
	return cmd
}

func runsCmd() *cobra.Command {
	var (
		limit      int
		failures   string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show recent pipeline runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if failures != "" {
				return runFailures(cmd.Context(), failures, jsonOutput)
			}
			return runRuns(cmd.Context(), limit, jsonOutput)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "max runs to show")
	cmd.Flags().StringVar(&failures, "failures", "", "show the failures recorded for this run id")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler)
}
