package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ongoingai/llmops/internal/eval"
	"github.com/ongoingai/llmops/internal/metrics"
)

const defaultCycleFormat = "text"

func newEvaluateCommand(opts *globalOptions, out io.Writer, errOut io.Writer) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Run one evaluation cycle over every trace missing a verdict",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			normalizedFormat, err := normalizeTextJSONFormat("evaluate", format, defaultCycleFormat)
			if err != nil {
				return &exitError{code: 2, err: err}
			}

			env, err := openCommandEnv(cmd.Context(), opts, errOut)
			if err != nil {
				return err
			}
			defer env.Close()
			if env.cycle == nil {
				return failf(1, "evaluation requires a judge model: set llm.api_key, OPENAI_API_KEY or AZURE_OPENAI_API_KEY")
			}

			summary, err := env.cycle.Run(cmd.Context())
			if err != nil {
				return failf(1, "evaluation run failed: %v", err)
			}
			if normalizedFormat == "json" {
				return writeJSONOutput(out, summary)
			}
			writeRunSummaryText(out, summary)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", defaultCycleFormat, "Output format: text or json")
	return cmd
}

func writeRunSummaryText(out io.Writer, summary eval.RunSummary) {
	if summary.NoTraces {
		fmt.Fprintln(out, "no traces yet; nothing to evaluate")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "evaluation run complete")
	fmt.Fprintf(tw, "  traces:\t%d\n", summary.Traces)
	fmt.Fprintf(tw, "  planned:\t%d\n", summary.Planned)
	fmt.Fprintf(tw, "  completed:\t%d\n", summary.Completed)
	fmt.Fprintf(tw, "  errored:\t%d\n", summary.Errored)
	fmt.Fprintf(tw, "  abandoned:\t%d\n", summary.Abandoned)
	fmt.Fprintf(tw, "  duration:\t%s\n", summary.Duration)
	_ = tw.Flush()
}

func newAggregateCommand(opts *globalOptions, out io.Writer, errOut io.Writer) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Recompute and publish the metrics snapshot",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			normalizedFormat, err := normalizeTextJSONFormat("aggregate", format, defaultCycleFormat)
			if err != nil {
				return &exitError{code: 2, err: err}
			}

			env, err := openCommandEnv(cmd.Context(), opts, errOut)
			if err != nil {
				return err
			}
			defer env.Close()

			result, err := env.metrics.RunCycle(cmd.Context())
			if err != nil {
				return failf(1, "metrics aggregation failed: %v", err)
			}
			if normalizedFormat == "json" {
				return writeJSONOutput(out, result)
			}
			writeCycleResultText(out, result)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", defaultCycleFormat, "Output format: text or json")
	return cmd
}

func writeCycleResultText(out io.Writer, result metrics.CycleResult) {
	if result.NoTraces || result.Snapshot == nil {
		fmt.Fprintln(out, "no traces yet; snapshot not written")
		return
	}
	snap := result.Snapshot
	fmt.Fprintf(out, "metrics snapshot written to %s: %d traces, %d sessions, %d users\n",
		metrics.ArtifactName, snap.TotalTraces, snap.TotalSessions, snap.TotalUsers)
}

func newConfigCommand(opts *globalOptions, out io.Writer, errOut io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprint(errOut, cmd.UsageString())
			return &exitError{code: 2}
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file and environment overrides",
		Args:  noArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if _, _, err := loadAndValidateConfig(opts.configPath); err != nil {
				return failf(1, "config is invalid: %v", err)
			}
			fmt.Fprintf(out, "config is valid: %s\n", opts.configPath)
			return nil
		},
	})
	return cmd
}
