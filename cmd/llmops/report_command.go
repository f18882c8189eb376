package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/ongoingai/llmops/internal/metrics"
)

const defaultReportFormat = "text"

func newReportCommand(opts *globalOptions, out io.Writer, errOut io.Writer) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the latest metrics snapshot",
		Long: `Print the snapshot written by the last aggregation cycle.

Examples:
  llmops report
  llmops report --format json`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			normalizedFormat, err := normalizeTextJSONFormat("report", format, defaultReportFormat)
			if err != nil {
				return &exitError{code: 2, err: err}
			}

			env, err := openCommandEnv(cmd.Context(), opts, errOut)
			if err != nil {
				return err
			}
			defer env.Close()

			snap, err := env.metrics.Latest(cmd.Context())
			if isNotFound(err) {
				return failf(1, "no metrics snapshot yet; run llmops aggregate first")
			}
			if err != nil {
				return failf(1, "failed to read metrics snapshot: %v", err)
			}
			if normalizedFormat == "json" {
				return writeJSONOutput(out, snap)
			}
			renderReportText(out, snap)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", defaultReportFormat, "Output format: text or json")
	return cmd
}

type reportStyles struct {
	title   lipgloss.Style
	section lipgloss.Style
	label   lipgloss.Style
	value   lipgloss.Style
	dim     lipgloss.Style
}

func newReportStyles(out io.Writer) reportStyles {
	renderer := lipgloss.NewRenderer(out)
	return reportStyles{
		title:   renderer.NewStyle().Bold(true).Foreground(lipgloss.Color("212")),
		section: renderer.NewStyle().Bold(true).Foreground(lipgloss.Color("42")),
		label:   renderer.NewStyle().Width(28),
		value:   renderer.NewStyle().Foreground(lipgloss.Color("214")),
		dim:     renderer.NewStyle().Foreground(lipgloss.Color("241")),
	}
}

func renderReportText(out io.Writer, snap metrics.Snapshot) {
	styles := newReportStyles(out)
	row := func(label, value string) {
		fmt.Fprintln(out, styles.label.Render(label)+styles.value.Render(value))
	}

	fmt.Fprintln(out, styles.title.Render("LLMOps metrics snapshot"))
	fmt.Fprintln(out, styles.dim.Render(fmt.Sprintf("generated %s (schema v%d)", snap.GeneratedAt, snap.SchemaVersion)))
	fmt.Fprintln(out)

	fmt.Fprintln(out, styles.section.Render("Usage"))
	row("traces", fmt.Sprintf("%d", snap.TotalTraces))
	row("sessions", fmt.Sprintf("%d", snap.TotalSessions))
	row("users", fmt.Sprintf("%d", snap.TotalUsers))
	row("avg traces per session", formatOptional(snap.AvgTracesPerSession, "%.2f"))
	row("avg latency (ms)", formatOptional(snap.AvgLatencyMS, "%.2f"))
	row("total tokens", fmt.Sprintf("%d", snap.TotalTokens))
	row("total cost (USD)", fmt.Sprintf("%.4f", snap.TotalCost))
	fmt.Fprintln(out)

	fmt.Fprintln(out, styles.section.Render("Quality"))
	row("first response accuracy", formatOptional(snap.FirstResponseAccuracyAvg, "%.3f"))
	names := sortedKeys(snap.EvaluationSummary)
	if len(names) == 0 {
		fmt.Fprintln(out, styles.dim.Render("no scored evaluations"))
	}
	for _, name := range names {
		summary := snap.EvaluationSummary[name]
		row(name, fmt.Sprintf("%.3f avg over %d", summary.AvgScore, summary.Count))
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, styles.section.Render("By model"))
	renderBreakdown(out, styles, snap.TraceCountByModel, snap.TokensByModel, snap.CostByModel)
	fmt.Fprintln(out)

	fmt.Fprintln(out, styles.section.Render("By trace name"))
	renderBreakdown(out, styles, snap.TraceCountByName, snap.TokensByTraceName, snap.CostByTraceName)
}

func renderBreakdown(out io.Writer, styles reportStyles, counts map[string]int, tokens map[string]int64, cost map[string]float64) {
	keys := sortedKeys(counts)
	if len(keys) == 0 {
		fmt.Fprintln(out, styles.dim.Render("none"))
		return
	}
	for _, key := range keys {
		fmt.Fprintln(out, styles.label.Render(key)+styles.value.Render(
			fmt.Sprintf("%d traces, %d tokens, %.4f USD", counts[key], tokens[key], cost[key]),
		))
	}
}

func formatOptional(v *float64, format string) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf(format, *v)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
