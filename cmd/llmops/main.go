package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/ongoingai/llmops/internal/version"
)

const defaultConfigPath = "llmops.yaml"

const traceWriterShutdownTimeout = 5 * time.Second
const otelShutdownTimeout = 5 * time.Second
const serverShutdownTimeout = 5 * time.Second
const serverReadHeaderTimeout = 10 * time.Second
const serverReadTimeout = 30 * time.Second
const serverIdleTimeout = 2 * time.Minute

var signalNotifyContext = signal.NotifyContext

// globalOptions holds the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	logLevel   string
}

// exitError carries a process exit code through cobra. A nil err means the
// command already reported the failure.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func failf(code int, format string, args ...any) error {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the CLI and maps failures to exit codes: 1 for runtime
// failures and 2 for usage errors.
func run(args []string, out io.Writer, errOut io.Writer) int {
	root := newRootCommand(out, errOut)
	root.SetArgs(args)

	err := root.Execute()
	if err == nil {
		return 0
	}
	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			fmt.Fprintln(errOut, exit.err)
		}
		return exit.code
	}
	fmt.Fprintln(errOut, err)
	return 2
}

func newRootCommand(out io.Writer, errOut io.Writer) *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "llmops",
		Short: "LLM observability pipeline: evaluation, sessions, and KPI aggregation",
		Long: `llmops evaluates captured LLM traces with judge models, materializes
sessions, and aggregates KPIs into a snapshot served by the read API.

Key commands:
  llmops serve       Serve the read API and run scheduled cycles
  llmops evaluate    Run one evaluation cycle
  llmops aggregate   Recompute the metrics snapshot
  llmops report      Print the latest metrics snapshot
  llmops generate    Append synthetic traces to the trace ledger

Running llmops with no command starts the server.`,
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServeCommand(cmd, opts, out, errOut)
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)
	root.SetVersionTemplate("{{.Version}}\n")
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &exitError{code: 2, err: err}
	})

	root.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfigPath, "Path to config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	root.AddCommand(
		newServeCommand(opts, out, errOut),
		newEvaluateCommand(opts, out, errOut),
		newAggregateCommand(opts, out, errOut),
		newReportCommand(opts, out, errOut),
		newGenerateCommand(opts, out, errOut),
		newConfigCommand(opts, out, errOut),
		newVersionCommand(out),
	)
	return root
}

func newVersionCommand(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  noArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintln(out, version.String())
		},
	}
}

// noArgs rejects positional arguments as a usage error.
func noArgs(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return &exitError{code: 2, err: fmt.Errorf("%s does not accept positional arguments", commandName(cmd))}
	}
	return nil
}

func commandName(cmd *cobra.Command) string {
	path := cmd.CommandPath()
	if root := cmd.Root(); root != nil && root != cmd {
		path = path[len(root.Name())+1:]
	}
	return path
}
