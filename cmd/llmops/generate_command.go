package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"time"

	"github.com/spf13/cobra"

	"github.com/ongoingai/llmops/internal/trace"
	"github.com/ongoingai/llmops/internal/tracegen"
)

const traceWriterBufferSize = 1024

type generateOptions struct {
	batches  int
	interval time.Duration
	seed     uint64
}

func newGenerateCommand(opts *globalOptions, out io.Writer, errOut io.Writer) *cobra.Command {
	genOpts := generateOptions{}
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Append synthetic traces to the trace ledger",
		Long: `Append batches of two to six synthetic traces to the trace ledger.

Examples:
  llmops generate
  llmops generate --batches 20 --interval 5s
  llmops generate --seed 42`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if genOpts.batches <= 0 {
				return &exitError{code: 2, err: fmt.Errorf("batches must be > 0")}
			}
			if genOpts.interval < 0 {
				return &exitError{code: 2, err: fmt.Errorf("interval must be >= 0")}
			}

			env, err := openCommandEnv(cmd.Context(), opts, errOut)
			if err != nil {
				return err
			}
			defer env.Close()

			result, err := generateTraces(cmd.Context(), env, genOpts)
			if err != nil {
				return failf(1, "trace generation failed: %v", err)
			}
			fmt.Fprintf(out, "generated %d traces: %d written, %d dropped\n",
				result.generated, result.diagnostics.WrittenTotal,
				result.diagnostics.EnqueueDroppedTotal+result.diagnostics.WriteDroppedTotal)
			return nil
		},
	}
	cmd.Flags().IntVar(&genOpts.batches, "batches", 1, "Number of batches to generate")
	cmd.Flags().DurationVar(&genOpts.interval, "interval", 0, "Pause between batches")
	cmd.Flags().Uint64Var(&genOpts.seed, "seed", 0, "Random seed (0 picks a random seed)")
	return cmd
}

type generateResult struct {
	generated   int
	diagnostics trace.PipelineDiagnostics
}

// generateTraces publishes batches through the async trace writer and waits
// for the queue to drain.
func generateTraces(ctx context.Context, env *commandEnv, opts generateOptions) (generateResult, error) {
	if err := env.traces.Ensure(ctx); err != nil {
		return generateResult{}, fmt.Errorf("ensure trace ledger: %w", err)
	}

	genOpts := tracegen.Options{}
	if opts.seed != 0 {
		genOpts.Rand = rand.New(rand.NewPCG(opts.seed, opts.seed))
	}
	generator := tracegen.New(genOpts)

	writer := trace.NewWriter(env.traces, traceWriterBufferSize)
	attachTraceWriterHooks(env.logger, writer, env.runtime, env.cfg.Storage.Driver)
	writer.Start(context.WithoutCancel(ctx))

	result := generateResult{}
	for i := range opts.batches {
		if i > 0 && opts.interval > 0 {
			timer := time.NewTimer(opts.interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				_ = shutdownTraceWriter(env.logger, writer, traceWriterShutdownTimeout)
				result.diagnostics = writer.Diagnostics()
				return result, ctx.Err()
			case <-timer.C:
			}
		}
		batch := generator.Batch()
		accepted := tracegen.Publish(writer, batch)
		result.generated += len(batch)
		env.logger.Debug("published trace batch", "batch", i+1, "traces", len(batch), "accepted", accepted)
	}

	if err := shutdownTraceWriter(env.logger, writer, traceWriterShutdownTimeout); err != nil {
		result.diagnostics = writer.Diagnostics()
		return result, err
	}
	result.diagnostics = writer.Diagnostics()
	return result, nil
}
