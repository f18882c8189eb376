package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ongoingai/llmops/internal/api"
	"github.com/ongoingai/llmops/internal/configstore"
	"github.com/ongoingai/llmops/internal/schedule"
	"github.com/ongoingai/llmops/internal/storage"
	"github.com/ongoingai/llmops/internal/trace"
	"github.com/ongoingai/llmops/internal/version"
)

const (
	jobEvaluate  = "evaluate"
	jobAggregate = "aggregate"
)

func newServeCommand(opts *globalOptions, out io.Writer, errOut io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the read API and run scheduled evaluation and aggregation cycles",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServeCommand(cmd, opts, out, errOut)
		},
	}
}

func runServeCommand(cmd *cobra.Command, opts *globalOptions, out io.Writer, errOut io.Writer) error {
	ctx, stop := signalNotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, opts, out, nil)
}

// serve runs the HTTP server and the scheduler until ctx is cancelled. When
// ready is non-nil it receives the bound listener address.
func serve(ctx context.Context, opts *globalOptions, logOut io.Writer, ready chan<- string) error {
	env, err := openCommandEnv(ctx, opts, logOut)
	if err != nil {
		return err
	}
	defer env.Close()
	cfg, logger := env.cfg, env.logger

	listener, err := net.Listen("tcp", cfg.Server.Address())
	if err != nil {
		return failf(1, "failed to listen on %s: %v", cfg.Server.Address(), err)
	}
	server := &http.Server{
		Handler:           newServerHandler(env),
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		IdleTimeout:       serverIdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Schedule.Enabled {
		scheduler, err := newScheduler(env)
		if err != nil {
			_ = listener.Close()
			return failf(1, "failed to configure schedule: %v", err)
		}
		g.Go(func() error {
			return scheduler.Run(gctx)
		})
		if err := watchTraceLedger(gctx, env, scheduler); err != nil {
			logger.Warn("trace ledger watch disabled", "error", err)
		}
	}

	logger.Info(
		"startup banner",
		"version", version.String(),
		"addr", listener.Addr().String(),
		"storage_driver", cfg.Storage.Driver,
		"schedule_enabled", cfg.Schedule.Enabled,
		"judges_configured", env.cycle != nil,
		"prometheus_path", prometheusPath(env),
		"config_path", opts.configPath,
	)

	g.Go(func() error {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if ready != nil {
		ready <- listener.Addr().String()
	}

	if err := g.Wait(); err != nil {
		logger.Error("server failed", "error", err)
		return &exitError{code: 1, err: err}
	}
	logger.Info("server stopped")
	return nil
}

// newServerHandler mounts the read API and the Prometheus scrape endpoint
// behind tracing and access logging.
func newServerHandler(env *commandEnv) http.Handler {
	var runner api.EvaluationRunner
	if env.cycle != nil {
		runner = env.cycle
	}
	apiHandler := api.NewRouter(api.RouterOptions{
		AppVersion:    version.String(),
		StorageDriver: env.cfg.Storage.Driver,
		Traces:        env.traces,
		Evaluations:   env.evaluations,
		Metrics:       env.metrics,
		Runner:        runner,
		Evaluators:    env.evaluators,
		Templates:     configstore.NewTemplateFile(env.cfg.Templates.Path),
		Logger:        env.logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/", apiHandler)
	if path := prometheusPath(env); path != "" {
		mux.Handle(path, env.runtime.PrometheusHandler())
	}

	var handler http.Handler = mux
	handler = env.runtime.SpanEnrichmentMiddleware(handler)
	handler = env.runtime.WrapHTTPHandler(handler)
	return api.LoggingMiddleware(env.logger, handler)
}

func prometheusPath(env *commandEnv) string {
	if !env.cfg.Observability.Prometheus.Enabled || env.runtime.PrometheusHandler() == nil {
		return ""
	}
	return strings.TrimSpace(env.cfg.Observability.Prometheus.Path)
}

func newScheduler(env *commandEnv) (*schedule.Scheduler, error) {
	jobs := []schedule.Job{{
		Name:       jobAggregate,
		Interval:   time.Duration(env.cfg.Schedule.AggregationIntervalMS) * time.Millisecond,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			_, err := env.metrics.RunCycle(ctx)
			return err
		},
	}}
	if env.cycle != nil {
		jobs = append(jobs, schedule.Job{
			Name:       jobEvaluate,
			Interval:   time.Duration(env.cfg.Schedule.EvaluationIntervalMS) * time.Millisecond,
			RunOnStart: true,
			Run: func(ctx context.Context) error {
				_, err := env.cycle.Run(ctx)
				return err
			},
		})
	} else {
		env.logger.Warn("scheduled evaluation disabled: no judge model configured")
	}
	return schedule.New(env.logger, jobs...)
}

// watchTraceLedger nudges both cycles when the file-backed trace ledger
// changes. Other drivers rely on the intervals alone.
func watchTraceLedger(ctx context.Context, env *commandEnv, scheduler *schedule.Scheduler) error {
	if !env.cfg.Schedule.WatchTraces {
		return nil
	}
	files, ok := env.container.(*storage.FileContainer)
	if !ok {
		return nil
	}
	path, err := files.Path(trace.LedgerName)
	if err != nil {
		return err
	}
	return schedule.WatchFile(ctx, path, 0, func() {
		env.logger.Debug("trace ledger changed", "path", path)
		scheduler.Nudge(jobEvaluate)
		scheduler.Nudge(jobAggregate)
	}, env.logger)
}
