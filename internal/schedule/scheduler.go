// Package schedule runs the evaluation and aggregation cycles on intervals
// and lets file changes trigger them early.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Job is one named periodic unit of work. A job never overlaps with itself.
type Job struct {
	Name     string
	Interval time.Duration
	// RunOnStart runs the job once as soon as the scheduler starts.
	RunOnStart bool
	Run        func(ctx context.Context) error
}

type jobState struct {
	Job
	nudge chan struct{}
}

type Scheduler struct {
	jobs   []*jobState
	byName map[string]*jobState
	logger *slog.Logger
}

func New(logger *slog.Logger, jobs ...Job) (*Scheduler, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Scheduler{byName: make(map[string]*jobState, len(jobs)), logger: logger}
	for _, job := range jobs {
		name := strings.TrimSpace(job.Name)
		if name == "" {
			return nil, fmt.Errorf("schedule job name cannot be empty")
		}
		if job.Interval <= 0 {
			return nil, fmt.Errorf("schedule job %q interval must be positive", name)
		}
		if job.Run == nil {
			return nil, fmt.Errorf("schedule job %q has no run function", name)
		}
		if _, exists := s.byName[name]; exists {
			return nil, fmt.Errorf("schedule job %q registered twice", name)
		}
		job.Name = name
		state := &jobState{Job: job, nudge: make(chan struct{}, 1)}
		s.jobs = append(s.jobs, state)
		s.byName[name] = state
	}
	return s, nil
}

// Run drives every job until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, job := range s.jobs {
		g.Go(func() error {
			s.loop(gctx, job)
			return nil
		})
	}
	return g.Wait()
}

// Nudge asks the named job to run as soon as its current run, if any,
// finishes. Repeated nudges before that coalesce into one run.
func (s *Scheduler) Nudge(name string) bool {
	job, ok := s.byName[name]
	if !ok {
		return false
	}
	select {
	case job.nudge <- struct{}{}:
	default:
	}
	return true
}

func (s *Scheduler) loop(ctx context.Context, job *jobState) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	if job.RunOnStart {
		s.runOnce(ctx, job, "start")
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, job, "interval")
		case <-job.nudge:
			s.runOnce(ctx, job, "nudge")
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, job *jobState, trigger string) {
	if ctx.Err() != nil {
		return
	}
	started := time.Now()
	err := job.Run(ctx)
	if err != nil {
		if ctx.Err() != nil {
			s.logger.InfoContext(ctx, "scheduled job abandoned", "job", job.Name, "trigger", trigger)
			return
		}
		s.logger.ErrorContext(ctx, "scheduled job failed",
			"job", job.Name,
			"trigger", trigger,
			"duration_ms", time.Since(started).Milliseconds(),
			"error", err,
		)
		return
	}
	s.logger.DebugContext(ctx, "scheduled job finished",
		"job", job.Name,
		"trigger", trigger,
		"duration_ms", time.Since(started).Milliseconds(),
	)
}
