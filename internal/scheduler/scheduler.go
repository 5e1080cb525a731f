// Package scheduler runs the periodic maintenance jobs: quality aggregation
// and sleep-time distillation.
//
// Scheduling is elapsed-time only. Jobs persist their own last-run watermark
// in deployment_config, so a duplicate firing (two replicas, a restart mid
// interval) repeats at most one incremental pass and converges to the same
// state.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Job is one periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler ticks each job on its own goroutine. Runs of the same job are
// serial; runs of different jobs may overlap.
type Scheduler struct {
	jobs   []Job
	logger *slog.Logger

	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	done    chan struct{}
	once    sync.Once
}

// New creates a scheduler over the given jobs.
func New(logger *slog.Logger, jobs ...Job) *Scheduler {
	return &Scheduler{
		jobs:   jobs,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start launches one ticker goroutine per job. Safe to call only once;
// subsequent calls are no-ops and log a warning.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		s.logger.Warn("scheduler: Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.loop(loopCtx, job)
	}
	go func() {
		s.wg.Wait()
		s.once.Do(func() { close(s.done) })
	}()
}

// Drain stops all job loops and blocks until in-flight runs finish or the
// context expires. Watermarks make an interrupted run safe to repeat.
func (s *Scheduler) Drain(ctx context.Context) {
	if s.cancel != nil {
		s.cancel()
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		s.logger.Warn("scheduler: drain timed out")
	}
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if err := job.Run(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Error("scheduled job failed", "job", job.Name, "error", err)
				continue
			}
			s.logger.Debug("scheduled job complete",
				"job", job.Name, "elapsed", time.Since(start))
		}
	}
}
