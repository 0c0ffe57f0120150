package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/clowderhq/clowder/internal/clowder"
	"github.com/clowderhq/clowder/internal/db"
)

// Scheduler drives the orchestration loop: on every tick it promotes pending
// pipelines, dispatches ready jobs to the executor up to the worker limit,
// and finalizes pipelines whose jobs have all settled.
type Scheduler struct {
	store      *db.Store
	executor   *Executor
	propagator *Propagator
	interval   time.Duration
	maxWorkers int

	cron *cron.Cron

	mu     sync.Mutex
	active map[string]struct{} // job IDs currently held by a worker
}

func NewScheduler(store *db.Store, executor *Executor, propagator *Propagator, pollInterval time.Duration, maxWorkers int) *Scheduler {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Scheduler{
		store:      store,
		executor:   executor,
		propagator: propagator,
		interval:   pollInterval,
		maxWorkers: maxWorkers,
		active:     make(map[string]struct{}),
	}
}

// Start begins ticking in the background. ctx bounds the work done by each
// tick and the executors it launches.
func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		s.tick(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule orchestrator tick: %w", err)
	}
	c.Start()
	s.cron = c

	slog.Info("scheduler: started", "interval", s.interval, "max_workers", s.maxWorkers)
	return nil
}

// Stop halts ticking and waits for a tick in flight to return. Workers
// already dispatched keep running until their job attempt finishes.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	slog.Info("scheduler: stopped")
}

// tick runs one scheduling pass. It never lets an error or panic escape: a
// bad pass is logged and the next tick starts clean.
func (s *Scheduler) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduler: tick panicked", "panic", r)
		}
	}()

	s.promotePipelines(ctx)
	s.dispatchJobs(ctx)
	s.finalizePipelines(ctx)
}

func (s *Scheduler) promotePipelines(ctx context.Context) {
	pending, err := s.store.PipelinesByStatus(ctx, clowder.PipelinePending)
	if err != nil {
		slog.Error("scheduler: cannot list pending pipelines", "err", err)
		return
	}
	for _, p := range pending {
		if err := s.store.PromotePipeline(ctx, p.ID); err != nil {
			slog.Error("scheduler: cannot promote pipeline",
				"pipeline", clowder.ShortID(p.ID), "err", err)
			continue
		}
		slog.Info("scheduler: pipeline running", "pipeline", clowder.ShortID(p.ID))
	}
}

func (s *Scheduler) dispatchJobs(ctx context.Context) {
	for s.activeCount() < s.maxWorkers {
		job, err := s.store.ReadyJob(ctx)
		if err != nil {
			slog.Error("scheduler: cannot query ready job", "err", err)
			return
		}
		if job == nil {
			return
		}
		// A dispatched job stays pending in the store until the executor
		// marks it running, so the registry is the dedup guard.
		if !s.acquire(job.ID) {
			return
		}

		slog.Info("scheduler: dispatching job",
			"job", clowder.ShortID(job.ID),
			"pipeline", clowder.ShortID(job.PipelineID),
			"agent", job.AgentType)
		go func(id string) {
			defer s.release(id)
			s.executor.Run(ctx, id)
		}(job.ID)
	}
}

func (s *Scheduler) finalizePipelines(ctx context.Context) {
	running, err := s.store.PipelinesByStatus(ctx, clowder.PipelineRunning)
	if err != nil {
		slog.Error("scheduler: cannot list running pipelines", "err", err)
		return
	}
	for _, p := range running {
		if err := s.propagator.FinalizePipeline(ctx, p.ID); err != nil {
			slog.Error("scheduler: cannot finalize pipeline",
				"pipeline", clowder.ShortID(p.ID), "err", err)
		}
	}
}

func (s *Scheduler) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Scheduler) acquire(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.active[jobID]; held {
		return false
	}
	s.active[jobID] = struct{}{}
	return true
}

func (s *Scheduler) release(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, jobID)
}
