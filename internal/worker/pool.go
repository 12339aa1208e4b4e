package worker

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"rivalscan/internal/engine"
)

// Pool runs a bounded set of workers over a queue of run ids. Per-run
// ordering is the engine's job; the pool only bounds how many runs
// execute stages at once.
type Pool struct {
	Engine *engine.Engine
	Logger *log.Logger

	size  int
	sweep time.Duration
	queue chan string
}

// New sizes the pool from config. A sweep interval of zero disables the
// review-timeout sweeper.
func New(eng *engine.Engine, workers int, sweepInterval time.Duration, logger *log.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Pool{
		Engine: eng,
		Logger: logger,
		size:   workers,
		sweep:  sweepInterval,
		queue:  make(chan string, 256),
	}
}

// Enqueue schedules a run for processing. Blocks when the queue is full.
func (p *Pool) Enqueue(ctx context.Context, runID string) error {
	select {
	case p.queue <- runID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the workers and the review-timeout sweeper, requeues any
// runs left unfinished by a previous process, and blocks until ctx is
// cancelled.
func (p *Pool) Run(ctx context.Context) error {
	if err := p.requeueUnfinished(ctx); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.size; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case runID := <-p.queue:
					if err := p.Engine.Process(ctx, runID); err != nil && ctx.Err() == nil {
						p.Logger.Printf("worker: run %s failed: %v", runID, err)
					}
				}
			}
		})
	}
	if p.sweep > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(p.sweep)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					resumed, err := p.Engine.SweepReviewTimeouts(ctx)
					if err != nil {
						if ctx.Err() == nil {
							p.Logger.Printf("worker: review timeout sweep failed: %v", err)
						}
						continue
					}
					for _, id := range resumed {
						p.Logger.Printf("worker: review timed out for run %s, proceeding", id)
						if err := p.Enqueue(ctx, id); err != nil {
							return nil
						}
					}
				}
			}
		})
	}
	return g.Wait()
}

// requeueUnfinished reloads runs a previous process left pending or
// mid-stage. Their checkpoints make re-processing safe.
func (p *Pool) requeueUnfinished(ctx context.Context) error {
	ids, err := p.Engine.Repo.ListRunIDsByStatus(ctx, "pending", "in_progress")
	if err != nil {
		return err
	}
	for _, id := range ids {
		p.Logger.Printf("worker: requeueing unfinished run %s", id)
		if err := p.Enqueue(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
