package workflow

import (
	"context"
	"errors"

	"order-fulfillment/internal/models"
	"order-fulfillment/internal/util"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrQueueClosed is returned by Enqueue once the pool has stopped
var ErrQueueClosed = errors.New("workflow queue closed")

// JobHandler processes one workflow job
type JobHandler func(ctx context.Context, job models.WorkflowJob) error

// Pool is an in-process Queue served by a fixed number of workers
type Pool struct {
	jobs    chan models.WorkflowJob
	done    chan struct{}
	workers int
	logger  *zap.Logger
}

// NewPool creates a pool with the given number of workers and queue capacity
func NewPool(workers, capacity int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if capacity < 0 {
		capacity = 0
	}
	return &Pool{
		jobs:    make(chan models.WorkflowJob, capacity),
		done:    make(chan struct{}),
		workers: workers,
		logger:  util.GetLogger(),
	}
}

// Enqueue blocks until a worker or a queue slot accepts the job
func (p *Pool) Enqueue(ctx context.Context, job models.WorkflowJob) error {
	select {
	case <-p.done:
		return ErrQueueClosed
	default:
	}

	select {
	case p.jobs <- job:
		return nil
	case <-p.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run serves jobs until ctx is cancelled. Jobs already taken by a worker run to
// completion with a context detached from ctx.
func (p *Pool) Run(ctx context.Context, handler JobHandler) error {
	defer close(p.done)

	p.logger.Info("Starting workflow workers", zap.Int("workers", p.workers))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		worker := i
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case job := <-p.jobs:
					if err := handler(context.WithoutCancel(ctx), job); err != nil {
						p.logger.Error("Workflow job failed",
							zap.Int("worker", worker),
							zap.String("order_id", job.OrderID),
							zap.Error(err))
					}
				}
			}
		})
	}

	err := g.Wait()
	p.logger.Info("Workflow workers stopped")
	return err
}
