package worker

import (
	"context"

	"order-fulfillment/internal/broker"
	"order-fulfillment/internal/models"
	"order-fulfillment/internal/util"

	"go.uber.org/zap"
)

// MessageSource delivers broker messages to a handler until its context ends
type MessageSource interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// JobHandler runs one workflow job
type JobHandler interface {
	Handle(ctx context.Context, job models.WorkflowJob) error
}

// OrderWorker drives workflow executions queued on the broker
type OrderWorker struct {
	source       MessageSource
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewOrderWorker creates a new order worker
func NewOrderWorker(source MessageSource, jobs JobHandler) *OrderWorker {
	w := &OrderWorker{
		source:       source,
		eventHandler: broker.NewEventHandler(),
		logger:       util.GetLogger(),
	}

	w.eventHandler.OnWorkflowJob(func(ctx context.Context, job models.WorkflowJob) error {
		w.logger.Info("Running workflow job",
			zap.String("order_id", job.OrderID),
			zap.String("execution_arn", job.ExecutionID))
		return jobs.Handle(ctx, job)
	})

	return w
}

// Start starts the worker
func (w *OrderWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting order worker...")
	return w.source.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *OrderWorker) Stop() error {
	w.logger.Info("Stopping order worker...")
	return w.source.Close()
}
